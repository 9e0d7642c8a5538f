package gridsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

const testSourceID = "2f26ee68df304ca8aefd435bf2acc33a"

func emailRecord(name, email string) map[string]any {
	return map[string]any{
		"object": "page",
		"id":     "page_" + name,
		"properties": map[string]any{
			"Name": map[string]any{
				"id":   "title",
				"type": "title",
				"title": []map[string]any{
					{"plain_text": name},
				},
			},
			"Email (Org)": map[string]any{
				"id":    "HA%40l",
				"type":  "email",
				"email": email,
			},
		},
	}
}

// newSourceServer serves one data source schema plus a fixed record
// set through the query endpoint.
func newSourceServer(t *testing.T, records []map[string]any) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/v1/data_sources/") && !strings.HasSuffix(r.URL.Path, "/query"):
			_ = json.NewEncoder(w).Encode(map[string]any{
				"object": "data_source",
				"id":     ToDashedForm(testSourceID),
				"title":  []map[string]any{{"plain_text": "Contacts"}},
				"properties": map[string]any{
					"Name":        map[string]any{"id": "title", "type": "title"},
					"Email (Org)": map[string]any{"id": "HA%40l", "type": "email"},
				},
			})
		case strings.HasSuffix(r.URL.Path, "/query"):
			_ = json.NewEncoder(w).Encode(map[string]any{
				"results":  records,
				"has_more": false,
			})
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"code":"object_not_found","message":"nope"}`))
		}
	}))
}

func newTestSyncer(t *testing.T, server *httptest.Server, grid Grid, notifier Notifier) *Syncer {
	t.Helper()
	source, err := NewSourceClient(SourceClientOptions{
		BaseURL:    server.URL,
		Token:      "token_123",
		HTTPClient: server.Client(),
		BaseDelay:  time.Millisecond,
		MaxDelay:   5 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new source client: %v", err)
	}
	syncer, err := NewSyncer(SyncerOptions{Source: source, Grid: grid, Notifier: notifier})
	if err != nil {
		t.Fatalf("new syncer: %v", err)
	}
	return syncer
}

func contactRequest(mode SyncMode) SyncRequest {
	return SyncRequest{
		Source: testSourceID,
		Sheet:  "contacts",
		Mode:   mode,
		Aliases: []AliasPair{
			{Key: "Email (Org)", Label: "Email"},
			{Key: "Name"},
		},
		KeyLabel: "Email",
	}
}

func TestSyncAppendWritesHeadersAndRows(t *testing.T) {
	server := newSourceServer(t, []map[string]any{
		emailRecord("Ada", "ada@example.com"),
		emailRecord("Grace", "grace@example.com"),
	})
	defer server.Close()

	grid := NewMemoryGrid()
	syncer := newTestSyncer(t, server, grid, nil)
	result, err := syncer.Sync(context.Background(), contactRequest(ModeAppend))
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if result.Appended != 2 || result.Records != 2 || result.Columns != 2 {
		t.Fatalf("unexpected result %+v", result)
	}
	if result.RunID == "" {
		t.Fatalf("expected run id assigned")
	}

	sheet, _ := grid.Sheet("contacts")
	header, _ := sheet.Row(1)
	if header[0].Value != "Email" || header[1].Value != "Name" {
		t.Fatalf("unexpected header %+v", header)
	}
	if header[0].Note != "HA@l" || header[1].Note != "title" {
		t.Fatalf("expected decoded ids as annotations, got %+v", header)
	}
	row, _ := sheet.Row(2)
	if row[0].Value != "ada@example.com" || row[1].Value != "Ada" {
		t.Fatalf("unexpected first data row %+v", row)
	}
}

// countingSheet wraps a Sheet and counts header-cell writes.
type countingSheet struct {
	Sheet
	headerWrites int32
}

func (s *countingSheet) SetCell(row, col int, value, note string) error {
	if row == headerRow {
		atomic.AddInt32(&s.headerWrites, 1)
	}
	return s.Sheet.SetCell(row, col, value, note)
}

type countingGrid struct {
	inner  Grid
	sheets map[string]*countingSheet
}

func (g *countingGrid) Sheet(name string) (Sheet, error) {
	if sheet, ok := g.sheets[name]; ok {
		return sheet, nil
	}
	inner, err := g.inner.Sheet(name)
	if err != nil {
		return nil, err
	}
	sheet := &countingSheet{Sheet: inner}
	g.sheets[name] = sheet
	return sheet, nil
}

func (g *countingGrid) Close() error { return g.inner.Close() }

func TestSyncSkipsHeaderWriteWhenAlreadyCurrent(t *testing.T) {
	server := newSourceServer(t, []map[string]any{emailRecord("Ada", "ada@example.com")})
	defer server.Close()

	grid := &countingGrid{inner: NewMemoryGrid(), sheets: map[string]*countingSheet{}}
	syncer := newTestSyncer(t, server, grid, nil)

	if _, err := syncer.Sync(context.Background(), contactRequest(ModeAppend)); err != nil {
		t.Fatalf("first sync failed: %v", err)
	}
	sheet := grid.sheets["contacts"]
	first := atomic.LoadInt32(&sheet.headerWrites)
	if first == 0 {
		t.Fatalf("expected initial header writes")
	}

	if _, err := syncer.Sync(context.Background(), contactRequest(ModeAppend)); err != nil {
		t.Fatalf("second sync failed: %v", err)
	}
	if got := atomic.LoadInt32(&sheet.headerWrites); got != first {
		t.Fatalf("expected no header rewrites on unchanged schema, got %d -> %d", first, got)
	}
}

func TestSyncUpsertCountsInsertedAndUpdated(t *testing.T) {
	server := newSourceServer(t, []map[string]any{
		emailRecord("Ada", "ada@example.com"),
		emailRecord("Grace", "grace@example.com"),
		emailRecord("Edsger", "edsger@example.com"),
		emailRecord("Barbara", "barbara@example.com"),
		emailRecord("Donald", "donald@example.com"),
	})
	defer server.Close()

	grid := NewMemoryGrid()
	sheet, _ := grid.Sheet("contacts")
	if err := sheet.SetRow(1, []string{"Email", "Name"}); err != nil {
		t.Fatalf("seed header: %v", err)
	}
	if _, err := sheet.Append([][]string{
		{"ada@example.com", "A. Lovelace"},
		{"grace@example.com", "G. Hopper"},
	}); err != nil {
		t.Fatalf("seed rows: %v", err)
	}

	syncer := newTestSyncer(t, server, grid, nil)
	result, err := syncer.Sync(context.Background(), contactRequest(ModeUpsert))
	if err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if result.Inserted != 3 || result.Updated != 2 {
		t.Fatalf("expected inserted=3 updated=2, got %+v", result)
	}
	rows, _, _ := sheet.Dimensions()
	if rows != 6 {
		t.Fatalf("expected header plus 5 distinct rows, got %d", rows)
	}
	updated, _ := sheet.Row(2)
	if updated[1].Value != "Ada" {
		t.Fatalf("expected existing row updated in place, got %+v", updated)
	}
}

func TestSyncUpsertCollapsesDuplicateKeys(t *testing.T) {
	server := newSourceServer(t, []map[string]any{
		emailRecord("Ada", "ada@example.com"),
		emailRecord("Ada Revised", "ada@example.com"),
	})
	defer server.Close()

	grid := NewMemoryGrid()
	syncer := newTestSyncer(t, server, grid, nil)
	result, err := syncer.Sync(context.Background(), contactRequest(ModeUpsert))
	if err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if result.Inserted != 1 || result.Updated != 0 {
		t.Fatalf("expected one insert for one distinct key, got %+v", result)
	}
	sheet, _ := grid.Sheet("contacts")
	row, _ := sheet.Row(2)
	if row[1].Value != "Ada Revised" {
		t.Fatalf("expected last record to win, got %+v", row)
	}
	rows, _, _ := sheet.Dimensions()
	if rows != 2 {
		t.Fatalf("expected header plus one row, got %d", rows)
	}
}

func TestSyncUpsertWithUnresolvedKeyWritesNothing(t *testing.T) {
	server := newSourceServer(t, []map[string]any{emailRecord("Ada", "ada@example.com")})
	defer server.Close()

	grid := NewMemoryGrid()
	syncer := newTestSyncer(t, server, grid, nil)
	req := contactRequest(ModeUpsert)
	req.KeyLabel = "NoSuchColumn"
	if _, err := syncer.Sync(context.Background(), req); !errors.Is(err, ErrPrecondition) {
		t.Fatalf("expected precondition error, got %v", err)
	}
	sheet, _ := grid.Sheet("contacts")
	rows, _, _ := sheet.Dimensions()
	if rows != 0 {
		t.Fatalf("expected untouched sheet after aborted upsert, got %d rows", rows)
	}
}

func TestSyncUpsertAppendsRowsWithoutKeyValues(t *testing.T) {
	server := newSourceServer(t, []map[string]any{
		emailRecord("Ada", ""),
		emailRecord("Grace", ""),
		emailRecord("Edsger", "edsger@example.com"),
	})
	defer server.Close()

	grid := NewMemoryGrid()
	syncer := newTestSyncer(t, server, grid, nil)
	result, err := syncer.Sync(context.Background(), contactRequest(ModeUpsert))
	if err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if result.Inserted != 3 || result.Updated != 0 {
		t.Fatalf("expected all three records inserted, got %+v", result)
	}
	sheet, _ := grid.Sheet("contacts")
	rows, _, _ := sheet.Dimensions()
	if rows != 4 {
		t.Fatalf("expected header plus three rows, got %d", rows)
	}
	names := map[string]bool{}
	for index := 2; index <= rows; index++ {
		row, _ := sheet.Row(index)
		names[row[1].Value] = true
	}
	for _, name := range []string{"Ada", "Grace", "Edsger"} {
		if !names[name] {
			t.Fatalf("expected row for %s, got %v", name, names)
		}
	}
}

func TestSyncUpsertRequiresKeyLabel(t *testing.T) {
	server := newSourceServer(t, nil)
	defer server.Close()

	syncer := newTestSyncer(t, server, NewMemoryGrid(), nil)
	req := contactRequest(ModeUpsert)
	req.KeyLabel = ""
	if _, err := syncer.Sync(context.Background(), req); !errors.Is(err, ErrPrecondition) {
		t.Fatalf("expected precondition error, got %v", err)
	}
}

func TestSyncFailsWhenNothingResolves(t *testing.T) {
	server := newSourceServer(t, nil)
	defer server.Close()

	syncer := newTestSyncer(t, server, NewMemoryGrid(), nil)
	req := contactRequest(ModeAppend)
	req.Aliases = []AliasPair{{Key: "No Such Property"}}
	result, err := syncer.Sync(context.Background(), req)
	if !errors.Is(err, ErrSchemaMismatch) {
		t.Fatalf("expected schema mismatch, got %v", err)
	}
	if len(result.Skipped) != 1 || result.Skipped[0] != "No Such Property" {
		t.Fatalf("expected skipped alias recorded, got %+v", result)
	}
}

func TestSyncContinuesPastUnmatchedAliases(t *testing.T) {
	server := newSourceServer(t, []map[string]any{emailRecord("Ada", "ada@example.com")})
	defer server.Close()

	syncer := newTestSyncer(t, server, NewMemoryGrid(), nil)
	req := contactRequest(ModeAppend)
	req.Aliases = append(req.Aliases, AliasPair{Key: "Typo Column"})
	result, err := syncer.Sync(context.Background(), req)
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if result.Columns != 2 || len(result.Skipped) != 1 {
		t.Fatalf("expected two resolved and one skipped, got %+v", result)
	}
}

func TestSyncHeaderRewriteClearsRemovedColumns(t *testing.T) {
	server := newSourceServer(t, []map[string]any{emailRecord("Ada", "ada@example.com")})
	defer server.Close()

	grid := NewMemoryGrid()
	syncer := newTestSyncer(t, server, grid, nil)
	if _, err := syncer.Sync(context.Background(), contactRequest(ModeAppend)); err != nil {
		t.Fatalf("first sync failed: %v", err)
	}

	narrowed := contactRequest(ModeAppend)
	narrowed.Aliases = []AliasPair{{Key: "Name"}}
	if _, err := syncer.Sync(context.Background(), narrowed); err != nil {
		t.Fatalf("narrowed sync failed: %v", err)
	}

	sheet, _ := grid.Sheet("contacts")
	header, _ := sheet.Row(1)
	if header[0].Value != "Name" || header[0].Note != "title" {
		t.Fatalf("unexpected first column %+v", header[0])
	}
	if len(header) > 1 && (header[1].Value != "" || header[1].Note != "") {
		t.Fatalf("expected trailing column cleared, got %+v", header[1])
	}
	data, _ := sheet.LoadMeta(columnIdentityMetaKey)
	var wire map[string]string
	if err := json.Unmarshal(data, &wire); err != nil {
		t.Fatalf("meta blob not json: %v", err)
	}
	if _, ok := wire["2"]; ok {
		t.Fatalf("expected stale identity entry dropped, got %v", wire)
	}
	if wire["1"] != "title" {
		t.Fatalf("expected surviving column remapped, got %v", wire)
	}
}

func TestSyncAllColumnsUsesEveryProperty(t *testing.T) {
	server := newSourceServer(t, []map[string]any{emailRecord("Ada", "ada@example.com")})
	defer server.Close()

	grid := NewMemoryGrid()
	syncer := newTestSyncer(t, server, grid, nil)
	req := SyncRequest{Source: testSourceID, Sheet: "contacts", Mode: ModeAppend, AllColumns: true}
	result, err := syncer.Sync(context.Background(), req)
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if result.Columns != 2 {
		t.Fatalf("expected every property used, got %+v", result)
	}
	sheet, _ := grid.Sheet("contacts")
	header, _ := sheet.Row(1)
	if header[0].Value != "Email (Org)" || header[1].Value != "Name" {
		t.Fatalf("expected property-name order, got %+v", header)
	}
}

type recordingNotifier struct {
	summaries []Summary
	errors    []ErrorReport
}

func (n *recordingNotifier) PostSummary(ctx context.Context, summary Summary) error {
	n.summaries = append(n.summaries, summary)
	return nil
}

func (n *recordingNotifier) PostError(ctx context.Context, report ErrorReport) error {
	n.errors = append(n.errors, report)
	return nil
}

func TestSyncNotifiesSummaryOnSuccess(t *testing.T) {
	server := newSourceServer(t, []map[string]any{emailRecord("Ada", "ada@example.com")})
	defer server.Close()

	notifier := &recordingNotifier{}
	syncer := newTestSyncer(t, server, NewMemoryGrid(), notifier)
	result, err := syncer.Sync(context.Background(), contactRequest(ModeAppend))
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if len(notifier.summaries) != 1 || len(notifier.errors) != 0 {
		t.Fatalf("expected one summary, got %+v", notifier)
	}
	if notifier.summaries[0].RunID != result.RunID || notifier.summaries[0].Appended != 1 {
		t.Fatalf("unexpected summary %+v", notifier.summaries[0])
	}
}

func TestSyncNotifiesErrorOnFailure(t *testing.T) {
	server := newSourceServer(t, nil)
	defer server.Close()

	notifier := &recordingNotifier{}
	syncer := newTestSyncer(t, server, NewMemoryGrid(), notifier)
	req := contactRequest(ModeAppend)
	req.Aliases = []AliasPair{{Key: "No Such Property"}}
	if _, err := syncer.Sync(context.Background(), req); err == nil {
		t.Fatalf("expected failure")
	}
	if len(notifier.errors) != 1 || len(notifier.summaries) != 0 {
		t.Fatalf("expected one error report, got %+v", notifier)
	}
	if !strings.Contains(notifier.errors[0].Context, "sheet=contacts") {
		t.Fatalf("expected run context in report, got %+v", notifier.errors[0])
	}
}

func TestPreviewDoesNotTouchTheGrid(t *testing.T) {
	server := newSourceServer(t, []map[string]any{
		emailRecord("Ada", "ada@example.com"),
		emailRecord("Grace", "grace@example.com"),
	})
	defer server.Close()

	grid := NewMemoryGrid()
	syncer := newTestSyncer(t, server, grid, nil)
	specs, rows, err := syncer.Preview(context.Background(), contactRequest(ModeAppend), 1)
	if err != nil {
		t.Fatalf("preview failed: %v", err)
	}
	if len(specs) != 2 || len(rows) != 1 {
		t.Fatalf("expected limited preview, got specs=%d rows=%d", len(specs), len(rows))
	}
	if rows[0][0] != "ada@example.com" {
		t.Fatalf("unexpected preview row %+v", rows[0])
	}
	sheet, _ := grid.Sheet("contacts")
	dims, _, _ := sheet.Dimensions()
	if dims != 0 {
		t.Fatalf("expected untouched sheet, got %d rows", dims)
	}
}

func TestWipeClearsBeforeResync(t *testing.T) {
	server := newSourceServer(t, []map[string]any{emailRecord("Ada", "ada@example.com")})
	defer server.Close()

	grid := NewMemoryGrid()
	sheet, _ := grid.Sheet("contacts")
	if _, err := sheet.Append([][]string{{"stale"}, {"rows"}, {"here"}}); err != nil {
		t.Fatalf("seed rows: %v", err)
	}

	syncer := newTestSyncer(t, server, grid, nil)
	result, err := syncer.Wipe(context.Background(), contactRequest(ModeAppend))
	if err != nil {
		t.Fatalf("wipe failed: %v", err)
	}
	if result.Appended != 1 {
		t.Fatalf("unexpected result %+v", result)
	}
	rows, _, _ := sheet.Dimensions()
	if rows != 2 {
		t.Fatalf("expected header plus one fresh row, got %d", rows)
	}
}

func TestFixHeadersRebuildsIdentity(t *testing.T) {
	server := newSourceServer(t, nil)
	defer server.Close()

	grid := NewMemoryGrid()
	sheet, _ := grid.Sheet("contacts")
	if err := sheet.SetCell(1, 1, "Email", "HA@l"); err != nil {
		t.Fatalf("seed header: %v", err)
	}

	syncer := newTestSyncer(t, server, grid, nil)
	repaired, err := syncer.FixHeaders(context.Background(), "contacts")
	if err != nil {
		t.Fatalf("fix headers failed: %v", err)
	}
	if repaired != 1 {
		t.Fatalf("expected one repair, got %d", repaired)
	}
}

func TestLockSheetTimesOutWhileHeld(t *testing.T) {
	server := newSourceServer(t, nil)
	defer server.Close()

	syncer := newTestSyncer(t, server, NewMemoryGrid(), nil)
	syncer.lockWait = 10 * time.Millisecond

	unlock, err := syncer.lockSheet(context.Background(), "contacts")
	if err != nil {
		t.Fatalf("first lock failed: %v", err)
	}
	defer unlock()

	if _, err := syncer.lockSheet(context.Background(), "contacts"); !errors.Is(err, ErrTransient) {
		t.Fatalf("expected lock timeout as transient, got %v", err)
	}
}

func TestLockSheetIsPerSheet(t *testing.T) {
	server := newSourceServer(t, nil)
	defer server.Close()

	syncer := newTestSyncer(t, server, NewMemoryGrid(), nil)
	syncer.lockWait = 10 * time.Millisecond

	unlockA, err := syncer.lockSheet(context.Background(), "a")
	if err != nil {
		t.Fatalf("lock a: %v", err)
	}
	defer unlockA()
	unlockB, err := syncer.lockSheet(context.Background(), "b")
	if err != nil {
		t.Fatalf("expected independent sheet locks, got %v", err)
	}
	unlockB()
}

func TestBuildRowsSurvivesRenameBetweenFetches(t *testing.T) {
	schema := SourceSchema{Properties: map[string]SchemaProperty{
		"Email (Org)": {ID: "HA%40l", Name: "Email (Org)", Type: "email"},
	}}
	specs := []ColumnSpec{{Label: "Email", PropertyID: "HA%40l", PropertyName: "Email (Org)"}}
	// The record arrived after a rename, so the property key differs
	// from the schema's name and only the id still matches.
	email := "ada@example.com"
	records := []Record{{
		ID: "p1",
		Properties: map[string]PropertyValue{
			"Org Email": {ID: "HA%40l", Type: "email", Email: &email},
		},
	}}
	rows := buildRows(schema, specs, records)
	if len(rows) != 1 || rows[0][0] != "ada@example.com" {
		t.Fatalf("expected id-based lookup to survive rename, got %+v", rows)
	}
}

func TestPlaceRowsReordersOntoTargetColumns(t *testing.T) {
	rows := [][]string{{"a", "b"}}
	placed := placeRows(rows, []int{3, 1})
	if len(placed) != 1 {
		t.Fatalf("expected one row, got %d", len(placed))
	}
	want := []string{"b", "", "a"}
	if fmt.Sprintf("%v", placed[0]) != fmt.Sprintf("%v", want) {
		t.Fatalf("expected %v, got %v", want, placed[0])
	}
}
