package gridsync

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type SyncMode string

const (
	ModeAppend SyncMode = "append"
	ModeUpsert SyncMode = "upsert"
)

type SyncRequest struct {
	// Source is the data source or database id, raw or as a URL.
	Source string
	// Aliases define target columns in order. Ignored when AllColumns
	// is set, except as label overrides.
	Aliases    []AliasPair
	AllColumns bool
	Sheet      string
	Mode       SyncMode
	// KeyLabel names the column whose values key upsert matching.
	// Required for ModeUpsert.
	KeyLabel  string
	BatchSize int
	PageSize  int
	// Filter is merged verbatim into every query page body.
	Filter map[string]any
}

type SyncResult struct {
	RunID    string
	Mode     SyncMode
	Sheet    string
	Columns  int
	Records  int
	Appended int
	Inserted int
	Updated  int
	// Skipped lists alias keys that matched nothing in the schema.
	Skipped []string
}

type SyncerOptions struct {
	Source   *SourceClient
	Grid     Grid
	Notifier Notifier
	Logger   Logger
	// LockWait bounds how long a run waits for the per-sheet lock.
	LockWait time.Duration
}

// Syncer composes schema resolution, pagination, flattening, and grid
// writes into one idempotent run. Network fetch happens outside the
// per-sheet lock; only the mutation phase holds it.
type Syncer struct {
	source   *SourceClient
	grid     Grid
	identity *ColumnIdentityStore
	notifier Notifier
	logger   Logger
	lockWait time.Duration

	lockMu sync.Mutex
	locks  map[string]chan struct{}
}

func NewSyncer(opts SyncerOptions) (*Syncer, error) {
	if opts.Source == nil {
		return nil, fmt.Errorf("%w: source client is required", ErrConfiguration)
	}
	if opts.Grid == nil {
		return nil, fmt.Errorf("%w: grid is required", ErrConfiguration)
	}
	notifier := opts.Notifier
	if notifier == nil {
		notifier = NoopNotifier{}
	}
	lockWait := opts.LockWait
	if lockWait <= 0 {
		lockWait = 30 * time.Second
	}
	return &Syncer{
		source:   opts.Source,
		grid:     opts.Grid,
		identity: NewColumnIdentityStore(opts.Logger),
		notifier: notifier,
		logger:   opts.Logger,
		lockWait: lockWait,
		locks:    map[string]chan struct{}{},
	}, nil
}

// Sync runs one append or upsert pass. On success the notifier gets a
// summary, on failure an error report; neither affects the returned
// result.
func (s *Syncer) Sync(ctx context.Context, req SyncRequest) (SyncResult, error) {
	result, err := s.run(ctx, req)
	if err != nil {
		report := ErrorReport{
			Error:   err.Error(),
			Context: fmt.Sprintf("source=%s sheet=%s mode=%s", req.Source, req.Sheet, req.Mode),
		}
		if notifyErr := s.notifier.PostError(ctx, report); notifyErr != nil {
			logf(s.logger, "error notification failed: %v", notifyErr)
		}
		return result, err
	}
	summary := Summary{
		RunID:    result.RunID,
		Mode:     string(result.Mode),
		Sheet:    result.Sheet,
		Appended: result.Appended,
		Inserted: result.Inserted,
		Updated:  result.Updated,
	}
	if notifyErr := s.notifier.PostSummary(ctx, summary); notifyErr != nil {
		logf(s.logger, "summary notification failed: %v", notifyErr)
	}
	return result, nil
}

func (s *Syncer) run(ctx context.Context, req SyncRequest) (SyncResult, error) {
	result := SyncResult{RunID: uuid.NewString(), Mode: req.Mode, Sheet: req.Sheet}
	if strings.TrimSpace(req.Source) == "" {
		return result, fmt.Errorf("%w: source id is required", ErrConfiguration)
	}
	if strings.TrimSpace(req.Sheet) == "" {
		return result, fmt.Errorf("%w: sheet name is required", ErrConfiguration)
	}
	switch req.Mode {
	case ModeAppend:
	case ModeUpsert:
		if strings.TrimSpace(req.KeyLabel) == "" {
			return result, fmt.Errorf("%w: upsert requires a key label", ErrPrecondition)
		}
	default:
		return result, fmt.Errorf("%w: unknown sync mode %q", ErrConfiguration, req.Mode)
	}
	batchSize := req.BatchSize
	if batchSize <= 0 {
		batchSize = 500
	}

	schema, err := s.source.ResolveSource(ctx, req.Source)
	if err != nil {
		return result, err
	}
	specs, skipped := s.resolveSpecs(schema, req)
	result.Skipped = skipped
	result.Columns = len(specs)
	if len(specs) == 0 {
		return result, fmt.Errorf("%w: no aliases resolved against source %s", ErrSchemaMismatch, schema.ID)
	}
	if req.Mode == ModeUpsert && !hasKeyColumn(specs, req.KeyLabel) {
		return result, fmt.Errorf("%w: key column %q is not among resolved columns", ErrPrecondition, req.KeyLabel)
	}

	records, err := s.source.QueryAll(ctx, schema, req.Filter, req.PageSize)
	if err != nil {
		return result, err
	}
	result.Records = len(records)
	rows := buildRows(schema, specs, records)

	unlock, err := s.lockSheet(ctx, req.Sheet)
	if err != nil {
		return result, err
	}
	defer unlock()

	sheet, err := s.grid.Sheet(req.Sheet)
	if err != nil {
		return result, err
	}
	placement, err := s.ensureHeaders(sheet, specs)
	if err != nil {
		return result, err
	}
	rows = placeRows(rows, placement)

	switch req.Mode {
	case ModeAppend:
		appended, err := s.appendRows(sheet, rows, batchSize)
		if err != nil {
			return result, err
		}
		result.Appended = appended
	case ModeUpsert:
		keyCol, ok := keyColumn(specs, placement, req.KeyLabel)
		if !ok {
			return result, fmt.Errorf("%w: key column %q is not among resolved columns", ErrPrecondition, req.KeyLabel)
		}
		inserted, updated, err := s.upsertRows(sheet, rows, keyCol, batchSize)
		if err != nil {
			return result, err
		}
		result.Inserted = inserted
		result.Updated = updated
	}
	return result, nil
}

// Preview resolves specs and fetches the first page only; nothing is
// written to the grid.
func (s *Syncer) Preview(ctx context.Context, req SyncRequest, limit int) ([]ColumnSpec, [][]string, error) {
	if limit <= 0 {
		limit = 10
	}
	schema, err := s.source.ResolveSource(ctx, req.Source)
	if err != nil {
		return nil, nil, err
	}
	specs, _ := s.resolveSpecs(schema, req)
	if len(specs) == 0 {
		return nil, nil, fmt.Errorf("%w: no aliases resolved against source %s", ErrSchemaMismatch, schema.ID)
	}
	records, _, err := s.source.QueryPage(ctx, schema, req.Filter, limit, "")
	if err != nil {
		return nil, nil, err
	}
	if len(records) > limit {
		records = records[:limit]
	}
	return specs, buildRows(schema, specs, records), nil
}

// FixHeaders runs the column identity rebuild on a sheet.
func (s *Syncer) FixHeaders(ctx context.Context, sheetName string) (int, error) {
	unlock, err := s.lockSheet(ctx, sheetName)
	if err != nil {
		return 0, err
	}
	defer unlock()
	sheet, err := s.grid.Sheet(sheetName)
	if err != nil {
		return 0, err
	}
	return s.identity.Rebuild(sheet, 1)
}

// Wipe clears the sheet and resyncs it from scratch in append mode.
func (s *Syncer) Wipe(ctx context.Context, req SyncRequest) (SyncResult, error) {
	unlock, err := s.lockSheet(ctx, req.Sheet)
	if err != nil {
		return SyncResult{}, err
	}
	sheet, err := s.grid.Sheet(req.Sheet)
	if err != nil {
		unlock()
		return SyncResult{}, err
	}
	err = sheet.Clear()
	unlock()
	if err != nil {
		return SyncResult{}, err
	}
	req.Mode = ModeAppend
	return s.Sync(ctx, req)
}

func (s *Syncer) resolveSpecs(schema SourceSchema, req SyncRequest) ([]ColumnSpec, []string) {
	if req.AllColumns {
		return BuildAllSpecs(schema, req.Aliases), nil
	}
	return ResolveAliases(schema, req.Aliases, s.logger)
}

// ensureHeaders makes row 1 match the specs' labels. When the current
// header already matches positionally the write is skipped entirely,
// and column placement honors identity annotations so manually moved
// columns keep receiving their property. A rewrite also clears header
// cells and identity entries past the new column set. Returns the
// target column for each spec.
func (s *Syncer) ensureHeaders(sheet Sheet, specs []ColumnSpec) ([]int, error) {
	header, err := sheet.Row(headerRow)
	if err != nil {
		return nil, err
	}
	matches := len(header) >= len(specs)
	if matches {
		for i, spec := range specs {
			if header[i].Value != spec.HeaderLabel() {
				matches = false
				break
			}
		}
	}
	placement := make([]int, len(specs))
	if matches {
		for i, spec := range specs {
			col, found, err := s.identity.Resolve(sheet, spec.PropertyID, 1, maxInt(len(header), len(specs)))
			if err != nil {
				return nil, err
			}
			if !found {
				col = i + 1
			}
			placement[i] = col
		}
		return placement, nil
	}
	for i, spec := range specs {
		if err := s.identity.WriteHeader(sheet, i+1, spec.HeaderLabel(), spec.PropertyID); err != nil {
			return nil, err
		}
		placement[i] = i + 1
	}
	for col := len(specs) + 1; col <= len(header); col++ {
		if err := sheet.SetCell(headerRow, col, "", ""); err != nil {
			return nil, err
		}
	}
	if err := s.identity.TrimBeyond(sheet, len(specs)); err != nil {
		return nil, err
	}
	return placement, nil
}

func (s *Syncer) appendRows(sheet Sheet, rows [][]string, batchSize int) (int, error) {
	appended := 0
	for start := 0; start < len(rows); start += batchSize {
		end := start + batchSize
		if end > len(rows) {
			end = len(rows)
		}
		if _, err := sheet.Append(rows[start:end]); err != nil {
			return appended, err
		}
		appended += end - start
	}
	return appended, nil
}

// upsertRows applies last-writer-wins per key: new rows sharing a key
// collapse to the last one, rows whose key already exists in the sheet
// update in place, and the rest append in batches. Rows whose key cell
// is empty are unkeyed: each appends individually, never deduplicated.
func (s *Syncer) upsertRows(sheet Sheet, rows [][]string, keyCol, batchSize int) (int, int, error) {
	existing, err := s.existingKeyRows(sheet, keyCol)
	if err != nil {
		return 0, 0, err
	}

	order := make([]string, 0, len(rows))
	byKey := make(map[string][]string, len(rows))
	var unkeyed [][]string
	for _, row := range rows {
		key := ""
		if keyCol-1 < len(row) {
			key = row[keyCol-1]
		}
		if key == "" {
			unkeyed = append(unkeyed, row)
			continue
		}
		if _, seen := byKey[key]; !seen {
			order = append(order, key)
		}
		byKey[key] = row
	}

	inserted, updated := 0, 0
	var pending [][]string
	for _, key := range order {
		row := byKey[key]
		if rowIndex, ok := existing[key]; ok {
			if err := sheet.SetRow(rowIndex, row); err != nil {
				return inserted, updated, err
			}
			updated++
			continue
		}
		pending = append(pending, row)
		inserted++
	}
	pending = append(pending, unkeyed...)
	inserted += len(unkeyed)
	for start := 0; start < len(pending); start += batchSize {
		end := start + batchSize
		if end > len(pending) {
			end = len(pending)
		}
		if _, err := sheet.Append(pending[start:end]); err != nil {
			return inserted, updated, err
		}
	}
	return inserted, updated, nil
}

// existingKeyRows maps key-column values to their row numbers; the
// first occurrence of a duplicated key wins.
func (s *Syncer) existingKeyRows(sheet Sheet, keyCol int) (map[string]int, error) {
	rowCount, _, err := sheet.Dimensions()
	if err != nil {
		return nil, err
	}
	existing := make(map[string]int)
	for index := headerRow + 1; index <= rowCount; index++ {
		row, err := sheet.Row(index)
		if err != nil {
			return nil, err
		}
		if keyCol-1 >= len(row) {
			continue
		}
		key := row[keyCol-1].Value
		if key == "" {
			continue
		}
		if _, ok := existing[key]; !ok {
			existing[key] = index
		}
	}
	return existing, nil
}

func (s *Syncer) lockSheet(ctx context.Context, name string) (func(), error) {
	s.lockMu.Lock()
	sem, ok := s.locks[name]
	if !ok {
		sem = make(chan struct{}, 1)
		s.locks[name] = sem
	}
	s.lockMu.Unlock()

	timer := time.NewTimer(s.lockWait)
	defer timer.Stop()
	select {
	case sem <- struct{}{}:
		return func() { <-sem }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("%w: sheet %q is locked by another run", ErrTransient, name)
	}
}

// buildRows flattens records into display rows, spec order. Property
// lookup resolves through the schema's id→name mapping first, then
// scans the record's own properties by id to survive renames between
// the schema fetch and the page fetch.
func buildRows(schema SourceSchema, specs []ColumnSpec, records []Record) [][]string {
	idToName := make(map[string]string, len(schema.Properties))
	for _, prop := range schema.Properties {
		if prop.ID != "" {
			idToName[Decode(prop.ID)] = prop.Name
		}
	}
	rows := make([][]string, 0, len(records))
	for _, record := range records {
		row := make([]string, len(specs))
		for i, spec := range specs {
			value, ok := lookupProperty(record, spec, idToName)
			if !ok {
				continue
			}
			row[i] = Flatten(value)
		}
		rows = append(rows, row)
	}
	return rows
}

func lookupProperty(record Record, spec ColumnSpec, idToName map[string]string) (PropertyValue, bool) {
	decoded := Decode(spec.PropertyID)
	if name, ok := idToName[decoded]; ok {
		if value, ok := record.Properties[name]; ok {
			return value, true
		}
	}
	if value, ok := record.Properties[spec.PropertyName]; ok && Decode(value.ID) == decoded {
		return value, true
	}
	for _, value := range record.Properties {
		if value.ID == spec.PropertyID || Decode(value.ID) == decoded {
			return value, true
		}
	}
	return PropertyValue{}, false
}

// placeRows reorders dense spec-order rows onto their target columns.
func placeRows(rows [][]string, placement []int) [][]string {
	width := 0
	identityOrder := true
	for i, col := range placement {
		if col != i+1 {
			identityOrder = false
		}
		if col > width {
			width = col
		}
	}
	if identityOrder {
		return rows
	}
	placed := make([][]string, len(rows))
	for r, row := range rows {
		out := make([]string, width)
		for i, col := range placement {
			if i < len(row) {
				out[col-1] = row[i]
			}
		}
		placed[r] = out
	}
	return placed
}

func keyColumn(specs []ColumnSpec, placement []int, keyLabel string) (int, bool) {
	for i, spec := range specs {
		if spec.HeaderLabel() == keyLabel || spec.PropertyName == keyLabel {
			return placement[i], true
		}
	}
	return 0, false
}

func hasKeyColumn(specs []ColumnSpec, keyLabel string) bool {
	for _, spec := range specs {
		if spec.HeaderLabel() == keyLabel || spec.PropertyName == keyLabel {
			return true
		}
	}
	return false
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
