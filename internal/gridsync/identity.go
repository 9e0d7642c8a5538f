package gridsync

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// columnIdentityMetaKey is the fixed metadata key the persisted
// ColumnIdentityMap lives under. The grid has no per-range metadata,
// so the whole map is one blob per sheet.
const columnIdentityMetaKey = "gridsync:column-identity"

const headerRow = 1

// ColumnIdentityMap maps 1-based column indexes to decoded property
// ids. It is the durable record of which source property owns which
// column, independent of the property's current name.
type ColumnIdentityMap map[int]string

// ColumnIdentityStore persists column identity two ways: a per-sheet
// metadata blob (authoritative) and a note annotation on each header
// cell (redundant recovery data for manual repair). The two can drift
// when columns are inserted or deleted by hand; Resolve falls back to
// the annotations and Rebuild reconciles both directions.
type ColumnIdentityStore struct {
	logger Logger
}

func NewColumnIdentityStore(logger Logger) *ColumnIdentityStore {
	return &ColumnIdentityStore{logger: logger}
}

// WriteHeader sets a header cell's visible label and identity
// annotation, then folds the column into the persisted map with one
// read-modify-write.
func (s *ColumnIdentityStore) WriteHeader(sheet Sheet, col int, label, propertyID string) error {
	decoded := Decode(propertyID)
	if err := sheet.SetCell(headerRow, col, label, decoded); err != nil {
		return err
	}
	identity, err := s.loadMap(sheet)
	if err != nil {
		return err
	}
	identity[col] = decoded
	return s.saveMap(sheet, identity)
}

// Resolve finds the column a property writes to. The persisted map is
// consulted first; a miss scans header annotations in the search
// range, which recovers from map drift after manual column edits.
func (s *ColumnIdentityStore) Resolve(sheet Sheet, propertyID string, startCol, width int) (int, bool, error) {
	decoded := Decode(propertyID)
	identity, err := s.loadMap(sheet)
	if err != nil {
		return 0, false, err
	}
	endCol := 0
	if width > 0 {
		endCol = startCol + width - 1
	}
	for col, id := range identity {
		if id != decoded || col < startCol {
			continue
		}
		if endCol > 0 && col > endCol {
			continue
		}
		return col, true, nil
	}

	header, err := sheet.Row(headerRow)
	if err != nil {
		return 0, false, err
	}
	for i, cell := range header {
		col := i + 1
		if col < startCol || (endCol > 0 && col > endCol) {
			continue
		}
		if cell.Note != "" && cell.Note == decoded {
			return col, true, nil
		}
	}
	return 0, false, nil
}

// Rebuild reconciles the persisted map with header annotations in both
// directions: annotations seed missing or stale map entries, map
// entries restore missing annotations, and entries pointing at empty
// columns are dropped. Returns the number of repaired cells.
func (s *ColumnIdentityStore) Rebuild(sheet Sheet, startCol int) (int, error) {
	if startCol < 1 {
		startCol = 1
	}
	identity, err := s.loadMap(sheet)
	if err != nil {
		return 0, err
	}
	header, err := sheet.Row(headerRow)
	if err != nil {
		return 0, err
	}

	repaired := 0
	changed := false
	for i, cell := range header {
		col := i + 1
		if col < startCol {
			continue
		}
		switch {
		case cell.Note != "":
			if identity[col] != cell.Note {
				identity[col] = cell.Note
				changed = true
				repaired++
			}
		case identity[col] != "":
			if cell.Value == "" {
				delete(identity, col)
				changed = true
				repaired++
				continue
			}
			if err := sheet.SetNote(headerRow, col, identity[col]); err != nil {
				return repaired, err
			}
			repaired++
		}
	}
	for col, id := range identity {
		if col < startCol || col <= len(header) {
			continue
		}
		logf(s.logger, "dropping identity entry for missing column %d (%s)", col, id)
		delete(identity, col)
		changed = true
		repaired++
	}
	if changed {
		if err := s.saveMap(sheet, identity); err != nil {
			return repaired, err
		}
	}
	return repaired, nil
}

// TrimBeyond drops persisted identity entries for columns past
// lastCol, used when a header rewrite shrinks the column set.
func (s *ColumnIdentityStore) TrimBeyond(sheet Sheet, lastCol int) error {
	identity, err := s.loadMap(sheet)
	if err != nil {
		return err
	}
	changed := false
	for col := range identity {
		if col > lastCol {
			delete(identity, col)
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return s.saveMap(sheet, identity)
}

func (s *ColumnIdentityStore) loadMap(sheet Sheet) (ColumnIdentityMap, error) {
	data, err := sheet.LoadMeta(columnIdentityMetaKey)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return ColumnIdentityMap{}, nil
	}
	var wire map[string]string
	if err := json.Unmarshal(data, &wire); err != nil {
		logf(s.logger, "column identity blob is corrupt; starting fresh: %v", err)
		return ColumnIdentityMap{}, nil
	}
	identity := make(ColumnIdentityMap, len(wire))
	for key, id := range wire {
		col, err := strconv.Atoi(key)
		if err != nil || col < 1 {
			continue
		}
		identity[col] = id
	}
	return identity, nil
}

func (s *ColumnIdentityStore) saveMap(sheet Sheet, identity ColumnIdentityMap) error {
	wire := make(map[string]string, len(identity))
	for col, id := range identity {
		wire[fmt.Sprintf("%d", col)] = id
	}
	data, err := json.Marshal(wire)
	if err != nil {
		return err
	}
	return sheet.SaveMeta(columnIdentityMetaKey, data)
}
