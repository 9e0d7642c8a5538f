package gridsync

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

type fileGridState struct {
	Sheets map[string]fileSheetState `json:"sheets"`
}

type fileSheetState struct {
	Rows [][]Cell          `json:"rows"`
	Meta map[string][]byte `json:"meta,omitempty"`
}

// fileGrid persists the whole grid as one JSON snapshot, replaced
// atomically after every mutation.
type fileGrid struct {
	mu    sync.Mutex
	path  string
	state fileGridState
}

func NewFileGrid(path string) (Grid, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("%w: grid file path is required", ErrConfiguration)
	}
	g := &fileGrid{path: path, state: fileGridState{Sheets: map[string]fileSheetState{}}}
	if err := g.load(); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *fileGrid) load() error {
	data, err := os.ReadFile(g.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var state fileGridState
	if err := json.Unmarshal(data, &state); err != nil {
		return err
	}
	if state.Sheets == nil {
		state.Sheets = map[string]fileSheetState{}
	}
	g.state = state
	return nil
}

func (g *fileGrid) saveLocked() error {
	data, err := json.Marshal(g.state)
	if err != nil {
		return err
	}
	dir := filepath.Dir(g.path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := g.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, g.path)
}

func (g *fileGrid) Sheet(name string) (Sheet, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: sheet name is required", ErrConfiguration)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.state.Sheets[name]; !ok {
		g.state.Sheets[name] = fileSheetState{Meta: map[string][]byte{}}
		if err := g.saveLocked(); err != nil {
			return nil, err
		}
	}
	return &fileSheet{grid: g, name: name}, nil
}

func (g *fileGrid) Close() error {
	return nil
}

type fileSheet struct {
	grid *fileGrid
	name string
}

func (s *fileSheet) Name() string {
	return s.name
}

func (s *fileSheet) Dimensions() (int, int, error) {
	s.grid.mu.Lock()
	defer s.grid.mu.Unlock()
	state := s.grid.state.Sheets[s.name]
	cols := 0
	for _, row := range state.Rows {
		if len(row) > cols {
			cols = len(row)
		}
	}
	return len(state.Rows), cols, nil
}

func (s *fileSheet) Row(index int) ([]Cell, error) {
	if index < 1 {
		return nil, fmt.Errorf("row index %d out of range", index)
	}
	s.grid.mu.Lock()
	defer s.grid.mu.Unlock()
	state := s.grid.state.Sheets[s.name]
	if index > len(state.Rows) {
		return nil, nil
	}
	row := state.Rows[index-1]
	out := make([]Cell, len(row))
	copy(out, row)
	return out, nil
}

func (s *fileSheet) SetCell(row, col int, value, note string) error {
	return s.mutate(func(state *fileSheetState) error {
		if row < 1 || col < 1 {
			return fmt.Errorf("cell (%d,%d) out of range", row, col)
		}
		growSheet(state, row, col)
		state.Rows[row-1][col-1] = Cell{Value: value, Note: note}
		return nil
	})
}

func (s *fileSheet) SetNote(row, col int, note string) error {
	return s.mutate(func(state *fileSheetState) error {
		if row < 1 || col < 1 {
			return fmt.Errorf("cell (%d,%d) out of range", row, col)
		}
		growSheet(state, row, col)
		state.Rows[row-1][col-1].Note = note
		return nil
	})
}

func (s *fileSheet) SetRow(row int, values []string) error {
	return s.mutate(func(state *fileSheetState) error {
		if row < 1 {
			return fmt.Errorf("row index %d out of range", row)
		}
		growSheet(state, row, len(values))
		existing := state.Rows[row-1]
		next := make([]Cell, len(values))
		for i, value := range values {
			note := ""
			if i < len(existing) {
				note = existing[i].Note
			}
			next[i] = Cell{Value: value, Note: note}
		}
		state.Rows[row-1] = next
		return nil
	})
}

func (s *fileSheet) Append(rows [][]string) (int, error) {
	start := 0
	err := s.mutate(func(state *fileSheetState) error {
		start = len(state.Rows) + 1
		for _, values := range rows {
			cells := make([]Cell, len(values))
			for i, value := range values {
				cells[i] = Cell{Value: value}
			}
			state.Rows = append(state.Rows, cells)
		}
		return nil
	})
	return start, err
}

func (s *fileSheet) Clear() error {
	return s.mutate(func(state *fileSheetState) error {
		state.Rows = nil
		return nil
	})
}

func (s *fileSheet) LoadMeta(key string) ([]byte, error) {
	s.grid.mu.Lock()
	defer s.grid.mu.Unlock()
	state := s.grid.state.Sheets[s.name]
	data, ok := state.Meta[key]
	if !ok {
		return nil, nil
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (s *fileSheet) SaveMeta(key string, data []byte) error {
	return s.mutate(func(state *fileSheetState) error {
		if state.Meta == nil {
			state.Meta = map[string][]byte{}
		}
		stored := make([]byte, len(data))
		copy(stored, data)
		state.Meta[key] = stored
		return nil
	})
}

func (s *fileSheet) mutate(apply func(state *fileSheetState) error) error {
	s.grid.mu.Lock()
	defer s.grid.mu.Unlock()
	state := s.grid.state.Sheets[s.name]
	if err := apply(&state); err != nil {
		return err
	}
	s.grid.state.Sheets[s.name] = state
	return s.grid.saveLocked()
}

func growSheet(state *fileSheetState, row, col int) {
	for len(state.Rows) < row {
		state.Rows = append(state.Rows, nil)
	}
	if col > 0 && len(state.Rows[row-1]) < col {
		grown := make([]Cell, col)
		copy(grown, state.Rows[row-1])
		state.Rows[row-1] = grown
	}
}
