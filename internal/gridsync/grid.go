package gridsync

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
)

// Cell is one grid cell: a visible value plus an out-of-band note
// annotation used as redundant column-identity recovery data.
type Cell struct {
	Value string `json:"value"`
	Note  string `json:"note,omitempty"`
}

// Sheet is one named grid of 1-based rows and columns with a private
// metadata blob store. Implementations are safe for concurrent use.
type Sheet interface {
	Name() string
	// Dimensions returns the highest populated row and column.
	Dimensions() (rows, cols int, err error)
	Row(index int) ([]Cell, error)
	SetCell(row, col int, value, note string) error
	SetNote(row, col int, note string) error
	// SetRow replaces the values of a row, preserving notes on cells
	// that keep a value and clearing columns beyond len(values).
	SetRow(row int, values []string) error
	// Append writes rows below existing content and returns the row
	// index of the first written row.
	Append(rows [][]string) (startRow int, err error)
	Clear() error
	LoadMeta(key string) ([]byte, error)
	SaveMeta(key string, data []byte) error
}

// Grid opens sheets by name, creating them on first access.
type Grid interface {
	Sheet(name string) (Sheet, error)
	Close() error
}

type GridFactory func(dsn string) (Grid, error)

var gridFactoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]GridFactory
}{
	factories: map[string]GridFactory{},
}

// RegisterGridFactory installs an out-of-tree grid backend for a DSN
// scheme.
func RegisterGridFactory(scheme string, factory GridFactory) {
	scheme = strings.ToLower(strings.TrimSpace(scheme))
	if scheme == "" || factory == nil {
		return
	}
	gridFactoryRegistry.mu.Lock()
	defer gridFactoryRegistry.mu.Unlock()
	gridFactoryRegistry.factories[scheme] = factory
}

func lookupGridFactory(scheme string) (GridFactory, bool) {
	gridFactoryRegistry.mu.RLock()
	defer gridFactoryRegistry.mu.RUnlock()
	factory, ok := gridFactoryRegistry.factories[strings.ToLower(strings.TrimSpace(scheme))]
	return factory, ok
}

// NewGridFromDSN builds a grid backend from a DSN: memory://, a file
// path or file:// URL, or postgres://.
func NewGridFromDSN(dsn string) (Grid, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("%w: grid DSN is required", ErrConfiguration)
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid grid DSN %q", ErrConfiguration, dsn)
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	if factory, ok := lookupGridFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "memory", "mem", "inmem":
		return NewMemoryGrid(), nil
	case "", "file":
		path := dsn
		if scheme == "file" {
			path = strings.TrimPrefix(dsn, "file://")
		}
		return NewFileGrid(path)
	case "postgres", "postgresql":
		return NewPostgresGrid(dsn)
	default:
		return nil, fmt.Errorf("%w: unsupported grid DSN scheme: %s", ErrConfiguration, scheme)
	}
}

type memoryGrid struct {
	mu     sync.RWMutex
	sheets map[string]*memorySheet
}

// NewMemoryGrid returns an in-process grid used for tests and
// previews.
func NewMemoryGrid() Grid {
	return &memoryGrid{sheets: map[string]*memorySheet{}}
}

func (g *memoryGrid) Sheet(name string) (Sheet, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: sheet name is required", ErrConfiguration)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	sheet, ok := g.sheets[name]
	if !ok {
		sheet = &memorySheet{name: name, meta: map[string][]byte{}}
		g.sheets[name] = sheet
	}
	return sheet, nil
}

func (g *memoryGrid) Close() error {
	return nil
}

type memorySheet struct {
	mu   sync.RWMutex
	name string
	rows [][]Cell
	meta map[string][]byte
}

func (s *memorySheet) Name() string {
	return s.name
}

func (s *memorySheet) Dimensions() (int, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cols := 0
	for _, row := range s.rows {
		if len(row) > cols {
			cols = len(row)
		}
	}
	return len(s.rows), cols, nil
}

func (s *memorySheet) Row(index int) ([]Cell, error) {
	if index < 1 {
		return nil, fmt.Errorf("row index %d out of range", index)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if index > len(s.rows) {
		return nil, nil
	}
	row := s.rows[index-1]
	out := make([]Cell, len(row))
	copy(out, row)
	return out, nil
}

func (s *memorySheet) SetCell(row, col int, value, note string) error {
	if row < 1 || col < 1 {
		return fmt.Errorf("cell (%d,%d) out of range", row, col)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.growLocked(row, col)
	s.rows[row-1][col-1] = Cell{Value: value, Note: note}
	return nil
}

func (s *memorySheet) SetNote(row, col int, note string) error {
	if row < 1 || col < 1 {
		return fmt.Errorf("cell (%d,%d) out of range", row, col)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.growLocked(row, col)
	s.rows[row-1][col-1].Note = note
	return nil
}

func (s *memorySheet) SetRow(row int, values []string) error {
	if row < 1 {
		return fmt.Errorf("row index %d out of range", row)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.growLocked(row, len(values))
	existing := s.rows[row-1]
	next := make([]Cell, len(values))
	for i, value := range values {
		note := ""
		if i < len(existing) {
			note = existing[i].Note
		}
		next[i] = Cell{Value: value, Note: note}
	}
	s.rows[row-1] = next
	return nil
}

func (s *memorySheet) Append(rows [][]string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	start := len(s.rows) + 1
	for _, values := range rows {
		cells := make([]Cell, len(values))
		for i, value := range values {
			cells[i] = Cell{Value: value}
		}
		s.rows = append(s.rows, cells)
	}
	return start, nil
}

func (s *memorySheet) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = nil
	return nil
}

func (s *memorySheet) LoadMeta(key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.meta[key]
	if !ok {
		return nil, nil
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (s *memorySheet) SaveMeta(key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := make([]byte, len(data))
	copy(stored, data)
	s.meta[key] = stored
	return nil
}

func (s *memorySheet) growLocked(row, col int) {
	for len(s.rows) < row {
		s.rows = append(s.rows, nil)
	}
	if col > 0 && len(s.rows[row-1]) < col {
		grown := make([]Cell, col)
		copy(grown, s.rows[row-1])
		s.rows[row-1] = grown
	}
}
