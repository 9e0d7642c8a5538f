package gridsync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresCellsTableName = "gridsync_cells"
	postgresMetaTableName  = "gridsync_meta"
	postgresSheetTableName = "gridsync_sheets"
	postgresOpTimeout      = 5 * time.Second
)

// postgresGrid stores cells and per-sheet metadata blobs in Postgres.
// Tables are created on first use.
type postgresGrid struct {
	dsn    string
	openDB func(driverName, dsn string) (*sql.DB, error)

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresGrid(dsn string) (Grid, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("%w: postgres DSN is required", ErrConfiguration)
	}
	return &postgresGrid{dsn: dsn, openDB: sql.Open}, nil
}

func (g *postgresGrid) ensureReady() error {
	g.initOnce.Do(func() {
		db, err := g.openDB("postgres", g.dsn)
		if err != nil {
			g.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOpTimeout)
		defer cancel()

		statements := []string{
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					name TEXT PRIMARY KEY,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				)`, quoteIdentifier(postgresSheetTableName)),
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					sheet TEXT NOT NULL,
					row_index INT NOT NULL,
					col_index INT NOT NULL,
					value TEXT NOT NULL DEFAULT '',
					note TEXT NOT NULL DEFAULT '',
					PRIMARY KEY (sheet, row_index, col_index)
				)`, quoteIdentifier(postgresCellsTableName)),
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					sheet TEXT NOT NULL,
					meta_key TEXT NOT NULL,
					payload TEXT NOT NULL,
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					PRIMARY KEY (sheet, meta_key)
				)`, quoteIdentifier(postgresMetaTableName)),
		}
		for _, statement := range statements {
			if _, err := db.ExecContext(ctx, statement); err != nil {
				_ = db.Close()
				g.initErr = err
				return
			}
		}
		g.db = db
	})
	return g.initErr
}

func (g *postgresGrid) Sheet(name string) (Sheet, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: sheet name is required", ErrConfiguration)
	}
	if err := g.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOpTimeout)
	defer cancel()
	query := fmt.Sprintf("INSERT INTO %s (name) VALUES ($1) ON CONFLICT (name) DO NOTHING", quoteIdentifier(postgresSheetTableName))
	if _, err := g.db.ExecContext(ctx, query, name); err != nil {
		return nil, err
	}
	return &postgresSheet{grid: g, name: name}, nil
}

func (g *postgresGrid) Close() error {
	if g.db == nil {
		return nil
	}
	return g.db.Close()
}

type postgresSheet struct {
	grid *postgresGrid
	name string
}

func (s *postgresSheet) Name() string {
	return s.name
}

func (s *postgresSheet) Dimensions() (int, int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), postgresOpTimeout)
	defer cancel()
	query := fmt.Sprintf(
		"SELECT COALESCE(MAX(row_index), 0), COALESCE(MAX(col_index), 0) FROM %s WHERE sheet = $1",
		quoteIdentifier(postgresCellsTableName))
	var rows, cols int
	if err := s.grid.db.QueryRowContext(ctx, query, s.name).Scan(&rows, &cols); err != nil {
		return 0, 0, err
	}
	return rows, cols, nil
}

func (s *postgresSheet) Row(index int) ([]Cell, error) {
	if index < 1 {
		return nil, fmt.Errorf("row index %d out of range", index)
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOpTimeout)
	defer cancel()
	query := fmt.Sprintf(
		"SELECT col_index, value, note FROM %s WHERE sheet = $1 AND row_index = $2 ORDER BY col_index",
		quoteIdentifier(postgresCellsTableName))
	rows, err := s.grid.db.QueryContext(ctx, query, s.name, index)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Cell
	for rows.Next() {
		var col int
		var cell Cell
		if err := rows.Scan(&col, &cell.Value, &cell.Note); err != nil {
			return nil, err
		}
		for len(out) < col {
			out = append(out, Cell{})
		}
		out[col-1] = cell
	}
	return out, rows.Err()
}

func (s *postgresSheet) SetCell(row, col int, value, note string) error {
	if row < 1 || col < 1 {
		return fmt.Errorf("cell (%d,%d) out of range", row, col)
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOpTimeout)
	defer cancel()
	query := fmt.Sprintf(`
		INSERT INTO %s (sheet, row_index, col_index, value, note)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (sheet, row_index, col_index)
		DO UPDATE SET value = EXCLUDED.value, note = EXCLUDED.note`, quoteIdentifier(postgresCellsTableName))
	_, err := s.grid.db.ExecContext(ctx, query, s.name, row, col, value, note)
	return err
}

func (s *postgresSheet) SetNote(row, col int, note string) error {
	if row < 1 || col < 1 {
		return fmt.Errorf("cell (%d,%d) out of range", row, col)
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOpTimeout)
	defer cancel()
	query := fmt.Sprintf(`
		INSERT INTO %s (sheet, row_index, col_index, value, note)
		VALUES ($1, $2, $3, '', $4)
		ON CONFLICT (sheet, row_index, col_index)
		DO UPDATE SET note = EXCLUDED.note`, quoteIdentifier(postgresCellsTableName))
	_, err := s.grid.db.ExecContext(ctx, query, s.name, row, col, note)
	return err
}

func (s *postgresSheet) SetRow(row int, values []string) error {
	if row < 1 {
		return fmt.Errorf("row index %d out of range", row)
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOpTimeout)
	defer cancel()
	tx, err := s.grid.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	trim := fmt.Sprintf(
		"DELETE FROM %s WHERE sheet = $1 AND row_index = $2 AND col_index > $3",
		quoteIdentifier(postgresCellsTableName))
	if _, err := tx.ExecContext(ctx, trim, s.name, row, len(values)); err != nil {
		return err
	}
	upsert := fmt.Sprintf(`
		INSERT INTO %s (sheet, row_index, col_index, value)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (sheet, row_index, col_index)
		DO UPDATE SET value = EXCLUDED.value`, quoteIdentifier(postgresCellsTableName))
	for i, value := range values {
		if _, err := tx.ExecContext(ctx, upsert, s.name, row, i+1, value); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

func (s *postgresSheet) Append(rows [][]string) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), postgresOpTimeout)
	defer cancel()
	tx, err := s.grid.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	maxQuery := fmt.Sprintf(
		"SELECT COALESCE(MAX(row_index), 0) FROM %s WHERE sheet = $1",
		quoteIdentifier(postgresCellsTableName))
	var last int
	if err := tx.QueryRowContext(ctx, maxQuery, s.name).Scan(&last); err != nil {
		return 0, err
	}
	insert := fmt.Sprintf(
		"INSERT INTO %s (sheet, row_index, col_index, value) VALUES ($1, $2, $3, $4)",
		quoteIdentifier(postgresCellsTableName))
	start := last + 1
	for r, values := range rows {
		for c, value := range values {
			if _, err := tx.ExecContext(ctx, insert, s.name, start+r, c+1, value); err != nil {
				return 0, err
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	committed = true
	return start, nil
}

func (s *postgresSheet) Clear() error {
	ctx, cancel := context.WithTimeout(context.Background(), postgresOpTimeout)
	defer cancel()
	query := fmt.Sprintf("DELETE FROM %s WHERE sheet = $1", quoteIdentifier(postgresCellsTableName))
	_, err := s.grid.db.ExecContext(ctx, query, s.name)
	return err
}

func (s *postgresSheet) LoadMeta(key string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), postgresOpTimeout)
	defer cancel()
	query := fmt.Sprintf(
		"SELECT payload FROM %s WHERE sheet = $1 AND meta_key = $2",
		quoteIdentifier(postgresMetaTableName))
	var payload string
	err := s.grid.db.QueryRowContext(ctx, query, s.name, key).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return []byte(payload), nil
}

func (s *postgresSheet) SaveMeta(key string, data []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), postgresOpTimeout)
	defer cancel()
	query := fmt.Sprintf(`
		INSERT INTO %s (sheet, meta_key, payload, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (sheet, meta_key)
		DO UPDATE SET payload = EXCLUDED.payload, updated_at = NOW()`, quoteIdentifier(postgresMetaTableName))
	_, err := s.grid.db.ExecContext(ctx, query, s.name, key, string(data))
	return err
}

func quoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return `""`
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
