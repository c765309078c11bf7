// Package store persists workflows in SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/codefionn/scrcpyhub/internal/control"
	"github.com/codefionn/scrcpyhub/internal/device"
	"github.com/codefionn/scrcpyhub/internal/logger"
	"github.com/codefionn/scrcpyhub/internal/workflow"
	_ "github.com/mattn/go-sqlite3"
)

// workflowRow mirrors the workflows table. Columns missing from an older
// database are added on open.
type workflowRow struct {
	ID           string         `db:"id"`
	DeviceID     string         `db:"device_id,notnull"`
	Name         string         `db:"name"`
	Description  sql.NullString `db:"description"`
	CreatedAt    int64          `db:"created_at"`
	UpdatedAt    int64          `db:"updated_at"`
	ScreenWidth  int            `db:"screen_width"`
	ScreenHeight int            `db:"screen_height"`
	Actions      string         `db:"actions"`
}

const selectColumns = `id, device_id, name, description, created_at, updated_at, screen_width, screen_height, actions`

// connectionRow mirrors the connections table.
type connectionRow struct {
	ID        string `db:"id"`
	Name      string `db:"name"`
	Hostname  string `db:"hostname"`
	Port      int    `db:"port"`
	Secure    bool   `db:"secure,notnull"`
	Type      string `db:"type,notnull"`
	CreatedAt int64  `db:"created_at"`
}

const connectionColumns = `id, name, hostname, port, secure, type, created_at`

// Store is a workflow.Store backed by a SQLite database file.
type Store struct {
	db     *sql.DB
	dbPath string
	log    *logger.Logger
}

var (
	_ workflow.Store         = (*Store)(nil)
	_ device.ConnectionStore = (*Store)(nil)
)

// Open opens or creates the database at dbPath and migrates its schema.
// The special path ":memory:" opens a private in-memory database.
func Open(dbPath string, log *logger.Logger) (*Store, error) {
	if log == nil {
		log = logger.Global().WithPrefix("store")
	}

	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A second connection to ":memory:" would see a different database.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, dbPath: dbPath, log: log}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	log.Info("workflow database ready at %s", dbPath)
	return s, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS workflows (
		id TEXT PRIMARY KEY,
		device_id TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL,
		description TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		screen_width INTEGER NOT NULL,
		screen_height INTEGER NOT NULL,
		actions TEXT NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create initial schema: %w", err)
	}

	if err := s.autoMigrateTable("workflows", &workflowRow{}); err != nil {
		return fmt.Errorf("failed to auto-migrate workflows: %w", err)
	}
	if _, err := s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_workflows_device ON workflows(device_id, updated_at)`); err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}

	connections := `
	CREATE TABLE IF NOT EXISTS connections (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		hostname TEXT NOT NULL,
		port INTEGER NOT NULL,
		secure INTEGER NOT NULL DEFAULT 0,
		type TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(connections); err != nil {
		return fmt.Errorf("failed to create connections table: %w", err)
	}
	if err := s.autoMigrateTable("connections", &connectionRow{}); err != nil {
		return fmt.Errorf("failed to auto-migrate connections: %w", err)
	}
	return nil
}

// autoMigrateTable adds columns that exist on model but not in the table.
func (s *Store) autoMigrateTable(tableName string, model interface{}) error {
	t := reflect.TypeOf(model)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}

	existing, err := s.columns(tableName)
	if err != nil {
		return err
	}

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		dbTag := field.Tag.Get("db")
		if dbTag == "" || dbTag == "-" {
			continue
		}

		parts := strings.Split(dbTag, ",")
		columnName := parts[0]
		if existing[strings.ToLower(columnName)] {
			continue
		}

		sqlType := sqliteType(field.Type)
		if len(parts) > 1 && parts[1] == "notnull" {
			sqlType += " NOT NULL DEFAULT " + zeroLiteral(sqlType)
		}
		query := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", tableName, columnName, sqlType)
		if _, err := s.db.Exec(query); err != nil {
			return fmt.Errorf("failed to add column %s: %w", columnName, err)
		}
		s.log.Info("added column %s.%s", tableName, columnName)
	}
	return nil
}

func (s *Store) columns(tableName string) (map[string]bool, error) {
	rows, err := s.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	existing := make(map[string]bool)
	for rows.Next() {
		var cid int
		var name string
		var dtype string
		var notnull int
		var dfltValue interface{}
		var pk int
		if err := rows.Scan(&cid, &name, &dtype, &notnull, &dfltValue, &pk); err != nil {
			return nil, err
		}
		existing[strings.ToLower(name)] = true
	}
	return existing, rows.Err()
}

func sqliteType(t reflect.Type) string {
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}

	switch t.Kind() {
	case reflect.String:
		return "TEXT"
	case reflect.Int, reflect.Int64, reflect.Int32, reflect.Int16, reflect.Int8:
		return "INTEGER"
	case reflect.Bool:
		return "BOOLEAN"
	case reflect.Float64, reflect.Float32:
		return "REAL"
	default:
		return "TEXT"
	}
}

func zeroLiteral(sqlType string) string {
	if sqlType == "TEXT" {
		return "''"
	}
	return "0"
}

// LoadAll implements workflow.Store.
func (s *Store) LoadAll(ctx context.Context, deviceID string) ([]*workflow.Workflow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM workflows WHERE device_id = ? ORDER BY updated_at DESC`,
		deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query workflows: %w", err)
	}
	defer rows.Close()

	out := make([]*workflow.Workflow, 0)
	for rows.Next() {
		var row workflowRow
		if err := scanRow(rows, &row); err != nil {
			return nil, err
		}
		w, err := row.toWorkflow()
		if err != nil {
			// One corrupt row should not hide the rest of the device's workflows.
			s.log.Warn("skipping workflow %s: %v", row.ID, err)
			continue
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// GetByID implements workflow.Store.
func (s *Store) GetByID(ctx context.Context, id, deviceID string) (*workflow.Workflow, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM workflows WHERE id = ? AND device_id = ?`,
		id, deviceID)

	var r workflowRow
	if err := scanRow(row, &r); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, workflow.ErrNotFound
		}
		return nil, err
	}
	return r.toWorkflow()
}

// Save implements workflow.Store.
func (s *Store) Save(ctx context.Context, w *workflow.Workflow) error {
	if err := w.Validate(); err != nil {
		return err
	}

	actions, err := json.Marshal(w.Actions)
	if err != nil {
		return fmt.Errorf("failed to encode actions: %w", err)
	}

	var description sql.NullString
	if w.Description != "" {
		description = sql.NullString{String: w.Description, Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflows (`+selectColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			device_id = excluded.device_id,
			name = excluded.name,
			description = excluded.description,
			updated_at = excluded.updated_at,
			screen_width = excluded.screen_width,
			screen_height = excluded.screen_height,
			actions = excluded.actions`,
		w.ID, w.DeviceID, w.Name, description, w.CreatedAt, w.UpdatedAt,
		w.ScreenSize.Width, w.ScreenSize.Height, string(actions))
	if err != nil {
		return fmt.Errorf("failed to save workflow %s: %w", w.ID, err)
	}
	return nil
}

// Delete implements workflow.Store.
func (s *Store) Delete(ctx context.Context, id, deviceID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workflows WHERE id = ? AND device_id = ?`, id, deviceID)
	if err != nil {
		return false, fmt.Errorf("failed to delete workflow %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRow(sc scanner, r *workflowRow) error {
	return sc.Scan(&r.ID, &r.DeviceID, &r.Name, &r.Description, &r.CreatedAt,
		&r.UpdatedAt, &r.ScreenWidth, &r.ScreenHeight, &r.Actions)
}

func (r *workflowRow) toWorkflow() (*workflow.Workflow, error) {
	var actions workflow.Actions
	if err := json.Unmarshal([]byte(r.Actions), &actions); err != nil {
		return nil, fmt.Errorf("failed to decode actions of %s: %w", r.ID, err)
	}
	if actions == nil {
		actions = workflow.Actions{}
	}
	return &workflow.Workflow{
		ID:          r.ID,
		DeviceID:    r.DeviceID,
		Name:        r.Name,
		Description: r.Description.String,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
		ScreenSize:  control.Size{Width: r.ScreenWidth, Height: r.ScreenHeight},
		Actions:     actions,
	}, nil
}

// ListConnections implements device.ConnectionStore.
func (s *Store) ListConnections(ctx context.Context) ([]*device.Connection, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+connectionColumns+` FROM connections ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query connections: %w", err)
	}
	defer rows.Close()

	out := make([]*device.Connection, 0)
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// GetConnection implements device.ConnectionStore.
func (s *Store) GetConnection(ctx context.Context, id string) (*device.Connection, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+connectionColumns+` FROM connections WHERE id = ?`, id)
	c, err := scanConnection(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, device.ErrConnectionNotFound
	}
	return c, err
}

// SaveConnection implements device.ConnectionStore.
func (s *Store) SaveConnection(ctx context.Context, c *device.Connection) error {
	if err := c.Validate(); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO connections (`+connectionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			hostname = excluded.hostname,
			port = excluded.port,
			secure = excluded.secure,
			type = excluded.type`,
		c.ID, c.Name, c.Hostname, c.Port, c.Secure, c.Type, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save connection %s: %w", c.ID, err)
	}
	return nil
}

// DeleteConnection implements device.ConnectionStore.
func (s *Store) DeleteConnection(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM connections WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete connection %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func scanConnection(sc scanner) (*device.Connection, error) {
	var r connectionRow
	if err := sc.Scan(&r.ID, &r.Name, &r.Hostname, &r.Port, &r.Secure, &r.Type, &r.CreatedAt); err != nil {
		return nil, err
	}
	return &device.Connection{
		ID:        r.ID,
		Name:      r.Name,
		Hostname:  r.Hostname,
		Port:      r.Port,
		Secure:    r.Secure,
		Type:      r.Type,
		CreatedAt: r.CreatedAt,
	}, nil
}
