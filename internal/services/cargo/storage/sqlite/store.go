// Package sqlite provides a SQLite-backed cargo storage implementation.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	sqlitemigrate "github.com/louisbranch/cargo.space/internal/platform/storage/sqlitemigrate"
	"github.com/louisbranch/cargo.space/internal/services/cargo/domain"
	"github.com/louisbranch/cargo.space/internal/services/cargo/storage"
	"github.com/louisbranch/cargo.space/internal/services/cargo/storage/sqlite/migrations"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

const cargoColumns = `id, created_at, draw_duration, cargo_type, status, name, description, pending`

// Store persists cargo state in SQLite.
type Store struct {
	sqlDB *sql.DB
	now   func() time.Time
	newID func() string
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the clock used to stamp new records.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithIDGenerator overrides record id generation.
func WithIDGenerator(newID func() string) Option {
	return func(s *Store) {
		if newID != nil {
			s.newID = newID
		}
	}
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens a SQLite cargo store and applies embedded migrations.
func Open(path string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	if dir := filepath.Dir(cleanPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}
	dsn := cleanPath + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := sqlitemigrate.ApplyMigrations(sqlDB, migrations.FS, ""); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	store := &Store{
		sqlDB: sqlDB,
		now:   time.Now,
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(store)
	}
	return store, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *Store) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	return nil
}

// CreateCargo inserts one cargo with its paint and texture.
func (s *Store) CreateCargo(ctx context.Context, input storage.NewCargo) (storage.Cargo, error) {
	if err := s.ready(ctx); err != nil {
		return storage.Cargo{}, err
	}
	if err := storage.ValidateNewCargo(input); err != nil {
		return storage.Cargo{}, err
	}
	status := input.Status
	if status == "" {
		status = domain.StatusShipping
	}
	cargo := storage.Cargo{
		ID:           s.newID(),
		CreatedAt:    fromMillis(toMillis(s.now())),
		DrawDuration: input.DrawDuration,
		Type:         input.Type,
		Status:       status,
	}

	_, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO cargo (
		   id,
		   created_at,
		   draw_duration,
		   cargo_type,
		   status,
		   paint,
		   texture
		 ) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		cargo.ID,
		toMillis(cargo.CreatedAt),
		cargo.DrawDuration,
		string(cargo.Type),
		string(cargo.Status),
		input.Paint,
		input.Texture,
	)
	if err != nil {
		if isCargoUniqueViolation(err) {
			return storage.Cargo{}, fmt.Errorf("create cargo: duplicate id %q", cargo.ID)
		}
		return storage.Cargo{}, fmt.Errorf("create cargo: %w", err)
	}
	return cargo, nil
}

// GetCargo returns one cargo by id.
func (s *Store) GetCargo(ctx context.Context, id string) (storage.Cargo, error) {
	if err := s.ready(ctx); err != nil {
		return storage.Cargo{}, err
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return storage.Cargo{}, fmt.Errorf("cargo id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, `SELECT `+cargoColumns+` FROM cargo WHERE id = ?`, id)
	cargo, err := scanCargo(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Cargo{}, storage.ErrNotFound
		}
		return storage.Cargo{}, fmt.Errorf("get cargo: %w", err)
	}
	return cargo, nil
}

// ListLatestCargoes returns up to limit cargoes, newest first.
func (s *Store) ListLatestCargoes(ctx context.Context, limit int) ([]storage.Cargo, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}
	return s.queryCargoes(ctx, "list latest cargoes",
		`SELECT `+cargoColumns+`
		   FROM cargo
		  ORDER BY created_at DESC, rowid DESC
		  LIMIT ?`,
		limit,
	)
}

// ListCargoesSince returns cargoes created at or after since, oldest first.
func (s *Store) ListCargoesSince(ctx context.Context, since time.Time) ([]storage.Cargo, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	return s.queryCargoes(ctx, "list cargoes since",
		`SELECT `+cargoColumns+`
		   FROM cargo
		  WHERE created_at >= ?
		  ORDER BY created_at ASC, rowid ASC`,
		toMillis(since),
	)
}

// ListUndescribed returns up to limit unnamed cargoes that are not already
// being described, oldest first.
func (s *Store) ListUndescribed(ctx context.Context, limit int) ([]storage.Cargo, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}
	return s.queryCargoes(ctx, "list undescribed cargoes",
		`SELECT `+cargoColumns+`
		   FROM cargo
		  WHERE name = '' AND pending = 0
		  ORDER BY created_at ASC, rowid ASC
		  LIMIT ?`,
		limit,
	)
}

// GetTexture returns the materialized texture of one cargo.
func (s *Store) GetTexture(ctx context.Context, id string) ([]byte, error) {
	return s.getBlob(ctx, "texture", id)
}

// GetPaint returns the paint exactly as it was submitted.
func (s *Store) GetPaint(ctx context.Context, id string) ([]byte, error) {
	return s.getBlob(ctx, "paint", id)
}

func (s *Store) getBlob(ctx context.Context, column string, id string) ([]byte, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("cargo id is required")
	}
	var blob []byte
	err := s.sqlDB.QueryRowContext(ctx, `SELECT `+column+` FROM cargo WHERE id = ?`, id).Scan(&blob)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get %s: %w", column, err)
	}
	return blob, nil
}

// UpdateTextInfo stores a name and description and clears the pending flag.
func (s *Store) UpdateTextInfo(ctx context.Context, info storage.TextInfo) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	id := strings.TrimSpace(info.ID)
	if id == "" {
		return fmt.Errorf("cargo id is required")
	}
	result, err := s.sqlDB.ExecContext(
		ctx,
		`UPDATE cargo SET name = ?, description = ?, pending = 0 WHERE id = ?`,
		strings.TrimSpace(info.Name),
		strings.TrimSpace(info.Description),
		id,
	)
	if err != nil {
		return fmt.Errorf("update text info: %w", err)
	}
	return requireAffected(result, "update text info")
}

// SetPending marks whether a cargo is being described.
func (s *Store) SetPending(ctx context.Context, id string, pending bool) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("cargo id is required")
	}
	result, err := s.sqlDB.ExecContext(ctx, `UPDATE cargo SET pending = ? WHERE id = ?`, boolToInt(pending), id)
	if err != nil {
		return fmt.Errorf("set pending: %w", err)
	}
	return requireAffected(result, "set pending")
}

// DeliverShipped moves shipping cargoes created before the cutoff to
// delivered and returns their ids in ascending order.
func (s *Store) DeliverShipped(ctx context.Context, before time.Time) ([]string, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(
		ctx,
		`UPDATE cargo
		    SET status = ?
		  WHERE status = ? AND created_at < ?
		RETURNING id`,
		string(domain.StatusDelivered),
		string(domain.StatusShipping),
		toMillis(before),
	)
	if err != nil {
		return nil, fmt.Errorf("deliver shipped: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("deliver shipped: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("deliver shipped: %w", err)
	}
	sort.Strings(ids)
	return ids, nil
}

// LaunchDelivered moves every delivered cargo to launched and returns how
// many moved.
func (s *Store) LaunchDelivered(ctx context.Context) (int, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}
	result, err := s.sqlDB.ExecContext(
		ctx,
		`UPDATE cargo SET status = ? WHERE status = ?`,
		string(domain.StatusLaunched),
		string(domain.StatusDelivered),
	)
	if err != nil {
		return 0, fmt.Errorf("launch delivered: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("launch delivered: %w", err)
	}
	return int(affected), nil
}

// Backup writes a consistent copy of the database into dir and returns the
// file path.
func (s *Store) Backup(ctx context.Context, dir string) (string, error) {
	if err := s.ready(ctx); err != nil {
		return "", err
	}
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return "", fmt.Errorf("backup dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create backup dir: %w", err)
	}
	target := filepath.Join(dir, "cargo-"+s.now().UTC().Format("20060102T150405.000Z")+".db")
	if _, err := s.sqlDB.ExecContext(ctx, `VACUUM INTO ?`, target); err != nil {
		return "", fmt.Errorf("backup: %w", err)
	}
	return target, nil
}

func (s *Store) queryCargoes(ctx context.Context, op string, query string, args ...any) ([]storage.Cargo, error) {
	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	cargoes := make([]storage.Cargo, 0)
	for rows.Next() {
		cargo, err := scanCargo(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		cargoes = append(cargoes, cargo)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return cargoes, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCargo(row rowScanner) (storage.Cargo, error) {
	var (
		cargo     storage.Cargo
		createdAt int64
		cargoType string
		status    string
		pending   int
	)
	if err := row.Scan(
		&cargo.ID,
		&createdAt,
		&cargo.DrawDuration,
		&cargoType,
		&status,
		&cargo.Name,
		&cargo.Description,
		&pending,
	); err != nil {
		return storage.Cargo{}, err
	}
	cargo.CreatedAt = fromMillis(createdAt)
	cargo.Type = domain.Type(cargoType)
	cargo.Status = domain.Status(status)
	cargo.Pending = pending != 0
	return cargo, nil
}

func requireAffected(result sql.Result, op string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}

func isCargoUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	message := strings.ToLower(err.Error())
	return strings.Contains(message, "unique constraint failed") &&
		strings.Contains(message, "cargo.id")
}

var (
	_ storage.CargoStore = (*Store)(nil)
	_ storage.Backuper   = (*Store)(nil)
)
