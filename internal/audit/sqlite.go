package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/labqc-server/internal/domain"
)

// SQLiteStore implements Store on a local SQLite file for standalone operation.
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
}

// NewSQLiteStore opens or creates the audit database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &SQLiteStore{db: db, dbPath: dbPath}, nil
}

func createSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS audit_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		action TEXT NOT NULL,
		actor TEXT NOT NULL DEFAULT '',
		comments TEXT NOT NULL DEFAULT '',
		details TEXT,
		occurred_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_audit_entity ON audit_events(entity_type, entity_id, occurred_at);
	`
	_, err := db.Exec(schema)
	return err
}

// scanner is satisfied by sql.Row and sql.Rows
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(s scanner) (*Entry, error) {
	e := &Entry{}
	var details sql.NullString
	if err := s.Scan(
		&e.ID, &e.EntityType, &e.EntityID, &e.Action,
		&e.Actor, &e.Comments, &details, &e.OccurredAt,
	); err != nil {
		return nil, err
	}
	if err := decodeDetails(details, &e.AuditEvent); err != nil {
		return nil, err
	}
	return e, nil
}

// Record appends an event.
func (s *SQLiteStore) Record(ctx context.Context, event domain.AuditEvent) error {
	_, err := s.insert(ctx, event)
	return err
}

func (s *SQLiteStore) insert(ctx context.Context, event domain.AuditEvent) (int64, error) {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	details, err := encodeDetails(event.Details)
	if err != nil {
		return 0, err
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_events (entity_type, entity_id, action, actor, comments, details, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		event.EntityType, event.EntityID, event.Action,
		event.Actor, event.Comments, details, event.OccurredAt.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert audit event: %w", err)
	}
	return result.LastInsertId()
}

// List returns entries matching filter in occurrence order.
func (s *SQLiteStore) List(ctx context.Context, filter Filter) ([]*Entry, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, entity_type, entity_id, action, actor, comments, details, occurred_at
		FROM audit_events
		WHERE (? = '' OR entity_type = ?) AND (? = '' OR entity_id = ?)
		ORDER BY occurred_at, id
		LIMIT ? OFFSET ?
	`, filter.EntityType, filter.EntityType, filter.EntityID, filter.EntityID, limit, filter.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Count returns the total number of entries.
func (s *SQLiteStore) Count(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM audit_events").Scan(&count)
	return count, err
}

func (s *SQLiteStore) exists(ctx context.Context, e *Entry) (bool, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM audit_events
		WHERE entity_type = ? AND entity_id = ? AND action = ? AND occurred_at = ?
		LIMIT 1
	`, e.EntityType, e.EntityID, e.Action, e.OccurredAt.UTC()).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// ExportJSON writes every entry to writer.
func (s *SQLiteStore) ExportJSON(ctx context.Context, writer io.Writer) error {
	all, err := s.List(ctx, Filter{})
	if err != nil {
		return fmt.Errorf("failed to list audit events: %w", err)
	}
	return writeExport(writer, all)
}

// ImportJSON appends entries from reader.
func (s *SQLiteStore) ImportJSON(ctx context.Context, reader io.Reader) (int, int, error) {
	return importEntries(ctx, reader, s.exists, s.Record)
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func encodeDetails(details map[string]string) (interface{}, error) {
	if len(details) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(details)
	if err != nil {
		return nil, fmt.Errorf("failed to encode details: %w", err)
	}
	return string(data), nil
}

func decodeDetails(raw sql.NullString, event *domain.AuditEvent) error {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw.String), &event.Details); err != nil {
		return fmt.Errorf("failed to decode details: %w", err)
	}
	return nil
}

func writeExport(writer io.Writer, entries []*Entry) error {
	if entries == nil {
		entries = []*Entry{}
	}
	export := &Export{
		Version:    exportVersion,
		ExportedAt: time.Now().UTC(),
		Count:      len(entries),
		Entries:    entries,
	}
	encoder := json.NewEncoder(writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(export)
}

func importEntries(
	ctx context.Context,
	reader io.Reader,
	exists func(context.Context, *Entry) (bool, error),
	record func(context.Context, domain.AuditEvent) error,
) (imported int, skipped int, err error) {
	var export Export
	if err := json.NewDecoder(reader).Decode(&export); err != nil {
		return 0, 0, fmt.Errorf("failed to decode JSON: %w", err)
	}

	for _, e := range export.Entries {
		found, err := exists(ctx, e)
		if err != nil {
			return imported, skipped, fmt.Errorf("failed to check existing: %w", err)
		}
		if found {
			skipped++
			continue
		}
		if err := record(ctx, e.AuditEvent); err != nil {
			return imported, skipped, fmt.Errorf("failed to save: %w", err)
		}
		imported++
	}
	return imported, skipped, nil
}
