package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"time"

	_ "github.com/lib/pq"

	"github.com/labqc-server/internal/domain"
)

// PostgresStore implements Store on the audit_events table created by the migrations.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open connection.
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreFromURL opens a connection from a postgres URL.
func NewPostgresStoreFromURL(databaseURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	store, err := NewPostgresStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// Record appends an event.
func (s *PostgresStore) Record(ctx context.Context, event domain.AuditEvent) error {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	details, err := encodeDetails(event.Details)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO audit_events (entity_type, entity_id, action, actor, comments, details, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	if _, err := s.db.ExecContext(ctx, query,
		event.EntityType, event.EntityID, event.Action,
		event.Actor, event.Comments, details, event.OccurredAt,
	); err != nil {
		return fmt.Errorf("failed to record audit event: %w", err)
	}
	return nil
}

// List returns entries matching filter in occurrence order.
func (s *PostgresStore) List(ctx context.Context, filter Filter) ([]*Entry, error) {
	query := `
		SELECT id, entity_type, entity_id, action, actor, comments, details, occurred_at
		FROM audit_events
		WHERE ($1 = '' OR entity_type = $1) AND ($2 = '' OR entity_id = $2)
		ORDER BY occurred_at, id
		LIMIT NULLIF($3, 0) OFFSET $4
	`
	rows, err := s.db.QueryContext(ctx, query, filter.EntityType, filter.EntityID, filter.Limit, filter.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit events: %w", err)
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
func (s *PostgresStore) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM audit_events").Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count audit events: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) exists(ctx context.Context, e *Entry) (bool, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM audit_events
		WHERE entity_type = $1 AND entity_id = $2 AND action = $3 AND occurred_at = $4
		LIMIT 1
	`, e.EntityType, e.EntityID, e.Action, e.OccurredAt).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// ExportJSON writes every entry to writer.
func (s *PostgresStore) ExportJSON(ctx context.Context, writer io.Writer) error {
	all, err := s.List(ctx, Filter{})
	if err != nil {
		return fmt.Errorf("failed to list audit events: %w", err)
	}
	return writeExport(writer, all)
}

// ImportJSON appends entries from reader.
func (s *PostgresStore) ImportJSON(ctx context.Context, reader io.Reader) (int, int, error) {
	return importEntries(ctx, reader, s.exists, s.Record)
}

// Close closes the connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
