// Package audit persists the clinical audit trail: result submission, verification,
// escalation and QC review events. Entries are append-only.
package audit

import (
	"context"
	"io"
	"time"

	"github.com/labqc-server/internal/domain"
)

// Entry is a stored audit event.
type Entry struct {
	ID int64 `json:"id,omitempty"`
	domain.AuditEvent
}

// Filter narrows a listing. Empty fields match everything; a zero Limit returns all.
type Filter struct {
	EntityType string
	EntityID   string
	Limit      int
	Offset     int
}

// Store defines the audit storage operations.
type Store interface {
	// Record appends an event. It implements domain.AuditTrail.
	Record(ctx context.Context, event domain.AuditEvent) error

	// List returns entries in occurrence order.
	List(ctx context.Context, filter Filter) ([]*Entry, error)

	// Count returns the total number of entries.
	Count(ctx context.Context) (int64, error)

	// ExportJSON writes every entry to writer.
	ExportJSON(ctx context.Context, writer io.Writer) error

	// ImportJSON appends entries from reader, skipping events already present.
	ImportJSON(ctx context.Context, reader io.Reader) (imported int, skipped int, err error)

	// Close releases the store.
	Close() error
}

// Export is the JSON export format.
type Export struct {
	Version    string    `json:"version"`
	ExportedAt time.Time `json:"exported_at"`
	Count      int       `json:"count"`
	Entries    []*Entry  `json:"entries"`
}

const exportVersion = "1.0"
