package domain

import (
	"context"
	"time"
)

// AnalyteRepository provides analyte reference data.
type AnalyteRepository interface {
	Get(ctx context.Context, testCode string) (*Analyte, error)
	Put(ctx context.Context, analyte *Analyte) error
	List(ctx context.Context) ([]*Analyte, error)
}

// ResultTxFunc receives the stored result (nil when absent) and returns the next state.
// Returning a nil result leaves storage untouched.
type ResultTxFunc func(current *Result) (*Result, error)

// ResultRepository persists results. Transact runs fn atomically with the write, so guards
// evaluated inside fn cannot race with concurrent writers of the same result.
type ResultRepository interface {
	Get(ctx context.Context, id string) (*Result, error)
	Transact(ctx context.Context, id string, fn ResultTxFunc) (*Result, error)
	ListByPatient(ctx context.Context, patientID string, limit, offset int) ([]*Result, error)
}

// QCMaterialRepository persists control lots.
type QCMaterialRepository interface {
	Create(ctx context.Context, material *QCMaterial) error
	Get(ctx context.Context, id string) (*QCMaterial, error)
	Update(ctx context.Context, material *QCMaterial) error
	List(ctx context.Context, includeRetired bool) ([]*QCMaterial, error)
}

// QCRunRepository persists QC runs ordered by run date per RunKey. Every RunKey carries a
// version that moves on each append or review; Append fails with ErrStaleWrite when the
// caller's expected version is no longer current.
type QCRunRepository interface {
	History(ctx context.Context, key RunKey) (runs []*QCRun, version int64, err error)
	Version(ctx context.Context, key RunKey) (int64, error)
	Append(ctx context.Context, run *QCRun, expectedVersion int64) (int64, error)
	Get(ctx context.Context, id string) (*QCRun, error)
	SetReview(ctx context.Context, id string, review QCReview) (*QCRun, error)
	CountByMaterial(ctx context.Context, materialID string) (int, error)
}

// NotificationService delivers clinical alerts. Delivery retries are the implementation's
// concern; the engine calls it once per event.
type NotificationService interface {
	EscalateCritical(ctx context.Context, result *Result, criticalValues []ReportedValue) error
	NotifyQCRejection(ctx context.Context, run *QCRun) error
}

// ResultHoldService holds patient results processed under a rejected QC run.
type ResultHoldService interface {
	HoldSince(ctx context.Context, run *QCRun, since *time.Time) error
}

// ReportGenerator renders a result document. Callers outside the engine implement and
// invoke it; nothing in this module calls it.
type ReportGenerator interface {
	Render(ctx context.Context, result *Result) ([]byte, error)
}

// AuditTrail records clinically relevant state changes.
type AuditTrail interface {
	Record(ctx context.Context, event AuditEvent) error
}

// StatisticsCache caches Levey-Jennings projections per RunKey. Entries must be
// invalidated whenever a run is appended to or re-reviewed within the key.
type StatisticsCache interface {
	Get(ctx context.Context, key RunKey) (*LeveyJenningsData, bool)
	Set(ctx context.Context, key RunKey, data *LeveyJenningsData) error
	Invalidate(ctx context.Context, key RunKey) error
}

// ConfigManager defines the interface for configuration management
type ConfigManager interface {
	GetConfig() *Config
	GetDatabaseConfig() *DatabaseConfig
	GetServerConfig() *ServerConfig
	GetQCConfig() *QCConfig
	Reload() error
	Validate() error
	GetDatabaseConnectionString() string
	GetDatabaseURL() string
	GetRedisConnectionString() string
	IsProduction() bool
	IsDevelopment() bool
}
