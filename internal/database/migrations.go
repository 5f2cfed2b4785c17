package database

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/sirupsen/logrus"
)

// SchemaStatus is the migration state of the lab QC schema.
type SchemaStatus struct {
	Version uint `json:"version"`
	Dirty   bool `json:"dirty"`
}

// MigrationRunner applies the analyte, result, QC material and QC run schema.
type MigrationRunner struct {
	m      *migrate.Migrate
	source string
	log    *logrus.Logger
}

// NewMigrationRunner opens the migration source and target. migrationsPath is a
// directory or a source URL such as file://migrations.
func NewMigrationRunner(databaseURL, migrationsPath string, logger *logrus.Logger) (*MigrationRunner, error) {
	source := migrationsPath
	if !strings.Contains(source, "://") {
		source = "file://" + source
	}
	m, err := migrate.New(source, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("opening migrations at %s: %w", source, err)
	}
	return &MigrationRunner{m: m, source: source, log: logger}, nil
}

// Up applies every pending migration.
func (mr *MigrationRunner) Up(ctx context.Context) error {
	return mr.apply(ctx, "up", mr.m.Up)
}

// Down reverts every applied migration. Result and QC run history is dropped with it.
func (mr *MigrationRunner) Down(ctx context.Context) error {
	return mr.apply(ctx, "down", mr.m.Down)
}

// Steps applies n migrations forward, or -n backward when n is negative.
func (mr *MigrationRunner) Steps(ctx context.Context, n int) error {
	if n == 0 {
		return nil
	}
	return mr.apply(ctx, fmt.Sprintf("steps %+d", n), func() error { return mr.m.Steps(n) })
}

// apply runs fn and stops it gracefully between migrations when ctx is cancelled.
func (mr *MigrationRunner) apply(ctx context.Context, op string, fn func() error) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			select {
			case mr.m.GracefulStop <- true:
			default:
			}
		case <-done:
		}
	}()

	entry := mr.log.WithFields(logrus.Fields{"source": mr.source, "op": op})
	entry.Info("Applying schema migrations")

	if err := fn(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			entry.Info("Schema already current")
			return nil
		}
		return fmt.Errorf("migrations %s: %w", op, err)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("migrations %s interrupted: %w", op, err)
	}

	status, err := mr.Status()
	if err != nil {
		entry.WithError(err).Warn("Could not read schema version")
		return nil
	}
	entry.WithFields(logrus.Fields{"version": status.Version, "dirty": status.Dirty}).Info("Schema migrations applied")
	return nil
}

// Status reports the applied version. An empty database is version 0.
func (mr *MigrationRunner) Status() (SchemaStatus, error) {
	version, dirty, err := mr.m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return SchemaStatus{}, nil
	}
	if err != nil {
		return SchemaStatus{}, fmt.Errorf("reading schema version: %w", err)
	}
	return SchemaStatus{Version: version, Dirty: dirty}, nil
}

// Close releases the source and database handles.
func (mr *MigrationRunner) Close() error {
	sourceErr, dbErr := mr.m.Close()
	return errors.Join(sourceErr, dbErr)
}
