package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/labqc-server/internal/domain"
)

// RunRepository persists QC runs. qc_run_keys carries the optimistic version of each
// (material, analyte) history.
type RunRepository struct {
	db  *pgxpool.Pool
	log *logrus.Logger
}

// NewRunRepository creates a new QC run repository
func NewRunRepository(db *pgxpool.Pool, logger *logrus.Logger) *RunRepository {
	return &RunRepository{
		db:  db,
		log: logger,
	}
}

// History returns the runs of key ordered by run date, then arrival, together with the
// key version. Both are read from one snapshot.
func (r *RunRepository) History(ctx context.Context, key domain.RunKey) ([]*domain.QCRun, int64, error) {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, 0, fmt.Errorf("beginning history read: %w", err)
	}
	defer tx.Rollback(ctx)

	var version int64
	err = tx.QueryRow(ctx,
		`SELECT version FROM qc_run_keys WHERE material_id = $1 AND test_code = $2`,
		key.MaterialID, key.TestCode,
	).Scan(&version)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, 0, fmt.Errorf("reading run key version: %w", err)
	}

	rows, err := tx.Query(ctx, `
		SELECT document FROM qc_runs
		WHERE material_id = $1 AND test_code = $2
		ORDER BY run_date, seq`,
		key.MaterialID, key.TestCode,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("reading qc history: %w", err)
	}
	defer rows.Close()

	runs := make([]*domain.QCRun, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scanning qc run row: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterating qc run rows: %w", err)
	}
	return runs, version, tx.Commit(ctx)
}

// Version reads the key version without loading the history. Keys without runs are at
// version 0.
func (r *RunRepository) Version(ctx context.Context, key domain.RunKey) (int64, error) {
	var version int64
	err := r.db.QueryRow(ctx,
		`SELECT version FROM qc_run_keys WHERE material_id = $1 AND test_code = $2`,
		key.MaterialID, key.TestCode,
	).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading run key version: %w", err)
	}
	return version, nil
}

// Append stores run if the key version still equals expectedVersion
func (r *RunRepository) Append(ctx context.Context, run *domain.QCRun, expectedVersion int64) (int64, error) {
	key := run.Key()
	doc, err := json.Marshal(run)
	if err != nil {
		return 0, fmt.Errorf("encoding qc run: %w", err)
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("beginning append: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		INSERT INTO qc_run_keys (material_id, test_code, version) VALUES ($1, $2, 0)
		ON CONFLICT (material_id, test_code) DO NOTHING`,
		key.MaterialID, key.TestCode,
	); err != nil {
		return 0, fmt.Errorf("creating run key: %w", err)
	}

	var current int64
	if err := tx.QueryRow(ctx,
		`SELECT version FROM qc_run_keys WHERE material_id = $1 AND test_code = $2 FOR UPDATE`,
		key.MaterialID, key.TestCode,
	).Scan(&current); err != nil {
		return 0, fmt.Errorf("locking run key: %w", err)
	}
	if current != expectedVersion {
		return current, fmt.Errorf("%s at version %d, expected %d: %w", key, current, expectedVersion, domain.ErrStaleWrite)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO qc_runs (id, material_id, test_code, value, run_date, status, document, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		run.ID, run.MaterialID, run.TestCode, run.Value, run.RunDate, string(run.Status), doc, run.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return current, fmt.Errorf("qc run %s already exists", run.ID)
		}
		r.log.WithFields(logrus.Fields{
			"run_id": run.ID,
			"key":    key.String(),
			"error":  err,
		}).Error("Failed to append qc run")
		return current, fmt.Errorf("appending qc run: %w", err)
	}

	var next int64
	if err := tx.QueryRow(ctx,
		`UPDATE qc_run_keys SET version = version + 1 WHERE material_id = $1 AND test_code = $2 RETURNING version`,
		key.MaterialID, key.TestCode,
	).Scan(&next); err != nil {
		return current, fmt.Errorf("bumping run key version: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return current, fmt.Errorf("committing append: %w", err)
	}
	return next, nil
}

// Get retrieves a run by ID
func (r *RunRepository) Get(ctx context.Context, id string) (*domain.QCRun, error) {
	run, err := scanRun(r.db.QueryRow(ctx, `SELECT document FROM qc_runs WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("qc run %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("getting qc run: %w", err)
	}
	return run, nil
}

// SetReview records review on a run and bumps its key version
func (r *RunRepository) SetReview(ctx context.Context, id string, review domain.QCReview) (*domain.QCRun, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning review: %w", err)
	}
	defer tx.Rollback(ctx)

	run, err := scanRun(tx.QueryRow(ctx, `SELECT document FROM qc_runs WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("qc run %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("reading qc run: %w", err)
	}

	run.Review = &review
	doc, err := json.Marshal(run)
	if err != nil {
		return nil, fmt.Errorf("encoding qc run: %w", err)
	}
	if _, err := tx.Exec(ctx, `UPDATE qc_runs SET document = $2 WHERE id = $1`, id, doc); err != nil {
		return nil, fmt.Errorf("storing review: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE qc_run_keys SET version = version + 1 WHERE material_id = $1 AND test_code = $2`,
		run.MaterialID, run.TestCode,
	); err != nil {
		return nil, fmt.Errorf("bumping run key version: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing review: %w", err)
	}

	r.log.WithFields(logrus.Fields{
		"run_id":      id,
		"disposition": review.Disposition,
		"reviewed_by": review.ReviewedBy,
	}).Info("QC run reviewed")
	return run, nil
}

// CountByMaterial returns the number of runs that reference a material
func (r *RunRepository) CountByMaterial(ctx context.Context, materialID string) (int, error) {
	var n int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM qc_runs WHERE material_id = $1`, materialID).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting qc runs: %w", err)
	}
	return n, nil
}

func scanRun(row pgx.Row) (*domain.QCRun, error) {
	var doc []byte
	if err := row.Scan(&doc); err != nil {
		return nil, err
	}
	var run domain.QCRun
	if err := json.Unmarshal(doc, &run); err != nil {
		return nil, fmt.Errorf("decoding qc run: %w", err)
	}
	return &run, nil
}
