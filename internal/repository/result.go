package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/labqc-server/internal/domain"
)

// ResultRepository persists results as JSON documents with indexed lookup columns.
type ResultRepository struct {
	db  *pgxpool.Pool
	log *logrus.Logger
}

// NewResultRepository creates a new result repository
func NewResultRepository(db *pgxpool.Pool, logger *logrus.Logger) *ResultRepository {
	return &ResultRepository{
		db:  db,
		log: logger,
	}
}

// Get retrieves a result by ID
func (r *ResultRepository) Get(ctx context.Context, id string) (*domain.Result, error) {
	res, err := scanResult(r.db.QueryRow(ctx, `SELECT document, version FROM results WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("result %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("getting result: %w", err)
	}
	return res, nil
}

// Transact serializes writers of id with a transaction-scoped advisory lock, so a
// missing row is guarded the same way as an existing one.
func (r *ResultRepository) Transact(ctx context.Context, id string, fn domain.ResultTxFunc) (*domain.Result, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning result transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, id); err != nil {
		return nil, fmt.Errorf("locking result %s: %w", id, err)
	}

	current, err := scanResult(tx.QueryRow(ctx, `SELECT document, version FROM results WHERE id = $1 FOR UPDATE`, id))
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("reading result %s: %w", id, err)
	}

	var input *domain.Result
	if current != nil {
		input = current.Clone()
	}
	next, err := fn(input)
	if err != nil {
		return nil, err
	}
	if next == nil {
		if current == nil {
			return nil, fmt.Errorf("result %s: %w", id, domain.ErrNotFound)
		}
		return current, tx.Commit(ctx)
	}

	next = next.Clone()
	next.ID = id
	next.Version = 1
	if current != nil {
		next.Version = current.Version + 1
	}
	if next.CreatedAt.IsZero() {
		next.CreatedAt = time.Now().UTC()
	}
	if next.UpdatedAt.IsZero() {
		next.UpdatedAt = next.CreatedAt
	}

	doc, err := json.Marshal(next)
	if err != nil {
		return nil, fmt.Errorf("encoding result: %w", err)
	}

	query := `
		INSERT INTO results (id, sample_id, test_id, patient_id, status, document, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			document = EXCLUDED.document,
			version = EXCLUDED.version,
			updated_at = EXCLUDED.updated_at`
	if _, err := tx.Exec(ctx, query,
		next.ID, next.SampleID, next.TestID, next.PatientID, string(next.Status),
		doc, next.Version, next.CreatedAt, next.UpdatedAt,
	); err != nil {
		r.log.WithFields(logrus.Fields{
			"result_id": id,
			"error":     err,
		}).Error("Failed to write result")
		return nil, fmt.Errorf("writing result: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing result: %w", err)
	}

	r.log.WithFields(logrus.Fields{
		"result_id": id,
		"status":    next.Status,
		"version":   next.Version,
	}).Debug("Result written")
	return next, nil
}

// ListByPatient returns a patient's results, newest first. A zero limit returns all.
func (r *ResultRepository) ListByPatient(ctx context.Context, patientID string, limit, offset int) ([]*domain.Result, error) {
	query := `
		SELECT document, version FROM results
		WHERE patient_id = $1
		ORDER BY created_at DESC, id
		LIMIT NULLIF($2::int, 0) OFFSET $3`

	rows, err := r.db.Query(ctx, query, patientID, limit, offset)
	if err != nil {
		r.log.WithFields(logrus.Fields{
			"patient_id": patientID,
			"error":      err,
		}).Error("Failed to list patient results")
		return nil, fmt.Errorf("listing patient results: %w", err)
	}
	defer rows.Close()

	results := make([]*domain.Result, 0)
	for rows.Next() {
		res, err := scanResult(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning result row: %w", err)
		}
		results = append(results, res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating result rows: %w", err)
	}
	return results, nil
}

func scanResult(row pgx.Row) (*domain.Result, error) {
	var (
		doc     []byte
		version int
	)
	if err := row.Scan(&doc, &version); err != nil {
		return nil, err
	}
	var res domain.Result
	if err := json.Unmarshal(doc, &res); err != nil {
		return nil, fmt.Errorf("decoding result: %w", err)
	}
	res.Version = version
	return &res, nil
}
