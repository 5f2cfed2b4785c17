package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/labqc-server/internal/domain"
)

// AnalyteRepository persists analyte reference data. The definition is stored as a JSON
// document keyed by test code.
type AnalyteRepository struct {
	db  *pgxpool.Pool
	log *logrus.Logger
}

// NewAnalyteRepository creates a new analyte repository
func NewAnalyteRepository(db *pgxpool.Pool, logger *logrus.Logger) *AnalyteRepository {
	return &AnalyteRepository{
		db:  db,
		log: logger,
	}
}

// Get retrieves an analyte by test code
func (r *AnalyteRepository) Get(ctx context.Context, testCode string) (*domain.Analyte, error) {
	query := `SELECT definition, version, updated_at FROM analytes WHERE test_code = $1`

	var (
		doc     []byte
		analyte domain.Analyte
	)
	err := r.db.QueryRow(ctx, query, testCode).Scan(&doc, &analyte.Version, &analyte.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("analyte %s: %w", testCode, domain.ErrNotFound)
		}
		r.log.WithFields(logrus.Fields{
			"test_code": testCode,
			"error":     err,
		}).Error("Failed to get analyte")
		return nil, fmt.Errorf("getting analyte: %w", err)
	}

	version, updatedAt := analyte.Version, analyte.UpdatedAt
	if err := json.Unmarshal(doc, &analyte); err != nil {
		return nil, fmt.Errorf("decoding analyte %s: %w", testCode, err)
	}
	analyte.Version, analyte.UpdatedAt = version, updatedAt
	return &analyte, nil
}

// Put inserts or replaces an analyte and bumps its version
func (r *AnalyteRepository) Put(ctx context.Context, analyte *domain.Analyte) error {
	doc, err := json.Marshal(analyte)
	if err != nil {
		return fmt.Errorf("encoding analyte: %w", err)
	}

	query := `
		INSERT INTO analytes (test_code, definition, version, updated_at)
		VALUES ($1, $2, 1, NOW())
		ON CONFLICT (test_code) DO UPDATE SET
			definition = EXCLUDED.definition,
			version = analytes.version + 1,
			updated_at = NOW()
		RETURNING version, updated_at`

	if err := r.db.QueryRow(ctx, query, analyte.TestCode, doc).Scan(&analyte.Version, &analyte.UpdatedAt); err != nil {
		r.log.WithFields(logrus.Fields{
			"test_code": analyte.TestCode,
			"error":     err,
		}).Error("Failed to store analyte")
		return fmt.Errorf("storing analyte: %w", err)
	}

	r.log.WithFields(logrus.Fields{
		"test_code": analyte.TestCode,
		"version":   analyte.Version,
	}).Info("Analyte stored")
	return nil
}

// List returns all analytes ordered by test code
func (r *AnalyteRepository) List(ctx context.Context) ([]*domain.Analyte, error) {
	rows, err := r.db.Query(ctx, `SELECT definition, version, updated_at FROM analytes ORDER BY test_code`)
	if err != nil {
		return nil, fmt.Errorf("listing analytes: %w", err)
	}
	defer rows.Close()

	analytes := make([]*domain.Analyte, 0)
	for rows.Next() {
		var (
			doc     []byte
			analyte domain.Analyte
		)
		if err := rows.Scan(&doc, &analyte.Version, &analyte.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning analyte row: %w", err)
		}
		version, updatedAt := analyte.Version, analyte.UpdatedAt
		if err := json.Unmarshal(doc, &analyte); err != nil {
			return nil, fmt.Errorf("decoding analyte: %w", err)
		}
		analyte.Version, analyte.UpdatedAt = version, updatedAt
		analytes = append(analytes, &analyte)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating analyte rows: %w", err)
	}
	return analytes, nil
}
