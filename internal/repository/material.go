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

const materialColumns = `id, lot_number, level, targets, expires_at, retired_at, created_at, updated_at`

// MaterialRepository persists QC control lots.
type MaterialRepository struct {
	db  *pgxpool.Pool
	log *logrus.Logger
}

// NewMaterialRepository creates a new QC material repository
func NewMaterialRepository(db *pgxpool.Pool, logger *logrus.Logger) *MaterialRepository {
	return &MaterialRepository{
		db:  db,
		log: logger,
	}
}

// Create inserts a new material
func (r *MaterialRepository) Create(ctx context.Context, material *domain.QCMaterial) error {
	targets, err := encodeTargets(material.Analytes)
	if err != nil {
		return err
	}

	query := `INSERT INTO qc_materials (` + materialColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err = r.db.Exec(ctx, query,
		material.ID,
		material.LotNumber,
		material.Level,
		targets,
		material.ExpiresAt,
		material.RetiredAt,
		material.CreatedAt,
		material.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("qc material %s: %w", material.ID, domain.ErrDuplicate)
		}
		r.log.WithFields(logrus.Fields{
			"material_id": material.ID,
			"error":       err,
		}).Error("Failed to create qc material")
		return fmt.Errorf("creating qc material: %w", err)
	}

	r.log.WithFields(logrus.Fields{
		"material_id": material.ID,
		"lot_number":  material.LotNumber,
		"level":       material.Level,
	}).Info("QC material created")
	return nil
}

// Get retrieves a material by ID
func (r *MaterialRepository) Get(ctx context.Context, id string) (*domain.QCMaterial, error) {
	m, err := scanMaterial(r.db.QueryRow(ctx, `SELECT `+materialColumns+` FROM qc_materials WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("qc material %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("getting qc material: %w", err)
	}
	return m, nil
}

// Update replaces a material. Target edits are rejected once any run references it; the
// row lock keeps a concurrent first run from slipping past the check.
func (r *MaterialRepository) Update(ctx context.Context, material *domain.QCMaterial) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning material transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	existing, err := scanMaterial(tx.QueryRow(ctx, `SELECT `+materialColumns+` FROM qc_materials WHERE id = $1 FOR UPDATE`, material.ID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("qc material %s: %w", material.ID, domain.ErrNotFound)
		}
		return fmt.Errorf("reading qc material: %w", err)
	}

	if !domain.SameTargets(existing.Analytes, material.Analytes) {
		var runs int
		if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM qc_runs WHERE material_id = $1`, material.ID).Scan(&runs); err != nil {
			return fmt.Errorf("counting qc runs: %w", err)
		}
		if runs > 0 {
			return fmt.Errorf("qc material %s: %w", material.ID, domain.ErrTargetsLocked)
		}
	}

	targets, err := encodeTargets(material.Analytes)
	if err != nil {
		return err
	}
	query := `
		UPDATE qc_materials
		SET lot_number = $2, level = $3, targets = $4, expires_at = $5, retired_at = $6, updated_at = $7
		WHERE id = $1`
	if _, err := tx.Exec(ctx, query,
		material.ID,
		material.LotNumber,
		material.Level,
		targets,
		material.ExpiresAt,
		material.RetiredAt,
		material.UpdatedAt,
	); err != nil {
		return fmt.Errorf("updating qc material: %w", err)
	}
	return tx.Commit(ctx)
}

// List returns materials ordered by lot and level
func (r *MaterialRepository) List(ctx context.Context, includeRetired bool) ([]*domain.QCMaterial, error) {
	query := `SELECT ` + materialColumns + ` FROM qc_materials
		WHERE $1 OR retired_at IS NULL
		ORDER BY lot_number, level`

	rows, err := r.db.Query(ctx, query, includeRetired)
	if err != nil {
		return nil, fmt.Errorf("listing qc materials: %w", err)
	}
	defer rows.Close()

	materials := make([]*domain.QCMaterial, 0)
	for rows.Next() {
		m, err := scanMaterial(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning qc material row: %w", err)
		}
		materials = append(materials, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating qc material rows: %w", err)
	}
	return materials, nil
}

func encodeTargets(targets []domain.AnalyteQCTarget) ([]byte, error) {
	if targets == nil {
		targets = []domain.AnalyteQCTarget{}
	}
	doc, err := json.Marshal(targets)
	if err != nil {
		return nil, fmt.Errorf("encoding qc targets: %w", err)
	}
	return doc, nil
}

func scanMaterial(row pgx.Row) (*domain.QCMaterial, error) {
	var (
		m       domain.QCMaterial
		targets []byte
	)
	if err := row.Scan(
		&m.ID,
		&m.LotNumber,
		&m.Level,
		&targets,
		&m.ExpiresAt,
		&m.RetiredAt,
		&m.CreatedAt,
		&m.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(targets, &m.Analytes); err != nil {
		return nil, fmt.Errorf("decoding qc targets: %w", err)
	}
	return &m, nil
}
