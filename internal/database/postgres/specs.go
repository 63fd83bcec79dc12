package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/kozaktomas/objectcamp/internal/database"
)

const specColumns = `spec_id, display_name, target_description, is_enabled, created_at`

// GetSpec retrieves a spec by ID, returns nil if not found.
func (s *Store) GetSpec(ctx context.Context, specID string) (*database.TargetSpec, error) {
	row := s.pool.QueryRow(ctx, "SELECT "+specColumns+" FROM target_specs WHERE spec_id = $1", specID)

	var spec database.TargetSpec
	err := row.Scan(&spec.SpecID, &spec.DisplayName, &spec.TargetDescription, &spec.IsEnabled, &spec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get spec %s: %w", specID, err)
	}
	return &spec, nil
}

// ListSpecs returns all specs ordered by creation time.
func (s *Store) ListSpecs(ctx context.Context) ([]database.TargetSpec, error) {
	rows, err := s.pool.Query(ctx, "SELECT "+specColumns+" FROM target_specs ORDER BY created_at, spec_id")
	if err != nil {
		return nil, fmt.Errorf("query specs: %w", err)
	}
	defer rows.Close()

	var specs []database.TargetSpec
	for rows.Next() {
		var spec database.TargetSpec
		if err := rows.Scan(&spec.SpecID, &spec.DisplayName, &spec.TargetDescription, &spec.IsEnabled, &spec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan spec: %w", err)
		}
		specs = append(specs, spec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate specs: %w", err)
	}
	return specs, nil
}

// SaveSpec inserts or updates a spec. CreatedAt is kept on update.
func (s *Store) SaveSpec(ctx context.Context, spec *database.TargetSpec) error {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO target_specs (spec_id, display_name, target_description, is_enabled)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (spec_id) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			target_description = EXCLUDED.target_description,
			is_enabled = EXCLUDED.is_enabled
		RETURNING created_at
	`, spec.SpecID, spec.DisplayName, spec.TargetDescription, spec.IsEnabled).Scan(&spec.CreatedAt)
	if err != nil {
		return fmt.Errorf("save spec %s: %w", spec.SpecID, err)
	}
	return nil
}
