package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kozaktomas/objectcamp/internal/database"
)

const specColumns = `spec_id, display_name, target_description, is_enabled, created_at`

func scanSpec(scanner interface{ Scan(...any) error }) (database.TargetSpec, error) {
	var spec database.TargetSpec
	var created int64
	if err := scanner.Scan(&spec.SpecID, &spec.DisplayName, &spec.TargetDescription, &spec.IsEnabled, &created); err != nil {
		return spec, err
	}
	spec.CreatedAt = fromUnix(created)
	return spec, nil
}

// GetSpec retrieves a spec by ID, returns nil if not found.
func (s *Store) GetSpec(ctx context.Context, specID string) (*database.TargetSpec, error) {
	spec, err := scanSpec(s.db.QueryRowContext(ctx, "SELECT "+specColumns+" FROM target_specs WHERE spec_id = ?", specID))
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
	rows, err := s.db.QueryContext(ctx, "SELECT "+specColumns+" FROM target_specs ORDER BY created_at, spec_id")
	if err != nil {
		return nil, fmt.Errorf("query specs: %w", err)
	}
	defer rows.Close()

	var specs []database.TargetSpec
	for rows.Next() {
		spec, err := scanSpec(rows)
		if err != nil {
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
	created := spec.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	var stored int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO target_specs (spec_id, display_name, target_description, is_enabled, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (spec_id) DO UPDATE SET
			display_name = excluded.display_name,
			target_description = excluded.target_description,
			is_enabled = excluded.is_enabled
		RETURNING created_at
	`, spec.SpecID, spec.DisplayName, spec.TargetDescription, spec.IsEnabled, toUnix(created)).Scan(&stored)
	if err != nil {
		return fmt.Errorf("save spec %s: %w", spec.SpecID, err)
	}
	spec.CreatedAt = fromUnix(stored)
	return nil
}
