package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/kozaktomas/objectcamp/internal/database"
)

const entityColumns = `id, target_spec_id, custom_name, cover_subject_id, average_confidence,
	is_manually_created, created_at, updated_at`

// GetEntity retrieves an entity by ID, returns nil if not found.
func (s *Store) GetEntity(ctx context.Context, id string) (*database.Entity, error) {
	entity, err := scanEntity(s.pool.QueryRow(ctx, "SELECT "+entityColumns+" FROM entities WHERE id = $1", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get entity %s: %w", id, err)
	}
	return &entity, nil
}

// ListEntities returns all entities of a spec ordered by creation time.
func (s *Store) ListEntities(ctx context.Context, specID string) ([]database.Entity, error) {
	return queryEntities(ctx, s.pool.DB(), specID)
}

// CountEntities returns the number of entities stored for a spec.
func (s *Store) CountEntities(ctx context.Context, specID string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM entities WHERE target_spec_id = $1", specID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count entities: %w", err)
	}
	return count, nil
}

func queryEntities(ctx context.Context, q querier, specID string) ([]database.Entity, error) {
	rows, err := q.QueryContext(ctx,
		"SELECT "+entityColumns+" FROM entities WHERE target_spec_id = $1 ORDER BY created_at, id", specID)
	if err != nil {
		return nil, fmt.Errorf("query entities: %w", err)
	}
	defer rows.Close()

	var entities []database.Entity
	for rows.Next() {
		entity, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		entities = append(entities, entity)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entities: %w", err)
	}
	return entities, nil
}

func scanEntity(scanner interface{ Scan(...any) error }) (database.Entity, error) {
	var e database.Entity
	var name, cover sql.NullString

	err := scanner.Scan(
		&e.ID,
		&e.TargetSpecID,
		&name,
		&cover,
		&e.AverageConfidence,
		&e.IsManuallyCreated,
		&e.CreatedAt,
		&e.UpdatedAt,
	)
	if err != nil {
		return e, fmt.Errorf("scan entity: %w", err)
	}
	if name.Valid {
		e.CustomName = &name.String
	}
	e.CoverSubjectID = cover.String
	return e, nil
}

func entityName(e *database.Entity) sql.NullString {
	if e.CustomName == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *e.CustomName, Valid: true}
}
