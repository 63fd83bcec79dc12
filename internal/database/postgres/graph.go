package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/kozaktomas/objectcamp/internal/database"
)

// Snapshot loads every entity and subject of a spec from one consistent view.
func (s *Store) Snapshot(ctx context.Context, specID string) (*database.Snapshot, error) {
	tx, err := s.pool.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	entities, err := queryEntities(ctx, tx, specID)
	if err != nil {
		return nil, err
	}
	subjects, err := querySubjects(ctx, tx, "WHERE target_spec_id = $1", specID)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return &database.Snapshot{SpecID: specID, Entities: entities, Subjects: subjects}, nil
}

// Commit applies a change set in a single transaction. Every targeted row must
// exist; otherwise the whole change set is rolled back.
func (s *Store) Commit(ctx context.Context, cs database.ChangeSet) error {
	if cs.IsEmpty() {
		return nil
	}

	tx, err := s.pool.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	steps := []func(context.Context, *sql.Tx, database.ChangeSet) error{
		insertEntities,
		insertCreatedSubjects,
		applyAssignments,
		updateSubjects,
		deleteSubjects,
		updateEntities,
		deleteEntities,
	}
	for _, step := range steps {
		if err := step(ctx, tx, cs); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func insertEntities(ctx context.Context, tx *sql.Tx, cs database.ChangeSet) error {
	for i := range cs.CreatedEntities {
		e := &cs.CreatedEntities[i]
		_, err := tx.ExecContext(ctx, `
			INSERT INTO entities (`+entityColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, e.ID, e.TargetSpecID, entityName(e), nullString(e.CoverSubjectID), e.AverageConfidence,
			e.IsManuallyCreated, e.CreatedAt, e.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert entity %s: %w", e.ID, err)
		}
	}
	return nil
}

func insertCreatedSubjects(ctx context.Context, tx *sql.Tx, cs database.ChangeSet) error {
	return insertSubjects(ctx, tx, cs.CreatedSubjects)
}

func applyAssignments(ctx context.Context, tx *sql.Tx, cs database.ChangeSet) error {
	for _, a := range cs.Assignments {
		res, err := tx.ExecContext(ctx, "UPDATE subjects SET entity_id = $2 WHERE id = $1", a.SubjectID, nullString(a.EntityID))
		if err != nil {
			return fmt.Errorf("assign subject %s: %w", a.SubjectID, err)
		}
		if err := expectOne(res, "subject", a.SubjectID); err != nil {
			return err
		}
	}
	return nil
}

func updateSubjects(ctx context.Context, tx *sql.Tx, cs database.ChangeSet) error {
	for i := range cs.UpdatedSubjects {
		sub := &cs.UpdatedSubjects[i]
		args := append([]any{sub.ID}, subjectValues(sub)...)
		res, err := tx.ExecContext(ctx, `
			UPDATE subjects SET
				sticker_path = $2, thumbnail_path = $3, bbox = $4, confidence = $5,
				feature_vector = $6, entity_id = $7, is_marked_as_non_target = $8,
				extraction_method = $9, needs_review = $10, last_adjusted_at = $11, extracted_at = $12
			WHERE id = $1
		`, args...)
		if err != nil {
			return fmt.Errorf("update subject %s: %w", sub.ID, err)
		}
		if err := expectOne(res, "subject", sub.ID); err != nil {
			return err
		}
	}
	return nil
}

func deleteSubjects(ctx context.Context, tx *sql.Tx, cs database.ChangeSet) error {
	for _, id := range cs.DeletedSubjectIDs {
		res, err := tx.ExecContext(ctx, "DELETE FROM subjects WHERE id = $1", id)
		if err != nil {
			return fmt.Errorf("delete subject %s: %w", id, err)
		}
		if err := expectOne(res, "subject", id); err != nil {
			return err
		}
	}
	return nil
}

func updateEntities(ctx context.Context, tx *sql.Tx, cs database.ChangeSet) error {
	for i := range cs.UpdatedEntities {
		e := &cs.UpdatedEntities[i]
		res, err := tx.ExecContext(ctx, `
			UPDATE entities SET
				custom_name = $2, cover_subject_id = $3, average_confidence = $4,
				is_manually_created = $5, updated_at = $6
			WHERE id = $1
		`, e.ID, entityName(e), nullString(e.CoverSubjectID), e.AverageConfidence, e.IsManuallyCreated, e.UpdatedAt)
		if err != nil {
			return fmt.Errorf("update entity %s: %w", e.ID, err)
		}
		if err := expectOne(res, "entity", e.ID); err != nil {
			return err
		}
	}
	return nil
}

func deleteEntities(ctx context.Context, tx *sql.Tx, cs database.ChangeSet) error {
	for _, id := range cs.DeletedEntityIDs {
		res, err := tx.ExecContext(ctx, "DELETE FROM entities WHERE id = $1", id)
		if err != nil {
			return fmt.Errorf("delete entity %s: %w", id, err)
		}
		if err := expectOne(res, "entity", id); err != nil {
			return err
		}
	}
	return nil
}

// ResetSpec deletes every subject, entity and task of a spec.
func (s *Store) ResetSpec(ctx context.Context, specID string) error {
	tx, err := s.pool.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"subjects", "entities", "processing_tasks"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE target_spec_id = $1", specID); err != nil {
			return fmt.Errorf("reset %s: %w", table, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
