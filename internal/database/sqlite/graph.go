package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/kozaktomas/objectcamp/internal/database"
)

// Snapshot loads every entity and subject of a spec inside one read transaction.
func (s *Store) Snapshot(ctx context.Context, specID string) (*database.Snapshot, error) {
	snap := &database.Snapshot{SpecID: specID}
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		if snap.Entities, err = queryEntities(ctx, tx, specID); err != nil {
			return err
		}
		snap.Subjects, err = querySubjects(ctx, tx, "WHERE target_spec_id = ?", specID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// Commit applies a change set in a single transaction.
func (s *Store) Commit(ctx context.Context, cs database.ChangeSet) error {
	if cs.IsEmpty() {
		return nil
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for i := range cs.CreatedEntities {
			e := &cs.CreatedEntities[i]
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO entities (`+entityColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			`, e.ID, e.TargetSpecID, entityName(e), nullString(e.CoverSubjectID), e.AverageConfidence,
				e.IsManuallyCreated, toUnix(e.CreatedAt), toUnix(e.UpdatedAt)); err != nil {
				return fmt.Errorf("insert entity %s: %w", e.ID, err)
			}
		}

		if err := insertSubjects(ctx, tx, cs.CreatedSubjects); err != nil {
			return err
		}

		for _, a := range cs.Assignments {
			res, err := tx.ExecContext(ctx, "UPDATE subjects SET entity_id = ? WHERE id = ?", nullString(a.EntityID), a.SubjectID)
			if err != nil {
				return fmt.Errorf("assign subject %s: %w", a.SubjectID, err)
			}
			if err := expectOne(res, "subject", a.SubjectID); err != nil {
				return err
			}
		}

		for i := range cs.UpdatedSubjects {
			sub := &cs.UpdatedSubjects[i]
			values, err := subjectValues(sub)
			if err != nil {
				return err
			}
			res, err := tx.ExecContext(ctx, `
				UPDATE subjects SET
					sticker_path = ?, thumbnail_path = ?, bbox = ?, confidence = ?,
					feature_vector = ?, entity_id = ?, is_marked_as_non_target = ?,
					extraction_method = ?, needs_review = ?, last_adjusted_at = ?, extracted_at = ?
				WHERE id = ?
			`, append(values, sub.ID)...)
			if err != nil {
				return fmt.Errorf("update subject %s: %w", sub.ID, err)
			}
			if err := expectOne(res, "subject", sub.ID); err != nil {
				return err
			}
		}

		if err := deleteByID(ctx, tx, "subjects", "subject", cs.DeletedSubjectIDs); err != nil {
			return err
		}

		for i := range cs.UpdatedEntities {
			e := &cs.UpdatedEntities[i]
			res, err := tx.ExecContext(ctx, `
				UPDATE entities SET
					custom_name = ?, cover_subject_id = ?, average_confidence = ?,
					is_manually_created = ?, updated_at = ?
				WHERE id = ?
			`, entityName(e), nullString(e.CoverSubjectID), e.AverageConfidence, e.IsManuallyCreated,
				toUnix(e.UpdatedAt), e.ID)
			if err != nil {
				return fmt.Errorf("update entity %s: %w", e.ID, err)
			}
			if err := expectOne(res, "entity", e.ID); err != nil {
				return err
			}
		}

		return deleteByID(ctx, tx, "entities", "entity", cs.DeletedEntityIDs)
	})
}

func deleteByID(ctx context.Context, tx *sql.Tx, table, kind string, ids []string) error {
	for _, id := range ids {
		res, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE id = ?", id)
		if err != nil {
			return fmt.Errorf("delete %s %s: %w", kind, id, err)
		}
		if err := expectOne(res, kind, id); err != nil {
			return err
		}
	}
	return nil
}

// ResetSpec deletes every subject, entity and task of a spec.
func (s *Store) ResetSpec(ctx context.Context, specID string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, table := range []string{"subjects", "entities", "processing_tasks"} {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE target_spec_id = ?", specID); err != nil {
				return fmt.Errorf("reset %s: %w", table, err)
			}
		}
		return nil
	})
}
