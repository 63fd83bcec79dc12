package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/kozaktomas/objectcamp/internal/database"
)

const subjectColumns = `id, target_spec_id, source_image_id, sticker_path, thumbnail_path, bbox, confidence,
	feature_vector, entity_id, is_marked_as_non_target, extraction_method, needs_review,
	last_adjusted_at, extracted_at`

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// GetSubject retrieves a subject by ID, returns nil if not found.
func (s *Store) GetSubject(ctx context.Context, id string) (*database.Subject, error) {
	subject, err := scanSubject(s.db.QueryRowContext(ctx, "SELECT "+subjectColumns+" FROM subjects WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get subject %s: %w", id, err)
	}
	return &subject, nil
}

// ListSubjects returns every subject of a spec in extraction order.
func (s *Store) ListSubjects(ctx context.Context, specID string) ([]database.Subject, error) {
	return querySubjects(ctx, s.db, "WHERE target_spec_id = ?", specID)
}

// EligibleSubjects returns unclustered, non-excluded subjects of a spec.
func (s *Store) EligibleSubjects(ctx context.Context, specID string) ([]database.Subject, error) {
	return querySubjects(ctx, s.db,
		"WHERE target_spec_id = ? AND entity_id IS NULL AND is_marked_as_non_target = 0", specID)
}

// SubjectsByEntity returns the members of an entity.
func (s *Store) SubjectsByEntity(ctx context.Context, entityID string) ([]database.Subject, error) {
	return querySubjects(ctx, s.db, "WHERE entity_id = ?", entityID)
}

// SubjectsBySource returns the subjects extracted from one source image.
func (s *Store) SubjectsBySource(ctx context.Context, specID, sourceImageID string) ([]database.Subject, error) {
	return querySubjects(ctx, s.db, "WHERE target_spec_id = ? AND source_image_id = ?", specID, sourceImageID)
}

// CountSubjects returns the number of subjects stored for a spec.
func (s *Store) CountSubjects(ctx context.Context, specID string) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM subjects WHERE target_spec_id = ?", specID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count subjects: %w", err)
	}
	return count, nil
}

// SaveSubjects inserts new subjects in one transaction.
func (s *Store) SaveSubjects(ctx context.Context, subjects []database.Subject) error {
	if len(subjects) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return insertSubjects(ctx, tx, subjects)
	})
}

func insertSubjects(ctx context.Context, tx *sql.Tx, subjects []database.Subject) error {
	for i := range subjects {
		sub := &subjects[i]
		values, err := subjectValues(sub)
		if err != nil {
			return err
		}
		args := append([]any{sub.ID, sub.TargetSpecID, sub.SourceImageID}, values...)
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO subjects (`+subjectColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, args...); err != nil {
			return fmt.Errorf("insert subject %s: %w", sub.ID, err)
		}
	}
	return nil
}

func querySubjects(ctx context.Context, q querier, where string, args ...any) ([]database.Subject, error) {
	rows, err := q.QueryContext(ctx, "SELECT "+subjectColumns+" FROM subjects "+where+" ORDER BY extracted_at, id", args...)
	if err != nil {
		return nil, fmt.Errorf("query subjects: %w", err)
	}
	defer rows.Close()

	var subjects []database.Subject
	for rows.Next() {
		subject, err := scanSubject(rows)
		if err != nil {
			return nil, err
		}
		subjects = append(subjects, subject)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate subjects: %w", err)
	}
	return subjects, nil
}

// subjectValues returns the columns from sticker_path through extracted_at.
func subjectValues(sub *database.Subject) ([]any, error) {
	var bbox sql.NullString
	if sub.BoundingBox != nil {
		b, err := json.Marshal(sub.BoundingBox.Corners())
		if err != nil {
			return nil, fmt.Errorf("encoding bbox of %s: %w", sub.ID, err)
		}
		bbox = sql.NullString{String: string(b), Valid: true}
	}
	vec, err := database.EncodeVector(sub.FeatureVector)
	if err != nil {
		return nil, fmt.Errorf("encoding vector of %s: %w", sub.ID, err)
	}
	method := sub.ExtractionMethod
	if method == "" {
		method = database.ExtractionAutomatic
	}
	return []any{
		sub.StickerPath,
		sub.ThumbnailPath,
		bbox,
		sub.Confidence,
		nullString(vec),
		nullString(sub.EntityID),
		sub.IsMarkedAsNonTarget,
		string(method),
		sub.NeedsReview,
		nullUnix(sub.LastAdjustedAt),
		toUnix(sub.ExtractedAt),
	}, nil
}

func scanSubject(scanner interface{ Scan(...any) error }) (database.Subject, error) {
	var sub database.Subject
	var bbox, vec, entityID sql.NullString
	var method string
	var adjusted sql.NullInt64
	var extracted int64

	err := scanner.Scan(
		&sub.ID,
		&sub.TargetSpecID,
		&sub.SourceImageID,
		&sub.StickerPath,
		&sub.ThumbnailPath,
		&bbox,
		&sub.Confidence,
		&vec,
		&entityID,
		&sub.IsMarkedAsNonTarget,
		&method,
		&sub.NeedsReview,
		&adjusted,
		&extracted,
	)
	if err != nil {
		return sub, fmt.Errorf("scan subject: %w", err)
	}

	if bbox.Valid {
		var corners []float64
		if err := json.Unmarshal([]byte(bbox.String), &corners); err != nil {
			return sub, fmt.Errorf("decoding bbox of %s: %w", sub.ID, err)
		}
		sub.BoundingBox = database.BoundingBoxFromCorners(corners)
	}
	if sub.FeatureVector, err = database.DecodeVector(vec.String); err != nil {
		return sub, fmt.Errorf("decoding vector of %s: %w", sub.ID, err)
	}
	sub.EntityID = entityID.String
	sub.ExtractionMethod = database.ExtractionMethod(method)
	sub.LastAdjustedAt = timePtr(adjusted)
	sub.ExtractedAt = fromUnix(extracted)
	return sub, nil
}
