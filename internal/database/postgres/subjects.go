package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"

	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"

	"github.com/kozaktomas/objectcamp/internal/database"
)

const subjectColumns = `id, target_spec_id, source_image_id, sticker_path, thumbnail_path, bbox, confidence,
	feature_vector, entity_id, is_marked_as_non_target, extraction_method, needs_review,
	last_adjusted_at, extracted_at`

const subjectOrder = ` ORDER BY extracted_at, id`

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// GetSubject retrieves a subject by ID, returns nil if not found.
func (s *Store) GetSubject(ctx context.Context, id string) (*database.Subject, error) {
	subject, err := scanSubject(s.pool.QueryRow(ctx, "SELECT "+subjectColumns+" FROM subjects WHERE id = $1", id))
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
	return querySubjects(ctx, s.pool.DB(), "WHERE target_spec_id = $1", specID)
}

// EligibleSubjects returns unclustered, non-excluded subjects of a spec.
func (s *Store) EligibleSubjects(ctx context.Context, specID string) ([]database.Subject, error) {
	return querySubjects(ctx, s.pool.DB(),
		"WHERE target_spec_id = $1 AND entity_id IS NULL AND NOT is_marked_as_non_target", specID)
}

// SubjectsByEntity returns the members of an entity.
func (s *Store) SubjectsByEntity(ctx context.Context, entityID string) ([]database.Subject, error) {
	return querySubjects(ctx, s.pool.DB(), "WHERE entity_id = $1", entityID)
}

// SubjectsBySource returns the subjects extracted from one source image.
func (s *Store) SubjectsBySource(ctx context.Context, specID, sourceImageID string) ([]database.Subject, error) {
	return querySubjects(ctx, s.pool.DB(), "WHERE target_spec_id = $1 AND source_image_id = $2", specID, sourceImageID)
}

// CountSubjects returns the number of subjects stored for a spec.
func (s *Store) CountSubjects(ctx context.Context, specID string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM subjects WHERE target_spec_id = $1", specID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count subjects: %w", err)
	}
	return count, nil
}

// SaveSubjects inserts new subjects in one transaction.
func (s *Store) SaveSubjects(ctx context.Context, subjects []database.Subject) error {
	if len(subjects) == 0 {
		return nil
	}

	tx, err := s.pool.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := insertSubjects(ctx, tx, subjects); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func insertSubjects(ctx context.Context, tx *sql.Tx, subjects []database.Subject) error {
	if len(subjects) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO subjects (`+subjectColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`)
	if err != nil {
		return fmt.Errorf("prepare statement: %w", err)
	}
	defer stmt.Close()

	for i := range subjects {
		sub := &subjects[i]
		args := []any{sub.ID, sub.TargetSpecID, sub.SourceImageID}
		args = append(args, subjectValues(sub)...)
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("insert subject %s: %w", sub.ID, err)
		}
	}
	return nil
}

// NearestSubjects ranks the spec's non-excluded subjects by cosine distance
// to query using the pgvector <=> operator.
func (s *Store) NearestSubjects(
	ctx context.Context, specID string, query database.FeatureVector, limit int, excludeID string,
) ([]database.Neighbor, error) {
	if len(query) == 0 || limit <= 0 {
		return nil, nil
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, target_spec_id, entity_id, feature_vector <=> $2::vector AS distance
		FROM subjects
		WHERE target_spec_id = $1
		  AND feature_vector IS NOT NULL
		  AND NOT is_marked_as_non_target
		  AND vector_dims(feature_vector) = $3
		  AND id <> $4
		ORDER BY distance
		LIMIT $5
	`, specID, pgvector.NewVector([]float32(query)), len(query), excludeID, limit)
	if err != nil {
		return nil, fmt.Errorf("query nearest subjects: %w", err)
	}
	defer rows.Close()

	var out []database.Neighbor
	for rows.Next() {
		var n database.Neighbor
		var entityID sql.NullString
		var distance sql.NullFloat64
		if err := rows.Scan(&n.SubjectID, &n.SpecID, &entityID, &distance); err != nil {
			return nil, fmt.Errorf("scan neighbor: %w", err)
		}
		n.EntityID = entityID.String
		n.Similarity = similarityFromDistance(distance)
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate neighbors: %w", err)
	}
	return out, nil
}

// similarityFromDistance converts a cosine distance to a similarity in [-1, 1].
// Zero vectors yield NaN distances in pgvector and map to 0.
func similarityFromDistance(d sql.NullFloat64) float64 {
	if !d.Valid || math.IsNaN(d.Float64) {
		return 0
	}
	return math.Max(-1, math.Min(1, 1-d.Float64))
}

func querySubjects(ctx context.Context, q querier, where string, args ...any) ([]database.Subject, error) {
	rows, err := q.QueryContext(ctx, "SELECT "+subjectColumns+" FROM subjects "+where+subjectOrder, args...)
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

// subjectValues returns the mutable columns from sticker_path through extracted_at.
func subjectValues(sub *database.Subject) []any {
	var bbox any
	if sub.BoundingBox != nil {
		bbox = pq.Array(sub.BoundingBox.Corners())
	}
	var vec any
	if sub.HasVector() {
		vec = pgvector.NewVector([]float32(sub.FeatureVector))
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
		vec,
		nullString(sub.EntityID),
		sub.IsMarkedAsNonTarget,
		string(method),
		sub.NeedsReview,
		nullTime(sub.LastAdjustedAt),
		sub.ExtractedAt,
	}
}

func scanSubject(scanner interface{ Scan(...any) error }) (database.Subject, error) {
	var sub database.Subject
	var bbox pq.Float64Array
	var vec *pgvector.Vector
	var entityID sql.NullString
	var method string
	var adjusted sql.NullTime

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
		&sub.ExtractedAt,
	)
	if err != nil {
		return sub, fmt.Errorf("scan subject: %w", err)
	}

	sub.BoundingBox = database.BoundingBoxFromCorners(bbox)
	if vec != nil {
		sub.FeatureVector = database.FeatureVector(vec.Slice())
	}
	sub.EntityID = entityID.String
	sub.ExtractionMethod = database.ExtractionMethod(method)
	sub.LastAdjustedAt = timePtr(adjusted)
	return sub, nil
}
