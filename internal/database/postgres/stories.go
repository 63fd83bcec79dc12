package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/kozaktomas/objectcamp/internal/database"
)

const storyColumns = `id, target_spec_id, entity_id, title, status, pages, completed_pages,
	error_message, created_at, completed_at`

// CreateStory stores a new story.
func (s *Store) CreateStory(ctx context.Context, story *database.Story) error {
	pages, err := encodePages(story.Pages)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO stories (`+storyColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`,
		story.ID,
		story.TargetSpecID,
		story.EntityID,
		story.Title,
		string(story.Status),
		pages,
		story.CompletedPages,
		story.ErrorMessage,
		story.CreatedAt,
		nullTime(story.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("create story %s: %w", story.ID, err)
	}
	return nil
}

// UpdateStory overwrites the pages, progress and status of a story.
func (s *Store) UpdateStory(ctx context.Context, story *database.Story) error {
	pages, err := encodePages(story.Pages)
	if err != nil {
		return err
	}
	res, err := s.pool.Exec(ctx, `
		UPDATE stories SET
			status = $2, pages = $3, completed_pages = $4, error_message = $5, completed_at = $6
		WHERE id = $1
	`,
		story.ID,
		string(story.Status),
		pages,
		story.CompletedPages,
		story.ErrorMessage,
		nullTime(story.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("update story %s: %w", story.ID, err)
	}
	return expectOne(res, "story", story.ID)
}

// GetStory retrieves a story by ID, returns nil if not found.
func (s *Store) GetStory(ctx context.Context, id string) (*database.Story, error) {
	story, err := scanStory(s.pool.QueryRow(ctx, "SELECT "+storyColumns+" FROM stories WHERE id = $1", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get story %s: %w", id, err)
	}
	return story, nil
}

// ListStories returns stories newest first, filtered by spec and entity when given.
func (s *Store) ListStories(ctx context.Context, specID, entityID string) ([]database.Story, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+storyColumns+` FROM stories
		WHERE ($1 = '' OR target_spec_id = $1) AND ($2 = '' OR entity_id = $2)
		ORDER BY created_at DESC, id
	`, specID, entityID)
	if err != nil {
		return nil, fmt.Errorf("query stories: %w", err)
	}
	defer rows.Close()

	var stories []database.Story
	for rows.Next() {
		story, err := scanStory(rows)
		if err != nil {
			return nil, fmt.Errorf("scan story: %w", err)
		}
		stories = append(stories, *story)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stories: %w", err)
	}
	return stories, nil
}

// ReassignStories moves the stories of the from entities to entity to.
func (s *Store) ReassignStories(ctx context.Context, fromEntityIDs []string, to string) error {
	if len(fromEntityIDs) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, "UPDATE stories SET entity_id = $1 WHERE entity_id = ANY($2)", to, pq.Array(fromEntityIDs))
	if err != nil {
		return fmt.Errorf("reassign stories to %s: %w", to, err)
	}
	return nil
}

// DeleteStories removes stories by ID.
func (s *Store) DeleteStories(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := s.pool.Exec(ctx, "DELETE FROM stories WHERE id = ANY($1)", pq.Array(ids)); err != nil {
		return fmt.Errorf("delete stories: %w", err)
	}
	return nil
}

func scanStory(scanner interface{ Scan(...any) error }) (*database.Story, error) {
	var story database.Story
	var status string
	var pages []byte
	var completed sql.NullTime

	err := scanner.Scan(
		&story.ID,
		&story.TargetSpecID,
		&story.EntityID,
		&story.Title,
		&status,
		&pages,
		&story.CompletedPages,
		&story.ErrorMessage,
		&story.CreatedAt,
		&completed,
	)
	if err != nil {
		return nil, err
	}

	story.Status = database.TaskStatus(status)
	if err := json.Unmarshal(pages, &story.Pages); err != nil {
		return nil, fmt.Errorf("decoding pages of story %s: %w", story.ID, err)
	}
	story.CompletedAt = timePtr(completed)
	return &story, nil
}

func encodePages(pages []database.StoryPage) (string, error) {
	if pages == nil {
		pages = []database.StoryPage{}
	}
	b, err := json.Marshal(pages)
	if err != nil {
		return "", fmt.Errorf("encoding story pages: %w", err)
	}
	return string(b), nil
}
