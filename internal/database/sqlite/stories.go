package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

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
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO stories (`+storyColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		story.ID, story.TargetSpecID, story.EntityID, story.Title, string(story.Status), pages,
		story.CompletedPages, story.ErrorMessage, toUnix(story.CreatedAt), nullUnix(story.CompletedAt),
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
	res, err := s.db.ExecContext(ctx, `
		UPDATE stories SET
			status = ?, pages = ?, completed_pages = ?, error_message = ?, completed_at = ?
		WHERE id = ?
	`,
		string(story.Status), pages, story.CompletedPages, story.ErrorMessage, nullUnix(story.CompletedAt), story.ID,
	)
	if err != nil {
		return fmt.Errorf("update story %s: %w", story.ID, err)
	}
	return expectOne(res, "story", story.ID)
}

// GetStory retrieves a story by ID, returns nil if not found.
func (s *Store) GetStory(ctx context.Context, id string) (*database.Story, error) {
	story, err := scanStory(s.db.QueryRowContext(ctx, "SELECT "+storyColumns+" FROM stories WHERE id = ?", id))
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
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+storyColumns+` FROM stories
		WHERE (? = '' OR target_spec_id = ?) AND (? = '' OR entity_id = ?)
		ORDER BY created_at DESC, id
	`, specID, specID, entityID, entityID)
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
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, from := range fromEntityIDs {
			if _, err := tx.ExecContext(ctx, "UPDATE stories SET entity_id = ? WHERE entity_id = ?", to, from); err != nil {
				return fmt.Errorf("reassign stories of %s: %w", from, err)
			}
		}
		return nil
	})
}

// DeleteStories removes stories by ID.
func (s *Store) DeleteStories(ctx context.Context, ids []string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, "DELETE FROM stories WHERE id = ?", id); err != nil {
				return fmt.Errorf("delete story %s: %w", id, err)
			}
		}
		return nil
	})
}

func scanStory(scanner interface{ Scan(...any) error }) (*database.Story, error) {
	var story database.Story
	var status, pages string
	var created int64
	var completed sql.NullInt64

	err := scanner.Scan(
		&story.ID, &story.TargetSpecID, &story.EntityID, &story.Title, &status, &pages,
		&story.CompletedPages, &story.ErrorMessage, &created, &completed,
	)
	if err != nil {
		return nil, err
	}

	story.Status = database.TaskStatus(status)
	if err := json.Unmarshal([]byte(pages), &story.Pages); err != nil {
		return nil, fmt.Errorf("decoding pages of story %s: %w", story.ID, err)
	}
	story.CreatedAt = fromUnix(created)
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
