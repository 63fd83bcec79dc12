// Package story draws illustrated stories featuring an entity and keeps
// their pages in sync with the entity graph.
package story

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kozaktomas/objectcamp/internal/ai"
	"github.com/kozaktomas/objectcamp/internal/blobstore"
	"github.com/kozaktomas/objectcamp/internal/cluster"
	"github.com/kozaktomas/objectcamp/internal/constants"
	"github.com/kozaktomas/objectcamp/internal/database"
)

var (
	// ErrNotFound is returned for unknown story IDs.
	ErrNotFound = errors.New("story not found")
	// ErrInvalid wraps validation failures of a new story.
	ErrInvalid = errors.New("invalid story")
	// ErrNoStickers is returned when none of the entity's stickers can be read.
	ErrNoStickers = errors.New("entity has no readable stickers")
	// ErrRunning is returned when deleting a story that is still being drawn.
	ErrRunning = errors.New("story is still being drawn")
)

// Store is the persistence surface the service needs.
type Store interface {
	database.StoryStore

	GetSpec(ctx context.Context, specID string) (*database.TargetSpec, error)
	GetEntity(ctx context.Context, id string) (*database.Entity, error)
	SubjectsByEntity(ctx context.Context, entityID string) ([]database.Subject, error)
}

// ProgressFunc receives the story after every drawn page.
type ProgressFunc func(story database.Story)

// Service creates, draws and removes stories.
type Service struct {
	store       Store
	blobs       *blobstore.Store
	illustrator ai.Illustrator
	logger      *zap.Logger
	now         func() time.Time
}

// NewService creates a story service. The illustrator may be nil, in which
// case stories can be listed and deleted but not drawn.
func NewService(store Store, blobs *blobstore.Store, illustrator ai.Illustrator, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:       store,
		blobs:       blobs,
		illustrator: illustrator,
		logger:      logger.Named("story"),
		now:         time.Now,
	}
}

// CanDraw reports whether an illustrator is configured.
func (s *Service) CanDraw() bool {
	return s.illustrator != nil
}

// Start validates the page prompts and stores a pending story for an entity.
func (s *Service) Start(ctx context.Context, entityID, title string, prompts []string) (*database.Story, error) {
	pages := make([]database.StoryPage, 0, len(prompts))
	for _, p := range prompts {
		if p = strings.TrimSpace(p); p != "" {
			pages = append(pages, database.StoryPage{Prompt: p})
		}
	}
	switch {
	case len(pages) == 0:
		return nil, fmt.Errorf("%w: at least one page prompt is required", ErrInvalid)
	case len(pages) > constants.MaxStoryPages:
		return nil, fmt.Errorf("%w: at most %d pages", ErrInvalid, constants.MaxStoryPages)
	}

	e, err := s.store.GetEntity(ctx, entityID)
	if err != nil {
		return nil, fmt.Errorf("fetching entity: %w", err)
	}
	if e == nil {
		return nil, fmt.Errorf("%w: %s", cluster.ErrEntityNotFound, entityID)
	}

	story := &database.Story{
		ID:           uuid.New().String(),
		TargetSpecID: e.TargetSpecID,
		EntityID:     e.ID,
		Title:        strings.TrimSpace(title),
		Status:       database.TaskPending,
		Pages:        pages,
		CreatedAt:    s.now().UTC(),
	}
	if err := s.store.CreateStory(ctx, story); err != nil {
		return nil, fmt.Errorf("storing story: %w", err)
	}
	s.logger.Info("story created",
		zap.String("story_id", story.ID),
		zap.String("entity_id", e.ID),
		zap.Int("pages", len(pages)))
	return story, nil
}

// Draw illustrates every page that has no picture yet, one illustrator call
// per page, and persists progress after each. The story ends completed,
// failed or cancelled; a failed page stops the run.
func (s *Service) Draw(ctx context.Context, story *database.Story, progress ProgressFunc) error {
	if s.illustrator == nil {
		return errors.New("no AI illustrator configured")
	}
	story.Status = database.TaskProcessing
	story.ErrorMessage = ""
	s.save(ctx, story)

	err := s.drawPages(ctx, story, progress)

	completed := s.now().UTC()
	story.CompletedAt = &completed
	switch {
	case err == nil:
		story.Status = database.TaskCompleted
	case errors.Is(err, context.Canceled):
		story.Status = database.TaskCancelled
	default:
		story.Status = database.TaskFailed
		story.ErrorMessage = err.Error()
	}
	s.save(context.WithoutCancel(ctx), story)
	if progress != nil {
		progress(*story)
	}

	if err != nil {
		s.logger.Warn("story drawing stopped",
			zap.String("story_id", story.ID),
			zap.Int("completed_pages", story.CompletedPages),
			zap.Error(err))
		return err
	}
	s.logger.Info("story drawn", zap.String("story_id", story.ID), zap.Int("pages", len(story.Pages)))
	return nil
}

func (s *Service) drawPages(ctx context.Context, story *database.Story, progress ProgressFunc) error {
	e, err := s.store.GetEntity(ctx, story.EntityID)
	if err != nil {
		return fmt.Errorf("fetching entity: %w", err)
	}
	if e == nil {
		return fmt.Errorf("%w: %s", cluster.ErrEntityNotFound, story.EntityID)
	}
	refs, err := References(ctx, s.store, s.blobs, e, s.logger)
	if err != nil {
		return err
	}
	subject := s.subjectLabel(ctx, e)

	for i := range story.Pages {
		page := &story.Pages[i]
		if page.ImagePath != "" {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		img, err := s.illustrator.Illustrate(ctx, ai.IllustrationRequest{
			Prompt:     pagePrompt(story, i),
			Subject:    subject,
			References: refs,
		})
		if err != nil {
			return fmt.Errorf("page %d: %s: %w", i+1, s.illustrator.Name(), err)
		}

		rel := blobstore.StoryPagePath(story.TargetSpecID, story.ID, i+1)
		if err := s.blobs.Put(rel, img.Data); err != nil {
			return fmt.Errorf("page %d: storing illustration: %w", i+1, err)
		}
		page.ImagePath = rel
		page.MIMEType = img.MIMEType
		page.Caption = img.Caption
		story.CompletedPages++
		s.save(ctx, story)
		if progress != nil {
			progress(*story)
		}
	}
	return nil
}

func (s *Service) save(ctx context.Context, story *database.Story) {
	if err := s.store.UpdateStory(ctx, story); err != nil {
		s.logger.Warn("failed to update story", zap.String("story_id", story.ID), zap.Error(err))
	}
}

// pagePrompt places a page's scene within its story.
func pagePrompt(story *database.Story, i int) string {
	prompt := story.Pages[i].Prompt
	if story.Title == "" || len(story.Pages) == 1 {
		return prompt
	}
	return fmt.Sprintf("%s (page %d of %d of the story %q)", prompt, i+1, len(story.Pages), story.Title)
}

// subjectLabel names what the references show: the entity's custom name, or
// the spec's display name in lower case.
func (s *Service) subjectLabel(ctx context.Context, e *database.Entity) string {
	if e.CustomName != nil {
		return cluster.Label(e)
	}
	if spec, err := s.store.GetSpec(ctx, e.TargetSpecID); err == nil && spec != nil {
		return strings.ToLower(spec.DisplayName)
	}
	return cluster.Label(e)
}

// Get returns a story.
func (s *Service) Get(ctx context.Context, id string) (*database.Story, error) {
	story, err := s.store.GetStory(ctx, id)
	if err != nil {
		return nil, err
	}
	if story == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return story, nil
}

// List returns the stories of a spec, newest first, optionally limited to one entity.
func (s *Service) List(ctx context.Context, specID, entityID string) ([]database.Story, error) {
	return s.store.ListStories(ctx, specID, entityID)
}

// Delete removes a finished story and its pictures.
func (s *Service) Delete(ctx context.Context, id string) error {
	story, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if story.Status == database.TaskPending || story.Status == database.TaskProcessing {
		return fmt.Errorf("%w: %s", ErrRunning, id)
	}
	_, err = s.remove(ctx, []database.Story{*story})
	return err
}

// ForgetEntities removes every story of the given entities. It is called
// after the entities were deleted.
func (s *Service) ForgetEntities(ctx context.Context, entityIDs []string) (int, error) {
	var doomed []database.Story
	for _, id := range entityIDs {
		stories, err := s.store.ListStories(ctx, "", id)
		if err != nil {
			return 0, err
		}
		doomed = append(doomed, stories...)
	}
	return s.remove(ctx, doomed)
}

// ForgetSpec removes every story of a spec. It is called after a reset.
func (s *Service) ForgetSpec(ctx context.Context, specID string) (int, error) {
	stories, err := s.store.ListStories(ctx, specID, "")
	if err != nil {
		return 0, err
	}
	return s.remove(ctx, stories)
}

// FollowMerge moves the stories of merged entities to the surviving one.
func (s *Service) FollowMerge(ctx context.Context, survivorID string, mergedIDs []string) error {
	from := make([]string, 0, len(mergedIDs))
	for _, id := range mergedIDs {
		if id != survivorID {
			from = append(from, id)
		}
	}
	if len(from) == 0 {
		return nil
	}
	if err := s.store.ReassignStories(ctx, from, survivorID); err != nil {
		return err
	}
	s.logger.Debug("stories follow merge", zap.String("entity_id", survivorID), zap.Strings("merged", from))
	return nil
}

func (s *Service) remove(ctx context.Context, stories []database.Story) (int, error) {
	if len(stories) == 0 {
		return 0, nil
	}
	ids := make([]string, 0, len(stories))
	var paths []string
	for i := range stories {
		ids = append(ids, stories[i].ID)
		paths = append(paths, stories[i].ImagePaths()...)
	}
	if err := s.store.DeleteStories(ctx, ids); err != nil {
		return 0, fmt.Errorf("deleting stories: %w", err)
	}
	if err := s.blobs.Delete(paths...); err != nil {
		s.logger.Warn("failed to delete story pages", zap.Int("stories", len(ids)), zap.Error(err))
	}
	s.logger.Info("deleted stories", zap.Int("count", len(ids)), zap.Int("pages", len(paths)))
	return len(ids), nil
}

// SubjectLister lists the members of an entity.
type SubjectLister interface {
	SubjectsByEntity(ctx context.Context, entityID string) ([]database.Subject, error)
}

// References reads up to constants.MaxReferenceImages stickers of an entity,
// cover first. Unreadable stickers are skipped.
func References(
	ctx context.Context, subjects SubjectLister, blobs *blobstore.Store, e *database.Entity, logger *zap.Logger,
) ([][]byte, error) {
	members, err := subjects.SubjectsByEntity(ctx, e.ID)
	if err != nil {
		return nil, fmt.Errorf("fetching members: %w", err)
	}
	ordered := make([]database.Subject, 0, len(members))
	for _, m := range members {
		if m.ID == e.CoverSubjectID {
			ordered = append([]database.Subject{m}, ordered...)
		} else {
			ordered = append(ordered, m)
		}
	}

	var stickers [][]byte
	for _, m := range ordered {
		if len(stickers) == constants.MaxReferenceImages {
			break
		}
		data, err := blobs.Get(m.StickerPath)
		if err != nil {
			logger.Warn("missing sticker", zap.String("subject_id", m.ID), zap.Error(err))
			continue
		}
		stickers = append(stickers, data)
	}
	if len(stickers) == 0 {
		return nil, ErrNoStickers
	}
	return stickers, nil
}
