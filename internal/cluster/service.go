package cluster

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kozaktomas/objectcamp/internal/database"
)

// Store is the persistence surface the service needs.
type Store interface {
	database.GraphStore

	EligibleSubjects(ctx context.Context, specID string) ([]database.Subject, error)
	GetEntity(ctx context.Context, id string) (*database.Entity, error)
	GetSubject(ctx context.Context, id string) (*database.Subject, error)
}

// Suggestion is a candidate entity for an unclustered subject.
type Suggestion struct {
	EntityID   string  `json:"entity_id"`
	Similarity float64 `json:"similarity"`
	Matches    int     `json:"matches"`
}

// Service runs clustering and entity mutations. At most one operation runs per
// target spec at a time; different specs proceed in parallel.
type Service struct {
	store  Store
	engine *Engine
	index  *database.SubjectIndex
	logger *zap.Logger
	now    func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Option configures a Service.
type Option func(*Service)

// WithIndex enables HNSW-backed entity suggestions and keeps the index in sync with commits.
func WithIndex(idx *database.SubjectIndex) Option {
	return func(s *Service) { s.index = idx }
}

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a clustering service.
func NewService(store Store, engine *Engine, logger *zap.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		store:  store,
		engine: engine,
		logger: logger.Named("cluster-service"),
		now:    time.Now,
		locks:  make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Threshold returns the similarity threshold of the underlying engine.
func (s *Service) Threshold() float64 {
	return s.engine.Threshold()
}

func (s *Service) lockSpec(specID string) func() {
	s.mu.Lock()
	l, ok := s.locks[specID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[specID] = l
	}
	s.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// ClusterSpec groups every eligible subject of a spec into new entities and
// commits the result at once. With no eligible subjects nothing is written.
func (s *Service) ClusterSpec(ctx context.Context, specID string) (*Result, error) {
	unlock := s.lockSpec(specID)
	defer unlock()

	subjects, err := s.store.EligibleSubjects(ctx, specID)
	if err != nil {
		return nil, fmt.Errorf("fetching eligible subjects: %w", err)
	}

	g := NewGraph(&database.Snapshot{SpecID: specID, Subjects: subjects}, s.now)
	result := s.engine.Cluster(g)

	if skipped := len(subjects) - result.Candidates; skipped > 0 {
		s.logger.Debug("skipped subjects without feature vector",
			zap.String("spec_id", specID),
			zap.Int("skipped", skipped))
	}

	if result.Outcome == OutcomeNoEligible {
		s.logger.Info("no eligible subjects", zap.String("spec_id", specID))
		return result, nil
	}

	if err := s.commit(ctx, "cluster", g); err != nil {
		return nil, err
	}

	s.logger.Info("clustered subjects",
		zap.String("spec_id", specID),
		zap.Int("candidates", result.Candidates),
		zap.Int("entities", len(result.Entities)),
		zap.String("outcome", string(result.Outcome)),
		zap.Float64("threshold", s.engine.Threshold()))
	return result, nil
}

// Merge folds entities into the first one listed.
func (s *Service) Merge(ctx context.Context, entityIDs []string) (*database.Entity, error) {
	ids := dedupe(entityIDs)
	if len(ids) < 2 {
		return nil, ErrInsufficientEntities
	}
	specID, err := s.entitiesSpec(ctx, ids)
	if err != nil {
		return nil, err
	}

	var survivor database.Entity
	err = s.mutate(ctx, specID, "merge", func(g *Graph) error {
		e, err := Merge(g, ids)
		if err != nil {
			return err
		}
		survivor = *e
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("merged entities",
		zap.String("spec_id", specID),
		zap.String("survivor", survivor.ID),
		zap.Int("merged", len(ids)-1))
	return &survivor, nil
}

// Split moves members of an entity into a new manual entity.
func (s *Service) Split(ctx context.Context, entityID string, subjectIDs []string) (*database.Entity, error) {
	subjectIDs = dedupe(subjectIDs)
	if len(subjectIDs) == 0 {
		return nil, ErrEmptySelection
	}
	specID, err := s.entitiesSpec(ctx, []string{entityID})
	if err != nil {
		return nil, err
	}

	var created database.Entity
	err = s.mutate(ctx, specID, "split", func(g *Graph) error {
		e, err := Split(g, entityID, subjectIDs)
		if err != nil {
			return err
		}
		created = *e
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("split entity",
		zap.String("spec_id", specID),
		zap.String("source", entityID),
		zap.String("created", created.ID),
		zap.Int("subjects", len(subjectIDs)))
	return &created, nil
}

// MoveSubjects moves members of fromID to toID, or to a new entity when toID is empty.
func (s *Service) MoveSubjects(ctx context.Context, subjectIDs []string, fromID, toID string) (*database.Entity, error) {
	subjectIDs = dedupe(subjectIDs)
	if len(subjectIDs) == 0 {
		return nil, ErrEmptySelection
	}
	if toID != "" && fromID == toID {
		return nil, ErrSameEntity
	}
	ids := []string{fromID}
	if toID != "" {
		ids = append(ids, toID)
	}
	specID, err := s.entitiesSpec(ctx, ids)
	if err != nil {
		return nil, err
	}

	var target database.Entity
	err = s.mutate(ctx, specID, "move", func(g *Graph) error {
		e, err := MoveSubjects(g, subjectIDs, fromID, toID)
		if err != nil {
			return err
		}
		target = *e
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("moved subjects",
		zap.String("spec_id", specID),
		zap.String("from", fromID),
		zap.String("to", target.ID),
		zap.Int("subjects", len(subjectIDs)))
	return &target, nil
}

// DeleteEntities removes entities and excludes their members.
func (s *Service) DeleteEntities(ctx context.Context, entityIDs []string) error {
	ids := dedupe(entityIDs)
	if len(ids) == 0 {
		return ErrEmptySelection
	}
	specID, err := s.entitiesSpec(ctx, ids)
	if err != nil {
		return err
	}

	err = s.mutate(ctx, specID, "delete entities", func(g *Graph) error {
		return DeleteEntities(g, ids)
	})
	if err != nil {
		return err
	}

	s.logger.Info("deleted entities", zap.String("spec_id", specID), zap.Int("count", len(ids)))
	return nil
}

// RenameEntity sets or clears an entity's custom name.
func (s *Service) RenameEntity(ctx context.Context, entityID, name string) (*database.Entity, error) {
	return s.entityOp(ctx, entityID, "rename", func(g *Graph) (*database.Entity, error) {
		return Rename(g, entityID, name)
	})
}

// SetCover chooses the subject that represents an entity.
func (s *Service) SetCover(ctx context.Context, entityID, subjectID string) (*database.Entity, error) {
	return s.entityOp(ctx, entityID, "set cover", func(g *Graph) (*database.Entity, error) {
		return SetCover(g, entityID, subjectID)
	})
}

// DeleteSubject removes a subject and settles its entity. The removed subject
// is returned so the caller can delete its files.
func (s *Service) DeleteSubject(ctx context.Context, subjectID string) (*database.Subject, error) {
	return s.subjectOp(ctx, subjectID, "delete subject", func(g *Graph) (*database.Subject, error) {
		return DeleteSubject(g, subjectID)
	})
}

// ExcludeSubject marks a subject as non-target and detaches it.
func (s *Service) ExcludeSubject(ctx context.Context, subjectID string) (*database.Subject, error) {
	return s.subjectOp(ctx, subjectID, "exclude subject", func(g *Graph) (*database.Subject, error) {
		return ExcludeSubject(g, subjectID)
	})
}

// RestoreSubject makes an excluded subject eligible for clustering again.
func (s *Service) RestoreSubject(ctx context.Context, subjectID string) (*database.Subject, error) {
	return s.subjectOp(ctx, subjectID, "restore subject", func(g *Graph) (*database.Subject, error) {
		return RestoreSubject(g, subjectID)
	})
}

// AdjustSubject applies a manual re-extraction to a subject.
func (s *Service) AdjustSubject(ctx context.Context, subjectID string, adj Adjustment) (*database.Subject, error) {
	return s.subjectOp(ctx, subjectID, "adjust subject", func(g *Graph) (*database.Subject, error) {
		return AdjustSubject(g, subjectID, adj)
	})
}

// ReplaceSource stores a fresh extraction of one source image and deletes the
// subjects an earlier extraction of it produced, in a single commit. The
// removed subjects are returned so the caller can delete their files.
func (s *Service) ReplaceSource(
	ctx context.Context, specID, sourceID string, fresh []database.Subject,
) ([]database.Subject, error) {
	var removed []database.Subject
	err := s.mutate(ctx, specID, "replace source", func(g *Graph) error {
		var err error
		removed, err = ReplaceSource(g, sourceID, fresh)
		return err
	})
	if err != nil {
		return nil, err
	}

	if len(removed) > 0 {
		s.logger.Info("replaced source subjects",
			zap.String("spec_id", specID),
			zap.String("source_id", sourceID),
			zap.Int("removed", len(removed)),
			zap.Int("added", len(fresh)))
	}
	return removed, nil
}

// ResetSpec deletes every entity, subject and task of a spec. The removed
// subjects are returned so the caller can delete their files.
func (s *Service) ResetSpec(ctx context.Context, specID string) ([]database.Subject, error) {
	unlock := s.lockSpec(specID)
	defer unlock()

	snap, err := s.store.Snapshot(ctx, specID)
	if err != nil {
		return nil, fmt.Errorf("reset: loading spec %s: %w", specID, err)
	}
	if err := s.store.ResetSpec(ctx, specID); err != nil {
		return nil, &PersistenceError{Op: "reset", Err: err}
	}

	if s.index != nil {
		for _, sub := range snap.Subjects {
			s.index.Delete(sub.ID)
		}
	}
	s.logger.Info("reset spec",
		zap.String("spec_id", specID),
		zap.Int("subjects", len(snap.Subjects)),
		zap.Int("entities", len(snap.Entities)))
	return snap.Subjects, nil
}

// Similarity returns the cosine similarity of two subjects' vectors, 0 when
// either has no vector.
func (s *Service) Similarity(ctx context.Context, subjectA, subjectB string) (float64, error) {
	a, err := s.getSubject(ctx, subjectA)
	if err != nil {
		return 0, err
	}
	b, err := s.getSubject(ctx, subjectB)
	if err != nil {
		return 0, err
	}
	return database.CosineSimilarity(a.FeatureVector, b.FeatureVector), nil
}

// SuggestEntity ranks existing entities of the subject's spec by their closest
// member's similarity to the subject. Only matches at or above the threshold count.
func (s *Service) SuggestEntity(ctx context.Context, subjectID string, limit int) ([]Suggestion, error) {
	subject, err := s.getSubject(ctx, subjectID)
	if err != nil {
		return nil, err
	}
	if !subject.HasVector() {
		return nil, fmt.Errorf("%w: %s", ErrNoVector, subjectID)
	}
	if limit <= 0 {
		limit = 5
	}

	var neighbors []database.Neighbor
	if s.index != nil && s.index.Count() > 0 {
		neighbors, err = s.index.Search(subject.FeatureVector, subject.TargetSpecID, limit*database.HNSWSearchMultiplier, subject.ID)
		if err != nil {
			s.logger.Warn("index search failed, falling back to exact scan", zap.Error(err))
			neighbors = nil
		}
	}
	if neighbors == nil {
		neighbors, err = s.exactNeighbors(ctx, subject, limit*database.HNSWSearchMultiplier)
		if err != nil {
			return nil, err
		}
	}

	byEntity := make(map[string]*Suggestion)
	for _, n := range neighbors {
		if n.EntityID == "" || n.EntityID == subject.EntityID || n.Similarity < s.engine.Threshold() {
			continue
		}
		sg, ok := byEntity[n.EntityID]
		if !ok {
			sg = &Suggestion{EntityID: n.EntityID}
			byEntity[n.EntityID] = sg
		}
		sg.Matches++
		if n.Similarity > sg.Similarity {
			sg.Similarity = n.Similarity
		}
	}

	out := make([]Suggestion, 0, len(byEntity))
	for _, sg := range byEntity {
		out = append(out, *sg)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Similarity != out[j].Similarity {
			return out[i].Similarity > out[j].Similarity
		}
		return out[i].EntityID < out[j].EntityID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Service) exactNeighbors(ctx context.Context, subject *database.Subject, limit int) ([]database.Neighbor, error) {
	if searcher, ok := s.store.(database.NeighborSearcher); ok {
		neighbors, err := searcher.NearestSubjects(ctx, subject.TargetSpecID, subject.FeatureVector, limit, subject.ID)
		if err != nil {
			return nil, fmt.Errorf("searching neighbors of %s: %w", subject.ID, err)
		}
		return neighbors, nil
	}

	snap, err := s.store.Snapshot(ctx, subject.TargetSpecID)
	if err != nil {
		return nil, fmt.Errorf("loading spec %s: %w", subject.TargetSpecID, err)
	}
	var out []database.Neighbor
	for i := range snap.Subjects {
		other := &snap.Subjects[i]
		if other.ID == subject.ID || other.IsMarkedAsNonTarget || !other.HasVector() {
			continue
		}
		out = append(out, database.Neighbor{
			IndexedSubject: database.IndexedSubject{SubjectID: other.ID, SpecID: other.TargetSpecID, EntityID: other.EntityID},
			Similarity:     database.CosineSimilarity(subject.FeatureVector, other.FeatureVector),
		})
	}
	return out, nil
}

func (s *Service) getSubject(ctx context.Context, id string) (*database.Subject, error) {
	subject, err := s.store.GetSubject(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("fetching subject %s: %w", id, err)
	}
	if subject == nil {
		return nil, fmt.Errorf("%w: %s", ErrSubjectNotFound, id)
	}
	return subject, nil
}

// entitiesSpec resolves the single spec shared by the given entities.
func (s *Service) entitiesSpec(ctx context.Context, ids []string) (string, error) {
	specID := ""
	for _, id := range ids {
		e, err := s.store.GetEntity(ctx, id)
		if err != nil {
			return "", fmt.Errorf("fetching entity %s: %w", id, err)
		}
		if e == nil {
			return "", fmt.Errorf("%w: %s", ErrEntityNotFound, id)
		}
		if specID == "" {
			specID = e.TargetSpecID
		} else if e.TargetSpecID != specID {
			return "", fmt.Errorf("%w: %s and %s", ErrSpecMismatch, specID, e.TargetSpecID)
		}
	}
	return specID, nil
}

func (s *Service) entityOp(ctx context.Context, entityID, op string, fn func(g *Graph) (*database.Entity, error)) (*database.Entity, error) {
	specID, err := s.entitiesSpec(ctx, []string{entityID})
	if err != nil {
		return nil, err
	}
	var out database.Entity
	err = s.mutate(ctx, specID, op, func(g *Graph) error {
		e, err := fn(g)
		if err != nil {
			return err
		}
		out = *e
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info(op, zap.String("spec_id", specID), zap.String("entity_id", entityID))
	return &out, nil
}

func (s *Service) subjectOp(ctx context.Context, subjectID, op string, fn func(g *Graph) (*database.Subject, error)) (*database.Subject, error) {
	subject, err := s.getSubject(ctx, subjectID)
	if err != nil {
		return nil, err
	}
	var out database.Subject
	err = s.mutate(ctx, subject.TargetSpecID, op, func(g *Graph) error {
		sub, err := fn(g)
		if err != nil {
			return err
		}
		out = *sub
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info(op, zap.String("spec_id", subject.TargetSpecID), zap.String("subject_id", subjectID))
	return &out, nil
}

// mutate loads the spec's graph under the spec lock, applies fn and commits.
func (s *Service) mutate(ctx context.Context, specID, op string, fn func(g *Graph) error) error {
	unlock := s.lockSpec(specID)
	defer unlock()

	snap, err := s.store.Snapshot(ctx, specID)
	if err != nil {
		return fmt.Errorf("%s: loading spec %s: %w", op, specID, err)
	}
	g := NewGraph(snap, s.now)
	if err := fn(g); err != nil {
		return err
	}
	return s.commit(ctx, op, g)
}

func (s *Service) commit(ctx context.Context, op string, g *Graph) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := g.Check(); err != nil {
		return fmt.Errorf("%s: inconsistent result: %w", op, err)
	}

	changes := g.Changes()
	if changes.IsEmpty() {
		return nil
	}
	if err := s.store.Commit(ctx, changes); err != nil {
		s.logger.Error("commit failed", zap.String("op", op), zap.String("spec_id", g.SpecID()), zap.Error(err))
		return &PersistenceError{Op: op, Err: err}
	}
	s.syncIndex(g, changes)
	return nil
}

// syncIndex mirrors committed changes into the suggestion index. Assigned
// subjects are added as well, so subjects extracted after the index was
// built become searchable once they are clustered.
func (s *Service) syncIndex(g *Graph, cs database.ChangeSet) {
	if s.index == nil {
		return
	}
	for i := range cs.CreatedSubjects {
		s.index.Add(&cs.CreatedSubjects[i])
	}
	for _, a := range cs.Assignments {
		if sub := g.Subject(a.SubjectID); sub != nil {
			s.index.Add(sub)
		}
	}
	for i := range cs.UpdatedSubjects {
		// Add drops excluded subjects and re-indexes adjusted vectors.
		s.index.Add(&cs.UpdatedSubjects[i])
	}
	for _, id := range cs.DeletedSubjectIDs {
		s.index.Delete(id)
	}
}

// IsNotFound reports whether err means a referenced entity or subject does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrEntityNotFound) || errors.Is(err, ErrSubjectNotFound)
}
