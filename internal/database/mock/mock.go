// Package mock provides an in-memory implementation of database.Store for testing.
package mock

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kozaktomas/objectcamp/internal/database"
)

// MockStore is an in-memory database.Store. Commit validates the whole change
// set before applying any of it.
type MockStore struct {
	mu       sync.RWMutex
	specs    map[string]*database.TargetSpec
	subjects map[string]*database.Subject
	entities map[string]*database.Entity
	tasks    map[string]*database.ProcessingTask
	stories  map[string]*database.Story
	seq      map[string]int // subject insertion order

	// Call counters
	CommitCalls      int
	SaveSubjectCalls int

	// Error injection
	GetSpecError          error
	SaveSpecError         error
	GetSubjectError       error
	EligibleSubjectsError error
	SaveSubjectsError     error
	GetEntityError        error
	SnapshotError         error
	CommitError           error
	TaskError             error
	StoryError            error
}

var _ database.Store = (*MockStore)(nil)

// NewMockStore creates an empty store.
func NewMockStore() *MockStore {
	return &MockStore{
		specs:    make(map[string]*database.TargetSpec),
		subjects: make(map[string]*database.Subject),
		entities: make(map[string]*database.Entity),
		tasks:    make(map[string]*database.ProcessingTask),
		stories:  make(map[string]*database.Story),
		seq:      make(map[string]int),
	}
}

// AddSpec adds a spec to the mock store
func (m *MockStore) AddSpec(spec database.TargetSpec) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.specs[spec.SpecID] = &spec
}

// AddSubject adds a subject to the mock store
func (m *MockStore) AddSubject(s database.Subject) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putSubject(s)
}

// AddEntity adds an entity to the mock store
func (m *MockStore) AddEntity(e database.Entity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entities[e.ID] = &e
}

func (m *MockStore) putSubject(s database.Subject) {
	if _, ok := m.seq[s.ID]; !ok {
		m.seq[s.ID] = len(m.seq)
	}
	s.FeatureVector = s.FeatureVector.Clone()
	m.subjects[s.ID] = &s
}

// Close is a no-op
func (m *MockStore) Close() error {
	return nil
}

// GetSpec retrieves a spec by ID
func (m *MockStore) GetSpec(ctx context.Context, specID string) (*database.TargetSpec, error) {
	if m.GetSpecError != nil {
		return nil, m.GetSpecError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.specs[specID]; ok {
		out := *s
		return &out, nil
	}
	return nil, nil
}

// ListSpecs returns all specs ordered by creation time
func (m *MockStore) ListSpecs(ctx context.Context) ([]database.TargetSpec, error) {
	if m.GetSpecError != nil {
		return nil, m.GetSpecError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]database.TargetSpec, 0, len(m.specs))
	for _, s := range m.specs {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].SpecID < out[j].SpecID
	})
	return out, nil
}

// SaveSpec inserts or updates a spec
func (m *MockStore) SaveSpec(ctx context.Context, spec *database.TargetSpec) error {
	if m.SaveSpecError != nil {
		return m.SaveSpecError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s := *spec
	if existing, ok := m.specs[spec.SpecID]; ok {
		s.CreatedAt = existing.CreatedAt
	} else if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now()
	}
	m.specs[spec.SpecID] = &s
	return nil
}

// GetSubject retrieves a subject by ID
func (m *MockStore) GetSubject(ctx context.Context, id string) (*database.Subject, error) {
	if m.GetSubjectError != nil {
		return nil, m.GetSubjectError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.subjects[id]; ok {
		out := *s
		return &out, nil
	}
	return nil, nil
}

func (m *MockStore) filterSubjects(keep func(*database.Subject) bool) []database.Subject {
	var out []database.Subject
	for _, s := range m.subjects {
		if keep(s) {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ExtractedAt.Equal(out[j].ExtractedAt) {
			return out[i].ExtractedAt.Before(out[j].ExtractedAt)
		}
		return m.seq[out[i].ID] < m.seq[out[j].ID]
	})
	return out
}

// ListSubjects returns every subject of a spec
func (m *MockStore) ListSubjects(ctx context.Context, specID string) ([]database.Subject, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.filterSubjects(func(s *database.Subject) bool { return s.TargetSpecID == specID }), nil
}

// EligibleSubjects returns unclustered, non-excluded subjects of a spec
func (m *MockStore) EligibleSubjects(ctx context.Context, specID string) ([]database.Subject, error) {
	if m.EligibleSubjectsError != nil {
		return nil, m.EligibleSubjectsError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.filterSubjects(func(s *database.Subject) bool {
		return s.TargetSpecID == specID && s.IsEligible()
	}), nil
}

// SubjectsByEntity returns the members of an entity
func (m *MockStore) SubjectsByEntity(ctx context.Context, entityID string) ([]database.Subject, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.filterSubjects(func(s *database.Subject) bool { return s.EntityID == entityID }), nil
}

// SubjectsBySource returns the subjects extracted from one source image
func (m *MockStore) SubjectsBySource(ctx context.Context, specID, sourceImageID string) ([]database.Subject, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.filterSubjects(func(s *database.Subject) bool {
		return s.TargetSpecID == specID && s.SourceImageID == sourceImageID
	}), nil
}

// CountSubjects returns the number of subjects of a spec
func (m *MockStore) CountSubjects(ctx context.Context, specID string) (int, error) {
	subjects, _ := m.ListSubjects(ctx, specID)
	return len(subjects), nil
}

// SaveSubjects inserts new subjects
func (m *MockStore) SaveSubjects(ctx context.Context, subjects []database.Subject) error {
	if m.SaveSubjectsError != nil {
		return m.SaveSubjectsError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SaveSubjectCalls++
	for _, s := range subjects {
		if _, exists := m.subjects[s.ID]; exists {
			return fmt.Errorf("subject %s already exists", s.ID)
		}
	}
	for _, s := range subjects {
		m.putSubject(s)
	}
	return nil
}

// GetEntity retrieves an entity by ID
func (m *MockStore) GetEntity(ctx context.Context, id string) (*database.Entity, error) {
	if m.GetEntityError != nil {
		return nil, m.GetEntityError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if e, ok := m.entities[id]; ok {
		out := *e
		return &out, nil
	}
	return nil, nil
}

// ListEntities returns all entities of a spec ordered by creation time
func (m *MockStore) ListEntities(ctx context.Context, specID string) ([]database.Entity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []database.Entity
	for _, e := range m.entities {
		if e.TargetSpecID == specID {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// CountEntities returns the number of entities of a spec
func (m *MockStore) CountEntities(ctx context.Context, specID string) (int, error) {
	entities, _ := m.ListEntities(ctx, specID)
	return len(entities), nil
}

// Snapshot loads every entity and subject of a spec
func (m *MockStore) Snapshot(ctx context.Context, specID string) (*database.Snapshot, error) {
	if m.SnapshotError != nil {
		return nil, m.SnapshotError
	}
	entities, _ := m.ListEntities(ctx, specID)
	subjects, _ := m.ListSubjects(ctx, specID)
	return &database.Snapshot{SpecID: specID, Entities: entities, Subjects: subjects}, nil
}

// Commit validates the change set against current state, then applies all of it.
func (m *MockStore) Commit(ctx context.Context, cs database.ChangeSet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CommitCalls++

	if m.CommitError != nil {
		return m.CommitError
	}
	if err := m.validate(cs); err != nil {
		return err
	}

	for _, e := range cs.CreatedEntities {
		m.entities[e.ID] = &e
	}
	for _, s := range cs.CreatedSubjects {
		m.putSubject(s)
	}
	for _, a := range cs.Assignments {
		m.subjects[a.SubjectID].EntityID = a.EntityID
	}
	for _, s := range cs.UpdatedSubjects {
		m.putSubject(s)
	}
	for _, id := range cs.DeletedSubjectIDs {
		delete(m.subjects, id)
		delete(m.seq, id)
	}
	for _, e := range cs.UpdatedEntities {
		m.entities[e.ID] = &e
	}
	for _, id := range cs.DeletedEntityIDs {
		delete(m.entities, id)
		for _, s := range m.subjects {
			if s.EntityID == id {
				s.EntityID = ""
			}
		}
	}
	return nil
}

func (m *MockStore) validate(cs database.ChangeSet) error {
	created := make(map[string]bool, len(cs.CreatedEntities))
	for _, e := range cs.CreatedEntities {
		if _, exists := m.entities[e.ID]; exists {
			return fmt.Errorf("entity %s already exists", e.ID)
		}
		created[e.ID] = true
	}
	for _, s := range cs.CreatedSubjects {
		if _, exists := m.subjects[s.ID]; exists {
			return fmt.Errorf("subject %s already exists", s.ID)
		}
	}
	for _, a := range cs.Assignments {
		if _, ok := m.subjects[a.SubjectID]; !ok {
			return fmt.Errorf("subject %s not found", a.SubjectID)
		}
		if a.EntityID != "" && !created[a.EntityID] && m.entities[a.EntityID] == nil {
			return fmt.Errorf("entity %s not found", a.EntityID)
		}
	}
	for _, s := range cs.UpdatedSubjects {
		if _, ok := m.subjects[s.ID]; !ok {
			return fmt.Errorf("subject %s not found", s.ID)
		}
	}
	for _, id := range cs.DeletedSubjectIDs {
		if _, ok := m.subjects[id]; !ok {
			return fmt.Errorf("subject %s not found", id)
		}
	}
	for _, e := range cs.UpdatedEntities {
		if _, ok := m.entities[e.ID]; !ok {
			return fmt.Errorf("entity %s not found", e.ID)
		}
	}
	for _, id := range cs.DeletedEntityIDs {
		if _, ok := m.entities[id]; !ok {
			return fmt.Errorf("entity %s not found", id)
		}
	}
	return nil
}

// ResetSpec deletes every subject, entity and task of a spec
func (m *MockStore) ResetSpec(ctx context.Context, specID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, s := range m.subjects {
		if s.TargetSpecID == specID {
			delete(m.subjects, id)
			delete(m.seq, id)
		}
	}
	for id, e := range m.entities {
		if e.TargetSpecID == specID {
			delete(m.entities, id)
		}
	}
	for id, t := range m.tasks {
		if t.TargetSpecID == specID {
			delete(m.tasks, id)
		}
	}
	return nil
}

// CreateTask stores a new task
func (m *MockStore) CreateTask(ctx context.Context, task *database.ProcessingTask) error {
	if m.TaskError != nil {
		return m.TaskError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t := *task
	t.AssetIDs = append([]string(nil), task.AssetIDs...)
	m.tasks[task.ID] = &t
	return nil
}

// UpdateTask overwrites a task
func (m *MockStore) UpdateTask(ctx context.Context, task *database.ProcessingTask) error {
	if m.TaskError != nil {
		return m.TaskError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[task.ID]; !ok {
		return fmt.Errorf("task %s not found", task.ID)
	}
	t := *task
	t.FailedAssetIDs = append([]string(nil), task.FailedAssetIDs...)
	m.tasks[task.ID] = &t
	return nil
}

// GetTask retrieves a task by ID
func (m *MockStore) GetTask(ctx context.Context, id string) (*database.ProcessingTask, error) {
	if m.TaskError != nil {
		return nil, m.TaskError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if t, ok := m.tasks[id]; ok {
		out := *t
		return &out, nil
	}
	return nil, nil
}

// ListTasks returns the tasks of a spec, newest first
func (m *MockStore) ListTasks(ctx context.Context, specID string) ([]database.ProcessingTask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []database.ProcessingTask
	for _, t := range m.tasks {
		if t.TargetSpecID == specID {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func cloneStory(s *database.Story) *database.Story {
	out := *s
	out.Pages = append([]database.StoryPage(nil), s.Pages...)
	return &out
}

// CreateStory stores a new story
func (m *MockStore) CreateStory(ctx context.Context, story *database.Story) error {
	if m.StoryError != nil {
		return m.StoryError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stories[story.ID] = cloneStory(story)
	return nil
}

// UpdateStory overwrites a story
func (m *MockStore) UpdateStory(ctx context.Context, story *database.Story) error {
	if m.StoryError != nil {
		return m.StoryError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	old, ok := m.stories[story.ID]
	if !ok {
		return fmt.Errorf("story %s not found", story.ID)
	}
	s := cloneStory(story)
	s.EntityID = old.EntityID
	m.stories[story.ID] = s
	return nil
}

// GetStory retrieves a story by ID
func (m *MockStore) GetStory(ctx context.Context, id string) (*database.Story, error) {
	if m.StoryError != nil {
		return nil, m.StoryError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.stories[id]; ok {
		return cloneStory(s), nil
	}
	return nil, nil
}

// ListStories returns stories newest first, filtered by spec and entity when given
func (m *MockStore) ListStories(ctx context.Context, specID, entityID string) ([]database.Story, error) {
	if m.StoryError != nil {
		return nil, m.StoryError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []database.Story
	for _, s := range m.stories {
		if (specID == "" || s.TargetSpecID == specID) && (entityID == "" || s.EntityID == entityID) {
			out = append(out, *cloneStory(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// ReassignStories moves stories between entities
func (m *MockStore) ReassignStories(ctx context.Context, fromEntityIDs []string, to string) error {
	if m.StoryError != nil {
		return m.StoryError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	from := make(map[string]bool, len(fromEntityIDs))
	for _, id := range fromEntityIDs {
		from[id] = true
	}
	for _, s := range m.stories {
		if from[s.EntityID] {
			s.EntityID = to
		}
	}
	return nil
}

// DeleteStories removes stories by ID
func (m *MockStore) DeleteStories(ctx context.Context, ids []string) error {
	if m.StoryError != nil {
		return m.StoryError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.stories, id)
	}
	return nil
}
