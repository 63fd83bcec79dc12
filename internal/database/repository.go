package database

import (
	"context"
)

// SpecReader provides read-only access to target specs
type SpecReader interface {
	// GetSpec retrieves a spec by ID, returns nil if not found
	GetSpec(ctx context.Context, specID string) (*TargetSpec, error)
	// ListSpecs returns all specs ordered by creation time
	ListSpecs(ctx context.Context) ([]TargetSpec, error)
}

// SpecWriter provides write access to target specs
type SpecWriter interface {
	SpecReader

	// SaveSpec inserts or updates a spec
	SaveSpec(ctx context.Context, spec *TargetSpec) error
}

// SubjectReader provides read-only access to extracted subjects
type SubjectReader interface {
	// GetSubject retrieves a subject by ID, returns nil if not found
	GetSubject(ctx context.Context, id string) (*Subject, error)
	// ListSubjects returns every subject of a spec in extraction order
	ListSubjects(ctx context.Context, specID string) ([]Subject, error)
	// EligibleSubjects returns unclustered, non-excluded subjects of a spec in extraction order.
	// Subjects without a feature vector are included; callers decide what to do with them.
	EligibleSubjects(ctx context.Context, specID string) ([]Subject, error)
	// SubjectsByEntity returns the members of an entity in extraction order
	SubjectsByEntity(ctx context.Context, entityID string) ([]Subject, error)
	// SubjectsBySource returns the subjects extracted from one source image
	SubjectsBySource(ctx context.Context, specID, sourceImageID string) ([]Subject, error)
	// CountSubjects returns the number of subjects stored for a spec
	CountSubjects(ctx context.Context, specID string) (int, error)
}

// SubjectWriter provides write access to subjects produced by extraction
type SubjectWriter interface {
	SubjectReader

	// SaveSubjects inserts new subjects
	SaveSubjects(ctx context.Context, subjects []Subject) error
}

// EntityReader provides read-only access to entities
type EntityReader interface {
	// GetEntity retrieves an entity by ID, returns nil if not found
	GetEntity(ctx context.Context, id string) (*Entity, error)
	// ListEntities returns all entities of a spec ordered by creation time
	ListEntities(ctx context.Context, specID string) ([]Entity, error)
	// CountEntities returns the number of entities stored for a spec
	CountEntities(ctx context.Context, specID string) (int, error)
}

// GraphStore loads and atomically rewrites the subject/entity graph of a spec
type GraphStore interface {
	// Snapshot loads every entity and subject of a spec
	Snapshot(ctx context.Context, specID string) (*Snapshot, error)
	// Commit applies a change set in one transaction; on error nothing is applied
	Commit(ctx context.Context, changes ChangeSet) error
	// ResetSpec deletes every subject, entity and task of a spec
	ResetSpec(ctx context.Context, specID string) error
}

// TaskWriter provides access to extraction task records
type TaskWriter interface {
	// CreateTask stores a new task
	CreateTask(ctx context.Context, task *ProcessingTask) error
	// UpdateTask overwrites the progress and status of a task
	UpdateTask(ctx context.Context, task *ProcessingTask) error
	// GetTask retrieves a task by ID, returns nil if not found
	GetTask(ctx context.Context, id string) (*ProcessingTask, error)
	// ListTasks returns the tasks of a spec, newest first
	ListTasks(ctx context.Context, specID string) ([]ProcessingTask, error)
}

// StoryStore provides access to illustrated stories
type StoryStore interface {
	// CreateStory stores a new story
	CreateStory(ctx context.Context, story *Story) error
	// UpdateStory overwrites the pages, progress and status of a story
	UpdateStory(ctx context.Context, story *Story) error
	// GetStory retrieves a story by ID, returns nil if not found
	GetStory(ctx context.Context, id string) (*Story, error)
	// ListStories returns stories newest first. Non-empty specID and entityID
	// limit the list to that spec and entity.
	ListStories(ctx context.Context, specID, entityID string) ([]Story, error)
	// ReassignStories moves the stories of the from entities to entity to
	ReassignStories(ctx context.Context, fromEntityIDs []string, to string) error
	// DeleteStories removes stories by ID; unknown IDs are ignored
	DeleteStories(ctx context.Context, ids []string) error
}

// Store is the full persistence surface used by the application
type Store interface {
	SpecWriter
	SubjectWriter
	EntityReader
	GraphStore
	TaskWriter
	StoryStore

	// Close releases the underlying connection
	Close() error
}

// NeighborSearcher is implemented by stores that can rank subjects by vector
// distance themselves.
type NeighborSearcher interface {
	// NearestSubjects returns the non-excluded subjects of a spec closest to query,
	// most similar first. The subject excludeID is skipped.
	NearestSubjects(ctx context.Context, specID string, query FeatureVector, limit int, excludeID string) ([]Neighbor, error)
}
