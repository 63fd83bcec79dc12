package database

import (
	"regexp"
	"slices"
	"time"
)

// ExtractionMethod records how a subject was produced.
type ExtractionMethod string

const (
	ExtractionAutomatic ExtractionMethod = "automatic"
	ExtractionManual    ExtractionMethod = "manual"
)

// BoundingBox is the subject's location within its source image, normalized to [0, 1].
type BoundingBox struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Corners returns the box as [x1, y1, x2, y2].
func (b BoundingBox) Corners() []float64 {
	return []float64{b.X, b.Y, b.X + b.Width, b.Y + b.Height}
}

// BoundingBoxFromCorners converts [x1, y1, x2, y2] into a BoundingBox.
// Returns nil if the slice is malformed.
func BoundingBoxFromCorners(c []float64) *BoundingBox {
	if len(c) != 4 {
		return nil
	}
	return &BoundingBox{X: c[0], Y: c[1], Width: c[2] - c[0], Height: c[3] - c[1]}
}

var specIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}(:[a-z0-9][a-z0-9_-]{0,63})?$`)

// ValidSpecID reports whether id is a usable spec ID: lowercase words with
// an optional ":qualifier", e.g. "doll" or "person:female".
func ValidSpecID(id string) bool {
	return specIDPattern.MatchString(id)
}

// TargetSpec describes a category of subject the user wants collected (e.g. "dogs").
type TargetSpec struct {
	SpecID            string    `json:"spec_id"`
	DisplayName       string    `json:"display_name"`
	TargetDescription string    `json:"target_description"`
	IsEnabled         bool      `json:"is_enabled"`
	CreatedAt         time.Time `json:"created_at"`
}

// Subject is one extracted instance of a target found in a source image.
type Subject struct {
	ID                  string           `json:"id"`
	TargetSpecID        string           `json:"target_spec_id"`
	SourceImageID       string           `json:"source_image_id"`
	StickerPath         string           `json:"sticker_path"`
	ThumbnailPath       string           `json:"thumbnail_path,omitempty"`
	BoundingBox         *BoundingBox     `json:"bounding_box,omitempty"`
	Confidence          float64          `json:"confidence"`
	FeatureVector       FeatureVector    `json:"-"`
	EntityID            string           `json:"entity_id,omitempty"` // empty when unclustered
	IsMarkedAsNonTarget bool             `json:"is_marked_as_non_target"`
	ExtractionMethod    ExtractionMethod `json:"extraction_method"`
	NeedsReview         bool             `json:"needs_review"`
	LastAdjustedAt      *time.Time       `json:"last_adjusted_at,omitempty"`
	ExtractedAt         time.Time        `json:"extracted_at"`
}

// HasVector reports whether the subject carries a usable embedding.
func (s *Subject) HasVector() bool {
	return len(s.FeatureVector) > 0
}

// IsEligible reports whether the subject may be picked up by automatic clustering.
func (s *Subject) IsEligible() bool {
	return s.EntityID == "" && !s.IsMarkedAsNonTarget
}

// Entity is a cluster of subjects believed to depict the same individual.
type Entity struct {
	ID                string    `json:"id"`
	TargetSpecID      string    `json:"target_spec_id"`
	CustomName        *string   `json:"custom_name,omitempty"`
	CoverSubjectID    string    `json:"cover_subject_id,omitempty"`
	AverageConfidence float64   `json:"average_confidence"`
	IsManuallyCreated bool      `json:"is_manually_created"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// DisplayName returns the user-given name or the fallback label.
func (e *Entity) DisplayName(fallback string) string {
	if e.CustomName != nil && *e.CustomName != "" {
		return *e.CustomName
	}
	return fallback
}

// TaskStatus is the lifecycle state of a ProcessingTask.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskProcessing TaskStatus = "processing"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskCancelled  TaskStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are expected.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// ProcessingTask tracks one extraction run over a batch of source images.
type ProcessingTask struct {
	ID             string     `json:"id"`
	TargetSpecID   string     `json:"target_spec_id"`
	Status         TaskStatus `json:"status"`
	AssetIDs       []string   `json:"asset_ids"`
	TotalCount     int        `json:"total_count"`
	ProcessedCount int        `json:"processed_count"`
	SuccessCount   int        `json:"success_count"`
	FailureCount   int        `json:"failure_count"`
	FailedAssetIDs []string   `json:"failed_asset_ids,omitempty"`
	ErrorMessage   string     `json:"error_message,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// Progress returns the processed fraction in [0, 1].
func (t *ProcessingTask) Progress() float64 {
	if t.TotalCount == 0 {
		return 0
	}
	return float64(t.ProcessedCount) / float64(t.TotalCount)
}

// RecordSuccess counts one successfully processed asset.
func (t *ProcessingTask) RecordSuccess() {
	t.ProcessedCount++
	t.SuccessCount++
}

// RecordFailure counts one failed asset, remembering its ID once.
func (t *ProcessingTask) RecordFailure(assetID string) {
	t.ProcessedCount++
	t.FailureCount++
	if !slices.Contains(t.FailedAssetIDs, assetID) {
		t.FailedAssetIDs = append(t.FailedAssetIDs, assetID)
	}
}

// Snapshot is the full subject/entity graph of one target spec, as loaded from storage.
// Subjects are ordered by extraction order.
type Snapshot struct {
	SpecID   string
	Entities []Entity
	Subjects []Subject
}

// Assignment sets a subject's entity back-reference. An empty EntityID detaches the subject.
type Assignment struct {
	SubjectID string
	EntityID  string
}

// ChangeSet is a batch of graph changes committed in a single transaction.
// Stores apply it in this order: created entities, created subjects, assignments,
// subject updates, deleted subjects, updated entities, deleted entities.
type ChangeSet struct {
	CreatedEntities   []Entity
	CreatedSubjects   []Subject
	Assignments       []Assignment
	UpdatedSubjects   []Subject
	DeletedSubjectIDs []string
	UpdatedEntities   []Entity
	DeletedEntityIDs  []string
}

// IsEmpty reports whether committing the change set would be a no-op.
func (c *ChangeSet) IsEmpty() bool {
	return len(c.CreatedEntities) == 0 &&
		len(c.CreatedSubjects) == 0 &&
		len(c.Assignments) == 0 &&
		len(c.UpdatedSubjects) == 0 &&
		len(c.DeletedSubjectIDs) == 0 &&
		len(c.UpdatedEntities) == 0 &&
		len(c.DeletedEntityIDs) == 0
}

// StoryPage is one illustrated page of a story.
type StoryPage struct {
	Prompt    string `json:"prompt"`
	ImagePath string `json:"image_path,omitempty"` // empty until drawn
	MIMEType  string `json:"mime_type,omitempty"`
	Caption   string `json:"caption,omitempty"`
}

// Story is an ordered set of illustrations featuring one entity. EntityID
// keeps pointing at the entity the story was drawn for; merges move it to
// the surviving entity.
type Story struct {
	ID             string      `json:"id"`
	TargetSpecID   string      `json:"target_spec_id"`
	EntityID       string      `json:"entity_id"`
	Title          string      `json:"title"`
	Status         TaskStatus  `json:"status"`
	Pages          []StoryPage `json:"pages"`
	CompletedPages int         `json:"completed_pages"`
	ErrorMessage   string      `json:"error_message,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	CompletedAt    *time.Time  `json:"completed_at,omitempty"`
}

// Progress returns the drawn fraction in [0, 1].
func (s *Story) Progress() float64 {
	if len(s.Pages) == 0 {
		return 0
	}
	return float64(s.CompletedPages) / float64(len(s.Pages))
}

// ImagePaths returns the blob paths of the pages drawn so far.
func (s *Story) ImagePaths() []string {
	var out []string
	for _, p := range s.Pages {
		if p.ImagePath != "" {
			out = append(out, p.ImagePath)
		}
	}
	return out
}
