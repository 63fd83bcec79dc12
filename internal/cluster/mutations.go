package cluster

import (
	"fmt"
	"strings"

	"github.com/kozaktomas/objectcamp/internal/database"
)

// Adjustment replaces the extraction output of a subject after a manual re-crop.
// Nil/empty fields keep their current value.
type Adjustment struct {
	StickerPath   string
	ThumbnailPath string
	BoundingBox   *database.BoundingBox
	Confidence    *float64
	FeatureVector database.FeatureVector
}

// dedupe drops empty and repeated IDs, keeping first occurrences in order.
func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func (g *Graph) requireEntity(id string) (*database.Entity, error) {
	e := g.entities[id]
	if e == nil {
		return nil, fmt.Errorf("%w: %s", ErrEntityNotFound, id)
	}
	if e.TargetSpecID != g.specID {
		return nil, fmt.Errorf("%w: entity %s", ErrSpecMismatch, id)
	}
	return e, nil
}

func (g *Graph) requireSubject(id string) (*database.Subject, error) {
	s := g.subjects[id]
	if s == nil {
		return nil, fmt.Errorf("%w: %s", ErrSubjectNotFound, id)
	}
	return s, nil
}

// requireMembers validates that every subject exists and belongs to entityID.
func (g *Graph) requireMembers(entityID string, subjectIDs []string) error {
	for _, id := range subjectIDs {
		s, err := g.requireSubject(id)
		if err != nil {
			return err
		}
		if s.EntityID != entityID {
			return fmt.Errorf("%w: subject %s, entity %s", ErrNotMember, id, entityID)
		}
	}
	return nil
}

// Merge folds the listed entities into the first one. The survivor becomes
// manually created; the others are deleted.
func Merge(g *Graph, entityIDs []string) (*database.Entity, error) {
	ids := dedupe(entityIDs)
	if len(ids) < 2 {
		return nil, ErrInsufficientEntities
	}
	for _, id := range ids {
		if _, err := g.requireEntity(id); err != nil {
			return nil, err
		}
	}

	survivor := g.entities[ids[0]]
	for _, id := range ids[1:] {
		for _, s := range g.Members(id) {
			g.Assign(s.ID, survivor.ID)
		}
		g.RemoveEntity(id)
	}

	g.Recompute(survivor.ID)
	survivor.IsManuallyCreated = true
	survivor.UpdatedAt = g.now()
	return survivor, nil
}

// Split moves the given members of an entity into a new manual entity whose
// cover is the first listed subject. Splitting off every member deletes the source.
func Split(g *Graph, entityID string, subjectIDs []string) (*database.Entity, error) {
	ids := dedupe(subjectIDs)
	if len(ids) == 0 {
		return nil, ErrEmptySelection
	}
	source, err := g.requireEntity(entityID)
	if err != nil {
		return nil, err
	}
	if err := g.requireMembers(entityID, ids); err != nil {
		return nil, err
	}

	target := g.NewEntity(true)
	for _, id := range ids {
		g.Assign(id, target.ID)
	}
	target.CoverSubjectID = ids[0]
	g.Recompute(target.ID)

	if g.Settle(source.ID) {
		source.UpdatedAt = g.now()
	}
	return target, nil
}

// MoveSubjects reassigns members of fromID to toID, or to a new manual entity
// when toID is empty. The source is deleted if the move empties it.
func MoveSubjects(g *Graph, subjectIDs []string, fromID, toID string) (*database.Entity, error) {
	ids := dedupe(subjectIDs)
	if len(ids) == 0 {
		return nil, ErrEmptySelection
	}
	if toID != "" && fromID == toID {
		return nil, ErrSameEntity
	}
	source, err := g.requireEntity(fromID)
	if err != nil {
		return nil, err
	}
	var target *database.Entity
	if toID != "" {
		if target, err = g.requireEntity(toID); err != nil {
			return nil, err
		}
	}
	if err := g.requireMembers(fromID, ids); err != nil {
		return nil, err
	}

	if target == nil {
		target = g.NewEntity(true)
		target.CoverSubjectID = ids[0]
	}
	for _, id := range ids {
		g.Assign(id, target.ID)
	}
	g.Recompute(target.ID)
	target.UpdatedAt = g.now()

	if g.Settle(source.ID) {
		source.UpdatedAt = g.now()
	}
	return target, nil
}

// DeleteEntities removes entities from the library. Their members are detached
// and excluded so the next clustering pass does not recreate them.
func DeleteEntities(g *Graph, entityIDs []string) error {
	ids := dedupe(entityIDs)
	if len(ids) == 0 {
		return ErrEmptySelection
	}
	for _, id := range ids {
		if _, err := g.requireEntity(id); err != nil {
			return err
		}
	}

	for _, id := range ids {
		for _, s := range g.Members(id) {
			s.IsMarkedAsNonTarget = true
			g.Assign(s.ID, "")
			g.TouchSubject(s.ID)
		}
		g.RemoveEntity(id)
	}
	return nil
}

// detach removes a subject from its entity and settles the entity.
func (g *Graph) detach(s *database.Subject) {
	entityID := s.EntityID
	if entityID == "" {
		return
	}
	g.Assign(s.ID, "")
	if e := g.entities[entityID]; e != nil && g.Settle(entityID) {
		e.UpdatedAt = g.now()
	}
}

// DeleteSubject removes a subject. Its entity is recomputed, or deleted if it
// became empty. Returns the removed subject so callers can clean up its files.
func DeleteSubject(g *Graph, subjectID string) (*database.Subject, error) {
	s, err := g.requireSubject(subjectID)
	if err != nil {
		return nil, err
	}
	removed := *s
	g.detach(s)
	g.RemoveSubject(subjectID)
	return &removed, nil
}

// ReplaceSource swaps the subjects extracted from one source image for a fresh
// extraction. Earlier subjects are deleted like DeleteSubject and returned so
// callers can clean up their files.
func ReplaceSource(g *Graph, sourceID string, fresh []database.Subject) ([]database.Subject, error) {
	for i := range fresh {
		if fresh[i].TargetSpecID != g.specID {
			return nil, fmt.Errorf("%w: subject %s", ErrSpecMismatch, fresh[i].ID)
		}
		if fresh[i].SourceImageID != sourceID {
			return nil, fmt.Errorf("subject %s was extracted from %s, not %s", fresh[i].ID, fresh[i].SourceImageID, sourceID)
		}
		if g.subjects[fresh[i].ID] != nil {
			return nil, fmt.Errorf("subject %s already exists", fresh[i].ID)
		}
	}

	var removed []database.Subject
	for _, id := range append([]string(nil), g.subjectSeq...) {
		s := g.subjects[id]
		if s == nil || s.SourceImageID != sourceID {
			continue
		}
		old, err := DeleteSubject(g, id)
		if err != nil {
			return nil, err
		}
		removed = append(removed, *old)
	}
	for i := range fresh {
		g.AddSubject(fresh[i])
	}
	return removed, nil
}

// ExcludeSubject marks a subject as not matching its spec and detaches it.
func ExcludeSubject(g *Graph, subjectID string) (*database.Subject, error) {
	s, err := g.requireSubject(subjectID)
	if err != nil {
		return nil, err
	}
	g.detach(s)
	if !s.IsMarkedAsNonTarget {
		s.IsMarkedAsNonTarget = true
		g.TouchSubject(s.ID)
	}
	return s, nil
}

// RestoreSubject clears the exclusion flag so the subject is eligible again.
func RestoreSubject(g *Graph, subjectID string) (*database.Subject, error) {
	s, err := g.requireSubject(subjectID)
	if err != nil {
		return nil, err
	}
	if s.IsMarkedAsNonTarget {
		s.IsMarkedAsNonTarget = false
		g.TouchSubject(s.ID)
	}
	return s, nil
}

// Rename sets an entity's custom name. A blank name clears it.
func Rename(g *Graph, entityID, name string) (*database.Entity, error) {
	e, err := g.requireEntity(entityID)
	if err != nil {
		return nil, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		e.CustomName = nil
	} else {
		e.CustomName = &name
	}
	e.UpdatedAt = g.now()
	g.Touch(entityID)
	return e, nil
}

// SetCover chooses which member represents the entity.
func SetCover(g *Graph, entityID, subjectID string) (*database.Entity, error) {
	e, err := g.requireEntity(entityID)
	if err != nil {
		return nil, err
	}
	if err := g.requireMembers(entityID, []string{subjectID}); err != nil {
		return nil, err
	}
	e.CoverSubjectID = subjectID
	e.UpdatedAt = g.now()
	g.Touch(entityID)
	return e, nil
}

// AdjustSubject applies a manual re-extraction. The subject keeps its entity;
// the entity's aggregates are recomputed.
func AdjustSubject(g *Graph, subjectID string, adj Adjustment) (*database.Subject, error) {
	s, err := g.requireSubject(subjectID)
	if err != nil {
		return nil, err
	}

	if adj.StickerPath != "" {
		s.StickerPath = adj.StickerPath
	}
	if adj.ThumbnailPath != "" {
		s.ThumbnailPath = adj.ThumbnailPath
	}
	if adj.BoundingBox != nil {
		box := *adj.BoundingBox
		s.BoundingBox = &box
	}
	if adj.Confidence != nil {
		s.Confidence = *adj.Confidence
	}
	if len(adj.FeatureVector) > 0 {
		s.FeatureVector = adj.FeatureVector.Clone()
	}

	now := g.now()
	s.ExtractionMethod = database.ExtractionManual
	s.NeedsReview = false
	s.LastAdjustedAt = &now
	g.TouchSubject(s.ID)

	if s.EntityID != "" && g.entities[s.EntityID] != nil {
		g.Recompute(s.EntityID)
		g.entities[s.EntityID].UpdatedAt = now
	}
	return s, nil
}
