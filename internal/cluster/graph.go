package cluster

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/kozaktomas/objectcamp/internal/database"
)

// Graph is an in-memory working copy of one spec's subjects and entities.
// Operations mutate the graph; Changes() yields the ChangeSet to commit.
// Membership is derived from Subject.EntityID, never stored twice.
type Graph struct {
	specID string
	now    func() time.Time

	subjects   map[string]*database.Subject
	subjectSeq []string // extraction order
	origEntity map[string]string
	entities   map[string]*database.Entity
	entitySeq  []string // creation order

	created         map[string]bool
	createdSubjects map[string]bool
	touched         map[string]bool
	removed         map[string]bool
	reassigned      map[string]bool
	updatedSubjects map[string]bool
	deletedSubjects map[string]bool
}

// NewGraph copies a snapshot into a new working graph.
// Subjects are ordered by extraction time, then ID.
func NewGraph(snap *database.Snapshot, now func() time.Time) *Graph {
	if now == nil {
		now = time.Now
	}
	g := &Graph{
		specID:          snap.SpecID,
		now:             now,
		subjects:        make(map[string]*database.Subject, len(snap.Subjects)),
		origEntity:      make(map[string]string, len(snap.Subjects)),
		entities:        make(map[string]*database.Entity, len(snap.Entities)),
		created:         make(map[string]bool),
		createdSubjects: make(map[string]bool),
		touched:         make(map[string]bool),
		removed:         make(map[string]bool),
		reassigned:      make(map[string]bool),
		updatedSubjects: make(map[string]bool),
		deletedSubjects: make(map[string]bool),
	}

	for i := range snap.Subjects {
		s := snap.Subjects[i]
		g.subjects[s.ID] = &s
		g.origEntity[s.ID] = s.EntityID
		g.subjectSeq = append(g.subjectSeq, s.ID)
	}
	sort.SliceStable(g.subjectSeq, func(i, j int) bool {
		a, b := g.subjects[g.subjectSeq[i]], g.subjects[g.subjectSeq[j]]
		if !a.ExtractedAt.Equal(b.ExtractedAt) {
			return a.ExtractedAt.Before(b.ExtractedAt)
		}
		return a.ID < b.ID
	})

	for i := range snap.Entities {
		e := snap.Entities[i]
		g.entities[e.ID] = &e
		g.entitySeq = append(g.entitySeq, e.ID)
	}

	return g
}

// SpecID returns the target spec the graph belongs to.
func (g *Graph) SpecID() string {
	return g.specID
}

// Entity returns a live entity, or nil.
func (g *Graph) Entity(id string) *database.Entity {
	return g.entities[id]
}

// Subject returns a live subject, or nil.
func (g *Graph) Subject(id string) *database.Subject {
	return g.subjects[id]
}

// Entities returns the live entities in creation order.
func (g *Graph) Entities() []*database.Entity {
	out := make([]*database.Entity, 0, len(g.entities))
	for _, id := range g.entitySeq {
		if e, ok := g.entities[id]; ok {
			out = append(out, e)
		}
	}
	return out
}

// Members returns the subjects owned by an entity in extraction order.
func (g *Graph) Members(entityID string) []*database.Subject {
	var out []*database.Subject
	for _, id := range g.subjectSeq {
		if s, ok := g.subjects[id]; ok && s.EntityID == entityID {
			out = append(out, s)
		}
	}
	return out
}

// Eligible returns the clustering candidates in extraction order: subjects of
// this spec that are unclustered, not excluded, and carry a feature vector.
func (g *Graph) Eligible() []*database.Subject {
	var out []*database.Subject
	for _, id := range g.subjectSeq {
		s, ok := g.subjects[id]
		if !ok || s.TargetSpecID != g.specID || !s.IsEligible() || !s.HasVector() {
			continue
		}
		out = append(out, s)
	}
	return out
}

// NewEntity creates an empty entity in this spec. The caller must populate it
// before committing.
func (g *Graph) NewEntity(manual bool) *database.Entity {
	now := g.now()
	e := &database.Entity{
		ID:                uuid.New().String(),
		TargetSpecID:      g.specID,
		IsManuallyCreated: manual,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	g.entities[e.ID] = e
	g.entitySeq = append(g.entitySeq, e.ID)
	g.created[e.ID] = true
	return e
}

// AddSubject inserts a freshly extracted subject. It is written by the same
// commit as the other changes.
func (g *Graph) AddSubject(s database.Subject) *database.Subject {
	if _, exists := g.subjects[s.ID]; exists {
		return g.subjects[s.ID]
	}
	g.subjects[s.ID] = &s
	g.origEntity[s.ID] = s.EntityID
	g.subjectSeq = append(g.subjectSeq, s.ID)
	g.createdSubjects[s.ID] = true
	return &s
}

// Assign sets a subject's owner. An empty entityID detaches the subject.
func (g *Graph) Assign(subjectID, entityID string) {
	s, ok := g.subjects[subjectID]
	if !ok || s.EntityID == entityID {
		return
	}
	s.EntityID = entityID
	g.reassigned[subjectID] = true
}

// Touch marks an entity row for rewrite.
func (g *Graph) Touch(entityID string) {
	if _, ok := g.entities[entityID]; ok {
		g.touched[entityID] = true
	}
}

// TouchSubject marks a subject row for rewrite.
func (g *Graph) TouchSubject(subjectID string) {
	if _, ok := g.subjects[subjectID]; ok {
		g.updatedSubjects[subjectID] = true
	}
}

// RemoveEntity deletes an entity, detaching any remaining members.
func (g *Graph) RemoveEntity(id string) {
	if _, ok := g.entities[id]; !ok {
		return
	}
	for _, s := range g.Members(id) {
		g.Assign(s.ID, "")
	}
	delete(g.entities, id)
	delete(g.touched, id)
	if g.created[id] {
		delete(g.created, id)
		return
	}
	g.removed[id] = true
}

// RemoveSubject deletes a subject from the graph.
func (g *Graph) RemoveSubject(id string) {
	if _, ok := g.subjects[id]; !ok {
		return
	}
	delete(g.subjects, id)
	delete(g.reassigned, id)
	delete(g.updatedSubjects, id)
	if g.createdSubjects[id] {
		delete(g.createdSubjects, id)
		return
	}
	g.deletedSubjects[id] = true
}

// Changes returns the net effect of all mutations since NewGraph.
func (g *Graph) Changes() database.ChangeSet {
	var cs database.ChangeSet

	for _, id := range g.entitySeq {
		e, live := g.entities[id]
		switch {
		case live && g.created[id]:
			cs.CreatedEntities = append(cs.CreatedEntities, *e)
		case live && g.touched[id]:
			cs.UpdatedEntities = append(cs.UpdatedEntities, *e)
		case !live && g.removed[id]:
			cs.DeletedEntityIDs = append(cs.DeletedEntityIDs, id)
		}
	}

	for _, id := range g.subjectSeq {
		if g.deletedSubjects[id] {
			cs.DeletedSubjectIDs = append(cs.DeletedSubjectIDs, id)
			continue
		}
		s, live := g.subjects[id]
		if !live {
			continue
		}
		if g.createdSubjects[id] {
			cs.CreatedSubjects = append(cs.CreatedSubjects, *s)
			continue
		}
		if g.reassigned[id] && s.EntityID != g.origEntity[id] {
			cs.Assignments = append(cs.Assignments, database.Assignment{SubjectID: id, EntityID: s.EntityID})
		}
		if g.updatedSubjects[id] {
			cs.UpdatedSubjects = append(cs.UpdatedSubjects, *s)
		}
	}

	return cs
}

// Check verifies the graph invariants over every live entity and subject:
// single ownership by a live entity, no excluded members, no empty entities
// touched by this graph, and aggregates that match membership.
func (g *Graph) Check() error {
	counts := make(map[string]int, len(g.entities))
	for _, id := range g.subjectSeq {
		s, ok := g.subjects[id]
		if !ok || s.EntityID == "" {
			continue
		}
		if s.IsMarkedAsNonTarget {
			return fmt.Errorf("excluded subject %s belongs to entity %s", s.ID, s.EntityID)
		}
		e, live := g.entities[s.EntityID]
		if !live {
			// Entities outside the snapshot are only legal for subjects this graph never reassigned.
			if g.reassigned[s.ID] {
				return fmt.Errorf("subject %s assigned to unknown entity %s", s.ID, s.EntityID)
			}
			continue
		}
		if e.TargetSpecID != s.TargetSpecID {
			return fmt.Errorf("subject %s (spec %s) belongs to entity %s of spec %s", s.ID, s.TargetSpecID, e.ID, e.TargetSpecID)
		}
		counts[s.EntityID]++
	}

	for id, e := range g.entities {
		if !g.created[id] && !g.touched[id] {
			continue
		}
		if counts[id] == 0 {
			return fmt.Errorf("entity %s has no members", id)
		}
		want := AverageConfidence(g.Members(id))
		if math.Abs(e.AverageConfidence-want) > 1e-9 {
			return fmt.Errorf("entity %s average confidence %f, members average %f", id, e.AverageConfidence, want)
		}
		if e.CoverSubjectID != "" && g.subjects[e.CoverSubjectID] != nil && g.subjects[e.CoverSubjectID].EntityID != id {
			return fmt.Errorf("entity %s cover %s is not a member", id, e.CoverSubjectID)
		}
	}
	return nil
}
