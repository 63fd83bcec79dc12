package cluster

import (
	"gonum.org/v1/gonum/stat"

	"github.com/kozaktomas/objectcamp/internal/database"
)

// AverageConfidence returns the mean confidence of the subjects, 0 when empty.
func AverageConfidence(subjects []*database.Subject) float64 {
	if len(subjects) == 0 {
		return 0
	}
	xs := make([]float64, len(subjects))
	for i, s := range subjects {
		xs[i] = s.Confidence
	}
	return stat.Mean(xs, nil)
}

// Recompute refreshes an entity's derived fields from its live membership:
// average confidence, and the cover when the current one is no longer a member.
// Returns the member count.
func (g *Graph) Recompute(entityID string) int {
	e := g.entities[entityID]
	if e == nil {
		return 0
	}
	members := g.Members(entityID)

	e.AverageConfidence = AverageConfidence(members)

	coverValid := false
	for _, m := range members {
		if m.ID == e.CoverSubjectID {
			coverValid = true
			break
		}
	}
	if !coverValid {
		e.CoverSubjectID = ""
		if len(members) > 0 {
			e.CoverSubjectID = members[0].ID
		}
	}

	g.Touch(entityID)
	return len(members)
}

// Settle recomputes an entity after a membership change and deletes it if the
// change left it empty. Returns false when the entity was deleted.
func (g *Graph) Settle(entityID string) bool {
	if g.entities[entityID] == nil {
		return false
	}
	if g.Recompute(entityID) == 0 {
		g.RemoveEntity(entityID)
		return false
	}
	return true
}
