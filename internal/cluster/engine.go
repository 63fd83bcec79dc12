package cluster

import (
	"github.com/kozaktomas/objectcamp/internal/database"
)

// DefaultThreshold is the minimum cosine similarity for a subject to join a seed's cluster.
const DefaultThreshold = 0.75

// Outcome summarizes what a clustering pass did.
type Outcome string

const (
	// OutcomeNoEligible means there was nothing to cluster; no entities were created.
	OutcomeNoEligible Outcome = "no_eligible"
	// OutcomeNothingGrouped means every candidate became its own singleton entity.
	OutcomeNothingGrouped Outcome = "nothing_grouped"
	// OutcomeGrouped means at least one entity received more than one subject.
	OutcomeGrouped Outcome = "grouped"
)

// Result describes a clustering pass.
type Result struct {
	SpecID     string            `json:"spec_id"`
	Outcome    Outcome           `json:"outcome"`
	Candidates int               `json:"candidates"`
	Entities   []database.Entity `json:"entities"`
	Clusters   [][]string        `json:"clusters"` // member subject IDs, aligned with Entities
}

// Engine groups feature vectors with greedy single-seed clustering.
type Engine struct {
	threshold float64
}

// NewEngine creates an engine with the given similarity threshold.
func NewEngine(threshold float64) *Engine {
	return &Engine{threshold: threshold}
}

// Threshold returns the engine's similarity threshold.
func (e *Engine) Threshold() float64 {
	return e.threshold
}

// Group partitions vectors into clusters of indices. Each unvisited vector, in
// input order, seeds a cluster that takes every later unvisited vector whose
// similarity to the seed (not to other members) reaches the threshold.
func (e *Engine) Group(vectors []database.FeatureVector) [][]int {
	visited := make([]bool, len(vectors))
	var groups [][]int

	for i := range vectors {
		if visited[i] {
			continue
		}
		visited[i] = true
		group := []int{i}

		for j := i + 1; j < len(vectors); j++ {
			if visited[j] {
				continue
			}
			if database.CosineSimilarity(vectors[i], vectors[j]) >= e.threshold {
				visited[j] = true
				group = append(group, j)
			}
		}
		groups = append(groups, group)
	}
	return groups
}

// Cluster turns the graph's eligible subjects into new entities, one per group.
// Each entity takes the first member as cover and the members' mean confidence.
func (e *Engine) Cluster(g *Graph) *Result {
	pool := g.Eligible()
	result := &Result{SpecID: g.SpecID(), Candidates: len(pool)}
	if len(pool) == 0 {
		result.Outcome = OutcomeNoEligible
		return result
	}

	vectors := make([]database.FeatureVector, len(pool))
	for i, s := range pool {
		vectors[i] = s.FeatureVector
	}

	result.Outcome = OutcomeNothingGrouped
	for _, group := range e.Group(vectors) {
		entity := g.NewEntity(false)
		ids := make([]string, len(group))
		for k, idx := range group {
			g.Assign(pool[idx].ID, entity.ID)
			ids[k] = pool[idx].ID
		}
		entity.CoverSubjectID = ids[0]
		g.Recompute(entity.ID)

		if len(group) > 1 {
			result.Outcome = OutcomeGrouped
		}
		result.Entities = append(result.Entities, *entity)
		result.Clusters = append(result.Clusters, ids)
	}
	return result
}
