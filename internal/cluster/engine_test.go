package cluster

import (
	"math/rand/v2"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kozaktomas/objectcamp/internal/database"
)

func TestFixtureSimilarities(t *testing.T) {
	assert.InDelta(t, 0.9, database.CosineSimilarity(v1, v2), 1e-3)
	assert.InDelta(t, 0.2, database.CosineSimilarity(v1, v3), 1e-3)
	assert.InDelta(t, 0.2, database.CosineSimilarity(v1, v4), 1e-3)
	assert.InDelta(t, 0.1, database.CosineSimilarity(v3, v4), 1e-3)
}

func TestEngineGroup_FourSubjects(t *testing.T) {
	e := NewEngine(0.75)

	groups := e.Group([]database.FeatureVector{v1, v2, v3, v4})

	assert.Equal(t, [][]int{{0, 1}, {2}, {3}}, groups)
}

func TestEngineGroup_ComparesToSeedOnly(t *testing.T) {
	// a~b and b~c pass the threshold, a~c does not: c must not be chained in.
	a := database.FeatureVector{1, 0}
	b := database.FeatureVector{0.8, 0.6}   // sim(a,b)=0.8
	c := database.FeatureVector{0.28, 0.96} // sim(b,c)=0.8, sim(a,c)=0.28

	groups := NewEngine(0.75).Group([]database.FeatureVector{a, b, c})

	assert.Equal(t, [][]int{{0, 1}, {2}}, groups)
}

func TestEngineGroup_NonTransitiveMembers(t *testing.T) {
	// Both b and c are close to the seed a but not to each other; seed-only
	// comparison still puts all three together.
	a := database.FeatureVector{1, 0}
	b := database.FeatureVector{0.8, 0.6}
	c := database.FeatureVector{0.8, -0.6} // sim(a,c)=0.8, sim(b,c)=0.28

	groups := NewEngine(0.75).Group([]database.FeatureVector{a, b, c})

	assert.Equal(t, [][]int{{0, 1, 2}}, groups)
}

func TestEngineGroup_ThresholdIsInclusive(t *testing.T) {
	a := database.FeatureVector{1, 0}
	b := database.FeatureVector{0.5, 0.8660254}

	sim := database.CosineSimilarity(a, b)
	groups := NewEngine(sim).Group([]database.FeatureVector{a, b})

	assert.Len(t, groups, 1)
}

func TestEngineGroup_Empty(t *testing.T) {
	assert.Empty(t, NewEngine(0.75).Group(nil))
}

func TestEngineGroup_DegenerateVectorsStayAlone(t *testing.T) {
	zero := database.FeatureVector{0, 0, 0}
	short := database.FeatureVector{1, 0}

	groups := NewEngine(0.75).Group([]database.FeatureVector{v1, zero, short, v2})

	assert.Equal(t, [][]int{{0, 3}, {1}, {2}}, groups)
}

func randomVectors(r *rand.Rand, n, dim int) []database.FeatureVector {
	out := make([]database.FeatureVector, n)
	// A few shared centers so groups of meaningful size form.
	centers := make([]database.FeatureVector, 4)
	for c := range centers {
		centers[c] = make(database.FeatureVector, dim)
		for d := range dim {
			centers[c][d] = float32(r.NormFloat64())
		}
	}
	for i := range out {
		center := centers[r.IntN(len(centers))]
		out[i] = make(database.FeatureVector, dim)
		for d := range dim {
			out[i][d] = center[d] + float32(r.NormFloat64()*0.5)
		}
	}
	return out
}

func TestEngineGroup_ThresholdMonotonicity(t *testing.T) {
	r := rand.New(rand.NewPCG(7, 11))
	thresholds := []float64{0.3, 0.5, 0.7, 0.75, 0.85, 0.95}

	for trial := range 20 {
		vectors := randomVectors(r, 40, 8)

		var prev [][]int
		for i, th := range thresholds {
			groups := NewEngine(th).Group(vectors)

			// Every group is exactly the seed plus later vectors reaching the threshold.
			for _, g := range groups {
				seed := g[0]
				for _, m := range g[1:] {
					require.Greater(t, m, seed)
					require.GreaterOrEqual(t, database.CosineSimilarity(vectors[seed], vectors[m]), th)
				}
			}

			// Every subject lands in exactly one group.
			var all []int
			for _, g := range groups {
				all = append(all, g...)
			}
			slices.Sort(all)
			require.Len(t, all, len(vectors))
			for k := range all {
				require.Equal(t, k, all[k])
			}

			// The first seed is always vector 0; raising the threshold can only shrink its cluster.
			if i > 0 {
				require.Equal(t, 0, groups[0][0])
				require.LessOrEqualf(t, len(groups[0]), len(prev[0]), "trial %d threshold %.2f", trial, th)
				for _, m := range groups[0] {
					require.Contains(t, prev[0], m)
				}
			}
			prev = groups
		}
	}
}

func TestEngineCluster_BuildsEntities(t *testing.T) {
	snap := &database.Snapshot{SpecID: "doll", Subjects: []database.Subject{
		{ID: "s1", TargetSpecID: "doll", Confidence: 0.9, FeatureVector: v1, ExtractedAt: baseTime},
		{ID: "s2", TargetSpecID: "doll", Confidence: 0.7, FeatureVector: v2, ExtractedAt: baseTime.Add(1)},
		{ID: "s3", TargetSpecID: "doll", Confidence: 0.5, FeatureVector: v3, ExtractedAt: baseTime.Add(2)},
	}}
	g := NewGraph(snap, nil)

	result := NewEngine(0.75).Cluster(g)

	require.Equal(t, OutcomeGrouped, result.Outcome)
	require.Equal(t, 3, result.Candidates)
	require.Len(t, result.Entities, 2)
	assert.Equal(t, [][]string{{"s1", "s2"}, {"s3"}}, result.Clusters)

	first := result.Entities[0]
	assert.Equal(t, "doll", first.TargetSpecID)
	assert.False(t, first.IsManuallyCreated)
	assert.Equal(t, "s1", first.CoverSubjectID)
	assert.InDelta(t, 0.8, first.AverageConfidence, 1e-9)
	assert.InDelta(t, 0.5, result.Entities[1].AverageConfidence, 1e-9)

	require.NoError(t, g.Check())
	cs := g.Changes()
	assert.Len(t, cs.CreatedEntities, 2)
	assert.Len(t, cs.Assignments, 3)
	assert.Empty(t, cs.DeletedEntityIDs)
}

func TestEngineCluster_Outcomes(t *testing.T) {
	tests := []struct {
		name     string
		subjects []database.Subject
		want     Outcome
	}{
		{"empty pool", nil, OutcomeNoEligible},
		{"only vectorless", []database.Subject{{ID: "a", TargetSpecID: "doll"}}, OutcomeNoEligible},
		{"all singletons", []database.Subject{
			{ID: "a", TargetSpecID: "doll", FeatureVector: v1},
			{ID: "b", TargetSpecID: "doll", FeatureVector: v3},
		}, OutcomeNothingGrouped},
		{"grouped", []database.Subject{
			{ID: "a", TargetSpecID: "doll", FeatureVector: v1},
			{ID: "b", TargetSpecID: "doll", FeatureVector: v2},
		}, OutcomeGrouped},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			g := NewGraph(&database.Snapshot{SpecID: "doll", Subjects: tc.subjects}, nil)
			result := NewEngine(0.75).Cluster(g)
			assert.Equal(t, tc.want, result.Outcome)
			if tc.want == OutcomeNoEligible {
				assert.Empty(t, result.Entities)
				cs := g.Changes()
				assert.True(t, cs.IsEmpty())
			}
		})
	}
}

func TestEngineCluster_IgnoresIneligible(t *testing.T) {
	snap := &database.Snapshot{SpecID: "doll", Subjects: []database.Subject{
		{ID: "ok", TargetSpecID: "doll", FeatureVector: v1},
		{ID: "other-spec", TargetSpecID: "pet", FeatureVector: v1},
		{ID: "excluded", TargetSpecID: "doll", FeatureVector: v1, IsMarkedAsNonTarget: true},
		{ID: "clustered", TargetSpecID: "doll", FeatureVector: v1, EntityID: "e-old"},
		{ID: "no-vector", TargetSpecID: "doll"},
	}}
	g := NewGraph(snap, nil)

	result := NewEngine(0.75).Cluster(g)

	require.Len(t, result.Clusters, 1)
	assert.Equal(t, []string{"ok"}, result.Clusters[0])
	assert.Equal(t, "", g.Subject("no-vector").EntityID)
	assert.Equal(t, "", g.Subject("excluded").EntityID)
	assert.Equal(t, "e-old", g.Subject("clustered").EntityID)
}

func TestEngineCluster_UsesExtractionOrder(t *testing.T) {
	// Stored out of order; v3's subject was extracted first and must seed.
	snap := &database.Snapshot{SpecID: "doll", Subjects: []database.Subject{
		{ID: "late", TargetSpecID: "doll", FeatureVector: v1, ExtractedAt: baseTime.Add(2)},
		{ID: "early", TargetSpecID: "doll", FeatureVector: v2, ExtractedAt: baseTime},
	}}

	result := NewEngine(0.75).Cluster(NewGraph(snap, nil))

	require.Len(t, result.Clusters, 1)
	assert.Equal(t, []string{"early", "late"}, result.Clusters[0])
	assert.Equal(t, "early", result.Entities[0].CoverSubjectID)
}
