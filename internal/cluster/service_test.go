package cluster

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/kozaktomas/objectcamp/internal/database"
)

func TestClusterSpec_FourSubjects(t *testing.T) {
	f := newFixture(t, 0.75)
	f.add("s1", "doll", "", 0.9, v1)
	f.add("s2", "doll", "", 0.8, v2)
	f.add("s3", "doll", "", 0.7, v3)
	f.add("s4", "doll", "", 0.6, v4)

	result, err := f.svc.ClusterSpec(f.ctx, "doll")
	require.NoError(t, err)

	require.Equal(t, OutcomeGrouped, result.Outcome)
	require.Len(t, result.Entities, 3)
	assert.Equal(t, [][]string{{"s1", "s2"}, {"s3"}, {"s4"}}, result.Clusters)
	assert.Equal(t, 1, f.store.CommitCalls)

	for i, e := range result.Entities {
		assert.ElementsMatch(t, result.Clusters[i], f.memberIDs(e.ID))
	}
	assert.InDelta(t, 0.85, f.getEntity(result.Entities[0].ID).AverageConfidence, 1e-9)
	requireConsistent(t, f.store, "doll")
}

func TestClusterSpec_EmptyPool(t *testing.T) {
	f := newFixture(t, 0.75)

	result, err := f.svc.ClusterSpec(f.ctx, "doll")
	require.NoError(t, err)

	assert.Equal(t, OutcomeNoEligible, result.Outcome)
	assert.Empty(t, result.Entities)
	assert.Equal(t, 0, f.store.CommitCalls)
}

func TestClusterSpec_SubjectWithoutVectorStaysUnclustered(t *testing.T) {
	f := newFixture(t, 0.75)
	f.add("s1", "doll", "", 0.9, v1)
	f.add("no-vec", "doll", "", 0.9, nil)
	f.add("s2", "doll", "", 0.8, v2)

	result, err := f.svc.ClusterSpec(f.ctx, "doll")
	require.NoError(t, err)

	require.Len(t, result.Entities, 1)
	assert.Equal(t, []string{"s1", "s2"}, result.Clusters[0])
	assert.Equal(t, "", f.subject("no-vec").EntityID)
	requireConsistent(t, f.store, "doll")
}

func TestClusterSpec_SecondRunHasNothingToDo(t *testing.T) {
	f := newFixture(t, 0.75)
	f.add("s1", "doll", "", 0.9, v1)
	f.add("s2", "doll", "", 0.8, v3)

	_, err := f.svc.ClusterSpec(f.ctx, "doll")
	require.NoError(t, err)

	result, err := f.svc.ClusterSpec(f.ctx, "doll")
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoEligible, result.Outcome)
	assert.Equal(t, 1, f.store.CommitCalls)
}

func TestClusterSpec_DisjointSpecs(t *testing.T) {
	f := newFixture(t, 0.75)
	f.add("d1", "doll", "", 0.9, v1)
	f.add("d2", "doll", "", 0.8, v2)
	f.add("p1", "pet", "", 0.7, v1)
	f.add("p2", "pet", "", 0.6, v3)

	dolls, err := f.svc.ClusterSpec(f.ctx, "doll")
	require.NoError(t, err)
	pets, err := f.svc.ClusterSpec(f.ctx, "pet")
	require.NoError(t, err)

	var union []string
	for _, r := range []*Result{dolls, pets} {
		for i, e := range r.Entities {
			assert.Equal(t, r.SpecID, e.TargetSpecID)
			for _, id := range f.memberIDs(e.ID) {
				assert.Equal(t, r.SpecID, f.subject(id).TargetSpecID, "subject %s crossed into %s", id, r.SpecID)
			}
			union = append(union, r.Clusters[i]...)
		}
	}
	assert.ElementsMatch(t, []string{"d1", "d2", "p1", "p2"}, union)
	requireConsistent(t, f.store, "doll")
	requireConsistent(t, f.store, "pet")
}

func TestClusterSpec_CommitFailureLeavesStoreUntouched(t *testing.T) {
	f := newFixture(t, 0.75)
	f.add("s1", "doll", "", 0.9, v1)
	f.add("s2", "doll", "", 0.8, v2)
	f.store.CommitError = errors.New("disk full")

	_, err := f.svc.ClusterSpec(f.ctx, "doll")

	var perr *PersistenceError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "cluster", perr.Op)
	n, _ := f.store.CountEntities(f.ctx, "doll")
	assert.Equal(t, 0, n)
	assert.Equal(t, "", f.subject("s1").EntityID)
}

func TestClusterSpec_FetchFailure(t *testing.T) {
	f := newFixture(t, 0.75)
	f.store.EligibleSubjectsError = errors.New("connection refused")

	_, err := f.svc.ClusterSpec(f.ctx, "doll")
	require.Error(t, err)
	assert.Equal(t, 0, f.store.CommitCalls)
}

func TestClusterSpec_CancelledContextSkipsCommit(t *testing.T) {
	f := newFixture(t, 0.75)
	f.add("s1", "doll", "", 0.9, v1)
	ctx, cancel := context.WithCancel(f.ctx)
	cancel()

	_, err := f.svc.ClusterSpec(ctx, "doll")
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, f.store.CommitCalls)
}

// mergeFixture builds entityA{a1 0.9, a2 0.7} and entityB{b1 0.4}.
func mergeFixture(t *testing.T) *fixture {
	f := newFixture(t, 0.75)
	f.add("a1", "doll", "A", 0.9, v1)
	f.add("a2", "doll", "A", 0.7, v2)
	f.entity("A", "doll")
	f.add("b1", "doll", "B", 0.4, v3)
	f.entity("B", "doll")
	return f
}

func TestMerge(t *testing.T) {
	f := mergeFixture(t)

	survivor, err := f.svc.Merge(f.ctx, []string{"A", "B"})
	require.NoError(t, err)

	assert.Equal(t, "A", survivor.ID)
	assert.ElementsMatch(t, []string{"a1", "a2", "b1"}, f.memberIDs("A"))
	assert.InDelta(t, (0.8*2+0.4)/3, f.getEntity("A").AverageConfidence, 1e-9)
	assert.True(t, f.getEntity("A").IsManuallyCreated)
	assert.Equal(t, f.clock, f.getEntity("A").UpdatedAt)
	assert.Nil(t, f.getEntity("B"))
	assert.Equal(t, 1, f.store.CommitCalls)
	requireConsistent(t, f.store, "doll")
}

func TestMerge_Validation(t *testing.T) {
	f := mergeFixture(t)
	f.add("p1", "pet", "P", 0.5, v1)
	f.entity("P", "pet")

	tests := []struct {
		name string
		ids  []string
		want error
	}{
		{"single", []string{"A"}, ErrInsufficientEntities},
		{"empty", nil, ErrInsufficientEntities},
		{"duplicates collapse", []string{"A", "A"}, ErrInsufficientEntities},
		{"missing", []string{"A", "nope"}, ErrEntityNotFound},
		{"cross spec", []string{"A", "P"}, ErrSpecMismatch},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.Merge(f.ctx, tc.ids)
			require.ErrorIs(t, err, tc.want)
			assert.True(t, IsInputError(err))
		})
	}
	assert.Equal(t, 0, f.store.CommitCalls)
	assert.NotNil(t, f.getEntity("B"))
}

func TestMerge_CommitFailureKeepsBothEntities(t *testing.T) {
	f := mergeFixture(t)
	f.store.CommitError = errors.New("tx aborted")

	_, err := f.svc.Merge(f.ctx, []string{"A", "B"})

	var perr *PersistenceError
	require.ErrorAs(t, err, &perr)
	assert.NotNil(t, f.getEntity("B"))
	assert.Equal(t, "B", f.subject("b1").EntityID)
	assert.False(t, f.getEntity("A").IsManuallyCreated)
}

func splitFixture(t *testing.T) *fixture {
	f := newFixture(t, 0.75)
	f.add("s1", "doll", "A", 0.9, v1)
	f.add("s2", "doll", "A", 0.7, v2)
	f.add("s3", "doll", "A", 0.5, v3)
	f.entity("A", "doll")
	return f
}

func TestSplit(t *testing.T) {
	f := splitFixture(t)

	created, err := f.svc.Split(f.ctx, "A", []string{"s3"})
	require.NoError(t, err)

	assert.Equal(t, []string{"s1", "s2"}, f.memberIDs("A"))
	assert.InDelta(t, 0.8, f.getEntity("A").AverageConfidence, 1e-9)

	b := f.getEntity(created.ID)
	require.NotNil(t, b)
	assert.Equal(t, []string{"s3"}, f.memberIDs(b.ID))
	assert.InDelta(t, 0.5, b.AverageConfidence, 1e-9)
	assert.Equal(t, "s3", b.CoverSubjectID)
	assert.True(t, b.IsManuallyCreated)
	assert.Equal(t, "doll", b.TargetSpecID)
	requireConsistent(t, f.store, "doll")
}

func TestSplit_CoverMovesWithSubject(t *testing.T) {
	f := splitFixture(t)

	_, err := f.svc.Split(f.ctx, "A", []string{"s1"})
	require.NoError(t, err)

	assert.Equal(t, "s2", f.getEntity("A").CoverSubjectID)
	requireConsistent(t, f.store, "doll")
}

func TestSplit_AllMembersDeletesSource(t *testing.T) {
	f := splitFixture(t)

	created, err := f.svc.Split(f.ctx, "A", []string{"s2", "s1", "s3"})
	require.NoError(t, err)

	assert.Nil(t, f.getEntity("A"))
	assert.ElementsMatch(t, []string{"s1", "s2", "s3"}, f.memberIDs(created.ID))
	assert.Equal(t, "s2", f.getEntity(created.ID).CoverSubjectID)
	requireConsistent(t, f.store, "doll")
}

func TestSplitAndMoveLogDistinctSubjects(t *testing.T) {
	f := splitFixture(t)
	core, logs := observer.New(zap.InfoLevel)
	f.svc = NewService(f.store, NewEngine(0.75), zap.New(core))

	created, err := f.svc.Split(f.ctx, "A", []string{"s3", "s3", ""})
	require.NoError(t, err)
	_, err = f.svc.MoveSubjects(f.ctx, []string{"s3", "s3"}, created.ID, "A")
	require.NoError(t, err)

	for _, msg := range []string{"split entity", "moved subjects"} {
		entries := logs.FilterMessage(msg).All()
		require.Len(t, entries, 1, msg)
		assert.Equal(t, int64(1), entries[0].ContextMap()["subjects"], msg)
	}
}

func TestSplit_Validation(t *testing.T) {
	f := splitFixture(t)
	f.add("x1", "doll", "X", 0.5, v4)
	f.entity("X", "doll")

	_, err := f.svc.Split(f.ctx, "A", nil)
	require.ErrorIs(t, err, ErrEmptySelection)

	_, err = f.svc.Split(f.ctx, "A", []string{"x1"})
	require.ErrorIs(t, err, ErrNotMember)

	_, err = f.svc.Split(f.ctx, "A", []string{"missing"})
	require.ErrorIs(t, err, ErrSubjectNotFound)

	_, err = f.svc.Split(f.ctx, "nope", []string{"s1"})
	require.ErrorIs(t, err, ErrEntityNotFound)

	assert.Equal(t, 0, f.store.CommitCalls)
	assert.Len(t, f.memberIDs("A"), 3)
}

func TestMoveSubjects_EmptiesSource(t *testing.T) {
	f := newFixture(t, 0.75)
	f.add("s1", "doll", "A", 0.9, v1)
	f.entity("A", "doll")
	f.add("b1", "doll", "B", 0.5, v2)
	f.entity("B", "doll")

	target, err := f.svc.MoveSubjects(f.ctx, []string{"s1"}, "A", "B")
	require.NoError(t, err)

	assert.Equal(t, "B", target.ID)
	assert.Nil(t, f.getEntity("A"))
	assert.ElementsMatch(t, []string{"s1", "b1"}, f.memberIDs("B"))
	assert.InDelta(t, 0.7, f.getEntity("B").AverageConfidence, 1e-9)
	assert.False(t, f.getEntity("B").IsManuallyCreated)
	requireConsistent(t, f.store, "doll")
}

func TestMoveSubjects_ToNewEntity(t *testing.T) {
	f := splitFixture(t)

	target, err := f.svc.MoveSubjects(f.ctx, []string{"s2", "s3"}, "A", "")
	require.NoError(t, err)

	assert.True(t, target.IsManuallyCreated)
	assert.Equal(t, "s2", target.CoverSubjectID)
	assert.ElementsMatch(t, []string{"s2", "s3"}, f.memberIDs(target.ID))
	assert.InDelta(t, 0.6, f.getEntity(target.ID).AverageConfidence, 1e-9)
	assert.Equal(t, []string{"s1"}, f.memberIDs("A"))
	assert.InDelta(t, 0.9, f.getEntity("A").AverageConfidence, 1e-9)
	requireConsistent(t, f.store, "doll")
}

func TestMoveSubjects_Validation(t *testing.T) {
	f := splitFixture(t)
	f.add("p1", "pet", "P", 0.5, v1)
	f.entity("P", "pet")
	f.add("b1", "doll", "B", 0.5, v4)
	f.entity("B", "doll")

	tests := []struct {
		name     string
		subjects []string
		from, to string
		want     error
	}{
		{"no subjects", nil, "A", "B", ErrEmptySelection},
		{"same entity", []string{"s1"}, "A", "A", ErrSameEntity},
		{"cross spec", []string{"s1"}, "A", "P", ErrSpecMismatch},
		{"not a member", []string{"b1"}, "A", "B", ErrNotMember},
		{"missing target", []string{"s1"}, "A", "nope", ErrEntityNotFound},
		{"missing source", []string{"s1"}, "nope", "B", ErrEntityNotFound},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.MoveSubjects(f.ctx, tc.subjects, tc.from, tc.to)
			require.ErrorIs(t, err, tc.want)
		})
	}
	assert.Equal(t, 0, f.store.CommitCalls)
}

func TestDeleteEntities_ExcludesMembers(t *testing.T) {
	f := mergeFixture(t)

	require.NoError(t, f.svc.DeleteEntities(f.ctx, []string{"A"}))

	assert.Nil(t, f.getEntity("A"))
	for _, id := range []string{"a1", "a2"} {
		s := f.subject(id)
		assert.Equal(t, "", s.EntityID)
		assert.True(t, s.IsMarkedAsNonTarget)
	}
	assert.NotNil(t, f.getEntity("B"))
	requireConsistent(t, f.store, "doll")

	// Excluded subjects are not picked up again.
	result, err := f.svc.ClusterSpec(f.ctx, "doll")
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoEligible, result.Outcome)
}

func TestDeleteSubject(t *testing.T) {
	f := mergeFixture(t)

	removed, err := f.svc.DeleteSubject(f.ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "a1", removed.ID)
	assert.Equal(t, "A", removed.EntityID)

	s, _ := f.store.GetSubject(f.ctx, "a1")
	assert.Nil(t, s)
	assert.Equal(t, []string{"a2"}, f.memberIDs("A"))
	assert.InDelta(t, 0.7, f.getEntity("A").AverageConfidence, 1e-9)
	assert.Equal(t, "a2", f.getEntity("A").CoverSubjectID)

	_, err = f.svc.DeleteSubject(f.ctx, "b1")
	require.NoError(t, err)
	assert.Nil(t, f.getEntity("B"))
	requireConsistent(t, f.store, "doll")

	_, err = f.svc.DeleteSubject(f.ctx, "b1")
	require.ErrorIs(t, err, ErrSubjectNotFound)
}

func TestExcludeAndRestoreSubject(t *testing.T) {
	f := mergeFixture(t)

	excluded, err := f.svc.ExcludeSubject(f.ctx, "b1")
	require.NoError(t, err)
	assert.True(t, excluded.IsMarkedAsNonTarget)
	assert.Equal(t, "", excluded.EntityID)
	assert.Nil(t, f.getEntity("B"))
	requireConsistent(t, f.store, "doll")

	result, err := f.svc.ClusterSpec(f.ctx, "doll")
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoEligible, result.Outcome)

	restored, err := f.svc.RestoreSubject(f.ctx, "b1")
	require.NoError(t, err)
	assert.False(t, restored.IsMarkedAsNonTarget)

	result, err = f.svc.ClusterSpec(f.ctx, "doll")
	require.NoError(t, err)
	require.Len(t, result.Clusters, 1)
	assert.Equal(t, []string{"b1"}, result.Clusters[0])
	requireConsistent(t, f.store, "doll")
}

func TestRenameEntity(t *testing.T) {
	f := mergeFixture(t)

	e, err := f.svc.RenameEntity(f.ctx, "A", "  Teddy  ")
	require.NoError(t, err)
	require.NotNil(t, e.CustomName)
	assert.Equal(t, "Teddy", *f.getEntity("A").CustomName)

	_, err = f.svc.RenameEntity(f.ctx, "A", "   ")
	require.NoError(t, err)
	assert.Nil(t, f.getEntity("A").CustomName)

	_, err = f.svc.RenameEntity(f.ctx, "nope", "x")
	require.ErrorIs(t, err, ErrEntityNotFound)
}

func TestSetCover(t *testing.T) {
	f := mergeFixture(t)

	e, err := f.svc.SetCover(f.ctx, "A", "a2")
	require.NoError(t, err)
	assert.Equal(t, "a2", e.CoverSubjectID)
	assert.Equal(t, "a2", f.getEntity("A").CoverSubjectID)

	_, err = f.svc.SetCover(f.ctx, "A", "b1")
	require.ErrorIs(t, err, ErrNotMember)
}

func TestAdjustSubject(t *testing.T) {
	f := mergeFixture(t)
	conf := 0.5

	s, err := f.svc.AdjustSubject(f.ctx, "a1", Adjustment{
		StickerPath:   "doll/subjects/a1-v2.png",
		BoundingBox:   &database.BoundingBox{X: 0.1, Y: 0.1, Width: 0.5, Height: 0.5},
		Confidence:    &conf,
		FeatureVector: v4,
	})
	require.NoError(t, err)

	assert.Equal(t, database.ExtractionManual, s.ExtractionMethod)
	assert.False(t, s.NeedsReview)
	require.NotNil(t, s.LastAdjustedAt)
	assert.Equal(t, f.clock, *s.LastAdjustedAt)

	stored := f.subject("a1")
	assert.Equal(t, "doll/subjects/a1-v2.png", stored.StickerPath)
	assert.Equal(t, "A", stored.EntityID)
	assert.InDelta(t, 0.6, f.getEntity("A").AverageConfidence, 1e-9)
	requireConsistent(t, f.store, "doll")
}

func TestSimilarity(t *testing.T) {
	f := newFixture(t, 0.75)
	f.add("s1", "doll", "", 0.9, v1)
	f.add("s2", "doll", "", 0.9, v2)
	f.add("s3", "doll", "", 0.9, nil)

	sim, err := f.svc.Similarity(f.ctx, "s1", "s2")
	require.NoError(t, err)
	assert.InDelta(t, 0.9, sim, 1e-3)

	sim, err = f.svc.Similarity(f.ctx, "s1", "s3")
	require.NoError(t, err)
	assert.Equal(t, 0.0, sim)

	_, err = f.svc.Similarity(f.ctx, "s1", "missing")
	require.ErrorIs(t, err, ErrSubjectNotFound)
}

func TestSuggestEntity(t *testing.T) {
	for _, withIndex := range []bool{false, true} {
		t.Run(fmt.Sprintf("index=%v", withIndex), func(t *testing.T) {
			f := mergeFixture(t)
			f.add("new", "doll", "", 0.8, database.FeatureVector{0.95, 0.3122, 0})
			f.add("far", "doll", "", 0.8, v4)
			f.add("novec", "doll", "", 0.8, nil)

			if withIndex {
				all, err := f.store.ListSubjects(f.ctx, "doll")
				require.NoError(t, err)
				idx := database.NewSubjectIndex()
				idx.Build(all)
				f.svc = NewService(f.store, NewEngine(0.75), nil, WithIndex(idx))
			}

			suggestions, err := f.svc.SuggestEntity(f.ctx, "new", 3)
			require.NoError(t, err)
			require.NotEmpty(t, suggestions)
			assert.Equal(t, "A", suggestions[0].EntityID)
			assert.GreaterOrEqual(t, suggestions[0].Similarity, 0.75)
			for _, sg := range suggestions {
				assert.NotEqual(t, "B", sg.EntityID, "B's only member is below threshold")
			}

			far, err := f.svc.SuggestEntity(f.ctx, "far", 3)
			require.NoError(t, err)
			assert.Empty(t, far)

			_, err = f.svc.SuggestEntity(f.ctx, "novec", 3)
			require.ErrorIs(t, err, ErrNoVector)
		})
	}
}

func TestIndexFollowsCommits(t *testing.T) {
	f := mergeFixture(t)
	all, err := f.store.ListSubjects(f.ctx, "doll")
	require.NoError(t, err)
	idx := database.NewSubjectIndex()
	idx.Build(all)
	f.svc = NewService(f.store, NewEngine(0.75), nil, WithIndex(idx))

	_, err = f.svc.Merge(f.ctx, []string{"A", "B"})
	require.NoError(t, err)
	_, err = f.svc.ExcludeSubject(f.ctx, "a2")
	require.NoError(t, err)

	hits, err := idx.Search(v3, "doll", 5)
	require.NoError(t, err)
	for _, h := range hits {
		assert.NotEqual(t, "a2", h.SubjectID)
		assert.Equal(t, "A", h.EntityID)
	}
}

func TestIndexPicksUpSubjectsExtractedAfterBuild(t *testing.T) {
	f := newFixture(t, 0.75)
	f.add("p1", "pet", "", 0.9, v1)
	all, err := f.store.ListSubjects(f.ctx, "pet")
	require.NoError(t, err)
	idx := database.NewSubjectIndex()
	idx.Build(all)
	f.svc = NewService(f.store, NewEngine(0.75), nil, WithIndex(idx))

	// Extracted after the index was built, then clustered into two entities.
	f.add("s1", "doll", "", 0.9, v1)
	f.add("s2", "doll", "", 0.8, v4)
	result, err := f.svc.ClusterSpec(f.ctx, "doll")
	require.NoError(t, err)
	require.Len(t, result.Entities, 2)
	assert.Equal(t, 3, idx.Count())

	f.add("s3", "doll", "", 0.7, v2)
	suggestions, err := f.svc.SuggestEntity(f.ctx, "s3", 3)
	require.NoError(t, err)
	require.NotEmpty(t, suggestions)
	assert.Equal(t, f.subject("s1").EntityID, suggestions[0].EntityID)
	assert.InDelta(t, 0.9, suggestions[0].Similarity, 1e-3)

	// An adjusted vector is searchable at its new position.
	_, err = f.svc.AdjustSubject(f.ctx, "s2", Adjustment{FeatureVector: v2})
	require.NoError(t, err)
	suggestions, err = f.svc.SuggestEntity(f.ctx, "s3", 3)
	require.NoError(t, err)
	require.Len(t, suggestions, 2)
	assert.Equal(t, f.subject("s2").EntityID, suggestions[0].EntityID)
	assert.InDelta(t, 1.0, suggestions[0].Similarity, 1e-6)
}

func TestConcurrentOperationsOnOneSpec(t *testing.T) {
	f := newFixture(t, 0.75)
	for i := range 6 {
		id := fmt.Sprintf("s%d", i)
		f.add(id, "doll", "E"+id, 0.5+float64(i)/20, v1)
		f.entity("E"+id, "doll")
	}

	var wg sync.WaitGroup
	errs := make(chan error, 3)
	for _, pair := range [][]string{{"Es0", "Es1"}, {"Es2", "Es3"}, {"Es4", "Es5"}} {
		wg.Add(1)
		go func(ids []string) {
			defer wg.Done()
			_, err := f.svc.Merge(f.ctx, ids)
			errs <- err
		}(pair)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	n, _ := f.store.CountEntities(f.ctx, "doll")
	assert.Equal(t, 3, n)
	requireConsistent(t, f.store, "doll")
}

func TestResetSpec(t *testing.T) {
	f := newFixture(t, 0.75)
	f.add("s1", "doll", "e1", 0.9, v1)
	f.add("s2", "doll", "", 0.8, v2)
	f.entity("e1", "doll")
	f.add("p1", "pet", "", 0.5, v3)

	removed, err := f.svc.ResetSpec(f.ctx, "doll")
	require.NoError(t, err)
	assert.Len(t, removed, 2)

	n, err := f.store.CountSubjects(f.ctx, "doll")
	require.NoError(t, err)
	assert.Zero(t, n)
	n, err = f.store.CountEntities(f.ctx, "doll")
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = f.store.CountSubjects(f.ctx, "pet")
	require.NoError(t, err)
	assert.Equal(t, 1, n, "other specs are untouched")
}
