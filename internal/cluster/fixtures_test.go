package cluster

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kozaktomas/objectcamp/internal/database"
	"github.com/kozaktomas/objectcamp/internal/database/mock"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// Unit vectors with known pairwise similarities:
// sim(v1,v2)=0.9, sim(v1,v3)=0.2, sim(v1,v4)=0.2, sim(v3,v4)=0.1.
var (
	v1 = database.FeatureVector{1, 0, 0}
	v2 = database.FeatureVector{0.9, 0.43589, 0}
	v3 = database.FeatureVector{0.2, 0.97980, 0}
	v4 = database.FeatureVector{0.2, 0.061237, 0.977881}
)

type fixture struct {
	t     *testing.T
	ctx   context.Context
	store *mock.MockStore
	svc   *Service
	clock time.Time
	n     int
}

func newFixture(t *testing.T, threshold float64) *fixture {
	t.Helper()
	f := &fixture{
		t:     t,
		ctx:   context.Background(),
		store: mock.NewMockStore(),
		clock: baseTime.Add(24 * time.Hour),
	}
	f.svc = NewService(f.store, NewEngine(threshold), zap.NewNop(), WithClock(func() time.Time { return f.clock }))
	return f
}

// add stores a subject with an increasing extraction time.
func (f *fixture) add(id, specID, entityID string, confidence float64, vec database.FeatureVector) {
	f.n++
	f.store.AddSubject(database.Subject{
		ID:               id,
		TargetSpecID:     specID,
		SourceImageID:    "img-" + id,
		StickerPath:      specID + "/subjects/" + id + ".png",
		Confidence:       confidence,
		FeatureVector:    vec,
		EntityID:         entityID,
		ExtractionMethod: database.ExtractionAutomatic,
		ExtractedAt:      baseTime.Add(time.Duration(f.n) * time.Minute),
	})
}

// entity stores an entity whose aggregates match the members already added.
func (f *fixture) entity(id, specID string) {
	members, err := f.store.SubjectsByEntity(f.ctx, id)
	require.NoError(f.t, err)
	require.NotEmpty(f.t, members, "entity %s needs members", id)

	sum := 0.0
	for _, m := range members {
		sum += m.Confidence
	}
	f.n++
	f.store.AddEntity(database.Entity{
		ID:                id,
		TargetSpecID:      specID,
		CoverSubjectID:    members[0].ID,
		AverageConfidence: sum / float64(len(members)),
		CreatedAt:         baseTime.Add(time.Duration(f.n) * time.Minute),
		UpdatedAt:         baseTime.Add(time.Duration(f.n) * time.Minute),
	})
}

func (f *fixture) subject(id string) *database.Subject {
	s, err := f.store.GetSubject(f.ctx, id)
	require.NoError(f.t, err)
	require.NotNil(f.t, s, "subject %s", id)
	return s
}

func (f *fixture) getEntity(id string) *database.Entity {
	e, err := f.store.GetEntity(f.ctx, id)
	require.NoError(f.t, err)
	return e
}

func (f *fixture) memberIDs(entityID string) []string {
	members, err := f.store.SubjectsByEntity(f.ctx, entityID)
	require.NoError(f.t, err)
	ids := make([]string, len(members))
	for i, m := range members {
		ids[i] = m.ID
	}
	return ids
}

// requireConsistent checks the partition, aggregate, exclusion and cleanup
// invariants over everything stored for a spec.
func requireConsistent(t *testing.T, store *mock.MockStore, specID string) {
	t.Helper()
	ctx := context.Background()

	snap, err := store.Snapshot(ctx, specID)
	require.NoError(t, err)

	live := make(map[string]*database.Entity, len(snap.Entities))
	for i := range snap.Entities {
		live[snap.Entities[i].ID] = &snap.Entities[i]
	}

	members := make(map[string][]database.Subject)
	for _, s := range snap.Subjects {
		if s.EntityID == "" {
			continue
		}
		e, ok := live[s.EntityID]
		require.Truef(t, ok, "subject %s points at missing entity %s", s.ID, s.EntityID)
		require.Equalf(t, e.TargetSpecID, s.TargetSpecID, "subject %s crosses specs", s.ID)
		require.Falsef(t, s.IsMarkedAsNonTarget, "excluded subject %s is a member of %s", s.ID, s.EntityID)
		members[s.EntityID] = append(members[s.EntityID], s)
	}

	for id, e := range live {
		m := members[id]
		require.NotEmptyf(t, m, "entity %s has no members", id)

		sum := 0.0
		for _, s := range m {
			sum += s.Confidence
		}
		require.InDeltaf(t, sum/float64(len(m)), e.AverageConfidence, 1e-9, "entity %s average", id)
		require.False(t, math.IsNaN(e.AverageConfidence))

		coverIsMember := false
		for _, s := range m {
			if s.ID == e.CoverSubjectID {
				coverIsMember = true
			}
		}
		require.Truef(t, coverIsMember, "entity %s cover %s is not a member", id, e.CoverSubjectID)
	}
}
