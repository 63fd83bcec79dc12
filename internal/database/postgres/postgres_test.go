//go:build integration

package postgres

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/kozaktomas/objectcamp/internal/config"
	"github.com/kozaktomas/objectcamp/internal/database"
)

func setupTestContainer(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "pgvector/pgvector:pg16",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
			"POSTGRES_DB":       "testdb",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil || container == nil {
		t.Skipf("Docker not available or container failed to start, skipping integration test: %v", err)
	}
	t.Cleanup(func() { container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	cfg := &config.DatabaseConfig{
		URL:          fmt.Sprintf("postgres://test:test@%s:%s/testdb?sslmode=disable", host, port.Port()),
		MaxOpenConns: 5,
		MaxIdleConns: 2,
	}

	store, err := Open(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return store
}

var extractedAt = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testSubject(id, specID string, minute int, vec database.FeatureVector) database.Subject {
	return database.Subject{
		ID:               id,
		TargetSpecID:     specID,
		SourceImageID:    "img-" + id,
		StickerPath:      specID + "/subjects/" + id + ".png",
		BoundingBox:      &database.BoundingBox{X: 0.1, Y: 0.2, Width: 0.3, Height: 0.4},
		Confidence:       0.5 + float64(minute)/100,
		FeatureVector:    vec,
		ExtractionMethod: database.ExtractionAutomatic,
		ExtractedAt:      extractedAt.Add(time.Duration(minute) * time.Minute),
	}
}

func TestStore(t *testing.T) {
	store := setupTestContainer(t)
	ctx := context.Background()

	require.NoError(t, store.SaveSpec(ctx, &database.TargetSpec{SpecID: "doll", DisplayName: "Dolls", IsEnabled: true}))
	require.NoError(t, store.SaveSpec(ctx, &database.TargetSpec{SpecID: "pet", DisplayName: "Pets", IsEnabled: true}))

	t.Run("Migrations", func(t *testing.T) {
		versions, err := store.pool.MigrationsApplied(ctx)
		require.NoError(t, err)
		assert.Contains(t, versions, "001_initial_schema.sql")
		assert.Contains(t, versions, "002_stories.sql")

		again, err := store.pool.Migrate(ctx)
		require.NoError(t, err)
		assert.Empty(t, again)
	})

	t.Run("Specs", func(t *testing.T) {
		spec, err := store.GetSpec(ctx, "doll")
		require.NoError(t, err)
		require.NotNil(t, spec)
		assert.Equal(t, "Dolls", spec.DisplayName)
		assert.False(t, spec.CreatedAt.IsZero())

		missing, err := store.GetSpec(ctx, "nope")
		require.NoError(t, err)
		assert.Nil(t, missing)

		specs, err := store.ListSpecs(ctx)
		require.NoError(t, err)
		assert.Len(t, specs, 2)
	})

	t.Run("SubjectsRoundTrip", func(t *testing.T) {
		subjects := []database.Subject{
			testSubject("s2", "doll", 2, database.FeatureVector{0.9, 0.43589, 0}),
			testSubject("s1", "doll", 1, database.FeatureVector{1, 0, 0}),
			testSubject("s3", "doll", 3, nil),
			testSubject("p1", "pet", 1, database.FeatureVector{1, 0, 0}),
		}
		require.NoError(t, store.SaveSubjects(ctx, subjects))

		got, err := store.GetSubject(ctx, "s1")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, database.FeatureVector{1, 0, 0}, got.FeatureVector)
		require.NotNil(t, got.BoundingBox)
		assert.InDelta(t, 0.3, got.BoundingBox.Width, 1e-9)
		assert.Empty(t, got.EntityID)

		noVec, err := store.GetSubject(ctx, "s3")
		require.NoError(t, err)
		assert.Nil(t, noVec.FeatureVector)

		list, err := store.ListSubjects(ctx, "doll")
		require.NoError(t, err)
		require.Len(t, list, 3)
		assert.Equal(t, "s1", list[0].ID, "extraction order")

		eligible, err := store.EligibleSubjects(ctx, "doll")
		require.NoError(t, err)
		assert.Len(t, eligible, 3)

		bySource, err := store.SubjectsBySource(ctx, "doll", "img-s2")
		require.NoError(t, err)
		assert.Len(t, bySource, 1)
	})

	t.Run("CommitAndSnapshot", func(t *testing.T) {
		e := database.Entity{
			ID: "e1", TargetSpecID: "doll", CoverSubjectID: "s1", AverageConfidence: 0.515,
			CreatedAt: extractedAt, UpdatedAt: extractedAt,
		}
		require.NoError(t, store.Commit(ctx, database.ChangeSet{
			CreatedEntities: []database.Entity{e},
			Assignments: []database.Assignment{
				{SubjectID: "s1", EntityID: "e1"},
				{SubjectID: "s2", EntityID: "e1"},
			},
		}))

		members, err := store.SubjectsByEntity(ctx, "e1")
		require.NoError(t, err)
		assert.Len(t, members, 2)

		snap, err := store.Snapshot(ctx, "doll")
		require.NoError(t, err)
		assert.Len(t, snap.Entities, 1)
		assert.Len(t, snap.Subjects, 3)

		n, err := store.CountEntities(ctx, "doll")
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("CommitIsAtomic", func(t *testing.T) {
		err := store.Commit(ctx, database.ChangeSet{
			Assignments:      []database.Assignment{{SubjectID: "s3", EntityID: "e1"}},
			DeletedEntityIDs: []string{"missing"},
		})
		require.Error(t, err)

		s3, err := store.GetSubject(ctx, "s3")
		require.NoError(t, err)
		assert.Empty(t, s3.EntityID, "assignment must be rolled back")
	})

	t.Run("DeleteEntityDetachesMembers", func(t *testing.T) {
		name := "Lucy"
		now := extractedAt.Add(time.Hour)
		require.NoError(t, store.Commit(ctx, database.ChangeSet{
			UpdatedEntities: []database.Entity{{
				ID: "e1", TargetSpecID: "doll", CustomName: &name, CoverSubjectID: "s2",
				AverageConfidence: 0.515, CreatedAt: extractedAt, UpdatedAt: now,
			}},
		}))
		e, err := store.GetEntity(ctx, "e1")
		require.NoError(t, err)
		require.NotNil(t, e.CustomName)
		assert.Equal(t, "Lucy", *e.CustomName)
		assert.Equal(t, "s2", e.CoverSubjectID)

		require.NoError(t, store.Commit(ctx, database.ChangeSet{DeletedEntityIDs: []string{"e1"}}))

		s1, err := store.GetSubject(ctx, "s1")
		require.NoError(t, err)
		assert.Empty(t, s1.EntityID)
	})

	t.Run("NearestSubjects", func(t *testing.T) {
		neighbors, err := store.NearestSubjects(ctx, "doll", database.FeatureVector{1, 0, 0}, 5, "s1")
		require.NoError(t, err)
		require.Len(t, neighbors, 1, "vectorless and other-spec subjects are skipped")
		assert.Equal(t, "s2", neighbors[0].SubjectID)
		assert.InDelta(t, 0.9, neighbors[0].Similarity, 1e-3)
	})

	t.Run("Tasks", func(t *testing.T) {
		task := &database.ProcessingTask{
			ID: "t1", TargetSpecID: "doll", Status: database.TaskPending,
			AssetIDs: []string{"a", "b"}, TotalCount: 2, CreatedAt: extractedAt,
		}
		require.NoError(t, store.CreateTask(ctx, task))

		started := extractedAt.Add(time.Second)
		task.Status = database.TaskProcessing
		task.StartedAt = &started
		task.RecordSuccess()
		task.RecordFailure("b")
		require.NoError(t, store.UpdateTask(ctx, task))

		got, err := store.GetTask(ctx, "t1")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, database.TaskProcessing, got.Status)
		assert.Equal(t, []string{"a", "b"}, got.AssetIDs)
		assert.Equal(t, []string{"b"}, got.FailedAssetIDs)
		assert.Equal(t, 2, got.ProcessedCount)
		require.NotNil(t, got.StartedAt)

		require.Error(t, store.UpdateTask(ctx, &database.ProcessingTask{ID: "missing"}))
	})

	t.Run("Stories", func(t *testing.T) {
		story := &database.Story{
			ID: "st1", TargetSpecID: "doll", EntityID: "e1", Title: "Summer", Status: database.TaskPending,
			Pages:     []database.StoryPage{{Prompt: "beach"}, {Prompt: "forest"}},
			CreatedAt: extractedAt,
		}
		require.NoError(t, store.CreateStory(ctx, story))

		story.Status = database.TaskCompleted
		story.Pages[0].ImagePath = "doll/illustrations/st1-p01.png"
		story.Pages[1].ImagePath = "doll/illustrations/st1-p02.png"
		story.CompletedPages = 2
		done := extractedAt.Add(time.Minute)
		story.CompletedAt = &done
		require.NoError(t, store.UpdateStory(ctx, story))

		got, err := store.GetStory(ctx, "st1")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, story.Pages, got.Pages)
		assert.Equal(t, database.TaskCompleted, got.Status)

		require.NoError(t, store.ReassignStories(ctx, []string{"e1"}, "e7"))
		moved, err := store.ListStories(ctx, "doll", "e7")
		require.NoError(t, err)
		require.Len(t, moved, 1)

		require.NoError(t, store.DeleteStories(ctx, []string{"st1"}))
		gone, err := store.GetStory(ctx, "st1")
		require.NoError(t, err)
		assert.Nil(t, gone)
	})

	t.Run("ResetSpec", func(t *testing.T) {
		require.NoError(t, store.ResetSpec(ctx, "doll"))

		n, err := store.CountSubjects(ctx, "doll")
		require.NoError(t, err)
		assert.Zero(t, n)

		pets, err := store.CountSubjects(ctx, "pet")
		require.NoError(t, err)
		assert.Equal(t, 1, pets)
	})
}
