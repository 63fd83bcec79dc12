package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/kozaktomas/objectcamp/internal/ai"
	"github.com/kozaktomas/objectcamp/internal/blobstore"
	"github.com/kozaktomas/objectcamp/internal/cluster"
	"github.com/kozaktomas/objectcamp/internal/database"
	"github.com/kozaktomas/objectcamp/internal/database/mock"
	"github.com/kozaktomas/objectcamp/internal/story"
)

var testTime = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

// testEnv is an in-memory library for the "doll" spec:
//
//	e1: s1 (cover), s2
//	e2: s3 (sticker file missing)
//	s4 unclustered, s5 excluded
type testEnv struct {
	store *mock.MockStore
	svc   *cluster.Service
	blobs *blobstore.Store
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	blobs, err := blobstore.New(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("failed to create blobstore: %v", err)
	}
	env := &testEnv{
		store: mock.NewMockStore(),
		blobs: blobs,
	}
	env.svc = cluster.NewService(env.store, cluster.NewEngine(0.75), zap.NewNop())

	env.store.AddSpec(database.TargetSpec{SpecID: "doll", DisplayName: "Dolls", TargetDescription: "Porcelain dolls", IsEnabled: true, CreatedAt: testTime})
	env.store.AddSpec(database.TargetSpec{SpecID: "car", DisplayName: "Cars", IsEnabled: false, CreatedAt: testTime.Add(time.Minute)})

	env.addSubject(t, "s1", "e1", 0.9, database.FeatureVector{1, 0, 0}, false)
	env.addSubject(t, "s2", "e1", 0.7, database.FeatureVector{0.9, 0.43589, 0}, false)
	env.addSubject(t, "s3", "e2", 0.6, database.FeatureVector{0.2, 0.97980, 0}, false)
	env.addSubject(t, "s4", "", 0.5, database.FeatureVector{0.95, 0.3122, 0}, false)
	env.addSubject(t, "s5", "", 0.4, database.FeatureVector{0, 0, 1}, true)

	env.store.AddEntity(database.Entity{ID: "e1", TargetSpecID: "doll", CoverSubjectID: "s1", AverageConfidence: 0.8, CreatedAt: testTime, UpdatedAt: testTime})
	env.store.AddEntity(database.Entity{ID: "e2", TargetSpecID: "doll", CoverSubjectID: "s3", AverageConfidence: 0.6, CreatedAt: testTime.Add(time.Second), UpdatedAt: testTime})

	// s3 keeps a sticker path without a file behind it.
	if err := blobs.Delete(blobstore.StickerPath("doll", "s3")); err != nil {
		t.Fatalf("failed to remove sticker: %v", err)
	}
	return env
}

// stories returns a story service over the environment; il may be nil.
func (env *testEnv) stories(il ai.Illustrator) *story.Service {
	return story.NewService(env.store, env.blobs, il, zap.NewNop())
}

// addStory stores a completed one-page story of an entity and returns the
// path of its page picture.
func (env *testEnv) addStory(t *testing.T, id, entityID string) string {
	t.Helper()
	page := blobstore.StoryPagePath("doll", id, 1)
	if err := env.blobs.Put(page, testPNG(t, 8, 8)); err != nil {
		t.Fatalf("failed to store page: %v", err)
	}
	err := env.store.CreateStory(t.Context(), &database.Story{
		ID:             id,
		TargetSpecID:   "doll",
		EntityID:       entityID,
		Title:          "Story " + id,
		Status:         database.TaskCompleted,
		Pages:          []database.StoryPage{{Prompt: "at the beach", ImagePath: page, MIMEType: "image/png"}},
		CompletedPages: 1,
		CreatedAt:      testTime,
	})
	if err != nil {
		t.Fatalf("failed to store story: %v", err)
	}
	return page
}

// addSubject stores a subject and writes a sticker image for it.
func (env *testEnv) addSubject(t *testing.T, id, entityID string, confidence float64, vec database.FeatureVector, excluded bool) {
	t.Helper()
	stickerPath := blobstore.StickerPath("doll", id)
	if err := env.blobs.Put(stickerPath, testPNG(t, 16, 12)); err != nil {
		t.Fatalf("failed to store sticker: %v", err)
	}
	env.store.AddSubject(database.Subject{
		ID:                  id,
		TargetSpecID:        "doll",
		SourceImageID:       "img-" + id + ".jpg",
		StickerPath:         stickerPath,
		Confidence:          confidence,
		FeatureVector:       vec,
		EntityID:            entityID,
		IsMarkedAsNonTarget: excluded,
		ExtractionMethod:    database.ExtractionAutomatic,
		ExtractedAt:         testTime.Add(time.Duration(id[1]-'0') * time.Minute),
	})
}

// testPNG encodes a solid image of the given size.
func testPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			img.Set(x, y, color.RGBA{R: 200, G: 80, B: 40, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("failed to encode png: %v", err)
	}
	return buf.Bytes()
}

// requestWithChiParams creates a request with chi URL parameters
func requestWithChiParams(r *http.Request, params map[string]string) *http.Request {
	rctx := chi.NewRouteContext()
	for key, value := range params {
		rctx.URLParams.Add(key, value)
	}
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

// jsonRequest creates a request with a JSON body and chi URL parameters
func jsonRequest(t *testing.T, method, path string, body any, params map[string]string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	return requestWithChiParams(req, params)
}

// parseJSONResponse parses a JSON response body into the target type
func parseJSONResponse(t *testing.T, recorder *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), target); err != nil {
		t.Fatalf("failed to parse JSON response: %v\nBody: %s", err, recorder.Body.String())
	}
}

// assertStatusCode checks if the response has the expected status code
func assertStatusCode(t *testing.T, recorder *httptest.ResponseRecorder, expected int) {
	t.Helper()
	if recorder.Code != expected {
		t.Errorf("expected status %d, got %d\nBody: %s", expected, recorder.Code, recorder.Body.String())
	}
}

// assertContentType checks if the response has the expected content type
func assertContentType(t *testing.T, recorder *httptest.ResponseRecorder, expected string) {
	t.Helper()
	ct := recorder.Header().Get("Content-Type")
	if ct != expected {
		t.Errorf("expected Content-Type '%s', got '%s'", expected, ct)
	}
}

// assertJSONError checks if the response is a JSON error with the expected message
func assertJSONError(t *testing.T, recorder *httptest.ResponseRecorder, expectedMessage string) {
	t.Helper()
	var result map[string]string
	if err := json.Unmarshal(recorder.Body.Bytes(), &result); err != nil {
		t.Fatalf("failed to parse error response: %v\nBody: %s", err, recorder.Body.String())
	}
	if result["error"] != expectedMessage {
		t.Errorf("expected error '%s', got '%s'", expectedMessage, result["error"])
	}
}
