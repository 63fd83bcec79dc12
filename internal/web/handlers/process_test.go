package handlers

import (
	"bytes"
	"context"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/kozaktomas/objectcamp/internal/cluster"
	"github.com/kozaktomas/objectcamp/internal/database"
	"github.com/kozaktomas/objectcamp/internal/extraction"
)

// fakeProcessor records its call and optionally blocks until released or cancelled.
type fakeProcessor struct {
	mu       sync.Mutex
	specID   string
	assetIDs []string
	opts     extraction.Options
	data     map[string][]byte
	release  chan struct{}
	err      error
}

func (f *fakeProcessor) Process(
	ctx context.Context, specID string, assetIDs []string, loader extraction.AssetLoader,
	opts extraction.Options, _ extraction.Clusterer, progress extraction.ProgressFunc,
) (*extraction.Report, error) {
	f.mu.Lock()
	f.specID, f.assetIDs, f.opts = specID, assetIDs, opts
	f.data = make(map[string][]byte)
	for _, id := range assetIDs {
		data, err := loader.Load(ctx, id)
		if err == nil {
			f.data[id] = data
		}
	}
	f.mu.Unlock()

	task := database.ProcessingTask{ID: "task-1", TargetSpecID: specID, Status: database.TaskProcessing, TotalCount: len(assetIDs)}
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			task.Status = database.TaskCancelled
			return &extraction.Report{Task: task}, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	task.ProcessedCount = len(assetIDs)
	task.SuccessCount = len(assetIDs)
	progress(task)
	task.Status = database.TaskCompleted
	return &extraction.Report{
		Task:     task,
		Subjects: len(assetIDs),
		Cluster:  &cluster.Result{SpecID: specID, Outcome: cluster.OutcomeNothingGrouped, Candidates: len(assetIDs)},
	}, nil
}

func newProcessHandler(env *testEnv, p Processor) *ProcessHandler {
	return NewProcessHandler(env.store, p, env.svc, NewJobManager(), zap.NewNop())
}

// uploadRequest builds a multipart process request for the given files.
func uploadRequest(t *testing.T, specID string, files map[string][]byte, force bool) *http.Request {
	t.Helper()
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	for name, data := range files {
		part, err := writer.CreateFormFile("files", name)
		if err != nil {
			t.Fatalf("CreateFormFile: %v", err)
		}
		part.Write(data)
	}
	if force {
		writer.WriteField("force", "true")
	}
	writer.Close()

	req := httptest.NewRequest("POST", "/api/v1/specs/"+specID+"/process", &body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return requestWithChiParams(req, map[string]string{"specId": specID})
}

// waitForStatus polls a job until it reaches want or the deadline passes.
func waitForStatus(t *testing.T, job *ProcessJob, want JobStatus) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if job.GetStatus() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s stuck in %s, want %s", job.ID, job.GetStatus(), want)
}

func startJob(t *testing.T, handler *ProcessHandler, req *http.Request) *ProcessJob {
	t.Helper()
	recorder := httptest.NewRecorder()
	handler.Start(recorder, req)
	assertStatusCode(t, recorder, http.StatusAccepted)

	var result map[string]string
	parseJSONResponse(t, recorder, &result)
	job := handler.jobs.GetJob(result["job_id"])
	if job == nil {
		t.Fatalf("job %s not registered", result["job_id"])
	}
	return job
}

func TestProcessHandler_Start(t *testing.T) {
	env := newTestEnv(t)
	processor := &fakeProcessor{}
	handler := newProcessHandler(env, processor)

	img := testPNG(t, 10, 10)
	job := startJob(t, handler, uploadRequest(t, "doll", map[string][]byte{
		"b.png":        img,
		"nested/a.jpg": img,
	}, true))
	waitForStatus(t, job, JobStatusCompleted)

	processor.mu.Lock()
	defer processor.mu.Unlock()
	if processor.specID != "doll" {
		t.Errorf("expected spec doll, got %s", processor.specID)
	}
	if strings.Join(processor.assetIDs, ",") != "a.jpg,b.png" {
		t.Errorf("expected sorted base names, got %v", processor.assetIDs)
	}
	if !processor.opts.Force {
		t.Error("expected force option")
	}
	if !bytes.Equal(processor.data["a.jpg"], img) {
		t.Error("expected uploaded bytes to reach the processor")
	}

	view := job.Snapshot()
	if view.Report == nil || view.Report.Subjects != 2 {
		t.Errorf("expected report with 2 subjects, got %+v", view.Report)
	}
	if view.Task == nil || view.Task.ProcessedCount != 2 {
		t.Errorf("expected progress task, got %+v", view.Task)
	}
	if view.CompletedAt == nil || view.TotalImages != 2 {
		t.Errorf("unexpected job view: %+v", view)
	}
}

func TestProcessHandler_StartValidation(t *testing.T) {
	img := testPNG(t, 4, 4)
	tests := []struct {
		name       string
		specID     string
		files      map[string][]byte
		wantStatus int
		wantError  string
	}{
		{"unknown spec", "pet", map[string][]byte{"a.png": img}, http.StatusNotFound, "target spec not found"},
		{"disabled spec", "car", map[string][]byte{"a.png": img}, http.StatusConflict, "target spec is disabled"},
		{"no files", "doll", map[string][]byte{}, http.StatusBadRequest, "no files provided"},
		{"unsupported type", "doll", map[string][]byte{"notes.txt": []byte("hi")}, http.StatusBadRequest, "unsupported file type: notes.txt"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			handler := newProcessHandler(env, &fakeProcessor{})

			recorder := httptest.NewRecorder()
			handler.Start(recorder, uploadRequest(t, tt.specID, tt.files, false))

			assertStatusCode(t, recorder, tt.wantStatus)
			assertJSONError(t, recorder, tt.wantError)
			if n := len(handler.jobs.ListJobs()); n != 0 {
				t.Errorf("expected no jobs, got %d", n)
			}
		})
	}
}

func TestReadUploadedImages_KeepsSameNamedFiles(t *testing.T) {
	first, second := testPNG(t, 4, 4), testPNG(t, 5, 5)
	req := uploadRequest(t, "doll", map[string][]byte{"x/IMG_0001.png": first, "y/IMG_0001.png": second}, false)
	if err := req.ParseMultipartForm(1 << 20); err != nil {
		t.Fatalf("ParseMultipartForm: %v", err)
	}

	loader, ids, err := readUploadedImages(req.MultipartForm.File["files"])
	if err != nil {
		t.Fatalf("readUploadedImages: %v", err)
	}
	if len(ids) != 2 || ids[0] != "IMG_0001.png" || ids[1] != "IMG_0001.png#2" {
		t.Fatalf("unexpected asset ids %v", ids)
	}
	if bytes.Equal(loader[ids[0]], loader[ids[1]]) {
		t.Error("expected both images to be kept")
	}
}

func TestProcessHandler_OneJobPerSpec(t *testing.T) {
	env := newTestEnv(t)
	processor := &fakeProcessor{release: make(chan struct{})}
	handler := newProcessHandler(env, processor)

	img := testPNG(t, 4, 4)
	job := startJob(t, handler, uploadRequest(t, "doll", map[string][]byte{"a.png": img}, false))
	waitForStatus(t, job, JobStatusRunning)

	recorder := httptest.NewRecorder()
	handler.Start(recorder, uploadRequest(t, "doll", map[string][]byte{"b.png": img}, false))
	assertStatusCode(t, recorder, http.StatusConflict)

	close(processor.release)
	waitForStatus(t, job, JobStatusCompleted)

	// A finished job no longer blocks the spec.
	second := startJob(t, handler, uploadRequest(t, "doll", map[string][]byte{"b.png": img}, false))
	waitForStatus(t, second, JobStatusCompleted)
}

func TestProcessHandler_Cancel(t *testing.T) {
	env := newTestEnv(t)
	processor := &fakeProcessor{release: make(chan struct{})}
	handler := newProcessHandler(env, processor)

	job := startJob(t, handler, uploadRequest(t, "doll", map[string][]byte{"a.png": testPNG(t, 4, 4)}, false))
	waitForStatus(t, job, JobStatusRunning)

	params := map[string]string{"jobId": job.ID}
	recorder := httptest.NewRecorder()
	handler.Cancel(recorder, requestWithChiParams(httptest.NewRequest("DELETE", "/", nil), params))
	assertStatusCode(t, recorder, http.StatusOK)

	waitForStatus(t, job, JobStatusCancelled)

	recorder = httptest.NewRecorder()
	handler.Cancel(recorder, requestWithChiParams(httptest.NewRequest("DELETE", "/", nil), params))
	assertStatusCode(t, recorder, http.StatusConflict)

	recorder = httptest.NewRecorder()
	handler.Cancel(recorder, requestWithChiParams(httptest.NewRequest("DELETE", "/", nil), map[string]string{"jobId": "nope"}))
	assertStatusCode(t, recorder, http.StatusNotFound)
}

func TestProcessHandler_Failure(t *testing.T) {
	env := newTestEnv(t)
	handler := newProcessHandler(env, &fakeProcessor{err: extraction.ErrSpecDisabled})

	job := startJob(t, handler, uploadRequest(t, "doll", map[string][]byte{"a.png": testPNG(t, 4, 4)}, false))
	waitForStatus(t, job, JobStatusFailed)

	if view := job.Snapshot(); view.Error != extraction.ErrSpecDisabled.Error() {
		t.Errorf("expected error message, got %q", view.Error)
	}
}

func TestProcessHandler_StatusAndList(t *testing.T) {
	env := newTestEnv(t)
	handler := newProcessHandler(env, &fakeProcessor{})

	job := startJob(t, handler, uploadRequest(t, "doll", map[string][]byte{"a.png": testPNG(t, 4, 4)}, false))
	waitForStatus(t, job, JobStatusCompleted)

	recorder := httptest.NewRecorder()
	handler.Status(recorder, requestWithChiParams(httptest.NewRequest("GET", "/", nil), map[string]string{"jobId": job.ID}))
	assertStatusCode(t, recorder, http.StatusOK)

	var view ProcessJobView
	parseJSONResponse(t, recorder, &view)
	if view.ID != job.ID || view.Status != JobStatusCompleted || view.SpecID != "doll" {
		t.Errorf("unexpected view: %+v", view)
	}

	recorder = httptest.NewRecorder()
	handler.Status(recorder, requestWithChiParams(httptest.NewRequest("GET", "/", nil), map[string]string{"jobId": "nope"}))
	assertStatusCode(t, recorder, http.StatusNotFound)

	recorder = httptest.NewRecorder()
	handler.List(recorder, httptest.NewRequest("GET", "/api/v1/process", nil))
	assertStatusCode(t, recorder, http.StatusOK)
	var views []ProcessJobView
	parseJSONResponse(t, recorder, &views)
	if len(views) != 1 {
		t.Errorf("expected 1 job, got %d", len(views))
	}
}

func TestProcessHandler_EventsForFinishedJob(t *testing.T) {
	env := newTestEnv(t)
	handler := newProcessHandler(env, &fakeProcessor{})

	job := startJob(t, handler, uploadRequest(t, "doll", map[string][]byte{"a.png": testPNG(t, 4, 4)}, false))
	waitForStatus(t, job, JobStatusCompleted)

	recorder := httptest.NewRecorder()
	handler.Events(recorder, requestWithChiParams(httptest.NewRequest("GET", "/", nil), map[string]string{"jobId": job.ID}))

	assertStatusCode(t, recorder, http.StatusOK)
	assertContentType(t, recorder, "text/event-stream")
	body := recorder.Body.String()
	if !strings.HasPrefix(body, "event: status\ndata: ") {
		t.Errorf("expected initial status event, got %q", body)
	}
	if !strings.Contains(body, `"status":"completed"`) {
		t.Errorf("expected completed status in stream, got %q", body)
	}
}

func TestProcessHandler_EventsStream(t *testing.T) {
	env := newTestEnv(t)
	processor := &fakeProcessor{release: make(chan struct{})}
	handler := newProcessHandler(env, processor)

	job := startJob(t, handler, uploadRequest(t, "doll", map[string][]byte{"a.png": testPNG(t, 4, 4)}, false))
	waitForStatus(t, job, JobStatusRunning)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler.Events(w, requestWithChiParams(r, map[string]string{"jobId": job.ID}))
	}))
	defer server.Close()

	resp, err := http.Get(server.URL)
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	defer resp.Body.Close()

	// The initial status event is flushed before the job finishes.
	buf := make([]byte, 512)
	n, err := resp.Body.Read(buf)
	if err != nil || !strings.HasPrefix(string(buf[:n]), "event: status") {
		t.Fatalf("expected initial status event, got %q (%v)", buf[:n], err)
	}

	close(processor.release)

	var rest bytes.Buffer
	if _, err := rest.ReadFrom(resp.Body); err != nil {
		t.Fatalf("reading stream: %v", err)
	}
	if !strings.Contains(rest.String(), "event: completed") {
		t.Errorf("expected completed event, got %q", rest.String())
	}
}

func TestJobManager_CancelRunning(t *testing.T) {
	manager := NewJobManager()

	cancelled := false
	running := &ProcessJob{ID: "j1", SpecID: "doll", Status: JobStatusRunning}
	running.cancel = func() { cancelled = true }
	done := &ProcessJob{ID: "j2", SpecID: "car", Status: JobStatusCompleted}
	done.cancel = func() { t.Error("finished job must not be cancelled") }

	if !manager.Start(running) || !manager.Start(done) {
		t.Fatal("expected both jobs to register")
	}
	if n := manager.CancelRunning(); n != 1 {
		t.Errorf("expected 1 cancelled job, got %d", n)
	}
	if !cancelled {
		t.Error("expected running job to be cancelled")
	}
}

func TestJobManager_StartBlocksSameSpec(t *testing.T) {
	manager := NewJobManager()

	if !manager.Start(&ProcessJob{ID: "j1", SpecID: "doll", Status: JobStatusPending}) {
		t.Fatal("expected first job to start")
	}
	if manager.Start(&ProcessJob{ID: "j2", SpecID: "doll", Status: JobStatusPending}) {
		t.Error("expected second job for the same spec to be rejected")
	}
	if !manager.Start(&ProcessJob{ID: "j3", SpecID: "car", Status: JobStatusPending}) {
		t.Error("expected job for another spec to start")
	}

	manager.DeleteJob("j1")
	if manager.GetJob("j1") != nil {
		t.Error("expected j1 to be deleted")
	}
}

func TestProcessJob_Listeners(t *testing.T) {
	job := &ProcessJob{ID: "j1"}

	ch1 := job.AddListener()
	ch2 := job.AddListener()
	job.SendEvent(JobEvent{Type: "progress", Message: "1/2"})

	for i, ch := range []chan JobEvent{ch1, ch2} {
		select {
		case ev := <-ch:
			if ev.Type != "progress" {
				t.Errorf("listener %d: expected progress, got %s", i, ev.Type)
			}
		default:
			t.Errorf("listener %d: expected an event", i)
		}
	}

	job.RemoveListener(ch1)
	if _, ok := <-ch1; ok {
		t.Error("expected removed listener channel to be closed")
	}
	job.SendEvent(JobEvent{Type: "completed"})
	if ev := <-ch2; ev.Type != "completed" {
		t.Errorf("expected completed, got %s", ev.Type)
	}
}
