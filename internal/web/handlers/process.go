package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kozaktomas/objectcamp/internal/constants"
	"github.com/kozaktomas/objectcamp/internal/database"
	"github.com/kozaktomas/objectcamp/internal/extraction"
)

// Processor runs extraction followed by clustering.
type Processor interface {
	Process(
		ctx context.Context, specID string, assetIDs []string, loader extraction.AssetLoader,
		opts extraction.Options, clusterer extraction.Clusterer, progress extraction.ProgressFunc,
	) (*extraction.Report, error)
}

// ProcessHandler runs extraction jobs over uploaded images.
type ProcessHandler struct {
	specs     database.SpecReader
	processor Processor
	clusterer extraction.Clusterer
	jobs      *JobManager
	logger    *zap.Logger
}

// NewProcessHandler creates a new process handler.
func NewProcessHandler(
	specs database.SpecReader, processor Processor, clusterer extraction.Clusterer, jobs *JobManager, logger *zap.Logger,
) *ProcessHandler {
	return &ProcessHandler{
		specs:     specs,
		processor: processor,
		clusterer: clusterer,
		jobs:      jobs,
		logger:    logger.Named("process"),
	}
}

// readUploadedImages loads multipart images into memory keyed by their base
// name. Files are identified by content during extraction, so images from
// different folders sharing a name are kept apart as "name#2", "name#3".
func readUploadedImages(files []*multipart.FileHeader) (extraction.MemoryLoader, []string, error) {
	loader := make(extraction.MemoryLoader, len(files))
	ids := make([]string, 0, len(files))
	for _, fh := range files {
		name := filepath.Base(fh.Filename)
		if !extraction.IsSupportedImage(name) {
			return nil, nil, fmt.Errorf("unsupported file type: %s", name)
		}
		if fh.Size > constants.MaxUploadSize {
			return nil, nil, fmt.Errorf("file too large: %s", name)
		}

		f, err := fh.Open()
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open file: %s", name)
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read file: %s", name)
		}
		id := name
		for n := 2; ; n++ {
			if _, taken := loader[id]; !taken {
				break
			}
			id = fmt.Sprintf("%s#%d", name, n)
		}
		loader[id] = data
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return loader, ids, nil
}

// Start accepts images for a spec and launches a background process job.
func (h *ProcessHandler) Start(w http.ResponseWriter, r *http.Request) {
	specID := chi.URLParam(r, "specId")

	spec, err := h.specs.GetSpec(r.Context(), specID)
	if err != nil {
		respondServiceError(w, h.logger, "fetching spec", err)
		return
	}
	if spec == nil {
		respondError(w, http.StatusNotFound, "target spec not found")
		return
	}
	if !spec.IsEnabled {
		respondError(w, http.StatusConflict, "target spec is disabled")
		return
	}

	if err := r.ParseMultipartForm(constants.MaxUploadSize); err != nil {
		respondError(w, http.StatusBadRequest, "failed to parse multipart form")
		return
	}
	defer r.MultipartForm.RemoveAll()

	files := r.MultipartForm.File["files"]
	if len(files) == 0 {
		respondError(w, http.StatusBadRequest, "no files provided")
		return
	}
	if len(files) > constants.MaxUploadFiles {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("at most %d files per request", constants.MaxUploadFiles))
		return
	}

	loader, assetIDs, err := readUploadedImages(files)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	job := &ProcessJob{
		ID:          uuid.New().String(),
		SpecID:      specID,
		Status:      JobStatusPending,
		Force:       r.FormValue("force") == "true",
		TotalImages: len(assetIDs),
		StartedAt:   time.Now(),
	}
	job.cancel = cancel

	if !h.jobs.Start(job) {
		cancel()
		respondError(w, http.StatusConflict, "a process job is already running for this spec")
		return
	}

	go h.run(ctx, job, assetIDs, loader)

	respondJSON(w, http.StatusAccepted, map[string]string{
		"job_id": job.ID,
		"status": string(JobStatusPending),
	})
}

// run executes the job in the background.
func (h *ProcessHandler) run(ctx context.Context, job *ProcessJob, assetIDs []string, loader extraction.AssetLoader) {
	defer job.cancel()

	job.setStatus(JobStatusRunning)
	job.SendEvent(JobEvent{Type: "started", Message: "Process job started"})

	progress := func(task database.ProcessingTask) {
		job.mu.Lock()
		job.Task = &task
		job.mu.Unlock()
		job.SendEvent(JobEvent{Type: "progress", Data: task})
	}

	report, err := h.processor.Process(ctx, job.SpecID, assetIDs, loader, extraction.Options{Force: job.Force}, h.clusterer, progress)

	completed := time.Now()
	job.mu.Lock()
	job.Report = report
	job.CompletedAt = &completed
	switch {
	case errors.Is(err, context.Canceled):
		job.Status = JobStatusCancelled
	case err != nil:
		job.Status = JobStatusFailed
		job.Error = err.Error()
	default:
		job.Status = JobStatusCompleted
	}
	status := job.Status
	job.mu.Unlock()

	switch status {
	case JobStatusCancelled:
		job.SendEvent(JobEvent{Type: "cancelled", Message: "Job cancelled by user", Data: report})
	case JobStatusFailed:
		h.logger.Warn("process job failed", zap.String("job_id", job.ID), zap.String("spec_id", job.SpecID), zap.Error(err))
		job.SendEvent(JobEvent{Type: "job_error", Message: err.Error()})
	default:
		job.SendEvent(JobEvent{Type: "completed", Data: report})
	}
}

func (h *ProcessHandler) lookup(id string) SSEJob {
	if job := h.jobs.GetJob(id); job != nil {
		return job
	}
	return nil
}

// List returns all known process jobs, newest first.
func (h *ProcessHandler) List(w http.ResponseWriter, r *http.Request) {
	jobs := h.jobs.ListJobs()
	views := make([]ProcessJobView, 0, len(jobs))
	for _, job := range jobs {
		views = append(views, job.Snapshot())
	}
	sort.Slice(views, func(i, j int) bool { return views[i].StartedAt.After(views[j].StartedAt) })
	respondJSON(w, http.StatusOK, views)
}

// Status returns the current state of a job.
func (h *ProcessHandler) Status(w http.ResponseWriter, r *http.Request) {
	job := h.jobs.GetJob(chi.URLParam(r, "jobId"))
	if job == nil {
		respondError(w, http.StatusNotFound, "job not found")
		return
	}
	respondJSON(w, http.StatusOK, job.Snapshot())
}

// Events streams process job events via SSE.
func (h *ProcessHandler) Events(w http.ResponseWriter, r *http.Request) {
	streamSSEEvents(w, r, h.lookup, func(job SSEJob) any {
		return job.(*ProcessJob).Snapshot()
	})
}

// Cancel cancels a running job.
func (h *ProcessHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	job := h.jobs.GetJob(chi.URLParam(r, "jobId"))
	if job == nil {
		respondError(w, http.StatusNotFound, "job not found")
		return
	}
	if isJobTerminal(job.GetStatus()) {
		respondError(w, http.StatusConflict, "job already finished")
		return
	}

	job.Cancel()
	h.logger.Info("process job cancelled", zap.String("job_id", job.ID))
	respondJSON(w, http.StatusOK, map[string]bool{"cancelled": true})
}
