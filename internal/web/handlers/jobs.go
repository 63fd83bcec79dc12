package handlers

import (
	"context"
	"sync"
	"time"

	"github.com/kozaktomas/objectcamp/internal/constants"
	"github.com/kozaktomas/objectcamp/internal/database"
	"github.com/kozaktomas/objectcamp/internal/extraction"
)

// JobStatus represents the status of an async job.
type JobStatus string

// JobStatus constants define the lifecycle states of an async job.
const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// JobEvent represents an event from a job.
type JobEvent struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// EventBroadcaster provides listener management and event broadcasting for async jobs.
// Embed this in job structs to get AddListener, RemoveListener, and SendEvent methods.
type EventBroadcaster struct {
	cancel    context.CancelFunc
	listeners []chan JobEvent
	mu        sync.RWMutex
}

// AddListener adds an event listener.
func (b *EventBroadcaster) AddListener() chan JobEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan JobEvent, constants.EventChannelBuffer)
	b.listeners = append(b.listeners, ch)
	return ch
}

// RemoveListener removes an event listener.
func (b *EventBroadcaster) RemoveListener(ch chan JobEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, listener := range b.listeners {
		if listener == ch {
			b.listeners = append(b.listeners[:i], b.listeners[i+1:]...)
			close(ch)
			return
		}
	}
}

// SendEvent sends an event to all listeners.
func (b *EventBroadcaster) SendEvent(event JobEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, listener := range b.listeners {
		select {
		case listener <- event:
		default:
			// Listener buffer full, skip.
		}
	}
}

// SSEJob is the interface required by streamSSEEvents to stream job events via SSE.
type SSEJob interface {
	AddListener() chan JobEvent
	RemoveListener(ch chan JobEvent)
	GetStatus() JobStatus
}

// ProcessJob is an async extraction + clustering run over uploaded images.
type ProcessJob struct {
	EventBroadcaster

	ID          string
	SpecID      string
	Status      JobStatus
	Force       bool
	TotalImages int
	Task        *database.ProcessingTask
	Report      *extraction.Report
	Error       string
	StartedAt   time.Time
	CompletedAt *time.Time
}

// GetStatus returns the current job status (implements SSEJob).
func (j *ProcessJob) GetStatus() JobStatus {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.Status
}

// Snapshot returns a copy of the job's public state.
func (j *ProcessJob) Snapshot() ProcessJobView {
	j.mu.RLock()
	defer j.mu.RUnlock()
	view := ProcessJobView{
		ID:          j.ID,
		SpecID:      j.SpecID,
		Status:      j.Status,
		Force:       j.Force,
		TotalImages: j.TotalImages,
		Report:      j.Report,
		Error:       j.Error,
		StartedAt:   j.StartedAt,
		CompletedAt: j.CompletedAt,
	}
	if j.Task != nil {
		task := *j.Task
		view.Task = &task
	}
	return view
}

// ProcessJobView is the JSON shape of a ProcessJob.
type ProcessJobView struct {
	ID          string                   `json:"id"`
	SpecID      string                   `json:"spec_id"`
	Status      JobStatus                `json:"status"`
	Force       bool                     `json:"force"`
	TotalImages int                      `json:"total_images"`
	Task        *database.ProcessingTask `json:"task,omitempty"`
	Report      *extraction.Report       `json:"report,omitempty"`
	Error       string                   `json:"error,omitempty"`
	StartedAt   time.Time                `json:"started_at"`
	CompletedAt *time.Time               `json:"completed_at,omitempty"`
}

// setStatus updates the status under the job lock.
func (j *ProcessJob) setStatus(status JobStatus) {
	j.mu.Lock()
	j.Status = status
	j.mu.Unlock()
}

// Cancel cancels the job via context and sends a cancelled event.
func (j *ProcessJob) Cancel() {
	if j.cancel != nil {
		j.cancel()
	}
	j.SendEvent(JobEvent{Type: "cancelling", Message: "Job cancellation requested"})
}

// JobManager tracks process jobs. At most one job runs per spec.
type JobManager struct {
	jobs map[string]*ProcessJob
	mu   sync.RWMutex
}

// NewJobManager creates a new job manager.
func NewJobManager() *JobManager {
	return &JobManager{
		jobs: make(map[string]*ProcessJob),
	}
}

// Start registers a new job unless one is already active for the spec.
func (m *JobManager) Start(job *ProcessJob) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.jobs {
		if existing.SpecID != job.SpecID {
			continue
		}
		if status := existing.GetStatus(); status == JobStatusPending || status == JobStatusRunning {
			return false
		}
	}
	m.jobs[job.ID] = job
	return true
}

// GetJob retrieves a job by ID.
func (m *JobManager) GetJob(id string) *ProcessJob {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.jobs[id]
}

// DeleteJob removes a job.
func (m *JobManager) DeleteJob(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.jobs, id)
}

// ListJobs returns all jobs.
func (m *JobManager) ListJobs() []*ProcessJob {
	m.mu.RLock()
	defer m.mu.RUnlock()
	jobs := make([]*ProcessJob, 0, len(m.jobs))
	for _, job := range m.jobs {
		jobs = append(jobs, job)
	}
	return jobs
}

// CancelRunning cancels every job that has not finished yet and returns how
// many were cancelled.
func (m *JobManager) CancelRunning() int {
	n := 0
	for _, job := range m.ListJobs() {
		if !isJobTerminal(job.GetStatus()) {
			job.Cancel()
			n++
		}
	}
	return n
}
