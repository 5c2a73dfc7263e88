package webhook

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
)

/*
Status is a job's lifecycle state.
*/
type Status string

const (
	StatusQueued  Status = "queued"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
)

/*
Result captures the terminal HTTP outcome of a delivered job.
*/
type Result struct {
	Status int `json:"status"`
}

/*
Job is one queued, retryable unit of webhook delivery work. The signing
secret lives on the connector, never on the job.
*/
type Job struct {
	ID           string            `json:"id"`
	Type         string            `json:"type"`
	ConnectorID  string            `json:"connectorId"`
	Payload      json.RawMessage   `json:"payload,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
	Kind         string            `json:"kind,omitempty"`
	Status       Status            `json:"status"`
	Attempts     int               `json:"attempts"`
	CreatedAt    time.Time         `json:"createdAt"`
	UpdatedAt    time.Time         `json:"updatedAt"`
	NextRunAt    time.Time         `json:"nextRunAt,omitzero"`
	LastResponse string            `json:"lastResponse,omitempty"`
	Error        string            `json:"error,omitempty"`
	Result       *Result           `json:"result,omitempty"`
}

// queueDocument is the persisted KV value: job table plus newest-first
// order.
type queueDocument struct {
	ByID  map[string]*Job `json:"byId"`
	Order []string        `json:"order"`
}

/*
Queue is the durable job store. Any instance may write; reads and
read-modify-writes serialize within an instance, last writer wins across
instances.
*/
type Queue struct {
	mu   sync.Mutex
	doc  queueDocument
	path string
	now  func() time.Time
}

/*
OpenQueue loads (or creates) the job store at path. An empty path keeps
the queue memory-only.
*/
func OpenQueue(path string) (*Queue, error) {
	q := &Queue{
		doc:  queueDocument{ByID: make(map[string]*Job)},
		path: path,
		now:  time.Now,
	}

	if path == "" {
		return q, nil
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return q, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read job store: %w", err)
	}
	if err := json.Unmarshal(data, &q.doc); err != nil {
		return nil, fmt.Errorf("failed to decode job store: %w", err)
	}
	if q.doc.ByID == nil {
		q.doc.ByID = make(map[string]*Job)
	}

	// Jobs left running by a crashed instance go back to queued; delivery
	// is at-least-once.
	for _, job := range q.doc.ByID {
		if job.Status == StatusRunning {
			job.Status = StatusQueued
		}
	}
	return q, nil
}

/*
EnqueueInput is the payload of a "send to connector" command.
*/
type EnqueueInput struct {
	ConnectorID string            `json:"connectorId"`
	Payload     json.RawMessage   `json:"payload"`
	Headers     map[string]string `json:"headers,omitempty"`
	Kind        string            `json:"kind,omitempty"`
}

/*
Enqueue creates a queued job at the head of the order.
*/
func (q *Queue) Enqueue(in EnqueueInput) *Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	job := &Job{
		ID:          uuid.NewString(),
		Type:        "webhook",
		ConnectorID: in.ConnectorID,
		Payload:     in.Payload,
		Headers:     in.Headers,
		Kind:        in.Kind,
		Status:      StatusQueued,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	q.doc.ByID[job.ID] = job
	q.doc.Order = append([]string{job.ID}, q.doc.Order...)
	q.persistLocked()

	copied := *job
	return &copied
}

// Get returns a copy of one job.
func (q *Queue) Get(id string) (*Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.doc.ByID[id]
	if !ok {
		return nil, false
	}
	copied := *job
	return &copied, true
}

// List returns copies of all jobs, newest first.
func (q *Queue) List() []*Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*Job, 0, len(q.doc.Order))
	for _, id := range q.doc.Order {
		if job, ok := q.doc.ByID[id]; ok {
			copied := *job
			out = append(out, &copied)
		}
	}
	return out
}

// oldestRunnable returns ids oldest-first, skipping jobs that are done,
// running or deferred past now.
func (q *Queue) oldestRunnable(now time.Time) []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	var ids []string
	for i := len(q.doc.Order) - 1; i >= 0; i-- {
		job, ok := q.doc.ByID[q.doc.Order[i]]
		if !ok {
			continue
		}
		if job.Status == StatusDone || job.Status == StatusRunning || job.Status == StatusFailed {
			continue
		}
		if !job.NextRunAt.IsZero() && job.NextRunAt.After(now) {
			continue
		}
		ids = append(ids, job.ID)
	}
	return ids
}

// update applies fn to a live job under the lock and persists.
func (q *Queue) update(id string, fn func(*Job)) (*Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.doc.ByID[id]
	if !ok {
		return nil, false
	}

	fn(job)
	job.UpdatedAt = q.now()
	q.persistLocked()

	copied := *job
	return &copied, true
}

func (q *Queue) persistLocked() {
	if q.path == "" {
		return
	}

	data, err := json.Marshal(q.doc)
	if err != nil {
		log.Error("failed to encode job store", "error", err)
		return
	}

	tmp := q.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(q.path), 0755); err != nil {
		log.Error("failed to create job store directory", "error", err)
		return
	}
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		log.Error("failed to write job store", "error", err)
		return
	}
	if err := os.Rename(tmp, q.path); err != nil {
		log.Error("failed to swap job store", "error", err)
	}
}
