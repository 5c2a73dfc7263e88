package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/theapemachine/awt-go/pkg/errors"
	"github.com/theapemachine/awt-go/pkg/settings"
)

// Delivery policy.
const (
	MaxAttempts     = 5
	MaxJobsPerPump  = 3
	BackoffStep     = 60 * time.Second
	BackoffCap      = 10 * time.Minute
	ResponseMaxSize = 2000
	PumpInterval    = 30 * time.Second
)

/*
Dispatcher drains the job queue with at-least-once semantics: a periodic
tick plus an opportunistic pump right after every enqueue.
*/
type Dispatcher struct {
	queue    *Queue
	settings *settings.Service
	client   *http.Client
	now      func() time.Time
	kick     chan struct{}
}

/*
NewDispatcher wires a dispatcher over a queue and the settings service
that owns connectors and host permissions.
*/
func NewDispatcher(queue *Queue, svc *settings.Service) *Dispatcher {
	return &Dispatcher{
		queue:    queue,
		settings: svc,
		// Redirects are followed by default; the platform default timeout
		// applies, no custom timer.
		client: &http.Client{},
		now:    time.Now,
		kick:   make(chan struct{}, 1),
	}
}

/*
Enqueue validates the connector reference, creates a queued job and kicks
the pump.
*/
func (d *Dispatcher) Enqueue(in EnqueueInput) (*Job, error) {
	if in.ConnectorID == "" {
		return nil, errors.ErrNoConnector
	}

	job := d.queue.Enqueue(in)

	select {
	case d.kick <- struct{}{}:
	default:
	}
	return job, nil
}

/*
Run pumps the queue on a periodic tick and whenever Enqueue kicks it,
until the context ends.
*/
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(PumpInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Pump(ctx)
		case <-d.kick:
			d.Pump(ctx)
		}
	}
}

/*
Pump advances at most MaxJobsPerPump runnable jobs, oldest first, one at
a time. Returns the number of jobs it touched.
*/
func (d *Dispatcher) Pump(ctx context.Context) int {
	processed := 0

	for _, id := range d.queue.oldestRunnable(d.now()) {
		if processed >= MaxJobsPerPump {
			break
		}
		if ctx.Err() != nil {
			break
		}

		d.deliver(ctx, id)
		processed++
	}
	return processed
}

func (d *Dispatcher) deliver(ctx context.Context, id string) {
	job, ok := d.queue.Get(id)
	if !ok {
		return
	}

	connector, ok := d.settings.Connector(job.ConnectorID)
	if !ok || !connector.Enabled || connector.URL == "" {
		d.queue.update(id, func(j *Job) {
			j.Status = StatusFailed
			j.Error = errors.ErrMissingConnector.Kind
		})
		return
	}

	origin, err := settings.Origin(connector.URL)
	if err != nil {
		d.queue.update(id, func(j *Job) {
			j.Status = StatusFailed
			j.Error = errors.ErrInvalidURL.Kind
		})
		return
	}
	if !d.settings.HasOriginPermission(origin) {
		d.queue.update(id, func(j *Job) {
			j.Status = StatusFailed
			j.Error = errors.ErrMissingHostPermission.Kind
		})
		log.Warn("webhook origin not granted", "origin", origin, "job", id)
		return
	}

	var attempts int
	d.queue.update(id, func(j *Job) {
		j.Status = StatusRunning
		j.Attempts++
		attempts = j.Attempts
	})

	status, responseText, err := d.post(ctx, connector, job)
	if err == nil && status >= 200 && status < 300 {
		d.queue.update(id, func(j *Job) {
			j.Status = StatusDone
			j.Error = ""
			j.LastResponse = responseText
			j.Result = &Result{Status: status}
			j.NextRunAt = time.Time{}
		})
		return
	}

	kind := ""
	if err != nil {
		kind = err.Error()
	} else {
		kind = errors.HTTPStatusError(status).Kind
	}

	backoff := min(time.Duration(attempts)*BackoffStep, BackoffCap)

	d.queue.update(id, func(j *Job) {
		j.LastResponse = responseText
		j.Error = kind
		if j.Attempts >= MaxAttempts {
			j.Status = StatusFailed
			return
		}
		j.Status = StatusQueued
		j.NextRunAt = d.now().Add(backoff)
	})
}

// post performs the actual HTTP delivery and returns the status code and
// the truncated response text.
func (d *Dispatcher) post(ctx context.Context, connector *settings.Connector, job *Job) (int, string, error) {
	body := bodyBytes(job)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, connector.URL, bytes.NewReader(body))
	if err != nil {
		return 0, "", err
	}

	req.Header.Set("Content-Type", "application/json")
	for key, value := range connector.Headers {
		req.Header.Set(key, value)
	}
	for key, value := range job.Headers {
		req.Header.Set(key, value)
	}

	if connector.Secret != "" {
		ts := d.now().UnixMilli()
		req.Header.Set(HeaderTimestamp, fmt.Sprintf("%d", ts))
		req.Header.Set(HeaderSignature, "sha256="+Sign(connector.Secret, ts, body))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	truncated, _ := io.ReadAll(io.LimitReader(resp.Body, ResponseMaxSize))
	return resp.StatusCode, string(truncated), nil
}

// bodyBytes serializes the payload as JSON unless it already is a JSON
// string value, which is sent verbatim.
func bodyBytes(job *Job) []byte {
	if len(job.Payload) == 0 {
		return []byte("{}")
	}

	// A JSON string payload means the caller pre-serialized the body.
	var asString string
	if err := json.Unmarshal(job.Payload, &asString); err == nil {
		return []byte(asString)
	}
	return []byte(job.Payload)
}
