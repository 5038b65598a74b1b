package jobqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/streadway/amqp"

	"cmdbgraph.io/core/errs"
	"cmdbgraph.io/core/kvstore"
)

// Broker is the durable priority job queue: AMQP for delivery, kvstore
// for progress records and cancel flags, and in-memory state for the
// queued/active job registry and the completed/failed retention ring
// (spec §4.6). The registry and the ring are not written to kvstore.
type Broker struct {
	conn      AMQPConnection
	channel   AMQPChannel
	queueName string
	store     kvstore.Store

	historyMu sync.Mutex
	completed []Job
	failed    []Job

	activeMu sync.Mutex
	active   map[string]*Job
}

// NewBroker dials url via dialer, declares queueName as a durable
// priority queue (x-max-priority, so enterprise/large jobs are served
// first), and returns a ready Broker.
func NewBroker(url, queueName string, dialer AMQPDialer, store kvstore.Store) (*Broker, error) {
	conn, err := dialer.Dial(url)
	if err != nil {
		return nil, errs.Wrap(errs.QueueFailure, "connect to broker", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, errs.Wrap(errs.QueueFailure, "open channel", err)
	}

	_, err = ch.QueueDeclare(queueName, true, false, false, false, amqp.Table{
		"x-max-priority": int32(10),
	})
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, errs.Wrap(errs.QueueFailure, "declare queue", err)
	}

	return &Broker{conn: conn, channel: ch, queueName: queueName, store: store, active: map[string]*Job{}}, nil
}

// Submit allocates a fresh jobId, resolves the scale preset (overridden
// by customConfig where provided), publishes the job at its scale's
// priority, and writes the initial queued progress record.
func (b *Broker) Submit(ctx context.Context, scale Scale, overrides map[string]any) (*Job, error) {
	preset, ok := Presets[scale]
	if !ok {
		return nil, errs.New(errs.ValidationFailure, fmt.Sprintf("unknown scale %q", scale))
	}
	applyOverrides(&preset, overrides)

	now := b.now()
	job := &Job{
		JobID:     uuid.NewString(),
		QueueID:   uuid.NewString(),
		Scale:     scale,
		Config:    preset,
		State:     StateQueued,
		Priority:  PriorityFor(scale),
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := b.publish(ctx, job); err != nil {
		return nil, err
	}

	progress := Progress{JobID: job.JobID, Stage: StageQueued, Percentage: 0, LastUpdated: now}
	if err := b.writeProgress(ctx, progress); err != nil {
		return nil, err
	}

	b.trackActive(job)
	return job, nil
}

// trackActive records job in the in-memory queued/active registry that
// backs Jobs and QueueStats. recordTerminal removes it once the job
// reaches a terminal state.
func (b *Broker) trackActive(job *Job) {
	b.activeMu.Lock()
	defer b.activeMu.Unlock()
	b.active[job.JobID] = job
}

// SetState updates jobID's tracked lifecycle state (e.g. to StateActive
// once a worker picks it up) without touching the completed/failed
// history.
func (b *Broker) SetState(jobID string, state State) {
	b.activeMu.Lock()
	defer b.activeMu.Unlock()
	if job, ok := b.active[jobID]; ok {
		job.State = state
		job.UpdatedAt = b.now()
	}
}

// Jobs returns a snapshot of every queued/active job plus the retained
// completed/failed history — the full population GET /api/jobs reports.
func (b *Broker) Jobs() []Job {
	b.activeMu.Lock()
	jobs := make([]Job, 0, len(b.active))
	for _, job := range b.active {
		jobs = append(jobs, *job)
	}
	b.activeMu.Unlock()

	completed, failed := b.History()
	jobs = append(jobs, completed...)
	jobs = append(jobs, failed...)
	return jobs
}

// QueueStats aggregates the current queue/worker population for
// operator dashboards.
type QueueStats struct {
	Queued    int `json:"queued"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// QueueStats summarizes counts across every tracked lifecycle state.
func (b *Broker) QueueStats() QueueStats {
	stats := QueueStats{}

	b.activeMu.Lock()
	for _, job := range b.active {
		switch job.State {
		case StateActive:
			stats.Active++
		default:
			stats.Queued++
		}
	}
	b.activeMu.Unlock()

	completed, failed := b.History()
	stats.Completed = len(completed)
	stats.Failed = len(failed)
	return stats
}

func (b *Broker) publish(ctx context.Context, job *Job) error {
	body, err := json.Marshal(job)
	if err != nil {
		return errs.Wrap(errs.ValidationFailure, "marshal job", err)
	}
	err = b.channel.Publish("", b.queueName, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
		Priority:    job.Priority,
	})
	if err != nil {
		return errs.Wrap(errs.QueueFailure, "publish job", err)
	}
	return nil
}

// writeProgress persists a progress record with the fixed TTL.
func (b *Broker) writeProgress(ctx context.Context, p Progress) error {
	return b.store.SetWithTTL(ctx, progressKey(p.JobID), p, ProgressTTL)
}

func progressKey(jobID string) string { return "progress:" + jobID }

// GetProgress returns the current progress record for jobID, if present.
func (b *Broker) GetProgress(ctx context.Context, jobID string) (*Progress, bool, error) {
	var p Progress
	found, err := b.store.Get(ctx, progressKey(jobID), &p)
	if err != nil {
		return nil, false, err
	}
	if !found {
		return nil, false, nil
	}
	return &p, true, nil
}

// Cancel marks a cancel flag the worker polls between stages/batches. A
// job that has not yet started is still dequeued; the worker checks the
// flag immediately on receipt and finishes it as cancelled.
func (b *Broker) Cancel(ctx context.Context, jobID string) error {
	if err := b.store.SetWithTTL(ctx, cancelKey(jobID), true, ProgressTTL); err != nil {
		return err
	}
	return nil
}

func cancelKey(jobID string) string { return "cancel:" + jobID }

// IsCancelled reports whether jobID has been asked to cancel.
func (b *Broker) IsCancelled(ctx context.Context, jobID string) (bool, error) {
	var flag bool
	found, err := b.store.Get(ctx, cancelKey(jobID), &flag)
	if err != nil {
		return false, err
	}
	return found && flag, nil
}

// retry re-publishes job with an incremented retry count after the
// exponential backoff delay, up to maxRetries attempts. AMQP has no
// native delayed-retry without a broker plugin; this approximates it
// with an in-process sleep before re-publish.
func (b *Broker) retry(ctx context.Context, job *Job) error {
	job.RetryCount++
	if job.RetryCount > maxRetries {
		return b.recordTerminal(job, StateFailed)
	}

	delay := retryDelay(job.RetryCount)
	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return ctx.Err()
	}

	return b.publish(ctx, job)
}

// recordTerminal removes job from the queued/active registry and appends
// it to the completed/failed retention ring (capped, oldest evicted).
// Cancelled jobs are not retained. The job's progress and cancel records
// in kvstore are left as they are.
func (b *Broker) recordTerminal(job *Job, state State) error {
	job.State = state
	job.UpdatedAt = b.now()

	b.activeMu.Lock()
	delete(b.active, job.JobID)
	b.activeMu.Unlock()

	b.historyMu.Lock()
	switch state {
	case StateCompleted:
		b.completed = append(b.completed, *job)
		if len(b.completed) > retentionCompleted {
			b.completed = b.completed[len(b.completed)-retentionCompleted:]
		}
	case StateFailed:
		b.failed = append(b.failed, *job)
		if len(b.failed) > retentionFailed {
			b.failed = b.failed[len(b.failed)-retentionFailed:]
		}
	}
	b.historyMu.Unlock()
	return nil
}

// ReapHistory drops history entries older than reapAge. cmd/server calls
// it once an hour.
func (b *Broker) ReapHistory() {
	cutoff := b.now().Add(-reapAge)
	b.historyMu.Lock()
	defer b.historyMu.Unlock()
	b.completed = reapOlderThan(b.completed, cutoff)
	b.failed = reapOlderThan(b.failed, cutoff)
}

func reapOlderThan(jobs []Job, cutoff time.Time) []Job {
	kept := jobs[:0]
	for _, j := range jobs {
		if j.UpdatedAt.After(cutoff) {
			kept = append(kept, j)
		}
	}
	return kept
}

// History returns a snapshot of the retained completed and failed jobs.
func (b *Broker) History() (completed, failed []Job) {
	b.historyMu.Lock()
	defer b.historyMu.Unlock()
	completed = append([]Job(nil), b.completed...)
	failed = append([]Job(nil), b.failed...)
	return completed, failed
}

// Close releases the broker's AMQP resources.
func (b *Broker) Close() error {
	if b.channel != nil {
		b.channel.Close()
	}
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}

// now is a seam for deterministic tests.
func (b *Broker) now() time.Time { return time.Now() }

func applyOverrides(preset *Preset, overrides map[string]any) {
	if overrides == nil {
		return
	}
	if v, ok := overrides["totalCIs"].(float64); ok {
		preset.TotalCIs = int(v)
	}
	if v, ok := overrides["regions"].(float64); ok {
		preset.Regions = int(v)
	}
	if v, ok := overrides["dcsPerRegion"].(float64); ok {
		preset.DCsPerRegion = int(v)
	}
	if v, ok := overrides["serversPerDc"].(float64); ok {
		preset.ServersPerDC = int(v)
	}
	if v, ok := overrides["apps"].(float64); ok {
		preset.Apps = int(v)
	}
	if v, ok := overrides["dbs"].(float64); ok {
		preset.DBs = int(v)
	}
	if v, ok := overrides["events"].(float64); ok {
		preset.Events = int(v)
	}
}
