package jobqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"
)

// Generator executes the actual topology-generation work. Its contents
// (what CIs/events it produces) are out of scope; only this execution
// contract — progress reporting and cooperative cancellation — matters
// here. onProgress is called with a monotonically increasing percentage
// and a human-readable message; checkCancelled should be polled between
// batches.
type Generator interface {
	GenerateCIs(ctx context.Context, preset Preset, onProgress func(percentage float64, message string), checkCancelled func() bool) error
	GenerateEvents(ctx context.Context, preset Preset, onProgress func(percentage float64, message string), checkCancelled func() bool) error
}

// EventListener receives every lifecycle/progress event a Worker emits,
// for in-process fan-out (the progress package's Hub implements this).
type EventListener interface {
	OnJobEvent(jobID string, evt ProgressEventKind, progress Progress, errMsg string)
}

// ProgressEventKind names the lifecycle/progress events the spec's
// duplex channel emits (§6).
type ProgressEventKind string

const (
	EventJobCreated   ProgressEventKind = "job-created"
	EventJobProgress  ProgressEventKind = "job-progress"
	EventJobCompleted ProgressEventKind = "job-completed"
	EventJobFailed    ProgressEventKind = "job-failed"
	EventJobCancelled ProgressEventKind = "job-cancelled"
)

// WorkerPoolConfig configures the worker pool. The single-generator-at-
// a-time constraint (spec §5: bulk CI writes do not tolerate concurrent
// overlapping generators) is enforced by an internal semaphore
// regardless of PoolSize.
type WorkerPoolConfig struct {
	PoolSize int
}

// DefaultWorkerPoolConfig returns the spec's default of one worker.
func DefaultWorkerPoolConfig() WorkerPoolConfig {
	return WorkerPoolConfig{PoolSize: 1}
}

// WorkerPool runs one or more workers consuming jobs from a Broker.
type WorkerPool struct {
	broker    *Broker
	generator Generator
	listener  EventListener
	sem       chan struct{}
	stopChan  chan struct{}
}

// NewWorkerPool creates a pool against broker. listener may be nil if no
// in-process fan-out is needed (e.g. pure Redis pub/sub consumers).
func NewWorkerPool(broker *Broker, generator Generator, listener EventListener, cfg WorkerPoolConfig) *WorkerPool {
	if cfg.PoolSize < 1 {
		cfg.PoolSize = 1
	}
	return &WorkerPool{
		broker:    broker,
		generator: generator,
		listener:  listener,
		sem:       make(chan struct{}, 1), // single generator at a time, always
		stopChan:  make(chan struct{}),
	}
}

// Start launches poolSize consumer goroutines. The PoolSize of the
// WorkerPoolConfig passed to NewWorkerPool is not consulted here.
func (p *WorkerPool) Start(ctx context.Context, poolSize int) error {
	deliveries, err := p.broker.channel.Consume(p.broker.queueName, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	for i := 0; i < poolSize; i++ {
		go p.runLoop(ctx, deliveries, i)
	}
	return nil
}

// Stop signals all workers to exit after their current job.
func (p *WorkerPool) Stop() {
	close(p.stopChan)
}

func (p *WorkerPool) runLoop(ctx context.Context, deliveries <-chan amqp.Delivery, workerID int) {
	for {
		select {
		case <-p.stopChan:
			return
		case <-ctx.Done():
			return
		case delivery, ok := <-deliveries:
			if !ok {
				return
			}
			p.handle(ctx, delivery, workerID)
		}
	}
}

func (p *WorkerPool) handle(ctx context.Context, delivery amqp.Delivery, workerID int) {
	var job Job
	if err := json.Unmarshal(delivery.Body, &job); err != nil {
		logrus.WithError(err).WithField("worker", workerID).Error("malformed job message")
		delivery.Ack(false)
		return
	}

	p.sem <- struct{}{}
	defer func() { <-p.sem }()

	log := logrus.WithFields(logrus.Fields{"jobId": job.JobID, "scale": job.Scale, "worker": workerID})
	log.Info("job starting")

	if err := p.process(ctx, &job); err != nil {
		log.WithError(err).Error("job failed")
	}
	delivery.Ack(false)
}

func (p *WorkerPool) process(ctx context.Context, job *Job) error {
	job.State = StateActive
	p.broker.SetState(job.JobID, StateActive)

	cancelled := func() bool {
		c, _ := p.broker.IsCancelled(ctx, job.JobID)
		return c
	}

	if cancelled() {
		return p.finishCancelled(ctx, job)
	}

	if err := p.emit(ctx, job, StageStarting, 5, "starting generator"); err != nil {
		return err
	}
	if cancelled() {
		return p.finishCancelled(ctx, job)
	}

	onCIProgress := func(pct float64, msg string) {
		p.emit(ctx, job, StageGeneratingCIs, 5+pct*0.55, msg)
	}
	if err := p.generator.GenerateCIs(ctx, job.Config, onCIProgress, cancelled); err != nil {
		return p.finishFailedOrRetry(ctx, job, err)
	}
	if cancelled() {
		return p.finishCancelled(ctx, job)
	}

	onEventProgress := func(pct float64, msg string) {
		p.emit(ctx, job, StageGeneratingEvts, 60+pct*0.40, msg)
	}
	if err := p.generator.GenerateEvents(ctx, job.Config, onEventProgress, cancelled); err != nil {
		return p.finishFailedOrRetry(ctx, job, err)
	}

	return p.finishCompleted(ctx, job)
}

func (p *WorkerPool) emit(ctx context.Context, job *Job, stage Stage, pct float64, message string) error {
	progress := Progress{JobID: job.JobID, Stage: stage, Percentage: pct, Message: message, LastUpdated: time.Now()}
	if err := p.broker.writeProgress(ctx, progress); err != nil {
		return err
	}
	p.broker.store.Publish(ctx, "progress:"+job.JobID, progress)
	if p.listener != nil {
		p.listener.OnJobEvent(job.JobID, EventJobProgress, progress, "")
	}
	return nil
}

func (p *WorkerPool) finishCompleted(ctx context.Context, job *Job) error {
	progress := Progress{JobID: job.JobID, Stage: StageCompleted, Percentage: 100, LastUpdated: time.Now()}
	p.broker.writeProgress(ctx, progress)
	p.broker.store.Publish(ctx, "progress:"+job.JobID, progress)
	p.broker.recordTerminal(job, StateCompleted)
	if p.listener != nil {
		p.listener.OnJobEvent(job.JobID, EventJobCompleted, progress, "")
	}
	return nil
}

func (p *WorkerPool) finishFailedOrRetry(ctx context.Context, job *Job, cause error) error {
	if job.RetryCount < maxRetries {
		if err := p.broker.retry(ctx, job); err != nil {
			return err
		}
		return nil
	}

	job.Error = cause.Error()
	progress := Progress{JobID: job.JobID, Stage: StageFailed, Percentage: job.lastPercentage(), Message: cause.Error(), LastUpdated: time.Now()}
	p.broker.writeProgress(ctx, progress)
	p.broker.store.Publish(ctx, "progress:"+job.JobID, progress)
	p.broker.recordTerminal(job, StateFailed)
	if p.listener != nil {
		p.listener.OnJobEvent(job.JobID, EventJobFailed, progress, cause.Error())
	}
	return fmt.Errorf("job %s failed after %d attempts: %w", job.JobID, job.RetryCount, cause)
}

func (p *WorkerPool) finishCancelled(ctx context.Context, job *Job) error {
	progress := Progress{JobID: job.JobID, Stage: StageCancelled, LastUpdated: time.Now()}
	p.broker.store.Delete(ctx, progressKey(job.JobID))
	p.broker.store.Publish(ctx, "progress:"+job.JobID, progress)
	p.broker.recordTerminal(job, StateCancelled)
	if p.listener != nil {
		p.listener.OnJobEvent(job.JobID, EventJobCancelled, progress, "")
	}
	return nil
}

// lastPercentage is a placeholder accessor kept on Job for failure
// reporting; jobs do not currently track interim percentage themselves
// (the progress store does), so this always reports 0 unless extended.
func (j *Job) lastPercentage() float64 { return 0 }
