package consolidation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/scrypster/tiermem/internal/metrics"
	"github.com/scrypster/tiermem/internal/storage"
	"github.com/scrypster/tiermem/pkg/types"
)

// Job asks for one consolidation run. Attempt counts previous failures.
type Job struct {
	TenantID   string
	AgentID    string
	Attempt    int
	EnqueuedAt time.Time
}

// Executor runs a consolidation. *Runner implements it.
type Executor interface {
	Run(ctx context.Context, tenantID, agentID string) (*types.ConsolidationRun, error)
}

// QueueConfig tunes a Queue.
type QueueConfig struct {
	Workers         int
	Size            int
	MaxRetries      int
	BaseBackoff     time.Duration
	ShutdownTimeout time.Duration

	// States receives lifecycle transitions; share it with the Scheduler.
	States  *StateTracker
	Metrics *metrics.Metrics

	// OnFinish, when set, is called after every job's final attempt.
	OnFinish func(job Job, run *types.ConsolidationRun, err error)
}

// Queue is a bounded worker pool for consolidation jobs. A failed job is
// requeued with quadratic backoff (attempt² × BaseBackoff) until MaxRetries,
// then recorded as a dead letter.
type Queue struct {
	exec        Executor
	deadLetters storage.DeadLetterStore
	cfg         QueueConfig

	jobs   chan Job
	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
	logger zerolog.Logger
}

// NewQueue creates a stopped Queue. Call Start to run workers.
func NewQueue(exec Executor, deadLetters storage.DeadLetterStore, cfg QueueConfig) *Queue {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Size <= 0 {
		cfg.Size = 100
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 100 * time.Millisecond
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.States == nil {
		cfg.States = NewStateTracker()
	}
	return &Queue{
		exec:        exec,
		deadLetters: deadLetters,
		cfg:         cfg,
		jobs:        make(chan Job, cfg.Size),
		logger:      log.With().Str("component", "consolidation_queue").Logger(),
	}
}

// Start launches the workers. They exit when Stop closes the queue or ctx
// is cancelled.
func (q *Queue) Start(ctx context.Context) {
	for i := 0; i < q.cfg.Workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx, i)
	}
	q.logger.Info().Int("workers", q.cfg.Workers).Msg("consolidation workers started")
}

// Enqueue adds a job without blocking. It reports false when the queue is
// full or stopped.
func (q *Queue) Enqueue(job Job) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return false
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now()
	}
	select {
	case q.jobs <- job:
		q.cfg.Metrics.QueueDepth(len(q.jobs))
		return true
	default:
		q.logger.Warn().Int("size", q.cfg.Size).Str("agent_id", job.AgentID).Msg("consolidation queue full, dropping job")
		return false
	}
}

// Len returns the number of queued jobs.
func (q *Queue) Len() int { return len(q.jobs) }

// Stop closes the queue and waits for workers to drain it, up to the
// shutdown timeout or ctx.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.jobs)
	}
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.logger.Info().Msg("consolidation workers finished")
		return nil
	case <-time.After(q.cfg.ShutdownTimeout):
		q.logger.Warn().Int("remaining", q.Len()).Msg("shutdown timeout reached, consolidation jobs may be dropped")
		return nil
	case <-ctx.Done():
		q.logger.Warn().Int("remaining", q.Len()).Msg("context cancelled, consolidation jobs may be dropped")
		return ctx.Err()
	}
}

func (q *Queue) worker(ctx context.Context, id int) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-q.jobs:
			if !ok {
				return
			}
			q.cfg.Metrics.QueueDepth(len(q.jobs))
			q.process(ctx, id, job)
		}
	}
}

func (q *Queue) process(ctx context.Context, workerID int, job Job) {
	logger := q.logger.With().Int("worker", workerID).Str("tenant", job.TenantID).
		Str("agent_id", job.AgentID).Int("attempt", job.Attempt).Logger()

	if job.Attempt > 0 {
		backoff := time.Duration(job.Attempt*job.Attempt) * q.cfg.BaseBackoff
		logger.Debug().Dur("backoff", backoff).Msg("waiting before retry")
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			q.cfg.States.reset(job.AgentID)
			return
		}
	}

	q.cfg.States.set(job.AgentID, StateRunning)
	run, err := q.exec.Run(ctx, job.TenantID, job.AgentID)
	if err == nil {
		q.cfg.States.finish(job.AgentID, types.RunStatusCompleted)
		q.notify(job, run, nil)
		return
	}

	if job.Attempt < q.cfg.MaxRetries && ctx.Err() == nil {
		retry := job
		retry.Attempt++
		q.cfg.States.set(job.AgentID, StateTriggered)
		if q.Enqueue(retry) {
			logger.Warn().Err(err).Int("max_retries", q.cfg.MaxRetries).Msg("consolidation failed, requeued")
			return
		}
	}

	q.cfg.States.finish(job.AgentID, types.RunStatusFailed)
	q.deadLetter(ctx, job, err, logger)
	q.notify(job, run, err)
}

func (q *Queue) deadLetter(ctx context.Context, job Job, cause error, logger zerolog.Logger) {
	q.cfg.Metrics.DeadLetter()
	logger.Error().Err(cause).Msg("consolidation exhausted retries, writing dead letter")
	if q.deadLetters == nil {
		return
	}
	dl := &types.DeadLetter{
		ID:        uuid.NewString(),
		TenantID:  job.TenantID,
		AgentID:   job.AgentID,
		Attempts:  job.Attempt + 1,
		LastError: fmt.Sprint(cause),
		FailedAt:  time.Now().UTC(),
	}
	if err := q.deadLetters.AddDeadLetter(context.WithoutCancel(ctx), dl); err != nil {
		logger.Error().Err(err).Msg("failed to record dead letter")
	}
}

func (q *Queue) notify(job Job, run *types.ConsolidationRun, err error) {
	if q.cfg.OnFinish != nil {
		q.cfg.OnFinish(job, run, err)
	}
}
