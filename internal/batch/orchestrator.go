// Package batch implements BatchOrchestrator (§4.8): splitting large
// inputs into adaptively sized batches, running them on a bounded worker
// pool with cooperative pacing, retrying transient failures with
// exponential backoff, and reconciling progress counters at
// finalization. The worker loop is grounded on the teacher's automation
// scheduler (services/automation) generalized from "poll the triggers
// table on a ticker" to "pull batch indices from a FIFO channel"; the
// system probe uses gopsutil the way the teacher's host-health checks do.
package batch

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/r3e-audit/forensic-engine/internal/apperr"
	"github.com/r3e-audit/forensic-engine/internal/eventbus"
	"github.com/r3e-audit/forensic-engine/internal/logging"
	"github.com/r3e-audit/forensic-engine/internal/metrics"
	"github.com/r3e-audit/forensic-engine/internal/models"
	"github.com/r3e-audit/forensic-engine/internal/resilience"
	"github.com/r3e-audit/forensic-engine/internal/store"
)

// MaxItemsPerJob is the input cap of §6: submissions beyond it are
// rejected with a Validation error.
const MaxItemsPerJob = 1_000_000

// Per-batch work budget (§5): a soft timeout logged as a warning,
// followed by a hard timeout that fails the batch and schedules retry.
const (
	defaultSoftBatchTimeout = 4 * time.Minute
	defaultHardBatchTimeout = 5 * time.Minute
)

// Processor handles one batch of items atomically. It reports how many
// items succeeded and failed; a returned error classifiable as Transient
// (apperr.IsTransient) is retried, anything else fails the job.
type Processor func(ctx context.Context, projectID string, items []any) (processed, failed int, err error)

type batchResult struct {
	processed int
	failed    int
	done      bool
}

type jobState struct {
	mu      sync.Mutex
	job     *models.ProcessingJob
	results []batchResult

	cancel    context.CancelFunc
	cancelled atomic.Bool
	failed    atomic.Bool
	startOnce sync.Once
	failOnce  sync.Once
	startedAt time.Time
}

// Orchestrator is the batch job runner. One Orchestrator serves all jobs
// in the process; each Submit gets its own bounded worker pool.
type Orchestrator struct {
	store   store.Store
	bus     *eventbus.Bus
	log     *logging.Logger
	metrics *metrics.Metrics
	prober  Prober
	retry   resilience.RetryConfig

	softTimeout time.Duration
	hardTimeout time.Duration

	mu   sync.Mutex
	jobs map[string]*jobState
	wg   sync.WaitGroup
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithProber substitutes the system prober (tests use StaticProber).
func WithProber(p Prober) Option {
	return func(o *Orchestrator) { o.prober = p }
}

// WithRetryConfig overrides the per-batch retry policy.
func WithRetryConfig(cfg resilience.RetryConfig) Option {
	return func(o *Orchestrator) { o.retry = cfg }
}

// WithBatchTimeouts overrides the soft/hard per-batch timeouts.
func WithBatchTimeouts(soft, hard time.Duration) Option {
	return func(o *Orchestrator) { o.softTimeout, o.hardTimeout = soft, hard }
}

// New creates an Orchestrator. metrics may be nil.
func New(s store.Store, bus *eventbus.Bus, log *logging.Logger, m *metrics.Metrics, opts ...Option) *Orchestrator {
	if log == nil {
		log = logging.NewDefault()
	}
	o := &Orchestrator{
		store:       s,
		bus:         bus,
		log:         log,
		metrics:     m,
		prober:      SystemProber{},
		retry:       resilience.BatchRetryConfig(),
		softTimeout: defaultSoftBatchTimeout,
		hardTimeout: defaultHardBatchTimeout,
		jobs:        make(map[string]*jobState),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Health returns the current system snapshot used for batch sizing.
func (o *Orchestrator) Health(ctx context.Context) (models.HealthStatus, error) {
	return o.prober.Probe(ctx)
}

// Submit creates and starts a job over items. It returns the job ID
// immediately; processing continues on background workers.
func (o *Orchestrator) Submit(ctx context.Context, projectID, dataType string, items []any, proc Processor) (string, error) {
	if len(items) == 0 {
		return "", apperr.NewValidation("items", "empty input")
	}
	if len(items) > MaxItemsPerJob {
		return "", apperr.NewValidation("items", fmt.Sprintf("%d items exceeds the %d cap", len(items), MaxItemsPerJob))
	}

	hs, err := o.prober.Probe(ctx)
	if err != nil {
		hs = models.HealthStatus{Status: "healthy"}
	}
	cfg := computeBatchConfig(dataType, len(items), hs)
	totalBatches := (len(items) + cfg.Size - 1) / cfg.Size

	job := &models.ProcessingJob{
		ID:            uuid.NewString(),
		ProjectID:     projectID,
		DataType:      dataType,
		Status:        models.JobPending,
		TotalItems:    len(items),
		TotalBatches:  totalBatches,
		BatchConfig:   cfg,
		WorkerTaskIDs: make(map[int]string),
		CreatedAt:     time.Now().UTC(),
	}
	if err := o.store.CreateJob(ctx, job); err != nil {
		return "", err
	}

	jobCtx, cancel := context.WithCancel(context.Background())
	st := &jobState{
		job:     job,
		results: make([]batchResult, totalBatches),
		cancel:  cancel,
	}
	o.mu.Lock()
	o.jobs[job.ID] = st
	o.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer cancel()
		o.run(jobCtx, st, items, proc)
	}()

	return job.ID, nil
}

// Status returns the current job record.
func (o *Orchestrator) Status(ctx context.Context, jobID string) (*models.ProcessingJob, error) {
	return o.store.GetJob(ctx, jobID)
}

// Cancel marks the job cancelled, revokes queued batches, and asks
// in-flight workers to stop at the next batch boundary. Items already
// processed stay persisted.
func (o *Orchestrator) Cancel(ctx context.Context, jobID string) error {
	o.mu.Lock()
	st, ok := o.jobs[jobID]
	o.mu.Unlock()
	if !ok {
		return apperr.NewNotFound("job", jobID)
	}

	st.mu.Lock()
	terminal := st.job.IsTerminal()
	if !terminal {
		st.job.Status = models.JobCancelled
	}
	st.mu.Unlock()
	if terminal {
		return nil
	}

	st.cancelled.Store(true)
	st.cancel()
	return o.persist(ctx, st)
}

// Wait blocks until every submitted job's workers have exited. Used by
// shutdown paths and tests.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

func (o *Orchestrator) run(ctx context.Context, st *jobState, items []any, proc Processor) {
	cfg := st.job.BatchConfig

	queue := make(chan int, st.job.TotalBatches)
	for i := 0; i < st.job.TotalBatches; i++ {
		queue <- i
	}
	close(queue)

	var workers sync.WaitGroup
	for w := 0; w < cfg.Concurrency; w++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			for idx := range queue {
				if st.cancelled.Load() || st.failed.Load() {
					return
				}
				o.markStarted(ctx, st)

				lo := idx * cfg.Size
				hi := lo + cfg.Size
				if hi > len(items) {
					hi = len(items)
				}

				st.mu.Lock()
				st.job.WorkerTaskIDs[idx] = uuid.NewString()
				st.mu.Unlock()

				processed, failed, err := o.runBatch(ctx, st, proc, items[lo:hi])
				if err != nil {
					o.failJob(ctx, st, idx, err)
					return
				}
				o.recordBatch(ctx, st, idx, processed, failed)

				// Cooperative pacing between batch completions.
				if cfg.InterBatchDelayMs > 0 {
					select {
					case <-ctx.Done():
						return
					case <-time.After(time.Duration(cfg.InterBatchDelayMs) * time.Millisecond):
					}
				}
			}
		}()
	}
	workers.Wait()

	switch {
	case st.failed.Load():
		// failJob already persisted and published.
	case st.cancelled.Load():
		st.mu.Lock()
		st.job.Status = models.JobCancelled
		st.mu.Unlock()
		_ = o.persist(context.Background(), st)
	default:
		o.finalize(context.Background(), st)
	}
}

// runBatch executes proc over one batch with the hard per-batch timeout
// and transient-only retry (§4.8: max 3 attempts, exponential backoff
// with jitter).
func (o *Orchestrator) runBatch(ctx context.Context, st *jobState, proc Processor, items []any) (int, int, error) {
	var lastErr error
	delay := o.retry.InitialDelay

	for attempt := 1; attempt <= o.retry.MaxAttempts; attempt++ {
		batchCtx, cancel := context.WithTimeout(ctx, o.hardTimeout)
		start := time.Now()
		processed, failed, err := proc(batchCtx, st.job.ProjectID, items)
		cancel()

		if elapsed := time.Since(start); elapsed > o.softTimeout && err == nil {
			o.log.WithFields(map[string]interface{}{
				"job_id":  st.job.ID,
				"elapsed": elapsed.String(),
			}).Warn("batch: batch exceeded soft timeout")
		}

		if err == nil {
			return processed, failed, nil
		}
		if batchCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			err = apperr.NewTransient("batch timed out", err)
		}
		if !apperr.IsTransient(err) {
			return 0, 0, err
		}
		lastErr = err

		st.mu.Lock()
		st.job.RetryCount++
		st.mu.Unlock()

		if attempt == o.retry.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return 0, 0, ctx.Err()
		case <-time.After(jitter(delay, o.retry.Jitter)):
		}
		delay = time.Duration(float64(delay) * o.retry.Multiplier)
		if delay > o.retry.MaxDelay {
			delay = o.retry.MaxDelay
		}
	}
	return 0, 0, fmt.Errorf("retries exhausted: %w", lastErr)
}

func jitter(d time.Duration, frac float64) time.Duration {
	if frac <= 0 {
		return d
	}
	delta := float64(d) * frac
	return d + time.Duration(rand.Float64()*delta*2-delta)
}

func (o *Orchestrator) markStarted(ctx context.Context, st *jobState) {
	st.startOnce.Do(func() {
		now := time.Now().UTC()
		st.startedAt = now
		st.mu.Lock()
		if st.job.Status == models.JobPending {
			st.job.Status = models.JobProcessing
		}
		st.job.StartedAt = &now
		st.mu.Unlock()
		_ = o.persist(ctx, st)
		if o.bus != nil {
			o.bus.Publish(eventbus.BatchJobStarted, map[string]any{
				"job_id":        st.job.ID,
				"project":       st.job.ProjectID,
				"data_type":     st.job.DataType,
				"total_items":   st.job.TotalItems,
				"total_batches": st.job.TotalBatches,
			}, "", st.job.ProjectID)
		}
	})
}

// recordBatch atomically folds one batch outcome into the job counters
// (§4.8 progress accounting: confirmed outcomes only, no double count).
func (o *Orchestrator) recordBatch(ctx context.Context, st *jobState, idx, processed, failed int) {
	st.mu.Lock()
	if st.results[idx].done {
		st.mu.Unlock()
		return
	}
	st.results[idx] = batchResult{processed: processed, failed: failed, done: true}
	st.job.BatchesCompleted++
	st.job.ItemsProcessed += processed
	st.job.ItemsFailed += failed
	st.mu.Unlock()
	_ = o.persist(ctx, st)
}

func (o *Orchestrator) failJob(ctx context.Context, st *jobState, idx int, err error) {
	st.failOnce.Do(func() {
		st.failed.Store(true)
		st.cancel()
		st.mu.Lock()
		st.job.Status = models.JobFailed
		st.job.ErrorMessage = fmt.Sprintf("batch %d: %v", idx, err)
		now := time.Now().UTC()
		st.job.CompletedAt = &now
		st.mu.Unlock()
		_ = o.persist(context.Background(), st)

		o.log.WithFields(map[string]interface{}{
			"job_id": st.job.ID,
			"batch":  idx,
			"error":  err.Error(),
		}).Error("batch: job failed")

		if o.bus != nil {
			o.bus.Publish(eventbus.BatchJobFailed, map[string]any{
				"job_id":  st.job.ID,
				"project": st.job.ProjectID,
				"error":   st.job.ErrorMessage,
			}, "", st.job.ProjectID)
		}
		if o.metrics != nil {
			o.metrics.RecordBatchJob(st.job.DataType, string(models.JobFailed), time.Since(st.startedAt))
		}
	})
}

// finalize reconciles the per-batch sums against the job counters,
// corrects any drift to the authoritative sum, and marks the job
// completed (§4.8).
func (o *Orchestrator) finalize(ctx context.Context, st *jobState) {
	st.mu.Lock()
	var sumProcessed, sumFailed int
	for _, r := range st.results {
		sumProcessed += r.processed
		sumFailed += r.failed
	}
	if sumProcessed != st.job.ItemsProcessed || sumFailed != st.job.ItemsFailed {
		o.log.WithFields(map[string]interface{}{
			"job_id":            st.job.ID,
			"counter_processed": st.job.ItemsProcessed,
			"sum_processed":     sumProcessed,
		}).Warn("batch: finalize counter mismatch, correcting to batch sums")
		st.job.ItemsProcessed = sumProcessed
		st.job.ItemsFailed = sumFailed
	}
	st.job.Status = models.JobCompleted
	now := time.Now().UTC()
	st.job.CompletedAt = &now
	duration := now.Sub(st.startedAt)
	successRate := st.job.SuccessRate()
	job := st.job
	st.mu.Unlock()
	_ = o.persist(ctx, st)

	if o.bus != nil {
		o.bus.Publish(eventbus.BatchJobCompleted, map[string]any{
			"job_id":           job.ID,
			"project":          job.ProjectID,
			"total_processed":  job.ItemsProcessed,
			"total_failed":     job.ItemsFailed,
			"success_rate":     successRate,
			"duration_seconds": duration.Seconds(),
		}, "", job.ProjectID)
	}
	if o.metrics != nil {
		o.metrics.RecordBatchJob(job.DataType, string(models.JobCompleted), duration)
		o.metrics.BatchItemsProcessed.WithLabelValues(job.DataType, "processed").Add(float64(job.ItemsProcessed))
		o.metrics.BatchItemsProcessed.WithLabelValues(job.DataType, "failed").Add(float64(job.ItemsFailed))
	}
}

func (o *Orchestrator) persist(ctx context.Context, st *jobState) error {
	st.mu.Lock()
	snapshot := *st.job
	snapshot.WorkerTaskIDs = make(map[int]string, len(st.job.WorkerTaskIDs))
	for k, v := range st.job.WorkerTaskIDs {
		snapshot.WorkerTaskIDs[k] = v
	}
	st.mu.Unlock()
	if err := o.store.UpdateJob(ctx, &snapshot); err != nil {
		o.log.WithField("job_id", snapshot.ID).Warnf("batch: persist job state: %v", err)
		return err
	}
	return nil
}
