package harvest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/counterhive/harvester/pkg/common/logger"
	"github.com/counterhive/harvester/pkg/common/models"
)

// errShutdown is the cancellation cause of a graceful pool shutdown. Jobs
// aborted this way are marked interrupted and requeued instead of
// cancelled.
var errShutdown = errors.New("worker pool shutting down")

// Pool runs harvest jobs claimed from the durable queue on a fixed
// number of workers. It also owns the reconciliation duties: reviving
// jobs whose worker died and honoring cancel broadcasts.
type Pool struct {
	queue        *Queue
	repo         *Repository
	pipeline     *Pipeline
	concurrency  int
	pollInterval time.Duration
	workerID     string

	mu      sync.Mutex
	running map[string]context.CancelCauseFunc
	wg      sync.WaitGroup
}

func NewPool(queue *Queue, repo *Repository, pipeline *Pipeline, concurrency int, pollInterval time.Duration) *Pool {
	if concurrency <= 0 {
		concurrency = 3
	}
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "harvester"
	}
	return &Pool{
		queue:        queue,
		repo:         repo,
		pipeline:     pipeline,
		concurrency:  concurrency,
		pollInterval: pollInterval,
		workerID:     fmt.Sprintf("%s-%s", hostname, uuid.New().String()[:8]),
		running:      make(map[string]context.CancelCauseFunc),
	}
}

// Run blocks until ctx ends, then drains the workers. Running jobs are
// interrupted and requeued.
func (p *Pool) Run(ctx context.Context) {
	logger.Log.WithFields(map[string]interface{}{
		"worker_id":   p.workerID,
		"concurrency": p.concurrency,
	}).Info("starting worker pool")

	p.wg.Add(1)
	go p.watchCancels(ctx)

	p.wg.Add(1)
	go p.sweep(ctx)

	for i := 0; i < p.concurrency; i++ {
		p.wg.Add(1)
		go p.worker(ctx, fmt.Sprintf("%s-%d", p.workerID, i))
	}

	<-ctx.Done()

	p.wg.Wait()
	logger.Log.WithField("worker_id", p.workerID).Info("worker pool stopped")
}

func (p *Pool) worker(ctx context.Context, slotID string) {
	defer p.wg.Done()

	for {
		if ctx.Err() != nil {
			return
		}

		jobID, err := p.queue.Claim(ctx, slotID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Log.WithError(err).Error("failed to claim job")
		}
		if jobID == "" {
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.pollInterval):
			}
			continue
		}

		p.runJob(ctx, jobID, slotID)
	}
}

func (p *Pool) runJob(ctx context.Context, jobID, slotID string) {
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := p.queue.ReleaseLock(releaseCtx, jobID, slotID); err != nil {
			logger.Log.WithError(err).WithField("job_id", jobID).Debug("failed to release job lock")
		}
	}()

	if ok := p.reconcile(ctx, jobID); !ok {
		return
	}

	jobCtx, cancel, stopRelay := jobContext(ctx)
	defer stopRelay()
	defer cancel(nil)

	p.mu.Lock()
	p.running[jobID] = cancel
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.running, jobID)
		p.mu.Unlock()
	}()

	renewCtx, stopRenew := context.WithCancel(jobCtx)
	defer stopRenew()
	go p.renewLock(renewCtx, jobID, slotID, cancel)

	if err := p.pipeline.Run(jobCtx, jobID, slotID); err != nil {
		logger.Log.WithError(err).WithField("job_id", jobID).Error("job execution failed")
		// Infrastructure failure, not a harvest outcome. Give the job
		// back to the queue after a short pause.
		if reqErr := p.queue.Enqueue(context.WithoutCancel(ctx), jobID, p.pollInterval*10); reqErr != nil {
			logger.Log.WithError(reqErr).WithField("job_id", jobID).Error("failed to requeue job")
		}
	}
}

// jobContext builds the per-job context. It is detached from the pool
// context: were the job a plain child, pool shutdown would reach it as
// context.Canceled before any cause could be stamped, and the pipeline
// could not tell an interrupt apart from a cancel. The relay delivers
// pool shutdown as errShutdown instead; stop releases it.
func jobContext(poolCtx context.Context) (context.Context, context.CancelCauseFunc, func() bool) {
	ctx, cancel := context.WithCancelCause(context.WithoutCancel(poolCtx))
	stop := context.AfterFunc(poolCtx, func() {
		cancel(errShutdown)
	})
	return ctx, cancel, stop
}

// reconcile inspects the claimed job's persisted state before running it.
// It reports whether the job should actually execute.
func (p *Pool) reconcile(ctx context.Context, jobID string) bool {
	job, err := p.repo.GetJob(ctx, jobID)
	if err != nil {
		if !errors.Is(err, ErrJobNotFound) {
			logger.Log.WithError(err).WithField("job_id", jobID).Error("failed to load claimed job")
		}
		return false
	}

	switch job.Status {
	case models.JobStatusWaiting:
		return true
	case models.JobStatusDelayed, models.JobStatusInterrupted:
		err := p.repo.UpdateJob(ctx, job.ID, map[string]interface{}{
			"status": models.JobStatusWaiting,
		})
		if err != nil {
			logger.Log.WithError(err).WithField("job_id", jobID).Error("failed to reset job status")
			return false
		}
		return true
	case models.JobStatusRunning:
		// A running job coming out of the queue means its worker died
		// mid-flight. Retry a couple of times, then give up on it.
		if job.Attempts > 2 {
			err := p.repo.UpdateJob(ctx, job.ID, map[string]interface{}{
				"status":     models.JobStatusFailed,
				"error_code": models.ErrCodeWorkerLost,
				"worker_id":  "",
			})
			if err != nil {
				logger.Log.WithError(err).WithField("job_id", jobID).Error("failed to fail lost job")
			}
			job.Status = models.JobStatusFailed
			job.ErrorCode = models.ErrCodeWorkerLost
			p.pipeline.publishJob(ctx, job)
			return false
		}
		return true
	default:
		return false
	}
}

// renewLock keeps the claim alive while the job runs. Losing the lock
// aborts the job so the worker that took it over does not race us.
func (p *Pool) renewLock(ctx context.Context, jobID, slotID string, cancel context.CancelCauseFunc) {
	interval := p.queue.lockTTL / 3
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			held, err := p.queue.RenewLock(ctx, jobID, slotID)
			if err != nil {
				logger.Log.WithError(err).WithField("job_id", jobID).Warn("lock renewal failed")
				continue
			}
			if !held {
				logger.Log.WithField("job_id", jobID).Warn("job lock lost, aborting")
				cancel(errors.New("job lock lost"))
				return
			}
		}
	}
}

// watchCancels honors cancel broadcasts: a locally running job gets its
// context cancelled, a queued one is settled directly.
func (p *Pool) watchCancels(ctx context.Context) {
	defer p.wg.Done()

	cancels, closeSub := p.queue.SubscribeCancel(ctx)
	defer closeSub()

	for jobID := range cancels {
		p.mu.Lock()
		cancel, isRunning := p.running[jobID]
		p.mu.Unlock()

		if isRunning {
			cancel(errors.New("job cancelled"))
			continue
		}

		job, err := p.repo.GetJob(ctx, jobID)
		if err != nil || models.IsJobTerminal(job.Status) || job.Status == models.JobStatusRunning {
			continue
		}
		if err := p.pipeline.markCancelled(ctx, job); err != nil {
			logger.Log.WithError(err).WithField("job_id", jobID).Error("failed to cancel queued job")
		}
	}
}

// sweep periodically revives jobs stuck in running with no live lock,
// which happens when a worker process dies without cleanup.
func (p *Pool) sweep(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.queue.lockTTL * 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		jobs, err := p.repo.ListRunningJobs(ctx)
		if err != nil {
			logger.Log.WithError(err).Error("reconciliation sweep failed")
			continue
		}

		for _, job := range jobs {
			p.mu.Lock()
			_, local := p.running[job.ID]
			p.mu.Unlock()
			if local {
				continue
			}

			locked, err := p.queue.Locked(ctx, job.ID)
			if err != nil || locked {
				continue
			}

			logger.Log.WithFields(map[string]interface{}{
				"job_id":    job.ID,
				"worker_id": job.WorkerID,
			}).Warn("requeueing orphaned running job")
			if err := p.queue.Enqueue(ctx, job.ID, 0); err != nil {
				logger.Log.WithError(err).WithField("job_id", job.ID).Error("failed to requeue orphaned job")
			}
		}
	}
}
