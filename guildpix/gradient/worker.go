// Copyright (C) 2025 Guildpix Authors.
// See LICENSE for copying information.

package gradient

import (
	"context"
	"encoding/json"
	"io"
	"path"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"storj.io/common/sync2"

	"github.com/guildpix/guildpix/private/kvstore"
	"github.com/guildpix/guildpix/private/objstore"
)

// Config contains configurable values for the gradient worker.
type Config struct {
	Enabled      bool          `help:"master switch; when false enqueue is a no-op" default:"true"`
	Concurrency  int           `help:"max in-flight gradient jobs per process" default:"3"`
	MaxRetries   int           `help:"attempts per image before the record is marked failed" default:"3"`
	PollInterval time.Duration `help:"dispatcher tick cadence" default:"1s" testDefault:"10ms"`
}

// Worker owns the gradient queue: it dispatches queued jobs with bounded
// concurrency and schedules retries through the delayed set.
//
// architecture: Worker
type Worker struct {
	log     *zap.Logger
	db      *kvstore.Client
	objects objstore.Store
	config  Config

	Loop *sync2.Cycle

	activeJobs     atomic.Int32
	running        atomic.Bool
	jobsProcessed  atomic.Int64
	jobsFailed     atomic.Int64
	processedNanos atomic.Int64
}

// NewWorker instantiates a Worker.
func NewWorker(log *zap.Logger, db *kvstore.Client, objects objstore.Store, config Config) *Worker {
	return &Worker{
		log:     log,
		db:      db,
		objects: objects,
		config:  config,
		Loop:    sync2.NewCycle(config.PollInterval),
	}
}

// Enqueue registers a gradient job for an uploaded image. It returns
// the job id, or "" when the worker is disabled. Enqueueing the same
// storage key twice yields the same job id and queues it exactly once.
func (worker *Worker) Enqueue(ctx context.Context, job Job) (_ string, err error) {
	defer mon.Task()(&ctx)(&err)

	if !worker.config.Enabled {
		return "", nil
	}
	if job.GuildID == "" || job.GalleryName == "" || job.StorageKey == "" {
		return "", ErrInvalidJob.New("missing fields")
	}
	if job.ItemID == "" {
		job.ItemID = path.Base(job.StorageKey)
	}

	jobID := JobID(job.StorageKey)

	exists, err := worker.db.Exists(ctx, jobKey(jobID))
	if err != nil {
		return "", Error.Wrap(err)
	}
	if exists {
		return jobID, nil
	}

	if err := worker.markPending(ctx, job.StorageKey); err != nil {
		return "", Error.Wrap(err)
	}

	job.Attempts = 0
	job.CreatedAt = nowMillis()
	data, err := json.Marshal(job)
	if err != nil {
		return "", Error.Wrap(err)
	}
	if err := worker.db.SetEx(ctx, jobKey(jobID), data, jobTTL); err != nil {
		return "", Error.Wrap(err)
	}
	if err := worker.db.RPush(ctx, queueKey, jobID); err != nil {
		return "", Error.Wrap(err)
	}

	mon.Counter("gradient_jobs_enqueued").Inc(1)
	return jobID, nil
}

// Run runs the dispatcher loop until ctx is canceled.
func (worker *Worker) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	if !worker.config.Enabled {
		return nil
	}

	worker.running.Store(true)
	defer worker.running.Store(false)

	return worker.Loop.Run(ctx, func(ctx context.Context) (err error) {
		defer mon.Task()(&ctx)(&err)
		err = worker.RunOnce(ctx)
		if err != nil {
			worker.log.Error("dispatch", zap.Error(Error.Wrap(err)))
		}
		return nil
	})
}

// RunOnce promotes due delayed jobs and drains the queue with bounded
// concurrency.
func (worker *Worker) RunOnce(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	if err := worker.promoteDelayed(ctx); err != nil {
		return err
	}

	// the limiter is the concurrency gate; Go blocks until a slot frees.
	limiter := sync2.NewLimiter(worker.config.Concurrency)
	defer limiter.Wait()

	for {
		jobID, err := worker.db.LMove(ctx, queueKey, processingKey, "LEFT", "RIGHT")
		if err != nil {
			if kvstore.ErrKeyNotFound.Has(err) {
				return nil
			}
			return err
		}

		started := limiter.Go(ctx, func() {
			worker.activeJobs.Add(1)
			defer worker.activeJobs.Add(-1)
			if err := worker.processOne(ctx, jobID); err != nil {
				worker.log.Error("process gradient job",
					zap.String("jobId", jobID),
					zap.Error(err))
			}
		})
		if !started {
			return ctx.Err()
		}
	}
}

// promoteDelayed moves jobs whose retry time has come back into the
// main queue. The ZRem return value guards against two dispatchers
// pushing the same job twice.
func (worker *Worker) promoteDelayed(ctx context.Context) error {
	due, err := worker.db.ZRangeByScore(ctx, delayedKey, 0, float64(nowMillis()))
	if err != nil {
		return err
	}
	for _, jobID := range due {
		removed, err := worker.db.ZRem(ctx, delayedKey, jobID)
		if err != nil {
			return err
		}
		if removed >= 1 {
			if err := worker.db.RPush(ctx, queueKey, jobID); err != nil {
				return err
			}
		}
	}
	return nil
}

func (worker *Worker) processOne(ctx context.Context, jobID string) (err error) {
	defer mon.Task()(&ctx)(&err)
	started := time.Now()

	data, err := worker.db.Get(ctx, jobKey(jobID))
	if kvstore.ErrKeyNotFound.Has(err) {
		// payload expired or job already finished elsewhere.
		return worker.db.LRem(ctx, processingKey, 0, jobID)
	}
	if err != nil {
		return err
	}

	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		worker.log.Warn("malformed job payload, dropping",
			zap.String("jobId", jobID), zap.Error(err))
		return worker.db.Delete(ctx, jobKey(jobID))
	}

	if err := worker.markProcessing(ctx, job.StorageKey); err != nil {
		return err
	}

	job.Attempts++
	payload, err := json.Marshal(job)
	if err != nil {
		return Error.Wrap(err)
	}
	if err := worker.db.SetEx(ctx, jobKey(jobID), payload, jobTTL); err != nil {
		return err
	}

	grad, processErr := worker.compute(ctx, job.StorageKey)
	if processErr == nil {
		if err := worker.markCompleted(ctx, job.StorageKey, grad, job.Attempts); err != nil {
			return err
		}
		if err := worker.db.Delete(ctx, jobKey(jobID)); err != nil {
			return err
		}
		if err := worker.db.LRem(ctx, processingKey, 0, jobID); err != nil {
			return err
		}
		worker.jobsProcessed.Add(1)
		worker.processedNanos.Add(time.Since(started).Nanoseconds())
		mon.Counter("gradient_jobs_processed").Inc(1)
		mon.DurationVal("gradient_processing_time").Observe(time.Since(started))
		return nil
	}

	if err := worker.db.LRem(ctx, processingKey, 0, jobID); err != nil {
		return err
	}

	if job.Attempts >= worker.config.MaxRetries {
		worker.jobsFailed.Add(1)
		mon.Counter("gradient_jobs_failed").Inc(1)
		if err := worker.markFailed(ctx, job.StorageKey, processErr, job.Attempts); err != nil {
			return err
		}
		return worker.db.Delete(ctx, jobKey(jobID))
	}

	backoff := time.Duration(1<<uint(job.Attempts)) * time.Second
	retryAt := nowMillis() + backoff.Milliseconds()
	worker.log.Info("gradient job scheduled for retry",
		zap.String("jobId", jobID),
		zap.Int("attempts", job.Attempts),
		zap.Duration("backoff", backoff))
	return worker.db.ZAdd(ctx, delayedKey, float64(retryAt), jobID)
}

func (worker *Worker) compute(ctx context.Context, storageKey string) (*Gradient, error) {
	reader, _, err := worker.objects.Get(ctx, storageKey)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { _ = reader.Close() }()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if len(data) == 0 {
		return nil, Error.New("empty object %q", storageKey)
	}
	return Extract(data)
}

// Close stops the dispatcher and drains in-flight jobs back into the
// queue so another dispatcher can pick them up. Safe because a
// completed per-image record is terminal and re-processing is
// idempotent.
func (worker *Worker) Close() error {
	worker.Loop.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for {
		_, err := worker.db.LMove(ctx, processingKey, queueKey, "LEFT", "RIGHT")
		if err != nil {
			if kvstore.ErrKeyNotFound.Has(err) {
				return nil
			}
			return Error.Wrap(err)
		}
	}
}

// Stats is a snapshot of worker health.
type Stats struct {
	JobsProcessed     int64
	JobsFailed        int64
	AverageProcessing time.Duration
	ActiveJobs        int
	IsRunning         bool
	IsEnabled         bool
	QueueLength       int64
	ProcessingLength  int64
	DelayedCount      int64
}

// Stats reports queue lengths and counters.
func (worker *Worker) Stats(ctx context.Context) (_ Stats, err error) {
	defer mon.Task()(&ctx)(&err)

	stats := Stats{
		JobsProcessed: worker.jobsProcessed.Load(),
		JobsFailed:    worker.jobsFailed.Load(),
		ActiveJobs:    int(worker.activeJobs.Load()),
		IsRunning:     worker.running.Load(),
		IsEnabled:     worker.config.Enabled,
	}
	if stats.JobsProcessed > 0 {
		stats.AverageProcessing = time.Duration(worker.processedNanos.Load() / stats.JobsProcessed)
	}

	if stats.QueueLength, err = worker.db.LLen(ctx, queueKey); err != nil {
		return Stats{}, Error.Wrap(err)
	}
	if stats.ProcessingLength, err = worker.db.LLen(ctx, processingKey); err != nil {
		return Stats{}, Error.Wrap(err)
	}
	if stats.DelayedCount, err = worker.db.ZCard(ctx, delayedKey); err != nil {
		return Stats{}, Error.Wrap(err)
	}
	return stats, nil
}
