package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"

	"call-audit-go/internal/detector"
	"call-audit-go/internal/logger"
	"call-audit-go/internal/manifest"
	"call-audit-go/internal/pool"
	"call-audit-go/internal/quota"
	"call-audit-go/internal/sizer"
	"call-audit-go/internal/types"
)

type Config struct {
	// PerJobWorkers is the per-job slot ceiling requested from the pool; the
	// pool caps it further by fair share.
	PerJobWorkers int

	// AcquireAttempts bounds allocation retries before the job fails with
	// no_capacity.
	AcquireAttempts int

	// RemoteAttempts bounds remote-detector retries per file.
	RemoteAttempts int

	// RemoteTimeout is the hard ceiling for one remote transcription call.
	RemoteTimeout time.Duration

	// JobRetention is how long a terminal job stays queryable before it ages
	// out of the registry.
	JobRetention time.Duration
}

func ConfigFromEnv() Config {
	cfg := Config{
		PerJobWorkers:   8,
		AcquireAttempts: 3,
		RemoteAttempts:  3,
		RemoteTimeout:   2 * time.Minute,
		JobRetention:    time.Hour,
	}
	if v, err := strconv.Atoi(os.Getenv("JOB_MAX_WORKERS")); err == nil && v > 0 {
		cfg.PerJobWorkers = v
	}
	if v, err := strconv.Atoi(os.Getenv("REMOTE_MAX_ATTEMPTS")); err == nil && v > 0 {
		cfg.RemoteAttempts = v
	}
	if v, err := strconv.Atoi(os.Getenv("REMOTE_TIMEOUT_SEC")); err == nil && v > 0 {
		cfg.RemoteTimeout = time.Duration(v) * time.Second
	}
	if v, err := strconv.Atoi(os.Getenv("JOB_RETENTION_SEC")); err == nil && v > 0 {
		cfg.JobRetention = time.Duration(v) * time.Second
	}
	return cfg
}

// ProgressFunc is invoked after every file reaches a terminal state.
type ProgressFunc func(jobID string, succeeded, failed, total int)

// Engine drives jobs from submission to terminal state: it leases workers
// from the pool, sizes chunks adaptively per user, fans the three detectors
// out per file, and guarantees every submitted file ends up succeeded or
// failed with a reason, never silently dropped.
type Engine struct {
	cfg    Config
	pool   *pool.Manager
	sizer  *sizer.Sizer
	quota  *quota.Enforcer
	locals []detector.Detector
	remote detector.Detector
	source detector.Source
	log    *logger.Logger

	// jobs holds running entries without expiry; terminal jobs are re-set
	// with the retention TTL so the registry stays bounded.
	jobs *cache.Cache

	mu       sync.Mutex
	cancels  map[string]context.CancelFunc
	progress ProgressFunc
	wg       sync.WaitGroup
}

func New(cfg Config, p *pool.Manager, sz *sizer.Sizer, q *quota.Enforcer,
	locals []detector.Detector, remote detector.Detector, source detector.Source) *Engine {
	if cfg.PerJobWorkers < 1 {
		cfg.PerJobWorkers = 1
	}
	if cfg.AcquireAttempts < 1 {
		cfg.AcquireAttempts = 1
	}
	if cfg.RemoteAttempts < 1 {
		cfg.RemoteAttempts = 1
	}
	if cfg.RemoteTimeout <= 0 {
		cfg.RemoteTimeout = 2 * time.Minute
	}
	if cfg.JobRetention <= 0 {
		cfg.JobRetention = time.Hour
	}
	return &Engine{
		cfg:     cfg,
		pool:    p,
		sizer:   sz,
		quota:   q,
		locals:  locals,
		remote:  remote,
		source:  source,
		log:     logger.New().WithComponent("engine"),
		jobs:    cache.New(cfg.JobRetention, 10*time.Minute),
		cancels: make(map[string]context.CancelFunc),
	}
}

// SetProgressFunc registers the UI progress callback. Must be called before
// the first Submit.
func (e *Engine) SetProgressFunc(fn ProgressFunc) {
	e.mu.Lock()
	e.progress = fn
	e.mu.Unlock()
}

// Submit registers a batch and starts processing it on its own goroutine.
// The job ID is returned immediately; results are retrievable via Job once
// the job is terminal.
func (e *Engine) Submit(userID string, files []string) string {
	id := uuid.New().String()
	job := types.NewJob(id, userID, files)
	ctx, cancel := context.WithCancel(context.Background())

	e.jobs.Set(id, job, cache.NoExpiration)
	e.mu.Lock()
	e.cancels[id] = cancel
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.run(ctx, job)
		cancel()
		e.mu.Lock()
		delete(e.cancels, id)
		e.mu.Unlock()
		// terminal now, start the retention clock
		e.jobs.SetDefault(id, job)
	}()
	return id
}

// SubmitManifest enumerates a spreadsheet of recording references and submits
// them as one batch.
func (e *Engine) SubmitManifest(userID, path string) (string, error) {
	files, err := manifest.Load(path)
	if err != nil {
		return "", fmt.Errorf("load manifest: %w", err)
	}
	return e.Submit(userID, files), nil
}

// Job returns a snapshot of the job, or false if the ID is unknown.
func (e *Engine) Job(id string) (*types.Report, bool) {
	v, ok := e.jobs.Get(id)
	if !ok {
		return nil, false
	}
	return v.(*types.Job).Snapshot(), true
}

// Cancel stops dispatching new chunks for the job; in-flight files finish or
// time out and already-computed results are preserved.
func (e *Engine) Cancel(id string) bool {
	e.mu.Lock()
	cancel, ok := e.cancels[id]
	e.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Shutdown cancels every running job and waits up to timeout for their
// goroutines to exit.
func (e *Engine) Shutdown(timeout time.Duration) {
	e.mu.Lock()
	for _, cancel := range e.cancels {
		cancel()
	}
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		e.log.Info("all jobs drained")
	case <-time.After(timeout):
		e.log.Warn("shutdown timed out with jobs still running")
	}
}

func (e *Engine) emitProgress(job *types.Job) {
	e.mu.Lock()
	fn := e.progress
	e.mu.Unlock()
	if fn == nil {
		return
	}
	succeeded, failed, total := job.Counts()
	fn(job.ID, succeeded, failed, total)
}

// markRemaining fails every non-terminal task with the given reason so that
// accounting stays complete on abort paths.
func (e *Engine) markRemaining(job *types.Job, reason string) {
	job.Lock()
	marked := 0
	for _, t := range job.Tasks {
		if t.Status == types.TaskQueued || t.Status == types.TaskInFlight {
			t.Status = types.TaskFailed
			t.Reason = reason
			marked++
		}
	}
	job.Unlock()
	if marked > 0 {
		e.log.WithJob(job.ID, job.UserID).WithFields(logrus.Fields{
			"marked": marked,
			"reason": reason,
		}).Warn("marked unprocessed files as failed")
		e.emitProgress(job)
	}
}

// acquire leases workers with bounded backoff retries. Exhaustion after the
// final attempt is a reported job failure, never a hang.
func (e *Engine) acquire(ctx context.Context, userID string) (*pool.Allocation, error) {
	var alloc *pool.Allocation
	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(e.cfg.AcquireAttempts-1)),
		ctx,
	)
	err := backoff.Retry(func() error {
		a, err := e.pool.Acquire(ctx, userID, e.cfg.PerJobWorkers)
		if err != nil {
			if errors.Is(err, pool.ErrResourceExhausted) {
				return err
			}
			return backoff.Permanent(err)
		}
		alloc = a
		return nil
	}, bo)
	if err != nil {
		return nil, err
	}
	return alloc, nil
}

func (e *Engine) run(ctx context.Context, job *types.Job) {
	log := e.log.WithJob(job.ID, job.UserID)

	job.Lock()
	job.Status = types.JobRunning
	total := len(job.Tasks)
	job.Unlock()
	log.WithField("files", total).Info("job started")

	alloc, err := e.acquire(ctx, job.UserID)
	if err != nil {
		log.WithError(err).Error("allocation failed, job cannot run")
		reason := types.ReasonNoCapacity
		if ctx.Err() != nil {
			reason = types.ReasonAborted
		}
		e.markRemaining(job, reason)
		job.Finalize()
		return
	}
	// release on every exit path, including panics below
	defer alloc.Release()
	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", fmt.Sprint(r)).Error("job dispatch panicked")
			e.markRemaining(job, types.ReasonAborted)
			job.Finalize()
		}
	}()

	log.WithFields(logrus.Fields{
		"workers":   alloc.Workers,
		"api_slots": alloc.APISlots(),
	}).Info("allocation acquired")

	chunkNum := 0
	for ctx.Err() == nil {
		size := e.sizer.Recommend(job.UserID, alloc.Workers)
		chunk := e.takeChunk(job, size)
		if len(chunk) == 0 {
			break
		}
		chunkNum++
		log.WithFields(logrus.Fields{
			"chunk": chunkNum,
			"size":  len(chunk),
		}).Info("dispatching chunk")

		var wg sync.WaitGroup
		for _, t := range chunk {
			wg.Add(1)
			go func(task *types.FileTask) {
				defer wg.Done()
				e.processFile(ctx, job, alloc, task)
			}(t)
		}
		wg.Wait()
	}

	// a cancelled job still accounts for every file it never touched
	if ctx.Err() != nil {
		e.markRemaining(job, types.ReasonAborted)
	}
	status := job.Finalize()
	succeeded, failed, _ := job.Counts()
	log.WithFields(logrus.Fields{
		"status":    string(status),
		"succeeded": succeeded,
		"failed":    failed,
	}).Info("job finished")
}

// takeChunk moves up to n queued tasks to in_flight and returns them.
func (e *Engine) takeChunk(job *types.Job, n int) []*types.FileTask {
	job.Lock()
	defer job.Unlock()
	var chunk []*types.FileTask
	for _, t := range job.Tasks {
		if len(chunk) == n {
			break
		}
		if t.Status == types.TaskQueued {
			t.Status = types.TaskInFlight
			chunk = append(chunk, t)
		}
	}
	return chunk
}

// processFile runs the two local detectors and the remote detector
// concurrently: all three start together, all three are awaited before the
// file is finalized. A local detector error is recorded per-field; only a
// remote failure (after retries) or exhausted quota fails the file.
func (e *Engine) processFile(ctx context.Context, job *types.Job, alloc *pool.Allocation, task *types.FileTask) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			e.finishTask(job, task, start, nil, types.ReasonAborted, fmt.Sprintf("panic: %v", r))
		}
	}()

	audio, err := e.source(ctx, task.FileRef)
	if err != nil {
		e.finishTask(job, task, start, nil, types.ReasonDetectorError, err.Error())
		return
	}

	outcomes := make(map[string]types.DetectorOutcome, len(e.locals)+1)
	var outcomesMu sync.Mutex
	record := func(name string, o detector.Outcome, err error) {
		out := types.DetectorOutcome{
			Detector:   name,
			Value:      o.Value,
			Confidence: o.Confidence,
			Transcript: o.Transcript,
		}
		if err != nil {
			out.Error = err.Error()
		}
		outcomesMu.Lock()
		outcomes[name] = out
		outcomesMu.Unlock()
	}

	var wg sync.WaitGroup
	for _, d := range e.locals {
		wg.Add(1)
		go func(d detector.Detector) {
			defer wg.Done()
			o, err := safeAnalyze(ctx, d, audio)
			record(d.Name(), o, err)
		}(d)
	}

	var remoteReason, remoteDetail string
	wg.Add(1)
	go func() {
		defer wg.Done()
		remoteReason, remoteDetail = e.processRemote(ctx, job.UserID, alloc, audio, record)
	}()
	wg.Wait()

	e.finishTask(job, task, start, outcomes, remoteReason, remoteDetail)
	e.sizer.RecordObservation(job.UserID, time.Since(start))
}

// processRemote gates the remote call behind a quota reservation and an API
// concurrency slot, then retries transient failures with backoff. It returns
// a failure reason ("" on success) plus detail for the task record.
func (e *Engine) processRemote(ctx context.Context, userID string, alloc *pool.Allocation,
	audio []byte, record func(string, detector.Outcome, error)) (string, string) {

	if err := e.quota.Consume(ctx, userID); err != nil {
		if errors.Is(err, quota.ErrQuotaExceeded) {
			record(e.remote.Name(), detector.Outcome{}, err)
			return types.ReasonQuotaExceeded, err.Error()
		}
		record(e.remote.Name(), detector.Outcome{}, err)
		return types.ReasonDetectorError, err.Error()
	}

	if err := alloc.AcquireAPISlot(ctx); err != nil {
		record(e.remote.Name(), detector.Outcome{}, err)
		return types.ReasonAborted, err.Error()
	}
	defer alloc.ReleaseAPISlot()

	var lastErr error
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	for attempt := 1; attempt <= e.cfg.RemoteAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, e.cfg.RemoteTimeout)
		o, err := safeAnalyze(callCtx, e.remote, audio)
		cancel()
		if err == nil {
			record(e.remote.Name(), o, nil)
			return "", ""
		}
		lastErr = err
		if errors.Is(err, detector.ErrRateLimited) {
			e.sizer.RecordThrottle(userID)
		}
		if ctx.Err() != nil {
			// the job was cancelled, not the individual call
			record(e.remote.Name(), detector.Outcome{}, ctx.Err())
			return types.ReasonAborted, ctx.Err().Error()
		}
		if attempt < e.cfg.RemoteAttempts {
			wait := bo.NextBackOff()
			e.log.WithFields(logrus.Fields{
				"user":    userID,
				"attempt": attempt,
				"wait":    wait.String(),
			}).WithError(err).Warn("remote detector failed, retrying")
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				record(e.remote.Name(), detector.Outcome{}, ctx.Err())
				return types.ReasonAborted, ctx.Err().Error()
			}
		}
	}

	record(e.remote.Name(), detector.Outcome{}, lastErr)
	switch {
	case errors.Is(lastErr, detector.ErrRateLimited):
		return types.ReasonRateLimited, lastErr.Error()
	case errors.Is(lastErr, context.DeadlineExceeded):
		return types.ReasonTimeout, lastErr.Error()
	default:
		return types.ReasonDetectorError, lastErr.Error()
	}
}

// safeAnalyze converts a detector panic into a detector error so one buggy
// detector fails its file instead of taking down the process.
func safeAnalyze(ctx context.Context, d detector.Detector, audio []byte) (o detector.Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("detector panic: %v", r)
		}
	}()
	return d.Analyze(ctx, audio)
}

// finishTask moves the task to its terminal state under the job lock and
// emits progress. reason == "" means the mandatory remote detector
// succeeded, so the file succeeded regardless of local detector errors.
func (e *Engine) finishTask(job *types.Job, task *types.FileTask, start time.Time,
	outcomes map[string]types.DetectorOutcome, reason, detail string) {

	job.Lock()
	task.Outcomes = outcomes
	task.ElapsedMs = time.Since(start).Milliseconds()
	if reason == "" {
		task.Status = types.TaskSucceeded
	} else {
		task.Status = types.TaskFailed
		task.Reason = reason
	}
	job.Unlock()

	if reason != "" {
		e.log.WithJob(job.ID, job.UserID).WithFields(logrus.Fields{
			"file":   task.FileRef,
			"reason": reason,
			"detail": detail,
		}).Warn("file failed")
	}
	e.emitProgress(job)
}
