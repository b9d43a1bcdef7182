package export

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/floatchat/floatchat/internal/broadcast"
	"github.com/floatchat/floatchat/internal/metrics"
	"github.com/floatchat/floatchat/internal/storage"
)

// ProgressFunc receives a completion percentage from a running pipeline.
// Values are clamped so progress never decreases and never reaches 100
// before the pipeline returns.
type ProgressFunc func(percent int)

// Result is what a successful pipeline run produces.
type Result struct {
	DownloadRef string
	SizeBytes   int64
}

// Pipeline executes one export. Run must return once ctx is done.
type Pipeline interface {
	Run(ctx context.Context, job Job, report ProgressFunc) (Result, error)
}

// Recorder persists job snapshots.
type Recorder interface {
	SaveExportJob(j storage.ExportJob) error
	ListExportJobs(limit int) ([]storage.ExportJob, error)
	DeleteExportJob(id string) error
}

// ArtifactStore removes the files completed jobs produced.
type ArtifactStore interface {
	Delete(ctx context.Context, key string) error
}

// artifactDeleteTimeout bounds each artifact removal during eviction.
const artifactDeleteTimeout = 10 * time.Second

// Options configures a Tracker. The zero value is usable.
type Options struct {
	// Timeout forces a job to Failed if it has not finished in time.
	// Zero disables the timeout.
	Timeout time.Duration
	// HistoryLimit bounds the number of retained jobs. When exceeded, the
	// oldest finished jobs are evicted; running jobs are always kept.
	// Zero keeps everything.
	HistoryLimit int
	Recorder     Recorder
	// Artifacts, when set, has the artifact of every evicted job deleted.
	Artifacts ArtifactStore
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
	Now       func() time.Time
}

type entry struct {
	job    Job
	cancel context.CancelCauseFunc
}

// Tracker owns the export job list and drives each job through its pipeline
// on a dedicated goroutine.
type Tracker struct {
	pipeline Pipeline
	timeout  time.Duration
	limit    int
	recorder  Recorder
	artifacts ArtifactStore
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time

	mu     sync.Mutex
	jobs   []*entry // newest first
	index  map[string]*entry
	closed bool

	updates *broadcast.Hub[Job]
	wg      sync.WaitGroup
}

// NewTracker creates a Tracker that runs jobs through p.
func NewTracker(p Pipeline, opts Options) *Tracker {
	if opts.Metrics == nil {
		opts.Metrics = metrics.New(nil)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Tracker{
		pipeline:  p,
		timeout:   opts.Timeout,
		limit:     opts.HistoryLimit,
		recorder:  opts.Recorder,
		artifacts: opts.Artifacts,
		metrics:   opts.Metrics,
		logger:    opts.Logger,
		now:       opts.Now,
		index:     make(map[string]*entry),
		updates:   broadcast.New[Job](),
	}
}

// Restore loads persisted jobs into the tracker. Jobs that were still
// pending or processing when the previous process stopped are marked
// failed as interrupted. Records beyond the history limit are deleted along
// with their artifacts. It must be called before the first Submit.
func (t *Tracker) Restore() (int, error) {
	if t.recorder == nil {
		return 0, nil
	}
	recs, err := t.recorder.ListExportJobs(0)
	if err != nil {
		return 0, fmt.Errorf("loading export jobs: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	restored := 0
	var pruned []Job
	for _, rec := range recs {
		job, err := jobFromRecord(rec)
		if err != nil {
			t.logger.Warn("skipping unreadable export job", "job_id", rec.ID, "error", err)
			continue
		}
		if _, dup := t.index[job.ID]; dup {
			continue
		}
		if t.limit > 0 && restored >= t.limit {
			pruned = append(pruned, job)
			continue
		}
		if !job.Status.Terminal() {
			job.Status = Failed
			job.Error = ErrInterrupted.Error()
			job.UpdatedAt = t.now()
			t.record(job)
		}
		e := &entry{job: job}
		t.jobs = append(t.jobs, e)
		t.index[job.ID] = e
		restored++
	}

	if len(pruned) > 0 {
		t.discard(pruned)
		t.logger.Info("pruned export jobs beyond history limit", "pruned", len(pruned), "limit", t.limit)
	}
	return restored, nil
}

// Submit validates req, creates a pending job and starts it. It returns the
// new job's id without waiting for the job to run.
func (t *Tracker) Submit(ctx context.Context, req Request) (string, error) {
	req, err := req.normalize()
	if err != nil {
		return "", err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generating job id: %w", err)
	}
	now := t.now()
	job := Job{
		ID:         id.String(),
		Format:     req.Format,
		Parameters: req.Parameters,
		TimeRange:  req.TimeRange,
		Region:     req.Region,
		Compressed: req.Compress,
		Status:     Pending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	// The job outlives the submitting request.
	jobCtx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		cancel(ErrClosed)
		return "", ErrClosed
	}
	e := &entry{job: job, cancel: cancel}
	t.jobs = append([]*entry{e}, t.jobs...)
	t.index[job.ID] = e
	t.wg.Add(1)
	t.record(job)
	t.publish(job)
	t.metrics.JobsSubmitted.WithLabelValues(string(job.Format)).Inc()
	t.metrics.JobsActive.Inc()
	t.evict()
	t.mu.Unlock()

	t.logger.Info("export job submitted", "job_id", job.ID, "format", job.Format,
		"parameters", len(job.Parameters), "region", job.Region, "time_range", job.TimeRange)

	go t.run(jobCtx, cancel, job.clone())
	return job.ID, nil
}

func (t *Tracker) run(ctx context.Context, cancel context.CancelCauseFunc, job Job) {
	defer t.wg.Done()
	defer cancel(nil)

	if t.timeout > 0 {
		var stop context.CancelFunc
		ctx, stop = context.WithTimeoutCause(ctx, t.timeout, ErrTimeout)
		defer stop()
	}

	// A pipeline that ignores its context still gets failed on time.
	stopAfter := context.AfterFunc(ctx, func() {
		t.finish(job.ID, Result{}, context.Cause(ctx))
	})
	defer stopAfter()

	res, err := t.pipeline.Run(ctx, job, func(p int) { t.progress(job.ID, p) })
	if ctx.Err() != nil {
		err = context.Cause(ctx)
	} else if err != nil {
		err = fmt.Errorf("%w: %w", ErrPipelineFailure, err)
	}
	t.finish(job.ID, res, err)
}

func (t *Tracker) progress(id string, percent int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.index[id]
	if !ok || e.job.Status.Terminal() {
		return
	}
	percent = min(max(percent, e.job.Progress), 99)

	changed := false
	if e.job.Status == Pending {
		e.job.Status = Processing
		changed = true
	}
	if percent != e.job.Progress {
		e.job.Progress = percent
		changed = true
	}
	if !changed {
		return
	}
	e.job.UpdatedAt = t.now()
	t.record(e.job)
	t.publish(e.job)
}

// finish moves a job to its terminal state. It is a no-op when the job has
// already finished or was evicted.
func (t *Tracker) finish(id string, res Result, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.index[id]
	if !ok || e.job.Status.Terminal() {
		return
	}

	now := t.now()
	e.job.UpdatedAt = now
	if err == nil {
		e.job.Status = Completed
		e.job.Progress = 100
		e.job.CompletedAt = &now
		e.job.DownloadRef = res.DownloadRef
		e.job.SizeBytes = res.SizeBytes
		t.metrics.ArtifactBytes.Observe(float64(res.SizeBytes))
		t.logger.Info("export job completed", "job_id", id, "download_ref", res.DownloadRef, "size_bytes", res.SizeBytes)
	} else {
		e.job.Status = Failed
		e.job.Error = err.Error()
		t.logger.Warn("export job failed", "job_id", id, "progress", e.job.Progress, "error", err)
	}

	t.metrics.JobsActive.Dec()
	t.metrics.JobsFinished.WithLabelValues(string(e.job.Status)).Inc()
	t.metrics.JobDuration.WithLabelValues(string(e.job.Status)).Observe(now.Sub(e.job.CreatedAt).Seconds())

	t.record(e.job)
	t.publish(e.job)
	t.evict()
}

// Cancel fails a pending or processing job and stops its pipeline.
func (t *Tracker) Cancel(id string) error {
	t.mu.Lock()
	e, ok := t.index[id]
	if !ok {
		t.mu.Unlock()
		return ErrNotFound
	}
	if e.job.Status.Terminal() {
		t.mu.Unlock()
		return ErrTerminal
	}
	cancel := e.cancel
	t.mu.Unlock()

	t.finish(id, Result{}, ErrCancelled)
	if cancel != nil {
		cancel(ErrCancelled)
	}
	return nil
}

// List returns every retained job, most recent first.
func (t *Tracker) List() []Job {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Job, len(t.jobs))
	for i, e := range t.jobs {
		out[i] = e.job.clone()
	}
	return out
}

// Get returns a single job.
func (t *Tracker) Get(id string) (Job, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.index[id]
	if !ok {
		return Job{}, ErrNotFound
	}
	return e.job.clone(), nil
}

// Subscribe returns a channel that receives a snapshot after every job
// transition, and a function that ends the subscription. Slow subscribers
// miss updates rather than stall the tracker.
func (t *Tracker) Subscribe(buffer int) (<-chan Job, func()) {
	return t.updates.Subscribe(buffer)
}

// Close stops accepting jobs, interrupts running ones and waits for their
// goroutines to exit.
func (t *Tracker) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	var cancels []context.CancelCauseFunc
	for _, e := range t.jobs {
		if !e.job.Status.Terminal() && e.cancel != nil {
			cancels = append(cancels, e.cancel)
		}
	}
	t.mu.Unlock()

	for _, cancel := range cancels {
		cancel(ErrInterrupted)
	}
	t.wg.Wait()
	t.updates.Close()
}

// evict drops the oldest finished jobs while the history is over its limit.
// Caller must hold t.mu.
func (t *Tracker) evict() {
	if t.limit <= 0 || len(t.jobs) <= t.limit {
		return
	}
	excess := len(t.jobs) - t.limit
	drop := make(map[string]bool, excess)
	for i := len(t.jobs) - 1; i >= 0 && excess > 0; i-- {
		if t.jobs[i].job.Status.Terminal() {
			drop[t.jobs[i].job.ID] = true
			excess--
		}
	}
	if len(drop) == 0 {
		return
	}

	kept := make([]*entry, 0, len(t.jobs)-len(drop))
	evicted := make([]Job, 0, len(drop))
	for _, e := range t.jobs {
		if drop[e.job.ID] {
			delete(t.index, e.job.ID)
			evicted = append(evicted, e.job)
			continue
		}
		kept = append(kept, e)
	}
	t.jobs = kept

	t.metrics.JobsEvicted.Add(float64(len(evicted)))
	t.discard(evicted)
}

// discard deletes the persisted record and the artifact of each job.
// Caller must hold t.mu.
func (t *Tracker) discard(jobs []Job) {
	for _, job := range jobs {
		if t.recorder != nil {
			if err := t.recorder.DeleteExportJob(job.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
				t.logger.Warn("deleting evicted export job", "job_id", job.ID, "error", err)
			}
		}
		if t.artifacts == nil || job.DownloadRef == "" {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), artifactDeleteTimeout)
		if err := t.artifacts.Delete(ctx, job.DownloadRef); err != nil {
			t.logger.Warn("deleting evicted export artifact", "job_id", job.ID, "download_ref", job.DownloadRef, "error", err)
		}
		cancel()
	}
}

// record writes a snapshot through to the recorder. Caller must hold t.mu.
func (t *Tracker) record(job Job) {
	if t.recorder == nil {
		return
	}
	if err := t.recorder.SaveExportJob(job.record()); err != nil {
		t.logger.Warn("persisting export job", "job_id", job.ID, "error", err)
	}
}

// publish fans a snapshot out to subscribers. Caller must hold t.mu so
// updates for one job are delivered in transition order.
func (t *Tracker) publish(job Job) {
	t.updates.Publish(job.clone())
}
