package export

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/floatchat/floatchat/internal/metrics"
	"github.com/floatchat/floatchat/internal/ocean"
	"github.com/floatchat/floatchat/internal/storage"
)

type pipelineFunc func(ctx context.Context, job Job, report ProgressFunc) (Result, error)

func (f pipelineFunc) Run(ctx context.Context, job Job, report ProgressFunc) (Result, error) {
	return f(ctx, job, report)
}

// instant completes as soon as it runs.
var instant = pipelineFunc(func(ctx context.Context, job Job, report ProgressFunc) (Result, error) {
	return Result{DownloadRef: "mem/" + job.ID, SizeBytes: 42}, nil
})

// blocking runs until its context is done.
var blocking = pipelineFunc(func(ctx context.Context, job Job, report ProgressFunc) (Result, error) {
	report(10)
	<-ctx.Done()
	return Result{}, ctx.Err()
})

func csvRequest() Request {
	return Request{
		Format:     CSV,
		Parameters: []ocean.Parameter{ocean.Temperature, ocean.Salinity},
		TimeRange:  ocean.Last7Days,
		Region:     ocean.Global,
	}
}

func newTestTracker(t *testing.T, p Pipeline, opts Options) *Tracker {
	t.Helper()
	tr := NewTracker(p, opts)
	t.Cleanup(tr.Close)
	return tr
}

func waitTerminal(t *testing.T, tr *Tracker, id string) Job {
	t.Helper()
	var job Job
	require.Eventually(t, func() bool {
		var err error
		job, err = tr.Get(id)
		require.NoError(t, err)
		return job.Status.Terminal()
	}, 5*time.Second, 2*time.Millisecond, "job %s never finished", id)
	return job
}

// collect reads updates for id until the job is terminal.
func collect(t *testing.T, updates <-chan Job, id string) []Job {
	t.Helper()
	var seen []Job
	timeout := time.After(5 * time.Second)
	for {
		select {
		case j := <-updates:
			if j.ID != id {
				continue
			}
			seen = append(seen, j)
			if j.Status.Terminal() {
				return seen
			}
		case <-timeout:
			t.Fatalf("job %s did not finish; saw %d updates", id, len(seen))
		}
	}
}

func TestSubmit_CSVExportScenario(t *testing.T) {
	tr := newTestTracker(t, &Simulator{Interval: time.Millisecond, Step: 10}, Options{})
	updates, unsubscribe := tr.Subscribe(64)
	defer unsubscribe()

	id, err := tr.Submit(context.Background(), csvRequest())
	require.NoError(t, err)

	seen := collect(t, updates, id)
	require.Len(t, seen, 11, "pending, nine progress ticks, completed")

	assert.Equal(t, Pending, seen[0].Status)
	assert.Equal(t, 0, seen[0].Progress)
	for i := 1; i <= 9; i++ {
		assert.Equal(t, Processing, seen[i].Status)
		assert.Equal(t, i*10, seen[i].Progress)
	}

	last := seen[10]
	assert.Equal(t, Completed, last.Status)
	assert.Equal(t, 100, last.Progress)
	assert.NotEmpty(t, last.DownloadRef)
	assert.Positive(t, last.SizeBytes)
	require.NotNil(t, last.CompletedAt)
	assert.False(t, last.CompletedAt.Before(last.CreatedAt))
}

func TestSubmit_InvalidRequestLeavesListUntouched(t *testing.T) {
	tr := newTestTracker(t, instant, Options{})

	cases := map[string]Request{
		"no parameters":     {Format: CSV, TimeRange: ocean.Last7Days, Region: ocean.Global},
		"unknown format":    {Format: "xlsx", Parameters: []ocean.Parameter{ocean.Salinity}, TimeRange: ocean.Last7Days, Region: ocean.Global},
		"unknown parameter": {Format: CSV, Parameters: []ocean.Parameter{"turbidity"}, TimeRange: ocean.Last7Days, Region: ocean.Global},
		"unknown region":    {Format: CSV, Parameters: []ocean.Parameter{ocean.Salinity}, TimeRange: ocean.Last7Days, Region: "arctic"},
		"unknown range":     {Format: CSV, Parameters: []ocean.Parameter{ocean.Salinity}, TimeRange: "5m", Region: ocean.Global},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			id, err := tr.Submit(context.Background(), req)
			assert.ErrorIs(t, err, ErrInvalidRequest)
			assert.Empty(t, id)
			assert.Empty(t, tr.List())
		})
	}
}

func TestSubmit_DeduplicatesParameters(t *testing.T) {
	tr := newTestTracker(t, instant, Options{})
	req := csvRequest()
	req.Parameters = append(req.Parameters, ocean.Temperature)

	id, err := tr.Submit(context.Background(), req)
	require.NoError(t, err)
	job, err := tr.Get(id)
	require.NoError(t, err)
	assert.Equal(t, []ocean.Parameter{ocean.Temperature, ocean.Salinity}, job.Parameters)
}

func TestList_MostRecentFirst(t *testing.T) {
	tr := newTestTracker(t, blocking, Options{})

	j1, err := tr.Submit(context.Background(), csvRequest())
	require.NoError(t, err)
	j2, err := tr.Submit(context.Background(), csvRequest())
	require.NoError(t, err)

	jobs := tr.List()
	require.Len(t, jobs, 2)
	assert.Equal(t, j2, jobs[0].ID)
	assert.Equal(t, j1, jobs[1].ID)
}

func TestList_ReturnsCopies(t *testing.T) {
	tr := newTestTracker(t, instant, Options{})
	id, err := tr.Submit(context.Background(), csvRequest())
	require.NoError(t, err)
	waitTerminal(t, tr, id)

	jobs := tr.List()
	jobs[0].Status = Pending
	jobs[0].Parameters[0] = ocean.Oxygen

	got, err := tr.Get(id)
	require.NoError(t, err)
	assert.Equal(t, Completed, got.Status)
	assert.Equal(t, ocean.Temperature, got.Parameters[0])
}

func TestPipelineFailureFreezesProgress(t *testing.T) {
	tr := newTestTracker(t, &Simulator{Interval: time.Millisecond, Step: 10, FailAt: 50}, Options{})

	id, err := tr.Submit(context.Background(), csvRequest())
	require.NoError(t, err)
	job := waitTerminal(t, tr, id)

	assert.Equal(t, Failed, job.Status)
	assert.Equal(t, 40, job.Progress)
	assert.Contains(t, job.Error, ErrPipelineFailure.Error())
	assert.Nil(t, job.CompletedAt)
	assert.Empty(t, job.DownloadRef)
	assert.Zero(t, job.SizeBytes)
}

func TestProgressIsMonotonicAndBelowHundred(t *testing.T) {
	scripted := pipelineFunc(func(ctx context.Context, job Job, report ProgressFunc) (Result, error) {
		report(50)
		report(30)
		report(120)
		return Result{DownloadRef: "x"}, nil
	})
	tr := newTestTracker(t, scripted, Options{})
	updates, unsubscribe := tr.Subscribe(16)
	defer unsubscribe()

	id, err := tr.Submit(context.Background(), csvRequest())
	require.NoError(t, err)

	seen := collect(t, updates, id)
	var progress []int
	for _, j := range seen {
		progress = append(progress, j.Progress)
	}
	assert.Equal(t, []int{0, 50, 99, 100}, progress)
}

func TestTimeoutForcesFailure(t *testing.T) {
	tr := newTestTracker(t, blocking, Options{Timeout: 20 * time.Millisecond})

	id, err := tr.Submit(context.Background(), csvRequest())
	require.NoError(t, err)
	job := waitTerminal(t, tr, id)

	assert.Equal(t, Failed, job.Status)
	assert.Equal(t, ErrTimeout.Error(), job.Error)
}

func TestTimeoutFailsPipelineThatIgnoresContext(t *testing.T) {
	release := make(chan struct{})
	hung := pipelineFunc(func(ctx context.Context, job Job, report ProgressFunc) (Result, error) {
		<-release
		return Result{DownloadRef: "late"}, nil
	})
	tr := newTestTracker(t, hung, Options{Timeout: 20 * time.Millisecond})
	t.Cleanup(func() { close(release) })

	id, err := tr.Submit(context.Background(), csvRequest())
	require.NoError(t, err)
	job := waitTerminal(t, tr, id)

	assert.Equal(t, Failed, job.Status)
	assert.Equal(t, ErrTimeout.Error(), job.Error)
}

func TestCancel(t *testing.T) {
	tr := newTestTracker(t, blocking, Options{})

	id, err := tr.Submit(context.Background(), csvRequest())
	require.NoError(t, err)

	require.NoError(t, tr.Cancel(id))
	job, err := tr.Get(id)
	require.NoError(t, err)
	assert.Equal(t, Failed, job.Status)
	assert.Equal(t, ErrCancelled.Error(), job.Error)

	assert.ErrorIs(t, tr.Cancel(id), ErrTerminal)
	assert.ErrorIs(t, tr.Cancel("nope"), ErrNotFound)

	_, err = tr.Get("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCancelHaltsTicks(t *testing.T) {
	tr := newTestTracker(t, &Simulator{Interval: 5 * time.Millisecond, Step: 10}, Options{})
	updates, unsubscribe := tr.Subscribe(64)
	defer unsubscribe()

	id, err := tr.Submit(context.Background(), csvRequest())
	require.NoError(t, err)
	require.NoError(t, tr.Cancel(id))

	frozen, err := tr.Get(id)
	require.NoError(t, err)
	time.Sleep(30 * time.Millisecond)
	after, err := tr.Get(id)
	require.NoError(t, err)
	assert.Equal(t, frozen, after)

	// Nothing is published after the terminal snapshot.
	seen := collect(t, updates, id)
	select {
	case j := <-updates:
		t.Fatalf("unexpected update after cancel: %+v", j)
	default:
	}
	assert.Equal(t, Failed, seen[len(seen)-1].Status)
}

func TestHistoryLimitEvictsOldestFinished(t *testing.T) {
	tr := newTestTracker(t, instant, Options{HistoryLimit: 2})

	var ids []string
	for range 3 {
		id, err := tr.Submit(context.Background(), csvRequest())
		require.NoError(t, err)
		waitTerminal(t, tr, id)
		ids = append(ids, id)
	}

	jobs := tr.List()
	require.Len(t, jobs, 2)
	assert.Equal(t, ids[2], jobs[0].ID)
	assert.Equal(t, ids[1], jobs[1].ID)
	_, err := tr.Get(ids[0])
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestHistoryLimitKeepsActiveJobs(t *testing.T) {
	tr := newTestTracker(t, blocking, Options{HistoryLimit: 1})

	for range 3 {
		_, err := tr.Submit(context.Background(), csvRequest())
		require.NoError(t, err)
	}
	assert.Len(t, tr.List(), 3)
}

func TestCloseInterruptsRunningJobs(t *testing.T) {
	tr := NewTracker(blocking, Options{})
	id, err := tr.Submit(context.Background(), csvRequest())
	require.NoError(t, err)

	tr.Close()
	job, err := tr.Get(id)
	require.NoError(t, err)
	assert.Equal(t, Failed, job.Status)
	assert.Equal(t, ErrInterrupted.Error(), job.Error)

	_, err = tr.Submit(context.Background(), csvRequest())
	assert.ErrorIs(t, err, ErrClosed)
}

// storedJob looks up a persisted record by id.
func storedJob(t *testing.T, store *storage.Store, id string) (storage.ExportJob, bool) {
	t.Helper()
	recs, err := store.ListExportJobs(0)
	require.NoError(t, err)
	for _, rec := range recs {
		if rec.ID == id {
			return rec, true
		}
	}
	return storage.ExportJob{}, false
}

func TestRecorderWriteThroughAndRestore(t *testing.T) {
	store, err := storage.Open(":memory:")
	require.NoError(t, err)
	defer store.Close()

	tr := NewTracker(instant, Options{Recorder: store})
	id, err := tr.Submit(context.Background(), csvRequest())
	require.NoError(t, err)
	waitTerminal(t, tr, id)
	tr.Close()

	rec, ok := storedJob(t, store, id)
	require.True(t, ok)
	assert.Equal(t, "completed", rec.Status)
	assert.Equal(t, 100, rec.Progress)
	assert.Equal(t, `["temperature","salinity"]`, rec.Parameters)

	// A job left running by a previous process.
	stale := time.Now().Add(-time.Minute)
	require.NoError(t, store.SaveExportJob(storage.ExportJob{
		ID: "stale", Format: "json", Parameters: `["ph"]`, TimeRange: "24h", Region: "indian",
		Status: "processing", Progress: 30, CreatedAt: stale, UpdatedAt: stale,
	}))

	restored := NewTracker(instant, Options{Recorder: store})
	defer restored.Close()
	n, err := restored.Restore()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	job, err := restored.Get("stale")
	require.NoError(t, err)
	assert.Equal(t, Failed, job.Status)
	assert.Equal(t, 30, job.Progress)
	assert.Equal(t, "interrupted", job.Error)

	done, err := restored.Get(id)
	require.NoError(t, err)
	assert.Equal(t, Completed, done.Status)
	require.NotNil(t, done.CompletedAt)

	rec, ok = storedJob(t, store, "stale")
	require.True(t, ok)
	assert.Equal(t, "failed", rec.Status)
}

func TestEvictionDeletesRecords(t *testing.T) {
	store, err := storage.Open(":memory:")
	require.NoError(t, err)
	defer store.Close()

	tr := newTestTracker(t, instant, Options{Recorder: store, HistoryLimit: 1})
	first, err := tr.Submit(context.Background(), csvRequest())
	require.NoError(t, err)
	waitTerminal(t, tr, first)
	second, err := tr.Submit(context.Background(), csvRequest())
	require.NoError(t, err)
	waitTerminal(t, tr, second)

	_, ok := storedJob(t, store, first)
	assert.False(t, ok)
	_, ok = storedJob(t, store, second)
	assert.True(t, ok)
}

type recordingArtifacts struct {
	mu      sync.Mutex
	deleted []string
}

func (r *recordingArtifacts) Delete(ctx context.Context, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleted = append(r.deleted, key)
	return nil
}

func (r *recordingArtifacts) keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.deleted...)
}

func TestRestorePrunesBeyondHistoryLimit(t *testing.T) {
	store, err := storage.Open(":memory:")
	require.NoError(t, err)
	defer store.Close()

	base := time.Now().Add(-time.Hour)
	for i, id := range []string{"oldest", "middle", "newest"} {
		at := base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, store.SaveExportJob(storage.ExportJob{
			ID: id, Format: "csv", Parameters: `["temperature"]`, TimeRange: "7d", Region: "global",
			Status: "completed", Progress: 100, DownloadRef: "exports/" + id + ".csv",
			CreatedAt: at, UpdatedAt: at, CompletedAt: at,
		}))
	}

	artifacts := &recordingArtifacts{}
	tr := newTestTracker(t, instant, Options{Recorder: store, Artifacts: artifacts, HistoryLimit: 2})
	n, err := tr.Restore()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	jobs := tr.List()
	require.Len(t, jobs, 2)
	assert.Equal(t, "newest", jobs[0].ID)
	assert.Equal(t, "middle", jobs[1].ID)

	_, ok := storedJob(t, store, "oldest")
	assert.False(t, ok, "pruned record is deleted")
	assert.Equal(t, []string{"exports/oldest.csv"}, artifacts.keys())
}

func TestEvictionDeletesArtifacts(t *testing.T) {
	artifacts := &recordingArtifacts{}
	tr := newTestTracker(t, instant, Options{Artifacts: artifacts, HistoryLimit: 1})

	first, err := tr.Submit(context.Background(), csvRequest())
	require.NoError(t, err)
	waitTerminal(t, tr, first)
	assert.Empty(t, artifacts.keys())

	second, err := tr.Submit(context.Background(), csvRequest())
	require.NoError(t, err)
	waitTerminal(t, tr, second)

	assert.Equal(t, []string{"mem/" + first}, artifacts.keys())
}

func TestSimulatorFailureRate(t *testing.T) {
	tr := newTestTracker(t, &Simulator{Interval: time.Millisecond, Step: 10, FailureRate: 1}, Options{})

	id, err := tr.Submit(context.Background(), csvRequest())
	require.NoError(t, err)
	job := waitTerminal(t, tr, id)

	assert.Equal(t, Failed, job.Status)
	assert.Zero(t, job.Progress, "fails on the first tick")
	assert.Contains(t, job.Error, "simulated failure at 10%")
}

func TestMetricsTrackLifecycle(t *testing.T) {
	m := metrics.New(nil)
	tr := newTestTracker(t, instant, Options{Metrics: m})

	id, err := tr.Submit(context.Background(), csvRequest())
	require.NoError(t, err)
	waitTerminal(t, tr, id)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.JobsSubmitted.WithLabelValues("csv")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.JobsFinished.WithLabelValues("completed")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.JobsActive))
}
