package livefeed

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/floatchat/floatchat/internal/broadcast"
	"github.com/floatchat/floatchat/internal/export"
	"github.com/floatchat/floatchat/internal/feed"
	"github.com/floatchat/floatchat/internal/metrics"
	"github.com/floatchat/floatchat/internal/ocean"
)

type fakeStats struct {
	mu  sync.Mutex
	st  ocean.Statistics
	err error
}

func (f *fakeStats) Statistics() (ocean.Statistics, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.st, f.err
}

func (f *fakeStats) set(st ocean.Statistics) {
	f.mu.Lock()
	f.st = st
	f.mu.Unlock()
}

type fakeJobs struct {
	hub *broadcast.Hub[export.Job]
}

func (f *fakeJobs) Subscribe(buffer int) (<-chan export.Job, func()) {
	return f.hub.Subscribe(buffer)
}

func TestRunOnce_PublishesPartialUpdates(t *testing.T) {
	stats := &fakeStats{st: ocean.Statistics{TotalFloats: 100, ActiveFloats: 90, TotalMeasurements: 200}}
	p := NewPublisher(stats, nil, time.Hour, nil)
	ch, unsubscribe := p.Subscribe(8)
	defer unsubscribe()

	published, err := p.RunOnce(context.Background())
	require.NoError(t, err)
	require.True(t, published)
	first := <-ch
	assert.Equal(t, feed.EntityUpdate, first.Type)
	require.NotNil(t, first.Stats.TotalFloats)
	require.NotNil(t, first.Stats.ActiveFloats)
	require.NotNil(t, first.Stats.TotalMeasurements)

	// Unchanged statistics are not republished.
	published, err = p.RunOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, published)

	stats.set(ocean.Statistics{TotalFloats: 100, ActiveFloats: 91, TotalMeasurements: 200})
	published, err = p.RunOnce(context.Background())
	require.NoError(t, err)
	require.True(t, published)
	second := <-ch
	assert.Nil(t, second.Stats.TotalFloats)
	assert.Nil(t, second.Stats.TotalMeasurements)
	require.NotNil(t, second.Stats.ActiveFloats)
	assert.Equal(t, int64(91), *second.Stats.ActiveFloats)
	assert.NotNil(t, second.Stats.LastSync)
}

func TestRunOnce_StatsError(t *testing.T) {
	p := NewPublisher(&fakeStats{err: errors.New("disk full")}, nil, time.Hour, nil)
	_, err := p.RunOnce(context.Background())
	assert.ErrorContains(t, err, "disk full")
}

func TestRelay_TerminalJobsOnly(t *testing.T) {
	m := metrics.New(nil)
	p := NewPublisher(&fakeStats{}, nil, time.Hour, m)
	ch, unsubscribe := p.Subscribe(8)
	defer unsubscribe()

	assert.False(t, p.Relay(export.Job{ID: "a", Status: export.Processing, Progress: 40}))
	assert.True(t, p.Relay(export.Job{ID: "a", Format: export.CSV, Status: export.Completed, Progress: 100, DownloadRef: "exports/a.csv", SizeBytes: 10}))
	assert.True(t, p.Relay(export.Job{ID: "b", Status: export.Failed, Error: "export timed out"}))
	assert.True(t, p.Relay(export.Job{ID: "c", Status: export.Failed, Error: export.ErrCancelled.Error()}))

	done := <-ch
	assert.Equal(t, feed.SyncEvent, done.Type)
	assert.Equal(t, feed.Info, done.Status)
	var data map[string]any
	require.NoError(t, json.Unmarshal(done.Data, &data))
	assert.Equal(t, "exports/a.csv", data["download_ref"])

	failed := <-ch
	assert.Equal(t, feed.SystemAlert, failed.Type)
	assert.Equal(t, feed.Error, failed.Status)

	cancelled := <-ch
	assert.Equal(t, feed.Warning, cancelled.Status)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.StreamPublished.WithLabelValues("sync_event")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.StreamPublished.WithLabelValues("system_alert")))
}

func TestMessagesRoundTripThroughFeedClient(t *testing.T) {
	p := NewPublisher(&fakeStats{st: ocean.Statistics{TotalFloats: 3, ActiveFloats: 2, TotalMeasurements: 7}}, nil, time.Hour, nil)
	snap, err := p.Snapshot()
	require.NoError(t, err)

	raw, err := json.Marshal(snap)
	require.NoError(t, err)

	c := feed.NewClient(nil, feed.Options{})
	require.NoError(t, c.HandleMessage(raw))
	assert.Equal(t, int64(7), c.Counters().TotalMeasurements)
	assert.Equal(t, int64(2), c.Counters().ActiveFloats)
}

func TestRun_RelaysAndClosesOnCancel(t *testing.T) {
	jobs := &fakeJobs{hub: broadcast.New[export.Job]()}
	m := metrics.New(nil)
	p := NewPublisher(&fakeStats{st: ocean.Statistics{TotalFloats: 1}}, jobs, time.Hour, m)
	ch, unsubscribe := p.Subscribe(8)
	defer unsubscribe()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StreamSubscribers))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	first := <-ch
	assert.Equal(t, feed.EntityUpdate, first.Type)

	// Publish reaches nobody until Run has subscribed to the job source.
	completed := export.Job{ID: "j", Status: export.Completed, Progress: 100}
	require.Eventually(t, func() bool { return jobs.hub.Publish(completed) == 1 }, time.Second, time.Millisecond)
	select {
	case msg := <-ch:
		assert.Equal(t, feed.SyncEvent, msg.Type)
	case <-time.After(time.Second):
		t.Fatal("job completion was not relayed")
	}

	cancel()
	<-done
	_, open := <-ch
	assert.False(t, open, "subscribers are closed when Run exits")
}
