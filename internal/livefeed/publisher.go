// Package livefeed produces the server side of the live update stream:
// periodic fleet statistics and export job notifications.
package livefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/floatchat/floatchat/internal/broadcast"
	"github.com/floatchat/floatchat/internal/export"
	"github.com/floatchat/floatchat/internal/feed"
	"github.com/floatchat/floatchat/internal/metrics"
	"github.com/floatchat/floatchat/internal/ocean"
)

// StatsSource reports fleet statistics.
type StatsSource interface {
	Statistics() (ocean.Statistics, error)
}

// JobSource emits export job snapshots on every transition.
type JobSource interface {
	Subscribe(buffer int) (<-chan export.Job, func())
}

// Publisher polls statistics and relays job transitions to subscribers of
// the event stream.
type Publisher struct {
	stats   StatsSource
	jobs    JobSource
	poll    time.Duration
	hub     *broadcast.Hub[feed.Message]
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time

	last    ocean.Statistics
	hasLast bool
}

// NewPublisher creates a Publisher. jobs may be nil.
// If pollInterval is <= 0, it defaults to 10s.
func NewPublisher(stats StatsSource, jobs JobSource, pollInterval time.Duration, m *metrics.Metrics) *Publisher {
	if pollInterval <= 0 {
		pollInterval = 10 * time.Second
	}
	if m == nil {
		m = metrics.New(nil)
	}
	return &Publisher{
		stats:   stats,
		jobs:    jobs,
		poll:    pollInterval,
		hub:     broadcast.New[feed.Message](),
		metrics: m,
		logger:  slog.Default(),
		now:     time.Now,
	}
}

// Subscribe attaches a stream consumer.
func (p *Publisher) Subscribe(buffer int) (<-chan feed.Message, func()) {
	ch, unsubscribe := p.hub.Subscribe(buffer)
	p.metrics.StreamSubscribers.Inc()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			p.metrics.StreamSubscribers.Dec()
			unsubscribe()
		})
	}
}

// Snapshot returns a full statistics message for a newly attached consumer.
func (p *Publisher) Snapshot() (feed.Message, error) {
	st, err := p.stats.Statistics()
	if err != nil {
		return feed.Message{}, fmt.Errorf("reading statistics: %w", err)
	}
	return statsMessage(st, st, false, p.now()), nil
}

// Run polls statistics and relays job updates until ctx is cancelled, then
// closes every subscriber.
func (p *Publisher) Run(ctx context.Context) {
	defer p.hub.Close()

	var updates <-chan export.Job
	if p.jobs != nil {
		ch, unsubscribe := p.jobs.Subscribe(64)
		defer unsubscribe()
		updates = ch
	}

	for {
		if ctx.Err() != nil {
			return
		}

		if _, err := p.RunOnce(ctx); err != nil {
			p.logger.Error("stats poll failed", "error", err)
		}

		next := time.After(p.poll)
	wait:
		for {
			select {
			case <-ctx.Done():
				return
			case j, ok := <-updates:
				if !ok {
					updates = nil
					continue
				}
				p.Relay(j)
			case <-next:
				break wait
			}
		}
	}
}

// RunOnce polls statistics once and publishes the fields that changed since
// the previous poll. Returns true if a message was published.
func (p *Publisher) RunOnce(ctx context.Context) (bool, error) {
	st, err := p.stats.Statistics()
	if err != nil {
		return false, fmt.Errorf("reading statistics: %w", err)
	}
	if p.hasLast && st == p.last {
		return false, nil
	}
	msg := statsMessage(st, p.last, p.hasLast, p.now())
	p.last, p.hasLast = st, true
	p.publish(msg)
	return true, nil
}

// Relay publishes a message for a job that reached a terminal state.
// Other transitions are not announced.
func (p *Publisher) Relay(j export.Job) bool {
	msg, ok := jobMessage(j, p.now())
	if !ok {
		return false
	}
	p.publish(msg)
	return true
}

func (p *Publisher) publish(msg feed.Message) {
	n := p.hub.Publish(msg)
	p.metrics.StreamPublished.WithLabelValues(string(msg.Type)).Inc()
	p.logger.Debug("published stream message", "type", msg.Type, "subscribers", n)
}

// statsMessage builds an entity_update carrying only the counters that differ
// from prev. With partial false every counter is included.
func statsMessage(st, prev ocean.Statistics, partial bool, now time.Time) feed.Message {
	u := feed.CountersUpdate{LastSync: &now}
	if !partial || st.TotalFloats != prev.TotalFloats {
		v := st.TotalFloats
		u.TotalFloats = &v
	}
	if !partial || st.ActiveFloats != prev.ActiveFloats {
		v := st.ActiveFloats
		u.ActiveFloats = &v
	}
	if !partial || st.TotalMeasurements != prev.TotalMeasurements {
		v := st.TotalMeasurements
		u.TotalMeasurements = &v
	}
	return feed.Message{
		Type:      feed.EntityUpdate,
		Message:   fmt.Sprintf("Tracking %d active floats, %d measurements", st.ActiveFloats, st.TotalMeasurements),
		Timestamp: now,
		Status:    feed.Info,
		Stats:     &u,
	}
}

type jobData struct {
	JobID       string `json:"job_id"`
	Format      string `json:"format"`
	Status      string `json:"status"`
	DownloadRef string `json:"download_ref,omitempty"`
	SizeBytes   int64  `json:"size_bytes,omitempty"`
	Error       string `json:"error,omitempty"`
}

func jobMessage(j export.Job, now time.Time) (feed.Message, bool) {
	data, _ := json.Marshal(jobData{
		JobID:       j.ID,
		Format:      string(j.Format),
		Status:      string(j.Status),
		DownloadRef: j.DownloadRef,
		SizeBytes:   j.SizeBytes,
		Error:       j.Error,
	})

	switch j.Status {
	case export.Completed:
		return feed.Message{
			Type:      feed.SyncEvent,
			Message:   fmt.Sprintf("Export %s completed (%s, %d bytes)", j.ID, j.Format, j.SizeBytes),
			Timestamp: now,
			Status:    feed.Info,
			Data:      data,
		}, true
	case export.Failed:
		severity := feed.Error
		if j.Error == export.ErrCancelled.Error() {
			severity = feed.Warning
		}
		return feed.Message{
			Type:      feed.SystemAlert,
			Message:   fmt.Sprintf("Export %s failed: %s", j.ID, j.Error),
			Timestamp: now,
			Status:    severity,
			Data:      data,
		}, true
	}
	return feed.Message{}, false
}
