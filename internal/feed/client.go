package feed

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/floatchat/floatchat/internal/broadcast"
	"github.com/floatchat/floatchat/internal/metrics"
)

// Stream delivers raw message payloads from one connection.
type Stream interface {
	// Recv blocks for the next payload. It returns an error once the
	// connection is closed by either side.
	Recv() ([]byte, error)
	Close() error
}

// Dialer opens a Stream.
type Dialer interface {
	Dial(ctx context.Context) (Stream, error)
}

// Options configures a Client.
type Options struct {
	// ReconnectDelay is the first wait after a disconnect. Defaults to 5s.
	ReconnectDelay time.Duration
	// MaxReconnectDelay caps the exponential backoff. Defaults to 1m.
	MaxReconnectDelay time.Duration
	// MaxRetries is the number of consecutive failed attempts tolerated
	// before the client gives up with ErrConnectionLost. Zero retries forever.
	MaxRetries int
	// HistoryCapacity bounds the event history. Defaults to 50.
	HistoryCapacity int
	Metrics         *metrics.Metrics
	Logger          *slog.Logger
	Now             func() time.Time
}

// Update is published to subscribers on every state change and every
// recorded event.
type Update struct {
	State    State    `json:"state"`
	Event    *Event   `json:"event,omitempty"`
	Counters Counters `json:"counters"`
	Err      error    `json:"-"`
}

// Client maintains one connection to the event stream and reconnects with
// exponential backoff when it drops.
type Client struct {
	dialer  Dialer
	opts    Options
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu       sync.Mutex
	state    State
	history  *History
	counters Counters
	dropped  int64
	err      error
	running  bool
	cancel   context.CancelFunc
	done     chan struct{}
	stream   Stream

	updates *broadcast.Hub[Update]
}

// NewClient creates a disconnected Client.
func NewClient(d Dialer, opts Options) *Client {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = 5 * time.Second
	}
	if opts.MaxReconnectDelay < opts.ReconnectDelay {
		opts.MaxReconnectDelay = max(time.Minute, opts.ReconnectDelay)
	}
	if opts.HistoryCapacity <= 0 {
		opts.HistoryCapacity = 50
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New(nil)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Client{
		dialer:  d,
		opts:    opts,
		metrics: opts.Metrics,
		logger:  opts.Logger,
		state:   Disconnected,
		history: NewHistory(opts.HistoryCapacity),
		updates: broadcast.New[Update](),
	}
}

// Connect starts the connection loop. It returns immediately and is a no-op
// while the loop is already running, including while it waits to reconnect.
func (c *Client) Connect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.running = true
	c.err = nil
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.loop(ctx, c.done)
}

// Disconnect cancels any pending reconnect, closes the active stream and
// waits for the connection loop to exit. It is idempotent.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	c.cancel()
	done, stream := c.done, c.stream
	c.stream = nil
	c.setStateLocked(Disconnected)
	c.mu.Unlock()

	if stream != nil {
		stream.Close()
	}
	<-done
}

func (c *Client) newBackoff() backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = c.opts.ReconnectDelay
	exp.MaxInterval = c.opts.MaxReconnectDelay
	exp.MaxElapsedTime = 0
	exp.Reset()
	if c.opts.MaxRetries > 0 {
		return backoff.WithMaxRetries(exp, uint64(c.opts.MaxRetries))
	}
	return exp
}

func (c *Client) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	bo := c.newBackoff()

	for {
		if !c.transition(ctx, Connecting) {
			return
		}
		stream, err := c.dialer.Dial(ctx)
		if err == nil {
			if !c.attach(ctx, stream) {
				stream.Close()
				return
			}
			bo.Reset()
			c.logger.Info("feed connected")
			err = c.consume(ctx, stream)
			stream.Close()
		}
		if ctx.Err() != nil {
			return
		}

		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			c.logger.Error("feed reconnect attempts exhausted", "max_retries", c.opts.MaxRetries, "error", err)
			c.giveUp(ctx)
			return
		}
		c.logger.Warn("feed disconnected", "error", err, "retry_in", wait)
		if !c.transition(ctx, Disconnected) {
			return
		}
		c.metrics.FeedReconnects.Inc()

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (c *Client) consume(ctx context.Context, stream Stream) error {
	for {
		raw, err := stream.Recv()
		if err != nil {
			return err
		}
		c.ingest(ctx, raw)
	}
}

// transition moves to state unless the loop owning ctx has been superseded.
func (c *Client) transition(ctx context.Context, state State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ctx.Err() != nil {
		return false
	}
	c.setStateLocked(state)
	return true
}

func (c *Client) attach(ctx context.Context, stream Stream) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ctx.Err() != nil {
		return false
	}
	c.stream = stream
	c.setStateLocked(Connected)
	return true
}

func (c *Client) giveUp(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ctx.Err() != nil {
		return
	}
	c.running = false
	c.stream = nil
	c.err = ErrConnectionLost
	c.setStateLocked(Disconnected)
	c.cancel()
}

// setStateLocked records state and notifies subscribers. Caller holds c.mu.
func (c *Client) setStateLocked(state State) {
	if state != Connected {
		c.stream = nil
	}
	if c.state == state {
		return
	}
	c.state = state
	if state == Connected {
		c.metrics.FeedConnected.Set(1)
	} else {
		c.metrics.FeedConnected.Set(0)
	}
	c.updates.Publish(Update{State: state, Counters: c.counters, Err: c.err})
}

// HandleMessage ingests one raw payload as if it had arrived on the stream.
// Malformed payloads are counted and dropped; the returned error wraps
// ErrMalformedMessage.
func (c *Client) HandleMessage(raw []byte) error {
	return c.ingest(context.Background(), raw)
}

func (c *Client) ingest(ctx context.Context, raw []byte) error {
	msg, err := ParseMessage(raw, c.opts.Now())
	if err != nil {
		c.mu.Lock()
		c.dropped++
		c.mu.Unlock()
		c.metrics.FeedMessages.WithLabelValues("malformed").Inc()
		c.logger.Warn("dropping malformed feed message", "error", err, "bytes", len(raw))
		return err
	}

	ev := Event{
		ID:        uuid.NewString(),
		Kind:      msg.Type,
		Message:   msg.Message,
		Timestamp: msg.Timestamp,
		Severity:  msg.Status,
		Payload:   msg.Data,
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if ctx.Err() != nil {
		return nil
	}
	c.history.Push(ev)
	if msg.Stats != nil {
		c.counters = c.counters.Merge(*msg.Stats)
	}
	c.metrics.FeedMessages.WithLabelValues("accepted").Inc()
	c.updates.Publish(Update{State: c.state, Event: &ev, Counters: c.counters})
	return nil
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// History returns recorded events, newest first.
func (c *Client) History() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.history.Events()
}

// Counters returns the current aggregate counters.
func (c *Client) Counters() Counters {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counters
}

// Err returns ErrConnectionLost after the client gave up reconnecting, and
// nil otherwise.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Dropped returns how many malformed payloads have been discarded.
func (c *Client) Dropped() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

// Subscribe returns a channel of updates and a function that ends the
// subscription.
func (c *Client) Subscribe(buffer int) (<-chan Update, func()) {
	return c.updates.Subscribe(buffer)
}

// Close disconnects and releases subscribers.
func (c *Client) Close() {
	c.Disconnect()
	c.updates.Close()
}
