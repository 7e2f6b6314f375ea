package delivery

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/IamMattHenry/salemate-notify/internal/fanout"
	"github.com/IamMattHenry/salemate-notify/internal/store"
	"github.com/IamMattHenry/salemate-notify/pkg/logger"
	"github.com/IamMattHenry/salemate-notify/pkg/metrics"
)

// ConnectionState reports the freshness of a channel's view.
type ConnectionState string

const (
	// StateLive means the last recomputation succeeded.
	StateLive ConnectionState = "live"
	// StateDegraded means the channel is serving last-known-good (or empty)
	// lists because fresh data could not be computed within budget.
	StateDegraded ConnectionState = "degraded"
	// StateClosed means the session has ended.
	StateClosed ConnectionState = "closed"
)

// Snapshot is the full recomputed view published to the consumer on every
// change. Lists are complete, never diffs, so a missed event can only delay
// freshness, not corrupt the view.
type Snapshot struct {
	UnreadCount int             `json:"unread_count"`
	Unread      []fanout.View   `json:"unread"`
	Recent      []fanout.View   `json:"recent"`
	State       ConnectionState `json:"connection_state"`
	ComputedAt  time.Time       `json:"computed_at"`
}

// Options tunes a channel's timing budgets.
type Options struct {
	// PollInterval is the reconciliation poll period. The poll recomputes
	// directly from the store and supersedes the live feed if it stalls.
	PollInterval time.Duration
	// StartupTimeout bounds how long the consumer waits for an initial
	// snapshot before the channel reports itself degraded and empty.
	StartupTimeout time.Duration
}

const (
	defaultPollInterval   = 5 * time.Second
	defaultStartupTimeout = 5 * time.Second
	snapshotBuffer        = 4
)

func (o *Options) withDefaults() Options {
	out := Options{PollInterval: defaultPollInterval, StartupTimeout: defaultStartupTimeout}
	if o == nil {
		return out
	}
	if o.PollInterval > 0 {
		out.PollInterval = o.PollInterval
	}
	if o.StartupTimeout > 0 {
		out.StartupTimeout = o.StartupTimeout
	}
	return out
}

// Channel keeps one connected recipient's unread view eventually consistent
// with the store. It is a scoped resource: Open starts the feed subscription
// and the reconciliation poll, Close releases both. Nothing outlives the
// session.
type Channel struct {
	engine    *fanout.Engine
	sub       *store.Subscription
	recipient string
	opts      Options

	out     chan Snapshot
	refresh chan struct{}
	cancel  context.CancelFunc
	done    chan struct{}
	once    sync.Once

	mu   sync.Mutex
	last Snapshot

	log *zap.Logger
}

// Open starts a delivery channel for the recipient. The returned channel is
// bound to ctx: cancelling it tears the session down just like Close.
func Open(ctx context.Context, engine *fanout.Engine, feed *store.Feed, recipientID string, opts *Options) (*Channel, error) {
	if engine == nil {
		return nil, errors.New("delivery: engine is required")
	}
	if feed == nil {
		return nil, errors.New("delivery: feed is required")
	}
	recipientID = strings.TrimSpace(recipientID)
	if recipientID == "" {
		return nil, errors.New("delivery: recipient id is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	runCtx, cancel := context.WithCancel(ctx)
	c := &Channel{
		engine:    engine,
		sub:       feed.Subscribe(),
		recipient: recipientID,
		opts:      opts.withDefaults(),
		out:       make(chan Snapshot, snapshotBuffer),
		refresh:   make(chan struct{}, 1),
		cancel:    cancel,
		done:      make(chan struct{}),
		last:      Snapshot{State: StateDegraded},
		log:       logger.WithRecipient("delivery", recipientID),
	}

	metrics.ActiveChannels.Inc()
	go c.run(runCtx)
	return c, nil
}

// Snapshots yields the recomputed view on every change. The channel is closed
// on teardown.
func (c *Channel) Snapshots() <-chan Snapshot { return c.out }

// Recipient returns the identity this channel serves.
func (c *Channel) Recipient() string { return c.recipient }

// Last returns the most recently published snapshot.
func (c *Channel) Last() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// MarkRead acknowledges one notification through the engine and, on success,
// schedules a recomputation. The call is synchronous: the consumer gets the
// engine's verdict before any view update, never an optimistic count.
func (c *Channel) MarkRead(ctx context.Context, notificationID string) error {
	if err := c.engine.MarkRead(ctx, c.recipient, notificationID); err != nil {
		return err
	}
	c.Refresh()
	return nil
}

// MarkAllRead atomically acknowledges the recipient's current unread set.
// On failure the previously published snapshot stands untouched.
func (c *Channel) MarkAllRead(ctx context.Context) (int, error) {
	count, err := c.engine.MarkAllRead(ctx, c.recipient)
	if err != nil {
		return 0, err
	}
	c.Refresh()
	return count, nil
}

// Refresh requests an out-of-band recomputation. Coalesces if one is pending.
func (c *Channel) Refresh() {
	select {
	case c.refresh <- struct{}{}:
	default:
	}
}

// Close tears the session down: feed subscription and poll ticker are
// cancelled together. Idempotent; returns once the run loop has exited.
func (c *Channel) Close() {
	c.once.Do(func() {
		c.cancel()
	})
	<-c.done
}

func (c *Channel) run(ctx context.Context) {
	defer func() {
		c.sub.Close()
		metrics.ActiveChannels.Dec()
		c.mu.Lock()
		c.last.State = StateClosed
		c.mu.Unlock()
		close(c.out)
		close(c.done)
		c.log.Debug("channel closed")
	}()

	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()

	// Initial snapshot under the startup budget: a slow store yields a
	// degraded-empty view instead of a blocked consumer.
	startupCtx, cancel := context.WithTimeout(ctx, c.opts.StartupTimeout)
	if err := c.recompute(startupCtx); err != nil {
		c.log.Warn("initial snapshot unavailable, starting degraded", zap.Error(err))
		c.publish(Snapshot{State: StateDegraded, ComputedAt: time.Now().UTC()})
	}
	cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-c.sub.C():
			if !ok {
				return
			}
			c.drainPending()
			if err := c.recompute(ctx); err != nil {
				c.degrade(err)
			}
		case <-c.refresh:
			if err := c.recompute(ctx); err != nil {
				c.degrade(err)
			}
		case <-ticker.C:
			// Reconciliation poll: recompute from the store even if the
			// feed has gone silent.
			if err := c.recompute(ctx); err != nil {
				c.degrade(err)
			}
		}
	}
}

// drainPending collapses bursts of feed events into one recomputation.
func (c *Channel) drainPending() {
	for {
		select {
		case _, ok := <-c.sub.C():
			if !ok {
				return
			}
		default:
			return
		}
	}
}

func (c *Channel) recompute(ctx context.Context) error {
	started := time.Now()

	recent, err := c.engine.ComputeVisible(ctx, c.recipient)
	if err != nil {
		return err
	}

	unread := make([]fanout.View, 0, len(recent))
	for _, v := range recent {
		if !v.Read {
			unread = append(unread, v)
		}
	}

	metrics.SnapshotRecompute.Observe(time.Since(started).Seconds())

	c.publish(Snapshot{
		UnreadCount: len(unread),
		Unread:      unread,
		Recent:      recent,
		State:       StateLive,
		ComputedAt:  time.Now().UTC(),
	})
	return nil
}

// degrade republishes the last-known-good lists flagged as stale rather than
// blanking the consumer's view.
func (c *Channel) degrade(err error) {
	c.log.Warn("recompute failed, serving stale view", zap.Error(err))

	c.mu.Lock()
	stale := c.last
	c.mu.Unlock()

	stale.State = StateDegraded
	c.publish(stale)
}

func (c *Channel) publish(snapshot Snapshot) {
	c.mu.Lock()
	c.last = snapshot
	c.mu.Unlock()

	select {
	case c.out <- snapshot:
	default:
		// Consumer is lagging; drop the oldest so the freshest view wins.
		select {
		case <-c.out:
		default:
		}
		select {
		case c.out <- snapshot:
		default:
		}
	}
}
