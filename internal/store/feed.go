package store

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/IamMattHenry/salemate-notify/pkg/logger"
)

// ChangeKind classifies a store mutation published on the feed.
type ChangeKind string

const (
	ChangeCreated ChangeKind = "created"
	ChangeRead    ChangeKind = "read"
	ChangePruned  ChangeKind = "pruned"
)

// Change describes a committed store mutation. Subscribers treat it as a
// trigger only: they always recompute their view in full from the store, so a
// dropped change costs freshness, never correctness.
type Change struct {
	Kind           ChangeKind
	NotificationID string
	At             time.Time
}

const subscriptionBuffer = 16

// Subscription is a handle on the change feed. Close is idempotent and must
// be called when the consumer's session ends.
type Subscription struct {
	feed *Feed
	ch   chan Change
	once sync.Once
}

// C returns the channel change events arrive on. It is closed by Close.
func (s *Subscription) C() <-chan Change { return s.ch }

// Close detaches the subscription from the feed.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.feed.remove(s)
		close(s.ch)
	})
}

// Feed broadcasts store changes to subscribed delivery channels. Publication
// never blocks: a subscriber with a full buffer misses the event and relies
// on its reconciliation poll.
type Feed struct {
	mu   sync.RWMutex
	subs map[*Subscription]struct{}
	log  *zap.Logger
}

// NewFeed constructs an empty change feed.
func NewFeed() *Feed {
	return &Feed{
		subs: make(map[*Subscription]struct{}),
		log:  logger.WithModule("store.feed"),
	}
}

// Subscribe registers a new consumer on the feed.
func (f *Feed) Subscribe() *Subscription {
	sub := &Subscription{
		feed: f,
		ch:   make(chan Change, subscriptionBuffer),
	}

	f.mu.Lock()
	f.subs[sub] = struct{}{}
	f.mu.Unlock()

	return sub
}

// Publish delivers the change to all current subscribers.
func (f *Feed) Publish(change Change) {
	if change.At.IsZero() {
		change.At = time.Now().UTC()
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	for sub := range f.subs {
		select {
		case sub.ch <- change:
		default:
			f.log.Debug("subscriber buffer full, dropping change",
				zap.String("kind", string(change.Kind)),
				zap.String("notification_id", change.NotificationID),
			)
		}
	}
}

// SubscriberCount returns the number of attached subscriptions.
func (f *Feed) SubscriberCount() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs)
}

func (f *Feed) remove(sub *Subscription) {
	f.mu.Lock()
	delete(f.subs, sub)
	f.mu.Unlock()
}
