package realtime

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nous-labs/attune/pkg/metrics"
)

// Relay carries events between processes. Run blocks, handing every
// received event to deliver until ctx is cancelled.
type Relay interface {
	Name() string
	Publish(ctx context.Context, e Event) error
	Run(ctx context.Context, deliver func(Event)) error
	Close() error
}

// Config tunes the bus.
type Config struct {
	QueueSize int           `json:"queue_size"`
	Heartbeat time.Duration `json:"heartbeat"`
}

// DefaultConfig returns the standard bus settings.
func DefaultConfig() Config {
	return Config{QueueSize: 64, Heartbeat: 15 * time.Second}
}

// Bus fans events out per user. Every connection has its own bounded queue
// and sees every event at most once. While a user has no connection, events
// wait in a backlog of the same size that the next connection takes over.
type Bus struct {
	cfg     Config
	relay   Relay
	metrics *metrics.Recorder
	now     func() time.Time

	mu    sync.Mutex
	users map[string]*userQueues

	wg sync.WaitGroup
}

type queue struct {
	mu     sync.Mutex
	items  []Event
	size   int
	notify chan struct{}
}

func newQueue(size int) *queue {
	return &queue{size: size, notify: make(chan struct{}, 1)}
}

// push appends e, dropping the oldest item when full.
func (q *queue) push(e Event) (dropped bool) {
	q.mu.Lock()
	if len(q.items) >= q.size {
		q.items = q.items[1:]
		dropped = true
	}
	q.items = append(q.items, e)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return dropped
}

func (q *queue) pop() (Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Event{}, false
	}
	e := q.items[0]
	q.items = q.items[1:]
	return e, true
}

func (q *queue) take() []Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// userQueues holds one user's backlog and live connections. Lock order is
// userQueues.mu before queue.mu.
type userQueues struct {
	mu         sync.Mutex
	backlog    *queue
	conns      map[*queue]struct{}
	lastActive time.Time
}

func newUserQueues(size int, now time.Time) *userQueues {
	return &userQueues{backlog: newQueue(size), conns: map[*queue]struct{}{}, lastActive: now}
}

// push delivers e to every connection, or to the backlog when there is
// none, and returns how many queues dropped their oldest event.
func (u *userQueues) push(e Event, now time.Time) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.lastActive = now
	if len(u.conns) == 0 {
		if u.backlog.push(e) {
			return 1
		}
		return 0
	}
	dropped := 0
	for q := range u.conns {
		if q.push(e) {
			dropped++
		}
	}
	return dropped
}

// attach opens a connection queue. The first connection takes the backlog.
func (u *userQueues) attach(size int) *queue {
	u.mu.Lock()
	defer u.mu.Unlock()
	q := newQueue(size)
	if len(u.conns) == 0 {
		q.items = u.backlog.take()
	}
	u.conns[q] = struct{}{}
	return q
}

// detach closes a connection queue. When the last connection leaves, its
// undelivered events return to the backlog.
func (u *userQueues) detach(q *queue, now time.Time) {
	u.mu.Lock()
	defer u.mu.Unlock()
	delete(u.conns, q)
	u.lastActive = now
	if len(u.conns) == 0 {
		for _, e := range q.take() {
			u.backlog.push(e)
		}
	}
}

// NewBus creates a bus. relay may be nil for in-process delivery only.
func NewBus(cfg Config, relay Relay, rec *metrics.Recorder) *Bus {
	def := DefaultConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = def.Heartbeat
	}
	return &Bus{cfg: cfg, relay: relay, metrics: rec, now: time.Now, users: map[string]*userQueues{}}
}

// Backend names the delivery backend.
func (b *Bus) Backend() string {
	if b.relay == nil {
		return "memory"
	}
	return b.relay.Name()
}

// Start begins consuming from the relay, if any.
func (b *Bus) Start(ctx context.Context) {
	if b.relay == nil {
		return
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		if err := b.relay.Run(ctx, b.deliver); err != nil && ctx.Err() == nil {
			slog.Error("realtime relay stopped", "relay", b.relay.Name(), "error", err)
		}
	}()
}

// Stop closes the relay and waits for its consumer to exit. The context
// passed to Start must already be cancelled.
func (b *Bus) Stop() {
	if b.relay == nil {
		return
	}
	if err := b.relay.Close(); err != nil {
		slog.Warn("realtime relay close", "error", err)
	}
	b.wg.Wait()
}

// Publish never blocks on consumers. With a relay the event goes out over
// the relay and comes back through Run; if the relay rejects it the event
// is delivered locally instead.
func (b *Bus) Publish(ctx context.Context, e Event) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = b.now().UTC()
	}
	b.metrics.Inc("realtime.published")
	if b.relay != nil {
		err := b.relay.Publish(ctx, e)
		if err == nil {
			return
		}
		b.metrics.Inc("realtime.relay_failed")
		slog.Warn("realtime relay publish failed, delivering locally", "relay", b.relay.Name(), "user", e.UserID, "error", err)
	}
	b.deliver(e)
}

func (b *Bus) deliver(e Event) {
	if e.UserID == "" {
		return
	}
	if n := b.user(e.UserID).push(e, b.now()); n > 0 {
		b.metrics.Add("realtime.dropped", int64(n))
		slog.Debug("realtime queue full, dropped oldest", "user", e.UserID, "queues", n)
	}
}

func (b *Bus) user(userID string) *userQueues {
	b.mu.Lock()
	defer b.mu.Unlock()
	u, ok := b.users[userID]
	if !ok {
		u = newUserQueues(b.cfg.QueueSize, b.now())
		b.users[userID] = u
	}
	return u
}

// Pending returns the number of events held for userID while no connection
// is open.
func (b *Bus) Pending(userID string) int {
	b.mu.Lock()
	u, ok := b.users[userID]
	b.mu.Unlock()
	if !ok {
		return 0
	}
	return u.backlog.len()
}

// Subscribe returns a channel that yields a heartbeat first, then events
// and periodic heartbeats. The channel is closed when ctx ends. Every
// concurrent subscription receives every event; subscribing again after all
// have left resumes from the backlog.
func (b *Bus) Subscribe(ctx context.Context, userID string) <-chan Event {
	b.mu.Lock()
	u, ok := b.users[userID]
	if !ok {
		u = newUserQueues(b.cfg.QueueSize, b.now())
		b.users[userID] = u
	}
	q := u.attach(b.cfg.QueueSize)
	b.mu.Unlock()

	out := make(chan Event)
	go func() {
		defer close(out)
		defer u.detach(q, b.now())

		send := func(e Event) bool {
			select {
			case out <- e:
				return true
			case <-ctx.Done():
				return false
			}
		}
		heartbeat := func() bool {
			return send(Event{ID: uuid.NewString(), Type: EventHeartbeat, UserID: userID, Timestamp: b.now().UTC()})
		}

		if !heartbeat() {
			return
		}
		ticker := time.NewTicker(b.cfg.Heartbeat)
		defer ticker.Stop()
		for {
			for {
				e, ok := q.pop()
				if !ok {
					break
				}
				if !send(e) {
					return
				}
			}
			select {
			case <-ctx.Done():
				return
			case <-q.notify:
			case <-ticker.C:
				if !heartbeat() {
					return
				}
			}
		}
	}()
	return out
}

// Prune drops users with no connection that have been idle for idle.
func (b *Bus) Prune(idle time.Duration) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	cutoff := b.now().Add(-idle)
	n := 0
	for id, u := range b.users {
		u.mu.Lock()
		stale := len(u.conns) == 0 && u.lastActive.Before(cutoff)
		u.mu.Unlock()
		if stale {
			delete(b.users, id)
			n++
		}
	}
	return n
}

// Users returns the number of users with live queues.
func (b *Bus) Users() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.users)
}
