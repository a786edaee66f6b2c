// Package event routes asynchronous engine notifications to exactly one
// pending waiter or to registered streaming handlers, keyed by connection
// identity and event name.
package event

import (
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/remoteops/sshlink/pkg/logger"
	"github.com/remoteops/sshlink/pkg/transport"
	"github.com/remoteops/sshlink/pkg/types"
)

// correlationKey routes one notification: (connection identity, event name).
type correlationKey struct {
	conn  string
	event string
}

type result struct {
	payload transport.Payload
	err     error
}

// Waiter is a one-shot registration. It resolves with exactly one matching
// notification, a timeout, or the connection's teardown, and is removed
// from the registry the moment any of those happens.
type Waiter struct {
	key   correlationKey
	ch    chan result
	timer *time.Timer
}

// Wait blocks until the waiter resolves.
func (w *Waiter) Wait() (transport.Payload, error) {
	r := <-w.ch
	return r.payload, r.err
}

type handlerEntry struct {
	id int64
	fn func(transport.Payload)
}

// Bridge owns the waiter and handler registries for every connection that
// shares one transport. Dispatch may be called from any transport goroutine
// concurrently with registrations; the registry lock makes removal the
// exactly-once commit point for each waiter.
type Bridge struct {
	mu       sync.Mutex
	waiters  map[correlationKey]*Waiter
	handlers map[correlationKey][]handlerEntry
	live     map[string]bool
	nextID   int64

	dispatched uint64
	dropped    uint64

	logger *logger.Logger
}

func NewBridge() *Bridge {
	return &Bridge{
		waiters:  make(map[correlationKey]*Waiter),
		handlers: make(map[correlationKey][]handlerEntry),
		live:     make(map[string]bool),
		logger:   logger.NewLogger("eventBridge"),
	}
}

// Track admits a connection key. Registrations are accepted only for tracked
// keys, and Teardown forgets the key entirely, so the registry holds no state
// for dead connections. Keys are never reused, which makes "unknown" and
// "torn down" the same answer.
func (b *Bridge) Track(conn string) {
	b.mu.Lock()
	b.live[conn] = true
	b.mu.Unlock()
}

// RegisterWaiter reserves the next notification matching (conn, event) for
// one caller. Callers register before sending the command that produces the
// notification, so a racing dispatch always observes the registration.
// A duplicate registration for a live key is rejected rather than risking
// delivery to the wrong caller. timeout <= 0 disables expiry.
func (b *Bridge) RegisterWaiter(conn, event string, timeout time.Duration) (*Waiter, error) {
	k := correlationKey{conn: conn, event: event}

	b.mu.Lock()
	if !b.live[conn] {
		b.mu.Unlock()
		return nil, errors.WithMessagef(types.ErrConnectionClosed, "register %q", event)
	}
	if _, ok := b.waiters[k]; ok {
		b.mu.Unlock()
		return nil, errors.WithMessagef(types.ErrOperationRejected, "waiter already pending for %q", event)
	}
	w := &Waiter{key: k, ch: make(chan result, 1)}
	b.waiters[k] = w
	if timeout > 0 {
		w.timer = time.AfterFunc(timeout, func() { b.expire(w) })
	}
	b.mu.Unlock()

	return w, nil
}

func (b *Bridge) expire(w *Waiter) {
	b.mu.Lock()
	cur, ok := b.waiters[w.key]
	if !ok || cur != w {
		// already resolved or torn down
		b.mu.Unlock()
		return
	}
	delete(b.waiters, w.key)
	b.mu.Unlock()

	w.ch <- result{err: errors.WithMessagef(types.ErrConnectionFailure, "timed out waiting for %q", w.key.event)}
}

// RegisterHandler adds a persistent subscription that fires for every
// matching notification until UnregisterHandler is called with the returned
// id or the connection is torn down. Registering on an untracked or
// torn-down connection is a no-op returning id 0.
func (b *Bridge) RegisterHandler(conn, event string, fn func(transport.Payload)) int64 {
	k := correlationKey{conn: conn, event: event}

	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.live[conn] {
		return 0
	}
	b.nextID++
	b.handlers[k] = append(b.handlers[k], handlerEntry{id: b.nextID, fn: fn})
	return b.nextID
}

func (b *Bridge) UnregisterHandler(conn, event string, id int64) {
	k := correlationKey{conn: conn, event: event}

	b.mu.Lock()
	defer b.mu.Unlock()

	entries := b.handlers[k]
	for i, e := range entries {
		if e.id == id {
			b.handlers[k] = append(entries[:i], entries[i+1:]...)
			break
		}
	}
	if len(b.handlers[k]) == 0 {
		delete(b.handlers, k)
	}
}

// Dispatch delivers one notification. A pending one-shot waiter wins over
// persistent handlers so request/response pairs are never double-delivered;
// with no consumer at all the notification is a logged no-op.
func (b *Bridge) Dispatch(conn, event string, p transport.Payload) {
	k := correlationKey{conn: conn, event: event}

	b.mu.Lock()
	if w, ok := b.waiters[k]; ok {
		delete(b.waiters, k)
		b.dispatched++
		b.mu.Unlock()

		if w.timer != nil {
			w.timer.Stop()
		}
		w.ch <- validate(event, p)
		return
	}
	entries := make([]handlerEntry, len(b.handlers[k]))
	copy(entries, b.handlers[k])
	if len(entries) == 0 {
		b.dropped++
		b.mu.Unlock()
		b.logger.Debugf("no consumer for notification %s/%s", conn, event)
		return
	}
	b.dispatched++
	b.mu.Unlock()

	for _, e := range entries {
		e.fn(p)
	}
}

// validate checks the payload variant against the event name before it
// reaches a typed waiter.
func validate(event string, p transport.Payload) result {
	if p.Err != nil {
		return result{err: p.Err}
	}
	if want := transport.ExpectedKind(event); p.Kind != want {
		return result{err: errors.WithMessagef(types.ErrRemote, "unexpected payload variant for %q", event)}
	}
	return result{payload: p}
}

// Teardown rejects every pending waiter for the connection with a
// connection-closed error, drops its handlers, and forgets the key so later
// registrations are refused. Called exactly once when a connection
// disconnects or fails.
func (b *Bridge) Teardown(conn string) {
	b.mu.Lock()
	delete(b.live, conn)
	var victims []*Waiter
	for k, w := range b.waiters {
		if k.conn == conn {
			delete(b.waiters, k)
			victims = append(victims, w)
		}
	}
	for k := range b.handlers {
		if k.conn == conn {
			delete(b.handlers, k)
		}
	}
	b.mu.Unlock()

	for _, w := range victims {
		if w.timer != nil {
			w.timer.Stop()
		}
		w.ch <- result{err: errors.WithMessagef(types.ErrConnectionClosed, "waiting for %q", w.key.event)}
	}
}

// PendingWaiters reports registry size, for metrics.
func (b *Bridge) PendingWaiters() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.waiters)
}

// HandlerCount reports the number of persistent subscriptions, for metrics.
func (b *Bridge) HandlerCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, entries := range b.handlers {
		n += len(entries)
	}
	return n
}

// DispatchedTotal counts notifications delivered to a waiter or handler.
func (b *Bridge) DispatchedTotal() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dispatched
}

// DroppedTotal counts notifications that found no consumer.
func (b *Bridge) DroppedTotal() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
