package typing

import (
	"sort"
	"sync"
	"time"

	"livechat/internal/metrics"
)

const (
	DefaultExpiry   = 3 * time.Second
	DefaultDebounce = 500 * time.Millisecond
)

// Coordinator is the server-side typing state machine, one entry per
// (conversation, user):
//
//	idle   --start--> typing   emit, arm expiry
//	typing --start--> typing   emit only outside the debounce window, re-arm expiry
//	typing --stop-->  idle     emit, cancel expiry
//	typing --expiry-> idle     no emit; receivers run their own timers
//
// Every active entry owns exactly one live timer.
type Coordinator struct {
	expiry   time.Duration
	debounce time.Duration
	now      func() time.Time
	onExpire func(Key)

	mu      sync.Mutex
	timers  *timers
	entries map[Key]entry
}

type entry struct {
	lastEmit time.Time
	connID   string
}

type CoordinatorOption func(*Coordinator)

func WithExpiry(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) { c.expiry = d }
}

func WithDebounce(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) { c.debounce = d }
}

// WithClock replaces time.Now for debounce decisions.
func WithClock(now func() time.Time) CoordinatorOption {
	return func(c *Coordinator) { c.now = now }
}

// withExpireHook registers a hook called after an entry times out.
func withExpireHook(fn func(Key)) CoordinatorOption {
	return func(c *Coordinator) { c.onExpire = fn }
}

func NewCoordinator(opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		expiry:   DefaultExpiry,
		debounce: DefaultDebounce,
		now:      time.Now,
		timers:   newTimers(),
		entries:  make(map[Key]entry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start records a typing:start from connID and reports whether it should be
// broadcast. The expiry timer is refreshed even when the broadcast is
// suppressed.
func (c *Coordinator) Start(key Key, connID string) (emit bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	e, active := c.entries[key]
	emit = !active || now.Sub(e.lastEmit) >= c.debounce
	if emit {
		e.lastEmit = now
	} else {
		metrics.TypingSuppressed.Inc()
	}
	e.connID = connID
	c.entries[key] = e

	c.timers.replace(key, c.expiry, func(gen uint64) { c.expire(key, gen) })
	return emit
}

// Stop ends typing for key and reports whether a typing:stop should be
// broadcast. Stopping an idle key is a no-op.
func (c *Coordinator) Stop(key Key) (emit bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.timers.cancel(key) {
		return false
	}
	delete(c.entries, key)
	return true
}

// StopAllForConn force-stops every entry last started from connID and
// returns the keys that were typing, sorted, so the caller can broadcast
// typing:stop for each.
func (c *Coordinator) StopAllForConn(connID string) []Key {
	c.mu.Lock()
	defer c.mu.Unlock()

	var stopped []Key
	for key, e := range c.entries {
		if e.connID != connID {
			continue
		}
		c.timers.cancel(key)
		delete(c.entries, key)
		stopped = append(stopped, key)
	}
	sortKeys(stopped)
	return stopped
}

func (c *Coordinator) Active(key Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timers.has(key)
}

// Len returns the number of active entries.
func (c *Coordinator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timers.len()
}

// Close cancels every pending timer.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timers.cancelAll()
	c.entries = make(map[Key]entry)
}

func (c *Coordinator) expire(key Key, gen uint64) {
	c.mu.Lock()
	if !c.timers.isCurrent(key, gen) {
		c.mu.Unlock()
		return
	}
	c.timers.cancel(key)
	delete(c.entries, key)
	hook := c.onExpire
	c.mu.Unlock()
	metrics.TypingExpired.Inc()

	if hook != nil {
		hook(key)
	}
}

func sortKeys(keys []Key) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].ConversationID != keys[j].ConversationID {
			return keys[i].ConversationID < keys[j].ConversationID
		}
		return keys[i].UserID < keys[j].UserID
	})
}
