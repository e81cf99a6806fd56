// Package typing implements the typing indicator state machines: the
// Coordinator runs on the server for senders and the Watcher runs wherever a
// receiver renders "is typing".
package typing

import "time"

// Key identifies one user typing in one conversation.
type Key struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
}

// timers owns at most one pending timer per key. It is not safe for
// concurrent use; owners call it with their own lock held.
type timers struct {
	gen     uint64
	pending map[Key]pendingTimer
}

type pendingTimer struct {
	t   *time.Timer
	gen uint64
}

func newTimers() *timers {
	return &timers{pending: make(map[Key]pendingTimer)}
}

// replace cancels the key's pending timer, if any, and arms a new one. fire
// gets the generation of the timer that fired so a callback that lost the race
// with a later replace or cancel can be recognized with isCurrent.
func (ts *timers) replace(key Key, d time.Duration, fire func(gen uint64)) {
	ts.cancel(key)
	ts.gen++
	gen := ts.gen
	ts.pending[key] = pendingTimer{
		t:   time.AfterFunc(d, func() { fire(gen) }),
		gen: gen,
	}
}

// cancel stops and forgets the key's timer. It reports whether one was armed.
func (ts *timers) cancel(key Key) bool {
	p, ok := ts.pending[key]
	if !ok {
		return false
	}
	p.t.Stop()
	delete(ts.pending, key)
	return true
}

func (ts *timers) isCurrent(key Key, gen uint64) bool {
	p, ok := ts.pending[key]
	return ok && p.gen == gen
}

func (ts *timers) has(key Key) bool {
	_, ok := ts.pending[key]
	return ok
}

func (ts *timers) len() int { return len(ts.pending) }

func (ts *timers) keys() []Key {
	keys := make([]Key, 0, len(ts.pending))
	for k := range ts.pending {
		keys = append(keys, k)
	}
	return keys
}

func (ts *timers) cancelAll() {
	for k := range ts.pending {
		ts.cancel(k)
	}
}
