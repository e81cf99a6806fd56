package typing

import (
	"sort"
	"sync"
	"time"
)

// Watcher is the receiver-side view of who is typing. Every received start
// re-arms the key's own expiry timer, so the view goes idle on its own even
// when a typing:stop never arrives.
type Watcher struct {
	expiry   time.Duration
	onChange func(key Key, typing bool)

	mu     sync.Mutex
	timers *timers
}

// NewWatcher builds a watcher. onChange may be nil; it is called outside the
// watcher's lock on every idle/typing flip.
func NewWatcher(expiry time.Duration, onChange func(key Key, typing bool)) *Watcher {
	if expiry <= 0 {
		expiry = DefaultExpiry
	}
	return &Watcher{expiry: expiry, onChange: onChange, timers: newTimers()}
}

// Started handles a received typing:start. It is never suppressed.
func (w *Watcher) Started(key Key) {
	w.mu.Lock()
	wasTyping := w.timers.has(key)
	w.timers.replace(key, w.expiry, func(gen uint64) { w.expire(key, gen) })
	w.mu.Unlock()

	if !wasTyping {
		w.notify(key, true)
	}
}

// Stopped handles a received typing:stop.
func (w *Watcher) Stopped(key Key) {
	w.mu.Lock()
	wasTyping := w.timers.cancel(key)
	w.mu.Unlock()

	if wasTyping {
		w.notify(key, false)
	}
}

func (w *Watcher) IsTyping(key Key) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.timers.has(key)
}

// TypingIn returns the users currently shown typing in the conversation.
func (w *Watcher) TypingIn(conversationID string) []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	var users []string
	for _, k := range w.timers.keys() {
		if k.ConversationID == conversationID {
			users = append(users, k.UserID)
		}
	}
	sort.Strings(users)
	return users
}

func (w *Watcher) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.timers.cancelAll()
}

func (w *Watcher) expire(key Key, gen uint64) {
	w.mu.Lock()
	if !w.timers.isCurrent(key, gen) {
		w.mu.Unlock()
		return
	}
	w.timers.cancel(key)
	w.mu.Unlock()

	w.notify(key, false)
}

func (w *Watcher) notify(key Key, typing bool) {
	if w.onChange != nil {
		w.onChange(key, typing)
	}
}
