package typing

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type change struct {
	key    Key
	typing bool
}

type recorder struct {
	mu      sync.Mutex
	changes []change
}

func (r *recorder) record(k Key, typing bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, change{k, typing})
}

func (r *recorder) snapshot() []change {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]change(nil), r.changes...)
}

func TestWatcher_ExpiresWithoutStop(t *testing.T) {
	rec := &recorder{}
	w := NewWatcher(50*time.Millisecond, rec.record)
	defer w.Close()

	w.Started(k1)
	assert.True(t, w.IsTyping(k1))

	require.Eventually(t, func() bool { return !w.IsTyping(k1) }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []change{{k1, true}, {k1, false}}, rec.snapshot())
}

func TestWatcher_EveryStartRefreshes(t *testing.T) {
	w := NewWatcher(150*time.Millisecond, nil)
	defer w.Close()

	for i := 0; i < 6; i++ {
		w.Started(k1)
		time.Sleep(40 * time.Millisecond)
		assert.True(t, w.IsTyping(k1), "iteration %d", i)
	}
}

func TestWatcher_StopClearsImmediately(t *testing.T) {
	rec := &recorder{}
	w := NewWatcher(time.Second, rec.record)
	defer w.Close()

	w.Started(k1)
	w.Started(k1)
	w.Stopped(k1)
	w.Stopped(k1)

	assert.False(t, w.IsTyping(k1))
	assert.Equal(t, []change{{k1, true}, {k1, false}}, rec.snapshot())
}

func TestWatcher_TypingIn(t *testing.T) {
	w := NewWatcher(time.Second, nil)
	defer w.Close()

	w.Started(Key{ConversationID: "c1", UserID: "u2"})
	w.Started(Key{ConversationID: "c1", UserID: "u1"})
	w.Started(Key{ConversationID: "c2", UserID: "u3"})

	assert.Equal(t, []string{"u1", "u2"}, w.TypingIn("c1"))
	assert.Empty(t, w.TypingIn("c9"))
}
