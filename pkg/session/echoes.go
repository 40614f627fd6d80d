package session

import (
	"sync"
	"time"

	"github.com/mahaj/chatsync/pkg/model"
)

// echoWindow bounds how long a local reaction waits for its push echo.
const echoWindow = 30 * time.Second

// reactionEchoes counts local reaction calls whose push echo has not arrived.
// A push reaction by the local user that matches one is the echo of a call
// this session already applies itself; anything else came from another device.
type reactionEchoes struct {
	mu      sync.Mutex
	pending map[string][]time.Time
}

func newReactionEchoes() *reactionEchoes {
	return &reactionEchoes{pending: make(map[string][]time.Time)}
}

func echoKey(kind model.EventKind, messageID, emoji string) string {
	sign := "+"
	if kind == model.EventReactionRemoved {
		sign = "-"
	}
	return sign + messageID + emoji
}

func (e *reactionEchoes) expect(key string, at time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending[key] = append(e.pending[key], at)
}

// cancel drops one expectation after the backend call failed.
func (e *reactionEchoes) cancel(key string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.drop(key, 1)
}

// consume reports whether key was expected, forgetting expectations older
// than echoWindow first.
func (e *reactionEchoes) consume(key string, now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	stale := 0
	for _, at := range e.pending[key] {
		if now.Sub(at) <= echoWindow {
			break
		}
		stale++
	}
	e.drop(key, stale)
	if len(e.pending[key]) == 0 {
		return false
	}
	e.drop(key, 1)
	return true
}

func (e *reactionEchoes) drop(key string, n int) {
	list := e.pending[key]
	if n >= len(list) {
		delete(e.pending, key)
		return
	}
	e.pending[key] = list[n:]
}
