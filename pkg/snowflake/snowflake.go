// Package snowflake issues time-ordered 64-bit ids on the client, so optimistic
// messages carry the id the gateway will keep.
package snowflake

import (
	"errors"
	"strconv"
	"sync"
	"time"
)

const (
	nodeBits        = 10
	stepBits        = 12
	nodeMax         = -1 ^ (-1 << nodeBits)
	stepMask        = -1 ^ (-1 << stepBits)
	timeShift       = nodeBits + stepBits
	nodeShift       = stepBits
	Epoch     int64 = 1704067200000 // 2024-01-01 00:00:00 UTC
)

// LocalPrefix marks ids that only exist on this client.
const LocalPrefix = "local-"

var ErrNodeRange = errors.New("node number must be between 0 and 1023")

type Node struct {
	mu   sync.Mutex
	now  func() time.Time
	time int64
	node int64
	step int64
}

type Option func(*Node)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(n *Node) { n.now = now }
}

func NewNode(node int64, opts ...Option) (*Node, error) {
	if node < 0 || node > nodeMax {
		return nil, ErrNodeRange
	}
	n := &Node{node: node, now: time.Now}
	for _, opt := range opts {
		opt(n)
	}
	return n, nil
}

func (n *Node) Generate() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()

	now := n.now().UnixMilli()
	if now < n.time {
		// clock went backwards; stay on the last tick
		now = n.time
	}

	if now == n.time {
		n.step = (n.step + 1) & stepMask
		if n.step == 0 {
			// sequence exhausted for this millisecond, borrow the next one
			now++
		}
	} else {
		n.step = 0
	}
	n.time = now

	return ((now - Epoch) << timeShift) | (n.node << nodeShift) | n.step
}

// GenerateString returns Generate formatted the way message ids travel in timelines.
func (n *Node) GenerateString() string {
	return strconv.FormatInt(n.Generate(), 10)
}

// LocalID returns a temporary id that can never collide with a server id.
func (n *Node) LocalID() string {
	return LocalPrefix + n.GenerateString()
}

// IsLocal reports whether id was produced by LocalID.
func IsLocal(id string) bool {
	return len(id) > len(LocalPrefix) && id[:len(LocalPrefix)] == LocalPrefix
}

// Time extracts the creation time embedded in id.
func Time(id int64) time.Time {
	return time.UnixMilli((id >> timeShift) + Epoch)
}
