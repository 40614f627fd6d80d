// Package typing debounces local typing signals and tracks who else is typing.
package typing

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/mahaj/chatsync/pkg/logging"
	"github.com/mahaj/chatsync/pkg/metrics"
	"github.com/mahaj/chatsync/pkg/model"
)

const (
	DefaultQuietInterval = 500 * time.Millisecond
	DefaultRemoteTimeout = 8 * time.Second
	DefaultStartThrottle = 3 * time.Second

	signalTimeout = 5 * time.Second
	queueSize     = 16
)

// Signaler tells the backend that the local user started or stopped typing.
type Signaler interface {
	StartTyping(ctx context.Context, conv model.Conversation) error
	EndTyping(ctx context.Context, conv model.Conversation) error
}

type Config struct {
	QuietInterval time.Duration
	RemoteTimeout time.Duration
	// StartThrottle spaces repeated start signals while the user keeps typing.
	StartThrottle time.Duration
}

func DefaultConfig() Config {
	return Config{
		QuietInterval: DefaultQuietInterval,
		RemoteTimeout: DefaultRemoteTimeout,
		StartThrottle: DefaultStartThrottle,
	}
}

type signal bool

const (
	sigStart signal = true
	sigEnd   signal = false
)

type remote struct {
	name  string
	since time.Time
	timer *time.Timer
}

// Tracker owns both directions of typing state for one conversation.
type Tracker struct {
	conv        model.Conversation
	localUserID string
	signaler    Signaler
	cfg         Config
	limiter     *rate.Limiter
	onChange    func()
	logger      zerolog.Logger

	mu       sync.Mutex
	typing   bool
	endTimer *time.Timer
	remotes  map[string]*remote
	stopped  bool

	queue chan signal
	done  chan struct{}
}

// New starts a tracker. onChange, if set, is called whenever the remote typing
// set changes; it runs on a timer goroutine and must not block.
func New(conv model.Conversation, localUserID string, signaler Signaler, cfg Config, onChange func()) *Tracker {
	if cfg.QuietInterval <= 0 {
		cfg.QuietInterval = DefaultQuietInterval
	}
	if cfg.RemoteTimeout <= 0 {
		cfg.RemoteTimeout = DefaultRemoteTimeout
	}
	limit := rate.Inf
	if cfg.StartThrottle > 0 {
		limit = rate.Every(cfg.StartThrottle)
	}
	t := &Tracker{
		conv:        conv,
		localUserID: localUserID,
		signaler:    signaler,
		cfg:         cfg,
		limiter:     rate.NewLimiter(limit, 1),
		onChange:    onChange,
		logger:      logging.WithConversation(logging.Component("typing"), conv.ID, ""),
		remotes:     make(map[string]*remote),
		queue:       make(chan signal, queueSize),
		done:        make(chan struct{}),
	}
	go t.sendLoop()
	return t
}

// Keystroke records local input. The first keystroke after idle sends a start
// signal at once; an end signal follows QuietInterval after the last keystroke.
func (t *Tracker) Keystroke() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}

	if !t.typing {
		t.typing = true
		t.limiter.Allow()
		t.enqueue(sigStart)
	} else if t.limiter.Allow() {
		t.enqueue(sigStart)
	}

	if t.endTimer == nil {
		t.endTimer = time.AfterFunc(t.cfg.QuietInterval, t.quiet)
	} else {
		t.endTimer.Reset(t.cfg.QuietInterval)
	}
}

// Typing reports whether the local user is considered typing.
func (t *Tracker) Typing() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.typing
}

func (t *Tracker) quiet() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped || !t.typing {
		return
	}
	t.typing = false
	t.enqueue(sigEnd)
}

// enqueue must be called with mu held.
func (t *Tracker) enqueue(s signal) {
	select {
	case t.queue <- s:
	default:
		t.logger.Warn().Bool("start", bool(s)).Msg("typing signal queue full, signal dropped")
	}
}

func (t *Tracker) sendLoop() {
	defer close(t.done)
	for s := range t.queue {
		ctx, cancel := context.WithTimeout(context.Background(), signalTimeout)
		var err error
		if s == sigStart {
			metrics.TypingSignals.WithLabelValues("start").Inc()
			err = t.signaler.StartTyping(ctx, t.conv)
		} else {
			metrics.TypingSignals.WithLabelValues("end").Inc()
			err = t.signaler.EndTyping(ctx, t.conv)
		}
		cancel()
		if err != nil {
			t.logger.Debug().Err(err).Bool("start", bool(s)).Msg("typing signal failed")
		}
	}
}

// Started marks userID as typing until Ended or the remote timeout passes.
func (t *Tracker) Started(userID, name string) {
	if userID == "" || userID == t.localUserID {
		return
	}
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	r, ok := t.remotes[userID]
	if ok {
		r.timer.Reset(t.cfg.RemoteTimeout)
		if name != "" {
			r.name = name
		}
		t.mu.Unlock()
		return
	}
	r = &remote{name: name, since: time.Now()}
	r.timer = time.AfterFunc(t.cfg.RemoteTimeout, func() { t.expire(userID, r) })
	t.remotes[userID] = r
	t.mu.Unlock()
	t.changed()
}

// Ended clears userID's typing state.
func (t *Tracker) Ended(userID string) {
	t.mu.Lock()
	r, ok := t.remotes[userID]
	if ok {
		r.timer.Stop()
		delete(t.remotes, userID)
	}
	t.mu.Unlock()
	if ok {
		t.changed()
	}
}

func (t *Tracker) expire(userID string, r *remote) {
	t.mu.Lock()
	cur, ok := t.remotes[userID]
	if !ok || cur != r {
		t.mu.Unlock()
		return
	}
	delete(t.remotes, userID)
	t.mu.Unlock()
	t.logger.Debug().Str("user_id", userID).Msg("remote typing expired")
	t.changed()
}

func (t *Tracker) changed() {
	if t.onChange != nil {
		t.onChange()
	}
}

// Stop cancels every timer, sends a final end signal if the local user was
// typing, and waits for queued signals to drain.
func (t *Tracker) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		<-t.done
		return
	}
	t.stopped = true
	if t.endTimer != nil {
		t.endTimer.Stop()
	}
	if t.typing {
		t.typing = false
		t.enqueue(sigEnd)
	}
	for id, r := range t.remotes {
		r.timer.Stop()
		delete(t.remotes, id)
	}
	close(t.queue)
	t.mu.Unlock()
	<-t.done
}
