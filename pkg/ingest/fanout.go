package ingest

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/mahaj/chatsync/pkg/logging"
	"github.com/mahaj/chatsync/pkg/model"
)

const listenerBuffer = 256

var (
	ErrListenerExists = errors.New("listener already subscribed")
	ErrFanoutClosed   = errors.New("fanout closed")
)

// Fanout multiplexes one upstream envelope stream to many listeners, one
// buffered channel per listener id. A listener that falls behind loses
// envelopes rather than stalling the others.
type Fanout struct {
	logger zerolog.Logger

	mu        sync.RWMutex
	listeners map[string]chan model.Envelope
	closed    bool
}

func NewFanout() *Fanout {
	return &Fanout{
		logger:    logging.Component("fanout"),
		listeners: make(map[string]chan model.Envelope),
	}
}

// Subscribe implements Source.
func (f *Fanout) Subscribe(_ context.Context, listenerID string) (<-chan model.Envelope, func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, nil, ErrFanoutClosed
	}
	if _, ok := f.listeners[listenerID]; ok {
		return nil, nil, ErrListenerExists
	}
	ch := make(chan model.Envelope, listenerBuffer)
	f.listeners[listenerID] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			if cur, ok := f.listeners[listenerID]; ok && cur == ch {
				delete(f.listeners, listenerID)
				close(ch)
			}
		})
	}
	return ch, cancel, nil
}

// Publish delivers env to every listener.
func (f *Fanout) Publish(env model.Envelope) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for id, ch := range f.listeners {
		select {
		case ch <- env:
		default:
			f.logger.Warn().Str("listener", id).Str("type", string(env.Type)).Msg("listener buffer full, envelope dropped")
		}
	}
}

// Pump publishes everything read from upstream until it closes or ctx ends,
// then closes every listener.
func (f *Fanout) Pump(ctx context.Context, upstream <-chan model.Envelope) {
	defer f.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-upstream:
			if !ok {
				return
			}
			f.Publish(env)
		}
	}
}

// Close ends every listener stream.
func (f *Fanout) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for id, ch := range f.listeners {
		close(ch)
		delete(f.listeners, id)
	}
}

// Listeners returns the number of subscribed listeners.
func (f *Fanout) Listeners() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.listeners)
}
