// Package ingest turns raw push envelopes into canonical events for one
// conversation view and fans them out by event kind.
package ingest

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mahaj/chatsync/pkg/logging"
	"github.com/mahaj/chatsync/pkg/metrics"
	"github.com/mahaj/chatsync/pkg/model"
)

const ackTimeout = 10 * time.Second

// Source is a push subscription. Each listener gets its own envelope stream;
// cancel releases it.
type Source interface {
	Subscribe(ctx context.Context, listenerID string) (<-chan model.Envelope, func(), error)
}

// Acknowledger reports delivery and read state back to the sender.
type Acknowledger interface {
	MarkDelivered(ctx context.Context, msg model.Message) error
	MarkRead(ctx context.Context, msg model.Message) error
}

// Handler receives accepted events.
type Handler func(ev model.Event)

// Scope is the view a gateway filters for.
type Scope struct {
	Conversation model.Conversation
	LocalUserID  string
	// ThreadParentID restricts the scope to one thread's replies.
	ThreadParentID string
}

type subscription struct {
	id      string
	kinds   map[model.EventKind]struct{}
	handler Handler
}

func (s *subscription) matches(kind model.EventKind) bool {
	if len(s.kinds) == 0 {
		return true
	}
	_, ok := s.kinds[kind]
	return ok
}

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	ID string
	g  *Gateway
}

// Unsubscribe stops delivery to the handler. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	if s == nil || s.g == nil {
		return
	}
	s.g.mu.Lock()
	delete(s.g.subs, s.ID)
	s.g.mu.Unlock()
}

// Gateway classifies, filters and dispatches envelopes for one scope.
type Gateway struct {
	scope  Scope
	acks   Acknowledger
	logger zerolog.Logger

	mu   sync.RWMutex
	subs map[string]*subscription

	wg sync.WaitGroup
}

type Option func(*Gateway)

// WithAcknowledger enables automatic delivered/read receipts in direct chats.
func WithAcknowledger(a Acknowledger) Option {
	return func(g *Gateway) { g.acks = a }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(g *Gateway) { g.logger = logger }
}

func NewGateway(scope Scope, opts ...Option) *Gateway {
	g := &Gateway{
		scope:  scope,
		logger: logging.WithConversation(logging.Component("ingest"), scope.Conversation.ID, scope.ThreadParentID),
		subs:   make(map[string]*subscription),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Subscribe registers handler for the given kinds, or for every kind when none
// are given. Handlers run on the dispatching goroutine, outside any lock.
func (g *Gateway) Subscribe(kinds []model.EventKind, handler Handler) *Subscription {
	sub := &subscription{
		id:      uuid.NewString(),
		kinds:   make(map[model.EventKind]struct{}, len(kinds)),
		handler: handler,
	}
	for _, k := range kinds {
		sub.kinds[k] = struct{}{}
	}
	g.mu.Lock()
	g.subs[sub.id] = sub
	g.mu.Unlock()
	return &Subscription{ID: sub.id, g: g}
}

// SubscriberCount returns the number of active subscriptions.
func (g *Gateway) SubscriberCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.subs)
}

// Handle classifies env and, if it belongs to the scope, dispatches it. It
// reports whether the event was accepted.
func (g *Gateway) Handle(env model.Envelope) bool {
	switch env.Type {
	case model.TypePresence, model.TypeAck, model.TypeRequest:
		return false
	}

	ev, err := Classify(env, g.scope.LocalUserID)
	if err != nil {
		metrics.EventsDropped.WithLabelValues(metrics.ReasonMalformed).Inc()
		g.logger.Warn().Err(err).Str("type", string(env.Type)).Int64("message_id", env.ID).Msg("malformed envelope dropped")
		return false
	}
	if !g.Accepts(ev) {
		metrics.EventsDropped.WithLabelValues(metrics.ReasonOutOfContext).Inc()
		g.logger.Debug().
			Str("event_kind", ev.Kind.String()).
			Str("message_id", ev.MessageID).
			Str("event_conversation", ev.ConversationID).
			Msg("event outside session scope dropped")
		return false
	}

	if ev.Kind == model.EventMessageCreated {
		g.acknowledge(ev)
	}
	g.dispatch(ev)
	return true
}

// Accepts reports whether ev belongs to the gateway's scope.
func (g *Gateway) Accepts(ev model.Event) bool {
	conv := g.scope.Conversation
	me := g.scope.LocalUserID

	if conv.IsGroup() {
		if ev.ReceiverType != model.ReceiverGroup || ev.ReceiverID != conv.ID {
			return false
		}
	} else {
		if ev.ReceiverType != model.ReceiverUser {
			return false
		}
		peer := conv.ID
		fromPeer := ev.SenderID == peer && ev.ReceiverID == me
		fromMe := ev.SenderID == me && ev.ReceiverID == peer
		if !fromPeer && !fromMe {
			return false
		}
	}

	if g.scope.ThreadParentID != "" {
		return ev.ThreadParentID == g.scope.ThreadParentID
	}
	return true
}

// acknowledge marks a peer's new direct message delivered and read. Failures
// are logged and otherwise ignored.
func (g *Gateway) acknowledge(ev model.Event) {
	if g.acks == nil || g.scope.Conversation.IsGroup() || ev.SenderID != g.scope.Conversation.ID {
		return
	}
	msg := ev.Message
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), ackTimeout)
		defer cancel()
		if err := g.acks.MarkDelivered(ctx, msg); err != nil {
			g.logger.Debug().Err(err).Str("message_id", msg.ID).Msg("mark delivered failed")
		}
		if err := g.acks.MarkRead(ctx, msg); err != nil {
			g.logger.Debug().Err(err).Str("message_id", msg.ID).Msg("mark read failed")
		}
	}()
}

func (g *Gateway) dispatch(ev model.Event) {
	g.mu.RLock()
	var handlers []Handler
	for _, sub := range g.subs {
		if sub.matches(ev.Kind) {
			handlers = append(handlers, sub.handler)
		}
	}
	g.mu.RUnlock()

	for _, h := range handlers {
		h(ev)
	}
}

// Run pumps envelopes from src into the gateway until ctx ends or the source
// closes its stream.
func (g *Gateway) Run(ctx context.Context, src Source) error {
	listenerID := "timeline:" + g.scope.Conversation.ID
	if g.scope.ThreadParentID != "" {
		listenerID += ":thread:" + g.scope.ThreadParentID
	}
	envs, cancel, err := src.Subscribe(ctx, listenerID)
	if err != nil {
		return err
	}
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env, ok := <-envs:
			if !ok {
				g.logger.Debug().Msg("push source closed")
				return nil
			}
			g.Handle(env)
		}
	}
}

// Wait blocks until pending acknowledgements finish.
func (g *Gateway) Wait() {
	g.wg.Wait()
}
