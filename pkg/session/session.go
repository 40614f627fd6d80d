// Package session composes the pager, the ingestion gateway, the timeline and
// the typing tracker into one conversation view with a single writer.
package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/dustin/go-humanize/english"
	"github.com/rs/zerolog"

	"github.com/mahaj/chatsync/pkg/action"
	"github.com/mahaj/chatsync/pkg/chaterr"
	"github.com/mahaj/chatsync/pkg/history"
	"github.com/mahaj/chatsync/pkg/ingest"
	"github.com/mahaj/chatsync/pkg/logging"
	"github.com/mahaj/chatsync/pkg/metrics"
	"github.com/mahaj/chatsync/pkg/model"
	"github.com/mahaj/chatsync/pkg/snowflake"
	"github.com/mahaj/chatsync/pkg/timeline"
	"github.com/mahaj/chatsync/pkg/typing"
)

const (
	saveTimeout    = 5 * time.Second
	refetchTimeout = 10 * time.Second
)

// Messenger performs message operations against the backend. Each call
// returns the canonical message where one exists.
type Messenger interface {
	SendMessage(ctx context.Context, msg model.Message) (model.Message, error)
	EditMessage(ctx context.Context, conv model.Conversation, id, body string) (model.Message, error)
	DeleteMessage(ctx context.Context, conv model.Conversation, id string) error
	AddReaction(ctx context.Context, conv model.Conversation, id, emoji string) error
	RemoveReaction(ctx context.Context, conv model.Conversation, id, emoji string) error
	GetMessage(ctx context.Context, conv model.Conversation, id string) (model.Message, error)
}

// Membership performs group administration. correlationID is echoed back on
// the resulting member event.
type Membership interface {
	ListMembers(ctx context.Context, groupID string) ([]model.Member, error)
	AddMember(ctx context.Context, groupID, userID, correlationID string) error
	KickMember(ctx context.Context, groupID, userID, correlationID string) error
	BanMember(ctx context.Context, groupID, userID, correlationID string) error
	UnbanMember(ctx context.Context, groupID, userID, correlationID string) error
	ChangeRole(ctx context.Context, groupID, userID, role, correlationID string) error
	Leave(ctx context.Context, groupID, correlationID string) error
	DeleteGroup(ctx context.Context, groupID, correlationID string) error
}

// Presence reports whether users are online.
type Presence interface {
	Status(ctx context.Context, userID string) (model.PresenceStatus, error)
	// Watch streams status changes for userID until ctx ends.
	Watch(ctx context.Context, userID string) (<-chan model.PresenceStatus, error)
}

// SnapshotStore persists a view between runs. Load returns no messages and no
// error when nothing was saved.
type SnapshotStore interface {
	Load(ctx context.Context, conversationID, threadID string) ([]model.Message, error)
	Save(ctx context.Context, conversationID, threadID string, msgs []model.Message) error
}

// Backend groups the collaborators a session talks to. History, Push,
// Messenger and Typing are required.
type Backend struct {
	History    history.Fetcher
	Push       ingest.Source
	Messenger  Messenger
	Typing     typing.Signaler
	Membership Membership
	Acks       ingest.Acknowledger
	Presence   Presence
	Store      SnapshotStore
}

type Config struct {
	Conversation   model.Conversation
	LocalUserID    string
	ThreadParentID string
	PageSize       int
	Typing         typing.Config
	// SnowflakeNode seeds client-side message ids.
	SnowflakeNode int64
}

type Option func(*Session)

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Session) { s.logger = logger }
}

func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// WithIDs replaces the snowflake node used for optimistic ids.
func WithIDs(node *snowflake.Node) Option {
	return func(s *Session) { s.ids = node }
}

// WithCorrelationIDs replaces the uuid generator for membership requests.
func WithCorrelationIDs(next func() string) Option {
	return func(s *Session) { s.correlationIDs = next }
}

// Session is one open conversation or thread view.
type Session struct {
	cfg     Config
	backend Backend
	logger  zerolog.Logger
	now     func() time.Time

	ids            *snowflake.Node
	correlationIDs func() string
	synth          *action.Synthesizer
	timeline       *timeline.Reconciler
	pager          *history.Pager
	gateway        *ingest.Gateway
	subs           []*ingest.Subscription
	typing         *typing.Tracker

	ops     chan func()
	changes chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	wg      sync.WaitGroup
	closed  atomic.Bool
	echoes  *reactionEchoes

	// owned by the run loop
	refetching map[string]struct{}
	members    map[string]model.Member

	mu       sync.RWMutex
	view     []timeline.Entry
	length   int
	presence *model.PresenceStatus
	roster   int

	changesClosed bool
}

// Open builds a session and starts listening for push events. It does not
// load history; call FetchOlder for the first page.
func Open(ctx context.Context, cfg Config, backend Backend, opts ...Option) (*Session, error) {
	if err := validate(cfg, backend); err != nil {
		return nil, err
	}

	s := &Session{
		cfg:        cfg,
		backend:    backend,
		logger:     logging.WithConversation(logging.Component("session"), cfg.Conversation.ID, cfg.ThreadParentID),
		now:        time.Now,
		ops:        make(chan func()),
		changes:    make(chan struct{}, 1),
		done:       make(chan struct{}),
		refetching: make(map[string]struct{}),
		members:    make(map[string]model.Member),
		echoes:     newReactionEchoes(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.ids == nil {
		node, err := snowflake.NewNode(cfg.SnowflakeNode)
		if err != nil {
			return nil, chaterr.Malformed("open session", err)
		}
		s.ids = node
	}

	synthOpts := []action.Option{action.WithClock(s.now)}
	if s.correlationIDs != nil {
		synthOpts = append(synthOpts, action.WithCorrelationIDs(s.correlationIDs))
	}
	s.synth = action.New(cfg.LocalUserID, s.ids, synthOpts...)
	s.timeline = timeline.New(cfg.Conversation, cfg.LocalUserID, cfg.ThreadParentID, s.synth, timeline.WithClock(s.now))

	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = history.DefaultPageSize
		if cfg.ThreadParentID != "" {
			pageSize = history.DefaultThreadPageSize
		}
	}
	s.pager = history.NewPager(backend.History, cfg.Conversation, cfg.LocalUserID, cfg.ThreadParentID, history.WithPageSize(pageSize))
	s.typing = typing.New(cfg.Conversation, cfg.LocalUserID, backend.Typing, cfg.Typing, s.notify)

	gwOpts := []ingest.Option{}
	if backend.Acks != nil {
		gwOpts = append(gwOpts, ingest.WithAcknowledger(backend.Acks))
	}
	s.gateway = ingest.NewGateway(ingest.Scope{
		Conversation:   cfg.Conversation,
		LocalUserID:    cfg.LocalUserID,
		ThreadParentID: cfg.ThreadParentID,
	}, gwOpts...)

	s.ctx, s.cancel = context.WithCancel(context.Background())
	go s.run()

	s.warmStart(ctx)
	if cfg.ThreadParentID != "" {
		s.loadAnchor(ctx)
	}
	if cfg.Conversation.IsGroup() && backend.Membership != nil {
		s.loadMembers(ctx)
	}
	if !cfg.Conversation.IsGroup() && backend.Presence != nil {
		s.watchPresence(ctx)
	}

	s.subs = append(s.subs,
		s.gateway.Subscribe(timelineKinds(), s.onEvent),
		s.gateway.Subscribe([]model.EventKind{model.EventTypingStarted, model.EventTypingEnded}, s.onTyping),
	)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.gateway.Run(s.ctx, backend.Push); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error().Err(err).Msg("push subscription ended")
		}
	}()

	metrics.OpenSessions.Inc()
	s.logger.Info().Str("kind", cfg.Conversation.Kind.String()).Msg("session opened")
	return s, nil
}

func validate(cfg Config, b Backend) error {
	const op = "open session"
	switch {
	case cfg.Conversation.ID == "":
		return chaterr.Malformedf(op, "conversation id is required")
	case cfg.LocalUserID == "":
		return chaterr.Malformedf(op, "local user id is required")
	case b.History == nil || b.Push == nil || b.Messenger == nil || b.Typing == nil:
		return chaterr.Malformedf(op, "history, push, messenger and typing collaborators are required")
	}
	return nil
}

func timelineKinds() []model.EventKind {
	var kinds []model.EventKind
	for _, k := range model.AllEventKinds() {
		if k != model.EventTypingStarted && k != model.EventTypingEnded {
			kinds = append(kinds, k)
		}
	}
	return kinds
}

// run is the only goroutine that touches the timeline while the session is open.
func (s *Session) run() {
	defer close(s.done)
	for {
		select {
		case fn := <-s.ops:
			if s.closed.Load() {
				metrics.EventsDropped.WithLabelValues(metrics.ReasonClosed).Inc()
				continue
			}
			fn()
		case <-s.ctx.Done():
			return
		}
	}
}

// submit queues fn on the run loop without waiting for it.
func (s *Session) submit(fn func()) bool {
	select {
	case s.ops <- fn:
		return true
	case <-s.done:
		return false
	}
}

// do runs fn on the run loop and waits for it.
func (s *Session) do(ctx context.Context, op string, fn func()) error {
	if s.closed.Load() {
		return chaterr.Closed(op)
	}
	finished := make(chan struct{})
	wrapped := func() {
		defer close(finished)
		fn()
	}
	select {
	case s.ops <- wrapped:
	case <-s.done:
		return chaterr.Closed(op)
	case <-ctx.Done():
		return chaterr.Transient(op, ctx.Err())
	}
	select {
	case <-finished:
		return nil
	case <-s.done:
		// the loop skipped it because Close won the race
		return chaterr.Closed(op)
	}
}

// commit publishes the current view after a change. Run loop only.
func (s *Session) commit(res timeline.Result) {
	if res.Refetch != "" {
		s.refetch(res.Refetch)
	}
	if !res.Changed {
		return
	}
	view := s.timeline.View()
	length := s.timeline.Len()
	s.mu.Lock()
	s.view = view
	s.length = length
	s.mu.Unlock()
	s.notify()
}

func (s *Session) notify() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.changesClosed {
		return
	}
	select {
	case s.changes <- struct{}{}:
	default:
	}
}

func (s *Session) onEvent(ev model.Event) {
	if ev.ActorIsMe && (ev.Kind == model.EventReactionAdded || ev.Kind == model.EventReactionRemoved) {
		// echoes of our own calls are applied when the call returns
		if s.echoes.consume(echoKey(ev.Kind, ev.MessageID, ev.Emoji), s.now()) {
			return
		}
	}
	s.submit(func() {
		if ev.Kind == model.EventMembershipChanged {
			s.trackMember(ev.Membership)
		}
		s.commit(s.timeline.Apply(ev))
	})
}

func (s *Session) onTyping(ev model.Event) {
	if ev.Kind == model.EventTypingEnded {
		s.typing.Ended(ev.Typing.UserID)
		return
	}
	s.typing.Started(ev.Typing.UserID, ev.Typing.Name)
}

// refetch looks up a message an event referred to but the view does not hold.
// Failures are logged and forgotten. Run loop only.
func (s *Session) refetch(id string) {
	if _, busy := s.refetching[id]; busy || snowflake.IsLocal(id) {
		return
	}
	s.refetching[id] = struct{}{}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, refetchTimeout)
		defer cancel()
		msg, err := s.backend.Messenger.GetMessage(ctx, s.cfg.Conversation, id)
		s.submit(func() {
			delete(s.refetching, id)
			if err != nil {
				s.logger.Debug().Err(err).Str("message_id", id).Msg("refetch failed")
				return
			}
			s.commit(s.timeline.Refreshed(msg))
		})
	}()
}

func (s *Session) warmStart(ctx context.Context) {
	if s.backend.Store == nil {
		return
	}
	msgs, err := s.backend.Store.Load(ctx, s.cfg.Conversation.ID, s.cfg.ThreadParentID)
	if err != nil {
		s.logger.Warn().Err(err).Msg("snapshot load failed")
		return
	}
	if len(msgs) == 0 {
		return
	}
	_ = s.do(ctx, "warm start", func() {
		s.commit(s.timeline.ApplyHistory(msgs))
	})
	s.logger.Debug().Int("count", len(msgs)).Msg("snapshot restored")
}

func (s *Session) loadAnchor(ctx context.Context) {
	msg, err := s.backend.Messenger.GetMessage(ctx, s.cfg.Conversation, s.cfg.ThreadParentID)
	if err != nil {
		s.logger.Warn().Err(err).Msg("thread parent lookup failed")
		return
	}
	_ = s.do(ctx, "load anchor", func() {
		s.timeline.SetAnchor(msg)
		s.commit(timeline.Result{Changed: true})
	})
}

func (s *Session) loadMembers(ctx context.Context) {
	members, err := s.backend.Membership.ListMembers(ctx, s.cfg.Conversation.ID)
	if err != nil {
		s.logger.Warn().Err(err).Msg("member list failed")
		return
	}
	_ = s.do(ctx, "load members", func() {
		for _, m := range members {
			s.members[m.UserID] = m
		}
		s.publishRoster()
	})
}

// publishRoster must run on the loop.
func (s *Session) publishRoster() {
	s.mu.Lock()
	s.roster = len(s.members)
	s.mu.Unlock()
}

// trackMember keeps the roster in step with member events. Run loop only.
func (s *Session) trackMember(change model.MembershipChange) {
	if len(s.members) == 0 {
		return
	}
	switch change.Action {
	case model.MemberAdded:
		if _, ok := s.members[change.TargetID]; !ok {
			s.members[change.TargetID] = model.Member{UserID: change.TargetID, Name: change.TargetName, Role: action.RoleParticipant}
		}
	case model.MemberJoined:
		if _, ok := s.members[change.ActorID]; !ok {
			s.members[change.ActorID] = model.Member{UserID: change.ActorID, Name: change.ActorName, Role: action.RoleParticipant}
		}
	case model.MemberKicked, model.MemberBanned:
		delete(s.members, change.TargetID)
	case model.MemberLeft:
		delete(s.members, change.ActorID)
	case model.MemberRoleChanged:
		if m, ok := s.members[change.TargetID]; ok {
			m.Role = change.Role
			s.members[change.TargetID] = m
		}
	}
	s.publishRoster()
}

func (s *Session) watchPresence(ctx context.Context) {
	peer := s.cfg.Conversation.ID
	if st, err := s.backend.Presence.Status(ctx, peer); err == nil {
		s.setPresence(st)
	} else {
		s.logger.Debug().Err(err).Msg("presence lookup failed")
	}

	updates, err := s.backend.Presence.Watch(s.ctx, peer)
	if err != nil {
		s.logger.Debug().Err(err).Msg("presence watch failed")
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-s.ctx.Done():
				return
			case st, ok := <-updates:
				if !ok {
					return
				}
				s.setPresence(st)
			}
		}
	}()
}

func (s *Session) setPresence(st model.PresenceStatus) {
	s.mu.Lock()
	s.presence = &st
	s.mu.Unlock()
	s.notify()
}

// Snapshot returns the current display entries in order.
func (s *Session) Snapshot() []timeline.Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]timeline.Entry, len(s.view))
	copy(out, s.view)
	return out
}

// Len returns how many messages the view holds, hidden ones included.
func (s *Session) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.length
}

// Changes signals after the view, the typing indicator or presence changed.
// Signals coalesce; read Snapshot after each one. Closed by Close.
func (s *Session) Changes() <-chan struct{} {
	return s.changes
}

func (s *Session) HasMore() bool {
	return !s.pager.Exhausted()
}

func (s *Session) Loading() bool {
	return s.pager.Loading()
}

func (s *Session) TypingIndicator() string {
	return s.typing.Indicator()
}

// PresenceLine describes the peer of a direct chat, or the member count of a group.
func (s *Session) PresenceLine() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cfg.Conversation.IsGroup() {
		if s.roster == 0 {
			return ""
		}
		return english.Plural(s.roster, "member", "")
	}
	if s.presence == nil {
		return ""
	}
	if s.presence.Online {
		return "Online"
	}
	if s.presence.LastActive.IsZero() {
		return "Offline"
	}
	return "Last seen " + humanize.RelTime(s.presence.LastActive, s.now(), "ago", "from now")
}

func (s *Session) Conversation() model.Conversation {
	return s.cfg.Conversation
}

// Close tears the session down. Later operations fail with a Closed error and
// results still in flight are discarded. The view is saved when a store is set.
func (s *Session) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	for _, sub := range s.subs {
		sub.Unsubscribe()
	}
	s.cancel()
	s.typing.Stop()
	<-s.done
	s.wg.Wait()
	s.gateway.Wait()

	var err error
	if s.backend.Store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
		defer cancel()
		if err = s.backend.Store.Save(ctx, s.cfg.Conversation.ID, s.cfg.ThreadParentID, persistable(s.timeline.Messages())); err != nil {
			s.logger.Warn().Err(err).Msg("snapshot save failed")
			err = chaterr.Wrap("save snapshot", err)
		}
	}

	s.mu.Lock()
	s.changesClosed = true
	close(s.changes)
	s.mu.Unlock()
	metrics.OpenSessions.Dec()
	s.logger.Info().Msg("session closed")
	return err
}

// persistable drops entries the backend never confirmed.
func persistable(msgs []model.Message) []model.Message {
	out := msgs[:0]
	for _, m := range msgs {
		if m.SendState != model.SendConfirmed || snowflake.IsLocal(m.ID) {
			continue
		}
		out = append(out, m)
	}
	return out
}
