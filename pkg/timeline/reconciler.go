// Package timeline merges history pages, push events and local writes into one
// ordered, deduplicated view of a conversation.
package timeline

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/mahaj/chatsync/pkg/action"
	"github.com/mahaj/chatsync/pkg/logging"
	"github.com/mahaj/chatsync/pkg/metrics"
	"github.com/mahaj/chatsync/pkg/model"
)

// Result reports what Apply did.
type Result struct {
	Changed bool
	// Refetch names a message the caller should look up and pass to Refreshed.
	Refetch string
	// Dropped is the reason the event was ignored, empty otherwise.
	Dropped string
}

func changed() Result { return Result{Changed: true} }

func dropped(reason string) Result { return Result{Dropped: reason} }

// Reconciler owns the mutable state of one conversation view. It is not safe
// for concurrent use; the owning session serialises every call.
//
// The primary list holds the main timeline, or the replies of the anchor when
// the reconciler serves a thread. In the main timeline, replies are kept in
// per-parent buckets and never mixed into the primary list.
type Reconciler struct {
	conv        model.Conversation
	localUserID string
	threadID    string

	buckets map[string][]*model.Message
	index   map[string]*model.Message
	bucket  map[string]string
	// correlated maps correlation ids to the id of the entry carrying them.
	correlated map[string]string

	// anchor is the thread's parent message when serving a thread.
	anchor *model.Message

	exhausted bool
	synth     *action.Synthesizer
	now       func() time.Time
	logger    zerolog.Logger
}

type Option func(*Reconciler)

func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(r *Reconciler) { r.logger = logger }
}

// New creates a reconciler for conv. threadID is the thread anchor, or empty
// for the main timeline.
func New(conv model.Conversation, localUserID, threadID string, synth *action.Synthesizer, opts ...Option) *Reconciler {
	r := &Reconciler{
		conv:        conv,
		localUserID: localUserID,
		threadID:    threadID,
		buckets:     make(map[string][]*model.Message),
		index:       make(map[string]*model.Message),
		bucket:      make(map[string]string),
		correlated:  make(map[string]string),
		synth:       synth,
		now:         time.Now,
		logger:      logging.WithConversation(logging.Component("timeline"), conv.ID, threadID),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetExhausted records whether history has been fully loaded; it widens the
// window Refreshed accepts.
func (r *Reconciler) SetExhausted(exhausted bool) {
	r.exhausted = exhausted
}

// SetAnchor stores the parent message of the thread being served.
func (r *Reconciler) SetAnchor(msg model.Message) {
	if r.threadID == "" || msg.ID != r.threadID {
		return
	}
	m := msg.Clone()
	if r.anchor != nil {
		if m.ReplyCount < r.anchor.ReplyCount {
			m.ReplyCount = r.anchor.ReplyCount
		}
		if r.anchor.Deleted() && !m.Deleted() {
			m = m.Tombstone(r.anchor.DeletedAt)
		}
	}
	r.anchor = &m
}

// Anchor returns the thread's parent message, if known.
func (r *Reconciler) Anchor() (model.Message, bool) {
	if r.anchor == nil {
		return model.Message{}, false
	}
	return r.anchor.Clone(), true
}

// Apply merges one push event.
func (r *Reconciler) Apply(ev model.Event) Result {
	res := r.apply(ev)
	if res.Dropped != "" {
		metrics.EventsDropped.WithLabelValues(res.Dropped).Inc()
		r.logger.Debug().
			Str("event_kind", ev.Kind.String()).
			Str("message_id", ev.TargetID()).
			Str("reason", res.Dropped).
			Msg("event dropped")
	} else {
		metrics.EventsApplied.WithLabelValues(ev.Kind.String()).Inc()
	}
	return res
}

func (r *Reconciler) apply(ev model.Event) Result {
	switch ev.Kind {
	case model.EventMessageCreated:
		return r.upsert(ev.Message, true)
	case model.EventCustom:
		return r.upsert(ev.Message, false)
	case model.EventMessageEdited:
		return r.edit(ev)
	case model.EventMessageDeleted:
		return r.remove(ev)
	case model.EventReactionAdded, model.EventReactionRemoved:
		return r.react(ev)
	case model.EventDeliveryReceipt, model.EventReadReceipt:
		return r.receipt(ev)
	case model.EventMembershipChanged:
		return r.membership(ev)
	case model.EventTypingStarted, model.EventTypingEnded:
		// typing state lives outside the timeline
		return Result{}
	}
	r.logger.Warn().Int("event_kind", int(ev.Kind)).Msg("unknown event kind ignored")
	return dropped(metrics.ReasonMalformed)
}

// ApplyHistory merges an older page. Reply counts are taken as given.
func (r *Reconciler) ApplyHistory(batch []model.Message) Result {
	var res Result
	for _, msg := range batch {
		if r.upsert(msg, false).Changed {
			res.Changed = true
		}
	}
	return res
}

// AppendLocal adds an optimistic entry. Action lines go to the tail of the
// primary list; everything else is inserted in order.
func (r *Reconciler) AppendLocal(msg model.Message) Result {
	if msg.ID == "" {
		return dropped(metrics.ReasonMalformed)
	}
	if _, ok := r.index[msg.ID]; ok {
		return Result{}
	}
	if r.byCorrelation(msg.CorrelationID) != nil {
		// the authoritative line for this action is already in place
		return Result{}
	}
	m := msg.Clone()
	if m.SentAt.IsZero() {
		m.SentAt = r.now()
	}
	key := r.bucketFor(&m)
	if m.Kind == model.KindActionSynthetic {
		list := r.buckets[key]
		if n := len(list); n > 0 && m.SentAt.Before(list[n-1].SentAt) {
			m.SentAt = list[n-1].SentAt
		}
		r.buckets[key] = append(list, &m)
		r.track(&m, key)
		return changed()
	}
	r.insert(&m, key)
	if key != "" {
		r.bumpReplies(key)
	}
	return changed()
}

// Confirm swaps the optimistic entry localID for the backend's copy.
func (r *Reconciler) Confirm(localID string, msg model.Message) Result {
	msg.SendState = model.SendConfirmed
	cur, ok := r.index[localID]
	if !ok {
		return r.upsert(msg, false)
	}
	if msg.ID == "" || msg.ID == localID {
		msg.ID = localID
		return r.replace(cur, msg)
	}
	if _, echoed := r.index[msg.ID]; echoed {
		// the push echo already landed under the server id
		r.detach(cur)
		return changed()
	}
	r.rekey(cur, msg.ID)
	return r.replace(cur, msg)
}

// MarkFailed flags an optimistic send that the backend rejected. The entry stays.
func (r *Reconciler) MarkFailed(localID string) Result {
	cur, ok := r.index[localID]
	if !ok || cur.SendState != model.SendPending {
		return Result{}
	}
	cur.SendState = model.SendFailed
	return changed()
}

// Refreshed applies a message fetched after an unknown-target event. Unknown
// messages are inserted only if they fall inside the loaded window.
func (r *Reconciler) Refreshed(msg model.Message) Result {
	if msg.ID == "" {
		return dropped(metrics.ReasonMalformed)
	}
	if _, ok := r.index[msg.ID]; ok || (r.anchor != nil && r.anchor.ID == msg.ID) {
		return r.upsert(msg, false)
	}
	key := r.bucketFor(&msg)
	if key != r.threadID && r.threadID != "" {
		return dropped(metrics.ReasonOutOfContext)
	}
	list := r.buckets[key]
	if !r.exhausted && len(list) > 0 && model.Less(&msg, list[0]) {
		return dropped(metrics.ReasonStale)
	}
	return r.upsert(msg, false)
}

func (r *Reconciler) upsert(msg model.Message, fromPush bool) Result {
	if msg.ID == "" {
		return dropped(metrics.ReasonMalformed)
	}
	if r.anchor != nil && msg.ID == r.anchor.ID {
		r.SetAnchor(msg)
		return changed()
	}
	if cur, ok := r.index[msg.ID]; ok {
		return r.replace(cur, msg)
	}
	if cur := r.byCorrelation(msg.CorrelationID); cur != nil {
		r.rekey(cur, msg.ID)
		msg.SendState = model.SendConfirmed
		return r.replace(cur, msg)
	}

	m := msg.Clone()
	if m.Deleted() {
		m = m.Tombstone(m.DeletedAt)
	}
	key := r.bucketFor(&m)
	if r.threadID != "" && key != r.threadID {
		return dropped(metrics.ReasonOutOfContext)
	}
	r.insert(&m, key)

	if fromPush && key != "" {
		r.bumpReplies(key)
	}
	return changed()
}

// replace overwrites cur with msg while keeping the entry's identity.
func (r *Reconciler) replace(cur *model.Message, msg model.Message) Result {
	if cur.Deleted() {
		return r.mergeReceipts(cur, msg.DeliveredAt, msg.ReadAt)
	}
	if msg.Deleted() {
		parent := cur.ThreadParentID
		*cur = msg.Tombstone(msg.DeletedAt)
		cur.ThreadParentID = parent
		return changed()
	}

	next := msg.Clone()
	next.ThreadParentID = cur.ThreadParentID
	if next.Reactions == nil && cur.Reactions != nil {
		next.Reactions = cur.Clone().Reactions
	}
	if cur.EditedAt.After(next.EditedAt) {
		next.Body = cur.Body
		next.EditedAt = cur.EditedAt
	}
	next.DeliveredAt = later(cur.DeliveredAt, next.DeliveredAt)
	next.ReadAt = later(cur.ReadAt, next.ReadAt)
	if cur.ReplyCount > next.ReplyCount {
		next.ReplyCount = cur.ReplyCount
	}
	if next.CorrelationID == "" {
		next.CorrelationID = cur.CorrelationID
	}
	if next.Kind == model.KindActionSynthetic && next.SentAt.IsZero() {
		next.SentAt = cur.SentAt
	}

	moved := !next.SentAt.Equal(cur.SentAt)
	*cur = next
	if moved {
		r.reposition(cur)
	}
	return changed()
}

func (r *Reconciler) edit(ev model.Event) Result {
	cur, ok := r.index[ev.TargetID()]
	if !ok {
		return dropped(metrics.ReasonUnknownTarget)
	}
	if cur.Deleted() {
		return dropped(metrics.ReasonTombstoned)
	}
	at := ev.At
	if at.IsZero() {
		at = r.now()
	}
	if !cur.EditedAt.IsZero() && at.Before(cur.EditedAt) {
		return dropped(metrics.ReasonStale)
	}
	cur.Body = ev.Message.Body
	cur.EditedAt = at
	return changed()
}

func (r *Reconciler) remove(ev model.Event) Result {
	id := ev.TargetID()
	if r.anchor != nil && id == r.anchor.ID {
		if r.anchor.Deleted() {
			return Result{}
		}
		at := ev.At
		if at.IsZero() {
			at = r.now()
		}
		t := r.anchor.Tombstone(at)
		r.anchor = &t
		return changed()
	}
	cur, ok := r.index[id]
	if !ok {
		return dropped(metrics.ReasonUnknownTarget)
	}
	if cur.Deleted() {
		return Result{}
	}
	at := ev.At
	if at.IsZero() {
		at = r.now()
	}
	*cur = cur.Tombstone(at)
	return changed()
}

func (r *Reconciler) react(ev model.Event) Result {
	id := ev.TargetID()
	if ev.Emoji == "" {
		return dropped(metrics.ReasonMalformed)
	}
	cur, ok := r.index[id]
	if !ok {
		if r.anchor != nil && id == r.anchor.ID {
			cur = r.anchor
		} else {
			return Result{Refetch: id, Dropped: metrics.ReasonUnknownTarget}
		}
	}
	if cur.Deleted() {
		return dropped(metrics.ReasonTombstoned)
	}
	byMe := ev.ActorIsMe || (ev.ActorID != "" && ev.ActorID == r.localUserID)

	agg, exists := cur.Reactions[ev.Emoji]
	if ev.Kind == model.EventReactionAdded {
		if cur.Reactions == nil {
			cur.Reactions = make(map[string]model.ReactionAggregate)
		}
		agg.Emoji = ev.Emoji
		cur.Reactions[ev.Emoji] = agg.Add(byMe)
		return changed()
	}
	if !exists {
		return Result{}
	}
	next, keep := agg.Remove(byMe)
	if keep {
		cur.Reactions[ev.Emoji] = next
	} else {
		delete(cur.Reactions, ev.Emoji)
	}
	return changed()
}

func (r *Reconciler) receipt(ev model.Event) Result {
	cur, ok := r.index[ev.TargetID()]
	if !ok {
		return dropped(metrics.ReasonUnknownTarget)
	}
	at := ev.At
	if at.IsZero() {
		at = r.now()
	}
	if ev.Kind == model.EventDeliveryReceipt {
		return r.mergeReceipts(cur, at, time.Time{})
	}
	return r.mergeReceipts(cur, time.Time{}, at)
}

func (r *Reconciler) mergeReceipts(cur *model.Message, delivered, read time.Time) Result {
	var res Result
	if delivered.After(cur.DeliveredAt) {
		cur.DeliveredAt = delivered
		res.Changed = true
	}
	if read.After(cur.ReadAt) {
		cur.ReadAt = read
		res.Changed = true
	}
	if !res.Changed && (!delivered.IsZero() || !read.IsZero()) {
		res.Dropped = metrics.ReasonStale
	}
	return res
}

func (r *Reconciler) membership(ev model.Event) Result {
	if r.synth == nil || r.threadID != "" {
		return dropped(metrics.ReasonOutOfContext)
	}
	change := ev.Membership
	if change.GroupID == "" {
		change.GroupID = r.conv.ID
	}
	msg := r.synth.FromEvent(ev.MessageID, change, ev.At)
	if cur, ok := r.index[msg.ID]; ok && ev.MessageID != "" {
		if cur.Body == msg.Body {
			return Result{}
		}
		return r.replace(cur, msg)
	}
	if cur := r.byCorrelation(change.CorrelationID); cur != nil {
		rekeyed := false
		if ev.MessageID != "" && cur.ID != msg.ID {
			r.rekey(cur, msg.ID)
			rekeyed = true
		} else {
			msg.ID = cur.ID
		}
		if !rekeyed && cur.Body == msg.Body && cur.SentAt.Equal(msg.SentAt) {
			return Result{}
		}
		return r.replace(cur, msg)
	}
	key := r.bucketFor(&msg)
	list := r.buckets[key]
	if n := len(list); n > 0 && msg.SentAt.Before(list[n-1].SentAt) {
		r.insert(&msg, key)
		return changed()
	}
	r.buckets[key] = append(list, &msg)
	r.track(&msg, key)
	return changed()
}

// bumpReplies increments the reply count of a thread's parent, whether it sits
// in the primary list or is the anchor of the thread being served.
func (r *Reconciler) bumpReplies(parentID string) {
	if r.anchor != nil && r.anchor.ID == parentID {
		r.anchor.ReplyCount++
		return
	}
	if parent, ok := r.index[parentID]; ok && r.bucket[parentID] == r.threadID {
		parent.ReplyCount++
	}
}

func (r *Reconciler) byCorrelation(correlationID string) *model.Message {
	if correlationID == "" {
		return nil
	}
	id, ok := r.correlated[correlationID]
	if !ok {
		return nil
	}
	return r.index[id]
}

func (r *Reconciler) bucketFor(m *model.Message) string {
	return m.ThreadParentID
}

// insert places m in key's bucket, scanning back from the tail since new
// entries are usually the newest.
func (r *Reconciler) insert(m *model.Message, key string) {
	list := r.buckets[key]
	i := len(list)
	for i > 0 && model.Less(m, list[i-1]) {
		i--
	}
	list = append(list, nil)
	copy(list[i+1:], list[i:])
	list[i] = m
	r.buckets[key] = list
	r.track(m, key)
}

func (r *Reconciler) track(m *model.Message, key string) {
	r.index[m.ID] = m
	r.bucket[m.ID] = key
	if m.CorrelationID != "" {
		r.correlated[m.CorrelationID] = m.ID
	}
}

// reposition moves m to its ordered slot if it is no longer between its neighbours.
func (r *Reconciler) reposition(m *model.Message) {
	key := r.bucket[m.ID]
	list := r.buckets[key]
	i := position(list, m)
	if i < 0 {
		return
	}
	if (i == 0 || !model.Less(m, list[i-1])) && (i == len(list)-1 || !model.Less(list[i+1], m)) {
		return
	}
	r.buckets[key] = append(list[:i], list[i+1:]...)
	r.insert(m, key)
}

func (r *Reconciler) rekey(m *model.Message, id string) {
	key := r.bucket[m.ID]
	delete(r.index, m.ID)
	delete(r.bucket, m.ID)
	m.ID = id
	r.track(m, key)
}

// detach drops m from the timeline. Only used when an optimistic copy turns
// out to duplicate an entry that already exists.
func (r *Reconciler) detach(m *model.Message) {
	key := r.bucket[m.ID]
	list := r.buckets[key]
	if i := position(list, m); i >= 0 {
		r.buckets[key] = append(list[:i], list[i+1:]...)
	}
	delete(r.index, m.ID)
	delete(r.bucket, m.ID)
	if id, ok := r.correlated[m.CorrelationID]; ok && id == m.ID {
		delete(r.correlated, m.CorrelationID)
	}
}

func position(list []*model.Message, m *model.Message) int {
	for i := len(list) - 1; i >= 0; i-- {
		if list[i] == m {
			return i
		}
	}
	return -1
}

func later(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}

// Get returns the entry with the given id from any bucket.
func (r *Reconciler) Get(id string) (model.Message, bool) {
	if m, ok := r.index[id]; ok {
		return m.Clone(), true
	}
	if r.anchor != nil && r.anchor.ID == id {
		return r.anchor.Clone(), true
	}
	return model.Message{}, false
}

// Len is the size of the primary list.
func (r *Reconciler) Len() int {
	return len(r.buckets[r.threadID])
}

// Messages returns a copy of the primary list in order.
func (r *Reconciler) Messages() []model.Message {
	return cloneAll(r.buckets[r.threadID])
}

// Replies returns the replies held for parentID, in order.
func (r *Reconciler) Replies(parentID string) []model.Message {
	if parentID == "" {
		return nil
	}
	return cloneAll(r.buckets[parentID])
}

// Oldest returns the oldest entry of the primary list.
func (r *Reconciler) Oldest() (model.Message, bool) {
	list := r.buckets[r.threadID]
	if len(list) == 0 {
		return model.Message{}, false
	}
	return list[0].Clone(), true
}

func cloneAll(list []*model.Message) []model.Message {
	out := make([]model.Message, len(list))
	for i, m := range list {
		out[i] = m.Clone()
	}
	return out
}
