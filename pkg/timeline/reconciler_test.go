package timeline

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mahaj/chatsync/pkg/action"
	"github.com/mahaj/chatsync/pkg/model"
)

var t0 = time.Date(2025, 4, 1, 9, 0, 0, 0, time.UTC)

type seqIDs struct{ n int }

func (s *seqIDs) LocalID() string {
	s.n++
	return fmt.Sprintf("local-%d", s.n)
}

func clock() time.Time { return t0.Add(time.Hour) }

func newGroup(t *testing.T) *Reconciler {
	t.Helper()
	synth := action.New("me", &seqIDs{}, action.WithClock(clock))
	return New(model.Group("g1"), "me", "", synth, WithClock(clock))
}

func newThread(t *testing.T, parent string) *Reconciler {
	t.Helper()
	synth := action.New("me", &seqIDs{}, action.WithClock(clock))
	return New(model.Group("g1"), "me", parent, synth, WithClock(clock))
}

func msg(id string, sec int) model.Message {
	return model.Message{
		ID:             id,
		ConversationID: "g1",
		SenderID:       "bob",
		ReceiverID:     "g1",
		ReceiverType:   model.ReceiverGroup,
		Kind:           model.KindText,
		Body:           "body " + id,
		SentAt:         t0.Add(time.Duration(sec) * time.Second),
	}
}

func reply(id, parent string, sec int) model.Message {
	m := msg(id, sec)
	m.ThreadParentID = parent
	return m
}

func created(m model.Message) model.Event {
	return model.Event{Kind: model.EventMessageCreated, ConversationID: m.ConversationID, ThreadParentID: m.ThreadParentID, Message: m}
}

func ids(msgs []model.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func TestDeleteThenEditKeepsTombstone(t *testing.T) {
	r := newGroup(t)

	require.True(t, r.Apply(created(msg("5", 5))).Changed)
	require.True(t, r.Apply(model.Event{Kind: model.EventMessageDeleted, MessageID: "5", At: t0.Add(time.Minute)}).Changed)

	res := r.Apply(model.Event{Kind: model.EventMessageEdited, MessageID: "5", Message: model.Message{Body: "new body"}, At: t0.Add(2 * time.Minute)})
	require.False(t, res.Changed)

	got, ok := r.Get("5")
	require.True(t, ok)
	require.True(t, got.Deleted())
	require.Equal(t, model.DeletedBody, got.Body)
	require.Equal(t, t0.Add(time.Minute), got.DeletedAt)

	view := r.View()
	require.Len(t, view, 1)
	require.Equal(t, model.DeletedBody, view[0].Text)
}

func TestRecreateDoesNotResurrectTombstone(t *testing.T) {
	r := newGroup(t)
	r.Apply(created(msg("5", 5)))
	r.Apply(model.Event{Kind: model.EventMessageDeleted, MessageID: "5"})

	again := msg("5", 5)
	again.ReadAt = t0.Add(3 * time.Hour)
	r.Apply(created(again))

	got, _ := r.Get("5")
	require.True(t, got.Deleted())
	require.Equal(t, model.DeletedBody, got.Body)
	require.Equal(t, again.ReadAt, got.ReadAt)
}

func TestDuplicateReactionBySameActor(t *testing.T) {
	r := newGroup(t)
	r.Apply(created(msg("5", 5)))

	add := model.Event{Kind: model.EventReactionAdded, MessageID: "5", Emoji: "👍", ActorID: "me", ActorIsMe: true}
	r.Apply(add)
	r.Apply(add)
	r.Apply(model.Event{Kind: model.EventReactionRemoved, MessageID: "5", Emoji: "👍", ActorID: "me", ActorIsMe: true})

	got, _ := r.Get("5")
	agg, ok := got.Reactions["👍"]
	require.True(t, ok)
	require.Equal(t, 1, agg.Count)
	require.True(t, agg.ReactedByMe)
}

func TestReactionRemovalEdgeCases(t *testing.T) {
	r := newGroup(t)
	r.Apply(created(msg("5", 5)))

	res := r.Apply(model.Event{Kind: model.EventReactionRemoved, MessageID: "5", Emoji: "🔥", ActorID: "bob"})
	require.False(t, res.Changed)
	require.Empty(t, res.Dropped)

	r.Apply(model.Event{Kind: model.EventReactionAdded, MessageID: "5", Emoji: "🔥", ActorID: "bob"})
	r.Apply(model.Event{Kind: model.EventReactionRemoved, MessageID: "5", Emoji: "🔥", ActorID: "bob"})
	got, _ := r.Get("5")
	require.NotContains(t, got.Reactions, "🔥")

	res = r.Apply(model.Event{Kind: model.EventReactionAdded, MessageID: "99", Emoji: "🔥", ActorID: "bob"})
	require.False(t, res.Changed)
	require.Equal(t, "99", res.Refetch)

	r.Apply(model.Event{Kind: model.EventMessageDeleted, MessageID: "5"})
	res = r.Apply(model.Event{Kind: model.EventReactionAdded, MessageID: "5", Emoji: "🔥", ActorID: "bob"})
	require.False(t, res.Changed)
	require.Empty(t, res.Refetch)
}

func TestReactionCountsNeverNegative(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	r := newGroup(t)
	r.Apply(created(msg("1", 1)))
	emojis := []string{"👍", "❤️", "😂"}

	for i := 0; i < 500; i++ {
		kind := model.EventReactionAdded
		if rng.Intn(2) == 0 {
			kind = model.EventReactionRemoved
		}
		actor := []string{"me", "bob", "carol"}[rng.Intn(3)]
		r.Apply(model.Event{Kind: kind, MessageID: "1", Emoji: emojis[rng.Intn(3)], ActorID: actor})

		got, _ := r.Get("1")
		for emoji, agg := range got.Reactions {
			require.Greater(t, agg.Count, 0, emoji)
			require.Equal(t, emoji, agg.Emoji)
		}
	}
}

func TestApplyIsIdempotent(t *testing.T) {
	events := []model.Event{
		created(msg("1", 1)),
		created(msg("2", 2)),
		{Kind: model.EventMessageEdited, MessageID: "1", Message: model.Message{Body: "edited"}, At: t0.Add(time.Minute)},
		{Kind: model.EventReadReceipt, MessageID: "2", At: t0.Add(2 * time.Minute)},
		{Kind: model.EventDeliveryReceipt, MessageID: "2", At: t0.Add(time.Minute)},
		{Kind: model.EventMessageDeleted, MessageID: "2", At: t0.Add(3 * time.Minute)},
		created(reply("3", "1", 3)),
	}

	once := newGroup(t)
	for _, ev := range events {
		once.Apply(ev)
	}
	twice := newGroup(t)
	for _, ev := range events {
		twice.Apply(ev)
		twice.Apply(ev)
	}

	require.Equal(t, once.Messages(), twice.Messages())
	require.Equal(t, once.Replies("1"), twice.Replies("1"))
}

func TestOrderingAnyArrivalOrder(t *testing.T) {
	var all []model.Message
	for i := 0; i < 40; i++ {
		// several messages share a timestamp so ids break ties
		all = append(all, msg(fmt.Sprintf("%03d", i), i/3))
	}
	rng := rand.New(rand.NewSource(42))

	for round := 0; round < 10; round++ {
		r := newGroup(t)
		perm := rng.Perm(len(all))
		half := len(perm) / 2
		for _, i := range perm[:half] {
			r.Apply(created(all[i]))
		}
		var page []model.Message
		for _, i := range perm[half:] {
			page = append(page, all[i])
		}
		r.ApplyHistory(page)

		got := r.Messages()
		require.Len(t, got, len(all))
		for i := 1; i < len(got); i++ {
			require.True(t, model.Less(&got[i-1], &got[i]), "out of order at %d", i)
		}
	}
}

func TestReplaceMovesWhenSentAtChanges(t *testing.T) {
	r := newGroup(t)
	r.Apply(created(msg("a", 1)))
	r.Apply(created(msg("b", 2)))
	r.Apply(created(msg("c", 3)))

	moved := msg("a", 10)
	r.Apply(created(moved))
	require.Equal(t, []string{"b", "c", "a"}, ids(r.Messages()))

	same := msg("b", 2)
	same.Body = "rewritten"
	r.Apply(created(same))
	require.Equal(t, []string{"b", "c", "a"}, ids(r.Messages()))
	got, _ := r.Get("b")
	require.Equal(t, "rewritten", got.Body)
}

func TestStaleCreateDoesNotRevertEdit(t *testing.T) {
	r := newGroup(t)
	r.Apply(created(msg("1", 1)))
	r.Apply(model.Event{Kind: model.EventMessageEdited, MessageID: "1", Message: model.Message{Body: "v2"}, At: t0.Add(time.Minute)})
	r.Apply(created(msg("1", 1)))

	got, _ := r.Get("1")
	require.Equal(t, "v2", got.Body)
	require.True(t, got.Edited())
}

func TestEditUnknownDropped(t *testing.T) {
	r := newGroup(t)
	res := r.Apply(model.Event{Kind: model.EventMessageEdited, MessageID: "404", Message: model.Message{Body: "x"}})
	require.False(t, res.Changed)
	require.NotEmpty(t, res.Dropped)
	require.Zero(t, r.Len())

	res = r.Apply(model.Event{Kind: model.EventMessageDeleted, MessageID: "404"})
	require.False(t, res.Changed)
	require.Zero(t, r.Len())
}

func TestReceiptsAreMonotonic(t *testing.T) {
	r := newGroup(t)
	r.Apply(created(msg("1", 1)))

	late := t0.Add(10 * time.Minute)
	early := t0.Add(5 * time.Minute)
	require.True(t, r.Apply(model.Event{Kind: model.EventReadReceipt, MessageID: "1", At: late}).Changed)
	require.False(t, r.Apply(model.Event{Kind: model.EventReadReceipt, MessageID: "1", At: early}).Changed)
	require.True(t, r.Apply(model.Event{Kind: model.EventDeliveryReceipt, MessageID: "1", At: early}).Changed)

	got, _ := r.Get("1")
	require.Equal(t, late, got.ReadAt)
	require.Equal(t, early, got.DeliveredAt)
}

func TestThreadRepliesStayOutOfMainTimeline(t *testing.T) {
	r := newGroup(t)
	r.Apply(created(msg("1", 1)))
	r.Apply(created(reply("2", "1", 2)))
	r.Apply(created(reply("3", "1", 3)))
	r.ApplyHistory([]model.Message{reply("0", "1", 0)})

	require.Equal(t, []string{"1"}, ids(r.Messages()))
	require.Equal(t, []string{"0", "2", "3"}, ids(r.Replies("1")))
	for _, e := range r.View() {
		require.False(t, e.Message.IsReply())
	}

	parent, _ := r.Get("1")
	require.Equal(t, 2, parent.ReplyCount, "only pushed replies bump the count")

	r.Apply(created(reply("2", "1", 2)))
	parent, _ = r.Get("1")
	require.Equal(t, 2, parent.ReplyCount, "a duplicate reply does not bump again")
}

func TestThreadSessionAcceptsOnlyItsReplies(t *testing.T) {
	r := newThread(t, "1")
	r.SetAnchor(msg("1", 1))

	require.True(t, r.Apply(created(reply("2", "1", 2))).Changed)
	require.False(t, r.Apply(created(msg("3", 3))).Changed)
	require.False(t, r.Apply(created(reply("4", "9", 4))).Changed)

	require.Equal(t, []string{"2"}, ids(r.Messages()))
	anchor, ok := r.Anchor()
	require.True(t, ok)
	require.Equal(t, 1, anchor.ReplyCount)

	require.True(t, r.Apply(model.Event{Kind: model.EventMessageDeleted, MessageID: "1"}).Changed)
	anchor, _ = r.Anchor()
	require.True(t, anchor.Deleted())

	r.Apply(model.Event{Kind: model.EventMembershipChanged, Membership: model.MembershipChange{Action: model.MemberJoined, ActorID: "x"}})
	require.Equal(t, 1, r.Len())
}

func TestMembershipLineAppendedAndDeduplicated(t *testing.T) {
	r := newGroup(t)
	r.Apply(created(msg("1", 1)))

	local := action.New("me", &seqIDs{n: 100}, action.WithClock(clock)).Local(model.MembershipChange{
		Action:        model.MemberKicked,
		GroupID:       "g1",
		TargetID:      "bob",
		TargetName:    "Bob",
		CorrelationID: "corr-9",
	})
	before := r.Len()
	require.True(t, r.AppendLocal(local).Changed)
	require.Equal(t, before+1, r.Len())
	require.Equal(t, "You removed Bob", r.View()[r.Len()-1].Text)

	ev := model.Event{
		Kind:      model.EventMembershipChanged,
		MessageID: "777",
		At:        clock(),
		Membership: model.MembershipChange{
			Action:        model.MemberKicked,
			GroupID:       "g1",
			ActorID:       "me",
			TargetID:      "bob",
			TargetName:    "Bob",
			CorrelationID: "corr-9",
		},
	}
	r.Apply(ev)
	require.Equal(t, before+1, r.Len(), "authoritative line replaces the optimistic one")
	last := r.Messages()[r.Len()-1]
	require.Equal(t, "777", last.ID)
	require.Equal(t, "You removed Bob", last.Body)

	r.Apply(ev)
	require.Equal(t, before+1, r.Len())

	// the pushed event can also land before the local line
	r2 := newGroup(t)
	r2.Apply(created(msg("1", 1)))
	before = r2.Len()
	require.True(t, r2.Apply(ev).Changed)
	require.Equal(t, before+1, r2.Len())
	require.False(t, r2.AppendLocal(local).Changed)
	require.Equal(t, before+1, r2.Len())
	last = r2.Messages()[r2.Len()-1]
	require.Equal(t, "777", last.ID)
}

func TestMembershipWithoutCorrelationCoexists(t *testing.T) {
	r := newGroup(t)
	r.AppendLocal(model.Message{ID: "local-1", Kind: model.KindActionSynthetic, Body: "You added Bob", SenderID: "me"})
	r.Apply(model.Event{
		Kind:       model.EventMembershipChanged,
		MessageID:  "800",
		Membership: model.MembershipChange{Action: model.MemberAdded, GroupID: "g1", ActorID: "me", TargetID: "bob", TargetName: "Bob"},
	})
	require.Equal(t, 2, r.Len())
}

func TestOptimisticSendConfirmed(t *testing.T) {
	r := newGroup(t)
	r.Apply(created(msg("100", 1)))

	pending := msg("200", 2)
	pending.SenderID = "me"
	pending.SendState = model.SendPending
	pending.CorrelationID = "c1"
	require.True(t, r.AppendLocal(pending).Changed)

	view := r.View()
	require.Equal(t, model.SendPending, view[1].Message.SendState)
	require.True(t, view[1].Mine)

	// the gateway keeps the client id, so the echo replaces in place
	echo := pending
	echo.SendState = model.SendConfirmed
	r.Apply(created(echo))
	got, _ := r.Get("200")
	require.Equal(t, model.SendConfirmed, got.SendState)
	require.Equal(t, 2, r.Len())

	r.Confirm("200", echo)
	require.Equal(t, 2, r.Len())
}

func TestConfirmRekeysAndMarkFailed(t *testing.T) {
	r := newGroup(t)
	pending := msg("local-5", 2)
	pending.SendState = model.SendPending
	r.AppendLocal(pending)

	server := msg("9001", 2)
	r.Confirm("local-5", server)
	_, ok := r.Get("local-5")
	require.False(t, ok)
	got, ok := r.Get("9001")
	require.True(t, ok)
	require.Equal(t, model.SendConfirmed, got.SendState)
	require.Equal(t, 1, r.Len())

	failed := msg("local-6", 3)
	failed.SendState = model.SendPending
	r.AppendLocal(failed)
	require.True(t, r.MarkFailed("local-6").Changed)
	got, _ = r.Get("local-6")
	require.Equal(t, model.SendFailed, got.SendState)
	require.False(t, r.MarkFailed("local-6").Changed)
}

func TestConfirmAfterEchoUnderOtherID(t *testing.T) {
	r := newGroup(t)
	pending := msg("local-5", 2)
	pending.SendState = model.SendPending
	r.AppendLocal(pending)
	r.Apply(created(msg("9001", 2)))
	require.Equal(t, 2, r.Len())

	r.Confirm("local-5", msg("9001", 2))
	require.Equal(t, []string{"9001"}, ids(r.Messages()))
}

func TestEchoMatchedByCorrelation(t *testing.T) {
	r := newGroup(t)
	pending := msg("local-5", 2)
	pending.SendState = model.SendPending
	pending.CorrelationID = "c-5"
	r.AppendLocal(pending)

	echo := msg("9001", 2)
	echo.CorrelationID = "c-5"
	r.Apply(created(echo))
	require.Equal(t, []string{"9001"}, ids(r.Messages()))
}

func TestRefreshedWindow(t *testing.T) {
	r := newGroup(t)
	r.ApplyHistory([]model.Message{msg("10", 10), msg("20", 20)})

	require.False(t, r.Refreshed(msg("5", 5)).Changed, "older than loaded window")
	require.True(t, r.Refreshed(msg("15", 15)).Changed)

	r.SetExhausted(true)
	require.True(t, r.Refreshed(msg("5", 5)).Changed)
	require.Equal(t, []string{"5", "10", "15", "20"}, ids(r.Messages()))
}

func TestViewFiltering(t *testing.T) {
	r := newGroup(t)
	empty := msg("1", 1)
	empty.Body = "  "
	ringing := msg("2", 2)
	ringing.Kind = model.KindCallSummary
	ringing.CallStatus = model.CallRinging
	ended := msg("3", 3)
	ended.Kind = model.KindCallSummary
	ended.CallStatus = model.CallEnded
	ended.Body = model.CallVideo
	ended.SenderName = "Bob"
	missedMine := msg("4", 4)
	missedMine.Kind = model.KindCallSummary
	missedMine.CallStatus = model.CallMissed
	missedMine.SenderID = "me"
	rejected := msg("5", 5)
	rejected.Kind = model.KindCallSummary
	rejected.CallStatus = model.CallRejected
	rejected.SenderID = "me"
	image := msg("6", 6)
	image.Kind = model.KindImage
	image.Body = ""
	image.AttachmentRef = "https://cdn/x.png"
	myAudio := msg("7", 7)
	myAudio.Kind = model.KindCallSummary
	myAudio.CallStatus = model.CallEnded
	myAudio.Body = model.CallAudio
	myAudio.SenderID = "me"
	missedTheirs := msg("8", 8)
	missedTheirs.Kind = model.KindCallSummary
	missedTheirs.CallStatus = model.CallMissed
	missedTheirs.SenderName = "Bob"

	r.ApplyHistory([]model.Message{empty, ringing, ended, missedMine, rejected, image, myAudio, missedTheirs})

	var texts []string
	for _, e := range r.View() {
		texts = append(texts, e.Text)
	}
	require.Equal(t, []string{
		"Bob made a video call",
		"You missed an outgoing call",
		"You rejected the call",
		"[image] https://cdn/x.png",
		"You made an audio call",
		"You missed a call from Bob",
	}, texts)
}
