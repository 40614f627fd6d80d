package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mahaj/chatsync/pkg/model"
	"github.com/mahaj/chatsync/pkg/timeline"
)

func TestParseLine(t *testing.T) {
	tests := []struct {
		line    string
		want    command
		wantErr bool
	}{
		{line: "hello there", want: command{name: "send", text: "hello there"}},
		{line: "  /edit 42 fixed typo ", want: command{name: "edit", args: []string{"42"}, text: "fixed typo"}},
		{line: "/react 42 👍", want: command{name: "react", args: []string{"42", "👍"}, text: ""}},
		{line: "/image cdn://cat.png look", want: command{name: "image", args: []string{"cdn://cat.png"}, text: "look"}},
		{line: "/OLDER", want: command{name: "older", args: []string{}, text: ""}},
		{line: "/role bob moderator", want: command{name: "role", args: []string{"bob", "moderator"}, text: ""}},
		{line: "/delete-group", want: command{name: "delete-group", args: []string{}, text: ""}},
		{line: "/edit 42", wantErr: true},
		{line: "/kick", wantErr: true},
		{line: "/dance", wantErr: true},
		{line: "   ", wantErr: true},
		{line: "/", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			got, err := parseLine(tt.line)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestFormatEntry(t *testing.T) {
	at := time.Date(2025, 6, 1, 10, 0, 0, 0, time.Local)
	mine := timeline.Entry{
		Message: model.Message{
			ID: "7", SenderID: "me", Body: "hi", SentAt: at, EditedAt: at.Add(time.Minute),
			DeliveredAt: at, ReplyCount: 2,
			Reactions: map[string]model.ReactionAggregate{
				"👍": {Emoji: "👍", Count: 2, ReactedByMe: true},
				"🎉": {Emoji: "🎉", Count: 1},
			},
		},
		Text: "hi",
		Mine: true,
	}
	require.Equal(t, "10:00 [7] you: hi (edited) [2 replies] 🎉1 👍2* ✓", formatEntry(mine))

	pending := timeline.Entry{Message: model.Message{ID: "local-1", SenderID: "me", SentAt: at, SendState: model.SendPending}, Text: "wait", Mine: true}
	require.Equal(t, "10:00 [local-1] you: wait …", formatEntry(pending))

	theirs := timeline.Entry{Message: model.Message{ID: "8", SenderID: "bob", SenderName: "Bob", SentAt: at}, Text: "yo"}
	require.Equal(t, "10:00 [8] Bob: yo", formatEntry(theirs))

	action := timeline.Entry{Message: model.Message{ID: "9", Kind: model.KindActionSynthetic}, Text: "You removed Bob"}
	require.Equal(t, "   -- You removed Bob --", formatEntry(action))
}

type fakeView struct {
	entries []timeline.Entry
}

func (f fakeView) Snapshot() []timeline.Entry { return f.entries }
func (f fakeView) TypingIndicator() string { return "typing..." }
func (f fakeView) PresenceLine() string { return "Online" }
func (f fakeView) HasMore() bool { return true }
func (f fakeView) Conversation() model.Conversation { return model.Direct("bob") }

func TestRender(t *testing.T) {
	var buf bytes.Buffer
	at := time.Date(2025, 6, 1, 10, 0, 0, 0, time.Local)
	render(&buf, fakeView{entries: []timeline.Entry{
		{Message: model.Message{ID: "1", SenderID: "bob", SentAt: at}, Text: "hello"},
	}})
	out := buf.String()
	require.Contains(t, out, "== bob · Online ==")
	require.Contains(t, out, "/older")
	require.Contains(t, out, "10:00 [1] bob: hello")
	require.Contains(t, out, "typing...")
}
