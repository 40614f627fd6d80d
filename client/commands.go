package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"

	"github.com/mahaj/chatsync/pkg/model"
	"github.com/mahaj/chatsync/pkg/presence"
	"github.com/mahaj/chatsync/pkg/session"
	"github.com/mahaj/chatsync/pkg/timeline"
)

const helpText = `commands:
  <text>                 send a message
  /image <ref> [caption] send an image (also /video, /audio)
  /edit <id> <text>      edit one of your messages
  /delete <id>           delete one of your messages
  /react <id> <emoji>    add a reaction
  /unreact <id> <emoji>  remove your reaction
  /older                 load older messages
  /add <uid>             add a member (groups)
  /kick <uid>            remove a member
  /ban <uid>             ban a member
  /unban <uid>           lift a ban
  /role <uid> <role>     change a member's role (admin, moderator, participant)
  /leave                 leave the group
  /delete-group          delete the group
  /who                   list connected users
  /quit                  exit`

// command is one parsed input line. Plain text parses as "send".
type command struct {
	name string
	args []string
	text string
}

var arity = map[string]int{
	"edit":         1,
	"delete":       1,
	"react":        2,
	"unreact":      2,
	"image":        1,
	"video":        1,
	"audio":        1,
	"older":        0,
	"add":          1,
	"kick":         1,
	"ban":          1,
	"unban":        1,
	"role":         2,
	"leave":        0,
	"delete-group": 0,
	"who":          0,
	"help":         0,
	"quit":         0,
}

var errEmpty = errors.New("empty line")

func parseLine(line string) (command, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return command{}, errEmpty
	}
	if !strings.HasPrefix(line, "/") {
		return command{name: "send", text: line}, nil
	}

	fields := strings.Fields(line[1:])
	if len(fields) == 0 {
		return command{}, errEmpty
	}
	cmd := command{name: strings.ToLower(fields[0])}
	need, ok := arity[cmd.name]
	if !ok {
		return command{}, fmt.Errorf("unknown command /%s (try /help)", cmd.name)
	}
	rest := fields[1:]
	if len(rest) < need {
		return command{}, fmt.Errorf("/%s needs %d argument(s)", cmd.name, need)
	}
	cmd.args = rest[:need]
	cmd.text = strings.Join(rest[need:], " ")
	if cmd.name == "edit" && cmd.text == "" {
		return command{}, errors.New("/edit needs the new text")
	}
	return cmd, nil
}

type shell struct {
	s   *session.Session
	who *presence.Client
	out io.Writer
}

// exec runs one command against the session. Typing is approximated by one
// keystroke per entered line.
func (sh *shell) exec(ctx context.Context, cmd command) (bool, error) {
	s := sh.s
	switch cmd.name {
	case "send":
		s.Keystroke()
		return false, s.Send(ctx, cmd.text)
	case "image", "video", "audio":
		return false, s.SendMedia(ctx, model.MessageKind(cmd.name), cmd.args[0], cmd.text)
	case "edit":
		s.Keystroke()
		return false, s.Edit(ctx, cmd.args[0], cmd.text)
	case "delete":
		return false, s.Delete(ctx, cmd.args[0])
	case "react":
		return false, s.React(ctx, cmd.args[0], cmd.args[1])
	case "unreact":
		return false, s.Unreact(ctx, cmd.args[0], cmd.args[1])
	case "older":
		return false, s.FetchOlder(ctx)
	case "add":
		return false, s.AddMember(ctx, cmd.args[0])
	case "kick":
		return false, s.KickMember(ctx, cmd.args[0])
	case "ban":
		return false, s.BanMember(ctx, cmd.args[0])
	case "unban":
		return false, s.UnbanMember(ctx, cmd.args[0])
	case "role":
		return false, s.ChangeRole(ctx, cmd.args[0], cmd.args[1])
	case "leave":
		return false, s.Leave(ctx)
	case "delete-group":
		return false, s.DeleteGroup(ctx)
	case "who":
		if sh.who == nil {
			return false, errors.New("presence is not configured")
		}
		users, err := sh.who.Online(ctx)
		if err != nil {
			return false, err
		}
		fmt.Fprintf(sh.out, "online: %s\n", strings.Join(users, ", "))
		return false, nil
	case "help":
		fmt.Fprintln(sh.out, helpText)
		return false, nil
	case "quit":
		return true, nil
	}
	return false, fmt.Errorf("unhandled command %q", cmd.name)
}

// view is what render needs from a session.
type view interface {
	Snapshot() []timeline.Entry
	TypingIndicator() string
	PresenceLine() string
	HasMore() bool
	Conversation() model.Conversation
}

var renderMu sync.Mutex

// render redraws the whole conversation.
func render(w io.Writer, v view) {
	renderMu.Lock()
	defer renderMu.Unlock()

	conv := v.Conversation()
	header := conv.ID
	if line := v.PresenceLine(); line != "" {
		header += " · " + line
	}
	fmt.Fprintf(w, "\n== %s ==\n", header)
	if v.HasMore() {
		fmt.Fprintln(w, "   (/older for earlier messages)")
	}
	for _, e := range v.Snapshot() {
		fmt.Fprintln(w, formatEntry(e))
	}
	if t := v.TypingIndicator(); t != "" {
		fmt.Fprintf(w, "   %s\n", t)
	}
	fmt.Fprint(w, "> ")
}

func formatEntry(e timeline.Entry) string {
	m := e.Message
	if m.Kind == model.KindActionSynthetic {
		return fmt.Sprintf("   -- %s --", e.Text)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s [%s] ", m.SentAt.Local().Format("15:04"), m.ID)
	switch {
	case e.Mine:
		b.WriteString("you: ")
	case m.SenderName != "":
		b.WriteString(m.SenderName + ": ")
	default:
		b.WriteString(m.SenderID + ": ")
	}
	b.WriteString(e.Text)
	if m.Edited() && !m.Deleted() {
		b.WriteString(" (edited)")
	}
	if m.ReplyCount > 0 {
		fmt.Fprintf(&b, " [%d replies]", m.ReplyCount)
	}
	if len(m.Reactions) > 0 {
		b.WriteString(" " + reactions(m.Reactions))
	}
	switch m.SendState {
	case model.SendPending:
		b.WriteString(" …")
	case model.SendFailed:
		b.WriteString(" (failed)")
	default:
		if e.Mine && !m.ReadAt.IsZero() {
			b.WriteString(" ✓✓")
		} else if e.Mine && !m.DeliveredAt.IsZero() {
			b.WriteString(" ✓")
		}
	}
	return b.String()
}

func reactions(r map[string]model.ReactionAggregate) string {
	keys := make([]string, 0, len(r))
	for k := range r {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		agg := r[k]
		p := fmt.Sprintf("%s%d", agg.Emoji, agg.Count)
		if agg.ReactedByMe {
			p += "*"
		}
		parts = append(parts, p)
	}
	return strings.Join(parts, " ")
}
