package timeline

import (
	"fmt"
	"strings"

	"github.com/mahaj/chatsync/pkg/model"
)

// Entry is one displayable timeline line.
type Entry struct {
	Message model.Message
	// Text is what a renderer should print for the line.
	Text string
	Mine bool
}

// View returns the primary list filtered for display: empty text and calls
// still in progress are hidden, finished calls and deletions get a rendered line.
func (r *Reconciler) View() []Entry {
	list := r.buckets[r.threadID]
	out := make([]Entry, 0, len(list))
	for _, m := range list {
		if r.threadID == "" && m.IsReply() {
			continue
		}
		text, ok := r.render(m)
		if !ok {
			continue
		}
		out = append(out, Entry{
			Message: m.Clone(),
			Text:    text,
			Mine:    m.SenderID == r.localUserID,
		})
	}
	return out
}

func (r *Reconciler) render(m *model.Message) (string, bool) {
	if m.Deleted() {
		return model.DeletedBody, true
	}
	switch m.Kind {
	case model.KindCallSummary:
		return r.callLine(m)
	case model.KindActionSynthetic:
		return m.Body, m.Body != ""
	case model.KindImage, model.KindVideo, model.KindAudio:
		if m.Body != "" {
			return m.Body, true
		}
		return fmt.Sprintf("[%s] %s", m.Kind, m.AttachmentRef), true
	case model.KindCustom:
		if strings.TrimSpace(m.Body) == "" {
			return "[custom]", true
		}
		return m.Body, true
	}
	if strings.TrimSpace(m.Body) == "" {
		return "", false
	}
	return m.Body, true
}

func (r *Reconciler) callLine(m *model.Message) (string, bool) {
	if !m.CallStatus.Terminal() {
		return "", false
	}
	mine := m.SenderID == r.localUserID
	other := m.SenderName
	if other == "" {
		other = m.SenderID
	}

	switch m.CallStatus {
	case model.CallEnded:
		medium := "an audio call"
		if m.Body == model.CallVideo {
			medium = "a video call"
		}
		if mine {
			return "You made " + medium, true
		}
		return other + " made " + medium, true
	case model.CallMissed:
		if mine {
			return "You missed an outgoing call", true
		}
		return "You missed a call from " + other, true
	}
	if mine {
		return fmt.Sprintf("You %s the call", m.CallStatus), true
	}
	return fmt.Sprintf("%s %s the call", other, m.CallStatus), true
}
