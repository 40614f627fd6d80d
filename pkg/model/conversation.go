package model

import (
	"fmt"
	"strings"
	"time"
)

type ReceiverType string

const (
	ReceiverUser  ReceiverType = "user"
	ReceiverGroup ReceiverType = "group"
)

type ConversationKind int

const (
	ConversationDirect ConversationKind = iota
	ConversationGroup
)

func (k ConversationKind) String() string {
	if k == ConversationGroup {
		return "group"
	}
	return "direct"
}

// Conversation identifies an addressable message stream. For direct
// conversations ID is the peer's user id; for groups it is the group id.
type Conversation struct {
	ID      string
	Kind    ConversationKind
	Members map[string]struct{}
}

func Direct(peerID string) Conversation {
	return Conversation{ID: peerID, Kind: ConversationDirect}
}

func Group(groupID string, members ...string) Conversation {
	c := Conversation{ID: groupID, Kind: ConversationGroup, Members: make(map[string]struct{}, len(members))}
	for _, m := range members {
		c.Members[m] = struct{}{}
	}
	return c
}

func (c Conversation) IsGroup() bool { return c.Kind == ConversationGroup }

func (c Conversation) ReceiverType() ReceiverType {
	if c.IsGroup() {
		return ReceiverGroup
	}
	return ReceiverUser
}

// ChannelID is the gateway channel this conversation is carried on.
func (c Conversation) ChannelID(localUserID string) string {
	if c.IsGroup() {
		return c.ID
	}
	return DMChannelID(localUserID, c.ID)
}

// DMChannelID sorts the two user ids so both sides compute the same channel.
func DMChannelID(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return fmt.Sprintf("dm:%s:%s", a, b)
}

// ParseDMChannel splits a "dm:a:b" channel id.
func ParseDMChannel(channelID string) (string, string, bool) {
	if !strings.HasPrefix(channelID, "dm:") {
		return "", "", false
	}
	parts := strings.Split(channelID, ":")
	if len(parts) != 3 || parts[1] == "" || parts[2] == "" {
		return "", "", false
	}
	return parts[1], parts[2], true
}

// Member is one entry of a group roster.
type Member struct {
	UserID string `json:"user_id"`
	Name   string `json:"name,omitempty"`
	Role   string `json:"role,omitempty"`
}

// PresenceStatus is the last known presence of a user.
type PresenceStatus struct {
	UserID     string    `json:"user_id"`
	Online     bool      `json:"online"`
	LastActive time.Time `json:"last_active,omitempty"`
}
