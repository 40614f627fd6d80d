// Package presence reads who is connected from the gateway's redis state.
//
// The gateway keeps one set per channel (channel:<id>:users) while clients are
// connected, stamps presence:last_seen on disconnect and publishes status
// changes on presence:<user>.
package presence

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/mahaj/chatsync/pkg/chaterr"
	"github.com/mahaj/chatsync/pkg/config"
	"github.com/mahaj/chatsync/pkg/logging"
	"github.com/mahaj/chatsync/pkg/model"
	"github.com/mahaj/chatsync/pkg/session"
)

var _ session.Presence = (*Client)(nil)

const (
	lastSeenKey   = "presence:last_seen"
	channelPrefix = "presence:"
	watchBuffer   = 16
)

func channelUsersKey(channelID string) string {
	return "channel:" + channelID + ":users"
}

// Client answers presence questions for one gateway channel.
type Client struct {
	rdb       *redis.Client
	channelID string
	logger    zerolog.Logger
}

type Option func(*Client)

func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

func New(cfg config.RedisConfig, channelID string, opts ...Option) *Client {
	rdb := redis.NewClient(&redis.Options{
		Addr: cfg.Addr,
	})
	return NewWithClient(rdb, channelID, opts...)
}

func NewWithClient(rdb *redis.Client, channelID string, opts ...Option) *Client {
	c := &Client{rdb: rdb, channelID: channelID, logger: logging.Component("presence")}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Online lists the users connected to the channel.
func (c *Client) Online(ctx context.Context) ([]string, error) {
	users, err := c.rdb.SMembers(ctx, channelUsersKey(c.channelID)).Result()
	if err != nil {
		return nil, chaterr.Transient("presence", err)
	}
	return users, nil
}

// Status reports whether userID is connected to the channel and when they were
// last seen.
func (c *Client) Status(ctx context.Context, userID string) (model.PresenceStatus, error) {
	st := model.PresenceStatus{UserID: userID}
	online, err := c.rdb.SIsMember(ctx, channelUsersKey(c.channelID), userID).Result()
	if err != nil {
		return st, chaterr.Transient("presence", err)
	}
	st.Online = online

	raw, err := c.rdb.HGet(ctx, lastSeenKey, userID).Result()
	switch {
	case errors.Is(err, redis.Nil):
	case err != nil:
		return st, chaterr.Transient("presence", err)
	default:
		if st.LastActive, err = parseLastSeen(raw); err != nil {
			c.logger.Debug().Err(err).Str("user_id", userID).Msg("bad last_seen value")
		}
	}
	return st, nil
}

// Watch streams status changes for userID until ctx ends.
func (c *Client) Watch(ctx context.Context, userID string) (<-chan model.PresenceStatus, error) {
	pubsub := c.rdb.PSubscribe(ctx, channelPrefix+"*")
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, chaterr.Transient("presence watch", err)
	}

	out := make(chan model.PresenceStatus, watchBuffer)
	go func() {
		defer close(out)
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				st, ok := decodeEvent(msg.Channel, msg.Payload)
				if !ok || st.UserID != userID {
					continue
				}
				select {
				case out <- st:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (c *Client) Close() error {
	return c.rdb.Close()
}

// parseLastSeen accepts unix seconds or RFC 3339.
func parseLastSeen(raw string) (time.Time, error) {
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(n, 0).UTC(), nil
	}
	return time.Parse(time.RFC3339, raw)
}

// decodeEvent reads a presence:<user> publication. The payload is either a
// JSON status or the bare words online/offline.
func decodeEvent(channel, payload string) (model.PresenceStatus, bool) {
	userID := strings.TrimPrefix(channel, channelPrefix)
	if userID == "" || userID == channel || userID == "last_seen" {
		return model.PresenceStatus{}, false
	}
	switch strings.TrimSpace(payload) {
	case "online":
		return model.PresenceStatus{UserID: userID, Online: true}, true
	case "offline":
		return model.PresenceStatus{UserID: userID, LastActive: time.Now().UTC()}, true
	}
	var st model.PresenceStatus
	if err := json.Unmarshal([]byte(payload), &st); err != nil {
		return model.PresenceStatus{}, false
	}
	st.UserID = userID
	return st, true
}
