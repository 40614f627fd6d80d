// Package ws talks to the chat gateway over a websocket: push events flow in
// through a read pump, requests go out through a write pump and are answered
// by ack envelopes carrying the same request id.
package ws

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/mahaj/chatsync/pkg/chaterr"
	"github.com/mahaj/chatsync/pkg/config"
	"github.com/mahaj/chatsync/pkg/ingest"
	"github.com/mahaj/chatsync/pkg/logging"
	"github.com/mahaj/chatsync/pkg/model"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum frame size accepted from the gateway.
	maxMessageSize = 1 << 20

	sendBuffer = 256
)

// Error codes the gateway puts in ack envelopes.
const (
	CodeNotFound   = "not_found"
	CodePermission = "permission_denied"
	CodeInvalid    = "invalid"
)

var ErrClosed = errors.New("websocket client closed")

type loginResponse struct {
	Token string `json:"token"`
}

// Login exchanges a user id for a token at the API's /login endpoint.
func Login(ctx context.Context, httpClient *http.Client, apiAddr, userID string) (string, error) {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	reqBody, err := json.Marshal(map[string]string{"user_id": userID})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, httpBase(apiAddr)+"/login", bytes.NewReader(reqBody))
	if err != nil {
		return "", chaterr.Malformed("login", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		return "", chaterr.Transient("login", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		err := fmt.Errorf("login failed: %s", strings.TrimSpace(string(body)))
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return "", chaterr.Permission("login", err)
		}
		return "", chaterr.Transient("login", err)
	}

	var out loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", chaterr.Malformed("login", err)
	}
	if out.Token == "" {
		return "", chaterr.Malformedf("login", "empty token")
	}
	return out.Token, nil
}

func httpBase(addr string) string {
	if strings.Contains(addr, "://") {
		return strings.TrimRight(addr, "/")
	}
	return "http://" + strings.TrimRight(addr, "/")
}

func wsURL(addr, channelID string) string {
	u := url.URL{Scheme: "ws", Host: addr, Path: "/ws"}
	if i := strings.Index(addr, "://"); i >= 0 {
		scheme, host := addr[:i], addr[i+3:]
		if scheme == "https" || scheme == "wss" {
			u.Scheme = "wss"
		}
		u.Host = strings.TrimRight(host, "/")
	}
	q := u.Query()
	q.Set("channel", channelID)
	u.RawQuery = q.Encode()
	return u.String()
}

// Client is one websocket connection bound to a conversation's channel.
type Client struct {
	conn        *websocket.Conn
	channelID   string
	localUserID string
	timeout     time.Duration
	dialer      *websocket.Dialer
	logger      zerolog.Logger

	push *ingest.Fanout
	send chan []byte

	mu      sync.Mutex
	pending map[string]chan model.Envelope
	closed  bool

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

type Option func(*Client)

func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithDialer replaces websocket.DefaultDialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

// Dial connects to the gateway for conv's channel with a bearer token.
func Dial(ctx context.Context, cfg config.GatewayConfig, token string, conv model.Conversation, localUserID string, opts ...Option) (*Client, error) {
	c := &Client{
		channelID:   conv.ChannelID(localUserID),
		localUserID: localUserID,
		timeout:     cfg.RequestTimeout,
		logger:      logging.Component("ws"),
		push:        ingest.NewFanout(),
		send:        make(chan []byte, sendBuffer),
		pending:     make(map[string]chan model.Envelope),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.timeout <= 0 {
		c.timeout = 10 * time.Second
	}
	dialer := c.dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	header := http.Header{}
	header.Add("Authorization", "Bearer "+token)
	target := wsURL(cfg.WSAddr, c.channelID)
	c.logger.Debug().Str("url", target).Msg("connecting")

	conn, resp, err := dialer.DialContext(ctx, target, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, chaterr.Permission("dial", err)
		}
		return nil, chaterr.Transient("dial", err)
	}
	c.conn = conn

	c.wg.Add(2)
	go c.writePump()
	go c.readPump()
	c.logger.Info().Str("channel", c.channelID).Msg("connected to gateway")
	return c, nil
}

// Subscribe implements ingest.Source over the connection's push stream.
func (c *Client) Subscribe(ctx context.Context, listenerID string) (<-chan model.Envelope, func(), error) {
	return c.push.Subscribe(ctx, listenerID)
}

// Done is closed once the connection is gone.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// readPump decodes frames from the gateway. A frame may carry several JSON
// envelopes back to back.
func (c *Client) readPump() {
	defer func() {
		c.wg.Done()
		c.shutdown()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	c.conn.SetPingHandler(func(data string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		err := c.conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.logger.Warn().Err(err).Msg("gateway connection lost")
			}
			return
		}
		dec := json.NewDecoder(bytes.NewReader(message))
		for {
			var env model.Envelope
			if err := dec.Decode(&env); err != nil {
				if !errors.Is(err, io.EOF) {
					c.logger.Debug().Err(err).Int("bytes", len(message)).Msg("undecodable frame skipped")
				}
				break
			}
			c.dispatch(env)
		}
	}
}

func (c *Client) dispatch(env model.Envelope) {
	if env.Type == model.TypeAck && env.RequestID != "" {
		c.mu.Lock()
		ch, ok := c.pending[env.RequestID]
		delete(c.pending, env.RequestID)
		c.mu.Unlock()
		if ok {
			ch <- env
		} else {
			c.logger.Debug().Str("request_id", env.RequestID).Msg("ack for unknown request")
		}
		return
	}
	c.push.Publish(env)
}

// writePump serialises every write to the connection and keeps it alive with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.wg.Done()
	}()
	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Warn().Err(err).Msg("write failed")
				c.shutdown()
				c.conn.Close()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.shutdown()
				c.conn.Close()
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// write queues env for the write pump.
func (c *Client) write(ctx context.Context, op string, env model.Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return chaterr.Malformed(op, err)
	}
	select {
	case c.send <- payload:
		return nil
	case <-c.done:
		return chaterr.Closed(op)
	case <-ctx.Done():
		return chaterr.Transient(op, ctx.Err())
	}
}

// request sends env as a request for op and waits for its ack.
func (c *Client) request(ctx context.Context, op string, env model.Envelope) (model.Envelope, error) {
	env.Type = model.TypeRequest
	env.Op = op
	env.RequestID = uuid.NewString()
	if env.ChannelID == "" {
		env.ChannelID = c.channelID
	}
	if env.UserID == "" {
		env.UserID = c.localUserID
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	reply := make(chan model.Envelope, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return model.Envelope{}, chaterr.Closed(op)
	}
	c.pending[env.RequestID] = reply
	c.mu.Unlock()

	forget := func() {
		c.mu.Lock()
		delete(c.pending, env.RequestID)
		c.mu.Unlock()
	}
	if err := c.write(ctx, op, env); err != nil {
		forget()
		return model.Envelope{}, err
	}

	select {
	case ack := <-reply:
		if ack.Error != nil {
			return ack, wireError(op, ack.Error)
		}
		return ack, nil
	case <-c.done:
		forget()
		return model.Envelope{}, chaterr.Transient(op, ErrClosed)
	case <-ctx.Done():
		forget()
		return model.Envelope{}, chaterr.Transient(op, ctx.Err())
	}
}

func wireError(op string, e *model.WireError) error {
	switch e.Code {
	case CodeNotFound:
		return chaterr.NotFound(op, e)
	case CodePermission:
		return chaterr.Permission(op, e)
	case CodeInvalid:
		return chaterr.Malformed(op, e)
	}
	return chaterr.Transient(op, e)
}

func (c *Client) shutdown() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.done)
		c.push.Close()
	})
}

// Close sends a close frame, waits briefly for the gateway to hang up and
// releases every push listener.
func (c *Client) Close() error {
	c.shutdown()
	waited := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-time.After(time.Second):
	}
	return c.conn.Close()
}
