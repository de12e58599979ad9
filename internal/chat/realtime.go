package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/tidwall/gjson"

	"github.com/mikhailofff/chat-sync/internal/api"
)

const (
	reconnectMin = 1 * time.Second
	reconnectMax = 60 * time.Second

	// readLimit bounds a single broadcast frame. Chat messages are
	// small; anything near this is malformed.
	readLimit = 1 << 20

	// writeTimeout bounds a single publish so a stalled socket cannot
	// block the sender.
	writeTimeout = 10 * time.Second
)

// wsConn is the subset of *websocket.Conn the channel uses. The seam
// exists so tests can substitute a mock connection.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, data []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// Events are the channel's consumer callbacks. OnConnect runs after
// every successful (re)connect, before any frame is dispatched; it is
// the catch-up hook for missed history.
type Events struct {
	OnMessage  func(msg api.Message)
	OnPresence func(count int, userlist []string)
	OnConnect  func(ctx context.Context) error
}

// Channel consumes the server's broadcast stream and offers the
// publish primitive. It reconnects with jittered exponential backoff
// and never interprets frames beyond shape discrimination: message
// payloads and presence lists go to the callbacks, everything else is
// logged and dropped.
type Channel struct {
	wsURL    string
	username string
	events   Events
	logger   *slog.Logger

	// dial is swapped out in tests.
	dial func(ctx context.Context) (wsConn, error)

	mu        sync.Mutex
	conn      wsConn
	connected bool
}

// NewChannel creates a realtime channel for wsURL (ws://host/ws). The
// username travels as a query parameter, identifying this connection
// in presence broadcasts.
func NewChannel(wsURL, username string, events Events, logger *slog.Logger) *Channel {
	c := &Channel{
		wsURL:    wsURL,
		username: username,
		events:   events,
		logger:   logger,
	}
	c.dial = c.dialWebsocket

	return c
}

func (c *Channel) dialWebsocket(ctx context.Context) (wsConn, error) {
	endpoint := c.wsURL + "?username=" + url.QueryEscape(c.username)

	conn, _, err := websocket.Dial(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing websocket: %w", err)
	}
	conn.SetReadLimit(readLimit)

	return conn, nil
}

// Connected reports whether the socket is currently live.
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.connected
}

// Publish writes a message frame to the socket. Fails when the channel
// is not connected.
func (c *Channel) Publish(msg api.Message) error {
	c.mu.Lock()
	conn := c.conn
	connected := c.connected
	c.mu.Unlock()

	if !connected || conn == nil {
		return fmt.Errorf("realtime channel not connected")
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshalling message: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("writing message frame: %w", err)
	}

	return nil
}

// Run connects and consumes the stream until ctx is cancelled,
// redialing on every drop with jittered exponential backoff.
func (c *Channel) Run(ctx context.Context) error {
	attempt := 0

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn, err := c.dial(ctx)
		if err != nil {
			attempt++
			delay := backoffDelay(attempt)
			c.logger.Warn("realtime connect failed",
				slog.String("error", err.Error()),
				slog.Duration("retry_in", delay),
			)

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			continue
		}

		attempt = 0
		c.setConn(conn, true)
		c.logger.Info("realtime channel connected")

		if c.events.OnConnect != nil {
			if err := c.events.OnConnect(ctx); err != nil {
				c.logger.Warn("catch-up after connect failed", slog.String("error", err.Error()))
			}
		}

		err = c.readLoop(ctx, conn)
		c.setConn(nil, false)
		conn.Close(websocket.StatusNormalClosure, "closing")

		if ctx.Err() != nil {
			return ctx.Err()
		}

		c.logger.Warn("realtime channel dropped", slog.String("error", err.Error()))
	}
}

func (c *Channel) setConn(conn wsConn, connected bool) {
	c.mu.Lock()
	c.conn = conn
	c.connected = connected
	c.mu.Unlock()
}

func (c *Channel) readLoop(ctx context.Context, conn wsConn) error {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("reading frame: %w", err)
		}

		if typ != websocket.MessageText {
			c.logger.Debug("ignoring non-text frame", slog.Int("bytes", len(data)))
			continue
		}

		c.dispatch(data)
	}
}

// dispatch discriminates a broadcast frame by shape: a "userlist" key
// marks a presence event, a message-shaped object goes to OnMessage.
func (c *Channel) dispatch(data []byte) {
	if !gjson.ValidBytes(data) {
		c.logger.Debug("unparseable frame", slog.Int("bytes", len(data)))
		return
	}

	if userlist := gjson.GetBytes(data, "userlist"); userlist.IsArray() {
		var users []string
		for _, u := range userlist.Array() {
			users = append(users, u.String())
		}

		if c.events.OnPresence != nil {
			c.events.OnPresence(len(users), users)
		}
		return
	}

	if gjson.GetBytes(data, "content").Exists() && gjson.GetBytes(data, "created_by").Exists() {
		var msg api.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn("decoding message frame", slog.String("error", err.Error()))
			return
		}

		if c.events.OnMessage != nil {
			c.events.OnMessage(msg)
		}
		return
	}

	c.logger.Debug("unrecognized frame shape", slog.Int("bytes", len(data)))
}

// backoffDelay computes the jittered exponential delay for the given
// consecutive failure count. The base doubles per attempt and is
// clamped at reconnectMax, so arbitrarily long outages stay bounded.
func backoffDelay(attempt int) time.Duration {
	d := reconnectMin
	for i := 1; i < attempt && d < reconnectMax; i++ {
		d *= 2
	}
	if d > reconnectMax {
		d = reconnectMax
	}

	// Up to 25% jitter so reconnecting clients don't stampede.
	jitter := time.Duration(rand.Int64N(int64(d / 4)))

	return d + jitter
}
