// Package transport owns the persistent websocket connections to the chat
// server: one channel for the joined conversation, one for session-wide
// notifications. A channel tracks its joined rooms and replays the join
// protocol on every transition into Connected, since a drop invalidates
// server-side room membership.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/skillmart/chatsync/internal/bus"
	"github.com/skillmart/chatsync/internal/status"
)

// Options configures one channel.
type Options struct {
	Name  string // "chat" or "notifications", used in logs and status events
	URL   string
	Token string

	// AuthUserID, when set, makes the channel send authenticate(userId)
	// before rejoining rooms on each connect.
	AuthUserID string

	// RoomField names the JSON field carrying room ids in join/leave
	// payloads: "conversationId" on the chat channel, "userId" on the
	// notification channel.
	RoomField string

	Decode DecodeFunc

	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	MaxReconnectAttempts int // 0 = retry forever
}

func (o *Options) defaults() {
	if o.ReconnectBaseDelay == 0 {
		o.ReconnectBaseDelay = time.Second
	}
	if o.ReconnectMaxDelay == 0 {
		o.ReconnectMaxDelay = 30 * time.Second
	}
	if o.RoomField == "" {
		o.RoomField = "room"
	}
}

// dialFunc is swapped out by tests.
type dialFunc func(ctx context.Context, url string, opts *websocket.DialOptions) (*websocket.Conn, error)

// Channel manages one persistent websocket connection.
type Channel struct {
	opts    Options
	machine *status.Machine
	bus     *bus.Bus
	logger  *zap.Logger
	recon   *reconnector
	dial    dialFunc

	mu     sync.Mutex
	conn   *websocket.Conn
	rooms  map[string]struct{}
	cancel context.CancelFunc
	closed bool
}

// New creates a channel. It stays idle until Start.
func New(opts Options, machine *status.Machine, b *bus.Bus, logger *zap.Logger) *Channel {
	opts.defaults()
	return &Channel{
		opts:    opts,
		machine: machine,
		bus:     b,
		logger:  logger.With(zap.String("channel", opts.Name)),
		recon:   newReconnector(opts.ReconnectBaseDelay, opts.ReconnectMaxDelay, opts.MaxReconnectAttempts),
		dial: func(ctx context.Context, url string, opts *websocket.DialOptions) (*websocket.Conn, error) {
			conn, _, err := websocket.Dial(ctx, url, opts)
			return conn, err
		},
		rooms: make(map[string]struct{}),
	}
}

// Start launches the connect/read/reconnect loop.
func (c *Channel) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.closed = false
	c.mu.Unlock()
	go c.run(ctx)
}

// Stop closes the connection and ends the loop.
func (c *Channel) Stop() {
	c.mu.Lock()
	c.closed = true
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "client shutdown")
	}
	if c.machine.Current() != status.Disconnected {
		_ = c.machine.Transition(status.Disconnected)
	}
}

// State returns the current connection state.
func (c *Channel) State() status.State {
	return c.machine.Current()
}

// Join adds a room to the required set and, when connected, emits the join
// protocol immediately. The room is re-joined automatically after each drop.
func (c *Channel) Join(ctx context.Context, room string) error {
	c.mu.Lock()
	c.rooms[room] = struct{}{}
	connected := c.conn != nil
	c.mu.Unlock()
	if !connected {
		return nil
	}
	return c.send(ctx, "join", map[string]string{c.opts.RoomField: room})
}

// Leave removes a room from the required set and emits an explicit leave.
func (c *Channel) Leave(ctx context.Context, room string) error {
	c.mu.Lock()
	delete(c.rooms, room)
	connected := c.conn != nil
	c.mu.Unlock()
	if !connected {
		return nil
	}
	return c.send(ctx, "leave", map[string]string{c.opts.RoomField: room})
}

// Rooms returns the currently required room set.
func (c *Channel) Rooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.rooms))
	for r := range c.rooms {
		out = append(out, r)
	}
	return out
}

func (c *Channel) run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if c.machine.Current() != status.Connecting {
			_ = c.machine.Transition(status.Connecting)
		}

		conn, err := c.dial(ctx, c.opts.URL, c.dialOptions())
		if err != nil {
			c.logger.Warn("dial failed", zap.Error(err))
			if !c.waitRetry(ctx) {
				return
			}
			continue
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			_ = conn.Close(websocket.StatusNormalClosure, "client shutdown")
			return
		}
		c.conn = conn
		c.mu.Unlock()

		_ = c.machine.Transition(status.Connected)
		c.recon.markConnected()
		c.logger.Info("connected")

		if err := c.announce(ctx); err != nil {
			c.logger.Warn("join replay failed", zap.Error(err))
		}

		err = c.readLoop(ctx, conn)

		c.mu.Lock()
		c.conn = nil
		closed := c.closed
		c.mu.Unlock()

		if closed || ctx.Err() != nil {
			return
		}
		c.logger.Warn("connection dropped", zap.Error(err))
		if !c.waitRetry(ctx) {
			return
		}
	}
}

// announce re-emits the handshake on every entry into Connected:
// authenticate first, then a join for each required room.
func (c *Channel) announce(ctx context.Context) error {
	if c.opts.AuthUserID != "" {
		if err := c.send(ctx, "authenticate", map[string]string{"userId": c.opts.AuthUserID}); err != nil {
			return err
		}
	}
	for _, room := range c.Rooms() {
		if err := c.send(ctx, "join", map[string]string{c.opts.RoomField: room}); err != nil {
			return err
		}
	}
	return nil
}

func (c *Channel) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		c.dispatch(data)
	}
}

// dispatch decodes one frame and publishes the tagged event. Frames that are
// not valid envelopes, or whose payload does not decode, are dropped here.
func (c *Channel) dispatch(data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
		c.logger.Warn("dropping malformed frame")
		return
	}
	evt, ok, err := c.opts.Decode(env.Event, env.Data)
	if err != nil {
		c.logger.Warn("dropping bad payload", zap.String("event", env.Event), zap.Error(err))
		return
	}
	if !ok {
		return
	}
	c.bus.Publish(evt)
}

func (c *Channel) send(ctx context.Context, event string, payload any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("channel %s: not connected", c.opts.Name)
	}
	data, err := json.Marshal(envelope{Event: event, Data: mustRaw(payload)})
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func (c *Channel) dialOptions() *websocket.DialOptions {
	if c.opts.Token == "" {
		return nil
	}
	return &websocket.DialOptions{
		HTTPHeader: map[string][]string{
			"Authorization": {"Bearer " + c.opts.Token},
		},
	}
}

func (c *Channel) waitRetry(ctx context.Context) bool {
	if !c.recon.shouldReconnect() {
		c.logger.Error("reconnect attempts exhausted")
		if c.machine.Current() != status.Disconnected {
			_ = c.machine.Transition(status.Disconnected)
		}
		return false
	}
	delay := c.recon.nextDelay()
	c.logger.Info("reconnecting", zap.Duration("delay", delay))
	select {
	case <-time.After(delay):
		return true
	case <-ctx.Done():
		return false
	}
}

func mustRaw(payload any) json.RawMessage {
	data, err := json.Marshal(payload)
	if err != nil {
		return json.RawMessage("{}")
	}
	return data
}
