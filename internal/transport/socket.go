// Package transport maintains the bidirectional socket to the server: it
// delivers update envelopes and ephemeral signals inbound, and carries
// events, acks and pings outbound.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"

	"happy-sync/internal/socketio"
	"happy-sync/internal/wire"
)

const (
	writeWait      = 10 * time.Second
	maxPayload     = 1024 * 1024
	defaultAckWait = 15 * time.Second
)

var (
	ErrNotConnected = errors.New("socket not connected")
	ErrAckTimeout   = errors.New("ack timeout")
)

// Status events fed to the connection state machine.
type Status string

const (
	StatusConnect     Status = "connect"
	StatusDisconnect  Status = "disconnect"
	StatusFailure     Status = "failure"
	StatusReconnected Status = "reconnected"
)

// Handlers receive inbound traffic. All callbacks are invoked from the
// client's read goroutine, one at a time.
type Handlers struct {
	OnUpdate    func(env wire.Envelope)
	OnEphemeral func(e wire.Ephemeral)
	OnStatus    func(s Status)
}

type Config struct {
	ServerURL string // ws(s)://host[:port]
	Token     string
	Log       *slog.Logger
}

type Client struct {
	cfg Config
	log *slog.Logger
	h   Handlers

	mu        sync.Mutex
	ws        *websocket.Conn
	connected bool
	wasOnline bool
	nextAckID int
	acks      map[int]chan []json.RawMessage

	closed chan struct{}
	once   sync.Once
}

func NewClient(cfg Config, h Handlers) *Client {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		cfg:    cfg,
		log:    log.With("component", "transport"),
		h:      h,
		acks:   make(map[int]chan []json.RawMessage),
		closed: make(chan struct{}),
	}
}

// Run dials and re-dials the server until ctx is cancelled or Close is
// called. Reconnect delay grows exponentially and resets after a successful
// session.
func (c *Client) Run(ctx context.Context) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 30 * time.Second

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closed:
			return
		default:
		}

		err := c.runOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			c.log.Warn("socket session ended", "err", err)
			c.emitStatus(StatusFailure)
		} else {
			c.emitStatus(StatusDisconnect)
		}

		delay := bo.NextBackOff()
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		case <-c.closed:
			return
		}
	}
}

func (c *Client) runOnce(ctx context.Context) error {
	u, err := url.Parse(c.cfg.ServerURL)
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = "/v1/updates"
	q := u.Query()
	q.Set("token", c.cfg.Token)
	u.RawQuery = q.Encode()

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	ws, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return err
	}
	ws.SetReadLimit(maxPayload)

	// engine.io open packet first, then the namespace connect exchange.
	frame, err := readText(ws)
	if err != nil {
		ws.Close()
		return err
	}
	pt, payload, err := socketio.SplitEnginePacket(frame)
	if err != nil || pt != socketio.EngineOpen {
		ws.Close()
		return errors.New("expected engine open packet")
	}
	hs, err := socketio.ParseHandshake(payload)
	if err != nil {
		ws.Close()
		return err
	}

	c.mu.Lock()
	c.ws = ws
	c.mu.Unlock()

	if err := c.writeFrame(socketio.BuildConnect("/")); err != nil {
		c.teardown(ws)
		return err
	}

	c.log.Info("socket connected", "sid", hs.SID)
	c.mu.Lock()
	c.connected = true
	reconnected := c.wasOnline
	c.wasOnline = true
	c.mu.Unlock()

	c.emitStatus(StatusConnect)
	if reconnected {
		c.emitStatus(StatusReconnected)
	}

	err = c.readLoop(ws)
	c.teardown(ws)
	return err
}

func (c *Client) readLoop(ws *websocket.Conn) error {
	for {
		frame, err := readText(ws)
		if err != nil {
			return err
		}
		pt, payload, err := socketio.SplitEnginePacket(frame)
		if err != nil {
			c.log.Warn("dropping unparseable frame", "err", err)
			continue
		}
		switch pt {
		case socketio.EnginePing:
			if err := c.writeFrame(socketio.BuildPong()); err != nil {
				return err
			}
		case socketio.EngineClose:
			return nil
		case socketio.EngineMessage:
			c.handleMessage(payload)
		}
	}
}

func (c *Client) handleMessage(payload string) {
	msg, err := socketio.ParseMessage(payload)
	if err != nil {
		c.log.Warn("dropping unparseable packet", "err", err)
		return
	}
	switch {
	case msg.Ack != nil:
		c.mu.Lock()
		ch, ok := c.acks[msg.Ack.ID]
		if ok {
			delete(c.acks, msg.Ack.ID)
		}
		c.mu.Unlock()
		if ok {
			ch <- msg.Ack.Args
		}
	case msg.Event != nil:
		c.handleEvent(msg.Event)
	}
}

func (c *Client) handleEvent(ev *socketio.EventPacket) {
	if len(ev.Args) == 0 {
		return
	}
	switch ev.Event {
	case "update":
		env, err := wire.DecodeEnvelope(ev.Args[0])
		if err != nil {
			c.log.Warn("dropping malformed update", "err", err)
			return
		}
		if c.h.OnUpdate != nil {
			c.h.OnUpdate(env)
		}
	case "ephemeral":
		e, err := wire.DecodeEphemeral(ev.Args[0])
		if err != nil {
			c.log.Warn("dropping malformed ephemeral", "err", err)
			return
		}
		if c.h.OnEphemeral != nil {
			c.h.OnEphemeral(e)
		}
	default:
		c.log.Debug("ignoring event", "event", ev.Event)
	}
}

// Emit sends a fire-and-forget event.
func (c *Client) Emit(event string, args ...any) error {
	frame, err := socketio.BuildEvent("/", nil, event, args...)
	if err != nil {
		return err
	}
	return c.writeFrame(frame)
}

// EmitWithAck sends an event and waits for the server's ack.
func (c *Client) EmitWithAck(ctx context.Context, event string, args ...any) ([]json.RawMessage, error) {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	c.nextAckID++
	id := c.nextAckID
	ch := make(chan []json.RawMessage, 1)
	c.acks[id] = ch
	c.mu.Unlock()

	frame, err := socketio.BuildEvent("/", &id, event, args...)
	if err == nil {
		err = c.writeFrame(frame)
	}
	if err != nil {
		c.mu.Lock()
		delete(c.acks, id)
		c.mu.Unlock()
		return nil, err
	}

	timer := time.NewTimer(defaultAckWait)
	defer timer.Stop()
	select {
	case resp := <-ch:
		return resp, nil
	case <-timer.C:
	case <-ctx.Done():
	}

	c.mu.Lock()
	delete(c.acks, id)
	c.mu.Unlock()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return nil, ErrAckTimeout
}

// Ping measures round-trip time to the server. It is the primitive the
// health monitor's heartbeat is built on.
func (c *Client) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	_, err := c.EmitWithAck(ctx, "ping", map[string]int64{"timestamp": start.UnixMilli()})
	if err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

// Connected reports whether a socket session is currently established.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Close tears the client down permanently.
func (c *Client) Close() {
	c.once.Do(func() { close(c.closed) })
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws != nil {
		_ = ws.Close()
	}
}

func (c *Client) teardown(ws *websocket.Conn) {
	_ = ws.Close()
	c.mu.Lock()
	c.connected = false
	c.ws = nil
	// Outstanding ack waiters run out their own timeouts.
	c.acks = make(map[int]chan []json.RawMessage)
	c.mu.Unlock()
}

func (c *Client) writeFrame(frame string) error {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return ErrNotConnected
	}
	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	return ws.WriteMessage(websocket.TextMessage, []byte(frame))
}

func (c *Client) emitStatus(s Status) {
	if c.h.OnStatus != nil {
		c.h.OnStatus(s)
	}
}

func readText(ws *websocket.Conn) (string, error) {
	for {
		mt, data, err := ws.ReadMessage()
		if err != nil {
			return "", err
		}
		if mt == websocket.TextMessage {
			return string(data), nil
		}
	}
}
