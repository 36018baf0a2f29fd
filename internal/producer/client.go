// Package producer is the capture-side half of the relay protocol: the
// reconnecting websocket client and the adaptive frame governor.
package producer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/RoomScan/internal/domain"
	"github.com/dkeye/RoomScan/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var (
	ErrHandshakeTimeout   = errors.New("producer: hello_ack timeout")
	ErrNotConnected       = errors.New("producer: not connected")
	ErrSendBusy           = errors.New("producer: send in progress")
	ErrReconnectExhausted = errors.New("producer: reconnect attempts exhausted")
	ErrSuperseded         = errors.New("producer: connect superseded")
)

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateConnected
	StateReconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Conn is the part of *websocket.Conn the client uses.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	ReadMessage() (messageType int, p []byte, err error)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

type Dialer func(ctx context.Context, url string) (Conn, error)

func WebsocketDialer(d *websocket.Dialer) Dialer {
	if d == nil {
		d = websocket.DefaultDialer
	}
	return func(ctx context.Context, url string) (Conn, error) {
		ws, _, err := d.DialContext(ctx, url, nil)
		if err != nil {
			return nil, err
		}
		return ws, nil
	}
}

type ClientConfig struct {
	URL              string
	Token            domain.Token
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	AutoReconnect    bool
	Backoff          BackoffConfig
}

type stopper interface{ Stop() bool }

// Client keeps one producer connection to the relay. Every Connect and
// Disconnect starts a new generation; timers and read loops from older
// generations become no-ops.
type Client struct {
	cfg    ClientConfig
	dial   Dialer
	logger zerolog.Logger

	mu          sync.Mutex
	state       State
	conn        Conn
	gen         uint64
	attempts    int
	timer       stopper
	onConnected func()

	writeMu  sync.Mutex
	sending  atomic.Bool
	controls chan protocol.Control

	afterFunc func(time.Duration, func()) stopper
}

func NewClient(cfg ClientConfig, dial Dialer, logger zerolog.Logger) *Client {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 5 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if dial == nil {
		dial = WebsocketDialer(nil)
	}
	return &Client{
		cfg:      cfg,
		dial:     dial,
		logger:   logger.With().Str("module", "producer.client").Logger(),
		controls: make(chan protocol.Control, 8),
		afterFunc: func(d time.Duration, f func()) stopper {
			return time.AfterFunc(d, f)
		},
	}
}

// OnConnected registers fn to run after every successful handshake.
func (c *Client) OnConnected(fn func()) {
	c.mu.Lock()
	c.onConnected = fn
	c.mu.Unlock()
}

// Controls delivers start/stop commands from viewers.
func (c *Client) Controls() <-chan protocol.Control { return c.controls }

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) Connected() bool { return c.State() == StateConnected }

// CanAcceptFrame reports whether a frame send could start now.
func (c *Client) CanAcceptFrame() bool {
	return c.Connected() && !c.sending.Load()
}

// Connect dials and performs the hello handshake. It cancels any pending
// reconnect and resets the attempt counter.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	c.stopTimerLocked()
	c.closeConnLocked()
	c.gen++
	gen := c.gen
	c.attempts = 0
	c.mu.Unlock()

	err := c.establish(ctx, gen)
	if err != nil {
		c.mu.Lock()
		if c.gen == gen {
			c.state = StateDisconnected
		}
		c.mu.Unlock()
		c.logger.Warn().Err(err).Str("url", c.cfg.URL).Msg("connect failed")
	}
	return err
}

// Disconnect closes the connection and cancels any pending reconnect.
func (c *Client) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	c.stopTimerLocked()
	c.closeConnLocked()
	c.state = StateDisconnected
	c.logger.Info().Msg("disconnected")
}

func (c *Client) setStateIf(gen uint64, s State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		return false
	}
	c.state = s
	return true
}

func (c *Client) establish(ctx context.Context, gen uint64) error {
	if !c.setStateIf(gen, StateConnecting) {
		return ErrSuperseded
	}
	conn, err := c.dial(ctx, c.cfg.URL)
	if err != nil {
		return fmt.Errorf("producer: dial: %w", err)
	}
	if !c.setStateIf(gen, StateAuthenticating) {
		_ = conn.Close()
		return ErrSuperseded
	}
	if err := c.handshake(conn); err != nil {
		_ = conn.Close()
		return err
	}

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		_ = conn.Close()
		return ErrSuperseded
	}
	c.conn = conn
	c.state = StateConnected
	c.attempts = 0
	onConnected := c.onConnected
	c.mu.Unlock()

	c.logger.Info().Str("url", c.cfg.URL).Str("token", c.cfg.Token.Short()).Msg("connected")
	if onConnected != nil {
		onConnected()
	}
	go c.readLoop(conn, gen)
	return nil
}

func (c *Client) handshake(conn Conn) error {
	hello := protocol.Hello{Role: string(domain.RoleProducer), Token: string(c.cfg.Token)}
	if err := c.write(conn, websocket.TextMessage, protocol.MustEncode(hello)); err != nil {
		return fmt.Errorf("producer: send hello: %w", err)
	}
	if err := conn.SetReadDeadline(time.Now().Add(c.cfg.HandshakeTimeout)); err != nil {
		return err
	}
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return ErrHandshakeTimeout
			}
			return fmt.Errorf("producer: await hello_ack: %w", err)
		}
		if mt != websocket.TextMessage {
			continue
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			continue
		}
		if _, ok := msg.(protocol.HelloAck); ok {
			return conn.SetReadDeadline(time.Time{})
		}
	}
}

func (c *Client) readLoop(conn Conn, gen uint64) {
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			c.handleDrop(gen, err)
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			c.logger.Debug().Err(err).Msg("ignoring malformed message")
			continue
		}
		switch m := msg.(type) {
		case protocol.Control:
			select {
			case c.controls <- m:
			default:
				c.logger.Warn().Str("action", string(m.Action)).Msg("control queue full, dropping")
			}
		default:
			c.logger.Debug().Str("type", string(msg.Kind())).Msg("ignoring message")
		}
	}
}

func (c *Client) handleDrop(gen uint64, cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen || c.state != StateConnected {
		return
	}
	c.closeConnLocked()
	c.logger.Warn().Err(cause).Msg("connection lost")
	if !c.cfg.AutoReconnect {
		c.state = StateDisconnected
		return
	}
	c.scheduleLocked(gen)
}

func (c *Client) scheduleLocked(gen uint64) {
	if c.attempts >= c.cfg.Backoff.MaxAttempts {
		c.state = StateFailed
		c.logger.Error().Int("attempts", c.attempts).Msg("giving up reconnecting")
		return
	}
	delay := NextDelay(c.cfg.Backoff, c.attempts)
	c.attempts++
	c.state = StateReconnecting
	c.logger.Info().Int("attempt", c.attempts).Dur("delay", delay).Msg("reconnect scheduled")
	c.timer = c.afterFunc(delay, func() { c.reconnect(gen) })
}

func (c *Client) reconnect(gen uint64) {
	c.mu.Lock()
	if c.gen != gen || c.state != StateReconnecting {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.HandshakeTimeout)
	defer cancel()
	err := c.establish(ctx, gen)
	if err == nil {
		return
	}
	c.logger.Warn().Err(err).Msg("reconnect failed")

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen == gen {
		c.scheduleLocked(gen)
	}
}

func (c *Client) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Client) closeConnLocked() {
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

func (c *Client) write(conn Conn, mt int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
		return err
	}
	return conn.WriteMessage(mt, data)
}

func (c *Client) current() (Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.state == StateFailed:
		return nil, ErrReconnectExhausted
	case c.state != StateConnected || c.conn == nil:
		return nil, ErrNotConnected
	}
	return c.conn, nil
}

// SendFrame writes one binary frame. Only one frame send runs at a time;
// a concurrent call returns ErrSendBusy.
func (c *Client) SendFrame(data []byte) error {
	conn, err := c.current()
	if err != nil {
		return err
	}
	if !c.sending.CompareAndSwap(false, true) {
		return ErrSendBusy
	}
	defer c.sending.Store(false)
	if err := c.write(conn, websocket.BinaryMessage, data); err != nil {
		c.logger.Debug().Err(err).Msg("frame send failed")
		return fmt.Errorf("producer: send frame: %w", err)
	}
	return nil
}

// SendMessage writes one protocol message as a text frame.
func (c *Client) SendMessage(m protocol.Message) error {
	conn, err := c.current()
	if err != nil {
		return err
	}
	data, err := protocol.Encode(m)
	if err != nil {
		return err
	}
	if err := c.write(conn, websocket.TextMessage, data); err != nil {
		return fmt.Errorf("producer: send %s: %w", m.Kind(), err)
	}
	return nil
}
