package producer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/RoomScan/internal/domain"
	"github.com/dkeye/RoomScan/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const token = domain.Token("0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef")

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var errConnClosed = errors.New("use of closed connection")

type written struct {
	mt   int
	data []byte
}

// fakeConn answers hello with hello_ack when ack is set.
type fakeConn struct {
	ack     bool
	inbound chan []byte
	done    chan struct{}
	once    sync.Once

	mu       sync.Mutex
	deadline time.Time
	writes   []written
}

func newFakeConn(ack bool) *fakeConn {
	return &fakeConn{ack: ack, inbound: make(chan []byte, 16), done: make(chan struct{})}
}

func (c *fakeConn) WriteMessage(mt int, data []byte) error {
	select {
	case <-c.done:
		return errConnClosed
	default:
	}
	c.mu.Lock()
	c.writes = append(c.writes, written{mt, append([]byte(nil), data...)})
	c.mu.Unlock()
	if c.ack && mt == websocket.TextMessage {
		if msg, err := protocol.Decode(data); err == nil {
			if h, ok := msg.(protocol.Hello); ok {
				c.inbound <- protocol.MustEncode(protocol.HelloAck{Role: h.Role, Token: h.Token})
			}
		}
	}
	return nil
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	c.mu.Lock()
	dl := c.deadline
	c.mu.Unlock()
	var timeout <-chan time.Time
	if !dl.IsZero() {
		timer := time.NewTimer(time.Until(dl))
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case data := <-c.inbound:
		return websocket.TextMessage, data, nil
	case <-c.done:
		return 0, nil, errConnClosed
	case <-timeout:
		return 0, nil, timeoutErr{}
	}
}

func (c *fakeConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	c.deadline = t
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *fakeConn) Writes() []written {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]written(nil), c.writes...)
}

type fakeDialer struct {
	mu    sync.Mutex
	ack   bool
	fail  bool
	dials int
	conns []*fakeConn
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.fail {
		return nil, errors.New("connection refused")
	}
	c := newFakeConn(d.ack)
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) set(fn func(d *fakeDialer)) {
	d.mu.Lock()
	fn(d)
	d.mu.Unlock()
}

func (d *fakeDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) Conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[i]
}

// manualTimers records scheduled reconnects instead of running them.
type manualTimers struct {
	mu      sync.Mutex
	delays  []time.Duration
	fns     []func()
	stopped int
}

type manualTimer struct{ m *manualTimers }

func (t manualTimer) Stop() bool {
	t.m.mu.Lock()
	t.m.stopped++
	t.m.mu.Unlock()
	return true
}

func (m *manualTimers) after(d time.Duration, f func()) stopper {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delays = append(m.delays, d)
	m.fns = append(m.fns, f)
	return manualTimer{m}
}

func (m *manualTimers) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.fns)
}

func (m *manualTimers) fire(i int) {
	m.mu.Lock()
	f := m.fns[i]
	m.mu.Unlock()
	f()
}

func newTestClient(d *fakeDialer, auto bool) (*Client, *manualTimers) {
	c := NewClient(ClientConfig{
		URL:              "ws://relay/ws",
		Token:            token,
		HandshakeTimeout: 100 * time.Millisecond,
		AutoReconnect:    auto,
		Backoff:          BackoffConfig{InitialDelay: 100 * time.Millisecond, MaxDelay: 250 * time.Millisecond, MaxAttempts: 3},
	}, d.Dial, zerolog.Nop())
	timers := &manualTimers{}
	c.afterFunc = timers.after
	return c, timers
}

func TestConnectHandshake(t *testing.T) {
	d := &fakeDialer{ack: true}
	c, _ := newTestClient(d, false)
	connected := 0
	c.OnConnected(func() { connected++ })

	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, StateConnected, c.State())
	assert.Equal(t, 1, connected)
	assert.True(t, c.CanAcceptFrame())

	w := d.Conn(0).Writes()
	require.Len(t, w, 1)
	assert.JSONEq(t, `{"type":"hello","role":"producer","token":"`+string(token)+`"}`, string(w[0].data))
}

func TestConnectHandshakeTimeout(t *testing.T) {
	d := &fakeDialer{ack: false}
	c, _ := newTestClient(d, true)

	err := c.Connect(context.Background())
	assert.ErrorIs(t, err, ErrHandshakeTimeout)
	assert.Equal(t, StateDisconnected, c.State())
	assert.ErrorIs(t, c.SendFrame([]byte{1}), ErrNotConnected)
}

func TestConnectDialFailure(t *testing.T) {
	d := &fakeDialer{fail: true}
	c, timers := newTestClient(d, true)

	assert.Error(t, c.Connect(context.Background()))
	assert.Equal(t, StateDisconnected, c.State())
	assert.Equal(t, 0, timers.Len(), "explicit connect failures are reported, not retried")
}

func TestDropWithoutAutoReconnect(t *testing.T) {
	d := &fakeDialer{ack: true}
	c, timers := newTestClient(d, false)
	require.NoError(t, c.Connect(context.Background()))

	_ = d.Conn(0).Close()
	require.Eventually(t, func() bool { return c.State() == StateDisconnected }, time.Second, time.Millisecond)
	assert.Equal(t, 0, timers.Len())
}

func TestReconnectExhausted(t *testing.T) {
	d := &fakeDialer{ack: true}
	c, timers := newTestClient(d, true)
	require.NoError(t, c.Connect(context.Background()))

	d.set(func(d *fakeDialer) { d.fail = true })
	_ = d.Conn(0).Close()
	require.Eventually(t, func() bool { return timers.Len() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, StateReconnecting, c.State())

	for i := 0; i < 3; i++ {
		timers.fire(i)
	}
	assert.Equal(t, StateFailed, c.State())
	assert.Equal(t, 3, timers.Len(), "no attempt after max attempts")
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 250 * time.Millisecond}, timers.delays)
	assert.Equal(t, 4, d.Dials())
	assert.ErrorIs(t, c.SendFrame([]byte{1}), ErrReconnectExhausted)

	d.set(func(d *fakeDialer) { d.fail = false })
	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, StateConnected, c.State())
}

func TestReconnectSucceedsAndResets(t *testing.T) {
	d := &fakeDialer{ack: true}
	c, timers := newTestClient(d, true)
	connected := 0
	c.OnConnected(func() { connected++ })
	require.NoError(t, c.Connect(context.Background()))

	_ = d.Conn(0).Close()
	require.Eventually(t, func() bool { return timers.Len() == 1 }, time.Second, time.Millisecond)
	timers.fire(0)
	assert.Equal(t, StateConnected, c.State())
	assert.Equal(t, 2, connected)

	// attempts start over
	_ = d.Conn(1).Close()
	require.Eventually(t, func() bool { return timers.Len() == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, 100*time.Millisecond, timers.delays[1])
}

func TestDisconnectCancelsPendingReconnect(t *testing.T) {
	d := &fakeDialer{ack: true}
	c, timers := newTestClient(d, true)
	require.NoError(t, c.Connect(context.Background()))

	_ = d.Conn(0).Close()
	require.Eventually(t, func() bool { return timers.Len() == 1 }, time.Second, time.Millisecond)

	c.Disconnect()
	assert.Equal(t, StateDisconnected, c.State())
	assert.Equal(t, 1, timers.stopped)

	// a timer that already fired must not resurrect the connection
	timers.fire(0)
	assert.Equal(t, StateDisconnected, c.State())
	assert.Equal(t, 1, d.Dials())
}

func TestControlsDelivered(t *testing.T) {
	d := &fakeDialer{ack: true}
	c, _ := newTestClient(d, false)
	require.NoError(t, c.Connect(context.Background()))

	d.Conn(0).inbound <- []byte(`{"type":"status","value":"ignored"}`)
	d.Conn(0).inbound <- []byte(`{"type":"control","action":"stop"}`)
	select {
	case ctl := <-c.Controls():
		assert.Equal(t, protocol.ActionStop, ctl.Action)
	case <-time.After(time.Second):
		t.Fatal("control not delivered")
	}
}

func TestSendFrameAndMessage(t *testing.T) {
	d := &fakeDialer{ack: true}
	c, _ := newTestClient(d, false)
	require.NoError(t, c.Connect(context.Background()))

	require.NoError(t, c.SendFrame([]byte{0xff, 0xd8}))
	scanning := true
	require.NoError(t, c.SendMessage(protocol.Status{Scanning: &scanning}))

	w := d.Conn(0).Writes()
	require.Len(t, w, 3)
	assert.Equal(t, websocket.BinaryMessage, w[1].mt)
	assert.Equal(t, []byte{0xff, 0xd8}, w[1].data)
	assert.JSONEq(t, `{"type":"status","scanning":true}`, string(w[2].data))
}
