package signal

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/RoomScan/internal/app/orch"
	"github.com/dkeye/RoomScan/internal/core"
	"github.com/dkeye/RoomScan/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	writeWait         = 5 * time.Second
	defaultSendBuffer = 64
	defaultReadLimit  = 4 << 20
)

type SignalWSController struct {
	Orch       *orch.Orchestrator
	ReadLimit  int64
	SendBuffer int

	upgrader websocket.Upgrader
}

func NewSignalWSController(o *orch.Orchestrator, readLimit int64, sendBuffer int) *SignalWSController {
	if readLimit <= 0 {
		readLimit = defaultReadLimit
	}
	if sendBuffer <= 0 {
		sendBuffer = defaultSendBuffer
	}
	return &SignalWSController{
		Orch:       o,
		ReadLimit:  readLimit,
		SendBuffer: sendBuffer,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// WsConn is one relay socket. It implements core.Peer.
type WsConn struct {
	id          string
	conn        *websocket.Conn
	send        chan core.Outbound
	connectedAt time.Time
	lastPong    atomic.Int64

	mu          sync.RWMutex
	role        domain.Role
	token       domain.Token
	closed      bool
	closeCode   int
	closeReason string
}

func newWsConn(ws *websocket.Conn, buffer int) *WsConn {
	now := time.Now()
	c := &WsConn{
		id:          uuid.NewString(),
		conn:        ws,
		send:        make(chan core.Outbound, buffer),
		connectedAt: now,
	}
	c.lastPong.Store(now.UnixNano())
	ws.SetPongHandler(func(string) error {
		c.lastPong.Store(time.Now().UnixNano())
		return nil
	})
	return c
}

func (c *WsConn) ID() string { return c.id }

func (c *WsConn) Role() domain.Role {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.role
}

func (c *WsConn) Token() domain.Token {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

func (c *WsConn) Authenticate(role domain.Role, token domain.Token) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.role != domain.RoleUnauthenticated {
		return core.ErrAlreadyAuthenticated
	}
	c.role, c.token = role, token
	return nil
}

func (c *WsConn) ConnectedAt() time.Time { return c.connectedAt }

func (c *WsConn) LastPongAt() time.Time { return time.Unix(0, c.lastPong.Load()) }

func (c *WsConn) TrySend(out core.Outbound) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return core.ErrConnClosed
	}
	select {
	case c.send <- out:
		return nil
	default:
		return core.ErrBackpressure
	}
}

func (c *WsConn) Ping() error {
	if c.Closed() {
		return core.ErrConnClosed
	}
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// CloseWith stops accepting messages. The write pump flushes what is
// queued, then sends the close frame and drops the socket.
func (c *WsConn) CloseWith(code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.closeCode, c.closeReason = code, reason
	close(c.send)
}

func (c *WsConn) Closed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

func (c *WsConn) closeFrame() []byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return websocket.FormatCloseMessage(c.closeCode, c.closeReason)
}

func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	ws, err := ctl.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}
	ws.SetReadLimit(ctl.ReadLimit)

	conn := newWsConn(ws, ctl.SendBuffer)
	log.Info().Str("module", "signal").Str("conn", conn.ID()).Str("remote", c.ClientIP()).Msg("new WS connection")
	ctl.Orch.OnConnect(conn)

	go ctl.writePump(ctx, conn)
	go ctl.readPump(ctx, conn)
}
