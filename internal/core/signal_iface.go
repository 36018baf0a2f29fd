package core

import (
	"errors"
	"time"

	"github.com/dkeye/RoomScan/internal/domain"
)

var (
	ErrBackpressure         = errors.New("backpressure")
	ErrConnClosed           = errors.New("connection closed")
	ErrAlreadyAuthenticated = errors.New("connection already authenticated")
)

// Close codes sent with the websocket close frame.
const (
	CloseGoingAway         = 1001
	CloseProtocolViolation = 1008
	CloseSuperseded        = 4000
	ClosePongTimeout       = 4001
	CloseSlowViewer        = 4002
)

// Frame is a raw binary payload (one encoded preview image).
type Frame []byte

// Outbound is one message queued for a peer. Binary frames travel as-is,
// text frames carry an encoded protocol message.
type Outbound struct {
	Binary bool
	Data   []byte
}

func Text(b []byte) Outbound  { return Outbound{Data: b} }
func Binary(f Frame) Outbound { return Outbound{Binary: true, Data: f} }

// Peer is one open relay connection.
// Owned by the adapter; the adapter must Close() it.
type Peer interface {
	ID() string
	Role() domain.Role
	Token() domain.Token
	// Authenticate moves an unauthenticated peer to role. It succeeds once.
	Authenticate(role domain.Role, token domain.Token) error

	ConnectedAt() time.Time
	LastPongAt() time.Time

	// TrySend never blocks: a full queue returns ErrBackpressure.
	TrySend(Outbound) error
	Ping() error
	CloseWith(code int, reason string)
	Closed() bool
}
