// Package coretest provides an in-memory core.Peer for tests.
package coretest

import (
	"sync"
	"time"

	"github.com/dkeye/RoomScan/internal/core"
	"github.com/dkeye/RoomScan/internal/domain"
)

type Peer struct {
	mu          sync.Mutex
	id          string
	role        domain.Role
	token       domain.Token
	connectedAt time.Time
	lastPong    time.Time
	sent        []core.Outbound
	full        bool
	pings       int
	pingErr     error
	closed      bool
	closeCode   int
	closeReason string
}

// NewPeer returns an unauthenticated peer whose last pong equals connectedAt.
func NewPeer(id string, connectedAt time.Time) *Peer {
	return &Peer{id: id, connectedAt: connectedAt, lastPong: connectedAt}
}

// NewAuthed is NewPeer followed by a successful Authenticate.
func NewAuthed(id string, role domain.Role, token domain.Token, connectedAt time.Time) *Peer {
	p := NewPeer(id, connectedAt)
	_ = p.Authenticate(role, token)
	return p
}

func (p *Peer) ID() string { return p.id }

func (p *Peer) Role() domain.Role {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.role
}

func (p *Peer) Token() domain.Token {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.token
}

func (p *Peer) Authenticate(role domain.Role, token domain.Token) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.role != domain.RoleUnauthenticated {
		return core.ErrAlreadyAuthenticated
	}
	p.role, p.token = role, token
	return nil
}

func (p *Peer) ConnectedAt() time.Time { return p.connectedAt }

func (p *Peer) LastPongAt() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastPong
}

func (p *Peer) SetLastPong(t time.Time) {
	p.mu.Lock()
	p.lastPong = t
	p.mu.Unlock()
}

func (p *Peer) TrySend(out core.Outbound) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return core.ErrConnClosed
	}
	if p.full {
		return core.ErrBackpressure
	}
	p.sent = append(p.sent, out)
	return nil
}

func (p *Peer) Ping() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return core.ErrConnClosed
	}
	p.pings++
	return p.pingErr
}

func (p *Peer) CloseWith(code int, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	p.closeCode, p.closeReason = code, reason
}

func (p *Peer) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// SetFull makes TrySend report backpressure.
func (p *Peer) SetFull(full bool) {
	p.mu.Lock()
	p.full = full
	p.mu.Unlock()
}

func (p *Peer) SetPingErr(err error) {
	p.mu.Lock()
	p.pingErr = err
	p.mu.Unlock()
}

func (p *Peer) Pings() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pings
}

func (p *Peer) CloseCode() (int, string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closeCode, p.closeReason
}

func (p *Peer) Sent() []core.Outbound {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]core.Outbound(nil), p.sent...)
}

// Texts returns the text messages received so far, in order.
func (p *Peer) Texts() []string {
	var out []string
	for _, m := range p.Sent() {
		if !m.Binary {
			out = append(out, string(m.Data))
		}
	}
	return out
}

func (p *Peer) Binaries() [][]byte {
	var out [][]byte
	for _, m := range p.Sent() {
		if m.Binary {
			out = append(out, m.Data)
		}
	}
	return out
}

func (p *Peer) Reset() {
	p.mu.Lock()
	p.sent = nil
	p.mu.Unlock()
}
