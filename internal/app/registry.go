package app

import (
	"errors"
	"sync"
	"time"

	"github.com/dkeye/RoomScan/internal/core"
	"github.com/dkeye/RoomScan/internal/domain"
	"github.com/dkeye/RoomScan/internal/metrics"
	"github.com/dkeye/RoomScan/internal/protocol"
	"github.com/rs/zerolog/log"
)

var ErrNoProducer = errors.New("app: session has no producer")

// Registry maps tokens to live sessions. A session exists only while it
// has at least one member.
//
// Lock order is Registry.mu then Session.mu. Session work runs with only
// Session.mu held, so fan-out for one token never blocks another.
type Registry struct {
	mu       sync.Mutex
	sessions map[domain.Token]*Session
	policy   Policy
	metrics  *metrics.Metrics
	now      func() time.Time
}

func NewRegistry(policy Policy, m *metrics.Metrics) *Registry {
	if policy == nil {
		policy = SimplePolicy{Action: DropFrame}
	}
	if m == nil {
		m = metrics.New()
	}
	return &Registry{
		sessions: make(map[domain.Token]*Session),
		policy:   policy,
		metrics:  m,
		now:      time.Now,
	}
}

// withSession runs fn under the session lock. With create it makes the
// session if missing. It reports whether fn ran.
func (r *Registry) withSession(token domain.Token, create bool, fn func(s *Session)) bool {
	for {
		r.mu.Lock()
		s, ok := r.sessions[token]
		if !ok {
			if !create {
				r.mu.Unlock()
				return false
			}
			s = newSession(token)
			r.sessions[token] = s
			r.metrics.Incr(metrics.Sessions, 1)
			log.Info().Str("module", "app.registry").Str("token", token.Short()).Msg("session created")
		}
		r.mu.Unlock()

		s.mu.Lock()
		if s.dead {
			// reaped between lookup and lock; retry against the map
			s.mu.Unlock()
			continue
		}
		fn(s)
		s.mu.Unlock()
		return true
	}
}

func (r *Registry) reap(token domain.Token) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[token]
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dead || !s.emptyLocked() {
		return
	}
	s.dead = true
	delete(r.sessions, token)
	r.metrics.Decr(metrics.Sessions, 1)
	log.Info().Str("module", "app.registry").Str("token", token.Short()).Msg("session reaped")
}

func (r *Registry) phoneStatus(connected bool) core.Outbound {
	return core.Text(protocol.MustEncode(protocol.PhoneStatusEvent(connected, r.now())))
}

// AttachProducer installs p as the producer for its token. A previous
// producer is closed as superseded first. Viewers get phone_connected.
func (r *Registry) AttachProducer(p core.Peer) {
	token := p.Token()
	r.withSession(token, true, func(s *Session) {
		if old := s.producer; old != nil && old != p {
			old.CloseWith(core.CloseSuperseded, "superseded")
			log.Info().
				Str("module", "app.registry").
				Str("token", token.Short()).
				Str("old", old.ID()).
				Str("new", p.ID()).
				Msg("producer superseded")
		}
		s.producer = p
		s.broadcastLocked(r.phoneStatus(true), r.policy)
	})
	log.Info().Str("module", "app.registry").Str("token", token.Short()).Str("conn", p.ID()).Msg("producer attached")
}

// AttachViewer adds p and replays the current producer presence to it.
func (r *Registry) AttachViewer(p core.Peer) {
	token := p.Token()
	r.withSession(token, true, func(s *Session) {
		s.viewers[p] = struct{}{}
		if err := p.TrySend(r.phoneStatus(s.producer != nil)); err != nil {
			log.Debug().Err(err).Str("module", "app.registry").Str("conn", p.ID()).Msg("status replay failed")
		}
	})
	log.Info().Str("module", "app.registry").Str("token", token.Short()).Str("conn", p.ID()).Msg("viewer attached")
}

// Detach removes p from its session. Repeated calls are no-ops, and a
// producer that was already superseded does not touch the new one.
func (r *Registry) Detach(p core.Peer) {
	token := p.Token()
	if token == "" {
		return
	}
	removed := false
	ran := r.withSession(token, false, func(s *Session) {
		switch p.Role() {
		case domain.RoleProducer:
			if s.producer != p {
				return
			}
			s.producer = nil
			removed = true
			s.broadcastLocked(r.phoneStatus(false), r.policy)
		case domain.RoleViewer:
			if _, ok := s.viewers[p]; ok {
				delete(s.viewers, p)
				removed = true
			}
		}
	})
	if !ran {
		return
	}
	if removed {
		log.Info().
			Str("module", "app.registry").
			Str("token", token.Short()).
			Str("conn", p.ID()).
			Str("role", p.Role().String()).
			Msg("detached")
	}
	r.reap(token)
}

// FanOut delivers out to every viewer of token.
func (r *Registry) FanOut(token domain.Token, out core.Outbound) PublishResult {
	var res PublishResult
	r.withSession(token, false, func(s *Session) {
		res = s.broadcastLocked(out, r.policy)
	})
	if len(res.Kicked) > 0 {
		r.reap(token)
	}
	return res
}

// SendToProducer delivers out to the producer of token only.
func (r *Registry) SendToProducer(token domain.Token, out core.Outbound) error {
	err := ErrNoProducer
	r.withSession(token, false, func(s *Session) {
		if s.producer != nil {
			err = s.producer.TrySend(out)
		}
	})
	return err
}

// Info snapshots the membership of token.
func (r *Registry) Info(token domain.Token) (domain.SessionInfo, bool) {
	info := domain.SessionInfo{Token: token}
	ok := r.withSession(token, false, func(s *Session) {
		info.Producer = s.producer != nil
		info.Viewers = len(s.viewers)
	})
	return info, ok
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
