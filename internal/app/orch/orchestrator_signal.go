package orch

import (
	"errors"

	"github.com/dkeye/RoomScan/internal/app"
	"github.com/dkeye/RoomScan/internal/core"
	"github.com/dkeye/RoomScan/internal/domain"
	"github.com/dkeye/RoomScan/internal/metrics"
	"github.com/dkeye/RoomScan/internal/protocol"
	"github.com/rs/zerolog/log"
)

// HandleMessage routes one inbound websocket message from p.
func (o *Orchestrator) HandleMessage(p core.Peer, binary bool, data []byte) {
	if p.Closed() {
		return
	}
	switch p.Role() {
	case domain.RoleUnauthenticated:
		o.handleHello(p, binary, data)
	case domain.RoleProducer:
		o.handleProducer(p, binary, data)
	case domain.RoleViewer:
		o.handleViewer(p, binary, data)
	}
}

func (o *Orchestrator) handleHello(p core.Peer, binary bool, data []byte) {
	if binary {
		o.violation(p, "binary before hello")
		return
	}
	msg, err := protocol.Decode(data)
	if err != nil {
		o.violation(p, "malformed hello")
		return
	}
	hello, ok := msg.(protocol.Hello)
	if !ok {
		o.violation(p, "expected hello, got "+string(msg.Kind()))
		return
	}
	role, err := domain.ParseRole(hello.Role)
	if err != nil {
		o.violation(p, "invalid role")
		return
	}
	token, err := domain.ParseToken(hello.Token)
	if err != nil {
		o.violation(p, "invalid token")
		return
	}
	if err := p.Authenticate(role, token); err != nil {
		o.violation(p, err.Error())
		return
	}

	// ack goes out before attach so it precedes the status replay
	ack := protocol.HelloAck{Role: string(role), Token: string(token)}
	if err := p.TrySend(core.Text(protocol.MustEncode(ack))); err != nil {
		log.Warn().Err(err).Str("module", "orch").Str("conn", p.ID()).Msg("hello_ack not queued")
	}

	switch role {
	case domain.RoleProducer:
		o.Registry.AttachProducer(p)
	case domain.RoleViewer:
		o.Registry.AttachViewer(p)
	}
	log.Info().
		Str("module", "orch").
		Str("conn", p.ID()).
		Str("role", role.String()).
		Str("token", token.Short()).
		Msg("authenticated")
}

func (o *Orchestrator) handleProducer(p core.Peer, binary bool, data []byte) {
	if binary {
		res := o.Registry.FanOut(p.Token(), core.Binary(data))
		o.metrics().Incr(metrics.Frames, 1)
		if n := len(res.Dropped); n > 0 {
			o.metrics().Incr(metrics.FramesDropped, int64(n))
		}
		return
	}

	msg, err := protocol.Decode(data)
	if err != nil {
		if protocol.PeekType(data) == protocol.TypeHello {
			o.violation(p, "duplicate hello")
			return
		}
		log.Debug().Err(err).Str("module", "orch").Str("conn", p.ID()).Msg("dropping malformed producer message")
		return
	}
	if _, ok := msg.(protocol.Hello); ok {
		o.violation(p, "duplicate hello")
		return
	}
	if !protocol.ProducerRelayable(msg.Kind()) {
		log.Debug().
			Str("module", "orch").
			Str("conn", p.ID()).
			Str("type", string(msg.Kind())).
			Msg("dropping non-relayable producer message")
		return
	}
	o.Registry.FanOut(p.Token(), core.Text(data))
	o.metrics().Incr(metrics.JSONRelayed, 1)
}

func (o *Orchestrator) handleViewer(p core.Peer, binary bool, data []byte) {
	if binary {
		log.Debug().Str("module", "orch").Str("conn", p.ID()).Msg("dropping viewer binary")
		return
	}
	msg, err := protocol.Decode(data)
	if err != nil {
		if protocol.PeekType(data) == protocol.TypeHello {
			o.violation(p, "duplicate hello")
			return
		}
		log.Debug().Err(err).Str("module", "orch").Str("conn", p.ID()).Msg("dropping malformed viewer message")
		return
	}

	switch m := msg.(type) {
	case protocol.Hello:
		o.violation(p, "duplicate hello")
	case protocol.Control:
		if !m.Action.Valid() {
			log.Debug().Str("module", "orch").Str("action", string(m.Action)).Msg("dropping unknown control action")
			return
		}
		err := o.Registry.SendToProducer(p.Token(), core.Text(data))
		switch {
		case errors.Is(err, app.ErrNoProducer):
			log.Debug().Str("module", "orch").Str("token", p.Token().Short()).Msg("control without producer")
		case err != nil:
			log.Warn().Err(err).Str("module", "orch").Str("token", p.Token().Short()).Msg("control not delivered")
		default:
			o.metrics().Incr(metrics.ControlRelayed, 1)
		}
	default:
		log.Debug().
			Str("module", "orch").
			Str("conn", p.ID()).
			Str("type", string(msg.Kind())).
			Msg("dropping viewer message")
	}
}
