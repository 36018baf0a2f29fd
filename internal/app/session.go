package app

import (
	"sync"

	"github.com/dkeye/RoomScan/internal/core"
	"github.com/dkeye/RoomScan/internal/domain"
	"github.com/rs/zerolog/log"
)

// PublishResult reports one fan-out.
type PublishResult struct {
	SentTo  int
	Dropped []core.Peer
	Kicked  []core.Peer
}

// Session is the set of connections sharing one token:
// at most one producer and any number of viewers.
// All fields are guarded by mu.
type Session struct {
	token    domain.Token
	mu       sync.Mutex
	producer core.Peer
	viewers  map[core.Peer]struct{}
	// dead is set once the session is removed from the registry.
	dead bool
}

func newSession(token domain.Token) *Session {
	return &Session{token: token, viewers: make(map[core.Peer]struct{})}
}

func (s *Session) emptyLocked() bool {
	return s.producer == nil && len(s.viewers) == 0
}

// broadcastLocked sends out to every viewer without blocking.
func (s *Session) broadcastLocked(out core.Outbound, policy Policy) PublishResult {
	res := PublishResult{}
	for v := range s.viewers {
		err := v.TrySend(out)
		if err == nil {
			res.SentTo++
			continue
		}
		res.Dropped = append(res.Dropped, v)
		if policy != nil && policy.OnBackPressure(v) == KickMember {
			v.CloseWith(core.CloseSlowViewer, "slow viewer")
			delete(s.viewers, v)
			res.Kicked = append(res.Kicked, v)
		}
	}
	if len(res.Dropped) > 0 {
		log.Debug().
			Str("module", "app.session").
			Str("token", s.token.Short()).
			Int("sent_to", res.SentTo).
			Int("dropped", len(res.Dropped)).
			Int("kicked", len(res.Kicked)).
			Msg("fan-out backpressure")
	}
	return res
}
