package app

import (
	"context"
	"sync"
	"time"

	"github.com/dkeye/RoomScan/internal/core"
	"github.com/dkeye/RoomScan/internal/metrics"
	"github.com/rs/zerolog/log"
)

type LivenessConfig struct {
	Tick        time.Duration
	Grace       time.Duration
	PongTimeout time.Duration
}

func DefaultLiveness() LivenessConfig {
	return LivenessConfig{Tick: 30 * time.Second, Grace: 60 * time.Second, PongTimeout: 45 * time.Second}
}

// Monitor pings tracked connections every tick and evicts the ones whose
// last pong is older than PongTimeout. Connections younger than Grace
// are only pinged.
type Monitor struct {
	cfg     LivenessConfig
	metrics *metrics.Metrics
	onEvict func(core.Peer)

	mu    sync.Mutex
	peers map[core.Peer]struct{}
}

func NewMonitor(cfg LivenessConfig, m *metrics.Metrics, onEvict func(core.Peer)) *Monitor {
	def := DefaultLiveness()
	if cfg.Tick <= 0 {
		cfg.Tick = def.Tick
	}
	if cfg.Grace < 0 {
		cfg.Grace = def.Grace
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = def.PongTimeout
	}
	if m == nil {
		m = metrics.New()
	}
	return &Monitor{cfg: cfg, metrics: m, onEvict: onEvict, peers: make(map[core.Peer]struct{})}
}

func (m *Monitor) Track(p core.Peer) {
	m.mu.Lock()
	m.peers[p] = struct{}{}
	m.mu.Unlock()
}

func (m *Monitor) Untrack(p core.Peer) {
	m.mu.Lock()
	delete(m.peers, p)
	m.mu.Unlock()
}

func (m *Monitor) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.peers)
}

// Sweep runs one liveness pass at now and returns the evicted peers.
func (m *Monitor) Sweep(now time.Time) []core.Peer {
	m.mu.Lock()
	snapshot := make([]core.Peer, 0, len(m.peers))
	for p := range m.peers {
		snapshot = append(snapshot, p)
	}
	m.mu.Unlock()

	var evicted []core.Peer
	for _, p := range snapshot {
		if p.Closed() {
			m.Untrack(p)
			continue
		}
		inGrace := now.Sub(p.ConnectedAt()) <= m.cfg.Grace
		if !inGrace && now.Sub(p.LastPongAt()) > m.cfg.PongTimeout {
			m.evict(p, now)
			evicted = append(evicted, p)
			continue
		}
		if err := p.Ping(); err != nil {
			log.Debug().Err(err).Str("module", "app.liveness").Str("conn", p.ID()).Msg("ping failed")
		}
	}
	return evicted
}

func (m *Monitor) evict(p core.Peer, now time.Time) {
	log.Info().
		Str("module", "app.liveness").
		Str("conn", p.ID()).
		Str("role", p.Role().String()).
		Dur("since_pong", now.Sub(p.LastPongAt())).
		Msg("pong timeout, evicting")
	m.Untrack(p)
	p.CloseWith(core.ClosePongTimeout, "pong timeout")
	m.metrics.Incr(metrics.Evictions, 1)
	if m.onEvict != nil {
		m.onEvict(p)
	}
}

// Run sweeps every tick until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.Tick)
	defer ticker.Stop()
	log.Info().Str("module", "app.liveness").Dur("tick", m.cfg.Tick).Msg("liveness monitor started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			m.Sweep(now)
		}
	}
}
