package orch

import (
	"sync"
	"time"

	"github.com/dkeye/RoomScan/internal/app"
	"github.com/dkeye/RoomScan/internal/core"
	"github.com/dkeye/RoomScan/internal/domain"
	"github.com/dkeye/RoomScan/internal/metrics"
	"github.com/rs/zerolog/log"
)

// Orchestrator routes connection events and HTTP use cases onto the
// session registry.
type Orchestrator struct {
	Registry     *app.Registry
	Monitor      *app.Monitor
	Limiter      *app.ChunkLimiter
	Store        core.ChunkStore
	Recon        core.Reconstructor
	Metrics      *metrics.Metrics
	ReconTimeout time.Duration

	mu      sync.Mutex
	uploads map[domain.Token]*uploadState
	bg      sync.WaitGroup
}

// OnConnect is called by the transport once a socket is open.
func (o *Orchestrator) OnConnect(p core.Peer) {
	if o.Monitor != nil {
		o.Monitor.Track(p)
	}
	o.metrics().Incr(metrics.Connections, 1)
	log.Info().Str("module", "orch").Str("conn", p.ID()).Msg("connection opened")
}

// OnDisconnect is called exactly once per connection after its read loop ends.
func (o *Orchestrator) OnDisconnect(p core.Peer) {
	if o.Monitor != nil {
		o.Monitor.Untrack(p)
	}
	o.Registry.Detach(p)
	o.metrics().Decr(metrics.Connections, 1)
	log.Info().
		Str("module", "orch").
		Str("conn", p.ID()).
		Str("role", p.Role().String()).
		Msg("connection closed")
}

// Evict detaches a peer the liveness monitor has closed.
func (o *Orchestrator) Evict(p core.Peer) {
	o.Registry.Detach(p)
}

// Wait blocks until background reconstruction calls finish.
func (o *Orchestrator) Wait() {
	o.bg.Wait()
}

func (o *Orchestrator) violation(p core.Peer, reason string) {
	o.metrics().Incr(metrics.ProtocolViolations, 1)
	log.Warn().
		Str("module", "orch").
		Str("conn", p.ID()).
		Str("role", p.Role().String()).
		Str("reason", reason).
		Msg("protocol violation")
	p.CloseWith(core.CloseProtocolViolation, reason)
}

func (o *Orchestrator) metrics() *metrics.Metrics {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.Metrics == nil {
		o.Metrics = metrics.New()
	}
	return o.Metrics
}

func (o *Orchestrator) MetricsSnapshot() (map[string]any, error) {
	return o.metrics().Snapshot()
}
