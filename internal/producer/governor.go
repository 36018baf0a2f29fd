package producer

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type GovernorConfig struct {
	MinInterval time.Duration
	MaxInterval time.Duration
	Step        time.Duration
	// RecoveryDivisor sets how much of Step is given back per accepted frame.
	RecoveryDivisor int
	DropThreshold   int
}

func DefaultGovernor() GovernorConfig {
	return GovernorConfig{
		MinInterval:     50 * time.Millisecond,
		MaxInterval:     200 * time.Millisecond,
		Step:            25 * time.Millisecond,
		RecoveryDivisor: 10,
		DropThreshold:   3,
	}
}

// Gate is the transport's view of whether a frame can go out now.
type Gate interface {
	Connected() bool
	CanAcceptFrame() bool
}

type GovernorStats struct {
	Accepted uint64
	Sent     uint64
	Dropped  uint64
	Failed   uint64
	Interval time.Duration
}

// Governor paces frame production. At most one frame is in flight; ticks
// that arrive meanwhile are dropped, never queued. Sustained drops widen
// the target interval by Step, each accepted frame narrows it by
// Step/RecoveryDivisor.
type Governor struct {
	cfg    GovernorConfig
	gate   Gate
	now    func() time.Time
	logger zerolog.Logger

	mu           sync.Mutex
	interval     time.Duration
	lastAccepted time.Time
	inFlight     bool
	consecutive  int
	stats        GovernorStats
}

func NewGovernor(cfg GovernorConfig, gate Gate, logger zerolog.Logger) *Governor {
	def := DefaultGovernor()
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = def.MinInterval
	}
	if cfg.MaxInterval < cfg.MinInterval {
		cfg.MaxInterval = cfg.MinInterval
	}
	if cfg.Step <= 0 {
		cfg.Step = def.Step
	}
	if cfg.RecoveryDivisor <= 0 {
		cfg.RecoveryDivisor = def.RecoveryDivisor
	}
	if cfg.DropThreshold <= 0 {
		cfg.DropThreshold = def.DropThreshold
	}
	return &Governor{
		cfg:      cfg,
		gate:     gate,
		now:      time.Now,
		logger:   logger.With().Str("module", "producer.governor").Logger(),
		interval: cfg.MinInterval,
	}
}

// Admit decides one capture tick. A true result marks a frame in flight
// and must be followed by exactly one Complete.
func (g *Governor) Admit() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	tooSoon := !g.lastAccepted.IsZero() && now.Sub(g.lastAccepted) < g.interval
	if !g.gate.Connected() || tooSoon || g.inFlight || !g.gate.CanAcceptFrame() {
		g.stats.Dropped++
		g.consecutive++
		if g.consecutive >= g.cfg.DropThreshold {
			g.interval = min(g.interval+g.cfg.Step, g.cfg.MaxInterval)
			g.consecutive = 0
		}
		return false
	}

	g.consecutive = 0
	if g.interval > g.cfg.MinInterval {
		ease := g.cfg.Step / time.Duration(g.cfg.RecoveryDivisor)
		g.interval = max(g.interval-ease, g.cfg.MinInterval)
	}
	g.inFlight = true
	g.lastAccepted = now
	g.stats.Accepted++
	return true
}

// Complete ends the in-flight frame. A non-nil err counts as a drop.
func (g *Governor) Complete(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.inFlight = false
	if err != nil {
		g.stats.Dropped++
		g.stats.Failed++
		return
	}
	g.stats.Sent++
}

// Reset clears counters and returns to the fastest rate. Called on every
// new connection.
func (g *Governor) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stats = GovernorStats{}
	g.consecutive = 0
	g.interval = g.cfg.MinInterval
	g.lastAccepted = time.Time{}
}

func (g *Governor) Interval() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.interval
}

func (g *Governor) Stats() GovernorStats {
	g.mu.Lock()
	defer g.mu.Unlock()
	s := g.stats
	s.Interval = g.interval
	return s
}

// Tick is one raw capture from the frame source.
type Tick struct {
	Pixels []byte
	Width  int
	Height int
	At     time.Time
}

type Encoder func(Tick) ([]byte, error)

type FrameSender interface {
	SendFrame(data []byte) error
}

// Run consumes ticks until ctx is done or ticks is closed. Admitted ticks
// are encoded and sent off the tick loop.
func (g *Governor) Run(ctx context.Context, ticks <-chan Tick, encode Encoder, sender FrameSender) {
	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-ticks:
			if !ok {
				return
			}
			if !g.Admit() {
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				data, err := encode(t)
				if err == nil {
					err = sender.SendFrame(data)
				}
				if err != nil {
					g.logger.Debug().Err(err).Msg("frame dropped after admit")
				}
				g.Complete(err)
			}()
		}
	}
}
