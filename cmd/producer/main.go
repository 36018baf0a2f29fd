package main

import (
	"context"
	"encoding/json"
	"flag"
	"math"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/dkeye/RoomScan/internal/config"
	"github.com/dkeye/RoomScan/internal/domain"
	"github.com/dkeye/RoomScan/internal/producer"
	"github.com/dkeye/RoomScan/internal/protocol"
)

const (
	frameW = 160
	frameH = 120
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.LoadProducer()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	flag.StringVar(&cfg.URL, "url", cfg.URL, "relay websocket url")
	flag.StringVar(&cfg.Token, "token", cfg.Token, "session token (64 hex chars)")
	flag.IntVar(&cfg.FPS, "fps", cfg.FPS, "capture rate")
	flag.Parse()

	token, err := domain.ParseToken(cfg.Token)
	if err != nil {
		if cfg.Token != "" {
			log.Fatal().Err(err).Msg("bad token")
		}
		token, err = domain.NewToken()
		if err != nil {
			log.Fatal().Err(err).Msg("token generation failed")
		}
		log.Info().Str("token", string(token)).Msg("generated session token")
	}

	client := producer.NewClient(producer.ClientConfig{
		URL:              cfg.URL,
		Token:            token,
		HandshakeTimeout: cfg.HandshakeTimeout,
		AutoReconnect:    true,
		Backoff: producer.BackoffConfig{
			InitialDelay: cfg.InitialDelay,
			MaxDelay:     cfg.MaxDelay,
			MaxAttempts:  cfg.MaxAttempts,
		},
	}, producer.WebsocketDialer(nil), log.Logger)

	gov := producer.NewGovernor(producer.GovernorConfig{
		MinInterval:   cfg.MinInterval,
		MaxInterval:   cfg.MaxInterval,
		Step:          cfg.Step,
		DropThreshold: cfg.DropThreshold,
	}, client, log.Logger)
	client.OnConnected(gov.Reset)

	if err := client.Connect(ctx); err != nil {
		log.Fatal().Err(err).Str("url", cfg.URL).Msg("connect failed")
	}
	defer client.Disconnect()

	var streaming atomic.Bool
	streaming.Store(true)
	var frames atomic.Int64
	ticks := make(chan producer.Tick)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		capture(gctx, cfg.FPS, &streaming, &frames, ticks)
		return nil
	})
	g.Go(func() error {
		gov.Run(gctx, ticks, producer.JPEGEncoder(70), client)
		return nil
	})
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case ctl := <-client.Controls():
				streaming.Store(ctl.Action == protocol.ActionStart)
				log.Info().Str("action", string(ctl.Action)).Msg("control received")
			}
		}
	})
	g.Go(func() error {
		report(gctx, cfg.StatusEvery, client, gov, &streaming, &frames)
		return nil
	})
	_ = g.Wait()
	log.Info().Msg("producer stopped")
}

// capture emits synthetic moving-gradient frames at fps. Ticks the
// governor is not ready for are skipped.
func capture(ctx context.Context, fps int, streaming *atomic.Bool, frames *atomic.Int64, out chan<- producer.Tick) {
	if fps <= 0 {
		fps = 30
	}
	ticker := time.NewTicker(time.Second / time.Duration(fps))
	defer ticker.Stop()
	defer close(out)
	var n int
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if !streaming.Load() {
				continue
			}
			n++
			frames.Add(1)
			t := producer.Tick{Pixels: gradient(n), Width: frameW, Height: frameH, At: now}
			select {
			case out <- t:
			default:
			}
		}
	}
}

func gradient(n int) []byte {
	pix := make([]byte, 4*frameW*frameH)
	shift := float64(n) / 10
	for y := 0; y < frameH; y++ {
		for x := 0; x < frameW; x++ {
			i := 4 * (y*frameW + x)
			pix[i] = byte(x * 255 / frameW)
			pix[i+1] = byte(y * 255 / frameH)
			pix[i+2] = byte(127 + 127*math.Sin(shift+float64(x)/20))
			pix[i+3] = 0xff
		}
	}
	return pix
}

func report(ctx context.Context, every time.Duration, client *producer.Client, gov *producer.Governor, streaming *atomic.Bool, frames *atomic.Int64) {
	if every <= 0 {
		every = time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if !client.Connected() {
			continue
		}
		scanning := streaming.Load()
		total := int(frames.Load())
		keyframes := total / 15
		depthOK := false
		if err := client.SendMessage(protocol.Status{
			Scanning:  &scanning,
			Frames:    &total,
			Keyframes: &keyframes,
			DepthOK:   &depthOK,
		}); err != nil {
			log.Debug().Err(err).Msg("status not sent")
		}

		room, _ := json.Marshal(map[string]any{
			"type":      protocol.TypeRoomUpdate,
			"keyframes": keyframes,
			"updatedAt": time.Now().UnixMilli(),
		})
		if err := client.SendMessage(protocol.RoomUpdate{Raw: room}); err != nil {
			log.Debug().Err(err).Msg("room_update not sent")
		}

		st := gov.Stats()
		log.Info().
			Str("module", "producer").
			Str("state", client.State().String()).
			Uint64("sent", st.Sent).
			Uint64("dropped", st.Dropped).
			Dur("interval", st.Interval).
			Msg("governor stats")
	}
}
