package producer

import "time"

// BackoffConfig controls automatic reconnection.
type BackoffConfig struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	MaxAttempts  int
}

func DefaultBackoff() BackoffConfig {
	return BackoffConfig{InitialDelay: time.Second, MaxDelay: 30 * time.Second, MaxAttempts: 10}
}

// NextDelay returns min(InitialDelay * 2^attempt, MaxDelay) for a 0-based attempt.
func NextDelay(cfg BackoffConfig, attempt int) time.Duration {
	if cfg.InitialDelay <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}
	delay := cfg.InitialDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
		if cfg.MaxDelay > 0 && delay >= cfg.MaxDelay {
			return cfg.MaxDelay
		}
	}
	if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
		return cfg.MaxDelay
	}
	return delay
}
