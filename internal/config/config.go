package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Mode             string            `mapstructure:"mode"`
	Port             int               `mapstructure:"port"`
	LogLevel         string            `mapstructure:"log_level"`
	StaticPath       string            `mapstructure:"static_path"`
	DataDir          string            `mapstructure:"data_dir"`
	ReadLimit        int64             `mapstructure:"read_limit"`
	SendBuffer       int               `mapstructure:"send_buffer"`
	SlowViewerPolicy string            `mapstructure:"slow_viewer_policy"`
	Liveness         LivenessConfig    `mapstructure:"liveness"`
	Upload           UploadConfig      `mapstructure:"upload"`
	RateLimit        RateLimitConfig   `mapstructure:"rate_limit"`
	Redis            RedisConfig       `mapstructure:"redis"`
	Reconstruct      ReconstructConfig `mapstructure:"reconstruct"`
}

type LivenessConfig struct {
	Tick        time.Duration `mapstructure:"tick"`
	Grace       time.Duration `mapstructure:"grace"`
	PongTimeout time.Duration `mapstructure:"pong_timeout"`
}

type UploadConfig struct {
	Limit    int           `mapstructure:"limit"`
	Window   time.Duration `mapstructure:"window"`
	MaxBytes int64         `mapstructure:"max_bytes"`
}

type RateLimitConfig struct {
	Backend string `mapstructure:"backend"`
}

type RedisConfig struct {
	Addr string `mapstructure:"addr"`
}

type ReconstructConfig struct {
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// ProducerConfig drives cmd/producer.
type ProducerConfig struct {
	URL              string        `mapstructure:"url"`
	Token            string        `mapstructure:"token"`
	FPS              int           `mapstructure:"fps"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	InitialDelay     time.Duration `mapstructure:"initial_delay"`
	MaxDelay         time.Duration `mapstructure:"max_delay"`
	MaxAttempts      int           `mapstructure:"max_attempts"`
	MinInterval      time.Duration `mapstructure:"min_interval"`
	MaxInterval      time.Duration `mapstructure:"max_interval"`
	Step             time.Duration `mapstructure:"step"`
	DropThreshold    int           `mapstructure:"drop_threshold"`
	StatusEvery      time.Duration `mapstructure:"status_every"`
}

func newViper() (*viper.Viper, string) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix("ROOMSCAN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v, fileName
}

func setServerDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("log_level", "info")
	v.SetDefault("static_path", "./web")
	v.SetDefault("data_dir", "./data")
	v.SetDefault("read_limit", 4<<20)
	v.SetDefault("send_buffer", 64)
	v.SetDefault("slow_viewer_policy", "drop")

	v.SetDefault("liveness.tick", "30s")
	v.SetDefault("liveness.grace", "60s")
	v.SetDefault("liveness.pong_timeout", "45s")

	v.SetDefault("upload.limit", 10)
	v.SetDefault("upload.window", "1m")
	v.SetDefault("upload.max_bytes", 256<<20)

	v.SetDefault("rate_limit.backend", "memory")
	v.SetDefault("redis.addr", "localhost:6379")

	v.SetDefault("reconstruct.url", "")
	v.SetDefault("reconstruct.timeout", "5m")
}

func setProducerDefaults(v *viper.Viper) {
	v.SetDefault("producer.url", "ws://localhost:8080/ws")
	v.SetDefault("producer.token", "")
	v.SetDefault("producer.fps", 30)
	v.SetDefault("producer.handshake_timeout", "5s")
	v.SetDefault("producer.initial_delay", "1s")
	v.SetDefault("producer.max_delay", "30s")
	v.SetDefault("producer.max_attempts", 10)
	v.SetDefault("producer.min_interval", "50ms")
	v.SetDefault("producer.max_interval", "200ms")
	v.SetDefault("producer.step", "25ms")
	v.SetDefault("producer.drop_threshold", 3)
	v.SetDefault("producer.status_every", "1s")
}

func readFile(v *viper.Viper, fileName string) {
	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}
}

func Load() (*Config, error) {
	v, fileName := newViper()
	setServerDefaults(v)
	readFile(v, fileName)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	log.Info().
		Str("module", "config").
		Str("mode", cfg.Mode).
		Int("port", cfg.Port).
		Str("static", cfg.StaticPath).
		Str("rate_limit", cfg.RateLimit.Backend).
		Msg("config ready")
	return &cfg, nil
}

func LoadProducer() (*ProducerConfig, error) {
	v, fileName := newViper()
	setProducerDefaults(v)
	readFile(v, fileName)

	var wrap struct {
		Producer ProducerConfig `mapstructure:"producer"`
	}
	if err := v.Unmarshal(&wrap); err != nil {
		return nil, fmt.Errorf("failed to parse producer config: %w", err)
	}
	return &wrap.Producer, nil
}

// Level parses log_level, falling back to info.
func (c *Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil || c.LogLevel == "" {
		return zerolog.InfoLevel
	}
	return lvl
}
