// Package config 从环境变量加载服务配置。
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/pixil98/go-errors"
	"go.uber.org/zap/zapcore"
)

type Config struct {
	Addr           string        `env:"TILESPACE_ADDR" envDefault:":8080"`
	JWTSecret      string        `env:"TILESPACE_JWT_SECRET"`
	DBPath         string        `env:"TILESPACE_DB_PATH" envDefault:"tilespace.db"`
	MapsDir        string        `env:"TILESPACE_MAPS_DIR" envDefault:"maps"`
	NatsURL        string        `env:"TILESPACE_NATS_URL"`
	NatsStoreDir   string        `env:"TILESPACE_NATS_STORE_DIR" envDefault:"data/jetstream"`
	NatsHost       string        `env:"TILESPACE_NATS_HOST" envDefault:"127.0.0.1"`
	NatsPort       int           `env:"TILESPACE_NATS_PORT" envDefault:"-1"`
	KVBucket       string        `env:"TILESPACE_KV_BUCKET" envDefault:"interactables"`
	StoreTimeout   time.Duration `env:"TILESPACE_STORE_TIMEOUT" envDefault:"2s"`
	LogFile        string        `env:"TILESPACE_LOG_FILE" envDefault:"app.log"`
	LogLevel       string        `env:"TILESPACE_LOG_LEVEL" envDefault:"debug"`
	LogStderr      bool          `env:"TILESPACE_LOG_STDERR" envDefault:"false"`
	SweepInterval  time.Duration `env:"TILESPACE_SWEEP_INTERVAL" envDefault:"1m"`
	IdleTTL        time.Duration `env:"TILESPACE_IDLE_TTL" envDefault:"10m"`
	AllowedOrigins []string      `env:"TILESPACE_ALLOWED_ORIGINS" envSeparator:","`
}

// Load 读取环境变量
func Load() (*Config, error) {
	var c Config
	if err := env.Parse(&c); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	return &c, nil
}

func (c *Config) Validate() error {
	el := errors.NewErrorList()

	if strings.TrimSpace(c.Addr) == "" {
		el.Add(fmt.Errorf("TILESPACE_ADDR must not be empty"))
	}
	if len(c.JWTSecret) < 16 {
		el.Add(fmt.Errorf("TILESPACE_JWT_SECRET must be at least 16 bytes"))
	}
	if strings.TrimSpace(c.DBPath) == "" {
		el.Add(fmt.Errorf("TILESPACE_DB_PATH is required"))
	}
	if strings.TrimSpace(c.MapsDir) == "" {
		el.Add(fmt.Errorf("TILESPACE_MAPS_DIR is required"))
	}
	if c.NatsURL == "" && strings.TrimSpace(c.NatsStoreDir) == "" {
		el.Add(fmt.Errorf("TILESPACE_NATS_STORE_DIR is required when TILESPACE_NATS_URL is unset"))
	}
	if c.StoreTimeout < 0 {
		el.Add(fmt.Errorf("TILESPACE_STORE_TIMEOUT must not be negative"))
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		el.Add(fmt.Errorf("parsing TILESPACE_LOG_LEVEL: %w", err))
	}
	if c.SweepInterval < 0 || c.IdleTTL < 0 {
		el.Add(fmt.Errorf("TILESPACE_SWEEP_INTERVAL and TILESPACE_IDLE_TTL must not be negative"))
	}

	return el.Err()
}

// Level 日志级别，Validate 通过后调用
func (c *Config) Level() zapcore.Level {
	lvl, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return zapcore.DebugLevel
	}
	return lvl
}
