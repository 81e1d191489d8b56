package config

import (
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

const (
	BackendRedis  = "redis"
	BackendMemory = "memory"

	FanoutLocal = "local"
	FanoutRedis = "redis"
)

type Config struct {
	LogFormat string `env:"LOG_FORMAT" envDefault:"console" validate:"oneof=console json"`

	RedisHost      string `env:"REDIS_HOST"      envDefault:"localhost"`
	RedisPort      uint16 `env:"REDIS_PORT"      envDefault:"6379"   validate:"min=1000,max=65535"`
	RedisPassword  string `env:"REDIS_PASSWORD"`
	RedisDb        int    `env:"REDIS_DB"        envDefault:"0"      validate:"min=0,max=15"`
	CounterBackend string `env:"COUNTER_BACKEND" envDefault:"redis"  validate:"oneof=redis memory"`

	PostgresHost     string `env:"POSTGRES_HOST"     envDefault:"localhost"`
	PostgresPort     string `env:"POSTGRES_PORT"     envDefault:"5432"`
	PostgresUser     string `env:"POSTGRES_USER"     envDefault:"danmaku_user"`
	PostgresPassword string `env:"POSTGRES_PASSWORD" envDefault:"danmaku_password"`
	PostgresDb       string `env:"POSTGRES_DB"       envDefault:"danmaku_db"`
	PersistEnabled   bool   `env:"PERSIST_ENABLED"   envDefault:"false"`
	PersistWorkers   int    `env:"PERSIST_WORKERS"   envDefault:"4"    validate:"min=1,max=64"`
	PersistBuffer    int    `env:"PERSIST_BUFFER"    envDefault:"1024" validate:"min=0"`

	SenderRateLimit  int           `env:"SENDER_RATE_LIMIT"  envDefault:"2"    validate:"min=1"`
	SenderRateWindow time.Duration `env:"SENDER_RATE_WINDOW" envDefault:"1s"   validate:"min=1ms"`
	RoomRateLimit    int           `env:"ROOM_RATE_LIMIT"    envDefault:"1000" validate:"min=1"`
	RoomRateWindow   time.Duration `env:"ROOM_RATE_WINDOW"   envDefault:"1s"   validate:"min=1ms"`
	DupMaxRepeats    int           `env:"DUP_MAX_REPEATS"    envDefault:"3"    validate:"min=1"`
	DupWindow        time.Duration `env:"DUP_WINDOW"         envDefault:"10s"  validate:"min=1ms"`
	LimiterFailOpen  bool          `env:"LIMITER_FAIL_OPEN"  envDefault:"true"`
	MemorySweepEvery time.Duration `env:"MEMORY_SWEEP_INTERVAL" envDefault:"30s" validate:"min=1s"`

	DispatchTick          time.Duration `env:"DISPATCH_TICK"          envDefault:"50ms" validate:"min=1ms"`
	DispatchBatchSize     int           `env:"DISPATCH_BATCH_SIZE"    envDefault:"50"   validate:"min=1"`
	BackpressureThreshold int           `env:"BACKPRESSURE_THRESHOLD" envDefault:"100"  validate:"min=0"`
	DispatchWorkers       int           `env:"DISPATCH_WORKERS"       envDefault:"8"    validate:"min=1,max=1024"`
	MessageTimeout        time.Duration `env:"MESSAGE_TIMEOUT"        envDefault:"2s"   validate:"min=1ms"`

	MaxContentLength int    `env:"MAX_CONTENT_LENGTH" envDefault:"100"  validate:"min=1"`
	FilterPolicy     string `env:"FILTER_POLICY"      envDefault:"mask" validate:"oneof=mask reject"`
	MaskChar         string `env:"MASK_CHAR"          envDefault:"*"    validate:"len=1"`
	WordsFile        string `env:"WORDS_FILE"`
	WordsWatch       bool   `env:"WORDS_WATCH"        envDefault:"false"`

	HttpServerPort uint16  `env:"HTTP_SERVER_PORT" envDefault:"8085"  validate:"min=1000,max=65535"`
	FanoutMode     string  `env:"FANOUT_MODE"      envDefault:"local" validate:"oneof=local redis"`
	WsInboundRate  float64 `env:"WS_INBOUND_RATE"  envDefault:"5"     validate:"min=0"`
	WsInboundBurst int     `env:"WS_INBOUND_BURST" envDefault:"10"    validate:"min=1"`
	AdminToken     string  `env:"ADMIN_TOKEN"`
}

// NeedsRedis reports whether any component is backed by Redis.
func (c *Config) NeedsRedis() bool {
	return c.CounterBackend == BackendRedis || c.FanoutMode == FanoutRedis
}

const redacted = "***"

// Redacted returns a copy safe to log: secrets are masked when set.
func (c *Config) Redacted() Config {
	out := *c
	for _, secret := range []*string{&out.RedisPassword, &out.PostgresPassword, &out.AdminToken} {
		if *secret != "" {
			*secret = redacted
		}
	}
	return out
}

func LoadConfig() (*Config, error) {
	// Load environment variables from .env file
	err := godotenv.Load(".env")
	if err != nil {
		zap.L().Debug(".env file not found", zap.Error(err))
	}
	return parse()
}

func parse() (*Config, error) {
	cfg := &Config{}
	// Parse config from environment variables
	if err := env.Parse(cfg); err != nil {
		zap.L().Error("config_load_failed", zap.Error(err))
		return nil, err
	}

	// Validate the config
	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		zap.L().Error("config_validation_failed", zap.Error(err))
		return nil, err
	}
	return cfg, nil
}
