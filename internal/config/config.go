package config

import (
	"encoding/base64"
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

const envPrefix = "CHAT"

// Env holds the raw settings read from the environment. Command-line flags
// are layered on top of it before NewConfig validates the result.
type Env struct {
	ServerAddr      string        `envconfig:"ADDR" default:"localhost:8000"`
	DatabaseDSN     string        `envconfig:"DATABASE_DSN" default:"host=localhost user=postgres password=postgres dbname=postgres sslmode=disable"`
	SigningKey      string        `envconfig:"SIGNING_KEY"`
	RefreshKey      string        `envconfig:"REFRESH_SIGNING_KEY"`
	AllowedOrigins  []string      `envconfig:"ALLOWED_ORIGINS"`
	LogLevel        string        `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat       string        `envconfig:"LOG_FORMAT" default:"text"`
	TokenTTL        time.Duration `envconfig:"TOKEN_TTL" default:"15m"`
	RefreshTokenTTL time.Duration `envconfig:"REFRESH_TOKEN_TTL" default:"336h"`
	IdleRoomTimeout time.Duration `envconfig:"IDLE_ROOM_TIMEOUT" default:"30s"`
	MaxRoomWorkers  int           `envconfig:"MAX_ROOM_WORKERS" default:"10000"`
	Migrate         bool          `envconfig:"MIGRATE" default:"true"`
}

type Config struct {
	DatabaseDSN     string
	ServerAddr      string
	SigningKey      []byte
	RefreshKey      []byte
	AllowedOrigins  []string
	LogLevel        string
	LogFormat       string
	TokenTTL        time.Duration
	RefreshTokenTTL time.Duration
	IdleRoomTimeout time.Duration
	MaxRoomWorkers  int
	Migrate         bool
}

// LoadEnv reads an optional .env file and then the CHAT_* environment
// variables.
func LoadEnv(files ...string) (Env, error) {
	// a missing .env file is not an error
	_ = godotenv.Load(files...)

	var env Env
	if err := envconfig.Process(envPrefix, &env); err != nil {
		return Env{}, fmt.Errorf("process env: %w", err)
	}

	return env, nil
}

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	if base64Secret == "" {
		return nil, fmt.Errorf("empty secret")
	}
	return base64.StdEncoding.DecodeString(base64Secret)
}

func NewConfig(env Env) (*Config, error) {
	if env.ServerAddr == "" {
		return nil, fmt.Errorf("server address cannot be empty")
	}
	if env.DatabaseDSN == "" {
		return nil, fmt.Errorf("database DSN cannot be empty")
	}
	if env.SigningKey == "" {
		return nil, fmt.Errorf("signing secret cannot be empty")
	}
	if env.RefreshKey == "" {
		return nil, fmt.Errorf("refresh signing secret cannot be empty")
	}
	if env.RefreshKey == env.SigningKey {
		return nil, fmt.Errorf("refresh signing secret must differ from the signing secret")
	}
	if env.TokenTTL <= 0 {
		return nil, fmt.Errorf("token TTL must be positive")
	}
	if env.RefreshTokenTTL <= env.TokenTTL {
		return nil, fmt.Errorf("refresh token TTL must be longer than the token TTL")
	}

	signingKey, err := decodeSigningSecret(env.SigningKey)
	if err != nil {
		return nil, fmt.Errorf("decode signing secret: %w", err)
	}

	refreshKey, err := decodeSigningSecret(env.RefreshKey)
	if err != nil {
		return nil, fmt.Errorf("decode refresh signing secret: %w", err)
	}

	return &Config{
		DatabaseDSN:     env.DatabaseDSN,
		ServerAddr:      env.ServerAddr,
		SigningKey:      signingKey,
		RefreshKey:      refreshKey,
		AllowedOrigins:  env.AllowedOrigins,
		LogLevel:        env.LogLevel,
		LogFormat:       env.LogFormat,
		TokenTTL:        env.TokenTTL,
		RefreshTokenTTL: env.RefreshTokenTTL,
		IdleRoomTimeout: env.IdleRoomTimeout,
		MaxRoomWorkers:  env.MaxRoomWorkers,
		Migrate:         env.Migrate,
	}, nil
}
