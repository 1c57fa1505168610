// Package config loads hub settings from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is everything the hub process needs to start. Optional backends
// (Redis, Postgres, the permission service) are enabled by setting their
// address.
type Config struct {
	ListenAddr    string `validate:"required,hostname_port"`
	JWTSecret     string `validate:"required,min=16"`
	AllowGuests   bool
	RedisAddr     string `validate:"omitempty,hostname_port"`
	PostgresURL   string `validate:"omitempty,url"`
	PermissionURL string `validate:"omitempty,url"`
	LogLevel      string `validate:"oneof=debug info warn error"`
	EnableMDNS    bool

	RoomIdleTimeout time.Duration `validate:"min=0"`
	RoleRecheck     time.Duration `validate:"min=0"`
}

// Load reads the environment, applies defaults and validates the result.
func Load() (Config, error) {
	cfg := Config{
		ListenAddr:      getEnv("INKROOM_LISTEN_ADDR", ":8888"),
		JWTSecret:       getEnv("INKROOM_JWT_SECRET", ""),
		AllowGuests:     getEnvBool("INKROOM_ALLOW_GUESTS", true),
		RedisAddr:       getEnv("INKROOM_REDIS_ADDR", ""),
		PostgresURL:     getEnv("INKROOM_POSTGRES_URL", ""),
		PermissionURL:   getEnv("INKROOM_PERMISSION_URL", ""),
		LogLevel:        getEnv("INKROOM_LOG_LEVEL", "info"),
		EnableMDNS:      getEnvBool("INKROOM_MDNS", false),
		RoomIdleTimeout: getEnvDuration("INKROOM_ROOM_IDLE_TIMEOUT", 5*time.Minute),
		RoleRecheck:     getEnvDuration("INKROOM_ROLE_RECHECK", 30*time.Second),
	}
	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
