package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	DriverWebSocket = "websocket"
	DriverNull      = "null"
)

type Config struct {
	ServerPort      string        `mapstructure:"SERVER_PORT" validate:"required"`
	APIBaseURL      string        `mapstructure:"API_BASE_URL" validate:"required,url"`
	APIToken        string        `mapstructure:"API_TOKEN"`
	PushURL         string        `mapstructure:"PUSH_URL" validate:"omitempty,url"`
	PushDriver      string        `mapstructure:"PUSH_DRIVER" validate:"oneof=websocket null"`
	PushChannels    []string      `mapstructure:"PUSH_CHANNELS" validate:"min=1,dive,required"`
	ReconnectDelay  time.Duration `mapstructure:"RECONNECT_DELAY" validate:"gt=0"`
	HTTPTimeout     time.Duration `mapstructure:"HTTP_TIMEOUT" validate:"gt=0"`
	StaleAfter      time.Duration `mapstructure:"STALE_AFTER" validate:"gt=0"`
	SweepInterval   time.Duration `mapstructure:"SWEEP_INTERVAL" validate:"gt=0"`
	RefreshInterval time.Duration `mapstructure:"REFRESH_INTERVAL" validate:"gt=0"`
	RouteRetention  time.Duration `mapstructure:"ROUTE_RETENTION" validate:"gt=0"`
	Timezone        string        `mapstructure:"TIMEZONE" validate:"required"`
	PostgresURL     string        `mapstructure:"POSTGRES_URL"`
	RedisAddr       string        `mapstructure:"REDIS_ADDR"`
	RedisPassword   string        `mapstructure:"REDIS_PASSWORD"`
	JWTSecret       string        `mapstructure:"JWT_SECRET" validate:"required"`
}

var validate = validator.New()

// Load reads configuration from the environment, after merging a .env file
// from the working directory when one exists.
func Load() Config {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("config: .env: %v", err)
	}

	viper.AutomaticEnv()
	viper.SetDefault("SERVER_PORT", ":8080")
	viper.SetDefault("API_BASE_URL", "http://localhost:8000/api")
	viper.SetDefault("API_TOKEN", "")
	viper.SetDefault("PUSH_URL", "ws://localhost:6001/app/fieldtrack")
	viper.SetDefault("PUSH_DRIVER", DriverWebSocket)
	viper.SetDefault("PUSH_CHANNELS", []string{"tracking", "operaciones", "asistencias"})
	viper.SetDefault("RECONNECT_DELAY", "5s")
	viper.SetDefault("HTTP_TIMEOUT", "10s")
	viper.SetDefault("STALE_AFTER", "5m")
	viper.SetDefault("SWEEP_INTERVAL", "30s")
	viper.SetDefault("REFRESH_INTERVAL", "5m")
	viper.SetDefault("ROUTE_RETENTION", "24h")
	viper.SetDefault("TIMEZONE", "Local")
	viper.SetDefault("POSTGRES_URL", "")
	viper.SetDefault("REDIS_ADDR", "")
	viper.SetDefault("REDIS_PASSWORD", "")
	viper.SetDefault("JWT_SECRET", "dev-secret-change-me")

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		log.Printf("config: unmarshal: %v", err)
	}
	return cfg
}

// ReloadToken re-reads API_TOKEN, letting a rewritten .env file override the
// value loaded at startup.
func ReloadToken() string {
	if err := godotenv.Overload(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("config: .env: %v", err)
	}
	viper.AutomaticEnv()
	return viper.GetString("API_TOKEN")
}

// Validate rejects a configuration the service cannot start with.
func Validate(cfg Config) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if cfg.PushDriver == DriverWebSocket && cfg.PushURL == "" {
		return errors.New("config: PUSH_URL is required for the websocket driver")
	}
	if _, err := time.LoadLocation(cfg.Timezone); err != nil {
		return fmt.Errorf("config: TIMEZONE: %w", err)
	}
	return nil
}

// Location resolves Timezone, falling back to the local zone.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}
