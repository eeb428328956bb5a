// Package config loads the settings of both binaries from the environment,
// an optional .env file and validation tags.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/Netflix/go-env"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/samber/lo"
)

var validate = validator.New()

type ServerConfig struct {
	Host            string        `env:"WB_HOST,default=0.0.0.0" validate:"required"`
	Port            int           `env:"WB_PORT,default=5000" validate:"gte=0,lte=65535"`
	AdminName       string        `env:"WB_ADMIN_NAME,default=admin" validate:"required,max=64"`
	APIToken        string        `env:"WB_API_TOKEN"`
	AuditPath       string        `env:"WB_AUDIT_PATH"`
	BoardDBPath     string        `env:"WB_BOARD_DB"`
	AutoApprove     bool          `env:"WB_AUTO_APPROVE,default=false"`
	ApprovalTimeout time.Duration `env:"WB_APPROVAL_TIMEOUT,default=2m" validate:"gte=0"`
	AllowedOrigins  string        `env:"WB_ALLOWED_ORIGINS"`
	JoinRatePerMin  int           `env:"WB_JOIN_RATE_PER_MIN,default=30" validate:"gt=0"`
	LogLevel        string        `env:"WB_LOG_LEVEL,default=info" validate:"oneof=debug info warn error"`
}

func (c ServerConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("server config: %w", err)
	}
	return nil
}

// Origins splits AllowedOrigins on commas.
func (c ServerConfig) Origins() []string {
	return ParseCSV(c.AllowedOrigins)
}

type ClientConfig struct {
	Host                string        `env:"WB_HOST,default=127.0.0.1" validate:"required"`
	Port                int           `env:"WB_PORT,default=5000" validate:"gt=0,lte=65535"`
	Name                string        `env:"WB_NAME" validate:"required,max=64"`
	ReconnectMaxElapsed time.Duration `env:"WB_RECONNECT_MAX_ELAPSED,default=1m" validate:"gte=0"`
	LogLevel            string        `env:"WB_LOG_LEVEL,default=info" validate:"oneof=debug info warn error"`
}

func (c ClientConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("client config: %w", err)
	}
	return nil
}

// URL is the websocket endpoint of the configured server.
func (c ClientConfig) URL() string {
	return fmt.Sprintf("ws://%s:%d/ws", c.Host, c.Port)
}

// LoadServer reads envFile (if it exists) and the process environment.
// Validation is left to the caller so flags can be applied first.
func LoadServer(envFile string) (ServerConfig, error) {
	var cfg ServerConfig
	if err := load(envFile, &cfg); err != nil {
		return ServerConfig{}, err
	}
	return cfg, nil
}

func LoadClient(envFile string) (ClientConfig, error) {
	var cfg ClientConfig
	if err := load(envFile, &cfg); err != nil {
		return ClientConfig{}, err
	}
	return cfg, nil
}

func load(envFile string, v any) error {
	if envFile != "" {
		// existing process variables win over the file
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", envFile, err)
		}
	}
	if _, err := env.UnmarshalFromEnviron(v); err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	return nil
}

func ParseCSV(raw string) []string {
	parts := lo.Map(strings.Split(raw, ","), func(p string, _ int) string { return strings.TrimSpace(p) })
	return lo.Uniq(lo.Compact(parts))
}

func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// NewLogger returns a JSON logger at level writing to w (stdout when nil).
func NewLogger(level string, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stdout
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: ParseLevel(level)}))
}
