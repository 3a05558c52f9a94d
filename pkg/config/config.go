// Package config holds the supervisor's CLI-bound configuration: the
// work directory, the HTTP server's bind address, buffer sizing, the
// callback client's endpoint/credentials, and the lifecycle toggles
// (--no-exit, --watch-generated, --run-after).
package config

import (
	"fmt"
	"os"
	"time"

	defaults "github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"

	"github.com/mlgridengine/supervisor/pkg/sizeparser"
)

// Config holds the supervisor's resolved configuration.
type Config struct {
	// Argv is the supervised program's argv, taken verbatim from the
	// CLI args following "--".
	Argv []string

	WorkDir string            `default:"."`
	Env     map[string]string

	ServerHost string `default:"127.0.0.1"`
	ServerPort int     // 0 = ephemeral

	// BufferSize is the raw --buffer-size string (e.g. "4M"); resolve
	// with BufferSizeBytes before using it.
	BufferSize string `default:"4M"`

	CallbackAPI      string
	CallbackToken    string
	CallbackMaxRetry uint `default:"10"`

	SaveOutput string

	NoExit         bool
	WatchGenerated bool
	RunAfter       string

	Shell    string       `default:"sh"`
	LogLevel logrus.Level `default:"4"` // logrus.InfoLevel
}

// DefaultConfig returns a Config populated with its struct-tag defaults.
// CallbackMaxRetry is overridden from ML_GRIDENGINE_CALLBACK_MAX_RETRY
// when that variable is set and parses as an unsigned integer.
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)

	if v := os.Getenv("ML_GRIDENGINE_CALLBACK_MAX_RETRY"); v != "" {
		var parsed uint
		if _, err := fmt.Sscanf(v, "%d", &parsed); err == nil {
			cfg.CallbackMaxRetry = parsed
		}
	}
	if shell := os.Getenv("SHELL"); shell != "" {
		cfg.Shell = shell
	}

	return cfg
}

// BufferSizeBytes resolves the configured --buffer-size string to a byte
// count.
func (c *Config) BufferSizeBytes() (uint64, error) {
	return sizeparser.Parse(c.BufferSize)
}

// Validate reports configuration errors that must abort startup before
// the child is ever spawned: bad buffer size, missing argv, an
// out-of-range server port.
func (c *Config) Validate() error {
	if len(c.Argv) == 0 {
		return fmt.Errorf("config: no program given to supervise")
	}
	if _, err := c.BufferSizeBytes(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.ServerPort < 0 || c.ServerPort > 65535 {
		return fmt.Errorf("config: server port %d out of range", c.ServerPort)
	}
	return nil
}

// NewLogger creates a logger configured at the resolved log level, using
// the same structured text formatter as every other logger in this tree.
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.LogLevel)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})
	return logger
}
