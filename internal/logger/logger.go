package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// New creates and configures a new zerolog logger
func New(logLevel string) zerolog.Logger {
	return NewWithWriter(logLevel, os.Stdout)
}

// NewWithWriter creates a logger writing to w. A console writer is used
// when API_ENV=development.
func NewWithWriter(logLevel string, w io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(logLevel))
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if os.Getenv("API_ENV") == "development" {
		w = zerolog.ConsoleWriter{
			Out:        w,
			TimeFormat: time.RFC3339,
		}
	}

	return zerolog.New(w).
		Level(level).
		With().
		Timestamp().
		Str("service", "rebin").
		Logger()
}

// WithComponent adds the component name to logger context
func WithComponent(logger zerolog.Logger, component string) zerolog.Logger {
	return logger.With().Str("component", component).Logger()
}

// WithWallet adds wallet address to logger context
func WithWallet(logger zerolog.Logger, wallet string) zerolog.Logger {
	return logger.With().Str("wallet", wallet).Logger()
}

// WithPosition adds position address to logger context
func WithPosition(logger zerolog.Logger, position string) zerolog.Logger {
	return logger.With().Str("position", position).Logger()
}

// WithRPCEndpoint adds RPC endpoint to logger context
func WithRPCEndpoint(logger zerolog.Logger, endpoint string) zerolog.Logger {
	return logger.With().Str("rpc_endpoint", endpoint).Logger()
}

// WithRequestID adds request ID to logger context
func WithRequestID(logger zerolog.Logger, requestID string) zerolog.Logger {
	return logger.With().Str("request_id", requestID).Logger()
}
