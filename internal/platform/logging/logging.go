package logging

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/lmittmann/tint"

	"github.com/animus-labs/rangekeeper/internal/platform/env"
)

const (
	FormatJSON = "json"
	FormatText = "text"
)

type Config struct {
	Format string
	Level  slog.Level
}

func ConfigFromEnv() (Config, error) {
	level, err := parseLevel(env.String("LOG_LEVEL", "info"))
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Format: strings.ToLower(strings.TrimSpace(env.String("LOG_FORMAT", FormatJSON))),
		Level:  level,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Format {
	case FormatJSON, FormatText:
		return nil
	case "":
		return errors.New("LOG_FORMAT is required")
	default:
		return fmt.Errorf("LOG_FORMAT must be one of: json, text (got %q)", c.Format)
	}
}

// New builds the process logger. JSON is the production format; text renders
// through tint for local runs and highlights error attributes.
func New(output io.Writer, cfg Config) *slog.Logger {
	if cfg.Format == FormatText {
		handler := tint.NewHandler(output, &tint.Options{
			Level:      cfg.Level,
			TimeFormat: "2006-01-02 15:04:05.000Z07:00",
			ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
				if a.Value.Kind() == slog.KindAny {
					if _, ok := a.Value.Any().(error); ok {
						return tint.Attr(9, a)
					}
				}
				return a
			},
		})
		return slog.New(handler)
	}
	return slog.New(slog.NewJSONHandler(output, &slog.HandlerOptions{Level: cfg.Level}))
}

func parseLevel(raw string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(raw))); err != nil {
		return 0, fmt.Errorf("parse LOG_LEVEL: %w", err)
	}
	return level, nil
}
