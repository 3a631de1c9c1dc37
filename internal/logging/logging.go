// Package logging configures the global zerolog logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Output formats.
const (
	FormatConsole = "console"
	FormatJSON    = "json"
)

// Config holds logging configuration.
type Config struct {
	// Level is a zerolog level name: trace, debug, info, warn, error.
	Level string `yaml:"level"`

	// Format is "console" (human readable) or "json".
	Format string `yaml:"format"`

	// File, if set, receives a copy of every log line. The file is rotated
	// once it reaches MaxSizeMB megabytes.
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// Validate checks the level and format.
func (c Config) Validate() error {
	if _, err := zerolog.ParseLevel(strings.ToLower(c.Level)); err != nil {
		return fmt.Errorf("log level %q: %w", c.Level, err)
	}
	switch c.Format {
	case FormatConsole, FormatJSON, "":
		return nil
	default:
		return fmt.Errorf("log format %q: must be %q or %q", c.Format, FormatConsole, FormatJSON)
	}
}

// New builds a logger writing to stdout and, if configured, to a rotated
// file. The returned closer releases the file.
func New(cfg Config, stdout io.Writer) (zerolog.Logger, io.Closer, error) {
	if err := cfg.Validate(); err != nil {
		return zerolog.Nop(), nil, err
	}
	level := zerolog.InfoLevel
	if cfg.Level != "" {
		level, _ = zerolog.ParseLevel(strings.ToLower(cfg.Level))
	}

	var console io.Writer = stdout
	if cfg.Format != FormatJSON {
		console = zerolog.ConsoleWriter{Out: stdout}
	}

	outputs := []io.Writer{console}
	var closer io.Closer = nopCloser{}
	if cfg.File != "" {
		file := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
		}
		outputs = append(outputs, file)
		closer = file
	}

	logger := zerolog.New(zerolog.MultiLevelWriter(outputs...)).
		Level(level).
		With().Timestamp().Logger()
	return logger, closer, nil
}

// Setup replaces the global logger with one built from cfg.
func Setup(cfg Config) (io.Closer, error) {
	logger, closer, err := New(cfg, os.Stdout)
	if err != nil {
		return nil, err
	}
	log.Logger = logger
	zerolog.DefaultContextLogger = &log.Logger
	return closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
