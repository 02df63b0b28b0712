package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/util/exzerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// NewLogger builds the process logger: console or JSON output on stderr, plus
// a size-rotated log file when logging.file is set.
func (lc *LoggingConfig) NewLogger() (*zerolog.Logger, io.Closer, error) {
	level := zerolog.InfoLevel
	if lc.MinLevel != "" {
		var err error
		level, err = zerolog.ParseLevel(lc.MinLevel)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid logging.min_level: %w", err)
		}
	}

	var console io.Writer = os.Stderr
	if !lc.JSON {
		console = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.StampMilli}
	}
	writers := []io.Writer{console}
	var closer io.Closer = nopCloser{}
	if lc.File != "" {
		if err := os.MkdirAll(filepath.Dir(lc.File), 0o755); err != nil {
			return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		rotating := &lumberjack.Logger{
			Filename:   lc.File,
			MaxSize:    lc.MaxSize,
			MaxBackups: lc.MaxBackups,
			MaxAge:     lc.MaxAge,
			Compress:   lc.Compress,
		}
		writers = append(writers, rotating)
		closer = rotating
	}

	log := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(level).
		With().
		Timestamp().
		Logger()
	exzerolog.SetupDefaults(&log)
	return &log, closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
