package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger()

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Init sets the global level and output. When dir is set, logs also go to
// dir/log_YYYY-MM-DD.txt; the returned closer must be closed on exit.
func Init(level, dir string) (io.Closer, error) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	var out io.Writer = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	var closer io.Closer = nopCloser{}

	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("error creating log directory: %w", err)
		}
		f, err := os.OpenFile(filepath.Join(dir, fmt.Sprintf("log_%s.txt", time.Now().Format("2006-01-02"))), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o666)
		if err != nil {
			return nil, fmt.Errorf("error opening log file for writing: %w", err)
		}
		out = zerolog.MultiLevelWriter(out, f)
		closer = f
	}

	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	log.Logger = zerolog.New(out).With().Timestamp().Logger()
	logger = log.With().Caller().Logger()
	return closer, nil
}

func GetLogger() *zerolog.Logger {
	return &logger
}

// Component returns a child logger tagged with the component name
func Component(name string) zerolog.Logger {
	return logger.With().Str("component", name).Logger()
}
