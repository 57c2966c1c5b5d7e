package logging

import (
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/turnuphosting/latest-varnish/internal/config"
)

// FallbackInstallLog is used when the configured install log cannot be opened.
const FallbackInstallLog = "cpvarnish-install.log"

// New returns the process logger at the configured level.
func New(cfg config.Config) *zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339
	logger := log.Logger.Level(cfg.LogLevel).With().Timestamp().Logger()
	return &logger
}

// InstallLog is the append-only run log shared by the console and the log file.
type InstallLog struct {
	Logger *zerolog.Logger
	Path   string
	file   *os.File
}

func (l *InstallLog) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}

// OpenInstallLog writes human-readable lines to console and JSON lines to the
// install log. It falls back to ./cpvarnish-install.log when the configured
// location is not writable.
func OpenInstallLog(cfg config.Config, console io.Writer) (*InstallLog, error) {
	path := cfg.Paths.InstallLog
	f, err := openAppend(path)
	if err != nil {
		path = FallbackInstallLog
		f, err = openAppend(path)
		if err != nil {
			return nil, err
		}
	}
	zerolog.TimeFieldFormat = time.RFC3339
	var sinks []io.Writer
	if console != nil {
		sinks = append(sinks, zerolog.ConsoleWriter{Out: console, TimeFormat: "15:04:05"})
	}
	sinks = append(sinks, f)
	logger := zerolog.New(zerolog.MultiLevelWriter(sinks...)).Level(cfg.LogLevel).With().Timestamp().Logger()
	return &InstallLog{Logger: &logger, Path: path, file: f}, nil
}

func openAppend(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
}
