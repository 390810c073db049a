package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default rotation settings.
const (
	DefaultMaxSizeMB  = 10
	DefaultMaxBackups = 3
	DefaultMaxAgeDays = 7
)

// Output formats accepted by Config.Format.
const (
	FormatText  = "text"
	FormatJSON  = "json"
	FormatColor = "color"
)

// FileConfig describes rotated log files. When StdoutPath or StderrPath are empty and
// Dir is set, worker output goes to Dir/<name>.stdout.log and Dir/<name>.stderr.log
// and the component's own log goes to Dir/<name>.log.
type FileConfig struct {
	Dir        string `mapstructure:"dir"`
	StdoutPath string `mapstructure:"stdout_path"`
	StderrPath string `mapstructure:"stderr_path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// Config selects the level, format and destination of a component's logger.
type Config struct {
	Level  string     `mapstructure:"level"`
	Format string     `mapstructure:"format"`
	File   FileConfig `mapstructure:",squash"`
}

func (f FileConfig) rotated(path string) *lj.Logger {
	return &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(f.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(f.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(f.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   f.Compress,
	}
}

// ProcessWriters returns rotated stdout and stderr writers for a supervised worker
// process. Either is nil when no destination is configured for it.
func (c Config) ProcessWriters(name string) (io.WriteCloser, io.WriteCloser, error) {
	f := c.File
	stdout, stderr := f.StdoutPath, f.StderrPath
	if stdout == "" && f.Dir != "" {
		stdout = filepath.Join(f.Dir, fmt.Sprintf("%s.stdout.log", name))
	}
	if stderr == "" && f.Dir != "" {
		stderr = filepath.Join(f.Dir, fmt.Sprintf("%s.stderr.log", name))
	}
	var outW, errW io.WriteCloser
	if stdout != "" {
		outW = f.rotated(stdout)
	}
	if stderr != "" {
		errW = f.rotated(stderr)
	}
	return outW, errW, nil
}

// ParseLevel maps debug, info, warn and error to slog levels. Anything else is info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// New builds the logger for component name. With File.Dir set the output is a rotated
// file, otherwise stderr. The color format only applies to stderr.
func New(cfg Config, name string) (*slog.Logger, io.Closer) {
	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}
	var (
		w      io.Writer = os.Stderr
		closer io.Closer = nopCloser{}
	)
	if cfg.File.Dir != "" {
		rl := cfg.File.rotated(filepath.Join(cfg.File.Dir, name+".log"))
		w, closer = rl, rl
	}
	return slog.New(handler(w, cfg.Format, cfg.File.Dir == "", opts)), closer
}

// NewWriter builds a logger writing to w.
func NewWriter(w io.Writer, format string, opts *slog.HandlerOptions) *slog.Logger {
	return slog.New(handler(w, format, true, opts))
}

func handler(w io.Writer, format string, interactive bool, opts *slog.HandlerOptions) slog.Handler {
	switch strings.ToLower(format) {
	case FormatJSON:
		return slog.NewJSONHandler(w, opts)
	case FormatColor:
		if interactive {
			return NewColorTextHandler(w, opts, true)
		}
	}
	return slog.NewTextHandler(w, opts)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
