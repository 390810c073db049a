package logger

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	lj "gopkg.in/natefinch/lumberjack.v2"
)

func TestProcessWritersUnderDir(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{File: FileConfig{Dir: dir}}
	outW, errW, err := cfg.ProcessWriters("botclient.alice")
	require.NoError(t, err)
	require.NotNil(t, outW)
	require.NotNil(t, errW)

	_, _ = outW.Write([]byte("hello-out\n"))
	_, _ = errW.Write([]byte("hello-err\n"))
	require.NoError(t, outW.Close())
	require.NoError(t, errW.Close())

	assert.FileExists(t, filepath.Join(dir, "botclient.alice.stdout.log"))
	assert.FileExists(t, filepath.Join(dir, "botclient.alice.stderr.log"))
}

func TestProcessWritersNothingConfigured(t *testing.T) {
	outW, errW, err := Config{}.ProcessWriters("n")
	require.NoError(t, err)
	assert.Nil(t, outW)
	assert.Nil(t, errW)
}

func TestProcessWritersRotationSettings(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{File: FileConfig{StdoutPath: filepath.Join(dir, "o.log")}}
	outW, errW, _ := cfg.ProcessWriters("n")
	require.Nil(t, errW)
	ol, ok := outW.(*lj.Logger)
	require.True(t, ok)
	assert.Equal(t, DefaultMaxSizeMB, ol.MaxSize)
	assert.Equal(t, DefaultMaxBackups, ol.MaxBackups)
	assert.Equal(t, DefaultMaxAgeDays, ol.MaxAge)

	cfg = Config{File: FileConfig{StderrPath: filepath.Join(dir, "e.log"), MaxSizeMB: 1, MaxBackups: 9, MaxAgeDays: 11, Compress: true}}
	outW, errW, _ = cfg.ProcessWriters("n")
	require.Nil(t, outW)
	el := errW.(*lj.Logger)
	assert.Equal(t, 1, el.MaxSize)
	assert.Equal(t, 9, el.MaxBackups)
	assert.Equal(t, 11, el.MaxAge)
	assert.True(t, el.Compress)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel(" error "))
	assert.Equal(t, slog.LevelInfo, ParseLevel(""))
	assert.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}

func TestNewWritesRotatedFile(t *testing.T) {
	dir := t.TempDir()
	log, closer := New(Config{Level: "debug", Format: FormatJSON, File: FileConfig{Dir: dir}}, "supervisor")
	log.Debug("launched", "name", "alice")
	require.NoError(t, closer.Close())

	b, err := os.ReadFile(filepath.Join(dir, "supervisor.log"))
	require.NoError(t, err)
	assert.Contains(t, string(b), `"msg":"launched"`)
	assert.Contains(t, string(b), `"name":"alice"`)
}

func TestNewWriterFormats(t *testing.T) {
	var buf bytes.Buffer
	NewWriter(&buf, FormatText, nil).Info("hi", "k", "v")
	assert.Contains(t, buf.String(), "msg=hi k=v")

	buf.Reset()
	NewWriter(&buf, FormatJSON, nil).Info("hi")
	assert.True(t, strings.HasPrefix(buf.String(), "{"))
}

func TestColorTextHandler(t *testing.T) {
	var buf bytes.Buffer
	h := NewColorTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}, false)
	log := slog.New(h).With("client", "alice")
	log.Warn("careful")

	out := buf.String()
	assert.Contains(t, out, `msg="\x1b[33mWARN\x1b[0m  careful"`)
	assert.Contains(t, out, "client=alice")
	assert.NotContains(t, out, "time=")
	assert.True(t, h.Enabled(context.Background(), slog.LevelDebug))
}
