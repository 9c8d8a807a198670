package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/natefinch/lumberjack.v2"
)

func TestNewLoggerWritesToRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "autoclose.log")

	log, err := NewLogger(Config{Level: "debug", Output: path, MaxSizeMB: 1})
	require.NoError(t, err)

	log.Info("order triggered")
	_ = log.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"order triggered"`)
	assert.Contains(t, string(data), `"level":"info"`)
}

func TestWriterFor(t *testing.T) {
	assert.Equal(t, os.Stdout, writerFor(Config{}))
	assert.Equal(t, os.Stderr, writerFor(Config{Output: "stderr"}))

	w, ok := writerFor(Config{Output: "/tmp/x.log", MaxBackups: 3}).(*lumberjack.Logger)
	require.True(t, ok)
	assert.Equal(t, 3, w.MaxBackups)
}
