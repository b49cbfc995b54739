package logging

import (
	"os"
	"path/filepath"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teampulse/pulse-ai/internal/config"
)

func TestSetupWritesRotatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "pulse.log")
	closer, err := Setup(config.LoggingConfig{Level: "debug", Format: "json", File: path, MaxSizeMB: 1})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = closer.Close()
		log.SetOutput(os.Stderr)
	})

	log.WithField("tenant", "t1").Debug("hello from test")

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"msg":"hello from test"`)
	assert.Contains(t, string(raw), `"tenant":"t1"`)
	assert.Equal(t, log.DebugLevel, log.GetLevel())
}

func TestSetupFallsBackToInfo(t *testing.T) {
	closer, err := Setup(config.LoggingConfig{Level: "loud"})
	require.NoError(t, err)
	assert.NoError(t, closer.Close())
	assert.Equal(t, log.InfoLevel, log.GetLevel())
}
