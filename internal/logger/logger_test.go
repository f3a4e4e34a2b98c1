package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/Brownie44l1/medvision-api/internal/config"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInit_FileAndLevel(t *testing.T) {
	defer log.SetOutput(os.Stderr)

	path := filepath.Join(t.TempDir(), "logs", "server.log")
	require.NoError(t, Init(config.LogConfig{Level: "warn", File: path}))
	assert.Equal(t, log.WarnLevel, log.GetLevel())

	log.Warn("written to file")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "written to file")
	require.NoError(t, Close())
}

func TestInit_InvalidLevel(t *testing.T) {
	defer log.SetOutput(os.Stderr)

	require.NoError(t, Init(config.LogConfig{Level: "loud"}))
	assert.Equal(t, log.InfoLevel, log.GetLevel())
}

func TestClose_ReleasesLogFile(t *testing.T) {
	defer log.SetOutput(os.Stderr)

	path := filepath.Join(t.TempDir(), "server.log")
	require.NoError(t, Init(config.LogConfig{Level: "info", File: path}))
	log.Info("before close")

	require.NoError(t, Close())
	require.NoError(t, Close())
	log.Info("after close")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "before close")
	assert.NotContains(t, string(data), "after close")
}

func TestInit_ReopensFile(t *testing.T) {
	defer log.SetOutput(os.Stderr)
	defer Close()

	dir := t.TempDir()
	first := filepath.Join(dir, "first.log")
	second := filepath.Join(dir, "second.log")
	require.NoError(t, Init(config.LogConfig{Level: "info", File: first}))
	require.NoError(t, Init(config.LogConfig{Level: "info", File: second}))
	log.Info("only in second")

	data, err := os.ReadFile(first)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "only in second")

	data, err = os.ReadFile(second)
	require.NoError(t, err)
	assert.Contains(t, string(data), "only in second")
}
