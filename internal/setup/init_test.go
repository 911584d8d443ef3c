package setup

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/msageha/gatekeeper/internal/model"
)

func TestRun_CreatesDirectoryStructure(t *testing.T) {
	dir := filepath.Join(t.TempDir(), DirName)
	require.NoError(t, Run(dir, false))

	for _, d := range Dirs {
		info, err := os.Stat(filepath.Join(dir, d))
		require.NoError(t, err, d)
		assert.True(t, info.IsDir(), d)
	}
}

func TestRun_TemplateMatchesDefaults(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Run(dir, false))

	data, err := os.ReadFile(filepath.Join(dir, "config.yaml"))
	require.NoError(t, err)
	var cfg model.Config
	require.NoError(t, yaml.Unmarshal(data, &cfg))

	assert.Equal(t, model.DefaultConfig(), cfg.WithDefaults())
	assert.Equal(t, 5, cfg.Admission.MaxConcurrent)
	assert.False(t, cfg.Notify.Enabled)
	assert.Equal(t, model.DefaultNotifyEvents, cfg.Notify.Events)
}

func TestRun_KeepsExistingConfig(t *testing.T) {
	dir := t.TempDir()
	custom := []byte("admission:\n  max_concurrent: 2\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), custom, 0644))

	require.NoError(t, Run(dir, false))
	got, err := os.ReadFile(filepath.Join(dir, "config.yaml"))
	require.NoError(t, err)
	assert.Equal(t, custom, got)

	require.NoError(t, Run(dir, true))
	got, err = os.ReadFile(filepath.Join(dir, "config.yaml"))
	require.NoError(t, err)
	assert.NotEqual(t, custom, got)
	_, err = os.Stat(filepath.Join(dir, "config.yaml.bak"))
	assert.NoError(t, err, "force keeps the previous config as a backup")
}
