package migration

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rshade/esctl/internal/config"
)

const legacyJSON = `{
  "contexts": {
    "local": {"type": "http", "host": "localhost", "port": 9200, "username": null, "password": null},
    "prod": {"type": "kubernetes", "kube_context": "prod-eu", "kube_namespace": "search", "es_name": "logs"},
    "vm": {"type": "gce", "vm_name": "es-1", "project_id": "p", "zone": "europe-west1-b"},
    "broken": {"type": "kubernetes", "kube_namespace": "search"}
  },
  "current_context": "prod",
  "aliases": {}
}`

func writeLegacy(t *testing.T, content string) string {
	t.Helper()
	home := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(home, LegacyFileName), []byte(content), 0o600))
	return home
}

func TestDetectLegacy(t *testing.T) {
	home := t.TempDir()
	_, ok := DetectLegacy(home)
	assert.False(t, ok)

	home = writeLegacy(t, legacyJSON)
	path, ok := DetectLegacy(home)
	assert.True(t, ok)
	assert.Equal(t, filepath.Join(home, LegacyFileName), path)

	require.NoError(t, os.WriteFile(filepath.Join(home, config.ConfigFileName), []byte("{}\n"), 0o600))
	_, ok = DetectLegacy(home)
	assert.False(t, ok, "config.yaml wins")
}

func TestImport(t *testing.T) {
	home := writeLegacy(t, legacyJSON)

	result, err := Import(home)
	require.NoError(t, err)
	assert.Equal(t, []string{"local", "prod"}, result.Imported)
	assert.Contains(t, result.Skipped["vm"], "gce contexts are not supported")
	assert.Contains(t, result.Skipped["broken"], "kube_namespace and es_name")

	cfg, err := config.Load(filepath.Join(home, config.ConfigFileName))
	require.NoError(t, err)
	assert.Equal(t, "prod", cfg.CurrentContext)
	assert.Equal(t, "localhost", cfg.Contexts["local"].Host)
	assert.Equal(t, 9200, cfg.Contexts["local"].Port)
	assert.Equal(t, "logs", cfg.Contexts["prod"].ESName)
	assert.Equal(t, "prod-eu", cfg.Contexts["prod"].KubeContext)

	_, err = os.Stat(filepath.Join(home, LegacyFileName))
	require.NoError(t, err, "legacy file preserved")

	_, err = Import(home)
	require.ErrorIs(t, err, ErrAlreadyMigrated)
}

func TestImport_CurrentContextSkipped(t *testing.T) {
	home := writeLegacy(t, `{"contexts": {"b": {"type": "http", "host": "b"}, "a": {"type": "http", "host": "a"},
		"vm": {"type": "gce"}}, "current_context": "vm"}`)

	result, err := Import(home)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, result.Imported)

	cfg, err := config.Load(filepath.Join(home, config.ConfigFileName))
	require.NoError(t, err)
	assert.Equal(t, "a", cfg.CurrentContext)
}

func TestImport_Malformed(t *testing.T) {
	home := writeLegacy(t, `{"contexts": [`)
	_, err := Import(home)
	require.Error(t, err)
	_, statErr := os.Stat(filepath.Join(home, config.ConfigFileName))
	assert.True(t, os.IsNotExist(statErr))
}

func TestRunMigration(t *testing.T) {
	t.Run("accepted", func(t *testing.T) {
		home := writeLegacy(t, legacyJSON)
		var out bytes.Buffer
		require.NoError(t, RunMigration(&out, strings.NewReader("y\n"), home))
		assert.Contains(t, out.String(), "Imported 2 context(s)")
		assert.Contains(t, out.String(), "Skipped vm: gce contexts are not supported")
		_, err := os.Stat(filepath.Join(home, config.ConfigFileName))
		require.NoError(t, err)
	})

	t.Run("declined", func(t *testing.T) {
		home := writeLegacy(t, legacyJSON)
		var out bytes.Buffer
		require.NoError(t, RunMigration(&out, strings.NewReader("\n"), home))
		assert.Contains(t, out.String(), "Import skipped")
		_, err := os.Stat(filepath.Join(home, config.ConfigFileName))
		assert.True(t, os.IsNotExist(err))
	})

	t.Run("nothing to do", func(t *testing.T) {
		var out bytes.Buffer
		require.NoError(t, RunMigration(&out, strings.NewReader("y\n"), t.TempDir()))
		assert.Empty(t, out.String())
	})
}
