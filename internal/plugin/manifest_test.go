package plugin

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadManifestReturnsNilWhenAbsent(t *testing.T) {
	m, err := LoadManifest(t.TempDir(), "nobody")
	require.NoError(t, err)
	assert.Nil(t, m)
}

func TestLoadManifestParsesTOML(t *testing.T) {
	dir := t.TempDir()
	contents := []byte("description = \"redacts secrets\"\ndefault_timeout_seconds = 5\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "redactor.toml"), contents, 0o644))

	m, err := LoadManifest(dir, "redactor")
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "redacts secrets", m.Description)
	assert.Equal(t, 5, m.DefaultTimeoutSeconds)
}

func TestLoadManifestRejectsMalformedTOML(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.toml"), []byte("not = [valid"), 0o644))

	_, err := LoadManifest(dir, "broken")
	assert.Error(t, err)
}
