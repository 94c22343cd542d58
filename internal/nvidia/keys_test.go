// SPDX-License-Identifier: MIT

package nvidia

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadKeyFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nvenc.keys")
	content := "# comment\n! also a comment\n\nabc-123\n  def-456  \n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	keys, err := readKeyFile(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"abc-123", "def-456"}, keys)
}

func TestLoadLicenseKeys_AlwaysEndsWithNoKey(t *testing.T) {
	t.Setenv(keysEnvVar, "")

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "nvenc.keys"), []byte("k1\n"), 0o600))

	keys := loadLicenseKeys([]string{dir, filepath.Join(dir, "missing")})
	require.NotEmpty(t, keys)
	assert.Equal(t, "", keys[len(keys)-1], `the "no key" candidate is tried last`)
	assert.Contains(t, keys, "k1")
}

func TestLoadLicenseKeys_EnvOverridesFiles(t *testing.T) {
	t.Setenv(keysEnvVar, "env-a, env-b")

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "nvenc.keys"), []byte("file-key\n"), 0o600))

	keys := loadLicenseKeys([]string{dir})
	assert.Equal(t, []string{"env-a", "env-b", ""}, keys)
}
