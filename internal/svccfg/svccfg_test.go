package svccfg

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadYAML(t *testing.T) {
	path := writeTemp(t, "gosv.yaml", "cond_dir: /run/test/cond\ndefault_runlevel: 3\nrespawn_cap: 5\n")

	s, err := Load(path)

	require.NoError(t, err)
	assert.Equal(t, "/run/test/cond", s.CondDir)
	assert.Equal(t, 3, s.DefaultRunlevel)
	assert.Equal(t, 5, s.RespawnCap)
	assert.Equal(t, Defaults().ServiceDir, s.ServiceDir, "unset keys keep their defaults")
}

func TestLoadTOML(t *testing.T) {
	path := writeTemp(t, "gosv.toml", "default_runlevel = 4\nstable_after_sec = 120\n")

	s, err := Load(path)

	require.NoError(t, err)
	assert.Equal(t, 4, s.DefaultRunlevel)
	assert.Equal(t, 120, s.StableAfterSec)
}

func TestLoadUnknownExtensionFails(t *testing.T) {
	path := writeTemp(t, "gosv.ini", "default_runlevel = 4\n")

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load("/nonexistent/gosv.yaml")
	assert.Error(t, err)
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	s, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Defaults(), s)
}

// TestApplyFlagsPrecedence pins the flag > file > default ordering: only
// flags the user explicitly set override the loaded file.
func TestApplyFlagsPrecedence(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	vals := Defaults()
	BindFlags(fs, vals)
	require.NoError(t, fs.Parse([]string{"--runlevel", "5"}))

	fromFile := Defaults()
	fromFile.DefaultRunlevel = 3
	fromFile.RespawnCap = 7
	ApplyFlags(fs, vals, fromFile)

	assert.Equal(t, 5, fromFile.DefaultRunlevel, "explicit flag wins over the file")
	assert.Equal(t, 7, fromFile.RespawnCap, "unset flag leaves the file value alone")
}
