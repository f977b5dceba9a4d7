package subaru

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigParsesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "subaru.conf")
	content := `# comment
aur = no
optimize = "yes"
suggestions_limit = 5
broken line without separator
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "no", cfg.Values["aur"])
	assert.Equal(t, "yes", cfg.Values["optimize"])
	assert.Equal(t, 5, cfg.int("suggestions_limit", 15))
	assert.False(t, cfg.bool("aur"))
	assert.True(t, cfg.bool("optimize"))
}

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg, err := loadConfig(filepath.Join(t.TempDir(), "does-not-exist.conf"))
	require.NoError(t, err)
	assert.True(t, cfg.bool("repositories"))
	assert.True(t, cfg.bool("aur"))
	assert.False(t, cfg.bool("simple_checking"))
	assert.Equal(t, 15, cfg.int("suggestions_limit", 15))
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "subaru.conf")
	require.NoError(t, os.WriteFile(path, []byte("aur = yes\n"), 0o644))
	t.Setenv("SUBARU_AUR", "no")

	cfg, err := loadConfig(path)
	require.NoError(t, err)
	assert.False(t, cfg.bool("aur"))
}

func TestConfigBoolForms(t *testing.T) {
	cfg := &Config{Values: map[string]string{
		"a": "yes", "b": "True", "c": "1", "d": "on",
		"e": "no", "f": "0", "g": "",
	}}
	for _, key := range []string{"a", "b", "c", "d"} {
		assert.True(t, cfg.bool(key), key)
	}
	for _, key := range []string{"e", "f", "g"} {
		assert.False(t, cfg.bool(key), key)
	}
}

func TestConfigIntFallback(t *testing.T) {
	cfg := &Config{Values: map[string]string{"n": "abc"}}
	assert.Equal(t, 7, cfg.int("n", 7))
	assert.Equal(t, 7, cfg.int("missing", 7))
}
