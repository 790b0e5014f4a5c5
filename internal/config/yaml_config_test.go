package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chdirToProject(t *testing.T, contents string) string {
	t.Helper()
	tmpDir := t.TempDir()
	configDir := filepath.Join(tmpDir, ".taskcore")
	require.NoError(t, os.MkdirAll(configDir, 0o755))
	configPath := filepath.Join(configDir, "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(contents), 0o600))

	cwd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(tmpDir))
	t.Cleanup(func() { _ = os.Chdir(cwd) })

	return configPath
}

func TestSetConfigValue_RejectsUnknownKey(t *testing.T) {
	chdirToProject(t, "log_level: info\n")
	err := SetConfigValue("not_a_real_key", "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown key")
}

func TestSetConfigValue_RejectsMalformedIntAndDuration(t *testing.T) {
	chdirToProject(t, "max_tasks: 10\n")

	err := SetConfigValue("max_tasks", "lots")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not an integer")

	err = SetConfigValue("convergence_timeout", "five minutes")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a duration")
}

func TestSetConfigValue_UpdatesExistingKeyInPlace(t *testing.T) {
	configPath := chdirToProject(t, "log_level: info\nmax_tasks: 10\n")

	require.NoError(t, SetConfigValue("max_tasks", "25"))

	data, err := os.ReadFile(configPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "max_tasks: 25")
	assert.Contains(t, string(data), "log_level: info", "unrelated keys must survive untouched")
}

func TestSetConfigValue_AppendsAbsentKey(t *testing.T) {
	configPath := chdirToProject(t, "log_level: info\n")

	require.NoError(t, SetConfigValue("parallelism", "4"))

	data, err := os.ReadFile(configPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "parallelism: 4")
}

func TestSetConfigValue_PrefersActiveLineOverCommentedExample(t *testing.T) {
	configPath := chdirToProject(t, "# log_level: debug\nlog_level: info\n")

	require.NoError(t, SetConfigValue("log_level", "warn"))

	data, err := os.ReadFile(configPath)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	require.Len(t, lines, 2, "commented example must survive untouched, and only the active mapping is rewritten")
	assert.Equal(t, "# log_level: debug", lines[0])
	assert.Equal(t, "log_level: warn", lines[1])
}

func TestSetConfigValue_QuotesStringValuesThatNeedIt(t *testing.T) {
	configPath := chdirToProject(t, "nats_url: \"\"\n")

	require.NoError(t, SetConfigValue("nats_url", "nats://localhost:4222"))

	data, err := os.ReadFile(configPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), `nats_url: "nats://localhost:4222"`)
}
