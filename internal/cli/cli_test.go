package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/loom/pkg/types"
)

func runCommand(t *testing.T, args ...string) string {
	t.Helper()
	flags = rootFlags{} // global flag state does not leak between tests
	var out bytes.Buffer
	root := NewRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	require.NoError(t, root.Execute())
	return out.String()
}

func TestVersionCommand(t *testing.T) {
	out := runCommand(t, "version")
	assert.Contains(t, out, "loom v")
	assert.Contains(t, out, modulePath)
}

func TestVersionCommandJSON(t *testing.T) {
	out := runCommand(t, "version", "--json")
	assert.Contains(t, out, `"version"`)
}

func TestInitCreatesDirectoriesAndConfig(t *testing.T) {
	configDir := filepath.Join(t.TempDir(), "cfg")
	dataDir := filepath.Join(t.TempDir(), "data")

	out := runCommand(t, "init", "--config-dir", configDir, "--data-dir", dataDir)
	assert.Contains(t, out, "Loom initialized")

	_, err := os.Stat(filepath.Join(configDir, configFileExt))
	assert.NoError(t, err, "default config.yaml must exist")
	_, err = os.Stat(dataDir)
	assert.NoError(t, err, "data directory must exist")

	// Re-running init is idempotent and keeps the existing config.
	before, err := os.ReadFile(filepath.Join(configDir, configFileExt))
	require.NoError(t, err)
	runCommand(t, "init", "--config-dir", configDir, "--data-dir", dataDir)
	after, err := os.ReadFile(filepath.Join(configDir, configFileExt))
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestBuildConfigReadsYAML(t *testing.T) {
	flags = rootFlags{}
	configDir := t.TempDir()
	yaml := `relay_url: ws://relay.example:8787
user_id: alice
namespace: work
display_name: Alice
sync_strategy: batch
batch_size: 10
batch_interval: 5s
presence_timeout: 45s
`
	require.NoError(t, os.WriteFile(filepath.Join(configDir, configFileExt), []byte(yaml), 0o644))

	v, err := loadConfig(configDir)
	require.NoError(t, err)

	cfg, err := buildConfig(v, "doc-xyz")
	require.NoError(t, err)
	assert.Equal(t, "doc-xyz", cfg.DocID)
	assert.Equal(t, "alice", cfg.UserID)
	assert.Equal(t, "work", cfg.Namespace)
	assert.Equal(t, "ws://relay.example:8787", cfg.RelayURL)
	assert.Equal(t, types.SyncBatch, cfg.SyncStrategy)
	assert.Equal(t, 10, cfg.BatchSize)
	assert.Equal(t, 5*time.Second, cfg.BatchInterval)
	assert.Equal(t, 45*time.Second, cfg.GetPresenceTimeout())
	require.NoError(t, cfg.Validate())
}

func TestLoadConfigDefaults(t *testing.T) {
	v, err := loadConfig(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "default", v.GetString(cfgKeyNamespace))
	assert.Equal(t, types.SyncImmediate, v.GetString(cfgKeySyncStrategy))
}
