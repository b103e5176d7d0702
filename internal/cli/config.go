// Config loading for the loom CLI.
package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"

	"github.com/mesh-intelligence/loom/internal/paths"
	"github.com/mesh-intelligence/loom/pkg/types"
)

const (
	configFileName = "config"
	configFileType = "yaml"
	configFileExt  = "config.yaml"

	cfgKeyDataDir         = "data_dir"
	cfgKeyRelayURL        = "relay_url"
	cfgKeyUserID          = "user_id"
	cfgKeyNamespace       = "namespace"
	cfgKeyDisplayName     = "display_name"
	cfgKeyColor           = "color"
	cfgKeyPresenceTimeout = "presence_timeout"
	cfgKeyClaimTimeout    = "bootstrap_claim_timeout"
	cfgKeySyncStrategy    = "sync_strategy"
	cfgKeyBatchSize       = "batch_size"
	cfgKeyBatchInterval   = "batch_interval"
)

// defaultConfigYAML is the content written to config.yaml on first run.
const defaultConfigYAML = `# Loom configuration

# Relay to sync documents through (empty keeps documents local-only)
# relay_url: ws://localhost:8787

# Identity used for presence and storage namespacing
# user_id:
# namespace: default
# display_name:
# color: "#5b8def"

# Data directory (optional; overridable by --data-dir flag)
# data_dir:

# Persistence sync strategy: immediate or batch
# sync_strategy: immediate
`

// loadConfig reads config.yaml from the resolved config directory using
// Viper, creating the directory and a default config.yaml on first run. A
// missing config.yaml is not an error.
func loadConfig(configDir string) (*viper.Viper, error) {
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return nil, fmt.Errorf("ensure config dir: %w", err)
	}
	if err := ensureDefaultConfigFile(configDir); err != nil {
		return nil, fmt.Errorf("ensure default config: %w", err)
	}

	v := viper.New()
	v.SetDefault(cfgKeyNamespace, "default")
	v.SetDefault(cfgKeySyncStrategy, types.SyncImmediate)
	v.SetConfigName(configFileName)
	v.SetConfigType(configFileType)
	v.AddConfigPath(configDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return v, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	return v, nil
}

// ensureDefaultConfigFile creates a commented config.yaml if none exists.
func ensureDefaultConfigFile(configDir string) error {
	path := filepath.Join(configDir, configFileExt)
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return err
	}
	return os.WriteFile(path, []byte(defaultConfigYAML), 0o644)
}

// buildConfig assembles a store configuration for one document from the
// loaded config file and global flags.
func buildConfig(v *viper.Viper, docID string) (*types.Config, error) {
	dataDir, err := paths.ResolveDataDir(flags.dataDir, v.GetString(cfgKeyDataDir))
	if err != nil {
		return nil, fmt.Errorf("resolve data dir: %w", err)
	}
	return &types.Config{
		DocID:                 docID,
		UserID:                v.GetString(cfgKeyUserID),
		Namespace:             v.GetString(cfgKeyNamespace),
		DataDir:               dataDir,
		RelayURL:              v.GetString(cfgKeyRelayURL),
		DisplayName:           v.GetString(cfgKeyDisplayName),
		Color:                 v.GetString(cfgKeyColor),
		PresenceTimeout:       v.GetDuration(cfgKeyPresenceTimeout),
		BootstrapClaimTimeout: v.GetDuration(cfgKeyClaimTimeout),
		SyncStrategy:          v.GetString(cfgKeySyncStrategy),
		BatchSize:             v.GetInt(cfgKeyBatchSize),
		BatchInterval:         v.GetDuration(cfgKeyBatchInterval),
	}, nil
}
