package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/loom/internal/paths"
)

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize loom configuration and data directories",
		Long:  "Create the configuration directory with a default config.yaml and the data directory.",
		RunE:  runInit,
	}
}

func runInit(cmd *cobra.Command, args []string) error {
	configDir, err := paths.ResolveConfigDir(flags.configDir)
	if err != nil {
		return exitError(exitSysError, fmt.Sprintf("resolve config directory: %s", err))
	}

	v, err := loadConfig(configDir)
	if err != nil {
		return exitError(exitSysError, fmt.Sprintf("load config: %s", err))
	}

	dataDir, err := paths.ResolveDataDir(flags.dataDir, v.GetString(cfgKeyDataDir))
	if err != nil {
		return exitError(exitSysError, fmt.Sprintf("resolve data directory: %s", err))
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return exitError(exitSysError, fmt.Sprintf("create data directory: %s", err))
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Loom initialized\nconfig: %s\ndata:   %s\n", configDir, dataDir)
	return nil
}
