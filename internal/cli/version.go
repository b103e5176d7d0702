package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/loom/pkg/loom"
)

const modulePath = "github.com/mesh-intelligence/loom"

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the loom version",
		RunE: func(cmd *cobra.Command, args []string) error {
			if flags.jsonMode {
				out, err := json.Marshal(map[string]string{
					"version": loom.Version,
					"module":  modulePath,
				})
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(out))
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "loom v%s\nmodule: %s\n", loom.Version, modulePath)
			return nil
		},
	}
}
