package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/loom/internal/relay"
)

func newServeCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync relay",
		Long:  "Serve the websocket relay that loom clients sync documents through.",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger()
			srv := relay.NewServer(log)
			if err := srv.ListenAndServe(addr); err != nil {
				return exitError(exitSysError, fmt.Sprintf("relay: %s", err))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8787", "listen address")
	return cmd
}

// newLogger builds the process logger: JSON when --json is set, text
// otherwise.
func newLogger() *slog.Logger {
	if flags.jsonMode {
		return slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, nil))
}
