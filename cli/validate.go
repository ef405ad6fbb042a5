package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/petal-labs/trellis/auth"
	"github.com/petal-labs/trellis/config"
)

// NewValidateCmd creates the "validate" subcommand.
func NewValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the gateway configuration",
		RunE:  runValidate,
	}
	cmd.Flags().String("config", "", "Path to trellis.yaml")
	return cmd
}

func runValidate(cmd *cobra.Command, _ []string) error {
	explicitPath, _ := cmd.Flags().GetString("config")
	path, found, err := config.DiscoverPath(explicitPath)
	if err != nil {
		return exitError(exitConfig, "%v", err)
	}
	if !found {
		return exitError(exitConfig, "no config file found (looked for trellis.yaml and ~/.trellis/config.yaml)")
	}

	cfg, err := config.Load(path)
	if err != nil {
		return exitError(exitValidation, "%v", err)
	}

	// Exercise the auth declarations so secret/scheme mistakes surface here
	// instead of on the first invocation.
	manager := auth.NewManager(auth.ManagerConfig{})
	for _, serverID := range cfg.ServerNames() {
		if err := manager.Configure(serverID, cfg.Servers[serverID].Auth.AuthConfig()); err != nil {
			return exitError(exitValidation, "server %q: %v", serverID, err)
		}
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%s: OK (%d server(s))\n", path, len(cfg.Servers))
	return nil
}
