package cli

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/petal-labs/trellis"
)

// NewToolsCmd creates the "tools" command group.
func NewToolsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Inspect and invoke registered tools",
	}
	cmd.PersistentFlags().String("config", "", "Path to trellis.yaml")
	cmd.PersistentFlags().String("sqlite-path", "", "Path to SQLite database (default: ~/.trellis/trellis.db)")

	cmd.AddCommand(newToolsListCmd())
	cmd.AddCommand(newToolsDiscoverCmd())
	cmd.AddCommand(newToolsInvokeCmd())

	return cmd
}

func newToolsListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list [server]",
		Short: "List registered tools, optionally for one server",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runToolsList,
	}
	return cmd
}

func runToolsList(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	parts, err := buildGateway(cmd.Context(), cmd, cfg, nil, slog.Default())
	if err != nil {
		return err
	}
	defer parts.close()

	servers := cfg.ServerNames()
	if len(args) == 1 {
		servers = []string{strings.TrimSpace(args[0])}
	} else {
		servers = append(servers, trellis.DefaultLocalServerID)
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SERVER\tTOOL\tVERSION\tCACHEABLE\tDESCRIPTION")
	total := 0
	for _, serverID := range servers {
		for _, desc := range parts.gateway.Registry().List(serverID) {
			total++
			fmt.Fprintf(w, "%s\t%s\tv%d\t%v\t%s\n",
				desc.ServerID, desc.Name, desc.SchemaVersion, desc.Cacheable, desc.Description)
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if total == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No tools registered. Run 'trellis tools discover' first.")
	}
	return nil
}

func newToolsDiscoverCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "discover [server...]",
		Short: "Fetch remote tool catalogs into the registry",
		RunE:  runToolsDiscover,
	}
	return cmd
}

func runToolsDiscover(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	parts, err := buildGateway(cmd.Context(), cmd, cfg, nil, slog.Default())
	if err != nil {
		return err
	}
	defer parts.close()

	servers := args
	if len(servers) == 0 {
		servers = cfg.ServerNames()
	}
	if len(servers) == 0 {
		return exitError(exitConfig, "no servers configured")
	}

	for _, serverID := range servers {
		added, skipped, err := parts.gateway.Discover(cmd.Context(), serverID)
		if err != nil {
			return exitError(exitRuntime, "discovering %q: %v", serverID, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %d tool(s) added, %d skipped\n", serverID, added, skipped)
	}
	return nil
}

func newToolsInvokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "invoke <server> <tool>",
		Short: "Invoke a tool on a configured server",
		Args:  cobra.ExactArgs(2),
		RunE:  runToolsInvoke,
	}
	cmd.Flags().String("params", "{}", "Invocation parameters as JSON")
	cmd.Flags().Duration("deadline", 0, "Per-call deadline override")
	return cmd
}

func runToolsInvoke(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	rawParams, _ := cmd.Flags().GetString("params")
	var params map[string]any
	if err := json.Unmarshal([]byte(rawParams), &params); err != nil {
		return exitError(exitValidation, "invalid --params JSON: %v", err)
	}

	parts, err := buildGateway(cmd.Context(), cmd, cfg, nil, slog.Default())
	if err != nil {
		return err
	}
	defer parts.close()

	deadline, _ := cmd.Flags().GetDuration("deadline")
	result, err := parts.gateway.Invoke(cmd.Context(), trellis.Request{
		ServerID: strings.TrimSpace(args[0]),
		ToolName: strings.TrimSpace(args[1]),
		Params:   params,
		Deadline: deadline,
	})
	if err != nil {
		return exitError(exitRuntime, "%v", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%s\n", result.Data)
	fmt.Fprintf(cmd.ErrOrStderr(), "latency=%s attempts=%d cache_hit=%v\n",
		result.Latency.Round(time.Millisecond), result.Attempts, result.CacheHit)
	return nil
}
