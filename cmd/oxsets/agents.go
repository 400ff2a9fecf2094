package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"oxsets/internal/domain"
	"oxsets/internal/usecase/integrity"
)

// withRegistry loads config, wires the app and scans the sets directory
// before calling fn.
func withRegistry(cmd *cobra.Command, opts *globalOpts, fn func(ctx context.Context, a *app) error) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	a, err := newApp(ctx, cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer a.close()

	if _, err := a.reg.Rescan(ctx); err != nil {
		return err
	}
	return fn(ctx, a)
}

func newListCmd(opts *globalOpts) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List discovered agents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRegistry(cmd, opts, func(_ context.Context, a *app) error {
				agents := a.reg.List()
				if jsonOutput {
					return writeJSON(cmd.OutOrStdout(), agents)
				}
				return printAgents(cmd.OutOrStdout(), agents)
			})
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

func printAgents(w io.Writer, agents []domain.AgentManifest) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tTIER\tVERIFICATION\tMISSING")
	for _, m := range agents {
		missing := "-"
		if len(m.MissingFiles) > 0 {
			missing = strings.Join(m.MissingFiles, ",")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", m.ID, m.Name, m.Tier, m.Verification, missing)
	}
	return tw.Flush()
}

func newShowCmd(opts *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "show <agent-id>",
		Short: "Show one agent's manifest as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRegistry(cmd, opts, func(_ context.Context, a *app) error {
				m, err := a.reg.Get(args[0])
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), m)
			})
		},
	}
}

func newVerifyCmd(opts *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "verify <agent-id>",
		Short: "Check an agent's files against its checksums",
		Long: `Check an agent's files against checksums.json. Bundles without a
checksums file are checked for presence of the canon files only.
Exits non-zero when any file fails.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRegistry(cmd, opts, func(ctx context.Context, a *app) error {
				result, err := a.reg.Verify(ctx, args[0])
				if err != nil {
					return err
				}

				names := make([]string, 0, len(result))
				for name := range result {
					names = append(names, name)
				}
				sort.Strings(names)

				out := cmd.OutOrStdout()
				for _, name := range names {
					mark := "ok  "
					if !result[name] {
						mark = "FAIL"
					}
					fmt.Fprintf(out, "%s  %s\n", mark, name)
				}
				if n := integrity.Mismatches(result); n > 0 {
					return fmt.Errorf("%s: %d file(s) failed verification", args[0], n)
				}
				return nil
			})
		},
	}
}

func newLogsCmd(opts *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "logs <agent-id>",
		Short: "Print the tail of an agent's log file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRegistry(cmd, opts, func(_ context.Context, a *app) error {
				lines, err := a.reg.Logs(args[0])
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				for _, line := range lines {
					fmt.Fprintln(out, line)
				}
				return nil
			})
		},
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
