package main

import (
	"io"

	"github.com/spf13/cobra"

	"oxsets/internal/infra/config"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "0.1.0"

type globalOpts struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &globalOpts{}

	rootCmd := &cobra.Command{
		Use:   "oxsets",
		Short: "Discover, verify and supervise 3OX agent bundles",
		Long: `oxsets - agent bundle supervisor

oxsets scans a sets directory for *.3ox agent bundles, checks each bundle's
canon files, and launches or stops the agents' run scripts. "serve" exposes
the same operations over HTTP for the viewer frontend.`,
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", config.DefaultPath, "path to the YAML config file")
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.AddCommand(
		newServeCmd(opts),
		newListCmd(opts),
		newShowCmd(opts),
		newVerifyCmd(opts),
		newLogsCmd(opts),
		newVersionCmd(),
	)
	return rootCmd
}

// Execute runs the command tree with the given output writers and arguments.
func Execute(stdout, stderr io.Writer, args []string) error {
	rootCmd := newRootCmd()
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)
	rootCmd.SetArgs(args)
	return rootCmd.Execute()
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the oxsets version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := io.WriteString(cmd.OutOrStdout(), "oxsets "+version+"\n")
			return err
		},
	}
}
