package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"peercall-backend/pkg/env"
	"peercall-backend/pkg/logger"
)

// Version info set via ldflags at build time.
var (
	Version = "dev"
	Commit  = "none"
)

type globalOptions struct {
	server   string
	token    string
	logLevel string
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	cmd := &cobra.Command{
		Use:           "call-agent",
		Short:         "Place and answer peer-to-peer calls from the terminal",
		Long:          "call-agent joins calls through the call service and carries the media over WebRTC.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return logger.Init(&logger.Config{Level: opts.logLevel, Format: "text", Output: "stdout"})
		},
	}

	cmd.PersistentFlags().StringVar(&opts.server, "server", env.GetString("PEERCALL_SERVER", "http://localhost:8080"), "call service base URL")
	cmd.PersistentFlags().StringVar(&opts.token, "token", env.GetStringFromFile("PEERCALL_TOKEN", ""), "access token (or PEERCALL_TOKEN)")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "warn", "debug, info, warn or error")

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newTokenCmd())
	cmd.AddCommand(newCallCmd(opts))
	cmd.AddCommand(newAnswerCmd(opts))
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "call-agent %s (commit: %s)\n", Version, Commit)
		},
	}
}

func execute(cmd *cobra.Command) int {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(cmd.ErrOrStderr(), "Error:", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(execute(newRootCmd()))
}
