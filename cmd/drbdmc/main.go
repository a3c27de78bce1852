// drbdmc is a management console for DRBD and Pacemaker clusters. It keeps
// one SSH connection per cluster node and runs commands on the nodes, either
// for real or as a drbdadm dry run against an alternate config.
package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Version and BuildDate are set via ldflags during build.
// Example: -ldflags="-X main.Version=v1.0.0 -X main.BuildDate=2026-01-03"
var (
	Version   = "dev"
	BuildDate = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		var exitErr *exitError
		if !errors.As(err, &exitErr) {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		os.Exit(exitCode(err))
	}
}

// rootOptions holds the flags shared by all commands.
type rootOptions struct {
	configPath string
	hosts      []string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "drbdmc",
		Short:         "Run commands on DRBD/Pacemaker cluster nodes over SSH",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       fmt.Sprintf("%s (built %s)", Version, BuildDate),
	}

	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (YAML or TOML); defaults to $DRBDMC_CONFIG")
	root.PersistentFlags().StringSliceVar(&opts.hosts, "hosts", nil, "comma-separated host names or glob patterns, \"!pattern\" excludes (default: all hosts)")

	root.AddCommand(
		newRunCmd(opts),
		newDryRunCmd(opts),
		newDRBDCmd(opts),
		newCIBCmd(opts),
		newConsoleCmd(opts),
		newHostsCmd(opts),
	)

	return root
}

// exitError carries a process exit status out of a command.
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

func exitCode(err error) int {
	var exitErr *exitError
	if errors.As(err, &exitErr) {
		return exitErr.code
	}
	return 1
}

func setupLogger(level, format string, w io.Writer) *slog.Logger {
	logLevel := parseLogLevel(level)

	var handler slog.Handler
	if format == "text" {
		handler = slog.NewTextHandler(w, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: logLevel})
	}

	return slog.New(handler)
}

// parseLogLevel converts a string log level to slog.Level.
func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
