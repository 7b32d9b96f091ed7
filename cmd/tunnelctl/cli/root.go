package cli

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
)

const defaultSocketPath = "/var/run/tunneld/tunneld.sock"

// ExitCode is the process exit status tunnelctl's main() returns, per
// spec.md §6: 0 accepted, 1 error, 2 unsupported/usage.
type ExitCode int

var exitCode ExitCode

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.Kitchen,
	}))
}

// Run builds and executes the tunnelctl command tree, returning the exit
// code the caller should pass to os.Exit.
func Run() ExitCode {
	exitCode = ExitSuccess

	var socketPath string
	var trackerName string
	var verbose bool

	root := &cobra.Command{
		Use:   "tunnelctl",
		Short: "control tunneld over its local socket",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVarP(&socketPath, "socket", "z", defaultSocketPath, "path to the daemon's control socket")
	root.PersistentFlags().StringVarP(&trackerName, "tracker", "t", "", "tracker name to address (required by most commands)")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	ctx := &cmdContext{
		socketPath: func() string { return socketPath },
		tracker:    func() string { return trackerName },
		logger:     func() *slog.Logger { return newLogger(verbose) },
	}

	root.AddCommand(
		newInitCmd(ctx),
		newConfirmCmd(ctx),
		newRegisterCmd(ctx),
		newUnregisterCmd(ctx),
		newAuthCmd(ctx),
		newCreateCmd(ctx),
		newDeleteCmd(ctx),
		newAttachCmd(ctx),
		newDetachCmd(ctx),
		newTreeCmd(ctx),
		newLoadCmd(ctx),
		newDaemonsCmd(ctx),
		newRedeemCmd(ctx),
		newStatusCmd(ctx),
		newImportCmd(ctx),
		newInstallCmd(),
		newStartCmd(),
		newStopCmd(),
		newRestartCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if exitCode == ExitSuccess {
			// Failures that did not set a code are argument, flag or
			// missing --tracker errors: usage errors.
			return ExitUnsupported
		}
		return exitCode
	}
	return exitCode
}

// cmdContext carries the flags every subcommand needs without a central
// registry: each accessor reads the root command's flag values at call
// time, after cobra has parsed them.
type cmdContext struct {
	socketPath func() string
	tracker    func() string
	logger     func() *slog.Logger
}

func (c *cmdContext) requireTracker() (string, error) {
	t := c.tracker()
	if t == "" {
		return "", fmt.Errorf("-t/--tracker is required")
	}
	return t, nil
}
