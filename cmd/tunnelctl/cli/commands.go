package cli

import (
	"fmt"

	"github.com/basarevych/tunneld/internal/controlpb"
	"github.com/spf13/cobra"
)

// runRequest sends req to the daemon, prints the result, and records the
// exit code. It's the single choke point every subcommand funnels through
// so the printed shape and exit-code mapping stay consistent.
func runRequest(c *cmdContext, req *controlpb.ClientMessage) error {
	resp, err := send(c.socketPath(), req)
	if err != nil {
		exitCode = ExitError
		return err
	}
	printResponse(resp)
	exitCode = ExitCode(codeToExit(resp.Code))
	return nil
}

func printResponse(resp *controlpb.ServerMessage) {
	fmt.Printf("%s", codeString(resp.Code))
	if resp.Message != "" {
		fmt.Printf(": %s", resp.Message)
	}
	fmt.Println()
	for _, d := range resp.Connections {
		fmt.Printf("  %s/%s  role=%d  encrypted=%v  fixed=%v\n", d.Tracker, d.Path, d.Role, d.Encrypted, d.Fixed)
	}
	for _, name := range resp.Daemons {
		fmt.Printf("  %s\n", name)
	}
	if resp.Connected {
		fmt.Println("  connected")
	}
}

func newInitCmd(c *cmdContext) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "initialize this host's registration with a tracker",
		RunE: func(cmd *cobra.Command, args []string) error {
			tracker, err := c.requireTracker()
			if err != nil {
				return err
			}
			return runRequest(c, &controlpb.ClientMessage{Type: controlpb.ReqInit, Tracker: tracker})
		},
	}
}

func newConfirmCmd(c *cmdContext) *cobra.Command {
	var token string
	cmd := &cobra.Command{
		Use:   "confirm",
		Short: "confirm a pending registration with the token received out of band",
		RunE: func(cmd *cobra.Command, args []string) error {
			tracker, err := c.requireTracker()
			if err != nil {
				return err
			}
			return runRequest(c, &controlpb.ClientMessage{Type: controlpb.ReqConfirm, Tracker: tracker, Token: token})
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "confirmation token")
	return cmd
}

func newRegisterCmd(c *cmdContext) *cobra.Command {
	return &cobra.Command{
		Use:   "register",
		Short: "register this daemon instance with the tracker",
		RunE: func(cmd *cobra.Command, args []string) error {
			tracker, err := c.requireTracker()
			if err != nil {
				return err
			}
			return runRequest(c, &controlpb.ClientMessage{Type: controlpb.ReqCreateDaemon, Tracker: tracker})
		},
	}
}

func newUnregisterCmd(c *cmdContext) *cobra.Command {
	return &cobra.Command{
		Use:   "unregister",
		Short: "remove this daemon instance's registration from the tracker",
		RunE: func(cmd *cobra.Command, args []string) error {
			tracker, err := c.requireTracker()
			if err != nil {
				return err
			}
			return runRequest(c, &controlpb.ClientMessage{Type: controlpb.ReqDeleteDaemon, Tracker: tracker})
		},
	}
}

func newAuthCmd(c *cmdContext) *cobra.Command {
	return &cobra.Command{
		Use:   "auth <token>",
		Short: "store the tracker authentication token the daemon uses for subsequent requests",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tracker, err := c.requireTracker()
			if err != nil {
				return err
			}
			return runRequest(c, &controlpb.ClientMessage{Type: controlpb.ReqSetToken, Tracker: tracker, Token: args[0]})
		},
	}
}

func newCreateCmd(c *cmdContext) *cobra.Command {
	var randomize bool
	cmd := &cobra.Command{
		Use:   "create <path>",
		Short: "create a connection path",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tracker, err := c.requireTracker()
			if err != nil {
				return err
			}
			return runRequest(c, &controlpb.ClientMessage{Type: controlpb.ReqCreate, Tracker: tracker, Path: args[0], Randomize: randomize})
		},
	}
	cmd.Flags().BoolVar(&randomize, "randomize", false, "set the create request's randomize field (the daemon does not forward it to the tracker or act on it)")
	return cmd
}

func newDeleteCmd(c *cmdContext) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <path>",
		Short: "delete a connection path",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tracker, err := c.requireTracker()
			if err != nil {
				return err
			}
			return runRequest(c, &controlpb.ClientMessage{Type: controlpb.ReqDelete, Tracker: tracker, Path: args[0]})
		},
	}
}

func newAttachCmd(c *cmdContext) *cobra.Command {
	var connectionName string
	cmd := &cobra.Command{
		Use:   "attach <path>",
		Short: "attach to an existing connection path, becoming its client side",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tracker, err := c.requireTracker()
			if err != nil {
				return err
			}
			return runRequest(c, &controlpb.ClientMessage{Type: controlpb.ReqAttach, Tracker: tracker, Path: args[0], ConnectionName: connectionName})
		},
	}
	cmd.Flags().StringVar(&connectionName, "peer", "", "set the attach request's connection name (the daemon relays only the path to the tracker)")
	return cmd
}

func newDetachCmd(c *cmdContext) *cobra.Command {
	return &cobra.Command{
		Use:   "detach <path>",
		Short: "detach from a connection path",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tracker, err := c.requireTracker()
			if err != nil {
				return err
			}
			return runRequest(c, &controlpb.ClientMessage{Type: controlpb.ReqDetach, Tracker: tracker, Path: args[0]})
		},
	}
}

func newTreeCmd(c *cmdContext) *cobra.Command {
	return &cobra.Command{
		Use:   "tree",
		Short: "print the tracker's view of this account's connection tree",
		RunE: func(cmd *cobra.Command, args []string) error {
			tracker, err := c.requireTracker()
			if err != nil {
				return err
			}
			return runRequest(c, &controlpb.ClientMessage{Type: controlpb.ReqTree, Tracker: tracker})
		},
	}
}

func newLoadCmd(c *cmdContext) *cobra.Command {
	return &cobra.Command{
		Use:   "load",
		Short: "print the daemon's locally reconciled active connections list",
		RunE: func(cmd *cobra.Command, args []string) error {
			tracker, err := c.requireTracker()
			if err != nil {
				return err
			}
			return runRequest(c, &controlpb.ClientMessage{Type: controlpb.ReqConnectionsList, Tracker: tracker})
		},
	}
}

func newDaemonsCmd(c *cmdContext) *cobra.Command {
	return &cobra.Command{
		Use:   "daemons",
		Short: "list daemon instances registered with the tracker",
		RunE: func(cmd *cobra.Command, args []string) error {
			tracker, err := c.requireTracker()
			if err != nil {
				return err
			}
			return runRequest(c, &controlpb.ClientMessage{Type: controlpb.ReqDaemonsList, Tracker: tracker})
		},
	}
}

func newRedeemCmd(c *cmdContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "redeem <master|daemon|path>",
		Short: "redeem a pending invite at the given scope",
		Args:  cobra.ExactArgs(1),
	}
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		tracker, err := c.requireTracker()
		if err != nil {
			return err
		}
		var reqType controlpb.RequestType
		switch args[0] {
		case "master":
			reqType = controlpb.ReqRedeemMaster
		case "daemon":
			reqType = controlpb.ReqRedeemDaemon
		case "path":
			reqType = controlpb.ReqRedeemPath
		default:
			exitCode = ExitUnsupported
			return fmt.Errorf("redeem: unknown scope %q (want master, daemon, or path)", args[0])
		}
		return runRequest(c, &controlpb.ClientMessage{Type: reqType, Tracker: tracker})
	}
	return cmd
}

func newStatusCmd(c *cmdContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "report the connection status of a tracker link",
		RunE: func(cmd *cobra.Command, args []string) error {
			tracker, err := c.requireTracker()
			if err != nil {
				return err
			}
			return runRequest(c, &controlpb.ClientMessage{Type: controlpb.ReqStatus, Tracker: tracker})
		},
	}
}

func newImportCmd(c *cmdContext) *cobra.Command {
	return &cobra.Command{
		Use:   "import <token>",
		Short: "import a connection using a token issued by its owner",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tracker, err := c.requireTracker()
			if err != nil {
				return err
			}
			return runRequest(c, &controlpb.ClientMessage{Type: controlpb.ReqImport, Tracker: tracker, ImportToken: args[0]})
		},
	}
}

// newInstallCmd, newStartCmd, newStopCmd and newRestartCmd are deliberate
// stubs: installer and service-manager integration are out of scope for
// this binary, which only speaks the control-socket protocol.
func newInstallCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "install",
		Short: "(unsupported) install tunneld as a system service",
		RunE: func(cmd *cobra.Command, args []string) error {
			exitCode = ExitUnsupported
			return fmt.Errorf("install: service installation is handled by your system's package/service manager, not tunnelctl")
		},
	}
}

func newStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "(unsupported) start the tunneld service",
		RunE: func(cmd *cobra.Command, args []string) error {
			exitCode = ExitUnsupported
			return fmt.Errorf("start: use your system's service manager (systemctl, launchctl, ...) to start tunneld")
		},
	}
}

func newStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "(unsupported) stop the tunneld service",
		RunE: func(cmd *cobra.Command, args []string) error {
			exitCode = ExitUnsupported
			return fmt.Errorf("stop: use your system's service manager to stop tunneld")
		},
	}
}

func newRestartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restart",
		Short: "(unsupported) restart the tunneld service",
		RunE: func(cmd *cobra.Command, args []string) error {
			exitCode = ExitUnsupported
			return fmt.Errorf("restart: use your system's service manager to restart tunneld")
		},
	}
}
