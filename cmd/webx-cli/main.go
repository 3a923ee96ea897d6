// Command webx-cli is the reference client for the WebX Router (spec
// §4.K): creates a session, pings it in the foreground to keep it alive,
// and logs sessions out. Its list subcommand sends no request and always
// exits with an error.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"os/user"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/illgrenoble/webx-router/internal/cliclient"
	"github.com/illgrenoble/webx-router/internal/wire"
)

// Exit codes (spec §6): 0 ok, 1 usage/transport error, 2 authentication
// failure, 3 session creation failure.
const (
	exitOK           = 0
	exitTransport    = 1
	exitAuthFailed   = 2
	exitCreateFailed = 3
)

func main() {
	var host string
	var connectorPort int

	root := &cobra.Command{
		Use:   "webx-cli",
		Short: "Reference client for a WebX Router",
	}
	root.PersistentFlags().StringVar(&host, "host", "127.0.0.1", "router host")
	root.PersistentFlags().IntVar(&connectorPort, "connector-port", 5555, "router connector port")

	root.AddCommand(createCmd(&host, &connectorPort), listCmd(&host, &connectorPort), logoutCmd(&host, &connectorPort))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitTransport)
	}
}

func createCmd(host *string, connectorPort *int) *cobra.Command {
	var username, password string
	var width, height int
	var keyboardLayout string
	var daemon bool
	var local bool
	var localSocket string

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Authenticate and create (or attach to) a session",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if !local && username == "" {
				fmt.Fprintln(os.Stderr, "--username is required unless --local is set")
				os.Exit(exitTransport)
			}

			if local {
				if username == "" {
					u, err := user.Current()
					if err != nil {
						fmt.Fprintln(os.Stderr, err)
						os.Exit(exitTransport)
					}
					username = u.Username
				}
				secret, err := cliclient.LoadOrCreateCredential()
				if err != nil {
					fmt.Fprintln(os.Stderr, err)
					os.Exit(exitTransport)
				}
				client := cliclient.DialLocal(localSocket)
				resp, err := client.CreateLocal(ctx, username, secret, width, height, keyboardLayout)
				if err != nil {
					fmt.Fprintln(os.Stderr, err)
					os.Exit(exitTransport)
				}
				return finishCreate(ctx, client, resp, daemon)
			}

			client, err := cliclient.Discover(ctx, *host, *connectorPort)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(exitTransport)
			}

			if password == "" {
				password = os.Getenv("WEBX_PASSWORD")
			}

			resp, err := client.Create(ctx, username, password, width, height, keyboardLayout)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(exitTransport)
			}
			return finishCreate(ctx, client, resp, daemon)
		},
	}
	cmd.Flags().StringVar(&username, "username", "", "PAM username (defaults to the current OS user with --local)")
	cmd.Flags().StringVar(&password, "password", "", "PAM password (or set WEBX_PASSWORD)")
	cmd.Flags().IntVar(&width, "width", 1280, "screen width")
	cmd.Flags().IntVar(&height, "height", 800, "screen height")
	cmd.Flags().StringVar(&keyboardLayout, "keyboard-layout", "us", "keyboard layout")
	cmd.Flags().BoolVar(&daemon, "daemon", false, "exit immediately instead of pinging in the foreground")
	cmd.Flags().BoolVar(&local, "local", false, "authenticate locally via the CLI's bootstrap credential, bypassing PAM (spec §4.K)")
	cmd.Flags().StringVar(&localSocket, "local-socket", "ipc:///run/webx/list.ipc", "router's local-only Session Proxy socket (used with --local)")
	return cmd
}

// finishCreate reports a create response's outcome and, unless daemon is
// set, pings the session in the foreground until the process is signalled.
func finishCreate(ctx context.Context, client *cliclient.Client, resp *wire.CreateResponse, daemon bool) error {
	switch resp.Code {
	case wire.CodeAuthenticationFail:
		fmt.Fprintln(os.Stderr, "authentication failed")
		os.Exit(exitAuthFailed)
	default:
		if resp.Code != wire.CodeOK {
			fmt.Fprintf(os.Stderr, "create failed: code %d\n", resp.Code)
			os.Exit(exitCreateFailed)
		}
	}

	fmt.Printf("session: %s\n", resp.SessionID)

	if daemon {
		return nil
	}

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := client.Ping(ctx, resp.SessionID, resp.Secret); err != nil {
				fmt.Fprintln(os.Stderr, "ping failed:", err)
			}
		}
	}
}

// listCmd is a thin stub: the router serves `list` only on its local
// admin socket (spec §9), and this CLI sends no list request on any
// socket, so the command always exits with exitTransport.
func listCmd(host *string, connectorPort *int) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Not supported by this CLI; always exits with an error",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(os.Stderr, "list is not supported by this CLI; the router serves list only on its local admin socket")
			os.Exit(exitTransport)
			return nil
		},
	}
}

func logoutCmd(host *string, connectorPort *int) *cobra.Command {
	var sessionID, secret string
	cmd := &cobra.Command{
		Use:   "logout",
		Short: "End a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sessionID = args[0]
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			client, err := cliclient.Discover(ctx, *host, *connectorPort)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(exitTransport)
			}
			resp, err := client.Logout(ctx, sessionID, secret)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(exitTransport)
			}
			if resp.Code != 0 {
				fmt.Fprintf(os.Stderr, "logout failed: code %d\n", resp.Code)
				os.Exit(exitTransport)
			}
			fmt.Println("logged out")
			return nil
		},
	}
	cmd.Flags().StringVar(&secret, "secret", "", "session capability secret")
	return cmd
}
