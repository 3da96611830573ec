// Command chatctl is a terminal client for the chat relay.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/anvaya/chatrelay/internal/client"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "unknown"
)

// globalOptions are shared by every subcommand.
type globalOptions struct {
	server string
	token  string
	user   string
}

var opts globalOptions

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "chatctl",
	Short: "Terminal client for the marketplace chat relay",
	Long: `chatctl talks to a chat relay over REST, WebSocket and gRPC. It can read
and send messages, list conversations, and open an interactive session.`,
	Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		opts.user = strings.TrimSpace(opts.user)
		if opts.user == "" {
			return fmt.Errorf("--user is required")
		}
		return nil
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	// Global flags
	rootCmd.PersistentFlags().StringVarP(&opts.server, "server", "s", envOr("CHAT_SERVER", "http://localhost:8080"), "relay HTTP base URL")
	rootCmd.PersistentFlags().StringVarP(&opts.token, "token", "t", os.Getenv("CHAT_TOKEN"), "bearer token")
	rootCmd.PersistentFlags().StringVarP(&opts.user, "user", "u", os.Getenv("CHAT_USER"), "your user id")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func restClient() *client.REST {
	return client.NewREST(opts.server, opts.token, opts.user)
}

// liveURL maps the HTTP base URL onto the WebSocket endpoint.
func liveURL(server string) string {
	base := strings.TrimRight(server, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/ws"
}
