package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/giantswarm/nucleus/internal/app"
)

// serveRoot is the on-disk root directory the daemon manages: config
// snapshot/log, recipe and artifact stores, deployment records, work dirs.
var serveRoot string

// serveSocket overrides the default <root>/ipc.sock listener path.
var serveSocket string

// serveCredentialProxyURL overrides the AWS_CONTAINER_CREDENTIALS_FULL_URI
// value injected into service processes.
var serveCredentialProxyURL string

// serveDebug enables verbose logging across the daemon.
var serveDebug bool

// serveSilent suppresses log output entirely (used by tests and embedders
// that capture logs some other way).
var serveSilent bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the device management daemon",
	Long: `Starts the daemon: loads the configuration store and recipe cache from
--root, supervises registered components, applies local deployments
submitted over IPC, and persists configuration changes back to disk on
shutdown.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := app.NewConfig(serveRoot, serveDebug, serveSilent)
	if serveSocket != "" {
		cfg.SocketPath = serveSocket
	}
	if serveCredentialProxyURL != "" {
		cfg.CredentialProxyURL = serveCredentialProxyURL
	}

	application, err := app.NewApplication(cfg)
	if err != nil {
		return fmt.Errorf("initializing daemon: %w", err)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return application.Run(ctx)
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveRoot, "root", "/var/lib/nucleus", "Root directory for config, recipes, artifacts, and deployment state")
	serveCmd.Flags().StringVar(&serveSocket, "socket", "", "IPC socket path (default <root>/ipc.sock)")
	serveCmd.Flags().StringVar(&serveCredentialProxyURL, "credential-proxy-url", "", "URL of the local credential proxy exported to service processes")
	serveCmd.Flags().BoolVar(&serveDebug, "debug", false, "Enable debug logging")
	serveCmd.Flags().BoolVar(&serveSilent, "silent", false, "Suppress log output")
}
