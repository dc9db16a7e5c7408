package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/giantswarm/nucleus/internal/errs"
)

// Exit codes for the daemon's command-line surface.
const (
	// ExitCodeSuccess indicates successful execution.
	ExitCodeSuccess = 0
	// ExitCodeUsage indicates a malformed invocation (bad flags, bad document).
	ExitCodeUsage = 1
	// ExitCodeNotFound indicates the named component or deployment does not exist.
	ExitCodeNotFound = 2
	// ExitCodeAuthz indicates an authentication or authorization failure.
	ExitCodeAuthz = 3
	// ExitCodeDeploymentFailed indicates a deployment reached FAILED/ROLLED_BACK status.
	ExitCodeDeploymentFailed = 4
	// ExitCodeInternal indicates an unclassified internal error.
	ExitCodeInternal = 5
)

// rootCmd is the entry point when the binary is invoked without subcommands.
var rootCmd = &cobra.Command{
	Use:   "nucleusd",
	Short: "Run the edge device management runtime",
	Long: `nucleusd is the on-device daemon that resolves component recipes into a
dependency graph, supervises their lifecycle, and applies deployments
received over its local IPC socket.`,
	SilenceUsage: true,
}

// SetVersion sets the version for the root command.
// This function is typically called from the main package to inject the application version at build time.
func SetVersion(v string) {
	rootCmd.Version = v
}

// GetVersion returns the current version of the application.
func GetVersion() string {
	return rootCmd.Version
}

// Execute runs the root command and translates any returned error into one
// of the process exit codes.
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "nucleusd version %s\n" .Version}}`)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(getExitCode(err))
	}
}

// getExitCode maps an errs.Kind, when present, onto the documented exit
// code table. Errors with no classification are treated as internal.
func getExitCode(err error) int {
	kind, ok := errs.KindOf(err)
	if !ok {
		return ExitCodeInternal
	}
	switch kind {
	case errs.MalformedConfig, errs.ValidationRejected:
		return ExitCodeUsage
	case errs.NotFound:
		return ExitCodeNotFound
	case errs.AuthFailed, errs.AuthzDenied:
		return ExitCodeAuthz
	case errs.ScriptFailure, errs.BrokenExhausted, errs.Unsatisfiable, errs.CircularDependency, errs.DependencyCycle:
		return ExitCodeDeploymentFailed
	default:
		return ExitCodeInternal
	}
}

func init() {
	rootCmd.AddCommand(newVersionCmd())
}
