package cmd

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/spf13/cobra"

	"github.com/giantswarm/nucleus/internal/errs"
)

func TestSetVersion(t *testing.T) {
	testVersion := "1.2.3-test"
	SetVersion(testVersion)

	if rootCmd.Version != testVersion {
		t.Errorf("Expected version to be %s, got %s", testVersion, rootCmd.Version)
	}
}

func TestRootCommand(t *testing.T) {
	if rootCmd.Use != "nucleusd" {
		t.Errorf("Expected Use to be 'nucleusd', got %s", rootCmd.Use)
	}

	if rootCmd.Short == "" {
		t.Error("Expected Short description to be set")
	}

	if rootCmd.Long == "" {
		t.Error("Expected Long description to be set")
	}

	if !rootCmd.SilenceUsage {
		t.Error("Expected SilenceUsage to be true")
	}
}

func TestVersionTemplate(t *testing.T) {
	testCmd := &cobra.Command{
		Use:     "test",
		Version: "1.0.0",
	}
	testCmd.SetVersionTemplate(`{{printf "nucleusd version %s\n" .Version}}`)

	var buf bytes.Buffer
	testCmd.SetOut(&buf)

	testCmd.SetArgs([]string{"--version"})
	err := testCmd.Execute()
	if err != nil {
		t.Fatalf("Error executing version command: %v", err)
	}

	output := buf.String()
	expected := "nucleusd version 1.0.0\n"
	if output != expected {
		t.Errorf("Expected version output %q, got %q", expected, output)
	}
}

func TestSubcommands(t *testing.T) {
	commands := rootCmd.Commands()

	expectedCommands := []string{"version", "serve"}
	foundCommands := make(map[string]bool)

	for _, cmd := range commands {
		foundCommands[cmd.Name()] = true
	}

	for _, expected := range expectedCommands {
		if !foundCommands[expected] {
			t.Errorf("Expected subcommand %s to be registered", expected)
		}
	}
}

func TestRootCommandHelp(t *testing.T) {
	var buf bytes.Buffer

	testRootCmd := &cobra.Command{
		Use:   "nucleusd",
		Short: "Run the edge device management runtime",
		Long: `nucleusd is the on-device daemon that resolves component recipes into a
dependency graph, supervises their lifecycle, and applies deployments
received over its local IPC socket.`,
		SilenceUsage: true,
	}

	testRootCmd.SetOut(&buf)
	testRootCmd.SetArgs([]string{"--help"})

	err := testRootCmd.Execute()
	if err != nil {
		t.Fatalf("Error executing help command: %v", err)
	}

	output := buf.String()
	if !strings.Contains(output, "nucleusd") {
		t.Errorf("Help output should contain 'nucleusd'. Got: %q", output)
	}

	if !strings.Contains(output, "dependency graph") {
		t.Errorf("Help output should contain the long description. Got: %q", output)
	}
}

func TestGetExitCode(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"plain error", errors.New("boom"), ExitCodeInternal},
		{"malformed config", errs.New(errs.MalformedConfig, "bad"), ExitCodeUsage},
		{"validation rejected", errs.New(errs.ValidationRejected, "bad"), ExitCodeUsage},
		{"not found", errs.New(errs.NotFound, "missing"), ExitCodeNotFound},
		{"auth failed", errs.New(errs.AuthFailed, "nope"), ExitCodeAuthz},
		{"authz denied", errs.New(errs.AuthzDenied, "nope"), ExitCodeAuthz},
		{"script failure", errs.New(errs.ScriptFailure, "failed"), ExitCodeDeploymentFailed},
		{"broken exhausted", errs.New(errs.BrokenExhausted, "failed"), ExitCodeDeploymentFailed},
		{"io error", errs.New(errs.IOError, "disk"), ExitCodeInternal},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := getExitCode(tc.err); got != tc.want {
				t.Errorf("getExitCode(%v) = %d, want %d", tc.err, got, tc.want)
			}
		})
	}
}
