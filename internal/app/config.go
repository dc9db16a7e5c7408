package app

import "path/filepath"

// Config holds the daemon's bootstrap settings: everything NewApplication
// needs before it can construct a single component. Deliberately flat —
// unlike the teacher's layered YAML config-file strategy, this runtime's
// own bootstrap surface is small enough to live entirely on command-line
// flags; the richer hierarchical config the daemon manages at runtime is
// internal/configstore's tree, not this struct.
type Config struct {
	// RootDir is the directory under which /config, /packages, /deployments
	// and /work live (§6's on-disk layout).
	RootDir string

	// SocketPath is the filesystem path of the IPC Router's unix socket.
	// Defaults to <RootDir>/ipc.sock.
	SocketPath string

	// CredentialProxyURL is the address of the external credential-proxy
	// HTTP server (out of scope here; only its contract boundary matters),
	// exported to services as AWS_CONTAINER_CREDENTIALS_FULL_URI.
	CredentialProxyURL string

	Debug  bool
	Silent bool
}

// NewConfig builds a Config, filling in RootDir-relative defaults for any
// path left empty.
func NewConfig(rootDir string, debug, silent bool) *Config {
	cfg := &Config{RootDir: rootDir, Debug: debug, Silent: silent}
	if cfg.SocketPath == "" {
		cfg.SocketPath = filepath.Join(rootDir, "ipc.sock")
	}
	if cfg.CredentialProxyURL == "" {
		cfg.CredentialProxyURL = "http://127.0.0.1:8089/2016-11-01/credentialprovider/"
	}
	return cfg
}

func (c *Config) configDir() string      { return filepath.Join(c.RootDir, "config") }
func (c *Config) configSnapshot() string { return filepath.Join(c.configDir(), "config.yaml") }
func (c *Config) configLog() string      { return filepath.Join(c.configDir(), "config.tlog") }
func (c *Config) recipesDir() string     { return filepath.Join(c.RootDir, "packages", "recipes") }
func (c *Config) artifactsDir() string   { return filepath.Join(c.RootDir, "packages", "artifacts") }
func (c *Config) deploymentsDir() string { return filepath.Join(c.RootDir, "deployments") }
func (c *Config) workDir() string        { return filepath.Join(c.RootDir, "work") }
