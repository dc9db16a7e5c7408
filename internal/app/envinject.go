package app

import (
	"github.com/giantswarm/nucleus/internal/deployment"
	"github.com/giantswarm/nucleus/internal/ipc"
	"github.com/giantswarm/nucleus/internal/lifecycle"
)

// credentialRunner wraps the deployment engine's RecipeRunner, adding the
// two environment variables §6 requires every service process receive:
// SVCUID (its own per-service IPC auth token) and
// AWS_CONTAINER_CREDENTIALS_FULL_URI (the credential-proxy endpoint). It
// implements lifecycle.Runner, so the Supervisor's Executor sees it as a
// drop-in replacement for the bare RecipeRunner.
type credentialRunner struct {
	inner    *deployment.RecipeRunner
	auth     *TokenAuthenticator
	proxyURL string
}

func newCredentialRunner(inner *deployment.RecipeRunner, auth *TokenAuthenticator, proxyURL string) *credentialRunner {
	return &credentialRunner{inner: inner, auth: auth, proxyURL: proxyURL}
}

func (r *credentialRunner) Recipe(service string) (lifecycle.Recipe, error) {
	rec, err := r.inner.Recipe(service)
	if err != nil {
		return rec, err
	}

	token, err := r.auth.Issue(service, ipc.DestCredentials, ipc.DestConfigStore, ipc.DestLifecycle)
	if err != nil {
		return rec, err
	}

	env := make(map[string]string, len(rec.Env)+2)
	for k, v := range rec.Env {
		env[k] = v
	}
	env["SVCUID"] = token
	env["AWS_CONTAINER_CREDENTIALS_FULL_URI"] = r.proxyURL
	rec.Env = env
	return rec, nil
}
