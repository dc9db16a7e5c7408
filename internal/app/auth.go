package app

import (
	"crypto/rand"
	"encoding/base64"
	"sync"

	"github.com/giantswarm/nucleus/internal/errs"
	"github.com/giantswarm/nucleus/internal/ipc"
)

// TokenAuthenticator is the daemon's ipc.Authenticator and ipc.Authorizer:
// a bearer token identifies a principal (a service name, or "cli" for the
// local management client), and a principal is only authorized for the
// destinations it was issued for. There is no corpus precedent for this
// exact bearer-token scheme — the teacher's internal/api authenticated
// human operators through a full OAuth device-code flow, a different
// problem (interactive login vs. co-located process identity) — so this is
// a deliberate stdlib-only (crypto/rand) exception; see DESIGN.md.
type TokenAuthenticator struct {
	mu          sync.RWMutex
	tokens      map[string]string             // token -> principal
	byPrincipal map[string]string             // principal -> token, for Issue idempotency
	allowed     map[string]map[ipc.Destination]bool
}

// NewTokenAuthenticator constructs an empty authenticator.
func NewTokenAuthenticator() *TokenAuthenticator {
	return &TokenAuthenticator{
		tokens:      make(map[string]string),
		byPrincipal: make(map[string]string),
		allowed:     make(map[string]map[ipc.Destination]bool),
	}
}

// Issue mints (or returns the existing) token for principal, authorized for
// the given destinations. Calling Issue again for the same principal
// returns its existing token and adds any new destinations to its
// authorization set; it never mints a second token.
func (a *TokenAuthenticator) Issue(principal string, dests ...ipc.Destination) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	perms, ok := a.allowed[principal]
	if !ok {
		perms = make(map[ipc.Destination]bool)
		a.allowed[principal] = perms
	}
	for _, d := range dests {
		perms[d] = true
	}

	if tok, ok := a.byPrincipal[principal]; ok {
		return tok, nil
	}

	tok, err := randomToken()
	if err != nil {
		return "", errs.Wrap(errs.IOError, "generating auth token", err)
	}
	a.tokens[tok] = principal
	a.byPrincipal[principal] = tok
	return tok, nil
}

// Revoke invalidates principal's token, if any.
func (a *TokenAuthenticator) Revoke(principal string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if tok, ok := a.byPrincipal[principal]; ok {
		delete(a.tokens, tok)
		delete(a.byPrincipal, principal)
		delete(a.allowed, principal)
	}
}

// Authenticate implements ipc.Authenticator.
func (a *TokenAuthenticator) Authenticate(token string) (string, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	principal, ok := a.tokens[token]
	return principal, ok
}

// Authorize implements ipc.Authorizer.
func (a *TokenAuthenticator) Authorize(principal string, dest ipc.Destination) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.allowed[principal][dest]
}

func randomToken() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
