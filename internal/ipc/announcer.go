package ipc

import (
	"context"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/giantswarm/nucleus/internal/deployment"
)

// verdictPayload is the CBOR shape a CONFIG_STORE reply to a
// validate-configuration push must carry.
type verdictPayload struct {
	OK     bool   `cbor:"ok"`
	Reason string `cbor:"reason"`
}

// ServiceAnnouncer implements deployment.Announcer over a Router: each
// affected service that has a Bind entry and an open connection gets a
// CONFIG_STORE event frame
// carrying its slice of the shadow configuration, and is given until the
// deployment's validation timeout to reply. A service with no open
// connection or no Bind entry, or one that doesn't reply in time, is
// treated as accepting the change, matching the spec's validation timeout
// policy.
type ServiceAnnouncer struct {
	router *Router

	mu                 sync.RWMutex
	serviceToPrincipal map[string]string
}

// NewServiceAnnouncer builds a ServiceAnnouncer over router. serviceToPrincipal
// maps a component name to the principal its IPC connection authenticated
// as; it starts empty and is filled only by explicit Bind calls.
func NewServiceAnnouncer(router *Router) *ServiceAnnouncer {
	return &ServiceAnnouncer{router: router, serviceToPrincipal: make(map[string]string)}
}

// Bind records that service authenticates over its connection as principal.
// Neither the Router's AUTH handling nor the daemon bootstrap calls Bind.
func (a *ServiceAnnouncer) Bind(service, principal string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.serviceToPrincipal[service] = principal
}

func (a *ServiceAnnouncer) principalFor(service string) (string, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	p, ok := a.serviceToPrincipal[service]
	return p, ok
}

func (a *ServiceAnnouncer) Announce(ctx context.Context, affected []string, shadow map[string]any, timeout time.Duration) (map[string]deployment.Verdict, error) {
	out := make(map[string]deployment.Verdict, len(affected))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, name := range affected {
		name := name
		wg.Add(1)
		go func() {
			defer wg.Done()
			verdict := a.announceOne(name, shadow, timeout)
			mu.Lock()
			out[name] = verdict
			mu.Unlock()
		}()
	}
	wg.Wait()
	return out, nil
}

func (a *ServiceAnnouncer) announceOne(service string, shadow map[string]any, timeout time.Duration) deployment.Verdict {
	principal, ok := a.principalFor(service)
	if !ok {
		return deployment.Verdict{OK: true}
	}

	payload, err := cbor.Marshal(shadow[service])
	if err != nil {
		return deployment.Verdict{OK: true}
	}

	reply, err := a.router.Call(DestConfigStore, principal, payload, timeout)
	if err != nil {
		// Timeout or disconnect: absence of a reply means OK.
		return deployment.Verdict{OK: true}
	}

	var v verdictPayload
	if err := cbor.Unmarshal(reply, &v); err != nil {
		return deployment.Verdict{OK: true}
	}
	if !v.OK {
		return deployment.Verdict{OK: false, Reason: v.Reason}
	}
	return deployment.Verdict{OK: true}
}
