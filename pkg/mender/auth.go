package mender

import (
	"fmt"
	"io"
	"sync"

	"github.com/cuemby/mender-agent/pkg/config"
	"github.com/cuemby/mender-agent/pkg/identity"
	"github.com/cuemby/mender-agent/pkg/log"
	"github.com/cuemby/mender-agent/pkg/metrics"
	"github.com/cuemby/mender-agent/pkg/scheduler"
	"github.com/cuemby/mender-agent/pkg/transport"
	"github.com/rs/zerolog"
)

const authPath = "/api/devices/v1/authentication/auth_requests"

// Authenticator owns the in-memory bearer token (spec invariant: exactly
// one token exists at a time, readers tolerate it being absent) and the
// authentication_refresh work item that obtains one when absent.
type Authenticator struct {
	id     *identity.Identity
	client transport.Client
	cfg    *config.Store
	logger zerolog.Logger

	mu    sync.RWMutex
	token string
}

// NewAuthenticator builds an Authenticator over id, signing requests with
// its key and sending them through client using cfg's current settings.
func NewAuthenticator(id *identity.Identity, client transport.Client, cfg *config.Store) *Authenticator {
	return &Authenticator{id: id, client: client, cfg: cfg, logger: log.WithComponent("mender.auth")}
}

// Token returns the current bearer token and whether one is held.
func (a *Authenticator) Token() (string, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.token, a.token != ""
}

// Clear discards the current token, forcing the next tick to
// re-authenticate.
func (a *Authenticator) Clear() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.token = ""
}

func (a *Authenticator) setToken(tok string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.token = tok
}

// Tick is the authentication_refresh work item's scheduler.Func. It is a
// no-op whenever a token is already held; authentication happens only
// while no token is held (before the first success, or after a failed
// Refresh cleared it).
func (a *Authenticator) Tick() (scheduler.Result, error) {
	if _, ok := a.Token(); ok {
		return scheduler.KeepScheduled, nil
	}
	return scheduler.KeepScheduled, a.Refresh()
}

// Refresh performs one authentication attempt. A 401 response means the
// identity has not yet been accepted by the service and is not an error
// the caller should treat as fatal; it simply leaves the token absent for
// the next tick to retry.
func (a *Authenticator) Refresh() error {
	cfg := a.cfg.Get()
	body, signature, err := identity.BuildAuthRequest(a.id, identity.Attributes(cfg.IdentityAttributes), cfg.TenantToken)
	if err != nil {
		metrics.AuthAttemptsTotal.WithLabelValues("build_error").Inc()
		return fmt.Errorf("mender: building auth request: %w", err)
	}

	var respBody []byte
	status, err := a.client.Perform("", authPath, transport.MethodPost, body, signature, func(ev transport.Event) error {
		if ev.Kind == transport.DataReceived {
			respBody = append(respBody, ev.Data...)
		}
		return nil
	})
	if err != nil && err != io.EOF {
		metrics.AuthAttemptsTotal.WithLabelValues("network_error").Inc()
		return fmt.Errorf("mender: authentication request: %w", err)
	}

	switch {
	case status == 200:
		a.setToken(string(respBody))
		metrics.AuthAttemptsTotal.WithLabelValues("success").Inc()
		a.logger.Info().Msg("authenticated")
		return nil
	case status == 401:
		metrics.AuthAttemptsTotal.WithLabelValues("rejected").Inc()
		a.logger.Debug().Msg("identity not yet accepted by service")
		return nil
	default:
		a.Clear()
		metrics.AuthAttemptsTotal.WithLabelValues("failure").Inc()
		return fmt.Errorf("%w: status %d", ErrAuthRequired, status)
	}
}
