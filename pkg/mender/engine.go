package mender

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/cuemby/mender-agent/pkg/config"
	"github.com/cuemby/mender-agent/pkg/flash"
	"github.com/cuemby/mender-agent/pkg/log"
	"github.com/cuemby/mender-agent/pkg/metrics"
	"github.com/cuemby/mender-agent/pkg/scheduler"
	"github.com/cuemby/mender-agent/pkg/store"
	"github.com/cuemby/mender-agent/pkg/transport"
	"github.com/cuemby/mender-agent/pkg/types"
	"github.com/rs/zerolog"
)

const (
	pathDeploymentsNext = "/api/devices/v1/deployments/device/deployments/next"
	pathStatusFmt       = "/api/devices/v1/deployments/device/deployments/%s/status"
)

// Engine drives the deployment state machine (C5) end to end: discovery,
// streaming, install, reboot, commit, and rollback, surviving a restart
// at any step by reading its state back from the store.
type Engine struct {
	auth     *Authenticator
	client   transport.Client
	store    store.Store
	flash    flash.Manager
	registry *Registry
	cfg      *config.Store
	logger   zerolog.Logger
	now      func() time.Time
	// RequestReset triggers a device reboot. The actual reset mechanism is
	// platform-specific and out of scope (spec section 1); the default is
	// a no-op so the engine still exercises the rest of the state machine
	// in tests and the host simulator.
	RequestReset func() error
}

// NewEngine builds an Engine over its dependencies. The device_type sent
// with every deployments/next poll comes from cfg.
func NewEngine(auth *Authenticator, client transport.Client, s store.Store, mgr flash.Manager, registry *Registry, cfg *config.Store) *Engine {
	return &Engine{
		auth:         auth,
		client:       client,
		store:        s,
		flash:        mgr,
		registry:     registry,
		cfg:          cfg,
		logger:       log.WithComponent("mender.engine"),
		now:          time.Now,
		RequestReset: func() error { return nil },
	}
}

// OnStartup promotes a deployment record left in REBOOT or
// ROLLBACK_REBOOT across a restart to its AFTER_* counterpart. Reaching
// this code at all means the device booted successfully into whichever
// slot was made active before the reset, so the record's state is
// advanced unconditionally; Tick then decides what that implies for the
// artifact that was installed. Call once before the deployment_tick
// work item is first scheduled.
func (e *Engine) OnStartup() error {
	rec, err := loadDeploymentRecord(e.store)
	if err != nil || rec == nil {
		return err
	}
	switch {
	case rec.AllInState(types.StateReboot):
		return setAllState(e.store, rec, types.StateAfterReboot)
	case rec.AllInState(types.StateRollbackReboot):
		return setAllState(e.store, rec, types.StateAfterRollbackReboot)
	default:
		return nil
	}
}

// Tick is the deployment_tick work item's scheduler.Func.
func (e *Engine) Tick() (scheduler.Result, error) {
	token, ok := e.auth.Token()
	if !ok {
		return scheduler.KeepScheduled, e.auth.Refresh()
	}

	rec, err := loadDeploymentRecord(e.store)
	if err != nil {
		return scheduler.KeepScheduled, err
	}
	if rec != nil {
		return scheduler.KeepScheduled, e.resumeDeployment(token, rec)
	}

	offer, err := e.pollNext(token)
	if err != nil {
		return scheduler.KeepScheduled, err
	}
	if offer == nil {
		return scheduler.KeepScheduled, nil
	}

	return scheduler.KeepScheduled, e.runDeployment(token, offer)
}

// resumeDeployment implements spec 4.5.2 step 2: deciding what a
// persisted record left mid-flight across a restart means.
func (e *Engine) resumeDeployment(token string, rec *types.DeploymentRecord) error {
	switch {
	case rec.AllInState(types.StateAfterReboot):
		confirmed, err := e.flash.IsImageConfirmed()
		if err != nil || !confirmed {
			if cerr := e.flash.ConfirmImage(); cerr != nil {
				e.logger.Warn().Err(cerr).Msg("confirm_image failed, entering failure path")
				return e.fail(token, rec)
			}
		}
		if err := setAllState(e.store, rec, types.StateCommit); err != nil {
			return err
		}
		if err := e.report(token, rec.ID, types.StatusSuccess); err != nil {
			return err
		}
		metrics.DeploymentsTotal.WithLabelValues("success").Inc()
		return clearDeploymentRecord(e.store)

	case rec.AllInState(types.StateAfterRollbackReboot):
		if err := e.report(token, rec.ID, types.StatusFailure); err != nil {
			return err
		}
		metrics.DeploymentsTotal.WithLabelValues("failure").Inc()
		if err := setAllState(e.store, rec, types.StateFailureReported); err != nil {
			return err
		}
		return clearDeploymentRecord(e.store)

	default:
		// The engine was interrupted before reaching a post-reboot state.
		return e.fail(token, rec)
	}
}

// fail drives rec into the rollback path if any payload supports it,
// otherwise straight to FAILURE_REPORTED.
func (e *Engine) fail(token string, rec *types.DeploymentRecord) error {
	anyRollback := false
	for _, p := range rec.Types {
		if p.RollbackSupported {
			anyRollback = true
			break
		}
	}
	metrics.RollbacksTotal.WithLabelValues("install_failure").Inc()
	if anyRollback {
		// Any in-process flash.Handle was already aborted by the ingester
		// at the point of failure (or never existed, if the engine is
		// resuming after a restart); rollback here only needs to flip the
		// bootloader's next-boot slot back, which the reboot itself does
		// by virtue of the failed slot never having been confirmed.
		if err := setAllState(e.store, rec, types.StateRollback); err != nil {
			return err
		}
		if err := setAllState(e.store, rec, types.StateRollbackReboot); err != nil {
			return err
		}
		return e.RequestReset()
	}
	if err := e.report(token, rec.ID, types.StatusFailure); err != nil {
		return err
	}
	metrics.DeploymentsTotal.WithLabelValues("failure").Inc()
	if err := setAllState(e.store, rec, types.StateFailureReported); err != nil {
		return err
	}
	return clearDeploymentRecord(e.store)
}

func (e *Engine) pollNext(token string) (*types.DeploymentOffer, error) {
	cfg := e.cfg.Get()
	body, err := json.Marshal(map[string]string{"device_type": cfg.DeviceType})
	if err != nil {
		return nil, err
	}
	var respBody []byte
	status, err := e.client.Perform(token, pathDeploymentsNext, transport.MethodGet, body, nil, func(ev transport.Event) error {
		if ev.Kind == transport.DataReceived {
			respBody = append(respBody, ev.Data...)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("mender: polling for deployment: %w", err)
	}
	if status == 204 {
		return nil, nil
	}
	if status != 200 {
		return nil, fmt.Errorf("mender: polling for deployment: status %d", status)
	}
	var offer types.DeploymentOffer
	if err := json.Unmarshal(respBody, &offer); err != nil {
		return nil, fmt.Errorf("mender: decoding deployment offer: %w", err)
	}
	return &offer, nil
}

// runDeployment implements spec 4.5.2 steps 4-6: create the record,
// stream the artifact, and advance every payload to its post-download
// state.
func (e *Engine) runDeployment(token string, offer *types.DeploymentOffer) error {
	timer := metrics.NewTimer()
	rec := &types.DeploymentRecord{ID: offer.ID, ArtifactName: offer.Artifact.ArtifactName, CreatedAt: e.now()}
	if err := saveDeploymentRecord(e.store, rec); err != nil {
		return err
	}
	if err := e.report(token, rec.ID, types.StatusDownloading); err != nil {
		return err
	}

	ing := newIngester(e.registry, rec.ID, rec.ArtifactName)
	var streamErr error
	_, err := e.client.Perform(token, offer.Artifact.Source.URI, transport.MethodGet, nil, nil, func(ev transport.Event) error {
		switch ev.Kind {
		case transport.DataReceived:
			if err := ing.feed(ev.Data); err != nil {
				streamErr = err
				return err
			}
			return nil
		case transport.Error:
			streamErr = ev.Err
			return ev.Err
		default:
			return nil
		}
	})
	if streamErr == nil {
		streamErr = err
	}
	timer.ObserveDuration(metrics.DeploymentDuration)

	if streamErr != nil {
		ing.abortAll()
		rec.Types = ing.types
		if len(rec.Types) == 0 {
			rec.Types = []types.PayloadRecord{{Type: "unknown", RollbackSupported: false}}
		}
		if err := setAllState(e.store, rec, types.StateFailure); err != nil {
			return err
		}
		return e.fail(token, rec)
	}

	if err := ing.finalizeAll(); err != nil {
		ing.abortAll()
		rec.Types = ing.types
		_ = setAllState(e.store, rec, types.StateFailure)
		return e.fail(token, rec)
	}

	rec.Types = ing.types
	if err := setAllState(e.store, rec, types.StateInstall); err != nil {
		return err
	}
	if err := e.report(token, rec.ID, types.StatusInstalled); err != nil {
		return err
	}

	if rec.AnyNeedsReboot() {
		if err := setAllState(e.store, rec, types.StateReboot); err != nil {
			return err
		}
		if err := e.report(token, rec.ID, types.StatusRebooting); err != nil {
			return err
		}
		return e.RequestReset()
	}

	if err := setAllState(e.store, rec, types.StateCommit); err != nil {
		return err
	}
	if err := e.report(token, rec.ID, types.StatusSuccess); err != nil {
		return err
	}
	metrics.DeploymentsTotal.WithLabelValues("success").Inc()
	return clearDeploymentRecord(e.store)
}

func (e *Engine) report(token, deploymentID string, status types.Status) error {
	body, err := json.Marshal(types.StatusReport{Status: status})
	if err != nil {
		return err
	}
	path := fmt.Sprintf(pathStatusFmt, deploymentID)
	statusCode, err := e.client.Perform(token, path, transport.MethodPatch, body, nil, func(ev transport.Event) error { return nil })
	if err != nil {
		return fmt.Errorf("mender: reporting status %s: %w", status, err)
	}
	if statusCode/100 != 2 {
		return fmt.Errorf("mender: reporting status %s: server returned %d", status, statusCode)
	}
	return nil
}
