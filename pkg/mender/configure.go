package mender

import (
	"errors"
	"fmt"

	"github.com/cuemby/mender-agent/pkg/events"
	"github.com/cuemby/mender-agent/pkg/log"
	"github.com/cuemby/mender-agent/pkg/scheduler"
	"github.com/cuemby/mender-agent/pkg/store"
	"github.com/cuemby/mender-agent/pkg/transport"
	"github.com/rs/zerolog"
)

const pathDeviceConfig = "/api/devices/v1/deviceconfig/configuration"

// ConfigSync implements the configuration_sync work item: it keeps the
// device configuration keystore (store.KeyDeviceConfig, populated either
// by a mender-configure deployment payload or a local operator edit)
// synchronized with the server's deviceconfig/configuration endpoint. A
// GET pulls down whatever the server currently has on record; a PUT
// reports back whatever is locally current afterward.
//
// events observes the agent's own configuration reload events (see
// pkg/config.Watcher): a local reload does not change the remote
// endpoint contacted, but it is logged so an operator can correlate a
// reload with the next sync's outcome.
type ConfigSync struct {
	auth   *Authenticator
	client transport.Client
	store  store.Store
	mu     *scheduler.Mutex
	events events.Subscriber
	logger zerolog.Logger
}

// NewConfigSync builds a ConfigSync over its dependencies. sub should be
// a subscription obtained from the same events.Bus the configuration
// watcher publishes reloads to; it may be nil if hot reload is disabled.
func NewConfigSync(auth *Authenticator, client transport.Client, s store.Store, mu *scheduler.Mutex, sub events.Subscriber) *ConfigSync {
	return &ConfigSync{auth: auth, client: client, store: s, mu: mu, events: sub, logger: log.WithComponent("mender.configure")}
}

// Tick is the configuration_sync work item's scheduler.Func.
func (c *ConfigSync) Tick() (scheduler.Result, error) {
	token, ok := c.auth.Token()
	if !ok {
		return scheduler.KeepScheduled, nil
	}

	c.drainReloadNotice()

	if !c.mu.Acquire(keystoreAcquireTimeout) {
		c.logger.Warn().Msg("configuration keystore busy, skipping this cycle")
		return scheduler.KeepScheduled, nil
	}
	defer c.mu.Release()

	if err := c.pull(token); err != nil {
		return scheduler.KeepScheduled, err
	}
	return scheduler.KeepScheduled, c.push(token)
}

// drainReloadNotice consumes at most one pending local reload
// notification without blocking, so a burst of file-watcher events
// never backs up the scheduler's single worker.
func (c *ConfigSync) drainReloadNotice() {
	if c.events == nil {
		return
	}
	select {
	case ev := <-c.events:
		if ev != nil {
			c.logger.Debug().Msg("local configuration reloaded, continuing scheduled device config sync")
		}
	default:
	}
}

// pull fetches the server's record of the device configuration. A 204
// means the server holds nothing for this device yet, which is not an
// error; the local keystore, if any, is left untouched.
func (c *ConfigSync) pull(token string) error {
	var body []byte
	status, err := c.client.Perform(token, pathDeviceConfig, transport.MethodGet, nil, nil, func(ev transport.Event) error {
		if ev.Kind == transport.DataReceived {
			body = append(body, ev.Data...)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("mender: fetching device configuration: %w", err)
	}
	switch status {
	case 200:
		return c.store.Set(store.KeyDeviceConfig, body)
	case 204:
		return nil
	default:
		return fmt.Errorf("mender: fetching device configuration: server returned %d", status)
	}
}

// push reports the locally held configuration back to the server. A
// deployment that has never applied a mender-configure payload and has
// received nothing from pull has nothing to report yet.
func (c *ConfigSync) push(token string) error {
	body, err := c.store.Get(store.KeyDeviceConfig)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("mender: reading device configuration keystore: %w", err)
	}

	status, err := c.client.Perform(token, pathDeviceConfig, transport.MethodPut, body, nil, func(transport.Event) error { return nil })
	if err != nil {
		return fmt.Errorf("mender: reporting device configuration: %w", err)
	}
	if status != 204 && status/100 != 2 {
		return fmt.Errorf("mender: reporting device configuration: server returned %d", status)
	}
	return nil
}
