package mender

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/mender-agent/pkg/config"
	"github.com/cuemby/mender-agent/pkg/log"
	"github.com/cuemby/mender-agent/pkg/scheduler"
	"github.com/cuemby/mender-agent/pkg/store"
	"github.com/cuemby/mender-agent/pkg/transport"
	"github.com/cuemby/mender-agent/pkg/types"
	"github.com/rs/zerolog"
)

const pathInventoryAttributes = "/api/devices/v1/inventory/device/attributes"

// keystoreAcquireTimeout bounds how long a work function or a
// user-initiated setter waits on a shared keystore's mutex before giving
// up rather than stalling the scheduler's single worker.
const keystoreAcquireTimeout = 5 * time.Second

// InventoryPublish implements the inventory_publish work item: it PUTs
// the device's current inventory attribute set to the server on every
// tick. The attribute set itself lives in the inventory keystore
// (store.KeyInventory), a shared resource SetAttributes and Tick
// serialize access to through mu rather than each other directly.
type InventoryPublish struct {
	auth   *Authenticator
	client transport.Client
	store  store.Store
	mu     *scheduler.Mutex
	cfg    *config.Store
	logger zerolog.Logger
}

// NewInventoryPublish builds an InventoryPublish over its dependencies.
func NewInventoryPublish(auth *Authenticator, client transport.Client, s store.Store, mu *scheduler.Mutex, cfg *config.Store) *InventoryPublish {
	return &InventoryPublish{auth: auth, client: client, store: s, mu: mu, cfg: cfg, logger: log.WithComponent("mender.inventory")}
}

// SetAttributes replaces the inventory keystore's contents. It is the
// user-initiated setter mu guards against a concurrently running Tick.
func (p *InventoryPublish) SetAttributes(attrs []types.InventoryAttribute) error {
	if !p.mu.Acquire(keystoreAcquireTimeout) {
		return ErrKeystoreBusy
	}
	defer p.mu.Release()

	data, err := json.Marshal(attrs)
	if err != nil {
		return fmt.Errorf("mender: encoding inventory attributes: %w", err)
	}
	return p.store.Set(store.KeyInventory, data)
}

// Tick is the inventory_publish work item's scheduler.Func.
func (p *InventoryPublish) Tick() (scheduler.Result, error) {
	token, ok := p.auth.Token()
	if !ok {
		return scheduler.KeepScheduled, nil
	}

	if !p.mu.Acquire(keystoreAcquireTimeout) {
		p.logger.Warn().Msg("inventory keystore busy, skipping this cycle")
		return scheduler.KeepScheduled, nil
	}
	attrs, err := p.loadAttributes()
	p.mu.Release()
	if err != nil {
		return scheduler.KeepScheduled, err
	}

	body, err := json.Marshal(attrs)
	if err != nil {
		return scheduler.KeepScheduled, fmt.Errorf("mender: encoding inventory attributes: %w", err)
	}

	status, err := p.client.Perform(token, pathInventoryAttributes, transport.MethodPut, body, nil, func(transport.Event) error { return nil })
	if err != nil {
		return scheduler.KeepScheduled, fmt.Errorf("mender: publishing inventory: %w", err)
	}
	if status/100 != 2 {
		return scheduler.KeepScheduled, fmt.Errorf("mender: publishing inventory: server returned %d", status)
	}
	return scheduler.KeepScheduled, nil
}

// loadAttributes returns the persisted inventory keystore, or the
// identity attributes from the loaded configuration if nothing has been
// set yet. Callers must hold mu.
func (p *InventoryPublish) loadAttributes() ([]types.InventoryAttribute, error) {
	data, err := p.store.Get(store.KeyInventory)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return p.defaultAttributes(), nil
	case err != nil:
		return nil, fmt.Errorf("mender: reading inventory keystore: %w", err)
	}

	var attrs []types.InventoryAttribute
	if err := json.Unmarshal(data, &attrs); err != nil {
		return nil, fmt.Errorf("mender: decoding inventory keystore: %w", err)
	}
	return attrs, nil
}

func (p *InventoryPublish) defaultAttributes() []types.InventoryAttribute {
	cfg := p.cfg.Get()
	attrs := make([]types.InventoryAttribute, 0, len(cfg.IdentityAttributes)+1)
	attrs = append(attrs, types.InventoryAttribute{Name: "device_type", Value: cfg.DeviceType})
	for name, value := range cfg.IdentityAttributes {
		attrs = append(attrs, types.InventoryAttribute{Name: name, Value: value})
	}
	return attrs
}
