package mender

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/cuemby/mender-agent/pkg/flash"
	"github.com/cuemby/mender-agent/pkg/store"
)

// PayloadContext describes one payload file as it streams in, passed to
// every PayloadHandler call for that file.
type PayloadContext struct {
	DeploymentID string
	ArtifactName string
	Type         string
	MetaData     json.RawMessage
	Filename     string
	Size         int64
}

// PayloadHandler receives a registered payload type's data chunks in tar
// order and decides whether to write them to flash, buffer them as
// configuration, or discard them. Finalize is called once after the
// entire artifact has streamed successfully; Abort is called instead if
// the deployment fails before that point.
type PayloadHandler interface {
	Open(ctx PayloadContext) error
	Write(ctx PayloadContext, chunk []byte, offset int64) error
	Close(ctx PayloadContext) error
	Finalize() error
	Abort() error
}

// HandlerFactory constructs a fresh PayloadHandler for one deployment.
type HandlerFactory func() PayloadHandler

// Registry maps a payload's artifact type string to the factory that
// handles it, implementing spec 4.5.4's "type -> handler" registration.
type Registry struct {
	factories map[string]HandlerFactory
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]HandlerFactory)}
}

// Register installs factory for typ, replacing any prior registration.
func (r *Registry) Register(typ string, factory HandlerFactory) {
	r.factories[typ] = factory
}

// New constructs a handler for typ, or reports false if nothing is
// registered for it.
func (r *Registry) New(typ string) (PayloadHandler, bool) {
	f, ok := r.factories[typ]
	if !ok {
		return nil, false
	}
	return f(), true
}

// NewDefaultRegistry builds a Registry with the two built-in handlers
// spec 4.5.4 names: rootfs-image (streamed into the inactive flash slot)
// and mender-configure (decoded and persisted as device configuration).
func NewDefaultRegistry(mgr flash.Manager, s store.Store) *Registry {
	r := NewRegistry()
	r.Register("rootfs-image", func() PayloadHandler { return &rootfsHandler{mgr: mgr} })
	r.Register("mender-configure", func() PayloadHandler { return &configureHandler{store: s} })
	return r
}

// rootfsHandler streams a payload file straight into the inactive flash
// slot, owning the flash.Handle for the lifetime of one payload.
type rootfsHandler struct {
	mgr    flash.Manager
	handle *flash.Handle
}

func (h *rootfsHandler) Open(ctx PayloadContext) error {
	handle, err := h.mgr.Open(ctx.Filename, ctx.Size)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFlash, err)
	}
	h.handle = handle
	return nil
}

func (h *rootfsHandler) Write(ctx PayloadContext, chunk []byte, offset int64) error {
	if h.handle == nil {
		return nil
	}
	if err := h.mgr.Write(h.handle, chunk, offset); err != nil {
		return fmt.Errorf("%w: %v", ErrFlash, err)
	}
	return nil
}

func (h *rootfsHandler) Close(ctx PayloadContext) error {
	if h.handle == nil {
		return nil
	}
	return h.mgr.Close(h.handle)
}

func (h *rootfsHandler) Finalize() error {
	if h.handle == nil {
		return nil
	}
	return h.mgr.SetPending(h.handle)
}

func (h *rootfsHandler) Abort() error {
	if h.handle == nil {
		return nil
	}
	return h.mgr.AbortDeployment(h.handle)
}

// configureHandler persists a mender-configure payload's meta-data JSON
// as the device's configuration keystore. This payload type carries no
// data file of its own; the meaningful content is the per-payload
// meta-data already parsed by the artifact ingester.
type configureHandler struct {
	store    store.Store
	metaData json.RawMessage
	buf      bytes.Buffer
}

func (h *configureHandler) Open(ctx PayloadContext) error {
	h.metaData = ctx.MetaData
	return nil
}

func (h *configureHandler) Write(ctx PayloadContext, chunk []byte, offset int64) error {
	h.buf.Write(chunk)
	return nil
}

func (h *configureHandler) Close(ctx PayloadContext) error { return nil }

func (h *configureHandler) Finalize() error {
	if len(h.metaData) == 0 {
		return nil
	}
	return h.store.Set(store.KeyDeviceConfig, h.metaData)
}

func (h *configureHandler) Abort() error { return nil }
