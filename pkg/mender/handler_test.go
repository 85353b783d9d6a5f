package mender

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/cuemby/mender-agent/pkg/flash"
	"github.com/cuemby/mender-agent/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootfsHandlerStreamsIntoFlashAndSetsPending(t *testing.T) {
	mgr, err := flash.NewFileManager(t.TempDir())
	require.NoError(t, err)

	h := &rootfsHandler{mgr: mgr}
	ctx := PayloadContext{Filename: "rootfs.img", Size: int64(flash.MinEraseUnit)}
	payload := bytes.Repeat([]byte{0x7a}, flash.MinEraseUnit)

	require.NoError(t, h.Open(ctx))
	require.NoError(t, h.Write(ctx, payload, 0))
	require.NoError(t, h.Close(ctx))
	require.NoError(t, h.Finalize())

	confirmed, err := mgr.IsImageConfirmed()
	require.NoError(t, err)
	assert.False(t, confirmed, "newly pending slot must not be confirmed yet")
}

func TestRootfsHandlerAbortDiscardsSlot(t *testing.T) {
	mgr, err := flash.NewFileManager(t.TempDir())
	require.NoError(t, err)

	h := &rootfsHandler{mgr: mgr}
	ctx := PayloadContext{Filename: "rootfs.img", Size: 10}
	require.NoError(t, h.Open(ctx))
	require.NoError(t, h.Write(ctx, []byte("0123456789"), 0))

	require.NoError(t, h.Abort())

	// A fresh handler must be able to open the inactive slot again.
	h2 := &rootfsHandler{mgr: mgr}
	require.NoError(t, h2.Open(ctx))
}

func TestConfigureHandlerPersistsMetaDataOnFinalize(t *testing.T) {
	s := store.NewMemStore()
	h := &configureHandler{store: s}
	meta := json.RawMessage(`{"wifi_ssid":"lab"}`)
	ctx := PayloadContext{MetaData: meta}

	require.NoError(t, h.Open(ctx))
	require.NoError(t, h.Finalize())

	stored, err := s.Get(store.KeyDeviceConfig)
	require.NoError(t, err)
	assert.JSONEq(t, string(meta), string(stored))
}

func TestConfigureHandlerFinalizeNoopWithoutMetaData(t *testing.T) {
	s := store.NewMemStore()
	h := &configureHandler{store: s}

	require.NoError(t, h.Open(PayloadContext{}))
	require.NoError(t, h.Finalize())

	_, err := s.Get(store.KeyDeviceConfig)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDefaultRegistryConstructsRegisteredTypes(t *testing.T) {
	mgr, err := flash.NewFileManager(t.TempDir())
	require.NoError(t, err)
	r := NewDefaultRegistry(mgr, store.NewMemStore())

	_, ok := r.New("rootfs-image")
	assert.True(t, ok)
	_, ok = r.New("mender-configure")
	assert.True(t, ok)
	_, ok = r.New("unknown-type")
	assert.False(t, ok)
}
