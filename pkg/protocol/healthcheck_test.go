package protocol

import (
	"testing"
	"time"

	"github.com/cuemby/mender-agent/pkg/scheduler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthcheckSkipsWhenDisconnected(t *testing.T) {
	send, sent := collectSender()
	c := NewControl(send, ProtoShell)
	hc := NewHealthcheck(c, func() (string, bool) { return "", false }, 30*time.Second, nil)

	result, err := hc.Tick()
	require.NoError(t, err)
	assert.Equal(t, scheduler.KeepScheduled, result)
	assert.Empty(t, sent())
}

func TestHealthcheckPingsActiveConnection(t *testing.T) {
	send, sent := collectSender()
	c := NewControl(send, ProtoShell)
	hc := NewHealthcheck(c, func() (string, bool) { return "conn-1", true }, 30*time.Second, nil)

	result, err := hc.Tick()
	require.NoError(t, err)
	assert.Equal(t, scheduler.KeepScheduled, result)
	replies := sent()
	require.Len(t, replies, 1)
	assert.Equal(t, "ping", *replies[0].Hdr.Type)
	assert.Equal(t, uint32(60), *replies[0].Hdr.Properties.Timeout)
}

func TestHealthcheckInvokesOnDisconnectWhenSendFails(t *testing.T) {
	failing := func(Message) error { return assert.AnError }
	c := NewControl(failing, ProtoShell)
	disconnected := false
	hc := NewHealthcheck(c, func() (string, bool) { return "conn-1", true }, 10*time.Second, func() { disconnected = true })

	_, err := hc.Tick()
	assert.Error(t, err)
	assert.True(t, disconnected)
}
