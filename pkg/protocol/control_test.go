package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestControlAcceptAdvertisesSupportedProtocols(t *testing.T) {
	send, sent := collectSender()
	c := NewControl(send, ProtoShell, ProtoFileTransfer)

	open := Message{Hdr: Header{Proto: ProtoControl, Type: strPtr("open"), SessionID: strPtr("conn-1")}}
	require.NoError(t, c.Handle(open, nil))

	replies := sent()
	require.Len(t, replies, 1)
	assert.Equal(t, "accept", *replies[0].Hdr.Type)
	assert.Equal(t, "conn-1", *replies[0].Hdr.SessionID)
	assert.NotEmpty(t, replies[0].Body)
}

func TestControlPingReplies(t *testing.T) {
	send, sent := collectSender()
	c := NewControl(send, ProtoShell)

	ping := Message{Hdr: Header{Proto: ProtoControl, Type: strPtr("ping"), SessionID: strPtr("conn-2")}}
	require.NoError(t, c.Handle(ping, nil))

	replies := sent()
	require.Len(t, replies, 1)
	assert.Equal(t, "pong", *replies[0].Hdr.Type)
}

func TestControlCloseInvokesCallback(t *testing.T) {
	send, _ := collectSender()
	c := NewControl(send, ProtoShell)

	closed := false
	closeMsg := Message{Hdr: Header{Proto: ProtoControl, Type: strPtr("close")}}
	require.NoError(t, c.Handle(closeMsg, func() { closed = true }))
	assert.True(t, closed)
}

func TestControlPingCarriesTimeout(t *testing.T) {
	send, sent := collectSender()
	c := NewControl(send, ProtoShell)

	require.NoError(t, c.Ping("sess", 60))
	replies := sent()
	require.Len(t, replies, 1)
	require.NotNil(t, replies[0].Hdr.Properties.Timeout)
	assert.Equal(t, uint32(60), *replies[0].Hdr.Properties.Timeout)
	assert.Equal(t, StatusControl, *replies[0].Hdr.Properties.Status)
}
