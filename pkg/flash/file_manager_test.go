package flash

import (
	"bytes"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenWriteSetPendingConfirm(t *testing.T) {
	dir := t.TempDir()
	m, err := NewFileManager(dir)
	require.NoError(t, err)

	confirmed, err := m.IsImageConfirmed()
	require.NoError(t, err)
	assert.True(t, confirmed)

	payload := bytes.Repeat([]byte{0}, 4096)
	h, err := m.Open("fw-2", int64(len(payload)))
	require.NoError(t, err)
	assert.Equal(t, "B", h.Slot())

	require.NoError(t, m.Write(h, payload, 0))
	require.NoError(t, m.Close(h))
	assert.Equal(t, int64(len(payload)), h.Written())

	require.NoError(t, m.SetPending(h))

	confirmed, err = m.IsImageConfirmed()
	require.NoError(t, err)
	assert.False(t, confirmed)

	require.NoError(t, m.ConfirmImage())
	confirmed, err = m.IsImageConfirmed()
	require.NoError(t, err)
	assert.True(t, confirmed)

	data, err := os.ReadFile(m.slotPath("B"))
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, payload))
}

func TestHandleConsumedAfterSetPending(t *testing.T) {
	dir := t.TempDir()
	m, err := NewFileManager(dir)
	require.NoError(t, err)

	h, err := m.Open("fw-1", 0)
	require.NoError(t, err)
	require.NoError(t, m.Close(h))
	require.NoError(t, m.SetPending(h))

	err = m.Write(h, []byte("x"), 0)
	assert.ErrorIs(t, err, ErrHandleConsumed)
}

func TestAbortDeploymentDiscardsWrite(t *testing.T) {
	dir := t.TempDir()
	m, err := NewFileManager(dir)
	require.NoError(t, err)

	h, err := m.Open("fw-bad", 10)
	require.NoError(t, err)
	require.NoError(t, m.Write(h, bytes.Repeat([]byte{1}, 10), 0))
	require.NoError(t, m.AbortDeployment(h))

	_, err = os.Stat(m.slotPath("B"))
	assert.True(t, os.IsNotExist(err))

	// Slot now free again for a new deployment.
	_, err = m.Open("fw-retry", 0)
	require.NoError(t, err)
}

func TestOpenWhileAlreadyOpenFails(t *testing.T) {
	dir := t.TempDir()
	m, err := NewFileManager(dir)
	require.NoError(t, err)

	_, err = m.Open("first", 0)
	require.NoError(t, err)

	_, err = m.Open("second", 0)
	assert.ErrorIs(t, err, ErrNoInactiveSlot)
}
