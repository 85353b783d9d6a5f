package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeShell struct {
	begun    bool
	width    uint16
	height   uint16
	written  []byte
	resized  bool
	ended    bool
	beginErr error
}

func (f *fakeShell) ShellBegin(width, height uint16) error {
	f.begun = true
	f.width, f.height = width, height
	return f.beginErr
}

func (f *fakeShell) ShellWrite(data []byte) error {
	f.written = append(f.written, data...)
	return nil
}

func (f *fakeShell) ShellResize(width, height uint16) error {
	f.resized = true
	f.width, f.height = width, height
	return nil
}

func (f *fakeShell) ShellEnd() error {
	f.ended = true
	return nil
}

func collectSender() (Sender, func() []Message) {
	var sent []Message
	return func(m Message) error {
		sent = append(sent, m)
		return nil
	}, func() []Message { return sent }
}

func TestShellSessionOpenWriteClose(t *testing.T) {
	handler := &fakeShell{}
	send, sent := collectSender()
	s := NewShellSession(handler, send)

	openMsg := Message{Hdr: Header{
		Proto: ProtoShell, Type: strPtr("new"), SessionID: strPtr("sess-1"),
		Properties: &Properties{TerminalWidth: u16Ptr(80), TerminalHeight: u16Ptr(24)},
	}}
	require.NoError(t, s.Handle(openMsg))
	assert.Equal(t, ShellActive, s.State())
	assert.True(t, handler.begun)
	assert.Equal(t, uint16(80), handler.width)

	dataMsg := Message{Hdr: Header{Proto: ProtoShell, Type: strPtr("shell"), SessionID: strPtr("sess-1")}, Body: []byte("ls\n")}
	require.NoError(t, s.Handle(dataMsg))
	assert.Equal(t, "ls\n", string(handler.written))

	stopMsg := Message{Hdr: Header{Proto: ProtoShell, Type: strPtr("stop"), SessionID: strPtr("sess-1")}}
	require.NoError(t, s.Handle(stopMsg))
	assert.Equal(t, ShellClosed, s.State())
	assert.True(t, handler.ended)

	replies := sent()
	require.Len(t, replies, 2)
	assert.Equal(t, "new", *replies[0].Hdr.Type)
	assert.Equal(t, "stop", *replies[1].Hdr.Type)
}

func TestShellSessionSecondNewWhileActiveIsNoOp(t *testing.T) {
	handler := &fakeShell{}
	send, sent := collectSender()
	s := NewShellSession(handler, send)

	first := Message{Hdr: Header{Proto: ProtoShell, Type: strPtr("new"), SessionID: strPtr("a")}}
	require.NoError(t, s.Handle(first))

	second := Message{Hdr: Header{Proto: ProtoShell, Type: strPtr("new"), SessionID: strPtr("b")}}
	require.NoError(t, s.Handle(second))

	assert.Len(t, sent(), 1)
}

func TestShellSessionIgnoresDataForWrongSession(t *testing.T) {
	handler := &fakeShell{}
	send, _ := collectSender()
	s := NewShellSession(handler, send)
	require.NoError(t, s.Handle(Message{Hdr: Header{Proto: ProtoShell, Type: strPtr("new"), SessionID: strPtr("a")}}))

	stray := Message{Hdr: Header{Proto: ProtoShell, Type: strPtr("shell"), SessionID: strPtr("other")}, Body: []byte("x")}
	require.NoError(t, s.Handle(stray))
	assert.Empty(t, handler.written)
}

func TestPrintShellSendsActiveSessionID(t *testing.T) {
	handler := &fakeShell{}
	send, sent := collectSender()
	s := NewShellSession(handler, send)
	require.NoError(t, s.Handle(Message{Hdr: Header{Proto: ProtoShell, Type: strPtr("new"), SessionID: strPtr("sess-9")}}))

	require.NoError(t, s.PrintShell([]byte("output")))
	replies := sent()
	last := replies[len(replies)-1]
	assert.Equal(t, "sess-9", *last.Hdr.SessionID)
	assert.Equal(t, "output", string(last.Body))
}
