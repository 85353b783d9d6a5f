package protocol

import (
	"sync"

	"github.com/cuemby/mender-agent/pkg/log"
	"github.com/cuemby/mender-agent/pkg/metrics"
	"github.com/rs/zerolog"
)

// ShellState is a shell session's lifecycle position.
type ShellState int

const (
	ShellClosed ShellState = iota
	ShellOpening
	ShellActive
	ShellClosing
)

// ShellHandler drives the local pseudo-terminal backing a shell session.
// Implementations are device-specific: a host binary spawns a real shell
// process, a constrained device proxies a fixed command interpreter.
type ShellHandler interface {
	ShellBegin(width, height uint16) error
	ShellWrite(data []byte) error
	ShellResize(width, height uint16) error
	ShellEnd() error
}

// Sender writes an encoded frame out over the transport connection.
type Sender func(Message) error

// ShellSession tracks one shell sub-protocol session end to end: open,
// data exchange, resize, and close. A session accepts at most one active
// session id at a time; a second "new" while one is already open is a
// no-op, matching the single-shell-session invariant of this channel.
type ShellSession struct {
	mu      sync.Mutex
	state   ShellState
	id      string
	handler ShellHandler
	send    Sender
	logger  zerolog.Logger
}

// NewShellSession constructs a session that drives handler and writes
// replies via send.
func NewShellSession(handler ShellHandler, send Sender) *ShellSession {
	return &ShellSession{handler: handler, send: send, logger: log.WithComponent("protocol.shell")}
}

// State returns the session's current lifecycle state.
func (s *ShellSession) State() ShellState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Handle dispatches one incoming shell-protocol frame.
func (s *ShellSession) Handle(msg Message) error {
	if msg.Hdr.Type == nil {
		return nil
	}
	switch *msg.Hdr.Type {
	case "new", "spawn":
		return s.handleNew(msg)
	case "shell":
		return s.handleData(msg)
	case "resize":
		return s.handleResize(msg)
	case "ping":
		return s.reply(msg, "pong", StatusControl, nil)
	case "pong":
		return nil
	case "stop":
		return s.handleStop(msg)
	default:
		return nil
	}
}

func (s *ShellSession) handleNew(msg Message) error {
	s.mu.Lock()
	if s.state != ShellClosed {
		s.mu.Unlock()
		return nil
	}
	s.state = ShellOpening
	s.mu.Unlock()

	width, height := uint16(0), uint16(0)
	if p := msg.Hdr.Properties; p != nil {
		if p.TerminalWidth != nil {
			width = *p.TerminalWidth
		}
		if p.TerminalHeight != nil {
			height = *p.TerminalHeight
		}
	}
	if err := s.handler.ShellBegin(width, height); err != nil {
		s.mu.Lock()
		s.state = ShellClosed
		s.mu.Unlock()
		return s.reply(msg, "error", StatusError, nil)
	}

	s.mu.Lock()
	s.state = ShellActive
	if msg.Hdr.SessionID != nil {
		s.id = *msg.Hdr.SessionID
	}
	s.mu.Unlock()
	metrics.ShellSessionsTotal.Inc()
	return s.reply(msg, "new", StatusNormal, nil)
}

func (s *ShellSession) handleData(msg Message) error {
	if !s.belongsTo(msg) {
		return nil
	}
	return s.handler.ShellWrite(msg.Body)
}

func (s *ShellSession) handleResize(msg Message) error {
	if !s.belongsTo(msg) {
		return nil
	}
	width, height := uint16(0), uint16(0)
	if p := msg.Hdr.Properties; p != nil {
		if p.TerminalWidth != nil {
			width = *p.TerminalWidth
		}
		if p.TerminalHeight != nil {
			height = *p.TerminalHeight
		}
	}
	return s.handler.ShellResize(width, height)
}

func (s *ShellSession) handleStop(msg Message) error {
	if !s.belongsTo(msg) {
		return nil
	}
	s.mu.Lock()
	s.state = ShellClosing
	s.mu.Unlock()

	err := s.handler.ShellEnd()

	s.mu.Lock()
	s.state = ShellClosed
	s.id = ""
	s.mu.Unlock()
	metrics.ShellSessionsClosed.Inc()

	if err != nil {
		return s.reply(msg, "error", StatusError, nil)
	}
	return s.reply(msg, "stop", StatusNormal, nil)
}

// belongsTo reports whether msg is for the currently active session.
func (s *ShellSession) belongsTo(msg Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != ShellActive {
		return false
	}
	return msg.Hdr.SessionID != nil && *msg.Hdr.SessionID == s.id
}

// PrintShell forwards output produced by the local pseudo-terminal back
// to the server as a "shell" frame.
func (s *ShellSession) PrintShell(data []byte) error {
	s.mu.Lock()
	id := s.id
	s.mu.Unlock()
	msg := Message{
		Hdr: Header{
			Proto:      ProtoShell,
			Type:       strPtr("shell"),
			SessionID:  strPtr(id),
			Properties: &Properties{Status: u16Ptr(StatusNormal)},
		},
		Body: data,
	}
	return s.send(msg)
}

func (s *ShellSession) reply(req Message, typ string, status uint16, body []byte) error {
	id := ""
	if req.Hdr.SessionID != nil {
		id = *req.Hdr.SessionID
	}
	msg := Message{
		Hdr: Header{
			Proto:      ProtoShell,
			Type:       strPtr(typ),
			SessionID:  strPtr(id),
			Properties: &Properties{Status: u16Ptr(status)},
		},
		Body: body,
	}
	return s.send(msg)
}
