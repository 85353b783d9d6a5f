package protocol

import "errors"

// Proto identifies which sub-protocol a frame belongs to.
type Proto uint16

const (
	ProtoShell        Proto = 0x0001
	ProtoFileTransfer Proto = 0x0002
	ProtoPortForward  Proto = 0x0003
	ProtoMenderClient Proto = 0x0004
	ProtoControl      Proto = 0xFFFF
)

// Status values carried in Properties.Status. NORMAL marks an ordinary
// data or acknowledgement frame; CONTROL marks a liveness frame such as a
// healthcheck ping, which the server must not treat as user activity.
const (
	StatusNormal  uint16 = 1
	StatusError   uint16 = 2
	StatusControl uint16 = 3
)

var (
	// ErrClosed names a frame arriving for a session that has already
	// been torn down. ShellSession does not return it: it drops such
	// frames and returns nil.
	ErrClosed = errors.New("protocol: session closed")
	// ErrUnknownSession names a frame whose session id does not match
	// the active session. ShellSession does not return it either; such
	// frames are dropped and Handle returns nil.
	ErrUnknownSession = errors.New("protocol: session id mismatch")
)

// Properties carries the optional fields that accompany a Header. A nil
// field pointer means the field is absent from the wire frame, not that
// it carries a zero value.
type Properties struct {
	TerminalWidth  *uint16
	TerminalHeight *uint16
	UserID         *string
	Timeout        *uint32
	Status         *uint16
	Offset         *int64
}

// Header identifies a frame: which sub-protocol it belongs to, what kind
// of message it carries, which session it belongs to, and any properties.
type Header struct {
	Proto      Proto
	Type       *string
	SessionID  *string
	Properties *Properties
}

// Message is one frame of the interactive channel: a header plus an
// opaque, protocol-specific body.
type Message struct {
	Hdr  Header
	Body []byte
}

func strPtr(s string) *string { return &s }
func u16Ptr(v uint16) *uint16 { return &v }
func u32Ptr(v uint32) *uint32 { return &v }
func i64Ptr(v int64) *int64   { return &v }

// NewMessage builds a Message with the given protocol, type, and session,
// leaving Properties and Body unset.
func NewMessage(proto Proto, typ, sessionID string) Message {
	return Message{Hdr: Header{Proto: proto, Type: strPtr(typ), SessionID: strPtr(sessionID)}}
}
