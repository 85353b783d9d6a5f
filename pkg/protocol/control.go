package protocol

// Control implements the ProtoControl handshake that precedes any other
// sub-protocol traffic on a connection: the server opens with "open", the
// device answers with the protocols it supports, and afterward either
// side may "ping"/"pong" to check liveness or "close"/"error" to tear the
// connection down.
type Control struct {
	supported []Proto
	send      Sender
}

// NewControl builds a control handler that advertises supported as the
// protocols available over this connection.
func NewControl(send Sender, supported ...Proto) *Control {
	return &Control{supported: supported, send: send}
}

// Handle dispatches one incoming control-protocol frame. onClose is
// invoked for "close" and "error" frames so the caller can tear down any
// sessions riding this connection.
func (c *Control) Handle(msg Message, onClose func()) error {
	if msg.Hdr.Type == nil {
		return nil
	}
	switch *msg.Hdr.Type {
	case "open":
		return c.accept(msg)
	case "ping":
		return c.pong(msg)
	case "pong":
		return nil
	case "close", "error":
		if onClose != nil {
			onClose()
		}
		return nil
	default:
		return nil
	}
}

func (c *Control) accept(msg Message) error {
	w := &writer{}
	w.writeMapHeader(2)
	w.writeStr("version")
	w.writeUint16(1)
	w.writeStr("protocols")
	w.writeArrayHeader(len(c.supported))
	for _, p := range c.supported {
		w.writeUint16(uint16(p))
	}

	id := ""
	if msg.Hdr.SessionID != nil {
		id = *msg.Hdr.SessionID
	}
	reply := Message{
		Hdr: Header{
			Proto:     ProtoControl,
			Type:      strPtr("accept"),
			SessionID: strPtr(id),
		},
		Body: w.buf,
	}
	return c.send(reply)
}

func (c *Control) pong(msg Message) error {
	id := ""
	if msg.Hdr.SessionID != nil {
		id = *msg.Hdr.SessionID
	}
	reply := Message{
		Hdr: Header{
			Proto:      ProtoControl,
			Type:       strPtr("pong"),
			SessionID:  strPtr(id),
			Properties: &Properties{Status: u16Ptr(StatusControl)},
		},
	}
	return c.send(reply)
}

// Ping sends a liveness probe over the connection, carrying a timeout
// hint the server uses to decide when to give up on the device.
func (c *Control) Ping(sessionID string, timeoutSeconds uint32) error {
	msg := Message{
		Hdr: Header{
			Proto:     ProtoControl,
			Type:      strPtr("ping"),
			SessionID: strPtr(sessionID),
			Properties: &Properties{
				Status:  u16Ptr(StatusControl),
				Timeout: u32Ptr(timeoutSeconds),
			},
		},
	}
	return c.send(msg)
}
