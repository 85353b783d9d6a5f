// Package protocol implements the interactive channel's wire codec and its
// three sub-protocols: shell sessions, the control handshake, and the
// healthcheck ping that keeps a connection alive.
//
// Frames are a small, fixed-shape binary-packed map: a header (protocol
// number, message type, session id, optional properties) plus an opaque
// body. Optional header and property fields are pointers so that "absent",
// "present but zero", and "present but at the type's maximum" are three
// distinct wire states, matching the framing the server expects.
package protocol
