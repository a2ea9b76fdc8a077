// Package transport defines the minimal frame-duplex capability the codec
// and drivers need. Concrete transports (WebSocket, an in-memory pipe) are
// separate collaborator packages; the core never imports them.
package transport

import "context"

// FrameKind distinguishes the two frame shapes a Transport carries.
type FrameKind int

const (
	// FrameText is a UTF-8 JSON object.
	FrameText FrameKind = iota
	// FrameBinary is opaque bytes.
	FrameBinary
)

// Frame is one unit handed to or received from a Transport. Exactly one of
// Text or Binary is populated, per Kind.
type Frame struct {
	Kind   FrameKind
	Text   map[string]any
	Binary []byte
}

// Transport is a reliable, ordered, bidirectional frame-duplex. Frame
// boundaries are preserved: a Recv always yields exactly what a peer's
// SendText/SendBinary call sent, never partial or merged frames.
//
// The core treats any returned error as terminal for the session; it does
// not retry, buffer, or attempt reconnection.
type Transport interface {
	// SendText sends a structured event as a text frame.
	SendText(ctx context.Context, obj map[string]any) error
	// SendBinary sends a media chunk as a binary frame.
	SendBinary(ctx context.Context, payload []byte) error
	// Recv blocks until the next frame arrives, the transport is closed
	// (returning io.EOF), or ctx is done.
	Recv(ctx context.Context) (Frame, error)
	// Close is idempotent. Subsequent Recv calls yield io.EOF.
	Close() error
}
