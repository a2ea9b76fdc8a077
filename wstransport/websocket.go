// Package wstransport is a reference Transport implementation (spec §4.1,
// §9 "transport genericity") over a gorilla/websocket connection. It is a
// separate collaborator: the core codec, session, client, and server
// packages never import it.
package wstransport

import (
	"context"
	"encoding/json"
	"io"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/coriolis-audio/duplexproto/protoerr"
	"github.com/coriolis-audio/duplexproto/transport"
)

const component = "wstransport"

// Transport adapts a *websocket.Conn to transport.Transport. WebSocket text
// messages carry the wire's JSON text frames; binary messages carry the
// wire's binary media frames.
type Transport struct {
	conn *websocket.Conn

	writeMu sync.Mutex
	closed  bool
	mu      sync.Mutex
}

// New wraps an established WebSocket connection.
func New(conn *websocket.Conn) *Transport {
	return &Transport{conn: conn}
}

// SendText implements transport.Transport.
func (t *Transport) SendText(ctx context.Context, obj map[string]any) error {
	raw, err := json.Marshal(obj)
	if err != nil {
		return protoerr.NewTransportError(component, "SendText", err)
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = t.conn.SetWriteDeadline(deadline)
	}
	if err := t.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		return protoerr.NewTransportError(component, "SendText", err)
	}
	return nil
}

// SendBinary implements transport.Transport.
func (t *Transport) SendBinary(ctx context.Context, payload []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = t.conn.SetWriteDeadline(deadline)
	}
	if err := t.conn.WriteMessage(websocket.BinaryMessage, payload); err != nil {
		return protoerr.NewTransportError(component, "SendBinary", err)
	}
	return nil
}

// Recv implements transport.Transport. ctx is checked only before the read
// begins; gorilla/websocket does not support per-call read deadlines from a
// context directly, so callers that need hard cancellation should also
// arrange for conn.Close() on ctx.Done(). After Close, Recv returns io.EOF.
func (t *Transport) Recv(ctx context.Context) (transport.Frame, error) {
	select {
	case <-ctx.Done():
		return transport.Frame{}, ctx.Err()
	default:
	}
	if t.isClosed() {
		return transport.Frame{}, io.EOF
	}

	kind, data, err := t.conn.ReadMessage()
	if err != nil {
		if t.isClosed() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return transport.Frame{}, io.EOF
		}
		return transport.Frame{}, protoerr.NewTransportError(component, "Recv", err)
	}

	switch kind {
	case websocket.TextMessage:
		var obj map[string]any
		if err := json.Unmarshal(data, &obj); err != nil {
			return transport.Frame{}, protoerr.NewProtocolError(protoerr.MalformedEvent, component, "Recv", err)
		}
		return transport.Frame{Kind: transport.FrameText, Text: obj}, nil
	case websocket.BinaryMessage:
		return transport.Frame{Kind: transport.FrameBinary, Binary: data}, nil
	default:
		// Ping/Pong/Close control frames are handled by gorilla's internal
		// handlers and never reach ReadMessage as a distinct message kind
		// here; any other value is unexpected.
		return transport.Frame{}, protoerr.NewTransportError(component, "Recv", io.ErrUnexpectedEOF)
	}
}

// Close implements transport.Transport. Idempotent.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	return t.conn.Close()
}

func (t *Transport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}
