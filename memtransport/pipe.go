// Package memtransport provides an in-process Transport implementation: a
// pair of connected pipes useful for driver tests and for embedding two
// endpoints in a single process without a network socket.
package memtransport

import (
	"context"
	"io"
	"sync"

	"github.com/coriolis-audio/duplexproto/transport"
)

// Pipe is one endpoint of an in-memory duplex connection created by
// NewPipe.
type Pipe struct {
	out chan transport.Frame
	in  <-chan transport.Frame

	closeOnce sync.Once
	closed    chan struct{}
}

// NewPipe returns two connected Pipe endpoints: frames sent on a are
// received on b, and vice versa.
func NewPipe() (a, b *Pipe) {
	const bufSize = 64
	ab := make(chan transport.Frame, bufSize)
	ba := make(chan transport.Frame, bufSize)

	a = &Pipe{out: ab, in: ba, closed: make(chan struct{})}
	b = &Pipe{out: ba, in: ab, closed: make(chan struct{})}
	return a, b
}

// SendText implements transport.Transport.
func (p *Pipe) SendText(ctx context.Context, obj map[string]any) error {
	return p.send(ctx, transport.Frame{Kind: transport.FrameText, Text: obj})
}

// SendBinary implements transport.Transport.
func (p *Pipe) SendBinary(ctx context.Context, payload []byte) error {
	return p.send(ctx, transport.Frame{Kind: transport.FrameBinary, Binary: payload})
}

func (p *Pipe) send(ctx context.Context, f transport.Frame) error {
	select {
	case <-p.closed:
		return io.ErrClosedPipe
	default:
	}

	select {
	case p.out <- f:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.closed:
		return io.ErrClosedPipe
	}
}

// Recv implements transport.Transport. It returns io.EOF once the local or
// peer endpoint has been closed and all buffered frames are drained.
func (p *Pipe) Recv(ctx context.Context) (transport.Frame, error) {
	select {
	case f, ok := <-p.in:
		if !ok {
			return transport.Frame{}, io.EOF
		}
		return f, nil
	case <-p.closed:
		select {
		case f, ok := <-p.in:
			if ok {
				return f, nil
			}
		default:
		}
		return transport.Frame{}, io.EOF
	case <-ctx.Done():
		return transport.Frame{}, ctx.Err()
	}
}

// Close is idempotent. It closes this endpoint's outbound channel so the
// peer observes io.EOF after draining buffered frames.
func (p *Pipe) Close() error {
	p.closeOnce.Do(func() {
		close(p.closed)
		close(p.out)
	})
	return nil
}
