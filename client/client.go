// Package client implements the Client-side endpoint driver (spec §4.5): it
// sends Config/Input*/Interrupt/SessionEnd events on a Transport and
// dispatches decoded Server->Client events to host-registered handlers. A
// Driver owns exactly one session.Machine and enforces the invariants from
// spec §3 on every event it sends or receives.
package client

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/coriolis-audio/duplexproto/codec"
	"github.com/coriolis-audio/duplexproto/event"
	"github.com/coriolis-audio/duplexproto/metrics"
	"github.com/coriolis-audio/duplexproto/protoerr"
	"github.com/coriolis-audio/duplexproto/protolog"
	"github.com/coriolis-audio/duplexproto/session"
	"github.com/coriolis-audio/duplexproto/tracing"
	"github.com/coriolis-audio/duplexproto/transport"
)

const component = "client"

// Handlers holds the host callbacks a Driver dispatches decoded
// Server->Client events to. Handlers.OnServerReady only fires for the
// second and later ServerReady of a session: the first is consumed
// internally by Configure's return value. A nil field means the
// corresponding event is validated by the Machine but otherwise ignored.
type Handlers struct {
	OnServerReady         func(ctx context.Context, ready event.ServerReady)
	OnTranscription       func(ctx context.Context, transcription []byte)
	OnStage               func(ctx context.Context, stage event.OutputStage)
	OnTextContent         func(ctx context.Context, content event.OutputTextContent)
	OnFunctionCallContent func(ctx context.Context, content event.OutputFunctionCallContent)
	OnAudioContent        func(ctx context.Context, content event.OutputAudioContent)
	OnVideoContent        func(ctx context.Context, content event.OutputVideoContent)
	OnContentAddition     func(ctx context.Context, addition event.OutputContentAddition)
	OnText                func(ctx context.Context, contentID uuid.UUID, chunk string)
	OnMedia               func(ctx context.Context, contentID uuid.UUID, chunk []byte)
	OnFunctionCall        func(ctx context.Context, contentID uuid.UUID, data string)
	OnOutputEnd           func(ctx context.Context)
	// OnInputEnd fires when the Server, not the Client, emits InputEnd: the
	// silence_duration >= 0 tie-break (spec §4.2), where the Server detects
	// end-of-speech on its own initiative.
	OnInputEnd   func(ctx context.Context)
	OnSessionEnd func(ctx context.Context)
}

// Option configures a Driver at construction time.
type Option func(*Driver)

// WithHandlers registers the host's event callbacks.
func WithHandlers(h Handlers) Option {
	return func(d *Driver) { d.handlers = h }
}

// WithLenientDecoding makes the inbound loop log and skip a frame that fails
// to decode instead of terminating the session.
func WithLenientDecoding() Option {
	return func(d *Driver) { d.lenient = true }
}

// Driver is the Client side of one duplex session.
type Driver struct {
	t        transport.Transport
	machine  *session.Machine
	handlers Handlers
	lenient  bool

	mu              sync.Mutex
	inputStreamID   uuid.UUID
	silenceDuration float64
	audioMode       bool
	readStarted     bool
	firstReadyDone  bool
	ready           chan readyResult
	runErr          chan error
	ended           bool
	chatID          uuid.UUID
	requestID       uuid.UUID
	sessionSpan     trace.Span
	requestSpan     trace.Span
	requestStart    time.Time
}

type readyResult struct {
	ready event.ServerReady
	err   error
}

// New builds a Driver bound to t.
func New(t transport.Transport, opts ...Option) *Driver {
	d := &Driver{
		t:       t,
		machine: session.New(),
		ready:   make(chan readyResult, 1),
		runErr:  make(chan error, 1),
	}
	d.machine.SetIdentity("client", "")
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Configure sends cfg and blocks until the Server's first ServerReady
// arrives (or ctx is done, or the transport fails). It starts the
// background inbound read loop as a side effect; the client has no
// separate Run method for the host to call.
func (d *Driver) Configure(ctx context.Context, cfg event.Config) (event.ServerReady, error) {
	if err := cfg.Validate(); err != nil {
		return event.ServerReady{}, err
	}
	if err := d.machine.Configure(); err != nil {
		return event.ServerReady{}, err
	}

	d.mu.Lock()
	d.silenceDuration = cfg.SilenceDuration
	d.audioMode = cfg.InputMode == event.InputModeAudio
	_, d.sessionSpan = tracing.StartSession(ctx, "client")
	d.mu.Unlock()
	metrics.ActiveSessions.WithLabelValues("client").Inc()

	if err := d.send(ctx, cfg); err != nil {
		return event.ServerReady{}, err
	}

	d.startReadLoop(ctx)

	select {
	case r := <-d.ready:
		return r.ready, r.err
	case err := <-d.runErr:
		return event.ServerReady{}, err
	case <-ctx.Done():
		return event.ServerReady{}, ctx.Err()
	}
}

func (d *Driver) startReadLoop(ctx context.Context) {
	d.mu.Lock()
	if d.readStarted {
		d.mu.Unlock()
		return
	}
	d.readStarted = true
	d.mu.Unlock()

	go d.readLoop(ctx)
}

func (d *Driver) readLoop(ctx context.Context) {
	for {
		f, err := d.t.Recv(ctx)
		if err != nil {
			if err == io.EOF {
				d.machine.Terminate()
				d.failPendingReady(nil)
				return
			}
			terr := protoerr.NewTransportError(component, "readLoop", err)
			d.machine.Terminate()
			d.failPendingReady(terr)
			select {
			case d.runErr <- terr:
			default:
			}
			return
		}

		ev, err := codec.Decode(f, codec.ServerToClient)
		if err != nil {
			metrics.RecordProtocolError(err, "client")
			if d.lenient {
				protolog.FrameDropped(ctx, component, "decode failed", "err", err)
				continue
			}
			d.machine.Terminate()
			d.failPendingReady(err)
			select {
			case d.runErr <- err:
			default:
			}
			return
		}
		metrics.FramesDecoded.WithLabelValues(metrics.FrameKindLabel(f.Kind)).Inc()

		if err := d.dispatch(ctx, ev); err != nil {
			metrics.RecordProtocolError(err, "client")
			if d.lenient {
				protolog.FrameDropped(ctx, component, "dispatch failed", "err", err)
				continue
			}
			d.machine.Terminate()
			d.failPendingReady(err)
			select {
			case d.runErr <- err:
			default:
			}
			return
		}

		if _, ok := ev.(event.SessionEnd); ok {
			return
		}
	}
}

func (d *Driver) failPendingReady(err error) {
	d.mu.Lock()
	done := d.firstReadyDone
	d.mu.Unlock()
	if done {
		return
	}
	if err == nil {
		err = protoerr.NewTransportError(component, "readLoop", io.EOF)
	}
	select {
	case d.ready <- readyResult{err: err}:
	default:
	}
}

func (d *Driver) dispatch(ctx context.Context, ev event.Event) error {
	// Output of an interrupted request that was already in flight is
	// discarded until the request's OutputEnd arrives (spec §4.4).
	if d.machine.Interrupted() {
		switch ev.(type) {
		case event.OutputStage, event.OutputTextContent, event.OutputFunctionCallContent,
			event.OutputAudioContent, event.OutputVideoContent, event.OutputContentAddition,
			event.OutputText, event.OutputMedia, event.OutputFunctionCall:
			return nil
		}
	}
	switch e := ev.(type) {
	case event.ServerReady:
		if err := d.machine.Ready(); err != nil {
			return err
		}
		d.mu.Lock()
		first := !d.firstReadyDone
		d.firstReadyDone = true
		d.chatID = e.ChatID
		d.requestID = e.RequestID
		d.mu.Unlock()
		d.machine.SetIdentity("client", e.ChatID.String())
		if first {
			select {
			case d.ready <- readyResult{ready: e}:
			default:
			}
			return nil
		}
		if d.handlers.OnServerReady != nil {
			d.handlers.OnServerReady(ctx, e)
		}
		return nil
	case event.OutputTranscription:
		if d.handlers.OnTranscription != nil {
			d.handlers.OnTranscription(ctx, e.Transcription)
		}
		return nil
	case event.OutputStage:
		if err := d.machine.AnnounceStage(e.ID, e.ParentID); err != nil {
			return err
		}
		if d.handlers.OnStage != nil {
			d.handlers.OnStage(ctx, e)
		}
		return nil
	case event.OutputTextContent:
		if err := d.machine.AnnounceContent(e.ID, event.ContentText, e.StageID); err != nil {
			return err
		}
		if d.handlers.OnTextContent != nil {
			d.handlers.OnTextContent(ctx, e)
		}
		return nil
	case event.OutputFunctionCallContent:
		if err := d.machine.AnnounceContent(e.ID, event.ContentFunctionCall, e.StageID); err != nil {
			return err
		}
		if d.handlers.OnFunctionCallContent != nil {
			d.handlers.OnFunctionCallContent(ctx, e)
		}
		return nil
	case event.OutputAudioContent:
		if err := d.machine.AnnounceContent(e.ID, event.ContentAudio, e.StageID); err != nil {
			return err
		}
		if d.handlers.OnAudioContent != nil {
			d.handlers.OnAudioContent(ctx, e)
		}
		return nil
	case event.OutputVideoContent:
		if err := d.machine.AnnounceContent(e.ID, event.ContentVideo, e.StageID); err != nil {
			return err
		}
		if d.handlers.OnVideoContent != nil {
			d.handlers.OnVideoContent(ctx, e)
		}
		return nil
	case event.OutputContentAddition:
		if _, err := d.machine.LookupContent(e.ContentID); err != nil {
			return err
		}
		if d.handlers.OnContentAddition != nil {
			d.handlers.OnContentAddition(ctx, e)
		}
		return nil
	case event.OutputText:
		if err := d.machine.ValidateContentReference(e.ContentID, event.ContentText); err != nil {
			return err
		}
		if d.handlers.OnText != nil {
			d.handlers.OnText(ctx, e.ContentID, e.Data)
		}
		return nil
	case event.OutputMedia:
		ct, err := d.machine.LookupContent(e.ContentID)
		if err != nil {
			return err
		}
		if ct != event.ContentAudio && ct != event.ContentVideo {
			return protoerr.NewProtocolError(protoerr.IllegalTransition, component, "dispatch", errNotMediaContent(ct))
		}
		if d.handlers.OnMedia != nil {
			d.handlers.OnMedia(ctx, e.ContentID, e.Data)
		}
		return nil
	case event.OutputFunctionCall:
		if err := d.machine.ValidateContentReference(e.ContentID, event.ContentFunctionCall); err != nil {
			return err
		}
		if d.handlers.OnFunctionCall != nil {
			d.handlers.OnFunctionCall(ctx, e.ContentID, e.Data)
		}
		return nil
	case event.InputEnd:
		// Only reaches the Client when the Server is the designated emitter
		// (silence_duration >= 0); a Client that drives its own EndInput
		// never sees this come back over the wire.
		if err := d.machine.EndInput(); err != nil {
			return err
		}
		d.beginRequestSpan(ctx)
		if d.handlers.OnInputEnd != nil {
			d.handlers.OnInputEnd(ctx)
		}
		return nil
	case event.OutputEnd:
		if err := d.machine.EndOutput(); err != nil {
			return err
		}
		d.endRequestSpan()
		if d.handlers.OnOutputEnd != nil {
			d.handlers.OnOutputEnd(ctx)
		}
		return nil
	case event.SessionEnd:
		d.machine.Terminate()
		metrics.ActiveSessions.WithLabelValues("client").Dec()
		d.mu.Lock()
		if d.sessionSpan != nil {
			d.sessionSpan.End()
			d.sessionSpan = nil
		}
		d.mu.Unlock()
		if d.handlers.OnSessionEnd != nil {
			d.handlers.OnSessionEnd(ctx)
		}
		return nil
	default:
		return protoerr.NewProtocolError(protoerr.IllegalTransition, component, "dispatch", errUnexpectedEvent(ev.Type()))
	}
}

func (d *Driver) send(ctx context.Context, e event.Event) error {
	f, err := codec.Encode(e)
	if err != nil {
		return err
	}
	var sendErr error
	switch f.Kind {
	case transport.FrameBinary:
		sendErr = d.t.SendBinary(ctx, f.Binary)
	default:
		sendErr = d.t.SendText(ctx, f.Text)
	}
	if sendErr == nil {
		metrics.FramesEncoded.WithLabelValues(metrics.FrameKindLabel(f.Kind)).Inc()
	}
	return sendErr
}

// beginRequestSpan starts the span covering InputEnd through OutputEnd for
// the request the Client just finished sending input for.
func (d *Driver) beginRequestSpan(ctx context.Context) {
	d.mu.Lock()
	d.requestStart = time.Now()
	_, span := tracing.StartRequest(ctx, d.chatID.String(), d.requestID.String())
	d.requestSpan = span
	d.mu.Unlock()
}

// endRequestSpan closes the current request's span and observes its
// duration. A no-op if no request span is open.
func (d *Driver) endRequestSpan() {
	d.mu.Lock()
	span := d.requestSpan
	start := d.requestStart
	d.requestSpan = nil
	d.mu.Unlock()
	if span == nil {
		return
	}
	span.End()
	metrics.ObserveRequestDuration(start)
}

// SendAudioChunk streams one chunk of input audio. The first call of a
// request transitions READY -> AWAIT_INPUT and mints the request's input
// stream id, tagged on every chunk per the Open Question decision that
// Client input-audio binary frames carry a stream identifier prefix.
func (d *Driver) SendAudioChunk(ctx context.Context, data []byte) error {
	starting := d.machine.State() == session.StateReady

	d.mu.Lock()
	if starting {
		d.inputStreamID = uuid.New()
	}
	streamID := d.inputStreamID
	d.mu.Unlock()

	if starting {
		if err := d.machine.BeginInputAudio(); err != nil {
			return err
		}
	}

	f, err := codec.Encode(event.InputMedia{StreamID: streamID, Data: data})
	if err != nil {
		return err
	}
	if err := d.t.SendBinary(ctx, f.Binary); err != nil {
		return err
	}
	metrics.FramesEncoded.WithLabelValues(metrics.FrameKindLabel(f.Kind)).Inc()
	return nil
}

// SendText sends one TEXT-mode input turn, transitioning READY ->
// AWAIT_INPUT_TEXT.
func (d *Driver) SendText(ctx context.Context, text string) error {
	if err := d.machine.BeginInputText(); err != nil {
		return err
	}
	return d.send(ctx, event.InputText{Data: text})
}

// EndInput terminates the input side of the current request. In AUDIO mode
// with server-side silence detection configured (silence_duration >= 0),
// the Server is the designated emitter of InputEnd and the Client must not
// call this (spec §4.2 tie-break); doing so returns a ValidationError.
func (d *Driver) EndInput(ctx context.Context) error {
	d.mu.Lock()
	audioMode := d.audioMode
	silence := d.silenceDuration
	d.mu.Unlock()

	if audioMode && silence != event.SilenceDetectEndOfSpeech && silence >= 0 {
		return protoerr.NewValidationError(component, "EndInput",
			errServerDetectsEndOfSpeech)
	}

	if err := d.machine.EndInput(); err != nil {
		return err
	}
	d.beginRequestSpan(ctx)
	return d.send(ctx, event.InputEnd{})
}

// Interrupt sends an in-band cancellation signal.
func (d *Driver) Interrupt(ctx context.Context, interruptType event.InterruptType) error {
	if err := d.machine.Interrupt(); err != nil {
		return err
	}
	if span := d.currentRequestSpan(); span != nil {
		tracing.RecordInterrupt(span, interruptTypeName(interruptType))
	}
	return d.send(ctx, event.Interrupt{InterruptType: interruptType})
}

func (d *Driver) currentRequestSpan() trace.Span {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.requestSpan
}

func interruptTypeName(t event.InterruptType) string {
	if t == event.InterruptSystem {
		return "system"
	}
	return "user"
}

// EndSession terminates the session. Idempotent: subsequent calls are a
// no-op.
func (d *Driver) EndSession(ctx context.Context) error {
	d.mu.Lock()
	if d.ended {
		d.mu.Unlock()
		return nil
	}
	d.ended = true
	d.mu.Unlock()

	d.machine.Terminate()
	return d.send(ctx, event.SessionEnd{})
}

// State returns the underlying Machine's current state.
func (d *Driver) State() session.State { return d.machine.State() }
