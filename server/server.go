// Package server implements the Server-side endpoint driver (spec §4.6): it
// consumes Config/Input*/Interrupt/SessionEnd events from a Transport,
// dispatches them to host-registered handlers, and exposes the operations a
// host uses to produce a response (ready, stage, *_content, write_*,
// end_output, end_session). A Driver owns exactly one session.Machine and
// enforces the invariants from spec §3 on every event it sends or receives.
package server

import (
	"context"
	"encoding/json"
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
	"github.com/coriolis-audio/duplexproto/silencedetector"
	"github.com/coriolis-audio/duplexproto/tracing"
	"github.com/coriolis-audio/duplexproto/transport"
)

const component = "server"

// Handlers holds the host callbacks a Driver dispatches decoded Client
// events to. A nil field means the corresponding event is validated by the
// Machine but otherwise ignored.
type Handlers struct {
	OnConfig     func(ctx context.Context, cfg event.Config) error
	OnInputAudio func(ctx context.Context, streamID uuid.UUID, data []byte)
	OnInputText  func(ctx context.Context, data string)
	OnInputEnd   func(ctx context.Context)
	OnInterrupt  func(ctx context.Context, interruptType event.InterruptType)
	OnSessionEnd func(ctx context.Context)
}

// Option configures a Driver at construction time.
type Option func(*Driver)

// WithHandlers registers the host's event callbacks.
func WithHandlers(h Handlers) Option {
	return func(d *Driver) { d.handlers = h }
}

// WithLenientDecoding makes the inbound loop log and skip a frame that fails
// to decode instead of terminating the session. Off by default: a
// malformed frame is a protocol violation (spec §7).
func WithLenientDecoding() Option {
	return func(d *Driver) { d.lenient = true }
}

// Driver is the Server side of one duplex session.
type Driver struct {
	t        transport.Transport
	machine  *session.Machine
	handlers Handlers
	lenient  bool

	mu               sync.Mutex
	chatID           uuid.UUID
	requestID        uuid.UUID
	ended            bool
	silenceEnabled   bool
	silenceThreshold time.Duration
	silence          *silencedetector.Detector
	sessionSpan      trace.Span
	requestSpan      trace.Span
	requestStart     time.Time
}

// New builds a Driver bound to t. The Driver does not start reading until
// Run is called.
func New(t transport.Transport, opts ...Option) *Driver {
	d := &Driver{t: t, machine: session.New()}
	d.machine.SetIdentity("server", "")
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run blocks, decoding Client->Server frames and dispatching them until the
// transport closes (returns nil) or a terminal error occurs.
func (d *Driver) Run(ctx context.Context) error {
	for {
		f, err := d.t.Recv(ctx)
		if err != nil {
			if err == io.EOF {
				d.machine.Terminate()
				return nil
			}
			d.machine.Terminate()
			return protoerr.NewTransportError(component, "Run", err)
		}

		ev, err := codec.Decode(f, codec.ClientToServer)
		if err != nil {
			metrics.RecordProtocolError(err, "server")
			if d.lenient {
				protolog.FrameDropped(ctx, component, "decode failed", "err", err)
				continue
			}
			d.machine.Terminate()
			return err
		}
		metrics.FramesDecoded.WithLabelValues(metrics.FrameKindLabel(f.Kind)).Inc()

		if err := d.dispatch(ctx, ev); err != nil {
			metrics.RecordProtocolError(err, "server")
			if d.lenient {
				protolog.FrameDropped(ctx, component, "dispatch failed", "err", err)
				continue
			}
			d.machine.Terminate()
			return err
		}

		if _, ok := ev.(event.SessionEnd); ok {
			return nil
		}
	}
}

func (d *Driver) dispatch(ctx context.Context, ev event.Event) error {
	switch e := ev.(type) {
	case event.Config:
		if err := d.machine.Configure(); err != nil {
			return err
		}
		d.mu.Lock()
		if e.ChatID != nil {
			d.chatID = *e.ChatID
			d.machine.SetIdentity("server", d.chatID.String())
		}
		// Per request, not just once per session: every request's audio
		// input phase gets its own Detector (armed below, on the first
		// InputMedia chunk), so the Server keeps auto-detecting end-of-
		// speech across requests, not only the first.
		d.silenceEnabled = e.InputMode == event.InputModeAudio && e.SilenceDuration != event.SilenceDetectEndOfSpeech && e.SilenceDuration >= 0
		d.silenceThreshold = time.Duration(e.SilenceDuration * float64(time.Millisecond))
		_, d.sessionSpan = tracing.StartSession(ctx, "server")
		d.mu.Unlock()
		metrics.ActiveSessions.WithLabelValues("server").Inc()
		if d.handlers.OnConfig != nil {
			return d.handlers.OnConfig(ctx, e)
		}
		return nil
	case event.InputMedia:
		starting := d.machine.State() == session.StateReady
		if starting {
			if err := d.machine.BeginInputAudio(); err != nil {
				return err
			}
		}
		d.mu.Lock()
		if starting && d.silenceEnabled {
			d.silence = silencedetector.New(d.silenceThreshold, func() { d.onSilenceTimeout(ctx) })
		}
		detector := d.silence
		d.mu.Unlock()
		if detector != nil {
			detector.Touch()
		}
		if d.handlers.OnInputAudio != nil {
			d.handlers.OnInputAudio(ctx, e.StreamID, e.Data)
		}
		return nil
	case event.InputText:
		if d.machine.State() == session.StateReady {
			if err := d.machine.BeginInputText(); err != nil {
				return err
			}
		}
		if d.handlers.OnInputText != nil {
			d.handlers.OnInputText(ctx, e.Data)
		}
		return nil
	case event.InputEnd:
		// Not legal from the Client when the Server detects end-of-speech
		// itself (AUDIO mode with silence_duration >= 0, the tie-break, spec
		// §4.2): only the Server emits InputEnd then.
		d.mu.Lock()
		serverDetects := d.silenceEnabled
		d.mu.Unlock()
		if serverDetects {
			return protoerr.NewProtocolError(protoerr.IllegalTransition, component, "dispatch",
				errUnexpectedEvent(ev.Type()))
		}
		if err := d.machine.EndInput(); err != nil {
			return err
		}
		d.stopSilenceDetector()
		d.beginRequestSpan(ctx)
		if d.handlers.OnInputEnd != nil {
			d.handlers.OnInputEnd(ctx)
		}
		return nil
	case event.Interrupt:
		if err := d.machine.Interrupt(); err != nil {
			return err
		}
		d.stopSilenceDetector()
		d.mu.Lock()
		chatID := d.chatID
		d.mu.Unlock()
		protolog.Interrupted(ctx, chatID.String(), interruptTypeName(e.InterruptType),
			"request_id", d.currentRequestID().String())
		if span := d.currentRequestSpan(); span != nil {
			tracing.RecordInterrupt(span, interruptTypeName(e.InterruptType))
		}
		if d.handlers.OnInterrupt != nil {
			d.handlers.OnInterrupt(ctx, e.InterruptType)
		}
		// spec §4.4/Invariant 6: an Interrupt during RESPONDING is followed
		// by exactly one OutputEnd before the next OutputStage. The driver
		// enforces this itself rather than relying on the host to notice.
		if d.machine.State() == session.StateResponding {
			return d.EndOutput(ctx)
		}
		return nil
	case event.SessionEnd:
		d.machine.Terminate()
		d.stopSilenceDetector()
		metrics.ActiveSessions.WithLabelValues("server").Dec()
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
		return protoerr.NewProtocolError(protoerr.IllegalTransition, component, "dispatch",
			errUnexpectedEvent(ev.Type()))
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

func (d *Driver) currentRequestID() uuid.UUID {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.requestID
}

// beginRequestSpan starts the span covering InputEnd through OutputEnd/
// Interrupt for the current request (spec §8: request lifetime metrics).
func (d *Driver) beginRequestSpan(ctx context.Context) {
	d.mu.Lock()
	d.requestStart = time.Now()
	_, span := tracing.StartRequest(ctx, d.chatID.String(), d.requestID.String())
	d.requestSpan = span
	d.mu.Unlock()
}

func (d *Driver) currentRequestSpan() trace.Span {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.requestSpan
}

// endRequestSpan closes the current request's span and observes its
// duration. A no-op if no request span is open, e.g. EndOutput racing an
// Interrupt that already closed it.
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

// Ready transitions CONFIGURED/RESPONDING -> READY and emits ServerReady
// for requestID. The first call also assigns chatID if the Client did not
// supply one on Config. Per Open Question decision, a new ServerReady is
// emitted for every request, not only the first.
func (d *Driver) Ready(ctx context.Context, requestID uuid.UUID) error {
	if err := d.machine.Ready(); err != nil {
		return err
	}

	d.mu.Lock()
	if d.chatID == uuid.Nil {
		d.chatID = uuid.New()
		d.machine.SetIdentity("server", d.chatID.String())
	}
	d.requestID = requestID
	chatID := d.chatID
	d.mu.Unlock()

	return d.send(ctx, event.ServerReady{ChatID: chatID, RequestID: requestID})
}

// Stage announces an OutputStage, optionally nested under parentID, and
// returns its id.
func (d *Driver) Stage(ctx context.Context, title, description string, parentID *uuid.UUID) (uuid.UUID, error) {
	id := uuid.New()
	if err := d.machine.AnnounceStage(id, parentID); err != nil {
		return uuid.Nil, err
	}
	ev := event.OutputStage{ID: id, ParentID: parentID, Title: title, Description: description}
	if err := d.send(ctx, ev); err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

// TextContent announces a TEXT content unit within stageID and returns its id.
func (d *Driver) TextContent(ctx context.Context, stageID uuid.UUID) (uuid.UUID, error) {
	id := uuid.New()
	if err := d.machine.AnnounceContent(id, event.ContentText, stageID); err != nil {
		return uuid.Nil, err
	}
	if err := d.send(ctx, event.OutputTextContent{ID: id, Type: event.ContentText, StageID: stageID}); err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

// FunctionCallContent announces a FUNCTION_CALL content unit within stageID
// and returns its id.
func (d *Driver) FunctionCallContent(ctx context.Context, stageID uuid.UUID) (uuid.UUID, error) {
	id := uuid.New()
	if err := d.machine.AnnounceContent(id, event.ContentFunctionCall, stageID); err != nil {
		return uuid.Nil, err
	}
	if err := d.send(ctx, event.OutputFunctionCallContent{ID: id, Type: event.ContentFunctionCall, StageID: stageID}); err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

// AudioContent announces an AUDIO content unit within stageID and returns its id.
func (d *Driver) AudioContent(ctx context.Context, stageID uuid.UUID, nchannels, sampleRate, sampleWidth int) (uuid.UUID, error) {
	id := uuid.New()
	ev := event.OutputAudioContent{ID: id, Type: event.ContentAudio, StageID: stageID, NChannels: nchannels, SampleRate: sampleRate, SampleWidth: sampleWidth}
	if err := ev.Validate(); err != nil {
		return uuid.Nil, err
	}
	if err := d.machine.AnnounceContent(id, event.ContentAudio, stageID); err != nil {
		return uuid.Nil, err
	}
	if err := d.send(ctx, ev); err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

// VideoContent announces a VIDEO content unit within stageID and returns its id.
func (d *Driver) VideoContent(ctx context.Context, stageID uuid.UUID, fps, width, height int) (uuid.UUID, error) {
	id := uuid.New()
	ev := event.OutputVideoContent{ID: id, Type: event.ContentVideo, StageID: stageID, FPS: fps, Width: width, Height: height}
	if err := ev.Validate(); err != nil {
		return uuid.Nil, err
	}
	if err := d.machine.AnnounceContent(id, event.ContentVideo, stageID); err != nil {
		return uuid.Nil, err
	}
	if err := d.send(ctx, ev); err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

// ContentAddition attaches implementation-defined metadata to a
// previously-announced content.
func (d *Driver) ContentAddition(ctx context.Context, contentID uuid.UUID, metadata json.RawMessage) error {
	if _, err := d.machine.LookupContent(contentID); err != nil {
		return err
	}
	return d.send(ctx, event.OutputContentAddition{ContentID: contentID, Metadata: metadata})
}

// WriteText streams one string fragment of a TEXT content.
func (d *Driver) WriteText(ctx context.Context, contentID uuid.UUID, chunk string) error {
	if err := d.machine.ValidateContentReference(contentID, event.ContentText); err != nil {
		return err
	}
	return d.send(ctx, event.OutputText{ContentID: contentID, Data: chunk})
}

// WriteMedia streams one chunk of an AUDIO or VIDEO content. The content
// type is looked up from the announcement, so callers need not track which
// of the two it is.
func (d *Driver) WriteMedia(ctx context.Context, contentID uuid.UUID, chunk []byte) error {
	ct, err := d.machine.LookupContent(contentID)
	if err != nil {
		return err
	}
	if ct != event.ContentAudio && ct != event.ContentVideo {
		return protoerr.NewValidationError(component, "WriteMedia", errNotMediaContent(ct))
	}
	f, err := codec.Encode(event.OutputMedia{ContentID: contentID, Data: chunk})
	if err != nil {
		return err
	}
	if err := d.t.SendBinary(ctx, f.Binary); err != nil {
		return err
	}
	metrics.FramesEncoded.WithLabelValues(metrics.FrameKindLabel(f.Kind)).Inc()
	return nil
}

// WriteFunctionCall sends the single atomic payload of a FUNCTION_CALL
// content. data must be a JSON-encoded string.
func (d *Driver) WriteFunctionCall(ctx context.Context, contentID uuid.UUID, data string) error {
	ev := event.OutputFunctionCall{ContentID: contentID, Data: data}
	if err := ev.Validate(); err != nil {
		return err
	}
	if err := d.machine.ValidateContentReference(contentID, event.ContentFunctionCall); err != nil {
		return err
	}
	return d.send(ctx, ev)
}

// Transcription reports a partial-or-final transcription of input audio.
func (d *Driver) Transcription(ctx context.Context, payload json.RawMessage) error {
	return d.send(ctx, event.OutputTranscription{Transcription: payload})
}

// EndInput terminates the input side of the current request on the
// Server's own initiative: the silence_duration >= 0 case (spec §4.2 tie-
// break), where the Server rather than the Client detects end-of-speech
// and emits InputEnd.
func (d *Driver) EndInput(ctx context.Context) error {
	if err := d.machine.EndInput(); err != nil {
		return err
	}
	d.stopSilenceDetector()
	d.beginRequestSpan(ctx)
	return d.send(ctx, event.InputEnd{})
}

func (d *Driver) onSilenceTimeout(ctx context.Context) {
	if err := d.EndInput(ctx); err != nil {
		protolog.Error("silence detector could not end input", "err", err)
		return
	}
	if d.handlers.OnInputEnd != nil {
		d.handlers.OnInputEnd(ctx)
	}
}

func (d *Driver) stopSilenceDetector() {
	d.mu.Lock()
	detector := d.silence
	d.silence = nil
	d.mu.Unlock()
	if detector != nil {
		detector.Stop()
	}
}

// EndOutput terminates the current request and returns the Machine to
// READY. Idempotent with respect to an interrupt-triggered auto end: if the
// Machine is not RESPONDING this is a no-op returning the underlying
// illegal-transition error, which callers racing with the driver's
// interrupt handling can safely ignore.
func (d *Driver) EndOutput(ctx context.Context) error {
	if err := d.machine.EndOutput(); err != nil {
		return err
	}
	d.endRequestSpan()
	return d.send(ctx, event.OutputEnd{})
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

func interruptTypeName(t event.InterruptType) string {
	if t == event.InterruptSystem {
		return "system"
	}
	return "user"
}
