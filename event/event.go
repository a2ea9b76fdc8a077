package event

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/coriolis-audio/duplexproto/protoerr"
)

// Event is implemented by every wire event variant. The set is closed and
// known at compile time; callers type-switch on the concrete type (or use
// Type()) to dispatch.
type Event interface {
	// Type returns the event's stable wire discriminator.
	Type() Type
	// Validate checks the event's fields against its schema. It is called
	// both when a host constructs an event (encode time) and after a text
	// frame is unmarshaled into the variant (decode time).
	Validate() error
}

// component is the protoerr.Component used for validation errors raised by
// event constructors and by Validate.
const component = "event"

// SilenceDetectEndOfSpeech is the distinguished silence_duration sentinel
// meaning "the client device detects end-of-speech itself".
const SilenceDetectEndOfSpeech = -1.0

// Defaults for CONFIG fields omitted on the wire (§6 Configuration defaults).
const (
	DefaultInputMode       = InputModeText
	DefaultSilenceDuration = SilenceDetectEndOfSpeech
	DefaultNChannels       = 1
	DefaultSampleRate      = 16000
	DefaultSampleWidth     = 2
)

// Config is the Client's opening event, negotiating the session.
type Config struct {
	ChatID          *uuid.UUID `json:"chat_id,omitempty"`
	InputMode       InputMode  `json:"input_mode"`
	SilenceDuration float64    `json:"silence_duration"`
	NChannels       int        `json:"nchannels"`
	SampleRate      int        `json:"sample_rate"`
	SampleWidth     int        `json:"sample_width"`
	OutputText      bool       `json:"output_text"`
	OutputAudio     bool       `json:"output_audio"`
	OutputVideo     bool       `json:"output_video"`
}

// NewConfig builds a Config with the §6 defaults, so a host only needs to
// set the fields it cares about.
func NewConfig() Config {
	return Config{
		InputMode:       DefaultInputMode,
		SilenceDuration: DefaultSilenceDuration,
		NChannels:       DefaultNChannels,
		SampleRate:      DefaultSampleRate,
		SampleWidth:     DefaultSampleWidth,
		OutputText:      true,
		OutputAudio:     true,
		OutputVideo:     true,
	}
}

// Type implements Event.
func (Config) Type() Type { return TypeConfig }

// Validate implements Event.
func (c Config) Validate() error {
	if c.InputMode != InputModeAudio && c.InputMode != InputModeText {
		return protoerr.NewValidationError(component, "Config.Validate", fmt.Errorf("invalid input_mode %d", c.InputMode))
	}
	if c.SilenceDuration != SilenceDetectEndOfSpeech && c.SilenceDuration < 0 {
		return protoerr.NewValidationError(component, "Config.Validate", fmt.Errorf("invalid silence_duration %v: must be -1 or >= 0", c.SilenceDuration))
	}
	if c.NChannels <= 0 || c.SampleRate <= 0 || c.SampleWidth <= 0 {
		return protoerr.NewValidationError(component, "Config.Validate", fmt.Errorf("audio format fields must be positive"))
	}
	return nil
}

// InputText carries one TEXT-mode input turn.
type InputText struct {
	Data string `json:"data"`
}

// Type implements Event.
func (InputText) Type() Type { return TypeInputText }

// Validate implements Event.
func (InputText) Validate() error { return nil }

// InputMedia is the decoded form of a Client->Server binary frame: raw
// input-audio bytes tagged with the request's input stream id. It has no
// text-frame representation; the codec produces it from a binary frame.
type InputMedia struct {
	StreamID uuid.UUID
	Data     []byte
}

// Type implements Event.
func (InputMedia) Type() Type { return TypeInputMedia }

// Validate implements Event.
func (InputMedia) Validate() error { return nil }

// InputEnd terminates the input side of a request.
type InputEnd struct{}

// Type implements Event.
func (InputEnd) Type() Type { return TypeInputEnd }

// Validate implements Event.
func (InputEnd) Validate() error { return nil }

// Interrupt is the Client's in-band cancellation signal.
type Interrupt struct {
	InterruptType InterruptType `json:"interrupt_type"`
}

// Type implements Event.
func (Interrupt) Type() Type { return TypeInterrupt }

// Validate implements Event.
func (i Interrupt) Validate() error {
	if i.InterruptType != InterruptUser && i.InterruptType != InterruptSystem {
		return protoerr.NewValidationError(component, "Interrupt.Validate", fmt.Errorf("invalid interrupt_type %d", i.InterruptType))
	}
	return nil
}

// ServerReady is the Server's response to Config, assigning chat_id (if the
// Client did not supply one) and request_id for the first request. The
// Server sends a new ServerReady with a fresh request_id for each later
// request.
type ServerReady struct {
	ChatID    uuid.UUID `json:"chat_id"`
	RequestID uuid.UUID `json:"request_id"`
}

// Type implements Event.
func (ServerReady) Type() Type { return TypeServerReady }

// Validate implements Event.
func (s ServerReady) Validate() error {
	if s.ChatID == uuid.Nil {
		return protoerr.NewValidationError(component, "ServerReady.Validate", fmt.Errorf("chat_id is required"))
	}
	if s.RequestID == uuid.Nil {
		return protoerr.NewValidationError(component, "ServerReady.Validate", fmt.Errorf("request_id is required"))
	}
	return nil
}

// OutputTranscription carries a partial-or-final view of input audio. The
// transcription payload is opaque and implementation-defined; the core only
// requires it to be JSON-serializable and round-trippable.
type OutputTranscription struct {
	Transcription json.RawMessage `json:"transcription"`
}

// Type implements Event.
func (OutputTranscription) Type() Type { return TypeOutputTranscription }

// Validate implements Event.
func (o OutputTranscription) Validate() error {
	if len(o.Transcription) == 0 {
		return protoerr.NewValidationError(component, "OutputTranscription.Validate", fmt.Errorf("transcription is required"))
	}
	if !json.Valid(o.Transcription) {
		return protoerr.NewValidationError(component, "OutputTranscription.Validate", fmt.Errorf("transcription is not valid JSON"))
	}
	return nil
}

// OutputStage announces a logical step within a request's response.
// ParentID is nil for a root stage.
type OutputStage struct {
	ID          uuid.UUID  `json:"id"`
	ParentID    *uuid.UUID `json:"parent_id"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
}

// Type implements Event.
func (OutputStage) Type() Type { return TypeOutputStage }

// Validate implements Event.
func (s OutputStage) Validate() error {
	if s.ID == uuid.Nil {
		return protoerr.NewValidationError(component, "OutputStage.Validate", fmt.Errorf("id is required"))
	}
	if s.ParentID != nil && *s.ParentID == uuid.Nil {
		return protoerr.NewValidationError(component, "OutputStage.Validate", fmt.Errorf("parent_id must be null or a valid id, not the nil uuid"))
	}
	return nil
}

// OutputTextContent announces a TEXT content unit within a stage.
type OutputTextContent struct {
	ID      uuid.UUID   `json:"id"`
	Type    ContentType `json:"type"`
	StageID uuid.UUID   `json:"stage_id"`
}

// Type implements Event.
func (OutputTextContent) Type() Type { return TypeOutputTextContent }

// Validate implements Event.
func (c OutputTextContent) Validate() error {
	if err := validateContentAnnouncement("OutputTextContent", c.ID, c.StageID); err != nil {
		return err
	}
	return validateContentTypeField("OutputTextContent", c.Type, ContentText)
}

// OutputFunctionCallContent announces a FUNCTION_CALL content unit within a
// stage.
type OutputFunctionCallContent struct {
	ID      uuid.UUID   `json:"id"`
	Type    ContentType `json:"type"`
	StageID uuid.UUID   `json:"stage_id"`
}

// Type implements Event.
func (OutputFunctionCallContent) Type() Type { return TypeOutputFunctionCallContent }

// Validate implements Event.
func (c OutputFunctionCallContent) Validate() error {
	if err := validateContentAnnouncement("OutputFunctionCallContent", c.ID, c.StageID); err != nil {
		return err
	}
	return validateContentTypeField("OutputFunctionCallContent", c.Type, ContentFunctionCall)
}

// OutputAudioContent announces an AUDIO content unit within a stage.
type OutputAudioContent struct {
	ID          uuid.UUID   `json:"id"`
	Type        ContentType `json:"type"`
	StageID     uuid.UUID   `json:"stage_id"`
	NChannels   int         `json:"nchannels"`
	SampleRate  int         `json:"sample_rate"`
	SampleWidth int         `json:"sample_width"`
}

// Type implements Event.
func (OutputAudioContent) Type() Type { return TypeOutputAudioContent }

// Validate implements Event.
func (c OutputAudioContent) Validate() error {
	if err := validateContentAnnouncement("OutputAudioContent", c.ID, c.StageID); err != nil {
		return err
	}
	if err := validateContentTypeField("OutputAudioContent", c.Type, ContentAudio); err != nil {
		return err
	}
	if c.NChannels <= 0 || c.SampleRate <= 0 || c.SampleWidth <= 0 {
		return protoerr.NewValidationError(component, "OutputAudioContent.Validate", fmt.Errorf("audio format fields must be positive"))
	}
	return nil
}

// OutputVideoContent announces a VIDEO content unit within a stage.
type OutputVideoContent struct {
	ID      uuid.UUID   `json:"id"`
	Type    ContentType `json:"type"`
	StageID uuid.UUID   `json:"stage_id"`
	FPS     int         `json:"fps"`
	Width   int         `json:"width"`
	Height  int         `json:"height"`
}

// Type implements Event.
func (OutputVideoContent) Type() Type { return TypeOutputVideoContent }

// Validate implements Event.
func (c OutputVideoContent) Validate() error {
	if err := validateContentAnnouncement("OutputVideoContent", c.ID, c.StageID); err != nil {
		return err
	}
	if err := validateContentTypeField("OutputVideoContent", c.Type, ContentVideo); err != nil {
		return err
	}
	if c.FPS <= 0 || c.Width <= 0 || c.Height <= 0 {
		return protoerr.NewValidationError(component, "OutputVideoContent.Validate", fmt.Errorf("video format fields must be positive"))
	}
	return nil
}

// OutputContentAddition carries implementation-defined metadata about a
// previously-announced content.
type OutputContentAddition struct {
	ContentID uuid.UUID       `json:"content_id"`
	Metadata  json.RawMessage `json:"metadata"`
}

// Type implements Event.
func (OutputContentAddition) Type() Type { return TypeOutputContentAddition }

// Validate implements Event.
func (a OutputContentAddition) Validate() error {
	if a.ContentID == uuid.Nil {
		return protoerr.NewValidationError(component, "OutputContentAddition.Validate", fmt.Errorf("content_id is required"))
	}
	if len(a.Metadata) > 0 && !json.Valid(a.Metadata) {
		return protoerr.NewValidationError(component, "OutputContentAddition.Validate", fmt.Errorf("metadata is not valid JSON"))
	}
	return nil
}

// OutputText is one streamed string fragment of a TEXT content.
type OutputText struct {
	ContentID uuid.UUID `json:"content_id"`
	Data      string    `json:"data"`
}

// Type implements Event.
func (OutputText) Type() Type { return TypeOutputText }

// Validate implements Event.
func (o OutputText) Validate() error {
	if o.ContentID == uuid.Nil {
		return protoerr.NewValidationError(component, "OutputText.Validate", fmt.Errorf("content_id is required"))
	}
	return nil
}

// OutputMedia is the decoded form of a Server->Client binary frame: raw
// media bytes for an AUDIO or VIDEO content.
type OutputMedia struct {
	ContentID uuid.UUID
	Data      []byte
}

// Type implements Event.
func (OutputMedia) Type() Type { return TypeOutputMedia }

// Validate implements Event.
func (o OutputMedia) Validate() error {
	if o.ContentID == uuid.Nil {
		return protoerr.NewValidationError(component, "OutputMedia.Validate", fmt.Errorf("content_id is required"))
	}
	return nil
}

// OutputFunctionCall is the single atomic payload of a FUNCTION_CALL
// content.
type OutputFunctionCall struct {
	ContentID uuid.UUID `json:"content_id"`
	Data      string    `json:"data"`
}

// Type implements Event.
func (OutputFunctionCall) Type() Type { return TypeOutputFunctionCall }

// Validate implements Event.
func (o OutputFunctionCall) Validate() error {
	if o.ContentID == uuid.Nil {
		return protoerr.NewValidationError(component, "OutputFunctionCall.Validate", fmt.Errorf("content_id is required"))
	}
	if !json.Valid([]byte(o.Data)) {
		return protoerr.NewValidationError(component, "OutputFunctionCall.Validate", fmt.Errorf("data is not valid JSON"))
	}
	return nil
}

// OutputEnd terminates a request. No further Output* events for that
// request may follow.
type OutputEnd struct{}

// Type implements Event.
func (OutputEnd) Type() Type { return TypeOutputEnd }

// Validate implements Event.
func (OutputEnd) Validate() error { return nil }

// SessionEnd terminates the session.
type SessionEnd struct{}

// Type implements Event.
func (SessionEnd) Type() Type { return TypeSessionEnd }

// Validate implements Event.
func (SessionEnd) Validate() error { return nil }

func validateContentAnnouncement(name string, id, stageID uuid.UUID) error {
	if id == uuid.Nil {
		return protoerr.NewValidationError(component, name+".Validate", fmt.Errorf("id is required"))
	}
	if stageID == uuid.Nil {
		return protoerr.NewValidationError(component, name+".Validate", fmt.Errorf("stage_id is required"))
	}
	return nil
}

// validateContentTypeField checks the wire-mandated type field of an
// Output*Content announcement (spec §6) against the content type implied by
// which Go variant carries it, enforcing Invariant 3's "matching type"
// clause at announcement time rather than only at reference time.
func validateContentTypeField(name string, got, want ContentType) error {
	if got != want {
		return protoerr.NewValidationError(component, name+".Validate",
			fmt.Errorf("type field %s does not match content kind %s", got, want))
	}
	return nil
}
