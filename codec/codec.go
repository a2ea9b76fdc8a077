// Package codec implements the wire framing described in spec §4.2: it
// multiplexes the structured event taxonomy (text frames carrying a JSON
// object tagged with an integer event_type) with binary media chunks
// (frames prefixed with a 16-byte raw stream-identifier).
package codec

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/coriolis-audio/duplexproto/event"
	"github.com/coriolis-audio/duplexproto/protoerr"
	"github.com/coriolis-audio/duplexproto/transport"
)

const component = "codec"

// uuidPrefixLen is the fixed size of the raw big-endian uuid prefix on
// every binary frame.
const uuidPrefixLen = 16

// Direction resolves the event type of a binary frame, which the wire
// format infers from which side sent it (§6).
type Direction int

const (
	// ClientToServer binary frames decode as event.InputMedia.
	ClientToServer Direction = iota
	// ServerToClient binary frames decode as event.OutputMedia.
	ServerToClient
)

// Encode turns an event into the frame that carries it. Structured events
// become text frames; InputMedia/OutputMedia become binary frames with the
// 16-byte stream-id prefix.
func Encode(e event.Event) (transport.Frame, error) {
	if err := e.Validate(); err != nil {
		return transport.Frame{}, err
	}

	switch ev := e.(type) {
	case event.InputMedia:
		return encodeMedia(ev.StreamID, ev.Data), nil
	case event.OutputMedia:
		return encodeMedia(ev.ContentID, ev.Data), nil
	default:
		return encodeText(e)
	}
}

func encodeMedia(streamID uuid.UUID, payload []byte) transport.Frame {
	buf := make([]byte, uuidPrefixLen+len(payload))
	idBytes, _ := streamID.MarshalBinary() // fixed 16 bytes, MarshalBinary never fails for uuid.UUID
	copy(buf, idBytes)
	copy(buf[uuidPrefixLen:], payload)
	return transport.Frame{Kind: transport.FrameBinary, Binary: buf}
}

func encodeText(e event.Event) (transport.Frame, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return transport.Frame{}, protoerr.NewProtocolError(protoerr.MalformedEvent, component, "Encode", err)
	}

	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return transport.Frame{}, protoerr.NewProtocolError(protoerr.MalformedEvent, component, "Encode", err)
	}
	if obj == nil {
		obj = map[string]any{}
	}
	// float64, like every other number in obj after the JSON round trip above.
	obj["event_type"] = float64(e.Type())

	return transport.Frame{Kind: transport.FrameText, Text: obj}, nil
}

// Decode turns a frame back into a typed event. dir resolves the variant
// for binary frames (§6: client binary => INPUT_MEDIA, server binary =>
// OUTPUT_MEDIA). Decode failures are *protoerr.ProtocolError with
// Kind == MalformedEvent.
func Decode(f transport.Frame, dir Direction) (event.Event, error) {
	switch f.Kind {
	case transport.FrameBinary:
		return decodeMedia(f.Binary, dir)
	case transport.FrameText:
		return decodeText(f.Text)
	default:
		return nil, protoerr.NewProtocolError(protoerr.MalformedEvent, component, "Decode", fmt.Errorf("unknown frame kind %d", f.Kind))
	}
}

func decodeMedia(payload []byte, dir Direction) (event.Event, error) {
	if len(payload) < uuidPrefixLen {
		return nil, protoerr.NewProtocolError(protoerr.MalformedEvent, component, "Decode",
			fmt.Errorf("binary frame length %d is shorter than the 16-byte uuid prefix", len(payload)))
	}

	id, err := uuid.FromBytes(payload[:uuidPrefixLen])
	if err != nil {
		return nil, protoerr.NewProtocolError(protoerr.MalformedEvent, component, "Decode", err)
	}
	data := append([]byte(nil), payload[uuidPrefixLen:]...)

	switch dir {
	case ClientToServer:
		return event.InputMedia{StreamID: id, Data: data}, nil
	case ServerToClient:
		return event.OutputMedia{ContentID: id, Data: data}, nil
	default:
		return nil, protoerr.NewProtocolError(protoerr.MalformedEvent, component, "Decode", fmt.Errorf("unknown direction %d", dir))
	}
}

func decodeText(obj map[string]any) (event.Event, error) {
	rawType, ok := obj["event_type"]
	if !ok {
		return nil, protoerr.NewProtocolError(protoerr.MalformedEvent, component, "Decode", fmt.Errorf("missing event_type field"))
	}
	typeNum, ok := asInt(rawType)
	if !ok {
		return nil, protoerr.NewProtocolError(protoerr.MalformedEvent, component, "Decode", fmt.Errorf("event_type is not an integer"))
	}

	body, err := json.Marshal(obj)
	if err != nil {
		return nil, protoerr.NewProtocolError(protoerr.MalformedEvent, component, "Decode", err)
	}

	var target event.Event
	switch event.Type(typeNum) {
	case event.TypeConfig:
		// Start from the §6 defaults table and let json.Unmarshal overlay
		// only the fields actually present on the wire: a minimal Config
		// that sets only input_mode still ends up with a fully-specified
		// audio session rather than being rejected for zero-valued fields.
		v := event.NewConfig()
		target, err = unmarshalInto(body, &v)
	case event.TypeInputText:
		var v event.InputText
		target, err = unmarshalInto(body, &v)
	case event.TypeInputEnd:
		var v event.InputEnd
		target, err = unmarshalInto(body, &v)
	case event.TypeInterrupt:
		var v event.Interrupt
		target, err = unmarshalInto(body, &v)
	case event.TypeServerReady:
		var v event.ServerReady
		target, err = unmarshalInto(body, &v)
	case event.TypeOutputTranscription:
		var v event.OutputTranscription
		target, err = unmarshalInto(body, &v)
	case event.TypeOutputStage:
		var v event.OutputStage
		target, err = unmarshalInto(body, &v)
	case event.TypeOutputTextContent:
		var v event.OutputTextContent
		target, err = unmarshalInto(body, &v)
	case event.TypeOutputFunctionCallContent:
		var v event.OutputFunctionCallContent
		target, err = unmarshalInto(body, &v)
	case event.TypeOutputAudioContent:
		var v event.OutputAudioContent
		target, err = unmarshalInto(body, &v)
	case event.TypeOutputVideoContent:
		var v event.OutputVideoContent
		target, err = unmarshalInto(body, &v)
	case event.TypeOutputContentAddition:
		var v event.OutputContentAddition
		target, err = unmarshalInto(body, &v)
	case event.TypeOutputText:
		var v event.OutputText
		target, err = unmarshalInto(body, &v)
	case event.TypeOutputFunctionCall:
		var v event.OutputFunctionCall
		target, err = unmarshalInto(body, &v)
	case event.TypeOutputEnd:
		var v event.OutputEnd
		target, err = unmarshalInto(body, &v)
	case event.TypeSessionEnd:
		var v event.SessionEnd
		target, err = unmarshalInto(body, &v)
	default:
		return nil, protoerr.NewProtocolError(protoerr.MalformedEvent, component, "Decode", fmt.Errorf("unknown event_type %d", typeNum))
	}
	if err != nil {
		return nil, err
	}

	if err := target.Validate(); err != nil {
		return nil, protoerr.NewProtocolError(protoerr.MalformedEvent, component, "Decode", err)
	}
	return target, nil
}

// unmarshalInto decodes body into v and returns v dereferenced as an
// event.Event, wrapping decode errors (e.g. a field of the wrong JSON type,
// or an invalid uuid string) as MalformedEvent. A missing field is not a
// decode error here: it is left at its zero value, and the caller's
// Validate call rejects it.
func unmarshalInto[T event.Event](body []byte, v *T) (event.Event, error) {
	if err := json.Unmarshal(body, v); err != nil {
		return nil, protoerr.NewProtocolError(protoerr.MalformedEvent, component, "Decode", err)
	}
	return *v, nil
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	default:
		return 0, false
	}
}
