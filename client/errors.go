package client

import (
	"errors"
	"fmt"

	"github.com/coriolis-audio/duplexproto/event"
)

var errServerDetectsEndOfSpeech = errors.New("silence_duration >= 0: the Server detects end-of-speech and emits InputEnd, the Client must not")

func errUnexpectedEvent(t event.Type) error {
	return fmt.Errorf("event type %s is not legal Server->Client traffic", t)
}

func errNotMediaContent(ct event.ContentType) error {
	return fmt.Errorf("content is %s, not audio or video", ct)
}
