package server

import (
	"fmt"

	"github.com/coriolis-audio/duplexproto/event"
)

func errUnexpectedEvent(t event.Type) error {
	return fmt.Errorf("event type %s is not legal Client->Server traffic", t)
}

func errNotMediaContent(ct event.ContentType) error {
	return fmt.Errorf("content is %s, not audio or video", ct)
}
