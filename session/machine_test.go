package session

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/coriolis-audio/duplexproto/event"
	"github.com/coriolis-audio/duplexproto/protoerr"
)

func TestHappyPathTextRequest(t *testing.T) {
	m := New()
	require.NoError(t, m.Configure())
	require.NoError(t, m.Ready())
	require.NoError(t, m.BeginInputText())
	require.NoError(t, m.EndInput())
	require.Equal(t, StateResponding, m.State())

	stageID := uuid.New()
	require.NoError(t, m.AnnounceStage(stageID, nil))

	contentID := uuid.New()
	require.NoError(t, m.AnnounceContent(contentID, event.ContentText, stageID))
	require.NoError(t, m.ValidateContentReference(contentID, event.ContentText))
	require.NoError(t, m.ValidateContentReference(contentID, event.ContentText)) // unbounded OutputText events

	require.NoError(t, m.EndOutput())
	require.Equal(t, StateReady, m.State())
}

func TestFunctionCallContentAcceptsExactlyOneCall(t *testing.T) {
	m := New()
	require.NoError(t, m.Configure())
	require.NoError(t, m.Ready())
	require.NoError(t, m.BeginInputText())
	require.NoError(t, m.EndInput())

	stageID := uuid.New()
	require.NoError(t, m.AnnounceStage(stageID, nil))
	contentID := uuid.New()
	require.NoError(t, m.AnnounceContent(contentID, event.ContentFunctionCall, stageID))

	require.NoError(t, m.ValidateContentReference(contentID, event.ContentFunctionCall))

	err := m.ValidateContentReference(contentID, event.ContentFunctionCall)
	require.Error(t, err)
	var protoErr *protoerr.ProtocolError
	require.ErrorAs(t, err, &protoErr)
	require.Equal(t, protoerr.IllegalTransition, protoErr.Kind)
}

func TestAnnounceContentUnknownStageIsUnknownReference(t *testing.T) {
	m := New()
	require.NoError(t, m.Configure())
	require.NoError(t, m.Ready())
	require.NoError(t, m.BeginInputText())
	require.NoError(t, m.EndInput())

	err := m.AnnounceContent(uuid.New(), event.ContentText, uuid.New())
	require.Error(t, err)
	var protoErr *protoerr.ProtocolError
	require.ErrorAs(t, err, &protoErr)
	require.Equal(t, protoerr.UnknownReference, protoErr.Kind)
}

func TestStageForestAllowsNestedParents(t *testing.T) {
	m := New()
	require.NoError(t, m.Configure())
	require.NoError(t, m.Ready())
	require.NoError(t, m.BeginInputText())
	require.NoError(t, m.EndInput())

	root := uuid.New()
	require.NoError(t, m.AnnounceStage(root, nil))
	child := uuid.New()
	require.NoError(t, m.AnnounceStage(child, &root))

	// duplicate id is illegal
	err := m.AnnounceStage(root, nil)
	require.Error(t, err)
	var protoErr *protoerr.ProtocolError
	require.ErrorAs(t, err, &protoErr)
	require.Equal(t, protoerr.IllegalTransition, protoErr.Kind)

	// unknown parent is UnknownReference
	err = m.AnnounceStage(uuid.New(), func() *uuid.UUID { id := uuid.New(); return &id }())
	require.ErrorAs(t, err, &protoErr)
	require.Equal(t, protoerr.UnknownReference, protoErr.Kind)
}

func TestOutputEndForbidsFurtherOutputEvents(t *testing.T) {
	m := New()
	require.NoError(t, m.Configure())
	require.NoError(t, m.Ready())
	require.NoError(t, m.BeginInputText())
	require.NoError(t, m.EndInput())
	require.NoError(t, m.EndOutput())

	err := m.AnnounceStage(uuid.New(), nil)
	require.Error(t, err)
	var protoErr *protoerr.ProtocolError
	require.ErrorAs(t, err, &protoErr)
	require.Equal(t, protoerr.IllegalTransition, protoErr.Kind)
}

func TestInterruptDuringRespondingBlocksFurtherStagesUntilEndOutput(t *testing.T) {
	m := New()
	require.NoError(t, m.Configure())
	require.NoError(t, m.Ready())
	require.NoError(t, m.BeginInputText())
	require.NoError(t, m.EndInput())

	require.NoError(t, m.Interrupt())
	require.True(t, m.Interrupted())

	err := m.AnnounceStage(uuid.New(), nil)
	require.Error(t, err)

	require.NoError(t, m.EndOutput())
	require.False(t, m.Interrupted())
}

func TestAudioModeSequencing(t *testing.T) {
	m := New()
	require.NoError(t, m.Configure())
	require.NoError(t, m.Ready())
	require.NoError(t, m.BeginInputAudio())
	require.Equal(t, StateAwaitInputAudio, m.State())
	require.NoError(t, m.EndInput())
	require.Equal(t, StateResponding, m.State())
}

func TestNewRequestClearsPriorStageRegistry(t *testing.T) {
	m := New()
	require.NoError(t, m.Configure())
	require.NoError(t, m.Ready())
	require.NoError(t, m.BeginInputText())
	require.NoError(t, m.EndInput())

	stageID := uuid.New()
	require.NoError(t, m.AnnounceStage(stageID, nil))
	require.NoError(t, m.EndOutput())

	// Second request: the same stage id is legal again since it's a new
	// request-scoped registry, and the old stage id cannot be referenced.
	require.NoError(t, m.BeginInputText())
	require.NoError(t, m.EndInput())
	require.NoError(t, m.AnnounceStage(stageID, nil))
}
