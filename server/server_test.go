package server_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/coriolis-audio/duplexproto/event"
	"github.com/coriolis-audio/duplexproto/memtransport"
	"github.com/coriolis-audio/duplexproto/protoerr"
	"github.com/coriolis-audio/duplexproto/server"
	"github.com/coriolis-audio/duplexproto/session"
)

func TestStageFailsBeforeResponding(t *testing.T) {
	a, _ := memtransport.NewPipe()
	srv := server.New(a)
	_, err := srv.Stage(context.Background(), "t", "", nil)
	require.Error(t, err)
}

func TestReadyAssignsChatID(t *testing.T) {
	a, b := memtransport.NewPipe()
	defer a.Close()
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	srv := server.New(a)
	go func() { _ = srv.Run(ctx) }()

	require.NoError(t, b.SendText(ctx, configFrame()))
	require.Eventually(t, func() bool { return srv.State() == session.StateConfigured }, time.Second, 5*time.Millisecond)

	req1 := uuid.New()
	require.NoError(t, srv.Ready(ctx, req1))

	f, err := b.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, float64(event.TypeServerReady), f.Text["event_type"])
	chatIDStr, _ := f.Text["chat_id"].(string)
	require.NotEmpty(t, chatIDStr)
}

// driveToResponding pushes a Driver through CONFIGURED -> READY ->
// AWAIT_INPUT_TEXT -> RESPONDING by feeding it raw frames over the peer
// pipe, the way a real Client would, without needing a client.Driver.
func driveToResponding(t *testing.T, peer *memtransport.Pipe, srv *server.Driver, ctx context.Context) {
	t.Helper()
	require.NoError(t, peer.SendText(ctx, configFrame()))
	require.Eventually(t, func() bool { return srv.State() == session.StateConfigured }, time.Second, 5*time.Millisecond)
	require.NoError(t, srv.Ready(ctx, uuid.New()))
	_, err := peer.Recv(ctx) // drain ServerReady
	require.NoError(t, err)

	require.NoError(t, peer.SendText(ctx, map[string]any{"event_type": int(event.TypeInputText), "data": "hi"}))
	require.NoError(t, peer.SendText(ctx, map[string]any{"event_type": int(event.TypeInputEnd)}))
	require.Eventually(t, func() bool { return srv.State() == session.StateResponding }, time.Second, 5*time.Millisecond)
}

func TestWriteMediaRejectsTextContent(t *testing.T) {
	a, b := memtransport.NewPipe()
	defer a.Close()
	defer b.Close()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	srv := server.New(a)
	go func() { _ = srv.Run(ctx) }()
	driveToResponding(t, b, srv, ctx)

	stageID, err := srv.Stage(ctx, "s", "", nil)
	require.NoError(t, err)
	_, err = b.Recv(ctx) // drain OutputStage
	require.NoError(t, err)
	contentID, err := srv.TextContent(ctx, stageID)
	require.NoError(t, err)
	_, err = b.Recv(ctx) // drain OutputTextContent
	require.NoError(t, err)

	err = srv.WriteMedia(ctx, contentID, []byte{1})
	require.Error(t, err)
}

func TestFunctionCallContentRejectsSecondCall(t *testing.T) {
	a, b := memtransport.NewPipe()
	defer a.Close()
	defer b.Close()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	srv := server.New(a)
	go func() { _ = srv.Run(ctx) }()
	driveToResponding(t, b, srv, ctx)

	stageID, err := srv.Stage(ctx, "s", "", nil)
	require.NoError(t, err)
	_, err = b.Recv(ctx)
	require.NoError(t, err)
	contentID, err := srv.FunctionCallContent(ctx, stageID)
	require.NoError(t, err)
	_, err = b.Recv(ctx)
	require.NoError(t, err)

	require.NoError(t, srv.WriteFunctionCall(ctx, contentID, `{"a":1}`))
	_, err = b.Recv(ctx)
	require.NoError(t, err)

	err = srv.WriteFunctionCall(ctx, contentID, `{"a":2}`)
	require.Error(t, err)
}

func TestAnnounceStageWithUnknownParentIsUnknownReference(t *testing.T) {
	a, b := memtransport.NewPipe()
	defer a.Close()
	defer b.Close()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	srv := server.New(a)
	go func() { _ = srv.Run(ctx) }()
	driveToResponding(t, b, srv, ctx)

	bogus := uuid.New()
	_, err := srv.Stage(ctx, "s", "", &bogus)
	require.Error(t, err)
	var protoErr *protoerr.ProtocolError
	require.ErrorAs(t, err, &protoErr)
	require.Equal(t, protoerr.UnknownReference, protoErr.Kind)
}

func configFrame() map[string]any {
	return map[string]any{
		"event_type":       int(event.TypeConfig),
		"input_mode":       int(event.InputModeText),
		"silence_duration": -1.0,
		"nchannels":        1,
		"sample_rate":      16000,
		"sample_width":     2,
	}
}
