package client_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/coriolis-audio/duplexproto/client"
	"github.com/coriolis-audio/duplexproto/event"
	"github.com/coriolis-audio/duplexproto/memtransport"
)

func serverReadyFrame(chatID, requestID uuid.UUID) map[string]any {
	return map[string]any{
		"event_type": int(event.TypeServerReady),
		"chat_id":    chatID.String(),
		"request_id": requestID.String(),
	}
}

func TestConfigureReturnsFirstServerReady(t *testing.T) {
	a, b := memtransport.NewPipe()
	defer a.Close()
	defer b.Close()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	cli := client.New(a)

	chatID, requestID := uuid.New(), uuid.New()
	go func() {
		f, err := b.Recv(ctx)
		require.NoError(t, err)
		require.Equal(t, float64(event.TypeConfig), f.Text["event_type"])
		require.NoError(t, b.SendText(ctx, serverReadyFrame(chatID, requestID)))
	}()

	ready, err := cli.Configure(ctx, event.NewConfig())
	require.NoError(t, err)
	require.Equal(t, chatID, ready.ChatID)
	require.Equal(t, requestID, ready.RequestID)
}

func TestConfigureFailsOnTransportClose(t *testing.T) {
	a, b := memtransport.NewPipe()
	defer a.Close()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	cli := client.New(a)
	go func() {
		_, _ = b.Recv(ctx)
		_ = b.Close()
	}()

	_, err := cli.Configure(ctx, event.NewConfig())
	require.Error(t, err)
}

func TestEndInputForbiddenWhenServerDetectsSilence(t *testing.T) {
	a, b := memtransport.NewPipe()
	defer a.Close()
	defer b.Close()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	cli := client.New(a)
	chatID, requestID := uuid.New(), uuid.New()
	go func() {
		_, _ = b.Recv(ctx)
		_ = b.SendText(ctx, serverReadyFrame(chatID, requestID))
	}()

	cfg := event.NewConfig()
	cfg.InputMode = event.InputModeAudio
	cfg.SilenceDuration = 300
	_, err := cli.Configure(ctx, cfg)
	require.NoError(t, err)

	require.NoError(t, cli.SendAudioChunk(ctx, []byte{1, 2}))
	err = cli.EndInput(ctx)
	require.Error(t, err)
}

func TestOutputTextRejectsUnknownContent(t *testing.T) {
	a, b := memtransport.NewPipe()
	defer a.Close()
	defer b.Close()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	cli := client.New(a)

	chatID, requestID := uuid.New(), uuid.New()
	go func() {
		_, _ = b.Recv(ctx)
		require.NoError(t, b.SendText(ctx, serverReadyFrame(chatID, requestID)))
	}()

	cfg := event.NewConfig()
	cfg.InputMode = event.InputModeText
	_, err := cli.Configure(ctx, cfg)
	require.NoError(t, err)
	require.NoError(t, cli.SendText(ctx, "hi"))
	require.NoError(t, cli.EndInput(ctx))
	_, err = b.Recv(ctx) // drain InputText
	require.NoError(t, err)
	_, err = b.Recv(ctx) // drain InputEnd
	require.NoError(t, err)

	go func() {
		errCh <- b.SendText(ctx, map[string]any{
			"event_type": int(event.TypeOutputText),
			"content_id": uuid.New().String(),
			"data":       "orphaned",
		})
	}()
	require.NoError(t, <-errCh)

	// The transport has no direct error surface for this; the Driver's
	// background read loop terminates on the unknown reference instead.
	// We assert the session is eventually terminated rather than calling
	// Configure/SendText again, which would now fail against a torn-down
	// Machine.
	require.Eventually(t, func() bool {
		return cli.State().String() == "TERMINATED"
	}, time.Second, 5*time.Millisecond)
}
