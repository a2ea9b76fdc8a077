package event_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coriolis-audio/duplexproto/codec"
	"github.com/coriolis-audio/duplexproto/event"
	"github.com/coriolis-audio/duplexproto/protoerr"
	"github.com/coriolis-audio/duplexproto/transport"
)

func TestNewConfigMatchesDefaultsTable(t *testing.T) {
	cfg := event.NewConfig()
	require.Equal(t, event.InputModeText, cfg.InputMode)
	require.Equal(t, event.SilenceDetectEndOfSpeech, cfg.SilenceDuration)
	require.Equal(t, 1, cfg.NChannels)
	require.Equal(t, 16000, cfg.SampleRate)
	require.Equal(t, 2, cfg.SampleWidth)
	require.True(t, cfg.OutputText)
	require.True(t, cfg.OutputAudio)
	require.True(t, cfg.OutputVideo)
	require.NoError(t, cfg.Validate())
}

func TestDecodeMinimalConfigFillsDefaults(t *testing.T) {
	// A wire message setting only input_mode must still decode with a
	// fully-specified audio session (SPEC_FULL.md defaults-table rule).
	f := transport.Frame{Kind: transport.FrameText, Text: map[string]any{
		"event_type": int(event.TypeConfig),
		"input_mode": int(event.InputModeAudio),
	}}
	got, err := codec.Decode(f, codec.ClientToServer)
	require.NoError(t, err)

	cfg, ok := got.(event.Config)
	require.True(t, ok)
	require.Equal(t, event.InputModeAudio, cfg.InputMode)
	require.Equal(t, event.SilenceDetectEndOfSpeech, cfg.SilenceDuration)
	require.Equal(t, 1, cfg.NChannels)
	require.Equal(t, 16000, cfg.SampleRate)
	require.Equal(t, 2, cfg.SampleWidth)
}

func TestDecodeConfigOverridesOnlyFieldsPresent(t *testing.T) {
	f := transport.Frame{Kind: transport.FrameText, Text: map[string]any{
		"event_type":  int(event.TypeConfig),
		"input_mode":  int(event.InputModeAudio),
		"sample_rate": 48000,
	}}
	got, err := codec.Decode(f, codec.ClientToServer)
	require.NoError(t, err)

	cfg := got.(event.Config)
	require.Equal(t, 48000, cfg.SampleRate)
	require.Equal(t, 1, cfg.NChannels)   // untouched, still defaulted
	require.Equal(t, 2, cfg.SampleWidth) // untouched, still defaulted
}

func TestConfigValidateSilenceDurationBoundary(t *testing.T) {
	cfg := event.NewConfig()

	cfg.SilenceDuration = event.SilenceDetectEndOfSpeech // -1, accepted
	require.NoError(t, cfg.Validate())

	cfg.SilenceDuration = 0 // server-side immediate detection, accepted
	require.NoError(t, cfg.Validate())

	cfg.SilenceDuration = 250
	require.NoError(t, cfg.Validate())

	cfg.SilenceDuration = -2 // anything else negative is rejected
	err := cfg.Validate()
	require.Error(t, err)
	var verr *protoerr.ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestConfigValidateRejectsBadInputMode(t *testing.T) {
	cfg := event.NewConfig()
	cfg.InputMode = event.InputMode(99)
	require.Error(t, cfg.Validate())
}

func TestConfigValidateRejectsNonPositiveAudioFormat(t *testing.T) {
	cfg := event.NewConfig()
	cfg.NChannels = 0
	require.Error(t, cfg.Validate())

	cfg = event.NewConfig()
	cfg.SampleRate = -1
	require.Error(t, cfg.Validate())

	cfg = event.NewConfig()
	cfg.SampleWidth = 0
	require.Error(t, cfg.Validate())
}
