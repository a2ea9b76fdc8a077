package metrics_test

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/coriolis-audio/duplexproto/metrics"
	"github.com/coriolis-audio/duplexproto/protoerr"
	"github.com/coriolis-audio/duplexproto/transport"
)

func TestFrameKindLabel(t *testing.T) {
	require.Equal(t, "text", metrics.FrameKindLabel(transport.FrameText))
	require.Equal(t, "binary", metrics.FrameKindLabel(transport.FrameBinary))
}

func TestRecordProtocolErrorUsesKindForProtocolError(t *testing.T) {
	counter := metrics.ProtocolErrors.WithLabelValues("illegal_transition", "server")
	before := testutil.ToFloat64(counter)

	err := protoerr.NewProtocolError(protoerr.IllegalTransition, "server", "dispatch", errors.New("boom"))
	metrics.RecordProtocolError(err, "server")

	require.Equal(t, before+1, testutil.ToFloat64(counter))
}

func TestRecordProtocolErrorFallsBackToUnknown(t *testing.T) {
	counter := metrics.ProtocolErrors.WithLabelValues("unknown", "client")
	before := testutil.ToFloat64(counter)

	metrics.RecordProtocolError(protoerr.NewTransportError("client", "Run", errors.New("closed")), "client")

	require.Equal(t, before+1, testutil.ToFloat64(counter))
}
