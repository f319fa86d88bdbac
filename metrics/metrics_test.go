package metrics

import (
	"net/http/httptest"
	"serial-rpc/message"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestRecorderCounts(t *testing.T) {
	recorder, err := NewRecorder()
	require.NoError(t, err)

	recorder.FrameCompleted()
	recorder.FrameCompleted()
	recorder.FrameOverflowed()
	recorder.ResponseWritten(message.NewResponse(1, message.Success(message.String("ok"))))
	recorder.ResponseWritten(message.NewResponse(0, message.Failure(message.CodeParseError, "Parse error")))
	recorder.ObserveHandler("echo", time.Millisecond)

	require.Equal(t, 2.0, testutil.ToFloat64(recorder.frames.WithLabelValues("complete")))
	require.Equal(t, 1.0, testutil.ToFloat64(recorder.frames.WithLabelValues("overflow")))
	require.Equal(t, 1.0, testutil.ToFloat64(recorder.responses.WithLabelValues("result", "0")))
	require.Equal(t, 1.0, testutil.ToFloat64(recorder.responses.WithLabelValues("error", "-32700")))
}

func TestNilRecorder(t *testing.T) {
	var recorder *Recorder
	require.NotPanics(t, func() {
		recorder.FrameCompleted()
		recorder.FrameOverflowed()
		recorder.ResponseWritten(message.NewResponse(1, message.Success(message.String("ok"))))
		recorder.ObserveHandler("echo", time.Millisecond)
	})
}

func TestHandlerServesText(t *testing.T) {
	recorder, err := NewRecorder()
	require.NoError(t, err)
	recorder.FrameOverflowed()

	rec := httptest.NewRecorder()
	recorder.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, 200, rec.Code)
	require.True(t, strings.Contains(rec.Body.String(), `serial_rpc_frames_total{result="overflow"} 1`))
}
