package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusRecorderCountsEvents(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec, err := NewPrometheusRecorder(reg)
	require.NoError(t, err)

	labels := map[string]string{LabelNetwork: "solana:devnet"}
	rec.IncCounter(EventChallengeIssued, labels)
	rec.IncCounter(EventChallengeIssued, labels)
	rec.IncCounter(EventPaymentVerified, labels)

	assert.Equal(t, 2.0, testutil.ToFloat64(rec.counters.WithLabelValues(EventChallengeIssued, "solana:devnet", "")))
	assert.Equal(t, 1.0, testutil.ToFloat64(rec.counters.WithLabelValues(EventPaymentVerified, "solana:devnet", "")))
}

func TestPrometheusRecorderObservesLatency(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec, err := NewPrometheusRecorder(reg)
	require.NoError(t, err)

	rec.ObserveLatency(OpVerify, 150*time.Millisecond, nil)

	assert.Equal(t, 1, testutil.CollectAndCount(rec.histogram))
}

func TestPrometheusRecorderDoubleRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewPrometheusRecorder(reg)
	require.NoError(t, err)

	_, err = NewPrometheusRecorder(reg)
	assert.Error(t, err)
}

func TestNoopRecorder(t *testing.T) {
	var rec Recorder = NoopRecorder{}
	rec.IncCounter(EventSettlement, nil)
	rec.ObserveLatency(OpSettle, time.Second, nil)
}
