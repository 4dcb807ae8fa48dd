package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusRecorderCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	recorder := NewPrometheusRecorder(reg)

	recorder.RecordMerge("maven", "generated", 10*time.Millisecond)
	recorder.RecordMerge("maven", "generated", 20*time.Millisecond)
	recorder.RecordNFCLookup(true)
	recorder.RecordUpstreamFetch("npm", false, time.Second)
	recorder.RecordResolve("merge", true)
	recorder.RecordPromotion("promote", 3, 1, time.Second)

	assert.Equal(t, float64(2), testutil.ToFloat64(recorder.mergeTotal.WithLabelValues("maven", "generated")))
	assert.Equal(t, float64(1), testutil.ToFloat64(recorder.nfcLookupTotal.WithLabelValues("true")))
	assert.Equal(t, float64(1), testutil.ToFloat64(recorder.upstreamTotal.WithLabelValues("npm", "false")))
	assert.Equal(t, float64(3), testutil.ToFloat64(recorder.promotionPaths.WithLabelValues("promote", "completed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(recorder.promotionPaths.WithLabelValues("promote", "pending")))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestOrNoop(t *testing.T) {
	_, ok := OrNoop(nil).(Noop)
	assert.True(t, ok)
}
