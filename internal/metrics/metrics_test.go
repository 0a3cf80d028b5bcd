package metrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"github.com/mordor-go/mordor/internal/metrics"
)

func TestRecorderRegistersAndRecords(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec := metrics.New(reg)

	rec.ReadyQueueDepth.Set(3)
	rec.ActiveFibers.Inc()
	rec.TimerFires.Inc()
	rec.TimerFires.Inc()

	families, err := reg.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, families)

	var timerFires *dto.MetricFamily
	for _, f := range families {
		if f.GetName() == "mordor_timer_fires_total" {
			timerFires = f
		}
	}
	require.NotNil(t, timerFires, "timer fires counter should be registered")
	require.Equal(t, float64(2), timerFires.Metric[0].GetCounter().GetValue())
}
