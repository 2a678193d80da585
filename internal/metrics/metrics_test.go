package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterIsIdempotent(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, Register(reg))
	require.NoError(t, Register(reg), "second registration MUST be tolerated")

	StateTransitions.WithLabelValues("disconnected", "connecting").Inc()
	SampleErrors.WithLabelValues("decode").Inc()

	families, err := reg.Gather()
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["blesession_scans_started_total"])
	assert.True(t, names["blesession_state_transitions_total"])
	assert.True(t, names["blesession_sample_errors_total"])
}

func TestCountersIncrement(t *testing.T) {
	before := testutil.ToFloat64(ScansStarted)
	ScansStarted.Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(ScansStarted))
}
