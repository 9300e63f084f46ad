package risk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func day(invites, errors float64) map[string]float64 {
	return map[string]float64{"invites_sent": invites, "run_errors": errors}
}

func TestDetectAnomaliesNeedsHistory(t *testing.T) {
	today := day(100, 50)

	assert.Nil(t, DetectAnomalies(today, nil, 3))
	assert.Nil(t, DetectAnomalies(today, []map[string]float64{day(10, 1)}, 3))
}

func TestDetectAnomaliesFlagsSpike(t *testing.T) {
	history := []map[string]float64{
		day(10, 1), day(12, 2), day(11, 1), day(9, 2), day(10, 1),
	}

	anomalies := DetectAnomalies(day(11, 40), history, 3)
	require.Len(t, anomalies, 1)
	assert.Equal(t, "run_errors", anomalies[0].Metric)
	assert.Equal(t, 40.0, anomalies[0].Value)
	assert.Greater(t, anomalies[0].Value, anomalies[0].Threshold)
}

func TestDetectAnomaliesQuietDay(t *testing.T) {
	history := []map[string]float64{
		day(10, 1), day(12, 2), day(11, 1), day(9, 2),
	}
	assert.Empty(t, DetectAnomalies(day(11, 2), history, 3))
}

func TestDetectAnomaliesOneSided(t *testing.T) {
	// A drop far below the mean is not an anomaly; only spikes are.
	history := []map[string]float64{
		day(100, 10), day(110, 12), day(105, 11), day(95, 9),
	}
	assert.Empty(t, DetectAnomalies(day(0, 0), history, 3))
}
