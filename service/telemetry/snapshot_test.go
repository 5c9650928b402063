package telemetry

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCongestionLevel(t *testing.T) {
	tests := []struct {
		label string
		want  CongestionLevel
	}{
		{"low", CongestionLow},
		{"Very Low Congestion", CongestionLow},
		{"Low Congestion", CongestionLow},
		{"MEDIUM", CongestionMedium},
		{"Somewhat Congested", CongestionMedium},
		{"high", CongestionHigh},
		{"Congested", CongestionHigh},
		{"Highly Congested, try again later!", CongestionHigh},
		{"", CongestionUnknown},
		{"sideways", CongestionUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.label, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseCongestionLevel(tt.label))
		})
	}
}

func TestParseFailurePercentage(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want float64
	}{
		{"number", `12.5`, 12.5},
		{"numeric string", `"7"`, 7},
		{"percent suffix", `"33.3%"`, 33.3},
		{"zero", `0`, 0},
		{"hundred", `100`, 100},
		{"negative", `-1`, math.NaN()},
		{"above hundred", `100.01`, math.NaN()},
		{"garbage", `"n/a"`, math.NaN()},
		{"null", `null`, math.NaN()},
		{"missing", ``, math.NaN()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseFailurePercentage(json.RawMessage(tt.raw))
			if math.IsNaN(tt.want) {
				assert.True(t, math.IsNaN(got), "got %v", got)
				return
			}
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestSnapshot_FailureKnown(t *testing.T) {
	s := Snapshot{FailurePercentage: 3}
	assert.True(t, s.FailureKnown())

	s.CongestionStale = true
	assert.False(t, s.FailureKnown())

	assert.False(t, initialSnapshot().FailureKnown())
}

func TestSnapshot_MarshalJSONRendersNaNAsNull(t *testing.T) {
	s := initialSnapshot()
	s.ObservedAt = time.Unix(1700000000, 0).UTC()

	b, err := json.Marshal(s)
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(b, &out))
	assert.Nil(t, out["failure_percentage"])
	assert.Equal(t, "Unknown", out["congestion_level"])
	assert.Equal(t, true, out["congestion_stale"])

	s.FailurePercentage = 4.5
	b, err = json.Marshal(s)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(b, &out))
	assert.Equal(t, 4.5, out["failure_percentage"])
}

func TestTrendPoint_MarshalJSON(t *testing.T) {
	b, err := json.Marshal([]TrendPoint{{TPS: 10, FailurePercentage: math.NaN()}})
	require.NoError(t, err)
	assert.Contains(t, string(b), `"failure_percentage":null`)
}
