// Package telemetry polls the network telemetry service and turns its two
// feeds into immutable snapshots for the scheduler and display.
package telemetry

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

// CongestionLevel is the coarse congestion prediction.
type CongestionLevel string

const (
	CongestionLow     CongestionLevel = "Low"
	CongestionMedium  CongestionLevel = "Medium"
	CongestionHigh    CongestionLevel = "High"
	CongestionUnknown CongestionLevel = "Unknown"
)

// ParseCongestionLevel maps the labels the telemetry service emits
// ("low", "Very Low Congestion", "Somewhat Congested", "Highly Congested,
// try again later!") to a level.
func ParseCongestionLevel(label string) CongestionLevel {
	l := strings.ToLower(strings.TrimSpace(label))
	switch {
	case l == "":
		return CongestionUnknown
	case strings.Contains(l, "low"):
		return CongestionLow
	case l == "medium" || strings.Contains(l, "somewhat") || strings.Contains(l, "moderate"):
		return CongestionMedium
	case l == "high" || strings.Contains(l, "congested"):
		return CongestionHigh
	default:
		return CongestionUnknown
	}
}

// Snapshot is one merged telemetry sample. FailurePercentage is NaN when
// the failure rate is unknown; consumers must treat NaN as "do not act".
type Snapshot struct {
	TPS               float64         `json:"tps"`
	ChainLabel        string          `json:"chain_label"`
	CongestionLevel   CongestionLevel `json:"congestion_level"`
	FailurePercentage float64         `json:"failure_percentage"`
	ObservedAt        time.Time       `json:"observed_at"`

	// Stale markers: the feed failed this cycle and the fields carry the
	// previous value.
	ThroughputStale bool `json:"throughput_stale"`
	CongestionStale bool `json:"congestion_stale"`
}

// FailureKnown reports whether the failure percentage can drive decisions.
func (s Snapshot) FailureKnown() bool {
	return !s.CongestionStale && !math.IsNaN(s.FailurePercentage)
}

// MarshalJSON renders an unknown failure percentage as null.
func (s Snapshot) MarshalJSON() ([]byte, error) {
	type alias Snapshot
	out := struct {
		alias
		FailurePercentage *float64 `json:"failure_percentage"`
	}{alias: alias(s)}
	if !math.IsNaN(s.FailurePercentage) {
		fp := s.FailurePercentage
		out.FailurePercentage = &fp
	}
	return json.Marshal(out)
}

// initialSnapshot is what the monitor starts from: nothing known.
func initialSnapshot() Snapshot {
	return Snapshot{
		CongestionLevel:   CongestionUnknown,
		FailurePercentage: math.NaN(),
		ThroughputStale:   true,
		CongestionStale:   true,
	}
}

// TrendPoint is one entry of the bounded history kept for charts.
type TrendPoint struct {
	TPS               float64   `json:"tps"`
	FailurePercentage float64   `json:"failure_percentage"`
	ObservedAt        time.Time `json:"observed_at"`
}

// MarshalJSON renders an unknown failure percentage as null.
func (p TrendPoint) MarshalJSON() ([]byte, error) {
	out := struct {
		TPS               float64   `json:"tps"`
		FailurePercentage *float64  `json:"failure_percentage"`
		ObservedAt        time.Time `json:"observed_at"`
	}{TPS: p.TPS, ObservedAt: p.ObservedAt}
	if !math.IsNaN(p.FailurePercentage) {
		fp := p.FailurePercentage
		out.FailurePercentage = &fp
	}
	return json.Marshal(out)
}

// parseFailurePercentage accepts a JSON number or a numeric string
// (optionally suffixed with "%"). Anything else, or a value outside
// [0,100], is NaN.
func parseFailurePercentage(raw json.RawMessage) float64 {
	if len(raw) == 0 {
		return math.NaN()
	}

	var v float64
	var num json.Number
	if err := json.Unmarshal(raw, &num); err == nil {
		f, err := num.Float64()
		if err != nil {
			return math.NaN()
		}
		v = f
	} else {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return math.NaN()
		}
		f, err := strconv.ParseFloat(strings.TrimSuffix(strings.TrimSpace(s), "%"), 64)
		if err != nil {
			return math.NaN()
		}
		v = f
	}

	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 || v > 100 {
		return math.NaN()
	}
	return v
}
