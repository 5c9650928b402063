package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	throughputPath = "/transaction-fees"
	congestionPath = "/get-predicted-congestion"
)

var (
	// ErrTelemetryUnavailable is signalled when neither feed could be read.
	ErrTelemetryUnavailable = errors.New("telemetry unavailable")

	// ErrFeedStatus means the service answered with a non-success status.
	ErrFeedStatus = errors.New("telemetry feed reported failure")
)

// ThroughputSample is the latest point of the throughput feed.
type ThroughputSample struct {
	TPS        float64
	ChainLabel string
}

// CongestionSample is the latest congestion prediction.
type CongestionSample struct {
	Level             CongestionLevel
	FailurePercentage float64
}

// Feed is the telemetry service as seen by the monitor.
type Feed interface {
	Throughput(ctx context.Context) (ThroughputSample, error)
	Congestion(ctx context.Context) (CongestionSample, error)
}

// HTTPFeed reads both feeds from the telemetry HTTP API.
type HTTPFeed struct {
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewHTTPFeed creates a feed client for baseURL (e.g. http://localhost:5000/api).
// rps <= 0 disables request rate limiting.
func NewHTTPFeed(baseURL string, timeout time.Duration, rps float64, logger *slog.Logger) *HTTPFeed {
	limiter := rate.NewLimiter(rate.Inf, 1)
	if rps > 0 {
		limiter = rate.NewLimiter(rate.Limit(rps), 2)
	}
	return &HTTPFeed{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		limiter: limiter,
		logger:  logger,
	}
}

type envelope struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data"`
}

func (f *HTTPFeed) get(ctx context.Context, path string) (json.RawMessage, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%s returned status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	if env.Status != "success" {
		return nil, fmt.Errorf("%w: %s status %q", ErrFeedStatus, path, env.Status)
	}
	return env.Data, nil
}

// Throughput reads GET /transaction-fees and picks the values at the
// numerically largest timestamp key.
func (f *HTTPFeed) Throughput(ctx context.Context) (ThroughputSample, error) {
	data, err := f.get(ctx, throughputPath)
	if err != nil {
		return ThroughputSample{}, err
	}

	var body struct {
		TPS        map[string]json.RawMessage `json:"tps"`
		Blockchain map[string]json.RawMessage `json:"blockchain"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return ThroughputSample{}, fmt.Errorf("failed to decode throughput data: %w", err)
	}

	raw, ok := latest(body.TPS)
	if !ok {
		return ThroughputSample{}, fmt.Errorf("throughput data has no timestamped tps values")
	}
	tps := parseNumber(raw)
	if math.IsNaN(tps) {
		return ThroughputSample{}, fmt.Errorf("unparsable tps value %s", string(raw))
	}

	sample := ThroughputSample{TPS: tps}
	if rawChain, ok := latest(body.Blockchain); ok {
		sample.ChainLabel = parseLabel(rawChain)
	}
	return sample, nil
}

// Congestion reads GET /get-predicted-congestion. Both the snake_case keys
// and the "Predicted Congestion"/"Failure Percentage" keys are accepted.
func (f *HTTPFeed) Congestion(ctx context.Context) (CongestionSample, error) {
	data, err := f.get(ctx, congestionPath)
	if err != nil {
		return CongestionSample{}, err
	}

	var body map[string]json.RawMessage
	if err := json.Unmarshal(data, &body); err != nil {
		return CongestionSample{}, fmt.Errorf("failed to decode congestion data: %w", err)
	}

	level := firstOf(body, "congestion_level", "Predicted Congestion")
	failure := firstOf(body, "failure_percentage", "Failure Percentage")

	return CongestionSample{
		Level:             ParseCongestionLevel(parseLabel(level)),
		FailurePercentage: parseFailurePercentage(failure),
	}, nil
}

// latest returns the value stored under the numerically largest key.
// Keys that are not numbers are ignored.
func latest(series map[string]json.RawMessage) (json.RawMessage, bool) {
	var (
		best    json.RawMessage
		bestKey float64
		found   bool
	)
	for k, v := range series {
		ts, err := strconv.ParseFloat(strings.TrimSpace(k), 64)
		if err != nil || math.IsNaN(ts) {
			continue
		}
		if !found || ts > bestKey {
			best, bestKey, found = v, ts, true
		}
	}
	return best, found
}

func firstOf(m map[string]json.RawMessage, keys ...string) json.RawMessage {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			return v
		}
	}
	return nil
}

func parseNumber(raw json.RawMessage) float64 {
	var num json.Number
	if err := json.Unmarshal(raw, &num); err != nil {
		return math.NaN()
	}
	f, err := num.Float64()
	if err != nil {
		return math.NaN()
	}
	return f
}

// parseLabel returns a JSON string as-is and any other scalar as its
// literal text.
func parseLabel(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	text := strings.TrimSpace(string(raw))
	if text == "null" {
		return ""
	}
	return text
}
