package types

import (
	"math"
	"sort"
	"time"
)

// Timestamp is a point in time expressed in seconds since the Unix epoch
type Timestamp float64

// TimestampFromTime converts a time.Time to a Timestamp
func TimestampFromTime(t time.Time) Timestamp {
	return Timestamp(float64(t.UnixNano()) / float64(time.Second))
}

// TimestampFromMillis converts Unix milliseconds to a Timestamp
func TimestampFromMillis(ms int64) Timestamp {
	return Timestamp(float64(ms) / 1000)
}

// Time converts the timestamp to a UTC time.Time
func (ts Timestamp) Time() time.Time {
	sec, frac := math.Modf(float64(ts))
	return time.Unix(int64(sec), int64(math.Round(frac*float64(time.Second)))).UTC()
}

// Millis returns the timestamp as Unix milliseconds
func (ts Timestamp) Millis() int64 {
	return int64(math.Round(float64(ts) * 1000))
}

// TimeRange is an inclusive range between two timestamps
type TimeRange struct {
	From Timestamp `json:"from" msgpack:"from"`
	To   Timestamp `json:"to" msgpack:"to"`
}

// Point is a single value at a given timestamp
type Point struct {
	Timestamp Timestamp `json:"timestamp" msgpack:"timestamp"`
	Value     float64   `json:"value" msgpack:"value"`
}

// Instant is the result of an instant query for a single series
type Instant struct {
	Name   string            `json:"name" msgpack:"name"`
	Labels map[string]string `json:"labels" msgpack:"labels"`
	Point  Point             `json:"point" msgpack:"point"`
}

// Series is the result of a range query for a single series
type Series struct {
	Name    string            `json:"name" msgpack:"name"`
	Labels  map[string]string `json:"labels" msgpack:"labels"`
	Points  []Point           `json:"points" msgpack:"points"`
	Visible bool              `json:"visible" msgpack:"visible"`
}

// Sample represents a single time-series sample
type Sample struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

// Metric represents a time-series metric with labels
type Metric struct {
	Name   string            `json:"name"`
	Labels map[string]string `json:"labels,omitempty"`
}

// SampleStream is a stored metric together with its samples
type SampleStream struct {
	Metric  Metric   `json:"metric"`
	Samples []Sample `json:"samples"`
}

// ToSeries converts the stream into a relay Series
func (s SampleStream) ToSeries() Series {
	points := make([]Point, len(s.Samples))
	for i, sample := range s.Samples {
		points[i] = Point{
			Timestamp: TimestampFromMillis(sample.Timestamp.UnixMilli()),
			Value:     sample.Value,
		}
	}

	return Series{
		Name:    s.Metric.Name,
		Labels:  copyLabels(s.Metric.Labels),
		Points:  points,
		Visible: true,
	}
}

// LatestInstant returns the newest sample at or before at, no older than lookback
func (s SampleStream) LatestInstant(at time.Time, lookback time.Duration) (Instant, bool) {
	// Samples are kept sorted by timestamp
	idx := sort.Search(len(s.Samples), func(i int) bool {
		return s.Samples[i].Timestamp.After(at)
	})
	if idx == 0 {
		return Instant{}, false
	}

	latest := s.Samples[idx-1]
	if at.Sub(latest.Timestamp) > lookback {
		return Instant{}, false
	}

	return Instant{
		Name:   s.Metric.Name,
		Labels: copyLabels(s.Metric.Labels),
		Point: Point{
			Timestamp: TimestampFromMillis(latest.Timestamp.UnixMilli()),
			Value:     latest.Value,
		},
	}, true
}

// WriteRequest represents a write request to the storage engine
type WriteRequest struct {
	TenantID string         `json:"tenant_id,omitempty"`
	Streams  []SampleStream `json:"streams"`
}

// QueryRequest represents a query request against the storage engine
type QueryRequest struct {
	TenantID  string
	Query     string
	StartTime time.Time
	EndTime   time.Time
}

// QueryResult represents query results
type QueryResult struct {
	Streams []SampleStream
}

func copyLabels(labels map[string]string) map[string]string {
	out := make(map[string]string, len(labels))
	for k, v := range labels {
		out[k] = v
	}
	return out
}
