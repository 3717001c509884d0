package storage

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"github.com/cespare/xxhash/v2"
	"github.com/prometheus/prometheus/model/labels"
	"github.com/prometheus/prometheus/promql/parser"

	"github.com/vjranagit/promrelay/pkg/types"
)

// ErrInvalidSelector is returned for queries that are not a valid series selector
var ErrInvalidSelector = errors.New("invalid series selector")

// Index is the in-memory inverted index over stored series
type Index struct {
	// Maps metric fingerprint to series metadata
	series map[uint64]*seriesMetadata
	// Inverted index: label name -> label value -> series IDs
	labelIndex map[string]map[string][]uint64
}

// seriesMetadata holds metadata about a single series. Times are Unix ms.
type seriesMetadata struct {
	ID      uint64       `msgpack:"id"`
	Metric  types.Metric `msgpack:"metric"`
	MinTime int64        `msgpack:"min"`
	MaxTime int64        `msgpack:"max"`
	HasData bool         `msgpack:"has_data"`
}

// Overlaps reports whether the series has samples that may fall in [start, end]
func (m *seriesMetadata) Overlaps(start, end int64) bool {
	return m.HasData && m.MinTime <= end && m.MaxTime >= start
}

// NewIndex creates a new index
func NewIndex() *Index {
	return &Index{
		series:     make(map[uint64]*seriesMetadata),
		labelIndex: make(map[string]map[string][]uint64),
	}
}

// AddSeries returns the metadata of metric's series, indexing it first if needed
func (idx *Index) AddSeries(metric *types.Metric) *seriesMetadata {
	fingerprint := calculateFingerprint(metric)
	if meta, exists := idx.series[fingerprint]; exists {
		return meta
	}

	meta := &seriesMetadata{
		ID:     fingerprint,
		Metric: *metric,
	}
	idx.insert(meta)
	return meta
}

// Restore inserts previously persisted metadata
func (idx *Index) Restore(meta *seriesMetadata) {
	if _, exists := idx.series[meta.ID]; exists {
		return
	}
	idx.insert(meta)
}

func (idx *Index) insert(meta *seriesMetadata) {
	idx.series[meta.ID] = meta

	idx.addPosting(labels.MetricName, meta.Metric.Name, meta.ID)
	for name, value := range meta.Metric.Labels {
		idx.addPosting(name, value, meta.ID)
	}
}

func (idx *Index) addPosting(name, value string, id uint64) {
	if idx.labelIndex[name] == nil {
		idx.labelIndex[name] = make(map[string][]uint64)
	}
	idx.labelIndex[name][value] = append(idx.labelIndex[name][value], id)
}

// GetSeries retrieves series metadata by ID
func (idx *Index) GetSeries(id uint64) (*seriesMetadata, bool) {
	meta, ok := idx.series[id]
	return meta, ok
}

// FindSeries returns the sorted IDs of series matching every matcher
func (idx *Index) FindSeries(matchers []*labels.Matcher) []uint64 {
	// Equality matchers narrow the candidates through the inverted index
	var candidates []uint64
	narrowed := false
	for _, m := range matchers {
		if m.Type != labels.MatchEqual || m.Value == "" {
			continue
		}

		ids := idx.labelIndex[m.Name][m.Value]
		if !narrowed {
			candidates = append([]uint64(nil), ids...)
			narrowed = true
		} else {
			candidates = intersect(candidates, ids)
		}
		if len(candidates) == 0 {
			return nil
		}
	}

	if !narrowed {
		candidates = make([]uint64, 0, len(idx.series))
		for id := range idx.series {
			candidates = append(candidates, id)
		}
	}

	result := make([]uint64, 0, len(candidates))
	for _, id := range candidates {
		meta, ok := idx.series[id]
		if ok && matchesAll(&meta.Metric, matchers) {
			result = append(result, id)
		}
	}

	sort.Slice(result, func(i, j int) bool { return result[i] < result[j] })
	return result
}

// UpdateTimeRange widens the time range of a series
func (idx *Index) UpdateTimeRange(id uint64, minTime, maxTime int64) error {
	meta, ok := idx.series[id]
	if !ok {
		return fmt.Errorf("series %d not found", id)
	}

	if !meta.HasData || minTime < meta.MinTime {
		meta.MinTime = minTime
	}
	if !meta.HasData || maxTime > meta.MaxTime {
		meta.MaxTime = maxTime
	}
	meta.HasData = true

	return nil
}

// SeriesCount returns the number of indexed series
func (idx *Index) SeriesCount() int {
	return len(idx.series)
}

// ParseSelector parses a series selector such as
// `http_requests_total{method="GET",status=~"5.."}`
func ParseSelector(query string) ([]*labels.Matcher, error) {
	matchers, err := parser.ParseMetricSelector(query)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSelector, err)
	}
	return matchers, nil
}

func matchesAll(metric *types.Metric, matchers []*labels.Matcher) bool {
	for _, m := range matchers {
		value := metric.Labels[m.Name]
		if m.Name == labels.MetricName {
			value = metric.Name
		}
		if !m.Matches(value) {
			return false
		}
	}
	return true
}

// calculateFingerprint generates a unique fingerprint for a metric
func calculateFingerprint(metric *types.Metric) uint64 {
	return xxhash.Sum64(metricKeyBytes(metric))
}

// metricKey is a canonical string form of a metric, used for ordering
func metricKey(metric *types.Metric) string {
	return string(metricKeyBytes(metric))
}

func metricKeyBytes(metric *types.Metric) []byte {
	// Sort label keys for consistent fingerprinting
	keys := make([]string, 0, len(metric.Labels))
	for k := range metric.Labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf := new(bytes.Buffer)
	buf.WriteString(metric.Name)
	for _, k := range keys {
		buf.WriteByte(0)
		buf.WriteString(k)
		buf.WriteByte(0)
		buf.WriteString(metric.Labels[k])
	}
	return buf.Bytes()
}

// intersect finds common elements in two slices
func intersect(a, b []uint64) []uint64 {
	a = append([]uint64(nil), a...)
	b = append([]uint64(nil), b...)
	sort.Slice(a, func(i, j int) bool { return a[i] < a[j] })
	sort.Slice(b, func(i, j int) bool { return b[i] < b[j] })

	result := make([]uint64, 0)
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i] < b[j]:
			i++
		case a[i] > b[j]:
			j++
		default:
			result = append(result, a[i])
			i++
			j++
		}
	}

	return result
}
