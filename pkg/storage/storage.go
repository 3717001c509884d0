package storage

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/vjranagit/promrelay/pkg/types"
)

// Storage is the time-series store behind local relay data sources
type Storage interface {
	// Write writes samples to storage
	Write(ctx context.Context, req *types.WriteRequest) error

	// Query returns the streams matching the selector in req.Query with
	// samples inside the inclusive [StartTime, EndTime] range
	Query(ctx context.Context, req *types.QueryRequest) (*types.QueryResult, error)

	// Close closes the storage
	Close() error
}

// Config holds storage configuration
type Config struct {
	Path             string
	RetentionDays    int
	CompressionLevel int
	EnableWAL        bool
	Logger           logrus.FieldLogger
}

// DefaultConfig returns default storage configuration
func DefaultConfig() *Config {
	return &Config{
		Path:             "./data",
		RetentionDays:    30,
		CompressionLevel: 3,
		EnableWAL:        true,
	}
}

const blockMillis = int64(time.Hour / time.Millisecond)

var (
	indexPrefix = []byte("idx/")
	blockPrefix = []byte("blk/")
)

// badgerStorage implements Storage using BadgerDB
type badgerStorage struct {
	cfg        *Config
	db         *badger.DB
	index      *Index
	compressor *Compressor
	wal        *WAL
	logger     logrus.FieldLogger
	mu         sync.RWMutex
}

// blockPayload is the stored form of one hour of samples for one series
type blockPayload struct {
	Count            int    `msgpack:"n"`
	CompressedTS     []byte `msgpack:"ts"`
	CompressedValues []byte `msgpack:"vs"`
}

// NewStorage opens the badger store under cfg.Path, reloads the series
// index and replays any WAL left behind by an unclean shutdown
func NewStorage(cfg *Config) (Storage, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	opts := badger.DefaultOptions(filepath.Join(cfg.Path, "badger"))
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}

	compressor, err := NewCompressor(cfg.CompressionLevel)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create compressor: %w", err)
	}

	s := &badgerStorage{
		cfg:        cfg,
		db:         db,
		index:      NewIndex(),
		compressor: compressor,
		logger:     logger.WithField("component", "storage"),
	}

	if err := s.loadIndex(); err != nil {
		s.closeResources()
		return nil, fmt.Errorf("failed to load index: %w", err)
	}

	if cfg.EnableWAL {
		replayed := 0
		err := ReplayWAL(cfg.Path, func(req *types.WriteRequest) error {
			replayed++
			return s.writeLocked(req)
		})
		if err != nil {
			s.closeResources()
			return nil, fmt.Errorf("failed to replay WAL: %w", err)
		}
		if replayed > 0 {
			s.logger.WithField("entries", replayed).Info("replayed write-ahead log")
		}

		s.wal, err = NewWAL(cfg.Path)
		if err != nil {
			s.closeResources()
			return nil, fmt.Errorf("failed to open WAL: %w", err)
		}
	}

	s.logger.WithFields(logrus.Fields{
		"path":   cfg.Path,
		"series": s.index.SeriesCount(),
	}).Debug("storage opened")

	return s, nil
}

// Write implements Storage.Write
func (s *badgerStorage) Write(ctx context.Context, req *types.WriteRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.wal != nil {
		if err := s.wal.Append(req); err != nil {
			return fmt.Errorf("failed to append to WAL: %w", err)
		}
	}

	return s.writeLocked(req)
}

// writeLocked writes every stream of req (must hold lock)
func (s *badgerStorage) writeLocked(req *types.WriteRequest) error {
	for i := range req.Streams {
		stream := &req.Streams[i]
		if len(stream.Samples) == 0 {
			continue
		}

		meta := s.index.AddSeries(&stream.Metric)

		blocks := groupSamplesByBlock(stream.Samples)
		for _, blockStart := range sortedKeys(blocks) {
			if err := s.writeBlock(req.TenantID, meta.ID, blockStart, blocks[blockStart]); err != nil {
				return fmt.Errorf("failed to write block: %w", err)
			}
		}

		minTime, maxTime := sampleBounds(stream.Samples)
		if err := s.index.UpdateTimeRange(meta.ID, minTime, maxTime); err != nil {
			return fmt.Errorf("failed to update index: %w", err)
		}
		if err := s.persistSeries(meta); err != nil {
			return fmt.Errorf("failed to persist index: %w", err)
		}
	}

	return nil
}

// groupSamplesByBlock groups samples into 1-hour blocks keyed by block start in ms
func groupSamplesByBlock(samples []types.Sample) map[int64][]types.Sample {
	blocks := make(map[int64][]types.Sample)
	for _, sample := range samples {
		ms := sample.Timestamp.UnixMilli()
		blockStart := ms - mod(ms, blockMillis)
		blocks[blockStart] = append(blocks[blockStart], sample)
	}
	return blocks
}

// writeBlock merges samples into the stored block inside one transaction
func (s *badgerStorage) writeBlock(tenantID string, seriesID uint64, blockStart int64, samples []types.Sample) error {
	key := blockKey(tenantID, seriesID, blockStart)

	return s.db.Update(func(txn *badger.Txn) error {
		existing, err := s.readBlockTxn(txn, key)
		if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		payload, err := s.encodeBlock(mergeSamples(existing, samples))
		if err != nil {
			return err
		}

		entry := badger.NewEntry(key, payload)
		if s.cfg.RetentionDays > 0 {
			entry = entry.WithTTL(time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
		}
		return txn.SetEntry(entry)
	})
}

func (s *badgerStorage) encodeBlock(samples []types.Sample) ([]byte, error) {
	timestamps := make([]int64, len(samples))
	values := make([]float64, len(samples))
	for i, sample := range samples {
		timestamps[i] = sample.Timestamp.UnixMilli()
		values[i] = sample.Value
	}

	compressedTS, err := s.compressor.CompressTimestamps(timestamps)
	if err != nil {
		return nil, fmt.Errorf("failed to compress timestamps: %w", err)
	}

	compressedVals, err := s.compressor.CompressValues(values)
	if err != nil {
		return nil, fmt.Errorf("failed to compress values: %w", err)
	}

	return msgpack.Marshal(&blockPayload{
		Count:            len(samples),
		CompressedTS:     compressedTS,
		CompressedValues: compressedVals,
	})
}

// Query implements Storage.Query
func (s *badgerStorage) Query(ctx context.Context, req *types.QueryRequest) (*types.QueryResult, error) {
	matchers, err := ParseSelector(req.Query)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	startMs := req.StartTime.UnixMilli()
	endMs := req.EndTime.UnixMilli()

	result := &types.QueryResult{Streams: []types.SampleStream{}}
	if endMs < startMs {
		return result, nil
	}

	for _, seriesID := range s.index.FindSeries(matchers) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		meta, ok := s.index.GetSeries(seriesID)
		if !ok || !meta.Overlaps(startMs, endMs) {
			continue
		}

		from, to := startMs, endMs
		if meta.MinTime > from {
			from = meta.MinTime
		}
		if meta.MaxTime < to {
			to = meta.MaxTime
		}

		var samples []types.Sample
		err := s.db.View(func(txn *badger.Txn) error {
			for blockStart := from - mod(from, blockMillis); blockStart <= to; blockStart += blockMillis {
				block, err := s.readBlockTxn(txn, blockKey(req.TenantID, seriesID, blockStart))
				if errors.Is(err, badger.ErrKeyNotFound) {
					continue
				}
				if err != nil {
					return err
				}

				samples = append(samples, lo.Filter(block, func(sample types.Sample, _ int) bool {
					ms := sample.Timestamp.UnixMilli()
					return ms >= startMs && ms <= endMs
				})...)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to read series %d: %w", seriesID, err)
		}

		if len(samples) > 0 {
			result.Streams = append(result.Streams, types.SampleStream{
				Metric:  meta.Metric,
				Samples: samples,
			})
		}
	}

	sort.Slice(result.Streams, func(i, j int) bool {
		return metricKey(&result.Streams[i].Metric) < metricKey(&result.Streams[j].Metric)
	})

	return result, nil
}

// readBlockTxn reads and decodes a block of samples
func (s *badgerStorage) readBlockTxn(txn *badger.Txn, key []byte) ([]types.Sample, error) {
	item, err := txn.Get(key)
	if err != nil {
		return nil, err
	}

	var payload blockPayload
	err = item.Value(func(val []byte) error {
		return msgpack.Unmarshal(val, &payload)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal block: %w", err)
	}

	timestamps, err := s.compressor.DecompressTimestamps(payload.CompressedTS, payload.Count)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress timestamps: %w", err)
	}

	values, err := s.compressor.DecompressValues(payload.CompressedValues, payload.Count)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress values: %w", err)
	}

	samples := make([]types.Sample, payload.Count)
	for i := 0; i < payload.Count; i++ {
		samples[i] = types.Sample{
			Timestamp: time.UnixMilli(timestamps[i]).UTC(),
			Value:     values[i],
		}
	}

	return samples, nil
}

// persistSeries stores series metadata so the index survives restarts
func (s *badgerStorage) persistSeries(meta *seriesMetadata) error {
	data, err := msgpack.Marshal(meta)
	if err != nil {
		return err
	}

	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(indexKey(meta.ID), data)
	})
}

// loadIndex rebuilds the in-memory index from persisted series metadata
func (s *badgerStorage) loadIndex() error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = indexPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var meta seriesMetadata
			err := it.Item().Value(func(val []byte) error {
				return msgpack.Unmarshal(val, &meta)
			})
			if err != nil {
				return fmt.Errorf("failed to decode series %x: %w", it.Item().Key(), err)
			}
			s.index.Restore(&meta)
		}
		return nil
	})
}

// Close implements Storage.Close
func (s *badgerStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var walErr error
	if s.wal != nil {
		walErr = s.wal.Close()
	}

	s.compressor.Close()
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close BadgerDB: %w", err)
	}

	// Everything in the WAL is now persisted by badger
	if s.wal != nil && walErr == nil {
		walErr = s.wal.Remove()
	}
	return walErr
}

func (s *badgerStorage) closeResources() {
	if s.wal != nil {
		s.wal.Close()
	}
	s.compressor.Close()
	s.db.Close()
}

// blockKey generates a storage key for a time block
func blockKey(tenantID string, seriesID uint64, blockStart int64) []byte {
	buf := new(bytes.Buffer)
	buf.Write(blockPrefix)
	buf.WriteString(tenantID)
	buf.WriteByte('/')
	binary.Write(buf, binary.BigEndian, seriesID)
	binary.Write(buf, binary.BigEndian, blockStart)
	return buf.Bytes()
}

func indexKey(seriesID uint64) []byte {
	return binary.BigEndian.AppendUint64(append([]byte{}, indexPrefix...), seriesID)
}

// mergeSamples merges two sample sets; for equal timestamps the incoming sample wins
func mergeSamples(existing, incoming []types.Sample) []types.Sample {
	byMillis := make(map[int64]types.Sample, len(existing)+len(incoming))
	for _, sample := range existing {
		byMillis[sample.Timestamp.UnixMilli()] = sample
	}
	for _, sample := range incoming {
		byMillis[sample.Timestamp.UnixMilli()] = sample
	}

	merged := make([]types.Sample, 0, len(byMillis))
	for _, ms := range sortedKeys(byMillis) {
		merged = append(merged, byMillis[ms])
	}
	return merged
}

func sampleBounds(samples []types.Sample) (int64, int64) {
	minTime := samples[0].Timestamp.UnixMilli()
	maxTime := minTime
	for _, sample := range samples[1:] {
		ms := sample.Timestamp.UnixMilli()
		minTime = min(minTime, ms)
		maxTime = max(maxTime, ms)
	}
	return minTime, maxTime
}

func sortedKeys[V any](m map[int64]V) []int64 {
	keys := lo.Keys(m)
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// mod is the floored remainder, so negative timestamps land in the right block
func mod(a, b int64) int64 {
	r := a % b
	if r < 0 {
		r += b
	}
	return r
}
