package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/vjranagit/promrelay/pkg/relay"
	"github.com/vjranagit/promrelay/pkg/types"
)

// handleRelay answers relay requests for the configured proxy. Query
// failures are reported inside the msgpack envelope with status 200; only
// an unknown proxy or an unreadable payload is rejected at the HTTP level.
func (s *Server) handleRelay(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	logger := s.requestLogger(w)

	if proxyID := r.PathValue("proxyId"); proxyID != s.cfg.ProxyID {
		s.metrics.relayRequests.WithLabelValues(modeUnknown, outcomeRejected).Inc()
		http.Error(w, fmt.Sprintf("Unknown proxy: %s", proxyID), http.StatusNotFound)
		return
	}

	var payload types.RelayPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.metrics.relayRequests.WithLabelValues(modeUnknown, outcomeRejected).Inc()
		http.Error(w, fmt.Sprintf("Invalid relay payload: %v", err), http.StatusBadRequest)
		return
	}

	mode := string(payload.QueryType.Type())
	name := r.URL.Query().Get("dataSourceName")
	logger = logger.WithFields(logrus.Fields{
		"data_source": name,
		"mode":        mode,
		"query":       payload.Query,
	})

	var body []byte
	var err error
	var fetchErr *types.FetchError
	switch m := payload.QueryType.(type) {
	case types.InstantMode:
		var instants []types.Instant
		instants, fetchErr = s.relayInstant(r, name, payload.Query, m)
		body, err = encodeEnvelope(instants, fetchErr)
	case types.SeriesMode:
		var series []types.Series
		series, fetchErr = s.relaySeries(r, name, payload.Query, m)
		body, err = encodeEnvelope(series, fetchErr)
	}
	if err != nil {
		logger.WithError(err).Error("failed to encode relay reply")
		http.Error(w, "Failed to encode reply", http.StatusInternalServerError)
		return
	}

	outcome := outcomeOK
	if fetchErr != nil {
		outcome = outcomeError
		logger.WithField("error", fetchErr.Error()).Warn("relay query failed")
	}
	s.metrics.relayRequests.WithLabelValues(mode, outcome).Inc()
	s.metrics.relayDurations.WithLabelValues(mode).Observe(time.Since(start).Seconds())
	logger.WithField("duration", time.Since(start)).Debug("relay request served")

	w.Header().Set("Content-Type", relay.AcceptMsgpack)
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

func (s *Server) resolveDataSource(name string) (DataSource, *types.FetchError) {
	ds, ok := s.dataSources[name]
	if !ok {
		return DataSource{}, types.NewOtherError("Unknown data source: " + name)
	}
	if ds.Kind != types.DataSourceKindPrometheus {
		return DataSource{}, types.NewUnsupportedRequestError()
	}
	return ds, nil
}

func (s *Server) relayInstant(r *http.Request, name, query string, mode types.InstantMode) ([]types.Instant, *types.FetchError) {
	ds, fetchErr := s.resolveDataSource(name)
	if fetchErr != nil {
		return nil, fetchErr
	}

	at := mode.Time.Time()
	result, err := s.storage.Query(r.Context(), &types.QueryRequest{
		TenantID:  ds.Tenant,
		Query:     query,
		StartTime: at.Add(-s.cfg.LookbackDelta),
		EndTime:   at,
	})
	if err != nil {
		return nil, types.NewOtherError(fmt.Sprintf("Query failed: %v", err))
	}

	return lo.FilterMap(result.Streams, func(stream types.SampleStream, _ int) (types.Instant, bool) {
		return stream.LatestInstant(at, s.cfg.LookbackDelta)
	}), nil
}

func (s *Server) relaySeries(r *http.Request, name, query string, mode types.SeriesMode) ([]types.Series, *types.FetchError) {
	ds, fetchErr := s.resolveDataSource(name)
	if fetchErr != nil {
		return nil, fetchErr
	}

	result, err := s.storage.Query(r.Context(), &types.QueryRequest{
		TenantID:  ds.Tenant,
		Query:     query,
		StartTime: mode.TimeRange.From.Time(),
		EndTime:   mode.TimeRange.To.Time(),
	})
	if err != nil {
		return nil, types.NewOtherError(fmt.Sprintf("Query failed: %v", err))
	}

	return lo.Map(result.Streams, func(stream types.SampleStream, _ int) types.Series {
		return stream.ToSeries()
	}), nil
}

func encodeEnvelope[T any](items []T, fetchErr *types.FetchError) ([]byte, error) {
	if fetchErr != nil {
		return msgpack.Marshal(types.ErrResult[T](fetchErr))
	}
	return msgpack.Marshal(types.OkResult(items))
}
