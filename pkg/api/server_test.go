package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/vjranagit/promrelay/pkg/relay"
	"github.com/vjranagit/promrelay/pkg/storage"
	"github.com/vjranagit/promrelay/pkg/transport"
	"github.com/vjranagit/promrelay/pkg/types"
)

var baseTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type testEnv struct {
	store  storage.Storage
	server *Server
	http   *httptest.Server
	client *relay.Client
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	base, err := storage.NewStorage(&storage.Config{
		Path:             t.TempDir(),
		RetentionDays:    30,
		CompressionLevel: 1,
		Logger:           logger,
	})
	require.NoError(t, err)
	store := storage.NewCachedStorage(base, 64, time.Minute)
	t.Cleanup(func() { store.Close() })

	server := NewServer(&Config{
		Addr:          "127.0.0.1:0",
		Timeout:       5 * time.Second,
		ProxyID:       "local",
		LookbackDelta: 5 * time.Minute,
		DataSources: []DataSource{
			{Name: "prod metrics", Kind: types.DataSourceKindPrometheus, Tenant: "default"},
			{Name: "team-a", Kind: types.DataSourceKindPrometheus, Tenant: "team-a"},
			{Name: "logs", Kind: types.DataSourceKindLoki},
		},
		Logger: logger,
	}, store)

	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)

	return &testEnv{
		store:  store,
		server: server,
		http:   ts,
		client: relay.NewClient(transport.NewHTTPTransport(transport.Config{
			BaseURL: ts.URL,
			Timeout: 5 * time.Second,
			Logger:  logger,
		})),
	}
}

func (e *testEnv) write(t *testing.T, tenant string, streams ...types.SampleStream) {
	t.Helper()
	require.NoError(t, e.store.Write(context.Background(), &types.WriteRequest{
		TenantID: tenant,
		Streams:  streams,
	}))
}

func requestsStream(method string, samples ...types.Sample) types.SampleStream {
	return types.SampleStream{
		Metric: types.Metric{
			Name:   "http_requests_total",
			Labels: map[string]string{"method": method},
		},
		Samples: samples,
	}
}

func at(offset time.Duration, value float64) types.Sample {
	return types.Sample{Timestamp: baseTime.Add(offset), Value: value}
}

func proxy(name string) types.ProxyDataSource {
	return types.ProxyDataSource{ProxyID: "local", DataSourceName: name}
}

func requireFetchError(t *testing.T, err error) *types.FetchError {
	t.Helper()
	var fetchErr *types.FetchError
	require.True(t, errors.As(err, &fetchErr), "expected *types.FetchError, got %v", err)
	return fetchErr
}

func TestRelayInstant(t *testing.T) {
	env := newTestEnv(t)
	env.write(t, "default",
		requestsStream("GET", at(-time.Minute, 1), at(-30*time.Second, 2), at(time.Minute, 99)),
		requestsStream("POST", at(-10*time.Minute, 5)),
	)

	instants, err := env.client.FetchInstant(context.Background(), "http_requests_total", relay.InstantOptions{
		DataSource: proxy("prod metrics"),
		Time:       types.TimestampFromTime(baseTime),
	})
	require.NoError(t, err)
	require.Len(t, instants, 1, "POST sample is outside the lookback window")

	assert.Equal(t, types.Instant{
		Name:   "http_requests_total",
		Labels: map[string]string{"method": "GET"},
		Point: types.Point{
			Timestamp: types.TimestampFromTime(baseTime.Add(-30 * time.Second)),
			Value:     2,
		},
	}, instants[0])
}

func TestRelaySeries(t *testing.T) {
	env := newTestEnv(t)
	env.write(t, "default",
		requestsStream("GET", at(-2*time.Hour, 0), at(-time.Hour, 1), at(-30*time.Minute, 2), at(0, 3)),
		requestsStream("POST", at(-10*time.Minute, 5)),
	)

	series, err := env.client.FetchSeries(context.Background(), `http_requests_total`, relay.SeriesOptions{
		DataSource: proxy("prod metrics"),
		TimeRange: types.TimeRange{
			From: types.TimestampFromTime(baseTime.Add(-time.Hour)),
			To:   types.TimestampFromTime(baseTime),
		},
	})
	require.NoError(t, err)
	require.Len(t, series, 2)

	get, post := series[0], series[1]
	assert.Equal(t, map[string]string{"method": "GET"}, get.Labels)
	assert.True(t, get.Visible)
	require.Len(t, get.Points, 3, "range is inclusive on both ends")
	assert.Equal(t, types.TimestampFromTime(baseTime.Add(-time.Hour)), get.Points[0].Timestamp)
	assert.Equal(t, 3.0, get.Points[2].Value)

	assert.Equal(t, map[string]string{"method": "POST"}, post.Labels)
	require.Len(t, post.Points, 1)
}

func TestRelayTenantIsolation(t *testing.T) {
	env := newTestEnv(t)
	env.write(t, "default", requestsStream("GET", at(0, 1)))
	env.write(t, "team-a", requestsStream("GET", at(0, 7)))

	instants, err := env.client.FetchInstant(context.Background(), "http_requests_total", relay.InstantOptions{
		DataSource: proxy("team-a"),
		Time:       types.TimestampFromTime(baseTime),
	})
	require.NoError(t, err)
	require.Len(t, instants, 1)
	assert.Equal(t, 7.0, instants[0].Point.Value)
}

func TestRelayEmptyResult(t *testing.T) {
	env := newTestEnv(t)

	series, err := env.client.FetchSeries(context.Background(), "missing_metric", relay.SeriesOptions{
		DataSource: proxy("prod metrics"),
		TimeRange:  types.TimeRange{From: 0, To: types.TimestampFromTime(baseTime)},
	})
	require.NoError(t, err)
	assert.NotNil(t, series)
	assert.Empty(t, series)
}

func TestRelayUnknownDataSource(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.client.FetchInstant(context.Background(), "up", relay.InstantOptions{
		DataSource: proxy("nope"),
		Time:       types.TimestampFromTime(baseTime),
	})
	fetchErr := requireFetchError(t, err)
	assert.Equal(t, types.FetchErrorOther, fetchErr.Type)
	assert.Equal(t, "Unknown data source: nope", fetchErr.Message)
}

func TestRelayUnsupportedDataSource(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.client.FetchSeries(context.Background(), "up", relay.SeriesOptions{
		DataSource: proxy("logs"),
		TimeRange:  types.TimeRange{From: 0, To: 1},
	})
	assert.Equal(t, types.FetchErrorUnsupportedRequest, requireFetchError(t, err).Type)
}

func TestRelayQueryFailure(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.client.FetchInstant(context.Background(), "rate(up[5m])", relay.InstantOptions{
		DataSource: proxy("prod metrics"),
		Time:       types.TimestampFromTime(baseTime),
	})
	fetchErr := requireFetchError(t, err)
	assert.Equal(t, types.FetchErrorOther, fetchErr.Type)
	assert.True(t, strings.HasPrefix(fetchErr.Message, "Query failed: "), fetchErr.Message)
}

func TestRelayUnknownProxy(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.client.FetchInstant(context.Background(), "up", relay.InstantOptions{
		DataSource: types.ProxyDataSource{ProxyID: "elsewhere", DataSourceName: "prod metrics"},
		Time:       types.TimestampFromTime(baseTime),
	})
	fetchErr := requireFetchError(t, err)
	require.Equal(t, types.FetchErrorRequest, fetchErr.Type)
	require.NotNil(t, fetchErr.Payload)
	assert.Equal(t, types.HTTPErrorServerError, fetchErr.Payload.Type)
	assert.Equal(t, http.StatusNotFound, fetchErr.Payload.StatusCode)
}

func TestRelayRawHTTP(t *testing.T) {
	env := newTestEnv(t)
	url := env.http.URL + "/api/proxies/local/relay?dataSourceName=prod%20metrics"

	t.Run("malformed payload", func(t *testing.T) {
		resp, err := http.Post(url, relay.ContentTypeJSON, strings.NewReader(`{"query":"up"}`))
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("wrong method", func(t *testing.T) {
		resp, err := http.Get(url)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	})

	t.Run("msgpack reply", func(t *testing.T) {
		body := `{"query":"up","queryType":{"type":"instant","payload":1709294400}}`
		resp, err := http.Post(url, relay.ContentTypeJSON, strings.NewReader(body))
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, relay.AcceptMsgpack, resp.Header.Get("Content-Type"))

		raw, err := io.ReadAll(resp.Body)
		require.NoError(t, err)

		var result types.Result[types.Instant]
		require.NoError(t, msgpack.Unmarshal(raw, &result))
		assert.Nil(t, result.Err)
		assert.Equal(t, []types.Instant{}, result.Ok)
	})
}

func TestWriteAndQueryEndpoints(t *testing.T) {
	env := newTestEnv(t)

	payload, err := json.Marshal(types.WriteRequest{
		Streams: []types.SampleStream{requestsStream("PUT", at(0, 4))},
	})
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, env.http.URL+"/api/v1/write", bytes.NewReader(payload))
	require.NoError(t, err)
	req.Header.Set("X-Tenant-ID", "team-a")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	instants, err := env.client.FetchInstant(context.Background(), `http_requests_total{method="PUT"}`, relay.InstantOptions{
		DataSource: proxy("team-a"),
		Time:       types.TimestampFromTime(baseTime),
	})
	require.NoError(t, err)
	require.Len(t, instants, 1)
	assert.Equal(t, 4.0, instants[0].Point.Value)

	query := env.http.URL + "/api/v1/query?query=http_requests_total&start=" +
		baseTime.Add(-time.Hour).Format(time.RFC3339) + "&end=" + baseTime.Format(time.RFC3339)
	req, err = http.NewRequest(http.MethodGet, query, nil)
	require.NoError(t, err)
	req.Header.Set("X-Tenant-ID", "team-a")

	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result types.QueryResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	require.Len(t, result.Streams, 1)
	assert.Equal(t, "PUT", result.Streams[0].Metric.Labels["method"])

	resp, err = http.Get(env.http.URL + "/api/v1/query?query=" + "%7B%7D")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestWriteInvalidBody(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Post(env.http.URL+"/api/v1/write", "application/json", strings.NewReader("{"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.http.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "healthy", body["status"])
}

func TestRequestID(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.http.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	_, err = uuid.Parse(resp.Header.Get("X-Request-ID"))
	assert.NoError(t, err, "generated request id should be a uuid")

	req, err := http.NewRequest(http.MethodGet, env.http.URL+"/health", nil)
	require.NoError(t, err)
	req.Header.Set("X-Request-ID", "trace-123")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "trace-123", resp.Header.Get("X-Request-ID"))
}

func TestMetrics(t *testing.T) {
	env := newTestEnv(t)
	env.write(t, "default", requestsStream("GET", at(0, 1)))

	opts := relay.InstantOptions{DataSource: proxy("prod metrics"), Time: types.TimestampFromTime(baseTime)}
	for i := 0; i < 2; i++ {
		_, err := env.client.FetchInstant(context.Background(), "http_requests_total", opts)
		require.NoError(t, err)
	}
	_, err := env.client.FetchInstant(context.Background(), "up", relay.InstantOptions{DataSource: proxy("nope")})
	require.Error(t, err)

	resp, err := http.Get(env.http.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	body := string(raw)

	assert.Contains(t, body, `promrelay_relay_requests_total{mode="instant",outcome="ok"} 2`)
	assert.Contains(t, body, `promrelay_relay_requests_total{mode="instant",outcome="error"} 1`)
	assert.Contains(t, body, `promrelay_relay_duration_seconds_count{mode="instant"} 3`)
	assert.Contains(t, body, "promrelay_storage_cache_hits_total 1")
	assert.Contains(t, body, "promrelay_storage_cache_misses_total 1")
}

func TestServeAndStop(t *testing.T) {
	env := newTestEnv(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- env.server.Serve(ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, env.server.Stop(ctx))
	assert.NoError(t, <-done)
}
