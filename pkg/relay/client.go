// Package relay implements the query-relay client: it sends a query to a
// named data source through a proxy and decodes the proxy's msgpack reply.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/vjranagit/promrelay/pkg/types"
)

// MsgIncompatibleDataSource is the error message for non-proxy data sources
const MsgIncompatibleDataSource = "Incompatible data source"

// InstantOptions configures an instant query
type InstantOptions struct {
	DataSource types.DataSource
	Time       types.Timestamp
}

// SeriesOptions configures a series query
type SeriesOptions struct {
	DataSource types.DataSource
	TimeRange  types.TimeRange
}

// Client relays queries through a proxy. It holds no state besides its
// transport and is safe for concurrent use if the transport is.
type Client struct {
	transport Transport
}

// NewClient creates a relay client dispatching through t
func NewClient(t Transport) *Client {
	return &Client{transport: t}
}

// FetchInstant evaluates query at a single point in time.
// A non-nil error is always a *types.FetchError.
func (c *Client) FetchInstant(ctx context.Context, query string, opts InstantOptions) ([]types.Instant, error) {
	return fetch[types.Instant](ctx, c.transport, query, opts.DataSource, types.InstantMode{Time: opts.Time})
}

// FetchSeries evaluates query over a time range.
// A non-nil error is always a *types.FetchError.
func (c *Client) FetchSeries(ctx context.Context, query string, opts SeriesOptions) ([]types.Series, error) {
	return fetch[types.Series](ctx, c.transport, query, opts.DataSource, types.SeriesMode{TimeRange: opts.TimeRange})
}

func fetch[T any](ctx context.Context, t Transport, query string, ds types.DataSource, mode types.QueryMode) ([]T, error) {
	proxy, fetchErr := selectDataSource(ds)
	if fetchErr != nil {
		return nil, fetchErr
	}

	body, err := json.Marshal(types.RelayPayload{Query: query, QueryType: mode})
	if err != nil {
		return nil, types.NewOtherError(fmt.Sprintf("Could not serialize query: %v", err))
	}

	resp, err := t.Send(ctx, newRequest(proxy, body))
	if err != nil {
		return nil, types.NewRequestError(requestErrorPayload(err))
	}

	var reply []byte
	if resp != nil {
		reply = resp.Body
	}

	var result types.Result[T]
	if err := msgpack.Unmarshal(reply, &result); err != nil {
		return nil, types.NewDataError(fmt.Sprintf("Error parsing Proxy response: %v", err))
	}
	if result.Err != nil {
		return nil, result.Err
	}

	return result.Ok, nil
}

func selectDataSource(ds types.DataSource) (types.ProxyDataSource, *types.FetchError) {
	switch ds := ds.(type) {
	case types.ProxyDataSource:
		return ds, nil
	case *types.ProxyDataSource:
		if ds != nil {
			return *ds, nil
		}
	case types.PrometheusDataSource, *types.PrometheusDataSource,
		types.ElasticsearchDataSource, *types.ElasticsearchDataSource,
		types.LokiDataSource, *types.LokiDataSource:
	}
	return types.ProxyDataSource{}, types.NewOtherError(MsgIncompatibleDataSource)
}

func requestErrorPayload(err error) *types.HTTPRequestError {
	var httpErr *types.HTTPRequestError
	if errors.As(err, &httpErr) {
		if httpErr != nil {
			return httpErr
		}
		return &types.HTTPRequestError{Type: types.HTTPErrorOther, Reason: "transport returned a nil error value"}
	}
	return &types.HTTPRequestError{Type: types.HTTPErrorOther, Reason: err.Error()}
}
