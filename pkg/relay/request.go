package relay

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/vjranagit/promrelay/pkg/types"
)

const (
	// AcceptMsgpack is the reply encoding requested from the proxy
	AcceptMsgpack = "application/x-msgpack"
	// ContentTypeJSON is the encoding of the relay payload
	ContentTypeJSON = "application/json"
)

// Request is a transport-agnostic description of one relay call
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    []byte
}

// Response is the reply of a successful transport call
type Response struct {
	Body []byte
}

// Transport dispatches relay requests on behalf of the client.
//
// A transport-level failure should be returned as a *types.HTTPRequestError;
// any other error value is reported as an HTTPRequestError of type "other".
type Transport interface {
	Send(ctx context.Context, req *Request) (*Response, error)
}

// TransportFunc adapts a function to the Transport interface
type TransportFunc func(ctx context.Context, req *Request) (*Response, error)

// Send calls f(ctx, req)
func (f TransportFunc) Send(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// CreateURL returns the relay endpoint path for a proxied data source
func CreateURL(ds types.ProxyDataSource) string {
	return fmt.Sprintf("/api/proxies/%s/relay?dataSourceName=%s",
		encode(ds.ProxyID), encode(ds.DataSourceName))
}

// CreateHeaders returns the fixed headers of a relay request.
// The payload is sent as JSON while the reply is requested as msgpack.
func CreateHeaders() map[string]string {
	return map[string]string{
		"Accept":       AcceptMsgpack,
		"Content-Type": ContentTypeJSON,
	}
}

// encode percent-encodes every byte outside the RFC 3986 unreserved set
func encode(s string) string {
	// QueryEscape leaves only unreserved characters unescaped but writes
	// spaces as '+'; a literal '+' is always escaped to %2B.
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}

func newRequest(ds types.ProxyDataSource, body []byte) *Request {
	return &Request{
		Method:  http.MethodPost,
		URL:     CreateURL(ds),
		Headers: CreateHeaders(),
		Body:    body,
	}
}
