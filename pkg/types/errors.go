package types

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// FetchErrorType tags a FetchError variant
type FetchErrorType string

const (
	FetchErrorRequest            FetchErrorType = "request_error"
	FetchErrorUnsupportedRequest FetchErrorType = "unsupported_request"
	FetchErrorData               FetchErrorType = "data_error"
	FetchErrorOther              FetchErrorType = "other"
)

// FetchError is the classified failure of a relayed query. It is produced
// locally by the relay client or declared by the remote side.
type FetchError struct {
	Type    FetchErrorType    `json:"type" msgpack:"type"`
	Message string            `json:"message,omitempty" msgpack:"message,omitempty"`
	Payload *HTTPRequestError `json:"payload,omitempty" msgpack:"payload,omitempty"`
}

// NewOtherError creates an "other" FetchError
func NewOtherError(message string) *FetchError {
	return &FetchError{Type: FetchErrorOther, Message: message}
}

// NewDataError creates a "data_error" FetchError
func NewDataError(message string) *FetchError {
	return &FetchError{Type: FetchErrorData, Message: message}
}

// NewRequestError creates a "request_error" FetchError wrapping a transport failure
func NewRequestError(payload *HTTPRequestError) *FetchError {
	return &FetchError{Type: FetchErrorRequest, Payload: payload}
}

// NewUnsupportedRequestError creates an "unsupported_request" FetchError
func NewUnsupportedRequestError() *FetchError {
	return &FetchError{Type: FetchErrorUnsupportedRequest}
}

func (e *FetchError) Error() string {
	switch e.Type {
	case FetchErrorRequest:
		if e.Payload == nil {
			return "request error"
		}
		return "request error: " + e.Payload.Error()
	case FetchErrorUnsupportedRequest:
		return "unsupported request"
	case FetchErrorData:
		return "data error: " + e.Message
	default:
		return e.Message
	}
}

// Unwrap exposes the transport failure of a request error
func (e *FetchError) Unwrap() error {
	if e.Payload == nil {
		return nil
	}
	return e.Payload
}

type fetchErrorWire FetchError

// DecodeMsgpack decodes and validates a FetchError variant
func (e *FetchError) DecodeMsgpack(dec *msgpack.Decoder) error {
	var w fetchErrorWire
	if err := dec.Decode(&w); err != nil {
		return err
	}

	switch w.Type {
	case FetchErrorRequest:
		if w.Payload == nil {
			return fmt.Errorf("fetch error %q without payload", w.Type)
		}
	case FetchErrorUnsupportedRequest, FetchErrorData, FetchErrorOther:
	default:
		return fmt.Errorf("unknown fetch error type %q", w.Type)
	}

	*e = FetchError(w)
	return nil
}

// HTTPRequestErrorType tags an HTTPRequestError variant
type HTTPRequestErrorType string

const (
	HTTPErrorOffline     HTTPRequestErrorType = "offline"
	HTTPErrorNoResponse  HTTPRequestErrorType = "no_response"
	HTTPErrorServerError HTTPRequestErrorType = "server_error"
	HTTPErrorTimeout     HTTPRequestErrorType = "timeout"
	HTTPErrorOther       HTTPRequestErrorType = "other"
)

// HTTPRequestError is a failure of the host transport
type HTTPRequestError struct {
	Type       HTTPRequestErrorType `json:"type" msgpack:"type"`
	StatusCode int                  `json:"statusCode,omitempty" msgpack:"statusCode,omitempty"`
	Response   []byte               `json:"response,omitempty" msgpack:"response,omitempty"`
	Reason     string               `json:"reason,omitempty" msgpack:"reason,omitempty"`
}

func (e *HTTPRequestError) Error() string {
	switch e.Type {
	case HTTPErrorOffline:
		return "offline"
	case HTTPErrorNoResponse:
		return "no response"
	case HTTPErrorServerError:
		return fmt.Sprintf("server error: status %d", e.StatusCode)
	case HTTPErrorTimeout:
		return "timeout"
	default:
		return e.Reason
	}
}

type httpRequestErrorWire HTTPRequestError

// DecodeMsgpack decodes and validates an HTTPRequestError variant
func (e *HTTPRequestError) DecodeMsgpack(dec *msgpack.Decoder) error {
	var w httpRequestErrorWire
	if err := dec.Decode(&w); err != nil {
		return err
	}

	switch w.Type {
	case HTTPErrorOffline, HTTPErrorNoResponse, HTTPErrorServerError, HTTPErrorTimeout, HTTPErrorOther:
	default:
		return fmt.Errorf("unknown http request error type %q", w.Type)
	}

	*e = HTTPRequestError(w)
	return nil
}
