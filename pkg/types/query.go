package types

import (
	"encoding/json"
	"errors"
	"fmt"
)

// QueryType is the wire tag of a query mode
type QueryType string

const (
	QueryTypeInstant QueryType = "instant"
	QueryTypeSeries  QueryType = "series"
)

// QueryMode selects how a relayed query is evaluated. It has exactly two
// variants: InstantMode and SeriesMode.
type QueryMode interface {
	Type() QueryType
	payload() any
}

// InstantMode evaluates a query at a single point in time
type InstantMode struct {
	Time Timestamp
}

// SeriesMode evaluates a query over a time range
type SeriesMode struct {
	TimeRange TimeRange
}

func (InstantMode) Type() QueryType { return QueryTypeInstant }
func (SeriesMode) Type() QueryType  { return QueryTypeSeries }

func (m InstantMode) payload() any { return m.Time }
func (m SeriesMode) payload() any  { return m.TimeRange }

// RelayPayload is the JSON body sent to a proxy relay endpoint
type RelayPayload struct {
	Query     string
	QueryType QueryMode
}

type queryTypeWire struct {
	Type    QueryType `json:"type"`
	Payload any       `json:"payload"`
}

type relayPayloadWire struct {
	Query     string        `json:"query"`
	QueryType queryTypeWire `json:"queryType"`
}

// MarshalJSON encodes the payload with the query mode as {type, payload}
func (p RelayPayload) MarshalJSON() ([]byte, error) {
	if p.QueryType == nil {
		return nil, errors.New("query mode is required")
	}

	return json.Marshal(relayPayloadWire{
		Query: p.Query,
		QueryType: queryTypeWire{
			Type:    p.QueryType.Type(),
			Payload: p.QueryType.payload(),
		},
	})
}

// UnmarshalJSON decodes a payload produced by MarshalJSON
func (p *RelayPayload) UnmarshalJSON(data []byte) error {
	var wire struct {
		Query     string `json:"query"`
		QueryType *struct {
			Type    QueryType       `json:"type"`
			Payload json.RawMessage `json:"payload"`
		} `json:"queryType"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	if wire.QueryType == nil {
		return errors.New("missing queryType")
	}

	switch wire.QueryType.Type {
	case QueryTypeInstant:
		var ts Timestamp
		if err := json.Unmarshal(wire.QueryType.Payload, &ts); err != nil {
			return fmt.Errorf("invalid instant payload: %w", err)
		}
		p.QueryType = InstantMode{Time: ts}
	case QueryTypeSeries:
		var tr TimeRange
		if err := json.Unmarshal(wire.QueryType.Payload, &tr); err != nil {
			return fmt.Errorf("invalid series payload: %w", err)
		}
		p.QueryType = SeriesMode{TimeRange: tr}
	default:
		return fmt.Errorf("unknown query type %q", wire.QueryType.Type)
	}

	p.Query = wire.Query
	return nil
}
