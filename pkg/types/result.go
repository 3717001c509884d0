package types

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

const (
	resultOk  = "Ok"
	resultErr = "Err"
)

// Result is the reply envelope of a relayed query. Exactly one of Ok and Err
// is meaningful: Err is set when the remote side declared a failure.
//
// On the wire it is a single-entry msgpack map keyed "Ok" or "Err".
type Result[T any] struct {
	Ok  []T
	Err *FetchError
}

// OkResult wraps successful items
func OkResult[T any](items []T) Result[T] {
	if items == nil {
		items = []T{}
	}
	return Result[T]{Ok: items}
}

// ErrResult wraps a remote-declared failure
func ErrResult[T any](err *FetchError) Result[T] {
	return Result[T]{Err: err}
}

// EncodeMsgpack implements msgpack.CustomEncoder
func (r Result[T]) EncodeMsgpack(enc *msgpack.Encoder) error {
	if err := enc.EncodeMapLen(1); err != nil {
		return err
	}

	if r.Err != nil {
		if err := enc.EncodeString(resultErr); err != nil {
			return err
		}
		return enc.Encode(r.Err)
	}

	if err := enc.EncodeString(resultOk); err != nil {
		return err
	}
	items := r.Ok
	if items == nil {
		items = []T{}
	}
	return enc.Encode(items)
}

// DecodeMsgpack implements msgpack.CustomDecoder
func (r *Result[T]) DecodeMsgpack(dec *msgpack.Decoder) error {
	n, err := dec.DecodeMapLen()
	if err != nil {
		return err
	}
	if n != 1 {
		return fmt.Errorf("expected a single-entry result map, got %d entries", n)
	}

	key, err := dec.DecodeString()
	if err != nil {
		return err
	}

	switch key {
	case resultOk:
		var items []T
		if err := dec.Decode(&items); err != nil {
			return err
		}
		if items == nil {
			items = []T{}
		}
		r.Ok, r.Err = items, nil
	case resultErr:
		var fetchErr FetchError
		if err := dec.Decode(&fetchErr); err != nil {
			return err
		}
		r.Ok, r.Err = nil, &fetchErr
	default:
		return fmt.Errorf("unknown result variant %q", key)
	}

	return nil
}
