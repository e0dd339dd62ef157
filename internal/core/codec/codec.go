// Package codec turns requests into wire payloads and back. Every payload is
// an envelope of the action name and the action's encoded body.
package codec

import (
	"errors"
	"fmt"

	"Assembler-IPC/internal/core/request"
)

// Codec encodes a Request deterministically and decodes it into a fresh value.
// Decode returns a *DecodeError for anything it cannot turn into a known
// request.
type Codec interface {
	Name() string
	Encode(req request.Request) ([]byte, error)
	Decode(payload []byte) (request.Request, error)
}

const (
	NameCBOR    = "cbor"
	NameMsgpack = "msgpack"
)

var ErrUnknownCodec = errors.New("unknown codec")

// ByName returns the codec registered under name.
func ByName(name string) (Codec, error) {
	switch name {
	case "", NameCBOR:
		return CBOR(), nil
	case NameMsgpack:
		return Msgpack(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
	}
}

// Default is the codec used when none is configured.
func Default() Codec {
	return CBOR()
}

// DecodeError reports a payload that is malformed or does not match any
// known request schema.
type DecodeError struct {
	Codec  string
	Action request.Action
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Action == "" {
		return fmt.Sprintf("%s: could not decode envelope: %v", e.Codec, e.Err)
	}
	return fmt.Sprintf("%s: could not decode %s body: %v", e.Codec, e.Action, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// IsDecodeError returns true if err is or wraps a DecodeError.
func IsDecodeError(err error) bool {
	var e *DecodeError
	return errors.As(err, &e)
}

// EncodeError reports a request the codec could not encode.
type EncodeError struct {
	Codec  string
	Action request.Action
	Err    error
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("%s: could not encode %s: %v", e.Codec, e.Action, e.Err)
}

func (e *EncodeError) Unwrap() error { return e.Err }

func checkEncodable(name string, req request.Request) error {
	if req == nil {
		return &EncodeError{Codec: name, Err: errors.New("nil request")}
	}
	if _, err := request.New(req.Action()); err != nil {
		return &EncodeError{Codec: name, Action: req.Action(), Err: err}
	}
	return nil
}
