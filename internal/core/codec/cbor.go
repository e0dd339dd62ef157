package codec

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"Assembler-IPC/internal/core/request"
)

type cborEnvelope struct {
	_      struct{} `cbor:",toarray"`
	Action string
	Body   cbor.RawMessage
}

const cborMajorMap = 5

type cborCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

var cborInstance = newCBOR()

func newCBOR() *cborCodec {
	// Core deterministic encoding: sorted map keys, shortest integer forms.
	enc, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("cbor enc mode: %v", err))
	}
	dec, err := cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyEnforcedAPF,
		ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("cbor dec mode: %v", err))
	}
	return &cborCodec{enc: enc, dec: dec}
}

// CBOR returns the default codec.
func CBOR() Codec {
	return cborInstance
}

func (c *cborCodec) Name() string { return NameCBOR }

func (c *cborCodec) Encode(req request.Request) ([]byte, error) {
	if err := checkEncodable(NameCBOR, req); err != nil {
		return nil, err
	}
	body, err := c.enc.Marshal(req)
	if err != nil {
		return nil, &EncodeError{Codec: NameCBOR, Action: req.Action(), Err: err}
	}
	out, err := c.enc.Marshal(cborEnvelope{Action: string(req.Action()), Body: body})
	if err != nil {
		return nil, &EncodeError{Codec: NameCBOR, Action: req.Action(), Err: err}
	}
	return out, nil
}

func (c *cborCodec) Decode(payload []byte) (request.Request, error) {
	var env cborEnvelope
	if err := c.dec.Unmarshal(payload, &env); err != nil {
		return nil, &DecodeError{Codec: NameCBOR, Err: err}
	}
	action := request.Action(env.Action)
	req, err := request.New(action)
	if err != nil {
		return nil, &DecodeError{Codec: NameCBOR, Action: action, Err: err}
	}
	if len(env.Body) == 0 {
		return nil, &DecodeError{Codec: NameCBOR, Action: action, Err: errors.New("empty body")}
	}
	// A null or scalar body would leave req zero valued without an error.
	if env.Body[0]>>5 != cborMajorMap {
		return nil, &DecodeError{Codec: NameCBOR, Action: action, Err: errors.New("body is not a map")}
	}
	if err := c.dec.Unmarshal(env.Body, req); err != nil {
		return nil, &DecodeError{Codec: NameCBOR, Action: action, Err: err}
	}
	return req, nil
}
