package codec

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
	"github.com/vmihailenco/msgpack/v5/msgpcode"

	"Assembler-IPC/internal/core/request"
)

type msgpackEnvelope struct {
	Action string             `msgpack:"action"`
	Body   msgpack.RawMessage `msgpack:"body"`
}

type msgpackCodec struct{}

// Msgpack returns a codec for peers that speak MessagePack.
func Msgpack() Codec {
	return msgpackCodec{}
}

func (msgpackCodec) Name() string { return NameMsgpack }

func (msgpackCodec) Encode(req request.Request) ([]byte, error) {
	if err := checkEncodable(NameMsgpack, req); err != nil {
		return nil, err
	}
	body, err := msgpack.Marshal(req)
	if err != nil {
		return nil, &EncodeError{Codec: NameMsgpack, Action: req.Action(), Err: err}
	}
	out, err := msgpack.Marshal(&msgpackEnvelope{Action: string(req.Action()), Body: body})
	if err != nil {
		return nil, &EncodeError{Codec: NameMsgpack, Action: req.Action(), Err: err}
	}
	return out, nil
}

func (msgpackCodec) Decode(payload []byte) (request.Request, error) {
	var env msgpackEnvelope
	if err := decodeStrict(payload, &env); err != nil {
		return nil, &DecodeError{Codec: NameMsgpack, Err: err}
	}
	action := request.Action(env.Action)
	req, err := request.New(action)
	if err != nil {
		return nil, &DecodeError{Codec: NameMsgpack, Action: action, Err: err}
	}
	if len(env.Body) == 0 {
		return nil, &DecodeError{Codec: NameMsgpack, Action: action, Err: errors.New("empty body")}
	}
	if !isMsgpackMap(env.Body[0]) {
		return nil, &DecodeError{Codec: NameMsgpack, Action: action, Err: errors.New("body is not a map")}
	}
	if err := decodeStrict(env.Body, req); err != nil {
		return nil, &DecodeError{Codec: NameMsgpack, Action: action, Err: err}
	}
	return req, nil
}

// decodeStrict decodes exactly one value from b. Unknown fields and trailing
// bytes are errors.
func decodeStrict(b []byte, v any) error {
	r := bytes.NewReader(b)
	dec := msgpack.NewDecoder(r)
	dec.DisallowUnknownFields(true)
	if err := dec.Decode(v); err != nil {
		return err
	}
	if n := r.Len(); n > 0 {
		return fmt.Errorf("%d bytes of extraneous data", n)
	}
	return nil
}

func isMsgpackMap(c byte) bool {
	return msgpcode.IsFixedMap(c) || c == msgpcode.Map16 || c == msgpcode.Map32
}
