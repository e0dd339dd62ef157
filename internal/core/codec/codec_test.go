package codec

import (
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"Assembler-IPC/internal/core/request"
)

func codecs() []Codec {
	return []Codec{CBOR(), Msgpack()}
}

func sample() *request.JWTEdit {
	return &request.JWTEdit{
		SecurityDef: request.SecurityDef{ID: 7, ClusterID: 1, Name: "svc2", SecType: request.SecDefTypeJWT},
		OldName:     "svc1",
		IsActive:    true,
		Username:    "svc",
	}
}

func TestDecodeProducesIndependentCopy(t *testing.T) {
	for _, c := range codecs() {
		t.Run(c.Name(), func(t *testing.T) {
			in := sample()
			b, err := c.Encode(in)
			require.NoError(t, err)

			out, err := c.Decode(b)
			require.NoError(t, err)
			assert.Equal(t, in, out)

			out.(*request.JWTEdit).Name = "changed"
			assert.Equal(t, "svc2", in.Name)
		})
	}
}

func TestEncodeIsDeterministic(t *testing.T) {
	for _, c := range codecs() {
		a, err := c.Encode(sample())
		require.NoError(t, err)
		b, err := c.Encode(sample())
		require.NoError(t, err)
		assert.Equal(t, a, b, c.Name())
	}
}

func TestDecodeMalformed(t *testing.T) {
	for _, c := range codecs() {
		for _, payload := range [][]byte{nil, {}, []byte("not a payload"), {0xff, 0x00, 0x13}} {
			_, err := c.Decode(payload)
			require.Error(t, err, "%s %q", c.Name(), payload)
			assert.True(t, IsDecodeError(err), "%s: %v", c.Name(), err)
		}
	}
}

func TestDecodeRejectsUnknownAction(t *testing.T) {
	body, err := cbor.Marshal(map[string]any{"id": 1})
	require.NoError(t, err)
	payload, err := cbor.Marshal(cborEnvelope{Action: "HTTP_SOAP_CREATE", Body: body})
	require.NoError(t, err)

	_, err = CBOR().Decode(payload)
	var derr *DecodeError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, request.Action("HTTP_SOAP_CREATE"), derr.Action)
	assert.ErrorIs(t, err, request.ErrUnknownAction)

	mbody, err := msgpack.Marshal(map[string]any{"id": 1})
	require.NoError(t, err)
	mpayload, err := msgpack.Marshal(&msgpackEnvelope{Action: "HTTP_SOAP_CREATE", Body: mbody})
	require.NoError(t, err)
	_, err = Msgpack().Decode(mpayload)
	assert.ErrorIs(t, err, request.ErrUnknownAction)
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	body, err := cbor.Marshal(map[string]any{"id": 1, "password": "secret"})
	require.NoError(t, err)
	payload, err := cbor.Marshal(cborEnvelope{Action: string(request.ActionJWTDelete), Body: body})
	require.NoError(t, err)
	_, err = CBOR().Decode(payload)
	assert.True(t, IsDecodeError(err))

	mbody, err := msgpack.Marshal(map[string]any{"id": 1, "password": "secret"})
	require.NoError(t, err)
	mpayload, err := msgpack.Marshal(&msgpackEnvelope{Action: string(request.ActionJWTDelete), Body: mbody})
	require.NoError(t, err)
	_, err = Msgpack().Decode(mpayload)
	assert.True(t, IsDecodeError(err))
}

type bogus struct{}

func (bogus) Action() request.Action { return "BOGUS" }

func TestEncodeRejectsUnknownAction(t *testing.T) {
	for _, c := range codecs() {
		_, err := c.Encode(bogus{})
		var eerr *EncodeError
		assert.ErrorAs(t, err, &eerr, c.Name())
		_, err = c.Encode(nil)
		assert.Error(t, err)
	}
}

func TestByName(t *testing.T) {
	c, err := ByName("")
	require.NoError(t, err)
	assert.Equal(t, NameCBOR, c.Name())
	c, err = ByName(NameMsgpack)
	require.NoError(t, err)
	assert.Equal(t, NameMsgpack, c.Name())
	_, err = ByName("pickle")
	assert.ErrorIs(t, err, ErrUnknownCodec)
}

func TestDecodeRejectsNonMapBody(t *testing.T) {
	for _, body := range []cbor.RawMessage{{0xf6}, {0x07}, {0x80}} {
		payload, err := cbor.Marshal(cborEnvelope{Action: string(request.ActionJWTDelete), Body: body})
		require.NoError(t, err)
		req, err := CBOR().Decode(payload)
		assert.Nil(t, req)
		var derr *DecodeError
		require.ErrorAs(t, err, &derr, "body %x", []byte(body))
		assert.Equal(t, request.ActionJWTDelete, derr.Action)
	}

	for _, body := range []msgpack.RawMessage{{0xc0}, {0x07}, {0x90}} {
		payload, err := msgpack.Marshal(&msgpackEnvelope{Action: string(request.ActionJWTDelete), Body: body})
		require.NoError(t, err)
		req, err := Msgpack().Decode(payload)
		assert.Nil(t, req)
		assert.True(t, IsDecodeError(err), "body %x: %v", []byte(body), err)
	}
}

func TestDecodeRejectsTrailingBytes(t *testing.T) {
	for _, c := range codecs() {
		payload, err := c.Encode(sample())
		require.NoError(t, err)
		_, err = c.Decode(append(payload, 0x01, 0x02))
		assert.True(t, IsDecodeError(err), "%s: %v", c.Name(), err)
	}

	// Junk appended to the body ends up after the envelope.
	body, err := msgpack.Marshal(&request.JWTDelete{SecurityDef: request.SecurityDef{ID: 7}})
	require.NoError(t, err)
	payload, err := msgpack.Marshal(&msgpackEnvelope{Action: string(request.ActionJWTDelete), Body: append(body, 0x01)})
	require.NoError(t, err)
	_, err = Msgpack().Decode(payload)
	assert.True(t, IsDecodeError(err))
}
