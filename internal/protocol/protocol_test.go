package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	env := Envelope{Type: Offer, ID: 42, Data: "sdp-blob"}

	raw, err := Encode(env)
	require.NoError(t, err)

	decoded, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, env, decoded)
}

func TestDecodeRejectsMalformedJSON(t *testing.T) {
	_, err := Decode([]byte("not json"))
	require.Error(t, err)

	var protoErr *Error
	require.ErrorAs(t, err, &protoErr)
	assert.Equal(t, CloseProtocol, protoErr.Code)
}

func TestDecodeRejectsNegativeType(t *testing.T) {
	_, err := Decode([]byte(`{"type":-1,"id":0,"data":""}`))
	require.Error(t, err)
}

func TestDecodeRejectsNegativeID(t *testing.T) {
	_, err := Decode([]byte(`{"type":0,"id":-5,"data":""}`))
	require.Error(t, err)
}

func TestDecodeAcceptsZeroValues(t *testing.T) {
	env, err := Decode([]byte(`{"type":0,"id":0,"data":""}`))
	require.NoError(t, err)
	assert.Equal(t, Join, env.Type)
}

func TestErrorCarriesCodeAndReason(t *testing.T) {
	err := NewErrorCode(1000, "seal complete")
	assert.Equal(t, "protocol error 1000: seal complete", err.Error())

	defaultErr := NewError("bad request")
	assert.Equal(t, CloseProtocol, defaultErr.Code)
}

func TestMustEncodeMatchesEncode(t *testing.T) {
	env := Envelope{Type: ID, ID: HostID, Data: ""}
	want, err := Encode(env)
	require.NoError(t, err)
	assert.Equal(t, want, MustEncode(env))
}
