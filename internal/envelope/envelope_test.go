package envelope

import (
	"crypto/ed25519"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/require"
)

func genKey(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	seed := make([]byte, ed25519.SeedSize)
	for i := range seed {
		seed[i] = byte(i)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return priv.Public().(ed25519.PublicKey), priv
}

func TestSignOpenRoundTripRaw(t *testing.T) {
	pub, priv := genKey(t)
	trusted := TrustedSigners{base64.StdEncoding.EncodeToString(pub): pub}

	wire, err := Sign(priv, RawSerializer{Type: "application/octet-stream"}, []byte("hello-world"))
	require.NoError(t, err)

	var got []byte
	hdr, err := Open(wire, trusted, map[string]bool{"application/octet-stream": true}, RawSerializer{}, &got)
	require.NoError(t, err)
	require.Equal(t, "hello-world", string(got))
	require.Equal(t, "application/octet-stream", hdr.ContentType)
}

func TestSignOpenRoundTripJSON(t *testing.T) {
	pub, priv := genKey(t)
	trusted := TrustedSigners{base64.StdEncoding.EncodeToString(pub): pub}

	type payload struct {
		Name string `json:"name"`
	}
	wire, err := Sign(priv, JSONSerializer{Type: "application/json"}, payload{Name: "node-7"})
	require.NoError(t, err)

	var got payload
	_, err = Open(wire, trusted, map[string]bool{"application/json": true}, JSONSerializer{}, &got)
	require.NoError(t, err)
	require.Equal(t, "node-7", got.Name)
}

func TestOpenUnknownSigner(t *testing.T) {
	_, priv := genKey(t)
	wire, err := Sign(priv, RawSerializer{Type: "t"}, []byte("x"))
	require.NoError(t, err)

	_, err = Open(wire, TrustedSigners{}, nil, RawSerializer{}, new([]byte))
	require.Error(t, err)
	var target *ErrUnknownSigner
	require.ErrorAs(t, err, &target)
}

func TestOpenBadSignature(t *testing.T) {
	pub, priv := genKey(t)
	trusted := TrustedSigners{base64.StdEncoding.EncodeToString(pub): pub}
	wire, err := Sign(priv, RawSerializer{Type: "t"}, []byte("x"))
	require.NoError(t, err)
	wire[len(wire)-1] ^= 0xff

	_, err = Open(wire, trusted, nil, RawSerializer{}, new([]byte))
	require.Error(t, err)
	var target *ErrBadSignature
	require.ErrorAs(t, err, &target)
}

func TestOpenContentDisallowed(t *testing.T) {
	pub, priv := genKey(t)
	trusted := TrustedSigners{base64.StdEncoding.EncodeToString(pub): pub}
	wire, err := Sign(priv, RawSerializer{Type: "forbidden/type"}, []byte("x"))
	require.NoError(t, err)

	_, err = Open(wire, trusted, map[string]bool{"allowed/type": true}, RawSerializer{}, new([]byte))
	require.Error(t, err)
	var target *ErrContentDisallowed
	require.ErrorAs(t, err, &target)
}

func TestRawBodyMayNotStartWithWhitespace(t *testing.T) {
	_, priv := genKey(t)
	_, err := Sign(priv, RawSerializer{Type: "t"}, []byte(" leading-space"))
	require.Error(t, err)
}
