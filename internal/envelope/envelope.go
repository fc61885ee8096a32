// Package envelope implements the signed transport framing of spec.md
// §4.5: a JSON header, a newline, then a raw or base64-armored body,
// signed end to end with ed25519. It underlies every message carried by
// internal/rpctransport.
package envelope

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"

	"github.com/pkg/errors"
)

// Encoding names the body transfer encoding (spec.md §4.5's "raw"/"armored"
// variants).
type Encoding string

const (
	EncodingRaw     Encoding = "raw"
	EncodingArmored Encoding = "armored"
)

// Header is the leading JSON object of an envelope.
type Header struct {
	Signature       []byte   `json:"signature"`
	Signer          []byte   `json:"signer"`
	ContentType     string   `json:"content_type"`
	ContentEncoding Encoding `json:"content_encoding"`
}

// Serializer turns a payload into (content_type, body) for a declared
// Encoding. Registered inner serializers are "raw" (body is already
// []byte) and "json" (body is json.Marshal of the payload).
type Serializer interface {
	ContentType() string
	Encoding() Encoding
	Marshal(payload interface{}) ([]byte, error)
	Unmarshal(body []byte, out interface{}) error
}

// ErrUnknownSigner is returned when the header's signer key is not in the
// caller-supplied trusted set.
type ErrUnknownSigner struct{ Signer []byte }

func (e *ErrUnknownSigner) Error() string {
	return "envelope: unknown signer " + base64.StdEncoding.EncodeToString(e.Signer)
}

// ErrBadSignature is returned when the ed25519 signature does not verify
// over the body bytes.
type ErrBadSignature struct{}

func (e *ErrBadSignature) Error() string { return "envelope: signature verification failed" }

// ErrContentDisallowed is returned when the header's content_type is not
// in the caller's accept set.
type ErrContentDisallowed struct{ ContentType string }

func (e *ErrContentDisallowed) Error() string {
	return "envelope: content type " + e.ContentType + " not accepted"
}

// Sign serializes payload with ser, signs the resulting body with priv,
// and returns the wire-format envelope: header JSON, a newline, then the
// body (raw or base64-armored per ser.Encoding()).
func Sign(priv ed25519.PrivateKey, ser Serializer, payload interface{}) ([]byte, error) {
	body, err := ser.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, "envelope: marshal payload")
	}

	wireBody := body
	if ser.Encoding() == EncodingArmored {
		wireBody = []byte(base64.StdEncoding.EncodeToString(body))
	} else if len(wireBody) > 0 && isASCIISpace(wireBody[0]) {
		return nil, errors.New("envelope: raw body may not start with whitespace")
	}

	sig := ed25519.Sign(priv, wireBody)
	pub, ok := priv.Public().(ed25519.PublicKey)
	if !ok {
		return nil, errors.New("envelope: private key has no ed25519 public half")
	}

	hdr := Header{
		Signature:       sig,
		Signer:          pub,
		ContentType:     ser.ContentType(),
		ContentEncoding: ser.Encoding(),
	}
	hdrJSON, err := json.Marshal(hdr)
	if err != nil {
		return nil, errors.Wrap(err, "envelope: marshal header")
	}

	out := make([]byte, 0, len(hdrJSON)+1+len(wireBody))
	out = append(out, hdrJSON...)
	out = append(out, '\n')
	out = append(out, wireBody...)
	return out, nil
}

// TrustedSigners maps a base64-encoded ed25519 verify key to the decoded
// public key; Open looks up the header's raw signer bytes against this set.
type TrustedSigners map[string]ed25519.PublicKey

// Open deserializes a wire envelope: incrementally decodes the leading
// JSON header, skips exactly the whitespace separating it from the body,
// verifies the signer is trusted and the signature is valid, confirms
// content_type is in accept, and unmarshals the body via ser into out.
func Open(wire []byte, trusted TrustedSigners, accept map[string]bool, ser Serializer, out interface{}) (*Header, error) {
	dec := json.NewDecoder(bytes.NewReader(wire))
	var hdr Header
	if err := dec.Decode(&hdr); err != nil {
		return nil, errors.Wrap(err, "envelope: decode header")
	}
	consumed := dec.InputOffset()

	rest := wire[consumed:]
	bodyStart := 0
	for bodyStart < len(rest) && isASCIISpace(rest[bodyStart]) {
		bodyStart++
	}
	body := rest[bodyStart:]

	pub, ok := trusted[base64.StdEncoding.EncodeToString(hdr.Signer)]
	if !ok {
		return nil, &ErrUnknownSigner{Signer: hdr.Signer}
	}

	if !ed25519.Verify(pub, body, hdr.Signature) {
		return nil, &ErrBadSignature{}
	}

	if accept != nil && !accept[hdr.ContentType] {
		return nil, &ErrContentDisallowed{ContentType: hdr.ContentType}
	}

	plain := body
	if hdr.ContentEncoding == EncodingArmored {
		decoded, err := base64.StdEncoding.DecodeString(string(body))
		if err != nil {
			return nil, errors.Wrap(err, "envelope: un-armor body")
		}
		plain = decoded
	}

	if err := ser.Unmarshal(plain, out); err != nil {
		return nil, errors.Wrap(err, "envelope: unmarshal body")
	}
	return &hdr, nil
}

func isASCIISpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}
