package envelope

import (
	"encoding/json"
	"fmt"
)

// RawSerializer treats the payload as an already-encoded []byte body, sent
// verbatim (spec.md §4.5's "raw" variant).
type RawSerializer struct {
	Type string
}

func (r RawSerializer) ContentType() string { return r.Type }
func (r RawSerializer) Encoding() Encoding   { return EncodingRaw }

func (r RawSerializer) Marshal(payload interface{}) ([]byte, error) {
	b, ok := payload.([]byte)
	if !ok {
		return nil, fmt.Errorf("envelope: RawSerializer requires []byte payload, got %T", payload)
	}
	return b, nil
}

func (r RawSerializer) Unmarshal(body []byte, out interface{}) error {
	dst, ok := out.(*[]byte)
	if !ok {
		return fmt.Errorf("envelope: RawSerializer requires *[]byte out, got %T", out)
	}
	*dst = append((*dst)[:0], body...)
	return nil
}

// JSONSerializer marshals/unmarshals the payload as JSON, armored since
// arbitrary JSON payloads may legitimately start with whitespace.
type JSONSerializer struct {
	Type string
}

func (j JSONSerializer) ContentType() string { return j.Type }
func (j JSONSerializer) Encoding() Encoding   { return EncodingArmored }

func (j JSONSerializer) Marshal(payload interface{}) ([]byte, error) {
	return json.Marshal(payload)
}

func (j JSONSerializer) Unmarshal(body []byte, out interface{}) error {
	return json.Unmarshal(body, out)
}
