package oci

import (
	"bytes"
	"encoding/json"
)

// marshalJSON is the single entry point every type-specific MarshalJSON in
// this package funnels through, so all OCI documents this pipeline emits
// go through the same canonicalization pass.
func marshalJSON(v any) ([]byte, error) {
	return CanonicalJSON(v)
}

func unmarshalJSON(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// CanonicalJSON serializes v as UTF-8 JSON with object keys sorted
// alphabetically and no insignificant whitespace, so that byte-identical
// input always produces byte-identical output (digests are stable).
//
// Go's encoding/json already emits map keys in sorted order; structs,
// however, are emitted in declaration order. To get a true canonical form
// regardless of how a Go struct happens to be declared, the value is
// marshaled once with the type's own json tags, decoded back into a
// generic any (objects become map[string]any, which re-marshals sorted),
// and marshaled a second time.
func CanonicalJSON(v any) ([]byte, error) {
	first, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	var generic any
	dec := json.NewDecoder(bytes.NewReader(first))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}

	out, err := json.Marshal(generic)
	if err != nil {
		return nil, err
	}
	return out, nil
}
