package entity

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// Canonical produces a deterministic JSON encoding with sorted keys and no
// insignificant whitespace. Two values that only differ in map key order
// encode to the same bytes. Numbers keep their literal form.
func Canonical(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	// Re-decode into an ordered structure and re-encode
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw interface{}
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	return canonicalEncode(raw)
}

// MustCanonical is Canonical for values known to be encodable.
func MustCanonical(v interface{}) []byte {
	data, err := Canonical(v)
	if err != nil {
		panic(fmt.Sprintf("canonical: %v", err))
	}
	return data
}

func canonicalEncode(v interface{}) ([]byte, error) {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf := []byte{'{'}
		for i, k := range keys {
			if i > 0 {
				buf = append(buf, ',')
			}
			keyBytes, _ := json.Marshal(k)
			buf = append(buf, keyBytes...)
			buf = append(buf, ':')
			valBytes, err := canonicalEncode(val[k])
			if err != nil {
				return nil, err
			}
			buf = append(buf, valBytes...)
		}
		buf = append(buf, '}')
		return buf, nil

	case []interface{}:
		buf := []byte{'['}
		for i, item := range val {
			if i > 0 {
				buf = append(buf, ',')
			}
			itemBytes, err := canonicalEncode(item)
			if err != nil {
				return nil, err
			}
			buf = append(buf, itemBytes...)
		}
		buf = append(buf, ']')
		return buf, nil

	case json.Number:
		return []byte(val.String()), nil

	default:
		return json.Marshal(v)
	}
}

// Equal reports whether two values have the same canonical encoding.
func Equal(a, b interface{}) bool {
	ca, err := Canonical(a)
	if err != nil {
		return false
	}
	cb, err := Canonical(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ca, cb)
}
