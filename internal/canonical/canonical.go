// Package canonical implements the deterministic serialization used as the
// pre-image for signing and for content-hashing structured values: object
// keys are sorted lexicographically (recursively), array order is
// preserved, and byte buffers are treated as opaque leaves.
package canonical

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// Marshal produces the canonical byte serialization of v. v may be a Go
// struct, map, slice, or scalar; it is first round-tripped through
// encoding/json (so struct field tags and []byte-as-base64 behave exactly
// as they would for any other JSON consumer), then re-emitted with object
// keys sorted and numbers preserved in their original textual form.
func Marshal(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: marshal input: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var generic interface{}
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canonical: decode input: %w", err)
	}

	var buf bytes.Buffer
	if err := write(&buf, generic); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Equal reports whether a and b have identical canonical serializations.
func Equal(a, b interface{}) (bool, error) {
	ab, err := Marshal(a)
	if err != nil {
		return false, err
	}
	bb, err := Marshal(b)
	if err != nil {
		return false, err
	}
	return bytes.Equal(ab, bb), nil
}

func write(buf *bytes.Buffer, v interface{}) error {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if t {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case json.Number:
		buf.WriteString(t.String())
	case string:
		b, err := json.Marshal(t)
		if err != nil {
			return err
		}
		buf.Write(b)
	case []interface{}:
		buf.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := write(buf, e); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			if err := write(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("canonical: unsupported type %T", v)
	}
	return nil
}
