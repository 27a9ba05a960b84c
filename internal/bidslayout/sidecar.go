package bidslayout

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Sidecar is a BIDS sidecar JSON document that preserves the original
// top-level key order and exact value bytes for keys the engine doesn't
// touch, per spec.md §4.5's "preserves fields not under its control".
// encoding/json's map-based unmarshaling loses key order, and no
// order-preserving JSON library is present anywhere in the corpus, so this
// is implemented directly against encoding/json.Decoder's token stream.
type Sidecar struct {
	order  []string
	values map[string]json.RawMessage
}

// ParseSidecar reads a transcoder-produced sidecar, preserving field order.
func ParseSidecar(data []byte) (*Sidecar, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("reading sidecar: %w", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, fmt.Errorf("sidecar is not a JSON object")
	}
	s := &Sidecar{values: map[string]json.RawMessage{}}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("reading sidecar key: %w", err)
		}
		key, ok := keyTok.(string)
		if !ok {
			return nil, fmt.Errorf("sidecar key is not a string: %v", keyTok)
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, fmt.Errorf("reading sidecar value for %q: %w", key, err)
		}
		if _, exists := s.values[key]; !exists {
			s.order = append(s.order, key)
		}
		s.values[key] = raw
	}
	return s, nil
}

// NewSidecar builds an empty Sidecar, used when the engine writes one from
// scratch rather than editing a transcoder-produced file.
func NewSidecar() *Sidecar {
	return &Sidecar{values: map[string]json.RawMessage{}}
}

// Get returns a field's raw JSON value.
func (s *Sidecar) Get(key string) (json.RawMessage, bool) {
	v, ok := s.values[key]
	return v, ok
}

// GetString returns a field's value if it is a JSON string.
func (s *Sidecar) GetString(key string) (string, bool) {
	raw, ok := s.values[key]
	if !ok {
		return "", false
	}
	var v string
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", false
	}
	return v, true
}

// Set assigns key to value, appending it to the field order if new.
func (s *Sidecar) Set(key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encoding sidecar field %q: %w", key, err)
	}
	if _, exists := s.values[key]; !exists {
		s.order = append(s.order, key)
	}
	s.values[key] = raw
	return nil
}

// Delete removes a field, a no-op if the key isn't present.
func (s *Sidecar) Delete(key string) {
	if _, exists := s.values[key]; !exists {
		return
	}
	delete(s.values, key)
	for i, k := range s.order {
		if k == key {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// SetRaw assigns a pre-encoded JSON value directly.
func (s *Sidecar) SetRaw(key string, raw json.RawMessage) {
	if _, exists := s.values[key]; !exists {
		s.order = append(s.order, key)
	}
	s.values[key] = raw
}

// MarshalIndent renders the sidecar with two-space indentation, preserving
// field order.
func (s *Sidecar) MarshalIndent() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString("{\n")
	for i, key := range s.order {
		keyJSON, err := json.Marshal(key)
		if err != nil {
			return nil, err
		}
		var valBuf bytes.Buffer
		if err := json.Indent(&valBuf, s.values[key], "  ", "  "); err != nil {
			return nil, fmt.Errorf("indenting sidecar field %q: %w", key, err)
		}
		buf.WriteString("  ")
		buf.Write(keyJSON)
		buf.WriteString(": ")
		buf.Write(valBuf.Bytes())
		if i < len(s.order)-1 {
			buf.WriteByte(',')
		}
		buf.WriteByte('\n')
	}
	buf.WriteString("}")
	return buf.Bytes(), nil
}

// RoundTripSafe reports whether re-marshaling data through MarshalIndent
// preserves every quoted-string value byte-for-byte, per spec.md §4.5's
// pretty-printing safety requirement. The caller falls back to the
// unmodified transcoder output when this is false.
func RoundTripSafe(original []byte) bool {
	s, err := ParseSidecar(original)
	if err != nil {
		return false
	}
	out, err := s.MarshalIndent()
	if err != nil {
		return false
	}
	var a, b any
	if err := json.Unmarshal(original, &a); err != nil {
		return false
	}
	if err := json.Unmarshal(out, &b); err != nil {
		return false
	}
	return jsonDeepEqualStrings(a, b)
}

// jsonDeepEqualStrings compares two decoded JSON values for equality,
// treating numbers by their decoded float64 value (JSON has no integer/float
// distinction) and requiring exact string equality everywhere else.
func jsonDeepEqualStrings(a, b any) bool {
	switch av := a.(type) {
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			bvv, ok := bv[k]
			if !ok || !jsonDeepEqualStrings(v, bvv) {
				return false
			}
		}
		return true
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !jsonDeepEqualStrings(av[i], bv[i]) {
				return false
			}
		}
		return true
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	default:
		return a == b
	}
}
