package canon

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

// ErrUnsupportedValue is returned for values that have no canonical form,
// such as NaN or infinite numbers. Carried as code UNSUPPORTED_VALUE on the
// wire.
var ErrUnsupportedValue = errors.New("unsupported value")

// Canonical serializes a JSON-like value to a unique byte form: object keys
// sorted byte-wise, absent fields omitted, no insignificant whitespace. The
// same input always yields the same bytes regardless of original key order,
// so Canonical output is safe to hash on both the sealing and verifying side.
func Canonical(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		var uve *json.UnsupportedValueError
		if errors.As(err, &uve) {
			return nil, fmt.Errorf("%w: %v", ErrUnsupportedValue, uve.Str)
		}
		return nil, err
	}
	// Round-trip through an untyped decode so struct field order collapses
	// to sorted map keys. UseNumber keeps integers out of float64.
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var norm any
	if err := dec.Decode(&norm); err != nil {
		return nil, err
	}
	if err := checkFinite(norm); err != nil {
		return nil, err
	}
	return json.Marshal(norm)
}

func checkFinite(v any) error {
	switch t := v.(type) {
	case json.Number:
		if f, err := t.Float64(); err == nil {
			if math.IsNaN(f) || math.IsInf(f, 0) {
				return fmt.Errorf("%w: %s", ErrUnsupportedValue, t.String())
			}
		}
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return fmt.Errorf("%w: %v", ErrUnsupportedValue, t)
		}
	case map[string]any:
		for _, mv := range t {
			if err := checkFinite(mv); err != nil {
				return err
			}
		}
	case []any:
		for _, av := range t {
			if err := checkFinite(av); err != nil {
				return err
			}
		}
	}
	return nil
}

// Sum returns the lowercase-hex SHA-256 of the canonical form of v.
func Sum(v any) (string, error) {
	b, err := Canonical(v)
	if err != nil {
		return "", err
	}
	return SumBytes(b), nil
}

// SumBytes hashes raw bytes; callers that already hold canonical bytes use
// this to avoid re-serializing.
func SumBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
