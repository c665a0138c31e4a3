// Package canonical provides deterministic normalization and RFC 8785 (JCS)
// canonical serialization for evidence fingerprinting.
//
// Determinism rules:
//   - floating-point values are rounded to 6 decimal places before hashing
//   - strings are NFC normalized
//   - nested structures are normalized recursively
//   - object keys are serialized in canonical (JCS) order
//
// Two evaluations of the same value always yield the same fingerprint.
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"github.com/gowebpki/jcs"
	"golang.org/x/text/unicode/norm"
)

// FloatPrecision is the number of decimal places floats are rounded to
// before serialization. Eliminates platform representation drift.
const FloatPrecision = 6

var floatScale = math.Pow10(FloatPrecision)

// Normalize returns a deterministic representation of v: maps and slices are
// walked recursively, strings NFC-normalized, floats rounded to
// FloatPrecision. Struct inputs are first flattened through their JSON form so
// json tags are respected.
func Normalize(v any) (any, error) {
	generic, err := decode(v)
	if err != nil {
		return nil, err
	}
	return normalizeValue(generic)
}

// CanonicalJSON returns the RFC 8785 canonical JSON encoding of the
// normalized form of v.
func CanonicalJSON(v any) ([]byte, error) {
	normalized, err := Normalize(v)
	if err != nil {
		return nil, err
	}
	raw, err := marshalNoEscape(normalized)
	if err != nil {
		return nil, fmt.Errorf("canonical: marshal failed: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonical: jcs transform failed: %w", err)
	}
	return out, nil
}

// Fingerprint returns "sha256:<hex>" over the canonical JSON form of v.
func Fingerprint(v any) (string, error) {
	b, err := CanonicalJSON(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes computes the SHA-256 digest of raw bytes.
func HashBytes(data []byte) string {
	h := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(h[:])
}

// decode flattens v into generic JSON types, preserving numbers as
// json.Number so integers survive untouched.
func decode(v any) (any, error) {
	switch v.(type) {
	case nil, bool, string, json.Number,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64,
		map[string]any, []any:
		return v, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: pre-marshal failed: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canonical: intermediate decode failed: %w", err)
	}
	return generic, nil
}

func normalizeValue(v any) (any, error) {
	switch t := v.(type) {
	case nil, bool:
		return t, nil
	case string:
		return norm.NFC.String(t), nil
	case int:
		return int64(t), nil
	case int64:
		return t, nil
	case float32:
		return roundFloat(float64(t))
	case float64:
		return roundFloat(t)
	case json.Number:
		return normalizeNumber(t)
	case []any:
		out := make([]any, len(t))
		for i, elem := range t {
			n, err := normalizeValue(elem)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, elem := range t {
			n, err := normalizeValue(elem)
			if err != nil {
				return nil, err
			}
			out[norm.NFC.String(k)] = n
		}
		return out, nil
	default:
		return nil, fmt.Errorf("canonical: unsupported type %T", v)
	}
}

// normalizeNumber keeps integers exact and rounds anything fractional.
func normalizeNumber(n json.Number) (any, error) {
	if i, err := n.Int64(); err == nil {
		return i, nil
	}
	f, err := n.Float64()
	if err != nil {
		return nil, fmt.Errorf("canonical: unparseable number %q: %w", n.String(), err)
	}
	return roundFloat(f)
}

func roundFloat(f float64) (any, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, fmt.Errorf("canonical: non-finite number %v", f)
	}
	r := math.Round(f*floatScale) / floatScale
	// Rounded whole values serialize as integers so 2.0000001 and 2 hash
	// identically after rounding.
	if r == math.Trunc(r) && math.Abs(r) < 1e15 {
		return int64(r), nil
	}
	return json.Number(strconv.FormatFloat(r, 'f', -1, 64)), nil
}

func marshalNoEscape(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
}
