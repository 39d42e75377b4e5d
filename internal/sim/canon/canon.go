// Package canon produces canonical byte encodings of kernel and collaborator
// state. Two values that differ only in map insertion order, or in float noise
// below FloatPrecision decimals, encode to identical bytes.
package canon

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// FloatPrecision is the number of decimal places kept for non-integer numbers.
const FloatPrecision = 6

var floatScale = math.Pow10(FloatPrecision)

// Normalize round-trips v through JSON so that every number becomes a
// json.Number and every object a map[string]any.
func Normalize(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return Decode(raw)
}

// Decode parses raw JSON keeping numbers as json.Number.
func Decode(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

// Encode returns the canonical encoding of v: JSON with sorted object keys and
// fixed-precision floats.
func Encode(v any) ([]byte, error) {
	n, err := Normalize(v)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := writeValue(&buf, n, formatNumber); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// EncodeRaw canonicalizes an already-serialized JSON document.
func EncodeRaw(raw []byte) ([]byte, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return []byte("null"), nil
	}
	n, err := Decode(raw)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := writeValue(&buf, n, formatNumber); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

type numberFormat func(json.Number) (string, error)

func writeValue(buf *bytes.Buffer, v any, num numberFormat) error {
	switch x := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if x {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case string:
		b, err := json.Marshal(x)
		if err != nil {
			return err
		}
		buf.Write(b)
	case json.Number:
		s, err := num(x)
		if err != nil {
			return err
		}
		buf.WriteString(s)
	case []any:
		buf.WriteByte('[')
		for i, e := range x {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeValue(buf, e, num); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
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
			if err := writeValue(buf, x[k], num); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("canon: unexpected %T", v)
	}
	return nil
}

// EncodeExact is Encode without float rounding: keys are sorted and every
// number keeps full float64 precision. Use it where values must stay
// distinguishable, such as RNG scopes.
func EncodeExact(v any) ([]byte, error) {
	n, err := Normalize(v)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := writeValue(&buf, n, formatNumberExact); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func formatNumberExact(n json.Number) (string, error) {
	s := n.String()
	if !strings.ContainsAny(s, ".eE") {
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return strconv.FormatInt(i, 10), nil
		}
		return s, nil
	}
	f, err := n.Float64()
	if err != nil {
		return "", fmt.Errorf("canon: number %q: %w", s, err)
	}
	if f == 0 {
		f = 0
	}
	return strconv.FormatFloat(f, 'g', -1, 64), nil
}

func formatNumber(n json.Number) (string, error) {
	s := n.String()
	if !strings.ContainsAny(s, ".eE") {
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return strconv.FormatInt(i, 10), nil
		}
		return s, nil
	}
	f, err := n.Float64()
	if err != nil {
		return "", fmt.Errorf("canon: number %q: %w", s, err)
	}
	return FormatFloat(f), nil
}

// FormatFloat renders f rounded to FloatPrecision decimals.
func FormatFloat(f float64) string {
	r := Round(f)
	if r == 0 {
		r = 0 // drop negative zero
	}
	return strconv.FormatFloat(r, 'f', -1, 64)
}

func Round(f float64) float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) || math.Abs(f) > 1e15 {
		return f
	}
	return math.Round(f*floatScale) / floatScale
}

// Hash computes sha256(domain || 0x00 || data) as lowercase hex.
func Hash(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

type Writer interface {
	Write(p []byte) (n int, err error)
}

// WriteSortedNonZeroCounters emits a key-sorted counter map, skipping zero
// values so that an untouched stream and an absent one digest the same.
func WriteSortedNonZeroCounters(w Writer, tmp *[8]byte, m map[string]uint64) {
	keys := make([]string, 0, len(m))
	for k, v := range m {
		if v != 0 {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		binary.LittleEndian.PutUint64(tmp[:], uint64(len(k)))
		w.Write(tmp[:])
		w.Write([]byte(k))
		binary.LittleEndian.PutUint64(tmp[:], m[k])
		w.Write(tmp[:])
	}
}
