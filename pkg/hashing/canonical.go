// Package hashing computes the tamper-evident integrity hash over an
// ingested event (spec §3 invariant 1, §4.1 step 5, §9 "hash
// canonicalization"). The hash must be stable regardless of field
// insertion order or float formatting so that two producers emitting the
// same logical event always collide on the same log_hash.
package hashing

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/trapline/sentinelcore/pkg/utils"
)

// CanonicalHash returns the SHA-256 hex digest of fields, canonicalized
// with lexicographically sorted keys (applied recursively), no
// insignificant whitespace, and a fixed shortest round-trip float
// representation. The "log_hash" key, if present, is excluded from the
// digest input.
func CanonicalHash(fields map[string]interface{}) (string, error) {
	clean := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		if k == "log_hash" {
			continue
		}
		clean[k] = v
	}

	pooled := utils.GetBuffer()
	defer utils.PutBuffer(pooled)
	b := bytes.NewBuffer(pooled)

	if err := encodeValue(b, clean); err != nil {
		return "", fmt.Errorf("canonicalize event: %w", err)
	}

	sum := sha256.Sum256(b.Bytes())
	return hex.EncodeToString(sum[:]), nil
}

// encodeValue writes v to b in canonical form. Maps are rendered with
// keys sorted by Unicode code point; this is applied recursively to
// nested maps (e.g. inside payload/headers).
func encodeValue(b *bytes.Buffer, v interface{}) error {
	switch val := v.(type) {
	case nil:
		b.WriteString("null")
	case bool:
		if val {
			b.WriteString("true")
		} else {
			b.WriteString("false")
		}
	case string:
		encodeString(b, val)
	case float64:
		encodeFloat(b, val)
	case int:
		b.WriteString(strconv.FormatInt(int64(val), 10))
	case int64:
		b.WriteString(strconv.FormatInt(val, 10))
	case json.Number:
		b.WriteString(val.String())
	case json.RawMessage:
		var decoded interface{}
		if len(val) == 0 {
			b.WriteString("null")
			return nil
		}
		if err := json.Unmarshal(val, &decoded); err != nil {
			return err
		}
		return encodeValue(b, decoded)
	case map[string]interface{}:
		return encodeMap(b, val)
	case map[string]string:
		m := make(map[string]interface{}, len(val))
		for k, s := range val {
			m[k] = s
		}
		return encodeMap(b, m)
	case []interface{}:
		b.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				b.WriteByte(',')
			}
			if err := encodeValue(b, item); err != nil {
				return err
			}
		}
		b.WriteByte(']')
	default:
		// Fall back to the standard encoder's generic representation
		// (structs, pointers) by round-tripping through interface{}.
		raw, err := json.Marshal(val)
		if err != nil {
			return err
		}
		var decoded interface{}
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return err
		}
		if _, ok := decoded.(map[string]interface{}); ok {
			return encodeValue(b, decoded)
		}
		b.Write(raw)
	}
	return nil
}

func encodeMap(b *bytes.Buffer, m map[string]interface{}) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys) // lexicographic over Unicode code points

	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		encodeString(b, k)
		b.WriteByte(':')
		if err := encodeValue(b, m[k]); err != nil {
			return err
		}
	}
	b.WriteByte('}')
	return nil
}

func encodeString(b *bytes.Buffer, s string) {
	// encoding/json.Marshal on a plain string already produces a
	// minimal, correctly-escaped UTF-8 JSON string literal with no
	// insignificant whitespace.
	raw, _ := json.Marshal(s)
	b.Write(raw)
}

// encodeFloat writes f using the shortest decimal representation that
// round-trips exactly, so the same float64 always serializes identically
// regardless of which producer computed it.
func encodeFloat(b *bytes.Buffer, f float64) {
	b.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
}
