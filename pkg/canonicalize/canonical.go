// Package canonicalize provides the deterministic JSON byte serialization
// used as hash input for atoms, message bodies and chain heads.
//
// Rules:
//   - Object keys normalized like strings, then sorted by Unicode code
//     point order; keys that collide after normalization are rejected.
//   - No whitespace between tokens.
//   - Strings NFC-normalized; \r\n and lone \r become \n.
//   - Numbers must be finite; -0 serializes as 0; shortest round-trip form.
//   - Absent fields are omitted, explicit nulls are kept.
package canonicalize

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// GenesisHead seeds every shard's hash chain before atom 1.
const GenesisHead = "h:genesis"

// ErrNonCanonicalizable marks input that has no canonical form (NaN/Inf,
// cyclic structures, unmarshalable keys).
var ErrNonCanonicalizable = errors.New("non_canonicalizable")

// Canonicalize returns the canonical JSON bytes of v.
//
// Like the standard encoder it honors json struct tags: v is first
// marshaled, then decoded to a generic tree (numbers kept as json.Number),
// then re-emitted canonically.
func Canonicalize(v any) ([]byte, error) {
	generic, err := Generalize(v)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := writeCanonical(&buf, generic); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Generalize converts v into the generic JSON tree (map[string]any,
// []any, json.Number, string, bool, nil) the canonical writer consumes.
func Generalize(v any) (any, error) {
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNonCanonicalizable, err)
	}
	dec := json.NewDecoder(bytes.NewReader(intermediate))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNonCanonicalizable, err)
	}
	return generic, nil
}

// GeneralizeMap is Generalize for values known to be JSON objects.
func GeneralizeMap(v any) (map[string]any, error) {
	generic, err := Generalize(v)
	if err != nil {
		return nil, err
	}
	m, ok := generic.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: expected object, got %T", ErrNonCanonicalizable, generic)
	}
	return m, nil
}

// SHA256Hex returns the lowercase hex SHA-256 of data.
func SHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// BodyHash returns the b:-prefixed hash of the canonical form of body.
func BodyHash(body any) (string, error) {
	b, err := Canonicalize(body)
	if err != nil {
		return "", err
	}
	return "b:" + SHA256Hex(b), nil
}

// ContentHash returns the b:-prefixed hash of the raw UTF-8 bytes of
// content. Document bodies are hashed without canonicalization.
func ContentHash(content string) string {
	return "b:" + SHA256Hex([]byte(content))
}

// CID returns the c:-prefixed content identifier of an atom: the hash of
// its canonical form with the cid field removed.
func CID(atom map[string]any) (string, error) {
	stripped := make(map[string]any, len(atom))
	for k, v := range atom {
		if k == "cid" {
			continue
		}
		stripped[k] = v
	}
	b, err := Canonicalize(stripped)
	if err != nil {
		return "", err
	}
	return "c:" + SHA256Hex(b), nil
}

// HeadHash chains the previous head with a new cid.
func HeadHash(prevHead, cid string) string {
	return "h:" + SHA256Hex([]byte(prevHead+":"+cid))
}

// VerifyChainLink recomputes one chain step.
func VerifyChainLink(prevHead, cid, expected string) bool {
	return HeadHash(prevHead, cid) == expected
}

func writeCanonical(buf *bytes.Buffer, v any) error {
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
		return writeNumber(buf, t)
	case string:
		writeString(buf, t)
	case []any:
		buf.WriteByte('[')
		for i, elem := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, elem); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		// Keys sort in their canonical (normalized) form: two NFC-equal
		// objects must emit identical bytes, and the emitted keys must be
		// in code-point order. Keys that collide after normalization have
		// no canonical form.
		byKey := make(map[string]any, len(t))
		keys := make([]string, 0, len(t))
		for k, v := range t {
			nk := normalizeText(k)
			if _, dup := byKey[nk]; dup {
				return fmt.Errorf("%w: duplicate key %q after normalization", ErrNonCanonicalizable, nk)
			}
			byKey[nk] = v
			keys = append(keys, nk)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeString(buf, k)
			buf.WriteByte(':')
			if err := writeCanonical(buf, byKey[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("%w: unexpected type %T", ErrNonCanonicalizable, v)
	}
	return nil
}

// writeNumber emits n in shortest round-tripping form. Integers pass
// through; everything else is parsed as float64, which rejects NaN/Inf
// (they cannot appear in valid JSON but guard anyway) and folds -0 to 0.
func writeNumber(buf *bytes.Buffer, n json.Number) error {
	s := n.String()
	if i, err := n.Int64(); err == nil && !strings.ContainsAny(s, ".eE") {
		buf.WriteString(strconv.FormatInt(i, 10))
		return nil
	}
	f, err := n.Float64()
	if err != nil {
		return fmt.Errorf("%w: number %q", ErrNonCanonicalizable, s)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("%w: non-finite number", ErrNonCanonicalizable)
	}
	if f == 0 {
		buf.WriteString("0")
		return nil
	}
	buf.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
	return nil
}

// normalizeText applies the canonical text rules: NFC, line endings
// folded to \n.
func normalizeText(s string) string {
	s = norm.NFC.String(s)
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	return s
}

// writeString normalizes s and escapes per the JSON spec (short escapes
// where they exist, \u00XX otherwise).
func writeString(buf *bytes.Buffer, s string) {
	s = normalizeText(s)

	buf.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			buf.WriteString(`\"`)
		case '\\':
			buf.WriteString(`\\`)
		case '\n':
			buf.WriteString(`\n`)
		case '\t':
			buf.WriteString(`\t`)
		case '\b':
			buf.WriteString(`\b`)
		case '\f':
			buf.WriteString(`\f`)
		default:
			if r < 0x20 {
				fmt.Fprintf(buf, `\u%04x`, r)
			} else {
				buf.WriteRune(r)
			}
		}
	}
	buf.WriteByte('"')
}
