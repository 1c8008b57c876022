package canonicalize

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/gowebpki/jcs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalizeSortsKeys(t *testing.T) {
	b, err := Canonicalize(map[string]any{"b": 1, "a": 2, "c": 3})
	require.NoError(t, err)
	assert.Equal(t, `{"a":2,"b":1,"c":3}`, string(b))
}

func TestCanonicalizeNoWhitespace(t *testing.T) {
	b, err := Canonicalize(map[string]any{"k": []any{1, "two", nil, true}})
	require.NoError(t, err)
	assert.Equal(t, `{"k":[1,"two",null,true]}`, string(b))
}

func TestCanonicalizeHonorsStructTags(t *testing.T) {
	type payload struct {
		Text  string `json:"text"`
		Empty string `json:"empty,omitempty"`
	}
	b, err := Canonicalize(payload{Text: "hi"})
	require.NoError(t, err)
	assert.Equal(t, `{"text":"hi"}`, string(b))
}

func TestCanonicalizeLineEndings(t *testing.T) {
	b, err := Canonicalize(map[string]any{"t": "a\r\nb\rc\nd"})
	require.NoError(t, err)
	assert.Equal(t, `{"t":"a\nb\nc\nd"}`, string(b))
}

func TestCanonicalizeNegativeZero(t *testing.T) {
	b, err := Canonicalize(map[string]any{"n": json.Number("-0")})
	require.NoError(t, err)
	assert.Equal(t, `{"n":0}`, string(b))

	b, err = Canonicalize(map[string]any{"n": -0.0})
	require.NoError(t, err)
	assert.Equal(t, `{"n":0}`, string(b))
}

func TestCanonicalizeRejectsNaN(t *testing.T) {
	_, err := Canonicalize(map[string]any{"n": math.NaN()})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNonCanonicalizable)

	_, err = Canonicalize(map[string]any{"n": math.Inf(1)})
	assert.ErrorIs(t, err, ErrNonCanonicalizable)
}

func TestCanonicalizeRejectsCycles(t *testing.T) {
	type node struct {
		Next *node `json:"next"`
	}
	n := &node{}
	n.Next = n
	_, err := Canonicalize(n)
	assert.ErrorIs(t, err, ErrNonCanonicalizable)
}

func TestCanonicalizeEscapes(t *testing.T) {
	b, err := Canonicalize(map[string]any{"t": "quote\" backslash\\ bell"})
	require.NoError(t, err)
	assert.Equal(t, `{"t":"quote\" backslash\\ bell"}`, string(b))
}

func TestCanonicalizeNFC(t *testing.T) {
	// U+0065 U+0301 (e + combining acute) normalizes to U+00E9.
	composed, err := Canonicalize(map[string]any{"t": "é"})
	require.NoError(t, err)
	decomposed, err := Canonicalize(map[string]any{"t": "é"})
	require.NoError(t, err)
	assert.Equal(t, string(composed), string(decomposed))
}

func TestCanonicalizeNormalizesKeysBeforeSorting(t *testing.T) {
	// e + combining acute (U+0065 U+0301) and U+00E9 are NFC-equal keys.
	// Both spellings must emit identical bytes, with the key sorted at
	// its normalized code point (U+00E9 > 'f'), not its raw first byte.
	decomposed, err := Canonicalize(map[string]any{"e\u0301": 1, "f": 2})
	require.NoError(t, err)
	composed, err := Canonicalize(map[string]any{"\u00e9": 1, "f": 2})
	require.NoError(t, err)
	assert.Equal(t, string(composed), string(decomposed))
	assert.Equal(t, "{\"f\":2,\"\u00e9\":1}", string(decomposed))
}

func TestCanonicalizeRejectsKeyCollisionAfterNormalization(t *testing.T) {
	_, err := Canonicalize(map[string]any{"e\u0301": 1, "\u00e9": 2})
	assert.ErrorIs(t, err, ErrNonCanonicalizable)

	// \r and \n keys fold to the same canonical key
	_, err = Canonicalize(map[string]any{"a\rb": 1, "a\nb": 2})
	assert.ErrorIs(t, err, ErrNonCanonicalizable)
}

// Cross-check against the RFC 8785 reference implementation on inputs
// where the two schemes agree (ASCII strings, integer numbers).
func TestCanonicalizeMatchesJCSOnASCII(t *testing.T) {
	inputs := []string{
		`{"z":1,"a":{"y":[3,2,1],"x":null},"m":true}`,
		`{"nested":{"deep":{"deeper":"value"}},"list":[{"b":2,"a":1}]}`,
		`{"text":"hello world","count":42}`,
	}
	for _, in := range inputs {
		expected, err := jcs.Transform([]byte(in))
		require.NoError(t, err)

		var v any
		require.NoError(t, json.Unmarshal([]byte(in), &v))
		got, err := Canonicalize(v)
		require.NoError(t, err)
		assert.Equal(t, string(expected), string(got), "input %s", in)
	}
}

func TestHashPrefixes(t *testing.T) {
	bh, err := BodyHash(map[string]any{"text": "hi"})
	require.NoError(t, err)
	assert.Regexp(t, `^b:[0-9a-f]{64}$`, bh)

	cid, err := CID(map[string]any{"kind": "action.v1", "cid": "c:ignored"})
	require.NoError(t, err)
	assert.Regexp(t, `^c:[0-9a-f]{64}$`, cid)

	// cid is independent of any cid field already present
	cid2, err := CID(map[string]any{"kind": "action.v1"})
	require.NoError(t, err)
	assert.Equal(t, cid, cid2)

	head := HeadHash(GenesisHead, cid)
	assert.Regexp(t, `^h:[0-9a-f]{64}$`, head)
	assert.True(t, VerifyChainLink(GenesisHead, cid, head))
	assert.False(t, VerifyChainLink(head, cid, head))
}

func TestContentHashUsesRawBytes(t *testing.T) {
	// No canonicalization for document content: different line endings
	// produce different hashes.
	assert.NotEqual(t, ContentHash("a\r\nb"), ContentHash("a\nb"))
	assert.Regexp(t, `^b:[0-9a-f]{64}$`, ContentHash("doc"))
}
