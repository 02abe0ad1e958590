package hashchain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalizeSortsKeys(t *testing.T) {
	out, err := Canonicalize([]byte(`{"b":1,"a":{"d":null,"c":[true,false]}}`))
	require.NoError(t, err)
	assert.Equal(t, `{"a":{"c":[true,false],"d":null},"b":1}`, string(out))
}

func TestCanonicalizeNumbers(t *testing.T) {
	cases := map[string]string{
		`{"n":1.0}`:     `{"n":1}`,
		`{"n":1e1}`:     `{"n":10}`,
		`{"n":-0.5}`:    `{"n":-0.5}`,
		`{"n":0}`:       `{"n":0}`,
		`{"n":1.5e22}`:  `{"n":1.5e22}`,
		`{"n":0.00001}`: `{"n":0.00001}`,
	}
	for in, want := range cases {
		out, err := Canonicalize([]byte(in))
		require.NoError(t, err, in)
		assert.Equal(t, want, string(out), in)
	}
}

func TestCanonicalizeEscaping(t *testing.T) {
	out, err := Canonicalize([]byte(`{"s":"a\"b\\c\nd"}`))
	require.NoError(t, err)
	assert.Equal(t, `{"s":"a\"b\\c\nd"}`, string(out))
}

func TestCanonicalizeRejectsTrailingData(t *testing.T) {
	_, err := Canonicalize([]byte(`{"a":1} {"b":2}`))
	assert.Error(t, err)
}

func TestCanonicalizeRejectsInvalidJSON(t *testing.T) {
	_, err := Canonicalize([]byte(`{"a":`))
	assert.Error(t, err)
}
