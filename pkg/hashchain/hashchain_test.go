package hashchain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseFields() EntryFields {
	return EntryFields{
		OrgID:      "7f9c24e5-2f31-4a33-9a3b-111111111111",
		UserID:     "7f9c24e5-2f31-4a33-9a3b-222222222222",
		Action:     "export",
		Resource:   "client",
		ResourceID: "client-42",
		Details:    json.RawMessage(`{"count":10,"reason":"monthly report"}`),
		Timestamp:  time.Date(2026, 3, 1, 14, 30, 0, 123456789, time.UTC),
	}
}

func TestComputeHashDeterministic(t *testing.T) {
	h1, err := ComputeHash(baseFields(), GenesisHash)
	require.NoError(t, err)
	h2, err := ComputeHash(baseFields(), GenesisHash)
	require.NoError(t, err)

	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
}

func TestComputeHashFieldSensitivity(t *testing.T) {
	base, err := ComputeHash(baseFields(), GenesisHash)
	require.NoError(t, err)

	mutations := map[string]func(*EntryFields){
		"org":         func(f *EntryFields) { f.OrgID = "7f9c24e5-2f31-4a33-9a3b-333333333333" },
		"user":        func(f *EntryFields) { f.UserID = "" },
		"action":      func(f *EntryFields) { f.Action = "view" },
		"resource":    func(f *EntryFields) { f.Resource = "form" },
		"resource_id": func(f *EntryFields) { f.ResourceID = "client-43" },
		"details":     func(f *EntryFields) { f.Details = json.RawMessage(`{"count":11,"reason":"monthly report"}`) },
		"timestamp":   func(f *EntryFields) { f.Timestamp = f.Timestamp.Add(time.Microsecond) },
	}

	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			f := baseFields()
			mutate(&f)
			h, err := ComputeHash(f, GenesisHash)
			require.NoError(t, err)
			assert.NotEqual(t, base, h)
		})
	}
}

func TestComputeHashPreviousHashSensitivity(t *testing.T) {
	h1, err := ComputeHash(baseFields(), GenesisHash)
	require.NoError(t, err)
	h2, err := ComputeHash(baseFields(), h1)
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
}

func TestComputeHashDetailsKeyOrderIndependent(t *testing.T) {
	a := baseFields()
	a.Details = json.RawMessage(`{"reason":"monthly report","count":10}`)
	b := baseFields()
	b.Details = json.RawMessage(`{"count":10,"reason":"monthly report"}`)

	ha, err := ComputeHash(a, GenesisHash)
	require.NoError(t, err)
	hb, err := ComputeHash(b, GenesisHash)
	require.NoError(t, err)
	assert.Equal(t, ha, hb)
}

func TestComputeHashNumericFormattingIndependent(t *testing.T) {
	a := baseFields()
	a.Details = json.RawMessage(`{"count":10}`)
	b := baseFields()
	b.Details = json.RawMessage(`{"count":1e1}`)

	ha, err := ComputeHash(a, GenesisHash)
	require.NoError(t, err)
	hb, err := ComputeHash(b, GenesisHash)
	require.NoError(t, err)
	assert.Equal(t, ha, hb)
}

func TestComputeHashEmptyDetailsEqualsEmptyObject(t *testing.T) {
	a := baseFields()
	a.Details = nil
	b := baseFields()
	b.Details = json.RawMessage(`{}`)

	ha, err := ComputeHash(a, GenesisHash)
	require.NoError(t, err)
	hb, err := ComputeHash(b, GenesisHash)
	require.NoError(t, err)
	assert.Equal(t, ha, hb)
}

func TestComputeHashSubMicrosecondTruncation(t *testing.T) {
	a := baseFields()
	b := baseFields()
	b.Timestamp = b.Timestamp.Truncate(time.Microsecond)

	ha, err := ComputeHash(a, GenesisHash)
	require.NoError(t, err)
	hb, err := ComputeHash(b, GenesisHash)
	require.NoError(t, err)
	assert.Equal(t, ha, hb)
}

func TestComputeHashValidation(t *testing.T) {
	f := baseFields()
	f.OrgID = ""
	_, err := ComputeHash(f, GenesisHash)
	assert.Error(t, err)

	f = baseFields()
	_, err = ComputeHash(f, "short")
	assert.Error(t, err)

	f = baseFields()
	f.Details = json.RawMessage(`{"broken":`)
	_, err = ComputeHash(f, GenesisHash)
	assert.Error(t, err)
}

func TestTruncate(t *testing.T) {
	h, err := ComputeHash(baseFields(), GenesisHash)
	require.NoError(t, err)
	assert.Equal(t, h[:12]+"…", Truncate(h))
	assert.Equal(t, "abc", Truncate("abc"))
}
