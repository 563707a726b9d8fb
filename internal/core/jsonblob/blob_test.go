package jsonblob

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromValue(t *testing.T) {
	b := FromValue(map[string]any{"code": "C-2025-000042", "status": "open"})

	require.True(t, b.Valid())
	obj, err := b.Object()
	require.NoError(t, err)
	assert.Equal(t, "C-2025-000042", obj["code"])
	assert.False(t, b.IsSentinel())
}

func TestFromValue_UnserializableDegradesToSentinel(t *testing.T) {
	b := FromValue(map[string]any{"bad": math.Inf(1)})

	assert.False(t, b.Valid())
	assert.ErrorIs(t, b.Err(), ErrMalformed)
	assert.True(t, json.Valid(b.Raw()), "sentinel must still be storable json")
	assert.True(t, b.IsSentinel())

	_, err := b.Object()
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestFromRaw(t *testing.T) {
	assert.True(t, FromRaw([]byte(` {"a":1} `)).Valid())
	assert.Equal(t, json.RawMessage("null"), FromRaw(nil).Raw())

	bad := FromRaw([]byte(`{"a":`))
	assert.ErrorIs(t, bad.Err(), ErrMalformed)
	assert.True(t, bad.IsSentinel())
}

func TestObject_RejectsNonObjects(t *testing.T) {
	_, err := FromRaw([]byte(`[1,2]`)).Object()
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = FromRaw([]byte(`null`)).Object()
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestScanAndValue(t *testing.T) {
	var b Blob
	require.NoError(t, b.Scan([]byte(`{"x":"y"}`)))
	v, err := b.Value()
	require.NoError(t, err)
	assert.Equal(t, `{"x":"y"}`, v)

	assert.Error(t, b.Scan(42))
}

func TestMarshalEmbedsRawJSON(t *testing.T) {
	out, err := json.Marshal(struct {
		Snapshot Blob `json:"snapshot"`
	}{Snapshot: FromRaw([]byte(`{"k":1}`))})
	require.NoError(t, err)
	assert.JSONEq(t, `{"snapshot":{"k":1}}`, string(out))
}
