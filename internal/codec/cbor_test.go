package codec

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sampleRecord struct {
	Key       string    `cbor:"key"`
	Count     int       `cbor:"count"`
	Timestamp time.Time `cbor:"timestamp"`
}

func TestMarshalUnmarshalRoundtrip(t *testing.T) {
	original := sampleRecord{
		Key:       "activity-1",
		Count:     42,
		Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 123456789, time.UTC),
	}

	data, err := Marshal(original)
	require.NoError(t, err)
	require.NotEmpty(t, data)

	var decoded sampleRecord
	require.NoError(t, Unmarshal(data, &decoded))
	assert.Equal(t, original.Key, decoded.Key)
	assert.Equal(t, original.Count, decoded.Count)
	assert.True(t, original.Timestamp.Equal(decoded.Timestamp), "sub-second precision must survive")
}

func TestMarshal_Deterministic(t *testing.T) {
	m := map[string]any{"b": 1, "a": "x", "c": []any{true, "y"}}

	first, err := Marshal(m)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		again, err := Marshal(m)
		require.NoError(t, err)
		assert.True(t, bytes.Equal(first, again), "encoding must be byte-identical")
	}
}

func TestUnmarshal_AnyUsesStringKeyedMaps(t *testing.T) {
	data, err := Marshal(map[string]any{"outer": map[string]any{"inner": "v"}})
	require.NoError(t, err)

	var decoded any
	require.NoError(t, Unmarshal(data, &decoded))

	outer, ok := decoded.(map[string]any)
	require.True(t, ok, "got %T", decoded)
	inner, ok := outer["outer"].(map[string]any)
	require.True(t, ok, "got %T", outer["outer"])
	assert.Equal(t, "v", inner["inner"])
}

func TestDiagnose(t *testing.T) {
	data, err := Marshal(map[string]any{"k": 1})
	require.NoError(t, err)

	diag, err := Diagnose(data)
	require.NoError(t, err)
	assert.Equal(t, `{"k": 1}`, diag)
}
