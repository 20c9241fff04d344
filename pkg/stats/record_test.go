package stats

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

func TestStatRecord_Encoding(t *testing.T) {
	record := StatRecord{Daily: 120, Weekly: 800, Monthly: 3400, Yearly: 41000}

	data, err := record.MarshalBinary()
	require.NoError(t, err)

	// Self-describing: any msgpack reader sees a map of window to count
	var raw map[string]int64
	require.NoError(t, msgpack.Unmarshal(data, &raw))
	assert.Equal(t, map[string]int64{"daily": 120, "weekly": 800, "monthly": 3400, "yearly": 41000}, raw)

	var decoded StatRecord
	require.NoError(t, decoded.UnmarshalBinary(data))
	assert.Equal(t, record, decoded)
}

func TestStatRecord_DecodeErrors(t *testing.T) {
	var record StatRecord
	assert.Error(t, record.UnmarshalBinary([]byte("garbage")))

	partial, err := msgpack.Marshal(map[string]int64{"daily": 1, "weekly": 2})
	require.NoError(t, err)
	assert.Error(t, record.UnmarshalBinary(partial))
}
