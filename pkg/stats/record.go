package stats

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// StatRecord holds the download counts of one key over the rolling windows
type StatRecord struct {
	Daily   int64 `json:"daily"`
	Weekly  int64 `json:"weekly"`
	Monthly int64 `json:"monthly"`
	Yearly  int64 `json:"yearly"`
}

// StatsBundle is returned by Get: project-wide counts and version counts
type StatsBundle struct {
	All     StatRecord `json:"all"`
	Version StatRecord `json:"version"`
}

// MarshalBinary encodes the record as a msgpack map of window name to count
func (r StatRecord) MarshalBinary() ([]byte, error) {
	return msgpack.Marshal(map[string]int64{
		"daily":   r.Daily,
		"weekly":  r.Weekly,
		"monthly": r.Monthly,
		"yearly":  r.Yearly,
	})
}

// UnmarshalBinary decodes a record written by MarshalBinary.
// Every window must be present.
func (r *StatRecord) UnmarshalBinary(data []byte) error {
	var m map[string]int64
	if err := msgpack.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("decoding stat record: %w", err)
	}

	fields := []struct {
		name string
		dst  *int64
	}{
		{"daily", &r.Daily},
		{"weekly", &r.Weekly},
		{"monthly", &r.Monthly},
		{"yearly", &r.Yearly},
	}
	for _, f := range fields {
		v, ok := m[f.name]
		if !ok {
			return fmt.Errorf("decoding stat record: missing %q", f.name)
		}
		*f.dst = v
	}
	return nil
}

// recordFromWindows builds a record from counts ordered like Windows
func recordFromWindows(counts []int64) StatRecord {
	return StatRecord{
		Daily:   counts[0],
		Weekly:  counts[1],
		Monthly: counts[2],
		Yearly:  counts[3],
	}
}
