package resticapi

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRange(t *testing.T) {
	tests := []struct {
		name       string
		header     string
		size       int64
		start, end int64
		err        error
	}{
		{"full explicit", "bytes=0-99", 100, 0, 99, nil},
		{"middle slice", "bytes=10-19", 100, 10, 19, nil},
		{"open ended", "bytes=50-", 100, 50, 99, nil},
		{"suffix", "bytes=-10", 100, 90, 99, nil},
		{"suffix larger than file", "bytes=-500", 100, 0, 99, nil},
		{"end clamped", "bytes=90-200", 100, 90, 99, nil},
		{"single byte", "bytes=0-0", 1, 0, 0, nil},

		{"start at size", "bytes=100-110", 100, 0, 0, errRangeUnsatisfiable},
		{"zero suffix", "bytes=-0", 10, 0, 0, errRangeUnsatisfiable},
		{"start past end", "bytes=20-10", 100, 0, 0, errRangeUnsatisfiable},
		{"empty file", "bytes=0-0", 0, 0, 0, errRangeUnsatisfiable},

		{"missing prefix", "0-10", 100, 0, 0, errRangeInvalid},
		{"no dash", "bytes=10", 100, 0, 0, errRangeInvalid},
		{"garbage start", "bytes=a-10", 100, 0, 0, errRangeInvalid},
		{"garbage end", "bytes=10-b", 100, 0, 0, errRangeInvalid},
		{"negative suffix", "bytes=--5", 100, 0, 0, errRangeInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			start, end, err := parseRange(tt.header, tt.size)

			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.start, start)
			assert.Equal(t, tt.end, end)
		})
	}
}
