package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKey(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "8A", want: "8A"},
		{in: "8a", want: "8A"},
		{in: "08A", want: "8A"},
		{in: "12b", want: "12B"},
		{in: "Am", want: "8A"},
		{in: "A minor", want: "8A"},
		{in: "C", want: "8B"},
		{in: "C maj", want: "8B"},
		{in: "F#m", want: "11A"},
		{in: "Gbm", want: "11A"},
		{in: "Db", want: "3B"},
		{in: "C#", want: "3B"},
		{in: "Ebm", want: "2A"},
		{in: "Bb", want: "6B"},
		{in: "Bbm", want: "3A"},
		{in: "B", want: "1B"},
		{in: "Bm", want: "10A"},
		{in: "Ab major", want: "4B"},
		{in: "", wantErr: true},
		{in: "13A", wantErr: true},
		{in: "0B", wantErr: true},
		{in: "Hm", wantErr: true},
		{in: "purple", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			k, err := ParseKey(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, k.String())
		})
	}
}

func TestHarmonicallyCompatible(t *testing.T) {
	parse := func(s string) CamelotKey {
		k, err := ParseKey(s)
		require.NoError(t, err)
		return k
	}

	tests := []struct {
		a, b string
		want bool
	}{
		{"8A", "8A", true},
		{"8A", "8B", true},  // relative major
		{"8A", "9A", true},  // one step up
		{"8A", "7A", true},  // one step down
		{"12A", "1A", true}, // wheel wraps
		{"1B", "12B", true},
		{"8A", "9B", false}, // diagonal moves clash
		{"8A", "10A", false},
		{"3B", "8A", false},
	}
	for _, tt := range tests {
		t.Run(tt.a+"_"+tt.b, func(t *testing.T) {
			assert.Equal(t, tt.want, HarmonicallyCompatible(parse(tt.a), parse(tt.b)))
			assert.Equal(t, tt.want, HarmonicallyCompatible(parse(tt.b), parse(tt.a)))
		})
	}
}
