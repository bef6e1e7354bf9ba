package progress

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMeterCountsConcurrently(t *testing.T) {
	m := NewMeter()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				m.AddBytes(10)
			}
			m.FileDone()
		}()
	}
	wg.Wait()

	stats := m.Snapshot()
	assert.Equal(t, int64(8000), stats.BytesDone)
	assert.Equal(t, int64(8), stats.FilesDone)
	assert.Zero(t, stats.FilesFailed)
	assert.Greater(t, stats.BytesPerSec, 0.0)
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{0, "0 B"},
		{512, "512 B"},
		{1024, "1.0 KiB"},
		{1536, "1.5 KiB"},
		{5 << 20, "5.0 MiB"},
		{3 << 30, "3.0 GiB"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := FormatBytes(tt.in); got != tt.want {
				t.Errorf("FormatBytes(%d) = %q, expected %q", tt.in, got, tt.want)
			}
		})
	}
}
