package utils

import (
	"bytes"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProgress_ConcurrentAdd(t *testing.T) {
	var mu sync.Mutex
	var seen []int64
	p := NewProgress(100, func(done, total int64) {
		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, int64(100), total)
		seen = append(seen, done)
	})

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Add(10)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(100), p.Done())
	assert.Equal(t, int64(100), p.Total())
	assert.Len(t, seen, 10)
	assert.Contains(t, seen, int64(100))
}

func TestProgressWriter(t *testing.T) {
	var buf bytes.Buffer
	var updates []int64
	pw := NewProgressWriter(&buf, func(written int64, elapsed time.Duration) {
		updates = append(updates, written)
	})
	pw.updateEvery = 10

	_, err := io.Copy(pw, strings.NewReader(strings.Repeat("x", 25)))
	require.NoError(t, err)

	assert.Equal(t, int64(25), pw.BytesWritten())
	assert.Equal(t, 25, buf.Len())

	n, err := pw.Write([]byte("0123456789"))
	require.NoError(t, err)
	assert.Equal(t, 10, n)
	assert.Equal(t, int64(35), pw.BytesWritten())
	assert.Equal(t, []int64{25, 35}, updates, "at most one update per write")
}

func TestFormatRate(t *testing.T) {
	assert.Equal(t, "1.0 MiB/s", FormatRate(1024*1024))
	assert.Equal(t, "0 B/s", FormatRate(0))
}
