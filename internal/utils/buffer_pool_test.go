package utils

import (
	"bytes"
	"strings"
	"testing"
)

func TestBufferPool(t *testing.T) {
	pool := NewBufferPool(16)

	buf := pool.Get()
	if len(buf.B) != 16 {
		t.Fatalf("buffer length = %d, want 16", len(buf.B))
	}
	buf.B = buf.B[:4]
	pool.Put(buf)

	again := pool.Get()
	if len(again.B) != 16 {
		t.Errorf("reused buffer length = %d, want 16", len(again.B))
	}
	pool.Put(again)
}

func TestBufferPool_Copy(t *testing.T) {
	src := strings.Repeat("snapshot", 1000)
	var dst bytes.Buffer

	n, err := NewBufferPool(64).Copy(&dst, strings.NewReader(src))
	if err != nil {
		t.Fatalf("Copy() error = %v", err)
	}
	if n != int64(len(src)) || dst.String() != src {
		t.Errorf("Copy() copied %d bytes, want %d", n, len(src))
	}
}
