package stream

import (
	"fmt"
	"testing"

	"github.com/google/uuid"
)

func TestBuffer_AppendAndContent(t *testing.T) {
	b := NewBuffer()
	id := uuid.New()

	if idx := b.Append(id, "dropped before start"); idx != -1 {
		t.Errorf("append before start returned %d, want -1", idx)
	}
	if got := b.Content(id); got != "" {
		t.Errorf("content before start = %q, want empty", got)
	}

	b.Start(id)
	if idx := b.Append(id, "hello "); idx != 0 {
		t.Errorf("first index = %d, want 0", idx)
	}
	if idx := b.Append(id, "world"); idx != 1 {
		t.Errorf("second index = %d, want 1", idx)
	}
	if got := b.Content(id); got != "hello world" {
		t.Errorf("content = %q", got)
	}

	if got := b.End(id); got != "hello world" {
		t.Errorf("End = %q", got)
	}
	b.Append(id, "after end")
	if got := b.Content(id); got != "hello world" {
		t.Errorf("content after end = %q, appends should be dropped", got)
	}
}

func TestBuffer_ChunksSince(t *testing.T) {
	b := NewBuffer()
	id := uuid.New()
	b.Start(id)
	for i := 0; i < 5; i++ {
		b.Append(id, fmt.Sprintf("c%d", i))
	}

	chunks, next := b.ChunksSince(id, 0)
	if len(chunks) != 5 || next != 5 {
		t.Fatalf("ChunksSince(0) = %d chunks, next %d", len(chunks), next)
	}
	chunks, next = b.ChunksSince(id, 3)
	if len(chunks) != 2 || chunks[0] != "c3" || next != 5 {
		t.Errorf("ChunksSince(3) = %v, next %d", chunks, next)
	}
	chunks, next = b.ChunksSince(id, 5)
	if len(chunks) != 0 || next != 5 {
		t.Errorf("ChunksSince(5) = %v, next %d", chunks, next)
	}
}

func TestBuffer_OverflowKeepsIndexesStable(t *testing.T) {
	b := NewBuffer()
	id := uuid.New()
	b.Start(id)

	total := maxChunks + 1
	for i := 0; i < total; i++ {
		if idx := b.Append(id, fmt.Sprintf("c%d", i)); idx != i {
			t.Fatalf("append index = %d, want %d (stable across collapse)", idx, i)
		}
	}

	meta, ok := b.Meta(id)
	if !ok {
		t.Fatal("meta missing")
	}
	if meta.ChunkCount != total {
		t.Errorf("ChunkCount = %d, want %d (indexes stay stable)", meta.ChunkCount, total)
	}

	// Only the newest keepChunks survive, but resuming from the logical
	// total still works.
	chunks, next := b.ChunksSince(id, total-1)
	if len(chunks) != 1 || chunks[0] != fmt.Sprintf("c%d", total-1) {
		t.Errorf("last chunk = %v", chunks)
	}
	if next != total {
		t.Errorf("next = %d, want %d", next, total)
	}

	// Resuming from before the collapse returns what is still held.
	chunks, _ = b.ChunksSince(id, 0)
	if len(chunks) != keepChunks {
		t.Errorf("surviving chunks = %d, want %d", len(chunks), keepChunks)
	}
}

func TestBuffer_ActiveStreamsAndCleanup(t *testing.T) {
	b := NewBuffer()
	a, c := uuid.New(), uuid.New()
	b.Start(a)
	b.Start(c)
	b.End(c)

	active := b.ActiveStreams()
	if len(active) != 1 || active[0] != a {
		t.Errorf("active = %v, want only %s", active, a)
	}

	b.Cleanup(a)
	if _, ok := b.Meta(a); ok {
		t.Error("meta survives cleanup")
	}
}
