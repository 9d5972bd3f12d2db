// Package stream holds the in-memory side of the streaming path: the
// per-message chunk buffer and the event bus. Nothing in this package
// touches the database.
package stream

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// maxChunks is the soft cap per message; past it the buffer
	// collapses to the most recent keepChunks entries.
	maxChunks  = 10000
	keepChunks = 1000
)

// Meta describes the state of one buffered message stream.
type Meta struct {
	ChunkCount  int
	ByteCount   int
	IsStreaming bool
	StartedAt   time.Time
	UpdatedAt   time.Time
}

type messageBuffer struct {
	chunks []string
	// dropped counts chunks discarded by overflow collapse so that
	// external chunk indexes stay stable.
	dropped   int
	byteCount int
	streaming bool
	startedAt time.Time
	updatedAt time.Time
}

// Buffer accumulates assistant-message text chunks in memory while a
// stream is live. It is the sole holder of in-flight content until the
// orchestrator finalizes the message.
type Buffer struct {
	mu       sync.RWMutex
	messages map[uuid.UUID]*messageBuffer
}

func NewBuffer() *Buffer {
	return &Buffer{messages: make(map[uuid.UUID]*messageBuffer)}
}

// Start begins buffering for a message. Restarting an existing message
// resets it.
func (b *Buffer) Start(messageID uuid.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	b.messages[messageID] = &messageBuffer{
		streaming: true,
		startedAt: now,
		updatedAt: now,
	}
}

// Append adds a chunk to a live stream and returns its absolute index,
// stable across overflow collapse. Chunks arriving for unknown or
// completed messages are dropped and return -1.
func (b *Buffer) Append(messageID uuid.UUID, chunk string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	mb, ok := b.messages[messageID]
	if !ok || !mb.streaming {
		return -1
	}
	mb.chunks = append(mb.chunks, chunk)
	mb.byteCount += len(chunk)
	mb.updatedAt = time.Now()
	index := mb.dropped + len(mb.chunks) - 1

	if len(mb.chunks) > maxChunks {
		drop := len(mb.chunks) - keepChunks
		mb.chunks = append([]string(nil), mb.chunks[drop:]...)
		mb.dropped += drop
	}
	return index
}

// Content returns the concatenation of all buffered chunks.
func (b *Buffer) Content(messageID uuid.UUID) string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	mb, ok := b.messages[messageID]
	if !ok {
		return ""
	}
	return strings.Join(mb.chunks, "")
}

// ChunksSince returns chunks with index >= since, plus the next index
// to resume from. Indexes count from stream start and remain stable
// across overflow collapse.
func (b *Buffer) ChunksSince(messageID uuid.UUID, since int) ([]string, int) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	mb, ok := b.messages[messageID]
	if !ok {
		return nil, since
	}
	total := mb.dropped + len(mb.chunks)
	if since >= total {
		return nil, total
	}
	start := since - mb.dropped
	if start < 0 {
		start = 0
	}
	out := append([]string(nil), mb.chunks[start:]...)
	return out, total
}

// Meta returns stream metadata, or ok=false for unknown messages.
func (b *Buffer) Meta(messageID uuid.UUID) (Meta, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	mb, ok := b.messages[messageID]
	if !ok {
		return Meta{}, false
	}
	return Meta{
		ChunkCount:  mb.dropped + len(mb.chunks),
		ByteCount:   mb.byteCount,
		IsStreaming: mb.streaming,
		StartedAt:   mb.startedAt,
		UpdatedAt:   mb.updatedAt,
	}, true
}

// End marks the stream complete and returns the full content.
func (b *Buffer) End(messageID uuid.UUID) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	mb, ok := b.messages[messageID]
	if !ok {
		return ""
	}
	mb.streaming = false
	mb.updatedAt = time.Now()
	return strings.Join(mb.chunks, "")
}

// Cleanup discards the buffer for a message.
func (b *Buffer) Cleanup(messageID uuid.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.messages, messageID)
}

// ActiveStreams returns the ids of messages still streaming.
func (b *Buffer) ActiveStreams() []uuid.UUID {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []uuid.UUID
	for id, mb := range b.messages {
		if mb.streaming {
			out = append(out, id)
		}
	}
	return out
}
