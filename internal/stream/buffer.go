// Package stream buffers terminal output per session and delivers it to
// a polling consumer with batching and adaptive poll intervals.
package stream

import "sync"

// Buffer bounds.
const (
	MaxBufferChunks = 500
	MaxBufferBytes  = 5 * 1024 * 1024
)

// Chunk is one piece of terminal output with its absolute sequence
// number. Sequence numbers survive eviction, so a consumer cursor is
// never rewound.
type Chunk struct {
	Seq  uint64
	Data []byte
}

// Buffer is the bounded per-session output queue. One producer (the
// channel output callback) appends; one consumer (the streamer poll)
// reads. Oldest chunks are evicted first when either bound is exceeded.
type Buffer struct {
	mu      sync.Mutex
	chunks  []Chunk
	bytes   int
	nextSeq uint64
}

// NewBuffer creates an empty buffer.
func NewBuffer() *Buffer {
	return &Buffer{}
}

// Append adds one output chunk, evicting from the front until both the
// count and byte bounds hold.
func (b *Buffer) Append(data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.chunks = append(b.chunks, Chunk{Seq: b.nextSeq, Data: data})
	b.nextSeq++
	b.bytes += len(data)

	for len(b.chunks) > MaxBufferChunks || b.bytes > MaxBufferBytes {
		b.bytes -= len(b.chunks[0].Data)
		b.chunks = b.chunks[1:]
	}
}

// ReadSince returns all buffered chunks with sequence >= cursor, in
// order. Chunks evicted before the cursor caught up are simply gone.
func (b *Buffer) ReadSince(cursor uint64) []Chunk {
	b.mu.Lock()
	defer b.mu.Unlock()

	start := len(b.chunks)
	for i, c := range b.chunks {
		if c.Seq >= cursor {
			start = i
			break
		}
	}
	if start == len(b.chunks) {
		return nil
	}
	out := make([]Chunk, len(b.chunks)-start)
	copy(out, b.chunks[start:])
	return out
}

// Len returns the number of buffered chunks.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.chunks)
}

// Bytes returns the total buffered byte size.
func (b *Buffer) Bytes() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bytes
}
