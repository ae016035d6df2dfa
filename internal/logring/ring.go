package logring

import (
	"bytes"
	"sync"
)

// DefaultCapacity is the number of lines retained per stream when the
// registry does not specify one.
const DefaultCapacity = 500

// Buffer is a bounded, line-oriented ring buffer. It implements io.Writer so
// it can be attached directly to an *exec.Cmd stdout/stderr (possibly behind
// an io.MultiWriter together with a rotating file writer).
type Buffer struct {
	mu      sync.Mutex
	lines   []string
	head    int
	count   int
	partial bytes.Buffer
	dropped uint64
}

func New(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{lines: make([]string, capacity)}
}

// Write splits p on newlines and appends complete lines to the ring.
// A trailing fragment without a newline is buffered until completed.
func (b *Buffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	start := 0
	for i, c := range p {
		if c != '\n' {
			continue
		}
		b.partial.Write(p[start:i])
		b.push(b.partial.String())
		b.partial.Reset()
		start = i + 1
	}
	if start < len(p) {
		b.partial.Write(p[start:])
	}
	return len(p), nil
}

func (b *Buffer) push(line string) {
	idx := (b.head + b.count) % len(b.lines)
	if b.count == len(b.lines) {
		b.head = (b.head + 1) % len(b.lines)
		b.dropped++
	} else {
		b.count++
	}
	b.lines[idx] = line
}

// Tail returns up to n most recent complete lines, oldest first.
// n <= 0 returns everything retained.
func (b *Buffer) Tail(n int) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n <= 0 || n > b.count {
		n = b.count
	}
	out := make([]string, 0, n)
	for i := b.count - n; i < b.count; i++ {
		out = append(out, b.lines[(b.head+i)%len(b.lines)])
	}
	return out
}

// Len reports the number of retained lines.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Dropped reports how many lines were evicted since creation.
func (b *Buffer) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Reset discards all retained lines and any partial fragment.
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.head = 0
	b.count = 0
	b.partial.Reset()
}
