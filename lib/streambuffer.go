package lib

import "sync"

// StreamBuffer is a bounded byte queue. It is safe for one producer and one
// consumer running concurrently.
type StreamBuffer struct {
	mu       sync.Mutex
	data     []byte
	capacity int
}

func NewStreamBuffer(capacity int) *StreamBuffer {
	return &StreamBuffer{capacity: capacity}
}

// Write appends as much of p as fits and returns the count written.
func (b *StreamBuffer) Write(p []byte) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.writeLocked(p)
}

func (b *StreamBuffer) writeLocked(p []byte) int {
	n := min(len(p), b.capacity-len(b.data))
	b.data = append(b.data, p[:n]...)
	return n
}

// Read copies up to len(p) bytes out. With peek the bytes stay buffered.
func (b *StreamBuffer) Read(p []byte, peek bool) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := copy(p, b.data)
	if !peek {
		b.consumeLocked(n)
	}
	return n
}

func (b *StreamBuffer) consumeLocked(n int) {
	rest := copy(b.data, b.data[n:])
	b.data = b.data[:rest]
}

// InsertAt places p at offset bytes from the start of the buffered data,
// zero filling any gap. Bytes already buffered in the target range are kept
// unless overwrite is set. It returns how many bytes of p fell inside the
// buffer capacity.
func (b *StreamBuffer) InsertAt(p []byte, offset int, overwrite bool) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if offset < 0 || offset >= b.capacity {
		return 0
	}
	n := min(len(p), b.capacity-offset)
	end := offset + n
	old := len(b.data)
	if end > old {
		b.data = append(b.data, make([]byte, end-old)...)
	}
	for i := 0; i < n; i++ {
		pos := offset + i
		if pos < old && !overwrite {
			continue
		}
		b.data[pos] = p[i]
	}
	return n
}

// MoveTo transfers as many bytes as dst can take, preserving order, and
// returns the count moved.
func (b *StreamBuffer) MoveTo(dst *StreamBuffer) int {
	return b.moveAtMost(dst, -1)
}

// moveAtMost is MoveTo limited to the first limit bytes. A negative limit
// means no limit.
func (b *StreamBuffer) moveAtMost(dst *StreamBuffer, limit int) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	dst.mu.Lock()
	defer dst.mu.Unlock()

	src := b.data
	if limit >= 0 && limit < len(src) {
		src = src[:limit]
	}
	n := dst.writeLocked(src)
	b.consumeLocked(n)
	return n
}

func (b *StreamBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

func (b *StreamBuffer) Free() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.capacity - len(b.data)
}

func (b *StreamBuffer) Cap() int {
	return b.capacity
}

func (b *StreamBuffer) Reset() {
	b.mu.Lock()
	b.data = nil
	b.mu.Unlock()
}
