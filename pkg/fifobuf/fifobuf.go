// Package fifobuf implements the bounded FIFO byte buffer used by the proxy
// relay. The live window is kept contiguous so callers can read into Space()
// and write from Data() with a single syscall; the buffer compacts itself to
// keep those windows maximal.
package fifobuf

// A Buffer is a single-producer single-consumer FIFO over a fixed-capacity
// byte region. It is not safe for concurrent use.
type Buffer struct {
	data  []byte
	begin int
	end   int
}

// New returns a buffer with exactly the given capacity. A zero capacity is
// legal; all operations on such a buffer return 0.
func New(capacity int) *Buffer {
	if capacity < 0 {
		capacity = 0
	}
	return &Buffer{data: make([]byte, capacity)}
}

// Cap returns the fixed capacity.
func (b *Buffer) Cap() int {
	return len(b.data)
}

// Amount returns the number of readable bytes.
func (b *Buffer) Amount() int {
	return b.end - b.begin
}

// Free returns the number of bytes which can be appended without compaction.
func (b *Buffer) Free() int {
	return len(b.data) - b.end
}

// Data returns the live window. Bytes written from it must be released with
// PopFront(nil, n).
func (b *Buffer) Data() []byte {
	return b.data[b.begin:b.end]
}

// Space returns the tail region. Bytes read into it must be committed with
// PushBack(nil, n).
func (b *Buffer) Space() []byte {
	return b.data[b.end:]
}

// PushBack appends up to n bytes from src and returns the number appended.
// If the tail is exhausted but the head has been consumed, the live window is
// shifted to the front first. A nil src only advances the end index, for use
// after writing directly into Space().
func (b *Buffer) PushBack(src []byte, n int) int {
	if b.end == len(b.data) && b.begin > 0 {
		b.compact()
	}
	if free := b.Free(); n > free {
		n = free
	}
	if n <= 0 {
		return 0
	}
	if src != nil {
		copy(b.data[b.end:], src[:n])
	}
	b.end += n
	return n
}

// PopFront removes up to n bytes from the head, copying them into dst if it
// is non-nil, and returns the number removed. The live window is shifted to
// the front afterwards so Space() stays maximal for the next read.
func (b *Buffer) PopFront(dst []byte, n int) int {
	if amount := b.Amount(); n > amount {
		n = amount
	}
	if n <= 0 {
		return 0
	}
	if dst != nil {
		copy(dst, b.data[b.begin:b.begin+n])
	}
	b.begin += n
	if b.begin > 0 {
		b.compact()
	}
	return n
}

func (b *Buffer) compact() {
	copy(b.data, b.data[b.begin:b.end])
	b.end -= b.begin
	b.begin = 0
}
