package batch

// Buffer accumulates messages in arrival order until they are drained. It is
// owned by a single consumer loop and does no locking.
type Buffer struct {
	maxSize  int
	messages []Message
}

// NewBuffer creates a buffer that reports ready at maxSize messages
func NewBuffer(maxSize int) *Buffer {
	return &Buffer{
		maxSize:  maxSize,
		messages: make([]Message, 0, maxSize),
	}
}

// Add appends msg to the tail. It never blocks or rejects; the consumer is
// expected to drain once IsReady reports true.
func (b *Buffer) Add(msg Message) {
	b.messages = append(b.messages, msg)
}

// IsReady reports whether the buffer holds at least maxSize messages
func (b *Buffer) IsReady() bool {
	return len(b.messages) >= b.maxSize
}

func (b *Buffer) IsEmpty() bool {
	return len(b.messages) == 0
}

func (b *Buffer) Len() int {
	return len(b.messages)
}

// Drain removes and returns every buffered message in arrival order. The
// returned slice is not reused by the buffer.
func (b *Buffer) Drain() []Message {
	drained := b.messages
	b.messages = make([]Message, 0, b.maxSize)
	return drained
}
