package deployment

import "sync"

const (
	// DefaultLogBufferSize is how many recent output lines a deploy keeps.
	DefaultLogBufferSize = 50

	// FailureTailLines is how many of those lines a failure comment shows.
	FailureTailLines = 20
)

// LogBuffer is a fixed-capacity ring of output lines. Once full, each
// append overwrites the oldest line.
type LogBuffer struct {
	mu    sync.Mutex
	lines []string
	next  int // slot the next append writes to
	count int
}

// NewLogBuffer creates a ring holding at most capacity lines.
func NewLogBuffer(capacity int) *LogBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &LogBuffer{lines: make([]string, capacity)}
}

// Append adds a line, evicting the oldest when the ring is full.
func (b *LogBuffer) Append(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lines[b.next] = line
	b.next = (b.next + 1) % len(b.lines)
	if b.count < len(b.lines) {
		b.count++
	}
}

// Tail returns the most recent n lines, oldest first. n < 0 means all.
func (b *LogBuffer) Tail(n int) []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	if n < 0 || n > b.count {
		n = b.count
	}

	out := make([]string, n)
	first := b.next - n
	if first < 0 {
		first += len(b.lines)
	}
	for i := 0; i < n; i++ {
		out[i] = b.lines[(first+i)%len(b.lines)]
	}
	return out
}
