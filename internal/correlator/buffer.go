package correlator

import "strings"

// bufferedMessage is one line of short-range chat context.
type bufferedMessage struct {
	UserName string
	Text     string
}

// ringBuffer keeps the most recent messages of a single channel. It is owned
// by the worker goroutine and needs no locking.
type ringBuffer struct {
	capacity int
	entries  []bufferedMessage
}

func newRingBuffer(capacity int) *ringBuffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &ringBuffer{capacity: capacity}
}

func (b *ringBuffer) Append(userName, text string) {
	b.entries = append(b.entries, bufferedMessage{UserName: userName, Text: text})
	if len(b.entries) > b.capacity {
		b.entries = b.entries[len(b.entries)-b.capacity:]
	}
}

// Context renders the newest n entries as "user: text" lines, oldest first.
func (b *ringBuffer) Context(n int) string {
	if n <= 0 || len(b.entries) == 0 {
		return ""
	}
	start := len(b.entries) - n
	if start < 0 {
		start = 0
	}
	lines := make([]string, 0, len(b.entries)-start)
	for _, e := range b.entries[start:] {
		lines = append(lines, e.UserName+": "+e.Text)
	}
	return strings.Join(lines, "\n")
}

func (b *ringBuffer) Len() int {
	return len(b.entries)
}
