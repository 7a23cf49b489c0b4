package align

import (
	"strings"
	"time"
)

// Buffer accumulates recent transcript fragments into a bounded sliding
// window. Fragments are never reordered; arrival order is trusted from the
// ingest source. The window is bounded twice: by fragment count and by the
// character length of the joined snapshot, so stale speech cannot hold back
// matching on fresh speech.
type Buffer struct {
	maxChunks   int
	maxChars    int
	chunks      []string
	lastArrival time.Time
}

func NewBuffer(maxChunks, maxChars int) *Buffer {
	return &Buffer{
		maxChunks: maxChunks,
		maxChars:  maxChars,
	}
}

// Append adds a freshly transcribed fragment and trims the oldest entries
// once the window exceeds its chunk cap.
func (b *Buffer) Append(text string, at time.Time) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	b.chunks = append(b.chunks, text)
	if len(b.chunks) > b.maxChunks {
		b.chunks = b.chunks[len(b.chunks)-b.maxChunks:]
	}
	b.lastArrival = at
}

// Snapshot returns the joined window, tail-truncated to the char cap. The
// tail is kept rather than the head: the newest speech is what the matcher
// needs to see.
func (b *Buffer) Snapshot() string {
	text := strings.Join(b.chunks, " ")
	if len(text) > b.maxChars {
		text = text[len(text)-b.maxChars:]
	}
	return text
}

// Newest returns the most recent fragment, or "" when empty.
func (b *Buffer) Newest() string {
	if len(b.chunks) == 0 {
		return ""
	}
	return b.chunks[len(b.chunks)-1]
}

// Chunks reports how many fragments the window currently holds.
func (b *Buffer) Chunks() int {
	return len(b.chunks)
}

// LastArrival reports when the most recent fragment arrived. Zero until the
// first append. A dropout does not clear the buffer; partial progress
// survives short stalls.
func (b *Buffer) LastArrival() time.Time {
	return b.lastArrival
}

// Flush drops the window contents after a confirmed match so consumed speech
// is not re-matched against upcoming segments.
func (b *Buffer) Flush() {
	b.chunks = b.chunks[:0]
}
