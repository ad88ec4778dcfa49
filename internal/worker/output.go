package worker

import (
	"fmt"
	"strings"
)

// limitedBuffer сохраняет первые max байт и считает отброшенные.
type limitedBuffer struct {
	max       int
	buf       strings.Builder
	truncated int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	room := b.max - b.buf.Len()
	if room <= 0 {
		b.truncated += len(p)
		return len(p), nil
	}
	if len(p) > room {
		b.buf.Write(p[:room])
		b.truncated += len(p) - room
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	if b.truncated == 0 {
		return b.buf.String()
	}
	return b.buf.String() + fmt.Sprintf("\n... [truncated %d bytes]", b.truncated)
}

// truncate обрезает строку до указанной длины.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
