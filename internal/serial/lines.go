package serial

import "strings"

// lineBuffer accumulates device output and yields complete lines with the
// line ending and surrounding space removed. Empty lines are dropped.
type lineBuffer struct {
	partial strings.Builder
}

func (b *lineBuffer) feed(chunk []byte) []string {
	var lines []string
	for _, c := range chunk {
		if c == '\n' || c == '\r' {
			if line := strings.TrimSpace(b.partial.String()); line != "" {
				lines = append(lines, line)
			}
			b.partial.Reset()
			continue
		}
		b.partial.WriteByte(c)
	}
	return lines
}
