package transmit

import "strings"

// Preprocess strips ';' and '(...)' comments, trims each line and drops the
// blank ones.
func Preprocess(gcode string) []string {
	raw := strings.Split(strings.ReplaceAll(gcode, "\r\n", "\n"), "\n")
	out := make([]string, 0, len(raw))
	for _, line := range raw {
		if line = stripComments(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}

func stripComments(line string) string {
	if i := strings.IndexByte(line, ';'); i >= 0 {
		line = line[:i]
	}
	var b strings.Builder
	depth := 0
	for _, r := range line {
		switch {
		case r == '(':
			depth++
		case r == ')' && depth > 0:
			depth--
		case depth == 0:
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}

// IsAck reports whether a device line frees an in-flight slot as a normal
// acknowledgement: any line containing "ok", or a bracketed status report.
func IsAck(line string) bool {
	l := strings.ToLower(strings.TrimSpace(line))
	if strings.Contains(l, "ok") {
		return true
	}
	return strings.HasPrefix(l, "<") && strings.HasSuffix(l, ">")
}

// IsFault reports an error: or alarm: reply. It also frees a slot.
func IsFault(line string) bool {
	l := strings.ToLower(strings.TrimSpace(line))
	return strings.HasPrefix(l, "error:") || strings.HasPrefix(l, "alarm:") || strings.HasPrefix(l, "error ")
}
