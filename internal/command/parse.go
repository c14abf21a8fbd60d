package command

import (
	"strings"
)

// Command represents a parsed slash command.
type Command struct {
	Name      string
	Args      []string
	Raw       string
	Remainder string
}

// Parse parses a line and returns a Command if it starts with "/". Lines that
// open a "//" or "/*" comment are code, not commands.
func Parse(input string) (Command, bool) {
	trimmed := strings.TrimLeft(input, " \t")
	if !strings.HasPrefix(trimmed, "/") || strings.HasPrefix(trimmed, "//") || strings.HasPrefix(trimmed, "/*") {
		return Command{}, false
	}
	raw := strings.TrimSpace(trimmed[1:])
	fields := strings.Fields(raw)
	if len(fields) == 0 {
		return Command{Raw: raw}, true
	}
	return Command{
		Name:      strings.ToLower(fields[0]),
		Args:      fields[1:],
		Raw:       raw,
		Remainder: remainderAfterTokens(raw, 1),
	}, true
}

// remainderAfterTokens keeps newlines in the remainder so multi-line code
// survives /redo.
func remainderAfterTokens(raw string, count int) string {
	i := 0
	for remaining := count; remaining > 0 && i < len(raw); remaining-- {
		for i < len(raw) && isSpace(raw[i]) {
			i++
		}
		for i < len(raw) && !isSpace(raw[i]) {
			i++
		}
	}
	if i >= len(raw) {
		return ""
	}
	return strings.TrimSpace(raw[i:])
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}
