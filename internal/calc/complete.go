package calc

import (
	"sort"
	"strings"
)

var keywords = []string{
	"print", "html", "widget", "sleep",
	"true", "false", "null",
	"len", "div", "mod", "quo", "rem", "and", "or",
}

// Complete returns variable names and keywords starting with prefix. Only the
// trailing identifier of prefix is completed.
func (e *Evaluator) Complete(prefix string) []string {
	word := trailingIdent(prefix)
	seen := make(map[string]struct{})
	var out []string
	add := func(candidate string) {
		if !strings.HasPrefix(candidate, word) {
			return
		}
		if _, ok := seen[candidate]; ok {
			return
		}
		seen[candidate] = struct{}{}
		out = append(out, candidate)
	}
	for _, name := range e.Names() {
		add(name)
	}
	for _, keyword := range keywords {
		add(keyword)
	}
	sort.Strings(out)
	return out
}

func trailingIdent(s string) string {
	i := len(s)
	for i > 0 {
		c := s[i-1]
		if c == '_' || c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' {
			i--
			continue
		}
		break
	}
	return s[i:]
}
