package markdown

import (
	"strings"

	commonmark "gitlab.com/golang-commonmark/markdown"
)

var renderer = commonmark.New(
	commonmark.HTML(false),
	commonmark.Tables(true),
	commonmark.Linkify(true),
	commonmark.XHTMLOutput(false),
)

// RenderHTML renders CommonMark source to HTML. Raw HTML in the source is escaped.
func RenderHTML(src string) string {
	if strings.TrimSpace(src) == "" {
		return ""
	}
	return renderer.RenderToString([]byte(src))
}

// Span represents a styled slice of text.
type Span struct {
	Text   string
	Bold   bool
	Italic bool
	Code   bool
}

// ParseInline parses a subset of inline markdown for terminal output.
// Supported markers: **bold**, __bold__, *italic*, _italic_ and `code`.
func ParseInline(input string) []Span {
	if input == "" {
		return nil
	}
	p := inlineParser{input: input}
	for p.pos < len(p.input) {
		p.step()
	}
	p.flush()
	return p.spans
}

type inlineParser struct {
	input string
	pos   int
	buf   strings.Builder
	spans []Span
	bold  bool
	ital  bool
	code  bool
}

func (p *inlineParser) flush() {
	if p.buf.Len() == 0 {
		return
	}
	p.spans = append(p.spans, Span{Text: p.buf.String(), Bold: p.bold, Italic: p.ital, Code: p.code})
	p.buf.Reset()
}

// toggle flips a style when marker opens (and is closed later) or closes it.
func (p *inlineParser) toggle(marker string, state *bool) bool {
	if !strings.HasPrefix(p.input[p.pos:], marker) {
		return false
	}
	if !*state && !strings.Contains(p.input[p.pos+len(marker):], marker) {
		return false
	}
	p.flush()
	*state = !*state
	p.pos += len(marker)
	return true
}

func (p *inlineParser) step() {
	ch := p.input[p.pos]
	if ch == '\\' && p.pos+1 < len(p.input) {
		p.buf.WriteByte(p.input[p.pos+1])
		p.pos += 2
		return
	}
	if ch == '`' && p.toggle("`", &p.code) {
		return
	}
	if !p.code && (ch == '*' || ch == '_') {
		double := string([]byte{ch, ch})
		if p.toggle(double, &p.bold) {
			return
		}
		if strings.HasPrefix(p.input[p.pos:], double) {
			p.buf.WriteString(double)
			p.pos += 2
			return
		}
		if ch == '_' && !p.ital && p.pos > 0 && isWordByte(p.input[p.pos-1]) {
			p.buf.WriteByte(ch)
			p.pos++
			return
		}
		if p.toggle(string(ch), &p.ital) {
			return
		}
	}
	p.buf.WriteByte(ch)
	p.pos++
}

func isWordByte(b byte) bool {
	return b == '_' || b >= '0' && b <= '9' || b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z'
}
