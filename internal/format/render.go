package format

import (
	"encoding/json"
	"fmt"
	"strings"

	"pkt.systems/senseng/internal/markdown"
	"pkt.systems/senseng/schema"
)

const (
	ansiReset  = "\x1b[0m"
	ansiBold   = "\x1b[1m"
	ansiItalic = "\x1b[3m"
	ansiDim    = "\x1b[2m"
	ansiRed    = "\x1b[31m"
	ansiYellow = "\x1b[33m"
	ansiCyan   = "\x1b[36m"
)

// Renderer formats engine events as terminal lines.
type Renderer struct {
	// Color enables ANSI styling.
	Color bool
	// Cells prefixes code echoes with their cell number.
	Cells bool
}

// NewPlainRenderer returns a renderer without styling.
func NewPlainRenderer() *Renderer {
	return &Renderer{Cells: true}
}

// NewANSIRenderer returns a renderer for color terminals.
func NewANSIRenderer() *Renderer {
	return &Renderer{Color: true, Cells: true}
}

// FormatEvent converts an engine event into user-facing lines. Lifecycle
// events other than erase and exit produce nothing.
func (r *Renderer) FormatEvent(event schema.EngineEvent) []string {
	switch event.Type {
	case schema.EventOutput:
		if event.Output == nil {
			return nil
		}
		return r.FormatOutput(*event.Output)
	case schema.EventErase:
		return []string{r.style(ansiDim, fmt.Sprintf("(cell %d erased)", event.Cell))}
	case schema.EventExit:
		return []string{r.style(ansiDim, fmt.Sprintf("(exit %d)", event.Code))}
	default:
		return nil
	}
}

// FormatOutput converts one output into lines.
func (r *Renderer) FormatOutput(out schema.OutputEvent) []string {
	switch data := out.Data.(type) {
	case schema.CodeData:
		return r.formatCode(out.Cell, data)
	case schema.ErrorData:
		lines := r.paint(ansiRed, splitLines(data.Message))
		if data.Details != "" {
			lines = append(lines, r.paint(ansiDim, splitLines(data.Details))...)
		}
		return lines
	case schema.MarkdownData:
		return r.formatMarkdown(data.Markdown)
	case schema.GridData:
		return formatGrid(data)
	case schema.ImageData:
		return []string{r.style(ansiDim, fmt.Sprintf("[image %s, %d bytes base64]", data.MIME, len(data.Data)))}
	}
	text := out.String()
	switch out.Type {
	case schema.OutputText, schema.OutputPrompt:
		return splitLines(strings.TrimSuffix(text, "\n"))
	case schema.OutputComment:
		return r.paint(ansiDim, prefixLines("// ", splitLines(text)))
	case schema.OutputWarning:
		return r.paint(ansiYellow, prefixLines("warning: ", splitLines(text)))
	case schema.OutputHelp:
		return r.paint(ansiCyan, splitLines(text))
	case schema.OutputHTML:
		return prefixLines("[html] ", splitLines(text))
	case schema.OutputWidget:
		return prefixLines("[widget] ", splitLines(text))
	default:
		return splitLines(text)
	}
}

func (r *Renderer) formatCode(cell int, data schema.CodeData) []string {
	lines := splitLines(data.Code)
	if len(lines) == 0 {
		lines = []string{""}
	}
	prompt := "> "
	if r.Cells {
		prompt = fmt.Sprintf("[%d]> ", cell)
	}
	cont := strings.Repeat(" ", len(prompt)-2) + ". "
	out := make([]string, len(lines))
	for i, line := range lines {
		lead := cont
		if i == 0 {
			lead = prompt
		}
		out[i] = r.style(ansiBold, lead) + line
	}
	return out
}

func (r *Renderer) formatMarkdown(src string) []string {
	var out []string
	for _, line := range splitLines(strings.TrimSpace(src)) {
		trimmed := strings.TrimLeft(line, " ")
		if heading := strings.TrimLeft(trimmed, "#"); heading != trimmed && strings.HasPrefix(heading, " ") {
			out = append(out, r.style(ansiBold, strings.TrimSpace(heading)))
			continue
		}
		out = append(out, r.inline(line))
	}
	return out
}

func (r *Renderer) inline(line string) string {
	var b strings.Builder
	for _, span := range markdown.ParseInline(line) {
		if !r.Color {
			b.WriteString(span.Text)
			continue
		}
		var codes string
		if span.Bold {
			codes += ansiBold
		}
		if span.Italic {
			codes += ansiItalic
		}
		if span.Code {
			codes += ansiCyan
		}
		if codes == "" {
			b.WriteString(span.Text)
			continue
		}
		b.WriteString(codes + span.Text + ansiReset)
	}
	return b.String()
}

func formatGrid(grid schema.GridData) []string {
	rows := grid.Rows
	if len(grid.Columns) > 0 {
		rows = append([][]string{grid.Columns}, rows...)
	}
	var widths []int
	for _, row := range rows {
		for i, cell := range row {
			if i >= len(widths) {
				widths = append(widths, 0)
			}
			if n := len([]rune(cell)); n > widths[i] {
				widths[i] = n
			}
		}
	}
	out := make([]string, 0, len(rows)+1)
	for idx, row := range rows {
		cells := make([]string, len(row))
		for i, cell := range row {
			cells[i] = cell + strings.Repeat(" ", widths[i]-len([]rune(cell)))
		}
		out = append(out, strings.TrimRight(strings.Join(cells, "  "), " "))
		if idx == 0 && len(grid.Columns) > 0 {
			rules := make([]string, len(widths))
			for i, w := range widths {
				rules[i] = strings.Repeat("-", w)
			}
			out = append(out, strings.Join(rules, "  "))
		}
	}
	return out
}

// JSONLine encodes an event as one line of JSON for raw output.
func JSONLine(event schema.EngineEvent) ([]byte, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

func (r *Renderer) style(code, text string) string {
	if !r.Color || text == "" {
		return text
	}
	return code + text + ansiReset
}

func (r *Renderer) paint(code string, lines []string) []string {
	for i, line := range lines {
		lines[i] = r.style(code, line)
	}
	return lines
}

func splitLines(text string) []string {
	if text == "" {
		return nil
	}
	return strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
}

func prefixLines(prefix string, lines []string) []string {
	if len(lines) == 0 {
		return lines
	}
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		out = append(out, prefix+line)
	}
	return out
}
