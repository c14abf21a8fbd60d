package schema

import (
	"encoding/json"
	"fmt"
)

// OutputType classifies an output event.
type OutputType string

const (
	OutputCode     OutputType = "code"
	OutputText     OutputType = "text"
	OutputHTML     OutputType = "html"
	OutputWidget   OutputType = "widget"
	OutputGrid     OutputType = "grid"
	OutputImage    OutputType = "image"
	OutputComment  OutputType = "comment"
	OutputHelp     OutputType = "help"
	OutputMarkdown OutputType = "markdown"
	OutputWarning  OutputType = "warning"
	OutputError    OutputType = "error"
	OutputPrompt   OutputType = "prompt"
)

// OutputEvent is one unit of output attributed to a cell.
// Data holds a string for most types; code, error, markdown, grid and image carry
// the typed payloads below.
type OutputEvent struct {
	Type OutputType `json:"type"`
	Data any        `json:"data"`
	Cell int        `json:"cell"`
}

// CodeData echoes the code being executed.
type CodeData struct {
	Code     string `json:"code"`
	Language string `json:"language"`
}

// ErrorData describes an execution or syntax error.
type ErrorData struct {
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// MarkdownData carries markdown source with its rendered HTML.
type MarkdownData struct {
	Markdown string `json:"markdown"`
	HTML     string `json:"html"`
}

// GridData is a table of values.
type GridData struct {
	Columns []string   `json:"columns,omitempty"`
	Rows    [][]string `json:"rows"`
}

// ImageData is an inline image.
type ImageData struct {
	MIME string `json:"mime"`
	Data string `json:"data"`
}

// String returns the payload as text when it is a plain string payload.
func (e OutputEvent) String() string {
	switch data := e.Data.(type) {
	case string:
		return data
	case CodeData:
		return data.Code
	case ErrorData:
		return data.Message
	case MarkdownData:
		return data.Markdown
	default:
		return ""
	}
}

// UnmarshalJSON decodes Data into the typed payload for Type.
func (e *OutputEvent) UnmarshalJSON(data []byte) error {
	var raw struct {
		Type OutputType      `json:"type"`
		Data json.RawMessage `json:"data"`
		Cell int             `json:"cell"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	e.Type = raw.Type
	e.Cell = raw.Cell
	e.Data = nil
	if len(raw.Data) == 0 || string(raw.Data) == "null" {
		return nil
	}
	var err error
	switch raw.Type {
	case OutputCode:
		var payload CodeData
		err = json.Unmarshal(raw.Data, &payload)
		e.Data = payload
	case OutputError:
		var payload ErrorData
		err = json.Unmarshal(raw.Data, &payload)
		e.Data = payload
	case OutputMarkdown:
		var payload MarkdownData
		err = json.Unmarshal(raw.Data, &payload)
		e.Data = payload
	case OutputGrid:
		var payload GridData
		err = json.Unmarshal(raw.Data, &payload)
		e.Data = payload
	case OutputImage:
		var payload ImageData
		err = json.Unmarshal(raw.Data, &payload)
		e.Data = payload
	default:
		var payload string
		err = json.Unmarshal(raw.Data, &payload)
		e.Data = payload
	}
	if err != nil {
		return fmt.Errorf("decode %s output: %w", raw.Type, err)
	}
	return nil
}
