package dsl

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Format identifies the textual encoding of a document.
type Format string

// Supported input formats.
const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// ParseError describes malformed input. Line and Column are 1-based and zero
// when unknown.
type ParseError struct {
	Format Format
	Line   int
	Column int
	Msg    string
}

func (e *ParseError) Error() string {
	name := "JSON"
	if e.Format == FormatYAML {
		name = "YAML"
	}
	if e.Line > 0 && e.Column > 0 {
		return fmt.Sprintf("invalid %s syntax at line %d, column %d: %s", name, e.Line, e.Column, e.Msg)
	}
	if e.Line > 0 {
		return fmt.Sprintf("invalid %s syntax at line %d: %s", name, e.Line, e.Msg)
	}
	return fmt.Sprintf("invalid %s: %s", name, e.Msg)
}

// DetectFormat guesses the format from the leading non-space bytes.
func DetectFormat(raw []byte) Format {
	trimmed := bytes.TrimSpace(raw)
	switch {
	case bytes.HasPrefix(trimmed, []byte("{")), bytes.HasPrefix(trimmed, []byte("[")):
		return FormatJSON
	case bytes.HasPrefix(trimmed, []byte("---")), bytes.HasPrefix(trimmed, []byte("- ")):
		return FormatYAML
	default:
		if json.Valid(trimmed) {
			return FormatJSON
		}
		return FormatYAML
	}
}

// Parse decodes raw JSON or YAML into a Document with defaults applied.
// Failures are returned as *ParseError.
func Parse(raw []byte) (*Document, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, &ParseError{Format: FormatJSON, Msg: "empty document"}
	}
	switch DetectFormat(raw) {
	case FormatJSON:
		return parseJSON(raw)
	default:
		return parseYAML(raw)
	}
}

func newDocument() *Document {
	return &Document{
		Width:   DefaultWidth,
		Height:  DefaultHeight,
		Version: DefaultVersion,
	}
}

func parseJSON(raw []byte) (*Document, error) {
	doc := newDocument()
	if err := json.Unmarshal(raw, doc); err != nil {
		return nil, jsonParseError(raw, err)
	}
	return doc, nil
}

func jsonParseError(raw []byte, err error) error {
	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		line, col := lineColumn(raw, syntaxErr.Offset)
		return &ParseError{Format: FormatJSON, Line: line, Column: col, Msg: syntaxErr.Error()}
	}
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		line, col := lineColumn(raw, typeErr.Offset)
		msg := fmt.Sprintf("%s: expected %s, got %s", fieldOrRoot(typeErr.Field), typeErr.Type.Kind(), typeErr.Value)
		if typeErr.Field == "" {
			msg = "document must be a JSON object"
		}
		return &ParseError{Format: FormatJSON, Line: line, Column: col, Msg: msg}
	}
	return &ParseError{Format: FormatJSON, Msg: err.Error()}
}

func fieldOrRoot(field string) string {
	if field == "" {
		return "document"
	}
	return field
}

// lineColumn converts a byte offset into a 1-based line and column.
func lineColumn(raw []byte, offset int64) (int, int) {
	if offset < 0 {
		return 0, 0
	}
	if offset > int64(len(raw)) {
		offset = int64(len(raw))
	}
	line, col := 1, 1
	for _, b := range raw[:offset] {
		if b == '\n' {
			line++
			col = 1
			continue
		}
		col++
	}
	// json reports the offset just past the offending byte.
	if col > 1 {
		col--
	}
	return line, col
}

var yamlLinePattern = regexp.MustCompile(`line (\d+)`)

func parseYAML(raw []byte) (*Document, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(raw, &root); err != nil {
		return nil, yamlParseError(err)
	}
	if root.Kind == 0 || len(root.Content) == 0 {
		return nil, &ParseError{Format: FormatYAML, Msg: "empty YAML document"}
	}
	body := root.Content[0]
	if body.Kind != yaml.MappingNode {
		return nil, &ParseError{Format: FormatYAML, Line: body.Line, Column: body.Column, Msg: "YAML content must be a mapping"}
	}
	doc := newDocument()
	if err := body.Decode(doc); err != nil {
		return nil, yamlParseError(err)
	}
	return doc, nil
}

func yamlParseError(err error) error {
	pe := &ParseError{Format: FormatYAML, Msg: err.Error()}
	var typeErr *yaml.TypeError
	if errors.As(err, &typeErr) && len(typeErr.Errors) > 0 {
		pe.Msg = typeErr.Errors[0]
	}
	if m := yamlLinePattern.FindStringSubmatch(pe.Msg); m != nil {
		if line, convErr := strconv.Atoi(m[1]); convErr == nil {
			pe.Line = line
		}
	}
	return pe
}
