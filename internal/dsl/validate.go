package dsl

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Validator limits.
const (
	DefaultMaxDepth    = 8
	DefaultMaxElements = 500
	largeCanvasWidth   = 1920
	largeCanvasHeight  = 1080
)

// ErrInvalidDocument is matched by every *ValidationError.
var ErrInvalidDocument = errors.New("invalid DSL document")

// ValidationError carries the violations found in a structurally invalid
// document.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	if len(e.Errors) == 0 {
		return ErrInvalidDocument.Error()
	}
	return fmt.Sprintf("%s: %s", ErrInvalidDocument, strings.Join(e.Errors, "; "))
}

// Is lets callers match with errors.Is(err, ErrInvalidDocument).
func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidDocument
}

// Result is the outcome of validating one document.
type Result struct {
	Valid       bool      `json:"valid"`
	Errors      []string  `json:"errors"`
	Warnings    []string  `json:"warnings"`
	Suggestions []string  `json:"suggestions,omitempty"`
	Document    *Document `json:"-"`
	// ParseErr is set when the input could not be decoded at all.
	ParseErr *ParseError `json:"-"`
}

// Err converts an invalid result into an error value.
func (r Result) Err() error {
	if r.Valid {
		return nil
	}
	if r.ParseErr != nil {
		return r.ParseErr
	}
	return &ValidationError{Errors: append([]string(nil), r.Errors...)}
}

// Config bounds validation cost.
type Config struct {
	MaxDepth    int
	MaxElements int
}

// Validator checks documents against the element schema. It is stateless
// and safe for concurrent use.
type Validator struct {
	maxDepth    int
	maxElements int
}

// NewValidator applies defaults to cfg.
func NewValidator(cfg Config) *Validator {
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = DefaultMaxDepth
	}
	if cfg.MaxElements <= 0 {
		cfg.MaxElements = DefaultMaxElements
	}
	return &Validator{maxDepth: cfg.MaxDepth, maxElements: cfg.MaxElements}
}

// Validate parses raw JSON or YAML and validates the resulting document.
func (v *Validator) Validate(raw []byte, strict bool) Result {
	doc, err := Parse(raw)
	if err != nil {
		var pe *ParseError
		if !errors.As(err, &pe) {
			pe = &ParseError{Msg: err.Error()}
		}
		return Result{
			Valid:    false,
			Errors:   []string{pe.Error()},
			Warnings: []string{},
			ParseErr: pe,
		}
	}
	return v.ValidateDocument(doc, strict)
}

// ValidateDocument validates an already decoded document.
func (v *Validator) ValidateDocument(doc *Document, strict bool) Result {
	if doc == nil {
		return Result{Errors: []string{"document is required"}, Warnings: []string{}}
	}
	w := &walker{
		maxDepth: v.maxDepth,
		canvasW:  float64(doc.Width),
		canvasH:  float64(doc.Height),
	}
	w.checkCanvas(doc)
	w.walk(doc.Elements, "elements", 1, 0, 0, false)

	if total := Count(doc.Elements); total > v.maxElements {
		w.warn(fmt.Sprintf("document has %d elements, exceeding the recommended maximum of %d", total, v.maxElements))
	}

	errs := w.errors
	warnings := w.warnings
	if strict && len(warnings) > 0 {
		errs = append(errs, warnings...)
		warnings = nil
	}
	if errs == nil {
		errs = []string{}
	}
	if warnings == nil {
		warnings = []string{}
	}
	return Result{
		Valid:       len(errs) == 0,
		Errors:      errs,
		Warnings:    warnings,
		Suggestions: w.suggestionList(),
		Document:    doc,
	}
}

type walker struct {
	maxDepth    int
	canvasW     float64
	canvasH     float64
	errors      []string
	warnings    []string
	suggestions map[string]struct{}
}

func (w *walker) fail(msg string) {
	w.errors = append(w.errors, msg)
}

func (w *walker) warn(msg string) {
	w.warnings = append(w.warnings, msg)
}

func (w *walker) suggest(msg string) {
	if w.suggestions == nil {
		w.suggestions = make(map[string]struct{})
	}
	w.suggestions[msg] = struct{}{}
}

func (w *walker) suggestionList() []string {
	if len(w.suggestions) == 0 {
		return nil
	}
	out := make([]string, 0, len(w.suggestions))
	for s := range w.suggestions {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func (w *walker) checkCanvas(doc *Document) {
	for _, dim := range []struct {
		name  string
		value int
	}{{"width", doc.Width}, {"height", doc.Height}} {
		if dim.value < MinCanvas || dim.value > MaxCanvas {
			w.fail(fmt.Sprintf("%s: must be between %d and %d, got %d", dim.name, MinCanvas, MaxCanvas, dim.value))
			w.suggest(fmt.Sprintf("use a canvas between %dx%d and %dx%d pixels", MinCanvas, MinCanvas, MaxCanvas, MaxCanvas))
		}
	}
	if doc.Width > largeCanvasWidth || doc.Height > largeCanvasHeight {
		w.warn(fmt.Sprintf("large canvas size (%dx%d) may impact performance", doc.Width, doc.Height))
	}
	names := make([]string, 0, len(doc.ResponsiveBreakpoints))
	for name := range doc.ResponsiveBreakpoints {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if doc.ResponsiveBreakpoints[name] <= 0 {
			w.fail(fmt.Sprintf("responsiveBreakpoints.%s: must be positive", name))
		}
	}
}

// walk validates elems. originX/originY is the absolute origin of the parent
// box; governed is true below a flex or grid ancestor.
func (w *walker) walk(elems []Element, path string, depth int, originX, originY float64, governed bool) {
	if len(elems) == 0 {
		return
	}
	if depth > w.maxDepth {
		w.fail(fmt.Sprintf("%s: nesting depth exceeds maximum of %d", path, w.maxDepth))
		w.suggest("flatten deeply nested containers")
		return
	}
	for i := range elems {
		el := &elems[i]
		elPath := fmt.Sprintf("%s[%d]", path, i)
		w.checkElement(el, elPath, depth, originX, originY, governed)
	}
}

func (w *walker) checkElement(el *Element, path string, depth int, originX, originY float64, governed bool) {
	if !el.Type.Valid() {
		if el.Type == "" {
			w.fail(fmt.Sprintf("%s.type: is required", path))
		} else {
			w.fail(fmt.Sprintf("%s.type: unknown element type %q", path, el.Type))
		}
		w.suggest("supported element types: " + kindList())
		return
	}
	w.checkLayout(el.Layout, path)
	w.checkStyle(el.Style, path+".style")
	for _, bp := range sortedKeys(el.Responsive) {
		w.checkStyle(el.Responsive[bp], fmt.Sprintf("%s.responsive.%s", path, bp))
	}

	x, y := originX, originY
	if el.Layout != nil {
		x += deref(el.Layout.X)
		y += deref(el.Layout.Y)
	}
	if !governed {
		w.checkBounds(el, path, x, y)
	}

	switch el.Type {
	case KindImage:
		if el.Src == "" {
			w.warn(fmt.Sprintf("%s: image element should have a src", path))
		}
	case KindButton:
		if el.Label == "" && el.Text == "" {
			w.warn(fmt.Sprintf("%s: button element should have a label", path))
		}
	}

	if len(el.Children) == 0 {
		return
	}
	if !el.Type.IsContainer() {
		w.fail(fmt.Sprintf("%s: element type %q cannot have children", path, el.Type))
		w.suggest("move children of leaf elements into a container, card, or flex element")
		return
	}
	w.walk(el.Children, path+".children", depth+1, x, y, governed || el.Type.FlowsChildren())
}

func (w *walker) checkLayout(l *Layout, path string) {
	if l == nil {
		return
	}
	nonNegative := []struct {
		name string
		v    *float64
	}{
		{"x", l.X}, {"y", l.Y},
		{"minWidth", l.MinWidth}, {"maxWidth", l.MaxWidth},
		{"minHeight", l.MinHeight}, {"maxHeight", l.MaxHeight},
	}
	for _, f := range nonNegative {
		if f.v != nil && *f.v < 0 {
			w.fail(fmt.Sprintf("%s.layout.%s: must be non-negative, got %s", path, f.name, formatNumber(*f.v)))
		}
	}
	for _, f := range []struct {
		name string
		v    *float64
	}{{"width", l.Width}, {"height", l.Height}} {
		if f.v == nil {
			continue
		}
		if *f.v <= 0 || *f.v > MaxCanvas {
			w.fail(fmt.Sprintf("%s.layout.%s: must be greater than 0 and at most %d, got %s", path, f.name, MaxCanvas, formatNumber(*f.v)))
		}
	}
	if l.MinWidth != nil && l.MaxWidth != nil && *l.MinWidth > *l.MaxWidth {
		w.fail(fmt.Sprintf("%s.layout: minWidth exceeds maxWidth", path))
	}
	if l.MinHeight != nil && l.MaxHeight != nil && *l.MinHeight > *l.MaxHeight {
		w.fail(fmt.Sprintf("%s.layout: minHeight exceeds maxHeight", path))
	}
}

func (w *walker) checkStyle(s Style, path string) {
	raw, ok := s["opacity"]
	if !ok {
		return
	}
	v, ok := toFloat(raw)
	if !ok {
		w.fail(fmt.Sprintf("%s.opacity: must be a number", path))
		return
	}
	if v < 0 || v > 1 {
		w.fail(fmt.Sprintf("%s.opacity: must be between 0 and 1, got %s", path, formatNumber(v)))
	}
}

func (w *walker) checkBounds(el *Element, path string, x, y float64) {
	if el.Layout == nil {
		return
	}
	width := deref(el.Layout.Width)
	height := deref(el.Layout.Height)
	if x >= w.canvasW || y >= w.canvasH || x+width > w.canvasW || y+height > w.canvasH {
		w.warn(fmt.Sprintf(
			"%s: element at (%s,%s) size %sx%s extends outside the %sx%s canvas",
			path,
			formatNumber(x), formatNumber(y),
			formatNumber(width), formatNumber(height),
			formatNumber(w.canvasW), formatNumber(w.canvasH),
		))
	}
}

func deref(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func kindList() string {
	names := make([]string, len(Kinds))
	for i, k := range Kinds {
		names[i] = string(k)
	}
	return strings.Join(names, ", ")
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
