// Package dsl defines the declarative UI document model and its parser and
// validator.
package dsl

// Kind is the closed set of element types a document may contain.
type Kind string

// Supported element kinds.
const (
	KindButton    Kind = "button"
	KindText      Kind = "text"
	KindInput     Kind = "input"
	KindImage     Kind = "image"
	KindContainer Kind = "container"
	KindGrid      Kind = "grid"
	KindFlex      Kind = "flex"
	KindCard      Kind = "card"
	KindModal     Kind = "modal"
	KindNavbar    Kind = "navbar"
	KindSidebar   Kind = "sidebar"
)

// Kinds lists every supported kind in declaration order.
var Kinds = []Kind{
	KindButton, KindText, KindInput, KindImage,
	KindContainer, KindGrid, KindFlex, KindCard, KindModal, KindNavbar, KindSidebar,
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindButton, KindText, KindInput, KindImage,
		KindContainer, KindGrid, KindFlex, KindCard, KindModal, KindNavbar, KindSidebar:
		return true
	default:
		return false
	}
}

// IsContainer reports whether elements of this kind may carry children.
func (k Kind) IsContainer() bool {
	switch k {
	case KindContainer, KindGrid, KindFlex, KindCard, KindModal, KindNavbar, KindSidebar:
		return true
	default:
		return false
	}
}

// FlowsChildren reports whether the kind lays out its children itself
// (flex or grid), exempting them from absolute positioning.
func (k Kind) FlowsChildren() bool {
	return k == KindFlex || k == KindGrid
}

// Default canvas and breakpoint values.
const (
	DefaultWidth   = 800
	DefaultHeight  = 600
	DefaultVersion = "1.0"
	MinCanvas      = 100
	MaxCanvas      = 4000
)

// DefaultBreakpoints maps responsive breakpoint names to min-width pixels.
func DefaultBreakpoints() map[string]int {
	return map[string]int{"sm": 640, "md": 768, "lg": 1024, "xl": 1280}
}

// Document is a parsed DSL document.
type Document struct {
	Title                 string         `json:"title,omitempty" yaml:"title,omitempty"`
	Description           string         `json:"description,omitempty" yaml:"description,omitempty"`
	Width                 int            `json:"width" yaml:"width"`
	Height                int            `json:"height" yaml:"height"`
	Elements              []Element      `json:"elements" yaml:"elements"`
	CSS                   string         `json:"css,omitempty" yaml:"css,omitempty"`
	Theme                 *string        `json:"theme,omitempty" yaml:"theme,omitempty"`
	Metadata              map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	Version               string         `json:"version,omitempty" yaml:"version,omitempty"`
	ResponsiveBreakpoints map[string]int `json:"responsiveBreakpoints,omitempty" yaml:"responsiveBreakpoints,omitempty"`
}

// Breakpoints returns the document breakpoints, falling back to defaults.
func (d *Document) Breakpoints() map[string]int {
	if len(d.ResponsiveBreakpoints) == 0 {
		return DefaultBreakpoints()
	}
	return d.ResponsiveBreakpoints
}

// Element is one node of the document tree. Kind-specific fields are only
// meaningful for their kind; Children is legal only on container kinds.
type Element struct {
	ID               string            `json:"id,omitempty" yaml:"id,omitempty"`
	Type             Kind              `json:"type" yaml:"type"`
	Layout           *Layout           `json:"layout,omitempty" yaml:"layout,omitempty"`
	Style            Style             `json:"style,omitempty" yaml:"style,omitempty"`
	Text             string            `json:"text,omitempty" yaml:"text,omitempty"`
	Label            string            `json:"label,omitempty" yaml:"label,omitempty"`
	Placeholder      string            `json:"placeholder,omitempty" yaml:"placeholder,omitempty"`
	Src              string            `json:"src,omitempty" yaml:"src,omitempty"`
	Alt              string            `json:"alt,omitempty" yaml:"alt,omitempty"`
	Href             string            `json:"href,omitempty" yaml:"href,omitempty"`
	OnClick          string            `json:"onClick,omitempty" yaml:"onClick,omitempty"`
	OnChange         string            `json:"onChange,omitempty" yaml:"onChange,omitempty"`
	OnHover          string            `json:"onHover,omitempty" yaml:"onHover,omitempty"`
	ClassName        string            `json:"className,omitempty" yaml:"className,omitempty"`
	CustomAttributes map[string]string `json:"customAttributes,omitempty" yaml:"customAttributes,omitempty"`
	Responsive       map[string]Style  `json:"responsive,omitempty" yaml:"responsive,omitempty"`
	Children         []Element         `json:"children,omitempty" yaml:"children,omitempty"`
}

// Layout positions an element. Nil fields are left to the browser.
type Layout struct {
	X         *float64 `json:"x,omitempty" yaml:"x,omitempty"`
	Y         *float64 `json:"y,omitempty" yaml:"y,omitempty"`
	Width     *float64 `json:"width,omitempty" yaml:"width,omitempty"`
	Height    *float64 `json:"height,omitempty" yaml:"height,omitempty"`
	MinWidth  *float64 `json:"minWidth,omitempty" yaml:"minWidth,omitempty"`
	MaxWidth  *float64 `json:"maxWidth,omitempty" yaml:"maxWidth,omitempty"`
	MinHeight *float64 `json:"minHeight,omitempty" yaml:"minHeight,omitempty"`
	MaxHeight *float64 `json:"maxHeight,omitempty" yaml:"maxHeight,omitempty"`
}

// Style holds CSS-like properties keyed by camelCase name. Values are strings
// or numbers.
type Style map[string]any

// Count returns the number of elements in the tree rooted at elems.
func Count(elems []Element) int {
	n := 0
	for i := range elems {
		n += 1 + Count(elems[i].Children)
	}
	return n
}

// Float is a helper for building layouts in code and tests.
func Float(v float64) *float64 {
	return &v
}
