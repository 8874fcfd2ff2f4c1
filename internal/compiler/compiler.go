package compiler

import (
	"errors"
	"fmt"
	"html"
	"sort"
	"strconv"
	"strings"

	"github.com/JakeFAU/dsl-png-renderer/internal/dsl"
)

// ErrNilDocument is returned when Compile is called without a document.
var ErrNilDocument = errors.New("compiler: document is required")

// flowGap is the spacing between children of flex and grid containers.
const flowGap = "8px"

// Options adjust page-level presentation.
type Options struct {
	// Transparent clears the page background so the capture keeps alpha.
	Transparent bool
	// Background is a CSS colour for the body. Ignored when Transparent.
	Background string
}

// Compile renders doc with default page options.
func Compile(doc *dsl.Document) (string, error) {
	return CompileWithOptions(doc, Options{})
}

// CompileWithOptions renders doc into an HTML page.
func CompileWithOptions(doc *dsl.Document, opts Options) (string, error) {
	if doc == nil {
		return "", ErrNilDocument
	}
	c := &compilation{doc: doc, breakpoints: sortedBreakpoints(doc.Breakpoints())}

	var body strings.Builder
	for i := range doc.Elements {
		if err := c.element(&body, &doc.Elements[i], strconv.Itoa(i), false, 1); err != nil {
			return "", err
		}
	}

	var out strings.Builder
	out.Grow(body.Len() + 2048)
	out.WriteString("<!DOCTYPE html>\n<html lang=\"en\">\n<head>\n<meta charset=\"utf-8\">\n")
	fmt.Fprintf(&out, "<meta name=\"viewport\" content=\"width=%d, initial-scale=1\">\n", doc.Width)
	fmt.Fprintf(&out, "<title>%s</title>\n", html.EscapeString(titleOf(doc)))
	out.WriteString("<style>\n")
	out.WriteString(baseStylesheet(doc, opts))
	out.WriteString(c.mediaRules())
	if doc.CSS != "" {
		out.WriteString(doc.CSS)
		out.WriteString("\n")
	}
	out.WriteString("</style>\n</head>\n")
	out.WriteString("<body")
	if doc.Theme != nil && *doc.Theme != "" {
		fmt.Fprintf(&out, " class=\"dsl-theme-%s\"", html.EscapeString(*doc.Theme))
	}
	out.WriteString(">\n")
	out.WriteString(body.String())
	out.WriteString(completionScript)
	out.WriteString("</body>\n</html>\n")
	return out.String(), nil
}

const completionScript = `<script>
(function () {
  function done() { document.body.setAttribute('data-render-complete', 'true'); }
  if (document.readyState === 'complete') { done(); } else { window.addEventListener('load', done); }
})();
</script>
`

type breakpoint struct {
	name  string
	width int
}

type mediaRule struct {
	selector string
	decls    string
}

type compilation struct {
	doc         *dsl.Document
	breakpoints []breakpoint
	media       map[string][]mediaRule
}

func (c *compilation) element(b *strings.Builder, el *dsl.Element, path string, inFlow bool, depth int) error {
	tag, ok := tagFor(el.Type)
	if !ok {
		return fmt.Errorf("compile element %s: unsupported type %q", path, el.Type)
	}
	id := el.ID
	if id == "" {
		id = "element-" + path
	}
	c.collectResponsive(id, el.Responsive)

	attrs := newAttrs()
	attrs.set("id", id)
	classes := "dsl-element dsl-" + string(el.Type)
	if el.ClassName != "" {
		classes += " " + el.ClassName
	}
	attrs.set("class", classes)
	attrs.set("data-type", string(el.Type))
	if style := inlineStyle(el, inFlow); style != "" {
		attrs.set("style", style)
	}
	switch el.Type {
	case dsl.KindInput:
		attrs.set("type", "text")
		if el.Placeholder != "" {
			attrs.set("placeholder", el.Placeholder)
		}
	case dsl.KindImage:
		if el.Src != "" {
			attrs.set("src", el.Src)
		}
		attrs.set("alt", el.Alt)
	}
	if el.OnClick != "" {
		attrs.set("onclick", el.OnClick)
	}
	if el.OnChange != "" {
		attrs.set("onchange", el.OnChange)
	}
	if el.OnHover != "" {
		attrs.set("onmouseover", el.OnHover)
	}
	for _, name := range sortedAttrNames(el.CustomAttributes) {
		attrs.set(name, el.CustomAttributes[name])
	}

	indent := strings.Repeat("  ", depth)
	b.WriteString(indent)
	b.WriteString("<")
	b.WriteString(tag)
	attrs.writeTo(b)
	b.WriteString(">")
	if isVoid(el.Type) {
		b.WriteString("\n")
		return nil
	}

	if content := textContent(el); content != "" {
		if el.Href != "" {
			fmt.Fprintf(b, "<a href=\"%s\">%s</a>", html.EscapeString(el.Href), html.EscapeString(content))
		} else {
			b.WriteString(html.EscapeString(content))
		}
	}
	if len(el.Children) > 0 {
		b.WriteString("\n")
		flows := el.Type.FlowsChildren()
		for i := range el.Children {
			if err := c.element(b, &el.Children[i], path+"-"+strconv.Itoa(i), flows, depth+1); err != nil {
				return err
			}
		}
		b.WriteString(indent)
	}
	b.WriteString("</")
	b.WriteString(tag)
	b.WriteString(">\n")
	return nil
}

func (c *compilation) collectResponsive(id string, overrides map[string]dsl.Style) {
	if len(overrides) == 0 {
		return
	}
	for _, bp := range c.breakpoints {
		style, ok := overrides[bp.name]
		if !ok {
			continue
		}
		decls := styleDeclarations(style)
		if decls == "" {
			continue
		}
		if c.media == nil {
			c.media = make(map[string][]mediaRule)
		}
		c.media[bp.name] = append(c.media[bp.name], mediaRule{selector: "#" + cssIdent(id), decls: decls})
	}
}

func (c *compilation) mediaRules() string {
	if len(c.media) == 0 {
		return ""
	}
	var b strings.Builder
	for _, bp := range c.breakpoints {
		rules := c.media[bp.name]
		if len(rules) == 0 {
			continue
		}
		fmt.Fprintf(&b, "@media (min-width: %dpx) {\n", bp.width)
		for _, r := range rules {
			fmt.Fprintf(&b, "  %s { %s }\n", r.selector, r.decls)
		}
		b.WriteString("}\n")
	}
	return b.String()
}

func tagFor(k dsl.Kind) (string, bool) {
	switch k {
	case dsl.KindButton:
		return "button", true
	case dsl.KindText:
		return "div", true
	case dsl.KindInput:
		return "input", true
	case dsl.KindImage:
		return "img", true
	case dsl.KindContainer, dsl.KindGrid, dsl.KindFlex, dsl.KindCard, dsl.KindModal:
		return "div", true
	case dsl.KindNavbar:
		return "nav", true
	case dsl.KindSidebar:
		return "aside", true
	default:
		return "", false
	}
}

func isVoid(k dsl.Kind) bool {
	return k == dsl.KindInput || k == dsl.KindImage
}

func textContent(el *dsl.Element) string {
	if el.Type == dsl.KindButton && el.Label != "" {
		return el.Label
	}
	return el.Text
}

func titleOf(doc *dsl.Document) string {
	if doc.Title != "" {
		return doc.Title
	}
	return "DSL Render"
}

func sortedBreakpoints(m map[string]int) []breakpoint {
	out := make([]breakpoint, 0, len(m))
	for name, w := range m {
		out = append(out, breakpoint{name: name, width: w})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].width != out[j].width {
			return out[i].width < out[j].width
		}
		return out[i].name < out[j].name
	})
	return out
}

func sortedAttrNames(m map[string]string) []string {
	names := make([]string, 0, len(m))
	for k := range m {
		if k != "id" && validAttrName(k) {
			names = append(names, k)
		}
	}
	sort.Strings(names)
	return names
}

// validAttrName rejects names that would break out of the tag.
func validAttrName(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == ':' || r == '.':
		default:
			return false
		}
	}
	return true
}

// cssIdent escapes characters that are not legal in an unquoted id selector.
func cssIdent(id string) string {
	var b strings.Builder
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteString(`\`)
			b.WriteRune(r)
		}
	}
	return b.String()
}

// attrs keeps attributes in insertion order; later sets of the same name win
// in place.
type attrs struct {
	names  []string
	values map[string]string
}

func newAttrs() *attrs {
	return &attrs{values: make(map[string]string)}
}

func (a *attrs) set(name, value string) {
	if _, ok := a.values[name]; !ok {
		a.names = append(a.names, name)
	}
	a.values[name] = value
}

func (a *attrs) writeTo(b *strings.Builder) {
	for _, name := range a.names {
		fmt.Fprintf(b, " %s=\"%s\"", name, html.EscapeString(a.values[name]))
	}
}
