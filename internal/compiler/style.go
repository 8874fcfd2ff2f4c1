package compiler

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"github.com/JakeFAU/dsl-png-renderer/internal/dsl"
)

// unitless lists CSS properties whose numeric values must not get a px suffix.
var unitless = map[string]bool{
	"opacity":      true,
	"z-index":      true,
	"font-weight":  true,
	"line-height":  true,
	"flex":         true,
	"flex-grow":    true,
	"flex-shrink":  true,
	"order":        true,
	"zoom":         true,
	"grid-column":  true,
	"grid-row":     true,
	"aspect-ratio": true,
}

func inlineStyle(el *dsl.Element, inFlow bool) string {
	var decls []string
	if l := el.Layout; l != nil {
		if inFlow {
			decls = append(decls, "position:relative")
		} else {
			decls = append(decls, "position:absolute")
			decls = append(decls, "left:"+px(l.X, 0), "top:"+px(l.Y, 0))
		}
		decls = appendDim(decls, "width", l.Width)
		decls = appendDim(decls, "height", l.Height)
		decls = appendDim(decls, "min-width", l.MinWidth)
		decls = appendDim(decls, "max-width", l.MaxWidth)
		decls = appendDim(decls, "min-height", l.MinHeight)
		decls = appendDim(decls, "max-height", l.MaxHeight)
	} else if inFlow {
		decls = append(decls, "position:relative")
	}
	switch el.Type {
	case dsl.KindFlex:
		decls = append(decls, "display:flex", "gap:"+flowGap)
	case dsl.KindGrid:
		decls = append(decls, "display:grid", "gap:"+flowGap)
	}
	if user := styleDeclarations(el.Style); user != "" {
		decls = append(decls, user)
	}
	return strings.Join(decls, ";")
}

func appendDim(decls []string, name string, v *float64) []string {
	if v == nil {
		return decls
	}
	return append(decls, name+":"+px(v, 0))
}

func px(v *float64, fallback float64) string {
	f := fallback
	if v != nil {
		f = *v
	}
	return strconv.FormatFloat(f, 'f', -1, 64) + "px"
}

// styleDeclarations renders a style map as semicolon separated declarations
// with kebab-case keys in sorted order.
func styleDeclarations(s dsl.Style) string {
	if len(s) == 0 {
		return ""
	}
	props := make(map[string]string, len(s))
	keys := make([]string, 0, len(s))
	for k, v := range s {
		name := kebab(k)
		value, ok := cssValue(name, v)
		if name == "" || !ok {
			continue
		}
		if _, dup := props[name]; !dup {
			keys = append(keys, name)
		}
		props[name] = value
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+":"+props[k])
	}
	return strings.Join(parts, ";")
}

func cssValue(name string, v any) (string, bool) {
	var num float64
	switch n := v.(type) {
	case nil:
		return "", false
	case string:
		return sanitizeValue(n), strings.TrimSpace(n) != ""
	case bool:
		return strconv.FormatBool(n), true
	case float64:
		num = n
	case float32:
		num = float64(n)
	case int:
		num = float64(n)
	case int64:
		num = float64(n)
	case uint64:
		num = float64(n)
	default:
		return sanitizeValue(fmt.Sprint(n)), true
	}
	out := strconv.FormatFloat(num, 'f', -1, 64)
	if !unitless[name] && num != 0 {
		out += "px"
	}
	return out, true
}

// sanitizeValue drops characters that would terminate a declaration or rule.
func sanitizeValue(v string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ';', '{', '}', '<', '>':
			return -1
		}
		return r
	}, strings.TrimSpace(v))
}

// kebab converts camelCase to kebab-case. Keys already containing dashes pass
// through lower-cased.
func kebab(key string) string {
	var b strings.Builder
	for i, r := range strings.TrimSpace(key) {
		if unicode.IsUpper(r) {
			if i > 0 {
				b.WriteByte('-')
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		if r == '-' || r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r) {
			if r == '_' {
				r = '-'
			}
			b.WriteRune(r)
		}
	}
	return b.String()
}

func baseStylesheet(doc *dsl.Document, opts Options) string {
	background := "#ffffff"
	switch {
	case opts.Transparent:
		background = "transparent"
	case opts.Background != "":
		background = sanitizeValue(opts.Background)
	}
	var b strings.Builder
	b.WriteString("*, *::before, *::after { box-sizing: border-box; }\n")
	b.WriteString("html, body { margin: 0; padding: 0; }\n")
	fmt.Fprintf(&b, "html { background: %s; }\n", background)
	fmt.Fprintf(&b,
		"body { position: relative; width: %dpx; height: %dpx; overflow: hidden; background: %s; "+
			"font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, Helvetica, Arial, sans-serif; "+
			"font-size: 14px; color: #1f2937; }\n",
		doc.Width, doc.Height, background)
	b.WriteString(baseRules)
	return b.String()
}

const baseRules = `.dsl-element { margin: 0; }
.dsl-button { display: inline-flex; align-items: center; justify-content: center; padding: 0 16px; border: none; border-radius: 6px; background: #2563eb; color: #ffffff; font: inherit; font-weight: 600; cursor: pointer; }
.dsl-text { line-height: 1.4; }
.dsl-input { padding: 6px 10px; border: 1px solid #d1d5db; border-radius: 6px; font: inherit; background: #ffffff; }
.dsl-image { display: block; object-fit: cover; background: #e5e7eb; }
.dsl-container { overflow: hidden; }
.dsl-card { background: #ffffff; border: 1px solid #e5e7eb; border-radius: 8px; box-shadow: 0 1px 3px rgba(0, 0, 0, 0.1); padding: 16px; }
.dsl-modal { background: #ffffff; border-radius: 12px; box-shadow: 0 10px 25px rgba(0, 0, 0, 0.25); padding: 24px; }
.dsl-navbar { display: flex; align-items: center; gap: 16px; padding: 0 16px; background: #111827; color: #f9fafb; }
.dsl-sidebar { display: flex; flex-direction: column; gap: 8px; padding: 16px; background: #f3f4f6; }
.dsl-grid { grid-template-columns: repeat(auto-fill, minmax(120px, 1fr)); }
.dsl-theme-dark { color: #f9fafb; }
.dsl-theme-dark .dsl-card, .dsl-theme-dark .dsl-modal { background: #1f2937; border-color: #374151; }
`
