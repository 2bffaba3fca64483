package httpform

import (
	"net/url"
	"strings"

	"github.com/ChuLiYu/formrelay/internal/schema"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// option is one choice of a select element.
type option struct {
	value    string
	label    string
	selected bool
}

// control is one named form input as declared by the page.
type control struct {
	name     string
	kind     schema.Kind
	value    string // value attribute (checkbox/radio) or current value
	checked  bool
	disabled bool
	options  []option
}

// parsedForm is the static description of a form element.
type parsedForm struct {
	node        *html.Node
	id          string
	name        string
	action      *url.URL
	method      string
	controls    []control
	submitSeen  bool
	submitOff   bool
	submitName  string
	submitValue string
}

// findForm returns the form whose id or name equals want, or the first form
// in the document when want is empty.
func findForm(doc *html.Node, want string) *html.Node {
	var found *html.Node
	walk(doc, func(n *html.Node) bool {
		if found != nil {
			return false
		}
		if n.Type == html.ElementNode && n.DataAtom == atom.Form {
			if want == "" || attr(n, "id") == want || attr(n, "name") == want {
				found = n
				return false
			}
		}
		return true
	})
	return found
}

// parseForm collects the controls and submit button of a form node. Relative
// actions are resolved against base.
func parseForm(n *html.Node, base *url.URL) *parsedForm {
	pf := &parsedForm{
		node:   n,
		id:     attr(n, "id"),
		name:   attr(n, "name"),
		method: strings.ToUpper(strings.TrimSpace(attr(n, "method"))),
		action: base,
	}
	if pf.method == "" {
		pf.method = "GET"
	}
	if a := strings.TrimSpace(attr(n, "action")); a != "" {
		if u, err := base.Parse(a); err == nil {
			pf.action = u
		}
	}

	walk(n, func(c *html.Node) bool {
		if c.Type != html.ElementNode {
			return true
		}
		switch c.DataAtom {
		case atom.Input:
			typ := strings.ToLower(attr(c, "type"))
			if typ == "submit" || typ == "image" {
				pf.noteSubmit(c)
				return true
			}
			if typ == "button" || typ == "reset" || typ == "file" {
				return true
			}
			if name := attr(c, "name"); name != "" {
				pf.controls = append(pf.controls, inputControl(c, name, typ))
			}
		case atom.Textarea:
			if name := attr(c, "name"); name != "" {
				pf.controls = append(pf.controls, control{
					name:     name,
					kind:     schema.KindTextarea,
					value:    textOf(c),
					disabled: hasAttr(c, "disabled"),
				})
			}
			return false
		case atom.Select:
			if name := attr(c, "name"); name != "" {
				pf.controls = append(pf.controls, selectControl(c, name))
			}
			return false
		case atom.Button:
			typ := strings.ToLower(attr(c, "type"))
			if typ == "" || typ == "submit" {
				pf.noteSubmit(c)
			}
			return false
		}
		return true
	})
	return pf
}

func (pf *parsedForm) noteSubmit(n *html.Node) {
	if pf.submitSeen {
		return
	}
	pf.submitSeen = true
	pf.submitOff = hasAttr(n, "disabled")
	pf.submitName = attr(n, "name")
	pf.submitValue = attr(n, "value")
}

func inputControl(n *html.Node, name, typ string) control {
	c := control{
		name:     name,
		value:    attr(n, "value"),
		checked:  hasAttr(n, "checked"),
		disabled: hasAttr(n, "disabled"),
	}
	switch typ {
	case "checkbox":
		c.kind = schema.KindCheckbox
		if c.value == "" {
			c.value = "on"
		}
	case "radio":
		c.kind = schema.KindRadio
		if c.value == "" {
			c.value = "on"
		}
	case "hidden":
		c.kind = schema.KindHidden
	default:
		c.kind = schema.KindText
	}
	return c
}

func selectControl(n *html.Node, name string) control {
	c := control{name: name, kind: schema.KindSelect, disabled: hasAttr(n, "disabled")}
	walk(n, func(o *html.Node) bool {
		if o.Type == html.ElementNode && o.DataAtom == atom.Option {
			label := strings.TrimSpace(textOf(o))
			value, ok := attrOK(o, "value")
			if !ok {
				value = label
			}
			c.options = append(c.options, option{value: value, label: label, selected: hasAttr(o, "selected")})
			return false
		}
		return true
	})
	return c
}

// initialValues is what a browser would submit without any user input.
func (pf *parsedForm) initialValues() url.Values {
	v := url.Values{}
	for _, c := range pf.controls {
		if c.disabled {
			continue
		}
		switch c.kind {
		case schema.KindCheckbox, schema.KindRadio:
			if c.checked {
				v.Add(c.name, c.value)
			}
		case schema.KindSelect:
			if len(c.options) == 0 {
				continue
			}
			chosen := c.options[0].value
			for _, o := range c.options {
				if o.selected {
					chosen = o.value
					break
				}
			}
			v.Set(c.name, chosen)
		default:
			v.Set(c.name, c.value)
		}
	}
	return v
}

// controlsNamed returns every control sharing name (radio groups and
// checkbox groups declare several).
func (pf *parsedForm) controlsNamed(name string) []control {
	var out []control
	for _, c := range pf.controls {
		if c.name == name {
			out = append(out, c)
		}
	}
	return out
}

// ============================================================================
// html.Node helpers
// ============================================================================

// walk visits n and its descendants depth-first; returning false from fn
// skips the node's children.
func walk(n *html.Node, fn func(*html.Node) bool) {
	if !fn(n) {
		return
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(c, fn)
	}
}

func attrOK(n *html.Node, key string) (string, bool) {
	for _, a := range n.Attr {
		if strings.EqualFold(a.Key, key) {
			return a.Val, true
		}
	}
	return "", false
}

func attr(n *html.Node, key string) string {
	v, _ := attrOK(n, key)
	return v
}

func hasAttr(n *html.Node, key string) bool {
	_, ok := attrOK(n, key)
	return ok
}

func textOf(n *html.Node) string {
	var b strings.Builder
	walk(n, func(c *html.Node) bool {
		if c.Type == html.ElementNode && (c.DataAtom == atom.Script || c.DataAtom == atom.Style) {
			return false
		}
		if c.Type == html.TextNode {
			b.WriteString(c.Data)
			b.WriteByte(' ')
		}
		return true
	})
	return strings.Join(strings.Fields(b.String()), " ")
}

// isHidden reports elements a browser would not render.
func isHidden(n *html.Node) bool {
	if hasAttr(n, "hidden") {
		return true
	}
	style := strings.ReplaceAll(strings.ToLower(attr(n, "style")), " ", "")
	return strings.Contains(style, "display:none") || strings.Contains(style, "visibility:hidden")
}

// classMatches reports whether any class token contains any of the markers.
func classMatches(n *html.Node, markers []string) bool {
	for _, token := range strings.Fields(strings.ToLower(attr(n, "class"))) {
		for _, m := range markers {
			if m != "" && strings.Contains(token, strings.ToLower(m)) {
				return true
			}
		}
	}
	return false
}
