package dom

import (
	"log/slog"
	"strings"

	"github.com/andybalholm/cascadia"
	"golang.org/x/net/html"
)

func (d *Document) selector(selector string) cascadia.Selector {
	sel, err := compile(selector)
	if err != nil {
		d.logger.Error("invalid selector", slog.String("selector", selector), slog.Any("error", err))
		return nil
	}
	return sel
}

// Query returns the first descendant of scope matching selector. A nil scope
// searches the whole document.
func (d *Document) Query(scope *html.Node, selector string) *html.Node {
	sel := d.selector(selector)
	if sel == nil {
		return nil
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if scope == nil {
		scope = d.root
	}
	return cascadia.Query(scope, sel)
}

// QueryAll returns every descendant of scope matching selector.
func (d *Document) QueryAll(scope *html.Node, selector string) []*html.Node {
	sel := d.selector(selector)
	if sel == nil {
		return nil
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if scope == nil {
		scope = d.root
	}
	return cascadia.QueryAll(scope, sel)
}

// Matches reports whether n itself matches selector.
func (d *Document) Matches(n *html.Node, selector string) bool {
	sel := d.selector(selector)
	if sel == nil || n == nil {
		return false
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	return sel.Match(n)
}

// Closest walks from n up to the root and returns the first match.
func (d *Document) Closest(n *html.Node, selector string) *html.Node {
	sel := d.selector(selector)
	if sel == nil {
		return nil
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	for p := n; p != nil; p = p.Parent {
		if p.Type == html.ElementNode && sel.Match(p) {
			return p
		}
	}
	return nil
}

// Contains reports whether n is attached to this document.
func (d *Document) Contains(n *html.Node) bool {
	if n == nil {
		return false
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	for p := n; p != nil; p = p.Parent {
		if p == d.root {
			return true
		}
	}
	return false
}

// Parent returns the parent of n.
func (d *Document) Parent(n *html.Node) *html.Node {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return n.Parent
}

// Children returns the element children of n.
func (d *Document) Children(n *html.Node) []*html.Node {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return ElementsOf(childNodes(n))
}

// FirstElementChild returns the first element child of n.
func (d *Document) FirstElementChild(n *html.Node) *html.Node {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode {
			return c
		}
	}
	return nil
}

// Attr returns the value of key on n.
func (d *Document) Attr(n *html.Node, key string) (string, bool) {
	if n == nil {
		return "", false
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, attr := range n.Attr {
		if attr.Key == key && attr.Namespace == "" {
			return attr.Val, true
		}
	}
	return "", false
}

// HasClass reports whether n carries class in its class attribute.
func (d *Document) HasClass(n *html.Node, class string) bool {
	value, ok := d.Attr(n, "class")
	if !ok {
		return false
	}
	for _, field := range strings.Fields(value) {
		if field == class {
			return true
		}
	}
	return false
}

// Text concatenates the text content of n.
func (d *Document) Text(n *html.Node) string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var b strings.Builder
	collectText(&b, n)
	return b.String()
}

func collectText(b *strings.Builder, n *html.Node) {
	if n.Type == html.TextNode {
		b.WriteString(n.Data)
		return
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		collectText(b, c)
	}
}

// ElementsOf filters nodes down to elements.
func ElementsOf(nodes []*html.Node) []*html.Node {
	out := make([]*html.Node, 0, len(nodes))
	for _, n := range nodes {
		if n.Type == html.ElementNode {
			out = append(out, n)
		}
	}
	return out
}
