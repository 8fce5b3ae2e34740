package dom

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/andybalholm/cascadia"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// ErrNotChild is returned when a reference node is not a child of the parent
// passed alongside it.
var ErrNotChild = errors.New("dom: reference node is not a child of parent")

// ObserveOptions selects which mutations a registration receives.
type ObserveOptions struct {
	ChildList  bool
	Subtree    bool
	Attributes bool
	// Replay queues one initial record whose Added lists the target's
	// current children before any later mutation is delivered.
	Replay     bool
}

// MutationRecord describes one tree change.
type MutationRecord struct {
	Target    *html.Node
	Added     []*html.Node
	Removed   []*html.Node
	Attribute string
}

// Registration is an active observation created by Observe.
type Registration struct {
	doc    *Document
	target *html.Node
	opts   ObserveOptions
	fn     func(MutationRecord)
	active atomic.Bool
}

// Disconnect stops delivery. Records already queued for this registration
// are dropped.
func (r *Registration) Disconnect() {
	if r == nil || !r.active.CompareAndSwap(true, false) {
		return
	}
	r.doc.unregister(r)
}

// Active reports whether the registration still receives records.
func (r *Registration) Active() bool {
	return r != nil && r.active.Load()
}

type delivery struct {
	reg    *Registration
	record MutationRecord
}

type listener struct {
	id  uint64
	typ string
	fn  func(Event)
}

// Event is passed to listeners registered with Listen.
type Event struct {
	Type    string
	Target  *html.Node
	Current *html.Node
	Seq     uint64
}

// Document is a parsed HTML tree whose mutations are reported to observers.
// All reads and writes go through its methods. Records are delivered by a
// single drain loop so callbacks may mutate the tree again.
type Document struct {
	logger *slog.Logger

	mu            sync.RWMutex
	root          *html.Node
	registrations []*Registration
	listeners     map[*html.Node][]listener
	listenerSeq   uint64
	eventSeq      uint64

	queueMu    sync.Mutex
	queue      []delivery
	delivering bool
}

// Parse reads an HTML document.
func Parse(r io.Reader, logger *slog.Logger) (*Document, error) {
	root, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("dom: parse: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Document{
		logger:    logger.With(slog.String("agent", "dom")),
		root:      root,
		listeners: make(map[*html.Node][]listener),
	}, nil
}

// New returns an empty document with html, head and body elements.
func New(logger *slog.Logger) *Document {
	doc, err := Parse(strings.NewReader(""), logger)
	if err != nil {
		panic(err)
	}
	return doc
}

// Root returns the document node.
func (d *Document) Root() *html.Node {
	return d.root
}

// Body returns the body element.
func (d *Document) Body() *html.Node {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return findElement(d.root, atom.Body)
}

// NewElement builds a detached element. kv holds attribute key/value pairs.
func NewElement(tag string, kv ...string) *html.Node {
	n := &html.Node{Type: html.ElementNode, Data: tag, DataAtom: atom.Lookup([]byte(tag))}
	for i := 0; i+1 < len(kv); i += 2 {
		n.Attr = append(n.Attr, html.Attribute{Key: kv[i], Val: kv[i+1]})
	}
	return n
}

// NewText builds a detached text node.
func NewText(text string) *html.Node {
	return &html.Node{Type: html.TextNode, Data: text}
}

// Observe registers fn for mutations on target.
func (d *Document) Observe(target *html.Node, opts ObserveOptions, fn func(MutationRecord)) *Registration {
	reg := &Registration{doc: d, target: target, opts: opts, fn: fn}
	reg.active.Store(true)

	d.mu.Lock()
	d.registrations = append(d.registrations, reg)
	var pending []delivery
	if opts.Replay {
		pending = append(pending, delivery{reg: reg, record: MutationRecord{Target: target, Added: childNodes(target)}})
	}
	d.enqueueLocked(pending)
	d.mu.Unlock()

	d.drain()
	return reg
}

func (d *Document) unregister(reg *Registration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, candidate := range d.registrations {
		if candidate == reg {
			d.registrations = append(d.registrations[:i], d.registrations[i+1:]...)
			return
		}
	}
}

// AppendChild moves child under parent as its last child.
func (d *Document) AppendChild(parent, child *html.Node) {
	d.mu.Lock()
	pending := d.detachLocked(child)
	parent.AppendChild(child)
	pending = append(pending, d.matchLocked(MutationRecord{Target: parent, Added: []*html.Node{child}})...)
	d.enqueueLocked(pending)
	d.mu.Unlock()
	d.drain()
}

// InsertBefore inserts child before ref. A nil ref appends.
func (d *Document) InsertBefore(parent, child, ref *html.Node) error {
	d.mu.Lock()
	if ref != nil && ref.Parent != parent {
		d.mu.Unlock()
		return ErrNotChild
	}
	pending := d.detachLocked(child)
	parent.InsertBefore(child, ref)
	pending = append(pending, d.matchLocked(MutationRecord{Target: parent, Added: []*html.Node{child}})...)
	d.enqueueLocked(pending)
	d.mu.Unlock()
	d.drain()
	return nil
}

// InsertAfter inserts child as the next sibling of ref.
func (d *Document) InsertAfter(ref, child *html.Node) error {
	d.mu.Lock()
	parent := ref.Parent
	if parent == nil {
		d.mu.Unlock()
		return ErrNotChild
	}
	pending := d.detachLocked(child)
	parent.InsertBefore(child, ref.NextSibling)
	pending = append(pending, d.matchLocked(MutationRecord{Target: parent, Added: []*html.Node{child}})...)
	d.enqueueLocked(pending)
	d.mu.Unlock()
	d.drain()
	return nil
}

// Remove detaches n from its parent. Listeners on the subtree are dropped.
func (d *Document) Remove(n *html.Node) {
	if n == nil {
		return
	}
	d.mu.Lock()
	parent := n.Parent
	if parent == nil {
		d.mu.Unlock()
		return
	}
	parent.RemoveChild(n)
	d.forgetLocked(n)
	pending := d.matchLocked(MutationRecord{Target: parent, Removed: []*html.Node{n}})
	d.enqueueLocked(pending)
	d.mu.Unlock()
	d.drain()
}

// ReplaceChildren swaps every child of parent for nodes in one record.
func (d *Document) ReplaceChildren(parent *html.Node, nodes ...*html.Node) {
	d.mu.Lock()
	removed := childNodes(parent)
	for _, child := range removed {
		parent.RemoveChild(child)
		d.forgetLocked(child)
	}
	var pending []delivery
	for _, child := range nodes {
		pending = append(pending, d.detachLocked(child)...)
		parent.AppendChild(child)
	}
	pending = append(pending, d.matchLocked(MutationRecord{Target: parent, Added: nodes, Removed: removed})...)
	d.enqueueLocked(pending)
	d.mu.Unlock()
	d.drain()
}

// SetText replaces the children of n with a single text node.
func (d *Document) SetText(n *html.Node, text string) {
	d.ReplaceChildren(n, NewText(text))
}

// SetHTML parses fragment in the context of n and replaces its children.
func (d *Document) SetHTML(n *html.Node, fragment string) error {
	context := &html.Node{Type: html.ElementNode, Data: n.Data, DataAtom: n.DataAtom}
	nodes, err := html.ParseFragment(strings.NewReader(fragment), context)
	if err != nil {
		return fmt.Errorf("dom: parse fragment: %w", err)
	}
	d.ReplaceChildren(n, nodes...)
	return nil
}

// Load parses a full page and swaps its body content into this document.
func (d *Document) Load(r io.Reader) error {
	parsed, err := html.Parse(r)
	if err != nil {
		return fmt.Errorf("dom: load: %w", err)
	}
	var nodes []*html.Node
	if body := findElement(parsed, atom.Body); body != nil {
		nodes = childNodes(body)
	}
	target := d.Body()
	if target == nil {
		return errors.New("dom: load: document has no body")
	}
	d.ReplaceChildren(target, nodes...)
	return nil
}

// SetAttr sets or replaces an attribute.
func (d *Document) SetAttr(n *html.Node, key, val string) {
	d.mu.Lock()
	replaced := false
	for i := range n.Attr {
		if n.Attr[i].Key == key && n.Attr[i].Namespace == "" {
			n.Attr[i].Val = val
			replaced = true
			break
		}
	}
	if !replaced {
		n.Attr = append(n.Attr, html.Attribute{Key: key, Val: val})
	}
	pending := d.matchAttrLocked(MutationRecord{Target: n, Attribute: key})
	d.enqueueLocked(pending)
	d.mu.Unlock()
	d.drain()
}

// RemoveAttr deletes an attribute if present.
func (d *Document) RemoveAttr(n *html.Node, key string) {
	d.mu.Lock()
	kept := n.Attr[:0]
	found := false
	for _, attr := range n.Attr {
		if attr.Key == key && attr.Namespace == "" {
			found = true
			continue
		}
		kept = append(kept, attr)
	}
	n.Attr = kept
	var pending []delivery
	if found {
		pending = d.matchAttrLocked(MutationRecord{Target: n, Attribute: key})
	}
	d.enqueueLocked(pending)
	d.mu.Unlock()
	d.drain()
}

func (d *Document) detachLocked(child *html.Node) []delivery {
	parent := child.Parent
	if parent == nil {
		return nil
	}
	parent.RemoveChild(child)
	return d.matchLocked(MutationRecord{Target: parent, Removed: []*html.Node{child}})
}

func (d *Document) forgetLocked(n *html.Node) {
	if len(d.listeners) == 0 {
		return
	}
	delete(d.listeners, n)
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		d.forgetLocked(c)
	}
}

func (d *Document) matchLocked(record MutationRecord) []delivery {
	var out []delivery
	for _, reg := range d.registrations {
		if !reg.opts.ChildList {
			continue
		}
		if reg.target == record.Target || (reg.opts.Subtree && isAncestor(reg.target, record.Target)) {
			out = append(out, delivery{reg: reg, record: record})
		}
	}
	return out
}

func (d *Document) matchAttrLocked(record MutationRecord) []delivery {
	var out []delivery
	for _, reg := range d.registrations {
		if !reg.opts.Attributes {
			continue
		}
		if reg.target == record.Target || (reg.opts.Subtree && isAncestor(reg.target, record.Target)) {
			out = append(out, delivery{reg: reg, record: record})
		}
	}
	return out
}

// enqueueLocked queues records while d.mu is still held, so records reach
// the queue in mutation order. Lock order is d.mu then queueMu.
func (d *Document) enqueueLocked(pending []delivery) {
	if len(pending) == 0 {
		return
	}
	d.queueMu.Lock()
	d.queue = append(d.queue, pending...)
	d.queueMu.Unlock()
}

// drain runs queued callbacks with no lock held. Only one goroutine drains
// at a time; others return once their records are queued.
func (d *Document) drain() {
	d.queueMu.Lock()
	if d.delivering {
		d.queueMu.Unlock()
		return
	}
	d.delivering = true
	for len(d.queue) > 0 {
		next := d.queue[0]
		d.queue = d.queue[1:]
		d.queueMu.Unlock()
		d.invoke(next)
		d.queueMu.Lock()
	}
	d.delivering = false
	d.queueMu.Unlock()
}

func (d *Document) invoke(next delivery) {
	if !next.reg.Active() {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("mutation callback panicked", slog.Any("panic", r))
		}
	}()
	next.reg.fn(next.record)
}

// Listen registers fn for events of typ dispatched on n or its descendants.
// The returned func removes the listener.
func (d *Document) Listen(n *html.Node, typ string, fn func(Event)) func() {
	d.mu.Lock()
	d.listenerSeq++
	id := d.listenerSeq
	d.listeners[n] = append(d.listeners[n], listener{id: id, typ: typ, fn: fn})
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		list := d.listeners[n]
		for i, l := range list {
			if l.id == id {
				d.listeners[n] = append(list[:i], list[i+1:]...)
				break
			}
		}
		if len(d.listeners[n]) == 0 {
			delete(d.listeners, n)
		}
	}
}

// Dispatch fires an event at target and bubbles it to the document node.
// Listeners added while the event is in flight do not see it. It returns the
// number of listeners invoked.
func (d *Document) Dispatch(target *html.Node, typ string) int {
	type call struct {
		current *html.Node
		fn      func(Event)
	}
	d.mu.Lock()
	d.eventSeq++
	seq := d.eventSeq
	var calls []call
	for n := target; n != nil; n = n.Parent {
		for _, l := range d.listeners[n] {
			if l.typ == typ {
				calls = append(calls, call{current: n, fn: l.fn})
			}
		}
	}
	d.mu.Unlock()

	for _, c := range calls {
		c.fn(Event{Type: typ, Target: target, Current: c.current, Seq: seq})
	}
	return len(calls)
}

// ListenerCount returns how many listeners are attached to n.
func (d *Document) ListenerCount(n *html.Node) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.listeners[n])
}

// Render writes the whole document as HTML.
func (d *Document) Render(w io.Writer) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return html.Render(w, d.root)
}

// OuterHTML renders n and its subtree.
func (d *Document) OuterHTML(n *html.Node) string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var buf bytes.Buffer
	if err := html.Render(&buf, n); err != nil {
		return ""
	}
	return buf.String()
}

func childNodes(n *html.Node) []*html.Node {
	var out []*html.Node
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		out = append(out, c)
	}
	return out
}

func isAncestor(ancestor, n *html.Node) bool {
	for p := n.Parent; p != nil; p = p.Parent {
		if p == ancestor {
			return true
		}
	}
	return false
}

func findElement(n *html.Node, a atom.Atom) *html.Node {
	if n.Type == html.ElementNode && n.DataAtom == a {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findElement(c, a); found != nil {
			return found
		}
	}
	return nil
}

var selectorCache sync.Map

type compiledSelector struct {
	sel cascadia.Selector
	err error
}

func compile(selector string) (cascadia.Selector, error) {
	if cached, ok := selectorCache.Load(selector); ok {
		c := cached.(compiledSelector)
		return c.sel, c.err
	}
	sel, err := cascadia.Compile(selector)
	selectorCache.Store(selector, compiledSelector{sel: sel, err: err})
	return sel, err
}
