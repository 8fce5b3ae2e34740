package domobserver

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/net/html"

	"github.com/l0p7/mapinfo/internal/dom"
)

var (
	ErrAlreadyObserving = errors.New("domobserver: key already observed")
	ErrTargetNotFound   = errors.New("domobserver: target not found")
)

const (
	presencePrefix = "presence:"
	dynamicPrefix  = "dynamic:"
)

// PresenceKey is the registry key used by WatchElementPresence.
func PresenceKey(selector string) string { return presencePrefix + selector }

// DynamicKey is the registry key used by ObserveDynamicElement.
func DynamicKey(selector string) string { return dynamicPrefix + selector }

// Observer keeps named mutation subscriptions on a document. A key maps to
// at most one live registration.
type Observer struct {
	doc    *dom.Document
	logger *slog.Logger

	mu        sync.Mutex
	observers map[string]*dom.Registration
}

func New(doc *dom.Document, logger *slog.Logger) *Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Observer{
		doc:       doc,
		logger:    logger.With(slog.String("agent", "dom_observer")),
		observers: make(map[string]*dom.Registration),
	}
}

// StartObserving subscribes callback to the child-list changes of the first
// element matching selector. Existing children are replayed once before any
// later batch.
func (o *Observer) StartObserving(selector string, callback func([]*html.Node), opts dom.ObserveOptions) error {
	target := o.doc.Query(nil, selector)
	if target == nil {
		o.logger.Error("observe target not found", slog.String("selector", selector))
		return fmt.Errorf("%w: %s", ErrTargetNotFound, selector)
	}
	opts.ChildList = true
	opts.Replay = true
	return o.register(selector, target, opts, func(rec dom.MutationRecord) {
		added := dom.ElementsOf(rec.Added)
		if len(added) == 0 {
			return
		}
		callback(added)
	})
}

// WatchElementPresence reports when an element matching selector appears in or
// leaves the document. A replaced element counts as a disappearance followed
// by an appearance.
func (o *Observer) WatchElementPresence(selector string, onAppear func(*html.Node), onDisappear func()) error {
	var current *html.Node
	return o.register(PresenceKey(selector), o.doc.Root(), dom.ObserveOptions{ChildList: true, Subtree: true, Replay: true}, func(dom.MutationRecord) {
		found := o.doc.Query(nil, selector)
		if found == current {
			return
		}
		previous := current
		current = found
		if previous != nil && onDisappear != nil {
			o.logger.Debug("element disappeared", slog.String("selector", selector))
			onDisappear()
		}
		if found != nil && onAppear != nil {
			o.logger.Debug("element appeared", slog.String("selector", selector))
			onAppear(found)
		}
	})
}

// ObserveDynamicElement invokes callback for every element matching selector
// that exists now or is inserted later anywhere in the document.
func (o *Observer) ObserveDynamicElement(selector string, callback func(*html.Node)) error {
	return o.register(DynamicKey(selector), o.doc.Root(), dom.ObserveOptions{ChildList: true, Subtree: true, Replay: true}, func(rec dom.MutationRecord) {
		for _, added := range dom.ElementsOf(rec.Added) {
			if o.doc.Matches(added, selector) {
				callback(added)
			}
			for _, nested := range o.doc.QueryAll(added, selector) {
				callback(nested)
			}
		}
	})
}

func (o *Observer) register(key string, target *html.Node, opts dom.ObserveOptions, fn func(dom.MutationRecord)) error {
	o.mu.Lock()
	if _, exists := o.observers[key]; exists {
		o.mu.Unlock()
		o.logger.Error("already observing", slog.String("key", key))
		return fmt.Errorf("%w: %s", ErrAlreadyObserving, key)
	}
	// Reserve the key before replay so callbacks that query the registry see
	// it as active.
	o.observers[key] = nil
	o.mu.Unlock()

	reg := o.doc.Observe(target, opts, fn)

	o.mu.Lock()
	defer o.mu.Unlock()
	if existing, ok := o.observers[key]; !ok || existing != nil {
		// Stopped while replaying.
		reg.Disconnect()
		return nil
	}
	o.observers[key] = reg
	return nil
}

// StopObserving disconnects the given keys. Unknown keys are logged.
func (o *Observer) StopObserving(keys ...string) {
	for _, key := range keys {
		o.mu.Lock()
		reg, ok := o.observers[key]
		if ok {
			delete(o.observers, key)
		}
		o.mu.Unlock()
		if !ok {
			o.logger.Warn("no observer for key", slog.String("key", key))
			continue
		}
		reg.Disconnect()
	}
}

// StopObservingPresence disconnects presence watchers by selector.
func (o *Observer) StopObservingPresence(selectors ...string) {
	keys := make([]string, len(selectors))
	for i, selector := range selectors {
		keys[i] = PresenceKey(selector)
	}
	o.StopObserving(keys...)
}

// StopAllObserving disconnects every registration and empties the registry.
func (o *Observer) StopAllObserving() {
	o.mu.Lock()
	regs := o.observers
	o.observers = make(map[string]*dom.Registration)
	o.mu.Unlock()
	for _, reg := range regs {
		reg.Disconnect()
	}
	o.logger.Debug("stopped all observers", slog.Int("count", len(regs)))
}

// IsObserving reports whether key has a live registration.
func (o *Observer) IsObserving(key string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.observers[key]
	return ok
}

// Keys lists the active keys in sorted order.
func (o *Observer) Keys() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	keys := make([]string, 0, len(o.observers))
	for key := range o.observers {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
