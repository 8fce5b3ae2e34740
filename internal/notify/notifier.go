package notify

import (
	"log/slog"
	"sync"
	"time"

	"github.com/l0p7/mapinfo/internal/metrics"
)

// Kind identifies what a notification is about.
type Kind string

const (
	KindTooManyRequests Kind = "too_many_requests"
	KindReloadRequired  Kind = "reload_required"
)

const (
	tooManyRequestsMessage = "More Beatmap Info: too many requests. Please wait a little."
	reloadRequiredMessage  = "More Beatmap Info: lost connection to the server. Reload to try again."
)

// Notification is the single on-screen message.
type Notification struct {
	ID         uint64
	Kind       Kind
	Message    string
	Reloadable bool
}

// Sink renders notifications. Update is called when an existing notification
// gains its reload action.
type Sink interface {
	Show(n Notification)
	Update(n Notification)
	Dismiss(n Notification)
}

// Timer is the part of *time.Timer the notifier needs.
type Timer interface {
	Stop() bool
}

type Options struct {
	Sink         Sink
	Logger       *slog.Logger
	Metrics      *metrics.Recorder
	// ReloadAfter turns a rate-limit notice into a reload prompt.
	ReloadAfter  time.Duration
	// DismissAfter removes the notice entirely.
	DismissAfter time.Duration
	AfterFunc    func(time.Duration, func()) Timer
}

// Notifier keeps at most one notification on screen.
type Notifier struct {
	sink         Sink
	logger       *slog.Logger
	metrics      *metrics.Recorder
	reloadAfter  time.Duration
	dismissAfter time.Duration
	afterFunc    func(time.Duration, func()) Timer

	mu       sync.Mutex
	current  *Notification
	timers   []Timer
	nextID   uint64
	onReload func()
}

func New(opts Options) *Notifier {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	reloadAfter := opts.ReloadAfter
	if reloadAfter <= 0 {
		reloadAfter = 10 * time.Second
	}
	dismissAfter := opts.DismissAfter
	if dismissAfter <= 0 {
		dismissAfter = 25 * time.Second
	}
	afterFunc := opts.AfterFunc
	if afterFunc == nil {
		afterFunc = func(d time.Duration, fn func()) Timer { return time.AfterFunc(d, fn) }
	}
	return &Notifier{
		sink:         opts.Sink,
		logger:       logger.With(slog.String("agent", "notifier")),
		metrics:      opts.Metrics,
		reloadAfter:  reloadAfter,
		dismissAfter: dismissAfter,
		afterFunc:    afterFunc,
	}
}

// SetSink swaps the renderer. Used once the page is available.
func (n *Notifier) SetSink(sink Sink) {
	n.mu.Lock()
	n.sink = sink
	n.mu.Unlock()
}

// SetReloadHandler registers the action behind the reload button.
func (n *Notifier) SetReloadHandler(fn func()) {
	n.mu.Lock()
	n.onReload = fn
	n.mu.Unlock()
}

// TooManyRequests shows the rate-limit notice. It becomes a reload prompt
// after ReloadAfter and is dismissed after DismissAfter. It returns false
// when another notification is already on screen.
func (n *Notifier) TooManyRequests() bool {
	note, ok := n.show(KindTooManyRequests, tooManyRequestsMessage, false)
	if !ok {
		return false
	}
	n.schedule(note.ID, n.reloadAfter, func() { n.makeReloadable(note.ID) })
	n.schedule(note.ID, n.dismissAfter, func() { n.dismiss(note.ID) })
	return true
}

// ReloadRequired shows a notice that only offers a reload.
func (n *Notifier) ReloadRequired() bool {
	_, ok := n.show(KindReloadRequired, reloadRequiredMessage, true)
	return ok
}

// RequestReload dismisses the current notification and runs the reload
// handler.
func (n *Notifier) RequestReload() {
	n.mu.Lock()
	current := n.current
	handler := n.onReload
	n.mu.Unlock()
	if current != nil {
		n.dismiss(current.ID)
	}
	if handler != nil {
		n.logger.Info("reload requested from notification")
		handler()
	}
}

// Current returns the notification on screen, if any.
func (n *Notifier) Current() (Notification, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.current == nil {
		return Notification{}, false
	}
	return *n.current, true
}

// Close stops pending timers and dismisses what is shown.
func (n *Notifier) Close() {
	n.mu.Lock()
	current := n.current
	n.mu.Unlock()
	if current != nil {
		n.dismiss(current.ID)
	}
}

func (n *Notifier) show(kind Kind, message string, reloadable bool) (Notification, bool) {
	n.mu.Lock()
	if n.current != nil {
		n.mu.Unlock()
		n.logger.Debug("notification suppressed", slog.String("kind", string(kind)))
		return Notification{}, false
	}
	n.nextID++
	note := Notification{ID: n.nextID, Kind: kind, Message: message, Reloadable: reloadable}
	n.current = &note
	sink := n.sink
	n.mu.Unlock()

	n.logger.Warn("notification shown", slog.String("kind", string(kind)))
	n.metrics.ObserveNotification(string(kind))
	if sink != nil {
		sink.Show(note)
	}
	return note, true
}

func (n *Notifier) schedule(id uint64, d time.Duration, fn func()) {
	timer := n.afterFunc(d, fn)
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.current == nil || n.current.ID != id {
		timer.Stop()
		return
	}
	n.timers = append(n.timers, timer)
}

func (n *Notifier) makeReloadable(id uint64) {
	n.mu.Lock()
	if n.current == nil || n.current.ID != id || n.current.Reloadable {
		n.mu.Unlock()
		return
	}
	n.current.Reloadable = true
	note := *n.current
	sink := n.sink
	n.mu.Unlock()
	if sink != nil {
		sink.Update(note)
	}
}

func (n *Notifier) dismiss(id uint64) {
	n.mu.Lock()
	if n.current == nil || n.current.ID != id {
		n.mu.Unlock()
		return
	}
	note := *n.current
	n.current = nil
	timers := n.timers
	n.timers = nil
	sink := n.sink
	n.mu.Unlock()

	for _, timer := range timers {
		timer.Stop()
	}
	if sink != nil {
		sink.Dismiss(note)
	}
}
