package runtime

import (
	"fmt"
	"log/slog"

	"github.com/l0p7/mapinfo/internal/dom"
	"github.com/l0p7/mapinfo/internal/notify"
)

const (
	notificationID       = "notification"
	notificationButtonID = "notification-button"
)

// DOMSink renders the notifier's single notification into the document body.
type DOMSink struct {
	doc      *dom.Document
	onReload func()
	logger   *slog.Logger
}

func NewDOMSink(doc *dom.Document, onReload func(), logger *slog.Logger) *DOMSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &DOMSink{doc: doc, onReload: onReload, logger: logger.With(slog.String("agent", "notification_sink"))}
}

func (s *DOMSink) Show(n notify.Notification) {
	s.render(n)
}

func (s *DOMSink) Update(n notify.Notification) {
	s.render(n)
}

func (s *DOMSink) Dismiss(n notify.Notification) {
	existing := s.doc.Query(nil, "#"+notificationID)
	if existing == nil {
		return
	}
	if id, _ := s.doc.Attr(existing, "data-id"); id != fmt.Sprint(n.ID) {
		return
	}
	s.doc.Remove(existing)
}

func (s *DOMSink) render(n notify.Notification) {
	body := s.doc.Body()
	if body == nil {
		s.logger.Warn("no body to show notification in")
		return
	}
	if existing := s.doc.Query(nil, "#"+notificationID); existing != nil {
		s.doc.Remove(existing)
	}

	box := dom.NewElement("div", "id", notificationID, "class", "notification notification--"+string(n.Kind), "data-id", fmt.Sprint(n.ID))
	message := dom.NewElement("span", "class", "notification__message")
	message.AppendChild(dom.NewText(n.Message))
	box.AppendChild(message)

	if !n.Reloadable {
		s.doc.AppendChild(body, box)
		return
	}
	button := dom.NewElement("button", "id", notificationButtonID, "type", "button")
	button.AppendChild(dom.NewText("Reload"))
	box.AppendChild(button)
	s.doc.AppendChild(body, box)
	if s.onReload != nil {
		s.doc.Listen(button, "click", func(dom.Event) { s.onReload() })
	}
}
