package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/net/html"

	"github.com/l0p7/mapinfo/internal/blocks"
	"github.com/l0p7/mapinfo/internal/dom"
	"github.com/l0p7/mapinfo/internal/domobserver"
	"github.com/l0p7/mapinfo/internal/httpclient"
	"github.com/l0p7/mapinfo/internal/notify"
	"github.com/l0p7/mapinfo/internal/store"
)

// Controller is the listing controller the manager (re)initializes.
type Controller interface {
	Initialize(ctx context.Context) error
	Wait()
}

// Cleaner strips everything mounted into the listing.
type Cleaner interface {
	ClearMounted()
}

// ClientState is the request bookkeeping the manager resets on reload.
type ClientState interface {
	Reset()
	Snapshot() httpclient.Snapshot
}

type Options struct {
	Document   *dom.Document
	Observer   *domobserver.Observer
	Controller Controller
	Cleaner    Cleaner
	Client     ClientState
	Store      *store.Store
	Notifier   *notify.Notifier
	Logger     *slog.Logger
}

// Manager ties the controller's lifetime to the presence of the listing
// container and owns the reload escape hatch.
type Manager struct {
	doc        *dom.Document
	observer   *domobserver.Observer
	controller Controller
	cleaner    Cleaner
	client     ClientState
	store      *store.Store
	notifier   *notify.Notifier
	logger     *slog.Logger

	mu        sync.Mutex
	ctx       context.Context
	started   bool
	observing bool
	reloads   int
	lastErr   error
}

func NewManager(opts Options) (*Manager, error) {
	switch {
	case opts.Document == nil:
		return nil, errors.New("runtime: document required")
	case opts.Observer == nil:
		return nil, errors.New("runtime: observer required")
	case opts.Controller == nil:
		return nil, errors.New("runtime: controller required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		doc:        opts.Document,
		observer:   opts.Observer,
		controller: opts.Controller,
		cleaner:    opts.Cleaner,
		client:     opts.Client,
		store:      opts.Store,
		notifier:   opts.Notifier,
		logger:     logger.With(slog.String("agent", "manager")),
	}
	if m.notifier != nil {
		m.notifier.SetSink(NewDOMSink(m.doc, m.notifier.RequestReload, logger))
		m.notifier.SetReloadHandler(func() {
			if err := m.Reload(true); err != nil {
				m.logger.Error("reload failed", slog.Any("error", err))
			}
		})
	}
	return m, nil
}

// Start watches for the listing container. The controller is initialized
// each time the container appears and its observers are dropped when it
// goes away.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	m.ctx = ctx
	m.started = true
	m.mu.Unlock()

	if err := m.observer.WatchElementPresence(blocks.ContainerSelector, m.onAppear, m.onDisappear); err != nil {
		return fmt.Errorf("runtime: start: %w", err)
	}
	m.logger.Info("watching for listing", slog.String("selector", blocks.ContainerSelector))
	return nil
}

func (m *Manager) onAppear(*html.Node) {
	m.stopDependents()
	m.mu.Lock()
	ctx := m.ctx
	m.mu.Unlock()

	err := m.controller.Initialize(ctx)
	m.mu.Lock()
	m.observing = err == nil
	m.lastErr = err
	m.mu.Unlock()
	if err != nil {
		m.logger.Error("controller initialize failed", slog.Any("error", err))
		return
	}
	m.logger.Info("listing appeared")
}

func (m *Manager) onDisappear() {
	m.stopDependents()
	m.mu.Lock()
	m.observing = false
	m.mu.Unlock()
	m.logger.Info("listing disappeared")
}

func (m *Manager) stopDependents() {
	var keys []string
	for _, key := range []string{blocks.ContainerSelector, domobserver.DynamicKey(blocks.PopupGroupSelector)} {
		if m.observer.IsObserving(key) {
			keys = append(keys, key)
		}
	}
	if len(keys) > 0 {
		m.observer.StopObserving(keys...)
	}
}

// Reload drops every subscription, clears the client's bookkeeping and starts
// over. withDOM also strips everything mounted so blocks are rebuilt from
// scratch.
func (m *Manager) Reload(withDOM bool) error {
	m.mu.Lock()
	ctx := m.ctx
	started := m.started
	if started {
		m.reloads++
	}
	m.mu.Unlock()
	if !started {
		return errors.New("runtime: reload before start")
	}

	m.logger.Info("reloading", slog.Bool("with_dom", withDOM))
	m.observer.StopAllObserving()
	m.mu.Lock()
	m.observing = false
	m.mu.Unlock()
	if m.client != nil {
		m.client.Reset()
	}
	if withDOM && m.cleaner != nil {
		m.cleaner.ClearMounted()
	}
	return m.Start(ctx)
}

// Wait blocks until background work started by the controller is done.
func (m *Manager) Wait() {
	m.controller.Wait()
}

// Status is the manager's health view.
type Status struct {
	Observing    bool                 `json:"observing"`
	Observers    []string             `json:"observers"`
	Reloads      int                  `json:"reloads"`
	LastError    string               `json:"lastError,omitempty"`
	Client       *httpclient.Snapshot `json:"client,omitempty"`
	Cache        map[string]int       `json:"cache,omitempty"`
	Notification string               `json:"notification,omitempty"`
	ObservedAt   time.Time            `json:"observedAt"`
}

func (m *Manager) Status(ctx context.Context) Status {
	m.mu.Lock()
	status := Status{
		Observing: m.observing,
		Reloads:   m.reloads,
	}
	if m.lastErr != nil {
		status.LastError = m.lastErr.Error()
	}
	m.mu.Unlock()

	status.Observers = m.observer.Keys()
	status.ObservedAt = time.Now().UTC()
	if m.client != nil {
		snapshot := m.client.Snapshot()
		status.Client = &snapshot
	}
	if m.store != nil {
		status.Cache = map[string]int{
			string(store.MapsetsNamespace):  m.store.Count(ctx, store.MapsetsNamespace),
			string(store.BeatmapsNamespace): m.store.Count(ctx, store.BeatmapsNamespace),
		}
	}
	if m.notifier != nil {
		if current, ok := m.notifier.Current(); ok {
			status.Notification = string(current.Kind)
		}
	}
	return status
}
