package blocks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/net/html"

	"github.com/l0p7/mapinfo/internal/beatmap"
	"github.com/l0p7/mapinfo/internal/dom"
	"github.com/l0p7/mapinfo/internal/metrics"
	"github.com/l0p7/mapinfo/internal/retry"
)

var (
	ErrChunkIncomplete = errors.New("blocks: some blocks in chunk failed")
	ErrRetryExhausted  = errors.New("blocks: retry limit reached")
	ErrBlockGone       = errors.New("blocks: block not in document")
	ErrNotInitialized  = errors.New("blocks: controller not initialized")
)

// DefaultReloadRetryDelay is how long a difficulty switch waits for a reload
// before looking the beatmap up again.
const DefaultReloadRetryDelay = 1300 * time.Millisecond

// DataService is the data layer the controller drives.
type DataService interface {
	GetMapsetsData(ctx context.Context, ids []string, onReceived func(id string, m beatmap.Mapset), onFailed func(id string)) error
	GetCalculatedBeatmapData(ctx context.Context, beatmapID string) (beatmap.Calc, error)
	TryCachedBeatmapsPP(ctx context.Context, beatmapIDs []string) map[string]beatmap.Calc
	RefreshMapset(ctx context.Context, mapsetID string) (beatmap.Mapset, error)
	RecomputeBeatmap(ctx context.Context, beatmapID string) (beatmap.Calc, error)
	FindBeatmap(ctx context.Context, beatmapID int64) (beatmap.Summary, string, bool)
}

// Subscriber registers DOM subscriptions by selector.
type Subscriber interface {
	StartObserving(selector string, callback func([]*html.Node), opts dom.ObserveOptions) error
	ObserveDynamicElement(selector string, callback func(*html.Node)) error
}

type ControllerOptions struct {
	Document   *dom.Document
	Observer   Subscriber
	Processor  *Processor
	Service    DataService
	Logger     *slog.Logger
	Metrics    *metrics.Recorder
	// Retries bounds manual retries per mapset. Zero MaxAttempts means
	// unbounded.
	Retries retry.Policy

	// RequestReload asks the runtime to reload the page state. It is used
	// when a difficulty switch targets a beatmap nothing has cached.
	RequestReload    func()
	ReloadRetryDelay time.Duration
}

// Controller wires listing mutations and button clicks to the data service
// and the processor. Work runs on background goroutines; Wait blocks until
// it drains.
type Controller struct {
	doc              *dom.Document
	observer         Subscriber
	processor        *Processor
	service          DataService
	logger           *slog.Logger
	metrics          *metrics.Recorder
	retries          *retry.Tracker
	requestReload    func()
	reloadRetryDelay time.Duration

	mu  sync.RWMutex
	ctx context.Context
	wg  sync.WaitGroup
}

func NewController(opts ControllerOptions) (*Controller, error) {
	switch {
	case opts.Document == nil:
		return nil, errors.New("blocks: document required")
	case opts.Observer == nil:
		return nil, errors.New("blocks: observer required")
	case opts.Processor == nil:
		return nil, errors.New("blocks: processor required")
	case opts.Service == nil:
		return nil, errors.New("blocks: data service required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	delay := opts.ReloadRetryDelay
	if delay <= 0 {
		delay = DefaultReloadRetryDelay
	}
	return &Controller{
		doc:              opts.Document,
		observer:         opts.Observer,
		processor:        opts.Processor,
		service:          opts.Service,
		logger:           logger.With(slog.String("agent", "block_controller")),
		metrics:          opts.Metrics,
		retries:          retry.NewTracker(opts.Retries),
		requestReload:    opts.RequestReload,
		reloadRetryDelay: delay,
	}, nil
}

// Initialize subscribes to the listing container and to popup groups. ctx
// bounds every background task started from these subscriptions.
func (c *Controller) Initialize(ctx context.Context) error {
	c.mu.Lock()
	c.ctx = ctx
	c.mu.Unlock()

	if err := c.observer.StartObserving(ContainerSelector, c.HandleRows, dom.ObserveOptions{}); err != nil {
		return fmt.Errorf("blocks: initialize: %w", err)
	}
	if err := c.observer.ObserveDynamicElement(PopupGroupSelector, func(group *html.Node) {
		c.processor.AddChangeInfoButtons(group, c.onChangeDiff)
	}); err != nil {
		return fmt.Errorf("blocks: initialize: %w", err)
	}
	c.logger.Info("listing observed", slog.String("selector", ContainerSelector))
	return nil
}

func (c *Controller) runContext() context.Context {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ctx
}

// spawn runs fn on a tracked goroutine unless the controller context is done.
func (c *Controller) spawn(fn func(ctx context.Context)) {
	ctx := c.runContext()
	if ctx == nil {
		c.logger.Warn("work dropped before initialize")
		return
	}
	if ctx.Err() != nil {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn(ctx)
	}()
}

// Wait blocks until every background task has finished.
func (c *Controller) Wait() {
	c.wg.Wait()
}

// HandleRows splits newly added rows into chunks and processes each chunk
// concurrently.
func (c *Controller) HandleRows(rows []*html.Node) {
	for _, chunk := range c.processor.GetBeatmapsChunks(rows, false) {
		c.spawn(func(ctx context.Context) {
			if err := c.ProcessChunk(ctx, chunk); err != nil {
				c.logger.Debug("chunk incomplete", slog.Any("error", err))
			}
		})
	}
}

// ProcessChunk fetches the chunk's mapsets in one batch, mounts the
// representative difficulty on every block of each mapset and fills in any pp
// values the server has cached.
func (c *Controller) ProcessChunk(ctx context.Context, chunk []*html.Node) error {
	byID, ids, err := c.processor.PrepareBeatmapBlocksForProcess(chunk)
	if err != nil {
		return err
	}

	var (
		mu      sync.Mutex
		mounted = make(map[string][]*html.Node)
		failed  int
	)
	fail := func(id string) {
		for _, block := range byID[id] {
			c.markFailed(block, id)
		}
		mu.Lock()
		failed++
		mu.Unlock()
	}
	onReceived := func(id string, m beatmap.Mapset) {
		summary, ok := m.Representative()
		if !ok {
			c.logger.Warn("mapset without beatmaps", slog.String("mapset_id", id))
			fail(id)
			return
		}
		beatmapID := strconv.FormatInt(summary.ID, 10)
		var live []*html.Node
		for _, block := range byID[id] {
			node, ok := c.processor.ProcessBeatmapBlock(block, id, summary, c.onDeepInfo)
			if !ok {
				continue
			}
			c.processor.SetUpdateInfoBtnToBeatmapBlock(node, c.onUpdateInfo)
			live = append(live, node)
		}
		mu.Lock()
		defer mu.Unlock()
		if len(live) == 0 {
			failed++
			return
		}
		mounted[beatmapID] = append(mounted[beatmapID], live...)
	}
	if err := c.service.GetMapsetsData(ctx, ids, onReceived, fail); err != nil {
		return fmt.Errorf("blocks: process chunk: %w", err)
	}

	c.fillCachedPP(ctx, mounted)
	if failed > 0 {
		return fmt.Errorf("%w: %d of %d", ErrChunkIncomplete, failed, len(ids))
	}
	return nil
}

func (c *Controller) fillCachedPP(ctx context.Context, mounted map[string][]*html.Node) {
	if len(mounted) == 0 {
		return
	}
	var pending []string
	for beatmapID, blocks := range mounted {
		if c.processor.calcs != nil {
			if calc, ok := c.processor.calcs.CachedCalc(ctx, beatmapID); ok {
				for _, block := range blocks {
					c.processor.SetPPToBeatmapBlock(ctx, block, beatmapID, c.onGetPP, &calc)
				}
				continue
			}
		}
		pending = append(pending, beatmapID)
	}
	var found map[string]beatmap.Calc
	if len(pending) > 0 {
		found = c.service.TryCachedBeatmapsPP(ctx, pending)
	}
	for _, beatmapID := range pending {
		var calc *beatmap.Calc
		if hit, ok := found[beatmapID]; ok {
			calc = &hit
		}
		for _, block := range mounted[beatmapID] {
			if live := c.currentBlock(block, beatmapID); live != nil {
				c.processor.SetPPToBeatmapBlock(ctx, live, beatmapID, c.onGetPP, calc)
			}
		}
	}
}

// currentBlock resolves a block by beatmap id when the original was swapped
// out while a request was in flight.
func (c *Controller) currentBlock(block *html.Node, beatmapID string) *html.Node {
	if block != nil && c.doc.Contains(block) {
		return block
	}
	return c.processor.BlockByBeatmapID(beatmapID)
}

func (c *Controller) markFailed(block *html.Node, mapsetID string) {
	c.processor.SetBeatmapBlockFailed(block, mapsetID, func() {
		c.spawn(func(ctx context.Context) {
			if err := c.Retry(ctx, mapsetID); err != nil {
				c.logger.Warn("retry failed", slog.String("mapset_id", mapsetID), slog.Any("error", err))
			}
		})
	})
}

// Retry reprocesses the block for mapsetID.
func (c *Controller) Retry(ctx context.Context, mapsetID string) error {
	attempt, ok := c.retries.Next(mapsetID)
	if !ok {
		return fmt.Errorf("%w: mapset %s", ErrRetryExhausted, mapsetID)
	}
	block := c.processor.BlockByMapsetID(mapsetID)
	if block == nil {
		return fmt.Errorf("%w: mapset %s", ErrBlockGone, mapsetID)
	}
	c.metrics.ObserveBlock(metrics.BlockRetried)
	c.logger.Info("retrying block", slog.String("mapset_id", mapsetID), slog.Int("attempt", attempt))
	chunk := c.processor.GetBeatmapsChunks([]*html.Node{block}, true)[0]
	if err := c.ProcessChunk(ctx, chunk); err != nil {
		return err
	}
	c.retries.Reset(mapsetID)
	return nil
}

func (c *Controller) onDeepInfo(block *html.Node) {
	c.spawn(func(ctx context.Context) {
		if err := c.ShowDeepInfo(ctx, block); err != nil {
			c.logger.Warn("deep info failed", slog.Any("error", err))
		}
	})
}

// ShowDeepInfo toggles the difficulty tooltip for the block's current
// beatmap, computing the data when needed.
func (c *Controller) ShowDeepInfo(ctx context.Context, block *html.Node) error {
	beatmapID, ok := c.doc.Attr(block, AttrBeatmapID)
	if !ok {
		return fmt.Errorf("%w: no beatmap id", ErrBlockGone)
	}
	if c.processor.RemoveTooltip(beatmapID) {
		return nil
	}
	calc, err := c.service.GetCalculatedBeatmapData(ctx, beatmapID)
	if err != nil {
		return fmt.Errorf("blocks: deep info %s: %w", beatmapID, err)
	}
	live := c.currentBlock(block, beatmapID)
	if live == nil {
		return fmt.Errorf("%w: beatmap %s", ErrBlockGone, beatmapID)
	}
	c.processor.SetPPToBeatmapBlock(ctx, live, beatmapID, c.onGetPP, &calc)
	c.processor.DisplayTooltip(live, beatmapID, calc.Difficulty)
	return nil
}

func (c *Controller) onGetPP(block *html.Node, beatmapID string) {
	c.spawn(func(ctx context.Context) {
		if err := c.ShowPP(ctx, block, beatmapID); err != nil {
			c.logger.Warn("pp request failed", slog.String("beatmap_id", beatmapID), slog.Any("error", err))
		}
	})
}

// ShowPP computes and mounts the pp value for beatmapID.
func (c *Controller) ShowPP(ctx context.Context, block *html.Node, beatmapID string) error {
	calc, err := c.service.GetCalculatedBeatmapData(ctx, beatmapID)
	if err != nil {
		return fmt.Errorf("blocks: pp %s: %w", beatmapID, err)
	}
	live := c.currentBlock(block, beatmapID)
	if live == nil {
		return fmt.Errorf("%w: beatmap %s", ErrBlockGone, beatmapID)
	}
	c.processor.SetPPToBeatmapBlock(ctx, live, beatmapID, c.onGetPP, &calc)
	return nil
}

func (c *Controller) onUpdateInfo(block *html.Node) {
	c.spawn(func(ctx context.Context) {
		if err := c.UpdateInfo(ctx, block); err != nil {
			c.logger.Warn("info update failed", slog.Any("error", err))
		}
	})
}

// UpdateInfo refetches the block's mapset from the server, bypassing every
// cache, and recomputes the displayed beatmap.
func (c *Controller) UpdateInfo(ctx context.Context, block *html.Node) error {
	mapsetID, ok := c.doc.Attr(block, AttrMapsetID)
	if !ok {
		return fmt.Errorf("%w: no mapset id", ErrBlockGone)
	}
	m, err := c.service.RefreshMapset(ctx, mapsetID)
	if err != nil {
		return fmt.Errorf("blocks: update %s: %w", mapsetID, err)
	}
	summary, ok := m.Representative()
	if !ok {
		return fmt.Errorf("blocks: update %s: %w", mapsetID, beatmap.ErrNoBeatmaps)
	}
	live, ok := c.processor.ProcessBeatmapBlock(block, mapsetID, summary, c.onDeepInfo)
	if !ok {
		return fmt.Errorf("%w: mapset %s", ErrBlockGone, mapsetID)
	}
	beatmapID := strconv.FormatInt(summary.ID, 10)
	calc, err := c.service.RecomputeBeatmap(ctx, beatmapID)
	if err != nil {
		c.processor.SetPPToBeatmapBlock(ctx, live, beatmapID, c.onGetPP, nil)
		return fmt.Errorf("blocks: recompute %s: %w", beatmapID, err)
	}
	c.processor.SetPPToBeatmapBlock(ctx, live, beatmapID, c.onGetPP, &calc)
	return nil
}

func (c *Controller) onChangeDiff(beatmapID string) {
	c.spawn(func(ctx context.Context) {
		if err := c.ChangeDiff(ctx, beatmapID); err != nil {
			c.logger.Warn("difficulty switch failed", slog.String("beatmap_id", beatmapID), slog.Any("error", err))
		}
	})
}

// ChangeDiff shows beatmapID in the block of the mapset that owns it. When no
// cached mapset knows the beatmap, a reload is requested and the lookup runs
// once more after a delay.
func (c *Controller) ChangeDiff(ctx context.Context, beatmapID string) error {
	id, err := strconv.ParseInt(beatmapID, 10, 64)
	if err != nil {
		return fmt.Errorf("blocks: change diff: invalid beatmap id %q", beatmapID)
	}
	if c.switchDiff(ctx, id) {
		return nil
	}
	c.logger.Info("beatmap not cached, requesting reload", slog.String("beatmap_id", beatmapID))
	if c.requestReload != nil {
		c.requestReload()
	}
	timer := time.NewTimer(c.reloadRetryDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}
	if c.switchDiff(ctx, id) {
		return nil
	}
	return fmt.Errorf("blocks: change diff: beatmap %s not found", beatmapID)
}

func (c *Controller) switchDiff(ctx context.Context, beatmapID int64) bool {
	summary, mapsetID, ok := c.service.FindBeatmap(ctx, beatmapID)
	if !ok {
		return false
	}
	block := c.processor.BlockByMapsetID(mapsetID)
	if block == nil {
		c.logger.Debug("owning block not on page", slog.String("mapset_id", mapsetID))
		return false
	}
	if !c.processor.UpdateBeatmapInfo(block, summary) {
		return false
	}
	c.processor.SetPPToBeatmapBlock(ctx, block, strconv.FormatInt(beatmapID, 10), c.onGetPP, nil)
	return true
}
