package blocks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"

	"golang.org/x/net/html"

	"github.com/l0p7/mapinfo/internal/beatmap"
	"github.com/l0p7/mapinfo/internal/dom"
	"github.com/l0p7/mapinfo/internal/expr"
	"github.com/l0p7/mapinfo/internal/metrics"
	"github.com/l0p7/mapinfo/internal/templates"
)

// ErrNoMapsets is returned when none of the given blocks links to a mapset.
var ErrNoMapsets = errors.New("blocks: no mapset ids found")

// DefaultChunkSize is how many listing blocks share one batch request.
const DefaultChunkSize = 2

// CalcLookup reads calculated records without triggering a fetch.
type CalcLookup interface {
	CachedCalc(ctx context.Context, beatmapID string) (beatmap.Calc, bool)
}

type ProcessorOptions struct {
	Document  *dom.Document
	Views     *templates.Views
	Calcs     CalcLookup
	DeepInfo  *expr.Predicate
	ChunkSize int
	Logger    *slog.Logger
	Metrics   *metrics.Recorder
}

// Processor turns listing blocks into augmented blocks. Every mount is
// idempotent: calling it again replaces what the previous call added.
type Processor struct {
	doc       *dom.Document
	views     *templates.Views
	calcs     CalcLookup
	deepInfo  *expr.Predicate
	chunkSize int
	logger    *slog.Logger
	metrics   *metrics.Recorder
}

func NewProcessor(opts ProcessorOptions) (*Processor, error) {
	if opts.Document == nil {
		return nil, errors.New("blocks: document required")
	}
	views := opts.Views
	if views == nil {
		views = templates.DefaultViews()
	}
	chunkSize := opts.ChunkSize
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		doc:       opts.Document,
		views:     views,
		calcs:     opts.Calcs,
		deepInfo:  opts.DeepInfo,
		chunkSize: chunkSize,
		logger:    logger.With(slog.String("agent", "block_processor")),
		metrics:   opts.Metrics,
	}, nil
}

// GetBeatmapsChunks splits listing blocks into batches. Rows are flattened
// into their blocks unless single says nodes are blocks already.
func (p *Processor) GetBeatmapsChunks(nodes []*html.Node, single bool) [][]*html.Node {
	blocks := nodes
	if !single {
		blocks = p.flattenRows(nodes)
	}
	var chunks [][]*html.Node
	for start := 0; start < len(blocks); start += p.chunkSize {
		end := start + p.chunkSize
		if end > len(blocks) {
			end = len(blocks)
		}
		chunks = append(chunks, blocks[start:end])
	}
	return chunks
}

func (p *Processor) flattenRows(rows []*html.Node) []*html.Node {
	var blocks []*html.Node
	for _, row := range rows {
		if p.doc.Matches(row, RowItemSelector) {
			blocks = append(blocks, row)
			continue
		}
		blocks = append(blocks, p.doc.QueryAll(row, RowItemSelector)...)
	}
	return blocks
}

// trailingID matches the last path segment of listing and popup links,
// including popup fragments such as "#osu/2001".
var trailingID = regexp.MustCompile(`/(\d+)$`)

// MapsetID extracts the mapset id from the block's first link.
func (p *Processor) MapsetID(block *html.Node) (string, bool) {
	link := p.doc.Query(block, "a[href]")
	if link == nil {
		return "", false
	}
	href, _ := p.doc.Attr(link, "href")
	return idFromHref(href)
}

func idFromHref(href string) (string, bool) {
	match := trailingID.FindStringSubmatch(href)
	if match == nil {
		return "", false
	}
	return match[1], true
}

// PrepareBeatmapBlocksForProcess tags each block with its mapset id and
// returns the blocks grouped by id plus the distinct ids in page order. A
// mapset listed twice keeps both blocks.
func (p *Processor) PrepareBeatmapBlocksForProcess(blocks []*html.Node) (map[string][]*html.Node, []string, error) {
	byID := make(map[string][]*html.Node, len(blocks))
	var ids []string
	for _, block := range blocks {
		id, ok := p.MapsetID(block)
		if !ok {
			p.logger.Debug("block without mapset link skipped")
			p.metrics.ObserveBlock(metrics.BlockSkipped)
			continue
		}
		p.doc.SetAttr(block, AttrMapsetID, id)
		if _, seen := byID[id]; !seen {
			ids = append(ids, id)
		}
		byID[id] = append(byID[id], block)
	}
	if len(ids) == 0 {
		return nil, nil, ErrNoMapsets
	}
	return byID, ids, nil
}

// Resolve returns block when it is still attached, otherwise the block that
// currently carries mapsetID.
func (p *Processor) Resolve(block *html.Node, mapsetID string) *html.Node {
	if block != nil && p.doc.Contains(block) {
		return block
	}
	return p.BlockByMapsetID(mapsetID)
}

func (p *Processor) BlockByMapsetID(mapsetID string) *html.Node {
	if mapsetID == "" {
		return nil
	}
	return p.doc.Query(nil, fmt.Sprintf(`%s[%s="%s"]`, RowItemSelector, AttrMapsetID, mapsetID))
}

func (p *Processor) BlockByBeatmapID(beatmapID string) *html.Node {
	if beatmapID == "" {
		return nil
	}
	return p.doc.Query(nil, fmt.Sprintf(`%s[%s="%s"]`, RowItemSelector, AttrBeatmapID, beatmapID))
}

// ProcessBeatmapBlock mounts the info line for summary and, when the deep
// info predicate matches, the deep info button. It returns the live block.
func (p *Processor) ProcessBeatmapBlock(block *html.Node, mapsetID string, summary beatmap.Summary, onDeepInfo func(*html.Node)) (*html.Node, bool) {
	live := p.Resolve(block, mapsetID)
	if live == nil {
		p.logger.Warn("block no longer in document", slog.String("mapset_id", mapsetID))
		p.metrics.ObserveBlock(metrics.BlockSkipped)
		return nil, false
	}
	if !p.UpdateBeatmapInfo(live, summary) {
		return nil, false
	}
	if p.wantsDeepInfo(summary) {
		p.addDeepInfoButton(live, onDeepInfo)
	}
	p.metrics.ObserveBlock(metrics.BlockRendered)
	return live, true
}

// UpdateBeatmapInfo renders summary into the block's info line and tags the
// block with the beatmap id.
func (p *Processor) UpdateBeatmapInfo(block *html.Node, summary beatmap.Summary) bool {
	text, err := p.views.Info(summary)
	if err != nil {
		p.logger.Error("info render failed", slog.Int64("beatmap_id", summary.ID), slog.Any("error", err))
		return false
	}
	info := dom.NewElement("div", "class", infoClass)
	info.AppendChild(dom.NewText(text))
	if !p.mountInfo(block, info) {
		return false
	}
	p.doc.SetAttr(block, AttrBeatmapID, fmt.Sprint(summary.ID))
	return true
}

func (p *Processor) wantsDeepInfo(summary beatmap.Summary) bool {
	if p.deepInfo == nil {
		return false
	}
	ok, err := p.deepInfo.Match(summary)
	if err != nil {
		p.logger.Warn("deep info predicate failed", slog.String("expression", p.deepInfo.Source()), slog.Any("error", err))
		return false
	}
	return ok
}

// mountInfo replaces the content of the block's info line, creating the line
// after the stats row on first use.
func (p *Processor) mountInfo(block, content *html.Node) bool {
	if existing := p.doc.Query(block, "."+infoBlockClass); existing != nil {
		p.doc.ReplaceChildren(existing, content)
		return true
	}
	stats := p.doc.Query(block, statsRowSelector)
	if stats == nil {
		p.logger.Warn("stats row missing", slog.String("selector", statsRowSelector))
		return false
	}
	infoBlock := dom.NewElement("div", "class", infoBlockClass)
	infoBlock.AppendChild(content)
	if err := p.doc.InsertAfter(stats, infoBlock); err != nil {
		p.logger.Error("info mount failed", slog.Any("error", err))
		return false
	}
	return true
}

// SetPPToBeatmapBlock shows the pp value for beatmapID when calc is given or
// cached, otherwise a button that calls onClick.
func (p *Processor) SetPPToBeatmapBlock(ctx context.Context, block *html.Node, beatmapID string, onClick func(block *html.Node, beatmapID string), calc *beatmap.Calc) {
	if beatmapID == "" || block == nil {
		return
	}
	ppBlock := p.ensurePPBlock(block)
	if ppBlock == nil {
		return
	}
	if calc == nil && p.calcs != nil {
		if cached, ok := p.calcs.CachedCalc(ctx, beatmapID); ok {
			calc = &cached
		}
	}
	if calc != nil {
		p.mountPP(ppBlock, *calc)
		return
	}
	button := dom.NewElement("button", "class", ppButtonClass, "type", "button")
	button.AppendChild(dom.NewText("Get PP"))
	p.doc.ReplaceChildren(ppBlock, button)
	p.doc.Listen(button, clickEvent, func(ev dom.Event) {
		if owner := p.doc.Closest(ev.Current, RowItemSelector); owner != nil && onClick != nil {
			onClick(owner, beatmapID)
		}
	})
}

func (p *Processor) ensurePPBlock(block *html.Node) *html.Node {
	if existing := p.doc.Query(block, "."+ppBlockClass); existing != nil {
		return existing
	}
	info := p.doc.Query(block, panelInfoSelector)
	if info == nil {
		p.logger.Warn("panel info missing", slog.String("selector", panelInfoSelector))
		return nil
	}
	name := p.doc.FirstElementChild(info)
	if name == nil {
		p.logger.Warn("panel info has no children")
		return nil
	}
	ppBlock := dom.NewElement("div", "class", ppBlockClass)
	p.doc.AppendChild(name, ppBlock)
	return ppBlock
}

func (p *Processor) mountPP(ppBlock *html.Node, calc beatmap.Calc) {
	text, err := p.views.PP(calc)
	if err != nil {
		p.logger.Error("pp render failed", slog.Any("error", err))
		return
	}
	data := dom.NewElement("span", "class", ppDataClass)
	data.AppendChild(dom.NewText("(100%fc)"))
	p.doc.ReplaceChildren(ppBlock, dom.NewText(text+" "), data)
}

// SetBeatmapBlockFailed replaces the info line with a failure note and a
// retry button.
func (p *Processor) SetBeatmapBlockFailed(block *html.Node, mapsetID string, retry func()) {
	live := p.Resolve(block, mapsetID)
	if live == nil {
		p.logger.Warn("failed block no longer in document", slog.String("mapset_id", mapsetID))
		return
	}
	failed := dom.NewElement("div", "class", failedClass)
	failed.AppendChild(dom.NewText("Failed to get beatmap data "))
	button := dom.NewElement("button", "class", retryBtnClass, "type", "button")
	button.AppendChild(dom.NewText("retry"))
	failed.AppendChild(button)
	if !p.mountInfo(live, failed) {
		return
	}
	p.metrics.ObserveBlock(metrics.BlockFailed)
	p.doc.Listen(button, clickEvent, func(dom.Event) {
		if retry != nil {
			retry()
		}
	})
}

// SetUpdateInfoBtnToBeatmapBlock adds the refresh button to the block menu
// once.
func (p *Processor) SetUpdateInfoBtnToBeatmapBlock(block *html.Node, onClick func(block *html.Node)) {
	p.addMenuButton(block, updateInfoBtnClass, "Update beatmap info", "↻", onClick)
}

func (p *Processor) addDeepInfoButton(block *html.Node, onClick func(block *html.Node)) {
	p.addMenuButton(block, deepInfoBtnClass, "Show deep beatmap info", "ⓘ", onClick)
}

func (p *Processor) addMenuButton(block *html.Node, class, title, label string, onClick func(*html.Node)) {
	menu := p.doc.Query(block, menuSelector)
	if menu == nil {
		p.logger.Warn("block menu missing", slog.String("selector", menuSelector))
		return
	}
	if p.doc.Query(menu, "."+class) != nil {
		return
	}
	button := dom.NewElement("button", "class", menuButtonClass+" "+class, "type", "button", "title", title)
	button.AppendChild(dom.NewText(label))
	if err := p.doc.InsertBefore(menu, button, p.doc.FirstElementChild(menu)); err != nil {
		p.logger.Error("menu button mount failed", slog.Any("error", err))
		return
	}
	p.doc.Listen(button, clickEvent, func(ev dom.Event) {
		if owner := p.doc.Closest(ev.Current, RowItemSelector); owner != nil && onClick != nil {
			onClick(owner)
		}
	})
}

// RemoveTooltip removes the tooltip shown for beatmapID and reports whether
// there was one.
func (p *Processor) RemoveTooltip(beatmapID string) bool {
	tooltip := p.doc.Query(nil, fmt.Sprintf(`.%s[%s="%s"]`, tooltipClass, attrTooltipID, beatmapID))
	if tooltip == nil {
		return false
	}
	p.doc.Remove(tooltip)
	return true
}

// DisplayTooltip shows the difficulty breakdown above block. The tooltip
// goes away on the next click outside it.
func (p *Processor) DisplayTooltip(block *html.Node, beatmapID string, difficulty beatmap.Difficulty) {
	text, err := p.views.Tooltip(difficulty)
	if err != nil {
		p.logger.Error("tooltip render failed", slog.Any("error", err))
		return
	}
	parent := p.doc.Parent(block)
	if parent == nil {
		return
	}
	p.RemoveTooltip(beatmapID)
	tooltip := dom.NewElement("div", "class", tooltipClass, attrTooltipID, beatmapID)
	tooltip.AppendChild(dom.NewText(text))
	if err := p.doc.InsertBefore(parent, tooltip, block); err != nil {
		p.logger.Error("tooltip mount failed", slog.Any("error", err))
		return
	}

	var stop func()
	stop = p.doc.Listen(p.doc.Root(), clickEvent, func(ev dom.Event) {
		if p.doc.Closest(ev.Target, "."+tooltipClass) == tooltip {
			return
		}
		// The block's own deep info button toggles the tooltip itself.
		if btn := p.doc.Closest(ev.Target, "."+deepInfoBtnClass); btn != nil && p.doc.Closest(btn, RowItemSelector) == block {
			return
		}
		p.doc.Remove(tooltip)
		stop()
	})
}

// AddChangeInfoButtons adds a "Show Info" button to each difficulty in an
// expanded popup group.
func (p *Processor) AddChangeInfoButtons(group *html.Node, onClick func(beatmapID string)) {
	for _, item := range p.doc.QueryAll(group, popupItemSelector) {
		href, _ := p.doc.Attr(item, "href")
		if href == "" {
			if link := p.doc.Query(item, "a[href]"); link != nil {
				href, _ = p.doc.Attr(link, "href")
			}
		}
		beatmapID, ok := idFromHref(href)
		if !ok {
			continue
		}
		target := p.doc.Query(item, popupListSelector)
		if target == nil {
			target = item
		}
		if existing := p.doc.Query(target, "."+changeDiffBtnClass); existing != nil {
			p.doc.Remove(existing)
		}
		button := dom.NewElement("button", "class", changeDiffBtnClass, "type", "button")
		button.AppendChild(dom.NewText("Show Info"))
		p.doc.AppendChild(target, button)
		p.doc.Listen(button, clickEvent, func(dom.Event) {
			if onClick != nil {
				onClick(beatmapID)
			}
		})
	}
}

// ClearMounted removes everything the processor added and untags blocks.
func (p *Processor) ClearMounted() {
	for _, selector := range []string{
		"." + infoBlockClass,
		"." + ppBlockClass,
		"." + menuButtonClass,
		"." + tooltipClass,
		"." + changeDiffBtnClass,
	} {
		for _, n := range p.doc.QueryAll(nil, selector) {
			p.doc.Remove(n)
		}
	}
	for _, block := range p.doc.QueryAll(nil, RowItemSelector) {
		p.doc.RemoveAttr(block, AttrMapsetID)
		p.doc.RemoveAttr(block, AttrBeatmapID)
	}
}
