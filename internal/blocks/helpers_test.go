package blocks

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/net/html"

	"github.com/l0p7/mapinfo/internal/beatmap"
	"github.com/l0p7/mapinfo/internal/dom"
	"github.com/l0p7/mapinfo/internal/domobserver"
	"github.com/l0p7/mapinfo/internal/expr"
)

func itemHTML(mapsetID string) string {
	return `<div class="beatmapsets__item"><div class="beatmapset-panel">` +
		`<a class="beatmapset-panel__cover" href="https://osu.ppy.sh/beatmapsets/` + mapsetID + `"></a>` +
		`<div class="beatmapset-panel__info">` +
		`<div class="beatmapset-panel__info-row beatmapset-panel__info-row--title">Title ` + mapsetID + `</div>` +
		`<div class="beatmapset-panel__info-row beatmapset-panel__info-row--stats">stats</div>` +
		`</div>` +
		`<div class="beatmapset-panel__menu"><a class="beatmapset-panel__menu-item" href="#">dl</a></div>` +
		`</div></div>`
}

func rowHTML(mapsetIDs ...string) string {
	var b strings.Builder
	b.WriteString(`<div class="beatmapsets__items-row">`)
	for _, id := range mapsetIDs {
		b.WriteString(itemHTML(id))
	}
	b.WriteString(`</div>`)
	return b.String()
}

func listingDoc(t *testing.T, rows ...string) *dom.Document {
	t.Helper()
	page := `<html><body><div class="beatmapsets__items">` + strings.Join(rows, "") + `</div></body></html>`
	doc, err := dom.Parse(strings.NewReader(page), nil)
	require.NoError(t, err)
	return doc
}

func mapset(id int64, summaries ...beatmap.Summary) beatmap.Mapset {
	return beatmap.Mapset{ID: id, BPM: 180, Beatmaps: summaries, Date: "2024-05-01T10:00:00Z"}
}

func summary(id int64, rating float64, mode string) beatmap.Summary {
	return beatmap.Summary{ID: id, DifficultyRating: rating, BPM: 180, MaxCombo: 1000, Accuracy: 8, AR: 9, CS: 4, Drain: 6, Mode: mode}
}

func deepInfoPredicate(t *testing.T) *expr.Predicate {
	t.Helper()
	env, err := expr.NewEnvironment()
	require.NoError(t, err)
	pred, err := expr.NewPredicate(env, expr.DefaultDeepInfoWhen)
	require.NoError(t, err)
	return pred
}

type fakeService struct {
	mu sync.Mutex

	mapsets  map[string]beatmap.Mapset
	index    map[string]beatmap.Mapset
	computed map[string]beatmap.Calc
	local    map[string]beatmap.Calc
	serverPP map[string]beatmap.Calc

	batches    [][]string
	ppQueries  [][]string
	computes   []string
	refreshed  []string
	recomputed []string
	findCalls  int

	// beforeReceive runs before the callback for each id, outside the lock.
	beforeReceive func(id string)
}

func newFakeService() *fakeService {
	return &fakeService{
		mapsets:  make(map[string]beatmap.Mapset),
		index:    make(map[string]beatmap.Mapset),
		computed: make(map[string]beatmap.Calc),
		local:    make(map[string]beatmap.Calc),
		serverPP: make(map[string]beatmap.Calc),
	}
}

func (f *fakeService) setMapset(id string, m beatmap.Mapset) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mapsets[id] = m
	f.index[id] = m
}

func (f *fakeService) GetMapsetsData(_ context.Context, ids []string, onReceived func(string, beatmap.Mapset), onFailed func(string)) error {
	f.mu.Lock()
	f.batches = append(f.batches, append([]string(nil), ids...))
	hook := f.beforeReceive
	f.mu.Unlock()

	for _, id := range ids {
		if hook != nil {
			hook(id)
		}
		f.mu.Lock()
		m, ok := f.mapsets[id]
		f.mu.Unlock()
		if ok {
			onReceived(id, m)
		} else {
			onFailed(id)
		}
	}
	return nil
}

func (f *fakeService) GetCalculatedBeatmapData(_ context.Context, beatmapID string) (beatmap.Calc, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.computes = append(f.computes, beatmapID)
	calc, ok := f.computed[beatmapID]
	if !ok {
		return beatmap.Calc{}, fmt.Errorf("no calc for %s", beatmapID)
	}
	f.local[beatmapID] = calc
	return calc, nil
}

func (f *fakeService) TryCachedBeatmapsPP(_ context.Context, ids []string) map[string]beatmap.Calc {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ppQueries = append(f.ppQueries, append([]string(nil), ids...))
	out := make(map[string]beatmap.Calc)
	for _, id := range ids {
		if calc, ok := f.serverPP[id]; ok {
			out[id] = calc
		}
	}
	return out
}

func (f *fakeService) RefreshMapset(_ context.Context, mapsetID string) (beatmap.Mapset, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshed = append(f.refreshed, mapsetID)
	m, ok := f.mapsets[mapsetID]
	if !ok {
		return beatmap.Mapset{}, fmt.Errorf("no mapset %s", mapsetID)
	}
	return m, nil
}

func (f *fakeService) RecomputeBeatmap(_ context.Context, beatmapID string) (beatmap.Calc, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recomputed = append(f.recomputed, beatmapID)
	calc, ok := f.computed[beatmapID]
	if !ok {
		return beatmap.Calc{}, fmt.Errorf("no calc for %s", beatmapID)
	}
	return calc, nil
}

func (f *fakeService) FindBeatmap(_ context.Context, beatmapID int64) (beatmap.Summary, string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.findCalls++
	for owner, m := range f.index {
		if s, ok := m.Beatmap(beatmapID); ok {
			return s, owner, true
		}
	}
	return beatmap.Summary{}, "", false
}

func (f *fakeService) CachedCalc(_ context.Context, beatmapID string) (beatmap.Calc, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	calc, ok := f.local[beatmapID]
	return calc, ok
}

func (f *fakeService) batchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

type harness struct {
	doc        *dom.Document
	service    *fakeService
	processor  *Processor
	controller *Controller
	onReload   func()
	reloads    int
	mu         sync.Mutex
}

func newHarness(t *testing.T, doc *dom.Document, service *fakeService) *harness {
	t.Helper()
	h := &harness{doc: doc, service: service}
	processor, err := NewProcessor(ProcessorOptions{Document: doc, Calcs: service, DeepInfo: deepInfoPredicate(t)})
	require.NoError(t, err)
	controller, err := NewController(ControllerOptions{
		Document:  doc,
		Observer:  domobserver.New(doc, nil),
		Processor: processor,
		Service:   service,
		RequestReload: func() {
			h.mu.Lock()
			h.reloads++
			onReload := h.onReload
			h.mu.Unlock()
			if onReload != nil {
				onReload()
			}
		},
		ReloadRetryDelay: 5 * time.Millisecond,
	})
	require.NoError(t, err)
	h.processor = processor
	h.controller = controller
	return h
}

func (h *harness) block(t *testing.T, mapsetID string) *html.Node {
	t.Helper()
	block := h.processor.BlockByMapsetID(mapsetID)
	require.NotNil(t, block, "block for mapset %s", mapsetID)
	return block
}

func (h *harness) infoText(block *html.Node) string {
	info := h.doc.Query(block, "."+infoBlockClass)
	if info == nil {
		return ""
	}
	return h.doc.Text(info)
}

func (h *harness) click(t *testing.T, scope *html.Node, selector string) {
	t.Helper()
	target := h.doc.Query(scope, selector)
	require.NotNil(t, target, "click target %s", selector)
	require.Positive(t, h.doc.Dispatch(target, clickEvent))
	h.controller.Wait()
}

func idString(n int64) string { return strconv.FormatInt(n, 10) }

// taggedItemHTML renders a block the way the page re-renders one it has
// already seen, keeping the mapset tag.
func taggedItemHTML(mapsetID string) string {
	return strings.Replace(itemHTML(mapsetID), `class="beatmapsets__item"`, `class="beatmapsets__item" `+AttrMapsetID+`="`+mapsetID+`"`, 1)
}

func popupGroup(mapsetID string, beatmapIDs ...int64) *html.Node {
	group := dom.NewElement("div", "class", "beatmaps-popup__group")
	for _, beatmapID := range beatmapIDs {
		item := dom.NewElement("a", "class", "beatmaps-popup-item", "href", "https://osu.ppy.sh/beatmapsets/"+mapsetID+"#osu/"+idString(beatmapID))
		item.AppendChild(dom.NewElement("div", "class", "beatmap-list-item"))
		group.AppendChild(item)
	}
	return group
}
