package osuapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/l0p7/mapinfo/internal/beatmap"
	"github.com/l0p7/mapinfo/internal/httpclient"
	"github.com/l0p7/mapinfo/internal/retry"
	"github.com/l0p7/mapinfo/internal/store"
)

const (
	DefaultSourceURL   = "https://osu.ppy.sh/osu/"
	DefaultRetryWait   = 500 * time.Millisecond
	minStructureLength = 50
)

var (
	ErrNoIDs            = errors.New("osuapi: no ids requested")
	ErrInvalidStructure = errors.New("osuapi: beatmap structure invalid")
)

// Requester sends requests through the shared HTTP client.
type Requester interface {
	Do(ctx context.Context, req httpclient.Request) (*httpclient.Response, error)
}

type Options struct {
	Client Requester
	Store  *store.Store
	Logger *slog.Logger
	// SourceURL is the canonical beatmap file location; the beatmap id is
	// appended.
	SourceURL string
	// UseServerCache consults the server's calculated cache before running
	// the full calculation.
	UseServerCache bool
	// Retry bounds how often a calculation rejected with a retryable error
	// is looked up again. Zero MaxAttempts means two attempts.
	Retry retry.Policy
	Now   func() time.Time
}

// Service decides between the local store, the intermediate server's caches
// and a full fetch-and-compute.
type Service struct {
	client         Requester
	store          *store.Store
	logger         *slog.Logger
	sourceURL      string
	useServerCache bool
	retry          retry.Policy
	now            func() time.Time
}

func New(opts Options) (*Service, error) {
	if opts.Client == nil {
		return nil, errors.New("osuapi: client required")
	}
	if opts.Store == nil {
		return nil, errors.New("osuapi: store required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sourceURL := opts.SourceURL
	if sourceURL == "" {
		sourceURL = DefaultSourceURL
	}
	if !strings.HasSuffix(sourceURL, "/") {
		sourceURL += "/"
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	policy := opts.Retry
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 2
	}
	if policy.Backoff == nil {
		policy.Backoff = retry.Constant(DefaultRetryWait)
	}
	return &Service{
		client:         opts.Client,
		store:          opts.Store,
		logger:         logger.With(slog.String("agent", "data_service")),
		sourceURL:      sourceURL,
		useServerCache: opts.UseServerCache,
		retry:          policy,
		now:            now,
	}, nil
}

// GetMapsetsData resolves every id. Cached mapsets are emitted first, the
// rest are fetched in one batch. Each id ends up in exactly one callback.
func (s *Service) GetMapsetsData(ctx context.Context, ids []string, onReceived func(id string, m beatmap.Mapset), onFailed func(id string)) error {
	if len(ids) == 0 {
		return ErrNoIDs
	}
	seen := make(map[string]bool, len(ids))
	var uncached []string
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		if _, err := strconv.ParseInt(id, 10, 64); err != nil {
			s.logger.Warn("invalid mapset id", slog.String("id", id))
			onFailed(id)
			continue
		}
		if m, ok := s.cachedMapset(ctx, id); ok {
			onReceived(id, m)
			continue
		}
		uncached = append(uncached, id)
	}
	if len(uncached) == 0 {
		return nil
	}

	fetched, err := s.fetchMapsets(ctx, uncached)
	if err != nil {
		s.logger.Error("mapsets request failed", slog.Any("ids", uncached), slog.Any("error", err))
	}
	for _, id := range uncached {
		m, ok := fetched[id]
		if !ok {
			onFailed(id)
			continue
		}
		s.storeMapset(ctx, id, m)
		onReceived(id, m)
	}
	return nil
}

// GetCalculatedBeatmapData returns the calculated record for beatmapID from
// the local store, the server cache or a full computation, in that order. A
// retryable rejection, such as the same calculation already in flight, runs
// the whole lookup again so the finished result is picked up from the store.
func (s *Service) GetCalculatedBeatmapData(ctx context.Context, beatmapID string) (beatmap.Calc, error) {
	var calc beatmap.Calc
	err := s.retry.Do(ctx, httpclient.IsRetryable, func(ctx context.Context, attempt int) error {
		if attempt > 1 {
			s.logger.Debug("calculation retried", slog.String("beatmap_id", beatmapID), slog.Int("attempt", attempt))
		}
		var err error
		calc, err = s.calculatedBeatmapData(ctx, beatmapID)
		return err
	})
	return calc, err
}

func (s *Service) calculatedBeatmapData(ctx context.Context, beatmapID string) (beatmap.Calc, error) {
	if calc, ok := s.CachedCalc(ctx, beatmapID); ok {
		return calc, nil
	}
	if s.useServerCache {
		if calc, ok := s.serverCachedCalc(ctx, beatmapID); ok {
			s.storeCalc(ctx, beatmapID, calc)
			return calc, nil
		}
	}
	return s.computeCalc(ctx, beatmapID)
}

// TryCachedBeatmapsPP asks the server for already calculated beatmaps. It
// never computes; ids the server does not know are simply absent.
func (s *Service) TryCachedBeatmapsPP(ctx context.Context, beatmapIDs []string) map[string]beatmap.Calc {
	out := make(map[string]beatmap.Calc)
	if len(beatmapIDs) == 0 {
		return out
	}
	resp, err := s.client.Do(ctx, httpclient.Request{
		Method: http.MethodGet,
		URL:    "/api/cachedBeatmapsData?beatmapsIds=" + strings.Join(beatmapIDs, ","),
	})
	if err != nil {
		s.logger.Debug("cached beatmaps request failed", slog.Any("error", err))
		return out
	}
	var raw map[string]json.RawMessage
	if err := resp.Decode(&raw); err != nil {
		s.logger.Warn("cached beatmaps response unreadable", slog.Any("error", err))
		return out
	}
	for id, item := range raw {
		calc, err := normalizeCalc(item, s.now())
		if err != nil {
			continue
		}
		s.storeCalc(ctx, id, calc)
		out[id] = calc
	}
	return out
}

// RefreshMapset refetches one mapset from the server and overwrites the
// local entry.
func (s *Service) RefreshMapset(ctx context.Context, mapsetID string) (beatmap.Mapset, error) {
	resp, err := s.client.Do(ctx, httpclient.Request{Method: http.MethodGet, URL: "/api/MapsetData/" + mapsetID})
	if err != nil {
		return beatmap.Mapset{}, fmt.Errorf("osuapi: refresh mapset %s: %w", mapsetID, err)
	}
	m, err := normalizeMapset(resp.Body, s.now())
	if err != nil {
		return beatmap.Mapset{}, err
	}
	s.storeMapset(ctx, mapsetID, m)
	return m, nil
}

// RecomputeBeatmap drops the local calculated entry and runs the full
// computation without consulting the server cache.
func (s *Service) RecomputeBeatmap(ctx context.Context, beatmapID string) (beatmap.Calc, error) {
	s.store.Delete(ctx, store.BeatmapsNamespace, store.BeatmapItemType, beatmapID)
	return s.computeCalc(ctx, beatmapID)
}

// FindBeatmap locates a difficulty inside the cached mapsets.
func (s *Service) FindBeatmap(ctx context.Context, beatmapID int64) (beatmap.Summary, string, bool) {
	owner, raw, ok := s.store.FindByNestedID(ctx, store.MapsetsNamespace, store.MapsetItemType, "beatmaps", beatmapID)
	if !ok {
		return beatmap.Summary{}, "", false
	}
	var summary beatmap.Summary
	if err := json.Unmarshal(raw, &summary); err != nil {
		s.logger.Warn("cached beatmap unreadable", slog.Int64("beatmap_id", beatmapID), slog.Any("error", err))
		return beatmap.Summary{}, "", false
	}
	return summary, owner, true
}

// CachedCalc reads a calculated record from the local store only.
func (s *Service) CachedCalc(ctx context.Context, beatmapID string) (beatmap.Calc, bool) {
	entry, ok := s.store.Get(ctx, store.BeatmapsNamespace, store.BeatmapItemType, beatmapID)
	if !ok {
		return beatmap.Calc{}, false
	}
	var calc beatmap.Calc
	if err := json.Unmarshal(entry.Payload, &calc); err != nil || calc.PP <= 0 {
		return beatmap.Calc{}, false
	}
	return calc, true
}

func (s *Service) cachedMapset(ctx context.Context, id string) (beatmap.Mapset, bool) {
	entry, ok := s.store.Get(ctx, store.MapsetsNamespace, store.MapsetItemType, id)
	if !ok {
		return beatmap.Mapset{}, false
	}
	var m beatmap.Mapset
	if err := json.Unmarshal(entry.Payload, &m); err != nil {
		return beatmap.Mapset{}, false
	}
	if m.Validate() != nil {
		return beatmap.Mapset{}, false
	}
	return m, true
}

func (s *Service) fetchMapsets(ctx context.Context, ids []string) (map[string]beatmap.Mapset, error) {
	resp, err := s.client.Do(ctx, httpclient.Request{
		Method: http.MethodGet,
		URL:    "/api/MapsetsData?mapsetsIds=" + strings.Join(ids, ","),
	})
	if err != nil {
		return nil, err
	}
	var raw map[string]json.RawMessage
	if err := resp.Decode(&raw); err != nil {
		return nil, err
	}
	out := make(map[string]beatmap.Mapset, len(raw))
	for id, item := range raw {
		m, err := normalizeMapset(item, s.now())
		if err != nil {
			s.logger.Warn("mapset rejected", slog.String("id", id), slog.Any("error", err))
			continue
		}
		out[id] = m
	}
	return out, nil
}

func (s *Service) serverCachedCalc(ctx context.Context, beatmapID string) (beatmap.Calc, bool) {
	resp, err := s.client.Do(ctx, httpclient.Request{Method: http.MethodGet, URL: "/api/cachedBeatmapData/" + beatmapID})
	if err != nil {
		s.logger.Debug("server cache miss", slog.String("beatmap_id", beatmapID), slog.Any("error", err))
		return beatmap.Calc{}, false
	}
	if len(strings.TrimSpace(string(resp.Body))) == 0 {
		return beatmap.Calc{}, false
	}
	calc, err := normalizeCalc(resp.Body, s.now())
	if err != nil {
		return beatmap.Calc{}, false
	}
	return calc, true
}

func (s *Service) computeCalc(ctx context.Context, beatmapID string) (beatmap.Calc, error) {
	structure, err := s.fetchStructure(ctx, beatmapID)
	if err != nil {
		return beatmap.Calc{}, err
	}
	resp, err := s.client.Do(ctx, httpclient.Request{
		Method: http.MethodPost,
		URL:    "/api/BeatmapPP/" + beatmapID,
		Body:   map[string]string{"beatmap": structure},
	})
	if err != nil {
		return beatmap.Calc{}, fmt.Errorf("osuapi: calculate %s: %w", beatmapID, err)
	}
	calc, err := normalizeCalc(resp.Body, s.now())
	if err != nil {
		return beatmap.Calc{}, err
	}
	s.storeCalc(ctx, beatmapID, calc)
	return calc, nil
}

// fetchStructure downloads the raw beatmap file from the canonical source.
func (s *Service) fetchStructure(ctx context.Context, beatmapID string) (string, error) {
	resp, err := s.client.Do(ctx, httpclient.Request{Method: http.MethodGet, URL: s.sourceURL + beatmapID, SkipAuth: true})
	if err != nil {
		return "", fmt.Errorf("osuapi: download beatmap %s: %w", beatmapID, err)
	}
	structure := string(resp.Body)
	if len(structure) < minStructureLength {
		return "", fmt.Errorf("%w: %d bytes", ErrInvalidStructure, len(structure))
	}
	return structure, nil
}

func (s *Service) storeMapset(ctx context.Context, id string, m beatmap.Mapset) {
	payload, err := json.Marshal(m)
	if err != nil {
		s.logger.Error("mapset encode failed", slog.String("id", id), slog.Any("error", err))
		return
	}
	s.store.Set(ctx, store.MapsetsNamespace, store.MapsetItemType, id, store.Entry{ID: id, Date: m.Date, Payload: payload})
}

func (s *Service) storeCalc(ctx context.Context, id string, calc beatmap.Calc) {
	payload, err := json.Marshal(calc)
	if err != nil {
		s.logger.Error("calc encode failed", slog.String("id", id), slog.Any("error", err))
		return
	}
	s.store.Set(ctx, store.BeatmapsNamespace, store.BeatmapItemType, id, store.Entry{ID: id, Date: calc.Date, Payload: payload})
}
