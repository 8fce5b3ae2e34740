package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/l0p7/mapinfo/internal/blocks"
	"github.com/l0p7/mapinfo/internal/config"
	"github.com/l0p7/mapinfo/internal/dom"
	"github.com/l0p7/mapinfo/internal/domobserver"
	"github.com/l0p7/mapinfo/internal/expr"
	"github.com/l0p7/mapinfo/internal/httpclient"
	"github.com/l0p7/mapinfo/internal/metrics"
	"github.com/l0p7/mapinfo/internal/notify"
	"github.com/l0p7/mapinfo/internal/osuapi"
	"github.com/l0p7/mapinfo/internal/retry"
	"github.com/l0p7/mapinfo/internal/runtime"
	"github.com/l0p7/mapinfo/internal/server"
	"github.com/l0p7/mapinfo/internal/store"
	"github.com/l0p7/mapinfo/internal/templates"
)

// app is the fully wired agent.
type app struct {
	cfg      config.Config
	logger   *slog.Logger
	metrics  *metrics.Recorder
	doc      *dom.Document
	store    *store.Store
	notifier *notify.Notifier
	client   *httpclient.Client
	manager  *runtime.Manager
	handler  http.Handler

	// snapshot is the page source last loaded into doc.
	snapshot []byte
}

type appOptions struct {
	// Doer overrides the outbound transport.
	Doer httpclient.Doer
}

func buildApp(cfg config.Config, logger *slog.Logger, recorder *metrics.Recorder, opts appOptions) (*app, error) {
	a := &app{cfg: cfg, logger: logger, metrics: recorder}

	doc, snapshot, err := buildDocument(cfg.Page, logger)
	if err != nil {
		return nil, err
	}
	a.doc = doc
	a.snapshot = snapshot

	a.store = store.New(store.Options{
		Backend:  buildBackend(logger.With(slog.String("agent", "cache_factory")), cfg.Cache),
		Logger:   logger,
		Metrics:  recorder,
		Policies: policiesFrom(cfg.Cache),
	})

	a.notifier = notify.New(notify.Options{
		Logger:       logger,
		Metrics:      recorder,
		ReloadAfter:  cfg.Requests.Notification.ReloadAfterDuration(),
		DismissAfter: cfg.Requests.Notification.DismissAfterDuration(),
	})

	a.client, err = httpclient.New(httpclient.Options{
		BaseURL:   cfg.API.BaseURL,
		ClientID:  cfg.API.ClientID,
		TokenPath: cfg.API.TokenPath,
		Timeout:   cfg.API.Timeout(),
		MaxBody:   cfg.API.MaxBodyBytes,
		Tokens:    buildTokens(cfg.API),
		Doer:      opts.Doer,
		Notifier:  a.notifier,
		Logger:    logger,
		Metrics:   recorder,
		BanAfter:  cfg.Requests.BanAfter,
		Cooldown:  cfg.Requests.BanCooldownDuration(),
		Reissue:   retry.Policy{MaxAttempts: cfg.Requests.ReissueAttempts},
	})
	if err != nil {
		return nil, err
	}

	service, err := osuapi.New(osuapi.Options{
		Client:         a.client,
		Store:          a.store,
		Logger:         logger,
		SourceURL:      cfg.API.CanonicalSourceURL,
		UseServerCache: cfg.API.UseServerCache,
	})
	if err != nil {
		return nil, err
	}

	views, err := buildViews(cfg.Render, logger)
	if err != nil {
		return nil, err
	}
	deepInfo, err := buildDeepInfo(cfg.Render)
	if err != nil {
		return nil, err
	}

	processor, err := blocks.NewProcessor(blocks.ProcessorOptions{
		Document: doc,
		Views:    views,
		Calcs:    service,
		DeepInfo: deepInfo,
		Logger:   logger,
		Metrics:  recorder,
	})
	if err != nil {
		return nil, err
	}

	observer := domobserver.New(doc, logger)
	var manager *runtime.Manager
	controller, err := blocks.NewController(blocks.ControllerOptions{
		Document:  doc,
		Observer:  observer,
		Processor: processor,
		Service:   service,
		Logger:    logger,
		Metrics:   recorder,
		Retries:   retry.Policy{MaxAttempts: cfg.Requests.ManualRetries},
		RequestReload: func() {
			if err := manager.Reload(false); err != nil {
				logger.Warn("reload request failed", slog.Any("error", err))
			}
		},
		ReloadRetryDelay: cfg.Requests.ReloadRetryDelayDuration(),
	})
	if err != nil {
		return nil, err
	}

	manager, err = runtime.NewManager(runtime.Options{
		Document:   doc,
		Observer:   observer,
		Controller: controller,
		Cleaner:    processor,
		Client:     a.client,
		Store:      a.store,
		Notifier:   a.notifier,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}
	a.manager = manager
	a.handler = server.NewControlHandler(manager, recorder.Handler())
	return a, nil
}

// start begins observing the page and, when a snapshot file is configured,
// reloads the document whenever that file changes.
func (a *app) start(ctx context.Context) (stop func(), err error) {
	if err := a.manager.Start(ctx); err != nil {
		return nil, err
	}
	path := strings.TrimSpace(a.cfg.Page.SnapshotFile)
	if path == "" {
		return func() {}, nil
	}
	watcher, err := config.WatchPage(ctx, path, func(contents []byte) {
		if bytes.Equal(contents, a.snapshot) {
			return
		}
		a.snapshot = contents
		if err := a.doc.Load(bytes.NewReader(contents)); err != nil {
			a.logger.Error("page snapshot reload failed", slog.String("path", path), slog.Any("error", err))
			return
		}
		a.logger.Info("page snapshot loaded", slog.String("path", path), slog.Int("bytes", len(contents)))
	}, func(err error) {
		a.logger.Error("page watcher error", slog.Any("error", err))
	})
	if err != nil {
		a.logger.Warn("page watcher setup failed", slog.String("path", path), slog.Any("error", err))
		return func() {}, nil
	}
	return watcher.Stop, nil
}

func (a *app) close(ctx context.Context) {
	a.manager.Wait()
	a.notifier.Close()
	if err := a.store.Close(ctx); err != nil {
		a.logger.Error("store shutdown failed", slog.Any("error", err))
	}
}

func buildDocument(cfg config.PageConfig, logger *slog.Logger) (*dom.Document, []byte, error) {
	path := strings.TrimSpace(cfg.SnapshotFile)
	if path == "" {
		return dom.New(logger), nil, nil
	}
	contents, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Warn("page snapshot missing, starting empty", slog.String("path", path))
			return dom.New(logger), nil, nil
		}
		return nil, nil, fmt.Errorf("read page snapshot: %w", err)
	}
	doc, err := dom.Parse(bytes.NewReader(contents), logger)
	if err != nil {
		return nil, nil, err
	}
	return doc, contents, nil
}

func buildBackend(logger *slog.Logger, cfg config.CacheConfig) store.Backend {
	switch strings.TrimSpace(strings.ToLower(cfg.Backend)) {
	case "", "memory":
		logger.Info("using memory cache", slog.Int("quota_bytes", cfg.QuotaBytes))
		return store.NewMemory(cfg.QuotaBytes)
	case "file":
		backend, err := store.NewFile(cfg.Folder)
		if err != nil {
			logger.Error("file cache initialization failed", slog.Any("error", err))
			logger.Info("falling back to memory cache")
			return store.NewMemory(cfg.QuotaBytes)
		}
		logger.Info("using file cache", slog.String("folder", cfg.Folder))
		return backend
	case "redis":
		backend, err := store.NewRedis(store.RedisConfig{
			Address:  cfg.Redis.Address,
			Username: cfg.Redis.Username,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
			TLS: store.RedisTLSConfig{
				Enabled: cfg.Redis.TLS.Enabled,
				CAFile:  cfg.Redis.TLS.CAFile,
			},
		})
		if err != nil {
			logger.Error("redis cache initialization failed", slog.Any("error", err))
			logger.Info("falling back to memory cache")
			return store.NewMemory(cfg.QuotaBytes)
		}
		logger.Info("using redis cache", slog.String("address", cfg.Redis.Address))
		return backend
	default:
		logger.Warn("unsupported cache backend, defaulting to memory", slog.String("backend", cfg.Backend))
		return store.NewMemory(cfg.QuotaBytes)
	}
}

func policiesFrom(cfg config.CacheConfig) map[store.Namespace]store.Policy {
	return map[store.Namespace]store.Policy{
		store.MapsetsNamespace:  {Limit: cfg.Mapsets.Limit, Evict: cfg.Mapsets.Evict},
		store.BeatmapsNamespace: {Limit: cfg.Beatmaps.Limit, Evict: cfg.Beatmaps.Evict},
	}
}

func buildTokens(cfg config.APIConfig) httpclient.TokenStore {
	if path := strings.TrimSpace(cfg.TokenFile); path != "" {
		return httpclient.NewFileTokens(path, cfg.TokenLifetime())
	}
	return &httpclient.MemoryTokens{}
}

func buildViews(cfg config.RenderConfig, logger *slog.Logger) (*templates.Views, error) {
	var sandbox *templates.Sandbox
	if folder := strings.TrimSpace(cfg.TemplatesFolder); folder != "" {
		sb, err := templates.NewSandbox(folder)
		if err != nil {
			logger.Warn("template sandbox setup failed", slog.String("templates_folder", folder), slog.Any("error", err))
		} else {
			sandbox = sb
		}
	}
	views, err := templates.NewViews(templates.NewRenderer(sandbox), templates.ViewSources{
		Info:        cfg.InfoTemplate,
		InfoFile:    cfg.InfoTemplateFile,
		PP:          cfg.PPTemplate,
		PPFile:      cfg.PPTemplateFile,
		Tooltip:     cfg.TooltipTemplate,
		TooltipFile: cfg.TooltipTemplateFile,
	})
	if err != nil {
		return nil, fmt.Errorf("compile views: %w", err)
	}
	return views, nil
}

func buildDeepInfo(cfg config.RenderConfig) (*expr.Predicate, error) {
	if strings.TrimSpace(cfg.DeepInfoWhen) == "" {
		return nil, nil
	}
	env, err := expr.NewEnvironment()
	if err != nil {
		return nil, err
	}
	return expr.NewPredicate(env, cfg.DeepInfoWhen)
}
