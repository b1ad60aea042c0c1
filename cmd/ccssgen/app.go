package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/yourorg/ccssgen/internal/auth"
	"github.com/yourorg/ccssgen/internal/cache"
	"github.com/yourorg/ccssgen/internal/config"
	"github.com/yourorg/ccssgen/internal/extract"
	"github.com/yourorg/ccssgen/internal/filter"
	"github.com/yourorg/ccssgen/internal/generator"
	"github.com/yourorg/ccssgen/internal/minify"
	"github.com/yourorg/ccssgen/internal/pageview"
	"github.com/yourorg/ccssgen/internal/quota"
	"github.com/yourorg/ccssgen/internal/remote"
	"github.com/yourorg/ccssgen/internal/render"
	"github.com/yourorg/ccssgen/internal/store"
	"github.com/yourorg/ccssgen/internal/telemetry"
	"github.com/yourorg/ccssgen/internal/variant"
	"github.com/yourorg/ccssgen/pkg/types"
)

// globalFlags are the persistent root flags.
type globalFlags struct {
	cfgPath string
	verbose bool
	debug   bool
}

// app holds the wired components for one command.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    store.Store
	cache    *cache.FileCache
	gate     *quota.Gate
	signer   *auth.Signer
	gen      *generator.Generator
	pages    *pageview.Service
	shutdown func(context.Context) error
}

// openApp loads config, checks it with validate and wires every component.
func openApp(ctx context.Context, flags *globalFlags, stderr io.Writer, validate func(*config.Config) error) (*app, error) {
	cfg, err := config.Load(flags.cfgPath)
	if err != nil {
		return nil, err
	}
	if flags.verbose {
		cfg.Log.Level = "debug"
	}
	if flags.debug {
		cfg.Generator.Debug = true
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}
	logger := newLogger(stderr, cfg.Log)

	shutdown, err := telemetry.Setup(ctx, cfg.Telemetry.OTLPEndpoint, cfg.Telemetry.ServiceName)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	dsn := cfg.Store.DSN
	if dsn == "" {
		base, err := config.BaseDir()
		if err != nil {
			return nil, err
		}
		dsn = filepath.Join(base, "ccssgen.db")
	}
	st, err := store.Open(ctx, dsn)
	if err != nil {
		_ = shutdown(ctx)
		return nil, fmt.Errorf("open store: %w", err)
	}

	a := &app{
		cfg:      cfg,
		logger:   logger,
		store:    st,
		cache:    cache.New(cfg.Cache.Dir, st, logger),
		gate:     quota.NewGate(st, cfg.Remote.DailyQuota),
		shutdown: shutdown,
	}
	if cfg.Auth.Secret != "" {
		if a.signer, err = auth.NewSigner(cfg.Auth.Secret); err != nil {
			a.Close(ctx)
			return nil, err
		}
	}

	resolver := variant.NewResolver(variant.Policy{
		SeparateMobile: cfg.Site.SeparateMobile,
		MultiTenant:    cfg.Site.MultiTenant,
		RoleGroups:     cfg.Site.RoleGroups,
		BypassParam:    cfg.Render.BypassParam,
	})
	m := minify.New()
	bypass := render.Bypass{Param: cfg.Render.BypassParam, Value: cfg.Render.BypassValue}
	var renderer render.Renderer = &render.HTTPRenderer{Bypass: bypass, Timeout: cfg.Render.Timeout}
	if cfg.Render.Browser {
		renderer = &render.BrowserRenderer{Bypass: bypass, Timeout: cfg.Render.Timeout, Logger: logger}
	}

	a.gen, err = generator.New(generator.Options{
		Store:    st,
		Cache:    a.cache,
		Renderer: renderer,
		Minifier: m,
		Extractor: extract.New(extract.Options{
			Loader:          &extract.SiteLoader{SiteURL: cfg.Site.URL, DocRoot: cfg.Site.DocRoot, UserAgent: "ccssgen"},
			Minifier:        m,
			FontCDNPatterns: cfg.Generator.FontCDNPatterns,
			Logger:          logger,
		}),
		Remote: &remote.Client{
			BaseURL:    cfg.Remote.BaseURL,
			APIKey:     cfg.Remote.APIKey,
			MaxRetries: cfg.Remote.MaxRetries,
			Logger:     logger,
		},
		Gate:         a.gate,
		Signer:       a.signer,
		Groups:       resolver,
		Cooldown:     cfg.Generator.Cooldown,
		Debug:        cfg.Generator.Debug,
		CCSSTimeout:  cfg.Remote.CCSSTimeout,
		UCSSTimeout:  cfg.Remote.UCSSTimeout,
		Whitelist:    cfg.Generator.UCSSWhitelist,
		VaryCookie:   cfg.Site.VaryCookie,
		CookiePrefix: cfg.Site.CookiePrefix,
		Logger:       logger,
	})
	if err != nil {
		a.Close(ctx)
		return nil, err
	}

	pvOpts := pageview.Options{
		SiteURL:  cfg.Site.URL,
		Resolver: resolver,
		Cache:    a.cache,
		CCSS:     a.gen.Queue(types.KindCCSS),
		Rules: filter.Rules{
			IgnoreExtensions: cfg.Generator.ExcludeExtensions,
			IgnorePaths:      cfg.Generator.ExcludePaths,
			IgnoreQueryKeys:  cfg.Generator.ExcludeQueryKeys,
		},
		DefaultCCSS: cfg.Generator.DefaultCCSS,
		Logger:      logger,
	}
	if cfg.Generator.UCSSEnabled {
		pvOpts.UCSS = a.gen.Queue(types.KindUCSS)
	}
	if a.pages, err = pageview.New(pvOpts); err != nil {
		a.Close(ctx)
		return nil, err
	}
	return a, nil
}

func (a *app) Close(ctx context.Context) {
	if err := a.store.Close(); err != nil {
		a.logger.Warn("close store", "err", err)
	}
	if err := a.shutdown(ctx); err != nil {
		a.logger.Warn("telemetry shutdown", "err", err)
	}
}

func newLogger(w io.Writer, cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseKind(s string) (types.ArtifactKind, error) {
	k := types.ArtifactKind(strings.ToLower(strings.TrimSpace(s)))
	if !k.Valid() {
		return "", fmt.Errorf("unknown kind %q (want ccss or ucss)", s)
	}
	return k, nil
}
