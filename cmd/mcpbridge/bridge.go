package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"mcpbridge/internal/config"
	"mcpbridge/internal/flow"
	"mcpbridge/internal/format"
	"mcpbridge/internal/netguard"
	"mcpbridge/internal/oauth"
	"mcpbridge/internal/observability"
	"mcpbridge/internal/storage"
	"mcpbridge/internal/upstream"
	"mcpbridge/internal/upstream/factory"
)

const shutdownTimeout = 10 * time.Second

// bridge is the composed application: token storage, OAuth plumbing, the
// connection factory, the pool manager, and the callback HTTP server.
// Everything is wired here once and passed by reference.
type bridge struct {
	cfg      *config.Config
	logger   *zap.Logger
	store    *storage.BoltStore
	flows    *flow.Manager
	metrics  *observability.Metrics
	manager  *upstream.Manager
	callback *oauth.CallbackServer
}

// newBridge assembles the application. listenAddr is where the OAuth
// callback server binds; pass "127.0.0.1:0" for one-shot commands that
// only need a loopback redirect URI. oauthStart delivers authorization
// URLs; nil falls back to logging them.
func newBridge(cfg *config.Config, logger *zap.Logger, listenAddr string, oauthStart func(ctx context.Context, authorizationURL string) error) (*bridge, error) {
	b := &bridge{cfg: cfg, logger: logger}

	// The callback listener binds first so the redirect URI is final
	// before any authorization URL is issued. Its handlers delegate to
	// the manager, which is wired below.
	cb, err := oauth.NewCallbackServer(listenAddr, b.completeFlow, b.failFlow, logger)
	if err != nil {
		return nil, err
	}
	b.callback = cb

	store, err := storage.NewBoltStore(cfg.DataDir, logger.Sugar())
	if err != nil {
		_ = cb.Shutdown(context.Background())
		return nil, fmt.Errorf("failed to open token storage: %w", err)
	}
	b.store = store

	httpClient := &http.Client{Timeout: 30 * time.Second}
	discoverer := oauth.NewDiscoverer(httpClient, logger)
	exchanger := oauth.NewExchanger(httpClient, logger)
	obo := oauth.NewOBOExchanger(httpClient, logger)

	tokens := oauth.NewTokenManager(store, oauth.DefaultRefreshFunc(exchanger, discoverer), logger)
	b.flows = flow.NewManager(logger)
	b.metrics = observability.NewMetrics()

	fac := factory.New(factory.Deps{
		Tokens:      tokens,
		Flows:       b.flows,
		Discoverer:  discoverer,
		Exchanger:   exchanger,
		OBO:         obo,
		Guard:       netguard.New(cfg.AllowedDomains, cfg.DenyPrivateHosts),
		Global:      cfg,
		RedirectURI: cb.RedirectURI,
		Metrics:     b.metrics,
		Logger:      logger,
	})

	formats := format.NewRegistry()
	formats.SetFallback(format.Truncate(cfg.ToolResponseLimit))

	if oauthStart == nil {
		oauthStart = func(_ context.Context, authorizationURL string) error {
			logger.Info("Authorization required, open this URL to continue",
				zap.String("url", authorizationURL))
			return nil
		}
	}

	b.manager = upstream.NewManager(upstream.Deps{
		Global:     cfg,
		Factory:    fac,
		Formats:    formats,
		Metrics:    b.metrics,
		OAuthStart: oauthStart,
		Logger:     logger,
	})

	cb.Mount("/metrics", b.metrics.Handler())
	return b, nil
}

func (b *bridge) completeFlow(ctx context.Context, state, code string) error {
	return b.manager.CompleteOAuthFlow(ctx, state, code)
}

func (b *bridge) failFlow(ctx context.Context, state, errCode, errDescription string) error {
	return b.manager.FailOAuthFlow(ctx, state, errCode, errDescription)
}

// start begins serving OAuth callbacks and metrics.
func (b *bridge) start() {
	b.callback.Start()
}

// close tears the bridge down: callback server, pooled connections, then
// the token store.
func (b *bridge) close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := b.callback.Shutdown(ctx); err != nil {
		b.logger.Warn("Callback server shutdown failed", zap.Error(err))
	}
	if err := b.manager.Close(); err != nil {
		b.logger.Warn("Connection pool shutdown failed", zap.Error(err))
	}
	b.flows.Stop()
	if err := b.store.Close(); err != nil {
		b.logger.Warn("Token store close failed", zap.Error(err))
	}
}
