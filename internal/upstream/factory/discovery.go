package factory

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"mcpbridge/internal/config"
	"mcpbridge/internal/flow"
	"mcpbridge/internal/netguard"
	"mcpbridge/internal/oauth"
	"mcpbridge/internal/transport"
	"mcpbridge/internal/upstream/core"
)

// urlProbeTimeout bounds each transport probe when inspecting a bare URL.
const urlProbeTimeout = 5 * time.Second

// ErrInspectionFailed reports that a URL answered on no known MCP transport.
var ErrInspectionFailed = errors.New("could not inspect MCP server")

// ToolDiscoveryResult is the outcome of DiscoverTools. OAuthRequired with a
// non-empty OAuthURL means the caller should surface the URL to the user;
// Tools may still be populated when the server lists them unauthenticated.
type ToolDiscoveryResult struct {
	Tools         []*config.ToolMetadata
	OAuthRequired bool
	OAuthURL      string
}

// URLDiscoveryResult describes what a bare URL turned out to be: which
// transport answered, the tools it exposes, and whether it demanded
// authorization before talking.
type URLDiscoveryResult struct {
	Transport      string
	Tools          []*config.ToolMetadata
	RequiresOAuth  bool
	OAuthMetadata  map[string]any
	SuggestedTitle string
}

// DiscoverTools lists a configured server's tools without blocking on user
// authorization. The authenticated path is tried first; if authorization
// stands in the way, the flow is started (URL reported in the result) and a
// single unauthenticated probe runs, since some servers serve tools/list
// openly and only demand tokens at call time.
func (f *Factory) DiscoverTools(ctx context.Context, opts CreateOptions) (*ToolDiscoveryResult, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, errors.New("server config is required")
	}

	var capturedURL string
	userStart := opts.OAuthStart
	opts.ReturnOnOAuth = true
	opts.OAuthStart = func(ctx context.Context, authURL string) error {
		capturedURL = authURL
		if userStart != nil {
			return userStart(ctx, authURL)
		}
		return nil
	}

	conn, err := f.Create(ctx, opts)
	if err == nil {
		defer func() { _ = conn.Disconnect() }()
		tools, listErr := f.listTools(ctx, conn)
		if listErr != nil {
			return nil, fmt.Errorf("listing tools on %s: %w", cfg.Name, listErr)
		}
		return &ToolDiscoveryResult{Tools: tools}, nil
	}

	// A guard rejection is final: the bare probe targets the same host.
	var guardErr *netguard.DomainNotAllowedError
	if errors.As(err, &guardErr) {
		return nil, err
	}

	var flowFailed *oauth.FlowFailedError
	switch {
	case errors.Is(err, flow.ErrOAuthFlowInitiated):
	case errors.As(err, &flowFailed):
	case oauth.IsAuthError(err):
	default:
		return nil, err
	}

	if capturedURL == "" {
		// Joiners of an in-flight flow never see OAuthStart; the creator
		// persisted the URL in the flow metadata.
		if fs := f.flows.GetFlowState(flow.FlowID(opts.UserID, cfg.Name, oauthPurpose)); fs != nil {
			capturedURL = fs.Metadata[metaAuthURL]
		}
	}

	result := &ToolDiscoveryResult{OAuthRequired: true, OAuthURL: capturedURL}
	tools, bareErr := f.bareListTools(ctx, cfg)
	if bareErr != nil {
		f.logger.Debug("Unauthenticated tool probe failed",
			zap.String("server", cfg.Name),
			zap.Error(bareErr))
		return result, nil
	}
	result.Tools = tools
	return result, nil
}

// bareListTools dials once with no credentials and no retry.
func (f *Factory) bareListTools(ctx context.Context, cfg *config.ServerConfig) ([]*config.ToolMetadata, error) {
	conn := core.NewConnection(cfg, "", f.global, f.logger)
	defer func() { _ = conn.Disconnect() }()
	if err := f.connect(ctx, conn); err != nil {
		return nil, err
	}
	return f.listTools(ctx, conn)
}

// DiscoverFromURL inspects a bare URL: which MCP transport answers there,
// what tools it exposes, and whether it demands authorization. Transports
// are probed most-capable first; an authorization challenge is a positive
// identification, so probing stops there.
func (f *Factory) DiscoverFromURL(ctx context.Context, rawURL string) (*URLDiscoveryResult, error) {
	if f.guard != nil {
		if err := f.guard.Validate(rawURL); err != nil {
			return nil, err
		}
	}

	title := suggestTitle(rawURL)
	var lastErr error
	for _, transportType := range []string{transport.TransportStreamableHTTP, transport.TransportSSE} {
		probeCtx, cancel := context.WithTimeout(ctx, urlProbeTimeout)
		cfg := &config.ServerConfig{
			Name:     title,
			URL:      rawURL,
			Protocol: transportType,
		}
		conn := core.NewConnection(cfg, "", f.global, f.logger)
		err := f.connect(probeCtx, conn)
		if err == nil {
			tools, listErr := f.listTools(probeCtx, conn)
			_ = conn.Disconnect()
			cancel()
			if listErr != nil {
				f.logger.Debug("Transport answered but tool listing failed",
					zap.String("url", rawURL),
					zap.String("transport", transportType),
					zap.Error(listErr))
				tools = nil
			}
			return &URLDiscoveryResult{
				Transport:      transportType,
				Tools:          tools,
				SuggestedTitle: title,
			}, nil
		}
		_ = conn.Disconnect()
		cancel()

		var required *oauth.RequiredError
		if errors.As(err, &required) {
			meta := map[string]any{}
			if required.MetadataURL != "" {
				meta["resource_metadata_url"] = required.MetadataURL
			}
			return &URLDiscoveryResult{
				Transport:      transportType,
				RequiresOAuth:  true,
				OAuthMetadata:  meta,
				SuggestedTitle: title,
			}, nil
		}
		if oauth.IsAuthError(err) {
			return &URLDiscoveryResult{
				Transport:      transportType,
				RequiresOAuth:  true,
				SuggestedTitle: title,
			}, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("%w: %s: %v", ErrInspectionFailed, rawURL, lastErr)
}

// suggestTitle derives a human-friendly server name from a URL.
func suggestTitle(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Hostname() == "" {
		return rawURL
	}
	return strings.TrimPrefix(parsed.Hostname(), "www.")
}
