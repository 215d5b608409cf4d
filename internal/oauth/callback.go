package oauth

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// CallbackPath is the route authorization servers redirect back to.
const CallbackPath = "/oauth/callback"

// CompleteFunc resolves a pending flow from a callback: state identifies the
// flow, code is the authorization code to exchange.
type CompleteFunc func(ctx context.Context, state, code string) error

// FailFunc records an authorization error delivered to the callback.
type FailFunc func(ctx context.Context, state, errCode, errDescription string) error

// CallbackServer receives authorization-code redirects, hands them to the
// flow completion logic, and renders a close-this-window page. It also
// exposes a health endpoint and room for extra routes (metrics).
type CallbackServer struct {
	listener net.Listener
	server   *http.Server
	router   chi.Router
	logger   *zap.Logger
	complete CompleteFunc
	fail     FailFunc
}

// NewCallbackServer binds addr immediately so the redirect URI is final
// before any authorization URL is issued. Use "127.0.0.1:0" for a dynamic
// loopback port.
func NewCallbackServer(addr string, complete CompleteFunc, fail FailFunc, logger *zap.Logger) (*CallbackServer, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to bind callback listener on %s: %w", addr, err)
	}

	s := &CallbackServer{
		listener: listener,
		logger:   logger.Named("oauth.callback"),
		complete: complete,
		fail:     fail,
	}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Use(middleware.RequestID)
	router.Get(CallbackPath, s.handleCallback)
	router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	s.router = router

	s.server = &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Addr returns the bound listen address.
func (s *CallbackServer) Addr() string {
	return s.listener.Addr().String()
}

// RedirectURI returns the exact redirect URI to register and to put in
// authorization requests.
func (s *CallbackServer) RedirectURI() string {
	return "http://" + s.Addr() + CallbackPath
}

// Mount attaches an extra handler subtree (metrics, status) to the server.
func (s *CallbackServer) Mount(pattern string, handler http.Handler) {
	s.router.Mount(pattern, handler)
}

// Start serves in a background goroutine until Shutdown.
func (s *CallbackServer) Start() {
	go func() {
		if err := s.server.Serve(s.listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Callback server terminated", zap.Error(err))
		}
	}()
	s.logger.Info("OAuth callback server listening", zap.String("redirect_uri", s.RedirectURI()))
}

// Shutdown stops the server gracefully.
func (s *CallbackServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *CallbackServer) handleCallback(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	state := query.Get("state")
	code := query.Get("code")
	errCode := query.Get("error")

	if errCode != "" {
		errDescription := query.Get("error_description")
		s.logger.Warn("Authorization failed at provider",
			zap.String("state", state),
			zap.String("error", errCode),
			zap.String("description", errDescription))
		if s.fail != nil {
			if err := s.fail(r.Context(), state, errCode, errDescription); err != nil {
				s.logger.Warn("Failed to record authorization failure", zap.Error(err))
			}
		}
		renderPage(w, http.StatusBadRequest, "Authorization Failed",
			fmt.Sprintf("The authorization server reported: %s. You can close this window.", errCode))
		return
	}

	if state == "" || code == "" {
		renderPage(w, http.StatusBadRequest, "Invalid Callback",
			"Missing state or code parameter. You can close this window.")
		return
	}

	if err := s.complete(r.Context(), state, code); err != nil {
		s.logger.Error("Failed to complete authorization flow",
			zap.String("state", state),
			zap.Error(err))
		renderPage(w, http.StatusInternalServerError, "Authorization Failed",
			"The authorization could not be completed. Check the application logs.")
		return
	}

	renderPage(w, http.StatusOK, "Authorization Complete",
		"You can close this window and return to the application.")
}

func renderPage(w http.ResponseWriter, status int, title, body string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head><title>%s</title></head>
<body>
<h1>%s</h1>
<p>%s</p>
<script>window.close();</script>
</body>
</html>`, title, title, body)
}
