package oauth

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"mcpbridge/internal/config"
	"mcpbridge/internal/hash"
	"mcpbridge/internal/storage"
)

// RefreshSkew is how close to expiry an access token may get before
// GetTokens treats it as expired and refreshes.
const RefreshSkew = 30 * time.Second

// TokenStore is the persistence contract the manager needs. *storage.BoltStore
// satisfies it.
type TokenStore interface {
	FindToken(userID, serverKey string) (*storage.TokenRecord, error)
	CreateToken(record *storage.TokenRecord) error
	UpdateToken(record *storage.TokenRecord) error
	DeleteToken(userID, serverKey string) error
}

// RefreshFunc exchanges a stored refresh token for fresh tokens. Injected so
// the manager stays independent of endpoint discovery.
type RefreshFunc func(ctx context.Context, cfg *config.ServerConfig, record *storage.TokenRecord) (*oauth2.Token, error)

// TokenManager provides refresh-aware access to stored OAuth tokens, keyed
// by (user, server).
type TokenManager struct {
	store   TokenStore
	refresh RefreshFunc
	logger  *zap.Logger
}

// NewTokenManager creates a TokenManager. refresh may be nil, in which case
// expired tokens are never refreshed and GetTokens returns nil for them.
func NewTokenManager(store TokenStore, refresh RefreshFunc, logger *zap.Logger) *TokenManager {
	return &TokenManager{
		store:   store,
		refresh: refresh,
		logger:  logger.Named("tokens"),
	}
}

// GetTokens returns the stored tokens for (userID, server), transparently
// refreshing when the access token is expired and a refresh token exists.
// A failed refresh returns (nil, nil) rather than an error so the caller
// falls through to a full authorization handshake.
func (m *TokenManager) GetTokens(ctx context.Context, userID string, cfg *config.ServerConfig) (*storage.TokenRecord, error) {
	record, err := m.store.FindToken(userID, serverKey(cfg))
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, nil
	}
	if !record.IsExpired(RefreshSkew) {
		return record, nil
	}

	if record.RefreshToken == "" || m.refresh == nil {
		m.logger.Debug("Stored access token expired and cannot be refreshed",
			zap.String("user", userID),
			zap.String("server", cfg.Name))
		return nil, nil
	}

	fresh, err := m.refresh(ctx, cfg, record)
	if err != nil {
		m.logger.Warn("Token refresh failed, full authorization required",
			zap.String("user", userID),
			zap.String("server", cfg.Name),
			zap.Error(err))
		return nil, nil
	}

	record.AccessToken = fresh.AccessToken
	record.RefreshToken = fresh.RefreshToken
	if fresh.TokenType != "" {
		record.TokenType = fresh.TokenType
	}
	record.ExpiresAt = fresh.Expiry
	if err := m.store.UpdateToken(record); err != nil {
		return nil, err
	}

	m.logger.Info("Refreshed access token",
		zap.String("user", userID),
		zap.String("server", cfg.Name),
		zap.Time("expires_at", record.ExpiresAt))
	return record, nil
}

// RawTokens returns the stored record without any refresh attempt. The
// factory pre-flight uses this: an already-expired access token means the
// session was likely revoked, so it forces a fresh handshake instead of a
// refresh that would fail anyway.
func (m *TokenManager) RawTokens(userID string, cfg *config.ServerConfig) (*storage.TokenRecord, error) {
	return m.store.FindToken(userID, serverKey(cfg))
}

// StoreTokens upserts tokens plus client-registration metadata after a
// successful authorization or refresh.
func (m *TokenManager) StoreTokens(userID string, cfg *config.ServerConfig, token *oauth2.Token, registration *ClientRegistrationResponse, scopes []string) error {
	key := serverKey(cfg)

	existing, err := m.store.FindToken(userID, key)
	if err != nil {
		return err
	}

	record := &storage.TokenRecord{
		UserID:       userID,
		ServerKey:    key,
		ServerName:   cfg.Name,
		ServerURL:    cfg.URL,
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		TokenType:    token.TokenType,
		ExpiresAt:    token.Expiry,
		Scopes:       scopes,
	}
	if scope, ok := token.Extra("scope").(string); ok && scope != "" {
		record.Scopes = strings.Fields(scope)
	}

	switch {
	case registration != nil:
		record.ClientID = registration.ClientID
		record.ClientSecret = registration.ClientSecret
	case existing != nil:
		record.ClientID = existing.ClientID
		record.ClientSecret = existing.ClientSecret
	case cfg.OAuth != nil:
		record.ClientID = cfg.OAuth.ClientID
		record.ClientSecret = cfg.OAuth.ClientSecret
	}

	if existing == nil {
		return m.store.CreateToken(record)
	}
	if record.RefreshToken == "" {
		record.RefreshToken = existing.RefreshToken
	}
	return m.store.UpdateToken(record)
}

// DeleteTokens removes the stored grant for (userID, server).
func (m *TokenManager) DeleteTokens(userID string, cfg *config.ServerConfig) error {
	return m.store.DeleteToken(userID, serverKey(cfg))
}

// DefaultRefreshFunc builds the standard refresh implementation: endpoint
// from config when present, discovered otherwise; client credentials from
// the stored registration, falling back to config.
func DefaultRefreshFunc(exchanger *Exchanger, discoverer *Discoverer) RefreshFunc {
	return func(ctx context.Context, cfg *config.ServerConfig, record *storage.TokenRecord) (*oauth2.Token, error) {
		tokenEndpoint := ""
		var headers map[string]string
		if cfg.OAuth != nil {
			tokenEndpoint = cfg.OAuth.TokenURL
			headers = cfg.OAuth.Headers
		}
		if tokenEndpoint == "" {
			metadata, _, err := discoverer.DiscoverEndpoints(ctx, cfg.URL, "")
			if err != nil {
				return nil, err
			}
			tokenEndpoint = metadata.TokenEndpoint
		}

		clientID, clientSecret := record.ClientID, record.ClientSecret
		if clientID == "" && cfg.OAuth != nil {
			clientID, clientSecret = cfg.OAuth.ClientID, cfg.OAuth.ClientSecret
		}

		return exchanger.Refresh(ctx, tokenEndpoint, RefreshGrant{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RefreshToken: record.RefreshToken,
			Resource:     cfg.URL,
			Headers:      headers,
		})
	}
}

func serverKey(cfg *config.ServerConfig) string {
	return hash.ServerKey(cfg.Name, cfg.URL)
}
