// Package auth resolves the bearer token the rest of the pipeline
// consumes. Token issuance is not handled here; the host application
// writes tokens into storage and this package only reads them.
package auth

import (
	"context"
	"strings"

	"github.com/rs/zerolog"

	"github.com/agentworkforce/pulsefeed/internal/kvstore"
)

// Storage keys checked when resolving a token, in priority order.
const (
	KeyAuthToken       = "pulsefeed.auth_token"
	KeySessionToken    = "pulsefeed.session_token"
	KeyLegacyAuthToken = "token"
)

// TokenSource resolves a bearer token from an ordered list of storage
// locations: the primary key and the legacy key in the durable store,
// then the session-scoped key in the session store. First non-empty
// match wins.
type TokenSource struct {
	local   kvstore.Store
	session kvstore.Store
	logger  zerolog.Logger
}

type TokenSourceOptions struct {
	Local   kvstore.Store
	Session kvstore.Store
	Logger  zerolog.Logger
}

func NewTokenSource(opts TokenSourceOptions) *TokenSource {
	return &TokenSource{
		local:   opts.Local,
		session: opts.Session,
		logger:  opts.Logger,
	}
}

// Token returns the resolved bearer token, or "" when no location holds
// one. Storage errors are treated as a miss: an unreadable store must
// degrade to the unauthenticated path, not break the caller.
func (s *TokenSource) Token(ctx context.Context) string {
	lookups := []struct {
		store kvstore.Store
		key   string
	}{
		{s.local, KeyAuthToken},
		{s.local, KeyLegacyAuthToken},
		{s.session, KeySessionToken},
	}
	for _, lookup := range lookups {
		if lookup.store == nil {
			continue
		}
		value, ok, err := lookup.store.Get(ctx, lookup.key)
		if err != nil {
			s.logger.Debug().Err(err).Str("key", lookup.key).Msg("token lookup failed")
			continue
		}
		if ok && strings.TrimSpace(value) != "" {
			return strings.TrimSpace(value)
		}
	}
	return ""
}

// Authenticated reports whether any storage location currently holds a
// token. This is the "valid session" check used by the telemetry path.
func (s *TokenSource) Authenticated(ctx context.Context) bool {
	return s.Token(ctx) != ""
}
