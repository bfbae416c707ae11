// Package notifications implements the notification surface: REST
// fetch/mark-read/delete operations and the push path that turns
// realtime frames into Notification objects for registered listeners.
package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/rs/zerolog"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/agentworkforce/pulsefeed/internal/httpclient"
	"github.com/agentworkforce/pulsefeed/internal/realtime"
)

const (
	notificationsPath   = "/notificationadmin"
	preferencesPath     = "/preferences"
	recommendationsPath = "/recommendations"
	trendingPath        = "/trending"

	eventNewNotification = "new_notification"
	eventAISuggestion    = "ai-suggestion"
)

// Listener receives pushed notifications. Listeners run synchronously
// in registration order; no deduplication happens at this layer, so a
// frame replayed after a reconnect is delivered again.
type Listener func(Notification)

// SuggestionListener receives raw ai-suggestion payloads.
type SuggestionListener func(json.RawMessage)

type StoreOptions struct {
	Client *httpclient.Client
	Logger zerolog.Logger
}

type Store struct {
	client *httpclient.Client
	logger zerolog.Logger
	schema *jsonschema.Schema

	mu                  sync.Mutex
	listeners           []Listener
	suggestionListeners []SuggestionListener
}

func NewStore(opts StoreOptions) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("notifications: client is required")
	}
	schema, err := compilePushFrameSchema()
	if err != nil {
		return nil, err
	}
	return &Store{
		client: opts.Client,
		logger: opts.Logger,
		schema: schema,
	}, nil
}

// Fetch lists the current notifications. A non-JSON response body is a
// known backend misconfiguration: it is logged raw and reported as an
// empty list instead of an error, keeping the caller's view usable.
func (s *Store) Fetch(ctx context.Context) ([]Notification, error) {
	var raw httpclient.RawBody
	if err := s.client.Do(ctx, http.MethodGet, notificationsPath, nil, nil, &raw); err != nil {
		return nil, err
	}
	if len(raw.Bytes) == 0 {
		return []Notification{}, nil
	}
	var list []Notification
	if err := json.Unmarshal(raw.Bytes, &list); err != nil {
		s.logger.Warn().
			Err(err).
			Str("body", truncateForLog(raw.Bytes)).
			Msg("notifications: fetch returned a non-JSON body, treating as empty")
		return []Notification{}, nil
	}
	return list, nil
}

// MarkAsRead toggles the read flag server-side. Failures are logged
// and reported as false; they never propagate as errors.
func (s *Store) MarkAsRead(ctx context.Context, id int) bool {
	path := fmt.Sprintf("%s/%d/read", notificationsPath, id)
	return s.mutate(ctx, http.MethodPatch, path, id, "mark notification read")
}

// Delete removes the notification server-side. Same contract as
// MarkAsRead: a boolean, never an error.
func (s *Store) Delete(ctx context.Context, id int) bool {
	path := fmt.Sprintf("%s/%d", notificationsPath, id)
	return s.mutate(ctx, http.MethodDelete, path, id, "delete notification")
}

func (s *Store) mutate(ctx context.Context, method, path string, id int, action string) bool {
	err := s.client.Do(ctx, method, path, nil, nil, nil)
	if err == nil {
		return true
	}
	var httpErr *httpclient.HTTPError
	switch {
	case errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound:
		s.logger.Warn().Int("id", id).Msgf("notifications: %s failed, notification no longer exists", action)
	case errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusForbidden:
		s.logger.Warn().Int("id", id).Msgf("notifications: %s refused, notification belongs to another account", action)
	default:
		s.logger.Warn().Err(err).Int("id", id).Msgf("notifications: %s failed", action)
	}
	return false
}

// Preferences fetches the caller's notification preferences document.
func (s *Store) Preferences(ctx context.Context, out any) error {
	return s.client.Do(ctx, http.MethodGet, preferencesPath, nil, nil, out)
}

// Recommendations fetches up to limit recommended entities.
func (s *Store) Recommendations(ctx context.Context, limit int, out any) error {
	return s.client.Do(ctx, http.MethodGet, fmt.Sprintf("%s?limit=%d", recommendationsPath, limit), nil, nil, out)
}

// Trending fetches up to limit trending entities.
func (s *Store) Trending(ctx context.Context, limit int, out any) error {
	return s.client.Do(ctx, http.MethodGet, fmt.Sprintf("%s?limit=%d", trendingPath, limit), nil, nil, out)
}

// OnNotification registers a push listener.
func (s *Store) OnNotification(listener Listener) {
	if listener == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, listener)
}

// OnSuggestion registers a listener for ai-suggestion payloads.
func (s *Store) OnSuggestion(listener SuggestionListener) {
	if listener == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.suggestionListeners = append(s.suggestionListeners, listener)
}

// AttachRealtime subscribes the store to the push channel. Invalid
// frames are logged and dropped before any listener sees them.
func (s *Store) AttachRealtime(manager *realtime.Manager) {
	manager.On(eventNewNotification, func(data json.RawMessage) {
		notification, err := decodePushFrame(s.schema, data)
		if err != nil {
			s.logger.Warn().
				Err(err).
				Str("frame", truncateForLog(data)).
				Msg("notifications: dropping malformed push frame")
			return
		}
		s.dispatch(notification)
	})
	manager.On(eventAISuggestion, func(data json.RawMessage) {
		s.mu.Lock()
		listeners := make([]SuggestionListener, len(s.suggestionListeners))
		copy(listeners, s.suggestionListeners)
		s.mu.Unlock()
		for _, listener := range listeners {
			listener(data)
		}
	})
}

func (s *Store) dispatch(notification Notification) {
	s.mu.Lock()
	listeners := make([]Listener, len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.Unlock()
	for _, listener := range listeners {
		listener(notification)
	}
}

const logBodyLimit = 512

func truncateForLog(body []byte) string {
	if len(body) > logBodyLimit {
		return string(body[:logBodyLimit]) + "..."
	}
	return string(body)
}
