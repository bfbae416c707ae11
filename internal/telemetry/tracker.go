package telemetry

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentworkforce/pulsefeed/internal/httpclient"
)

var ErrInvalidEvent = errors.New("invalid activity event")

const (
	batchPath       = "/activity/batch"
	eventPath       = "/event"
	defaultDebounce = 2 * time.Second
)

// Authenticator reports whether a valid session currently exists.
type Authenticator func(ctx context.Context) bool

// Tracker accumulates activity events in memory and flushes them as a
// single batch once the debounce window closes. Every new event restarts
// the window, so a continuous burst postpones the flush; the optional
// MaxFlushDelay ceiling bounds that postponement when configured.
type Tracker struct {
	client        *httpclient.Client
	offline       *OfflineStore
	authenticated Authenticator
	debounce      time.Duration
	maxFlushDelay time.Duration
	logger        zerolog.Logger

	mu        sync.Mutex
	queue     []ActivityEvent
	timer     *time.Timer
	ceilTimer *time.Timer
	closed    bool
}

type TrackerOptions struct {
	Client        *httpclient.Client
	Offline       *OfflineStore
	Authenticated Authenticator
	Debounce      time.Duration
	// MaxFlushDelay, when positive, forces a flush that many units
	// after the first unflushed record even if new records keep
	// restarting the debounce window. Zero preserves the original
	// unbounded-restart behavior.
	MaxFlushDelay time.Duration
	Logger        zerolog.Logger
}

func NewTracker(opts TrackerOptions) *Tracker {
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	return &Tracker{
		client:        opts.Client,
		offline:       opts.Offline,
		authenticated: opts.Authenticated,
		debounce:      debounce,
		maxFlushDelay: opts.MaxFlushDelay,
		logger:        opts.Logger,
	}
}

// Record validates and enqueues one event. Without a valid session the
// event goes straight to the offline store and no network call is ever
// attempted for it.
func (t *Tracker) Record(ctx context.Context, event ActivityEvent) error {
	if err := event.Validate(); err != nil {
		return err
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if t.authenticated == nil || !t.authenticated(ctx) {
		if t.offline != nil {
			if err := t.offline.RecordPending(ctx, []ActivityEvent{event}); err != nil {
				t.logger.Warn().Err(err).Msg("offline persist of unauthenticated event failed")
			}
		}
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.queue = append(t.queue, event)
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = time.AfterFunc(t.debounce, t.timedFlush)
	if t.maxFlushDelay > 0 && t.ceilTimer == nil {
		t.ceilTimer = time.AfterFunc(t.maxFlushDelay, t.timedFlush)
	}
	return nil
}

// Flush drains the in-memory queue immediately, with the same failure
// fallback as a timer-triggered flush. Intended for teardown.
func (t *Tracker) Flush(ctx context.Context) {
	t.flush(ctx)
}

// TrackEvent posts a one-off generic event outside the batch pipeline.
func (t *Tracker) TrackEvent(ctx context.Context, eventType string, eventData any) error {
	err := t.client.Do(ctx, http.MethodPost, eventPath, nil, eventRequest{
		EventType: eventType,
		EventData: eventData,
	}, nil)
	if err != nil {
		t.logger.Debug().Err(err).Str("event_type", eventType).Msg("generic event send failed")
	}
	return err
}

// Close stops pending timers. Queued events are not sent; callers that
// care should Flush first.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	if t.ceilTimer != nil {
		t.ceilTimer.Stop()
		t.ceilTimer = nil
	}
}

func (t *Tracker) timedFlush() {
	t.flush(context.Background())
}

func (t *Tracker) flush(ctx context.Context) {
	snapshot := t.takeSnapshot()
	if len(snapshot) == 0 {
		return
	}
	if err := sendBatch(ctx, t.client, snapshot); err != nil {
		t.logger.Warn().Err(err).Int("events", len(snapshot)).Msg("batch send failed, requeueing")
		t.requeue(snapshot)
		if t.offline != nil {
			if persistErr := t.offline.RecordPending(ctx, snapshot); persistErr != nil {
				t.logger.Warn().Err(persistErr).Msg("offline persist of failed batch failed")
			}
		}
		return
	}
	t.logger.Debug().Int("events", len(snapshot)).Msg("batch delivered")
}

func (t *Tracker) takeSnapshot() []ActivityEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	if t.ceilTimer != nil {
		t.ceilTimer.Stop()
		t.ceilTimer = nil
	}
	snapshot := t.queue
	t.queue = nil
	return snapshot
}

// requeue puts a failed snapshot back at the head of the queue so the
// failed-old events precede anything recorded since.
func (t *Tracker) requeue(snapshot []ActivityEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.queue = append(append([]ActivityEvent(nil), snapshot...), t.queue...)
}

func sendBatch(ctx context.Context, client *httpclient.Client, events []ActivityEvent) error {
	return client.Do(ctx, http.MethodPost, batchPath, nil, batchRequest{Activities: events}, nil)
}
