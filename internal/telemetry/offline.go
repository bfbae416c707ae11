package telemetry

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/agentworkforce/pulsefeed/internal/eventbus"
	"github.com/agentworkforce/pulsefeed/internal/httpclient"
	"github.com/agentworkforce/pulsefeed/internal/kvstore"
)

const (
	pendingStorageKey    = "pulsefeed.pending_activities"
	pendingCapacity      = 50
	pendingMaxAge        = 24 * time.Hour
	defaultRetryInterval = 5 * time.Minute
)

// OfflineStore is the durable fallback queue for activity events that
// could not be delivered: recorded while unauthenticated, or part of a
// failed batch. Capacity is bounded at 50 records, oldest evicted
// first, and records older than 24 hours are abandoned rather than
// resent.
type OfflineStore struct {
	store         kvstore.Store
	client        *httpclient.Client
	authenticated Authenticator
	retryInterval time.Duration
	logger        zerolog.Logger
	now           func() time.Time

	// retryMu serializes retry cycles; queueMu serializes every
	// load-modify-save on the pending key so a record persisted while
	// a retry is in flight cannot be wiped by the post-send cleanup.
	// queueMu is never held across a network call.
	retryMu sync.Mutex
	queueMu sync.Mutex
}

type OfflineStoreOptions struct {
	Store         kvstore.Store
	Client        *httpclient.Client
	Authenticated Authenticator
	RetryInterval time.Duration
	Logger        zerolog.Logger
	Now           func() time.Time
}

func NewOfflineStore(opts OfflineStoreOptions) *OfflineStore {
	retryInterval := opts.RetryInterval
	if retryInterval <= 0 {
		retryInterval = defaultRetryInterval
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &OfflineStore{
		store:         opts.Store,
		client:        opts.Client,
		authenticated: opts.Authenticated,
		retryInterval: retryInterval,
		logger:        opts.Logger,
		now:           now,
	}
}

// RecordPending merges new events into the persisted queue and
// truncates to the most recent 50 records.
func (o *OfflineStore) RecordPending(ctx context.Context, events []ActivityEvent) error {
	if len(events) == 0 {
		return nil
	}
	o.queueMu.Lock()
	defer o.queueMu.Unlock()
	records, err := o.load(ctx)
	if err != nil {
		// A corrupt or unreadable store must not block capture; start
		// over with just the new events.
		o.logger.Warn().Err(err).Msg("pending queue unreadable, resetting")
		records = nil
	}
	storedAt := o.now()
	for _, event := range events {
		records = append(records, PendingRecord{
			ID:       uuid.NewString(),
			Event:    event,
			StoredAt: storedAt,
		})
	}
	if len(records) > pendingCapacity {
		records = records[len(records)-pendingCapacity:]
	}
	return o.save(ctx, records)
}

// RetryPending drains the persisted queue: a no-op without a session,
// records older than 24 hours are dropped, the rest go out as one
// batch. On success only the records that were actually sent are
// removed, so events persisted concurrently during the send survive.
func (o *OfflineStore) RetryPending(ctx context.Context) error {
	if o.authenticated == nil || !o.authenticated(ctx) {
		return nil
	}
	o.retryMu.Lock()
	defer o.retryMu.Unlock()

	fresh, err := o.collectFresh(ctx)
	if err != nil || len(fresh) == 0 {
		return err
	}

	events := make([]ActivityEvent, 0, len(fresh))
	sentIDs := make(map[string]struct{}, len(fresh))
	for _, record := range fresh {
		events = append(events, record.Event)
		sentIDs[record.ID] = struct{}{}
	}
	if err := sendBatch(ctx, o.client, events); err != nil {
		o.logger.Warn().Err(err).Int("events", len(events)).Msg("pending batch resend failed")
		return err
	}
	o.logger.Info().Int("events", len(events)).Msg("pending batch delivered")
	return o.clearSent(ctx, sentIDs)
}

// Start runs the retry triggers until ctx is canceled: one immediate
// attempt when already authenticated, a recurring interval, and the
// authentication-changed signal on the bus.
func (o *OfflineStore) Start(ctx context.Context, bus *eventbus.Bus) {
	var cancelSub func()
	if bus != nil {
		cancelSub = bus.Subscribe(eventbus.TopicAuthChanged, func(payload any) {
			change, ok := payload.(eventbus.AuthChange)
			if !ok || !change.Authenticated {
				return
			}
			if err := o.RetryPending(ctx); err != nil {
				o.logger.Debug().Err(err).Msg("auth-triggered retry failed")
			}
		})
	}

	go func() {
		if cancelSub != nil {
			defer cancelSub()
		}
		if err := o.RetryPending(ctx); err != nil {
			o.logger.Debug().Err(err).Msg("startup retry failed")
		}
		ticker := time.NewTicker(o.retryInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := o.RetryPending(ctx); err != nil {
					o.logger.Debug().Err(err).Msg("interval retry failed")
				}
			}
		}
	}()
}

// Pending returns a copy of the persisted records, oldest first.
func (o *OfflineStore) Pending(ctx context.Context) ([]PendingRecord, error) {
	o.queueMu.Lock()
	defer o.queueMu.Unlock()
	return o.load(ctx)
}

// collectFresh loads the queue and filters out stale records. When
// everything is stale the key is deleted without any network call.
func (o *OfflineStore) collectFresh(ctx context.Context) ([]PendingRecord, error) {
	o.queueMu.Lock()
	defer o.queueMu.Unlock()

	records, err := o.load(ctx)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}

	cutoff := o.now().Add(-pendingMaxAge)
	fresh := make([]PendingRecord, 0, len(records))
	for _, record := range records {
		if o.recordTime(record).Before(cutoff) {
			continue
		}
		fresh = append(fresh, record)
	}
	if len(fresh) == 0 {
		o.logger.Info().Int("dropped", len(records)).Msg("all pending events stale, clearing queue")
		return nil, o.store.Delete(ctx, pendingStorageKey)
	}
	return fresh, nil
}

func (o *OfflineStore) recordTime(record PendingRecord) time.Time {
	if !record.Event.Timestamp.IsZero() {
		return record.Event.Timestamp
	}
	return record.StoredAt
}

func (o *OfflineStore) clearSent(ctx context.Context, sentIDs map[string]struct{}) error {
	o.queueMu.Lock()
	defer o.queueMu.Unlock()

	current, err := o.load(ctx)
	if err != nil {
		return err
	}
	remaining := current[:0:0]
	for _, record := range current {
		if _, sent := sentIDs[record.ID]; sent {
			continue
		}
		// Stale records were filtered from the send; they are not
		// worth keeping either.
		if o.recordTime(record).Before(o.now().Add(-pendingMaxAge)) {
			continue
		}
		remaining = append(remaining, record)
	}
	if len(remaining) == 0 {
		return o.store.Delete(ctx, pendingStorageKey)
	}
	return o.save(ctx, remaining)
}

func (o *OfflineStore) load(ctx context.Context) ([]PendingRecord, error) {
	raw, ok, err := o.store.Get(ctx, pendingStorageKey)
	if err != nil {
		return nil, err
	}
	if !ok || raw == "" {
		return nil, nil
	}
	var records []PendingRecord
	if err := json.Unmarshal([]byte(raw), &records); err != nil {
		return nil, err
	}
	return records, nil
}

func (o *OfflineStore) save(ctx context.Context, records []PendingRecord) error {
	data, err := json.Marshal(records)
	if err != nil {
		return err
	}
	return o.store.Set(ctx, pendingStorageKey, string(data))
}
