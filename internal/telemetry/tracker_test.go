package telemetry

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/agentworkforce/pulsefeed/internal/httpclient"
	"github.com/agentworkforce/pulsefeed/internal/kvstore"
)

type batchCapture struct {
	mu      sync.Mutex
	batches [][]ActivityEvent
	status  int
}

func (c *batchCapture) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/activity/batch" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		var req batchRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		c.mu.Lock()
		c.batches = append(c.batches, req.Activities)
		status := c.status
		c.mu.Unlock()
		if status != 0 {
			w.WriteHeader(status)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

func (c *batchCapture) setStatus(status int) {
	c.mu.Lock()
	c.status = status
	c.mu.Unlock()
}

func (c *batchCapture) all() [][]ActivityEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]ActivityEvent, len(c.batches))
	copy(out, c.batches)
	return out
}

func (c *batchCapture) waitForBatches(t *testing.T, n int, timeout time.Duration) [][]ActivityEvent {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if batches := c.all(); len(batches) >= n {
			return batches
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d batches, got %d", n, len(c.all()))
	return nil
}

func testClient(url string) *httpclient.Client {
	return httpclient.New(httpclient.Options{
		BaseURL:     url,
		BackoffBase: time.Millisecond,
	})
}

func alwaysAuthed(ctx context.Context) bool { return true }
func neverAuthed(ctx context.Context) bool  { return false }

func viewEvent(id string) ActivityEvent {
	return ActivityEvent{EntityType: "listing", EntityID: id, Action: ActionView}
}

func TestRecordRejectsInvalidEvents(t *testing.T) {
	tracker := NewTracker(TrackerOptions{Authenticated: alwaysAuthed})
	cases := []ActivityEvent{
		{EntityID: "1", Action: ActionView},
		{EntityType: "listing", Action: ActionView},
		{EntityType: "listing", EntityID: "1", Action: Action("hover")},
	}
	for _, event := range cases {
		if err := tracker.Record(context.Background(), event); err == nil {
			t.Fatalf("expected validation error for %+v", event)
		}
	}
}

func TestDebounceCoalescesIntoSingleOrderedBatch(t *testing.T) {
	capture := &batchCapture{}
	server := httptest.NewServer(capture.handler())
	defer server.Close()

	tracker := NewTracker(TrackerOptions{
		Client:        testClient(server.URL),
		Authenticated: alwaysAuthed,
		Debounce:      100 * time.Millisecond,
	})
	defer tracker.Close()

	ctx := context.Background()
	if err := tracker.Record(ctx, viewEvent("first")); err != nil {
		t.Fatalf("record failed: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if err := tracker.Record(ctx, viewEvent("second")); err != nil {
		t.Fatalf("record failed: %v", err)
	}
	if len(capture.all()) != 0 {
		t.Fatalf("expected no flush before the debounce window closed")
	}

	batches := capture.waitForBatches(t, 1, 2*time.Second)
	if len(batches) != 1 {
		t.Fatalf("expected exactly one batch, got %d", len(batches))
	}
	batch := batches[0]
	if len(batch) != 2 || batch[0].EntityID != "first" || batch[1].EntityID != "second" {
		t.Fatalf("expected both events in recording order, got %+v", batch)
	}
}

func TestEachRecordRestartsDebounceWindow(t *testing.T) {
	capture := &batchCapture{}
	server := httptest.NewServer(capture.handler())
	defer server.Close()

	tracker := NewTracker(TrackerOptions{
		Client:        testClient(server.URL),
		Authenticated: alwaysAuthed,
		Debounce:      80 * time.Millisecond,
	})
	defer tracker.Close()

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		if err := tracker.Record(ctx, viewEvent("burst")); err != nil {
			t.Fatalf("record failed: %v", err)
		}
		time.Sleep(40 * time.Millisecond)
	}
	// 160ms elapsed with gaps under the 80ms window: still nothing.
	if len(capture.all()) != 0 {
		t.Fatalf("expected debounce restarts to postpone the flush")
	}
	batches := capture.waitForBatches(t, 1, 2*time.Second)
	if len(batches[0]) != 4 {
		t.Fatalf("expected all burst events in one batch, got %d", len(batches[0]))
	}
}

func TestMaxFlushDelayCeilingForcesFlushDuringBurst(t *testing.T) {
	capture := &batchCapture{}
	server := httptest.NewServer(capture.handler())
	defer server.Close()

	tracker := NewTracker(TrackerOptions{
		Client:        testClient(server.URL),
		Authenticated: alwaysAuthed,
		Debounce:      60 * time.Millisecond,
		MaxFlushDelay: 150 * time.Millisecond,
	})
	defer tracker.Close()

	ctx := context.Background()
	stop := time.Now().Add(400 * time.Millisecond)
	for time.Now().Before(stop) {
		if err := tracker.Record(ctx, viewEvent("burst")); err != nil {
			t.Fatalf("record failed: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}
	if len(capture.waitForBatches(t, 1, time.Second)) < 1 {
		t.Fatalf("expected the ceiling to force a flush mid-burst")
	}
}

func TestUnauthenticatedRecordGoesStraightToOfflineStore(t *testing.T) {
	var networkCalls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		networkCalls++
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	offline := NewOfflineStore(OfflineStoreOptions{
		Store:         kvstore.NewMemoryStore(),
		Client:        testClient(server.URL),
		Authenticated: neverAuthed,
	})
	tracker := NewTracker(TrackerOptions{
		Client:        testClient(server.URL),
		Offline:       offline,
		Authenticated: neverAuthed,
		Debounce:      10 * time.Millisecond,
	})
	defer tracker.Close()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := tracker.Record(ctx, viewEvent("offline")); err != nil {
			t.Fatalf("record failed: %v", err)
		}
	}
	time.Sleep(50 * time.Millisecond)

	if networkCalls != 0 {
		t.Fatalf("expected no network calls while unauthenticated, got %d", networkCalls)
	}
	pending, err := offline.Pending(ctx)
	if err != nil {
		t.Fatalf("pending failed: %v", err)
	}
	if len(pending) != 3 {
		t.Fatalf("expected 3 offline records, got %d", len(pending))
	}
}

func TestFailedFlushRequeuesAndPersists(t *testing.T) {
	capture := &batchCapture{}
	capture.setStatus(http.StatusInternalServerError)
	server := httptest.NewServer(capture.handler())
	defer server.Close()

	offline := NewOfflineStore(OfflineStoreOptions{
		Store:         kvstore.NewMemoryStore(),
		Client:        testClient(server.URL),
		Authenticated: alwaysAuthed,
	})
	tracker := NewTracker(TrackerOptions{
		Client:        testClient(server.URL),
		Offline:       offline,
		Authenticated: alwaysAuthed,
		Debounce:      20 * time.Millisecond,
	})
	defer tracker.Close()

	ctx := context.Background()
	if err := tracker.Record(ctx, viewEvent("doomed")); err != nil {
		t.Fatalf("record failed: %v", err)
	}
	capture.waitForBatches(t, 1, 2*time.Second)

	pending, err := offline.Pending(ctx)
	if err != nil {
		t.Fatalf("pending failed: %v", err)
	}
	if len(pending) != 1 || pending[0].Event.EntityID != "doomed" {
		t.Fatalf("expected failed snapshot persisted offline, got %+v", pending)
	}

	// Recovery: a later record triggers a flush carrying the failed
	// event first, then the new one.
	capture.setStatus(0)
	if err := tracker.Record(ctx, viewEvent("fresh")); err != nil {
		t.Fatalf("record failed: %v", err)
	}
	batches := capture.waitForBatches(t, 2, 2*time.Second)
	last := batches[len(batches)-1]
	if len(last) != 2 || last[0].EntityID != "doomed" || last[1].EntityID != "fresh" {
		t.Fatalf("expected failed-old before new in recovery batch, got %+v", last)
	}
}

func TestExplicitFlushDrainsQueue(t *testing.T) {
	capture := &batchCapture{}
	server := httptest.NewServer(capture.handler())
	defer server.Close()

	tracker := NewTracker(TrackerOptions{
		Client:        testClient(server.URL),
		Authenticated: alwaysAuthed,
		Debounce:      time.Hour,
	})
	defer tracker.Close()

	ctx := context.Background()
	if err := tracker.Record(ctx, viewEvent("unmount")); err != nil {
		t.Fatalf("record failed: %v", err)
	}
	tracker.Flush(ctx)

	batches := capture.all()
	if len(batches) != 1 || len(batches[0]) != 1 || batches[0][0].EntityID != "unmount" {
		t.Fatalf("expected explicit flush to deliver the queued event, got %+v", batches)
	}
}

func TestTrackEventPostsGenericEvent(t *testing.T) {
	var capturedPath string
	var capturedBody eventRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		capturedPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&capturedBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	tracker := NewTracker(TrackerOptions{Client: testClient(server.URL), Authenticated: alwaysAuthed})
	if err := tracker.TrackEvent(context.Background(), "session_start", map[string]any{"source": "test"}); err != nil {
		t.Fatalf("track event failed: %v", err)
	}
	if capturedPath != "/event" {
		t.Fatalf("expected /event path, got %s", capturedPath)
	}
	if capturedBody.EventType != "session_start" {
		t.Fatalf("expected event type to round-trip, got %+v", capturedBody)
	}
}
