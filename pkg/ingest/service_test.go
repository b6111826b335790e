package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/daviddao/switchboard/pkg/clock"
	"github.com/daviddao/switchboard/pkg/model"
	"github.com/daviddao/switchboard/pkg/pubsub"
	"github.com/daviddao/switchboard/pkg/store"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

type harness struct {
	svc  *Service
	hub  *pubsub.Hub
	feed *model.Feed
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWithStore(t, newTestStore(t))
}

func newHarnessWithStore(t *testing.T, st store.StoreInterface) *harness {
	t.Helper()
	hub := pubsub.NewHub(64, nil)
	svc := New(Config{Store: st, Publisher: hub, Clock: clock.Fake(testNow)})
	feed, err := svc.CreateFeed(context.Background(), "ops", nil)
	if err != nil {
		t.Fatalf("CreateFeed: %v", err)
	}
	return &harness{svc: svc, hub: hub, feed: feed}
}

func (h *harness) event() model.Event {
	return model.Event{
		EventID:          uuid.NewString(),
		FeedID:           h.feed.ID,
		Type:             model.TypeMessage,
		AuthorIdentityID: "user:alice",
		Source:           model.Source{Platform: "discord", AdapterID: "discord-1"},
		TS:               testNow.Format(time.RFC3339Nano),
		Payload:          json.RawMessage(`{"text":"hi"}`),
	}
}

func drain(sub *pubsub.Subscription) []model.Event {
	var out []model.Event
	for {
		select {
		case e := <-sub.Events():
			out = append(out, e)
		case <-time.After(50 * time.Millisecond):
			return out
		}
	}
}

func TestCreateFeed(t *testing.T) {
	h := newHarness(t)
	if !model.IsUUID(h.feed.ID) {
		t.Fatalf("feed id %q is not a UUID", h.feed.ID)
	}
	if !h.feed.CreatedAt.Equal(testNow) {
		t.Fatalf("created_at = %v, want %v", h.feed.CreatedAt, testNow)
	}
	got, err := h.svc.GetFeed(context.Background(), h.feed.ID)
	if err != nil || got.Name != "ops" {
		t.Fatalf("GetFeed = %+v, %v", got, err)
	}
}

func TestCreateFeed_Invalid(t *testing.T) {
	h := newHarness(t)
	if _, err := h.svc.CreateFeed(context.Background(), "  ", nil); !errors.Is(err, model.ErrInvalid) {
		t.Fatalf("blank name: got %v", err)
	}
	if _, err := h.svc.CreateFeed(context.Background(), "x", json.RawMessage(`"str"`)); !errors.Is(err, model.ErrInvalid) {
		t.Fatalf("string policy: got %v", err)
	}
}

func TestGetFeed_MalformedID(t *testing.T) {
	h := newHarness(t)
	if _, err := h.svc.GetFeed(context.Background(), "../../etc"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestIngest_NewEventPublished(t *testing.T) {
	h := newHarness(t)
	sub := h.hub.Subscribe(h.feed.ID)
	defer sub.Close()

	ev := h.event()
	stored, dup, err := h.svc.Ingest(context.Background(), h.feed.ID, ev)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if dup {
		t.Fatal("first ingest flagged duplicate")
	}
	if stored.EventID != ev.EventID {
		t.Fatalf("stored id = %s", stored.EventID)
	}
	got := drain(sub)
	if len(got) != 1 || got[0].EventID != ev.EventID {
		t.Fatalf("published %+v", got)
	}
}

func TestIngest_DuplicateEventID(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ev := h.event()
	if _, _, err := h.svc.Ingest(ctx, h.feed.ID, ev); err != nil {
		t.Fatal(err)
	}

	sub := h.hub.Subscribe(h.feed.ID)
	defer sub.Close()

	again := ev
	again.Payload = json.RawMessage(`{"text":"edited"}`)
	stored, dup, err := h.svc.Ingest(ctx, h.feed.ID, again)
	if err != nil {
		t.Fatal(err)
	}
	if !dup {
		t.Fatal("repeat event_id not flagged duplicate")
	}
	if string(stored.Payload) != `{"text":"hi"}` {
		t.Fatalf("duplicate must return the original, got payload %s", stored.Payload)
	}
	if got := drain(sub); len(got) != 0 {
		t.Fatalf("duplicate was re-published: %+v", got)
	}
}

func TestIngest_DuplicateSourceMsgID(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	msgID := "discord-123"

	first := h.event()
	first.Source.SourceMsgID = &msgID
	if _, _, err := h.svc.Ingest(ctx, h.feed.ID, first); err != nil {
		t.Fatal(err)
	}

	second := h.event()
	second.Source.SourceMsgID = &msgID
	stored, dup, err := h.svc.Ingest(ctx, h.feed.ID, second)
	if err != nil {
		t.Fatal(err)
	}
	if !dup || stored.EventID != first.EventID {
		t.Fatalf("got dup=%v id=%s, want duplicate of %s", dup, stored.EventID, first.EventID)
	}
	evs, _ := h.svc.GetRecent(ctx, h.feed.ID, 10, nil)
	if len(evs) != 1 {
		t.Fatalf("store holds %d events, want 1", len(evs))
	}
}

func TestIngest_UnknownFeed(t *testing.T) {
	h := newHarness(t)
	ev := h.event()
	other := uuid.NewString()
	ev.FeedID = other
	if _, _, err := h.svc.Ingest(context.Background(), other, ev); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestIngest_Invalid(t *testing.T) {
	h := newHarness(t)
	ev := h.event()
	ev.TS = "not a time"
	_, _, err := h.svc.Ingest(context.Background(), h.feed.ID, ev)
	if !errors.Is(err, model.ErrInvalid) {
		t.Fatalf("got %v, want ErrInvalid", err)
	}
}

func TestIngest_FeedMismatch(t *testing.T) {
	h := newHarness(t)
	other, err := h.svc.CreateFeed(context.Background(), "other", nil)
	if err != nil {
		t.Fatal(err)
	}
	ev := h.event()
	ev.FeedID = other.ID
	_, _, err = h.svc.Ingest(context.Background(), h.feed.ID, ev)
	var ve *model.ValidationError
	if !errors.As(err, &ve) || ve.Details[0].Field != "feed_id" {
		t.Fatalf("got %v, want feed_id validation error", err)
	}
}

func TestIngest_Canonicalizes(t *testing.T) {
	h := newHarness(t)
	sub := h.hub.Subscribe(h.feed.ID)
	defer sub.Close()

	ev := h.event()
	ev.TS = "2026-03-01T14:00:00.250+02:00"
	ev.Payload = json.RawMessage("{ \"text\": \"hi\" }")
	stored, _, err := h.svc.Ingest(context.Background(), h.feed.ID, ev)
	if err != nil {
		t.Fatal(err)
	}
	if stored.TS != "2026-03-01T12:00:00.25Z" {
		t.Fatalf("ts = %q", stored.TS)
	}
	pub := drain(sub)
	if len(pub) != 1 || pub[0].TS != stored.TS || string(pub[0].Payload) != `{"text":"hi"}` {
		t.Fatalf("published %+v, want canonical form", pub)
	}
}

func TestIngest_ConcurrentSameEvent(t *testing.T) {
	h := newHarness(t)
	sub := h.hub.Subscribe(h.feed.ID)
	defer sub.Close()

	ev := h.event()
	var wg sync.WaitGroup
	var mu sync.Mutex
	fresh := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, dup, err := h.svc.Ingest(context.Background(), h.feed.ID, ev)
			if err != nil {
				t.Errorf("Ingest: %v", err)
				return
			}
			if !dup {
				mu.Lock()
				fresh++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if fresh != 1 {
		t.Fatalf("%d ingests reported new, want exactly 1", fresh)
	}
	if got := drain(sub); len(got) != 1 {
		t.Fatalf("published %d times, want 1", len(got))
	}
}

func TestIngest_PublishOrderMatchesCommitOrder(t *testing.T) {
	h := newHarness(t)
	sub := h.hub.Subscribe(h.feed.ID)
	defer sub.Close()

	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, _, err := h.svc.Ingest(context.Background(), h.feed.ID, h.event()); err != nil {
				t.Errorf("Ingest: %v", err)
			}
		}()
	}
	wg.Wait()

	published := drain(sub)
	stored, err := h.svc.GetRecent(context.Background(), h.feed.ID, 100, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(published) != len(stored) {
		t.Fatalf("published %d, stored %d", len(published), len(stored))
	}
	for i := range stored {
		if published[i].EventID != stored[i].EventID {
			t.Fatalf("position %d: published %s, stored %s", i, published[i].EventID, stored[i].EventID)
		}
	}
}

func TestGetRecent_Limits(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for _, bad := range []int{-1, MaxRecentLimit + 1} {
		if _, err := h.svc.GetRecent(ctx, h.feed.ID, bad, nil); !errors.Is(err, model.ErrInvalid) {
			t.Errorf("limit %d: got %v, want ErrInvalid", bad, err)
		}
	}
	if _, err := h.svc.GetRecent(ctx, uuid.NewString(), 10, nil); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("unknown feed: got %v", err)
	}
	evs, err := h.svc.GetRecent(ctx, h.feed.ID, 0, nil)
	if err != nil || len(evs) != 0 {
		t.Errorf("default limit on empty feed: %v, %v", evs, err)
	}
}

// racingStore simulates another writer committing the same event between
// the duplicate lookup and the insert.
type racingStore struct {
	*store.Store
}

func (r *racingStore) InsertEvent(ctx context.Context, e *model.Event, at time.Time) (int64, error) {
	if _, err := r.Store.InsertEvent(ctx, e, at); err != nil {
		return 0, err
	}
	return 0, store.ErrConflict
}

func TestIngest_ConflictResolvesToDuplicate(t *testing.T) {
	h := newHarnessWithStore(t, &racingStore{Store: newTestStore(t)})
	sub := h.hub.Subscribe(h.feed.ID)
	defer sub.Close()

	ev := h.event()
	stored, dup, err := h.svc.Ingest(context.Background(), h.feed.ID, ev)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if !dup || stored.EventID != ev.EventID {
		t.Fatalf("got dup=%v id=%s", dup, stored.EventID)
	}
	if got := drain(sub); len(got) != 0 {
		t.Fatal("race loser must not publish")
	}
}

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, string, model.Event) error {
	return errors.New("broker down")
}

func TestIngest_PublishFailureStillStores(t *testing.T) {
	st := newTestStore(t)
	svc := New(Config{Store: st, Publisher: failingPublisher{}})
	feed, err := svc.CreateFeed(context.Background(), "ops", nil)
	if err != nil {
		t.Fatal(err)
	}
	h := &harness{svc: svc, feed: feed}
	ev := h.event()
	if _, _, err := svc.Ingest(context.Background(), feed.ID, ev); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if _, err := st.GetEvent(context.Background(), ev.EventID); err != nil {
		t.Fatalf("event not stored: %v", err)
	}
}

func TestFeedLog(t *testing.T) {
	h := newHarness(t)
	log := h.svc.FeedLog(h.feed.ID)
	ev := h.event()
	if _, err := log.Append(context.Background(), ev); err != nil {
		t.Fatal(err)
	}
	evs, err := log.Recent(context.Background(), 5)
	if err != nil || len(evs) != 1 || evs[0].EventID != ev.EventID {
		t.Fatalf("Recent = %+v, %v", evs, err)
	}
}
