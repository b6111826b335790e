package mirror

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/daviddao/switchboard/pkg/client"
	"github.com/daviddao/switchboard/pkg/ingest"
	"github.com/daviddao/switchboard/pkg/model"
	"github.com/daviddao/switchboard/pkg/pubsub"
	"github.com/daviddao/switchboard/pkg/relay"
	"github.com/daviddao/switchboard/pkg/store"
	"github.com/daviddao/switchboard/pkg/stream"
)

// TestMirror_EndToEnd runs a relay, a mirror backed by real git and a bare
// remote, posts two events and checks the files, the single commit and the
// push.
func TestMirror_EndToEnd(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	ctx := context.Background()

	st, err := store.New(filepath.Join(t.TempDir(), "relay.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	hub := pubsub.NewHub(16, nil)
	svc := ingest.New(ingest.Config{Store: st, Publisher: hub})
	srv := httptest.NewServer(relay.New(relay.Config{Service: svc, Subscriber: hub}))
	t.Cleanup(srv.Close)
	c := client.New(srv.URL, nil)

	feed, err := c.CreateFeed(ctx, "e2e", nil)
	if err != nil {
		t.Fatal(err)
	}

	remote := filepath.Join(t.TempDir(), "remote.git")
	if out, err := exec.Command("git", "init", "--bare", remote).CombinedOutput(); err != nil {
		t.Fatalf("git init --bare: %v\n%s", err, out)
	}

	connected := make(chan struct{}, 1)
	dir := filepath.Join(t.TempDir(), "context")
	m, err := New(Config{
		Dir:          dir,
		FeedIDs:      []string{feed.ID},
		BatchSize:    2,
		BatchTimeout: time.Hour,
		RemoteURL:    remote,
		Heartbeat:    time.Hour,
		Subscribe: func(feedID string) Streamer {
			return stream.New(stream.Config{
				URL:            c.StreamURL(feedID),
				InitialBackoff: 10 * time.Millisecond,
				OnConnect: func() {
					select {
					case connected <- struct{}{}:
					default:
					}
				},
			})
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- m.Run(runCtx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	select {
	case <-connected:
	case <-time.After(5 * time.Second):
		t.Fatal("mirror never connected to the stream")
	}
	// The relay registers the subscriber before the connected comment is
	// written, so events posted from here on are delivered.

	var posted []model.Event
	for i := 0; i < 2; i++ {
		ev := model.Event{
			EventID:          uuid.NewString(),
			FeedID:           feed.ID,
			Type:             model.TypeMessage,
			AuthorIdentityID: "user:alice",
			Source:           model.Source{Platform: "cli", AdapterID: "sb"},
			TS:               time.Now().UTC().Format(time.RFC3339Nano),
			Payload:          json.RawMessage(`{"text":"hi"}`),
		}
		stored, _, err := c.PostEvent(ctx, ev)
		if err != nil {
			t.Fatalf("PostEvent: %v", err)
		}
		posted = append(posted, stored)
	}

	waitFor(t, "push", func() bool { return m.Health().LastCommitSHA != nil })

	for _, ev := range posted {
		rel, err := EventPath(&ev)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := os.Stat(filepath.Join(dir, rel)); err != nil {
			t.Errorf("event file %s: %v", rel, err)
		}
	}

	out, err := exec.Command("git", "-C", dir, "log", "--format=%s").CombinedOutput()
	if err != nil {
		t.Fatalf("git log: %v\n%s", err, out)
	}
	subjects := strings.Split(strings.TrimSpace(string(out)), "\n")
	if len(subjects) != 1 || subjects[0] != "Mirror: add 2 event(s)" {
		t.Fatalf("history = %q, want one batch commit", subjects)
	}

	remoteHead, err := exec.Command("git", "-C", remote, "rev-parse", "refs/heads/main").CombinedOutput()
	if err != nil {
		t.Fatalf("remote main: %v\n%s", err, remoteHead)
	}
	if got := strings.TrimSpace(string(remoteHead)); got != *m.Health().LastCommitSHA {
		t.Fatalf("remote main = %s, health reports %s", got, *m.Health().LastCommitSHA)
	}
}
