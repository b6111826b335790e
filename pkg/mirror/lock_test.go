package mirror

import (
	"os"
	"testing"
	"time"
)

func TestAcquireLock(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	stale := time.Minute

	tests := []struct {
		name     string
		existing string
		wantHeld bool
	}{
		{"no lock", "", false},
		{"fresh lock", `{"instance_id":"other","started_at":"2024-01-01T11:00:00Z","last_heartbeat":"2024-01-01T11:59:30Z"}`, true},
		{"stale lock", `{"instance_id":"other","started_at":"2024-01-01T11:00:00Z","last_heartbeat":"2024-01-01T11:58:00Z"}`, false},
		{"exactly stale", `{"instance_id":"other","started_at":"2024-01-01T11:00:00Z","last_heartbeat":"2024-01-01T11:59:00Z"}`, false},
		{"own lock", `{"instance_id":"me","started_at":"2024-01-01T11:00:00Z","last_heartbeat":"2024-01-01T11:59:59Z"}`, false},
		{"garbage", `not json`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			if tt.existing != "" {
				if err := os.MkdirAll(dir+"/"+MetaDir, 0o755); err != nil {
					t.Fatal(err)
				}
				if err := os.WriteFile(LockPath(dir), []byte(tt.existing), 0o644); err != nil {
					t.Fatal(err)
				}
			}
			held, err := AcquireLock(dir, "me", now, stale)
			if err != nil {
				t.Fatalf("AcquireLock: %v", err)
			}
			if (held != nil) != tt.wantHeld {
				t.Fatalf("held = %+v, want held=%v", held, tt.wantHeld)
			}
			l, err := ReadLock(dir)
			if err != nil || l.InstanceID != "me" || !l.StartedAt.Equal(now) || !l.LastHeartbeat.Equal(now) {
				t.Fatalf("lock after acquire = %+v, %v", l, err)
			}
		})
	}
}

func TestHeartbeat(t *testing.T) {
	dir := t.TempDir()
	start := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	if _, err := AcquireLock(dir, "me", start, time.Minute); err != nil {
		t.Fatal(err)
	}

	later := start.Add(15 * time.Second)
	prev, err := Heartbeat(dir, "me", start, later)
	if err != nil || prev != nil {
		t.Fatalf("Heartbeat = %+v, %v", prev, err)
	}
	l, _ := ReadLock(dir)
	if !l.LastHeartbeat.Equal(later) || !l.StartedAt.Equal(start) {
		t.Fatalf("lock = %+v", l)
	}

	if _, err := AcquireLock(dir, "intruder", later, time.Minute); err != nil {
		t.Fatal(err)
	}
	prev, err = Heartbeat(dir, "me", start, later.Add(15*time.Second))
	if err != nil || prev == nil || prev.InstanceID != "intruder" {
		t.Fatalf("takeover not reported: %+v, %v", prev, err)
	}
	if l, _ := ReadLock(dir); l.InstanceID != "me" {
		t.Fatalf("lock owner = %q", l.InstanceID)
	}
}

func TestReadLock_Missing(t *testing.T) {
	l, err := ReadLock(t.TempDir())
	if err != nil || l != nil {
		t.Fatalf("ReadLock = %+v, %v", l, err)
	}
}
