package clock

import (
	"sync"
	"testing"
	"time"
)

func TestFake_StandsStill(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := Fake(start)
	if !c.Now().Equal(start) {
		t.Fatalf("Now() = %v, want %v", c.Now(), start)
	}
	if !c.Now().Equal(c.Now()) {
		t.Fatal("fake clock should not move on its own")
	}
}

func TestFake_Advance(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := Fake(start)
	got := c.Advance(90 * time.Second)
	want := start.Add(90 * time.Second)
	if !got.Equal(want) || !c.Now().Equal(want) {
		t.Fatalf("after Advance: got %v / %v, want %v", got, c.Now(), want)
	}
}

func TestFake_Set(t *testing.T) {
	c := Fake(time.Time{})
	target := time.Date(2030, 6, 1, 12, 0, 0, 0, time.UTC)
	c.Set(target)
	if !c.Now().Equal(target) {
		t.Fatalf("Now() = %v, want %v", c.Now(), target)
	}
}

func TestFake_ConcurrentAdvance(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := Fake(start)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Advance(time.Second)
		}()
	}
	wg.Wait()
	if got := c.Now().Sub(start); got != 50*time.Second {
		t.Fatalf("elapsed = %v, want 50s", got)
	}
}

func TestReal_Monotone(t *testing.T) {
	c := Real()
	a := c.Now()
	b := c.Now()
	if b.Before(a) {
		t.Fatalf("real clock went backwards: %v then %v", a, b)
	}
}
