package pool

import (
	"testing"
	"time"
)

func TestDedupCache_FirstSeenThenDuplicate(t *testing.T) {
	clock := NewFakeClock(time.Unix(0, 0))
	d := NewDedupCache(30*time.Second, 1000, clock)
	defer d.Stop()

	key := []byte("sig-1")

	result, _ := d.CheckAndInsert(key, clock.Now(), "endpoint-a")
	if result != DedupFirstSeen {
		t.Fatalf("first insert: got %v, want DedupFirstSeen", result)
	}

	result, source := d.CheckAndInsert(key, clock.Now(), "endpoint-b")
	if result != DedupDuplicate {
		t.Fatalf("second insert: got %v, want DedupDuplicate", result)
	}
	if source != "endpoint-a" {
		t.Fatalf("duplicate source: got %q, want endpoint-a", source)
	}
}

func TestDedupCache_ExpiresAfterWindow(t *testing.T) {
	clock := NewFakeClock(time.Unix(0, 0))
	d := NewDedupCache(5*time.Second, 1000, clock)
	defer d.Stop()

	key := []byte("sig-expiring")
	if result, _ := d.CheckAndInsert(key, clock.Now(), "a"); result != DedupFirstSeen {
		t.Fatalf("want first-seen")
	}

	clock.Advance(10 * time.Second)

	result, _ := d.CheckAndInsert(key, clock.Now(), "b")
	if result != DedupFirstSeen {
		t.Fatalf("after window expiry: got %v, want DedupFirstSeen", result)
	}
}

func TestDedupCache_SizeBoundedAfterManyInsertions(t *testing.T) {
	clock := NewFakeClock(time.Unix(0, 0))
	d := NewDedupCache(time.Hour, 100, clock)
	defer d.Stop()

	for i := 0; i < 500; i++ {
		key := []byte{byte(i), byte(i >> 8)}
		d.CheckAndInsert(key, clock.Now(), "a")
		d.sweepOnce()
	}

	if got := d.Size(); got > 100 {
		t.Fatalf("Size() = %d, want <= 100", got)
	}
}

func TestDedupCache_Clear(t *testing.T) {
	clock := NewFakeClock(time.Unix(0, 0))
	d := NewDedupCache(time.Minute, 1000, clock)
	defer d.Stop()

	d.CheckAndInsert([]byte("a"), clock.Now(), "x")
	d.CheckAndInsert([]byte("b"), clock.Now(), "x")
	if d.Size() != 2 {
		t.Fatalf("Size() = %d, want 2", d.Size())
	}

	d.Clear()
	if d.Size() != 0 {
		t.Fatalf("Size() after Clear = %d, want 0", d.Size())
	}
}
