package timeoutsweeper

import (
	"testing"
	"time"
)

type testHandler struct {
	id int
}

func (h *testHandler) Destroy() {}

type recordingHandler struct {
	id       int
	destroyed *bool
}

func (h *recordingHandler) Destroy() { *h.destroyed = true }

func TestSweepExactTimeoutDoesNotDestroy(t *testing.T) {
	destroyed := false
	h := &recordingHandler{id: 1, destroyed: &destroyed}
	s := New[*recordingHandler](30*time.Second, 1080, nil)

	start := time.Unix(1000, 0)
	s.UpdateActivity(h, 10, start)

	s.Sweep(start.Add(30 * time.Second))
	if destroyed {
		t.Fatalf("handler destroyed at exactly the timeout boundary, want still alive")
	}
}

func TestSweepPastTimeoutDestroys(t *testing.T) {
	destroyed := false
	h := &recordingHandler{id: 1, destroyed: &destroyed}
	s := New[*recordingHandler](30*time.Second, 1080, nil)

	start := time.Unix(1000, 0)
	s.UpdateActivity(h, 10, start)

	s.Sweep(start.Add(30*time.Second + time.Nanosecond))
	if !destroyed {
		t.Fatalf("handler not destroyed past the timeout boundary")
	}
}

func TestUpdateActivityCoalescesWithinPrecision(t *testing.T) {
	s := New[*testHandler](30*time.Second, 1080, nil)
	h := &testHandler{id: 1}

	start := time.Unix(2000, 0)
	s.UpdateActivity(h, 5, start)
	s.UpdateActivity(h, 5, start.Add(time.Second)) // within precision window

	if s.Len() != 1 {
		t.Fatalf("Len() = %d, want 1 (second update should have coalesced)", s.Len())
	}
}

func TestUpdateActivityMovesHandlerToTail(t *testing.T) {
	s := New[*testHandler](30*time.Second, 1080, nil)
	h1 := &testHandler{id: 1}
	h2 := &testHandler{id: 2}

	start := time.Unix(3000, 0)
	s.UpdateActivity(h1, 1, start)
	s.UpdateActivity(h2, 1, start)
	// Refresh h1 well past the precision window so it re-appends.
	s.UpdateActivity(h1, 1, start.Add(time.Minute))

	if s.Len() != 3 {
		t.Fatalf("Len() = %d, want 3 (original h1 slot tombstoned, new slot appended)", s.Len())
	}

	// h2 should time out first since only h1 was refreshed: h2 is 89s idle,
	// h1 only 29s.
	s.Sweep(start.Add(time.Minute + 29*time.Second))
	if s.Offset() != 2 {
		t.Fatalf("Offset() = %d, want 2 (tombstoned h1 slot + expired h2 slot consumed)", s.Offset())
	}
}

func TestStatCallbackReceivesBytesMoved(t *testing.T) {
	var gotPort, gotBytes int
	s := New[*testHandler](30*time.Second, 1080, func(port, bytes int) {
		gotPort, gotBytes = port, bytes
	})
	h := &testHandler{id: 1}
	s.UpdateActivity(h, 4096, time.Unix(4000, 0))

	if gotPort != 1080 || gotBytes != 4096 {
		t.Fatalf("stat callback got (%d, %d), want (1080, 4096)", gotPort, gotBytes)
	}
}

func TestSweepCompactsPastCleanSize(t *testing.T) {
	s := New[*recordingHandler](10*time.Second, 1080, nil)
	start := time.Unix(5000, 0)

	// Enough handlers, all of them expired, to push pos past cleanSize and
	// past half the queue.
	const n = cleanSize + 50
	destroyedFlags := make([]bool, n)
	for i := 0; i < n; i++ {
		h := &recordingHandler{id: i, destroyed: &destroyedFlags[i]}
		s.UpdateActivity(h, 1, start.Add(time.Duration(i)*time.Millisecond))
	}

	s.Sweep(start.Add(time.Hour))

	for i, d := range destroyedFlags {
		if !d {
			t.Fatalf("handler %d not destroyed on full sweep", i)
		}
	}
	if s.Offset() != 0 {
		t.Fatalf("Offset() = %d, want 0 after compaction", s.Offset())
	}
	if s.Len() != 0 {
		t.Fatalf("Len() = %d, want 0 after compacting a fully-consumed queue", s.Len())
	}
}
