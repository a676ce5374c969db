package awareness

import (
	"context"
	"slices"
	"sync"
	"testing"
	"time"
)

type fakeNow struct {
	mu sync.Mutex
	t  time.Time
}

func (f *fakeNow) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeNow) Advance(d time.Duration) {
	f.mu.Lock()
	f.t = f.t.Add(d)
	f.mu.Unlock()
}

func strPtr(s string) *string { return &s }
func intPtr(i int) *int       { return &i }

func newTestTable() (*Table, *fakeNow) {
	clk := &fakeNow{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	return NewTable("doc-1", Config{Timeout: 30 * time.Second}, WithClock(clk.Now)), clk
}

func TestTable_SetLocalStateMerges(t *testing.T) {
	tbl, _ := newTestTable()

	ch := tbl.Register("c1", Fields{UserID: strPtr("00000010"), UserDisplayName: strPtr("ann")})
	if !slices.Equal(ch.Added, []string{"c1"}) {
		t.Fatalf("Register() Added = %v", ch.Added)
	}

	ch = tbl.SetLocalState("c1", Fields{CursorAnchor: intPtr(3), CursorHead: intPtr(7)})
	if !slices.Equal(ch.Updated, []string{"c1"}) {
		t.Fatalf("SetLocalState() Updated = %v", ch.Updated)
	}

	p, ok := tbl.Get("c1")
	if !ok {
		t.Fatalf("Get(c1) missing")
	}
	if p.UserDisplayName != "ann" {
		t.Errorf("UserDisplayName = %q, want ann (unspecified fields keep prior value)", p.UserDisplayName)
	}
	if p.Color != "#000010" {
		t.Errorf("Color = %q, want #000010", p.Color)
	}
	if p.CursorAnchor == nil || *p.CursorAnchor != 3 || p.CursorHead == nil || *p.CursorHead != 7 {
		t.Errorf("cursor = %v..%v, want 3..7", p.CursorAnchor, p.CursorHead)
	}
	if p.DocumentID != "doc-1" {
		t.Errorf("DocumentID = %q", p.DocumentID)
	}

	tbl.SetLocalState("c1", Fields{ClearCursor: true})
	if p, _ = tbl.Get("c1"); p.CursorAnchor != nil || p.CursorHead != nil {
		t.Errorf("cursor not cleared: %v..%v", p.CursorAnchor, p.CursorHead)
	}
}

func TestTable_SnapshotIsCopy(t *testing.T) {
	tbl, _ := newTestTable()
	tbl.Register("c1", Fields{UserDisplayName: strPtr("ann")})

	snap := tbl.Snapshot()
	delete(snap, "c1")
	if tbl.Len() != 1 {
		t.Fatalf("Len() = %d after mutating snapshot, want 1", tbl.Len())
	}
}

func TestTable_RemovalReasons(t *testing.T) {
	tbl, clk := newTestTable()

	var (
		mu      sync.Mutex
		changes []Change
	)
	cancel := tbl.Observe(func(ch Change) {
		mu.Lock()
		changes = append(changes, ch)
		mu.Unlock()
	})
	defer cancel()

	tbl.Register("c1", Fields{})
	tbl.Register("c2", Fields{})

	clk.Advance(20 * time.Second)
	tbl.SetLocalState("c2", Fields{CursorHead: intPtr(1)}) // refresh c2 only

	if tbl.RemoveClient("gone", ReasonDisconnected) {
		t.Fatalf("RemoveClient of unknown client must report false")
	}

	clk.Advance(15 * time.Second) // c1 idle 35s, c2 idle 15s
	expired := tbl.Sweep(clk.Now())
	if !slices.Equal(expired, []string{"c1"}) {
		t.Fatalf("Sweep() = %v, want [c1]", expired)
	}

	if !tbl.RemoveClient("c2", ReasonDisconnected) {
		t.Fatalf("RemoveClient(c2) = false")
	}
	if tbl.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", tbl.Len())
	}

	mu.Lock()
	defer mu.Unlock()
	var removals []Change
	for _, ch := range changes {
		if len(ch.Removed) > 0 {
			removals = append(removals, ch)
		}
	}
	if len(removals) != 2 {
		t.Fatalf("got %d removal changes, want 2", len(removals))
	}
	if removals[0].Reason != ReasonTimeout || removals[0].Removed[0] != "c1" {
		t.Errorf("first removal = %+v, want c1 timeout", removals[0])
	}
	if removals[1].Reason != ReasonDisconnected || removals[1].Removed[0] != "c2" {
		t.Errorf("second removal = %+v, want c2 disconnected", removals[1])
	}
}

func TestTable_ObserveCancel(t *testing.T) {
	tbl, _ := newTestTable()
	n := 0
	cancel := tbl.Observe(func(Change) { n++ })
	tbl.Register("c1", Fields{})
	cancel()
	tbl.SetLocalState("c1", Fields{})
	if n != 1 {
		t.Fatalf("observer called %d times, want 1", n)
	}
}

func TestTable_RunSweepsUntilCancelled(t *testing.T) {
	tbl := NewTable("doc-1", Config{Timeout: 10 * time.Millisecond, SweepInterval: 5 * time.Millisecond})
	tbl.Register("c1", Fields{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		tbl.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for tbl.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("entry not swept")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Run did not return after cancel")
	}
}

func TestUserColor(t *testing.T) {
	if got := UserColor("00000010-aaaa"); got != "#000010" {
		t.Errorf("UserColor(hex) = %q, want #000010", got)
	}
	if a, b := UserColor("alice"), UserColor("alice"); a != b || len(a) != 7 {
		t.Errorf("UserColor(non-hex) = %q / %q, want stable #rrggbb", a, b)
	}
}
