package collab

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"

	"collabnote/backend/internal/awareness"
	"collabnote/backend/internal/cache"
	"collabnote/backend/internal/crdt"
	"collabnote/backend/internal/delta"
	"collabnote/backend/internal/protocol"
)

type memStore struct {
	mu        sync.Mutex
	states    map[string][]byte
	contents  map[string]string
	loads     int
	saves     int
	loadErr   error
	loadDelay time.Duration
	saveDelay time.Duration
	loadGate  chan struct{} // when set, LoadState waits for it to close
}

func newMemStore() *memStore {
	return &memStore{states: map[string][]byte{}, contents: map[string]string{}}
}

func (m *memStore) LoadState(ctx context.Context, docID string) ([]byte, string, error) {
	if m.loadDelay > 0 {
		time.Sleep(m.loadDelay)
	}
	if m.loadGate != nil {
		<-m.loadGate
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loads++
	if m.loadErr != nil {
		return nil, "", m.loadErr
	}
	return m.states[docID], m.contents[docID], nil
}

func (m *memStore) SaveState(ctx context.Context, docID string, merge func([]byte) ([]byte, string, error)) error {
	if m.saveDelay > 0 {
		time.Sleep(m.saveDelay)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	state, content, err := merge(m.states[docID])
	if err != nil {
		return err
	}
	m.saves++
	m.states[docID] = state
	m.contents[docID] = content
	return nil
}

func (m *memStore) counts() (loads, saves int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loads, m.saves
}

type fakeMember struct {
	id     string
	mu     sync.Mutex
	frames [][]byte
	closed bool
}

func (m *fakeMember) ID() string { return m.id }

func (m *fakeMember) Send(frame []byte) {
	m.mu.Lock()
	m.frames = append(m.frames, frame)
	m.mu.Unlock()
}

func (m *fakeMember) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
}

func (m *fakeMember) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *fakeMember) Frames() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]byte(nil), m.frames...)
}

func testOptions() Options {
	return Options{
		FlushInterval: time.Hour,
		Capabilities:  crdt.DefaultCapabilities(),
	}
}

func clientUpdate(t *testing.T, replica, text string) crdt.Update {
	t.Helper()
	d := crdt.New("doc-1", replica, crdt.DefaultCapabilities())
	u, err := d.ApplyLocalEdit(delta.Delta{delta.Insert(text, nil)})
	if err != nil {
		t.Fatalf("ApplyLocalEdit() error = %v", err)
	}
	return u
}

func TestRegistry_AttachSeedsFromContent(t *testing.T) {
	st := newMemStore()
	st.contents["doc-1"] = "<p>hello</p>"
	r := NewRegistry(st, testOptions())
	defer r.Close()

	s, err := r.Attach(context.Background(), "doc-1", &fakeMember{id: "c1"})
	if err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	if got := s.Doc.HTML(); got != "<p>hello</p>" {
		t.Fatalf("HTML() = %q, want <p>hello</p>", got)
	}
}

func TestRegistry_ConcurrentAttachLoadsOnce(t *testing.T) {
	st := newMemStore()
	st.loadDelay = 50 * time.Millisecond
	r := NewRegistry(st, testOptions())
	defer r.Close()

	const n = 10
	sessions := make([]*Session, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := r.Attach(context.Background(), "doc-1", &fakeMember{id: string(rune('a' + i))})
			if err != nil {
				t.Errorf("Attach() error = %v", err)
				return
			}
			sessions[i] = s
		}(i)
	}
	wg.Wait()

	if loads, _ := st.counts(); loads != 1 {
		t.Fatalf("LoadState called %d times, want 1", loads)
	}
	for i := 1; i < n; i++ {
		if sessions[i] != sessions[0] {
			t.Fatalf("attach %d got a different session", i)
		}
	}
	if got := sessions[0].Len(); got != n {
		t.Fatalf("Len() = %d, want %d", got, n)
	}
}

func TestRegistry_LoadFailure(t *testing.T) {
	st := newMemStore()
	st.loadErr = errors.New("db down")
	r := NewRegistry(st, testOptions())

	if _, err := r.Attach(context.Background(), "doc-1", &fakeMember{id: "c1"}); err == nil {
		t.Fatalf("Attach() expected error")
	}
	if r.Len() != 0 {
		t.Fatalf("Len() = %d, want 0 after failed load", r.Len())
	}
}

func TestSession_BroadcastExcludesSender(t *testing.T) {
	r := NewRegistry(newMemStore(), testOptions())
	defer r.Close()
	ctx := context.Background()

	m1, m2, m3 := &fakeMember{id: "c1"}, &fakeMember{id: "c2"}, &fakeMember{id: "c3"}
	var s *Session
	for _, m := range []*fakeMember{m1, m2, m3} {
		var err error
		if s, err = r.Attach(ctx, "doc-1", m); err != nil {
			t.Fatalf("Attach() error = %v", err)
		}
	}

	if err := s.ApplyUpdate(ctx, "c1", clientUpdate(t, "c1", "hi")); err != nil {
		t.Fatalf("ApplyUpdate() error = %v", err)
	}
	if n := len(m1.Frames()); n != 0 {
		t.Fatalf("sender received %d frames, want 0", n)
	}
	for _, m := range []*fakeMember{m2, m3} {
		frames := m.Frames()
		if len(frames) != 1 {
			t.Fatalf("%s received %d frames, want 1", m.id, len(frames))
		}
		f, err := protocol.Decode(frames[0])
		if err != nil || f.Class != protocol.ClassSync || f.Step != protocol.StepUpdate {
			t.Fatalf("%s frame = %+v, err %v", m.id, f, err)
		}
	}
	if s.Doc.Text() != "hi" {
		t.Fatalf("Text() = %q, want hi", s.Doc.Text())
	}
}

func TestSession_MalformedUpdateNotBroadcast(t *testing.T) {
	r := NewRegistry(newMemStore(), testOptions())
	defer r.Close()
	ctx := context.Background()

	m1, m2 := &fakeMember{id: "c1"}, &fakeMember{id: "c2"}
	s, _ := r.Attach(ctx, "doc-1", m1)
	r.Attach(ctx, "doc-1", m2)

	bad := crdt.Update{Ops: []crdt.Op{{Kind: crdt.OpInsert, ID: crdt.ID{Replica: "c1", Seq: 1}, Clock: 1, Text: "too long"}}}
	if err := s.ApplyUpdate(ctx, "c1", bad); !errors.Is(err, crdt.ErrMalformedUpdate) {
		t.Fatalf("ApplyUpdate() error = %v, want ErrMalformedUpdate", err)
	}
	if n := len(m2.Frames()); n != 0 {
		t.Fatalf("peer received %d frames for a rejected update", n)
	}
}

func TestRegistry_DetachBroadcastsDisconnect(t *testing.T) {
	r := NewRegistry(newMemStore(), testOptions())
	defer r.Close()
	ctx := context.Background()

	m1, m2 := &fakeMember{id: "c1"}, &fakeMember{id: "c2"}
	s, _ := r.Attach(ctx, "doc-1", m1)
	r.Attach(ctx, "doc-1", m2)
	s.Awareness.Register("c1", awareness.Fields{})

	before := len(m2.Frames())
	r.Detach("doc-1", m1)

	frames := m2.Frames()
	if len(frames) != before+1 {
		t.Fatalf("c2 received %d new frames, want 1", len(frames)-before)
	}
	f, err := protocol.Decode(frames[len(frames)-1])
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	msg, err := f.Awareness()
	if err != nil || msg.Change == nil {
		t.Fatalf("Awareness() = %+v, err %v", msg, err)
	}
	if msg.Change.Reason != awareness.ReasonDisconnected || len(msg.Change.Removed) != 1 || msg.Change.Removed[0] != "c1" {
		t.Fatalf("change = %+v, want c1 disconnected", msg.Change)
	}
	if _, ok := s.Awareness.Get("c1"); ok {
		t.Fatalf("c1 still present after detach")
	}
}

func TestRegistry_TeardownReseedsFromStorage(t *testing.T) {
	st := newMemStore()
	r := NewRegistry(st, testOptions())
	defer r.Close()
	ctx := context.Background()

	m1 := &fakeMember{id: "c1"}
	s1, err := r.Attach(ctx, "doc-1", m1)
	if err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	if err := s1.ApplyUpdate(ctx, "c1", clientUpdate(t, "c1", "kept")); err != nil {
		t.Fatalf("ApplyUpdate() error = %v", err)
	}
	r.Detach("doc-1", m1)

	if r.Len() != 0 {
		t.Fatalf("Len() = %d after last detach, want 0", r.Len())
	}
	if _, saves := st.counts(); saves != 1 {
		t.Fatalf("SaveState called %d times, want 1 (final flush)", saves)
	}

	s2, err := r.Attach(ctx, "doc-1", &fakeMember{id: "c2"})
	if err != nil {
		t.Fatalf("re-Attach() error = %v", err)
	}
	if s2 == s1 {
		t.Fatalf("re-attach reused the torn down session")
	}
	if s2.Doc.Text() != "kept" {
		t.Fatalf("reseeded Text() = %q, want kept", s2.Doc.Text())
	}
	if !s2.Doc.StateVector().Covers(s1.Doc.StateVector()) {
		t.Fatalf("reseeded state vector %v does not cover %v", s2.Doc.StateVector(), s1.Doc.StateVector())
	}
	if loads, _ := st.counts(); loads != 2 {
		t.Fatalf("LoadState called %d times, want 2", loads)
	}
}

func TestRegistry_GraceKeepsSession(t *testing.T) {
	opts := testOptions()
	opts.Grace = 100 * time.Millisecond
	r := NewRegistry(newMemStore(), opts)
	defer r.Close()
	ctx := context.Background()

	m1 := &fakeMember{id: "c1"}
	s1, _ := r.Attach(ctx, "doc-1", m1)
	r.Detach("doc-1", m1)

	m2 := &fakeMember{id: "c2"}
	s2, err := r.Attach(ctx, "doc-1", m2)
	if err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	if s2 != s1 {
		t.Fatalf("attach within grace must reuse the session")
	}

	r.Detach("doc-1", m2)
	deadline := time.Now().Add(2 * time.Second)
	for r.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("session not torn down after grace")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSession_FlushOnlyWhenChanged(t *testing.T) {
	st := newMemStore()
	r := NewRegistry(st, testOptions(), WithSemaphore(NewSemaphoreControl(1)))
	defer r.Close()
	ctx := context.Background()

	s, _ := r.Attach(ctx, "doc-1", &fakeMember{id: "c1"})
	if err := s.Flush(ctx); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if _, saves := st.counts(); saves != 0 {
		t.Fatalf("SaveState called %d times for an unchanged document", saves)
	}

	if err := s.ApplyUpdate(ctx, "c1", clientUpdate(t, "c1", "x")); err != nil {
		t.Fatalf("ApplyUpdate() error = %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := s.Flush(ctx); err != nil {
			t.Fatalf("Flush() error = %v", err)
		}
	}
	if _, saves := st.counts(); saves != 1 {
		t.Fatalf("SaveState called %d times, want 1", saves)
	}
	st.mu.Lock()
	content := st.contents["doc-1"]
	st.mu.Unlock()
	if content != "<p>x</p>" {
		t.Fatalf("stored content = %q, want <p>x</p>", content)
	}
}

func TestRegistry_RelayAcrossInstances(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	ctx := context.Background()

	st := newMemStore()
	r1 := NewRegistry(st, testOptions(), WithRelay(cache.NewRelay(rdb, "i1")))
	defer r1.Close()
	r2 := NewRegistry(st, testOptions(), WithRelay(cache.NewRelay(rdb, "i2")))
	defer r2.Close()

	m1, m2 := &fakeMember{id: "c1"}, &fakeMember{id: "c2"}
	s1, err := r1.Attach(ctx, "doc-1", m1)
	if err != nil {
		t.Fatalf("Attach(r1) error = %v", err)
	}
	s2, err := r2.Attach(ctx, "doc-1", m2)
	if err != nil {
		t.Fatalf("Attach(r2) error = %v", err)
	}

	if err := s1.ApplyUpdate(ctx, "c1", clientUpdate(t, "c1", "hey")); err != nil {
		t.Fatalf("ApplyUpdate() error = %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for s2.Doc.Text() != "hey" || len(m2.Frames()) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("update not relayed: text=%q frames=%d", s2.Doc.Text(), len(m2.Frames()))
		}
		time.Sleep(10 * time.Millisecond)
	}
	if n := len(m1.Frames()); n != 0 {
		t.Fatalf("sender received %d frames, want 0", n)
	}
}

func TestRegistry_AttachDuringTeardownWaitsForFlush(t *testing.T) {
	st := newMemStore()
	st.saveDelay = 200 * time.Millisecond
	r := NewRegistry(st, testOptions())
	defer r.Close()
	ctx := context.Background()

	m1 := &fakeMember{id: "c1"}
	s1, err := r.Attach(ctx, "doc-1", m1)
	if err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	if err := s1.ApplyUpdate(ctx, "c1", clientUpdate(t, "c1", "kept")); err != nil {
		t.Fatalf("ApplyUpdate() error = %v", err)
	}

	detached := make(chan struct{})
	go func() {
		defer close(detached)
		r.Detach("doc-1", m1)
	}()
	deadline := time.Now().Add(2 * time.Second)
	for r.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("teardown never started")
		}
		time.Sleep(time.Millisecond)
	}

	s2, err := r.Attach(ctx, "doc-1", &fakeMember{id: "c2"})
	if err != nil {
		t.Fatalf("Attach() during teardown error = %v", err)
	}
	if _, saves := st.counts(); saves != 1 {
		t.Fatalf("attach returned before the final flush, saves = %d", saves)
	}
	if s2 == s1 || s2.Doc.Text() != "kept" {
		t.Fatalf("attach during teardown got text %q (same session %v), want a reseeded kept", s2.Doc.Text(), s2 == s1)
	}
	<-detached
}

func TestSession_DuplicateClientIDClosesPrevious(t *testing.T) {
	r := NewRegistry(newMemStore(), testOptions())
	defer r.Close()
	ctx := context.Background()

	old, fresh := &fakeMember{id: "c1"}, &fakeMember{id: "c1"}
	s, _ := r.Attach(ctx, "doc-1", old)
	s.Awareness.Register("c1", awareness.Fields{})
	r.Attach(ctx, "doc-1", fresh)

	if !old.Closed() {
		t.Fatalf("previous connection with the same id left open")
	}
	if fresh.Closed() || s.Len() != 1 {
		t.Fatalf("fresh closed=%v len=%d, want the new connection kept alone", fresh.Closed(), s.Len())
	}

	// the stale connection detaching must not evict its replacement
	r.Detach("doc-1", old)
	if _, ok := s.Awareness.Get("c1"); !ok || s.Len() != 1 || r.Len() != 1 {
		t.Fatalf("stale detach evicted the replacement: presence=%v len=%d sessions=%d", ok, s.Len(), r.Len())
	}
	other := &fakeMember{id: "c2"}
	r.Attach(ctx, "doc-1", other)
	if err := s.ApplyUpdate(ctx, "c2", clientUpdate(t, "c2", "x")); err != nil {
		t.Fatalf("ApplyUpdate() error = %v", err)
	}
	if len(fresh.Frames()) == 0 || len(old.Frames()) != 0 {
		t.Fatalf("broadcast went to fresh=%d old=%d frames", len(fresh.Frames()), len(old.Frames()))
	}
}

func TestRegistry_CloseClosesMembersAndRefusesAttach(t *testing.T) {
	st := newMemStore()
	r := NewRegistry(st, testOptions())
	ctx := context.Background()

	m := &fakeMember{id: "c1"}
	s, _ := r.Attach(ctx, "doc-1", m)
	if err := s.ApplyUpdate(ctx, "c1", clientUpdate(t, "c1", "bye")); err != nil {
		t.Fatalf("ApplyUpdate() error = %v", err)
	}
	r.Close()

	if !m.Closed() {
		t.Fatalf("member left open after Close")
	}
	if _, saves := st.counts(); saves != 1 {
		t.Fatalf("SaveState called %d times, want the final flush", saves)
	}
	if _, err := r.Attach(ctx, "doc-1", &fakeMember{id: "c2"}); !errors.Is(err, ErrRegistryClosed) {
		t.Fatalf("Attach() after Close error = %v, want ErrRegistryClosed", err)
	}
}

func TestSession_FlushMergesStoredState(t *testing.T) {
	st := newMemStore()
	ctx := context.Background()
	// two instances without a relay between them
	r1 := NewRegistry(st, testOptions())
	defer r1.Close()
	r2 := NewRegistry(st, testOptions())
	defer r2.Close()

	m1, m2 := &fakeMember{id: "c1"}, &fakeMember{id: "c2"}
	s1, _ := r1.Attach(ctx, "doc-1", m1)
	s2, _ := r2.Attach(ctx, "doc-1", m2)
	if err := s1.ApplyUpdate(ctx, "c1", clientUpdate(t, "c1", "a")); err != nil {
		t.Fatalf("ApplyUpdate(s1) error = %v", err)
	}
	if err := s2.ApplyUpdate(ctx, "c2", clientUpdate(t, "c2", "b")); err != nil {
		t.Fatalf("ApplyUpdate(s2) error = %v", err)
	}

	if err := s1.Flush(ctx); err != nil {
		t.Fatalf("Flush(s1) error = %v", err)
	}
	if err := s2.Flush(ctx); err != nil {
		t.Fatalf("Flush(s2) error = %v", err)
	}
	if got := s2.Doc.Text(); len(got) != 2 {
		t.Fatalf("s2 Text() = %q, want both edits after merging the stored state", got)
	}
	if len(m2.Frames()) == 0 {
		t.Fatalf("s2 members were not sent the merged ops")
	}

	r3 := NewRegistry(st, testOptions())
	defer r3.Close()
	s3, err := r3.Attach(ctx, "doc-1", &fakeMember{id: "c3"})
	if err != nil {
		t.Fatalf("Attach(r3) error = %v", err)
	}
	if s3.Doc.Text() != s2.Doc.Text() {
		t.Fatalf("stored Text() = %q, want %q", s3.Doc.Text(), s2.Doc.Text())
	}
}

func TestRegistry_RelayDuringSeedIsBuffered(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	ctx := context.Background()

	r1 := NewRegistry(newMemStore(), testOptions(), WithRelay(cache.NewRelay(rdb, "i1")))
	defer r1.Close()
	s1, err := r1.Attach(ctx, "doc-1", &fakeMember{id: "c1"})
	if err != nil {
		t.Fatalf("Attach(r1) error = %v", err)
	}

	slow := newMemStore()
	slow.loadGate = make(chan struct{})
	r2 := NewRegistry(slow, testOptions(), WithRelay(cache.NewRelay(rdb, "i2")))
	defer r2.Close()
	attached := make(chan *Session, 1)
	go func() {
		s, err := r2.Attach(ctx, "doc-1", &fakeMember{id: "c2"})
		if err != nil {
			t.Errorf("Attach(r2) error = %v", err)
		}
		attached <- s
	}()

	// wait until r2 has subscribed next to r1 while its load is still gated
	deadline := time.Now().Add(2 * time.Second)
	for {
		n, err := rdb.PubSubNumSub(ctx, relayChannelFor(t, rdb)).Result()
		if err == nil && sumSubs(n) >= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("second subscription never appeared: %v %v", n, err)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := s1.ApplyUpdate(ctx, "c1", clientUpdate(t, "c1", "early")); err != nil {
		t.Fatalf("ApplyUpdate() error = %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	close(slow.loadGate)

	s2 := <-attached
	if s2 == nil {
		return
	}
	deadline = time.Now().Add(2 * time.Second)
	for s2.Doc.Text() != "early" {
		if time.Now().After(deadline) {
			t.Fatalf("update published during seeding lost: text=%q", s2.Doc.Text())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func relayChannelFor(t *testing.T, rdb *redis.Client) string {
	t.Helper()
	chans, err := rdb.PubSubChannels(context.Background(), "*").Result()
	if err != nil || len(chans) != 1 {
		t.Fatalf("relay channels = %v, %v", chans, err)
	}
	return chans[0]
}

func sumSubs(n map[string]int64) int64 {
	var total int64
	for _, v := range n {
		total += v
	}
	return total
}

func TestRegistry_WriteContentSurvivesReseed(t *testing.T) {
	st := newMemStore()
	r := NewRegistry(st, testOptions())
	defer r.Close()
	ctx := context.Background()

	m1 := &fakeMember{id: "c1"}
	s1, _ := r.Attach(ctx, "doc-1", m1)
	if err := s1.ApplyUpdate(ctx, "c1", clientUpdate(t, "c1", "old")); err != nil {
		t.Fatalf("ApplyUpdate() error = %v", err)
	}
	r.Detach("doc-1", m1)

	if err := r.WriteContent(ctx, "doc-1", "<p>new from reconcile</p>"); err != nil {
		t.Fatalf("WriteContent() error = %v", err)
	}
	if r.Len() != 0 {
		t.Fatalf("WriteContent left a session open")
	}
	s2, err := r.Attach(ctx, "doc-1", &fakeMember{id: "c2"})
	if err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	if got := s2.Doc.HTML(); got != "<p>new from reconcile</p>" {
		t.Fatalf("reseeded HTML() = %q, want the written content", got)
	}

	// a live member sees the rewrite as an update
	if err := r.WriteContent(ctx, "doc-1", "<p>again</p>"); err != nil {
		t.Fatalf("WriteContent() error = %v", err)
	}
	if s2.Doc.HTML() != "<p>again</p>" {
		t.Fatalf("live HTML() = %q, want <p>again</p>", s2.Doc.HTML())
	}
}
