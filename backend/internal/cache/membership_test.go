package cache

import (
	"context"
	"sync"
	"testing"
)

type countingSource struct {
	mu      sync.Mutex
	members map[string]bool
	calls   int
}

func (s *countingSource) IsCollaborator(_ context.Context, docID, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.members[docID+"/"+userID], nil
}

func (s *countingSource) set(key string, ok bool) {
	s.mu.Lock()
	s.members[key] = ok
	s.mu.Unlock()
}

func (s *countingSource) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func TestMembership_ReadThrough(t *testing.T) {
	mr, rdb := newTestClient(t)
	src := &countingSource{members: map[string]bool{"doc-1/u1": true}}
	m := NewMembership(rdb, src)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := m.IsCollaborator(ctx, "doc-1", "u1")
		if err != nil || !ok {
			t.Fatalf("member check %d = %v, %v", i, ok, err)
		}
	}
	if src.count() != 1 {
		t.Fatalf("source calls = %d, want 1", src.count())
	}

	// non-members are cached too
	for i := 0; i < 2; i++ {
		if ok, _ := m.IsCollaborator(ctx, "doc-1", "u2"); ok {
			t.Fatalf("u2 should not be a member")
		}
	}
	if src.count() != 2 {
		t.Fatalf("source calls = %d, want 2", src.count())
	}
	if got, _ := mr.Get(memberKey("doc-1", "u2")); got != nonMemberMark {
		t.Fatalf("negative entry = %q", got)
	}

	src.set("doc-1/u2", true)
	if err := m.Forget(ctx, "doc-1", "u2"); err != nil {
		t.Fatalf("forget: %v", err)
	}
	if ok, _ := m.IsCollaborator(ctx, "doc-1", "u2"); !ok {
		t.Fatalf("u2 should be a member after forget")
	}
}

func TestMembership_CacheDownFallsBack(t *testing.T) {
	mr, rdb := newTestClient(t)
	src := &countingSource{members: map[string]bool{"doc-1/u1": true}}
	m := NewMembership(rdb, src)
	mr.Close()

	ok, err := m.IsCollaborator(context.Background(), "doc-1", "u1")
	if err != nil || !ok {
		t.Fatalf("fallback = %v, %v", ok, err)
	}
}
