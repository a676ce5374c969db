package collab

import (
	"context"
	"errors"
	"log"
	"maps"
	"slices"
	"sync"
	"time"

	"collabnote/backend/internal/awareness"
	"collabnote/backend/internal/crdt"
	"collabnote/backend/internal/protocol"
)

// Member is one attached connection as the session sees it. Send and Close
// must not block.
type Member interface {
	ID() string
	Send(frame []byte)
	Close()
}

// Session is the live state of one document: the replica, its presence table
// and the attached members.
type Session struct {
	DocID     string
	Doc       *crdt.Document
	Awareness *awareness.Table

	r *Registry

	mu      sync.RWMutex
	members map[string]Member

	flushMu        sync.Mutex
	flushedVersion uint64

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	stopObs   func()
	stopRelay func() error
}

func newSession(r *Registry, docID string, doc *crdt.Document) *Session {
	s := &Session{
		DocID:          docID,
		Doc:            doc,
		Awareness:      awareness.NewTable(docID, r.opts.Awareness),
		r:              r,
		members:        make(map[string]Member),
		flushedVersion: doc.Version(),
	}
	s.stopObs = s.Awareness.Observe(s.onAwareness)
	return s
}

// start launches the awareness sweep and the flush loop.
func (s *Session) start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.Awareness.Run(ctx)
	}()
	go func() {
		defer s.wg.Done()
		s.flushLoop(ctx)
	}()
}

// addMember registers m. A live member already holding the id is an older
// connection of the same replica and is closed.
func (s *Session) addMember(m Member) {
	s.mu.Lock()
	prev := s.members[m.ID()]
	s.members[m.ID()] = m
	s.mu.Unlock()
	if prev != nil && prev != m {
		log.Printf("client reconnected, closing previous connection (client=%s, doc=%s)", m.ID(), s.DocID)
		prev.Close()
	}
}

func (s *Session) closeMembers() {
	s.mu.RLock()
	members := slices.Collect(maps.Values(s.members))
	s.mu.RUnlock()
	for _, m := range members {
		m.Close()
	}
}

// removeMember drops m if it is still the member registered under its id.
func (s *Session) removeMember(m Member) (removed bool, remaining int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.members[m.ID()]; ok && cur == m {
		delete(s.members, m.ID())
		removed = true
	}
	return removed, len(s.members)
}

func (s *Session) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.members)
}

// Broadcast sends frame to every member except the one with id except.
func (s *Session) Broadcast(frame []byte, except string) {
	s.mu.RLock()
	targets := make([]Member, 0, len(s.members))
	for id, m := range s.members {
		if id != except {
			targets = append(targets, m)
		}
	}
	s.mu.RUnlock()
	for _, m := range targets {
		m.Send(frame)
	}
}

// ApplyUpdate merges an update sent by member from and fans it out to the
// other members, other instances and the event stream.
func (s *Session) ApplyUpdate(ctx context.Context, from string, u crdt.Update) error {
	if err := s.Doc.ApplyRemoteUpdate(u); err != nil {
		return err
	}
	return s.fanOut(ctx, from, u)
}

// ReplaceContent rewrites the document to match a flattened rendering. The
// rewrite is a local edit of the server replica and ships like any update.
func (s *Session) ReplaceContent(ctx context.Context, content string) error {
	u, err := s.Doc.ReplaceHTML(content)
	if err != nil {
		return err
	}
	return s.fanOut(ctx, "", u)
}

func (s *Session) fanOut(ctx context.Context, from string, u crdt.Update) error {
	if u.Empty() {
		return nil
	}
	frame, err := protocol.EncodeUpdate(protocol.StepUpdate, u)
	if err != nil {
		return err
	}
	s.Broadcast(frame, from)
	s.publish(ctx, frame)

	if s.r.events != nil {
		evt := DocUpdateEvent{
			EventType:   EventUpdateApplied,
			DocID:       s.DocID,
			ClientID:    from,
			OpCount:     len(u.Ops),
			Version:     s.Doc.Version(),
			StateVector: s.Doc.StateVector(),
			Update:      u,
			AppliedAt:   time.Now(),
		}
		enqCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
		defer cancel()
		if err := s.r.events.Enqueue(enqCtx, evt); err != nil {
			log.Printf("enqueue update event error (doc=%s): %v", s.DocID, err)
		}
	}
	return nil
}

// SetPresence merges a member's own presence fields; the resulting change is
// broadcast by the awareness observer.
func (s *Session) SetPresence(from string, f awareness.Fields) awareness.Change {
	return s.Awareness.SetLocalState(from, f)
}

func (s *Session) onAwareness(ch awareness.Change) {
	frame, err := protocol.EncodeAwareness(protocol.AwarenessMessage{Change: &ch})
	if err != nil {
		log.Printf("encode awareness error (doc=%s): %v", s.DocID, err)
		return
	}
	s.Broadcast(frame, ch.Origin)
	s.publish(context.Background(), frame)
	s.mirrorPresence(ch)
}

func (s *Session) mirrorPresence(ch awareness.Change) {
	if s.r.presence == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	for id, p := range ch.States {
		if err := s.r.presence.AddMember(ctx, s.DocID, p, s.r.opts.Awareness.Timeout); err != nil {
			log.Printf("presence add error (doc=%s, client=%s): %v", s.DocID, id, err)
		}
	}
	for _, id := range ch.Removed {
		if err := s.r.presence.RemoveMember(ctx, s.DocID, id); err != nil {
			log.Printf("presence remove error (doc=%s, client=%s): %v", s.DocID, id, err)
		}
	}
}

func (s *Session) publish(ctx context.Context, frame []byte) {
	if s.r.relay == nil {
		return
	}
	pubCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	if err := s.r.relay.Publish(pubCtx, s.DocID, frame); err != nil {
		log.Printf("relay publish error (doc=%s): %v", s.DocID, err)
	}
}

// onRelayed handles a frame published by another instance. Updates merge into
// the local replica; everything is forwarded to all local members.
func (s *Session) onRelayed(frame []byte) {
	f, err := protocol.Decode(frame)
	if err != nil {
		log.Printf("relay frame dropped (doc=%s): %v", s.DocID, err)
		return
	}
	if f.Class == protocol.ClassSync && f.Step == protocol.StepUpdate {
		u, err := f.Update()
		if err == nil {
			err = s.Doc.ApplyRemoteUpdate(u)
		}
		if err != nil {
			log.Printf("relay update rejected (doc=%s): %v", s.DocID, err)
			return
		}
	}
	s.Broadcast(frame, "")
}

func (s *Session) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(s.r.opts.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Flush(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("flush error (doc=%s): %v", s.DocID, err)
			}
		}
	}
}

// Flush writes the replicated state and its rendering to the store when the
// document changed since the last successful flush. Ops another writer stored
// meanwhile are merged into the live document first, so the write is a union.
func (s *Session) Flush(ctx context.Context) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	if s.Doc.Version() == s.flushedVersion {
		return nil
	}
	if s.r.sem != nil {
		if err := s.r.sem.Acquire(ctx); err != nil {
			return err
		}
		defer s.r.sem.Release()
	}
	var version uint64
	err := s.r.store.SaveState(ctx, s.DocID, func(stored []byte) ([]byte, string, error) {
		s.absorb(stored)
		version = s.Doc.Version()
		state, err := s.Doc.EncodeFullState()
		return state, s.Doc.HTML(), err
	})
	if err != nil {
		return err
	}
	s.flushedVersion = version
	return nil
}

// absorb merges a stored state into the live document and forwards the ops the
// local members lacked.
func (s *Session) absorb(stored []byte) {
	if len(stored) == 0 {
		return
	}
	u, err := crdt.DecodeUpdate(stored)
	if err != nil {
		log.Printf("stored state unreadable, overwriting (doc=%s): %v", s.DocID, err)
		return
	}
	before := s.Doc.StateVector()
	if err := s.Doc.ApplyRemoteUpdate(u); err != nil {
		log.Printf("stored state rejected, overwriting (doc=%s): %v", s.DocID, err)
		return
	}
	missing := s.Doc.DiffAgainstStateVector(before)
	if missing.Empty() {
		return
	}
	frame, err := protocol.EncodeUpdate(protocol.StepUpdate, missing)
	if err != nil {
		log.Printf("encode merged update error (doc=%s): %v", s.DocID, err)
		return
	}
	s.Broadcast(frame, "")
}

// close stops background work and runs the final flush.
func (s *Session) close(ctx context.Context) {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	if s.stopRelay != nil {
		if err := s.stopRelay(); err != nil {
			log.Printf("relay unsubscribe error (doc=%s): %v", s.DocID, err)
		}
	}
	if err := s.Flush(ctx); err != nil {
		log.Printf("final flush error (doc=%s): %v", s.DocID, err)
	}
	s.stopObs()
}
