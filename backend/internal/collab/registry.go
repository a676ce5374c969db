package collab

import (
	"context"
	"errors"
	"fmt"
	"log"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"collabnote/backend/internal/awareness"
	"collabnote/backend/internal/cache"
	"collabnote/backend/internal/crdt"
)

const DefaultFlushInterval = 5 * time.Second

// StateStore is the durable side sessions seed from and flush to. LoadState
// returns the persisted replicated state (may be empty) and the flattened content.
type StateStore interface {
	LoadState(ctx context.Context, docID string) (state []byte, content string, err error)
	// SaveState hands merge the currently stored state and writes back what it
	// returns, atomically with respect to other writers of the same document.
	SaveState(ctx context.Context, docID string, merge func(stored []byte) (state []byte, content string, err error)) error
}

var ErrRegistryClosed = errors.New("session registry closed")

type Options struct {
	// delay between the last detach and teardown, 0 tears down immediately
	Grace         time.Duration     `mapstructure:"grace"`
	FlushInterval time.Duration     `mapstructure:"flushInterval"`
	Awareness     awareness.Config  `mapstructure:"awareness"`
	Capabilities  crdt.Capabilities `mapstructure:"capabilities"`

	// replica id the server stamps its document replicas with
	Replica string `mapstructure:"replica"`
}

type Option func(*Registry)

func WithPresence(p cache.PresenceCache) Option { return func(r *Registry) { r.presence = p } }
func WithRelay(rl *cache.Relay) Option          { return func(r *Registry) { r.relay = rl } }
func WithEvents(d *KafkaDispatcher) Option      { return func(r *Registry) { r.events = d } }
func WithSemaphore(s *SemaphoreControl) Option  { return func(r *Registry) { r.sem = s } }

// Registry maps document ids to live sessions. Its mutex guards only its maps;
// merges happen on the session's document.
type Registry struct {
	store StateStore
	opts  Options

	presence cache.PresenceCache
	relay    *cache.Relay
	events   *KafkaDispatcher
	sem      *SemaphoreControl

	mu       sync.Mutex
	closed   bool
	sessions map[string]*Session
	closing  map[string]chan struct{} // teardown in progress
	timers   map[string]*time.Timer   // pending grace teardown
	group    singleflight.Group
	writers  atomic.Uint64
}

func NewRegistry(store StateStore, opts Options, options ...Option) *Registry {
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}
	if opts.Awareness.Timeout <= 0 {
		opts.Awareness.Timeout = awareness.DefaultTimeout
	}
	if opts.Awareness.SweepInterval <= 0 {
		opts.Awareness.SweepInterval = awareness.DefaultSweepInterval
	}
	if opts.Replica == "" {
		opts.Replica = "server"
	}
	r := &Registry{
		store:    store,
		opts:     opts,
		sessions: make(map[string]*Session),
		closing:  make(map[string]chan struct{}),
		timers:   make(map[string]*time.Timer),
	}
	for _, o := range options {
		o(r)
	}
	return r
}

// Attach registers m with the session for docID, creating and seeding it on
// first use. An attach racing a teardown waits for the final flush and then
// seeds a fresh session from storage.
func (r *Registry) Attach(ctx context.Context, docID string, m Member) (*Session, error) {
	for {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return nil, ErrRegistryClosed
		}
		if ch, ok := r.closing[docID]; ok {
			r.mu.Unlock()
			select {
			case <-ch:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		if s, ok := r.sessions[docID]; ok {
			r.stopTimerLocked(docID)
			s.addMember(m)
			r.mu.Unlock()
			return s, nil
		}
		r.mu.Unlock()

		if _, err, _ := r.group.Do(docID, func() (any, error) { return r.open(ctx, docID) }); err != nil {
			return nil, err
		}
		// loop: the opened session is now in the map unless a teardown already claimed it
	}
}

// open loads and installs a session. Runs under singleflight, outside r.mu.
// The relay subscription starts before the load so updates published while
// seeding are buffered and merged once the session exists.
func (r *Registry) open(ctx context.Context, docID string) (*Session, error) {
	r.mu.Lock()
	if s, ok := r.sessions[docID]; ok {
		r.mu.Unlock()
		return s, nil
	}
	r.mu.Unlock()

	var (
		buf       relayBuffer
		stopRelay func() error
	)
	if r.relay != nil {
		stop, err := r.relay.Subscribe(context.WithoutCancel(ctx), docID, buf.deliver)
		if err != nil {
			return nil, fmt.Errorf("subscribe relay: %w", err)
		}
		stopRelay = stop
	}
	abort := func() {
		if stopRelay != nil {
			_ = stopRelay()
		}
	}

	doc, err := r.seed(ctx, docID)
	if err != nil {
		abort()
		return nil, err
	}
	s := newSession(r, docID, doc)
	s.stopRelay = stopRelay
	buf.attach(s.onRelayed)
	s.start()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		s.close(closeCtx)
		cancel()
		return nil, ErrRegistryClosed
	}
	r.sessions[docID] = s
	r.mu.Unlock()
	log.Printf("session opened (doc=%s, version=%d)", docID, doc.Version())
	return s, nil
}

// relayBuffer holds relayed frames until a handler is attached, then replays
// them in arrival order.
type relayBuffer struct {
	mu     sync.Mutex
	frames [][]byte
	fn     func([]byte)
}

func (b *relayBuffer) deliver(frame []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fn == nil {
		b.frames = append(b.frames, frame)
		return
	}
	b.fn(frame)
}

func (b *relayBuffer) attach(fn func([]byte)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, f := range b.frames {
		fn(f)
	}
	b.frames = nil
	b.fn = fn
}

// seed prefers the persisted replicated state, then the flattened content.
func (r *Registry) seed(ctx context.Context, docID string) (*crdt.Document, error) {
	state, content, err := r.store.LoadState(ctx, docID)
	if err != nil {
		return nil, fmt.Errorf("load document %s: %w", docID, err)
	}
	if len(state) > 0 {
		doc, err := crdt.Load(docID, r.opts.Replica, r.opts.Capabilities, state)
		if err == nil {
			return doc, nil
		}
		log.Printf("stored state unreadable, reseeding from content (doc=%s): %v", docID, err)
	}
	doc := crdt.New(docID, r.opts.Replica, r.opts.Capabilities)
	if content != "" {
		if _, err := doc.SeedHTML(content); err != nil && !errors.Is(err, crdt.ErrAlreadySeeded) {
			return nil, fmt.Errorf("seed document %s: %w", docID, err)
		}
	}
	return doc, nil
}

// Detach removes m and its presence entry. The last detach schedules teardown.
func (r *Registry) Detach(docID string, m Member) {
	r.mu.Lock()
	s := r.sessions[docID]
	if s == nil {
		r.mu.Unlock()
		return
	}
	removed, remaining := s.removeMember(m)
	r.mu.Unlock()
	if !removed {
		return
	}

	s.Awareness.RemoveClient(m.ID(), awareness.ReasonDisconnected)
	if remaining > 0 {
		return
	}
	if r.opts.Grace <= 0 {
		r.teardown(docID, s)
		return
	}
	r.mu.Lock()
	r.stopTimerLocked(docID)
	r.timers[docID] = time.AfterFunc(r.opts.Grace, func() { r.teardown(docID, s) })
	r.mu.Unlock()
}

// teardown evicts s if it is still current and empty, then flushes it.
func (r *Registry) teardown(docID string, s *Session) {
	r.mu.Lock()
	if r.sessions[docID] != s || s.Len() > 0 {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, docID)
	r.stopTimerLocked(docID)
	done := make(chan struct{})
	r.closing[docID] = done
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	s.close(ctx)
	cancel()

	r.mu.Lock()
	delete(r.closing, docID)
	r.mu.Unlock()
	close(done)
	log.Printf("session closed (doc=%s)", docID)
}

func (r *Registry) stopTimerLocked(docID string) {
	if t, ok := r.timers[docID]; ok {
		t.Stop()
		delete(r.timers, docID)
	}
}

type contentWriter struct{ id string }

func (w contentWriter) ID() string { return w.id }
func (contentWriter) Send([]byte)  {}
func (contentWriter) Close()       {}

// WriteContent replaces a document's content with a flattened rendering. The
// change is merged into the replicated state, shipped to live members and
// flushed before WriteContent returns.
func (r *Registry) WriteContent(ctx context.Context, docID, content string) error {
	w := contentWriter{id: fmt.Sprintf("content-writer-%d", r.writers.Add(1))}
	s, err := r.Attach(ctx, docID, w)
	if err != nil {
		return err
	}
	defer r.Detach(docID, w)
	if err := s.ReplaceContent(ctx, content); err != nil {
		return err
	}
	return s.Flush(ctx)
}

// Session returns the live session for docID, if any.
func (r *Registry) Session(docID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[docID]
	return s, ok
}

// Documents returns the ids of the live sessions, sorted.
func (r *Registry) Documents() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Sorted(maps.Keys(r.sessions))
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Close refuses further attaches, closes every member, then flushes and
// evicts every session. It also waits for teardowns already in progress.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	all := make(map[string]*Session, len(r.sessions))
	for id, s := range r.sessions {
		all[id] = s
		r.stopTimerLocked(id)
	}
	r.sessions = make(map[string]*Session)
	closing := slices.Collect(maps.Values(r.closing))
	r.mu.Unlock()

	for id, s := range all {
		s.closeMembers()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		s.close(ctx)
		cancel()
		log.Printf("session closed on shutdown (doc=%s)", id)
	}
	for _, ch := range closing {
		<-ch
	}
}
