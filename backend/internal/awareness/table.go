package awareness

import (
	"context"
	"log"
	"maps"
	"slices"
	"sync"
	"time"
)

type RemovalReason string

const (
	ReasonDisconnected RemovalReason = "disconnected"
	ReasonTimeout      RemovalReason = "timeout"
)

const (
	DefaultTimeout       = 30 * time.Second
	DefaultSweepInterval = 5 * time.Second
)

// ClientPresence is one connection's ephemeral state. Keyed by client id, so a
// user with two tabs has two entries.
type ClientPresence struct {
	ClientID        string    `json:"clientId"`
	DocumentID      string    `json:"documentId"`
	UserID          string    `json:"userId,omitempty"`
	UserDisplayName string    `json:"userDisplayName"`
	Color           string    `json:"color"`
	CursorAnchor    *int      `json:"cursorAnchor,omitempty"`
	CursorHead      *int      `json:"cursorHead,omitempty"`
	LastUpdatedAt   time.Time `json:"lastUpdatedAt"`
}

// Fields is a partial presence update. Nil fields keep their prior value.
type Fields struct {
	UserID          *string `json:"userId,omitempty"`
	UserDisplayName *string `json:"userDisplayName,omitempty"`
	Color           *string `json:"color,omitempty"`
	CursorAnchor    *int    `json:"cursorAnchor,omitempty"`
	CursorHead      *int    `json:"cursorHead,omitempty"`

	// selection left the document
	ClearCursor bool `json:"clearCursor,omitempty"`
}

// Change describes one mutation of the table. States holds the new value of
// every added or updated client.
type Change struct {
	Added   []string                  `json:"added,omitempty"`
	Updated []string                  `json:"updated,omitempty"`
	Removed []string                  `json:"removed,omitempty"`
	Reason  RemovalReason             `json:"reason,omitempty"`
	States  map[string]ClientPresence `json:"states,omitempty"`

	// client whose action caused the change, empty for sweeps
	Origin string `json:"origin,omitempty"`
}

func (c Change) Empty() bool {
	return len(c.Added) == 0 && len(c.Updated) == 0 && len(c.Removed) == 0
}

type Config struct {
	Timeout       time.Duration `mapstructure:"timeout"`
	SweepInterval time.Duration `mapstructure:"sweepInterval"`
}

type Table struct {
	docID string
	cfg   Config
	now   func() time.Time

	mu      sync.RWMutex
	clients map[string]ClientPresence

	obsMu     sync.Mutex
	observers map[int]func(Change)
	nextObs   int
}

type Option func(*Table)

// WithClock replaces time.Now for LastUpdatedAt stamps.
func WithClock(now func() time.Time) Option {
	return func(t *Table) { t.now = now }
}

func NewTable(docID string, cfg Config, opts ...Option) *Table {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	t := &Table{
		docID:     docID,
		cfg:       cfg,
		now:       time.Now,
		clients:   make(map[string]ClientPresence),
		observers: make(map[int]func(Change)),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Register creates the entry for a freshly attached client.
func (t *Table) Register(clientID string, f Fields) Change {
	return t.SetLocalState(clientID, f)
}

// SetLocalState merges f into the client's entry, creating it when absent.
func (t *Table) SetLocalState(clientID string, f Fields) Change {
	t.mu.Lock()
	cur, exists := t.clients[clientID]
	if !exists {
		cur = ClientPresence{ClientID: clientID, DocumentID: t.docID}
	}
	merge(&cur, f)
	if cur.Color == "" {
		seed := cur.UserID
		if seed == "" {
			seed = clientID
		}
		cur.Color = UserColor(seed)
	}
	cur.LastUpdatedAt = t.now()
	t.clients[clientID] = cur
	t.mu.Unlock()

	ch := Change{States: map[string]ClientPresence{clientID: cur}, Origin: clientID}
	if exists {
		ch.Updated = []string{clientID}
	} else {
		ch.Added = []string{clientID}
	}
	t.notify(ch)
	return ch
}

func merge(p *ClientPresence, f Fields) {
	if f.UserID != nil {
		p.UserID = *f.UserID
	}
	if f.UserDisplayName != nil {
		p.UserDisplayName = *f.UserDisplayName
	}
	if f.Color != nil {
		p.Color = *f.Color
	}
	if f.ClearCursor {
		p.CursorAnchor, p.CursorHead = nil, nil
	}
	if f.CursorAnchor != nil {
		v := *f.CursorAnchor
		p.CursorAnchor = &v
	}
	if f.CursorHead != nil {
		v := *f.CursorHead
		p.CursorHead = &v
	}
}

// RemoveClient drops a client's entry; false when it was not present.
func (t *Table) RemoveClient(clientID string, reason RemovalReason) bool {
	t.mu.Lock()
	_, ok := t.clients[clientID]
	delete(t.clients, clientID)
	t.mu.Unlock()
	if !ok {
		return false
	}
	origin := clientID
	if reason == ReasonTimeout {
		origin = ""
	}
	t.notify(Change{Removed: []string{clientID}, Reason: reason, Origin: origin})
	return true
}

func (t *Table) Get(clientID string) (ClientPresence, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.clients[clientID]
	return p, ok
}

func (t *Table) Snapshot() map[string]ClientPresence {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return maps.Clone(t.clients)
}

func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.clients)
}

// Observe registers fn for every change. fn runs on the mutating goroutine,
// after the table lock is released.
func (t *Table) Observe(fn func(Change)) (cancel func()) {
	t.obsMu.Lock()
	id := t.nextObs
	t.nextObs++
	t.observers[id] = fn
	t.obsMu.Unlock()
	return func() {
		t.obsMu.Lock()
		delete(t.observers, id)
		t.obsMu.Unlock()
	}
}

func (t *Table) notify(ch Change) {
	t.obsMu.Lock()
	ids := slices.Sorted(maps.Keys(t.observers))
	fns := make([]func(Change), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, t.observers[id])
	}
	t.obsMu.Unlock()
	for _, fn := range fns {
		fn(ch)
	}
}

// Sweep removes entries not refreshed within the timeout, reason "timeout".
func (t *Table) Sweep(now time.Time) []string {
	t.mu.Lock()
	var expired []string
	for id, p := range t.clients {
		if now.Sub(p.LastUpdatedAt) > t.cfg.Timeout {
			expired = append(expired, id)
			delete(t.clients, id)
		}
	}
	t.mu.Unlock()
	if len(expired) == 0 {
		return nil
	}
	slices.Sort(expired)
	log.Printf("awareness sweep (doc=%s): expired %v", t.docID, expired)
	t.notify(Change{Removed: expired, Reason: ReasonTimeout})
	return expired
}

// Run sweeps on a fixed period until ctx is done.
func (t *Table) Run(ctx context.Context) {
	ticker := time.NewTicker(t.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Sweep(t.now())
		}
	}
}
