package crdt

import (
	"fmt"
	"log"
	"maps"
	"slices"
	"strings"
	"sync"
)

// SeedReplica is the fixed replica id used when building initial content from
// a flattened rendering, so independent seeds of the same content converge.
const SeedReplica = "seed"

type stamp struct {
	clock   uint64
	replica string
}

func (s stamp) after(o stamp) bool {
	if s.clock != o.clock {
		return s.clock > o.clock
	}
	return s.replica > o.replica
}

type register struct {
	value string
	at    stamp
}

type atom struct {
	id      ID
	at      stamp
	text    string
	deleted bool
	attrs   map[string]register
}

func (a *atom) attr(key string) string { return a.attrs[key].value }

func (a *atom) isBlockEnd() bool { return a.text == "\n" }

// Document is one replica of a document's replicated state: an RGA sequence
// of rune atoms with last-writer-wins attributes per atom.
type Document struct {
	mu      sync.RWMutex
	docID   string
	replica string
	caps    Capabilities

	clock   uint64
	atoms   []*atom
	index   map[ID]*atom
	log     map[string][]Op
	sv      StateVector
	pending []Op
	version uint64
}

func New(docID, replica string, caps Capabilities) *Document {
	return &Document{
		docID:   docID,
		replica: replica,
		caps:    caps,
		index:   make(map[ID]*atom),
		log:     make(map[string][]Op),
		sv:      StateVector{},
	}
}

// Load builds a replica from a full state produced by EncodeFullState.
func Load(docID, replica string, caps Capabilities, state []byte) (*Document, error) {
	d := New(docID, replica, caps)
	if len(state) == 0 {
		return d, nil
	}
	u, err := DecodeUpdate(state)
	if err != nil {
		return nil, err
	}
	if err := d.ApplyRemoteUpdate(u); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Document) ID() string      { return d.docID }
func (d *Document) Replica() string { return d.replica }

// Version increases every time an op is integrated.
func (d *Document) Version() uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.version
}

func (d *Document) StateVector() StateVector {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.sv.Clone()
}

// Pending is the number of received ops still waiting on a causal dependency.
func (d *Document) Pending() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.pending)
}

// ApplyRemoteUpdate merges a peer update. Already-integrated ops are skipped.
// A malformed update is rejected whole and leaves the replica untouched.
func (d *Document) ApplyRemoteUpdate(u Update) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, op := range u.Ops {
		if err := op.validate(d.caps); err != nil {
			log.Printf("reject update (doc=%s): %v", d.docID, err)
			return fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
		}
	}
	if err := d.checkCausality(u.Ops); err != nil {
		log.Printf("reject update (doc=%s): %v", d.docID, err)
		return fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
	}

	for _, op := range u.Ops {
		if d.seen(op.ID) || d.isPending(op.ID) {
			continue
		}
		d.pending = append(d.pending, op)
	}
	d.drainPending()
	return nil
}

// checkCausality rejects ops whose insert clock does not exceed its parent's.
// Parents are looked up among integrated atoms, pending ops and the batch
// itself; pending inserts are rechecked against parents the batch brings.
func (d *Document) checkCausality(ops []Op) error {
	clocks := make(map[ID]uint64, len(ops)+len(d.pending))
	for _, list := range [][]Op{d.pending, ops} {
		for _, op := range list {
			if _, ok := clocks[op.ID]; !ok && op.Kind == OpInsert {
				clocks[op.ID] = op.Clock
			}
		}
	}
	parentClock := func(id ID) (uint64, bool) {
		if a, ok := d.index[id]; ok {
			return a.at.clock, true
		}
		c, ok := clocks[id]
		return c, ok
	}
	for _, list := range [][]Op{ops, d.pending} {
		for _, op := range list {
			if op.Kind != OpInsert || op.Parent == nil {
				continue
			}
			if c, ok := parentClock(*op.Parent); ok && c >= op.Clock {
				return fmt.Errorf("insert %s clock %d not after parent clock %d", op.ID, op.Clock, c)
			}
		}
	}
	return nil
}

func (d *Document) seen(id ID) bool { return id.Seq <= d.sv[id.Replica] }

func (d *Document) isPending(id ID) bool {
	for _, p := range d.pending {
		if p.ID == id {
			return true
		}
	}
	return false
}

func (d *Document) ready(op Op) bool {
	if op.ID.Seq != d.sv[op.ID.Replica]+1 {
		return false
	}
	for _, dep := range op.deps() {
		if _, ok := d.index[dep]; !ok {
			return false
		}
	}
	return true
}

func (d *Document) drainPending() {
	slices.SortFunc(d.pending, func(a, b Op) int {
		if c := strings.Compare(a.ID.Replica, b.ID.Replica); c != 0 {
			return c
		}
		return int(a.ID.Seq) - int(b.ID.Seq)
	})
	for progress := true; progress; {
		progress = false
		rest := d.pending[:0]
		for _, op := range d.pending {
			switch {
			case d.seen(op.ID):
			case d.ready(op):
				d.integrate(op)
				progress = true
			default:
				rest = append(rest, op)
			}
		}
		d.pending = rest
	}
}

// integrate applies a ready op. Caller holds d.mu.
func (d *Document) integrate(op Op) {
	at := stamp{clock: op.Clock, replica: op.ID.Replica}
	switch op.Kind {
	case OpInsert:
		a := &atom{id: op.ID, at: at, text: op.Text, attrs: make(map[string]register, len(op.Attrs))}
		for k, v := range op.Attrs {
			a.attrs[k] = register{value: v, at: at}
		}
		i := 0
		if op.Parent != nil {
			i = d.position(*op.Parent) + 1
		}
		// skip siblings (and their subtrees) ordered ahead of this insert
		for i < len(d.atoms) && d.atoms[i].at.after(at) {
			i++
		}
		d.atoms = slices.Insert(d.atoms, i, a)
		d.index[op.ID] = a
	case OpDelete:
		d.index[*op.Target].deleted = true
	case OpFormat:
		for _, t := range op.Targets {
			a := d.index[t]
			for k, v := range op.Attrs {
				if cur, ok := a.attrs[k]; ok && !at.after(cur.at) {
					continue
				}
				a.attrs[k] = register{value: v, at: at}
			}
		}
	}
	d.log[op.ID.Replica] = append(d.log[op.ID.Replica], op)
	d.sv[op.ID.Replica] = op.ID.Seq
	if op.Clock > d.clock {
		d.clock = op.Clock
	}
	d.version++
}

func (d *Document) position(id ID) int {
	target := d.index[id]
	for i, a := range d.atoms {
		if a == target {
			return i
		}
	}
	return -1
}

// EncodeFullState serializes every integrated op in replica, seq order.
// Two replicas holding the same ops produce identical bytes.
func (d *Document) EncodeFullState() ([]byte, error) {
	return EncodeUpdate(d.DiffAgainstStateVector(nil))
}

// DiffAgainstStateVector returns the ops a peer with state vector v lacks.
func (d *Document) DiffAgainstStateVector(v StateVector) Update {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var ops []Op
	for _, r := range slices.Sorted(maps.Keys(d.log)) {
		have := v[r]
		entries := d.log[r]
		if have >= uint64(len(entries)) {
			continue
		}
		ops = append(ops, entries[have:]...)
	}
	return Update{Ops: ops}
}

// Text returns the visible runes, block ends included as "\n".
func (d *Document) Text() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var b strings.Builder
	for _, a := range d.atoms {
		if !a.deleted {
			b.WriteString(a.text)
		}
	}
	return b.String()
}

// Len is the number of visible atoms.
func (d *Document) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.visible())
}

func (d *Document) visible() []*atom {
	out := make([]*atom, 0, len(d.atoms))
	for _, a := range d.atoms {
		if !a.deleted {
			out = append(out, a)
		}
	}
	return out
}
