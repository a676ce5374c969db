package crdt

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"unicode/utf8"
)

var (
	ErrMalformedUpdate = errors.New("malformed update")
	ErrEditOutOfRange  = errors.New("edit out of range")
	ErrAlreadySeeded   = errors.New("document already has content")
)

// ID identifies one op. Seq is contiguous per replica starting at 1.
type ID struct {
	Replica string `json:"r"`
	Seq     uint64 `json:"s"`
}

func (id ID) String() string { return fmt.Sprintf("%s:%d", id.Replica, id.Seq) }

func (id ID) valid() bool { return id.Replica != "" && id.Seq > 0 }

// StateVector maps replica id to the highest contiguous seq integrated from it.
type StateVector map[string]uint64

func (v StateVector) Clone() StateVector {
	if v == nil {
		return StateVector{}
	}
	return maps.Clone(v)
}

// Covers reports whether v has seen everything o has.
func (v StateVector) Covers(o StateVector) bool {
	for r, s := range o {
		if v[r] < s {
			return false
		}
	}
	return true
}

func (v StateVector) Encode() string {
	b, _ := json.Marshal(v)
	return base64.RawURLEncoding.EncodeToString(b)
}

func DecodeStateVector(s string) (StateVector, error) {
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode state vector: %w", err)
	}
	v := StateVector{}
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, fmt.Errorf("decode state vector: %w", err)
	}
	return v, nil
}

type OpKind string

const (
	OpInsert OpKind = "insert"
	OpDelete OpKind = "delete"
	OpFormat OpKind = "format"
)

// Op is one atomic change. Clock is a Lamport timestamp used to order
// concurrent inserts and attribute writes; ties break on replica id.
type Op struct {
	Kind  OpKind `json:"k"`
	ID    ID     `json:"id"`
	Clock uint64 `json:"c"`

	// insert: left origin, nil = start of document
	Parent *ID    `json:"p,omitempty"`
	Text   string `json:"t,omitempty"`

	// insert: initial attributes; format: key -> value, "" clears
	Attrs   map[string]string `json:"a,omitempty"`
	Target  *ID               `json:"x,omitempty"`
	Targets []ID              `json:"xs,omitempty"`
}

// Update is a self-contained batch of ops replayable on any replica.
type Update struct {
	Ops []Op `json:"ops"`
}

func (u Update) Empty() bool { return len(u.Ops) == 0 }

func EncodeUpdate(u Update) ([]byte, error) {
	if u.Ops == nil {
		u.Ops = []Op{}
	}
	return json.Marshal(u)
}

func DecodeUpdate(b []byte) (Update, error) {
	var u Update
	if err := json.Unmarshal(b, &u); err != nil {
		return Update{}, fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
	}
	return u, nil
}

// validate checks one op in isolation against the configured capabilities.
func (op Op) validate(caps Capabilities) error {
	if !op.ID.valid() {
		return fmt.Errorf("op id %v invalid", op.ID)
	}
	if op.Clock == 0 {
		return fmt.Errorf("op %s has zero clock", op.ID)
	}
	switch op.Kind {
	case OpInsert:
		if utf8.RuneCountInString(op.Text) != 1 || !utf8.ValidString(op.Text) {
			return fmt.Errorf("insert %s must carry exactly one rune", op.ID)
		}
		if op.Parent != nil && !op.Parent.valid() {
			return fmt.Errorf("insert %s has invalid parent", op.ID)
		}
		if err := checkAttrs(caps, op.Attrs); err != nil {
			return fmt.Errorf("insert %s: %w", op.ID, err)
		}
	case OpDelete:
		if op.Target == nil || !op.Target.valid() {
			return fmt.Errorf("delete %s has invalid target", op.ID)
		}
	case OpFormat:
		if len(op.Targets) == 0 || len(op.Attrs) == 0 {
			return fmt.Errorf("format %s needs targets and attrs", op.ID)
		}
		for _, t := range op.Targets {
			if !t.valid() {
				return fmt.Errorf("format %s has invalid target", op.ID)
			}
		}
		if err := checkAttrs(caps, op.Attrs); err != nil {
			return fmt.Errorf("format %s: %w", op.ID, err)
		}
	default:
		return fmt.Errorf("unknown op kind %q", op.Kind)
	}
	return nil
}

func checkAttrs(caps Capabilities, attrs map[string]string) error {
	for _, k := range slices.Sorted(maps.Keys(attrs)) {
		if err := caps.Check(k, attrs[k]); err != nil {
			return err
		}
	}
	return nil
}

// deps lists the ids an op needs integrated before it can apply.
func (op Op) deps() []ID {
	switch op.Kind {
	case OpInsert:
		if op.Parent != nil {
			return []ID{*op.Parent}
		}
	case OpDelete:
		return []ID{*op.Target}
	case OpFormat:
		return op.Targets
	}
	return nil
}
