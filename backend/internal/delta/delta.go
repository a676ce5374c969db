package delta

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

type Kind string

const (
	KindRetain Kind = "retain"
	KindInsert Kind = "insert"
	KindDelete Kind = "delete"
)

// Op is one step of a local edit, walked left to right over the visible content.
// retain with Attrs formats the retained range; a nil attr value removes that key.
type Op struct {
	Kind  Kind           `json:"kind"`            // "retain" / "insert" / "delete"
	Count int            `json:"count,omitempty"` // retain/delete length in runes
	Text  string         `json:"text,omitempty"`  // insert text, "\n" ends a block
	Attrs map[string]any `json:"attrs,omitempty"`
}

// "ops":[{"kind":"retain","count":5},{"kind":"insert","text":"Hello"}]
type Delta []Op

var ErrInvalidDelta = errors.New("invalid delta")

func Retain(n int, attrs map[string]any) Op { return Op{Kind: KindRetain, Count: n, Attrs: attrs} }
func Insert(text string, attrs map[string]any) Op {
	return Op{Kind: KindInsert, Text: text, Attrs: attrs}
}
func Delete(n int) Op { return Op{Kind: KindDelete, Count: n} }

// Validate checks the shape of every op; it does not know the document length.
func (d Delta) Validate() error {
	for i, op := range d {
		switch op.Kind {
		case KindRetain, KindDelete:
			if op.Count <= 0 {
				return fmt.Errorf("%w: op %d %s count %d", ErrInvalidDelta, i, op.Kind, op.Count)
			}
		case KindInsert:
			if op.Text == "" || !utf8.ValidString(op.Text) {
				return fmt.Errorf("%w: op %d insert text", ErrInvalidDelta, i)
			}
		default:
			return fmt.Errorf("%w: op %d unknown kind %q", ErrInvalidDelta, i, op.Kind)
		}
	}
	return nil
}

// BaseLen is the number of existing runes the delta walks over.
func (d Delta) BaseLen() int {
	n := 0
	for _, op := range d {
		if op.Kind != KindInsert {
			n += op.Count
		}
	}
	return n
}
