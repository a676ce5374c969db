package crdt

import (
	"fmt"
	"maps"
	"slices"
	"strconv"

	"collabnote/backend/internal/delta"
)

// ApplyLocalEdit integrates a local edit expressed over the visible content and
// returns the update to ship to peers. Nothing is applied if the edit is invalid.
func (d *Document) ApplyLocalEdit(ed delta.Delta) (Update, error) {
	if err := ed.Validate(); err != nil {
		return Update{}, err
	}
	attrs := make([]map[string]string, len(ed))
	for i, op := range ed {
		a, err := d.convertAttrs(op.Attrs)
		if err != nil {
			return Update{}, fmt.Errorf("%w: op %d: %v", delta.ErrInvalidDelta, i, err)
		}
		attrs[i] = a
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	vis := d.visible()
	if n := ed.BaseLen(); n > len(vis) {
		return Update{}, fmt.Errorf("%w: edit spans %d, document has %d", ErrEditOutOfRange, n, len(vis))
	}

	var (
		out  []Op
		pos  int
		prev *ID // nil inserts at the document start
	)
	emit := func(op Op) {
		op.ID = ID{Replica: d.replica, Seq: d.sv[d.replica] + 1}
		op.Clock = d.clock + 1
		d.integrate(op)
		out = append(out, op)
	}

	for i, op := range ed {
		switch op.Kind {
		case delta.KindRetain:
			span := vis[pos : pos+op.Count]
			if len(attrs[i]) > 0 {
				d.formatSpan(span, attrs[i], emit)
			}
			pos += op.Count
			prev = &vis[pos-1].id
		case delta.KindDelete:
			for _, a := range vis[pos : pos+op.Count] {
				emit(Op{Kind: OpDelete, Target: &a.id})
			}
			pos += op.Count
		case delta.KindInsert:
			for _, r := range op.Text {
				text := string(r)
				ins := Op{Kind: OpInsert, Parent: prev, Text: text, Attrs: attrsFor(text == "\n", attrs[i])}
				emit(ins)
				id := out[len(out)-1].ID
				prev = &id
			}
		}
	}
	return Update{Ops: out}, nil
}

// formatSpan splits attrs by kind: inline keys land on text atoms, block keys on
// the newline atoms that end each block in the span.
func (d *Document) formatSpan(span []*atom, attrs map[string]string, emit func(Op)) {
	var inlineTargets, blockTargets []ID
	for _, a := range span {
		if a.isBlockEnd() {
			blockTargets = append(blockTargets, a.id)
		} else {
			inlineTargets = append(inlineTargets, a.id)
		}
	}
	if in := attrsFor(false, attrs); len(in) > 0 && len(inlineTargets) > 0 {
		emit(Op{Kind: OpFormat, Targets: inlineTargets, Attrs: in})
	}
	if bl := attrsFor(true, attrs); len(bl) > 0 && len(blockTargets) > 0 {
		emit(Op{Kind: OpFormat, Targets: blockTargets, Attrs: bl})
	}
}

func attrsFor(block bool, attrs map[string]string) map[string]string {
	var out map[string]string
	for _, k := range slices.Sorted(maps.Keys(attrs)) {
		if isBlockKey(k) != block {
			continue
		}
		if out == nil {
			out = make(map[string]string)
		}
		out[k] = attrs[k]
	}
	return out
}

// convertAttrs maps delta attribute values onto register strings. nil and false clear.
func (d *Document) convertAttrs(in map[string]any) (map[string]string, error) {
	if len(in) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		var s string
		switch x := v.(type) {
		case nil:
		case bool:
			if x {
				s = "true"
			}
		case string:
			s = x
		case int:
			s = strconv.Itoa(x)
		case float64:
			s = strconv.FormatFloat(x, 'f', -1, 64)
		default:
			return nil, fmt.Errorf("attribute %q has unsupported value %T", k, v)
		}
		if !isInlineKey(k) && !isBlockKey(k) {
			return nil, fmt.Errorf("unknown attribute %q", k)
		}
		if err := d.caps.Check(k, s); err != nil {
			return nil, err
		}
		out[k] = s
	}
	return out, nil
}
