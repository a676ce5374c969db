package crdt

import (
	"fmt"
	"strings"

	"golang.org/x/net/html"
	tag "golang.org/x/net/html/atom"
)

type seedRun struct {
	text  string
	attrs map[string]string
}

type seeder struct {
	caps Capabilities
	runs []seedRun
}

type blockCtx struct {
	kind  string // list type or blockquote the block is nested in
	level string
	align string
}

// SeedHTML builds initial content from a flattened HTML rendering. Ops are
// stamped by SeedReplica with clocks starting at 1, so seeding the same HTML on
// any replica yields identical ops. Formatting the capabilities do not allow is
// dropped rather than rejected.
func (d *Document) SeedHTML(src string) (Update, error) {
	root, err := html.Parse(strings.NewReader(src))
	if err != nil {
		return Update{}, fmt.Errorf("parse seed html: %w", err)
	}
	s := &seeder{caps: d.caps}
	s.walkChildren(root, blockCtx{})

	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.log) > 0 {
		return Update{}, ErrAlreadySeeded
	}
	var (
		out  []Op
		prev *ID
	)
	for i, r := range s.runs {
		op := Op{
			Kind:   OpInsert,
			ID:     ID{Replica: SeedReplica, Seq: uint64(i + 1)},
			Clock:  uint64(i + 1),
			Parent: prev,
			Text:   r.text,
			Attrs:  r.attrs,
		}
		d.integrate(op)
		out = append(out, op)
		id := op.ID
		prev = &id
	}
	return Update{Ops: out}, nil
}

// ReplaceHTML rewrites the visible content to match a flattened HTML rendering
// as local ops of this replica: every visible atom is deleted and the parsed
// content inserted at the start. Content that already renders the same is left
// alone and yields an empty update.
func (d *Document) ReplaceHTML(src string) (Update, error) {
	root, err := html.Parse(strings.NewReader(src))
	if err != nil {
		return Update{}, fmt.Errorf("parse html: %w", err)
	}
	s := &seeder{caps: d.caps}
	s.walkChildren(root, blockCtx{})

	d.mu.Lock()
	defer d.mu.Unlock()
	vis := d.visible()
	if sameRuns(vis, s.runs) {
		return Update{}, nil
	}

	var (
		out  []Op
		prev *ID
	)
	emit := func(op Op) ID {
		op.ID = ID{Replica: d.replica, Seq: d.sv[d.replica] + 1}
		op.Clock = d.clock + 1
		d.integrate(op)
		out = append(out, op)
		return op.ID
	}
	for _, a := range vis {
		emit(Op{Kind: OpDelete, Target: &a.id})
	}
	for _, r := range s.runs {
		id := emit(Op{Kind: OpInsert, Parent: prev, Text: r.text, Attrs: r.attrs})
		prev = &id
	}
	return Update{Ops: out}, nil
}

func sameRuns(atoms []*atom, runs []seedRun) bool {
	if len(atoms) != len(runs) {
		return false
	}
	for i, a := range atoms {
		r := runs[i]
		if a.text != r.text {
			return false
		}
		for k, reg := range a.attrs {
			if reg.value != r.attrs[k] {
				return false
			}
		}
		for k, v := range r.attrs {
			if a.attr(k) != v {
				return false
			}
		}
	}
	return true
}

func (s *seeder) walkChildren(n *html.Node, ctx blockCtx) {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		s.walkBlock(c, ctx)
	}
}

func (s *seeder) walkBlock(n *html.Node, ctx blockCtx) {
	switch n.Type {
	case html.TextNode:
		if strings.TrimSpace(n.Data) != "" {
			s.inline(n, nil)
			s.endBlock(BlockParagraph, ctx)
		}
		return
	case html.ElementNode:
	default:
		s.walkChildren(n, ctx)
		return
	}

	switch n.DataAtom {
	case tag.P:
		s.inlineChildren(n, nil)
		ctx.align = styleAlign(n)
		s.endBlock(BlockParagraph, ctx)
	case tag.H1, tag.H2, tag.H3, tag.H4, tag.H5, tag.H6:
		s.inlineChildren(n, nil)
		ctx.level = n.Data[1:]
		ctx.align = styleAlign(n)
		s.endBlock(BlockHeading, ctx)
	case tag.Ul:
		s.walkChildren(n, blockCtx{kind: BlockBulletList})
	case tag.Ol:
		s.walkChildren(n, blockCtx{kind: BlockOrderedList})
	case tag.Blockquote:
		s.walkChildren(n, blockCtx{kind: BlockBlockquote})
	case tag.Li:
		if hasBlockChild(n) {
			s.walkChildren(n, ctx)
			return
		}
		s.inlineChildren(n, nil)
		s.endBlock(BlockParagraph, ctx)
	case tag.Pre:
		for _, line := range strings.Split(strings.TrimSuffix(textContent(n), "\n"), "\n") {
			s.text(line, nil)
			s.endBlock(BlockCodeBlock, blockCtx{})
		}
	case tag.Div:
		if attrOf(n, "data-type") == "math-block" {
			s.text(strings.ReplaceAll(textContent(n), "\n", " "), nil)
			s.endBlock(BlockMath, blockCtx{})
			return
		}
		s.walkChildren(n, ctx)
	case tag.Br, tag.Hr:
	default:
		if isInlineTag(n.DataAtom) {
			s.inline(n, nil)
			s.endBlock(BlockParagraph, ctx)
			return
		}
		s.walkChildren(n, ctx)
	}
}

// endBlock appends the block end atom. Disallowed block types fall back to a paragraph.
func (s *seeder) endBlock(kind string, ctx blockCtx) {
	if ctx.kind != "" {
		kind = ctx.kind
	}
	attrs := map[string]string{}
	if kind != BlockParagraph && s.caps.Check(AttrBlock, kind) == nil {
		attrs[AttrBlock] = kind
		if kind == BlockHeading {
			if s.caps.Check(AttrLevel, ctx.level) == nil {
				attrs[AttrLevel] = ctx.level
			} else {
				delete(attrs, AttrBlock)
			}
		}
	}
	if ctx.align != "" && s.caps.Check(AttrAlign, ctx.align) == nil {
		attrs[AttrAlign] = ctx.align
	}
	if len(attrs) == 0 {
		attrs = nil
	}
	s.runs = append(s.runs, seedRun{text: "\n", attrs: attrs})
}

func (s *seeder) inlineChildren(n *html.Node, marks map[string]string) {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		s.inline(c, marks)
	}
}

func (s *seeder) inline(n *html.Node, marks map[string]string) {
	switch n.Type {
	case html.TextNode:
		s.text(strings.ReplaceAll(n.Data, "\n", " "), marks)
		return
	case html.ElementNode:
	default:
		return
	}
	key := ""
	switch n.DataAtom {
	case tag.Strong, tag.B:
		key = AttrBold
	case tag.Em, tag.I:
		key = AttrItalic
	case tag.U:
		key = AttrUnderline
	case tag.S, tag.Strike, tag.Del:
		key = AttrStrike
	case tag.Br:
		s.text(" ", marks)
		return
	}
	if key != "" && s.caps.Check(key, "true") == nil {
		next := make(map[string]string, len(marks)+1)
		for k, v := range marks {
			next[k] = v
		}
		next[key] = "true"
		marks = next
	}
	s.inlineChildren(n, marks)
}

func (s *seeder) text(t string, marks map[string]string) {
	for _, r := range t {
		if r == '\n' {
			continue
		}
		var attrs map[string]string
		if len(marks) > 0 {
			attrs = marks
		}
		s.runs = append(s.runs, seedRun{text: string(r), attrs: attrs})
	}
}

func isInlineTag(a tag.Atom) bool {
	switch a {
	case tag.Strong, tag.B, tag.Em, tag.I, tag.U, tag.S, tag.Strike, tag.Del, tag.Span, tag.A, tag.Code:
		return true
	}
	return false
}

func hasBlockChild(n *html.Node) bool {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type != html.ElementNode {
			continue
		}
		switch c.DataAtom {
		case tag.P, tag.Ul, tag.Ol, tag.Blockquote, tag.Pre, tag.H1, tag.H2, tag.H3, tag.H4, tag.H5, tag.H6:
			return true
		}
	}
	return false
}

func textContent(n *html.Node) string {
	if n.Type == html.TextNode {
		return n.Data
	}
	var sb strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		sb.WriteString(textContent(c))
	}
	return sb.String()
}

func attrOf(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

// styleAlign extracts text-align from an inline style attribute.
func styleAlign(n *html.Node) string {
	for _, decl := range strings.Split(attrOf(n, "style"), ";") {
		k, v, ok := strings.Cut(decl, ":")
		if ok && strings.TrimSpace(k) == "text-align" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
