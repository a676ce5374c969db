package crdt

import (
	"fmt"
	"strings"

	"golang.org/x/net/html"
)

type block struct {
	atoms []*atom // inline content, block end excluded
	end   *atom   // nil for trailing text without a block end
}

func (b block) attr(key string) string {
	if b.end == nil {
		return ""
	}
	return b.end.attr(key)
}

func (b block) kind() string {
	if k := b.attr(AttrBlock); k != "" {
		return k
	}
	return BlockParagraph
}

func (b block) text() string {
	var sb strings.Builder
	for _, a := range b.atoms {
		sb.WriteString(a.text)
	}
	return sb.String()
}

func splitBlocks(atoms []*atom) []block {
	var (
		out []block
		cur []*atom
	)
	for _, a := range atoms {
		if a.isBlockEnd() {
			out = append(out, block{atoms: cur, end: a})
			cur = nil
			continue
		}
		cur = append(cur, a)
	}
	if len(cur) > 0 {
		out = append(out, block{atoms: cur})
	}
	return out
}

// HTML renders the visible content the way the editing surface serializes it.
// Consecutive blocks of one list, quote or code type share one element.
func (d *Document) HTML() string {
	d.mu.RLock()
	blocks := splitBlocks(d.visible())
	d.mu.RUnlock()

	var sb strings.Builder
	for i := 0; i < len(blocks); {
		b := blocks[i]
		switch k := b.kind(); k {
		case BlockBulletList, BlockOrderedList, BlockBlockquote, BlockCodeBlock:
			j := i
			for j < len(blocks) && blocks[j].kind() == k {
				j++
			}
			renderGroup(&sb, k, blocks[i:j])
			i = j
			continue
		case BlockHeading:
			lvl := b.attr(AttrLevel)
			if lvl == "" {
				lvl = "1"
			}
			fmt.Fprintf(&sb, "<h%s%s>%s</h%s>", lvl, alignStyle(b), renderInline(b.atoms), lvl)
		case BlockMath:
			fmt.Fprintf(&sb, `<div data-type="math-block">%s</div>`, html.EscapeString(b.text()))
		default:
			renderParagraph(&sb, b)
		}
		i++
	}
	return sb.String()
}

func renderGroup(sb *strings.Builder, kind string, blocks []block) {
	switch kind {
	case BlockBulletList, BlockOrderedList:
		tag := "ul"
		if kind == BlockOrderedList {
			tag = "ol"
		}
		sb.WriteString("<" + tag + ">")
		for _, b := range blocks {
			sb.WriteString("<li>")
			renderParagraph(sb, b)
			sb.WriteString("</li>")
		}
		sb.WriteString("</" + tag + ">")
	case BlockCodeBlock:
		lines := make([]string, len(blocks))
		for i, b := range blocks {
			lines[i] = b.text()
		}
		fmt.Fprintf(sb, "<pre><code>%s</code></pre>", html.EscapeString(strings.Join(lines, "\n")))
	case BlockBlockquote:
		sb.WriteString("<blockquote>")
		for _, b := range blocks {
			renderParagraph(sb, b)
		}
		sb.WriteString("</blockquote>")
	}
}

func renderParagraph(sb *strings.Builder, b block) {
	fmt.Fprintf(sb, "<p%s>%s</p>", alignStyle(b), renderInline(b.atoms))
}

func alignStyle(b block) string {
	switch a := b.attr(AttrAlign); a {
	case "", "left":
		return ""
	default:
		return fmt.Sprintf(` style="text-align: %s"`, a)
	}
}

var markTags = []struct{ key, tag string }{
	{AttrBold, "strong"},
	{AttrItalic, "em"},
	{AttrUnderline, "u"},
	{AttrStrike, "s"},
}

func marksOf(a *atom) [4]bool {
	var m [4]bool
	for i, mt := range markTags {
		m[i] = a.attr(mt.key) == "true"
	}
	return m
}

// renderInline emits runs of identically marked atoms, marks nested in a fixed order.
func renderInline(atoms []*atom) string {
	var sb strings.Builder
	for i := 0; i < len(atoms); {
		m := marksOf(atoms[i])
		j := i
		var run strings.Builder
		for j < len(atoms) && marksOf(atoms[j]) == m {
			run.WriteString(atoms[j].text)
			j++
		}
		for k, mt := range markTags {
			if m[k] {
				sb.WriteString("<" + mt.tag + ">")
			}
		}
		sb.WriteString(html.EscapeString(run.String()))
		for k := len(markTags) - 1; k >= 0; k-- {
			if m[k] {
				sb.WriteString("</" + markTags[k].tag + ">")
			}
		}
		i = j
	}
	return sb.String()
}
