package crdt

import (
	"fmt"
	"slices"
	"strconv"
)

// Attribute keys understood by the document. Inline keys live on text atoms,
// block keys live on the "\n" atom that terminates a block.
const (
	AttrBold      = "bold"
	AttrItalic    = "italic"
	AttrUnderline = "underline"
	AttrStrike    = "strike"

	AttrBlock = "block"
	AttrLevel = "level"
	AttrAlign = "align"
)

// Block types carried by AttrBlock.
const (
	BlockParagraph   = "paragraph"
	BlockHeading     = "heading"
	BlockBulletList  = "bulletList"
	BlockOrderedList = "orderedList"
	BlockCodeBlock   = "codeBlock"
	BlockBlockquote  = "blockquote"
	BlockMath        = "mathBlock"
)

// Capabilities enumerates the formatting the editing surface is allowed to produce.
// Attributes outside this set are rejected on local edits and remote updates alike.
type Capabilities struct {
	Bold        bool  `mapstructure:"bold"`
	Italic      bool  `mapstructure:"italic"`
	Underline   bool  `mapstructure:"underline"`
	Strike      bool  `mapstructure:"strike"`
	Headings    []int `mapstructure:"headings"`
	BulletList  bool  `mapstructure:"bulletList"`
	OrderedList bool  `mapstructure:"orderedList"`
	CodeBlock   bool  `mapstructure:"codeBlock"`
	Blockquote  bool  `mapstructure:"blockquote"`
	TextAlign   bool  `mapstructure:"textAlign"`
	MathBlock   bool  `mapstructure:"mathBlock"`
}

func DefaultCapabilities() Capabilities {
	return Capabilities{
		Bold:        true,
		Italic:      true,
		Underline:   true,
		Strike:      true,
		Headings:    []int{1, 2, 3, 4},
		BulletList:  true,
		OrderedList: true,
		CodeBlock:   true,
		Blockquote:  true,
		TextAlign:   true,
		MathBlock:   true,
	}
}

func isInlineKey(key string) bool {
	switch key {
	case AttrBold, AttrItalic, AttrUnderline, AttrStrike:
		return true
	}
	return false
}

func isBlockKey(key string) bool {
	switch key {
	case AttrBlock, AttrLevel, AttrAlign:
		return true
	}
	return false
}

// Check reports whether key=value may be written. An empty value clears the key
// and is always allowed for a known key.
func (c Capabilities) Check(key, value string) error {
	switch key {
	case AttrBold:
		return c.flag(key, value, c.Bold)
	case AttrItalic:
		return c.flag(key, value, c.Italic)
	case AttrUnderline:
		return c.flag(key, value, c.Underline)
	case AttrStrike:
		return c.flag(key, value, c.Strike)
	case AttrLevel:
		if value == "" {
			return nil
		}
		lvl, err := strconv.Atoi(value)
		if err != nil || !slices.Contains(c.Headings, lvl) {
			return fmt.Errorf("heading level %q not enabled", value)
		}
		return nil
	case AttrAlign:
		if value == "" {
			return nil
		}
		if !c.TextAlign {
			return fmt.Errorf("text align not enabled")
		}
		switch value {
		case "left", "center", "right", "justify":
			return nil
		}
		return fmt.Errorf("unknown alignment %q", value)
	case AttrBlock:
		return c.checkBlock(value)
	}
	return fmt.Errorf("unknown attribute %q", key)
}

func (c Capabilities) flag(key, value string, enabled bool) error {
	if value == "" {
		return nil
	}
	if !enabled {
		return fmt.Errorf("%s not enabled", key)
	}
	if value != "true" {
		return fmt.Errorf("%s expects true, got %q", key, value)
	}
	return nil
}

func (c Capabilities) checkBlock(value string) error {
	ok := false
	switch value {
	case "", BlockParagraph:
		ok = true
	case BlockHeading:
		ok = len(c.Headings) > 0
	case BlockBulletList:
		ok = c.BulletList
	case BlockOrderedList:
		ok = c.OrderedList
	case BlockCodeBlock:
		ok = c.CodeBlock
	case BlockBlockquote:
		ok = c.Blockquote
	case BlockMath:
		ok = c.MathBlock
	default:
		return fmt.Errorf("unknown block type %q", value)
	}
	if !ok {
		return fmt.Errorf("block %q not enabled", value)
	}
	return nil
}
