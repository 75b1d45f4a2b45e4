// Package extract resolves selector expressions to trimmed text values.
// Beyond plain CSS selectors it understands two anchor-based addressing
// modes for pages whose values carry no stable selectors of their own:
//
//	text=<anchor> >> next >> <childSelector>   label followed by its value
//	text=<anchor> >> <childSelector>           value somewhere near the label
//
// Expressions are caller-supplied configuration; the engine knows nothing
// about any particular page beyond this grammar.
package extract

import "strings"

// Mode identifies how an expression addresses its target.
type Mode int

const (
	// ModeDirect treats the whole expression as a CSS selector.
	ModeDirect Mode = iota
	// ModeAnchorSibling finds a text anchor and reads from its next
	// sibling element.
	ModeAnchorSibling
	// ModeAnchorAncestor finds a text anchor and reads the nearest
	// enclosing match of the child selector.
	ModeAnchorAncestor
)

func (m Mode) String() string {
	switch m {
	case ModeDirect:
		return "direct"
	case ModeAnchorSibling:
		return "anchor_sibling"
	case ModeAnchorAncestor:
		return "anchor_ancestor"
	default:
		return "unknown"
	}
}

// Expression is a parsed selector expression.
type Expression struct {
	Raw           string
	Mode          Mode
	AnchorText    string
	ChildSelector string
	Selector      string
}

// Parse classifies a raw expression by shape. Anything that does not match
// one of the anchor forms falls through to a direct selector; parsing never
// fails.
func Parse(raw string) Expression {
	expr := Expression{Raw: raw, Mode: ModeDirect, Selector: raw}

	if !strings.HasPrefix(raw, "text=") || !strings.Contains(raw, ">>") {
		return expr
	}

	parts := strings.Split(raw, ">>")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}

	anchor := strings.TrimPrefix(parts[0], "text=")
	if anchor == "" {
		return expr
	}

	switch {
	case len(parts) == 3 && parts[1] == "next" && parts[2] != "":
		expr.Mode = ModeAnchorSibling
		expr.AnchorText = anchor
		expr.ChildSelector = parts[2]
		expr.Selector = ""
	case len(parts) == 2 && parts[1] != "":
		expr.Mode = ModeAnchorAncestor
		expr.AnchorText = anchor
		expr.ChildSelector = parts[1]
		expr.Selector = ""
	}
	return expr
}
