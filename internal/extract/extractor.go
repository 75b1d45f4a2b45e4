package extract

import (
	"context"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"
)

// LivePage is the slice of a browser page the engine needs: direct mode
// reads text from the live DOM, anchor modes parse a full-document
// snapshot.
type LivePage interface {
	Text(ctx context.Context, selector string) (string, error)
	HTML(ctx context.Context) (string, error)
}

// Engine resolves selector expressions against a page. Failures are
// returned as descriptive errors; callers decide whether a miss is fatal.
type Engine struct {
	logger *zap.Logger
}

func NewEngine(logger *zap.Logger) *Engine {
	return &Engine{logger: logger.Named("extract")}
}

// Extract resolves one expression to a trimmed text value.
func (e *Engine) Extract(ctx context.Context, page LivePage, rawExpr string) (string, error) {
	expr := Parse(rawExpr)
	e.logger.Debug("Extracting value",
		zap.String("expression", rawExpr),
		zap.String("mode", expr.Mode.String()),
	)

	if expr.Mode == ModeDirect {
		value, err := page.Text(ctx, expr.Selector)
		if err != nil {
			return "", fmt.Errorf("selector %q yielded no value: %w", expr.Selector, err)
		}
		return strings.TrimSpace(value), nil
	}

	html, err := page.HTML(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to snapshot document: %w", err)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", fmt.Errorf("failed to parse document: %w", err)
	}

	switch expr.Mode {
	case ModeAnchorSibling:
		return anchorSibling(doc, expr.AnchorText, expr.ChildSelector)
	case ModeAnchorAncestor:
		return anchorAncestor(doc, expr.AnchorText, expr.ChildSelector)
	default:
		return "", fmt.Errorf("unsupported expression mode %q", expr.Mode)
	}
}

// anchorSibling reads the value that follows a text label. The last
// matching anchor wins because label text on these pages usually trails
// the values it describes; deeper nodes also sort after their containers
// in document order, so this picks the most specific match.
func anchorSibling(doc *goquery.Document, anchorText, childSelector string) (string, error) {
	anchors := findAnchors(doc, anchorText)
	if len(anchors) == 0 {
		return "", fmt.Errorf("anchor text %q not found", anchorText)
	}
	anchor := anchors[len(anchors)-1]

	sibling := anchor.Next()
	if sibling.Length() == 0 {
		sibling = anchor.Parent().Next()
	}
	if sibling.Length() == 0 {
		return "", fmt.Errorf("anchor %q has no following sibling element", anchorText)
	}

	if target := sibling.Find(childSelector).First(); target.Length() > 0 {
		return strings.TrimSpace(target.Text()), nil
	}
	// The sibling itself is the value when the child selector finds
	// nothing inside it.
	return strings.TrimSpace(sibling.Text()), nil
}

// anchorAncestor reads a value that lives near a text label but not in a
// predictable sibling position. Anchors are scanned from last to first;
// from each, the walk climbs toward the root until some enclosing subtree
// contains a child-selector match.
func anchorAncestor(doc *goquery.Document, anchorText, childSelector string) (string, error) {
	anchors := findAnchors(doc, anchorText)
	if len(anchors) == 0 {
		return "", fmt.Errorf("anchor text %q not found", anchorText)
	}

	for i := len(anchors) - 1; i >= 0; i-- {
		for ancestor := anchors[i].Parent(); ancestor.Length() > 0; ancestor = ancestor.Parent() {
			if target := ancestor.Find(childSelector).First(); target.Length() > 0 {
				return strings.TrimSpace(target.Text()), nil
			}
		}
	}
	return "", fmt.Errorf("no ancestor of anchor %q contains a %q match", anchorText, childSelector)
}

// findAnchors returns every element whose normalized text contains the
// anchor text, in document order. Script and style bodies are skipped so
// inline code cannot masquerade as a label.
func findAnchors(doc *goquery.Document, anchorText string) []*goquery.Selection {
	needle := normalizeText(anchorText)

	var matches []*goquery.Selection
	doc.Find("body *").Each(func(_ int, s *goquery.Selection) {
		switch goquery.NodeName(s) {
		case "script", "style", "noscript":
			return
		}
		if strings.Contains(normalizeText(s.Text()), needle) {
			matches = append(matches, s)
		}
	})
	return matches
}

// normalizeText collapses all whitespace runs to single spaces and trims
// the ends, matching how a rendered page displays the text.
func normalizeText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
