package executor

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

// VisibleText renders HTML down to the text a user would see: scripts,
// styles and markup removed, whitespace collapsed to single spaces.
// Fingerprints are computed over this form, so it must stay stable across
// cosmetic markup changes.
func VisibleText(raw string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(raw))
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}
	doc.Find("script,style,noscript").Remove()

	sel := doc.Find("body")
	if sel.Length() == 0 {
		sel = doc.Selection
	}

	// Collect text nodes one by one; element boundaries become spaces so
	// adjacent blocks do not run together.
	var parts []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			if fields := strings.Fields(n.Data); len(fields) > 0 {
				parts = append(parts, strings.Join(fields, " "))
			}
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	for _, n := range sel.Nodes {
		walk(n)
	}
	return strings.Join(parts, " "), nil
}
