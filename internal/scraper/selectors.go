package scraper

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/antchfx/htmlquery"
	"golang.org/x/net/html"

	"github.com/svarley/fbascout/internal/config"
)

// Document is a parsed page that can answer both CSS and XPath selectors.
type Document struct {
	doc  *goquery.Document
	root *html.Node
	url  string
}

// ParseDocument parses an HTML body. pageURL is kept for resolving relative
// links.
func ParseDocument(body []byte, pageURL string) (*Document, error) {
	root, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("scraper: parse %s: %w", pageURL, err)
	}
	return &Document{
		doc:  goquery.NewDocumentFromNode(root),
		root: root,
		url:  pageURL,
	}, nil
}

// URL returns the page URL the document was parsed from.
func (d *Document) URL() string { return d.url }

// HTML renders the document back to markup, for AI fallback context.
func (d *Document) HTML() string {
	out, err := d.doc.Html()
	if err != nil {
		return ""
	}
	return out
}

// First tries each selector in order and returns the first non-empty
// extracted text.
func (d *Document) First(sels []config.Selector) (string, bool) {
	for _, sel := range sels {
		if v, ok := d.apply(sel); ok {
			return v, true
		}
	}
	return "", false
}

// All collects every value matched by any selector in the list, in document
// order per selector, deduplicated.
func (d *Document) All(sels []config.Selector) []string {
	var out []string
	seen := make(map[string]bool)
	add := func(v string) {
		v = strings.TrimSpace(v)
		if v != "" && !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}

	for _, sel := range sels {
		switch sel.Type {
		case config.SelectorCSS:
			d.doc.Find(sel.Value).Each(func(_ int, s *goquery.Selection) {
				add(s.Text())
			})
		case config.SelectorXPath:
			nodes, err := htmlquery.QueryAll(d.root, sel.Value)
			if err != nil {
				continue
			}
			for _, n := range nodes {
				add(htmlquery.InnerText(n))
			}
		case config.SelectorAttr:
			d.doc.Find(sel.Value).Each(func(_ int, s *goquery.Selection) {
				if v, ok := s.Attr(sel.Attr); ok {
					add(v)
				}
			})
		}
	}
	return out
}

// Elements returns a goquery selection for each match of any selector,
// for walking repeated structures like product tiles.
func (d *Document) Elements(sels []config.Selector) []*goquery.Selection {
	var out []*goquery.Selection
	for _, sel := range sels {
		query := sel.Value
		if sel.Type == config.SelectorXPath {
			// Tile walking is CSS-only; XPath entries are skipped here and
			// still usable for scalar fields.
			continue
		}
		d.doc.Find(query).Each(func(_ int, s *goquery.Selection) {
			out = append(out, s)
		})
		if len(out) > 0 {
			return out
		}
	}
	return out
}

func (d *Document) apply(sel config.Selector) (string, bool) {
	switch sel.Type {
	case config.SelectorCSS:
		text := strings.TrimSpace(d.doc.Find(sel.Value).First().Text())
		return text, text != ""
	case config.SelectorXPath:
		node, err := htmlquery.Query(d.root, sel.Value)
		if err != nil || node == nil {
			return "", false
		}
		text := strings.TrimSpace(htmlquery.InnerText(node))
		return text, text != ""
	case config.SelectorAttr:
		v, ok := d.doc.Find(sel.Value).First().Attr(sel.Attr)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}
	return "", false
}

// SelectionFirst applies a selector list within one element, for per-tile
// field extraction.
func SelectionFirst(s *goquery.Selection, sels []config.Selector) (string, bool) {
	for _, sel := range sels {
		switch sel.Type {
		case config.SelectorCSS:
			text := strings.TrimSpace(s.Find(sel.Value).First().Text())
			if text != "" {
				return text, true
			}
		case config.SelectorAttr:
			if v, ok := s.Find(sel.Value).First().Attr(sel.Attr); ok {
				v = strings.TrimSpace(v)
				if v != "" {
					return v, true
				}
			}
			// The attr may sit on the tile element itself.
			if v, ok := s.Attr(sel.Attr); ok {
				v = strings.TrimSpace(v)
				if v != "" {
					return v, true
				}
			}
		}
	}
	return "", false
}
