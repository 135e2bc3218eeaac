package scraper

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/svarley/fbascout/internal/config"
)

var (
	queryPageRe   = regexp.MustCompile(`([?&](?:page|p|pg)=)(\d+)`)
	pathPageRe    = regexp.MustCompile(`(/page/)(\d+)(/?)`)
	trailingNumRe = regexp.MustCompile(`(/)(\d+)(/?)$`)
)

// NextPageURL resolves the URL of the page after pageNum for a category.
// Strategies in order: explicit pattern from config, next-button selectors,
// URL inference. Returns "" when no next page can be determined.
func NextPageURL(cfg config.SupplierConfig, doc *Document, categoryURL string, pageNum int) string {
	if cfg.PaginationPattern != "" {
		return strings.ReplaceAll(cfg.PaginationPattern, "{page_num}", strconv.Itoa(pageNum+1))
	}

	if len(cfg.NextPageSelectors) > 0 && doc != nil {
		for _, sel := range cfg.NextPageSelectors {
			attrSel := sel
			if attrSel.Type == config.SelectorCSS {
				attrSel = config.Selector{Type: config.SelectorAttr, Value: sel.Value, Attr: "href"}
			}
			if href, ok := doc.apply(attrSel); ok {
				return resolveURL(doc.URL(), href)
			}
		}
	}

	return inferNextURL(categoryURL, pageNum)
}

// inferNextURL rewrites a recognisable page component of the URL. Four-digit
// numbers are left alone: a trailing /2024/ is a year, not a page.
func inferNextURL(categoryURL string, pageNum int) string {
	next := strconv.Itoa(pageNum + 1)

	if m := queryPageRe.FindStringSubmatch(categoryURL); m != nil {
		if !isYear(m[2]) {
			return queryPageRe.ReplaceAllString(categoryURL, "${1}"+next)
		}
		return ""
	}
	if m := pathPageRe.FindStringSubmatch(categoryURL); m != nil {
		if !isYear(m[2]) {
			return pathPageRe.ReplaceAllString(categoryURL, "${1}"+next+"${3}")
		}
		return ""
	}
	if m := trailingNumRe.FindStringSubmatch(categoryURL); m != nil {
		if !isYear(m[2]) {
			return trailingNumRe.ReplaceAllString(categoryURL, "${1}"+next+"${3}")
		}
		return ""
	}

	// No page component anywhere: append ?page=2 on the first advance only.
	if pageNum == 1 {
		parsed, err := url.Parse(categoryURL)
		if err != nil {
			return ""
		}
		q := parsed.Query()
		q.Set("page", "2")
		parsed.RawQuery = q.Encode()
		return parsed.String()
	}
	return ""
}

func isYear(s string) bool {
	if len(s) != 4 {
		return false
	}
	n, err := strconv.Atoi(s)
	return err == nil && n >= 1900 && n <= 2199
}

// PatternPageURL renders the configured pagination pattern for an absolute
// page number, for resuming mid-category.
func PatternPageURL(cfg config.SupplierConfig, pageNum int) (string, error) {
	if cfg.PaginationPattern == "" {
		return "", fmt.Errorf("scraper: no pagination pattern configured")
	}
	return strings.ReplaceAll(cfg.PaginationPattern, "{page_num}", strconv.Itoa(pageNum)), nil
}
