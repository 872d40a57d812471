// internal/method/direct.go
package method

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/xkilldash9x/scalpel-harvest/api/schemas"
)

// DirectRequest fetches static HTML and extracts with CSS selectors.
// XPath selectors are not supported here.
type DirectRequest struct{}

func (*DirectRequest) Method() schemas.Method { return schemas.MethodDirectRequest }
func (*DirectRequest) RequiresBrowser() bool  { return false }

func (d *DirectRequest) Execute(ctx context.Context, a *Attempt) ([]schemas.Item, error) {
	for _, s := range a.Options.Selectors {
		if s.Type == schemas.SelectorXPath {
			return nil, fmt.Errorf("selector %q: xpath is not supported by %s", s.Name, d.Method())
		}
	}
	client, err := a.client()
	if err != nil {
		return nil, err
	}

	var (
		items  []schemas.Item
		target = a.Options.URL
		p      = a.Options.Pagination
		pages  = a.maxPages()
	)
	for page := 0; page < pages && target != ""; page++ {
		if page > 0 {
			if err := a.pause(ctx, a.Pacer.ActionDelay()); err != nil {
				return items, err
			}
		} else if err := a.Control.Checkpoint(ctx); err != nil {
			return items, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return items, err
		}
		req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
		resp, err := fetch(ctx, client, req, a.Settings.RequestTimeout)
		if err != nil {
			return items, err
		}
		if err := statusError(resp.StatusCode); err != nil {
			return items, err
		}
		doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
		if err != nil {
			return items, fmt.Errorf("parsing HTML: %w", err)
		}

		got := extractDocument(doc, a.Options.ItemSelector, a.Options.Selectors)
		a.Control.AddProcessed(len(got))
		items = append(items, got...)

		target = ""
		switch {
		case p == nil:
		case p.NextSelector != "":
			target = nextLink(doc, resp.URL, p.NextSelector)
		case p.PageParam != "" && len(got) > 0:
			if target, err = pageURL(a.Options.URL, p.PageParam, p.StartPage+page+1); err != nil {
				return items, err
			}
		}
	}
	return items, nil
}

// extractDocument applies the field selectors to each item container, or
// to the whole document when no item selector is set.
func extractDocument(doc *goquery.Document, itemSelector string, selectors []schemas.Selector) []schemas.Item {
	roots := doc.Selection
	if itemSelector != "" {
		roots = doc.Find(itemSelector)
	}
	var items []schemas.Item
	roots.Each(func(_ int, root *goquery.Selection) {
		item := make(schemas.Item, len(selectors))
		for _, s := range selectors {
			if s.Type == schemas.SelectorVisual {
				continue
			}
			matches := root.Find(s.Query)
			if s.Multiple {
				values := make([]any, 0, matches.Length())
				matches.Each(func(_ int, m *goquery.Selection) {
					values = append(values, readNode(m, s.Attribute))
				})
				item[s.Name] = values
				continue
			}
			if matches.Length() == 0 {
				item[s.Name] = nil
				continue
			}
			item[s.Name] = readNode(matches.First(), s.Attribute)
		}
		items = append(items, item)
	})
	return items
}

func readNode(s *goquery.Selection, attribute string) any {
	if attribute != "" {
		v, ok := s.Attr(attribute)
		if !ok {
			return nil
		}
		return v
	}
	return strings.TrimSpace(s.Text())
}

// nextLink resolves the href of the next-page link against the page URL.
func nextLink(doc *goquery.Document, base *url.URL, selector string) string {
	href, ok := doc.Find(selector).First().Attr("href")
	if !ok || strings.TrimSpace(href) == "" {
		return ""
	}
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return ""
	}
	if base == nil {
		return ref.String()
	}
	return base.ResolveReference(ref).String()
}
