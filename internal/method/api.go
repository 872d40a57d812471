// internal/method/api.go
package method

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	json "github.com/json-iterator/go"

	"github.com/xkilldash9x/scalpel-harvest/api/schemas"
)

// APIClient calls a JSON endpoint directly. Without an API spec it requests
// the task URL and expects JSON back.
type APIClient struct {
	now func() time.Time
}

func (*APIClient) Method() schemas.Method { return schemas.MethodAPIClient }
func (*APIClient) RequiresBrowser() bool  { return false }

func (c *APIClient) Execute(ctx context.Context, a *Attempt) ([]schemas.Item, error) {
	spec := schemas.APISpec{Endpoint: a.Options.URL}
	if a.Options.API != nil {
		spec = *a.Options.API
		if spec.Endpoint == "" {
			spec.Endpoint = a.Options.URL
		}
	}
	if spec.BearerToken != "" {
		if err := c.checkToken(spec.BearerToken); err != nil {
			return nil, err
		}
	}
	client, err := a.client()
	if err != nil {
		return nil, err
	}

	var items []schemas.Item
	pages := 1
	p := a.Options.Pagination
	if p != nil && p.PageParam != "" {
		pages = a.maxPages()
	}
	for page := 0; page < pages; page++ {
		if err := a.Control.Checkpoint(ctx); err != nil {
			return items, err
		}
		endpoint := spec.Endpoint
		if pages > 1 {
			if endpoint, err = pageURL(spec.Endpoint, p.PageParam, p.StartPage+page); err != nil {
				return items, err
			}
		}
		req, err := c.request(ctx, spec, endpoint)
		if err != nil {
			return items, err
		}
		resp, err := fetch(ctx, client, req, a.Settings.RequestTimeout)
		if err != nil {
			return items, err
		}
		if err := statusError(resp.StatusCode); err != nil {
			return items, err
		}
		got, err := decodeItems(resp.Body, spec.ItemsPath, a.Options.Selectors)
		if err != nil {
			return items, err
		}
		a.Control.AddProcessed(len(got))
		items = append(items, got...)
		if len(got) == 0 {
			break
		}
	}
	return items, nil
}

// checkToken fails fast on a JWT whose exp has passed. Opaque tokens are
// passed through untouched.
func (c *APIClient) checkToken(raw string) error {
	token, _, err := jwt.NewParser().ParseUnverified(raw, jwt.MapClaims{})
	if err != nil {
		return nil
	}
	exp, err := token.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil
	}
	now := time.Now
	if c.now != nil {
		now = c.now
	}
	if exp.Time.Before(now()) {
		return fmt.Errorf("bearer token expired at %s", exp.Time.UTC().Format(time.RFC3339))
	}
	return nil
}

func (c *APIClient) request(ctx context.Context, spec schemas.APISpec, endpoint string) (*http.Request, error) {
	method := strings.ToUpper(spec.HTTPMethod)
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if spec.Body != "" {
		body = bytes.NewBufferString(spec.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json, text/plain, */*")
	if spec.Body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range spec.Headers {
		req.Header.Set(k, v)
	}
	if spec.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+spec.BearerToken)
	}
	return req, nil
}

func statusError(code int) error {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden || code == http.StatusTooManyRequests:
		return fmt.Errorf("%w: status %d", ErrBlocked, code)
	case code == http.StatusProxyAuthRequired:
		return fmt.Errorf("status %d: %s", code, http.StatusText(code))
	case code >= 400:
		return fmt.Errorf("unexpected status %d", code)
	}
	return nil
}

// decodeItems walks itemsPath to an array of records. With selectors, each
// selector's query is a dotted path inside a record, falling back to the
// selector name; without selectors the whole record is the item.
func decodeItems(body []byte, itemsPath string, selectors []schemas.Selector) ([]schemas.Item, error) {
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("decoding JSON response: %w", err)
	}
	node, ok := lookup(doc, itemsPath)
	if !ok {
		return nil, fmt.Errorf("items path %q not found in response", itemsPath)
	}

	var records []any
	switch v := node.(type) {
	case []any:
		records = v
	case map[string]any:
		records = []any{v}
	default:
		return nil, errors.New("items path does not point at an array or object")
	}

	items := make([]schemas.Item, 0, len(records))
	for _, r := range records {
		obj, ok := r.(map[string]any)
		if !ok {
			items = append(items, schemas.Item{"value": r})
			continue
		}
		if len(selectors) == 0 {
			items = append(items, schemas.Item(obj))
			continue
		}
		item := make(schemas.Item, len(selectors))
		for _, s := range selectors {
			v, ok := lookup(obj, s.Query)
			if !ok || s.Query == "" {
				v, _ = lookup(obj, s.Name)
			}
			item[s.Name] = v
		}
		items = append(items, item)
	}
	return items, nil
}
