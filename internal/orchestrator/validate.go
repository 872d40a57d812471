// internal/orchestrator/validate.go
package orchestrator

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/xkilldash9x/scalpel-harvest/api/schemas"
)

func invalid(field, format string, args ...any) error {
	return &schemas.ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

func absoluteHTTP(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return false
	}
	return u.Scheme == "http" || u.Scheme == "https"
}

// ValidateOptions rejects task options no method could run.
func ValidateOptions(opts schemas.TaskOptions) error {
	if strings.TrimSpace(opts.Name) == "" {
		return invalid("name", "is required")
	}
	if opts.URL == "" {
		return invalid("url", "is required")
	}
	if !absoluteHTTP(opts.URL) {
		return invalid("url", "%q is not an absolute http(s) URL", opts.URL)
	}
	if opts.Method != "" && !opts.Method.Valid() {
		return invalid("method", "unknown method %q", opts.Method)
	}
	for i, m := range opts.FallbackOrder {
		if !m.Valid() || m == schemas.MethodHybrid {
			return invalid(fmt.Sprintf("fallback_order[%d]", i), "%q cannot be part of a fallback order", m)
		}
	}
	switch opts.Evasion {
	case "", schemas.EvasionBasic, schemas.EvasionStandard, schemas.EvasionAdvanced, schemas.EvasionMaximum:
	default:
		return invalid("evasion", "unknown level %q", opts.Evasion)
	}

	seen := make(map[string]bool, len(opts.Selectors))
	for i, s := range opts.Selectors {
		field := fmt.Sprintf("selectors[%d]", i)
		if s.Name == "" {
			return invalid(field, "name is required")
		}
		if seen[s.Name] {
			return invalid(field, "duplicate name %q", s.Name)
		}
		seen[s.Name] = true
		switch s.Type {
		case "", schemas.SelectorCSS, schemas.SelectorXPath:
			if s.Query == "" && opts.Method != schemas.MethodAPIClient {
				return invalid(field, "query is required")
			}
		case schemas.SelectorVisual:
			if s.Query == "" {
				return invalid(field, "a visual selector needs a description")
			}
		default:
			return invalid(field, "unknown type %q", s.Type)
		}
	}

	if a := opts.Auth; a != nil {
		if a.UsernameSelector == "" || a.PasswordSelector == "" || a.SubmitSelector == "" {
			return invalid("auth", "username, password and submit selectors are required")
		}
		if a.LoginURL != "" && !absoluteHTTP(a.LoginURL) {
			return invalid("auth.login_url", "%q is not an absolute http(s) URL", a.LoginURL)
		}
	}
	if p := opts.Pagination; p != nil {
		if p.MaxPages < 0 {
			return invalid("pagination.max_pages", "must not be negative")
		}
		if p.NextSelector == "" && p.PageParam == "" {
			return invalid("pagination", "needs next_selector or page_param")
		}
	}
	if api := opts.API; api != nil && api.Endpoint != "" && !absoluteHTTP(api.Endpoint) {
		return invalid("api.endpoint", "%q is not an absolute http(s) URL", api.Endpoint)
	}
	if vp := opts.Viewport; vp != nil && (vp.Width <= 0 || vp.Height <= 0) {
		return invalid("viewport", "width and height must be positive")
	}
	if opts.ExpectedItems < 0 {
		return invalid("expected_items", "must not be negative")
	}
	if opts.Timeout < 0 {
		return invalid("timeout", "must not be negative")
	}
	return nil
}
