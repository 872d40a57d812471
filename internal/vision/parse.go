// internal/vision/parse.go
package vision

import (
	"fmt"
	"regexp"
	"strings"

	json "github.com/json-iterator/go"
)

// Backticks are written as \x60 since raw strings cannot hold them.
var fencedRegex = regexp.MustCompile("(?s)\x60\x60\x60(?:json|JSON)?\\s*(.*?)\\s*\x60\x60\x60")

// parseJSON decodes a model reply into T. Replies wrapped in a markdown
// fence or surrounded by prose are tolerated.
func parseJSON[T any](reply string) (T, error) {
	var out T
	body := strings.TrimSpace(reply)
	if body == "" {
		return out, fmt.Errorf("empty model reply")
	}

	if m := fencedRegex.FindStringSubmatch(body); len(m) > 1 {
		body = m[1]
	} else if !strings.HasPrefix(body, "{") && !strings.HasPrefix(body, "[") {
		body = enclosing(body)
	}

	if err := json.Unmarshal([]byte(body), &out); err != nil {
		return out, fmt.Errorf("decoding model reply: %w", err)
	}
	return out, nil
}

// enclosing returns the outermost object or array found in s, or s itself.
func enclosing(s string) string {
	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return s
	}
	closer := "}"
	if s[start] == '[' {
		closer = "]"
	}
	end := strings.LastIndex(s, closer)
	if end <= start {
		return s
	}
	return s[start : end+1]
}
