// internal/method/resolve.go
package method

import (
	"context"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-harvest/api/schemas"
	"github.com/xkilldash9x/scalpel-harvest/internal/network"
)

// Rule names which resolution rule picked the method.
type Rule string

const (
	RuleVisualSelector Rule = "visual-selector"
	RuleMaximumEvasion Rule = "maximum-evasion"
	RuleExplicit       Rule = "explicit"
	RuleDefault        Rule = "default"
	RuleAdvisor        Rule = "advisor"
)

// Resolve applies the resolution rules in order: a visual selector forces
// visual scraping, maximum evasion forces the hybrid cascade, an explicit
// method is used verbatim, and everything else runs browser automation.
func Resolve(opts schemas.TaskOptions) (schemas.Method, Rule) {
	switch {
	case opts.HasVisualSelector():
		return schemas.MethodVisualScraping, RuleVisualSelector
	case opts.Evasion == schemas.EvasionMaximum:
		return schemas.MethodHybrid, RuleMaximumEvasion
	case opts.Method != "":
		return opts.Method, RuleExplicit
	default:
		return schemas.MethodBrowserAutomation, RuleDefault
	}
}

// Plan expands a resolved method into the ordered methods to attempt.
func Plan(m schemas.Method, opts schemas.TaskOptions) []schemas.Method {
	if m != schemas.MethodHybrid {
		return []schemas.Method{m}
	}
	order := schemas.HybridFallbackOrder
	if len(opts.FallbackOrder) > 0 {
		order = opts.FallbackOrder
	}
	seen := make(map[schemas.Method]bool, len(order))
	plan := make([]schemas.Method, 0, len(order))
	for _, step := range order {
		if step == schemas.MethodHybrid || !step.Valid() || seen[step] {
			continue
		}
		seen[step] = true
		plan = append(plan, step)
	}
	return plan
}

// resolve runs the rules and, when only the default rule applied, lets the
// advisor suggest something better. The advisor never makes resolution fail.
func (e *Engine) resolve(ctx context.Context, opts schemas.TaskOptions) (schemas.Method, Rule) {
	m, rule := Resolve(opts)
	if rule != RuleDefault || !e.cfg.AdvisorPreflight || e.advisor == nil {
		return m, rule
	}

	logger := e.logger.With(zap.String("url", opts.URL))
	html, err := e.fetchHTML(ctx, opts.URL)
	if err != nil {
		logger.Debug("Advisor preflight fetch failed, keeping default method", zap.Error(err))
		return m, rule
	}
	analysis, err := e.advisor.AnalyzeContext(ctx, nil, html, opts.URL)
	if err != nil {
		logger.Debug("Advisor unavailable, keeping default method", zap.Error(err))
		return m, rule
	}
	if analysis.Confidence < e.cfg.AdvisorMinConfidence || analysis.Strategy == m {
		return m, rule
	}
	if _, ok := e.strategies[analysis.Strategy]; !ok && analysis.Strategy != schemas.MethodHybrid {
		return m, rule
	}
	logger.Info("Advisor changed extraction method",
		zap.String("method", string(analysis.Strategy)),
		zap.Float64("confidence", analysis.Confidence),
		zap.String("reason", analysis.Reason))
	return analysis.Strategy, RuleAdvisor
}

func (e *Engine) fetchHTML(ctx context.Context, pageURL string) (string, error) {
	if e.http == nil {
		return "", fmt.Errorf("no http client factory")
	}
	client, err := e.http.Client(network.ClientOptions{})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequest(http.MethodGet, pageURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := client.Fetch(ctx, req)
	if err != nil {
		return "", err
	}
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("preflight got status %d", resp.StatusCode)
	}
	return string(resp.Body), nil
}
