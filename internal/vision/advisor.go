// internal/vision/advisor.go
package vision

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/xkilldash9x/scalpel-harvest/api/schemas"
	"github.com/xkilldash9x/scalpel-harvest/internal/config"
)

// maxHTMLChars bounds how much page source goes into a prompt.
const maxHTMLChars = 30000

const systemPrompt = `You assist a web data extraction service. You look at screenshots of web pages
and answer strictly in JSON with no commentary.`

const contextPrompt = `Page URL: %s

Choose the extraction strategy most likely to succeed for this page. Allowed values:
"browser-automation" (rendered DOM with CSS selectors works), "visual-scraping" (content is
canvas, images or heavily obfuscated markup), "api-client" (the page is a shell around a JSON API),
"direct-request" (static HTML, no JavaScript needed).

Answer as {"strategy": "...", "confidence": 0.0-1.0, "reason": "..."}.

Page HTML (may be truncated):
%s`

const challengePrompt = `Does this screenshot show an anti-bot challenge such as a CAPTCHA, a
"checking your browser" interstitial, an access denied page, or a login wall?
Answer as {"has_challenges": true|false, "challenges": ["short description", ...]}.`

const extractPrompt = `Extract every repeated record visible in this screenshot. Each record is a JSON
object with exactly these keys (null when not visible):
%s
Answer with a JSON array of records.`

// generator is the single model call the advisor makes.
type generator interface {
	Generate(ctx context.Context, system string, parts []*genai.Part) (string, error)
}

type geminiGenerator struct {
	client      *genai.Client
	model       string
	temperature float32
}

func (g *geminiGenerator) Generate(ctx context.Context, system string, parts []*genai.Part) (string, error) {
	resp, err := g.client.Models.GenerateContent(ctx, g.model,
		[]*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)},
		&genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText(system, genai.RoleUser),
			Temperature:       genai.Ptr(g.temperature),
			ResponseMIMEType:  "application/json",
		})
	if err != nil {
		return "", err
	}
	if len(resp.Candidates) == 0 {
		return "", errors.New("model returned no candidates")
	}
	text := resp.Text()
	if text == "" {
		return "", fmt.Errorf("model returned empty content (finish reason %s)", resp.Candidates[0].FinishReason)
	}
	return text, nil
}

// Advisor implements schemas.VisionAdvisor and schemas.VisualExtractor on Gemini.
type Advisor struct {
	gen     generator
	timeout time.Duration
	logger  *zap.Logger
}

var (
	_ schemas.VisionAdvisor   = (*Advisor)(nil)
	_ schemas.VisualExtractor = (*Advisor)(nil)
)

// New connects to the Gemini API.
func New(ctx context.Context, cfg config.VisionConfig, logger *zap.Logger) (*Advisor, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("gemini API key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
		HTTPClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}
	model := cfg.Model
	if model == "" {
		model = "gemini-2.5-flash"
	}
	return newAdvisor(&geminiGenerator{client: client, model: model, temperature: cfg.Temperature}, cfg.Timeout, logger), nil
}

func newAdvisor(gen generator, timeout time.Duration, logger *zap.Logger) *Advisor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Advisor{gen: gen, timeout: timeout, logger: logger.Named("vision")}
}

func (a *Advisor) ask(ctx context.Context, op string, parts []*genai.Part) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	start := time.Now()
	reply, err := a.gen.Generate(ctx, systemPrompt, parts)
	if err != nil {
		a.logger.Warn("Vision request failed", zap.String("op", op), zap.Error(err))
		return "", fmt.Errorf("vision %s: %w", op, err)
	}
	a.logger.Debug("Vision request complete", zap.String("op", op), zap.Duration("duration", time.Since(start)))
	return reply, nil
}

func imagePart(screenshot []byte) *genai.Part {
	mime := "image/png"
	if len(screenshot) > 2 && screenshot[0] == 0xFF && screenshot[1] == 0xD8 {
		mime = "image/jpeg"
	}
	return genai.NewPartFromBytes(screenshot, mime)
}

// AnalyzeContext suggests an extraction strategy for the page.
func (a *Advisor) AnalyzeContext(ctx context.Context, screenshot []byte, html, pageURL string) (schemas.ContextAnalysis, error) {
	if len(html) > maxHTMLChars {
		html = html[:maxHTMLChars]
	}
	parts := []*genai.Part{genai.NewPartFromText(fmt.Sprintf(contextPrompt, pageURL, html))}
	if len(screenshot) > 0 {
		parts = append([]*genai.Part{imagePart(screenshot)}, parts...)
	}
	reply, err := a.ask(ctx, "analyze_context", parts)
	if err != nil {
		return schemas.ContextAnalysis{}, err
	}
	analysis, err := parseJSON[schemas.ContextAnalysis](reply)
	if err != nil {
		return schemas.ContextAnalysis{}, err
	}
	analysis.Strategy = schemas.Method(strings.ToLower(strings.TrimSpace(string(analysis.Strategy))))
	if !analysis.Strategy.Valid() {
		return schemas.ContextAnalysis{}, fmt.Errorf("advisor suggested unknown strategy %q", analysis.Strategy)
	}
	analysis.Confidence = min(max(analysis.Confidence, 0), 1)
	return analysis, nil
}

// DetectChallenges reports anti-bot challenges visible in the screenshot.
func (a *Advisor) DetectChallenges(ctx context.Context, screenshot []byte) (schemas.ChallengeReport, error) {
	if len(screenshot) == 0 {
		return schemas.ChallengeReport{}, errors.New("empty screenshot")
	}
	reply, err := a.ask(ctx, "detect_challenges", []*genai.Part{imagePart(screenshot), genai.NewPartFromText(challengePrompt)})
	if err != nil {
		return schemas.ChallengeReport{}, err
	}
	report, err := parseJSON[schemas.ChallengeReport](reply)
	if err != nil {
		return schemas.ChallengeReport{}, err
	}
	if len(report.Challenges) > 0 {
		report.HasChallenges = true
	}
	return report, nil
}

// ExtractVisual reads records out of a screenshot. Each selector's query is
// the field description given to the model.
func (a *Advisor) ExtractVisual(ctx context.Context, screenshot []byte, fields []schemas.Selector) ([]schemas.Item, error) {
	if len(screenshot) == 0 {
		return nil, errors.New("empty screenshot")
	}
	if len(fields) == 0 {
		return nil, errors.New("no fields to extract")
	}
	desc := make(map[string]string, len(fields))
	for _, f := range fields {
		desc[f.Name] = f.Query
	}
	keys, err := json.MarshalIndent(desc, "", "  ")
	if err != nil {
		return nil, err
	}

	reply, err := a.ask(ctx, "extract_visual", []*genai.Part{imagePart(screenshot), genai.NewPartFromText(fmt.Sprintf(extractPrompt, keys))})
	if err != nil {
		return nil, err
	}
	raw, err := parseJSON[[]map[string]any](reply)
	if err != nil {
		return nil, err
	}
	items := make([]schemas.Item, 0, len(raw))
	for _, r := range raw {
		item := make(schemas.Item, len(fields))
		for _, f := range fields {
			item[f.Name] = r[f.Name]
		}
		items = append(items, item)
	}
	return items, nil
}
