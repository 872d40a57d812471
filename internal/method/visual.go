// internal/method/visual.go
package method

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-harvest/api/schemas"
)

// VisualScraping reads items out of a full-page screenshot.
type VisualScraping struct {
	Extractor schemas.VisualExtractor
	// Advisor is optional. When set, screenshots are checked for challenges first.
	Advisor schemas.VisionAdvisor
	logger  *zap.Logger
}

func (*VisualScraping) Method() schemas.Method { return schemas.MethodVisualScraping }
func (*VisualScraping) RequiresBrowser() bool  { return true }

func (v *VisualScraping) Execute(ctx context.Context, a *Attempt) ([]schemas.Item, error) {
	if v.Extractor == nil {
		return nil, errors.New("no visual extractor configured")
	}
	fields := visualFields(a.Options.Selectors)
	if len(fields) == 0 {
		return nil, errors.New("no selectors to extract")
	}

	if _, err := a.Session.Perform(ctx, schemas.Action{Kind: schemas.ActionNavigate, URL: a.Options.URL, Timeout: a.Settings.NavigationTimeout}); err != nil {
		return nil, err
	}
	if err := a.pause(ctx, a.Pacer.NavPause()); err != nil {
		return nil, err
	}
	shot, err := a.Session.Perform(ctx, schemas.Action{Kind: schemas.ActionScreenshot})
	if err != nil {
		return nil, err
	}
	if len(shot.Screenshot) == 0 {
		return nil, errors.New("empty screenshot")
	}

	if v.Advisor != nil {
		report, err := v.Advisor.DetectChallenges(ctx, shot.Screenshot)
		switch {
		case err != nil:
			if v.logger != nil {
				v.logger.Debug("Challenge detection unavailable", zap.Error(err))
			}
		case report.HasChallenges:
			signal := strings.Join(report.Challenges, ", ")
			a.Session.RecordDetection(signal)
			return nil, fmt.Errorf("%w: challenge detected: %s", ErrBlocked, signal)
		}
	}

	if err := a.Control.Checkpoint(ctx); err != nil {
		return nil, err
	}
	items, err := v.Extractor.ExtractVisual(ctx, shot.Screenshot, fields)
	if err != nil {
		return nil, fmt.Errorf("visual extraction: %w", err)
	}
	a.Control.AddProcessed(len(items))
	return items, nil
}

// visualFields describes every selector to the model. A css or xpath
// selector in a cascade is described by its name and query.
func visualFields(selectors []schemas.Selector) []schemas.Selector {
	out := make([]schemas.Selector, 0, len(selectors))
	for _, s := range selectors {
		if s.Type != schemas.SelectorVisual {
			s.Query = fmt.Sprintf("%s (matched by %s %q on the page)", s.Name, typeOrCSS(s.Type), s.Query)
			s.Type = schemas.SelectorVisual
		}
		out = append(out, s)
	}
	return out
}

func typeOrCSS(t schemas.SelectorType) schemas.SelectorType {
	if t == "" {
		return schemas.SelectorCSS
	}
	return t
}
