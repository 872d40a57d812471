// internal/method/browser.go
package method

import (
	"context"
	"errors"
	"fmt"

	"github.com/xkilldash9x/scalpel-harvest/api/schemas"
)

// BrowserAutomation extracts from the rendered DOM of a live browser.
type BrowserAutomation struct{}

func (*BrowserAutomation) Method() schemas.Method { return schemas.MethodBrowserAutomation }
func (*BrowserAutomation) RequiresBrowser() bool  { return true }

// Execute navigates, logs in when asked, then extracts page by page.
func (b *BrowserAutomation) Execute(ctx context.Context, a *Attempt) ([]schemas.Item, error) {
	opts := a.Options
	if opts.Auth != nil {
		if err := b.login(ctx, a, opts.Auth); err != nil {
			return nil, fmt.Errorf("login: %w", err)
		}
	}
	if opts.Auth == nil || opts.Auth.LoginURL != "" {
		if err := b.navigate(ctx, a, opts.URL); err != nil {
			return nil, err
		}
	}

	var items []schemas.Item
	pages := a.maxPages()
	for page := 0; page < pages; page++ {
		got, err := b.extractPage(ctx, a)
		if err != nil {
			return items, err
		}
		items = append(items, got...)
		a.Control.AddProcessed(len(got))

		if page+1 >= pages || opts.Pagination == nil {
			break
		}
		more, err := b.nextPage(ctx, a, page+1)
		if err != nil {
			return items, err
		}
		if !more {
			break
		}
	}
	return items, nil
}

func (b *BrowserAutomation) navigate(ctx context.Context, a *Attempt, target string) error {
	if err := a.Control.Checkpoint(ctx); err != nil {
		return err
	}
	if _, err := a.Session.Perform(ctx, schemas.Action{Kind: schemas.ActionNavigate, URL: target, Timeout: a.Settings.NavigationTimeout}); err != nil {
		return err
	}
	return a.pause(ctx, a.Pacer.NavPause())
}

func (b *BrowserAutomation) act(ctx context.Context, a *Attempt, action schemas.Action) (schemas.ActionResult, error) {
	if err := a.pause(ctx, a.Pacer.ActionDelay()); err != nil {
		return schemas.ActionResult{}, err
	}
	if action.Timeout == 0 {
		action.Timeout = a.Settings.ActionTimeout
	}
	return a.Session.Perform(ctx, action)
}

func (b *BrowserAutomation) login(ctx context.Context, a *Attempt, auth *schemas.AuthSpec) error {
	if auth.UsernameSelector == "" || auth.PasswordSelector == "" || auth.SubmitSelector == "" {
		return errors.New("auth needs username, password and submit selectors")
	}
	target := auth.LoginURL
	if target == "" {
		target = a.Options.URL
	}
	if err := b.navigate(ctx, a, target); err != nil {
		return err
	}
	steps := []schemas.Action{
		{Kind: schemas.ActionWait, Selector: auth.UsernameSelector},
		{Kind: schemas.ActionType, Selector: auth.UsernameSelector, Text: auth.Username, KeyDelay: a.Pacer.KeyDelay},
		{Kind: schemas.ActionType, Selector: auth.PasswordSelector, Text: auth.Password, KeyDelay: a.Pacer.KeyDelay},
		{Kind: schemas.ActionClick, Selector: auth.SubmitSelector},
	}
	if auth.SuccessSelector != "" {
		steps = append(steps, schemas.Action{Kind: schemas.ActionWait, Selector: auth.SuccessSelector, Timeout: a.Settings.NavigationTimeout})
	}
	for _, step := range steps {
		if !a.Settings.HumanTyping && step.Kind == schemas.ActionType {
			step.KeyDelay = nil
		}
		if _, err := b.act(ctx, a, step); err != nil {
			return err
		}
	}
	return a.pause(ctx, a.Pacer.NavPause())
}

// extractPage waits for content, scrolls the way a reader would, and extracts.
func (b *BrowserAutomation) extractPage(ctx context.Context, a *Attempt) ([]schemas.Item, error) {
	opts := a.Options
	if opts.ItemSelector != "" {
		if _, err := b.act(ctx, a, schemas.Action{Kind: schemas.ActionWait, Selector: opts.ItemSelector}); err != nil {
			return nil, err
		}
	}
	for _, dy := range a.Pacer.ScrollPlan() {
		if _, err := b.act(ctx, a, schemas.Action{Kind: schemas.ActionScroll, DeltaY: dy}); err != nil {
			return nil, err
		}
	}
	res, err := b.act(ctx, a, schemas.Action{Kind: schemas.ActionExtractData, ItemSelector: opts.ItemSelector, Fields: opts.Selectors})
	if err != nil {
		return nil, err
	}
	return res.Items, nil
}

// nextPage advances pagination. It reports false when there is nowhere to go.
func (b *BrowserAutomation) nextPage(ctx context.Context, a *Attempt, pageIndex int) (bool, error) {
	p := a.Options.Pagination
	switch {
	case p.NextSelector != "":
		res, err := b.act(ctx, a, schemas.Action{
			Kind:   schemas.ActionEvaluate,
			Script: fmt.Sprintf("document.querySelector(%q) !== null", p.NextSelector),
		})
		if err != nil {
			return false, err
		}
		if present, _ := res.Value.(bool); !present {
			return false, nil
		}
		if _, err := b.act(ctx, a, schemas.Action{Kind: schemas.ActionClick, Selector: p.NextSelector}); err != nil {
			return false, err
		}
		return true, a.pause(ctx, a.Pacer.NavPause())
	case p.PageParam != "":
		target, err := pageURL(a.Options.URL, p.PageParam, p.StartPage+pageIndex)
		if err != nil {
			return false, err
		}
		return true, b.navigate(ctx, a, target)
	}
	return false, nil
}
