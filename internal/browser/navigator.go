package browser

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/sells-group/webcheck/internal/model"
	"github.com/sells-group/webcheck/internal/resilience"
)

// Navigator adapts a Loader to the navigator role's contract.
type Navigator struct {
	loader     Loader
	screenshot bool
	log        *zap.Logger
}

// NewNavigator creates a Navigator. When screenshot is set, loaders that
// can render are asked for a full-page capture.
func NewNavigator(loader Loader, screenshot bool, log *zap.Logger) *Navigator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Navigator{loader: loader, screenshot: screenshot, log: log.With(zap.String("component", "navigator"))}
}

// Navigate loads url and waits for waitSelector when given. The result is
// successful only for a 2xx page; on failure the error is returned with a
// result describing what happened.
func (n *Navigator) Navigate(ctx context.Context, url, waitSelector string) (model.NavigationResult, error) {
	page, err := n.loader.Load(ctx, Request{URL: url, WaitSelector: waitSelector, Screenshot: n.screenshot})
	if err != nil {
		res := model.NavigationResult{FinalURL: url, Errors: []string{err.Error()}}
		var fe *resilience.FatalError
		var te *resilience.TransientError
		switch {
		case errors.As(err, &fe):
			res.Status = fe.StatusCode
		case errors.As(err, &te):
			res.Status = te.StatusCode
		}
		return res, err
	}

	res := model.NavigationResult{
		Success:    page.StatusCode >= 200 && page.StatusCode < 300,
		Status:     page.StatusCode,
		FinalURL:   page.FinalURL,
		LoadTimeMs: page.LoadTime.Milliseconds(),
		Page:       page,
	}
	if res.FinalURL == "" {
		res.FinalURL = url
	}
	if !res.Success {
		err := resilience.StatusError(page.StatusCode, url)
		res.Errors = append(res.Errors, err.Error())
		return res, err
	}

	n.log.Debug("navigator: page loaded",
		zap.String("url", url),
		zap.String("loader", page.Loader),
		zap.Int("status", page.StatusCode),
		zap.Int64("load_ms", res.LoadTimeMs),
	)
	return res, nil
}
