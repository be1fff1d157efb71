// Package browser provides pooled headless-browser sessions via chromedp.
package browser

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/csexpert/coursecrawler/internal/pipeline"
)

// Config controls the shared browser process and per-session behavior.
type Config struct {
	UserAgent         string
	NavigationTimeout time.Duration
}

// Factory builds sessions against one shared Chrome exec allocator. Sessions
// are pooled; each holds a long-lived tab reused across navigations.
type Factory struct {
	cfg         Config
	allocator   context.Context
	allocCancel context.CancelFunc
}

// NewFactory starts the shared allocator.
func NewFactory(cfg Config) *Factory {
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 30 * time.Second
	}
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	return &Factory{cfg: cfg, allocator: allocCtx, allocCancel: allocCancel}
}

// New creates one session, suitable as a pool factory.
func (f *Factory) New(_ context.Context) (pipeline.Browser, error) {
	taskCtx, taskCancel := chromedp.NewContext(f.allocator)

	// Start the tab eagerly so a broken Chrome install fails at pool fill
	// time rather than mid-phase.
	if err := chromedp.Run(taskCtx); err != nil {
		taskCancel()
		return nil, fmt.Errorf("start browser session: %w", err)
	}

	return &Session{cfg: f.cfg, ctx: taskCtx, cancel: taskCancel}, nil
}

// Close tears down the shared allocator and every session spawned from it.
func (f *Factory) Close() {
	f.allocCancel()
}

// Session is one reusable headless tab.
type Session struct {
	cfg    Config
	ctx    context.Context
	cancel context.CancelFunc
}

// Navigate renders url and returns the outer HTML of the settled page.
func (s *Session) Navigate(ctx context.Context, url string) (string, error) {
	runCtx, cancel := context.WithTimeout(s.ctx, s.cfg.NavigationTimeout)
	defer cancel()

	// Caller cancellation propagates into the chromedp run.
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	var html string
	actions := []chromedp.Action{
		s.setupAction(),
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(500 * time.Millisecond),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	}
	if err := chromedp.Run(runCtx, actions...); err != nil {
		return "", fmt.Errorf("render %s: %w", url, err)
	}
	return html, nil
}

func (s *Session) setupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if s.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(s.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

// IsAlive reports whether the tab still responds. Used as the pool's health
// probe on every release.
func (s *Session) IsAlive() bool {
	if s.ctx.Err() != nil {
		return false
	}
	probeCtx, cancel := context.WithTimeout(s.ctx, 2*time.Second)
	defer cancel()

	var one int
	return chromedp.Run(probeCtx, chromedp.Evaluate("1", &one)) == nil
}

// Close tears down the tab.
func (s *Session) Close() {
	s.cancel()
}
