package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/JakeFAU/adharvest/internal/harvest"
)

// ChromedpLauncher starts one Chrome process per session via chromedp.
type ChromedpLauncher struct {
	cfg Config
}

// Launch starts Chrome, opens a tab and applies the profile's device emulation.
func (l *ChromedpLauncher) Launch(ctx context.Context, profile harvest.Profile) (harvest.Session, error) {
	vp := ViewportFor(profile, l.cfg.UserAgent)

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", l.cfg.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.WindowSize(vp.Width, vp.Height),
	)
	if vp.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(vp.UserAgent))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx)

	s := &chromedpSession{
		cfg:         l.cfg,
		tabCtx:      tabCtx,
		tabCancel:   tabCancel,
		allocCancel: allocCancel,
	}
	if err := s.allocate(ctx, l.cfg.NavTimeout); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("launch chrome: %w", err)
	}
	if err := s.run(ctx, l.cfg.NavTimeout, s.setupAction(vp)); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("set up tab: %w", err)
	}
	return s, nil
}

// allocate starts the browser and opens the tab. The first Run on a chromedp
// context owns the browser process, so it gets the long-lived tab context and
// is bounded by waiting instead of by a context deadline.
func (s *chromedpSession) allocate(ctx context.Context, timeout time.Duration) error {
	done := make(chan error, 1)
	go func() { done <- chromedp.Run(s.tabCtx) }()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case err := <-done:
		return err
	case <-timer.C:
		return fmt.Errorf("browser did not start within %s", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

type chromedpSession struct {
	cfg         Config
	tabCtx      context.Context
	tabCancel   context.CancelFunc
	allocCancel context.CancelFunc
	closeOnce   sync.Once
}

func (s *chromedpSession) setupAction(vp Viewport) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if vp.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(vp.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		opts := []chromedp.EmulateViewportOption{chromedp.EmulateScale(vp.Scale)}
		if vp.Mobile {
			opts = append(opts, chromedp.EmulateMobile)
		}
		if vp.Touch {
			opts = append(opts, chromedp.EmulateTouch)
		}
		if err := chromedp.EmulateViewport(int64(vp.Width), int64(vp.Height), opts...).Do(ctx); err != nil {
			return fmt.Errorf("emulate viewport: %w", err)
		}
		return nil
	})
}

// run executes actions on the tab, bounded by timeout and by the caller's ctx.
func (s *chromedpSession) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithTimeout(s.tabCtx, timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	return s.classify(ctx, chromedp.Run(runCtx, actions...))
}

// classify maps a dead browser to harvest.ErrDisconnected.
func (s *chromedpSession) classify(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if s.tabCtx.Err() != nil || transportGone(err) {
		return fmt.Errorf("%w: %v", harvest.ErrDisconnected, err)
	}
	if ctx.Err() != nil {
		return fmt.Errorf("chromedp: %w", ctx.Err())
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("chromedp action timed out: %w", err)
	}
	return fmt.Errorf("chromedp: %w", err)
}

func (s *chromedpSession) evalString(ctx context.Context, fn string) (string, error) {
	var raw string
	if err := s.run(ctx, s.cfg.ActionTimeout, chromedp.Evaluate(invoke(fn), &raw)); err != nil {
		return "", err
	}
	return raw, nil
}

func (s *chromedpSession) Navigate(ctx context.Context, url string) error {
	return s.run(ctx, s.cfg.NavTimeout,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
}

func (s *chromedpSession) Scroll(ctx context.Context, delta int) (harvest.ScrollState, error) {
	raw, err := s.evalString(ctx, scrollScript(delta))
	if err != nil {
		return harvest.ScrollState{}, err
	}
	return decodeScroll(raw)
}

func (s *chromedpSession) ScrollTo(ctx context.Context, offset int) error {
	var ok bool
	return s.run(ctx, s.cfg.ActionTimeout, chromedp.Evaluate(invoke(scrollToScript(offset)), &ok))
}

func (s *chromedpSession) Reload(ctx context.Context) error {
	return s.run(ctx, s.cfg.NavTimeout,
		chromedp.Reload(),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
}

func (s *chromedpSession) Nudge(ctx context.Context) error {
	var ok bool
	return s.run(ctx, s.cfg.ActionTimeout,
		chromedp.ActionFunc(func(ctx context.Context) error {
			for _, pt := range [][2]float64{{40, 120}, {200, 300}, {80, 500}} {
				if err := input.DispatchMouseEvent(input.MouseMoved, pt[0], pt[1]).Do(ctx); err != nil {
					return fmt.Errorf("dispatch mouse event: %w", err)
				}
			}
			return nil
		}),
		chromedp.Evaluate(invoke(nudgeScript), &ok),
	)
}

func (s *chromedpSession) ScanPage(ctx context.Context) ([]harvest.Record, error) {
	raw, err := s.evalString(ctx, scanScript(s.cfg.ScanSelector))
	if err != nil {
		return nil, err
	}
	return decodeCandidates(raw, time.Now().UTC())
}

// PID returns the browser's process id once it has been allocated.
func (s *chromedpSession) PID() int {
	c := chromedp.FromContext(s.tabCtx)
	if c == nil || c.Browser == nil {
		return 0
	}
	if proc := c.Browser.Process(); proc != nil {
		return proc.Pid
	}
	return 0
}

func (s *chromedpSession) IsAlive(ctx context.Context) bool {
	var n int
	timeout := min(s.cfg.ActionTimeout, 5*time.Second)
	if err := s.run(ctx, timeout, chromedp.Evaluate(invoke(aliveScript), &n)); err != nil {
		return false
	}
	return n == 2
}

func (s *chromedpSession) Close() error {
	s.closeOnce.Do(func() {
		done := make(chan struct{})
		go func() {
			_ = chromedp.Cancel(s.tabCtx)
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
		}
		s.tabCancel()
		s.allocCancel()
	})
	return nil
}
