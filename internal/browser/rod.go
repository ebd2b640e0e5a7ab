package browser

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"github.com/JakeFAU/adharvest/internal/harvest"
)

// RodLauncher starts one Chrome process per session via go-rod with stealth pages.
type RodLauncher struct {
	cfg Config
}

// Launch starts Chrome, connects and opens a stealth page for the profile.
func (l *RodLauncher) Launch(ctx context.Context, profile harvest.Profile) (harvest.Session, error) {
	vp := ViewportFor(profile, l.cfg.UserAgent)

	lnch := launcher.New().
		Context(ctx).
		Headless(l.cfg.Headless).
		Set("disable-blink-features", "AutomationControlled").
		Set("window-size", fmt.Sprintf("%d,%d", vp.Width, vp.Height))
	wsURL, err := lnch.Launch()
	if err != nil {
		lnch.Cleanup()
		return nil, fmt.Errorf("launch chrome: %w", err)
	}

	b := rod.New().ControlURL(wsURL)
	if err := b.Connect(); err != nil {
		lnch.Kill()
		lnch.Cleanup()
		return nil, fmt.Errorf("connect chrome: %w", err)
	}
	s := &rodSession{cfg: l.cfg, browser: b, launcher: lnch}

	page, err := stealth.Page(b)
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("open stealth page: %w", err)
	}
	s.page = page
	if err := s.emulate(ctx, vp); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

type rodSession struct {
	cfg       Config
	browser   *rod.Browser
	launcher  *launcher.Launcher
	page      *rod.Page
	closeOnce sync.Once
}

func (s *rodSession) emulate(ctx context.Context, vp Viewport) error {
	page, cancel := s.scoped(ctx, s.cfg.ActionTimeout)
	defer cancel()
	if err := page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             vp.Width,
		Height:            vp.Height,
		DeviceScaleFactor: vp.Scale,
		Mobile:            vp.Mobile,
	}); err != nil {
		return fmt.Errorf("set viewport: %w", err)
	}
	if vp.UserAgent != "" {
		if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: vp.UserAgent}); err != nil {
			return fmt.Errorf("set user-agent: %w", err)
		}
	}
	if vp.Touch {
		if err := (proto.EmulationSetTouchEmulationEnabled{Enabled: true}).Call(page); err != nil {
			return fmt.Errorf("enable touch: %w", err)
		}
	}
	return nil
}

func (s *rodSession) scoped(ctx context.Context, timeout time.Duration) (*rod.Page, context.CancelFunc) {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	return s.page.Context(runCtx), cancel
}

// classify maps a lost DevTools connection to harvest.ErrDisconnected.
func (s *rodSession) classify(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return fmt.Errorf("rod: %w", ctx.Err())
	}
	if transportGone(err) || !s.browserAlive() {
		return fmt.Errorf("%w: %v", harvest.ErrDisconnected, err)
	}
	return fmt.Errorf("rod: %w", err)
}

func (s *rodSession) browserAlive() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, err := proto.BrowserGetVersion{}.Call(s.browser.Context(ctx))
	return err == nil
}

func (s *rodSession) evalString(ctx context.Context, fn string) (string, error) {
	page, cancel := s.scoped(ctx, s.cfg.ActionTimeout)
	defer cancel()
	res, err := page.Eval(fn)
	if err != nil {
		return "", s.classify(ctx, err)
	}
	return res.Value.Str(), nil
}

func (s *rodSession) Navigate(ctx context.Context, url string) error {
	page, cancel := s.scoped(ctx, s.cfg.NavTimeout)
	defer cancel()
	if err := page.Navigate(url); err != nil {
		return s.classify(ctx, err)
	}
	return s.classify(ctx, page.WaitLoad())
}

func (s *rodSession) Scroll(ctx context.Context, delta int) (harvest.ScrollState, error) {
	raw, err := s.evalString(ctx, scrollScript(delta))
	if err != nil {
		return harvest.ScrollState{}, err
	}
	return decodeScroll(raw)
}

func (s *rodSession) ScrollTo(ctx context.Context, offset int) error {
	page, cancel := s.scoped(ctx, s.cfg.ActionTimeout)
	defer cancel()
	_, err := page.Eval(scrollToScript(offset))
	return s.classify(ctx, err)
}

func (s *rodSession) Reload(ctx context.Context) error {
	page, cancel := s.scoped(ctx, s.cfg.NavTimeout)
	defer cancel()
	if err := page.Reload(); err != nil {
		return s.classify(ctx, err)
	}
	return s.classify(ctx, page.WaitLoad())
}

func (s *rodSession) Nudge(ctx context.Context) error {
	page, cancel := s.scoped(ctx, s.cfg.ActionTimeout)
	defer cancel()
	for _, pt := range []proto.Point{{X: 40, Y: 120}, {X: 200, Y: 300}, {X: 80, Y: 500}} {
		if err := page.Mouse.MoveTo(pt); err != nil {
			return s.classify(ctx, err)
		}
	}
	_, err := page.Eval(nudgeScript)
	return s.classify(ctx, err)
}

func (s *rodSession) ScanPage(ctx context.Context) ([]harvest.Record, error) {
	raw, err := s.evalString(ctx, scanScript(s.cfg.ScanSelector))
	if err != nil {
		return nil, err
	}
	return decodeCandidates(raw, time.Now().UTC())
}

func (s *rodSession) IsAlive(ctx context.Context) bool {
	page, cancel := s.scoped(ctx, min(s.cfg.ActionTimeout, 5*time.Second))
	defer cancel()
	res, err := page.Eval(aliveScript)
	return err == nil && res.Value.Int() == 2
}

// PID returns the launched browser's process id.
func (s *rodSession) PID() int {
	if s.launcher == nil {
		return 0
	}
	return s.launcher.PID()
}

func (s *rodSession) Close() error {
	s.closeOnce.Do(func() {
		if s.page != nil {
			_ = s.page.Close()
		}
		if s.browser != nil {
			_ = s.browser.Close()
		}
		if s.launcher != nil {
			s.launcher.Kill()
			s.launcher.Cleanup()
		}
	})
	return nil
}
