// Package browser implements automation sessions on headless Chrome through
// chromedp or go-rod.
package browser

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/JakeFAU/adharvest/internal/harvest"
)

// Config controls how sessions are launched.
type Config struct {
	Driver        string
	Headless      bool
	UserAgent     string
	NavTimeout    time.Duration
	ActionTimeout time.Duration
	// ScanSelector matches the container element of each candidate record.
	ScanSelector string
}

func (c *Config) defaults() {
	if c.NavTimeout <= 0 {
		c.NavTimeout = 45 * time.Second
	}
	if c.ActionTimeout <= 0 {
		c.ActionTimeout = 15 * time.Second
	}
	if c.ScanSelector == "" {
		c.ScanSelector = "[data-record], article"
	}
}

// New returns the Launcher for cfg.Driver.
func New(cfg Config) (harvest.Launcher, error) {
	cfg.defaults()
	switch cfg.Driver {
	case "", "chromedp":
		return &ChromedpLauncher{cfg: cfg}, nil
	case "rod":
		return &RodLauncher{cfg: cfg}, nil
	default:
		return nil, fmt.Errorf("unknown session driver %q", cfg.Driver)
	}
}

// Viewport describes the emulated device.
type Viewport struct {
	Width     int
	Height    int
	Scale     float64
	Mobile    bool
	Touch     bool
	UserAgent string
}

const mobileUserAgent = "Mozilla/5.0 (iPhone; CPU iPhone OS 17_5 like Mac OS X) " +
	"AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.5 Mobile/15E148 Safari/604.1"

// ViewportFor returns the device emulated for a profile. A configured user
// agent overrides the desktop default only.
func ViewportFor(profile harvest.Profile, userAgent string) Viewport {
	if profile == harvest.ProfileMobile {
		return Viewport{Width: 390, Height: 844, Scale: 3, Mobile: true, Touch: true, UserAgent: mobileUserAgent}
	}
	return Viewport{Width: 1366, Height: 768, Scale: 1, UserAgent: userAgent}
}

// transportGone reports errors raised when the DevTools connection is lost.
func transportGone(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"websocket", "broken pipe", "connection reset", "target closed", "use of closed network connection"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
