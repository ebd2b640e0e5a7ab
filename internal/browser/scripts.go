package browser

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/JakeFAU/adharvest/internal/harvest"
)

// Scripts are arrow functions; chromedp wraps them into an invocation.

func scrollScript(delta int) string {
	return fmt.Sprintf(`() => {
	window.scrollBy(0, %d);
	return JSON.stringify({
		y: window.scrollY,
		viewport: window.innerHeight,
		height: Math.max(document.body ? document.body.scrollHeight : 0, document.documentElement.scrollHeight)
	});
}`, delta)
}

func scrollToScript(offset int) string {
	return fmt.Sprintf(`() => { window.scrollTo(0, %d); return true; }`, offset)
}

const nudgeScript = `() => {
	window.dispatchEvent(new Event('scroll'));
	window.dispatchEvent(new Event('resize'));
	document.dispatchEvent(new MouseEvent('mousemove', {bubbles: true, clientX: 20, clientY: 20}));
	return true;
}`

const aliveScript = `() => 1 + 1`

func scanScript(selector string) string {
	quoted, _ := json.Marshal(selector)
	return fmt.Sprintf(`() => {
	const text = (el) => (el && el.innerText ? el.innerText.trim() : '');
	const out = [];
	for (const el of document.querySelectorAll(%s)) {
		const r = el.getBoundingClientRect();
		if (r.width === 0 || r.height === 0) continue;
		const img = el.querySelector('img[src]');
		const link = el.querySelector('a[href]');
		out.push({
			advertiser: text(el.querySelector('[data-advertiser], [rel="author"], strong')),
			headline: text(el.querySelector('[data-headline], h1, h2, h3, h4')),
			body: text(el).slice(0, 2000),
			image_url: img ? img.src : '',
			link_url: link ? link.href : '',
			box: {x: r.left + window.scrollX, y: r.top + window.scrollY, width: r.width, height: r.height}
		});
	}
	return JSON.stringify(out);
}`, quoted)
}

func invoke(fn string) string {
	return "(" + fn + ")()"
}

func decodeScroll(raw string) (harvest.ScrollState, error) {
	var st harvest.ScrollState
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return harvest.ScrollState{}, fmt.Errorf("decode scroll state: %w", err)
	}
	return st, nil
}

type candidate struct {
	Advertiser string      `json:"advertiser"`
	Headline   string      `json:"headline"`
	Body       string      `json:"body"`
	ImageURL   string      `json:"image_url"`
	LinkURL    string      `json:"link_url"`
	Box        harvest.Box `json:"box"`
}

// decodeCandidates turns the scan payload into records stamped with now.
// Candidates without any text are dropped.
func decodeCandidates(raw string, now time.Time) ([]harvest.Record, error) {
	var cands []candidate
	if err := json.Unmarshal([]byte(raw), &cands); err != nil {
		return nil, fmt.Errorf("decode scan result: %w", err)
	}
	out := make([]harvest.Record, 0, len(cands))
	for _, c := range cands {
		if strings.TrimSpace(c.Advertiser+c.Headline+c.Body) == "" {
			continue
		}
		out = append(out, harvest.Record{
			Advertiser: c.Advertiser,
			Headline:   c.Headline,
			Body:       c.Body,
			ImageURL:   c.ImageURL,
			LinkURL:    c.LinkURL,
			Box:        c.Box,
			CapturedAt: now,
		})
	}
	return out, nil
}
