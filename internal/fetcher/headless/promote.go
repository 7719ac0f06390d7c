package headless

import (
	"bytes"
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-frontier/internal/crawler"
	"github.com/JakeFAU/crawl-frontier/internal/metrics"
)

const defaultThinBodyBytes = 2048

// Detector decides whether a native fetch needs to be rendered in a browser.
type Detector struct {
	ThinBodyBytes int
}

// NewDetector returns a Detector. A zero threshold uses 2 KiB.
func NewDetector(thinBodyBytes int) *Detector {
	if thinBodyBytes <= 0 {
		thinBodyBytes = defaultThinBodyBytes
	}
	return &Detector{ThinBodyBytes: thinBodyBytes}
}

var appShellMarkers = [][]byte{
	[]byte("__next"),
	[]byte(`id="root"`),
	[]byte(`id="app"`),
	[]byte("data-reactroot"),
}

// NeedsBrowser reports whether out looks like a client-rendered app shell.
// Only plain 200 responses are considered.
func (d *Detector) NeedsBrowser(out crawler.ProtocolOutput) bool {
	if !out.Status.IsSuccess() || out.Status.Minor != crawler.CodeOK {
		return false
	}
	if len(out.Content) == 0 {
		return true
	}
	if len(out.Content) < d.ThinBodyBytes && scriptShare(out.Content) >= 25 {
		return true
	}
	for _, marker := range appShellMarkers {
		if bytes.Contains(out.Content, marker) {
			return true
		}
	}
	return false
}

// scriptShare returns the percentage of body bytes inside <script> elements.
// An unterminated element runs to the end of the body.
func scriptShare(body []byte) int {
	lower := bytes.ToLower(body)
	open, closing := []byte("<script"), []byte("</script>")
	covered := 0
	for pos := 0; pos < len(lower); {
		i := bytes.Index(lower[pos:], open)
		if i < 0 {
			break
		}
		start := pos + i
		end := len(lower)
		if j := bytes.Index(lower[start:], closing); j >= 0 {
			end = start + j + len(closing)
		}
		covered += end - start
		pos = end
	}
	if covered == 0 {
		return 0
	}
	return covered * 100 / len(lower)
}

// Promoting fetches natively and re-renders in the browser when the detector
// flags the result. A failed browser render keeps the native output.
type Promoting struct {
	native   crawler.Protocol
	browser  crawler.Protocol
	detector *Detector
	logger   *zap.Logger
}

// NewPromoting composes native and browser backends.
func NewPromoting(native, browser crawler.Protocol, detector *Detector, logger *zap.Logger) *Promoting {
	if detector == nil {
		detector = NewDetector(0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Promoting{native: native, browser: browser, detector: detector, logger: logger}
}

// Fetch implements crawler.Protocol.
func (p *Promoting) Fetch(ctx context.Context, r *crawler.Record) crawler.ProtocolOutput {
	out := p.native.Fetch(ctx, r)
	if p.browser == nil || !p.detector.NeedsBrowser(out) {
		return out
	}
	rendered := p.browser.Fetch(ctx, r)
	if !rendered.Status.IsSuccess() {
		p.logger.Info("browser render failed, keeping native output",
			zap.String("url", r.URL),
			zap.Stringer("status", rendered.Status),
		)
		metrics.ObservePromotion("failed")
		return out
	}
	metrics.ObservePromotion("rendered")
	return rendered
}
