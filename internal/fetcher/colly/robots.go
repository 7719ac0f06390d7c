package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/JakeFAU/crawl-frontier/internal/crawler"
	"github.com/JakeFAU/crawl-frontier/internal/metrics"
)

// argRobots is set on a fetch status when the host's robots.txt could not be
// read and the fetch went ahead as if everything were allowed.
const argRobots = "robots"

const (
	reasonTimeout      = "timeout"
	reasonTLSHandshake = "tls_handshake"

	allowAllRobots = "User-agent: *\nAllow: /\n"
)

var defaultRobotsBackoff = []time.Duration{
	250 * time.Millisecond,
	500 * time.Millisecond,
	time.Second,
}

// robotsGuard is the transport of a single fetch. Requests for /robots.txt
// that fail transiently are retried with backoff; when every attempt fails
// the guard answers with an allow-all document and remembers why.
type robotsGuard struct {
	next    http.RoundTripper
	backoff []time.Duration

	reason string
}

func newRobotsGuard(next http.RoundTripper) *robotsGuard {
	return &robotsGuard{next: next, backoff: defaultRobotsBackoff}
}

func (p *robotsGuard) RoundTrip(req *http.Request) (*http.Response, error) {
	if req == nil || req.URL == nil {
		return nil, errors.New("robots guard: nil request")
	}
	if !strings.EqualFold(req.URL.Path, "/robots.txt") {
		resp, err := p.next.RoundTrip(req)
		if err != nil {
			return nil, fmt.Errorf("roundtrip %s: %w", req.URL, err)
		}
		return resp, nil
	}
	return p.fetchRobots(req)
}

func (p *robotsGuard) fetchRobots(req *http.Request) (*http.Response, error) {
	var reason string
	for attempt := 0; attempt <= len(p.backoff); attempt++ {
		if attempt > 0 {
			if err := wait(req.Context(), p.backoff[attempt-1]); err != nil {
				return nil, err
			}
		}
		clone := req.Clone(req.Context())
		clone.Body = req.Body
		resp, err := p.next.RoundTrip(clone)
		if err == nil {
			return resp, nil
		}
		var ok bool
		if reason, ok = transientReason(err); !ok {
			return nil, fmt.Errorf("fetch robots.txt: %w", err)
		}
	}
	p.reason = reason
	metrics.ObserveRobotsFallback(p.reason)
	return allowAll(req), nil
}

// fellBack reports whether the guard substituted an allow-all robots.txt.
func (p *robotsGuard) fellBack() bool {
	return p != nil && p.reason != ""
}

func (p *robotsGuard) annotate(out *crawler.ProtocolOutput) {
	if out == nil || !p.fellBack() {
		return
	}
	out.Status = out.Status.WithArg(argRobots, p.reason)
}

func allowAll(req *http.Request) *http.Response {
	return &http.Response{
		StatusCode:    http.StatusOK,
		Status:        "200 OK",
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        http.Header{"Content-Type": []string{"text/plain"}},
		Body:          io.NopCloser(strings.NewReader(allowAllRobots)),
		ContentLength: int64(len(allowAllRobots)),
		Request:       req,
	}
}

func transientReason(err error) (string, bool) {
	if strings.Contains(err.Error(), "tls: handshake timeout") ||
		strings.Contains(err.Error(), "TLS handshake timeout") {
		return reasonTLSHandshake, true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return reasonTimeout, true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return reasonTimeout, true
	}
	return "", false
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("robots backoff: %w", ctx.Err())
	case <-t.C:
		return nil
	}
}
