package headless

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/JakeFAU/crawl-frontier/internal/crawler"
)

type cannedProtocol struct {
	out   crawler.ProtocolOutput
	calls atomic.Int32
}

func (p *cannedProtocol) Fetch(context.Context, *crawler.Record) crawler.ProtocolOutput {
	p.calls.Add(1)
	return p.out
}

func page(body string) crawler.ProtocolOutput {
	return crawler.ProtocolOutput{Content: []byte(body), ContentType: "text/html", Status: crawler.StatusSuccess()}
}

func TestDetectorNeedsBrowser(t *testing.T) {
	t.Parallel()

	d := NewDetector(1000)
	tests := []struct {
		name string
		out  crawler.ProtocolOutput
		want bool
	}{
		{name: "empty body", out: page(""), want: true},
		{name: "app shell marker", out: page(`<div id="__next"></div>`), want: true},
		{name: "script heavy", out: page(`<html><script>var a=1;</script><p>t</p></html>`), want: true},
		{name: "unterminated script", out: page(`<p>x</p><script>for(;;){}`), want: true},
		{name: "plain article", out: page("<html><body>" + strings.Repeat("<p>text</p>", 200) + "</body></html>"), want: false},
		{name: "not found", out: crawler.ProtocolOutput{Status: crawler.StatusFailed(crawler.CodeNotFound)}, want: false},
		{name: "not modified", out: crawler.ProtocolOutput{Status: crawler.StatusNotModified()}, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, d.NeedsBrowser(tt.out))
		})
	}
}

func TestNewDetectorDefaultThreshold(t *testing.T) {
	t.Parallel()

	assert.Equal(t, defaultThinBodyBytes, NewDetector(0).ThinBodyBytes)
}

func TestPromotingProtocol(t *testing.T) {
	t.Parallel()

	r := crawler.NewRecord("https://spa.test/")

	t.Run("static page stays native", func(t *testing.T) {
		t.Parallel()
		native := &cannedProtocol{out: page("<html><body>" + strings.Repeat("<p>x</p>", 400) + "</body></html>")}
		browser := &cannedProtocol{out: page("<html>rendered</html>")}
		out := NewPromoting(native, browser, nil, nil).Fetch(context.Background(), r)
		assert.Contains(t, string(out.Content), "<p>x</p>")
		assert.Zero(t, browser.calls.Load())
	})

	t.Run("app shell is rendered", func(t *testing.T) {
		t.Parallel()
		native := &cannedProtocol{out: page(`<div id="root"></div>`)}
		browser := &cannedProtocol{out: page("<html>rendered</html>")}
		out := NewPromoting(native, browser, nil, nil).Fetch(context.Background(), r)
		assert.Equal(t, "<html>rendered</html>", string(out.Content))
		assert.Equal(t, int32(1), browser.calls.Load())
	})

	t.Run("failed render keeps native output", func(t *testing.T) {
		t.Parallel()
		native := &cannedProtocol{out: page(`<div id="app"></div>`)}
		browser := &cannedProtocol{out: crawler.ProtocolOutput{Status: crawler.StatusFailed(crawler.CodeDriverTimeout)}}
		out := NewPromoting(native, browser, nil, nil).Fetch(context.Background(), r)
		assert.True(t, out.Status.IsSuccess())
		assert.Equal(t, `<div id="app"></div>`, string(out.Content))
	})

	t.Run("no browser configured", func(t *testing.T) {
		t.Parallel()
		native := &cannedProtocol{out: page("")}
		out := NewPromoting(native, nil, nil, nil).Fetch(context.Background(), r)
		assert.True(t, out.Status.IsSuccess())
	})
}
