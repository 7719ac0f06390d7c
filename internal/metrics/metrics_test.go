package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSanitizeSite(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Example.com/path", "example.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"just host", "example.com", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"ip address", "192.168.1.1", "192.168.1.1"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeSite(tc.input); got != tc.expected {
				t.Errorf("SanitizeSite(%q) = %q; want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestInit(t *testing.T) {
	// Call Init multiple times to test idempotency.
	Init()
	Init()

	if fetchesTotal == nil || fetchBytesTotal == nil || loadsTotal == nil ||
		httpRequestsTotal == nil || httpRequestDurationSeconds == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}
}

func TestObserveFetch(t *testing.T) {
	ObserveFetch("https://Observe.test/page", "fetched", 128)
	ObserveFetch("observe.test", "fetched", 0)

	if val := testutil.ToFloat64(fetchesTotal.WithLabelValues("observe.test", "fetched")); val != 2 {
		t.Errorf("Expected 2 fetches for observe.test, got %f", val)
	}
	if val := testutil.ToFloat64(fetchBytesTotal.WithLabelValues("observe.test")); val != 128 {
		t.Errorf("Expected 128 bytes for observe.test, got %f", val)
	}
}

func TestObserveLoad(t *testing.T) {
	ObserveLoad("expired")
	if val := testutil.ToFloat64(loadsTotal.WithLabelValues("expired")); val != 1 {
		t.Errorf("Expected one expired load, got %f", val)
	}
}

func TestRegisterIgnoresDuplicates(t *testing.T) {
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "metrics_register_test_total", Help: "test"})
	if err := Register(c); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := Register(c); err != nil {
		t.Fatalf("second Register() error = %v", err)
	}
}

// Fuzz test for SanitizeSite.
func FuzzSanitizeSite(f *testing.F) {
	testcases := []string{"http://example.com", "https://google.com", "ftp://example.com"}
	for _, tc := range testcases {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		sanitized := SanitizeSite(orig)
		if sanitized == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}
