package crawler

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"slices"
	"strings"
)

// ErrMalformedURL is returned for URLs without a scheme or host.
var ErrMalformedURL = errors.New("malformed url")

// ParseURL parses rawURL and requires an http(s) scheme and a host.
func ParseURL(rawURL string) (*url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrMalformedURL, u.Scheme)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("%w: missing host in %q", ErrMalformedURL, rawURL)
	}
	return u, nil
}

// HostOf returns the lowercase host of rawURL, or "" if it does not parse.
func HostOf(rawURL string) string {
	u, err := ParseURL(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

// ReverseURL builds the storage sort key for rawURL: the host labels are
// reversed so that pages of a domain sort together, for example
// "http://www.example.com:8080/a?b" becomes "com.example.www:http:8080/a?b".
func ReverseURL(rawURL string) (string, error) {
	u, err := ParseURL(rawURL)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	b.WriteString(reverseHost(strings.ToLower(u.Hostname())))
	b.WriteByte(':')
	b.WriteString(u.Scheme)
	if port := u.Port(); port != "" {
		b.WriteByte(':')
		b.WriteString(port)
	}
	b.WriteString(u.EscapedPath())
	if u.RawQuery != "" {
		b.WriteByte('?')
		b.WriteString(u.RawQuery)
	}
	return b.String(), nil
}

// UnreverseURL is the inverse of ReverseURL.
func UnreverseURL(key string) (string, error) {
	hostPart, rest, ok := strings.Cut(key, ":")
	if !ok || hostPart == "" {
		return "", fmt.Errorf("%w: bad reversed key %q", ErrMalformedURL, key)
	}
	scheme, tail := rest, ""
	if i := strings.IndexAny(rest, ":/?"); i >= 0 {
		scheme, tail = rest[:i], rest[i:]
	}
	if scheme == "" {
		return "", fmt.Errorf("%w: bad reversed key %q", ErrMalformedURL, key)
	}
	host := reverseHost(hostPart)
	if port, ok := strings.CutPrefix(tail, ":"); ok {
		tail = ""
		if j := strings.IndexAny(port, "/?"); j >= 0 {
			port, tail = port[:j], port[j:]
		}
		host = host + ":" + port
	}
	return scheme + "://" + host + tail, nil
}

// reverseHost reverses dotted host labels. IP literals are kept as they are.
func reverseHost(host string) string {
	if net.ParseIP(host) != nil {
		return host
	}
	labels := strings.Split(host, ".")
	slices.Reverse(labels)
	return strings.Join(labels, ".")
}
