package crawler

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
)

// DefaultExpires is how long fetched content is considered fresh.
const DefaultExpires = 24 * time.Hour

// LoadOptions are the per-call directives for a load. They are passed by
// value so a nested load never shares state with its caller.
type LoadOptions struct {
	Expires        time.Duration
	RetryFailed    bool
	NoRedirect     bool
	HardRedirect   bool
	Parse          bool
	ReparseLinks   bool
	NoLinkFilter   bool
	ForceFollow    bool
	Query          string
	Persist        bool
	LazyFlush      bool
	StoreFailed    bool
	PreferParallel bool
	RequireSize    int64
	FetchMode      FetchMode
}

// DefaultLoadOptions returns the options used when a caller passes none.
func DefaultLoadOptions() LoadOptions {
	return LoadOptions{
		Expires:   DefaultExpires,
		Persist:   true,
		FetchMode: FetchModeNative,
	}
}

// ParseLoadOptions parses a directive string such as
// `--expires 1d --parse --query "div.links"` on top of the defaults.
func ParseLoadOptions(args string) (LoadOptions, error) {
	opts := DefaultLoadOptions()
	fields, err := splitArgs(args)
	if err != nil {
		return LoadOptions{}, err
	}
	if err := opts.flagSet().Parse(fields); err != nil {
		return LoadOptions{}, fmt.Errorf("parse load options: %w", err)
	}
	return opts, nil
}

// ParseRequest returns the parser directives carried by the options.
func (o LoadOptions) ParseRequest() ParseRequest {
	return ParseRequest{
		Query:        o.Query,
		ReparseLinks: o.ReparseLinks,
		NoLinkFilter: o.NoLinkFilter,
		ForceFollow:  o.ForceFollow,
	}
}

func (o *LoadOptions) flagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet("load", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.Var((*daysDuration)(&o.Expires), "expires", "content freshness window, e.g. 1d or 36h")
	fs.BoolVar(&o.RetryFailed, "retry-failed", o.RetryFailed, "refetch records whose last attempt failed")
	fs.BoolVar(&o.NoRedirect, "no-redirect", o.NoRedirect, "do not chase temporary redirects")
	fs.BoolVar(&o.HardRedirect, "hard-redirect", o.HardRedirect, "replace the record with the redirect target")
	fs.BoolVar(&o.Parse, "parse", o.Parse, "parse fetched content")
	fs.BoolVar(&o.ReparseLinks, "reparse-links", o.ReparseLinks, "extract links even if already parsed")
	fs.BoolVar(&o.NoLinkFilter, "no-link-filter", o.NoLinkFilter, "skip the url filter for extracted links")
	fs.BoolVar(&o.ForceFollow, "force-follow", o.ForceFollow, "follow rel=nofollow links")
	fs.StringVar(&o.Query, "query", o.Query, "css selector limiting link extraction")
	fs.BoolVar(&o.Persist, "persist", o.Persist, "persist the record after fetch")
	fs.BoolVar(&o.LazyFlush, "lazy-flush", o.LazyFlush, "do not flush the store after persist")
	fs.BoolVar(&o.StoreFailed, "store-failed", o.StoreFailed, "persist failed attempts too")
	fs.BoolVar(&o.PreferParallel, "parallel", o.PreferParallel, "fetch batch members in parallel")
	fs.Int64Var(&o.RequireSize, "require-size", o.RequireSize, "refetch content smaller than this many bytes")
	fs.Var((*fetchModeValue)(&o.FetchMode), "fetch-mode", "native or browser")
	return fs
}

// String renders the options that differ from the defaults, in a form
// ParseLoadOptions accepts.
func (o LoadOptions) String() string {
	def := DefaultLoadOptions()
	var parts []string
	if o.Expires != def.Expires {
		parts = append(parts, "--expires", (*daysDuration)(&o.Expires).String())
	}
	flags := []struct {
		name  string
		value bool
		def   bool
	}{
		{"retry-failed", o.RetryFailed, def.RetryFailed},
		{"no-redirect", o.NoRedirect, def.NoRedirect},
		{"hard-redirect", o.HardRedirect, def.HardRedirect},
		{"parse", o.Parse, def.Parse},
		{"reparse-links", o.ReparseLinks, def.ReparseLinks},
		{"no-link-filter", o.NoLinkFilter, def.NoLinkFilter},
		{"force-follow", o.ForceFollow, def.ForceFollow},
		{"persist", o.Persist, def.Persist},
		{"lazy-flush", o.LazyFlush, def.LazyFlush},
		{"store-failed", o.StoreFailed, def.StoreFailed},
		{"parallel", o.PreferParallel, def.PreferParallel},
	}
	for _, f := range flags {
		switch {
		case f.value == f.def:
		case f.value:
			parts = append(parts, "--"+f.name)
		default:
			parts = append(parts, "--"+f.name+"=false")
		}
	}
	if o.Query != "" {
		parts = append(parts, "--query", quoteArg(o.Query))
	}
	if o.RequireSize != def.RequireSize {
		parts = append(parts, "--require-size", strconv.FormatInt(o.RequireSize, 10))
	}
	if o.FetchMode != "" && o.FetchMode != def.FetchMode {
		parts = append(parts, "--fetch-mode", string(o.FetchMode))
	}
	return strings.Join(parts, " ")
}

// daysDuration is a time.Duration flag that also accepts a "d" suffix.
type daysDuration time.Duration

func (d *daysDuration) String() string {
	v := time.Duration(*d)
	if v > 0 && v%(24*time.Hour) == 0 {
		return strconv.FormatInt(int64(v/(24*time.Hour)), 10) + "d"
	}
	return v.String()
}

func (d *daysDuration) Set(s string) error {
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.ParseFloat(days, 64)
		if err != nil {
			return fmt.Errorf("parse days %q: %w", s, err)
		}
		*d = daysDuration(time.Duration(n * float64(24*time.Hour)))
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	*d = daysDuration(v)
	return nil
}

func (d *daysDuration) Type() string { return "duration" }

type fetchModeValue FetchMode

func (m *fetchModeValue) String() string { return string(*m) }

func (m *fetchModeValue) Set(s string) error {
	switch FetchMode(s) {
	case FetchModeNative, FetchModeBrowser:
		*m = fetchModeValue(s)
		return nil
	default:
		return fmt.Errorf("unknown fetch mode %q", s)
	}
}

func (m *fetchModeValue) Type() string { return "mode" }

func quoteArg(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`)
	return `"` + r.Replace(s) + `"`
}

// splitArgs splits on whitespace, keeping double-quoted sections together.
func splitArgs(s string) ([]string, error) {
	var (
		out     []string
		current strings.Builder
		quoted  bool
		started bool
	)
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '\\' && quoted && i+1 < len(s):
			i++
			current.WriteByte(s[i])
		case c == '"':
			quoted = !quoted
			started = true
		case !quoted && (c == ' ' || c == '\t' || c == '\n'):
			if started {
				out = append(out, current.String())
				current.Reset()
				started = false
			}
		default:
			current.WriteByte(c)
			started = true
		}
	}
	if quoted {
		return nil, fmt.Errorf("unterminated quote in %q", s)
	}
	if started {
		out = append(out, current.String())
	}
	return out, nil
}
