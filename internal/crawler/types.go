package crawler

import "net/http"

// FrontierEntry is one selection made by a generation pass.
type FrontierEntry struct {
	URL         string
	ReversedKey string
	Record      *Record
}

// KeyRange is an inclusive range of reversed keys. Empty bounds are open.
type KeyRange struct {
	Start string `mapstructure:"start" json:"start,omitempty"`
	End   string `mapstructure:"end" json:"end,omitempty"`
}

// Contains reports whether key falls within the range.
func (r KeyRange) Contains(key string) bool {
	return !r.Before(key) && !r.After(key)
}

// Before reports a key that sorts ahead of Start.
func (r KeyRange) Before(key string) bool {
	return r.Start != "" && key < r.Start
}

// After reports a key that sorts past End.
func (r KeyRange) After(key string) bool {
	return r.End != "" && key > r.End
}

// ParseRequest carries the per-call parser directives.
type ParseRequest struct {
	Query        string
	ReparseLinks bool
	NoLinkFilter bool
	ForceFollow  bool
}

// ParseResult reports the outcome of link extraction.
type ParseResult struct {
	Links    []string
	NewLinks int
	Skipped  bool
	Reason   string
}

// ProtocolOutput is what a protocol backend returns for one attempt.
type ProtocolOutput struct {
	Content     []byte
	ContentType string
	Location    string
	Headers     http.Header
	Status      ProtocolStatus
}
