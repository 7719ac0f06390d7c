package urlfilter

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/JakeFAU/crawl-frontier/internal/crawler"
)

// Rule is one ordered accept or reject pattern.
type Rule struct {
	Accept  bool
	Pattern *regexp.Regexp
}

// ParseRules compiles rules written as "+regex" (accept) or "-regex"
// (reject). Blank lines and lines starting with "#" are ignored.
func ParseRules(lines []string) ([]Rule, error) {
	rules := make([]Rule, 0, len(lines))
	for i, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		var accept bool
		switch line[0] {
		case '+':
			accept = true
		case '-':
		default:
			return nil, fmt.Errorf("rule %d: must start with + or -: %q", i+1, line)
		}
		re, err := regexp.Compile(line[1:])
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i+1, err)
		}
		rules = append(rules, Rule{Accept: accept, Pattern: re})
	}
	return rules, nil
}

// RuleFilterConfig configures a RuleFilter.
type RuleFilterConfig struct {
	Rules        []string
	BlockedHosts []string
	// DefaultAccept decides URLs no rule matches.
	DefaultAccept bool
}

// RuleFilter applies host blocking, then the first matching rule.
type RuleFilter struct {
	rules         []Rule
	blocked       *HostMatcher
	defaultAccept bool
}

// NewRuleFilter compiles cfg.
func NewRuleFilter(cfg RuleFilterConfig) (*RuleFilter, error) {
	rules, err := ParseRules(cfg.Rules)
	if err != nil {
		return nil, err
	}
	return &RuleFilter{
		rules:         rules,
		blocked:       NewHostMatcher(cfg.BlockedHosts),
		defaultAccept: cfg.DefaultAccept,
	}, nil
}

// Filter returns rawURL unchanged with ok set when the URL is accepted.
func (f *RuleFilter) Filter(rawURL string) (string, bool) {
	host := crawler.HostOf(rawURL)
	if host == "" || f.blocked.Contains(host) {
		return "", false
	}
	for _, rule := range f.rules {
		if rule.Pattern.MatchString(rawURL) {
			if !rule.Accept {
				return "", false
			}
			return rawURL, true
		}
	}
	if !f.defaultAccept {
		return "", false
	}
	return rawURL, true
}
