package crawler

import (
	"net/url"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// ChooseRepr picks the representative URL between a redirect source and its
// destination:
//   - different registrable domains keep the destination;
//   - a permanent redirect keeps a root source, otherwise the destination;
//   - a temporary redirect keeps a root endpoint over a deep one, and between
//     two deep or two root URLs keeps the shorter path (same host) or the
//     shorter host.
func ChooseRepr(src, dst string, temp bool) string {
	srcURL, err := url.Parse(src)
	if err != nil {
		return dst
	}
	dstURL, err := url.Parse(dst)
	if err != nil {
		return dst
	}
	srcHost := strings.ToLower(srcURL.Hostname())
	dstHost := strings.ToLower(dstURL.Hostname())
	if RegistrableDomain(srcHost) != RegistrableDomain(dstHost) {
		return dst
	}

	srcFile, dstFile := fileOf(srcURL), fileOf(dstURL)
	srcRoot := srcFile == "" || srcFile == "/"
	dstRoot := dstFile == "" || dstFile == "/"

	if !temp {
		if srcRoot {
			return src
		}
		return dst
	}
	switch {
	case srcRoot && !dstRoot:
		return src
	case !srcRoot && dstRoot:
		return dst
	case !srcRoot && !dstRoot:
		if srcHost == dstHost {
			if len(dstFile) < len(srcFile) {
				return dst
			}
			return src
		}
		if len(dstHost) < len(srcHost) {
			return dst
		}
		return src
	default:
		if len(dstHost) < len(srcHost) {
			return dst
		}
		return src
	}
}

// RegistrableDomain returns the eTLD+1 of host, or host itself when it has
// no public suffix (localhost, IP literals).
func RegistrableDomain(host string) string {
	domain, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return host
	}
	return domain
}

func fileOf(u *url.URL) string {
	file := u.EscapedPath()
	if u.RawQuery != "" {
		file += "?" + u.RawQuery
	}
	return file
}
