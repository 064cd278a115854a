// Package urlutil provides canonical-URL helpers shared by the ingest,
// validator and planner components and by cmd/scan.
package urlutil

import (
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/prebidscan/crawler/internal/xerrors"
)

// Range is a 1-based inclusive URL range, open-ended when End == 0.
type Range struct {
	Start int
	End   int
}

// ParseRange parses the "N-M" / "N-" CLI range syntax (§6).
func ParseRange(s string) (Range, error) {
	if s == "" {
		return Range{}, nil
	}

	parts := strings.SplitN(s, "-", 2)
	if len(parts) != 2 {
		return Range{}, fmt.Errorf("%w %q: expected N-M or N-", xerrors.ErrInvalidRange, s)
	}

	start, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil || start < 1 {
		return Range{}, fmt.Errorf("%w %q: bad start", xerrors.ErrInvalidRange, s)
	}

	end := 0

	if e := strings.TrimSpace(parts[1]); e != "" {
		end, err = strconv.Atoi(e)
		if err != nil || end < start {
			return Range{}, fmt.Errorf("%w %q: bad end", xerrors.ErrInvalidRange, s)
		}
	}

	return Range{Start: start, End: end}, nil
}

// Apply clamps and slices urls according to the range, 1-based inclusive.
// An out-of-bounds start yields an empty slice; an out-of-bounds end clamps
// to len(urls).
func (r Range) Apply(urls []string) []string {
	if r.Start == 0 {
		return urls
	}

	if r.Start > len(urls) {
		return nil
	}

	end := r.End
	if end == 0 || end > len(urls) {
		end = len(urls)
	}

	return urls[r.Start-1 : end]
}

// schemelessDomain matches bare domains such as "example.com" or
// "sub.example.co.uk" that arrive without a scheme.
var schemelessDomain = regexp.MustCompile(`^([a-zA-Z0-9_-]+\.)+[a-zA-Z]{2,}(/.*)?$`)

// placeholderHosts are obviously fake hosts that never resolve to a real site.
var placeholderHosts = []string{"localhost", "test", "example", "invalid"}

// Canonicalize trims whitespace and prepends https:// when no scheme is
// present. It returns "" for blank input.
func Canonicalize(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ""
	}

	if strings.Contains(s, "://") {
		return s
	}

	if schemelessDomain.MatchString(s) {
		return "https://" + s
	}

	return s
}

// LooksLikeURL reports whether s is an absolute http(s) URL.
func LooksLikeURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

// Dedup returns urls with duplicates removed, preserving first-seen order.
func Dedup(urls []string) []string {
	seen := make(map[string]struct{}, len(urls))
	out := make([]string, 0, len(urls))

	for _, u := range urls {
		if _, ok := seen[u]; ok {
			continue
		}

		seen[u] = struct{}{}

		out = append(out, u)
	}

	return out
}

// Hostname extracts the host portion of a canonical URL, or "" if it cannot
// be parsed.
func Hostname(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}

	return parsed.Hostname()
}

// ValidHostname applies the zero-I/O pattern stage from the domain validator:
// reject empty hostnames, hostnames over 255 characters, empty or
// over-length labels, bare RFC1918 IPs, and obvious placeholders.
func ValidHostname(host string) bool {
	if host == "" || len(host) > 255 {
		return false
	}

	if strings.Contains(host, "..") {
		return false
	}

	trimmed := strings.TrimSuffix(host, ".")
	if trimmed == "" {
		return false
	}

	labels := strings.Split(trimmed, ".")
	for _, l := range labels {
		if l == "" || len(l) > 63 {
			return false
		}
	}

	if ip := net.ParseIP(host); ip != nil {
		return !isPrivateIP(ip)
	}

	lower := strings.ToLower(labels[0])
	for _, ph := range placeholderHosts {
		if lower == ph {
			return false
		}
	}

	return true
}

func isPrivateIP(ip net.IP) bool {
	privateBlocks := []string{
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"127.0.0.0/8",
	}

	for _, block := range privateBlocks {
		_, cidr, err := net.ParseCIDR(block)
		if err != nil {
			continue
		}

		if cidr.Contains(ip) {
			return true
		}
	}

	return false
}
