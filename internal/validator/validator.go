// Package validator implements the Domain Validator (§4.C): a zero-I/O
// pattern stage followed by an optional bounded-timeout DNS/TLS pre-filter.
package validator

import (
	"context"
	"crypto/tls"
	"net"
	"net/url"
	"time"

	"github.com/prebidscan/crawler/internal/classify"
	"github.com/prebidscan/crawler/internal/urlutil"
)

// Options configures the validator's optional network stage.
type Options struct {
	// DNSCheck enables hostname resolution pre-filtering.
	DNSCheck bool
	// TLSCheck additionally performs a TLS handshake for https:// URLs.
	TLSCheck bool
	Timeout  time.Duration
}

// Validator runs the pattern stage synchronously and the DNS/TLS stage,
// when enabled, with a bounded per-URL timeout.
type Validator struct {
	opts Options
}

// New constructs a Validator. A zero Timeout defaults to 5s per the spec.
func New(opts Options) *Validator {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}

	return &Validator{opts: opts}
}

// Verdict is the outcome of validating one URL.
type Verdict struct {
	Valid bool
	Code  string
}

// ValidatePattern runs only the zero-I/O stage.
func (v *Validator) ValidatePattern(rawURL string) Verdict {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return Verdict{Valid: false, Code: classify.CodeUnknown}
	}

	if !urlutil.ValidHostname(parsed.Hostname()) {
		return Verdict{Valid: false, Code: classify.CodeUnknown}
	}

	return Verdict{Valid: true}
}

// Validate runs the pattern stage and, if enabled, the DNS/TLS stage.
func (v *Validator) Validate(ctx context.Context, rawURL string) Verdict {
	verdict := v.ValidatePattern(rawURL)
	if !verdict.Valid || !v.opts.DNSCheck {
		return verdict
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return Verdict{Valid: false, Code: classify.CodeUnknown}
	}

	ctx, cancel := context.WithTimeout(ctx, v.opts.Timeout)
	defer cancel()

	if _, err := net.DefaultResolver.LookupHost(ctx, parsed.Hostname()); err != nil {
		return Verdict{Valid: false, Code: classify.CodeDNSResolutionFailed}
	}

	if v.opts.TLSCheck && parsed.Scheme == "https" {
		if err := probeTLS(ctx, parsed.Hostname()); err != nil {
			return Verdict{Valid: false, Code: classify.CodeInvalidCertificateAuth}
		}
	}

	return Verdict{Valid: true}
}

func probeTLS(ctx context.Context, host string) error {
	dialer := &tls.Dialer{NetDialer: &net.Dialer{}}

	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, "443"))
	if err != nil {
		return err
	}

	return conn.Close()
}
