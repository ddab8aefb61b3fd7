// Package ssrf implements the SSRF-safe URL validator used by every
// outbound request the APISecurityPipeline makes (spec §4.4, §5 "the SSRF
// URL validator is a pure, stateless function apart from its
// configuration").
package ssrf

import (
	"context"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/scanforge/socscan/internal/apperr"
)

// Config controls scheme/port/host admissibility (spec §6 "ssrf.*").
type Config struct {
	AllowedSchemes  []string
	AllowedPorts    []int
	HostDenylist    []string
	ResolverTimeout time.Duration
}

// DefaultConfig matches spec.md §6's defaults.
func DefaultConfig() Config {
	return Config{
		AllowedSchemes:  []string{"http", "https"},
		AllowedPorts:    []int{80, 443, 8080, 8443},
		ResolverTimeout: 3 * time.Second,
	}
}

func defaultPort(scheme string) int {
	switch scheme {
	case "https":
		return 443
	default:
		return 80
	}
}

func contains(list []string, needle string) bool {
	for _, v := range list {
		if strings.EqualFold(v, needle) {
			return true
		}
	}
	return false
}

func containsPort(list []int, p int) bool {
	if len(list) == 0 {
		return true
	}
	for _, v := range list {
		if v == p {
			return true
		}
	}
	return false
}

func denylisted(host string, denylist []string) bool {
	host = strings.ToLower(host)
	for _, entry := range denylist {
		entry = strings.ToLower(strings.TrimSpace(entry))
		if entry == "" {
			continue
		}
		if host == entry || strings.HasSuffix(host, "."+entry) {
			return true
		}
	}
	return false
}

// reservedAddress reports whether ip falls in a range that must never be
// reachable from an SSRF-safe outbound request.
func reservedAddress(ip net.IP) bool {
	switch {
	case ip.IsLoopback(), ip.IsPrivate(), ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
		return true
	case ip.IsUnspecified():
		return true
	case ip.IsMulticast():
		return true
	}
	return false
}

// Resolver abstracts DNS resolution so tests can stub it without touching
// the network.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// Validate parses rawURL and verifies it is admissible under cfg: allowed
// scheme, allowed port, not host-denylisted, and -- critically -- every
// address the host resolves to must be re-checked against the reserved
// ranges, not just the literal host string (spec §4.4: "rechecks the
// resolved address, not just the literal host").
func Validate(ctx context.Context, resolver Resolver, rawURL string, cfg Config) (*url.URL, error) {
	if len(cfg.AllowedSchemes) == 0 {
		cfg = mergeDefaults(cfg)
	}

	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || parsed.Host == "" {
		return nil, apperr.New(apperr.CodeInvalidTarget, "malformed URL").WithDetail("url", rawURL)
	}
	if !contains(cfg.AllowedSchemes, parsed.Scheme) {
		return nil, apperr.New(apperr.CodeInvalidTarget, "scheme not allowed").WithDetail("scheme", parsed.Scheme)
	}

	host := parsed.Hostname()
	if host == "" {
		return nil, apperr.New(apperr.CodeInvalidTarget, "missing host")
	}
	if denylisted(host, cfg.HostDenylist) {
		return nil, apperr.New(apperr.CodeInvalidTarget, "host is deny-listed").WithDetail("host", host)
	}

	port := defaultPort(parsed.Scheme)
	if p := parsed.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, apperr.New(apperr.CodeInvalidTarget, "invalid port").WithDetail("port", p)
		}
		port = n
	}
	if !containsPort(cfg.AllowedPorts, port) {
		return nil, apperr.New(apperr.CodeInvalidTarget, "port not allowed").WithDetail("port", port)
	}

	if literalIP := net.ParseIP(host); literalIP != nil {
		if reservedAddress(literalIP) {
			return nil, apperr.New(apperr.CodeInvalidTarget, "target address is in a reserved range").WithDetail("address", literalIP.String())
		}
		return parsed, nil
	}

	timeout := cfg.ResolverTimeout
	if timeout <= 0 {
		timeout = DefaultConfig().ResolverTimeout
	}
	resolveCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if resolver == nil {
		resolver = net.DefaultResolver
	}
	addrs, err := resolver.LookupIPAddr(resolveCtx, host)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInvalidTarget, "DNS resolution failed", err)
	}
	if len(addrs) == 0 {
		return nil, apperr.New(apperr.CodeInvalidTarget, "host did not resolve to any address")
	}
	for _, addr := range addrs {
		if reservedAddress(addr.IP) {
			return nil, apperr.New(apperr.CodeInvalidTarget, "resolved address is in a reserved range").
				WithDetail("host", host).WithDetail("address", addr.IP.String())
		}
	}

	return parsed, nil
}

func mergeDefaults(cfg Config) Config {
	d := DefaultConfig()
	if len(cfg.AllowedSchemes) == 0 {
		cfg.AllowedSchemes = d.AllowedSchemes
	}
	if cfg.ResolverTimeout <= 0 {
		cfg.ResolverTimeout = d.ResolverTimeout
	}
	return cfg
}
