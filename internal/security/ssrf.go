package security

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"github.com/johnhnguyen97/moxie-ai/internal/domain"
)

var blockedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("::1/128"),
	netip.MustParsePrefix("fc00::/7"),
	netip.MustParsePrefix("fe80::/10"),
}

// IsPrivateAddr reports whether addr is loopback, link-local or in a private range.
func IsPrivateAddr(addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, p := range blockedPrefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// CheckURL rejects non-http(s) URLs and hosts that resolve to private addresses.
func CheckURL(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return domain.NewDomainError("CheckURL", domain.ErrSSRFBlocked, "invalid URL: "+err.Error())
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return domain.NewDomainError("CheckURL", domain.ErrSSRFBlocked, fmt.Sprintf("scheme %q not allowed", u.Scheme))
	}
	host := u.Hostname()
	if host == "" {
		return domain.NewDomainError("CheckURL", domain.ErrSSRFBlocked, "empty hostname")
	}
	_, err = resolvePublic(ctx, host)
	return err
}

func resolvePublic(ctx context.Context, host string) ([]netip.Addr, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		if IsPrivateAddr(addr) {
			return nil, domain.NewDomainError("CheckURL", domain.ErrSSRFBlocked, fmt.Sprintf("address %s is private", addr))
		}
		return []netip.Addr{addr}, nil
	}
	addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return nil, domain.NewDomainError("CheckURL", domain.ErrSSRFBlocked, "lookup failed: "+err.Error())
	}
	if len(addrs) == 0 {
		return nil, domain.NewDomainError("CheckURL", domain.ErrSSRFBlocked, "no addresses for "+host)
	}
	for _, a := range addrs {
		if IsPrivateAddr(a) {
			return nil, domain.NewDomainError("CheckURL", domain.ErrSSRFBlocked,
				fmt.Sprintf("host %s resolves to private address %s", host, a))
		}
	}
	return addrs, nil
}

// NewPublicTransport returns a transport that resolves each host once at dial
// time, refuses private addresses and connects to the checked address, which
// closes the window for DNS rebinding between check and connect.
func NewPublicTransport() *http.Transport {
	dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
	return &http.Transport{
		Proxy: nil,
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, fmt.Errorf("split address: %w", err)
			}
			addrs, err := resolvePublic(ctx, host)
			if err != nil {
				return nil, err
			}
			return dialer.DialContext(ctx, network, net.JoinHostPort(addrs[0].String(), port))
		},
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		ExpectContinueTimeout: time.Second,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
	}
}
