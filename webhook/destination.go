package webhook

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/c360/renderflow/errors"
)

// blockedNets are destination ranges that would let a webhook reach
// internal infrastructure. Covers loopback, RFC1918, link-local (which
// includes cloud metadata endpoints), CGN, and their IPv6 equivalents.
var blockedNets = func() []*net.IPNet {
	cidrs := []string{
		"127.0.0.0/8",
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"169.254.0.0/16",
		"100.64.0.0/10",
		"0.0.0.0/8",
		"::1/128",
		"fc00::/7",
		"fe80::/10",
	}
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic(fmt.Sprintf("webhook: bad blocked CIDR %q: %v", c, err))
		}
		nets = append(nets, n)
	}
	return nets
}()

// ValidateDestination screens a webhook URL before any network I/O.
// allowPrivate disables the address screening for development setups
// that deliver to localhost receivers; the scheme check always applies.
func ValidateDestination(rawURL string, allowPrivate bool) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return errors.WrapInvalid(errors.ErrInvalidDestination,
			"webhook", "ValidateDestination", fmt.Sprintf("unparseable URL %q", rawURL))
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.WrapInvalid(errors.ErrInvalidDestination,
			"webhook", "ValidateDestination",
			fmt.Sprintf("scheme %q not allowed, use http or https", u.Scheme))
	}

	host := u.Hostname()
	if host == "" {
		return errors.WrapInvalid(errors.ErrInvalidDestination,
			"webhook", "ValidateDestination", "destination has no host")
	}

	if allowPrivate {
		return nil
	}

	if strings.EqualFold(host, "localhost") || strings.HasSuffix(strings.ToLower(host), ".localhost") {
		return errors.WrapInvalid(errors.ErrInvalidDestination,
			"webhook", "ValidateDestination", "localhost destinations are not allowed")
	}

	// Literal IPs are screened directly; hostnames are screened again
	// after resolution by the dialer in Deliverer
	if ip := net.ParseIP(host); ip != nil {
		if err := screenIP(ip); err != nil {
			return err
		}
	}

	return nil
}

// screenIP rejects addresses inside any blocked range
func screenIP(ip net.IP) error {
	if ip.IsUnspecified() || ip.IsMulticast() {
		return errors.WrapInvalid(errors.ErrInvalidDestination,
			"webhook", "ValidateDestination", fmt.Sprintf("address %s is not routable", ip))
	}
	for _, n := range blockedNets {
		if n.Contains(ip) {
			return errors.WrapInvalid(errors.ErrInvalidDestination,
				"webhook", "ValidateDestination",
				fmt.Sprintf("address %s is in blocked range %s", ip, n))
		}
	}
	return nil
}
