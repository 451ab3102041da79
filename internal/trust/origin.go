package trust

import (
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/ricochet1k/beamlink/internal/domain"
)

// NormalizeOrigin validates scheme://host[:port] with scheme http or https and
// returns the lower-cased canonical form. Default ports are kept as given.
func NormalizeOrigin(origin string) (string, error) {
	origin = strings.TrimSpace(origin)
	if origin == "" {
		return "", domain.ValidationError("origin", "is required")
	}

	u, err := url.Parse(origin)
	if err != nil {
		return "", domain.ValidationError("origin", "%q is not a URL", origin)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", domain.ValidationError("origin", "%q must use http or https", origin)
	}
	if u.User != nil || (u.Path != "" && u.Path != "/") || u.RawQuery != "" || u.Fragment != "" || u.Opaque != "" {
		return "", domain.ValidationError("origin", "%q must be scheme://host[:port]", origin)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return "", domain.ValidationError("origin", "%q has no host", origin)
	}
	port := u.Port()
	if port != "" {
		n, err := strconv.Atoi(port)
		if err != nil || n <= 0 || n > 65535 {
			return "", domain.ValidationError("origin", "%q has an invalid port", origin)
		}
	}

	hostPart := host
	if strings.Contains(host, ":") {
		hostPart = "[" + host + "]"
	}
	if port != "" {
		return scheme + "://" + hostPart + ":" + port, nil
	}
	return scheme + "://" + hostPart, nil
}

type parsedOrigin struct {
	scheme string
	host   string
}

func parseOrigin(origin string) (parsedOrigin, bool) {
	norm, err := NormalizeOrigin(origin)
	if err != nil {
		return parsedOrigin{}, false
	}
	u, err := url.Parse(norm)
	if err != nil {
		return parsedOrigin{}, false
	}
	return parsedOrigin{scheme: u.Scheme, host: u.Hostname()}, true
}

// IsLoopback reports whether host names this machine.
func IsLoopback(host string) bool {
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// IsPrivateNetwork matches 10.*, 172.16-31.* and 192.168.* IPv4 hosts.
func IsPrivateNetwork(host string) bool {
	ip := net.ParseIP(host).To4()
	if ip == nil {
		return false
	}
	switch {
	case ip[0] == 10:
		return true
	case ip[0] == 172 && ip[1] >= 16 && ip[1] <= 31:
		return true
	case ip[0] == 192 && ip[1] == 168:
		return true
	default:
		return false
	}
}

// matchesWildcard reports whether an https origin sits strictly below suffix.
func matchesWildcard(p parsedOrigin, suffix string) bool {
	if suffix == "" || p.scheme != "https" {
		return false
	}
	suffix = strings.ToLower(suffix)
	if !strings.HasPrefix(suffix, ".") {
		suffix = "." + suffix
	}
	return strings.HasSuffix(p.host, suffix) && len(p.host) > len(suffix)
}
