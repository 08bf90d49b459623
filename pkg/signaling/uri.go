package signaling

import (
	"fmt"
	"maps"
	"net"
	"slices"
	"strconv"
	"strings"
)

// URI is a SIP-style address: scheme:[user@]host[:port][;param=value]...
type URI struct {
	Scheme string // "sip" or "sips"
	User   string
	Host   string
	Port   int // 0 when absent
	Params map[string]string
}

// ParseURI parses a SIP-style URI. Scheme and host are case-insensitive and
// returned lower-cased.
func ParseURI(s string) (URI, error) {
	s = strings.TrimSpace(s)
	scheme, rest, ok := strings.Cut(s, ":")
	if !ok {
		return URI{}, fmt.Errorf("%w: %q: missing scheme", ErrInvalidURI, s)
	}
	scheme = strings.ToLower(scheme)
	if scheme != "sip" && scheme != "sips" {
		return URI{}, fmt.Errorf("%w: %q: unsupported scheme %q", ErrInvalidURI, s, scheme)
	}
	u := URI{Scheme: scheme}

	addr, params, _ := strings.Cut(rest, ";")
	if params != "" {
		u.Params = make(map[string]string)
		for _, p := range strings.Split(params, ";") {
			k, v, _ := strings.Cut(p, "=")
			if k = strings.ToLower(strings.TrimSpace(k)); k == "" {
				return URI{}, fmt.Errorf("%w: %q: empty parameter", ErrInvalidURI, s)
			}
			u.Params[k] = v
		}
	}

	if i := strings.LastIndex(addr, "@"); i >= 0 {
		u.User = addr[:i]
		addr = addr[i+1:]
		if u.User == "" {
			return URI{}, fmt.Errorf("%w: %q: empty user", ErrInvalidURI, s)
		}
	}

	host := addr
	if strings.HasPrefix(addr, "[") || strings.Count(addr, ":") == 1 {
		if h, port, err := net.SplitHostPort(addr); err == nil {
			n, err := strconv.Atoi(port)
			if err != nil || n <= 0 || n > 65535 {
				return URI{}, fmt.Errorf("%w: %q: bad port %q", ErrInvalidURI, s, port)
			}
			host, u.Port = h, n
		} else if strings.HasPrefix(addr, "[") && strings.HasSuffix(addr, "]") {
			host = addr[1 : len(addr)-1]
		} else {
			return URI{}, fmt.Errorf("%w: %q: %v", ErrInvalidURI, s, err)
		}
	}
	if host == "" || strings.ContainsAny(host, " /?#") {
		return URI{}, fmt.Errorf("%w: %q: bad host", ErrInvalidURI, s)
	}
	u.Host = strings.ToLower(host)
	return u, nil
}

// ResolveURI parses s relative to self. A full sip: or sips: URI is parsed
// as is, user@host takes self's scheme, and a bare user name takes self's
// scheme, host and port.
func ResolveURI(self URI, s string) (URI, error) {
	s = strings.TrimSpace(s)
	lower := strings.ToLower(s)
	if strings.HasPrefix(lower, "sip:") || strings.HasPrefix(lower, "sips:") {
		return ParseURI(s)
	}
	scheme := self.Scheme
	if scheme == "" {
		scheme = "sip"
	}
	if strings.Contains(s, "@") {
		return ParseURI(scheme + ":" + s)
	}
	if s == "" || strings.ContainsAny(s, ":;/ ") {
		return URI{}, fmt.Errorf("%w: %q", ErrInvalidURI, s)
	}
	return URI{Scheme: scheme, User: s, Host: self.Host, Port: self.Port}, nil
}

// MustParseURI is like ParseURI but panics on error.
func MustParseURI(s string) URI {
	u, err := ParseURI(s)
	if err != nil {
		panic(err)
	}
	return u
}

// IsZero reports whether u is the zero URI.
func (u URI) IsZero() bool {
	return u.Scheme == "" && u.Host == ""
}

// HostPort returns host[:port], bracketing IPv6 hosts when a port is set.
func (u URI) HostPort() string {
	if u.Port == 0 {
		return u.Host
	}
	return net.JoinHostPort(u.Host, strconv.Itoa(u.Port))
}

// AOR returns the address of record, scheme:user@host, without port or
// parameters.
func (u URI) AOR() string {
	if u.User == "" {
		return u.Scheme + ":" + u.Host
	}
	return u.Scheme + ":" + u.User + "@" + u.Host
}

// String formats the URI. Parameters are written in key order.
func (u URI) String() string {
	if u.IsZero() {
		return ""
	}
	var b strings.Builder
	b.WriteString(u.Scheme)
	b.WriteByte(':')
	if u.User != "" {
		b.WriteString(u.User)
		b.WriteByte('@')
	}
	b.WriteString(u.HostPort())
	for _, k := range slices.Sorted(maps.Keys(u.Params)) {
		b.WriteByte(';')
		b.WriteString(k)
		if v := u.Params[k]; v != "" {
			b.WriteByte('=')
			b.WriteString(v)
		}
	}
	return b.String()
}
