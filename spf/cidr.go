package spf

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// splitHostAndDualCIDR splits a value that may look like
// "example.com/24//64" or "/24" (domain omitted).
func splitHostAndDualCIDR(s string) (host string, v4bits, v6bits int, err error) {
	host = s
	v4bits, v6bits = -1, -1
	if s == "" {
		return "", -1, -1, nil
	}

	// Special case: a domain name containing a colon (e.g. foo:bar/baz.example.com).
	// In that case assume no CIDR is present.
	// Find the position of the first colon.
	firstColon := strings.Index(s, ":")
	if firstColon != -1 {
		// Find the position of the last slash.
		lastSlash := strings.LastIndex(s, "/")
		// If the colon comes before the slash, assume this isn't a CIDR.
		// e.g. foo:bar/baz.example.com -> the whole thing is the host, no CIDR.
		// But even when lastSlash exists and firstColon < lastSlash,
		// check whether it can actually be interpreted as a CIDR.
		if lastSlash != -1 && firstColon < lastSlash {
			// A case like foo:bar/baz.example.com.
			// Extract the candidate CIDR part (baz.example.com).
			cidrCandidate := s[lastSlash+1:]
			// Check whether the candidate consists only of digits.
			if _, parseErr := strconv.Atoi(cidrCandidate); parseErr != nil {
				// Not numeric, so treat it as not a CIDR and return the whole host.
				host = s
				return host, v4bits, v6bits, nil
			}
			// Numeric: continue with normal CIDR parsing.
		} else {
			// Treat as having no CIDR.
			host = s
			return host, v4bits, v6bits, nil
		}
	}

	// Split on the last "//" to separate the host part from the CIDR part.
	// This correctly handles cases like "example.com//64".
	parts := strings.Split(s, "//")
	if len(parts) > 2 {
		// More than one "//" is an invalid format.
		return "", -1, -1, fmt.Errorf("invalid dual CIDR format")
	}

	// Initialize the host part and CIDR part.
	hostPart := s
	cidrPart := ""

	// Handle the case where "//" was present.
	if len(parts) == 2 {
		hostPart = parts[0]
		cidrPart = parts[1]

		// An empty CIDR part is an invalid format.
		if cidrPart == "" {
			return "", -1, -1, fmt.Errorf("invalid dual CIDR format: missing IPv6 CIDR")
		}

		// Parse the IPv6 CIDR.
		// Check for leading zeros in IPv6 CIDR
		if len(cidrPart) > 1 && cidrPart[0] == '0' {
			return "", -1, -1, fmt.Errorf("bad ipv6 bits: %q (leading zeros not allowed)", cidrPart)
		}

		n, e := strconv.Atoi(cidrPart)
		if e != nil || n < 0 || n > 128 {
			return "", -1, -1, fmt.Errorf("bad ipv6 bits: %q", cidrPart)
		}
		v6bits = n
	}

	// If the host part has a "/", an IPv4 CIDR may also be present.
	lastSlash := strings.LastIndex(hostPart, "/")
	if lastSlash == -1 {
		// No "/" means the host part is all there is.
		host = hostPart
		return host, v4bits, v6bits, nil
	}

	// Split into the host part and the IPv4 CIDR part.
	host = hostPart[:lastSlash]
	v4cidr := hostPart[lastSlash+1:]

	// An empty IPv4 CIDR part is an invalid format.
	if v4cidr == "" {
		return "", -1, -1, fmt.Errorf("invalid dual CIDR format: missing IPv4 CIDR")
	}

	// Parse the IPv4 CIDR.
	// Check for leading zeros in IPv4 CIDR
	if len(v4cidr) > 1 && v4cidr[0] == '0' {
		return "", -1, -1, fmt.Errorf("bad ipv4 bits: %q (leading zeros not allowed)", v4cidr)
	}

	n, e := strconv.Atoi(v4cidr)
	if e != nil || n < 0 || n > 32 {
		return "", -1, -1, fmt.Errorf("bad ipv4 bits: %q", v4cidr)
	}
	v4bits = n
	return host, v4bits, v6bits, nil
}

// parseCIDRDefault accepts "1.2.3.4" or "1.2.3.0/24" (also IPv6); when the
// mask is omitted it defaults to /32 or /128.
func parseCIDRDefault(s string, wantV4 bool) (net.IP, *net.IPNet, error) {
	if strings.Contains(s, "/") {
		parts := strings.Split(s, "/")
		if len(parts) != 2 {
			return nil, nil, fmt.Errorf("invalid CIDR format")
		}
		// Check for leading zeros in CIDR mask
		mask := parts[1]
		if len(mask) > 1 && mask[0] == '0' {
			return nil, nil, fmt.Errorf("invalid CIDR mask: %q (leading zeros not allowed)", mask)
		}
		ip, ipnet, err := net.ParseCIDR(s)
		if err != nil {
			return nil, nil, err
		}
		if wantV4 && ip.To4() == nil {
			return nil, nil, fmt.Errorf("expected IPv4")
		}
		if !wantV4 && ip.To4() != nil {
			// An IPv4-mapped IPv6 address is treated as an IPv6 network;
			// net.ParseCIDR should already have returned the correct IPNet.
			return ip, ipnet, nil
		}
		return ip, ipnet, nil
	}
	// For non-CIDR format, check if it's an IPv4-mapped IPv6 address
	if strings.Contains(s, ":") && strings.Contains(s, ".") {
		// This is likely an IPv4-mapped IPv6 address, which should not be accepted for wantV4=true
		if wantV4 {
			return nil, nil, fmt.Errorf("not an IPv4 address")
		}
		// For wantV4=false, IPv4-mapped IPv6 addresses are valid IPv6 addresses
		// and should be accepted for ip6 mechanism
		if !wantV4 {
			ip := net.ParseIP(s)
			if ip == nil {
				return nil, nil, fmt.Errorf("invalid ip %q", s)
			}
			// An IPv4-mapped IPv6 address is treated as an IPv6 address.
			return ip, &net.IPNet{IP: ip, Mask: net.CIDRMask(128, 128)}, nil
		}
	}
	ip := net.ParseIP(s)
	if ip == nil {
		return nil, nil, fmt.Errorf("invalid ip %q", s)
	}
	if wantV4 && ip.To4() == nil {
		return nil, nil, fmt.Errorf("expected IPv4")
	}
	if !wantV4 && ip.To4() != nil {
		// An IPv4 address used against an IPv6 mechanism could be seen as an
		// IPv4-mapped IPv6 address, but RFC 4408/7208 forbids IPv4-mapped
		// IPv6 addresses for IPv6 mechanisms, and a pure IPv4 address is
		// invalid there too; since net.ParseIP can turn an IPv4 address into
		// an IPv4-mapped IPv6 address, treat wantV4=false here as an error.
		return nil, nil, fmt.Errorf("expected IPv6")
	}
	var bits int
	if wantV4 {
		bits = 32
	} else {
		bits = 128
	}
	return ip, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)}, nil
}

func dualCIDRMatch(src net.IP, dst net.IP, v4bits, v6bits int) bool {
	if src == nil || dst == nil {
		return false
	}
	// IPv4 connection
	if src.To4() != nil {
		// For IPv4 connection, we only use v4bits
		bits := 32
		if v4bits >= 0 {
			if v4bits > 32 {
				return false
			}
			bits = v4bits
		}
		// If dst is IPv4, compare directly
		if dst.To4() != nil {
			return src.Mask(net.CIDRMask(bits, 32)).Equal(dst.Mask(net.CIDRMask(bits, 32)))
		}
		// If dst is IPv4-mapped IPv6, convert it to IPv4 and compare
		if ip4 := dst.To4(); ip4 != nil {
			return src.Mask(net.CIDRMask(bits, 32)).Equal(ip4.Mask(net.CIDRMask(bits, 32)))
		}
		// dst is pure IPv6, no match for IPv4 connection
		// This is the key fix: when src is IPv4 and dst is IPv6, it should not match
		// regardless of v6bits value
		return false
	}
	// IPv6 connection
	if src.To4() == nil {
		// For IPv6 connection, we only use v6bits
		bits := 128
		if v6bits >= 0 {
			if v6bits > 128 {
				return false
			}
			bits = v6bits
		}
		// If dst is IPv6, compare directly
		if dst.To4() == nil {
			return src.Mask(net.CIDRMask(bits, 128)).Equal(dst.Mask(net.CIDRMask(bits, 128)))
		}
		// If dst is IPv4-mapped IPv6, convert src to IPv4 and compare
		// But only if we're doing IPv4-style matching (which we're not in this branch)
		// For IPv6 connection with IPv4-mapped address, we should still use IPv6 CIDR
		// This is consistent with RFC 4408/7208
		return false
	}
	// Should not reach here
	return false
}
