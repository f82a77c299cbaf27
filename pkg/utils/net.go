package utils

import (
	"net"
	"strings"
)

// RFC 6066 §3 (https://www.rfc-editor.org/rfc/rfc6066)
// - DNS names only
// - No ports
// - No literal IPs
// - Not empty (you can omit the extension, but then there's no identity to verify against)
func ServerNameConformant(sn string) bool {
	if sn == "" {
		return false
	}
	// No IPs
	if ip := net.ParseIP(strings.Trim(sn, "[]")); ip != nil {
		return false
	}
	// No ports
	if _, _, err := net.SplitHostPort(sn); err == nil {
		return false
	}
	// "HostName" is "represented as a byte string using ASCII encoding without a trailing dot"
	if strings.HasSuffix(sn, ".") {
		return false
	}
	for i := 0; i < len(sn); i++ {
		if sn[i] >= 0x80 || sn[i] <= ' ' {
			return false
		}
	}
	return true
}
