package server

import (
	"net"
	"strings"
)

// RouteKey extracts the tunnel label from an incoming Host header value.
// For Host = <label>.<zone> it returns <label>; for the apex zone itself,
// hosts outside the zone, or nested labels it returns "" so the caller can
// route to the status page. The port suffix is dropped and the result is
// lowercased.
func RouteKey(host, zone string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	if host == "" {
		return ""
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	zone = strings.ToLower(strings.TrimSpace(zone))
	if zone == "" || host == zone {
		return ""
	}
	label, ok := strings.CutSuffix(host, "."+zone)
	if !ok || label == "" || strings.Contains(label, ".") {
		return ""
	}
	return label
}
