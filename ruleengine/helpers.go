package ruleengine

import (
	"errors"
	"net"
	"os"
	"strings"
)

// ErrEmptyPath is returned when a file path is required but missing.
var ErrEmptyPath = errors.New("empty path")

// fileExists checks if a file exists and is readable.
func fileExists(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return false
	}
	return err == nil && !info.IsDir()
}

// appendCIDR - appends CIDR for a single IP
func appendCIDR(ip string) string {
	if strings.Contains(ip, "/") {
		return ip
	}
	// IPv4
	if strings.Count(ip, ":") < 2 {
		ip += "/32"
		// IPv6
	} else {
		ip += "/128"
	}
	return ip
}

// extractIP extracts the IP address from a remote address string.
func extractIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr // Assume the input is already an IP address
	}
	return host
}
