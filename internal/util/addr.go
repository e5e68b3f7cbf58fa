// Package util provides common utility functions and constants used across
// the octovalve processes. This package is intentionally kept dependency-free
// (no imports from other internal/* packages) to serve as a shared foundation
// without introducing circular dependencies.
package util

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// ValidatePort checks that the port is in the valid TCP range (1-65535).
func ValidatePort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("port %d out of range (1-65535)", port)
	}
	return nil
}

// NormalizeAddr returns addr, or def when addr is empty or whitespace.
func NormalizeAddr(addr, def string) string {
	if strings.TrimSpace(addr) == "" {
		return def
	}
	return strings.TrimSpace(addr)
}

// JoinHostPort formats host:port, bracketing IPv6 literals.
func JoinHostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// SplitHostPort splits "host:port" into its parts, accepting bracketed IPv6
// hosts ("[::1]:8080") and bare "host:port" forms.
func SplitHostPort(addr string) (string, int, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "", 0, fmt.Errorf("address cannot be empty")
	}
	if strings.HasPrefix(addr, "[") {
		host, portStr, err := net.SplitHostPort(addr)
		if err != nil {
			return "", 0, err
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return "", 0, fmt.Errorf("invalid port in address %s: %w", addr, err)
		}
		if err := ValidatePort(port); err != nil {
			return "", 0, err
		}
		return host, port, nil
	}
	idx := strings.LastIndex(addr, ":")
	if idx <= 0 || idx == len(addr)-1 {
		return "", 0, fmt.Errorf("invalid address %s, expected host:port", addr)
	}
	port, err := strconv.Atoi(addr[idx+1:])
	if err != nil {
		return "", 0, fmt.Errorf("invalid port in address %s: %w", addr, err)
	}
	if err := ValidatePort(port); err != nil {
		return "", 0, err
	}
	return addr[:idx], port, nil
}

// ParseSSHDestination extracts the user and host from a "user@host" ssh
// destination. Returns ok=false when the value has no user part or is empty.
func ParseSSHDestination(value string) (user, host string, ok bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", "", false
	}
	idx := strings.LastIndex(value, "@")
	if idx <= 0 || idx == len(value)-1 {
		return "", "", false
	}
	return value[:idx], value[idx+1:], true
}

// SSHHost returns the host portion of an ssh destination, tolerating a
// missing user part.
func SSHHost(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	if idx := strings.LastIndex(value, "@"); idx >= 0 && idx < len(value)-1 {
		return value[idx+1:]
	}
	return value
}
