package util

import (
	"errors"
	"net"
	"net/url"
	"strings"
)

// Redirect URI registration errors.
var (
	ErrRedirectURIEmpty    = errors.New("redirect URI is empty")
	ErrRedirectURIRelative = errors.New("redirect URI must be absolute")
	ErrRedirectURIFragment = errors.New("redirect URI must not contain a fragment")
	ErrRedirectURIInsecure = errors.New("redirect URI must use https unless it targets a loopback host")
	ErrRedirectURIWildcard = errors.New("redirect URI must not contain wildcards")
	ErrRedirectURIUserinfo = errors.New("redirect URI must not contain credentials")
)

// CheckRedirectURI validates a redirect URI at registration time. Matching
// at authorize time is exact string comparison and does not use this.
//
// Custom schemes (for native apps, e.g. "com.example.app:/cb") are allowed.
// http is allowed only for loopback hosts unless allowInsecure is set.
func CheckRedirectURI(raw string, allowInsecure bool) error {
	if raw == "" {
		return ErrRedirectURIEmpty
	}
	if strings.Contains(raw, "*") {
		return ErrRedirectURIWildcard
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if !u.IsAbs() {
		return ErrRedirectURIRelative
	}
	if u.Fragment != "" || strings.Contains(raw, "#") {
		return ErrRedirectURIFragment
	}
	if u.User != nil {
		return ErrRedirectURIUserinfo
	}

	switch strings.ToLower(u.Scheme) {
	case "https":
		if u.Host == "" {
			return ErrRedirectURIRelative
		}
	case "http":
		if u.Host == "" {
			return ErrRedirectURIRelative
		}
		if !allowInsecure && !IsLoopbackHostname(u.Hostname()) {
			return ErrRedirectURIInsecure
		}
	}
	return nil
}

// IsLoopbackHostname reports whether hostname (without port) is "localhost"
// or a loopback IP, including the whole 127.0.0.0/8 range and ::1.
func IsLoopbackHostname(hostname string) bool {
	if hostname == "localhost" {
		return true
	}
	hostname = strings.TrimSuffix(strings.TrimPrefix(hostname, "["), "]")
	if ip := net.ParseIP(hostname); ip != nil {
		return ip.IsLoopback()
	}
	return false
}
