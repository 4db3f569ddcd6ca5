// Package safety guards the bridge's outbound HTTP: configured endpoints
// are validated once at startup and response bodies are size-capped.
package safety

import (
	"fmt"
	"net/url"
	"strings"
)

const MaxURLLength = 2048

// ValidateEndpoint checks a configured base URL. Only absolute http(s)
// URLs without credentials, query or fragment are accepted.
func ValidateEndpoint(rawURL string) (*url.URL, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return nil, fmt.Errorf("url is required")
	}
	if len(rawURL) > MaxURLLength {
		return nil, fmt.Errorf("url exceeds maximum length %d", MaxURLLength)
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	if u.User != nil {
		return nil, fmt.Errorf("url credentials are not allowed")
	}
	host := strings.TrimSpace(u.Hostname())
	if host == "" {
		return nil, fmt.Errorf("url host is required")
	}
	if !isASCII(host) {
		return nil, fmt.Errorf("url host must be ascii")
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return nil, fmt.Errorf("url must not carry a query or fragment")
	}
	return u, nil
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] > 0x7f {
			return false
		}
	}
	return true
}
