// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"strings"
)

const (
	// UnknownRequest is the summary used when the first header line cannot be parsed.
	UnknownRequest = "Unknown Request"

	// DefaultProtocol is reported when the request line carries no version.
	DefaultProtocol = "HTTP"

	// URLHeader lets the engine name the request URL a response belongs to.
	URLHeader = "X-Intercept-URL"
)

// RequestLine holds the fields read from the first header line.
type RequestLine struct {
	Method   string
	URL      string
	Protocol string
}

// ParseRequestLine reads method, URL and protocol from the first header
// line. It reports false when the line has fewer than two tokens.
func ParseRequestLine(headers string) (RequestLine, bool) {
	parts := strings.Split(firstLine(headers), " ")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return RequestLine{}, false
	}

	rl := RequestLine{
		Method:   parts[0],
		URL:      parts[1],
		Protocol: DefaultProtocol,
	}
	if len(parts) > 2 && parts[2] != "" {
		rl.Protocol = parts[2]
	}
	return rl, true
}

// Host returns the value of the first Host header, or an empty string.
func Host(headers string) string {
	return headerValue(headers, "host")
}

// Summary returns "METHOD URL" for display in the pending list.
func Summary(content string) string {
	rl, ok := ParseRequestLine(content)
	if !ok {
		return UnknownRequest
	}
	return rl.Method + " " + rl.URL
}

// ResponseURL returns the URL a response should be correlated with. Engines
// that know it send it in the X-Intercept-URL header; otherwise the second
// token of the status line is used.
func ResponseURL(headers string) string {
	if u := headerValue(headers, strings.ToLower(URLHeader)); u != "" {
		return u
	}
	parts := strings.Split(firstLine(headers), " ")
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}

func firstLine(text string) string {
	line, _, _ := strings.Cut(text, "\n")
	return strings.TrimSpace(line)
}

func headerValue(headers, name string) string {
	prefix := name + ":"
	for _, line := range strings.Split(headers, "\n") {
		line = strings.TrimSpace(line)
		if len(line) < len(prefix) || !strings.EqualFold(line[:len(prefix)], prefix) {
			continue
		}
		return strings.TrimSpace(line[len(prefix):])
	}
	return ""
}
