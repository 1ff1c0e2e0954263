// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"strings"
)

const (
	crlfSeparator = "\r\n\r\n"
	lfSeparator   = "\n\n"
)

// Kind is the type tag of an inbound frame.
type Kind int

const (
	// Unknown is any tag the broker does not recognize.
	Unknown Kind = iota

	// Request is a captured client request awaiting a decision.
	Request

	// Response is a captured upstream response.
	Response
)

// String returns the wire form of the kind.
func (k Kind) String() string {
	switch k {
	case Request:
		return "REQUEST"
	case Response:
		return "RESPONSE"
	default:
		return "UNKNOWN"
	}
}

// ParseKind maps a type tag to a Kind. Matching is exact, as the engine
// always sends the upper-case literal.
func ParseKind(tag string) Kind {
	switch strings.TrimSpace(tag) {
	case "REQUEST":
		return Request
	case "RESPONSE":
		return Response
	default:
		return Unknown
	}
}

// Frame is one decoded control-connection payload.
type Frame struct {
	Kind    Kind
	Tag     string
	Content string
}

// Decode splits a raw payload into its type tag and content.
// The tag ends at the earliest blank-line separator of either form. A
// payload without a separator is all tag and no content.
func Decode(raw []byte) Frame {
	data := string(raw)

	tag, content, found := cutFirstSeparator(data)
	if !found {
		tag = data
	}

	return Frame{
		Kind:    ParseKind(tag),
		Tag:     strings.TrimSpace(tag),
		Content: strings.TrimSpace(content),
	}
}

// Split returns the headers and body of the frame content.
func (f Frame) Split() (headers, body string) {
	return SplitHeadersBody(f.Content)
}

// SplitHeadersBody separates headers from body. The canonical CRLF blank
// line is preferred; a bare double line feed is the fallback. Without any
// separator the whole content is headers. Interior line endings are kept.
func SplitHeadersBody(content string) (headers, body string) {
	if h, b, ok := strings.Cut(content, crlfSeparator); ok {
		return strings.TrimSpace(h), strings.TrimSpace(b)
	}
	if h, b, ok := strings.Cut(content, lfSeparator); ok {
		return strings.TrimSpace(h), strings.TrimSpace(b)
	}
	return strings.TrimSpace(content), ""
}

// Normalize collapses every line ending to a single line feed and trims
// surrounding whitespace.
func Normalize(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	return strings.TrimSpace(text)
}

func cutFirstSeparator(data string) (before, after string, found bool) {
	crlf := strings.Index(data, crlfSeparator)
	lf := strings.Index(data, lfSeparator)

	switch {
	case crlf < 0 && lf < 0:
		return data, "", false
	case lf < 0 || (crlf >= 0 && crlf < lf):
		return data[:crlf], data[crlf+len(crlfSeparator):], true
	default:
		return data[:lf], data[lf+len(lfSeparator):], true
	}
}
