// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	bkerrors "github.com/absmach/intercept/pkg/errors"
)

// Decision tokens written back on a control connection.
const (
	Forward         = "FORWARD"
	Drop            = "DROP"
	ForwardResponse = "FORWARD_RESPONSE"
	DropResponse    = "DROP_RESPONSE"
)

// Edit handshake tokens.
const (
	EditTag = "EDIT" + lfSeparator
	Ready   = "READY"
	OK      = "OK"

	// LengthFieldWidth is the fixed width of the edit length prefix.
	LengthFieldWidth = 10
)

// Intercept toggle commands.
const (
	InterceptOn  = "INTERCEPT_ON"
	InterceptOff = "INTERCEPT_OFF"
)

// ForwardToken returns the forward token for a frame kind.
func ForwardToken(k Kind) string {
	if k == Response {
		return ForwardResponse
	}
	return Forward
}

// DropToken returns the drop token for a frame kind.
func DropToken(k Kind) string {
	if k == Response {
		return DropResponse
	}
	return Drop
}

// InterceptCommand returns the toggle command for the given state.
func InterceptCommand(enabled bool) string {
	if enabled {
		return InterceptOn
	}
	return InterceptOff
}

// LengthField encodes n as decimal, left aligned and padded with trailing
// spaces to LengthFieldWidth bytes.
func LengthField(n int) (string, error) {
	digits := strconv.Itoa(n)
	if n < 0 || len(digits) > LengthFieldWidth {
		return "", fmt.Errorf("%w: %d bytes", bkerrors.ErrPayloadTooLarge, n)
	}
	return digits + strings.Repeat(" ", LengthFieldWidth-len(digits)), nil
}

// BuildEdit rebuilds an outbound message from operator-edited text.
// Header lines are rejoined with CRLF and separated from the body by a
// CRLF blank line.
func BuildEdit(text string) string {
	headers, body := SplitHeadersBody(text)
	headers = strings.ReplaceAll(Normalize(headers), "\n", "\r\n")
	return headers + crlfSeparator + body
}

// IsAck reports whether a peer reply matches the expected token, ignoring
// surrounding whitespace.
func IsAck(reply []byte, token string) bool {
	return strings.TrimSpace(string(reply)) == token
}

// EncodeBlocklist serializes the full domain set. An empty set encodes as
// an empty JSON array.
func EncodeBlocklist(domains []string) ([]byte, error) {
	if domains == nil {
		domains = []string{}
	}
	return json.Marshal(domains)
}
