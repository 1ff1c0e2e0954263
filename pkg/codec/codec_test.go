// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"testing"

	bkerrors "github.com/absmach/intercept/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		kind    Kind
		content string
	}{
		{
			name:    "request with crlf body separator",
			raw:     "REQUEST\n\nGET /x HTTP/1.1\r\nHost: h\r\n\r\nbody",
			kind:    Request,
			content: "GET /x HTTP/1.1\r\nHost: h\r\n\r\nbody",
		},
		{
			name:    "response",
			raw:     "RESPONSE\n\nHTTP/1.1 200 OK\r\n\r\nhello",
			kind:    Response,
			content: "HTTP/1.1 200 OK\r\n\r\nhello",
		},
		{
			name:    "crlf type separator",
			raw:     "REQUEST\r\n\r\nGET / HTTP/1.1",
			kind:    Request,
			content: "GET / HTTP/1.1",
		},
		{
			name:    "unknown tag",
			raw:     "PING\n\nhello",
			kind:    Unknown,
			content: "hello",
		},
		{
			name: "no separator",
			raw:  "REQUEST",
			kind: Request,
		},
		{
			name: "empty payload",
			raw:  "",
			kind: Unknown,
		},
		{
			name:    "content is trimmed",
			raw:     "REQUEST\n\n  GET / HTTP/1.1\r\n\r\n",
			kind:    Request,
			content: "GET / HTTP/1.1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := Decode([]byte(tt.raw))
			assert.Equal(t, tt.kind, f.Kind)
			assert.Equal(t, tt.content, f.Content)
		})
	}
}

func TestDecodeSplitRoundTrip(t *testing.T) {
	f := Decode([]byte("REQUEST\n\nGET /x HTTP/1.1\r\nHost: h\r\n\r\nbody"))
	require.Equal(t, Request, f.Kind)

	headers, body := f.Split()
	assert.Equal(t, "GET /x HTTP/1.1\r\nHost: h", headers)
	assert.Equal(t, "body", body)
}

func TestSplitHeadersBody(t *testing.T) {
	tests := []struct {
		name    string
		content string
		headers string
		body    string
	}{
		{"crlf preferred", "A\nB\n\nC\r\n\r\nD", "A\nB\n\nC", "D"},
		{"lf fallback", "A\nB\n\nbody", "A\nB", "body"},
		{"headers only", "GET / HTTP/1.1\r\nHost: x", "GET / HTTP/1.1\r\nHost: x", ""},
		{"empty", "", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, b := SplitHeadersBody(tt.content)
			assert.Equal(t, tt.headers, h)
			assert.Equal(t, tt.body, b)
		})
	}
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "a\nb\nc", Normalize("  a\r\nb\rc\n\n"))
}

func TestParseRequestLine(t *testing.T) {
	rl, ok := ParseRequestLine("POST /api HTTP/2\r\nHost: example.com")
	require.True(t, ok)
	assert.Equal(t, RequestLine{Method: "POST", URL: "/api", Protocol: "HTTP/2"}, rl)

	rl, ok = ParseRequestLine("GET /only")
	require.True(t, ok)
	assert.Equal(t, DefaultProtocol, rl.Protocol)

	_, ok = ParseRequestLine("garbage")
	assert.False(t, ok)

	_, ok = ParseRequestLine("")
	assert.False(t, ok)
}

func TestHost(t *testing.T) {
	assert.Equal(t, "example.com", Host("GET / HTTP/1.1\r\nHOST: example.com\r\nHost: other"))
	assert.Equal(t, "", Host("GET / HTTP/1.1\r\nAccept: */*"))
	assert.Equal(t, "", Host("GET / HTTP/1.1\r\nHostname: nope"))
}

func TestSummary(t *testing.T) {
	assert.Equal(t, "GET /x", Summary("GET /x HTTP/1.1\r\nHost: h\r\n\r\nbody"))
	assert.Equal(t, UnknownRequest, Summary("nonsense"))
	assert.Equal(t, UnknownRequest, Summary(""))
}

func TestResponseURL(t *testing.T) {
	assert.Equal(t, "/a", ResponseURL("HTTP/1.1 200 OK\r\nX-Intercept-URL: /a"))
	assert.Equal(t, "200", ResponseURL("HTTP/1.1 200 OK\r\nContent-Type: text/plain"))
	assert.Equal(t, "", ResponseURL("HTTP/1.1"))
}

func TestLengthField(t *testing.T) {
	field, err := LengthField(42)
	require.NoError(t, err)
	assert.Equal(t, "42        ", field)
	assert.Len(t, field, LengthFieldWidth)

	field, err = LengthField(0)
	require.NoError(t, err)
	assert.Equal(t, "0         ", field)

	_, err = LengthField(12345678901)
	assert.ErrorIs(t, err, bkerrors.ErrPayloadTooLarge)
}

func TestBuildEdit(t *testing.T) {
	got := BuildEdit("GET /y HTTP/1.1\nHost: h\n\nnew body")
	assert.Equal(t, "GET /y HTTP/1.1\r\nHost: h\r\n\r\nnew body", got)

	canonical := "GET /y HTTP/1.1\r\nHost: h\r\n\r\nb"
	assert.Equal(t, canonical, BuildEdit(canonical))

	assert.Equal(t, "GET / HTTP/1.1\r\n\r\n", BuildEdit("GET / HTTP/1.1"))
}

func TestTokens(t *testing.T) {
	assert.Equal(t, Forward, ForwardToken(Request))
	assert.Equal(t, ForwardResponse, ForwardToken(Response))
	assert.Equal(t, Drop, DropToken(Request))
	assert.Equal(t, DropResponse, DropToken(Response))
	assert.Equal(t, InterceptOn, InterceptCommand(true))
	assert.Equal(t, InterceptOff, InterceptCommand(false))
	assert.True(t, IsAck([]byte("READY\n"), Ready))
	assert.False(t, IsAck([]byte("NOPE"), Ready))
}

func TestEncodeBlocklist(t *testing.T) {
	b, err := EncodeBlocklist(nil)
	require.NoError(t, err)
	assert.Equal(t, "[]", string(b))

	b, err = EncodeBlocklist([]string{"a.com", "b.org"})
	require.NoError(t, err)
	assert.JSONEq(t, `["a.com","b.org"]`, string(b))
}
