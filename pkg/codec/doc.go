// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package codec parses and serializes the control-connection wire format
// spoken between the interception engine and the broker.
//
// # Inbound Frames
//
// The engine opens one connection per captured message and writes:
//
//	<TYPE>\n\n<headers>\r\n\r\n<body>
//
// where TYPE is REQUEST or RESPONSE. Decode splits the type tag from the
// content at the first blank line. SplitHeadersBody performs the second split
// inside the content. Anything the codec cannot make sense of degrades to a
// placeholder instead of an error: the engine is trusted but not infallible.
//
// # Decisions
//
// The broker answers on the same connection with one of the literal tokens
// FORWARD, DROP, FORWARD_RESPONSE or DROP_RESPONSE, or with the edit
// handshake:
//
//	broker → engine: EDIT\n\n
//	broker → engine: <length, left aligned, space padded to 10 bytes>
//	engine → broker: READY
//	broker → engine: <headers>\r\n\r\n<body>
//	engine → broker: OK
//
// # Engine Channels
//
// Intercept toggles are the single words INTERCEPT_ON and INTERCEPT_OFF.
// Blocklist pushes are the full domain set encoded as a JSON array.
//
// All functions in this package are pure and safe for concurrent use.
package codec
