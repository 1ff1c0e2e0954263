// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package broker sits between the interception engine and the operator.
//
// # Overview
//
// The engine opens one control connection per captured message. The broker
// classifies it, queues requests until the operator decides and writes the
// decision back on the same connection. Responses are correlated into the
// history and, unless response review is enabled, acknowledged at once.
//
// # Connection States
//
//	AwaitingType ──REQUEST──▶ Queued ──Decide──▶ Decided ──▶ Closed
//	     │                      │
//	     ├──RESPONSE──▶ Delivered (or Queued in review mode)
//	     │                      │
//	     └──unknown─────────────┴──peer close / shutdown──▶ Closed
//
// A queued connection waits without a deadline. It leaves the queue in
// exactly one of three ways: a decision, the engine closing it, or broker
// shutdown. Each non-decision exit, and each decision that fails after the
// entry was removed, produces a single OnDecisionFailed.
//
// # Decisions
//
// Decide removes the entry from the registry before writing anything, so
// concurrent decisions on one identifier cannot both reach the socket.
// Forward and drop write a single token. Edit runs a handshake:
//
//	broker: EDIT\n\n
//	broker: <length, 10 bytes, left aligned, space padded>
//	engine: READY
//	broker: <headers>\r\n\r\n<body>
//	engine: OK
//
// Each acknowledgement read is bounded by AckTimeout. Any other token is a
// protocol violation and the payload is never written.
//
// # Engine Channels
//
// Toggle flips and blocklist changes are pushed over the Engine interface,
// one connection per push. Push failures are logged and never undo the
// local change.
package broker
