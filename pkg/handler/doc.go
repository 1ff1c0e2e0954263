// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package handler defines the notification surface between the broker and
// whatever presents it to the operator.
//
// # Data Flow
//
//	Engine → Broker (classifies, queues) → Handler (notifies) → UI
//	UI → Broker.Decide → Engine
//
// The broker never imports a UI. It reports state changes through Handler
// and receives operator actions as plain method calls, so a websocket
// gateway, a log sink and a test recorder are interchangeable.
//
// # Handler Methods
//
//   - OnPendingListChanged: full ordered pending list after every change
//   - OnResponseReady: a captured response
//   - OnHistoryAppended, OnHistoryMatched: history log updates
//   - OnDecisionFailed: a pending message was lost, exactly once per id
//   - OnInterceptToggled, OnBlocklistChanged: operator state updates
//
// # Implementations
//
// NoopHandler drops every event. Logging writes every event to a slog
// logger. Multi fans events out to several handlers, which is how the
// binary attaches both the logging handler and the websocket gateway.
package handler
