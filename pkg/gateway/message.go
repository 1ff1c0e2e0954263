// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"github.com/absmach/intercept/pkg/history"
	"github.com/absmach/intercept/pkg/registry"
)

// Server to client message types.
const (
	TypeSnapshot        = "snapshot"
	TypePending         = "pending"
	TypeResponse        = "response"
	TypeHistoryAppended = "history_appended"
	TypeHistoryMatched  = "history_matched"
	TypeDecisionFailed  = "decision_failed"
	TypeIntercept       = "intercept"
	TypeBlocklist       = "blocklist"
	TypeResult          = "result"
	TypeError           = "error"
)

// Client to server command types.
const (
	CmdDecide              = "decide"
	CmdInspect             = "inspect"
	CmdToggleIntercept     = "toggle_intercept"
	CmdAddBlockedDomain    = "add_blocked_domain"
	CmdRemoveBlockedDomain = "remove_blocked_domain"
	CmdSnapshot            = "snapshot"
)

// Message is the envelope of every frame in both directions. ID echoes the
// command a result or error answers.
type Message struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
	Data any    `json:"data,omitempty"`
}

// Snapshot is the full operator state sent on connect and on request.
type Snapshot struct {
	Pending        []registry.Summary `json:"pending"`
	History        []history.Entry    `json:"history"`
	Intercepting   bool               `json:"intercepting"`
	BlockedDomains []string           `json:"blocked_domains"`
}

// HistoryMatch is the payload of history_matched.
type HistoryMatch struct {
	Index int           `json:"index"`
	Entry history.Entry `json:"entry"`
}

// InterceptState is the payload of intercept and toggle results.
type InterceptState struct {
	Enabled bool `json:"enabled"`
}

// ErrorData is the payload of error.
type ErrorData struct {
	Message string `json:"message"`
}
