// Copyright 2024-2026 Aiku AI

package connector

import (
	"go.mau.fi/util/exsync"
)

// EchoLedger holds the IDs of direct messages a session sent that have not
// come back through the webhook yet.
type EchoLedger struct {
	pending *exsync.Set[string]
}

// NewEchoLedger creates an empty ledger.
func NewEchoLedger() *EchoLedger {
	return &EchoLedger{pending: exsync.NewSet[string]()}
}

// Add records an acknowledged outbound event ID.
func (l *EchoLedger) Add(eventID string) {
	l.pending.Add(eventID)
}

// Consume removes eventID and reports whether it was pending. Each entry
// suppresses exactly one echo.
func (l *EchoLedger) Consume(eventID string) bool {
	return l.pending.Pop(eventID)
}

// Len returns the number of echoes still expected.
func (l *EchoLedger) Len() int {
	return l.pending.Size()
}
