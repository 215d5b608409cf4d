// Package flow tracks named asynchronous operations with create-once,
// await-many semantics. An OAuth handshake is the canonical flow: one caller
// starts it, concurrent callers for the same (user, server) await the same
// outcome, and an HTTP callback resolves it from outside.
package flow

import (
	"errors"
	"time"

	"github.com/oklog/ulid/v2"

	"mcpbridge/internal/hash"
)

// Status is the lifecycle state of a flow.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Timeouts for flow coordination.
const (
	// DefaultWaitTimeout is how long a waiter blocks on an unresolved flow.
	DefaultWaitTimeout = 2 * time.Minute
	// StaleFlowTimeout is the age after which an unresolved flow is
	// considered abandoned and may be cleared.
	StaleFlowTimeout = 10 * time.Minute
)

var (
	// ErrOAuthFlowInitiated signals that an authorization flow was started
	// and the caller chose not to block on it. The connection attempt should
	// be repeated once the user completes authorization.
	ErrOAuthFlowInitiated = errors.New("oauth flow initiated, authorization pending")

	// ErrFlowTimeout indicates a waiter gave up before the flow resolved.
	ErrFlowTimeout = errors.New("timeout waiting for flow to complete")

	// ErrUnknownFlow indicates no flow exists for the given ID.
	ErrUnknownFlow = errors.New("unknown flow")
)

// State is a snapshot of one flow. Metadata carries handshake artifacts
// (PKCE verifier, client registration, redirect URI); Result is a short
// resolution marker, never a credential. Completed OAuth flows leave their
// tokens in storage, not here.
type State struct {
	ID       string
	Purpose  string
	Status   Status
	Metadata map[string]string
	Result   string
	Err      error
	Created  time.Time

	// EventID correlates all log entries for this flow.
	EventID string
}

func (s *State) clone() *State {
	clone := *s
	if s.Metadata != nil {
		clone.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			clone.Metadata[k] = v
		}
	}
	return &clone
}

// FlowID derives the deterministic flow identifier for a principal, server,
// and purpose. Identical inputs always collide, which is exactly what makes
// concurrent callers share one flow.
func FlowID(userID, server, purpose string) string {
	return hash.StringHash(userID + "|" + server + "|" + purpose)[:32]
}

func newEventID() string {
	return ulid.Make().String()
}
