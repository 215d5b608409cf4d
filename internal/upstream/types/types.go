// Package types holds the connection state taxonomy shared by the upstream
// connection layers.
package types

import (
	"fmt"
	"sync"
	"time"
)

// ConnectionState represents the state of an upstream connection.
type ConnectionState int

const (
	// StateDisconnected indicates the upstream is not connected.
	StateDisconnected ConnectionState = iota
	// StateConnecting indicates a connection attempt is in progress.
	StateConnecting
	// StateAuthenticating indicates an OAuth handshake is in progress.
	StateAuthenticating
	// StateReady indicates the upstream is connected and ready for requests.
	StateReady
	// StateError indicates the last attempt failed.
	StateError
)

// String returns the string representation of the connection state.
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateConnecting:
		return "Connecting"
	case StateAuthenticating:
		return "Authenticating"
	case StateReady:
		return "Ready"
	case StateError:
		return "Error"
	default:
		return "Unknown"
	}
}

// ConnectionInfo is a point-in-time snapshot of a connection's state.
type ConnectionInfo struct {
	State         ConnectionState `json:"state"`
	LastError     error           `json:"last_error,omitempty"`
	RetryCount    int             `json:"retry_count"`
	LastRetryTime time.Time       `json:"last_retry_time,omitempty"`
	ServerName    string          `json:"server_name,omitempty"`
	ServerVersion string          `json:"server_version,omitempty"`
}

// StateManager tracks state transitions for one upstream connection. It is
// a passive record: callers read it, nothing subscribes to it.
type StateManager struct {
	mu            sync.RWMutex
	currentState  ConnectionState
	lastError     error
	retryCount    int
	lastRetryTime time.Time
	serverName    string
	serverVersion string
}

// NewStateManager creates a state manager in the Disconnected state.
func NewStateManager() *StateManager {
	return &StateManager{
		currentState: StateDisconnected,
	}
}

// GetState returns the current connection state.
func (sm *StateManager) GetState() ConnectionState {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.currentState
}

// GetConnectionInfo returns detailed connection information.
func (sm *StateManager) GetConnectionInfo() ConnectionInfo {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	return ConnectionInfo{
		State:         sm.currentState,
		LastError:     sm.lastError,
		RetryCount:    sm.retryCount,
		LastRetryTime: sm.lastRetryTime,
		ServerName:    sm.serverName,
		ServerVersion: sm.serverVersion,
	}
}

// TransitionTo moves to a new state. Reaching Ready clears error bookkeeping.
func (sm *StateManager) TransitionTo(newState ConnectionState) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	sm.currentState = newState
	if newState == StateReady {
		sm.lastError = nil
		sm.retryCount = 0
	}
}

// SetError records an error and transitions to the Error state.
func (sm *StateManager) SetError(err error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	sm.currentState = StateError
	sm.lastError = err
	sm.retryCount++
	sm.lastRetryTime = time.Now()
}

// LastError returns the most recent error, nil after a successful connect.
func (sm *StateManager) LastError() error {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.lastError
}

// SetServerInfo records the server identity reported during initialization.
func (sm *StateManager) SetServerInfo(name, version string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.serverName = name
	sm.serverVersion = version
}

// IsState checks whether the current state matches the given state.
func (sm *StateManager) IsState(state ConnectionState) bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.currentState == state
}

// IsReady returns true if the connection is ready for requests.
func (sm *StateManager) IsReady() bool {
	return sm.IsState(StateReady)
}

// IsConnecting returns true while a connect or handshake is in progress.
func (sm *StateManager) IsConnecting() bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.currentState == StateConnecting || sm.currentState == StateAuthenticating
}

// Reset returns the state manager to Disconnected and clears bookkeeping.
func (sm *StateManager) Reset() {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	sm.currentState = StateDisconnected
	sm.lastError = nil
	sm.retryCount = 0
	sm.lastRetryTime = time.Time{}
	sm.serverName = ""
	sm.serverVersion = ""
}

// ValidateTransition reports whether a state transition is allowed.
func ValidateTransition(from, to ConnectionState) error {
	validTransitions := map[ConnectionState][]ConnectionState{
		StateDisconnected:   {StateConnecting},
		StateConnecting:     {StateAuthenticating, StateReady, StateError, StateDisconnected},
		StateAuthenticating: {StateConnecting, StateReady, StateError, StateDisconnected},
		StateReady:          {StateError, StateDisconnected},
		StateError:          {StateConnecting, StateDisconnected},
	}

	allowed, exists := validTransitions[from]
	if !exists {
		return fmt.Errorf("invalid source state: %s", from)
	}
	for _, validTo := range allowed {
		if validTo == to {
			return nil
		}
	}
	return fmt.Errorf("invalid transition from %s to %s", from, to)
}
