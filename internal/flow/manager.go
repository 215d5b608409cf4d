package flow

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

type flowEntry struct {
	state *State
	// done closes exactly once, when the flow resolves. Waiters block on it.
	done chan struct{}
}

// cleanupInterval is how often the background sweep looks for stale flows.
const cleanupInterval = time.Minute

// Manager coordinates flows: it guarantees at most one in-flight flow per
// flowID and lets any number of goroutines await its outcome.
type Manager struct {
	mu     sync.Mutex
	flows  map[string]*flowEntry
	logger *zap.Logger
	stopCh chan struct{}
}

// NewManager creates a flow manager and starts its stale-flow sweep.
func NewManager(logger *zap.Logger) *Manager {
	m := &Manager{
		flows:  make(map[string]*flowEntry),
		logger: logger.Named("flow"),
		stopCh: make(chan struct{}),
	}
	go m.cleanupLoop()
	return m
}

// Stop halts the background sweep. Flows still resolve normally afterwards;
// abandoned ones just stop being collected.
func (m *Manager) Stop() {
	select {
	case <-m.stopCh:
	default:
		close(m.stopCh)
	}
}

func (m *Manager) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.CleanupStale()
		}
	}
}

// CreateFlow registers a pending flow for flowID, or returns the existing
// one. The second return value reports whether this call created the flow.
// A stale pending flow (older than StaleFlowTimeout) or an already-resolved
// flow is replaced by the new one.
func (m *Manager) CreateFlow(flowID, purpose string, metadata map[string]string) (*State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if entry, ok := m.flows[flowID]; ok {
		if entry.state.Status == StatusPending && time.Since(entry.state.Created) <= StaleFlowTimeout {
			return entry.state.clone(), false
		}
		m.evictLocked(flowID, entry)
	}

	entry := &flowEntry{
		state: &State{
			ID:       flowID,
			Purpose:  purpose,
			Status:   StatusPending,
			Metadata: metadata,
			Created:  time.Now(),
			EventID:  newEventID(),
		},
		done: make(chan struct{}),
	}
	m.flows[flowID] = entry

	m.logger.Info("Created flow",
		zap.String("flow_id", flowID),
		zap.String("purpose", purpose),
		zap.String("event_id", entry.state.EventID))
	return entry.state.clone(), true
}

// GetFlowState returns a snapshot of the flow, or nil when none exists.
func (m *Manager) GetFlowState(flowID string) *State {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.flows[flowID]
	if !ok {
		return nil
	}
	return entry.state.clone()
}

// UpdateMetadata merges entries into a pending flow's metadata.
func (m *Manager) UpdateMetadata(flowID string, metadata map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.flows[flowID]
	if !ok {
		return ErrUnknownFlow
	}
	if entry.state.Metadata == nil {
		entry.state.Metadata = make(map[string]string, len(metadata))
	}
	for k, v := range metadata {
		entry.state.Metadata[k] = v
	}
	return nil
}

// Complete resolves a flow successfully and releases all waiters.
func (m *Manager) Complete(flowID, result string) error {
	return m.resolve(flowID, StatusCompleted, result, nil)
}

// Fail resolves a flow as failed and releases all waiters.
func (m *Manager) Fail(flowID string, err error) error {
	return m.resolve(flowID, StatusFailed, "", err)
}

func (m *Manager) resolve(flowID string, status Status, result string, err error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.flows[flowID]
	if !ok {
		return ErrUnknownFlow
	}
	if entry.state.Status != StatusPending {
		// Late callback for an already-resolved flow, nothing to release.
		return nil
	}

	entry.state.Status = status
	entry.state.Result = result
	entry.state.Err = err
	close(entry.done)

	m.logger.Info("Resolved flow",
		zap.String("flow_id", flowID),
		zap.String("purpose", entry.state.Purpose),
		zap.String("status", string(status)),
		zap.String("event_id", entry.state.EventID),
		zap.Duration("age", time.Since(entry.state.Created)),
		zap.Error(err))
	return nil
}

// DeleteFlow removes a flow. A still-pending flow fails first, so waiters
// are not left hanging.
func (m *Manager) DeleteFlow(flowID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.flows[flowID]
	if !ok {
		return
	}
	m.evictLocked(flowID, entry)
}

func (m *Manager) evictLocked(flowID string, entry *flowEntry) {
	if entry.state.Status == StatusPending {
		entry.state.Status = StatusFailed
		entry.state.Err = ErrFlowTimeout
		close(entry.done)
	}
	delete(m.flows, flowID)
}

// Wait blocks until the flow resolves, the timeout elapses, or ctx is
// cancelled. A zero timeout uses DefaultWaitTimeout. On resolution the
// final state is returned together with the flow's error, if any.
func (m *Manager) Wait(ctx context.Context, flowID string, timeout time.Duration) (*State, error) {
	if timeout == 0 {
		timeout = DefaultWaitTimeout
	}

	m.mu.Lock()
	entry, ok := m.flows[flowID]
	if !ok {
		m.mu.Unlock()
		return nil, ErrUnknownFlow
	}
	done := entry.done
	m.mu.Unlock()

	select {
	case <-done:
	case <-time.After(timeout):
		return nil, ErrFlowTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	// The entry outlives eviction from the map; its resolution fields are
	// final once done is closed.
	m.mu.Lock()
	state := entry.state.clone()
	m.mu.Unlock()
	return state, state.Err
}

// CreateFlowWithHandler runs fn for the first caller and records its
// outcome; concurrent callers for the same flowID await that outcome instead
// of re-invoking fn. Context cancellation aborts an individual waiter
// without affecting the flow or other waiters.
func (m *Manager) CreateFlowWithHandler(ctx context.Context, flowID, purpose string, fn func(ctx context.Context) (string, error)) (*State, error) {
	state, created := m.CreateFlow(flowID, purpose, nil)
	if !created && state.Status == StatusPending {
		return m.Wait(ctx, flowID, 0)
	}

	result, err := fn(ctx)
	if err != nil {
		_ = m.Fail(flowID, err)
	} else {
		_ = m.Complete(flowID, result)
	}
	return m.Wait(ctx, flowID, 0)
}

// States returns snapshots of all tracked flows in no particular order.
func (m *Manager) States() []*State {
	m.mu.Lock()
	defer m.mu.Unlock()

	states := make([]*State, 0, len(m.flows))
	for _, entry := range m.flows {
		states = append(states, entry.state.clone())
	}
	return states
}

// CleanupStale evicts pending flows older than StaleFlowTimeout, releasing
// their waiters with ErrFlowTimeout. Returns the number evicted.
func (m *Manager) CleanupStale() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	cleaned := 0
	for flowID, entry := range m.flows {
		if entry.state.Status == StatusPending && time.Since(entry.state.Created) > StaleFlowTimeout {
			m.logger.Warn("Cleaning up stale flow",
				zap.String("flow_id", flowID),
				zap.String("purpose", entry.state.Purpose),
				zap.Duration("age", time.Since(entry.state.Created)))
			m.evictLocked(flowID, entry)
			cleaned++
		}
	}
	return cleaned
}
