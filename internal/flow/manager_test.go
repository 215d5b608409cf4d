package flow

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestManager() *Manager {
	return NewManager(zap.NewNop())
}

func TestFlowID(t *testing.T) {
	a := FlowID("alice", "github", "oauth")
	b := FlowID("alice", "github", "oauth")
	c := FlowID("bob", "github", "oauth")

	assert.Equal(t, a, b, "same inputs derive the same flow ID")
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 32)
}

func TestCreateFlowDedupes(t *testing.T) {
	m := newTestManager()
	flowID := FlowID("alice", "github", "oauth")

	first, created := m.CreateFlow(flowID, "oauth", map[string]string{"verifier": "v-1"})
	require.True(t, created)
	assert.Equal(t, StatusPending, first.Status)

	second, created := m.CreateFlow(flowID, "oauth", map[string]string{"verifier": "v-2"})
	assert.False(t, created, "a pending flow is reused, not replaced")
	assert.Equal(t, "v-1", second.Metadata["verifier"])
}

func TestCreateFlowReplacesResolved(t *testing.T) {
	m := newTestManager()
	flowID := FlowID("alice", "github", "oauth")

	_, created := m.CreateFlow(flowID, "oauth", nil)
	require.True(t, created)
	require.NoError(t, m.Complete(flowID, "code-1"))

	_, created = m.CreateFlow(flowID, "oauth", nil)
	assert.True(t, created, "a resolved flow is superseded by a new one")
	assert.Equal(t, StatusPending, m.GetFlowState(flowID).Status)
}

func TestCompleteReleasesWaiters(t *testing.T) {
	m := newTestManager()
	flowID := FlowID("alice", "github", "oauth")
	m.CreateFlow(flowID, "oauth", nil)

	resultCh := make(chan *State, 1)
	go func() {
		state, err := m.Wait(context.Background(), flowID, time.Second)
		if err != nil {
			resultCh <- nil
			return
		}
		resultCh <- state
	}()

	// Give the waiter time to park.
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, m.Complete(flowID, "code-abc"))

	select {
	case state := <-resultCh:
		require.NotNil(t, state)
		assert.Equal(t, StatusCompleted, state.Status)
		assert.Equal(t, "code-abc", state.Result)
	case <-time.After(time.Second):
		t.Fatal("waiter was not released")
	}
}

func TestFailPropagatesError(t *testing.T) {
	m := newTestManager()
	flowID := FlowID("alice", "github", "oauth")
	m.CreateFlow(flowID, "oauth", nil)

	flowErr := errors.New("user declined")
	require.NoError(t, m.Fail(flowID, flowErr))

	state, err := m.Wait(context.Background(), flowID, time.Second)
	require.ErrorIs(t, err, flowErr)
	require.NotNil(t, state)
	assert.Equal(t, StatusFailed, state.Status)
}

func TestResolveUnknownFlow(t *testing.T) {
	m := newTestManager()
	assert.ErrorIs(t, m.Complete("nope", "code"), ErrUnknownFlow)
	assert.ErrorIs(t, m.Fail("nope", errors.New("x")), ErrUnknownFlow)
}

func TestResolveTwiceIsNoop(t *testing.T) {
	m := newTestManager()
	flowID := FlowID("alice", "github", "oauth")
	m.CreateFlow(flowID, "oauth", nil)

	require.NoError(t, m.Complete(flowID, "code-1"))
	require.NoError(t, m.Complete(flowID, "code-2"), "late resolution is tolerated")
	assert.Equal(t, "code-1", m.GetFlowState(flowID).Result)
}

func TestWaitTimeout(t *testing.T) {
	m := newTestManager()
	flowID := FlowID("alice", "github", "oauth")
	m.CreateFlow(flowID, "oauth", nil)

	_, err := m.Wait(context.Background(), flowID, 30*time.Millisecond)
	assert.ErrorIs(t, err, ErrFlowTimeout)
}

func TestWaitContextCancellation(t *testing.T) {
	m := newTestManager()
	flowID := FlowID("alice", "github", "oauth")
	m.CreateFlow(flowID, "oauth", nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := m.Wait(ctx, flowID, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)

	// The flow itself is unaffected; another waiter still resolves.
	require.NoError(t, m.Complete(flowID, "code"))
	state, err := m.Wait(context.Background(), flowID, time.Second)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, state.Status)
}

func TestWaitUnknownFlow(t *testing.T) {
	m := newTestManager()
	_, err := m.Wait(context.Background(), "nope", time.Second)
	assert.ErrorIs(t, err, ErrUnknownFlow)
}

func TestDeleteFlowReleasesWaiters(t *testing.T) {
	m := newTestManager()
	flowID := FlowID("alice", "github", "oauth")
	m.CreateFlow(flowID, "oauth", nil)

	errCh := make(chan error, 1)
	go func() {
		_, err := m.Wait(context.Background(), flowID, time.Minute)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	m.DeleteFlow(flowID)

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrFlowTimeout)
	case <-time.After(time.Second):
		t.Fatal("waiter was not released by delete")
	}
	assert.Nil(t, m.GetFlowState(flowID))
}

func TestUpdateMetadata(t *testing.T) {
	m := newTestManager()
	flowID := FlowID("alice", "github", "oauth")
	m.CreateFlow(flowID, "oauth", map[string]string{"verifier": "v-1"})

	require.NoError(t, m.UpdateMetadata(flowID, map[string]string{"client_id": "dyn-1"}))

	state := m.GetFlowState(flowID)
	assert.Equal(t, "v-1", state.Metadata["verifier"])
	assert.Equal(t, "dyn-1", state.Metadata["client_id"])

	assert.ErrorIs(t, m.UpdateMetadata("nope", nil), ErrUnknownFlow)
}

// Concurrent callers for one flow ID must trigger the handler exactly once
// and all observe the same outcome.
func TestCreateFlowWithHandlerRunsOnce(t *testing.T) {
	m := newTestManager()
	flowID := FlowID("alice", "github", "oauth")

	var handlerRuns atomic.Int32
	started := make(chan struct{})

	const callers = 16
	var wg sync.WaitGroup
	results := make([]*State, callers)
	errs := make([]error, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-started
			results[i], errs[i] = m.CreateFlowWithHandler(context.Background(), flowID, "oauth", func(context.Context) (string, error) {
				handlerRuns.Add(1)
				time.Sleep(50 * time.Millisecond)
				return "code-shared", nil
			})
		}(i)
	}

	close(started)
	wg.Wait()

	assert.Equal(t, int32(1), handlerRuns.Load(), "handler must run exactly once")
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i], "caller %d", i)
		require.NotNil(t, results[i], "caller %d", i)
		assert.Equal(t, StatusCompleted, results[i].Status)
		assert.Equal(t, "code-shared", results[i].Result)
	}
}

func TestCreateFlowWithHandlerPropagatesFailure(t *testing.T) {
	m := newTestManager()
	flowID := FlowID("alice", "github", "oauth")

	handlerErr := errors.New("discovery failed")
	state, err := m.CreateFlowWithHandler(context.Background(), flowID, "oauth", func(context.Context) (string, error) {
		return "", handlerErr
	})
	require.ErrorIs(t, err, handlerErr)
	assert.Equal(t, StatusFailed, state.Status)
}

func TestCleanupStale(t *testing.T) {
	m := newTestManager()
	flowID := FlowID("alice", "github", "oauth")
	m.CreateFlow(flowID, "oauth", nil)

	// Fresh flows survive.
	assert.Zero(t, m.CleanupStale())

	// Backdate the flow past the stale horizon.
	m.mu.Lock()
	m.flows[flowID].state.Created = time.Now().Add(-StaleFlowTimeout - time.Minute)
	m.mu.Unlock()

	assert.Equal(t, 1, m.CleanupStale())
	assert.Nil(t, m.GetFlowState(flowID))
}

func TestStates(t *testing.T) {
	m := newTestManager()
	m.CreateFlow(FlowID("alice", "github", "oauth"), "oauth", nil)
	m.CreateFlow(FlowID("bob", "jira", "oauth"), "oauth", nil)

	assert.Len(t, m.States(), 2)
}

func TestStopIsIdempotent(t *testing.T) {
	m := newTestManager()
	m.Stop()
	m.Stop()

	// A stopped manager still resolves flows.
	flowID := FlowID("alice", "github", "oauth")
	m.CreateFlow(flowID, "oauth", nil)
	require.NoError(t, m.Complete(flowID, "code"))

	state, err := m.Wait(context.Background(), flowID, time.Second)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, state.Status)
}
