// ABOUTME: Tests for applying agent result frames to missions
// ABOUTME: Calls the result handler directly against a gateway's queue

package gateway

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-dispatch/internal/store"
	"github.com/2389/coven-dispatch/internal/transport"
)

func assignedMission(t *testing.T, gw *Gateway, agentID int64, maxRetries int) *store.Mission {
	t.Helper()
	ctx := context.Background()
	m, err := gw.queue.Submit(ctx, &store.Mission{Prompt: "work", MaxRetries: maxRetries})
	require.NoError(t, err)
	m, err = gw.queue.Assign(ctx, m.ID, agentID)
	require.NoError(t, err)
	return m
}

func result(id, status, output string) *transport.ResultFrame {
	return &transport.ResultFrame{Type: transport.FrameResult, TaskID: id, Status: status, Output: output}
}

func TestHandleResult_ProcessingThenCompleted(t *testing.T) {
	gw, _ := newTestGateway(t)
	ctx := context.Background()
	m := assignedMission(t, gw, 5, 1)

	gw.handleResult(ctx, 5, result(m.ID, transport.ResultProcessing, ""))
	got, err := gw.queue.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusProcessing, got.Status)

	gw.handleResult(ctx, 5, result(m.ID, transport.ResultCompleted, "answer"))
	got, err = gw.queue.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, got.Status)
	assert.Equal(t, "answer", got.Result)

	// A late duplicate does not disturb the terminal state.
	gw.handleResult(ctx, 5, result(m.ID, transport.ResultFailed, "late"))
	got, _ = gw.queue.Get(ctx, m.ID)
	assert.Equal(t, store.StatusCompleted, got.Status)
}

func TestHandleResult_FailedRetriesThenFails(t *testing.T) {
	gw, _ := newTestGateway(t)
	ctx := context.Background()
	m := assignedMission(t, gw, 5, 1)

	gw.handleResult(ctx, 5, result(m.ID, transport.ResultFailed, ""))
	got, err := gw.queue.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusRetrying, got.Status)
	assert.Equal(t, "agent reported failure", got.Error)
	assert.Equal(t, 1, got.RetryCount)
	assert.Nil(t, got.AssignedTo)

	_, err = gw.queue.Assign(ctx, m.ID, 6)
	require.NoError(t, err)
	gw.handleResult(ctx, 6, result(m.ID, transport.ResultFailed, "exit status 2: boom"))

	got, err = gw.queue.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, got.Status)
	assert.Equal(t, "exit status 2: boom", got.Error)
	assert.LessOrEqual(t, got.RetryCount, got.MaxRetries)
}

func TestHandleResult_IgnoresUnassignedAgent(t *testing.T) {
	gw, _ := newTestGateway(t)
	ctx := context.Background()
	m := assignedMission(t, gw, 5, 1)

	gw.handleResult(ctx, 8, result(m.ID, transport.ResultCompleted, "stolen"))

	got, err := gw.queue.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusRunning, got.Status)
	assert.Empty(t, got.Result)
}

func TestHandleResult_UnknownMission(t *testing.T) {
	gw, _ := newTestGateway(t)

	assert.NotPanics(t, func() {
		gw.handleResult(context.Background(), 5, result("missing", transport.ResultCompleted, "x"))
	})
}
