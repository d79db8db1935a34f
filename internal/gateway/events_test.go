// ABOUTME: Tests for the per-mission SSE stream
// ABOUTME: Reads events from a live httptest server while the queue advances the mission

package gateway

import (
	"bufio"
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-dispatch/internal/store"
)

// readSSEEvents collects event names until the stream ends.
func readSSEEvents(t *testing.T, resp *http.Response) <-chan string {
	t.Helper()
	names := make(chan string, 16)
	go func() {
		defer close(names)
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			if name, ok := strings.CutPrefix(scanner.Text(), "event: "); ok {
				names <- name
			}
		}
	}()
	return names
}

func nextEvent(t *testing.T, names <-chan string) string {
	t.Helper()
	select {
	case name, ok := <-names:
		require.True(t, ok, "stream closed early")
		return name
	case <-time.After(2 * time.Second):
		t.Fatal("no SSE event received")
		return ""
	}
}

func TestMissionEvents_StreamsUntilTerminal(t *testing.T) {
	gw, srv := newTestGateway(t)
	ctx := context.Background()

	m, err := gw.queue.Submit(ctx, &store.Mission{Prompt: "watch me"})
	require.NoError(t, err)

	resp := get(t, srv.URL+"/api/missions/"+m.ID+"/events")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	names := readSSEEvents(t, resp)
	assert.Equal(t, "snapshot", nextEvent(t, names))

	_, err = gw.queue.Assign(ctx, m.ID, 3)
	require.NoError(t, err)
	assert.Equal(t, string(store.StatusRunning), nextEvent(t, names))

	_, err = gw.queue.Complete(ctx, m.ID, "ok")
	require.NoError(t, err)
	assert.Equal(t, string(store.StatusCompleted), nextEvent(t, names))

	select {
	case _, ok := <-names:
		assert.False(t, ok, "stream should end after a terminal status")
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not end")
	}
}

func TestMissionEvents_TerminalMissionSendsSnapshotOnly(t *testing.T) {
	gw, srv := newTestGateway(t)
	ctx := context.Background()

	m, err := gw.queue.Submit(ctx, &store.Mission{Prompt: "already done"})
	require.NoError(t, err)
	_, err = gw.queue.Cancel(ctx, m.ID)
	require.NoError(t, err)

	resp := get(t, srv.URL+"/api/missions/"+m.ID+"/events")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	names := readSSEEvents(t, resp)
	assert.Equal(t, "snapshot", nextEvent(t, names))
	_, ok := <-names
	assert.False(t, ok)
}

func TestMissionEvents_UnknownMission(t *testing.T) {
	_, srv := newTestGateway(t)

	resp := get(t, srv.URL+"/api/missions/nope/events")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
