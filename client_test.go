package agenttrace

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fjacquet/agenttrace/event"
)

func TestNewRejectsInvalidConfig(t *testing.T) {
	_, err := New(Config{Endpoint: "http://localhost", APIKey: ""})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "API key")
}

func TestStartSessionRegistrationFailure(t *testing.T) {
	srv := newEndpointServer()
	defer srv.close()
	srv.failCreate = true

	client := newTestClient(t, srv)
	session, err := client.StartSession(context.Background())

	require.Error(t, err)
	assert.Nil(t, session)
	assert.Equal(t, 0, client.Registry().Count())
}

func TestStartSessionPipelineFailureFailsSession(t *testing.T) {
	srv := newEndpointServer()
	defer srv.close()

	client := newTestClient(t, srv)

	var failed *Session
	client.Signals().SessionInitializing.Connect("capture", func(p SessionPayload) error {
		failed = p.Session
		return nil
	})
	// Replace the client's pipeline handler: construction failure is
	// lifecycle-critical and must fail the start.
	client.Signals().SessionStarted.Connect("pipeline", func(p SessionPayload) error {
		return errors.New("no pipeline for you")
	})

	session, err := client.StartSession(context.Background())
	require.Error(t, err)
	assert.Nil(t, session)
	assert.Equal(t, 0, client.Registry().Count())

	require.NotNil(t, failed)
	assert.Equal(t, StateFailed, failed.State())
}

func TestStartSessionFailSafeStillReturnsError(t *testing.T) {
	srv := newEndpointServer()
	defer srv.close()
	srv.failCreate = true

	client := newTestClient(t, srv, func(c *Config) { c.FailSafe = true })
	session, err := client.StartSession(context.Background())

	// Fail-safe changes how loudly the failure is reported, not the
	// contract: the caller still gets no session and an error.
	require.Error(t, err)
	assert.Nil(t, session)
}

func TestEndAllTerminatesEverySession(t *testing.T) {
	srv := newEndpointServer()
	defer srv.close()

	client := newTestClient(t, srv)
	first, err := client.StartSession(context.Background(), "one")
	require.NoError(t, err)
	second, err := client.StartSession(context.Background(), "two")
	require.NoError(t, err)
	require.Equal(t, 2, client.Registry().Count())

	client.EndAll(context.Background(), StateIndeterminate, "shutdown")

	assert.Equal(t, 0, client.Registry().Count())
	assert.Equal(t, StateIndeterminate, first.State())
	assert.Equal(t, StateIndeterminate, second.State())

	// A second sweep has nothing to do.
	client.EndAll(context.Background(), StateIndeterminate, "shutdown")
	assert.Equal(t, 1, srv.updateCount(first.ID.String()))
}

func TestSessionsAreIsolated(t *testing.T) {
	srv := newEndpointServer()
	defer srv.close()

	client := newTestClient(t, srv)
	first, err := client.StartSession(context.Background())
	require.NoError(t, err)
	second, err := client.StartSession(context.Background())
	require.NoError(t, err)
	defer client.EndAll(context.Background(), StateIndeterminate, "cleanup")

	assert.NotEqual(t, first.ID, second.ID)
	assert.NotEqual(t, first.TraceID(), second.TraceID())

	require.NoError(t, first.Record(event.NewTool(event.ToolDetails{Name: "first-tool"})))
	require.NoError(t, second.Record(event.NewTool(event.ToolDetails{Name: "second-tool"})))
	require.NoError(t, first.Flush(context.Background()))
	require.NoError(t, second.Flush(context.Background()))

	// No cross-session leakage: every exported record carries the id of the
	// session that produced it.
	tools := srv.eventsNamed("agent.tool")
	require.Len(t, tools, 2)
	for _, rec := range tools {
		switch rec["tool.name"] {
		case "first-tool":
			assert.Equal(t, first.ID.String(), rec["session_id"])
		case "second-tool":
			assert.Equal(t, second.ID.String(), rec["session_id"])
		default:
			t.Fatalf("unexpected tool record: %v", rec)
		}
	}

	// Ending one session leaves the other recording.
	_, err = first.End(context.Background(), StateSucceeded, "")
	require.NoError(t, err)
	assert.Equal(t, StateRunning, second.State())
	assert.NoError(t, second.Flush(context.Background()))
}
