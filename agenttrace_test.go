package agenttrace

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fjacquet/agenttrace/internal/wire"
)

// endpointServer is an in-process stand-in for the collection endpoint.
type endpointServer struct {
	srv *httptest.Server

	mu          sync.Mutex
	creates     int
	updates     map[string]int
	lastUpdate  wire.SessionSnapshot
	events      []map[string]any
	logBatches  int
	failCreate  bool
	failEvents  bool
	updateCost  string
}

func newEndpointServer() *endpointServer {
	e := &endpointServer{
		updates:    make(map[string]int),
		updateCost: `"0.0021"`,
	}
	e.srv = httptest.NewServer(http.HandlerFunc(e.handle))
	return e
}

func (e *endpointServer) handle(w http.ResponseWriter, r *http.Request) {
	e.mu.Lock()
	defer e.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")

	switch {
	case r.URL.Path == "/v2/sessions":
		if e.failCreate {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		e.creates++
		_, _ = w.Write([]byte(`{"jwt":"test-jwt","token_cost":0}`))

	case strings.HasPrefix(r.URL.Path, "/v2/sessions/") && strings.HasSuffix(r.URL.Path, "/update"):
		id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/v2/sessions/"), "/update")
		e.updates[id]++
		var req struct {
			Session wire.SessionSnapshot `json:"session"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		e.lastUpdate = req.Session
		_, _ = w.Write([]byte(`{"token_cost":` + e.updateCost + `}`))

	case r.URL.Path == "/v2/events":
		if e.failEvents {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		var req struct {
			Events []map[string]any `json:"events"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		e.events = append(e.events, req.Events...)
		w.WriteHeader(http.StatusOK)

	case strings.HasPrefix(r.URL.Path, "/v3/logs/"):
		e.logBatches++
		w.WriteHeader(http.StatusOK)

	case r.URL.Path == "/v2/reauthorize_jwt":
		_, _ = w.Write([]byte(`{"jwt":"fresh-jwt"}`))

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (e *endpointServer) close() { e.srv.Close() }

func (e *endpointServer) updateCount(sessionID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.updates[sessionID]
}

func (e *endpointServer) eventsNamed(spanName string) []map[string]any {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []map[string]any
	for _, ev := range e.events {
		if ev["span_name"] == spanName {
			out = append(out, ev)
		}
	}
	return out
}

func (e *endpointServer) allEvents() []map[string]any {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]map[string]any, len(e.events))
	copy(out, e.events)
	return out
}

func newTestClient(t *testing.T, srv *endpointServer, mutate ...func(*Config)) *Client {
	t.Helper()
	cfg := Config{
		Endpoint:    srv.srv.URL,
		APIKey:      "test-api-key-12345678",
		MaxWaitTime: 20,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	client, err := New(cfg)
	require.NoError(t, err)
	return client
}

func startTestSession(t *testing.T, srv *endpointServer, mutate ...func(*Config)) (*Client, *Session) {
	t.Helper()
	client := newTestClient(t, srv, mutate...)
	session, err := client.StartSession(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = session.End(context.Background(), StateIndeterminate, "test cleanup")
	})
	return client, session
}
