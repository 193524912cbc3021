package wire

import "encoding/json"

// SessionSnapshot is the session record shape pushed to the endpoint on
// create and update.
type SessionSnapshot struct {
	SessionID      string         `json:"session_id"`
	InitTimestamp  string         `json:"init_timestamp"`
	EndTimestamp   string         `json:"end_timestamp,omitempty"`
	EndState       string         `json:"end_state,omitempty"`
	EndStateReason string         `json:"end_state_reason,omitempty"`
	Tags           []string       `json:"tags,omitempty"`
	EventCounts    map[string]int `json:"event_counts,omitempty"`
	HostEnv        map[string]any `json:"host_env,omitempty"`
	TokenCost      string         `json:"token_cost,omitempty"`
	IsRunning      bool           `json:"is_running"`
}

// EventRecord is one flattened span-derived event, serialized into the
// events batch. Keys are flat; structured values were already stringified
// during translation.
type EventRecord map[string]any

type createSessionRequest struct {
	Session SessionSnapshot `json:"session"`
}

type updateSessionRequest struct {
	Session SessionSnapshot `json:"session"`
}

type createEventsRequest struct {
	Events []EventRecord `json:"events"`
}

type reauthorizeRequest struct {
	SessionID string `json:"session_id"`
}

// sessionResponse is the endpoint's reply to session lifecycle calls.
// token_cost is kept raw: the server may send a number, a string, or
// "unknown".
type sessionResponse struct {
	JWT       string          `json:"jwt"`
	TokenCost json.RawMessage `json:"token_cost"`
}
