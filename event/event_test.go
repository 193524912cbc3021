package event

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLLMDefaults(t *testing.T) {
	ev := NewLLM(LLMDetails{Model: "gpt-4", PromptTokens: 10, CompletionTokens: 5})

	assert.Equal(t, TypeLLM, ev.Type)
	assert.NotEqual(t, uuid.Nil, ev.ID)
	assert.NotEmpty(t, ev.InitTimestamp)
	assert.Empty(t, ev.EndTimestamp)
	require.NotNil(t, ev.LLM)
	assert.Equal(t, "gpt-4", ev.LLM.Model)

	// Only the matching payload is populated.
	assert.Nil(t, ev.Action)
	assert.Nil(t, ev.Tool)
	assert.Nil(t, ev.Error)
}

func TestEndAssignsAtMostOnce(t *testing.T) {
	ev := NewAction(ActionDetails{ActionType: "plan"})

	require.NoError(t, ev.End())
	first := ev.EndTimestamp
	require.NotEmpty(t, first)

	// A second End must fail loudly and never overwrite.
	err := ev.End()
	assert.ErrorIs(t, err, ErrAlreadyEnded)
	assert.Equal(t, first, ev.EndTimestamp)
}

func TestEndAtRespectsExistingTimestamp(t *testing.T) {
	ev := NewTool(ToolDetails{Name: "searchWeb"})
	require.NoError(t, ev.EndAt("2026-01-02T15:04:05Z"))

	err := ev.EndAt("2026-01-02T16:00:00Z")
	assert.ErrorIs(t, err, ErrAlreadyEnded)
	assert.Equal(t, "2026-01-02T15:04:05Z", ev.EndTimestamp)
	assert.True(t, ev.Ended())
}

func TestNewErrorCapturesTypeAndDetails(t *testing.T) {
	cause := errors.New("database unreachable")
	ev := NewError(cause, nil)

	require.NotNil(t, ev.Error)
	assert.Equal(t, "*errors.errorString", ev.Error.ErrorType)
	assert.Equal(t, "database unreachable", ev.Error.Details)
	// Errors have no duration; they are closed at construction.
	assert.Equal(t, ev.InitTimestamp, ev.EndTimestamp)
}

func TestNewErrorKeepsTriggerReferenceOnly(t *testing.T) {
	trigger := NewLLM(LLMDetails{Model: "gpt-4"})
	ev := NewError(errors.New("rate limited"), trigger)

	require.NotNil(t, ev.Error)
	assert.Equal(t, trigger.ID, ev.Error.TriggerID)
	assert.Equal(t, TypeLLM, ev.Error.TriggerType)
}

func TestParseTime(t *testing.T) {
	tests := []struct {
		name  string
		input string
		ok    bool
	}{
		{name: "valid RFC3339Nano", input: "2026-01-02T15:04:05.123456789Z", ok: true},
		{name: "valid without fraction", input: "2026-01-02T15:04:05Z", ok: true},
		{name: "empty", input: "", ok: false},
		{name: "garbage", input: "not-a-timestamp", ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parsed, ok := ParseTime(tt.input)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.False(t, parsed.IsZero())
			}
		})
	}
}

func TestNowRoundTrips(t *testing.T) {
	ts := Now()
	parsed, ok := ParseTime(ts)
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().UTC(), parsed, 5*time.Second)
}
