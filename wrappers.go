package agenttrace

import (
	"github.com/fjacquet/agenttrace/event"
)

// TimeAction runs fn and records it as an action event: parameters, return
// value and timing. When fn fails, the action is still recorded and an
// error event referencing it is recorded alongside; fn's result and error
// pass through unchanged either way.
func TimeAction(s *Session, actionType string, params map[string]any, fn func() (any, error)) (any, error) {
	ev := event.NewAction(event.ActionDetails{ActionType: actionType, Params: params})
	result, err := fn()
	_ = ev.End()

	if err != nil {
		_ = s.Record(ev)
		_ = s.Record(event.NewError(err, ev))
		return result, err
	}

	ev.Action.Returns = result
	_ = s.Record(ev)
	return result, nil
}

// TimeTool runs fn and records it as a tool call event, with the same
// contract as TimeAction.
func TimeTool(s *Session, name string, params map[string]any, fn func() (any, error)) (any, error) {
	ev := event.NewTool(event.ToolDetails{Name: name, Params: params})
	result, err := fn()
	_ = ev.End()

	if err != nil {
		_ = s.Record(ev)
		_ = s.Record(event.NewError(err, ev))
		return result, err
	}

	ev.Tool.Returns = result
	_ = s.Record(ev)
	return result, nil
}
