// Package translate converts recorded events into span descriptions.
//
// Translation is a pure mapping: no I/O, no shared state. For each event it
// produces a primary span named by category, and for LLM, action and tool
// events an additional execution child span that separates "the event
// happened" from the underlying operation's own timing.
//
// Span attribute storage accepts only primitive values, so any structured
// value (maps, slices, arbitrary objects) is serialized to a JSON string
// before attachment. Missing optional fields are omitted entirely rather
// than encoded as empty placeholders.
package translate

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/fjacquet/agenttrace/event"
)

// Primary span names, one per event category.
const (
	SpanNameLLM    = "llm.completion"
	SpanNameAction = "agent.action"
	SpanNameTool   = "agent.tool"
	SpanNameAPI    = "api.call"
	SpanNameError  = "error"
	SpanNameEvent  = "event"
)

// Execution child span names.
const (
	SpanNameLLMCall         = "llm.api.call"
	SpanNameActionExecution = "action.execution"
	SpanNameToolExecution   = "tool.execution"
)

// SpanDef describes one span to be created by the pipeline. The pipeline
// owns the description exclusively and never retains it past span creation.
type SpanDef struct {
	Name       string
	Kind       trace.SpanKind
	Attributes []attribute.KeyValue

	// Start and End carry the event's own timing so spans reflect when the
	// occurrence actually happened, not when it was translated. End may be
	// zero for events translated before closure.
	Start time.Time
	End   time.Time

	// Child is the optional execution span, parented on the primary.
	Child *SpanDef
}

// Translate maps an event to its primary span description and, for LLM,
// action and tool events, an execution child.
func Translate(ev *event.Event) SpanDef {
	def := SpanDef{
		Name:       spanName(ev),
		Kind:       spanKind(ev),
		Attributes: commonAttributes(ev),
	}
	def.Start, def.End = eventTimes(ev)

	switch ev.Type {
	case event.TypeLLM:
		def.Attributes = append(def.Attributes, llmAttributes(ev.LLM)...)
		def.Child = llmChild(ev)
	case event.TypeAction:
		def.Attributes = append(def.Attributes, actionAttributes(ev.Action)...)
		def.Child = executionChild(ev, SpanNameActionExecution, actionChildAttributes(ev.Action))
	case event.TypeTool:
		def.Attributes = append(def.Attributes, toolAttributes(ev.Tool)...)
		def.Child = executionChild(ev, SpanNameToolExecution, toolChildAttributes(ev.Tool))
	case event.TypeAPI:
		def.Attributes = append(def.Attributes, apiAttributes(ev.API)...)
	case event.TypeError:
		def.Attributes = append(def.Attributes, errorAttributes(ev.Error)...)
	}

	return def
}

func spanName(ev *event.Event) string {
	switch ev.Type {
	case event.TypeLLM:
		return SpanNameLLM
	case event.TypeAction:
		return SpanNameAction
	case event.TypeTool:
		return SpanNameTool
	case event.TypeAPI:
		return SpanNameAPI
	case event.TypeError:
		return SpanNameError
	}
	return SpanNameEvent
}

func spanKind(ev *event.Event) trace.SpanKind {
	// LLM calls leave the process; everything else is internal work.
	if ev.Type == event.TypeLLM {
		return trace.SpanKindClient
	}
	return trace.SpanKindInternal
}

func eventTimes(ev *event.Event) (start, end time.Time) {
	if t, ok := event.ParseTime(ev.InitTimestamp); ok {
		start = t
	}
	if t, ok := event.ParseTime(ev.EndTimestamp); ok {
		end = t
	}
	return start, end
}

func commonAttributes(ev *event.Event) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String(AttrEventID, ev.ID.String()),
		attribute.String(AttrEventType, string(ev.Type)),
		attribute.String(AttrEventStartTime, ev.InitTimestamp),
	}
	if ev.EndTimestamp != "" {
		attrs = append(attrs, attribute.String(AttrEventEndTime, ev.EndTimestamp))
	}
	if ev.SessionID != uuid.Nil {
		attrs = append(attrs, attribute.String(AttrSessionID, ev.SessionID.String()))
	}
	if ev.AgentID != "" {
		attrs = append(attrs, attribute.String(AttrAgentID, ev.AgentID))
	}
	return attrs
}

func llmAttributes(d *event.LLMDetails) []attribute.KeyValue {
	if d == nil {
		return nil
	}
	var attrs []attribute.KeyValue
	if d.Model != "" {
		attrs = append(attrs, attribute.String(AttrLLMModel, d.Model))
	}
	if d.Prompt != nil {
		attrs = append(attrs, coerce(AttrLLMPrompt, d.Prompt))
	}
	if d.Completion != nil {
		attrs = append(attrs, coerce(AttrLLMCompletion, d.Completion))
	}
	attrs = append(attrs,
		attribute.Int(AttrLLMTokensPrompt, d.PromptTokens),
		attribute.Int(AttrLLMTokensCompletion, d.CompletionTokens),
		attribute.Int(AttrLLMTokensTotal, d.PromptTokens+d.CompletionTokens),
	)
	if d.Cost != 0 {
		attrs = append(attrs, attribute.Float64(AttrLLMCost, d.Cost))
	}
	return attrs
}

func actionAttributes(d *event.ActionDetails) []attribute.KeyValue {
	if d == nil {
		return nil
	}
	var attrs []attribute.KeyValue
	if d.ActionType != "" {
		attrs = append(attrs, attribute.String(AttrActionType, d.ActionType))
	}
	if len(d.Params) > 0 {
		attrs = append(attrs, coerce(AttrActionParams, d.Params))
	}
	if d.Returns != nil {
		attrs = append(attrs, coerce(AttrActionResult, d.Returns))
	}
	if d.Logs != nil {
		attrs = append(attrs, coerce(AttrActionLogs, d.Logs))
	}
	if d.Screenshot != "" {
		attrs = append(attrs, attribute.String(AttrActionScreenshot, d.Screenshot))
	}
	return attrs
}

func toolAttributes(d *event.ToolDetails) []attribute.KeyValue {
	if d == nil {
		return nil
	}
	var attrs []attribute.KeyValue
	if d.Name != "" {
		attrs = append(attrs, attribute.String(AttrToolName, d.Name))
	}
	if len(d.Params) > 0 {
		attrs = append(attrs, coerce(AttrToolParams, d.Params))
	}
	if d.Returns != nil {
		attrs = append(attrs, coerce(AttrToolResult, d.Returns))
	}
	if d.Logs != nil {
		attrs = append(attrs, coerce(AttrToolLogs, d.Logs))
	}
	return attrs
}

func apiAttributes(d *event.APIDetails) []attribute.KeyValue {
	if d == nil {
		return nil
	}
	var attrs []attribute.KeyValue
	if d.Name != "" {
		attrs = append(attrs, attribute.String(AttrAPIName, d.Name))
	}
	if len(d.Params) > 0 {
		attrs = append(attrs, coerce(AttrAPIParams, d.Params))
	}
	return attrs
}

func errorAttributes(d *event.ErrorDetails) []attribute.KeyValue {
	if d == nil {
		return nil
	}
	attrs := []attribute.KeyValue{attribute.Bool(AttrError, true)}
	if d.ErrorType != "" {
		attrs = append(attrs, attribute.String(AttrErrorType, d.ErrorType))
	}
	if d.Details != "" {
		attrs = append(attrs, attribute.String(AttrErrorMessage, d.Details))
	}
	if d.Code != "" {
		attrs = append(attrs, attribute.String(AttrErrorCode, d.Code))
	}
	if d.Logs != "" {
		attrs = append(attrs, attribute.String(AttrErrorStacktrace, d.Logs))
	}
	if d.TriggerID != uuid.Nil {
		attrs = append(attrs,
			attribute.String(AttrTriggerEventID, d.TriggerID.String()),
			attribute.String(AttrTriggerEventType, string(d.TriggerType)),
		)
	}
	return attrs
}

func llmChild(ev *event.Event) *SpanDef {
	child := &SpanDef{
		Name: SpanNameLLMCall,
		Kind: trace.SpanKindClient,
		Attributes: []attribute.KeyValue{
			attribute.String(AttrEventID, ev.ID.String()),
			attribute.String(AttrLLMRequestTimestamp, ev.InitTimestamp),
		},
	}
	if ev.LLM != nil && ev.LLM.Model != "" {
		child.Attributes = append(child.Attributes, attribute.String(AttrLLMModel, ev.LLM.Model))
	}
	if ev.EndTimestamp != "" {
		child.Attributes = append(child.Attributes, attribute.String(AttrLLMResponseTimestamp, ev.EndTimestamp))
	}
	child.Start, child.End = eventTimes(ev)
	return child
}

func executionChild(ev *event.Event, name string, extra []attribute.KeyValue) *SpanDef {
	child := &SpanDef{
		Name: name,
		Kind: trace.SpanKindInternal,
		Attributes: []attribute.KeyValue{
			attribute.String(AttrEventID, ev.ID.String()),
			attribute.String(AttrExecutionStartTime, ev.InitTimestamp),
		},
	}
	if ev.EndTimestamp != "" {
		child.Attributes = append(child.Attributes, attribute.String(AttrExecutionEndTime, ev.EndTimestamp))
	}
	child.Attributes = append(child.Attributes, extra...)
	child.Start, child.End = eventTimes(ev)
	return child
}

func actionChildAttributes(d *event.ActionDetails) []attribute.KeyValue {
	if d == nil {
		return nil
	}
	var attrs []attribute.KeyValue
	if d.ActionType != "" {
		attrs = append(attrs, attribute.String(AttrActionType, d.ActionType))
	}
	if len(d.Params) > 0 {
		attrs = append(attrs, coerce(AttrActionParams, d.Params))
	}
	return attrs
}

func toolChildAttributes(d *event.ToolDetails) []attribute.KeyValue {
	if d == nil {
		return nil
	}
	var attrs []attribute.KeyValue
	if d.Name != "" {
		attrs = append(attrs, attribute.String(AttrToolName, d.Name))
	}
	if len(d.Params) > 0 {
		attrs = append(attrs, coerce(AttrToolParams, d.Params))
	}
	return attrs
}

// coerce converts an arbitrary value into a primitive span attribute.
// Primitives pass through; everything else becomes a JSON string, falling
// back to fmt formatting for values JSON cannot represent.
func coerce(key string, value any) attribute.KeyValue {
	switch v := value.(type) {
	case string:
		return attribute.String(key, v)
	case bool:
		return attribute.Bool(key, v)
	case int:
		return attribute.Int(key, v)
	case int64:
		return attribute.Int64(key, v)
	case float64:
		return attribute.Float64(key, v)
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return attribute.String(key, fmt.Sprintf("%v", value))
	}
	return attribute.String(key, string(raw))
}
