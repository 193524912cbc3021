package translate

// Common event attributes
const (
	AttrEventID        = "event.id"
	AttrEventType      = "event.type"
	AttrEventStartTime = "event.start_time"
	AttrEventEndTime   = "event.end_time"
)

// Session and agent attributes
const (
	AttrSessionID = "session.id"
	AttrAgentID   = "agent.id"
)

// LLM attributes
const (
	AttrLLMModel             = "llm.model"
	AttrLLMPrompt            = "llm.prompt"
	AttrLLMCompletion        = "llm.completion"
	AttrLLMTokensPrompt      = "llm.tokens.prompt"
	AttrLLMTokensCompletion  = "llm.tokens.completion"
	AttrLLMTokensTotal       = "llm.tokens.total"
	AttrLLMCost              = "llm.cost"
	AttrLLMRequestTimestamp  = "llm.request.timestamp"
	AttrLLMResponseTimestamp = "llm.response.timestamp"
)

// Action attributes
const (
	AttrActionType       = "action.type"
	AttrActionParams     = "action.params"
	AttrActionResult     = "action.result"
	AttrActionLogs       = "action.logs"
	AttrActionScreenshot = "action.screenshot"
)

// Tool attributes
const (
	AttrToolName   = "tool.name"
	AttrToolParams = "tool.params"
	AttrToolResult = "tool.result"
	AttrToolLogs   = "tool.logs"
)

// API attributes
const (
	AttrAPIName   = "api.name"
	AttrAPIParams = "api.params"
)

// Error attributes
const (
	AttrError            = "error"
	AttrErrorType        = "error.type"
	AttrErrorMessage     = "error.message"
	AttrErrorCode        = "error.code"
	AttrErrorStacktrace  = "error.stacktrace"
	AttrTriggerEventID   = "trigger_event.id"
	AttrTriggerEventType = "trigger_event.type"
)

// Execution child span attributes
const (
	AttrExecutionStartTime = "execution.start_time"
	AttrExecutionEndTime   = "execution.end_time"
)
