// Package agenttrace is a client SDK for recording agent telemetry as
// sessions of events. A session owns an isolated OpenTelemetry pipeline
// that turns recorded events into spans, batches them, and delivers them to
// a remote collection endpoint; concurrent sessions never share pipeline
// state.
//
// Typical use:
//
//	client, err := agenttrace.New(agenttrace.Config{APIKey: "..."})
//	if err != nil {
//		return err
//	}
//	session, err := client.StartSession(ctx, "experiment-42")
//	if err != nil {
//		return err
//	}
//	defer session.End(ctx, agenttrace.StateSucceeded, "")
//
//	ev := event.NewLLM(event.LLMDetails{Model: "gpt-4", PromptTokens: 10})
//	_ = ev.End()
//	_ = session.Record(ev)
//
// Telemetry failures never take the host application down: export errors
// are counted, logged and swallowed unless strict mode is enabled.
package agenttrace
