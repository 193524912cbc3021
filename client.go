package agenttrace

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/fjacquet/agenttrace/internal/pipeline"
	"github.com/fjacquet/agenttrace/internal/wire"
)

// Version is the client version reported in resource attributes.
const Version = "0.1.0"

// Client is the entry point of the SDK. It owns the configuration, the
// collection endpoint connection and the session registry, and wires the
// default signal handlers that attach a telemetry pipeline to each session.
type Client struct {
	cfg      Config
	api      *wire.Client
	registry *Registry
	signals  *Signals
}

// New validates the configuration and creates a client. No network traffic
// happens until the first session starts.
func New(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	c := &Client{
		cfg: cfg,
		api: wire.NewClient(wire.Config{
			Endpoint:           cfg.Endpoint,
			APIKey:             cfg.APIKey,
			ParentKey:          cfg.ParentKey,
			InsecureSkipVerify: cfg.InsecureSkipVerify,
		}),
		registry: NewRegistry(),
		signals:  newSignals(),
	}

	c.signals.SessionStarted.Connect("pipeline", c.attachPipeline)
	c.signals.EventRecorded.Connect("pipeline", c.dispatchEvent)
	c.signals.SessionEnded.Connect("registry", c.dropSession)

	log.WithField("api_key", cfg.MaskAPIKey()).Debug("Client configured")
	return c, nil
}

// Signals returns the client's lifecycle signals, for hosts and tests that
// want to observe or rewire session lifecycle handling.
func (c *Client) Signals() *Signals {
	return c.signals
}

// Registry returns the live session registry.
func (c *Client) Registry() *Registry {
	return c.registry
}

// StartSession registers a new session with the collection endpoint and
// brings up its telemetry pipeline. The given tags are merged with the
// configured default tags.
//
// On failure the session transitions to FAILED and an error is returned;
// with FailSafe enabled the failure is additionally logged so callers that
// ignore the error still see it.
func (c *Client) StartSession(ctx context.Context, tags ...string) (*Session, error) {
	s := newSession(c, append(append([]string{}, c.cfg.DefaultTags...), tags...))
	c.signals.SessionInitializing.SendSafe(SessionPayload{Session: s})

	jwt, cost, err := c.api.CreateSession(ctx, s.snapshot())
	if err != nil {
		s.fail("session registration failed")
		return nil, c.startFailure(fmt.Errorf("could not start session: %w", err))
	}
	if jwt == "" {
		log.WithField("session_id", s.ID).Warn("Endpoint issued no credential; batches will authenticate with the API key only")
	}
	s.setTokenCost(cost)

	if err := s.markRunning(); err != nil {
		s.fail("invalid starting state")
		return nil, c.startFailure(err)
	}

	// Pipeline construction is lifecycle-critical: a handler error here
	// fails the start.
	if err := c.signals.SessionStarted.Send(SessionPayload{Session: s}); err != nil {
		s.fail("pipeline construction failed")
		return nil, c.startFailure(fmt.Errorf("could not build session pipeline: %w", err))
	}

	c.registry.register(s)
	log.WithFields(log.Fields{"session_id": s.ID, "tags": s.Tags()}).Info("Session started")
	return s, nil
}

// startFailure reports a failed session start according to the fail-safe
// setting: always an error to the caller, loudly logged when fail-safe is
// on so swallowed errors remain visible.
func (c *Client) startFailure(err error) error {
	if c.cfg.FailSafe {
		log.WithError(err).Error("Session start failed (fail-safe enabled)")
	}
	return err
}

// EndAll terminates every live session with the given state and reason.
// Used for process-exit cleanup; per-session failures are logged and do not
// stop the sweep.
func (c *Client) EndAll(ctx context.Context, state SessionState, reason string) {
	for _, s := range c.registry.Active() {
		if _, err := s.End(ctx, state, reason); err != nil {
			log.WithField("session_id", s.ID).WithError(err).Warn("Failed to end session")
		}
	}
}

func (c *Client) attachPipeline(p SessionPayload) error {
	pl, err := pipeline.New(pipeline.Config{
		SessionID:      p.Session.ID.String(),
		ServiceVersion: Version,
		MaxQueueSize:   c.cfg.MaxQueueSize,
		MaxWaitTime:    c.cfg.maxWaitTime(),
		Strict:         c.cfg.Strict,
		DropPolicy:     c.cfg.dropPolicy(),
		OTLP: pipeline.OTLPConfig{
			Enabled:      c.cfg.OTLP.Enabled,
			Endpoint:     c.cfg.OTLP.Endpoint,
			Insecure:     c.cfg.OTLP.Insecure,
			SamplingRate: c.cfg.OTLP.SamplingRate,
		},
	}, c.api)
	if err != nil {
		return err
	}
	p.Session.setPipeline(pl)
	return nil
}

func (c *Client) dispatchEvent(p EventPayload) error {
	if pl := p.Session.pipelineRef(); pl != nil {
		pl.HandleEvent(p.Event)
	}
	return nil
}

func (c *Client) dropSession(p SessionPayload) error {
	c.registry.unregister(p.Session.ID)
	return nil
}
