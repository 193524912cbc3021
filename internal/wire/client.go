// Package wire implements the HTTP client for the remote collection
// endpoint. It covers the control plane (session create/update, credential
// reauthorization) and the data plane (event and log batches).
//
// Control-plane calls retry on rate limiting and server errors with
// exponential backoff. Data-plane calls are deliberately single-shot: batch
// delivery is at-most-once and the exporters above this layer treat any
// failure as a dropped batch, never a crash.
package wire

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/patrickmn/go-cache"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
)

const (
	defaultTimeout = 1 * time.Minute   // Default timeout for HTTP requests
	contentType    = "application/json" // Content type for API requests

	// Retry configuration for control-plane calls
	retryCount       = 3
	retryWaitTime    = 1 * time.Second
	retryMaxWaitTime = 10 * time.Second

	// Credential cache configuration. JWTs issued by the endpoint are
	// short-lived; once an entry expires the next control-plane call
	// reauthorizes before sending.
	jwtTTL           = 30 * time.Minute
	jwtCacheCleanup  = 1 * time.Hour
)

// HTTP header names used in collection endpoint requests.
const (
	HeaderAPIKey        = "X-API-Key"
	HeaderParentKey     = "X-Parent-Key"
	HeaderAuthorization = "Authorization"
	HeaderContentType   = "Content-Type"
)

// Config holds the connection settings for the collection endpoint.
type Config struct {
	// Endpoint is the base URL, e.g. "https://api.agenttrace.dev".
	Endpoint string

	// APIKey authenticates every request.
	APIKey string

	// ParentKey optionally groups sessions under a parent project.
	ParentKey string

	// InsecureSkipVerify disables TLS certificate verification.
	InsecureSkipVerify bool

	// Timeout bounds each HTTP request. Zero means defaultTimeout.
	Timeout time.Duration
}

// Client talks to the collection endpoint. It is safe for concurrent use
// by multiple sessions.
type Client struct {
	control *resty.Client // session lifecycle + reauthorization, with retries
	data    *resty.Client // event/log batches, single-shot
	cfg     Config

	// jwts caches the current bearer credential per session id. Entries
	// expire after jwtTTL, which triggers reauthorization on the next
	// control-plane call.
	jwts *cache.Cache

	reauthMu sync.Mutex // serializes reauthorization per client
}

// NewClient creates a collection endpoint client with the provided
// configuration.
func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	if cfg.InsecureSkipVerify {
		log.Error("SECURITY WARNING: TLS certificate verification disabled - this is insecure for production use")
	}

	control := resty.New().
		SetTimeout(cfg.Timeout).
		SetRetryCount(retryCount).
		SetRetryWaitTime(retryWaitTime).
		SetRetryMaxWaitTime(retryMaxWaitTime).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() == http.StatusTooManyRequests || r.StatusCode() >= 500
		})
	control.AddRetryAfterErrorCondition()

	// Data-plane batches are at-most-once: no retries, a failed batch is
	// simply reported as failed to the exporter.
	data := resty.New().SetTimeout(cfg.Timeout)

	tlsCfg := &tls.Config{
		InsecureSkipVerify: cfg.InsecureSkipVerify,
		MinVersion:         tls.VersionTLS12,
	}
	control.SetTLSClientConfig(tlsCfg)
	data.SetTLSClientConfig(tlsCfg)

	return &Client{
		control: control,
		data:    data,
		cfg:     cfg,
		jwts:    cache.New(jwtTTL, jwtCacheCleanup),
	}
}

// CreateSession registers a new session with the endpoint and returns the
// issued bearer credential together with the initial token cost.
func (c *Client) CreateSession(ctx context.Context, snapshot SessionSnapshot) (string, decimal.Decimal, error) {
	var body sessionResponse
	resp, err := c.control.R().
		SetContext(ctx).
		SetHeaders(c.headers(snapshot.SessionID)).
		SetBody(createSessionRequest{Session: snapshot}).
		SetResult(&body).
		Post(c.cfg.Endpoint + "/v2/sessions")
	if err != nil {
		return "", decimal.Zero, fmt.Errorf("create session request failed: %w", err)
	}
	if resp.IsError() {
		return "", decimal.Zero, fmt.Errorf("create session failed: status=%d (%s)", resp.StatusCode(), resp.Status())
	}

	if body.JWT != "" {
		c.jwts.Set(snapshot.SessionID, body.JWT, cache.DefaultExpiration)
	}
	return body.JWT, parseTokenCost(body.TokenCost), nil
}

// UpdateSession pushes the current session snapshot and returns the updated
// server-authoritative token cost. Used both mid-session (tag updates) and
// at session end.
func (c *Client) UpdateSession(ctx context.Context, snapshot SessionSnapshot) (decimal.Decimal, error) {
	token, err := c.token(ctx, snapshot.SessionID)
	if err != nil {
		return decimal.Zero, err
	}

	var body sessionResponse
	resp, err := c.control.R().
		SetContext(ctx).
		SetHeaders(c.authHeaders(token)).
		SetBody(updateSessionRequest{Session: snapshot}).
		SetResult(&body).
		Post(fmt.Sprintf("%s/v2/sessions/%s/update", c.cfg.Endpoint, snapshot.SessionID))
	if err != nil {
		return decimal.Zero, fmt.Errorf("update session request failed: %w", err)
	}
	if resp.IsError() {
		return decimal.Zero, fmt.Errorf("update session failed: status=%d (%s)", resp.StatusCode(), resp.Status())
	}
	return parseTokenCost(body.TokenCost), nil
}

// PostEvents delivers one batch of event records. The batch is owned by the
// caller for the duration of the call and is sent as a single JSON array.
func (c *Client) PostEvents(ctx context.Context, sessionID string, records []EventRecord) error {
	resp, err := c.data.R().
		SetContext(ctx).
		SetHeaders(c.authHeaders(c.cachedToken(sessionID))).
		SetBody(createEventsRequest{Events: records}).
		Post(c.cfg.Endpoint + "/v2/events")
	if err != nil {
		return fmt.Errorf("post events request failed: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("post events failed: status=%d (%s)", resp.StatusCode(), resp.Status())
	}
	return nil
}

// PutLogs delivers one batch of serialized log records for a session.
func (c *Client) PutLogs(ctx context.Context, sessionID string, records []json.RawMessage) error {
	resp, err := c.data.R().
		SetContext(ctx).
		SetHeaders(c.authHeaders(c.cachedToken(sessionID))).
		SetBody(records).
		Put(fmt.Sprintf("%s/v3/logs/%s", c.cfg.Endpoint, sessionID))
	if err != nil {
		return fmt.Errorf("put logs request failed: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("put logs failed: status=%d (%s)", resp.StatusCode(), resp.Status())
	}
	return nil
}

// Reauthorize requests a fresh bearer credential for the session and caches
// it for subsequent calls.
func (c *Client) Reauthorize(ctx context.Context, sessionID string) (string, error) {
	var body sessionResponse
	resp, err := c.control.R().
		SetContext(ctx).
		SetHeaders(c.headers(sessionID)).
		SetBody(reauthorizeRequest{SessionID: sessionID}).
		SetResult(&body).
		Post(c.cfg.Endpoint + "/v2/reauthorize_jwt")
	if err != nil {
		return "", fmt.Errorf("reauthorize request failed: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("reauthorize failed: status=%d (%s)", resp.StatusCode(), resp.Status())
	}
	if body.JWT == "" {
		return "", fmt.Errorf("reauthorize returned no credential")
	}
	c.jwts.Set(sessionID, body.JWT, cache.DefaultExpiration)
	return body.JWT, nil
}

// token returns the cached credential for the session, reauthorizing when
// the cached entry has expired.
func (c *Client) token(ctx context.Context, sessionID string) (string, error) {
	if jwt := c.cachedToken(sessionID); jwt != "" {
		return jwt, nil
	}

	c.reauthMu.Lock()
	defer c.reauthMu.Unlock()
	// Another caller may have reauthorized while we waited.
	if jwt := c.cachedToken(sessionID); jwt != "" {
		return jwt, nil
	}
	return c.Reauthorize(ctx, sessionID)
}

// cachedToken returns the cached credential or the empty string.
func (c *Client) cachedToken(sessionID string) string {
	if v, found := c.jwts.Get(sessionID); found {
		return v.(string)
	}
	return ""
}

// headers returns the base headers for a control-plane call that does not
// yet hold a credential (session creation, reauthorization).
func (c *Client) headers(sessionID string) map[string]string {
	h := map[string]string{
		HeaderContentType: contentType,
		HeaderAPIKey:      c.cfg.APIKey,
	}
	if c.cfg.ParentKey != "" {
		h[HeaderParentKey] = c.cfg.ParentKey
	}
	if jwt := c.cachedToken(sessionID); jwt != "" {
		h[HeaderAuthorization] = "Bearer " + jwt
	}
	return h
}

// authHeaders returns headers carrying the API key and, when available, the
// bearer credential. Calls are valid with either; the endpoint prefers the
// JWT when both are present.
func (c *Client) authHeaders(jwt string) map[string]string {
	h := map[string]string{
		HeaderContentType: contentType,
		HeaderAPIKey:      c.cfg.APIKey,
	}
	if jwt != "" {
		h[HeaderAuthorization] = "Bearer " + jwt
	}
	return h
}

// MaskAPIKey returns a masked version of the API key for safe logging.
// Shows the first 4 and last 4 characters with asterisks in between.
func (c *Client) MaskAPIKey() string {
	if len(c.cfg.APIKey) <= 8 {
		return "****"
	}
	return c.cfg.APIKey[:4] + "****" + c.cfg.APIKey[len(c.cfg.APIKey)-4:]
}

// parseTokenCost converts the endpoint's token_cost field into a decimal.
// The endpoint may return a number, a numeric string, "unknown", or omit
// the field entirely; anything unparseable is treated as zero.
func parseTokenCost(raw json.RawMessage) decimal.Decimal {
	if len(raw) == 0 {
		return decimal.Zero
	}

	var asNumber json.Number
	if err := json.Unmarshal(raw, &asNumber); err == nil {
		if d, err := decimal.NewFromString(asNumber.String()); err == nil {
			return d
		}
	}

	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil && asString != "" && asString != "unknown" {
		if d, err := decimal.NewFromString(asString); err == nil {
			return d
		}
	}
	return decimal.Zero
}
