// Package realtime bridges a caller's audio to a realtime speech model over
// a second WebRTC peer connection. Audio flows both ways through two relays;
// transcripts and tool calls travel as JSON events on the "oai-events" data
// channel.
package realtime

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/MrWong99/audiorelay/pkg/fault"
)

const (
	// DefaultBaseURL is the public OpenAI API root.
	DefaultBaseURL = "https://api.openai.com/v1"

	// DefaultModel is used when no model is configured.
	DefaultModel = "gpt-4o-realtime-preview"

	// DefaultVoice is used when no voice is configured.
	DefaultVoice = "alloy"

	maxAnswerBytes = 1 << 20
)

// Guard wraps outbound calls, typically with a circuit breaker.
type Guard interface {
	Execute(fn func() error) error
}

// SessionConfig describes the model session requested for one bridge.
type SessionConfig struct {
	Model        string
	Voice        string
	Instructions string
	Modalities   []string
}

// Endpoint is the HTTP surface of the realtime service that a [Bridge] needs.
// [*Client] is the production implementation.
type Endpoint interface {
	// CreateSession returns an ephemeral bearer token.
	CreateSession(ctx context.Context, cfg SessionConfig) (string, error)
	// ExchangeSDP posts an offer and returns the answer SDP.
	ExchangeSDP(ctx context.Context, token, model, offer string) (string, error)
}

var _ Endpoint = (*Client)(nil)

// ClientOption configures a [Client].
type ClientOption func(*clientConfig)

type clientConfig struct {
	baseURL string
	timeout time.Duration
	guard   Guard
	http    *http.Client
}

// WithBaseURL overrides [DefaultBaseURL].
func WithBaseURL(u string) ClientOption {
	return func(c *clientConfig) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *clientConfig) { c.timeout = d }
}

// WithGuard routes every call through g.
func WithGuard(g Guard) ClientOption {
	return func(c *clientConfig) { c.guard = g }
}

// WithHTTPClient replaces the HTTP client used for both calls.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *clientConfig) { c.http = hc }
}

// Client talks to the realtime session and SDP endpoints.
type Client struct {
	api     oai.Client
	http    *http.Client
	baseURL string
	guard   Guard
}

// NewClient returns a client authenticating with apiKey.
func NewClient(apiKey string, opts ...ClientOption) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("realtime: apiKey must not be empty")
	}
	cfg := clientConfig{baseURL: DefaultBaseURL}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.http == nil {
		cfg.http = &http.Client{Timeout: cfg.timeout}
	}

	api := oai.NewClient(
		option.WithAPIKey(apiKey),
		option.WithBaseURL(cfg.baseURL+"/"),
		option.WithHTTPClient(cfg.http),
		option.WithMaxRetries(0),
	)
	return &Client{api: api, http: cfg.http, baseURL: cfg.baseURL, guard: cfg.guard}, nil
}

func (c *Client) guarded(fn func() error) error {
	if c.guard == nil {
		return fn()
	}
	return c.guard.Execute(fn)
}

type sessionRequest struct {
	Model        string   `json:"model"`
	Voice        string   `json:"voice,omitempty"`
	Instructions string   `json:"instructions,omitempty"`
	Modalities   []string `json:"modalities,omitempty"`
}

type sessionResponse struct {
	ID           string `json:"id"`
	ClientSecret struct {
		Value     string `json:"value"`
		ExpiresAt int64  `json:"expires_at"`
	} `json:"client_secret"`
}

// CreateSession requests an ephemeral client secret for cfg.
func (c *Client) CreateSession(ctx context.Context, cfg SessionConfig) (string, error) {
	req := sessionRequest{
		Model:        orDefault(cfg.Model, DefaultModel),
		Voice:        orDefault(cfg.Voice, DefaultVoice),
		Instructions: cfg.Instructions,
		Modalities:   cfg.Modalities,
	}
	var resp sessionResponse
	err := c.guarded(func() error {
		return c.api.Post(ctx, "realtime/sessions", req, &resp)
	})
	if err != nil {
		return "", fault.New(fault.ExternalService, "realtime create session", err)
	}
	if resp.ClientSecret.Value == "" {
		return "", fault.New(fault.ExternalService, "realtime create session", errors.New("response carries no client secret"))
	}
	return resp.ClientSecret.Value, nil
}

// ExchangeSDP posts offer to the realtime endpoint using the ephemeral token
// and returns the answer.
func (c *Client) ExchangeSDP(ctx context.Context, token, model, offer string) (string, error) {
	u := c.baseURL + "/realtime?model=" + url.QueryEscape(orDefault(model, DefaultModel))

	var answer string
	err := c.guarded(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewBufferString(offer))
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Content-Type", "application/sdp")

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxAnswerBytes))
		if err != nil {
			return fmt.Errorf("read answer: %w", err)
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		}
		answer = string(body)
		return nil
	})
	if err != nil {
		return "", fault.New(fault.ExternalService, "realtime sdp exchange", err)
	}
	if strings.TrimSpace(answer) == "" {
		return "", fault.New(fault.ExternalService, "realtime sdp exchange", errors.New("empty answer"))
	}
	return answer, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
