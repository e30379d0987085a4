package session

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/kacy/device-session/metrics"
)

// TokenSource supplies the bearer token for application requests.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// UnauthorizedHandler is told when the backend rejects a token with 401.
type UnauthorizedHandler interface {
	HandleUnauthorized(ctx context.Context, rejectedToken string)
}

// GatewayConfig holds configuration for a Gateway.
type GatewayConfig struct {
	// Tokens supplies the bearer token (required).
	Tokens TokenSource

	// OnUnauthorized is notified of 401 responses (optional).
	OnUnauthorized UnauthorizedHandler

	// Base performs the request (default: http.DefaultTransport).
	Base http.RoundTripper

	// Logger receives diagnostic output (default: slog.Default()).
	Logger *slog.Logger
}

// Gateway is an http.RoundTripper that attaches the session token to
// application requests and reports 401 responses. It never retries.
type Gateway struct {
	tokens         TokenSource
	onUnauthorized UnauthorizedHandler
	base           http.RoundTripper
	logger         *slog.Logger
}

// NewGateway creates a Gateway.
func NewGateway(cfg GatewayConfig) (*Gateway, error) {
	if cfg.Tokens == nil {
		return nil, errors.New("token source is required")
	}
	return newGateway(cfg), nil
}

func newGateway(cfg GatewayConfig) *Gateway {
	base := cfg.Base
	if base == nil {
		base = http.DefaultTransport
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		tokens:         cfg.Tokens,
		onUnauthorized: cfg.OnUnauthorized,
		base:           base,
		logger:         logger,
	}
}

// RoundTrip implements http.RoundTripper.
func (g *Gateway) RoundTrip(req *http.Request) (*http.Response, error) {
	token, err := g.tokens.Token(req.Context())
	if err != nil {
		if req.Body != nil {
			req.Body.Close()
		}
		return nil, err
	}

	out := req
	if token != "" {
		// RoundTrippers must not modify the caller's request.
		out = req.Clone(req.Context())
		out.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := g.base.RoundTrip(out)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusUnauthorized {
		metrics.GatewayUnauthorized.Inc()
		g.logger.Debug("request unauthorized", "method", req.Method, "path", req.URL.Path)
		if g.onUnauthorized != nil {
			g.onUnauthorized.HandleUnauthorized(req.Context(), token)
		}
	}
	return resp, nil
}

// Client returns an http.Client that sends requests through the gateway.
func (g *Gateway) Client() *http.Client {
	return &http.Client{Transport: g}
}

// CheckResponse maps an application response status to the session error
// taxonomy: nil for 2xx, ErrUnauthorized for 401 and *StatusError otherwise.
func CheckResponse(resp *http.Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusUnauthorized:
		return ErrUnauthorized
	default:
		return &StatusError{StatusCode: resp.StatusCode}
	}
}
