// Package transport implements the three authentication endpoints a device
// talks to: challenge, verify and token.
//
// The client is stateless. It maps HTTP outcomes onto a small error taxonomy
// so callers can decide what to do without inspecting responses:
//
//   - 2xx: body decoded into the declared type
//   - 401: ErrUnauthorized
//   - other non-2xx: *StatusError, which matches ErrServerError
//   - undecodable 2xx body: ErrDecodingFailed
//   - network or request construction failure: ErrRequestFailed
//
// Response bodies of failed requests are discarded, never logged.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// Default endpoint paths, relative to the base URL.
const (
	DefaultChallengePath = "/v1/attest/challenge"
	DefaultVerifyPath    = "/v1/attest/verify"
	DefaultTokenPath     = "/v1/attest/token"
)

// maxBodyBytes bounds how much of a response body is read.
const maxBodyBytes = 1 << 20

// Common errors returned by the transport package.
var (
	ErrInvalidURL     = errors.New("invalid URL")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrServerError    = errors.New("server error")
	ErrDecodingFailed = errors.New("response decoding failed")
	ErrRequestFailed  = errors.New("request failed")
)

// StatusError reports a non-2xx, non-401 response.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server error: status %d", e.StatusCode)
}

// Unwrap lets errors.Is(err, ErrServerError) match.
func (e *StatusError) Unwrap() error { return ErrServerError }

// ChallengeResponse is the body returned by the challenge endpoint.
type ChallengeResponse struct {
	Challenge string `json:"challenge"`
}

// VerifyRequest is the body sent to the verify endpoint. Challenge and
// Attestation are base64 (standard encoding).
type VerifyRequest struct {
	KeyID       string `json:"keyID"`
	Challenge   string `json:"challenge"`
	Attestation string `json:"attestation"`
}

// TokenRequest is the body sent to the token endpoint.
type TokenRequest struct {
	DeviceID string `json:"deviceId"`
}

// TokenResponse is returned by the verify and token endpoints.
type TokenResponse struct {
	Token string `json:"token"`

	// DeviceID is optionally returned by verify when the backend assigns its
	// own identifier to an attested device.
	DeviceID string `json:"deviceId,omitempty"`
}

// Config holds configuration for the transport client.
type Config struct {
	// BaseURL is the backend root, e.g. "https://api.example.com" (required).
	BaseURL string

	// Endpoint paths (defaults: DefaultChallengePath, DefaultVerifyPath,
	// DefaultTokenPath).
	ChallengePath string
	VerifyPath    string
	TokenPath     string

	// HTTPClient is used for all requests (default: 30 second timeout).
	HTTPClient *http.Client

	// Logger receives debug output (default: slog.Default()).
	Logger *slog.Logger
}

// Client calls the authentication endpoints.
type Client struct {
	challengeURL string
	verifyURL    string
	tokenURL     string
	http         *http.Client
	logger       *slog.Logger
}

// NewClient creates a transport client. It fails with ErrInvalidURL when the
// base URL is not an absolute http(s) URL.
func NewClient(cfg Config) (*Client, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if (base.Scheme != "http" && base.Scheme != "https") || base.Host == "" {
		return nil, fmt.Errorf("%w: %q must be an absolute http(s) URL", ErrInvalidURL, cfg.BaseURL)
	}

	challengePath := cfg.ChallengePath
	if challengePath == "" {
		challengePath = DefaultChallengePath
	}
	verifyPath := cfg.VerifyPath
	if verifyPath == "" {
		verifyPath = DefaultVerifyPath
	}
	tokenPath := cfg.TokenPath
	if tokenPath == "" {
		tokenPath = DefaultTokenPath
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		challengeURL: base.JoinPath(challengePath).String(),
		verifyURL:    base.JoinPath(verifyPath).String(),
		tokenURL:     base.JoinPath(tokenPath).String(),
		http:         httpClient,
		logger:       logger,
	}, nil
}

// Challenge fetches a fresh challenge and returns it still base64 encoded.
func (c *Client) Challenge(ctx context.Context) (string, error) {
	var resp ChallengeResponse
	if err := c.do(ctx, "challenge", http.MethodGet, c.challengeURL, nil, &resp); err != nil {
		return "", err
	}
	return resp.Challenge, nil
}

// Verify submits an attestation and returns the issued session token.
func (c *Client) Verify(ctx context.Context, req *VerifyRequest) (*TokenResponse, error) {
	var resp TokenResponse
	if err := c.do(ctx, "verify", http.MethodPost, c.verifyURL, req, &resp); err != nil {
		return nil, err
	}
	if resp.Token == "" {
		return nil, fmt.Errorf("%w: verify response has no token", ErrDecodingFailed)
	}
	return &resp, nil
}

// Token exchanges a device identifier for a session token. It serves both
// the refresh path and the identifier-only path.
func (c *Client) Token(ctx context.Context, deviceID string) (*TokenResponse, error) {
	var resp TokenResponse
	if err := c.do(ctx, "token", http.MethodPost, c.tokenURL, &TokenRequest{DeviceID: deviceID}, &resp); err != nil {
		return nil, err
	}
	if resp.Token == "" {
		return nil, fmt.Errorf("%w: token response has no token", ErrDecodingFailed)
	}
	return &resp, nil
}

func (c *Client) do(ctx context.Context, endpoint, method, target string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%w: encode %s request: %v", ErrRequestFailed, endpoint, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("%w: build %s request: %v", ErrRequestFailed, endpoint, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrRequestFailed, endpoint, err)
	}
	defer func() {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
		resp.Body.Close()
	}()

	c.logger.Debug("auth endpoint responded",
		"endpoint", endpoint,
		"status", resp.StatusCode,
		"duration", time.Since(start),
	)

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return fmt.Errorf("%w: %s", ErrUnauthorized, endpoint)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return fmt.Errorf("%s: %w", endpoint, &StatusError{StatusCode: resp.StatusCode})
	}

	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(out); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrDecodingFailed, endpoint, err)
	}
	return nil
}
