// Package authserver is a reference backend for the device session protocol.
//
// It issues single-use challenges, verifies attestation statements, keeps a
// registry of known devices and exchanges device IDs for HS256 session
// tokens. RequireToken protects application routes with those tokens.
//
//	srv, err := authserver.New(authserver.Config{Secret: secret})
//	if err != nil {
//	    return err
//	}
//	defer srv.Close()
//
//	r := srv.Router()
//	r.Handle("/v1/stats", srv.RequireToken(statsHandler)).Methods("GET")
//	http.ListenAndServe(":8080", r)
package authserver

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/kacy/device-session/challenge"
	"github.com/kacy/device-session/provider"
	"github.com/kacy/device-session/transport"
)

// StatementVerifier checks that an attestation statement binds keyID to
// clientDataHash.
type StatementVerifier interface {
	Verify(statement []byte, keyID string, clientDataHash []byte) error
}

// StatementVerifierFunc adapts a function to StatementVerifier.
type StatementVerifierFunc func(statement []byte, keyID string, clientDataHash []byte) error

// Verify calls f.
func (f StatementVerifierFunc) Verify(statement []byte, keyID string, clientDataHash []byte) error {
	return f(statement, keyID, clientDataHash)
}

// SoftwareVerifier accepts statements produced by provider.Software.
var SoftwareVerifier StatementVerifier = StatementVerifierFunc(provider.VerifySoftwareStatement)

// Config holds configuration for the reference backend.
type Config struct {
	// Secret signs session tokens (required, at least 32 bytes).
	Secret []byte

	// TokenTTL is how long session tokens are valid (default: 1 hour).
	TokenTTL time.Duration

	// Challenges issues and consumes challenges. When nil an in-memory store
	// with ChallengeTimeout is created and closed with the server.
	Challenges challenge.Store

	// ChallengeTimeout is how long challenges remain valid (default: 5 minutes).
	ChallengeTimeout time.Duration

	// Verifier checks attestation statements (default: SoftwareVerifier).
	Verifier StatementVerifier

	// AllowUnattested lets the token endpoint register unknown device IDs,
	// serving devices that cannot attest.
	AllowUnattested bool

	// Logger receives request diagnostics (default: slog.Default()).
	Logger *slog.Logger
}

// Server implements the challenge, verify and token endpoints.
type Server struct {
	challenges      challenge.Store
	ownsChallenges  bool
	verifier        StatementVerifier
	tokens          *tokenIssuer
	devices         *registry
	allowUnattested bool
	logger          *slog.Logger
	router          *mux.Router

	mu     sync.Mutex
	closed bool
}

// New creates a reference backend.
func New(cfg Config) (*Server, error) {
	if len(cfg.Secret) < 32 {
		return nil, errors.New("secret must be at least 32 bytes")
	}

	ttl := cfg.TokenTTL
	if ttl == 0 {
		ttl = time.Hour
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	verifier := cfg.Verifier
	if verifier == nil {
		verifier = SoftwareVerifier
	}

	s := &Server{
		challenges:      cfg.Challenges,
		verifier:        verifier,
		tokens:          &tokenIssuer{secret: cfg.Secret, ttl: ttl, now: time.Now},
		devices:         newRegistry(),
		allowUnattested: cfg.AllowUnattested,
		logger:          logger,
	}
	if s.challenges == nil {
		s.challenges = challenge.NewMemoryStore(challenge.Config{Timeout: cfg.ChallengeTimeout})
		s.ownsChallenges = true
	}

	r := mux.NewRouter()
	r.HandleFunc(transport.DefaultChallengePath, s.handleChallenge).Methods(http.MethodGet)
	r.HandleFunc(transport.DefaultVerifyPath, s.handleVerify).Methods(http.MethodPost)
	r.HandleFunc(transport.DefaultTokenPath, s.handleToken).Methods(http.MethodPost)
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	}).Methods(http.MethodGet)
	s.router = r

	return s, nil
}

// Router returns the server's router so callers can mount application routes
// next to the authentication endpoints.
func (s *Server) Router() *mux.Router {
	return s.router
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// RevokeDevice removes a device from the registry. Its tokens are rejected
// from then on and it must attest again.
func (s *Server) RevokeDevice(deviceID string) bool {
	return s.devices.remove(deviceID)
}

// Device returns the registered device with the given ID.
func (s *Server) Device(deviceID string) (Device, bool) {
	return s.devices.get(deviceID)
}

// Close releases resources used by the server.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if s.ownsChallenges {
		s.challenges.Close()
	}
	return nil
}

type deviceKey struct{}

// DeviceID returns the authenticated device ID stored by RequireToken.
func DeviceID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(deviceKey{}).(string)
	return id, ok
}

// RequireToken rejects requests without a valid session token for a
// registered device with 401.
func (s *Server) RequireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || raw == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		deviceID, err := s.tokens.verify(raw)
		if err != nil {
			s.logger.Debug("rejected session token", "error", err)
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		if _, ok := s.devices.get(deviceID); !ok {
			writeError(w, http.StatusUnauthorized, "unknown device")
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), deviceKey{}, deviceID)))
	})
}

func (s *Server) handleChallenge(w http.ResponseWriter, r *http.Request) {
	c, err := s.challenges.Generate(r.Context())
	if err != nil {
		s.logger.Error("failed to generate challenge", "error", err)
		writeError(w, http.StatusInternalServerError, "challenge unavailable")
		return
	}
	writeJSON(w, http.StatusOK, transport.ChallengeResponse{Challenge: c})
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req transport.VerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request")
		return
	}
	if req.KeyID == "" || req.Challenge == "" || req.Attestation == "" {
		writeError(w, http.StatusBadRequest, "keyID, challenge and attestation are required")
		return
	}

	// The challenge is spent even when verification below fails.
	if !s.challenges.Consume(r.Context(), req.Challenge) {
		writeError(w, http.StatusUnauthorized, "unknown or expired challenge")
		return
	}

	raw, err := challenge.Encoding.DecodeString(req.Challenge)
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed challenge")
		return
	}
	statement, err := base64.StdEncoding.DecodeString(req.Attestation)
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed attestation")
		return
	}

	clientDataHash := sha256.Sum256(raw)
	if err := s.verifier.Verify(statement, req.KeyID, clientDataHash[:]); err != nil {
		s.logger.Info("attestation rejected", "error", err)
		writeError(w, http.StatusUnauthorized, "attestation rejected")
		return
	}

	device := Device{
		ID:           uuid.NewString(),
		KeyID:        req.KeyID,
		Attested:     true,
		RegisteredAt: time.Now(),
	}
	s.devices.add(device)

	token, err := s.tokens.issue(device.ID)
	if err != nil {
		s.logger.Error("failed to sign token", "error", err)
		writeError(w, http.StatusInternalServerError, "token unavailable")
		return
	}

	s.logger.Info("device attested", "device_id", device.ID)
	writeJSON(w, http.StatusOK, transport.TokenResponse{Token: token, DeviceID: device.ID})
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	var req transport.TokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DeviceID == "" {
		writeError(w, http.StatusBadRequest, "deviceId is required")
		return
	}

	if _, ok := s.devices.get(req.DeviceID); !ok {
		if !s.allowUnattested {
			writeError(w, http.StatusUnauthorized, "unknown device")
			return
		}
		s.devices.add(Device{ID: req.DeviceID, RegisteredAt: time.Now()})
		s.logger.Info("registered unattested device", "device_id", req.DeviceID)
	}

	token, err := s.tokens.issue(req.DeviceID)
	if err != nil {
		s.logger.Error("failed to sign token", "error", err)
		writeError(w, http.StatusInternalServerError, "token unavailable")
		return
	}
	writeJSON(w, http.StatusOK, transport.TokenResponse{Token: token})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
