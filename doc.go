// Package session authenticates a device to a backend with hardware-backed
// attestation and turns that proof into a reusable session token.
//
// The package is built from three pieces:
//
//   - Orchestrator runs the attestation protocol: fetch a challenge, generate
//     a key on the device, attest the key over the challenge hash, and have
//     the backend verify the statement in exchange for a token.
//   - Controller owns the session state machine. It prefers a cheap token
//     refresh with a stored device identity, falls back to full attestation,
//     and on devices without attestation support exchanges a locally
//     generated identifier instead.
//   - Gateway is an http.RoundTripper that attaches the current token to
//     application requests and reports 401 responses back to the Controller.
//
// # Basic Usage
//
//	tr, err := transport.NewClient(transport.Config{BaseURL: "https://api.example.com"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	ctrl, err := session.NewController(ctx, session.Config{
//	    Transport: tr,
//	    Provider:  platformProvider,
//	    Store:     store,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	if err := ctrl.Authenticate(ctx); err != nil {
//	    // The app keeps running unauthenticated; session.Reason(err) gives a
//	    // category suitable for display.
//	}
//
//	api := ctrl.Gateway(nil).Client()
//	resp, err := api.Get("https://api.example.com/v1/stats")
//
// # Subpackages
//
//   - transport: HTTP client for the challenge, verify and token endpoints
//   - credstore: secure credential persistence (memory, encrypted file)
//   - redis: Redis-backed credential and challenge stores
//   - provider: software, unsupported and test attestation providers
//   - challenge: single-use challenge issuance for backends
//   - authserver: a reference backend implementing the three endpoints
//   - config: YAML and TOML settings for the example binaries
//   - metrics: Prometheus collectors for the session lifecycle
package session
