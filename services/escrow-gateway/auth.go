package main

import (
	"encoding/hex"
	"net/http"
	"time"

	gatewayauth "peervault/gateway/auth"
)

// The sidecar shares its HMAC scheme with the embedded gateway package so
// partners sign requests the same way against either surface.
const (
	headerAPIKey    = gatewayauth.HeaderAPIKey
	headerTimestamp = gatewayauth.HeaderTimestamp
	headerNonce     = gatewayauth.HeaderNonce
	headerSignature = gatewayauth.HeaderSignature

	maxRequestBody = gatewayauth.MaxSignedBodyBytes
)

type (
	// Principal identifies the API key behind an authenticated request.
	Principal = gatewayauth.Principal
	// Authenticator verifies signed requests.
	Authenticator = gatewayauth.Authenticator
)

func newAuthenticator(cfg Config, store gatewayauth.NonceStore) *Authenticator {
	return gatewayauth.NewAuthenticator(cfg.Secrets(), gatewayauth.Options{
		Skew:          cfg.TimestampSkew.Duration,
		NonceTTL:      cfg.NonceTTL.Duration,
		NonceCapacity: cfg.NonceCapacity,
		Store:         store,
	})
}

func computeSignature(secret, timestamp, nonce, method string, r *http.Request, body []byte) string {
	sum := gatewayauth.ComputeSignature(secret, timestamp, nonce, method, gatewayauth.CanonicalRequestPath(r), body)
	return hex.EncodeToString(sum)
}

func nonceCutoff(cfg Config, now time.Time) time.Time {
	return now.Add(-cfg.NonceTTL.Duration)
}
