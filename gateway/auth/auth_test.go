package auth

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var authTestNow = time.Unix(1_700_000_000, 0).UTC()

func fixedNow() time.Time { return authTestNow }

func testAuthenticator(t *testing.T, opts Options) *Authenticator {
	t.Helper()
	if opts.Now == nil {
		opts.Now = fixedNow
	}
	return NewAuthenticator(map[string]string{"partner": "secret"}, opts)
}

func signedRequest(secret, method, target string, body []byte, ts time.Time, nonce string) *http.Request {
	req := httptest.NewRequest(method, target, nil)
	timestamp := strconv.FormatInt(ts.Unix(), 10)
	req.Header.Set(HeaderAPIKey, "partner")
	req.Header.Set(HeaderTimestamp, timestamp)
	req.Header.Set(HeaderNonce, nonce)
	sig := ComputeSignature(secret, timestamp, nonce, method, CanonicalRequestPath(req), body)
	req.Header.Set(HeaderSignature, hex.EncodeToString(sig))
	return req
}

func TestAuthenticateAcceptsSignedRequest(t *testing.T) {
	auth := testAuthenticator(t, Options{})
	body := []byte(`{"orderId":"0xabc"}`)

	principal, err := auth.Authenticate(signedRequest("secret", http.MethodPost, "/v1/trades", body, authTestNow, "nonce-1"), body)
	require.NoError(t, err)
	require.Equal(t, "partner", principal.APIKey)
}

func TestAuthenticateRejectsReplays(t *testing.T) {
	auth := testAuthenticator(t, Options{})
	body := []byte(`{}`)

	_, err := auth.Authenticate(signedRequest("secret", http.MethodPost, "/v1/trades", body, authTestNow, "nonce-1"), body)
	require.NoError(t, err)

	_, err = auth.Authenticate(signedRequest("secret", http.MethodPost, "/v1/trades", body, authTestNow, "nonce-1"), body)
	require.EqualError(t, err, "nonce already used")

	// A fresh nonce with the same timestamp still fails the monotonicity check.
	_, err = auth.Authenticate(signedRequest("secret", http.MethodPost, "/v1/trades", body, authTestNow, "nonce-2"), body)
	require.EqualError(t, err, "timestamp not increasing")

	_, err = auth.Authenticate(signedRequest("secret", http.MethodPost, "/v1/trades", body, authTestNow.Add(time.Second), "nonce-3"), body)
	require.NoError(t, err)
}

func TestAuthenticateRejectsTamperedBody(t *testing.T) {
	auth := testAuthenticator(t, Options{})
	signed := []byte(`{"amount":"1000"}`)
	tampered := []byte(`{"amount":"9000"}`)

	req := signedRequest("secret", http.MethodPost, "/v1/trades", signed, authTestNow, "nonce-1")
	_, err := auth.Authenticate(req, tampered)
	require.EqualError(t, err, "invalid signature")
}

func TestAuthenticateRejectsSkewedTimestamp(t *testing.T) {
	auth := testAuthenticator(t, Options{Skew: time.Minute})
	body := []byte(`{}`)

	req := signedRequest("secret", http.MethodPost, "/v1/trades", body, authTestNow.Add(-3*time.Minute), "nonce-old")
	_, err := auth.Authenticate(req, body)
	require.ErrorContains(t, err, "timestamp outside allowed skew")
}

func TestAuthenticateRejectsUnknownKey(t *testing.T) {
	auth := testAuthenticator(t, Options{})
	body := []byte(`{}`)

	req := signedRequest("secret", http.MethodPost, "/v1/trades", body, authTestNow, "nonce-1")
	req.Header.Set(HeaderAPIKey, "stranger")
	_, err := auth.Authenticate(req, body)
	require.EqualError(t, err, "unknown API key")
}

func TestOptionsAreClamped(t *testing.T) {
	auth := NewAuthenticator(map[string]string{"a": "s"}, Options{
		Skew:          15 * time.Minute,
		NonceTTL:      30 * time.Minute,
		NonceCapacity: 1_000_000,
	})
	require.Equal(t, maxTimestampSkew, auth.skew)
	require.Equal(t, maxNonceTTL, auth.nonceTTL)
	require.Equal(t, maxNonceCapacity, auth.capacity)
}

func TestReplayCacheEvictsOldest(t *testing.T) {
	auth := testAuthenticator(t, Options{NonceCapacity: 2})
	body := []byte(`{}`)

	for i := 0; i < 3; i++ {
		ts := authTestNow.Add(time.Duration(i) * time.Second)
		req := signedRequest("secret", http.MethodPost, "/v1/trades", body, ts, fmt.Sprintf("nonce-%d", i))
		_, err := auth.Authenticate(req, body)
		require.NoError(t, err)
	}

	auth.mu.Lock()
	defer auth.mu.Unlock()
	require.Len(t, auth.seen, 2)
	_, oldest := auth.seen[compositeKey("partner", strconv.FormatInt(authTestNow.Unix(), 10), "nonce-0")]
	require.False(t, oldest)
}

func TestReplayCacheExpiresByTTL(t *testing.T) {
	current := authTestNow
	auth := NewAuthenticator(map[string]string{"partner": "secret"}, Options{
		Skew:     2 * time.Minute,
		NonceTTL: time.Minute,
		Now:      func() time.Time { return current },
	})
	body := []byte(`{}`)

	_, err := auth.Authenticate(signedRequest("secret", http.MethodPost, "/v1/trades", body, current, "nonce-a"), body)
	require.NoError(t, err)

	current = current.Add(90 * time.Second)
	_, err = auth.Authenticate(signedRequest("secret", http.MethodPost, "/v1/trades", body, current, "nonce-b"), body)
	require.NoError(t, err)

	auth.mu.Lock()
	defer auth.mu.Unlock()
	_, expired := auth.seen[compositeKey("partner", strconv.FormatInt(authTestNow.Unix(), 10), "nonce-a")]
	require.False(t, expired)
}

func TestDurableStoreBlocksReplayAcrossRestarts(t *testing.T) {
	store := newMemNonceStore()
	body := []byte(`{"orderId":"0xdef"}`)
	opts := func() Options {
		return Options{Skew: 2 * time.Minute, NonceTTL: 5 * time.Minute, Now: fixedNow, Store: store}
	}

	auth := testAuthenticator(t, opts())
	require.NoError(t, auth.Hydrate(context.Background(), authTestNow.Add(-5*time.Minute)))
	_, err := auth.Authenticate(signedRequest("secret", http.MethodPost, "/v1/trades", body, authTestNow, "nonce-42"), body)
	require.NoError(t, err)
	require.Equal(t, 1, store.count())

	restarted := testAuthenticator(t, opts())
	require.NoError(t, restarted.Hydrate(context.Background(), authTestNow.Add(-5*time.Minute)))
	_, err = restarted.Authenticate(signedRequest("secret", http.MethodPost, "/v1/trades", body, authTestNow, "nonce-42"), body)
	require.EqualError(t, err, "nonce already used")

	// Even without hydration the durable store catches the replay.
	cold := testAuthenticator(t, opts())
	_, err = cold.Authenticate(signedRequest("secret", http.MethodPost, "/v1/trades", body, authTestNow, "nonce-42"), body)
	require.EqualError(t, err, "nonce already used")
}

func TestCanonicalQuerySortsParameters(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/v1/events?limit=10&from=3", nil)
	require.Equal(t, "/v1/events?from=3&limit=10", CanonicalRequestPath(req))
	require.Equal(t, "", CanonicalQuery(""))
}

type memNonceStore struct {
	mu      sync.Mutex
	records map[string]NonceRecord
}

func newMemNonceStore() *memNonceStore {
	return &memNonceStore{records: make(map[string]NonceRecord)}
}

func (m *memNonceStore) EnsureNonce(_ context.Context, record NonceRecord) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := compositeKey(record.APIKey, record.Timestamp, record.Nonce)
	if _, ok := m.records[key]; ok {
		return true, nil
	}
	m.records[key] = record
	return false, nil
}

func (m *memNonceStore) RecentNonces(_ context.Context, cutoff time.Time) ([]NonceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]NonceRecord, 0, len(m.records))
	for _, rec := range m.records {
		if rec.ObservedAt.Before(cutoff) {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (m *memNonceStore) PruneNonces(_ context.Context, cutoff time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, rec := range m.records {
		if rec.ObservedAt.Before(cutoff) {
			delete(m.records, key)
		}
	}
	return nil
}

func (m *memNonceStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}
