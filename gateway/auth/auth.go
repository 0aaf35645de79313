package auth

import (
	"container/list"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Request headers checked by the authenticator. The caller signs the
// timestamp, nonce, upper-cased method, canonical request path and the raw
// body with its API secret and sends the hex digest in X-Signature.
const (
	HeaderAPIKey    = "X-Api-Key"
	HeaderTimestamp = "X-Timestamp"
	HeaderNonce     = "X-Nonce"
	HeaderSignature = "X-Signature"

	// MaxSignedBodyBytes caps the body size the authenticator will hash.
	MaxSignedBodyBytes = 1 << 20
)

const (
	maxTimestampSkew     = 2 * time.Minute
	maxNonceTTL          = 10 * time.Minute
	defaultNonceCapacity = 4096
	maxNonceCapacity     = 65536
	storePruneInterval   = time.Minute
)

// Principal identifies the API client that signed a request.
type Principal struct {
	APIKey string
}

// NonceRecord is one observed (key, timestamp, nonce) triple.
type NonceRecord struct {
	APIKey     string
	Timestamp  string
	Nonce      string
	ObservedAt time.Time
}

// NonceStore persists nonce usage across restarts so a replayed request
// cannot slip through a freshly booted gateway with an empty cache.
type NonceStore interface {
	// EnsureNonce records the nonce, reporting true when it was already
	// present.
	EnsureNonce(ctx context.Context, record NonceRecord) (bool, error)
	RecentNonces(ctx context.Context, cutoff time.Time) ([]NonceRecord, error)
	PruneNonces(ctx context.Context, cutoff time.Time) error
}

// Options tune the authenticator. Zero values fall back to defaults, and
// skew, TTL and capacity are clamped rather than trusted: a misconfigured
// gateway must not widen its own replay window.
type Options struct {
	Skew          time.Duration
	NonceTTL      time.Duration
	NonceCapacity int
	Now           func() time.Time
	Store         NonceStore
}

// Authenticator verifies API key + HMAC-SHA256 request signatures and
// rejects replayed nonces and non-increasing timestamps.
type Authenticator struct {
	secrets  map[string]string
	skew     time.Duration
	nonceTTL time.Duration
	capacity int
	now      func() time.Time
	store    NonceStore

	mu           sync.Mutex
	seen         map[string]*list.Element
	order        *list.List
	lastAccepted map[string]int64
	lastPruned   time.Time
}

type seenEntry struct {
	key        string
	observedAt time.Time
}

// NewAuthenticator builds an authenticator over the given API key to secret
// map.
func NewAuthenticator(secrets map[string]string, opts Options) *Authenticator {
	cloned := make(map[string]string, len(secrets))
	for key, secret := range secrets {
		cloned[strings.TrimSpace(key)] = strings.TrimSpace(secret)
	}
	skew := opts.Skew
	if skew <= 0 || skew > maxTimestampSkew {
		skew = maxTimestampSkew
	}
	ttl := opts.NonceTTL
	if ttl <= 0 || ttl > maxNonceTTL {
		ttl = maxNonceTTL
	}
	capacity := opts.NonceCapacity
	if capacity <= 0 {
		capacity = defaultNonceCapacity
	}
	if capacity > maxNonceCapacity {
		capacity = maxNonceCapacity
	}
	nowFn := opts.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Authenticator{
		secrets:      cloned,
		skew:         skew,
		nonceTTL:     ttl,
		capacity:     capacity,
		now:          nowFn,
		store:        opts.Store,
		seen:         make(map[string]*list.Element),
		order:        list.New(),
		lastAccepted: make(map[string]int64),
	}
}

// Authenticate validates the signature headers against the request and body,
// returning the caller principal on success.
func (a *Authenticator) Authenticate(r *http.Request, body []byte) (*Principal, error) {
	if len(body) > MaxSignedBodyBytes {
		return nil, fmt.Errorf("request body exceeds %d bytes", MaxSignedBodyBytes)
	}
	apiKey := strings.TrimSpace(r.Header.Get(HeaderAPIKey))
	if apiKey == "" {
		return nil, errors.New("missing X-Api-Key header")
	}
	secret, ok := a.secrets[apiKey]
	if !ok || secret == "" {
		return nil, errors.New("unknown API key")
	}
	timestamp := strings.TrimSpace(r.Header.Get(HeaderTimestamp))
	if timestamp == "" {
		return nil, errors.New("missing X-Timestamp header")
	}
	ts, err := parseUnixTimestamp(timestamp)
	if err != nil {
		return nil, fmt.Errorf("invalid timestamp: %w", err)
	}
	now := a.now().UTC()
	if drift := now.Sub(ts); drift > a.skew || drift < -a.skew {
		return nil, fmt.Errorf("timestamp outside allowed skew of %s", a.skew)
	}
	nonce := strings.TrimSpace(r.Header.Get(HeaderNonce))
	if nonce == "" {
		return nil, errors.New("missing X-Nonce header")
	}
	provided := strings.TrimSpace(r.Header.Get(HeaderSignature))
	if provided == "" {
		return nil, errors.New("missing X-Signature header")
	}
	providedBytes, err := hex.DecodeString(provided)
	if err != nil {
		return nil, fmt.Errorf("invalid signature encoding: %w", err)
	}
	expected := ComputeSignature(secret, timestamp, nonce, r.Method, CanonicalRequestPath(r), body)
	if !hmac.Equal(providedBytes, expected) {
		return nil, errors.New("invalid signature")
	}
	if err := a.observe(r.Context(), apiKey, timestamp, nonce, ts, now); err != nil {
		return nil, err
	}
	return &Principal{APIKey: apiKey}, nil
}

// Hydrate warms the in-memory replay cache from the durable store. Call it
// once on boot before serving traffic.
func (a *Authenticator) Hydrate(ctx context.Context, cutoff time.Time) error {
	if a == nil || a.store == nil {
		return nil
	}
	records, err := a.store.RecentNonces(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("load persisted nonces: %w", err)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, rec := range records {
		if strings.TrimSpace(rec.APIKey) == "" || strings.TrimSpace(rec.Nonce) == "" {
			continue
		}
		observed := rec.ObservedAt
		if observed.IsZero() {
			observed = cutoff
		}
		a.insertLocked(compositeKey(rec.APIKey, rec.Timestamp, rec.Nonce), observed)
	}
	return nil
}

// observe registers the nonce and enforces per-key timestamp monotonicity.
// The nonce is recorded even when the timestamp check fails, so a rejected
// request cannot be replayed either.
func (a *Authenticator) observe(ctx context.Context, apiKey, timestamp, nonce string, ts, now time.Time) error {
	composite := compositeKey(apiKey, timestamp, nonce)

	a.mu.Lock()
	defer a.mu.Unlock()
	a.evictLocked(now)
	if _, dup := a.seen[composite]; dup {
		return errors.New("nonce already used")
	}
	if a.store != nil {
		if err := a.pruneStoreLocked(ctx, now); err != nil {
			return err
		}
		record := NonceRecord{APIKey: apiKey, Timestamp: timestamp, Nonce: nonce, ObservedAt: now}
		existed, err := a.store.EnsureNonce(ctx, record)
		if err != nil {
			return fmt.Errorf("persist nonce: %w", err)
		}
		if existed {
			a.insertLocked(composite, now)
			return errors.New("nonce already used")
		}
	}
	a.insertLocked(composite, now)

	current := ts.Unix()
	last, tracked := a.lastAccepted[apiKey]
	if tracked {
		if time.Unix(last, 0).UTC().After(now.Add(-a.skew)) {
			if current <= last {
				return errors.New("timestamp not increasing")
			}
		} else {
			delete(a.lastAccepted, apiKey)
			tracked = false
		}
	}
	if !tracked || current > last {
		a.lastAccepted[apiKey] = current
	}
	return nil
}

func (a *Authenticator) pruneStoreLocked(ctx context.Context, now time.Time) error {
	if a.store == nil || a.nonceTTL <= 0 {
		return nil
	}
	if !a.lastPruned.IsZero() && now.Sub(a.lastPruned) < storePruneInterval {
		return nil
	}
	if err := a.store.PruneNonces(ctx, now.Add(-a.nonceTTL)); err != nil {
		return fmt.Errorf("prune persisted nonces: %w", err)
	}
	a.lastPruned = now
	return nil
}

func (a *Authenticator) insertLocked(key string, observedAt time.Time) {
	if elem, exists := a.seen[key]; exists {
		elem.Value = seenEntry{key: key, observedAt: observedAt}
		a.order.MoveToBack(elem)
		return
	}
	for a.order.Len() >= a.capacity {
		a.removeFrontLocked()
	}
	a.seen[key] = a.order.PushBack(seenEntry{key: key, observedAt: observedAt})
}

func (a *Authenticator) evictLocked(now time.Time) {
	cutoff := now.Add(-a.nonceTTL)
	for {
		front := a.order.Front()
		if front == nil {
			return
		}
		if !front.Value.(seenEntry).observedAt.Before(cutoff) {
			return
		}
		a.removeFrontLocked()
	}
}

func (a *Authenticator) removeFrontLocked() {
	front := a.order.Front()
	if front == nil {
		return
	}
	delete(a.seen, front.Value.(seenEntry).key)
	a.order.Remove(front)
}

func compositeKey(apiKey, timestamp, nonce string) string {
	return apiKey + "|" + timestamp + "|" + nonce
}

// CanonicalRequestPath normalises the URL path and query ordering so both
// sides sign the same string.
func CanonicalRequestPath(r *http.Request) string {
	path := r.URL.Path
	if path == "" {
		path = "/"
	}
	if r.URL.RawQuery != "" {
		path += "?" + CanonicalQuery(r.URL.RawQuery)
	}
	return path
}

// CanonicalQuery sorts raw query parameters for stable signing.
func CanonicalQuery(raw string) string {
	if raw == "" {
		return ""
	}
	parts := strings.Split(raw, "&")
	sort.Strings(parts)
	return strings.Join(parts, "&")
}

// ComputeSignature builds the HMAC-SHA256 signature bytes for the request
// metadata.
func ComputeSignature(secret, timestamp, nonce, method, path string, body []byte) []byte {
	payload := strings.Join([]string{timestamp, nonce, strings.ToUpper(method), path, string(body)}, "\n")
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return mac.Sum(nil)
}

func parseUnixTimestamp(v string) (time.Time, error) {
	secs, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(secs, 0).UTC(), nil
}
