package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	gatewayauth "peervault/gateway/auth"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists everything the sidecar needs to survive a restart:
// idempotency keys, the audit log, seen nonces, the mirrored trade event
// backlog and webhook subscriptions.
type SQLiteStore struct {
	db *sql.DB
}

// ErrIdempotencyMismatch is returned when a key is reused with a different payload.
var ErrIdempotencyMismatch = errors.New("idempotency key reuse with different request body")

// ErrSubscriptionNotFound is returned when a webhook id does not belong to the caller.
var ErrSubscriptionNotFound = errors.New("webhook subscription not found")

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	store := &SQLiteStore{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) init() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS idempotency_keys (
            api_key TEXT NOT NULL,
            idempotency_key TEXT NOT NULL,
            request_hash TEXT NOT NULL,
            response_status INTEGER NOT NULL,
            response_body BLOB NOT NULL,
            created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
            PRIMARY KEY(api_key, idempotency_key)
        );`,
		`CREATE TABLE IF NOT EXISTS audit_log (
            id TEXT PRIMARY KEY,
            occurred_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
            api_key TEXT,
            method TEXT NOT NULL,
            path TEXT NOT NULL,
            request_body BLOB,
            response_status INTEGER,
            response_body BLOB
        );`,
		`CREATE TABLE IF NOT EXISTS auth_nonces (
            api_key TEXT NOT NULL,
            timestamp TEXT NOT NULL,
            nonce TEXT NOT NULL,
            observed_at TIMESTAMP NOT NULL,
            PRIMARY KEY(api_key, timestamp, nonce)
        );`,
		`CREATE TABLE IF NOT EXISTS trade_events (
            sequence INTEGER PRIMARY KEY,
            type TEXT NOT NULL,
            trade_id TEXT,
            digest TEXT NOT NULL,
            attributes TEXT NOT NULL,
            observed_at TIMESTAMP NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS event_cursors (
            name TEXT PRIMARY KEY,
            value INTEGER NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS webhook_subscriptions (
            id TEXT PRIMARY KEY,
            api_key TEXT NOT NULL,
            event_type TEXT NOT NULL,
            url TEXT NOT NULL,
            secret TEXT NOT NULL,
            rate_limit INTEGER NOT NULL DEFAULT 60,
            active INTEGER NOT NULL DEFAULT 1,
            created_at TIMESTAMP NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS webhook_deliveries (
            id TEXT PRIMARY KEY,
            subscription_id TEXT NOT NULL,
            event_sequence INTEGER NOT NULL,
            attempt INTEGER NOT NULL,
            status TEXT NOT NULL,
            error TEXT,
            next_attempt TIMESTAMP,
            created_at TIMESTAMP NOT NULL
        );`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// StoredResponse represents a cached response for an idempotency key.
type StoredResponse struct {
	Status int
	Body   []byte
}

func (s *SQLiteStore) LookupIdempotency(ctx context.Context, apiKey, key, requestHash string) (*StoredResponse, error) {
	const query = `SELECT response_status, response_body, request_hash FROM idempotency_keys WHERE api_key = ? AND idempotency_key = ?`
	row := s.db.QueryRowContext(ctx, query, apiKey, key)
	var status int
	var body []byte
	var storedHash string
	err := row.Scan(&status, &body, &storedHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if storedHash != requestHash {
		return nil, ErrIdempotencyMismatch
	}
	return &StoredResponse{Status: status, Body: body}, nil
}

func (s *SQLiteStore) SaveIdempotency(ctx context.Context, apiKey, key, requestHash string, status int, body []byte) error {
	const stmt = `INSERT OR REPLACE INTO idempotency_keys(api_key, idempotency_key, request_hash, response_status, response_body, created_at) VALUES (?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, stmt, apiKey, key, requestHash, status, body, time.Now().UTC())
	return err
}

// AuditEntry represents an audit log row.
type AuditEntry struct {
	ID             string
	APIKey         string
	Method         string
	Path           string
	RequestBody    []byte
	ResponseBody   []byte
	ResponseStatus int
	Timestamp      time.Time
}

func (s *SQLiteStore) InsertAuditLog(ctx context.Context, entry AuditEntry) error {
	const stmt = `INSERT INTO audit_log(id, api_key, method, path, request_body, response_status, response_body, occurred_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, stmt, entry.ID, entry.APIKey, entry.Method, entry.Path, entry.RequestBody, entry.ResponseStatus, entry.ResponseBody, entry.Timestamp)
	return err
}

// EnsureNonce records a nonce, reporting true when it was already present.
func (s *SQLiteStore) EnsureNonce(ctx context.Context, record gatewayauth.NonceRecord) (bool, error) {
	const stmt = `INSERT OR IGNORE INTO auth_nonces(api_key, timestamp, nonce, observed_at) VALUES (?, ?, ?, ?)`
	observed := record.ObservedAt
	if observed.IsZero() {
		observed = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, stmt, record.APIKey, record.Timestamp, record.Nonce, observed)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 0, nil
}

// RecentNonces returns nonces observed at or after the cutoff, oldest first.
func (s *SQLiteStore) RecentNonces(ctx context.Context, cutoff time.Time) ([]gatewayauth.NonceRecord, error) {
	const query = `SELECT api_key, timestamp, nonce, observed_at FROM auth_nonces WHERE observed_at >= ? ORDER BY observed_at ASC`
	rows, err := s.db.QueryContext(ctx, query, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var records []gatewayauth.NonceRecord
	for rows.Next() {
		var record gatewayauth.NonceRecord
		if err := rows.Scan(&record.APIKey, &record.Timestamp, &record.Nonce, &record.ObservedAt); err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

// PruneNonces deletes nonces last observed before the cutoff.
func (s *SQLiteStore) PruneNonces(ctx context.Context, cutoff time.Time) error {
	const stmt = `DELETE FROM auth_nonces WHERE observed_at < ?`
	_, err := s.db.ExecContext(ctx, stmt, cutoff)
	return err
}

// StoredEvent mirrors one settlement journal entry into SQLite.
type StoredEvent struct {
	Sequence   uint64            `json:"sequence"`
	Type       string            `json:"type"`
	TradeID    string            `json:"tradeId,omitempty"`
	Digest     string            `json:"digest"`
	Attributes map[string]string `json:"attributes"`
	ObservedAt time.Time         `json:"observedAt"`
}

// InsertTradeEvent stores an event row. Replays of the same sequence are
// ignored so watcher restarts stay idempotent.
func (s *SQLiteStore) InsertTradeEvent(ctx context.Context, evt StoredEvent) error {
	const stmt = `INSERT OR IGNORE INTO trade_events(sequence, type, trade_id, digest, attributes, observed_at) VALUES (?, ?, ?, ?, ?, ?)`
	attrs, err := json.Marshal(evt.Attributes)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, stmt, evt.Sequence, evt.Type, evt.TradeID, evt.Digest, string(attrs), evt.ObservedAt)
	return err
}

// TradeEventsSince returns up to limit events with sequence >= from, ordered
// by sequence.
func (s *SQLiteStore) TradeEventsSince(ctx context.Context, from uint64, limit int) ([]StoredEvent, error) {
	const query = `SELECT sequence, type, trade_id, digest, attributes, observed_at FROM trade_events WHERE sequence >= ? ORDER BY sequence ASC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, from, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var events []StoredEvent
	for rows.Next() {
		var evt StoredEvent
		var tradeID sql.NullString
		var attrs string
		if err := rows.Scan(&evt.Sequence, &evt.Type, &tradeID, &evt.Digest, &attrs, &evt.ObservedAt); err != nil {
			return nil, err
		}
		evt.TradeID = tradeID.String
		if err := json.Unmarshal([]byte(attrs), &evt.Attributes); err != nil {
			return nil, fmt.Errorf("decode attributes for event %d: %w", evt.Sequence, err)
		}
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

// EventCursor returns the next journal sequence the watcher should request.
func (s *SQLiteStore) EventCursor(ctx context.Context) (uint64, error) {
	const query = `SELECT value FROM event_cursors WHERE name = 'trade_events'`
	row := s.db.QueryRowContext(ctx, query)
	var value uint64
	if err := row.Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	return value, nil
}

// SetEventCursor stores the next journal sequence to request.
func (s *SQLiteStore) SetEventCursor(ctx context.Context, value uint64) error {
	const stmt = `INSERT INTO event_cursors(name, value) VALUES('trade_events', ?) ON CONFLICT(name) DO UPDATE SET value = excluded.value`
	_, err := s.db.ExecContext(ctx, stmt, value)
	return err
}

// WebhookSubscription describes a stored webhook endpoint.
type WebhookSubscription struct {
	ID        string    `json:"id"`
	APIKey    string    `json:"-"`
	EventType string    `json:"eventType"`
	URL       string    `json:"url"`
	Secret    string    `json:"-"`
	RateLimit int       `json:"rateLimit"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"createdAt"`
}

// InsertSubscription registers a webhook subscription.
func (s *SQLiteStore) InsertSubscription(ctx context.Context, sub WebhookSubscription) error {
	const stmt = `INSERT INTO webhook_subscriptions(id, api_key, event_type, url, secret, rate_limit, active, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	active := 0
	if sub.Active {
		active = 1
	}
	_, err := s.db.ExecContext(ctx, stmt, sub.ID, sub.APIKey, sub.EventType, sub.URL, sub.Secret, sub.RateLimit, active, sub.CreatedAt)
	return err
}

// ListSubscriptions returns the caller's subscriptions ordered by creation time.
func (s *SQLiteStore) ListSubscriptions(ctx context.Context, apiKey string) ([]WebhookSubscription, error) {
	const query = `SELECT id, api_key, event_type, url, secret, rate_limit, active, created_at FROM webhook_subscriptions WHERE api_key = ? ORDER BY created_at ASC, id ASC`
	rows, err := s.db.QueryContext(ctx, query, apiKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSubscriptions(rows)
}

// DeleteSubscription removes a subscription owned by the caller.
func (s *SQLiteStore) DeleteSubscription(ctx context.Context, apiKey, id string) error {
	const stmt = `DELETE FROM webhook_subscriptions WHERE id = ? AND api_key = ?`
	res, err := s.db.ExecContext(ctx, stmt, id, apiKey)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrSubscriptionNotFound
	}
	return nil
}

// SubscriptionsForEvent returns active subscriptions matching the event type,
// including wildcard subscribers.
func (s *SQLiteStore) SubscriptionsForEvent(ctx context.Context, eventType string) ([]WebhookSubscription, error) {
	const query = `SELECT id, api_key, event_type, url, secret, rate_limit, active, created_at FROM webhook_subscriptions WHERE active = 1 AND (event_type = ? OR event_type = '*')`
	rows, err := s.db.QueryContext(ctx, query, eventType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSubscriptions(rows)
}

func scanSubscriptions(rows *sql.Rows) ([]WebhookSubscription, error) {
	var subs []WebhookSubscription
	for rows.Next() {
		var sub WebhookSubscription
		var active int
		if err := rows.Scan(&sub.ID, &sub.APIKey, &sub.EventType, &sub.URL, &sub.Secret, &sub.RateLimit, &active, &sub.CreatedAt); err != nil {
			return nil, err
		}
		sub.Active = active == 1
		if sub.RateLimit <= 0 {
			sub.RateLimit = defaultRateLimit
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return subs, nil
}

// WebhookDelivery captures one delivery attempt against a subscription.
type WebhookDelivery struct {
	ID            string
	Subscription  string
	EventSequence uint64
	Attempt       int
	Status        string
	Error         string
	NextAttempt   time.Time
	CreatedAt     time.Time
}

// InsertDelivery records a webhook delivery attempt.
func (s *SQLiteStore) InsertDelivery(ctx context.Context, delivery WebhookDelivery) error {
	const stmt = `INSERT INTO webhook_deliveries(id, subscription_id, event_sequence, attempt, status, error, next_attempt, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, stmt, delivery.ID, delivery.Subscription, delivery.EventSequence, delivery.Attempt, delivery.Status, delivery.Error, nullTime(delivery.NextAttempt), delivery.CreatedAt)
	return err
}

func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}
