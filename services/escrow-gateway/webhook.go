package main

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

// WebhookWorker delivers queued trade events to external subscribers.
// Failed deliveries retry with exponential backoff and every attempt is
// recorded so operators can audit what a partner was told.
type WebhookWorker struct {
	store       *SQLiteStore
	queue       *WebhookQueue
	client      *http.Client
	maxAttempts int
	nowFn       func() time.Time

	rateMu sync.Mutex
	rate   map[string]rateWindow
}

type rateWindow struct {
	windowStart time.Time
	count       int
}

const defaultMaxAttempts = 5

const defaultRateLimit = 60

func NewWebhookWorker(store *SQLiteStore, queue *WebhookQueue, maxAttempts int) *WebhookWorker {
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	return &WebhookWorker{
		store:       store,
		queue:       queue,
		client:      &http.Client{Timeout: 10 * time.Second},
		maxAttempts: maxAttempts,
		nowFn:       time.Now,
		rate:        make(map[string]rateWindow),
	}
}

// Run processes webhook tasks until the context is cancelled.
func (w *WebhookWorker) Run(ctx context.Context) {
	for {
		task, ok := w.queue.Dequeue(ctx)
		if !ok {
			return
		}
		if task.Subscription == nil {
			w.expandTask(ctx, task)
			continue
		}
		w.handleDelivery(ctx, task)
	}
}

// expandTask fans an event out to every matching active subscription.
func (w *WebhookWorker) expandTask(ctx context.Context, task WebhookTask) {
	subs, err := w.store.SubscriptionsForEvent(ctx, task.Event.Type)
	if err != nil {
		return
	}
	for i := range subs {
		sub := subs[i]
		w.queue.enqueueTask(WebhookTask{
			Event:        task.Event,
			Subscription: &sub,
		})
	}
}

func (w *WebhookWorker) handleDelivery(ctx context.Context, task WebhookTask) {
	sub := task.Subscription
	if sub == nil || !sub.Active {
		return
	}
	now := w.nowFn()
	if !w.allow(sub.ID, sub.RateLimit, now) {
		task.NotBefore = w.rateReset(sub.ID)
		w.queue.enqueueTask(task)
		return
	}
	deliveryID := uuid.NewString()
	body := map[string]interface{}{
		"deliveryId": deliveryID,
		"type":       task.Event.Type,
		"sequence":   task.Event.Sequence,
		"tradeId":    task.Event.TradeID,
		"digest":     task.Event.Digest,
		"attributes": task.Event.Attributes,
		"timestamp":  task.Event.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	payload, err := json.Marshal(body)
	if err != nil {
		w.recordDelivery(ctx, deliveryID, task, "error", err.Error(), now, time.Time{})
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
	if err != nil {
		w.recordDelivery(ctx, deliveryID, task, "error", err.Error(), now, time.Time{})
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Id", deliveryID)
	req.Header.Set("X-Webhook-Signature", signPayload(sub.Secret, payload))

	resp, err := w.client.Do(req)
	if err != nil {
		w.retryLater(ctx, deliveryID, task, err.Error())
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		w.retryLater(ctx, deliveryID, task, resp.Status)
		return
	}
	w.recordDelivery(ctx, deliveryID, task, "success", "", now, time.Time{})
}

func (w *WebhookWorker) retryLater(ctx context.Context, deliveryID string, task WebhookTask, errMsg string) {
	now := w.nowFn()
	attemptNum := task.Attempt + 1
	next := now.Add(backoffDuration(attemptNum))
	if attemptNum >= w.maxAttempts {
		w.recordDelivery(ctx, deliveryID, task, "failed", errMsg, now, time.Time{})
		return
	}
	w.recordDelivery(ctx, deliveryID, task, "failed", errMsg, now, next)
	task.Attempt++
	task.NotBefore = next
	w.queue.enqueueTask(task)
}

func backoffDuration(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	d := time.Second * time.Duration(1<<uint(attempt-1))
	if d > 5*time.Minute {
		return 5 * time.Minute
	}
	return d
}

func (w *WebhookWorker) recordDelivery(ctx context.Context, deliveryID string, task WebhookTask, status, errMsg string, now, next time.Time) {
	_ = w.store.InsertDelivery(ctx, WebhookDelivery{
		ID:            deliveryID,
		Subscription:  task.Subscription.ID,
		EventSequence: task.Event.Sequence,
		Attempt:       task.Attempt + 1,
		Status:        status,
		Error:         errMsg,
		NextAttempt:   next,
		CreatedAt:     now,
	})
}

// allow enforces the per-subscription deliveries-per-minute budget.
func (w *WebhookWorker) allow(id string, limit int, now time.Time) bool {
	if limit <= 0 {
		limit = defaultRateLimit
	}
	w.rateMu.Lock()
	defer w.rateMu.Unlock()
	state := w.rate[id]
	if now.Sub(state.windowStart) >= time.Minute {
		state.windowStart = now
		state.count = 0
	}
	if state.count >= limit {
		w.rate[id] = state
		return false
	}
	state.count++
	w.rate[id] = state
	return true
}

func (w *WebhookWorker) rateReset(id string) time.Time {
	w.rateMu.Lock()
	defer w.rateMu.Unlock()
	state := w.rate[id]
	if state.windowStart.IsZero() {
		state.windowStart = w.nowFn()
	}
	reset := state.windowStart.Add(time.Minute)
	w.rate[id] = state
	return reset
}

func signPayload(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
