package main

import (
	"context"
	"strings"
	"time"
)

// EventWatcher tails the node's settlement journal, mirrors entries into
// SQLite and enqueues webhook notifications. The stored cursor is the next
// sequence to request, so restarts resume without gaps or duplicates.
type EventWatcher struct {
	node         NodeClient
	store        *SQLiteStore
	queue        *WebhookQueue
	pollInterval time.Duration
	batchSize    int
	nowFn        func() time.Time
}

// NewEventWatcher constructs a watcher with sane defaults.
func NewEventWatcher(node NodeClient, store *SQLiteStore, queue *WebhookQueue, pollInterval time.Duration) *EventWatcher {
	if queue == nil {
		queue = NewWebhookQueue()
	}
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	return &EventWatcher{
		node:         node,
		store:        store,
		queue:        queue,
		pollInterval: pollInterval,
		batchSize:    100,
		nowFn:        time.Now,
	}
}

// Run starts the polling loop until the context is cancelled.
func (w *EventWatcher) Run(ctx context.Context) {
	if w.node == nil || w.store == nil || w.queue == nil {
		return
	}
	cursor, _ := w.store.EventCursor(ctx)
	if cursor == 0 {
		cursor = 1
	}
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cursor = w.poll(ctx, cursor)
		}
	}
}

func (w *EventWatcher) poll(ctx context.Context, from uint64) uint64 {
	batch := w.batchSize
	if batch <= 0 {
		batch = 100
	}
	entries, next, err := w.node.FetchEvents(ctx, from, batch)
	if err != nil {
		return from
	}
	for _, entry := range entries {
		if entry.Sequence < from {
			continue
		}
		w.handleEvent(ctx, entry)
	}
	if next > from {
		_ = w.store.SetEventCursor(ctx, next)
		return next
	}
	return from
}

func (w *EventWatcher) handleEvent(ctx context.Context, entry NodeEvent) {
	observedAt := time.Unix(entry.Time, 0).UTC()
	if entry.Time == 0 {
		observedAt = w.nowFn().UTC()
	}
	attributes := make(map[string]string, len(entry.Event.Attributes))
	for k, v := range entry.Event.Attributes {
		attributes[k] = v
	}
	// Journal attributes carry bare hex; the REST and webhook surfaces use
	// 0x-prefixed ids.
	tradeID := normalizeHex(attributes["tradeId"])

	_ = w.store.InsertTradeEvent(ctx, StoredEvent{
		Sequence:   entry.Sequence,
		Type:       entry.Event.Type,
		TradeID:    tradeID,
		Digest:     entry.Digest,
		Attributes: attributes,
		ObservedAt: observedAt,
	})

	w.queue.Enqueue(WebhookEvent{
		Sequence:   entry.Sequence,
		Type:       entry.Event.Type,
		TradeID:    tradeID,
		Digest:     entry.Digest,
		Attributes: attributes,
		CreatedAt:  observedAt,
	})
}

func normalizeHex(hexStr string) string {
	cleaned := strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(hexStr), "0x"), "0X")
	if cleaned == "" {
		return ""
	}
	return "0x" + strings.ToLower(cleaned)
}
