package rpc

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"peervault/core/types"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsBacklogBatch = 200
)

// handleEventsWS streams committed journal entries over a websocket. The
// cursor query parameter names the first sequence to deliver; omitting it
// replays the journal from the beginning.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	if s == nil || s.node == nil {
		http.Error(w, "node unavailable", http.StatusServiceUnavailable)
		return
	}
	cursor := uint64(0)
	if raw := strings.TrimSpace(r.URL.Query().Get("cursor")); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			http.Error(w, "invalid cursor", http.StatusBadRequest)
			return
		}
		cursor = parsed
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")
	if err := s.streamTradeEvents(r.Context(), conn, cursor); err != nil {
		if status := websocket.CloseStatus(err); status == -1 {
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func (s *Server) streamTradeEvents(ctx context.Context, conn *websocket.Conn, cursor uint64) error {
	subID, live := s.node.SubscribeEvents()
	defer s.node.Unsubscribe(subID)

	start := cursor
	if start == 0 {
		start = 1
	}
	lastSent, err := s.replayJournal(ctx, conn, start, start-1)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case entry, ok := <-live:
			if !ok {
				return nil
			}
			if entry.Sequence <= lastSent {
				continue
			}
			// A dropped subscriber entry shows up as a sequence gap;
			// backfill from the journal before resuming the live feed.
			if entry.Sequence > lastSent+1 {
				lastSent, err = s.replayJournal(ctx, conn, lastSent+1, lastSent)
				if err != nil {
					return err
				}
				if entry.Sequence <= lastSent {
					continue
				}
			}
			if err := writeJournalEntry(ctx, conn, entry); err != nil {
				return err
			}
			lastSent = entry.Sequence
		}
	}
}

// replayJournal streams stored entries beginning at from and returns the
// highest sequence written, or fallback when the journal held nothing new.
func (s *Server) replayJournal(ctx context.Context, conn *websocket.Conn, from, fallback uint64) (uint64, error) {
	last := fallback
	for {
		entries, err := s.node.Events(from, wsBacklogBatch)
		if err != nil {
			return last, err
		}
		for _, entry := range entries {
			if err := writeJournalEntry(ctx, conn, entry); err != nil {
				return last, err
			}
			last = entry.Sequence
		}
		if len(entries) < wsBacklogBatch {
			return last, nil
		}
		from = last + 1
	}
}

func writeJournalEntry(ctx context.Context, conn *websocket.Conn, entry types.JournalEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
