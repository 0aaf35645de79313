package rpc

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
)

type wsJournalEntry struct {
	Sequence uint64 `json:"sequence"`
	Time     int64  `json:"time"`
	Digest   string `json:"digest"`
	Event    struct {
		Type       string            `json:"type"`
		Attributes map[string]string `json:"attributes"`
	} `json:"event"`
}

func dialEventStream(t *testing.T, baseURL, query string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	addr := "ws" + strings.TrimPrefix(baseURL, "http") + "/ws/events" + query
	conn, _, err := websocket.Dial(ctx, addr, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "test complete") })
	return conn
}

func readJournalEntry(t *testing.T, conn *websocket.Conn) wsJournalEntry {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	msgType, data, err := conn.Read(ctx)
	require.NoError(t, err)
	require.Equal(t, websocket.MessageText, msgType)
	var entry wsJournalEntry
	require.NoError(t, json.Unmarshal(data, &entry))
	return entry
}

func TestEventStreamReplaysBacklogFromCursor(t *testing.T) {
	env := newTestEnv(t)
	env.deployInstance(t)
	trade := env.createTrade(t, orderHex(0x31), "1000", "1003")
	require.Nil(t, env.tradeAction(t, env.server.handleTradeMarkAsPaid, bech(rpcBuyer), trade))
	require.Nil(t, env.tradeAction(t, env.server.handleTradeRelease, bech(rpcSeller), trade))

	srv := httptest.NewServer(env.server.Handler())
	defer srv.Close()

	// The journal holds sequences 1..4; a cursor of 2 skips the deploy entry.
	conn := dialEventStream(t, srv.URL, "?cursor=2")
	for i, wantType := range []string{"trade.created", "trade.marked_paid", "trade.released"} {
		entry := readJournalEntry(t, conn)
		require.Equal(t, uint64(i+2), entry.Sequence)
		require.Equal(t, wantType, entry.Event.Type)
		require.NotEmpty(t, entry.Digest)
	}

	// Entries committed while the stream is open arrive live.
	req := &RPCRequest{ID: 9, Params: []json.RawMessage{marshalParam(t, map[string]string{"caller": bech(rpcBuyer)})}}
	rec := httptest.NewRecorder()
	env.server.handleTradeDeploy(rec, env.newRequest(), req)
	_, rpcErr := decodeRPCResponse(t, rec)
	require.Nil(t, rpcErr)

	live := readJournalEntry(t, conn)
	require.Equal(t, uint64(5), live.Sequence)
	require.Equal(t, "trade.instance_deployed", live.Event.Type)
	require.Equal(t, hex.EncodeToString(rpcBuyer[:]), live.Event.Attributes["seller"])
}

func TestEventStreamWithoutCursorStartsAtFirstEntry(t *testing.T) {
	env := newTestEnv(t)
	env.deployInstance(t)

	srv := httptest.NewServer(env.server.Handler())
	defer srv.Close()

	conn := dialEventStream(t, srv.URL, "")
	entry := readJournalEntry(t, conn)
	require.Equal(t, uint64(1), entry.Sequence)
	require.Equal(t, "trade.instance_deployed", entry.Event.Type)
	require.Equal(t, hex.EncodeToString(rpcSeller[:]), entry.Event.Attributes["seller"])
}

func TestEventStreamRejectsInvalidCursor(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.server.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/ws/events?cursor=soon")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
