package rpc

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func orderHex(fill byte) string {
	return "0x" + strings.Repeat(string([]byte{hexDigit(fill >> 4), hexDigit(fill & 0x0F)}), 32)
}

func hexDigit(v byte) byte {
	if v < 10 {
		return '0' + v
	}
	return 'a' + v - 10
}

func (env *testEnv) deployInstance(t *testing.T) instanceJSON {
	t.Helper()
	req := &RPCRequest{ID: 1, Params: []json.RawMessage{marshalParam(t, map[string]string{"caller": bech(rpcSeller)})}}
	rec := httptest.NewRecorder()
	env.server.handleTradeDeploy(rec, env.newRequest(), req)
	result, rpcErr := decodeRPCResponse(t, rec)
	require.Nil(t, rpcErr)
	var instance instanceJSON
	require.NoError(t, json.Unmarshal(result, &instance))
	return instance
}

func (env *testEnv) createTrade(t *testing.T, orderID, amount, attached string) tradeJSON {
	t.Helper()
	payload := map[string]interface{}{
		"caller":      bech(rpcSeller),
		"orderId":     orderID,
		"seller":      bech(rpcSeller),
		"buyer":       bech(rpcBuyer),
		"amount":      amount,
		"waitingTime": 3600,
		"attached":    attached,
	}
	req := &RPCRequest{ID: 2, Params: []json.RawMessage{marshalParam(t, payload)}}
	rec := httptest.NewRecorder()
	env.server.handleTradeCreateNative(rec, env.newRequest(), req)
	result, rpcErr := decodeRPCResponse(t, rec)
	require.Nil(t, rpcErr)
	var trade tradeJSON
	require.NoError(t, json.Unmarshal(result, &trade))
	return trade
}

func (env *testEnv) tradeAction(t *testing.T, handler func(http.ResponseWriter, *http.Request, *RPCRequest), caller string, trade tradeJSON) *RPCError {
	t.Helper()
	payload := map[string]string{
		"caller":  caller,
		"orderId": trade.OrderID,
		"seller":  trade.Seller,
		"buyer":   trade.Buyer,
		"amount":  trade.Amount,
	}
	req := &RPCRequest{ID: 3, Params: []json.RawMessage{marshalParam(t, payload)}}
	rec := httptest.NewRecorder()
	handler(rec, env.newRequest(), req)
	_, rpcErr := decodeRPCResponse(t, rec)
	return rpcErr
}

func TestTradeLifecycleOverRPC(t *testing.T) {
	env := newTestEnv(t)
	instance := env.deployInstance(t)
	require.Equal(t, bech(rpcSeller), instance.Seller)
	require.NotEmpty(t, instance.Vault)

	trade := env.createTrade(t, orderHex(0x11), "1000", "1003")
	require.Equal(t, "1000", trade.Amount)
	require.Equal(t, "3", trade.Fee)
	require.Equal(t, "native", trade.Asset)
	require.False(t, trade.Paid)
	require.Equal(t, rpcTestNow+3600, trade.SellerCanCancelAfter)

	require.Nil(t, env.tradeAction(t, env.server.handleTradeMarkAsPaid, bech(rpcBuyer), trade))
	require.Nil(t, env.tradeAction(t, env.server.handleTradeRelease, bech(rpcSeller), trade))

	// Settlement deletes the record.
	req := &RPCRequest{ID: 4, Params: []json.RawMessage{marshalParam(t, map[string]string{"id": trade.ID})}}
	rec := httptest.NewRecorder()
	env.server.handleTradeGet(rec, env.newRequest(), req)
	_, rpcErr := decodeRPCResponse(t, rec)
	require.NotNil(t, rpcErr)
	require.Equal(t, codeTradeNotFound, rpcErr.Code)
	require.Equal(t, "not_found", rpcErr.Message)
}

func TestTradeCreateValidation(t *testing.T) {
	env := newTestEnv(t)
	env.deployInstance(t)

	base := func() map[string]interface{} {
		return map[string]interface{}{
			"caller":      bech(rpcSeller),
			"orderId":     orderHex(0x22),
			"seller":      bech(rpcSeller),
			"buyer":       bech(rpcBuyer),
			"amount":      "1000",
			"waitingTime": 3600,
			"attached":    "1003",
		}
	}

	run := func(t *testing.T, payload map[string]interface{}, handler func(http.ResponseWriter, *http.Request, *RPCRequest)) *RPCError {
		req := &RPCRequest{ID: 5, Params: []json.RawMessage{marshalParam(t, payload)}}
		rec := httptest.NewRecorder()
		handler(rec, env.newRequest(), req)
		_, rpcErr := decodeRPCResponse(t, rec)
		return rpcErr
	}

	t.Run("invalid bech32 seller", func(t *testing.T) {
		payload := base()
		payload["seller"] = "not-an-address"
		rpcErr := run(t, payload, env.server.handleTradeCreateNative)
		require.NotNil(t, rpcErr)
		require.Equal(t, codeTradeInvalidParams, rpcErr.Code)
		require.Equal(t, "invalid_params", rpcErr.Message)
	})

	t.Run("zero amount", func(t *testing.T) {
		payload := base()
		payload["amount"] = "0"
		rpcErr := run(t, payload, env.server.handleTradeCreateNative)
		require.NotNil(t, rpcErr)
		require.Equal(t, codeTradeInvalidParams, rpcErr.Code)
	})

	t.Run("native create rejects token asset", func(t *testing.T) {
		payload := base()
		payload["asset"] = "0x" + strings.Repeat("ee", 20)
		rpcErr := run(t, payload, env.server.handleTradeCreateNative)
		require.NotNil(t, rpcErr)
		require.Equal(t, codeTradeInvalidParams, rpcErr.Code)
	})

	t.Run("token create requires asset", func(t *testing.T) {
		payload := base()
		rpcErr := run(t, payload, env.server.handleTradeCreateToken)
		require.NotNil(t, rpcErr)
		require.Equal(t, codeTradeInvalidParams, rpcErr.Code)
	})

	t.Run("waiting time out of range", func(t *testing.T) {
		payload := base()
		payload["waitingTime"] = 10
		rpcErr := run(t, payload, env.server.handleTradeCreateNative)
		require.NotNil(t, rpcErr)
		require.Equal(t, codeTradeInvalidParams, rpcErr.Code)
		require.Equal(t, "invalid_argument", rpcErr.Message)
	})

	t.Run("attached mismatch", func(t *testing.T) {
		payload := base()
		payload["attached"] = "1000"
		rpcErr := run(t, payload, env.server.handleTradeCreateNative)
		require.NotNil(t, rpcErr)
		require.Equal(t, codeTradeInvalidParams, rpcErr.Code)
		require.Equal(t, "invalid_argument", rpcErr.Message)
	})
}

func TestTradeGetByTerms(t *testing.T) {
	env := newTestEnv(t)
	env.deployInstance(t)
	trade := env.createTrade(t, orderHex(0x33), "2000", "2006")

	payload := map[string]string{
		"orderId": trade.OrderID,
		"seller":  trade.Seller,
		"buyer":   trade.Buyer,
		"amount":  trade.Amount,
	}
	req := &RPCRequest{ID: 6, Params: []json.RawMessage{marshalParam(t, payload)}}
	rec := httptest.NewRecorder()
	env.server.handleTradeGet(rec, env.newRequest(), req)
	result, rpcErr := decodeRPCResponse(t, rec)
	require.Nil(t, rpcErr)
	var fetched tradeJSON
	require.NoError(t, json.Unmarshal(result, &fetched))
	require.Equal(t, trade.ID, fetched.ID)
	require.Equal(t, "6", fetched.Fee)
}

func TestSellerCancelHonoursWindow(t *testing.T) {
	env := newTestEnv(t)
	env.deployInstance(t)
	trade := env.createTrade(t, orderHex(0x44), "1000", "1003")

	callCancel := func() sellerCancelResult {
		payload := map[string]string{
			"caller":  bech(rpcSeller),
			"orderId": trade.OrderID,
			"seller":  trade.Seller,
			"buyer":   trade.Buyer,
			"amount":  trade.Amount,
		}
		req := &RPCRequest{ID: 7, Params: []json.RawMessage{marshalParam(t, payload)}}
		rec := httptest.NewRecorder()
		env.server.handleTradeSellerCancel(rec, env.newRequest(), req)
		result, rpcErr := decodeRPCResponse(t, rec)
		require.Nil(t, rpcErr)
		var out sellerCancelResult
		require.NoError(t, json.Unmarshal(result, &out))
		return out
	}

	require.False(t, callCancel().Cancelled)

	env.node.SetNowFunc(func() int64 { return rpcTestNow + 3601 })
	require.True(t, callCancel().Cancelled)
}

func TestDisputeFlowOverRPC(t *testing.T) {
	env := newTestEnv(t)
	env.deployInstance(t)
	trade := env.createTrade(t, orderHex(0x55), "1000", "1003")

	dispute := func(caller, attached string) *RPCError {
		payload := map[string]string{
			"caller":   caller,
			"orderId":  trade.OrderID,
			"seller":   trade.Seller,
			"buyer":    trade.Buyer,
			"amount":   trade.Amount,
			"attached": attached,
		}
		req := &RPCRequest{ID: 8, Params: []json.RawMessage{marshalParam(t, payload)}}
		rec := httptest.NewRecorder()
		env.server.handleTradeOpenDispute(rec, env.newRequest(), req)
		_, rpcErr := decodeRPCResponse(t, rec)
		return rpcErr
	}

	// Disputes require a reported payment first.
	rpcErr := dispute(bech(rpcBuyer), "50")
	require.NotNil(t, rpcErr)
	require.Equal(t, codeTradeConflict, rpcErr.Code)
	require.Equal(t, "conflict", rpcErr.Message)

	require.Nil(t, env.tradeAction(t, env.server.handleTradeMarkAsPaid, bech(rpcBuyer), trade))

	// The stake must match the policy exactly.
	rpcErr = dispute(bech(rpcBuyer), "49")
	require.NotNil(t, rpcErr)
	require.Equal(t, codeTradeInvalidParams, rpcErr.Code)

	require.Nil(t, dispute(bech(rpcBuyer), "50"))

	resolvePayload := map[string]string{
		"caller":  bech(rpcArbitrator),
		"orderId": trade.OrderID,
		"seller":  trade.Seller,
		"buyer":   trade.Buyer,
		"amount":  trade.Amount,
		"winner":  bech(rpcBuyer),
	}
	req := &RPCRequest{ID: 9, Params: []json.RawMessage{marshalParam(t, resolvePayload)}}
	rec := httptest.NewRecorder()
	env.server.handleTradeResolveDispute(rec, env.newRequest(), req)
	_, rpcErr = decodeRPCResponse(t, rec)
	require.Nil(t, rpcErr)
}

func TestWrongCallerForbidden(t *testing.T) {
	env := newTestEnv(t)
	env.deployInstance(t)
	trade := env.createTrade(t, orderHex(0x66), "1000", "1003")

	rpcErr := env.tradeAction(t, env.server.handleTradeRelease, bech(rpcBuyer), trade)
	require.NotNil(t, rpcErr)
	require.Equal(t, codeTradeForbidden, rpcErr.Code)
	require.Equal(t, "forbidden", rpcErr.Message)
}

func TestDepositWithdrawFreeBalance(t *testing.T) {
	env := newTestEnv(t)
	env.deployInstance(t)

	funds := func(handler func(http.ResponseWriter, *http.Request, *RPCRequest), amount string) *RPCError {
		payload := map[string]string{
			"caller": bech(rpcSeller),
			"seller": bech(rpcSeller),
			"amount": amount,
		}
		req := &RPCRequest{ID: 10, Params: []json.RawMessage{marshalParam(t, payload)}}
		rec := httptest.NewRecorder()
		handler(rec, env.newRequest(), req)
		_, rpcErr := decodeRPCResponse(t, rec)
		return rpcErr
	}

	freeBalance := func() freeBalanceResult {
		payload := map[string]string{"seller": bech(rpcSeller)}
		req := &RPCRequest{ID: 11, Params: []json.RawMessage{marshalParam(t, payload)}}
		rec := httptest.NewRecorder()
		env.server.handleTradeFreeBalance(rec, env.newRequest(), req)
		result, rpcErr := decodeRPCResponse(t, rec)
		require.Nil(t, rpcErr)
		var out freeBalanceResult
		require.NoError(t, json.Unmarshal(result, &out))
		return out
	}

	require.Nil(t, funds(env.server.handleTradeDeposit, "500"))
	balance := freeBalance()
	require.Equal(t, "500", balance.Free)
	require.Equal(t, "native", balance.Asset)

	require.Nil(t, funds(env.server.handleTradeWithdraw, "200"))
	require.Equal(t, "300", freeBalance().Free)
}

func TestTradeEventsPagination(t *testing.T) {
	env := newTestEnv(t)
	env.deployInstance(t)
	trade := env.createTrade(t, orderHex(0x77), "1000", "1003")
	require.Nil(t, env.tradeAction(t, env.server.handleTradeMarkAsPaid, bech(rpcBuyer), trade))
	require.Nil(t, env.tradeAction(t, env.server.handleTradeRelease, bech(rpcSeller), trade))

	fetch := func(from uint64, limit int) tradeEventsPage {
		payload := map[string]interface{}{"from": from, "limit": limit}
		req := &RPCRequest{ID: 12, Params: []json.RawMessage{marshalParam(t, payload)}}
		rec := httptest.NewRecorder()
		env.server.handleTradeEvents(rec, env.newRequest(), req)
		result, rpcErr := decodeRPCResponse(t, rec)
		require.Nil(t, rpcErr)
		var page tradeEventsPage
		require.NoError(t, json.Unmarshal(result, &page))
		return page
	}

	first := fetch(1, 2)
	require.Len(t, first.Entries, 2)
	require.Equal(t, uint64(3), first.NextCursor)
	require.Equal(t, "trade.instance_deployed", first.Entries[0].Event.Type)
	require.Equal(t, "trade.created", first.Entries[1].Event.Type)

	rest := fetch(first.NextCursor, 10)
	require.NotEmpty(t, rest.Entries)
	last := rest.Entries[len(rest.Entries)-1]
	require.Equal(t, "trade.released", last.Event.Type)
	require.Equal(t, last.Sequence+1, rest.NextCursor)
}

type tradeEventsPage struct {
	Entries []struct {
		Sequence uint64 `json:"sequence"`
		Time     int64  `json:"time"`
		Digest   string `json:"digest"`
		Event    struct {
			Type       string            `json:"type"`
			Attributes map[string]string `json:"attributes"`
		} `json:"event"`
	} `json:"entries"`
	NextCursor uint64 `json:"nextCursor"`
}
