package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

// NodeClient is a thin JSON-RPC client for the settlement node's trade
// namespace. Transitions are addressed by the full trade terms, so callers
// that only hold an id resolve it through GetTrade first.
type NodeClient interface {
	DeployInstance(ctx context.Context, seller string) (*InstanceState, error)
	CreateTrade(ctx context.Context, req TradeCreateRequest) (*TradeState, error)
	GetTrade(ctx context.Context, id string) (*TradeState, error)
	MarkAsPaid(ctx context.Context, caller string, ref TradeRef) error
	Release(ctx context.Context, caller string, ref TradeRef) error
	BuyerCancel(ctx context.Context, caller string, ref TradeRef) error
	SellerCancel(ctx context.Context, caller string, ref TradeRef) (bool, error)
	OpenDispute(ctx context.Context, caller string, ref TradeRef, attached string) error
	ResolveDispute(ctx context.Context, caller string, ref TradeRef, winner string) error
	FetchEvents(ctx context.Context, from uint64, limit int) ([]NodeEvent, uint64, error)
}

// RPCNodeClient implements NodeClient against the node JSON-RPC server.
type RPCNodeClient struct {
	baseURL   string
	authToken string
	http      *http.Client
	nextID    atomic.Int64
}

func NewRPCNodeClient(baseURL, authToken string) *RPCNodeClient {
	return &RPCNodeClient{
		baseURL:   baseURL,
		authToken: authToken,
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type jsonRPCRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
	ID      int64       `json:"id"`
}

type jsonRPCResponse struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      int64            `json:"id"`
	Result  json.RawMessage  `json:"result"`
	Error   *jsonRPCErrorObj `json:"error"`
}

type jsonRPCErrorObj struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// NodeRPCError carries the node's JSON-RPC error together with the HTTP
// status it chose, so the gateway can forward meaningful statuses instead of
// a blanket 502.
type NodeRPCError struct {
	Status  int
	Code    int
	Message string
	Data    string
}

func (e *NodeRPCError) Error() string {
	if e.Data != "" {
		return fmt.Sprintf("node rpc error %d (%s): %s", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("node rpc error %d (%s)", e.Code, e.Message)
}

func (c *RPCNodeClient) DeployInstance(ctx context.Context, seller string) (*InstanceState, error) {
	var result InstanceState
	if err := c.call(ctx, "trade_deploy", []interface{}{map[string]string{"caller": seller}}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *RPCNodeClient) CreateTrade(ctx context.Context, req TradeCreateRequest) (*TradeState, error) {
	method := "trade_createNative"
	payload := map[string]interface{}{
		"caller":      req.Seller,
		"orderId":     req.OrderID,
		"seller":      req.Seller,
		"buyer":       req.Buyer,
		"amount":      req.Amount,
		"waitingTime": req.WaitingTime,
	}
	if asset := strings.TrimSpace(req.Asset); asset != "" && asset != "native" {
		method = "trade_createToken"
		payload["asset"] = asset
	}
	if req.Partner != "" {
		payload["partner"] = req.Partner
	}
	if req.Automatic {
		payload["automatic"] = true
	}
	if req.Attached != "" {
		payload["attached"] = req.Attached
	}
	var result TradeState
	if err := c.call(ctx, method, []interface{}{payload}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *RPCNodeClient) GetTrade(ctx context.Context, id string) (*TradeState, error) {
	var result TradeState
	if err := c.call(ctx, "trade_get", []interface{}{map[string]string{"id": id}}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *RPCNodeClient) MarkAsPaid(ctx context.Context, caller string, ref TradeRef) error {
	return c.call(ctx, "trade_markAsPaid", []interface{}{termsPayload(caller, ref)}, nil)
}

func (c *RPCNodeClient) Release(ctx context.Context, caller string, ref TradeRef) error {
	return c.call(ctx, "trade_release", []interface{}{termsPayload(caller, ref)}, nil)
}

func (c *RPCNodeClient) BuyerCancel(ctx context.Context, caller string, ref TradeRef) error {
	return c.call(ctx, "trade_buyerCancel", []interface{}{termsPayload(caller, ref)}, nil)
}

func (c *RPCNodeClient) SellerCancel(ctx context.Context, caller string, ref TradeRef) (bool, error) {
	var result struct {
		Cancelled bool `json:"cancelled"`
	}
	if err := c.call(ctx, "trade_sellerCancel", []interface{}{termsPayload(caller, ref)}, &result); err != nil {
		return false, err
	}
	return result.Cancelled, nil
}

func (c *RPCNodeClient) OpenDispute(ctx context.Context, caller string, ref TradeRef, attached string) error {
	payload := termsPayload(caller, ref)
	if attached != "" {
		payload["attached"] = attached
	}
	return c.call(ctx, "trade_openDispute", []interface{}{payload}, nil)
}

func (c *RPCNodeClient) ResolveDispute(ctx context.Context, caller string, ref TradeRef, winner string) error {
	payload := termsPayload(caller, ref)
	payload["winner"] = winner
	return c.call(ctx, "trade_resolveDispute", []interface{}{payload}, nil)
}

func (c *RPCNodeClient) FetchEvents(ctx context.Context, from uint64, limit int) ([]NodeEvent, uint64, error) {
	params := map[string]interface{}{"from": from}
	if limit > 0 {
		params["limit"] = limit
	}
	var result struct {
		Entries    []NodeEvent `json:"entries"`
		NextCursor uint64      `json:"nextCursor"`
	}
	if err := c.call(ctx, "trade_events", []interface{}{params}, &result); err != nil {
		return nil, 0, err
	}
	return result.Entries, result.NextCursor, nil
}

func termsPayload(caller string, ref TradeRef) map[string]interface{} {
	payload := map[string]interface{}{
		"caller":  caller,
		"orderId": ref.OrderID,
		"seller":  ref.Seller,
		"buyer":   ref.Buyer,
		"amount":  ref.Amount,
	}
	if asset := strings.TrimSpace(ref.Asset); asset != "" && asset != "native" {
		payload["asset"] = asset
	}
	return payload
}

func (c *RPCNodeClient) call(ctx context.Context, method string, params interface{}, out interface{}) error {
	id := c.nextID.Add(1)
	bodyStruct := jsonRPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      id,
	}
	buf, err := json.Marshal(bodyStruct)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(c.authToken) != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	var rpcResp jsonRPCResponse
	if err := json.Unmarshal(body, &rpcResp); err != nil {
		// The node writes RPC error envelopes with the matching HTTP
		// status, so an undecodable body means something else answered.
		return fmt.Errorf("node rpc %s failed: status=%d body=%s", method, resp.StatusCode, string(body))
	}
	if rpcResp.Error != nil {
		data := ""
		if len(rpcResp.Error.Data) > 0 {
			var text string
			if err := json.Unmarshal(rpcResp.Error.Data, &text); err == nil {
				data = text
			} else {
				data = string(rpcResp.Error.Data)
			}
		}
		return &NodeRPCError{
			Status:  resp.StatusCode,
			Code:    rpcResp.Error.Code,
			Message: rpcResp.Error.Message,
			Data:    data,
		}
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("node rpc %s failed: status=%d body=%s", method, resp.StatusCode, string(body))
	}
	if out == nil {
		return nil
	}
	if len(rpcResp.Result) == 0 {
		return errors.New("node rpc returned empty result")
	}
	return json.Unmarshal(rpcResp.Result, out)
}

// TradeCreateRequest is the request payload accepted by the gateway.
type TradeCreateRequest struct {
	OrderID     string `json:"orderId"`
	Seller      string `json:"seller"`
	Buyer       string `json:"buyer"`
	Asset       string `json:"asset,omitempty"`
	Amount      string `json:"amount"`
	Partner     string `json:"partner,omitempty"`
	WaitingTime int64  `json:"waitingTime"`
	Automatic   bool   `json:"automatic,omitempty"`
	Attached    string `json:"attached,omitempty"`
}

// InstanceState mirrors the node result for trade_deploy.
type InstanceState struct {
	Seller    string `json:"seller"`
	Vault     string `json:"vault"`
	CreatedAt int64  `json:"createdAt"`
}

// TradeState mirrors the trade JSON returned by the node.
type TradeState struct {
	ID                   string `json:"id"`
	OrderID              string `json:"orderId"`
	Seller               string `json:"seller"`
	Buyer                string `json:"buyer"`
	Asset                string `json:"asset"`
	Amount               string `json:"amount"`
	Fee                  string `json:"fee"`
	ProtocolFee          string `json:"protocolFee"`
	Partner              string `json:"partner,omitempty"`
	SellerCanCancelAfter int64  `json:"sellerCanCancelAfter"`
	Paid                 bool   `json:"paid"`
	Disputed             bool   `json:"disputed"`
	Automatic            bool   `json:"automatic"`
	CreatedAt            int64  `json:"createdAt"`
}

// TradeRef carries the identity terms every transition call needs.
type TradeRef struct {
	OrderID string
	Seller  string
	Buyer   string
	Asset   string
	Amount  string
}

// Ref extracts the transition terms from a fetched trade.
func (t *TradeState) Ref() TradeRef {
	return TradeRef{
		OrderID: t.OrderID,
		Seller:  t.Seller,
		Buyer:   t.Buyer,
		Asset:   t.Asset,
		Amount:  t.Amount,
	}
}

// NodeEvent mirrors one journal entry returned by trade_events.
type NodeEvent struct {
	Sequence uint64 `json:"sequence"`
	Time     int64  `json:"time"`
	Digest   string `json:"digest"`
	Event    struct {
		Type       string            `json:"type"`
		Attributes map[string]string `json:"attributes"`
	} `json:"event"`
}
