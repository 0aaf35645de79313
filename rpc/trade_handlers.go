package rpc

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"

	"peervault/core/types"
	"peervault/crypto"
	nativecommon "peervault/native/common"
	"peervault/native/escrow"
)

const (
	codeTradeInvalidParams = -32021
	codeTradeNotFound      = -32022
	codeTradeForbidden     = -32023
	codeTradeConflict      = -32024
	codeTradeTransfer      = -32025
	codeTradePaused        = -32026
	codeTradeInternal      = -32027
)

const (
	defaultEventsLimit = 100
	maxEventsLimit     = 500
)

type tradeCreateParams struct {
	Caller      string `json:"caller"`
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

type tradeActionParams struct {
	Caller  string `json:"caller"`
	OrderID string `json:"orderId"`
	Seller  string `json:"seller"`
	Buyer   string `json:"buyer"`
	Asset   string `json:"asset,omitempty"`
	Amount  string `json:"amount"`
}

type tradeDisputeParams struct {
	Caller   string `json:"caller"`
	OrderID  string `json:"orderId"`
	Seller   string `json:"seller"`
	Buyer    string `json:"buyer"`
	Asset    string `json:"asset,omitempty"`
	Amount   string `json:"amount"`
	Attached string `json:"attached,omitempty"`
}

type tradeResolveParams struct {
	Caller  string `json:"caller"`
	OrderID string `json:"orderId"`
	Seller  string `json:"seller"`
	Buyer   string `json:"buyer"`
	Asset   string `json:"asset,omitempty"`
	Amount  string `json:"amount"`
	Winner  string `json:"winner"`
}

type tradeFundsParams struct {
	Caller string `json:"caller"`
	Seller string `json:"seller"`
	Asset  string `json:"asset,omitempty"`
	Amount string `json:"amount"`
}

type tradeGetParams struct {
	ID      string `json:"id,omitempty"`
	OrderID string `json:"orderId,omitempty"`
	Seller  string `json:"seller,omitempty"`
	Buyer   string `json:"buyer,omitempty"`
	Asset   string `json:"asset,omitempty"`
	Amount  string `json:"amount,omitempty"`
}

type tradeInstanceParams struct {
	Seller string `json:"seller,omitempty"`
}

type tradeFreeBalanceParams struct {
	Seller string `json:"seller"`
	Asset  string `json:"asset,omitempty"`
}

type tradeEventsParams struct {
	From  uint64 `json:"from,omitempty"`
	Limit int    `json:"limit,omitempty"`
}

type tradeCallerParams struct {
	Caller string `json:"caller"`
}

type tradeJSON struct {
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

type instanceJSON struct {
	Seller    string `json:"seller"`
	Vault     string `json:"vault"`
	CreatedAt int64  `json:"createdAt"`
}

type instanceListResult struct {
	Sellers []string `json:"sellers"`
}

type sellerCancelResult struct {
	Cancelled bool `json:"cancelled"`
}

type freeBalanceResult struct {
	Seller string `json:"seller"`
	Asset  string `json:"asset"`
	Free   string `json:"free"`
}

type tradeEventsResult struct {
	Entries    []types.JournalEntry `json:"entries"`
	NextCursor uint64               `json:"nextCursor"`
}

func (s *Server) handleTradeDeploy(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeTradeInvalidParams, "invalid_params", "exactly one parameter object expected")
		return
	}
	var params tradeCallerParams
	if err := json.Unmarshal(req.Params[0], &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeTradeInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, err := parseBech32Address(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeTradeInvalidParams, "invalid_params", err.Error())
		return
	}
	instance, err := s.node.DeployInstance(caller)
	if err != nil {
		writeTradeError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatInstanceJSON(instance))
}

func (s *Server) handleTradeCreateNative(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	params, ok := decodeCreateParams(w, req)
	if !ok {
		return
	}
	if asset := strings.TrimSpace(params.Asset); asset != "" && asset != "native" {
		writeError(w, http.StatusBadRequest, req.ID, codeTradeInvalidParams, "invalid_params", "native trades must not name an asset")
		return
	}
	s.createTrade(w, req, params, [20]byte{})
}

func (s *Server) handleTradeCreateToken(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	params, ok := decodeCreateParams(w, req)
	if !ok {
		return
	}
	asset, err := parseAsset(params.Asset)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeTradeInvalidParams, "invalid_params", err.Error())
		return
	}
	if asset == ([20]byte{}) {
		writeError(w, http.StatusBadRequest, req.ID, codeTradeInvalidParams, "invalid_params", "token trades require a token asset")
		return
	}
	s.createTrade(w, req, params, asset)
}

func decodeCreateParams(w http.ResponseWriter, req *RPCRequest) (tradeCreateParams, bool) {
	var params tradeCreateParams
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeTradeInvalidParams, "invalid_params", "exactly one parameter object expected")
		return params, false
	}
	if err := json.Unmarshal(req.Params[0], &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeTradeInvalidParams, "invalid_params", err.Error())
		return params, false
	}
	return params, true
}

func (s *Server) createTrade(w http.ResponseWriter, req *RPCRequest, params tradeCreateParams, asset [20]byte) {
	caller, err := parseBech32Address(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeTradeInvalidParams, "invalid_params", err.Error())
		return
	}
	orderID, err := parseHash32(params.OrderID, "orderId")
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeTradeInvalidParams, "invalid_params", err.Error())
		return
	}
	seller, err := parseBech32Address(params.Seller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeTradeInvalidParams, "invalid_params", err.Error())
		return
	}
	buyer, err := parseBech32Address(params.Buyer)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeTradeInvalidParams, "invalid_params", err.Error())
		return
	}
	amount, err := parsePositiveBigInt(params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeTradeInvalidParams, "invalid_params", err.Error())
		return
	}
	partner, err := parseOptionalBech32(params.Partner)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeTradeInvalidParams, "invalid_params", err.Error())
		return
	}
	attached, err := parseNonNegativeBigInt(params.Attached)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeTradeInvalidParams, "invalid_params", err.Error())
		return
	}
	trade, err := s.node.CreateTrade(escrow.CreateInput{
		Caller: caller,
		Terms: escrow.TradeTerms{
			OrderID: orderID,
			Seller:  seller,
			Buyer:   buyer,
			Asset:   asset,
			Amount:  amount,
		},
		Partner:     partner,
		WaitingTime: params.WaitingTime,
		Automatic:   params.Automatic,
		Attached:    attached,
	})
	if err != nil {
		writeTradeError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatTradeJSON(trade))
}

func (s *Server) handleTradeMarkAsPaid(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.handleTradeTransition(w, r, req, s.node.MarkAsPaid)
}

func (s *Server) handleTradeRelease(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.handleTradeTransition(w, r, req, s.node.Release)
}

func (s *Server) handleTradeBuyerCancel(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.handleTradeTransition(w, r, req, s.node.BuyerCancel)
}

func (s *Server) handleTradeTransition(w http.ResponseWriter, _ *http.Request, req *RPCRequest, fn func([20]byte, escrow.TradeTerms) error) {
	caller, terms, ok := decodeActionParams(w, req)
	if !ok {
		return
	}
	if err := fn(caller, terms); err != nil {
		writeTradeError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, "ok")
}

func (s *Server) handleTradeSellerCancel(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	caller, terms, ok := decodeActionParams(w, req)
	if !ok {
		return
	}
	cancelled, err := s.node.SellerCancel(caller, terms)
	if err != nil {
		writeTradeError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, sellerCancelResult{Cancelled: cancelled})
}

func decodeActionParams(w http.ResponseWriter, req *RPCRequest) ([20]byte, escrow.TradeTerms, bool) {
	var zero [20]byte
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeTradeInvalidParams, "invalid_params", "exactly one parameter object expected")
		return zero, escrow.TradeTerms{}, false
	}
	var params tradeActionParams
	if err := json.Unmarshal(req.Params[0], &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeTradeInvalidParams, "invalid_params", err.Error())
		return zero, escrow.TradeTerms{}, false
	}
	caller, err := parseBech32Address(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeTradeInvalidParams, "invalid_params", err.Error())
		return zero, escrow.TradeTerms{}, false
	}
	terms, err := parseTradeTerms(params.OrderID, params.Seller, params.Buyer, params.Asset, params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeTradeInvalidParams, "invalid_params", err.Error())
		return zero, escrow.TradeTerms{}, false
	}
	return caller, terms, true
}

func (s *Server) handleTradeOpenDispute(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeTradeInvalidParams, "invalid_params", "exactly one parameter object expected")
		return
	}
	var params tradeDisputeParams
	if err := json.Unmarshal(req.Params[0], &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeTradeInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, err := parseBech32Address(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeTradeInvalidParams, "invalid_params", err.Error())
		return
	}
	terms, err := parseTradeTerms(params.OrderID, params.Seller, params.Buyer, params.Asset, params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeTradeInvalidParams, "invalid_params", err.Error())
		return
	}
	attached, err := parseNonNegativeBigInt(params.Attached)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeTradeInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := s.node.OpenDispute(caller, terms, attached); err != nil {
		writeTradeError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, "ok")
}

func (s *Server) handleTradeResolveDispute(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeTradeInvalidParams, "invalid_params", "exactly one parameter object expected")
		return
	}
	var params tradeResolveParams
	if err := json.Unmarshal(req.Params[0], &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeTradeInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, err := parseBech32Address(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeTradeInvalidParams, "invalid_params", err.Error())
		return
	}
	terms, err := parseTradeTerms(params.OrderID, params.Seller, params.Buyer, params.Asset, params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeTradeInvalidParams, "invalid_params", err.Error())
		return
	}
	winner, err := parseBech32Address(params.Winner)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeTradeInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := s.node.ResolveDispute(caller, terms, winner); err != nil {
		writeTradeError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, "ok")
}

func (s *Server) handleTradeDeposit(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.handleTradeFunds(w, r, req, s.node.Deposit)
}

func (s *Server) handleTradeWithdraw(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.handleTradeFunds(w, r, req, s.node.Withdraw)
}

func (s *Server) handleTradeFunds(w http.ResponseWriter, _ *http.Request, req *RPCRequest, fn func(caller, seller, asset [20]byte, amount *big.Int) error) {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeTradeInvalidParams, "invalid_params", "exactly one parameter object expected")
		return
	}
	var params tradeFundsParams
	if err := json.Unmarshal(req.Params[0], &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeTradeInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, err := parseBech32Address(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeTradeInvalidParams, "invalid_params", err.Error())
		return
	}
	seller, err := parseBech32Address(params.Seller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeTradeInvalidParams, "invalid_params", err.Error())
		return
	}
	asset, err := parseAsset(params.Asset)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeTradeInvalidParams, "invalid_params", err.Error())
		return
	}
	amount, err := parsePositiveBigInt(params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeTradeInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := fn(caller, seller, asset, amount); err != nil {
		writeTradeError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, "ok")
}

func (s *Server) handleTradeGet(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeTradeInvalidParams, "invalid_params", "exactly one parameter object expected")
		return
	}
	var params tradeGetParams
	if err := json.Unmarshal(req.Params[0], &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeTradeInvalidParams, "invalid_params", err.Error())
		return
	}
	if strings.TrimSpace(params.ID) != "" {
		id, err := parseHash32(params.ID, "id")
		if err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeTradeInvalidParams, "invalid_params", err.Error())
			return
		}
		trade, err := s.node.TradeByID(id)
		if err != nil {
			writeTradeError(w, req.ID, err)
			return
		}
		writeResult(w, req.ID, formatTradeJSON(trade))
		return
	}
	terms, err := parseTradeTerms(params.OrderID, params.Seller, params.Buyer, params.Asset, params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeTradeInvalidParams, "invalid_params", err.Error())
		return
	}
	trade, err := s.node.TradeByTerms(terms)
	if err != nil {
		writeTradeError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatTradeJSON(trade))
}

func (s *Server) handleTradeInstance(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params tradeInstanceParams
	if len(req.Params) > 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeTradeInvalidParams, "invalid_params", "at most one parameter object expected")
		return
	}
	if len(req.Params) == 1 {
		if err := json.Unmarshal(req.Params[0], &params); err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeTradeInvalidParams, "invalid_params", err.Error())
			return
		}
	}
	if strings.TrimSpace(params.Seller) == "" {
		sellers, err := s.node.Instances()
		if err != nil {
			writeTradeError(w, req.ID, err)
			return
		}
		encoded := make([]string, 0, len(sellers))
		for _, seller := range sellers {
			encoded = append(encoded, crypto.NewAddress(seller).String())
		}
		writeResult(w, req.ID, instanceListResult{Sellers: encoded})
		return
	}
	seller, err := parseBech32Address(params.Seller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeTradeInvalidParams, "invalid_params", err.Error())
		return
	}
	instance, err := s.node.Instance(seller)
	if err != nil {
		writeTradeError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatInstanceJSON(instance))
}

func (s *Server) handleTradeFreeBalance(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeTradeInvalidParams, "invalid_params", "exactly one parameter object expected")
		return
	}
	var params tradeFreeBalanceParams
	if err := json.Unmarshal(req.Params[0], &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeTradeInvalidParams, "invalid_params", err.Error())
		return
	}
	seller, err := parseBech32Address(params.Seller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeTradeInvalidParams, "invalid_params", err.Error())
		return
	}
	asset, err := parseAsset(params.Asset)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeTradeInvalidParams, "invalid_params", err.Error())
		return
	}
	free, err := s.node.FreeBalance(seller, asset)
	if err != nil {
		writeTradeError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, freeBalanceResult{
		Seller: crypto.NewAddress(seller).String(),
		Asset:  formatAsset(asset),
		Free:   free.String(),
	})
}

func (s *Server) handleTradeEvents(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params tradeEventsParams
	if len(req.Params) > 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeTradeInvalidParams, "invalid_params", "at most one parameter object expected")
		return
	}
	if len(req.Params) == 1 {
		if err := json.Unmarshal(req.Params[0], &params); err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeTradeInvalidParams, "invalid_params", err.Error())
			return
		}
	}
	limit := params.Limit
	if limit <= 0 {
		limit = defaultEventsLimit
	} else if limit > maxEventsLimit {
		limit = maxEventsLimit
	}
	entries, err := s.node.Events(params.From, limit)
	if err != nil {
		writeTradeError(w, req.ID, err)
		return
	}
	next := params.From
	if next == 0 {
		next = 1
	}
	if len(entries) > 0 {
		next = entries[len(entries)-1].Sequence + 1
	}
	writeResult(w, req.ID, tradeEventsResult{Entries: entries, NextCursor: next})
}

func parseTradeTerms(orderID, seller, buyer, asset, amount string) (escrow.TradeTerms, error) {
	parsedOrder, err := parseHash32(orderID, "orderId")
	if err != nil {
		return escrow.TradeTerms{}, err
	}
	parsedSeller, err := parseBech32Address(seller)
	if err != nil {
		return escrow.TradeTerms{}, err
	}
	parsedBuyer, err := parseBech32Address(buyer)
	if err != nil {
		return escrow.TradeTerms{}, err
	}
	parsedAsset, err := parseAsset(asset)
	if err != nil {
		return escrow.TradeTerms{}, err
	}
	parsedAmount, err := parsePositiveBigInt(amount)
	if err != nil {
		return escrow.TradeTerms{}, err
	}
	return escrow.TradeTerms{
		OrderID: parsedOrder,
		Seller:  parsedSeller,
		Buyer:   parsedBuyer,
		Asset:   parsedAsset,
		Amount:  parsedAmount,
	}, nil
}

func parseBech32Address(addr string) ([20]byte, error) {
	trimmed := strings.TrimSpace(addr)
	if trimmed == "" {
		return [20]byte{}, fmt.Errorf("address required")
	}
	decoded, err := crypto.DecodeAddress(trimmed)
	if err != nil {
		return [20]byte{}, err
	}
	return decoded.Raw(), nil
}

func parseOptionalBech32(addr string) ([20]byte, error) {
	if strings.TrimSpace(addr) == "" {
		return [20]byte{}, nil
	}
	return parseBech32Address(addr)
}

func parsePositiveBigInt(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, fmt.Errorf("amount required")
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount")
	}
	if amount.Sign() <= 0 {
		return nil, fmt.Errorf("amount must be positive")
	}
	return amount, nil
}

func parseNonNegativeBigInt(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return big.NewInt(0), nil
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount")
	}
	if amount.Sign() < 0 {
		return nil, fmt.Errorf("amount must not be negative")
	}
	return amount, nil
}

func parseHash32(value, label string) ([32]byte, error) {
	var out [32]byte
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return out, fmt.Errorf("%s required", label)
	}
	cleaned := strings.TrimPrefix(strings.TrimPrefix(trimmed, "0x"), "0X")
	if len(cleaned) != 64 {
		return out, fmt.Errorf("%s must be 32 bytes", label)
	}
	decoded, err := hex.DecodeString(cleaned)
	if err != nil {
		return out, err
	}
	copy(out[:], decoded)
	return out, nil
}

// parseAsset resolves the asset designator: empty or "native" selects the
// native coin, anything else must be a 0x-prefixed 20-byte token address.
func parseAsset(value string) ([20]byte, error) {
	var out [20]byte
	trimmed := strings.TrimSpace(value)
	if trimmed == "" || strings.EqualFold(trimmed, "native") {
		return out, nil
	}
	cleaned := strings.TrimPrefix(strings.TrimPrefix(trimmed, "0x"), "0X")
	if len(cleaned) != 40 {
		return out, fmt.Errorf("asset must be a 20-byte token address")
	}
	decoded, err := hex.DecodeString(cleaned)
	if err != nil {
		return out, err
	}
	copy(out[:], decoded)
	return out, nil
}

func formatTradeID(id [32]byte) string {
	return "0x" + hex.EncodeToString(id[:])
}

func formatAsset(asset [20]byte) string {
	if asset == ([20]byte{}) {
		return "native"
	}
	return "0x" + hex.EncodeToString(asset[:])
}

func formatTradeJSON(trade *escrow.Trade) tradeJSON {
	amount := "0"
	if trade.Amount != nil {
		amount = trade.Amount.String()
	}
	fee := "0"
	if trade.Fee != nil {
		fee = trade.Fee.String()
	}
	protocolFee := "0"
	if trade.ProtocolFee != nil {
		protocolFee = trade.ProtocolFee.String()
	}
	partner := ""
	if trade.Partner != ([20]byte{}) {
		partner = crypto.NewAddress(trade.Partner).String()
	}
	return tradeJSON{
		ID:                   formatTradeID(trade.ID),
		OrderID:              formatTradeID(trade.OrderID),
		Seller:               crypto.NewAddress(trade.Seller).String(),
		Buyer:                crypto.NewAddress(trade.Buyer).String(),
		Asset:                formatAsset(trade.Asset),
		Amount:               amount,
		Fee:                  fee,
		ProtocolFee:          protocolFee,
		Partner:              partner,
		SellerCanCancelAfter: trade.SellerCanCancelAfter,
		Paid:                 trade.Paid(),
		Disputed:             trade.Disputed,
		Automatic:            trade.Automatic,
		CreatedAt:            trade.CreatedAt,
	}
}

func formatInstanceJSON(instance *escrow.Instance) instanceJSON {
	return instanceJSON{
		Seller:    crypto.NewAddress(instance.Seller).String(),
		Vault:     crypto.NewAddress(instance.Vault).String(),
		CreatedAt: instance.CreatedAt,
	}
}

func writeTradeError(w http.ResponseWriter, id interface{}, err error) {
	if err == nil {
		return
	}
	status := http.StatusInternalServerError
	code := codeTradeInternal
	message := "internal_error"
	data := err.Error()
	switch {
	case errors.Is(err, escrow.ErrNotFound):
		status = http.StatusNotFound
		code = codeTradeNotFound
		message = "not_found"
	case errors.Is(err, escrow.ErrUnauthorized):
		status = http.StatusForbidden
		code = codeTradeForbidden
		message = "forbidden"
	case errors.Is(err, escrow.ErrInvalidArgument):
		status = http.StatusBadRequest
		code = codeTradeInvalidParams
		message = "invalid_argument"
	case errors.Is(err, escrow.ErrInvalidState):
		status = http.StatusConflict
		code = codeTradeConflict
		message = "conflict"
	case errors.Is(err, escrow.ErrTransferFailure):
		status = http.StatusConflict
		code = codeTradeTransfer
		message = "transfer_failure"
	case errors.Is(err, nativecommon.ErrModulePaused):
		status = http.StatusConflict
		code = codeTradePaused
		message = "paused"
	}
	writeError(w, status, id, code, message, data)
}
