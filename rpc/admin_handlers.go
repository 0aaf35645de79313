package rpc

import (
	"encoding/hex"
	"encoding/json"
	"net/http"

	"peervault/crypto"
	"peervault/native/escrow"
)

type adminOwnerParams struct {
	Caller string `json:"caller"`
	Owner  string `json:"owner"`
}

type adminArbitratorParams struct {
	Caller     string `json:"caller"`
	Arbitrator string `json:"arbitrator"`
}

type adminRecipientParams struct {
	Caller    string `json:"caller"`
	Recipient string `json:"recipient"`
}

type adminBpsParams struct {
	Caller string `json:"caller"`
	Bps    uint32 `json:"bps"`
}

type adminPartnerParams struct {
	Caller  string `json:"caller"`
	Partner string `json:"partner"`
	Bps     uint32 `json:"bps"`
}

type adminCredentialParams struct {
	Caller     string `json:"caller"`
	Credential string `json:"credential"`
}

type adminStakeParams struct {
	Caller string `json:"caller"`
	Stake  string `json:"stake"`
}

type adminHolderParams struct {
	Caller string `json:"caller"`
	Holder string `json:"holder"`
}

type policyJSON struct {
	Version            uint64            `json:"version"`
	Owner              string            `json:"owner"`
	Arbitrator         string            `json:"arbitrator"`
	FeeRecipient       string            `json:"feeRecipient"`
	ProtocolFeeBps     uint32            `json:"protocolFeeBps"`
	DisputeStake       string            `json:"disputeStake"`
	DiscountCredential string            `json:"discountCredential,omitempty"`
	Paused             bool              `json:"paused"`
	Partners           map[string]uint32 `json:"partners,omitempty"`
}

// handleAdminPair covers every two-address policy mutation: decode caller and
// target, apply, acknowledge.
func (s *Server) handleAdminPair(w http.ResponseWriter, req *RPCRequest, caller, target string, fn func(caller, target [20]byte) error) {
	callerAddr, err := parseBech32Address(caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeTradeInvalidParams, "invalid_params", err.Error())
		return
	}
	targetAddr, err := parseBech32Address(target)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeTradeInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := fn(callerAddr, targetAddr); err != nil {
		writeTradeError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, "ok")
}

func decodeAdminParams(w http.ResponseWriter, req *RPCRequest, out interface{}) bool {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeTradeInvalidParams, "invalid_params", "exactly one parameter object expected")
		return false
	}
	if err := json.Unmarshal(req.Params[0], out); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeTradeInvalidParams, "invalid_params", err.Error())
		return false
	}
	return true
}

func (s *Server) handleAdminSetOwner(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params adminOwnerParams
	if !decodeAdminParams(w, req, &params) {
		return
	}
	s.handleAdminPair(w, req, params.Caller, params.Owner, s.node.SetOwner)
}

func (s *Server) handleAdminSetArbitrator(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params adminArbitratorParams
	if !decodeAdminParams(w, req, &params) {
		return
	}
	s.handleAdminPair(w, req, params.Caller, params.Arbitrator, s.node.SetArbitrator)
}

func (s *Server) handleAdminSetFeeRecipient(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params adminRecipientParams
	if !decodeAdminParams(w, req, &params) {
		return
	}
	s.handleAdminPair(w, req, params.Caller, params.Recipient, s.node.SetFeeRecipient)
}

func (s *Server) handleAdminSetFeeBps(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params adminBpsParams
	if !decodeAdminParams(w, req, &params) {
		return
	}
	caller, err := parseBech32Address(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeTradeInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := s.node.SetProtocolFeeBps(caller, params.Bps); err != nil {
		writeTradeError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, "ok")
}

func (s *Server) handleAdminSetPartnerFee(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params adminPartnerParams
	if !decodeAdminParams(w, req, &params) {
		return
	}
	caller, err := parseBech32Address(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeTradeInvalidParams, "invalid_params", err.Error())
		return
	}
	partner, err := parseBech32Address(params.Partner)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeTradeInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := s.node.SetPartnerFee(caller, partner, params.Bps); err != nil {
		writeTradeError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, "ok")
}

func (s *Server) handleAdminSetDiscountCredential(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params adminCredentialParams
	if !decodeAdminParams(w, req, &params) {
		return
	}
	s.handleAdminPair(w, req, params.Caller, params.Credential, s.node.SetDiscountCredential)
}

func (s *Server) handleAdminSetDisputeStake(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params adminStakeParams
	if !decodeAdminParams(w, req, &params) {
		return
	}
	caller, err := parseBech32Address(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeTradeInvalidParams, "invalid_params", err.Error())
		return
	}
	stake, err := parseNonNegativeBigInt(params.Stake)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeTradeInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := s.node.SetDisputeStake(caller, stake); err != nil {
		writeTradeError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, "ok")
}

func (s *Server) handleAdminPause(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	s.handleAdminToggle(w, req, s.node.PauseTrading)
}

func (s *Server) handleAdminResume(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	s.handleAdminToggle(w, req, s.node.ResumeTrading)
}

func (s *Server) handleAdminToggle(w http.ResponseWriter, req *RPCRequest, fn func([20]byte) error) {
	var params tradeCallerParams
	if !decodeAdminParams(w, req, &params) {
		return
	}
	caller, err := parseBech32Address(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeTradeInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := fn(caller); err != nil {
		writeTradeError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, "ok")
}

func (s *Server) handleAdminGrantCredential(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params adminHolderParams
	if !decodeAdminParams(w, req, &params) {
		return
	}
	s.handleAdminPair(w, req, params.Caller, params.Holder, s.node.GrantCredential)
}

func (s *Server) handleAdminRevokeCredential(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params adminHolderParams
	if !decodeAdminParams(w, req, &params) {
		return
	}
	s.handleAdminPair(w, req, params.Caller, params.Holder, s.node.RevokeCredential)
}

func (s *Server) handleAdminPolicy(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	policy, err := s.node.Policy()
	if err != nil {
		writeTradeError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatPolicyJSON(policy))
}

func formatPolicyJSON(policy *escrow.Policy) policyJSON {
	stake := "0"
	if policy.DisputeStake != nil {
		stake = policy.DisputeStake.String()
	}
	credential := ""
	if policy.DiscountCredential != ([20]byte{}) {
		credential = crypto.NewAddress(policy.DiscountCredential).String()
	}
	var partners map[string]uint32
	if len(policy.Partners) > 0 {
		partners = make(map[string]uint32, len(policy.Partners))
		for key, bps := range policy.Partners {
			decoded, err := hex.DecodeString(key)
			if err != nil || len(decoded) != crypto.AddressLength {
				partners[key] = bps
				continue
			}
			addr, err := crypto.AddressFromBytes(decoded)
			if err != nil {
				partners[key] = bps
				continue
			}
			partners[addr.String()] = bps
		}
	}
	return policyJSON{
		Version:            policy.Version,
		Owner:              crypto.NewAddress(policy.Owner).String(),
		Arbitrator:         crypto.NewAddress(policy.Arbitrator).String(),
		FeeRecipient:       crypto.NewAddress(policy.FeeRecipient).String(),
		ProtocolFeeBps:     policy.ProtocolFeeBps,
		DisputeStake:       stake,
		DiscountCredential: credential,
		Paused:             policy.Paused,
		Partners:           partners,
	}
}
