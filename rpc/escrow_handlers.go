package rpc

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"

	"veiltrade/core/types"
	"veiltrade/native/escrow"
)

const (
	codeEscrowInvalidParams = -32021
	codeEscrowNotFound      = -32022
	codeEscrowForbidden     = -32023
	codeEscrowConflict      = -32024
	codeEscrowInternal      = -32025
)

type createListingParams struct {
	Seller     string `json:"seller"`
	Name       string `json:"name"`
	Commitment string `json:"commitment,omitempty"`
}

type purchaseParams struct {
	ID         uint64 `json:"id"`
	Buyer      string `json:"buyer"`
	Amount     string `json:"amount"`
	Commitment string `json:"commitment,omitempty"`
	RangeProof string `json:"rangeProof,omitempty"`
}

type confirmOrderParams struct {
	ID          uint64 `json:"id"`
	Caller      string `json:"caller"`
	DocumentRef string `json:"documentRef,omitempty"`
}

type escrowIDParams struct {
	ID uint64 `json:"id"`
}

type bidParams struct {
	ID    uint64 `json:"id"`
	Agent string `json:"agent"`
	Fee   string `json:"fee,omitempty"`
}

type depositSecurityParams struct {
	ID     uint64 `json:"id"`
	Agent  string `json:"agent"`
	Amount string `json:"amount"`
}

type selectAgentParams struct {
	ID         uint64 `json:"id"`
	Caller     string `json:"caller"`
	Agent      string `json:"agent"`
	FeePayment string `json:"feePayment"`
}

type revealParams struct {
	ID          uint64 `json:"id"`
	Caller      string `json:"caller,omitempty"`
	Value       string `json:"value"`
	Blinding    string `json:"blinding"`
	DocumentRef string `json:"documentRef,omitempty"`
}

type recordPrivatePaymentParams struct {
	ID       uint64 `json:"id"`
	Caller   string `json:"caller"`
	MemoHash string `json:"memoHash"`
	TxRef    string `json:"txRef"`
}

type commitmentParams struct {
	Value    string `json:"value"`
	Blinding string `json:"blinding"`
}

type mintParams struct {
	Address string `json:"address"`
	Amount  string `json:"amount"`
}

type addressParams struct {
	Address string `json:"address"`
}

type createListingResult struct {
	ID uint64 `json:"id"`
}

type commitmentResult struct {
	Commitment string `json:"commitment"`
}

type balanceResult struct {
	Address string `json:"address"`
	Balance string `json:"balance"`
}

type vaultBalanceResult struct {
	ID      uint64 `json:"id"`
	Balance string `json:"balance"`
}

type bidJSON struct {
	Agent           string `json:"agent"`
	Fee             string `json:"fee"`
	SecurityDeposit string `json:"securityDeposit"`
}

type paymentJSON struct {
	MemoHash string `json:"memoHash"`
	TxRef    string `json:"txRef"`
	Recorder string `json:"recorder"`
}

type escrowJSON struct {
	ID              uint64       `json:"id"`
	Name            string       `json:"name"`
	Seller          string       `json:"seller"`
	Buyer           string       `json:"buyer,omitempty"`
	Agent           string       `json:"agent,omitempty"`
	Phase           string       `json:"phase"`
	PriceCommitment string       `json:"priceCommitment"`
	RangeProof      string       `json:"rangeProof,omitempty"`
	Deposit         string       `json:"deposit"`
	DeliveryFee     string       `json:"deliveryFee"`
	CreatedAt       int64        `json:"createdAt"`
	PurchasedAt     int64        `json:"purchasedAt,omitempty"`
	ConfirmedAt     int64        `json:"confirmedAt,omitempty"`
	BoundAt         int64        `json:"boundAt,omitempty"`
	Delivered       bool         `json:"delivered"`
	DocumentRef     string       `json:"documentRef,omitempty"`
	Bids            []bidJSON    `json:"bids,omitempty"`
	Payment         *paymentJSON `json:"privatePayment,omitempty"`
}

type eventJSON struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

func parseHexAddress(raw string) ([20]byte, error) {
	var addr [20]byte
	cleaned := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	if len(cleaned) != 40 {
		return addr, fmt.Errorf("address must be 20 hex bytes")
	}
	decoded, err := hex.DecodeString(cleaned)
	if err != nil {
		return addr, fmt.Errorf("invalid address encoding: %w", err)
	}
	copy(addr[:], decoded)
	if addr == ([20]byte{}) {
		return addr, fmt.Errorf("address must not be zero")
	}
	return addr, nil
}

func parseHash32(raw string) ([32]byte, error) {
	var hash [32]byte
	cleaned := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	if len(cleaned) != 64 {
		return hash, fmt.Errorf("hash must be 32 hex bytes")
	}
	decoded, err := hex.DecodeString(cleaned)
	if err != nil {
		return hash, fmt.Errorf("invalid hash encoding: %w", err)
	}
	copy(hash[:], decoded)
	return hash, nil
}

func parseOptionalHash32(raw string) ([32]byte, error) {
	if strings.TrimSpace(raw) == "" {
		return [32]byte{}, nil
	}
	return parseHash32(raw)
}

func parsePositiveBigInt(raw string) (*big.Int, error) {
	value, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
	if !ok {
		return nil, fmt.Errorf("amount must be a decimal integer")
	}
	if value.Sign() <= 0 {
		return nil, fmt.Errorf("amount must be positive")
	}
	return value, nil
}

func parseNonNegativeBigInt(raw string) (*big.Int, error) {
	if strings.TrimSpace(raw) == "" {
		return big.NewInt(0), nil
	}
	value, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
	if !ok {
		return nil, fmt.Errorf("amount must be a decimal integer")
	}
	if value.Sign() < 0 {
		return nil, fmt.Errorf("amount must be non-negative")
	}
	return value, nil
}

func parseOptionalProof(raw string) ([]byte, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	decoded, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(raw), "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid proof encoding: %w", err)
	}
	return decoded, nil
}

func decodeSingleParam(req *RPCRequest, dst interface{}) error {
	if len(req.Params) != 1 {
		return fmt.Errorf("exactly one parameter object expected")
	}
	return json.Unmarshal(req.Params[0], dst)
}

func invalidParams(w http.ResponseWriter, id interface{}, detail string) {
	writeError(w, http.StatusBadRequest, id, codeEscrowInvalidParams, "invalid_params", detail)
}

func formatAddress(addr [20]byte) string {
	if addr == ([20]byte{}) {
		return ""
	}
	return "0x" + hex.EncodeToString(addr[:])
}

func formatBid(b escrow.Bid) bidJSON {
	return bidJSON{
		Agent:           formatAddress(b.Agent),
		Fee:             b.Fee.String(),
		SecurityDeposit: b.SecurityDeposit.String(),
	}
}

func formatEscrowJSON(e *escrow.Escrow) escrowJSON {
	out := escrowJSON{
		ID:              e.ID,
		Name:            e.Name,
		Seller:          formatAddress(e.Seller),
		Buyer:           formatAddress(e.Buyer),
		Agent:           formatAddress(e.Agent),
		Phase:           e.Phase.String(),
		PriceCommitment: hex.EncodeToString(e.PriceCommitment[:]),
		Deposit:         e.Deposit.String(),
		DeliveryFee:     e.DeliveryFee.String(),
		CreatedAt:       e.CreatedAt,
		PurchasedAt:     e.PurchasedAt,
		ConfirmedAt:     e.ConfirmedAt,
		BoundAt:         e.BoundAt,
		Delivered:       e.Delivered,
		DocumentRef:     e.DocumentRef,
	}
	if len(e.RangeProof) > 0 {
		out.RangeProof = hex.EncodeToString(e.RangeProof)
	}
	for i := range e.Bids {
		if e.Bids[i].Active {
			out.Bids = append(out.Bids, formatBid(e.Bids[i]))
		}
	}
	if e.Payment != nil {
		out.Payment = &paymentJSON{
			MemoHash: hex.EncodeToString(e.Payment.MemoHash[:]),
			TxRef:    hex.EncodeToString(e.Payment.TxRef[:]),
			Recorder: formatAddress(e.Payment.Recorder),
		}
	}
	return out
}

func writeEscrowError(w http.ResponseWriter, id interface{}, err error) {
	if err == nil {
		return
	}
	status := http.StatusInternalServerError
	code := codeEscrowInternal
	message := "internal_error"
	data := err.Error()
	switch {
	case errors.Is(err, escrow.ErrNotFound):
		status = http.StatusNotFound
		code = codeEscrowNotFound
		message = "not_found"
	case errors.Is(err, escrow.ErrNotParticipant) || errors.Is(err, escrow.ErrSelfTrade):
		status = http.StatusForbidden
		code = codeEscrowForbidden
		message = "forbidden"
	case errors.Is(err, escrow.ErrWrongPhase) || errors.Is(err, escrow.ErrWindowExpired) ||
		errors.Is(err, escrow.ErrWindowNotYetExpired) || errors.Is(err, escrow.ErrDuplicateBid) ||
		errors.Is(err, escrow.ErrBidListFull) || errors.Is(err, escrow.ErrNoActiveBid) ||
		errors.Is(err, escrow.ErrAgentBound) || errors.Is(err, escrow.ErrFeeMismatch) ||
		errors.Is(err, escrow.ErrAlreadyPaid) || errors.Is(err, escrow.ErrDelivered) ||
		errors.Is(err, escrow.ErrCommitmentMismatch) || errors.Is(err, escrow.ErrReentrantCall):
		status = http.StatusConflict
		code = codeEscrowConflict
		message = "conflict"
	case errors.Is(err, escrow.ErrAmountRequired) || errors.Is(err, escrow.ErrZeroMemoHash) ||
		errors.Is(err, escrow.ErrZeroTxRef) || errors.Is(err, escrow.ErrInsufficientBalance):
		status = http.StatusBadRequest
		code = codeEscrowInvalidParams
		message = "invalid_params"
	}
	writeError(w, status, id, code, message, data)
}

func (s *Server) handleCreateListing(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params createListingParams
	if err := decodeSingleParam(req, &params); err != nil {
		invalidParams(w, req.ID, err.Error())
		return
	}
	seller, err := parseHexAddress(params.Seller)
	if err != nil {
		invalidParams(w, req.ID, err.Error())
		return
	}
	commitment, err := parseOptionalHash32(params.Commitment)
	if err != nil {
		invalidParams(w, req.ID, err.Error())
		return
	}
	esc, err := s.node.CreateListing(seller, strings.TrimSpace(params.Name), commitment)
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, createListingResult{ID: esc.ID})
}

func (s *Server) handlePurchase(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params purchaseParams
	if err := decodeSingleParam(req, &params); err != nil {
		invalidParams(w, req.ID, err.Error())
		return
	}
	buyer, err := parseHexAddress(params.Buyer)
	if err != nil {
		invalidParams(w, req.ID, err.Error())
		return
	}
	amount, err := parsePositiveBigInt(params.Amount)
	if err != nil {
		invalidParams(w, req.ID, err.Error())
		return
	}
	commitment, err := parseOptionalHash32(params.Commitment)
	if err != nil {
		invalidParams(w, req.ID, err.Error())
		return
	}
	proof, err := parseOptionalProof(params.RangeProof)
	if err != nil {
		invalidParams(w, req.ID, err.Error())
		return
	}
	if err := s.node.Purchase(params.ID, buyer, amount, commitment, proof); err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, "ok")
}

func (s *Server) handleConfirmOrder(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params confirmOrderParams
	if err := decodeSingleParam(req, &params); err != nil {
		invalidParams(w, req.ID, err.Error())
		return
	}
	caller, err := parseHexAddress(params.Caller)
	if err != nil {
		invalidParams(w, req.ID, err.Error())
		return
	}
	if err := s.node.ConfirmOrder(params.ID, caller, strings.TrimSpace(params.DocumentRef)); err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, "ok")
}

func (s *Server) handleSellerTimeout(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params escrowIDParams
	if err := decodeSingleParam(req, &params); err != nil {
		invalidParams(w, req.ID, err.Error())
		return
	}
	if err := s.node.SellerTimeout(params.ID); err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, "ok")
}

func (s *Server) handleRegisterBid(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params bidParams
	if err := decodeSingleParam(req, &params); err != nil {
		invalidParams(w, req.ID, err.Error())
		return
	}
	agent, err := parseHexAddress(params.Agent)
	if err != nil {
		invalidParams(w, req.ID, err.Error())
		return
	}
	fee, err := parseNonNegativeBigInt(params.Fee)
	if err != nil {
		invalidParams(w, req.ID, err.Error())
		return
	}
	if err := s.node.RegisterBid(params.ID, agent, fee); err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, "ok")
}

func (s *Server) handleDepositSecurity(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params depositSecurityParams
	if err := decodeSingleParam(req, &params); err != nil {
		invalidParams(w, req.ID, err.Error())
		return
	}
	agent, err := parseHexAddress(params.Agent)
	if err != nil {
		invalidParams(w, req.ID, err.Error())
		return
	}
	amount, err := parsePositiveBigInt(params.Amount)
	if err != nil {
		invalidParams(w, req.ID, err.Error())
		return
	}
	if err := s.node.DepositSecurity(params.ID, agent, amount); err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, "ok")
}

func (s *Server) handleWithdrawBid(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params bidParams
	if err := decodeSingleParam(req, &params); err != nil {
		invalidParams(w, req.ID, err.Error())
		return
	}
	agent, err := parseHexAddress(params.Agent)
	if err != nil {
		invalidParams(w, req.ID, err.Error())
		return
	}
	if err := s.node.WithdrawBid(params.ID, agent); err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, "ok")
}

func (s *Server) handleSelectAgent(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params selectAgentParams
	if err := decodeSingleParam(req, &params); err != nil {
		invalidParams(w, req.ID, err.Error())
		return
	}
	caller, err := parseHexAddress(params.Caller)
	if err != nil {
		invalidParams(w, req.ID, err.Error())
		return
	}
	agent, err := parseHexAddress(params.Agent)
	if err != nil {
		invalidParams(w, req.ID, err.Error())
		return
	}
	feePayment, err := parseNonNegativeBigInt(params.FeePayment)
	if err != nil {
		invalidParams(w, req.ID, err.Error())
		return
	}
	if err := s.node.SelectAgent(params.ID, caller, agent, feePayment); err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, "ok")
}

func (s *Server) handleBidTimeout(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params escrowIDParams
	if err := decodeSingleParam(req, &params); err != nil {
		invalidParams(w, req.ID, err.Error())
		return
	}
	if err := s.node.BidTimeout(params.ID); err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, "ok")
}

func (s *Server) handleReveal(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params revealParams
	if err := decodeSingleParam(req, &params); err != nil {
		invalidParams(w, req.ID, err.Error())
		return
	}
	caller, err := parseHexAddress(params.Caller)
	if err != nil {
		invalidParams(w, req.ID, err.Error())
		return
	}
	value, err := parseNonNegativeBigInt(params.Value)
	if err != nil {
		invalidParams(w, req.ID, err.Error())
		return
	}
	blinding, err := parseHash32(params.Blinding)
	if err != nil {
		invalidParams(w, req.ID, err.Error())
		return
	}
	if err := s.node.RevealAndConfirmDelivery(params.ID, caller, value, blinding, strings.TrimSpace(params.DocumentRef)); err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, "ok")
}

func (s *Server) handleDeliveryTimeout(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params escrowIDParams
	if err := decodeSingleParam(req, &params); err != nil {
		invalidParams(w, req.ID, err.Error())
		return
	}
	if err := s.node.DeliveryTimeout(params.ID); err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, "ok")
}

func (s *Server) handleRecordPrivatePayment(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params recordPrivatePaymentParams
	if err := decodeSingleParam(req, &params); err != nil {
		invalidParams(w, req.ID, err.Error())
		return
	}
	caller, err := parseHexAddress(params.Caller)
	if err != nil {
		invalidParams(w, req.ID, err.Error())
		return
	}
	memoHash, err := parseHash32(params.MemoHash)
	if err != nil {
		invalidParams(w, req.ID, err.Error())
		return
	}
	txRef, err := parseHash32(params.TxRef)
	if err != nil {
		invalidParams(w, req.ID, err.Error())
		return
	}
	if err := s.node.RecordPrivatePayment(params.ID, caller, memoHash, txRef); err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, "ok")
}

func (s *Server) handleMint(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params mintParams
	if err := decodeSingleParam(req, &params); err != nil {
		invalidParams(w, req.ID, err.Error())
		return
	}
	addr, err := parseHexAddress(params.Address)
	if err != nil {
		invalidParams(w, req.ID, err.Error())
		return
	}
	amount, err := parsePositiveBigInt(params.Amount)
	if err != nil {
		invalidParams(w, req.ID, err.Error())
		return
	}
	if err := s.node.Mint(addr, amount); err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, "ok")
}

func (s *Server) handleEscrowGet(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params escrowIDParams
	if err := decodeSingleParam(req, &params); err != nil {
		invalidParams(w, req.ID, err.Error())
		return
	}
	esc, err := s.node.GetEscrow(params.ID)
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatEscrowJSON(esc))
}

func (s *Server) handleListBids(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params escrowIDParams
	if err := decodeSingleParam(req, &params); err != nil {
		invalidParams(w, req.ID, err.Error())
		return
	}
	bids, err := s.node.ListBids(params.ID)
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	out := make([]bidJSON, 0, len(bids))
	for _, b := range bids {
		out = append(out, formatBid(b))
	}
	writeResult(w, req.ID, out)
}

func (s *Server) handlePrivatePayment(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params escrowIDParams
	if err := decodeSingleParam(req, &params); err != nil {
		invalidParams(w, req.ID, err.Error())
		return
	}
	payment, err := s.node.PrivatePayment(params.ID)
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	if payment == nil {
		writeResult(w, req.ID, nil)
		return
	}
	writeResult(w, req.ID, paymentJSON{
		MemoHash: hex.EncodeToString(payment.MemoHash[:]),
		TxRef:    hex.EncodeToString(payment.TxRef[:]),
		Recorder: formatAddress(payment.Recorder),
	})
}

func (s *Server) handleComputeCommitment(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params commitmentParams
	if err := decodeSingleParam(req, &params); err != nil {
		invalidParams(w, req.ID, err.Error())
		return
	}
	value, err := parseNonNegativeBigInt(params.Value)
	if err != nil {
		invalidParams(w, req.ID, err.Error())
		return
	}
	blinding, err := parseHash32(params.Blinding)
	if err != nil {
		invalidParams(w, req.ID, err.Error())
		return
	}
	commitment, err := escrow.ComputeCommitment(value, blinding)
	if err != nil {
		invalidParams(w, req.ID, err.Error())
		return
	}
	writeResult(w, req.ID, commitmentResult{Commitment: hex.EncodeToString(commitment[:])})
}

func (s *Server) handleVerifyReveal(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params revealParams
	if err := decodeSingleParam(req, &params); err != nil {
		invalidParams(w, req.ID, err.Error())
		return
	}
	value, err := parseNonNegativeBigInt(params.Value)
	if err != nil {
		invalidParams(w, req.ID, err.Error())
		return
	}
	blinding, err := parseHash32(params.Blinding)
	if err != nil {
		invalidParams(w, req.ID, err.Error())
		return
	}
	ok, err := s.node.VerifyReveal(params.ID, value, blinding)
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, ok)
}

func (s *Server) handleEvents(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	if len(req.Params) != 0 {
		invalidParams(w, req.ID, "no parameters expected")
		return
	}
	recorded := s.node.Events()
	out := make([]eventJSON, 0, len(recorded))
	for _, evt := range recorded {
		entry := eventJSON{Type: evt.EventType()}
		if carrier, ok := evt.(interface{ Event() *types.Event }); ok {
			if payload := carrier.Event(); payload != nil {
				entry.Attributes = payload.Attributes
			}
		}
		out = append(out, entry)
	}
	writeResult(w, req.ID, out)
}

func (s *Server) handleBalance(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params addressParams
	if err := decodeSingleParam(req, &params); err != nil {
		invalidParams(w, req.ID, err.Error())
		return
	}
	addr, err := parseHexAddress(params.Address)
	if err != nil {
		invalidParams(w, req.ID, err.Error())
		return
	}
	balance, err := s.node.Balance(addr)
	if err != nil {
		writeError(w, http.StatusInternalServerError, req.ID, codeServerError, "failed to load account", err.Error())
		return
	}
	writeResult(w, req.ID, balanceResult{Address: formatAddress(addr), Balance: balance.String()})
}

func (s *Server) handleVaultBalance(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params escrowIDParams
	if err := decodeSingleParam(req, &params); err != nil {
		invalidParams(w, req.ID, err.Error())
		return
	}
	balance, err := s.node.EscrowBalance(params.ID)
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, vaultBalanceResult{ID: params.ID, Balance: balance.String()})
}
