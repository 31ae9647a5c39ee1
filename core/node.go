package core

import (
	"log/slog"
	"math/big"
	"strconv"
	"sync"

	"veiltrade/config"
	"veiltrade/core/events"
	"veiltrade/core/state"
	"veiltrade/core/types"
	"veiltrade/native/escrow"
	"veiltrade/observability/metrics"
	"veiltrade/storage"
)

// Node owns the escrow engine and serialises every mutation behind a single
// writer lock. Transports call into the node, never into the engine directly.
type Node struct {
	mu       sync.Mutex
	db       storage.Database
	state    *state.Manager
	engine   *escrow.Engine
	recorder *events.Recorder
	logger   *slog.Logger
	metrics  *metrics.EscrowMetrics
}

// NewNode assembles a node over the given database, applying the escrow
// policy from cfg. A nil logger falls back to the process default.
func NewNode(db storage.Database, cfg *config.Config, logger *slog.Logger) (*Node, error) {
	if logger == nil {
		logger = slog.Default()
	}
	n := &Node{
		db:       db,
		state:    state.NewManager(db),
		engine:   escrow.NewEngine(),
		recorder: events.NewRecorder(1024),
		logger:   logger,
		metrics:  metrics.Escrow(),
	}
	n.engine.SetState(n.state)
	n.engine.SetEmitter(nodeEmitter{node: n})
	if cfg != nil {
		n.engine.SetWindows(cfg.Escrow.OrderWindowSeconds, cfg.Escrow.BidWindowSeconds, cfg.Escrow.DeliveryWindowSeconds)
		n.engine.SetMaxBids(cfg.Escrow.MaxBids)
		n.engine.SetForfeitPolicy(cfg.ForfeitPolicy())
	}
	return n, nil
}

// SetNowFunc overrides the engine clock. Tests pin it to exercise window
// boundaries.
func (n *Node) SetNowFunc(now func() int64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.engine.SetNowFunc(now)
}

type nodeEmitter struct {
	node *Node
}

func (e nodeEmitter) Emit(evt events.Event) {
	n := e.node
	if n == nil || evt == nil {
		return
	}
	n.recorder.Emit(evt)
	n.observe(evt)

	args := []any{"type", evt.EventType()}
	if carrier, ok := evt.(interface{ Event() *types.Event }); ok {
		if payload := carrier.Event(); payload != nil {
			for k, v := range payload.Attributes {
				args = append(args, k, v)
			}
		}
	}
	n.logger.Info("escrow event", args...)
}

func (n *Node) observe(evt events.Event) {
	var attrs map[string]string
	if carrier, ok := evt.(interface{ Event() *types.Event }); ok {
		if payload := carrier.Event(); payload != nil {
			attrs = payload.Attributes
		}
	}
	switch evt.EventType() {
	case escrow.EventTypeListed:
		n.metrics.ObserveListingCreated()
	case escrow.EventTypePhaseChanged:
		to := attrs["to"]
		n.metrics.ObservePhaseTransition(to)
		switch to {
		case escrow.PhaseDelivered.String():
			n.metrics.ObserveSettled("delivered")
		case escrow.PhaseExpired.String():
			n.metrics.ObserveSettled("expired")
		}
	case escrow.EventTypeFundsTransferred:
		if amount, err := strconv.ParseFloat(attrs["amount"], 64); err == nil {
			n.metrics.ObserveValueMoved(amount)
		}
	case escrow.EventTypeBidRegistered:
		n.metrics.ObserveBidRegistered()
	case escrow.EventTypePrivatePaymentRecorded:
		n.metrics.ObservePrivatePayment()
	case escrow.EventTypeSellerTimeout:
		n.metrics.ObserveTimeout("order")
	case escrow.EventTypeBidTimeout:
		n.metrics.ObserveTimeout("bid")
	case escrow.EventTypeDeliveryTimeout:
		n.metrics.ObserveTimeout("delivery")
	}
}

// CreateListing mints a new Listed escrow for the seller.
func (n *Node) CreateListing(seller [20]byte, name string, commitment [32]byte) (*escrow.Escrow, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.engine.CreateListing(seller, name, commitment)
}

// Purchase escrows the buyer's deposit and flips the escrow to Purchased.
func (n *Node) Purchase(id uint64, buyer [20]byte, amount *big.Int, commitment [32]byte, rangeProof []byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.engine.Purchase(id, buyer, amount, commitment, rangeProof)
}

// ConfirmOrder records the seller's acknowledgement.
func (n *Node) ConfirmOrder(id uint64, caller [20]byte, documentRef string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.engine.ConfirmOrder(id, caller, documentRef)
}

// SellerTimeout expires an unconfirmed purchase.
func (n *Node) SellerTimeout(id uint64) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.engine.SellerTimeout(id)
}

// RegisterBid places a delivery-agent offer.
func (n *Node) RegisterBid(id uint64, agent [20]byte, fee *big.Int) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.engine.RegisterBid(id, agent, fee)
}

// DepositSecurity escrows an agent's bond.
func (n *Node) DepositSecurity(id uint64, agent [20]byte, amount *big.Int) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.engine.DepositSecurity(id, agent, amount)
}

// WithdrawBid frees a bid slot and refunds the bond.
func (n *Node) WithdrawBid(id uint64, agent [20]byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.engine.WithdrawBid(id, agent)
}

// SelectAgent binds a bidder and escrows the delivery fee.
func (n *Node) SelectAgent(id uint64, caller, agent [20]byte, feePayment *big.Int) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.engine.SelectAgent(id, caller, agent, feePayment)
}

// BidTimeout expires a confirmed order with no selection.
func (n *Node) BidTimeout(id uint64) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.engine.BidTimeout(id)
}

// RevealAndConfirmDelivery settles the trade on a valid price reveal.
func (n *Node) RevealAndConfirmDelivery(id uint64, caller [20]byte, value *big.Int, blinding [32]byte, documentRef string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.engine.RevealAndConfirmDelivery(id, caller, value, blinding, documentRef)
}

// DeliveryTimeout expires a bound trade past the delivery window.
func (n *Node) DeliveryTimeout(id uint64) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.engine.DeliveryTimeout(id)
}

// RecordPrivatePayment appends the off-ledger settlement audit record.
func (n *Node) RecordPrivatePayment(id uint64, caller [20]byte, memoHash, txRef [32]byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.engine.RecordPrivatePayment(id, caller, memoHash, txRef)
}

// GetEscrow returns a snapshot of the escrow.
func (n *Node) GetEscrow(id uint64) (*escrow.Escrow, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.engine.Get(id)
}

// ListBids returns the active bids in slot order.
func (n *Node) ListBids(id uint64) ([]escrow.Bid, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.engine.ListBids(id)
}

// PrivatePayment returns the audit record, or nil when none exists.
func (n *Node) PrivatePayment(id uint64) (*escrow.PrivatePayment, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.engine.PrivatePaymentDetails(id)
}

// VerifyReveal checks a candidate price preimage without mutating state.
func (n *Node) VerifyReveal(id uint64, value *big.Int, blinding [32]byte) (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.engine.VerifyRevealedValue(id, value, blinding)
}

// Balance reports an account's native balance.
func (n *Node) Balance(addr [20]byte) (*big.Int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	account, err := n.state.GetAccount(addr[:])
	if err != nil {
		return nil, err
	}
	return account.Balance, nil
}

// EscrowBalance reports the funds currently held for the escrow.
func (n *Node) EscrowBalance(id uint64) (*big.Int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state.EscrowBalance(id)
}

// Mint credits native funds to an account. Local networks use it to seed
// participants; there is no corresponding burn.
func (n *Node) Mint(addr [20]byte, amount *big.Int) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if amount == nil || amount.Sign() <= 0 {
		return escrow.ErrAmountRequired
	}
	account, err := n.state.GetAccount(addr[:])
	if err != nil {
		return err
	}
	account = account.Clone()
	account.Balance = new(big.Int).Add(account.Balance, amount)
	return n.state.PutAccount(addr[:], account)
}

// Events returns the retained event stream, oldest first.
func (n *Node) Events() []events.Event {
	return n.recorder.Events()
}
