package escrow

import (
	"math/big"

	nativecommon "veiltrade/native/common"
)

// RegisterBid places a delivery-agent offer into the bounded registry. Slots
// freed by withdrawn bids are reused before the list is considered full.
func (e *Engine) RegisterBid(id uint64, agent [20]byte, fee *big.Int) error {
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	esc, err := e.loadEscrow(id)
	if err != nil {
		return err
	}
	if esc.Phase != PhaseOrderConfirmed {
		return ErrWrongPhase
	}
	if agent == ([20]byte{}) {
		return ErrNotParticipant
	}
	if agent == esc.Seller {
		return ErrSelfTrade
	}
	feeAmt := cloneBigInt(fee)
	if feeAmt.Sign() < 0 {
		return ErrAmountRequired
	}
	if esc.bidBy(agent) != nil {
		return ErrDuplicateBid
	}
	slot := -1
	for i := range esc.Bids {
		if !esc.Bids[i].Active {
			slot = i
			break
		}
	}
	bid := Bid{Agent: agent, Fee: feeAmt, SecurityDeposit: big.NewInt(0), Active: true}
	switch {
	case slot >= 0:
		esc.Bids[slot] = bid
	case len(esc.Bids) < e.maxBids:
		esc.Bids = append(esc.Bids, bid)
	default:
		return ErrBidListFull
	}
	if err := e.storeEscrow(esc); err != nil {
		return err
	}
	e.emit(NewBidRegisteredEvent(esc, agent, feeAmt))
	return nil
}

// DepositSecurity escrows an agent's bond against their bid. Any registered
// bidder may deposit while bidding is open; after selection only the bound
// agent may top up.
func (e *Engine) DepositSecurity(id uint64, agent [20]byte, amount *big.Int) error {
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if err := e.enter(id); err != nil {
		return err
	}
	defer e.exit(id)
	esc, err := e.loadEscrow(id)
	if err != nil {
		return err
	}
	switch esc.Phase {
	case PhaseOrderConfirmed:
		// any registered bidder
	case PhaseBound:
		if agent != esc.Agent {
			return ErrAgentBound
		}
	default:
		return ErrWrongPhase
	}
	bid := esc.bidBy(agent)
	if bid == nil {
		return ErrNoActiveBid
	}
	amt := cloneBigInt(amount)
	if amt.Sign() <= 0 {
		return ErrAmountRequired
	}
	if err := e.escrowIn(esc, agent, amt); err != nil {
		return err
	}
	bid.SecurityDeposit = new(big.Int).Add(bid.SecurityDeposit, amt)
	return e.storeEscrow(esc)
}

// WithdrawBid frees the caller's slot and refunds any deposited security in
// full. The selected agent's slot is locked; every other bidder can recover
// their bond in any later phase, including after expiry.
func (e *Engine) WithdrawBid(id uint64, agent [20]byte) error {
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if err := e.enter(id); err != nil {
		return err
	}
	defer e.exit(id)
	esc, err := e.loadEscrow(id)
	if err != nil {
		return err
	}
	if esc.Agent == agent && esc.Agent != ([20]byte{}) {
		return ErrAgentBound
	}
	bid := esc.bidBy(agent)
	if bid == nil {
		return ErrNoActiveBid
	}
	refund := cloneBigInt(bid.SecurityDeposit)
	*bid = Bid{Fee: big.NewInt(0), SecurityDeposit: big.NewInt(0)}
	if err := e.storeEscrow(esc); err != nil {
		return err
	}
	if err := e.payOut(esc, agent, refund); err != nil {
		return err
	}
	e.emit(NewBidWithdrawnEvent(esc, agent, refund))
	return nil
}

// SelectAgent binds one active bidder to the trade. The seller escrows
// exactly the agreed fee in the same call; the bid becomes immutable and the
// phase advances to Bound. Non-selected bids stay withdrawable.
func (e *Engine) SelectAgent(id uint64, caller, agent [20]byte, feePayment *big.Int) error {
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if err := e.enter(id); err != nil {
		return err
	}
	defer e.exit(id)
	esc, err := e.loadEscrow(id)
	if err != nil {
		return err
	}
	if esc.Phase != PhaseOrderConfirmed {
		return ErrWrongPhase
	}
	if caller != esc.Seller {
		return ErrNotParticipant
	}
	if e.now() > esc.ConfirmedAt+e.bidWindow {
		return ErrWindowExpired
	}
	bid := esc.bidBy(agent)
	if bid == nil {
		return ErrNoActiveBid
	}
	pay := cloneBigInt(feePayment)
	if pay.Cmp(bid.Fee) != 0 {
		return ErrFeeMismatch
	}
	if err := e.escrowIn(esc, caller, pay); err != nil {
		return err
	}
	from := esc.Phase
	esc.Agent = agent
	esc.DeliveryFee = cloneBigInt(bid.Fee)
	esc.BoundAt = e.now()
	esc.Phase = PhaseBound
	if err := e.storeEscrow(esc); err != nil {
		return err
	}
	e.emit(NewPhaseChangedEvent(esc, from, esc.Phase))
	return nil
}

// BidTimeout expires a confirmed order that never attracted a selection.
// Permissionless, strict boundary. The buyer's deposit is refunded; bidders
// keep their slots and recover bonds via WithdrawBid.
func (e *Engine) BidTimeout(id uint64) error {
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if err := e.enter(id); err != nil {
		return err
	}
	defer e.exit(id)
	esc, err := e.loadEscrow(id)
	if err != nil {
		return err
	}
	if esc.Phase != PhaseOrderConfirmed {
		return ErrWrongPhase
	}
	if e.now() <= esc.ConfirmedAt+e.bidWindow {
		return ErrWindowNotYetExpired
	}
	from := esc.Phase
	refund := cloneBigInt(esc.Deposit)
	esc.Deposit = big.NewInt(0)
	esc.Phase = PhaseExpired
	if err := e.storeEscrow(esc); err != nil {
		return err
	}
	if err := e.payOut(esc, esc.Buyer, refund); err != nil {
		return err
	}
	e.emit(NewBidTimeoutEvent(esc))
	e.emit(NewPhaseChangedEvent(esc, from, esc.Phase))
	return nil
}

// ListBids returns clones of the currently active bids, in slot order.
func (e *Engine) ListBids(id uint64) ([]Bid, error) {
	esc, err := e.loadEscrow(id)
	if err != nil {
		return nil, err
	}
	out := make([]Bid, 0, len(esc.Bids))
	for i := range esc.Bids {
		if esc.Bids[i].Active {
			out = append(out, esc.Bids[i].Clone())
		}
	}
	return out, nil
}
