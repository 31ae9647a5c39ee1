package escrow

import (
	"encoding/hex"
	"math/big"
	"strconv"

	"veiltrade/core/types"
)

const (
	EventTypeListed                 = "escrow.listed"
	EventTypePhaseChanged           = "escrow.phase_changed"
	EventTypeFundsTransferred       = "escrow.funds_transferred"
	EventTypePenaltyApplied         = "escrow.penalty_applied"
	EventTypeBidRegistered          = "escrow.bid_registered"
	EventTypeBidWithdrawn           = "escrow.bid_withdrawn"
	EventTypeDeliveryConfirmed      = "escrow.delivery_confirmed"
	EventTypeDeliveryTimeout        = "escrow.delivery_timeout"
	EventTypeSellerTimeout          = "escrow.seller_timeout"
	EventTypeBidTimeout             = "escrow.bid_timeout"
	EventTypePrivatePaymentRecorded = "escrow.private_payment_recorded"
	EventTypePaidPrivately          = "escrow.paid_privately"
)

// NewListedEvent returns the canonical payload for a freshly created listing.
func NewListedEvent(e *Escrow) *types.Event {
	attrs := baseAttrs(e)
	if e != nil {
		attrs["commitment"] = hex.EncodeToString(e.PriceCommitment[:])
	}
	return &types.Event{Type: EventTypeListed, Attributes: attrs}
}

// NewPhaseChangedEvent records a single transition of the phase machine.
func NewPhaseChangedEvent(e *Escrow, from, to Phase) *types.Event {
	attrs := baseAttrs(e)
	attrs["from"] = from.String()
	attrs["to"] = to.String()
	return &types.Event{Type: EventTypePhaseChanged, Attributes: attrs}
}

// NewFundsTransferredEvent records value leaving the escrow vault.
func NewFundsTransferredEvent(e *Escrow, to [20]byte, amount *big.Int) *types.Event {
	attrs := baseAttrs(e)
	attrs["to"] = hex.EncodeToString(to[:])
	attrs["amount"] = amountString(amount)
	return &types.Event{Type: EventTypeFundsTransferred, Attributes: attrs}
}

// NewPenaltyAppliedEvent records the forfeiture of an agent's security
// deposit after a delivery timeout.
func NewPenaltyAppliedEvent(e *Escrow, agent [20]byte, amount *big.Int) *types.Event {
	attrs := baseAttrs(e)
	attrs["agent"] = hex.EncodeToString(agent[:])
	attrs["amount"] = amountString(amount)
	return &types.Event{Type: EventTypePenaltyApplied, Attributes: attrs}
}

// NewBidRegisteredEvent records a delivery-agent offer entering the registry.
func NewBidRegisteredEvent(e *Escrow, agent [20]byte, fee *big.Int) *types.Event {
	attrs := baseAttrs(e)
	attrs["agent"] = hex.EncodeToString(agent[:])
	attrs["fee"] = amountString(fee)
	return &types.Event{Type: EventTypeBidRegistered, Attributes: attrs}
}

// NewBidWithdrawnEvent records a freed slot and the refunded deposit.
func NewBidWithdrawnEvent(e *Escrow, agent [20]byte, refunded *big.Int) *types.Event {
	attrs := baseAttrs(e)
	attrs["agent"] = hex.EncodeToString(agent[:])
	attrs["amount"] = amountString(refunded)
	return &types.Event{Type: EventTypeBidWithdrawn, Attributes: attrs}
}

// NewDeliveryConfirmedEvent marks a successful reveal-and-settle.
func NewDeliveryConfirmedEvent(e *Escrow) *types.Event {
	return &types.Event{Type: EventTypeDeliveryConfirmed, Attributes: baseAttrs(e)}
}

// NewDeliveryTimeoutEvent marks expiry of the delivery window.
func NewDeliveryTimeoutEvent(e *Escrow) *types.Event {
	return &types.Event{Type: EventTypeDeliveryTimeout, Attributes: baseAttrs(e)}
}

// NewSellerTimeoutEvent marks expiry of the order-confirmation window.
func NewSellerTimeoutEvent(e *Escrow) *types.Event {
	return &types.Event{Type: EventTypeSellerTimeout, Attributes: baseAttrs(e)}
}

// NewBidTimeoutEvent marks expiry of the bidding window with no selection.
func NewBidTimeoutEvent(e *Escrow) *types.Event {
	return &types.Event{Type: EventTypeBidTimeout, Attributes: baseAttrs(e)}
}

// NewPrivatePaymentRecordedEvent is the audit entry for an off-ledger price
// settlement. Amounts never appear; only the opaque memo and reference do.
func NewPrivatePaymentRecordedEvent(e *Escrow, p *PrivatePayment) *types.Event {
	attrs := baseAttrs(e)
	if p != nil {
		attrs["memoHash"] = hex.EncodeToString(p.MemoHash[:])
		attrs["txRef"] = hex.EncodeToString(p.TxRef[:])
		attrs["recorder"] = hex.EncodeToString(p.Recorder[:])
	}
	return &types.Event{Type: EventTypePrivatePaymentRecorded, Attributes: attrs}
}

// NewPaidPrivatelyEvent is emitted at settlement when the price leg was
// satisfied off-ledger.
func NewPaidPrivatelyEvent(e *Escrow, p *PrivatePayment) *types.Event {
	attrs := baseAttrs(e)
	if p != nil {
		attrs["memoHash"] = hex.EncodeToString(p.MemoHash[:])
		attrs["txRef"] = hex.EncodeToString(p.TxRef[:])
	}
	return &types.Event{Type: EventTypePaidPrivately, Attributes: attrs}
}

func baseAttrs(e *Escrow) map[string]string {
	attrs := make(map[string]string)
	if e == nil {
		return attrs
	}
	attrs["id"] = strconv.FormatUint(e.ID, 10)
	attrs["seller"] = hex.EncodeToString(e.Seller[:])
	if e.Buyer != ([20]byte{}) {
		attrs["buyer"] = hex.EncodeToString(e.Buyer[:])
	}
	attrs["phase"] = e.Phase.String()
	return attrs
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
