package escrow

import (
	"fmt"
	"math/big"
	"strings"
)

// Phase represents the lifecycle states of a confidential trade escrow. The
// order is strict: forward transitions only, with Expired reachable from the
// three intermediate phases via the timeout entry points.
type Phase uint8

const (
	PhaseListed Phase = iota
	PhasePurchased
	PhaseOrderConfirmed
	PhaseBound
	PhaseDelivered
	PhaseExpired
)

// Valid reports whether the phase value is within the supported range.
func (p Phase) Valid() bool {
	return p <= PhaseExpired
}

// Terminal reports whether no further transition can leave the phase.
func (p Phase) Terminal() bool {
	return p == PhaseDelivered || p == PhaseExpired
}

func (p Phase) String() string {
	switch p {
	case PhaseListed:
		return "listed"
	case PhasePurchased:
		return "purchased"
	case PhaseOrderConfirmed:
		return "order_confirmed"
	case PhaseBound:
		return "bound"
	case PhaseDelivered:
		return "delivered"
	case PhaseExpired:
		return "expired"
	default:
		return fmt.Sprintf("phase(%d)", uint8(p))
	}
}

// Bid is one delivery-agent offer occupying a slot in the escrow's bounded
// registry. A withdrawn bid frees its slot for reuse; once the seller selects
// the agent the slot becomes immutable until settlement.
type Bid struct {
	Agent           [20]byte
	Fee             *big.Int
	SecurityDeposit *big.Int
	Active          bool
}

// Clone returns a deep copy of the bid.
func (b *Bid) Clone() Bid {
	clone := Bid{Agent: b.Agent, Active: b.Active, Fee: big.NewInt(0), SecurityDeposit: big.NewInt(0)}
	if b.Fee != nil {
		clone.Fee = new(big.Int).Set(b.Fee)
	}
	if b.SecurityDeposit != nil {
		clone.SecurityDeposit = new(big.Int).Set(b.SecurityDeposit)
	}
	return clone
}

// PrivatePayment attests that the price leg settled on an off-ledger transfer
// network. At most one record ever exists per escrow; it is never mutated.
type PrivatePayment struct {
	MemoHash [32]byte
	TxRef    [32]byte
	Recorder [20]byte
}

// Escrow captures the full on-ledger state of a single trade: participants,
// the hiding price commitment, custody amounts, the bid registry and the
// optional private-payment record. Instances are owned by the engine; callers
// only ever see clones.
type Escrow struct {
	ID              uint64
	Name            string
	Seller          [20]byte
	Buyer           [20]byte
	Agent           [20]byte
	Phase           Phase
	PriceCommitment [32]byte
	RangeProof      []byte
	Deposit         *big.Int
	DeliveryFee     *big.Int
	CreatedAt       int64
	PurchasedAt     int64
	ConfirmedAt     int64
	BoundAt         int64
	Delivered       bool
	DocumentRef     string
	Bids            []Bid
	Payment         *PrivatePayment
}

// Clone returns a deep copy of the escrow so callers can safely mutate the
// copy without affecting the stored instance.
func (e *Escrow) Clone() *Escrow {
	if e == nil {
		return nil
	}
	clone := *e
	clone.Deposit = big.NewInt(0)
	if e.Deposit != nil {
		clone.Deposit = new(big.Int).Set(e.Deposit)
	}
	clone.DeliveryFee = big.NewInt(0)
	if e.DeliveryFee != nil {
		clone.DeliveryFee = new(big.Int).Set(e.DeliveryFee)
	}
	clone.RangeProof = append([]byte(nil), e.RangeProof...)
	clone.Bids = make([]Bid, len(e.Bids))
	for i := range e.Bids {
		clone.Bids[i] = e.Bids[i].Clone()
	}
	if e.Payment != nil {
		payment := *e.Payment
		clone.Payment = &payment
	}
	return &clone
}

// SelectedBid returns a pointer to the slot holding the selected agent's bid,
// or nil when no agent has been selected or the slot was already settled.
func (e *Escrow) SelectedBid() *Bid {
	if e == nil || e.Agent == ([20]byte{}) {
		return nil
	}
	for i := range e.Bids {
		if e.Bids[i].Active && e.Bids[i].Agent == e.Agent {
			return &e.Bids[i]
		}
	}
	return nil
}

func (e *Escrow) bidBy(agent [20]byte) *Bid {
	if e == nil || agent == ([20]byte{}) {
		return nil
	}
	for i := range e.Bids {
		if e.Bids[i].Active && e.Bids[i].Agent == agent {
			return &e.Bids[i]
		}
	}
	return nil
}

func (e *Escrow) isParticipant(addr [20]byte) bool {
	if e == nil || addr == ([20]byte{}) {
		return false
	}
	return addr == e.Seller || (e.Buyer != ([20]byte{}) && addr == e.Buyer) ||
		(e.Agent != ([20]byte{}) && addr == e.Agent)
}

// SanitizeEscrow validates and normalises the supplied escrow, returning a
// cloned instance with non-nil amount fields. The structural invariants here
// mirror the phase machine: buyer set from Purchased on, agent set from Bound
// on, delivered only in the terminal Delivered phase.
func SanitizeEscrow(e *Escrow) (*Escrow, error) {
	if e == nil {
		return nil, fmt.Errorf("nil escrow")
	}
	clone := e.Clone()
	clone.Name = strings.TrimSpace(clone.Name)
	if !clone.Phase.Valid() {
		return nil, fmt.Errorf("invalid escrow phase: %d", clone.Phase)
	}
	if clone.Seller == ([20]byte{}) {
		return nil, fmt.Errorf("escrow seller required")
	}
	if clone.Deposit.Sign() < 0 || clone.DeliveryFee.Sign() < 0 {
		return nil, fmt.Errorf("escrow amounts must be non-negative")
	}
	hasBuyer := clone.Buyer != ([20]byte{})
	switch clone.Phase {
	case PhaseListed:
		if hasBuyer {
			return nil, fmt.Errorf("buyer set before purchase")
		}
	case PhaseExpired:
		// Expired is reachable both before and after a buyer exists.
	default:
		if !hasBuyer {
			return nil, fmt.Errorf("buyer unset in phase %s", clone.Phase)
		}
	}
	if clone.Agent != ([20]byte{}) && clone.Phase < PhaseBound {
		return nil, fmt.Errorf("agent set before selection")
	}
	if clone.Delivered && clone.Phase != PhaseDelivered {
		return nil, fmt.Errorf("delivered flag outside Delivered phase")
	}
	for i := range clone.Bids {
		if clone.Bids[i].Fee != nil && clone.Bids[i].Fee.Sign() < 0 {
			return nil, fmt.Errorf("bid fee must be non-negative")
		}
		if clone.Bids[i].SecurityDeposit != nil && clone.Bids[i].SecurityDeposit.Sign() < 0 {
			return nil, fmt.Errorf("bid deposit must be non-negative")
		}
	}
	return clone, nil
}
