package escrow

import (
	"errors"
	"math/big"
	"time"

	"veiltrade/core/events"
	"veiltrade/core/types"
	nativecommon "veiltrade/native/common"
)

var (
	errNilState = errors.New("escrow engine: state not configured")
)

const moduleName = "escrow"

// Default window durations in seconds. All three are configuration points;
// the defaults follow the 48h confirmation/bidding windows and the multi-day
// delivery window of the reference deployment.
const (
	DefaultOrderWindow    int64 = 48 * 60 * 60
	DefaultBidWindow      int64 = 48 * 60 * 60
	DefaultDeliveryWindow int64 = 72 * 60 * 60
	DefaultMaxBids        int   = 8
)

// ForfeitPolicy selects who receives a forfeited security deposit when the
// delivery window lapses.
type ForfeitPolicy uint8

const (
	ForfeitToBuyer ForfeitPolicy = iota
	ForfeitToSeller
)

type engineState interface {
	EscrowPut(*Escrow) error
	EscrowGet(id uint64) (*Escrow, bool)
	NextEscrowID() (uint64, error)
	EscrowVaultAddress() [20]byte
	EscrowCredit(id uint64, amt *big.Int) error
	EscrowDebit(id uint64, amt *big.Int) error
	GetAccount(addr []byte) (*types.Account, error)
	PutAccount(addr []byte, account *types.Account) error
}

type escrowEvent struct {
	evt *types.Event
}

func (e escrowEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e escrowEvent) Event() *types.Event { return e.evt }

// Engine owns the trade phase machine: fund custody, the commitment ledger,
// the bid registry and the private-payment audit log. All entry points are
// synchronous; timeouts are guard conditions evaluated against the injected
// clock, never scheduled callbacks.
type Engine struct {
	state   engineState
	emitter events.Emitter
	nowFn   func() int64
	pauses  nativecommon.PauseView

	orderWindow    int64
	bidWindow      int64
	deliveryWindow int64
	maxBids        int
	forfeitTo      ForfeitPolicy

	// inCall marks escrows with a settlement in flight so a transfer
	// recipient calling back into the engine is rejected rather than
	// re-executing settlement.
	inCall map[uint64]bool
}

// NewEngine creates an escrow engine with default windows and a no-op
// emitter. Callers configure state, emitter and policy via the setters.
func NewEngine() *Engine {
	return &Engine{
		emitter:        events.NoopEmitter{},
		nowFn:          func() int64 { return time.Now().Unix() },
		orderWindow:    DefaultOrderWindow,
		bidWindow:      DefaultBidWindow,
		deliveryWindow: DefaultDeliveryWindow,
		maxBids:        DefaultMaxBids,
		inCall:         make(map[uint64]bool),
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetEmitter configures the event emitter. Passing nil resets it to a no-op.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the time source, primarily used by tests to pin the
// clock on window boundaries.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetPauses wires the administrative pause switch into every entry point.
func (e *Engine) SetPauses(p nativecommon.PauseView) { e.pauses = p }

// SetWindows overrides the three timeout windows, in seconds. Non-positive
// values leave the corresponding window unchanged.
func (e *Engine) SetWindows(order, bid, delivery int64) {
	if order > 0 {
		e.orderWindow = order
	}
	if bid > 0 {
		e.bidWindow = bid
	}
	if delivery > 0 {
		e.deliveryWindow = delivery
	}
}

// SetMaxBids overrides the bid registry capacity.
func (e *Engine) SetMaxBids(n int) {
	if n > 0 {
		e.maxBids = n
	}
}

// SetForfeitPolicy selects the recipient of forfeited security deposits.
func (e *Engine) SetForfeitPolicy(p ForfeitPolicy) { e.forfeitTo = p }

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(escrowEvent{evt: event})
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

// enter flags the escrow as mid-settlement. Exit must be deferred by the
// caller holding the flag.
func (e *Engine) enter(id uint64) error {
	if e.inCall[id] {
		return ErrReentrantCall
	}
	e.inCall[id] = true
	return nil
}

func (e *Engine) exit(id uint64) { delete(e.inCall, id) }

func (e *Engine) loadEscrow(id uint64) (*Escrow, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	esc, ok := e.state.EscrowGet(id)
	if !ok {
		return nil, ErrNotFound
	}
	return esc, nil
}

func (e *Engine) storeEscrow(esc *Escrow) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	return e.state.EscrowPut(esc)
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

// transferNative moves native currency between two accounts. Zero amounts are
// a no-op; negative amounts are rejected.
func (e *Engine) transferNative(from, to [20]byte, amount *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	amt := cloneBigInt(amount)
	if amt.Sign() == 0 {
		return nil
	}
	if amt.Sign() < 0 {
		return ErrAmountRequired
	}
	fromAcc, err := e.state.GetAccount(from[:])
	if err != nil {
		return err
	}
	fromAcc = fromAcc.Clone()
	if fromAcc.Balance.Cmp(amt) < 0 {
		return ErrInsufficientBalance
	}
	toAcc, err := e.state.GetAccount(to[:])
	if err != nil {
		return err
	}
	toAcc = toAcc.Clone()
	fromAcc.Balance = new(big.Int).Sub(fromAcc.Balance, amt)
	toAcc.Balance = new(big.Int).Add(toAcc.Balance, amt)
	if err := e.state.PutAccount(from[:], fromAcc); err != nil {
		return err
	}
	return e.state.PutAccount(to[:], toAcc)
}

// payOut debits the escrow's vault balance and pays the recipient, emitting
// the transfer event. Used for every settlement leg so conservation is
// auditable from the event stream alone.
func (e *Engine) payOut(esc *Escrow, to [20]byte, amount *big.Int) error {
	amt := cloneBigInt(amount)
	if amt.Sign() == 0 {
		return nil
	}
	if err := e.state.EscrowDebit(esc.ID, amt); err != nil {
		return err
	}
	if err := e.transferNative(e.state.EscrowVaultAddress(), to, amt); err != nil {
		return err
	}
	e.emit(NewFundsTransferredEvent(esc, to, amt))
	return nil
}

// escrowIn moves funds from a participant into the module vault and credits
// the escrow's ledger balance.
func (e *Engine) escrowIn(esc *Escrow, from [20]byte, amount *big.Int) error {
	amt := cloneBigInt(amount)
	if amt.Sign() <= 0 {
		return ErrAmountRequired
	}
	if err := e.transferNative(from, e.state.EscrowVaultAddress(), amt); err != nil {
		return err
	}
	return e.state.EscrowCredit(esc.ID, amt)
}

// CreateListing mints a new escrow in phase Listed with a monotonic id. The
// commitment binds the confidential price from the very first block; the
// value and blinding stay with the seller.
func (e *Engine) CreateListing(seller [20]byte, name string, commitment [32]byte) (*Escrow, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if seller == ([20]byte{}) {
		return nil, ErrNotParticipant
	}
	id, err := e.state.NextEscrowID()
	if err != nil {
		return nil, err
	}
	esc := &Escrow{
		ID:              id,
		Name:            name,
		Seller:          seller,
		Phase:           PhaseListed,
		PriceCommitment: commitment,
		Deposit:         big.NewInt(0),
		DeliveryFee:     big.NewInt(0),
		CreatedAt:       e.now(),
	}
	if err := e.storeEscrow(esc); err != nil {
		return nil, err
	}
	e.emit(NewListedEvent(esc))
	return esc.Clone(), nil
}

// Purchase escrows the buyer's deposit atomically with the Listed→Purchased
// flip. Only the first caller ever observes phase Listed, which is the sole
// point where the double-purchase race is decided. The commitment supplied
// here replaces the listing commitment (the buyer and seller agree on the
// final confidential price off-ledger); the range proof blob is stored
// verbatim and never interpreted.
func (e *Engine) Purchase(id uint64, buyer [20]byte, amount *big.Int, commitment [32]byte, rangeProof []byte) error {
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
	if esc.Phase != PhaseListed {
		return ErrWrongPhase
	}
	if buyer == esc.Seller {
		return ErrSelfTrade
	}
	if buyer == ([20]byte{}) {
		return ErrNotParticipant
	}
	amt := cloneBigInt(amount)
	if amt.Sign() <= 0 {
		return ErrAmountRequired
	}
	if err := e.escrowIn(esc, buyer, amt); err != nil {
		return err
	}
	from := esc.Phase
	esc.Buyer = buyer
	esc.Deposit = amt
	if commitment != ([32]byte{}) {
		esc.PriceCommitment = commitment
	}
	esc.RangeProof = append([]byte(nil), rangeProof...)
	esc.PurchasedAt = e.now()
	esc.Phase = PhasePurchased
	if err := e.storeEscrow(esc); err != nil {
		return err
	}
	e.emit(NewPhaseChangedEvent(esc, from, esc.Phase))
	return nil
}

// ConfirmOrder is the seller's acknowledgement within the order-confirmation
// window. The document reference (e.g. a credential CID) is recorded on the
// escrow.
func (e *Engine) ConfirmOrder(id uint64, caller [20]byte, documentRef string) error {
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	esc, err := e.loadEscrow(id)
	if err != nil {
		return err
	}
	if esc.Phase != PhasePurchased {
		return ErrWrongPhase
	}
	if caller != esc.Seller {
		return ErrNotParticipant
	}
	if e.now() > esc.PurchasedAt+e.orderWindow {
		return ErrWindowExpired
	}
	from := esc.Phase
	esc.DocumentRef = documentRef
	esc.ConfirmedAt = e.now()
	esc.Phase = PhaseOrderConfirmed
	if err := e.storeEscrow(esc); err != nil {
		return err
	}
	e.emit(NewPhaseChangedEvent(esc, from, esc.Phase))
	return nil
}

// SellerTimeout expires a purchase the seller never confirmed. Permissionless;
// the guard is strict, so a window of exactly the configured duration does not
// satisfy it. The buyer's deposit is refunded in full.
func (e *Engine) SellerTimeout(id uint64) error {
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
	if esc.Phase != PhasePurchased {
		return ErrWrongPhase
	}
	if e.now() <= esc.PurchasedAt+e.orderWindow {
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
	e.emit(NewSellerTimeoutEvent(esc))
	e.emit(NewPhaseChangedEvent(esc, from, esc.Phase))
	return nil
}

// RevealAndConfirmDelivery closes the happy path: the buyer discloses the
// price preimage, the engine checks it against the stored commitment and
// settles. All state mutations land before any value moves (checks, effects,
// then interactions), and the per-escrow guard rejects reentrant calls from
// transfer recipients.
func (e *Engine) RevealAndConfirmDelivery(id uint64, caller [20]byte, value *big.Int, blinding [32]byte, documentRef string) error {
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
	if esc.Phase != PhaseBound {
		return ErrWrongPhase
	}
	if caller != esc.Buyer {
		return ErrNotParticipant
	}
	if e.now() > esc.BoundAt+e.deliveryWindow {
		return ErrWindowExpired
	}
	if !VerifyCommitment(value, blinding, esc.PriceCommitment) {
		return ErrCommitmentMismatch
	}

	price := cloneBigInt(esc.Deposit)
	fee := cloneBigInt(esc.DeliveryFee)
	security := big.NewInt(0)
	if bid := esc.SelectedBid(); bid != nil {
		security = cloneBigInt(bid.SecurityDeposit)
		bid.SecurityDeposit = big.NewInt(0)
		bid.Active = false
	}

	from := esc.Phase
	esc.Deposit = big.NewInt(0)
	esc.DeliveryFee = big.NewInt(0)
	esc.DocumentRef = documentRef
	esc.Delivered = true
	esc.Phase = PhaseDelivered
	if err := e.storeEscrow(esc); err != nil {
		return err
	}

	paidPrivately := esc.Payment != nil
	priceRecipient := esc.Seller
	if paidPrivately {
		// The price leg settled on the off-ledger network; the on-ledger
		// deposit returns to its payer.
		priceRecipient = esc.Buyer
	}
	if err := e.payOut(esc, priceRecipient, price); err != nil {
		return err
	}
	agentTotal := new(big.Int).Add(fee, security)
	if err := e.payOut(esc, esc.Agent, agentTotal); err != nil {
		return err
	}
	if paidPrivately {
		e.emit(NewPaidPrivatelyEvent(esc, esc.Payment))
	}
	e.emit(NewDeliveryConfirmedEvent(esc))
	e.emit(NewPhaseChangedEvent(esc, from, esc.Phase))
	return nil
}

// DeliveryTimeout expires a bound trade whose agent never delivered. The
// buyer's deposit is refunded, the seller recovers the delivery fee they
// escrowed at selection, and the agent's security deposit is forfeited to the
// configured recipient.
func (e *Engine) DeliveryTimeout(id uint64) error {
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
	if esc.Phase != PhaseBound {
		return ErrWrongPhase
	}
	if e.now() <= esc.BoundAt+e.deliveryWindow {
		return ErrWindowNotYetExpired
	}

	price := cloneBigInt(esc.Deposit)
	fee := cloneBigInt(esc.DeliveryFee)
	agent := esc.Agent
	security := big.NewInt(0)
	if bid := esc.SelectedBid(); bid != nil {
		security = cloneBigInt(bid.SecurityDeposit)
		bid.SecurityDeposit = big.NewInt(0)
		bid.Active = false
	}

	from := esc.Phase
	esc.Deposit = big.NewInt(0)
	esc.DeliveryFee = big.NewInt(0)
	esc.Phase = PhaseExpired
	if err := e.storeEscrow(esc); err != nil {
		return err
	}

	if err := e.payOut(esc, esc.Buyer, price); err != nil {
		return err
	}
	if err := e.payOut(esc, esc.Seller, fee); err != nil {
		return err
	}
	penaltyRecipient := esc.Buyer
	if e.forfeitTo == ForfeitToSeller {
		penaltyRecipient = esc.Seller
	}
	if err := e.payOut(esc, penaltyRecipient, security); err != nil {
		return err
	}
	if security.Sign() > 0 {
		e.emit(NewPenaltyAppliedEvent(esc, agent, security))
	}
	e.emit(NewDeliveryTimeoutEvent(esc))
	e.emit(NewPhaseChangedEvent(esc, from, esc.Phase))
	return nil
}

// Get returns a read-only snapshot of the escrow.
func (e *Engine) Get(id uint64) (*Escrow, error) {
	esc, err := e.loadEscrow(id)
	if err != nil {
		return nil, err
	}
	return esc.Clone(), nil
}

// CurrentPhase reports the escrow's phase.
func (e *Engine) CurrentPhase(id uint64) (Phase, error) {
	esc, err := e.loadEscrow(id)
	if err != nil {
		return 0, err
	}
	return esc.Phase, nil
}

// PriceCommitment returns the stored 32-byte commitment.
func (e *Engine) PriceCommitment(id uint64) ([32]byte, error) {
	esc, err := e.loadEscrow(id)
	if err != nil {
		return [32]byte{}, err
	}
	return esc.PriceCommitment, nil
}

// VerifyRevealedValue checks a candidate preimage against the stored
// commitment without mutating anything.
func (e *Engine) VerifyRevealedValue(id uint64, value *big.Int, blinding [32]byte) (bool, error) {
	esc, err := e.loadEscrow(id)
	if err != nil {
		return false, err
	}
	return VerifyCommitment(value, blinding, esc.PriceCommitment), nil
}
