package escrow

import (
	"fmt"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"veiltrade/core/events"
	"veiltrade/core/types"
)

// mockState is an in-memory engineState with an optional account-write hook so
// tests can simulate a transfer recipient calling back into the engine.
type mockState struct {
	escrows        map[uint64]*Escrow
	accounts       map[string]*types.Account
	escrowBalances map[uint64]*big.Int
	nextID         uint64
	vault          [20]byte

	putAccountHook func(addr []byte, account *types.Account)
}

func newMockState() *mockState {
	var vault [20]byte
	vault[0] = 0xee
	return &mockState{
		escrows:        make(map[uint64]*Escrow),
		accounts:       make(map[string]*types.Account),
		escrowBalances: make(map[uint64]*big.Int),
		vault:          vault,
	}
}

func (m *mockState) EscrowPut(e *Escrow) error {
	sanitized, err := SanitizeEscrow(e)
	if err != nil {
		return err
	}
	m.escrows[sanitized.ID] = sanitized
	return nil
}

func (m *mockState) EscrowGet(id uint64) (*Escrow, bool) {
	esc, ok := m.escrows[id]
	if !ok {
		return nil, false
	}
	return esc.Clone(), true
}

func (m *mockState) NextEscrowID() (uint64, error) {
	m.nextID++
	return m.nextID, nil
}

func (m *mockState) EscrowVaultAddress() [20]byte { return m.vault }

func (m *mockState) EscrowCredit(id uint64, amt *big.Int) error {
	current, ok := m.escrowBalances[id]
	if !ok {
		current = big.NewInt(0)
	}
	m.escrowBalances[id] = new(big.Int).Add(current, amt)
	return nil
}

func (m *mockState) EscrowDebit(id uint64, amt *big.Int) error {
	current, ok := m.escrowBalances[id]
	if !ok || current.Cmp(amt) < 0 {
		return fmt.Errorf("escrow %d balance below debit", id)
	}
	m.escrowBalances[id] = new(big.Int).Sub(current, amt)
	return nil
}

func (m *mockState) GetAccount(addr []byte) (*types.Account, error) {
	account, ok := m.accounts[string(addr)]
	if !ok {
		return &types.Account{Balance: big.NewInt(0)}, nil
	}
	return account.Clone(), nil
}

func (m *mockState) PutAccount(addr []byte, account *types.Account) error {
	m.accounts[string(addr)] = account.Clone()
	if m.putAccountHook != nil {
		m.putAccountHook(addr, account)
	}
	return nil
}

func (m *mockState) fund(addr [20]byte, amount int64) {
	m.accounts[string(addr[:])] = &types.Account{Balance: big.NewInt(amount)}
}

func (m *mockState) balanceOf(addr [20]byte) *big.Int {
	account, ok := m.accounts[string(addr[:])]
	if !ok {
		return big.NewInt(0)
	}
	return new(big.Int).Set(account.Balance)
}

type capturedEvents struct {
	list []*types.Event
}

func (c *capturedEvents) Emit(evt events.Event) {
	if carrier, ok := evt.(interface{ Event() *types.Event }); ok {
		c.list = append(c.list, carrier.Event())
	}
}

func (c *capturedEvents) last() *types.Event {
	if len(c.list) == 0 {
		return nil
	}
	return c.list[len(c.list)-1]
}

func (c *capturedEvents) types() []string {
	out := make([]string, 0, len(c.list))
	for _, evt := range c.list {
		out = append(out, evt.Type)
	}
	return out
}

type stuckClock struct {
	now int64
}

func (c *stuckClock) fn() func() int64 { return func() int64 { return c.now } }

func addr(b byte) [20]byte {
	var a [20]byte
	a[19] = b
	return a
}

var (
	seller = addr(0x01)
	buyer  = addr(0x02)
	agent  = addr(0x03)
)

func newTestEngine(t *testing.T) (*Engine, *mockState, *capturedEvents, *stuckClock) {
	t.Helper()
	state := newMockState()
	emitter := &capturedEvents{}
	clock := &stuckClock{now: 1_000}
	engine := NewEngine()
	engine.SetState(state)
	engine.SetEmitter(emitter)
	engine.SetNowFunc(clock.fn())
	state.fund(seller, 1_000_000)
	state.fund(buyer, 1_000_000)
	state.fund(agent, 1_000_000)
	return engine, state, emitter, clock
}

func mustList(t *testing.T, engine *Engine, commitment [32]byte) *Escrow {
	t.Helper()
	esc, err := engine.CreateListing(seller, "sealed crate", commitment)
	require.NoError(t, err)
	return esc
}

// bindEscrow walks an escrow to phase Bound: purchase, confirmation, one bid
// with a security deposit, then selection.
func bindEscrow(t *testing.T, engine *Engine, commitment [32]byte) uint64 {
	t.Helper()
	esc := mustList(t, engine, [32]byte{})
	require.NoError(t, engine.Purchase(esc.ID, buyer, big.NewInt(25_000), commitment, nil))
	require.NoError(t, engine.ConfirmOrder(esc.ID, seller, "doc-ref"))
	require.NoError(t, engine.RegisterBid(esc.ID, agent, big.NewInt(500)))
	require.NoError(t, engine.DepositSecurity(esc.ID, agent, big.NewInt(2_000)))
	require.NoError(t, engine.SelectAgent(esc.ID, seller, agent, big.NewInt(500)))
	return esc.ID
}

func TestCreateListingAssignsMonotonicIDs(t *testing.T) {
	engine, _, emitter, _ := newTestEngine(t)

	first := mustList(t, engine, [32]byte{0x01})
	second := mustList(t, engine, [32]byte{0x02})
	require.Equal(t, uint64(1), first.ID)
	require.Equal(t, uint64(2), second.ID)
	require.Equal(t, PhaseListed, first.Phase)
	require.Equal(t, EventTypeListed, emitter.last().Type)
	require.Equal(t, "2", emitter.last().Attributes["id"])
}

func TestCreateListingRequiresSeller(t *testing.T) {
	engine, _, _, _ := newTestEngine(t)
	_, err := engine.CreateListing([20]byte{}, "no seller", [32]byte{})
	require.ErrorIs(t, err, ErrNotParticipant)
}

func TestPurchaseMovesDepositIntoVault(t *testing.T) {
	engine, state, emitter, _ := newTestEngine(t)
	esc := mustList(t, engine, [32]byte{})

	require.NoError(t, engine.Purchase(esc.ID, buyer, big.NewInt(25_000), [32]byte{0xaa}, []byte{1, 2}))

	loaded, err := engine.Get(esc.ID)
	require.NoError(t, err)
	require.Equal(t, PhasePurchased, loaded.Phase)
	require.Equal(t, buyer, loaded.Buyer)
	require.Zero(t, loaded.Deposit.Cmp(big.NewInt(25_000)))
	require.Equal(t, [32]byte{0xaa}, loaded.PriceCommitment)
	require.Equal(t, []byte{1, 2}, loaded.RangeProof)

	require.Zero(t, state.balanceOf(buyer).Cmp(big.NewInt(975_000)))
	require.Zero(t, state.balanceOf(state.vault).Cmp(big.NewInt(25_000)))
	require.Zero(t, state.escrowBalances[esc.ID].Cmp(big.NewInt(25_000)))

	require.Equal(t, EventTypePhaseChanged, emitter.last().Type)
	require.Equal(t, "purchased", emitter.last().Attributes["to"])
}

func TestPurchaseKeepsListingCommitmentWhenNoneSupplied(t *testing.T) {
	engine, _, _, _ := newTestEngine(t)
	esc := mustList(t, engine, [32]byte{0x11})

	require.NoError(t, engine.Purchase(esc.ID, buyer, big.NewInt(100), [32]byte{}, nil))

	commitment, err := engine.PriceCommitment(esc.ID)
	require.NoError(t, err)
	require.Equal(t, [32]byte{0x11}, commitment)
}

func TestPurchaseOnlyOnceWinsTheRace(t *testing.T) {
	engine, _, _, _ := newTestEngine(t)
	esc := mustList(t, engine, [32]byte{})

	require.NoError(t, engine.Purchase(esc.ID, buyer, big.NewInt(100), [32]byte{}, nil))
	other := addr(0x09)
	require.ErrorIs(t, engine.Purchase(esc.ID, other, big.NewInt(100), [32]byte{}, nil), ErrWrongPhase)
}

func TestPurchaseRejectsSellerAsBuyer(t *testing.T) {
	engine, _, _, _ := newTestEngine(t)
	esc := mustList(t, engine, [32]byte{})
	require.ErrorIs(t, engine.Purchase(esc.ID, seller, big.NewInt(100), [32]byte{}, nil), ErrSelfTrade)
}

func TestPurchaseRequiresPositiveAmount(t *testing.T) {
	engine, _, _, _ := newTestEngine(t)
	esc := mustList(t, engine, [32]byte{})
	require.ErrorIs(t, engine.Purchase(esc.ID, buyer, big.NewInt(0), [32]byte{}, nil), ErrAmountRequired)
	require.ErrorIs(t, engine.Purchase(esc.ID, buyer, nil, [32]byte{}, nil), ErrAmountRequired)
}

func TestPurchaseRequiresFunds(t *testing.T) {
	engine, state, _, _ := newTestEngine(t)
	esc := mustList(t, engine, [32]byte{})
	poor := addr(0x0a)
	state.fund(poor, 10)
	require.ErrorIs(t, engine.Purchase(esc.ID, poor, big.NewInt(100), [32]byte{}, nil), ErrInsufficientBalance)
}

func TestPurchaseUnknownEscrow(t *testing.T) {
	engine, _, _, _ := newTestEngine(t)
	require.ErrorIs(t, engine.Purchase(42, buyer, big.NewInt(100), [32]byte{}, nil), ErrNotFound)
}

func TestConfirmOrderSellerOnly(t *testing.T) {
	engine, _, _, _ := newTestEngine(t)
	esc := mustList(t, engine, [32]byte{})
	require.NoError(t, engine.Purchase(esc.ID, buyer, big.NewInt(100), [32]byte{}, nil))
	require.ErrorIs(t, engine.ConfirmOrder(esc.ID, buyer, ""), ErrNotParticipant)
	require.NoError(t, engine.ConfirmOrder(esc.ID, seller, "cid-123"))

	loaded, err := engine.Get(esc.ID)
	require.NoError(t, err)
	require.Equal(t, PhaseOrderConfirmed, loaded.Phase)
	require.Equal(t, "cid-123", loaded.DocumentRef)
}

func TestOrderWindowBoundaryIsStrict(t *testing.T) {
	engine, _, _, clock := newTestEngine(t)
	engine.SetWindows(100, 0, 0)
	esc := mustList(t, engine, [32]byte{})
	require.NoError(t, engine.Purchase(esc.ID, buyer, big.NewInt(100), [32]byte{}, nil))

	purchasedAt := clock.now

	// Exactly at the deadline the seller can still confirm and the timeout
	// cannot fire.
	clock.now = purchasedAt + 100
	require.ErrorIs(t, engine.SellerTimeout(esc.ID), ErrWindowNotYetExpired)
	require.NoError(t, engine.ConfirmOrder(esc.ID, seller, ""))
}

func TestSellerTimeoutRefundsBuyer(t *testing.T) {
	engine, state, emitter, clock := newTestEngine(t)
	engine.SetWindows(100, 0, 0)
	esc := mustList(t, engine, [32]byte{})
	require.NoError(t, engine.Purchase(esc.ID, buyer, big.NewInt(25_000), [32]byte{}, nil))

	clock.now += 101
	require.ErrorIs(t, engine.ConfirmOrder(esc.ID, seller, ""), ErrWindowExpired)
	require.NoError(t, engine.SellerTimeout(esc.ID))

	loaded, err := engine.Get(esc.ID)
	require.NoError(t, err)
	require.Equal(t, PhaseExpired, loaded.Phase)
	require.Zero(t, loaded.Deposit.Sign())
	require.Zero(t, state.balanceOf(buyer).Cmp(big.NewInt(1_000_000)))
	require.Contains(t, emitter.types(), EventTypeSellerTimeout)
}

func TestSellerTimeoutPermissionless(t *testing.T) {
	engine, _, _, clock := newTestEngine(t)
	engine.SetWindows(100, 0, 0)
	esc := mustList(t, engine, [32]byte{})
	require.NoError(t, engine.Purchase(esc.ID, buyer, big.NewInt(100), [32]byte{}, nil))

	// No caller identity on the timeout entry point at all.
	clock.now += 101
	require.NoError(t, engine.SellerTimeout(esc.ID))
}

func TestSellerTimeoutWrongPhase(t *testing.T) {
	engine, _, _, _ := newTestEngine(t)
	esc := mustList(t, engine, [32]byte{})
	require.ErrorIs(t, engine.SellerTimeout(esc.ID), ErrWrongPhase)
}

func TestRevealSettlesHappyPath(t *testing.T) {
	engine, state, emitter, _ := newTestEngine(t)

	price := big.NewInt(25_000)
	blinding := [32]byte{0x5a}
	commitment, err := ComputeCommitment(price, blinding)
	require.NoError(t, err)

	id := bindEscrow(t, engine, commitment)
	require.NoError(t, engine.RevealAndConfirmDelivery(id, buyer, price, blinding, "delivery-note"))

	loaded, err := engine.Get(id)
	require.NoError(t, err)
	require.Equal(t, PhaseDelivered, loaded.Phase)
	require.True(t, loaded.Delivered)
	require.Equal(t, "delivery-note", loaded.DocumentRef)
	require.Zero(t, loaded.Deposit.Sign())
	require.Zero(t, loaded.DeliveryFee.Sign())
	require.Nil(t, loaded.SelectedBid())

	// Seller collects the price, the agent the fee plus bond, the vault
	// drains to zero.
	require.Zero(t, state.balanceOf(seller).Cmp(big.NewInt(1_024_500)))
	require.Zero(t, state.balanceOf(agent).Cmp(big.NewInt(1_000_500)))
	require.Zero(t, state.balanceOf(buyer).Cmp(big.NewInt(975_000)))
	require.Zero(t, state.balanceOf(state.vault).Sign())
	require.Zero(t, state.escrowBalances[id].Sign())

	require.Contains(t, emitter.types(), EventTypeDeliveryConfirmed)
	require.Equal(t, "delivered", emitter.last().Attributes["to"])
}

func TestRevealRejectsWrongPreimage(t *testing.T) {
	engine, _, _, _ := newTestEngine(t)

	price := big.NewInt(25_000)
	blinding := [32]byte{0x5a}
	commitment, err := ComputeCommitment(price, blinding)
	require.NoError(t, err)

	id := bindEscrow(t, engine, commitment)
	require.ErrorIs(t, engine.RevealAndConfirmDelivery(id, buyer, big.NewInt(25_001), blinding, ""), ErrCommitmentMismatch)
	require.ErrorIs(t, engine.RevealAndConfirmDelivery(id, buyer, price, [32]byte{0x5b}, ""), ErrCommitmentMismatch)

	phase, err := engine.CurrentPhase(id)
	require.NoError(t, err)
	require.Equal(t, PhaseBound, phase)
}

func TestRevealBuyerOnly(t *testing.T) {
	engine, _, _, _ := newTestEngine(t)

	price := big.NewInt(100)
	blinding := [32]byte{0x01}
	commitment, err := ComputeCommitment(price, blinding)
	require.NoError(t, err)

	id := bindEscrow(t, engine, commitment)
	require.ErrorIs(t, engine.RevealAndConfirmDelivery(id, seller, price, blinding, ""), ErrNotParticipant)
	require.ErrorIs(t, engine.RevealAndConfirmDelivery(id, agent, price, blinding, ""), ErrNotParticipant)
}

func TestDeliveryWindowBoundaryIsStrict(t *testing.T) {
	engine, _, _, clock := newTestEngine(t)
	engine.SetWindows(0, 0, 100)

	price := big.NewInt(100)
	blinding := [32]byte{0x01}
	commitment, err := ComputeCommitment(price, blinding)
	require.NoError(t, err)

	id := bindEscrow(t, engine, commitment)
	boundAt := clock.now

	clock.now = boundAt + 100
	require.ErrorIs(t, engine.DeliveryTimeout(id), ErrWindowNotYetExpired)
	require.NoError(t, engine.RevealAndConfirmDelivery(id, buyer, price, blinding, ""))
}

func TestRevealAfterWindowFails(t *testing.T) {
	engine, _, _, clock := newTestEngine(t)
	engine.SetWindows(0, 0, 100)

	price := big.NewInt(100)
	blinding := [32]byte{0x01}
	commitment, err := ComputeCommitment(price, blinding)
	require.NoError(t, err)

	id := bindEscrow(t, engine, commitment)
	clock.now += 101
	require.ErrorIs(t, engine.RevealAndConfirmDelivery(id, buyer, price, blinding, ""), ErrWindowExpired)
}

func TestDeliveryTimeoutForfeitsToBuyer(t *testing.T) {
	engine, state, emitter, clock := newTestEngine(t)
	engine.SetWindows(0, 0, 100)

	id := bindEscrow(t, engine, [32]byte{0x01})
	clock.now += 101
	require.NoError(t, engine.DeliveryTimeout(id))

	loaded, err := engine.Get(id)
	require.NoError(t, err)
	require.Equal(t, PhaseExpired, loaded.Phase)

	// Price refunded, fee back to the seller, bond forfeited to the buyer.
	require.Zero(t, state.balanceOf(buyer).Cmp(big.NewInt(1_002_000)))
	require.Zero(t, state.balanceOf(seller).Cmp(big.NewInt(1_000_000)))
	require.Zero(t, state.balanceOf(agent).Cmp(big.NewInt(998_000)))
	require.Zero(t, state.balanceOf(state.vault).Sign())
	require.Contains(t, emitter.types(), EventTypePenaltyApplied)
	require.Contains(t, emitter.types(), EventTypeDeliveryTimeout)
}

func TestDeliveryTimeoutForfeitsToSellerWhenConfigured(t *testing.T) {
	engine, state, _, clock := newTestEngine(t)
	engine.SetWindows(0, 0, 100)
	engine.SetForfeitPolicy(ForfeitToSeller)

	id := bindEscrow(t, engine, [32]byte{0x01})
	clock.now += 101
	require.NoError(t, engine.DeliveryTimeout(id))

	// Price still goes back to the buyer; only the bond moves to the seller.
	require.Zero(t, state.balanceOf(buyer).Cmp(big.NewInt(1_000_000)))
	require.Zero(t, state.balanceOf(seller).Cmp(big.NewInt(1_002_000)))
}

func TestDeliveryTimeoutTerminal(t *testing.T) {
	engine, _, _, clock := newTestEngine(t)
	engine.SetWindows(0, 0, 100)

	id := bindEscrow(t, engine, [32]byte{0x01})
	clock.now += 101
	require.NoError(t, engine.DeliveryTimeout(id))
	require.ErrorIs(t, engine.DeliveryTimeout(id), ErrWrongPhase)
	require.ErrorIs(t, engine.RevealAndConfirmDelivery(id, buyer, big.NewInt(1), [32]byte{}, ""), ErrWrongPhase)
}

func TestPrivatePaymentRedirectsPriceToBuyer(t *testing.T) {
	engine, state, emitter, _ := newTestEngine(t)

	price := big.NewInt(25_000)
	blinding := [32]byte{0x5a}
	commitment, err := ComputeCommitment(price, blinding)
	require.NoError(t, err)

	id := bindEscrow(t, engine, commitment)
	require.NoError(t, engine.RecordPrivatePayment(id, buyer, [32]byte{0x01}, [32]byte{0x02}))
	require.NoError(t, engine.RevealAndConfirmDelivery(id, buyer, price, blinding, ""))

	// The on-ledger deposit returns to the buyer; only the agent legs move.
	require.Zero(t, state.balanceOf(buyer).Cmp(big.NewInt(1_000_000)))
	require.Zero(t, state.balanceOf(seller).Cmp(big.NewInt(999_500)))
	require.Zero(t, state.balanceOf(agent).Cmp(big.NewInt(1_000_500)))
	require.Contains(t, emitter.types(), EventTypePaidPrivately)
}

func TestFundConservationAcrossLifecycle(t *testing.T) {
	engine, state, _, _ := newTestEngine(t)

	price := big.NewInt(25_000)
	blinding := [32]byte{0x5a}
	commitment, err := ComputeCommitment(price, blinding)
	require.NoError(t, err)

	total := func() *big.Int {
		sum := big.NewInt(0)
		for _, participant := range [][20]byte{seller, buyer, agent, state.vault} {
			sum.Add(sum, state.balanceOf(participant))
		}
		return sum
	}

	before := total()
	id := bindEscrow(t, engine, commitment)
	require.Zero(t, before.Cmp(total()))
	require.NoError(t, engine.RevealAndConfirmDelivery(id, buyer, price, blinding, ""))
	require.Zero(t, before.Cmp(total()))
}

func TestReentrantSettlementRejected(t *testing.T) {
	engine, state, _, _ := newTestEngine(t)

	price := big.NewInt(100)
	blinding := [32]byte{0x01}
	commitment, err := ComputeCommitment(price, blinding)
	require.NoError(t, err)

	id := bindEscrow(t, engine, commitment)

	var reentrantErr error
	fired := false
	state.putAccountHook = func(addr []byte, _ *types.Account) {
		if !fired {
			fired = true
			reentrantErr = engine.RevealAndConfirmDelivery(id, buyer, price, blinding, "")
		}
	}
	require.NoError(t, engine.RevealAndConfirmDelivery(id, buyer, price, blinding, ""))
	require.True(t, fired)
	require.ErrorIs(t, reentrantErr, ErrReentrantCall)
}

type pausedModules struct {
	paused bool
}

func (p pausedModules) IsPaused(module string) bool { return p.paused && module == "escrow" }

func TestPauseGuardBlocksMutations(t *testing.T) {
	engine, _, _, _ := newTestEngine(t)
	esc := mustList(t, engine, [32]byte{})
	engine.SetPauses(pausedModules{paused: true})

	err := engine.Purchase(esc.ID, buyer, big.NewInt(100), [32]byte{}, nil)
	require.Error(t, err)
	_, err = engine.CreateListing(seller, "paused", [32]byte{})
	require.Error(t, err)

	engine.SetPauses(pausedModules{paused: false})
	require.NoError(t, engine.Purchase(esc.ID, buyer, big.NewInt(100), [32]byte{}, nil))
}
