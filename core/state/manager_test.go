package state

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"veiltrade/core/types"
	"veiltrade/native/escrow"
	"veiltrade/storage"
)

func addr(b byte) [20]byte {
	var a [20]byte
	a[19] = b
	return a
}

func listedEscrow(id uint64) *escrow.Escrow {
	return &escrow.Escrow{
		ID:          id,
		Name:        "ledger-bound widget",
		Seller:      addr(0x11),
		Phase:       escrow.PhaseListed,
		Deposit:     big.NewInt(0),
		DeliveryFee: big.NewInt(0),
		CreatedAt:   1700000000,
	}
}

func TestEscrowRoundTrip(t *testing.T) {
	m := NewManager(storage.NewMemDB())

	original := listedEscrow(7)
	original.PriceCommitment = [32]byte{0xab, 0xcd}
	original.RangeProof = []byte{1, 2, 3}
	require.NoError(t, m.EscrowPut(original))

	loaded, ok := m.EscrowGet(7)
	require.True(t, ok)
	require.Equal(t, original.ID, loaded.ID)
	require.Equal(t, original.Name, loaded.Name)
	require.Equal(t, original.Seller, loaded.Seller)
	require.Equal(t, escrow.PhaseListed, loaded.Phase)
	require.Equal(t, original.PriceCommitment, loaded.PriceCommitment)
	require.Equal(t, original.RangeProof, loaded.RangeProof)
	require.Equal(t, original.CreatedAt, loaded.CreatedAt)

	// Mutating the loaded copy must not leak into storage.
	loaded.Name = "changed"
	reloaded, ok := m.EscrowGet(7)
	require.True(t, ok)
	require.Equal(t, original.Name, reloaded.Name)
}

func TestEscrowRoundTripWithBidsAndPayment(t *testing.T) {
	m := NewManager(storage.NewMemDB())

	esc := listedEscrow(3)
	esc.Phase = escrow.PhaseBound
	esc.Buyer = addr(0x22)
	esc.Agent = addr(0x33)
	esc.Deposit = big.NewInt(1000)
	esc.DeliveryFee = big.NewInt(100)
	esc.PurchasedAt = 1700000100
	esc.ConfirmedAt = 1700000200
	esc.BoundAt = 1700000300
	esc.Bids = []escrow.Bid{
		{Agent: addr(0x33), Fee: big.NewInt(100), SecurityDeposit: big.NewInt(500), Active: true},
		{Fee: big.NewInt(0), SecurityDeposit: big.NewInt(0)},
	}
	esc.Payment = &escrow.PrivatePayment{
		MemoHash: [32]byte{0x01},
		TxRef:    [32]byte{0x02},
		Recorder: addr(0x22),
	}
	require.NoError(t, m.EscrowPut(esc))

	loaded, ok := m.EscrowGet(3)
	require.True(t, ok)
	require.Len(t, loaded.Bids, 2)
	require.Equal(t, esc.Bids[0].Agent, loaded.Bids[0].Agent)
	require.Zero(t, loaded.Bids[0].Fee.Cmp(big.NewInt(100)))
	require.Zero(t, loaded.Bids[0].SecurityDeposit.Cmp(big.NewInt(500)))
	require.True(t, loaded.Bids[0].Active)
	require.False(t, loaded.Bids[1].Active)
	require.NotNil(t, loaded.Payment)
	require.Equal(t, esc.Payment.MemoHash, loaded.Payment.MemoHash)
	require.Equal(t, esc.Payment.TxRef, loaded.Payment.TxRef)
	require.Equal(t, esc.Payment.Recorder, loaded.Payment.Recorder)
}

func TestEscrowPutRejectsInvalid(t *testing.T) {
	m := NewManager(storage.NewMemDB())

	esc := listedEscrow(1)
	esc.Seller = [20]byte{}
	require.Error(t, m.EscrowPut(esc))

	_, ok := m.EscrowGet(1)
	require.False(t, ok)
}

func TestEscrowGetMissing(t *testing.T) {
	m := NewManager(storage.NewMemDB())
	_, ok := m.EscrowGet(42)
	require.False(t, ok)
}

func TestNextEscrowIDMonotonic(t *testing.T) {
	m := NewManager(storage.NewMemDB())
	for want := uint64(1); want <= 5; want++ {
		got, err := m.NextEscrowID()
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
}

func TestNextEscrowIDSurvivesReopen(t *testing.T) {
	db := storage.NewMemDB()
	m := NewManager(db)
	first, err := m.NextEscrowID()
	require.NoError(t, err)
	require.Equal(t, uint64(1), first)

	reopened := NewManager(db)
	second, err := reopened.NextEscrowID()
	require.NoError(t, err)
	require.Equal(t, uint64(2), second)
}

func TestEscrowCreditDebit(t *testing.T) {
	m := NewManager(storage.NewMemDB())
	require.NoError(t, m.EscrowPut(listedEscrow(9)))

	balance, err := m.EscrowBalance(9)
	require.NoError(t, err)
	require.Zero(t, balance.Sign())

	require.NoError(t, m.EscrowCredit(9, big.NewInt(700)))
	require.NoError(t, m.EscrowCredit(9, big.NewInt(300)))
	balance, err = m.EscrowBalance(9)
	require.NoError(t, err)
	require.Zero(t, balance.Cmp(big.NewInt(1000)))

	require.NoError(t, m.EscrowDebit(9, big.NewInt(1000)))
	require.Error(t, m.EscrowDebit(9, big.NewInt(1)))
}

func TestEscrowCreditUnknownEscrow(t *testing.T) {
	m := NewManager(storage.NewMemDB())
	require.Error(t, m.EscrowCredit(99, big.NewInt(1)))
}

func TestAccountDefaultsAndRoundTrip(t *testing.T) {
	m := NewManager(storage.NewMemDB())
	owner := addr(0x44)

	account, err := m.GetAccount(owner[:])
	require.NoError(t, err)
	require.Zero(t, account.Balance.Sign())
	require.Zero(t, account.Nonce)

	account.Balance = big.NewInt(2500)
	account.Nonce = 3
	require.NoError(t, m.PutAccount(owner[:], account))

	loaded, err := m.GetAccount(owner[:])
	require.NoError(t, err)
	require.Zero(t, loaded.Balance.Cmp(big.NewInt(2500)))
	require.Equal(t, uint64(3), loaded.Nonce)
}

func TestPutAccountRejectsNegativeBalance(t *testing.T) {
	m := NewManager(storage.NewMemDB())
	owner := addr(0x55)
	require.Error(t, m.PutAccount(owner[:], &types.Account{Balance: big.NewInt(-1)}))
	require.Error(t, m.PutAccount(owner[:], nil))
}

func TestVaultAddressStable(t *testing.T) {
	a := NewManager(storage.NewMemDB())
	b := NewManager(storage.NewMemDB())
	require.Equal(t, a.EscrowVaultAddress(), b.EscrowVaultAddress())
	require.NotEqual(t, [20]byte{}, a.EscrowVaultAddress())
}

func TestManagerSatisfiesEngineState(t *testing.T) {
	m := NewManager(storage.NewMemDB())
	engine := escrow.NewEngine()
	engine.SetState(m)

	seller := addr(0x66)
	esc, err := engine.CreateListing(seller, "first listing", [32]byte{})
	require.NoError(t, err)
	require.Equal(t, uint64(1), esc.ID)
	require.Equal(t, escrow.PhaseListed, esc.Phase)
}
