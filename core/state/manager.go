package state

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"veiltrade/core/types"
	"veiltrade/native/escrow"
	"veiltrade/storage"
)

// Manager persists module state as RLP records under keccak-hashed prefixed
// keys. It implements the escrow engine's state interface.
type Manager struct {
	db storage.Database
}

// NewManager creates a state manager operating on the provided database.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db}
}

var (
	accountPrefix = []byte("acct:")
	escrowPrefix  = []byte("escrow:")
	balancePrefix = []byte("escrow-balance:")
	escrowSeqKey  = ethcrypto.Keccak256([]byte("escrow-seq"))
)

// vaultAddress is the deterministic module account holding all escrowed
// funds. Derived once from a domain tag; no key exists for it, so only the
// engine's transfer logic can move value out.
var vaultAddress = func() [20]byte {
	var addr [20]byte
	hash := ethcrypto.Keccak256([]byte("veiltrade/escrow-vault"))
	copy(addr[:], hash[12:])
	return addr
}()

func accountKey(addr []byte) []byte {
	buf := make([]byte, len(accountPrefix)+len(addr))
	copy(buf, accountPrefix)
	copy(buf[len(accountPrefix):], addr)
	return ethcrypto.Keccak256(buf)
}

func escrowKey(id uint64) []byte {
	buf := make([]byte, len(escrowPrefix)+8)
	copy(buf, escrowPrefix)
	binary.BigEndian.PutUint64(buf[len(escrowPrefix):], id)
	return ethcrypto.Keccak256(buf)
}

func balanceKey(id uint64) []byte {
	buf := make([]byte, len(balancePrefix)+8)
	copy(buf, balancePrefix)
	binary.BigEndian.PutUint64(buf[len(balancePrefix):], id)
	return ethcrypto.Keccak256(buf)
}

// storedEscrow is the wire layout. RLP handles unsigned integers only, and
// optional sub-records are flattened behind a presence flag.
type storedBid struct {
	Agent           [20]byte
	Fee             *big.Int
	SecurityDeposit *big.Int
	Active          bool
}

type storedEscrow struct {
	ID              uint64
	Name            string
	Seller          [20]byte
	Buyer           [20]byte
	Agent           [20]byte
	Phase           uint8
	PriceCommitment [32]byte
	RangeProof      []byte
	Deposit         *big.Int
	DeliveryFee     *big.Int
	CreatedAt       uint64
	PurchasedAt     uint64
	ConfirmedAt     uint64
	BoundAt         uint64
	Delivered       bool
	DocumentRef     string
	Bids            []storedBid
	HasPayment      bool
	MemoHash        [32]byte
	TxRef           [32]byte
	Recorder        [20]byte
}

func toStored(e *escrow.Escrow) *storedEscrow {
	rec := &storedEscrow{
		ID:              e.ID,
		Name:            e.Name,
		Seller:          e.Seller,
		Buyer:           e.Buyer,
		Agent:           e.Agent,
		Phase:           uint8(e.Phase),
		PriceCommitment: e.PriceCommitment,
		RangeProof:      append([]byte(nil), e.RangeProof...),
		Deposit:         e.Deposit,
		DeliveryFee:     e.DeliveryFee,
		CreatedAt:       uint64(e.CreatedAt),
		PurchasedAt:     uint64(e.PurchasedAt),
		ConfirmedAt:     uint64(e.ConfirmedAt),
		BoundAt:         uint64(e.BoundAt),
		Delivered:       e.Delivered,
		DocumentRef:     e.DocumentRef,
	}
	for i := range e.Bids {
		rec.Bids = append(rec.Bids, storedBid{
			Agent:           e.Bids[i].Agent,
			Fee:             e.Bids[i].Fee,
			SecurityDeposit: e.Bids[i].SecurityDeposit,
			Active:          e.Bids[i].Active,
		})
	}
	if e.Payment != nil {
		rec.HasPayment = true
		rec.MemoHash = e.Payment.MemoHash
		rec.TxRef = e.Payment.TxRef
		rec.Recorder = e.Payment.Recorder
	}
	return rec
}

func fromStored(rec *storedEscrow) *escrow.Escrow {
	e := &escrow.Escrow{
		ID:              rec.ID,
		Name:            rec.Name,
		Seller:          rec.Seller,
		Buyer:           rec.Buyer,
		Agent:           rec.Agent,
		Phase:           escrow.Phase(rec.Phase),
		PriceCommitment: rec.PriceCommitment,
		RangeProof:      append([]byte(nil), rec.RangeProof...),
		Deposit:         rec.Deposit,
		DeliveryFee:     rec.DeliveryFee,
		CreatedAt:       int64(rec.CreatedAt),
		PurchasedAt:     int64(rec.PurchasedAt),
		ConfirmedAt:     int64(rec.ConfirmedAt),
		BoundAt:         int64(rec.BoundAt),
		Delivered:       rec.Delivered,
		DocumentRef:     rec.DocumentRef,
	}
	for i := range rec.Bids {
		e.Bids = append(e.Bids, escrow.Bid{
			Agent:           rec.Bids[i].Agent,
			Fee:             rec.Bids[i].Fee,
			SecurityDeposit: rec.Bids[i].SecurityDeposit,
			Active:          rec.Bids[i].Active,
		})
	}
	if rec.HasPayment {
		e.Payment = &escrow.PrivatePayment{
			MemoHash: rec.MemoHash,
			TxRef:    rec.TxRef,
			Recorder: rec.Recorder,
		}
	}
	return e
}

// EscrowPut validates and persists an escrow record.
func (m *Manager) EscrowPut(e *escrow.Escrow) error {
	sanitized, err := escrow.SanitizeEscrow(e)
	if err != nil {
		return err
	}
	encoded, err := rlp.EncodeToBytes(toStored(sanitized))
	if err != nil {
		return err
	}
	return m.db.Put(escrowKey(sanitized.ID), encoded)
}

// EscrowGet loads an escrow record. The second return reports existence.
func (m *Manager) EscrowGet(id uint64) (*escrow.Escrow, bool) {
	data, err := m.db.Get(escrowKey(id))
	if err != nil || len(data) == 0 {
		return nil, false
	}
	rec := new(storedEscrow)
	if err := rlp.DecodeBytes(data, rec); err != nil {
		return nil, false
	}
	return fromStored(rec), true
}

// NextEscrowID allocates the next monotonic escrow identifier, starting at 1.
func (m *Manager) NextEscrowID() (uint64, error) {
	var current uint64
	data, err := m.db.Get(escrowSeqKey)
	switch {
	case err == nil && len(data) > 0:
		if err := rlp.DecodeBytes(data, &current); err != nil {
			return 0, err
		}
	case errors.Is(err, storage.ErrNotFound):
		// first allocation
	case err != nil:
		return 0, err
	}
	next := current + 1
	encoded, err := rlp.EncodeToBytes(next)
	if err != nil {
		return 0, err
	}
	if err := m.db.Put(escrowSeqKey, encoded); err != nil {
		return 0, err
	}
	return next, nil
}

// EscrowVaultAddress returns the module vault account.
func (m *Manager) EscrowVaultAddress() [20]byte { return vaultAddress }

func (m *Manager) escrowBalance(id uint64) (*big.Int, error) {
	data, err := m.db.Get(balanceKey(id))
	if errors.Is(err, storage.ErrNotFound) || len(data) == 0 {
		return big.NewInt(0), nil
	}
	if err != nil {
		return nil, err
	}
	amount := new(big.Int)
	if err := rlp.DecodeBytes(data, amount); err != nil {
		return nil, err
	}
	return amount, nil
}

func (m *Manager) writeEscrowBalance(id uint64, amount *big.Int) error {
	encoded, err := rlp.EncodeToBytes(amount)
	if err != nil {
		return err
	}
	return m.db.Put(balanceKey(id), encoded)
}

// EscrowBalance reports the funds currently held for the escrow.
func (m *Manager) EscrowBalance(id uint64) (*big.Int, error) {
	return m.escrowBalance(id)
}

// EscrowCredit adds escrowed funds to the per-escrow ledger balance.
func (m *Manager) EscrowCredit(id uint64, amt *big.Int) error {
	if amt == nil || amt.Sign() < 0 {
		return fmt.Errorf("state: credit amount must be non-negative")
	}
	if _, ok := m.EscrowGet(id); !ok {
		return fmt.Errorf("state: escrow %d not found", id)
	}
	current, err := m.escrowBalance(id)
	if err != nil {
		return err
	}
	return m.writeEscrowBalance(id, new(big.Int).Add(current, amt))
}

// EscrowDebit removes escrowed funds, failing on overdraw.
func (m *Manager) EscrowDebit(id uint64, amt *big.Int) error {
	if amt == nil || amt.Sign() < 0 {
		return fmt.Errorf("state: debit amount must be non-negative")
	}
	current, err := m.escrowBalance(id)
	if err != nil {
		return err
	}
	if current.Cmp(amt) < 0 {
		return fmt.Errorf("state: escrow %d balance %s below debit %s", id, current, amt)
	}
	return m.writeEscrowBalance(id, new(big.Int).Sub(current, amt))
}

type storedAccount struct {
	Nonce   uint64
	Balance *big.Int
}

// GetAccount loads an account, returning a zero-balance account when none is
// stored yet.
func (m *Manager) GetAccount(addr []byte) (*types.Account, error) {
	data, err := m.db.Get(accountKey(addr))
	if errors.Is(err, storage.ErrNotFound) || len(data) == 0 {
		return &types.Account{Balance: big.NewInt(0)}, nil
	}
	if err != nil {
		return nil, err
	}
	rec := new(storedAccount)
	if err := rlp.DecodeBytes(data, rec); err != nil {
		return nil, err
	}
	balance := rec.Balance
	if balance == nil {
		balance = big.NewInt(0)
	}
	return &types.Account{Nonce: rec.Nonce, Balance: balance}, nil
}

// PutAccount persists an account record.
func (m *Manager) PutAccount(addr []byte, account *types.Account) error {
	if account == nil {
		return fmt.Errorf("state: nil account")
	}
	balance := account.Balance
	if balance == nil {
		balance = big.NewInt(0)
	}
	if balance.Sign() < 0 {
		return fmt.Errorf("state: negative balance")
	}
	encoded, err := rlp.EncodeToBytes(&storedAccount{Nonce: account.Nonce, Balance: balance})
	if err != nil {
		return err
	}
	return m.db.Put(accountKey(addr), encoded)
}
