package escrow

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
)

var (
	memoA = [32]byte{0xa1}
	memoB = [32]byte{0xa2}
	refA  = [32]byte{0xb1}
	refB  = [32]byte{0xb2}
)

func TestRecordPrivatePayment(t *testing.T) {
	engine, _, emitter, _ := newTestEngine(t)
	id := bindEscrow(t, engine, [32]byte{0x01})

	require.NoError(t, engine.RecordPrivatePayment(id, buyer, memoA, refA))

	has, err := engine.HasPrivatePayment(id)
	require.NoError(t, err)
	require.True(t, has)

	payment, err := engine.PrivatePaymentDetails(id)
	require.NoError(t, err)
	require.NotNil(t, payment)
	require.Equal(t, memoA, payment.MemoHash)
	require.Equal(t, refA, payment.TxRef)
	require.Equal(t, buyer, payment.Recorder)

	require.Contains(t, emitter.types(), EventTypePrivatePaymentRecorded)
}

func TestRecordPrivatePaymentExactlyOnce(t *testing.T) {
	engine, _, _, _ := newTestEngine(t)
	id := bindEscrow(t, engine, [32]byte{0x01})

	require.NoError(t, engine.RecordPrivatePayment(id, buyer, memoA, refA))

	// A second record never lands, even with different contents or a
	// different participant.
	require.ErrorIs(t, engine.RecordPrivatePayment(id, buyer, memoB, refB), ErrAlreadyPaid)
	require.ErrorIs(t, engine.RecordPrivatePayment(id, seller, memoB, refB), ErrAlreadyPaid)

	payment, err := engine.PrivatePaymentDetails(id)
	require.NoError(t, err)
	require.Equal(t, memoA, payment.MemoHash)
}

func TestRecordPrivatePaymentRejectsZeroFields(t *testing.T) {
	engine, _, _, _ := newTestEngine(t)
	id := bindEscrow(t, engine, [32]byte{0x01})

	require.ErrorIs(t, engine.RecordPrivatePayment(id, buyer, [32]byte{}, refA), ErrZeroMemoHash)
	require.ErrorIs(t, engine.RecordPrivatePayment(id, buyer, memoA, [32]byte{}), ErrZeroTxRef)
}

func TestRecordPrivatePaymentParticipantsOnly(t *testing.T) {
	engine, _, _, _ := newTestEngine(t)
	id := bindEscrow(t, engine, [32]byte{0x01})

	outsider := addr(0x77)
	require.ErrorIs(t, engine.RecordPrivatePayment(id, outsider, memoA, refA), ErrNotParticipant)

	// All three trade parties may record.
	require.NoError(t, engine.RecordPrivatePayment(id, agent, memoA, refA))
}

func TestRecordPrivatePaymentOnlyWhileBound(t *testing.T) {
	engine, _, _, _ := newTestEngine(t)
	esc := mustList(t, engine, [32]byte{})
	require.NoError(t, engine.Purchase(esc.ID, buyer, big.NewInt(100), [32]byte{}, nil))
	require.ErrorIs(t, engine.RecordPrivatePayment(esc.ID, buyer, memoA, refA), ErrWrongPhase)

	require.NoError(t, engine.ConfirmOrder(esc.ID, seller, ""))
	require.ErrorIs(t, engine.RecordPrivatePayment(esc.ID, buyer, memoA, refA), ErrWrongPhase)
}

func TestRecordPrivatePaymentClosedAfterDelivery(t *testing.T) {
	engine, _, _, _ := newTestEngine(t)

	price := big.NewInt(100)
	blinding := [32]byte{0x01}
	commitment, err := ComputeCommitment(price, blinding)
	require.NoError(t, err)

	id := bindEscrow(t, engine, commitment)
	require.NoError(t, engine.RevealAndConfirmDelivery(id, buyer, price, blinding, ""))
	require.ErrorIs(t, engine.RecordPrivatePayment(id, buyer, memoA, refA), ErrDelivered)
}

func TestPrivatePaymentsIndependentPerEscrow(t *testing.T) {
	engine, _, _, _ := newTestEngine(t)

	first := bindEscrow(t, engine, [32]byte{0x01})
	second := bindEscrow(t, engine, [32]byte{0x02})

	require.NoError(t, engine.RecordPrivatePayment(first, buyer, memoA, refA))

	has, err := engine.HasPrivatePayment(second)
	require.NoError(t, err)
	require.False(t, has)

	require.NoError(t, engine.RecordPrivatePayment(second, buyer, memoB, refB))
	payment, err := engine.PrivatePaymentDetails(second)
	require.NoError(t, err)
	require.Equal(t, memoB, payment.MemoHash)
}

func TestPrivatePaymentDetailsNilWhenAbsent(t *testing.T) {
	engine, _, _, _ := newTestEngine(t)
	id := bindEscrow(t, engine, [32]byte{0x01})

	payment, err := engine.PrivatePaymentDetails(id)
	require.NoError(t, err)
	require.Nil(t, payment)

	_, err = engine.PrivatePaymentDetails(999)
	require.ErrorIs(t, err, ErrNotFound)
}
