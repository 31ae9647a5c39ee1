package escrow

import (
	nativecommon "veiltrade/native/common"
)

// RecordPrivatePayment appends the single audit record attesting that the
// price leg settled on an off-ledger transfer network. Amounts never touch
// the ledger; only the opaque memo commitment and transfer reference do.
// Exactly one record per escrow can ever exist, regardless of caller or memo
// value, and delivery permanently closes the log.
func (e *Engine) RecordPrivatePayment(id uint64, caller [20]byte, memoHash, txRef [32]byte) error {
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	esc, err := e.loadEscrow(id)
	if err != nil {
		return err
	}
	if !esc.isParticipant(caller) {
		return ErrNotParticipant
	}
	if esc.Phase == PhaseDelivered {
		return ErrDelivered
	}
	if esc.Phase != PhaseBound {
		return ErrWrongPhase
	}
	if memoHash == ([32]byte{}) {
		return ErrZeroMemoHash
	}
	if txRef == ([32]byte{}) {
		return ErrZeroTxRef
	}
	if esc.Payment != nil {
		return ErrAlreadyPaid
	}
	esc.Payment = &PrivatePayment{MemoHash: memoHash, TxRef: txRef, Recorder: caller}
	if err := e.storeEscrow(esc); err != nil {
		return err
	}
	e.emit(NewPrivatePaymentRecordedEvent(esc, esc.Payment))
	return nil
}

// HasPrivatePayment reports whether the escrow carries an audit record.
func (e *Engine) HasPrivatePayment(id uint64) (bool, error) {
	esc, err := e.loadEscrow(id)
	if err != nil {
		return false, err
	}
	return esc.Payment != nil, nil
}

// PrivatePaymentDetails returns a copy of the audit record, or nil when none
// was ever recorded.
func (e *Engine) PrivatePaymentDetails(id uint64) (*PrivatePayment, error) {
	esc, err := e.loadEscrow(id)
	if err != nil {
		return nil, err
	}
	if esc.Payment == nil {
		return nil, nil
	}
	payment := *esc.Payment
	return &payment, nil
}
