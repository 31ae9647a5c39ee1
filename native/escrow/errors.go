package escrow

import "errors"

// Named failures surfaced by the engine. Every failure is synchronous and
// leaves state untouched; retry policy belongs to the caller. Match with
// errors.Is.
var (
	ErrNotFound            = errors.New("escrow: not found")
	ErrWrongPhase          = errors.New("escrow: wrong phase")
	ErrNotParticipant      = errors.New("escrow: caller is not a participant")
	ErrSelfTrade           = errors.New("escrow: seller cannot take own listing")
	ErrCommitmentMismatch  = errors.New("escrow: revealed value does not match commitment")
	ErrDuplicateBid        = errors.New("escrow: agent already has an active bid")
	ErrBidListFull         = errors.New("escrow: bid list full")
	ErrNoActiveBid         = errors.New("escrow: no active bid for agent")
	ErrAgentBound          = errors.New("escrow: selected agent cannot withdraw")
	ErrFeeMismatch         = errors.New("escrow: payment must equal the agreed delivery fee")
	ErrAlreadyPaid         = errors.New("escrow: private payment already recorded")
	ErrZeroMemoHash        = errors.New("escrow: memo hash must be non-zero")
	ErrZeroTxRef           = errors.New("escrow: tx reference must be non-zero")
	ErrDelivered           = errors.New("escrow: already delivered")
	ErrWindowExpired       = errors.New("escrow: window expired")
	ErrWindowNotYetExpired = errors.New("escrow: window has not yet expired")
	ErrReentrantCall       = errors.New("escrow: reentrant call")
	ErrAmountRequired      = errors.New("escrow: amount must be positive")
	ErrInsufficientBalance = errors.New("escrow: insufficient balance")
)
