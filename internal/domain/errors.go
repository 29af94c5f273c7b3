package domain

import "errors"

var (
	ErrValidation        = errors.New("validation error")
	ErrAccountNotFound   = errors.New("account not found")
	ErrOwnerNotFound     = errors.New("owner not found")
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrSelfFriend is returned when an owner tries to befriend themselves.
	ErrSelfFriend     = errors.New("owner cannot befriend themselves")
	ErrAlreadyFriends = errors.New("owners are already friends")

	// ErrPartialTransfer means the debit leg of a transfer committed but the credit leg did not.
	// The ledger is out of balance until an operator repairs it.
	ErrPartialTransfer = errors.New("partial transfer failure")

	ErrBusy            = errors.New("account busy")
	ErrVersionConflict = errors.New("account version conflict")
	ErrJournalCorrupt  = errors.New("journal corrupt")
)
