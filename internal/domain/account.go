package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type TransactionType string

const (
	Withdrawal    TransactionType = "WITHDRAWAL"
	Replenishment TransactionType = "REPLENISHMENT"
	TransferFrom  TransactionType = "TRANSFER_FROM"
	TransferTo    TransactionType = "TRANSFER_TO"
)

var transactionTypes = []TransactionType{Withdrawal, Replenishment, TransferFrom, TransferTo}

// ParseTransactionType matches s against the known types, ignoring case and surrounding space.
func ParseTransactionType(s string) (TransactionType, error) {
	s = strings.TrimSpace(s)
	for _, t := range transactionTypes {
		if strings.EqualFold(s, string(t)) {
			return t, nil
		}
	}
	return "", fmt.Errorf("%w: unknown transaction type %q", ErrValidation, s)
}

// Credit reports whether records of this type increase the balance.
func (t TransactionType) Credit() bool {
	return t == Replenishment || t == TransferTo
}

func (t TransactionType) Valid() bool {
	for _, v := range transactionTypes {
		if t == v {
			return true
		}
	}
	return false
}

// TransactionRecord is one immutable entry of an account log.
// Seq starts at 1 and is contiguous per account; Hash chains to PrevHash.
type TransactionRecord struct {
	ID        uuid.UUID       `json:"id"`
	AccountID uuid.UUID       `json:"account_id"`
	Seq       int64           `json:"seq"`
	Type      TransactionType `json:"type"`
	Amount    decimal.Decimal `json:"amount"`
	CreatedAt time.Time       `json:"created_at"`
	PrevHash  string          `json:"prev_hash"`
	Hash      string          `json:"hash"`
}

type Account struct {
	ID             uuid.UUID           `json:"id"`
	OwnerID        uuid.UUID           `json:"owner_id"`
	OpeningBalance decimal.Decimal     `json:"opening_balance"`
	Balance        decimal.Decimal     `json:"balance"`
	Version        int64               `json:"version"`
	CreatedAt      time.Time           `json:"created_at"`
	Log            []TransactionRecord `json:"-"`
}

// Clone returns a copy that shares no log backing array with a.
func (a Account) Clone() Account {
	cp := a
	if a.Log != nil {
		cp.Log = make([]TransactionRecord, len(a.Log))
		copy(cp.Log, a.Log)
	}
	return cp
}

// LastSeq is the Seq of the newest record, or 0 for an empty log.
func (a Account) LastSeq() int64 {
	if len(a.Log) == 0 {
		return 0
	}
	return a.Log[len(a.Log)-1].Seq
}
