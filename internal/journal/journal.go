// Package journal builds and checks the append-only transaction log of an account.
//
// Every record is hashed over its RFC 8785 (JCS) canonical payload and the hash of the
// record before it, so a log can be replayed and verified independently of the store
// that produced it.
package journal

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"iter"
	"strings"
	"time"

	"bank-ledger/internal/domain"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"
	"github.com/shopspring/decimal"
)

// GenesisHash is the PrevHash of the first record of every account.
var GenesisHash = strings.Repeat("0", 64)

// recordPayload is the hashed shape of a record. No floats: amounts and times are strings.
type recordPayload struct {
	ID        string `json:"id"`
	AccountID string `json:"account_id"`
	Seq       int64  `json:"seq"`
	Type      string `json:"type"`
	Amount    string `json:"amount"`
	CreatedAt string `json:"created_at"`
}

// Canonical returns the JCS form of the record's payload.
func Canonical(rec domain.TransactionRecord) (string, error) {
	raw, err := json.Marshal(recordPayload{
		ID:        rec.ID.String(),
		AccountID: rec.AccountID.String(),
		Seq:       rec.Seq,
		Type:      string(rec.Type),
		Amount:    rec.Amount.String(),
		CreatedAt: rec.CreatedAt.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return "", err
	}
	canon, err := jcs.Transform(raw)
	if err != nil {
		return "", err
	}
	return string(canon), nil
}

func ChainHash(prevHash, canonical string) string {
	sum := sha256.Sum256([]byte(prevHash + canonical))
	return hex.EncodeToString(sum[:])
}

// Append adds a new record to acc's log and returns it.
// CreatedAt is truncated to microseconds so the hash survives a Postgres round trip.
func Append(acc *domain.Account, typ domain.TransactionType, amount decimal.Decimal, at time.Time) (domain.TransactionRecord, error) {
	if !typ.Valid() {
		return domain.TransactionRecord{}, fmt.Errorf("%w: unknown transaction type %q", domain.ErrValidation, typ)
	}
	if amount.IsNegative() {
		return domain.TransactionRecord{}, fmt.Errorf("%w: negative record amount", domain.ErrValidation)
	}

	prev := GenesisHash
	if n := len(acc.Log); n > 0 {
		prev = acc.Log[n-1].Hash
	}
	rec := domain.TransactionRecord{
		ID:        uuid.New(),
		AccountID: acc.ID,
		Seq:       acc.LastSeq() + 1,
		Type:      typ,
		Amount:    amount,
		CreatedAt: at.UTC().Truncate(time.Microsecond),
		PrevHash:  prev,
	}
	canon, err := Canonical(rec)
	if err != nil {
		return domain.TransactionRecord{}, err
	}
	rec.Hash = ChainHash(prev, canon)

	acc.Log = append(acc.Log, rec)
	return rec, nil
}

// Filter yields the records of log matching typ (all records when typ is nil), oldest first.
func Filter(log []domain.TransactionRecord, typ *domain.TransactionType) iter.Seq[domain.TransactionRecord] {
	return func(yield func(domain.TransactionRecord) bool) {
		for _, rec := range log {
			if typ != nil && rec.Type != *typ {
				continue
			}
			if !yield(rec) {
				return
			}
		}
	}
}

// Replay applies the signed effect of every record to opening.
func Replay(opening decimal.Decimal, log []domain.TransactionRecord) decimal.Decimal {
	bal := opening
	for _, rec := range log {
		if rec.Type.Credit() {
			bal = bal.Add(rec.Amount)
		} else {
			bal = bal.Sub(rec.Amount)
		}
	}
	return bal
}

// Verify checks sequence contiguity, hash linkage and every record hash.
func Verify(log []domain.TransactionRecord) error {
	prev := GenesisHash
	for i, rec := range log {
		if want := int64(i + 1); rec.Seq != want {
			return fmt.Errorf("%w: seq %d at position %d, want %d", domain.ErrJournalCorrupt, rec.Seq, i, want)
		}
		if rec.PrevHash != prev {
			return fmt.Errorf("%w: prev_hash mismatch at seq %d", domain.ErrJournalCorrupt, rec.Seq)
		}
		canon, err := Canonical(rec)
		if err != nil {
			return err
		}
		if got := ChainHash(prev, canon); got != rec.Hash {
			return fmt.Errorf("%w: hash mismatch at seq %d", domain.ErrJournalCorrupt, rec.Seq)
		}
		prev = rec.Hash
	}
	return nil
}

// Head returns the hash of the newest record, or GenesisHash for an empty log.
func Head(log []domain.TransactionRecord) string {
	if len(log) == 0 {
		return GenesisHash
	}
	return log[len(log)-1].Hash
}
