// Package ledger owns every balance mutation: replenishments, withdrawals and
// commission-bearing transfers between accounts.
//
// Each mutation runs under an exclusive per-account lock spanning read, modify,
// journal append and save. Transfers lock both accounts in ascending ID order.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"bank-ledger/internal/domain"
	"bank-ledger/internal/journal"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// AccountStore persists accounts and their logs. Save must reject a stale Version
// with domain.ErrVersionConflict and advance acc.Version on success.
type AccountStore interface {
	Get(ctx context.Context, id uuid.UUID) (domain.Account, error)
	GetByOwner(ctx context.Context, ownerID uuid.UUID) ([]domain.Account, error)
	Create(ctx context.Context, ownerID uuid.UUID, initial decimal.Decimal) (domain.Account, error)
	Save(ctx context.Context, acc *domain.Account) error
	ListAll(ctx context.Context) ([]domain.Account, error)
}

// BatchSaver is implemented by stores that can save several accounts all-or-nothing.
type BatchSaver interface {
	SaveAll(ctx context.Context, accs ...*domain.Account) error
}

type OwnerResolver interface {
	OwnerExists(ctx context.Context, ownerID uuid.UUID) (bool, error)
}

type FriendResolver interface {
	AreFriends(ctx context.Context, a, b uuid.UUID) (bool, error)
}

const (
	DefaultLockTimeout   = 2 * time.Second
	DefaultCreditRetries = 3
)

type Config struct {
	// LockTimeout bounds the wait for account locks; expiry yields domain.ErrBusy.
	LockTimeout time.Duration

	// CreditRetries is how many extra attempts the credit leg of a transfer gets
	// after the debit leg committed. Only used with stores that are not BatchSavers.
	CreditRetries int

	Logger *slog.Logger
}

type Engine struct {
	accounts AccountStore
	owners   OwnerResolver
	friends  FriendResolver
	locks    *lockTable
	cfg      Config
	log      *slog.Logger
	now      func() time.Time
}

func New(accounts AccountStore, owners OwnerResolver, friends FriendResolver, cfg Config) *Engine {
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = DefaultLockTimeout
	}
	if cfg.CreditRetries < 0 {
		cfg.CreditRetries = 0
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		accounts: accounts,
		owners:   owners,
		friends:  friends,
		locks:    newLockTable(),
		cfg:      cfg,
		log:      logger.With("component", "ledger"),
		now:      time.Now,
	}
}

type TransferResult struct {
	From     uuid.UUID
	To       uuid.UUID
	Tier     Tier
	Debited  decimal.Decimal
	Credited decimal.Decimal
}

func (r TransferResult) Commission() decimal.Decimal { return r.Debited.Sub(r.Credited) }

// PartialTransferError reports a transfer whose debit leg committed while the credit leg did not.
type PartialTransferError struct {
	From     uuid.UUID
	To       uuid.UUID
	Debited  decimal.Decimal
	Credited decimal.Decimal
	Err      error
}

func (e *PartialTransferError) Error() string {
	return fmt.Sprintf("%s: %s debited %s, %s not credited %s: %v",
		domain.ErrPartialTransfer, e.From, e.Debited, e.To, e.Credited, e.Err)
}

func (e *PartialTransferError) Unwrap() []error { return []error{domain.ErrPartialTransfer, e.Err} }

// TransactionFilter narrows Transactions; nil fields match everything.
type TransactionFilter struct {
	Type      *domain.TransactionType
	AccountID *uuid.UUID
}

type AuditReport struct {
	AccountID uuid.UUID
	Records   int
	Balance   decimal.Decimal
	HeadHash  string
}

// Money values may carry at most maxIntegerDigits digits before the point and
// maxFractionDigits after it. Larger exponents would rescale balances to huge big.Ints.
const (
	maxIntegerDigits  = 30
	maxFractionDigits = 18
)

func validateMoney(field string, d decimal.Decimal) error {
	if d.IsZero() {
		return nil
	}
	if -d.Exponent() > maxFractionDigits {
		return fmt.Errorf("%w: %s has more than %d fractional digits", domain.ErrValidation, field, maxFractionDigits)
	}
	if int64(d.NumDigits())+int64(d.Exponent()) > maxIntegerDigits {
		return fmt.Errorf("%w: %s has more than %d integer digits", domain.ErrValidation, field, maxIntegerDigits)
	}
	return nil
}

func validateAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: amount must be > 0, got %s", domain.ErrValidation, amount)
	}
	return validateMoney("amount", amount)
}

func (e *Engine) account(ctx context.Context, id uuid.UUID) (domain.Account, error) {
	if id == uuid.Nil {
		return domain.Account{}, fmt.Errorf("%w: account id is required", domain.ErrValidation)
	}
	acc, err := e.accounts.Get(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrAccountNotFound) {
			return domain.Account{}, fmt.Errorf("%w: %s", domain.ErrAccountNotFound, id)
		}
		return domain.Account{}, err
	}
	return acc, nil
}

// ownedAccount treats an account of another owner exactly like a missing one.
func (e *Engine) ownedAccount(ctx context.Context, id, ownerID uuid.UUID) (domain.Account, error) {
	acc, err := e.account(ctx, id)
	if err != nil {
		return domain.Account{}, err
	}
	if acc.OwnerID != ownerID {
		return domain.Account{}, fmt.Errorf("%w: %s", domain.ErrAccountNotFound, id)
	}
	return acc, nil
}

func (e *Engine) requireOwner(ctx context.Context, ownerID uuid.UUID) error {
	if ownerID == uuid.Nil {
		return fmt.Errorf("%w: owner id is required", domain.ErrValidation)
	}
	ok, err := e.owners.OwnerExists(ctx, ownerID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrOwnerNotFound, ownerID)
	}
	return nil
}

func (e *Engine) CreateAccount(ctx context.Context, ownerID uuid.UUID, initial decimal.Decimal) (uuid.UUID, error) {
	if err := validateMoney("initial balance", initial); err != nil {
		return uuid.Nil, err
	}
	if err := e.requireOwner(ctx, ownerID); err != nil {
		return uuid.Nil, err
	}

	acc, err := e.accounts.Create(ctx, ownerID, initial)
	if err != nil {
		return uuid.Nil, err
	}
	e.log.Info("account created", "account_id", acc.ID, "owner_id", ownerID, "balance", initial.String())
	return acc.ID, nil
}

func (e *Engine) GetBalance(ctx context.Context, accountID, ownerID uuid.UUID) (decimal.Decimal, error) {
	acc, err := e.ownedAccount(ctx, accountID, ownerID)
	if err != nil {
		return decimal.Zero, err
	}
	return acc.Balance, nil
}

// mutate runs fn on a fresh copy of the owner's account under its lock and saves the result.
// The existence check before locking keeps unknown IDs out of the lock table.
func (e *Engine) mutate(ctx context.Context, accountID, ownerID uuid.UUID, fn func(acc *domain.Account) error) (domain.Account, error) {
	if _, err := e.ownedAccount(ctx, accountID, ownerID); err != nil {
		return domain.Account{}, err
	}

	release, err := e.locks.acquire(ctx, e.cfg.LockTimeout, accountID)
	if err != nil {
		e.log.Warn("account lock not acquired", "account_id", accountID, "error", err)
		return domain.Account{}, err
	}
	defer release()

	acc, err := e.ownedAccount(ctx, accountID, ownerID)
	if err != nil {
		return domain.Account{}, err
	}
	if err := fn(&acc); err != nil {
		return domain.Account{}, err
	}
	if err := e.accounts.Save(ctx, &acc); err != nil {
		return domain.Account{}, fmt.Errorf("save account %s: %w", accountID, err)
	}
	return acc, nil
}

// Withdraw fails with domain.ErrInsufficientFunds, persisting nothing, when amount exceeds the balance.
func (e *Engine) Withdraw(ctx context.Context, accountID, ownerID uuid.UUID, amount decimal.Decimal) (decimal.Decimal, error) {
	if err := validateAmount(amount); err != nil {
		return decimal.Zero, err
	}

	acc, err := e.mutate(ctx, accountID, ownerID, func(acc *domain.Account) error {
		next := acc.Balance.Sub(amount)
		if next.IsNegative() {
			return fmt.Errorf("%w: balance %s, withdrawal %s", domain.ErrInsufficientFunds, acc.Balance, amount)
		}
		acc.Balance = next
		_, err := journal.Append(acc, domain.Withdrawal, amount, e.now())
		return err
	})
	if err != nil {
		if errors.Is(err, domain.ErrInsufficientFunds) {
			e.log.Debug("withdrawal rejected", "account_id", accountID, "amount", amount.String())
		}
		return decimal.Zero, err
	}
	return acc.Balance, nil
}

func (e *Engine) Replenish(ctx context.Context, accountID, ownerID uuid.UUID, amount decimal.Decimal) (decimal.Decimal, error) {
	if err := validateAmount(amount); err != nil {
		return decimal.Zero, err
	}

	acc, err := e.mutate(ctx, accountID, ownerID, func(acc *domain.Account) error {
		acc.Balance = acc.Balance.Add(amount)
		_, err := journal.Append(acc, domain.Replenishment, amount, e.now())
		return err
	})
	if err != nil {
		return decimal.Zero, err
	}
	return acc.Balance, nil
}

// Transfer debits amount from the requester's account and credits amount times the
// commission-free fraction of the tier to the recipient. Nothing is written when the
// sender cannot cover the amount.
func (e *Engine) Transfer(ctx context.Context, fromID, toID, ownerID uuid.UUID, amount decimal.Decimal) (TransferResult, error) {
	if err := validateAmount(amount); err != nil {
		return TransferResult{}, err
	}
	if _, err := e.ownedAccount(ctx, fromID, ownerID); err != nil {
		return TransferResult{}, err
	}
	if _, err := e.account(ctx, toID); err != nil {
		return TransferResult{}, err
	}

	release, err := e.locks.acquire(ctx, e.cfg.LockTimeout, fromID, toID)
	if err != nil {
		e.log.Warn("transfer locks not acquired", "from_account_id", fromID, "to_account_id", toID, "error", err)
		return TransferResult{}, err
	}
	defer release()

	from, err := e.ownedAccount(ctx, fromID, ownerID)
	if err != nil {
		return TransferResult{}, err
	}
	balanceFrom := from.Balance.Sub(amount)
	if balanceFrom.IsNegative() {
		e.log.Debug("transfer rejected", "from_account_id", fromID, "amount", amount.String())
		return TransferResult{}, fmt.Errorf("%w: balance %s, transfer %s", domain.ErrInsufficientFunds, from.Balance, amount)
	}

	// Moving money within one account changes nothing.
	if fromID == toID {
		return TransferResult{From: fromID, To: toID, Tier: TierSelf, Debited: amount, Credited: amount}, nil
	}

	to, err := e.account(ctx, toID)
	if err != nil {
		return TransferResult{}, err
	}
	tier, err := e.tier(ctx, ownerID, from, to)
	if err != nil {
		return TransferResult{}, fmt.Errorf("resolve relationship: %w", err)
	}
	res := TransferResult{
		From:     fromID,
		To:       toID,
		Tier:     tier,
		Debited:  amount,
		Credited: amount.Mul(tier.CommissionFree()),
	}

	now := e.now()
	from.Balance = balanceFrom
	if _, err := journal.Append(&from, domain.TransferFrom, res.Debited, now); err != nil {
		return TransferResult{}, err
	}
	to.Balance = to.Balance.Add(res.Credited)
	if _, err := journal.Append(&to, domain.TransferTo, res.Credited, now); err != nil {
		return TransferResult{}, err
	}

	if err := e.commitTransfer(ctx, &from, &to, res); err != nil {
		return TransferResult{}, err
	}
	e.log.Info("transfer posted",
		"from_account_id", fromID,
		"to_account_id", toID,
		"tier", tier.String(),
		"debited", res.Debited.String(),
		"credited", res.Credited.String(),
	)
	return res, nil
}

// commitTransfer saves both legs atomically when the store allows it. Otherwise the debit
// leg commits first and the credit leg is retried; a credit leg that never lands is a
// ledger imbalance and is reported as a PartialTransferError.
func (e *Engine) commitTransfer(ctx context.Context, from, to *domain.Account, res TransferResult) error {
	if batch, ok := e.accounts.(BatchSaver); ok {
		if err := batch.SaveAll(ctx, from, to); err != nil {
			return fmt.Errorf("save transfer %s -> %s: %w", from.ID, to.ID, err)
		}
		return nil
	}

	if err := e.accounts.Save(ctx, from); err != nil {
		return fmt.Errorf("save debit leg %s: %w", from.ID, err)
	}

	var err error
	for attempt := 1; attempt <= e.cfg.CreditRetries+1; attempt++ {
		if err = e.accounts.Save(ctx, to); err == nil {
			return nil
		}
		if errors.Is(err, domain.ErrVersionConflict) || attempt > e.cfg.CreditRetries {
			break
		}
		e.log.Warn("transfer credit leg failed, retrying", "to_account_id", to.ID, "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
		case <-time.After(time.Duration(attempt) * 10 * time.Millisecond):
		}
		if ctx.Err() != nil {
			break
		}
	}

	e.log.Error("ledger imbalance: transfer credit leg not persisted",
		"from_account_id", from.ID,
		"to_account_id", to.ID,
		"debited", res.Debited.String(),
		"credited", res.Credited.String(),
		"error", err,
	)
	return &PartialTransferError{From: from.ID, To: to.ID, Debited: res.Debited, Credited: res.Credited, Err: err}
}

// Transactions returns matching records in log order. Without an account filter the
// logs of all accounts are concatenated in account creation order.
func (e *Engine) Transactions(ctx context.Context, f TransactionFilter) ([]domain.TransactionRecord, error) {
	if f.Type != nil && !f.Type.Valid() {
		return nil, fmt.Errorf("%w: unknown transaction type %q", domain.ErrValidation, *f.Type)
	}

	var accs []domain.Account
	if f.AccountID != nil {
		acc, err := e.account(ctx, *f.AccountID)
		if err != nil {
			return nil, err
		}
		accs = []domain.Account{acc}
	} else {
		var err error
		if accs, err = e.accounts.ListAll(ctx); err != nil {
			return nil, err
		}
	}

	out := []domain.TransactionRecord{}
	for _, acc := range accs {
		out = slices.AppendSeq(out, journal.Filter(acc.Log, f.Type))
	}
	return out, nil
}

func (e *Engine) AccountsByOwner(ctx context.Context, ownerID uuid.UUID) ([]domain.Account, error) {
	if err := e.requireOwner(ctx, ownerID); err != nil {
		return nil, err
	}
	return e.accounts.GetByOwner(ctx, ownerID)
}

func (e *Engine) Accounts(ctx context.Context) ([]domain.Account, error) {
	return e.accounts.ListAll(ctx)
}

// Audit verifies the account's hash chain and that replaying its log reproduces the balance.
func (e *Engine) Audit(ctx context.Context, accountID uuid.UUID) (AuditReport, error) {
	acc, err := e.account(ctx, accountID)
	if err != nil {
		return AuditReport{}, err
	}
	if err := journal.Verify(acc.Log); err != nil {
		return AuditReport{}, fmt.Errorf("account %s: %w", accountID, err)
	}
	if replayed := journal.Replay(acc.OpeningBalance, acc.Log); !replayed.Equal(acc.Balance) {
		return AuditReport{}, fmt.Errorf("%w: account %s replays to %s, stored balance %s",
			domain.ErrJournalCorrupt, accountID, replayed, acc.Balance)
	}
	return AuditReport{
		AccountID: accountID,
		Records:   len(acc.Log),
		Balance:   acc.Balance,
		HeadHash:  journal.Head(acc.Log),
	}, nil
}
