package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"bank-ledger/internal/domain"
	"bank-ledger/internal/journal"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// Store is the Postgres account store. It also answers owner and friendship queries.
type Store struct {
	db *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store { return &Store{db: db} }

const (
	pgForeignKeyViolation  = "23503"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
)

type rowScanner interface {
	Scan(dest ...any) error
}

const accountColumns = `account_id, owner_id, opening_balance::text, balance::text, version, created_at`

func scanAccount(row rowScanner) (domain.Account, error) {
	var (
		acc              domain.Account
		opening, balance string
	)
	if err := row.Scan(&acc.ID, &acc.OwnerID, &opening, &balance, &acc.Version, &acc.CreatedAt); err != nil {
		return domain.Account{}, err
	}
	var err error
	if acc.OpeningBalance, err = decimal.NewFromString(opening); err != nil {
		return domain.Account{}, fmt.Errorf("account %s opening balance: %w", acc.ID, err)
	}
	if acc.Balance, err = decimal.NewFromString(balance); err != nil {
		return domain.Account{}, fmt.Errorf("account %s balance: %w", acc.ID, err)
	}
	return acc, nil
}

// readTx runs fn in a read-only repeatable-read transaction so an account row
// and its log come from the same snapshot.
func (s *Store) readTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.RepeatableRead,
		AccessMode: pgx.ReadOnly,
	})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func loadLog(ctx context.Context, tx pgx.Tx, acc *domain.Account) error {
	rows, err := tx.Query(ctx,
		`SELECT txn_id, seq, txn_type, amount::text, created_at, prev_hash, hash
		   FROM account_txn
		  WHERE account_id=$1
		  ORDER BY seq`,
		acc.ID,
	)
	if err != nil {
		return err
	}
	defer rows.Close()

	acc.Log = nil
	for rows.Next() {
		var (
			rec    domain.TransactionRecord
			typ    string
			amount string
		)
		if err := rows.Scan(&rec.ID, &rec.Seq, &typ, &amount, &rec.CreatedAt, &rec.PrevHash, &rec.Hash); err != nil {
			return err
		}
		rec.AccountID = acc.ID
		rec.Type = domain.TransactionType(typ)
		rec.CreatedAt = rec.CreatedAt.UTC()
		if rec.Amount, err = decimal.NewFromString(amount); err != nil {
			return fmt.Errorf("account %s seq %d amount: %w", acc.ID, rec.Seq, err)
		}
		acc.Log = append(acc.Log, rec)
	}
	return rows.Err()
}

func loadAccounts(ctx context.Context, tx pgx.Tx, query string, args ...any) ([]domain.Account, error) {
	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var out []domain.Account
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, acc)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Logs are loaded after the account cursor is closed; a tx runs one query at a time.
	for i := range out {
		if err := loadLog(ctx, tx, &out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *Store) Create(ctx context.Context, ownerID uuid.UUID, initial decimal.Decimal) (domain.Account, error) {
	if ownerID == uuid.Nil {
		return domain.Account{}, domain.ErrValidation
	}
	acc := domain.Account{
		ID:             uuid.New(),
		OwnerID:        ownerID,
		OpeningBalance: initial,
		Balance:        initial,
		Version:        1,
		CreatedAt:      time.Now().UTC().Truncate(time.Microsecond),
	}

	_, err := s.db.Exec(ctx,
		`INSERT INTO accounts(account_id, owner_id, opening_balance, balance, version, created_at)
		 VALUES($1,$2,$3::numeric,$3::numeric,$4,$5)`,
		acc.ID, acc.OwnerID, initial.String(), acc.Version, acc.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation {
			return domain.Account{}, domain.ErrOwnerNotFound
		}
		return domain.Account{}, err
	}
	return acc, nil
}

func (s *Store) Get(ctx context.Context, id uuid.UUID) (domain.Account, error) {
	var acc domain.Account
	err := s.readTx(ctx, func(tx pgx.Tx) error {
		var err error
		acc, err = scanAccount(tx.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE account_id=$1`, id))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return domain.ErrAccountNotFound
			}
			return err
		}
		return loadLog(ctx, tx, &acc)
	})
	return acc, err
}

func (s *Store) GetByOwner(ctx context.Context, ownerID uuid.UUID) ([]domain.Account, error) {
	var out []domain.Account
	err := s.readTx(ctx, func(tx pgx.Tx) error {
		var err error
		out, err = loadAccounts(ctx, tx,
			`SELECT `+accountColumns+` FROM accounts WHERE owner_id=$1 ORDER BY created_at, account_id`,
			ownerID,
		)
		return err
	})
	return out, err
}

func (s *Store) ListAll(ctx context.Context) ([]domain.Account, error) {
	var out []domain.Account
	err := s.readTx(ctx, func(tx pgx.Tx) error {
		var err error
		out, err = loadAccounts(ctx, tx, `SELECT `+accountColumns+` FROM accounts ORDER BY created_at, account_id`)
		return err
	})
	return out, err
}

func (s *Store) Save(ctx context.Context, acc *domain.Account) error {
	return s.SaveAll(ctx, acc)
}

// SaveAll writes every account in one transaction. Each row update is guarded by the
// caller's version; new log records are inserted with their canonical payload.
func (s *Store) SaveAll(ctx context.Context, accs ...*domain.Account) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	ordered := inLockOrder(accs)
	versions := make([]int64, len(ordered))
	for i, acc := range ordered {
		if versions[i], err = saveAccount(ctx, tx, acc); err != nil {
			return retryable(err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return retryable(err)
	}
	for i, acc := range ordered {
		acc.Version = versions[i]
	}
	return nil
}

// inLockOrder returns accs sorted by account id bytes, the same order the engine
// takes its in-process locks in, so concurrent batches lock rows without cycles.
func inLockOrder(accs []*domain.Account) []*domain.Account {
	ordered := slices.Clone(accs)
	slices.SortStableFunc(ordered, func(a, b *domain.Account) int {
		return bytes.Compare(a.ID[:], b.ID[:])
	})
	return ordered
}

// retryable reports lost row-lock races as version conflicts.
func retryable(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && (pgErr.Code == pgDeadlockDetected || pgErr.Code == pgSerializationFailure) {
		return fmt.Errorf("%w: %s", domain.ErrVersionConflict, pgErr.Message)
	}
	return err
}

func saveAccount(ctx context.Context, tx pgx.Tx, acc *domain.Account) (int64, error) {
	var version int64
	err := tx.QueryRow(ctx,
		`UPDATE accounts SET balance=$2::numeric, version=version+1
		  WHERE account_id=$1 AND version=$3
		 RETURNING version`,
		acc.ID, acc.Balance.String(), acc.Version,
	).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM accounts WHERE account_id=$1)`, acc.ID).Scan(&exists); err != nil {
			return 0, err
		}
		if !exists {
			return 0, domain.ErrAccountNotFound
		}
		return 0, fmt.Errorf("%w: account %s changed since version %d", domain.ErrVersionConflict, acc.ID, acc.Version)
	}
	if err != nil {
		return 0, err
	}

	// The row update above holds the account lock, so the stored head cannot move under us.
	var (
		lastSeq  int64
		lastHash string
	)
	err = tx.QueryRow(ctx,
		`SELECT seq, hash FROM account_txn WHERE account_id=$1 ORDER BY seq DESC LIMIT 1`,
		acc.ID,
	).Scan(&lastSeq, &lastHash)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return 0, err
	}
	if int64(len(acc.Log)) < lastSeq || (lastSeq > 0 && acc.Log[lastSeq-1].Hash != lastHash) {
		return 0, fmt.Errorf("%w: log of account %s diverges from stored head %d", domain.ErrVersionConflict, acc.ID, lastSeq)
	}

	for _, rec := range acc.Log[lastSeq:] {
		canon, err := journal.Canonical(rec)
		if err != nil {
			return 0, err
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO account_txn(
				txn_id, account_id, seq, txn_type, amount, created_at, prev_hash, hash, payload_canonical
			) VALUES($1,$2,$3,$4,$5::numeric,$6,$7,$8,$9)`,
			rec.ID, acc.ID, rec.Seq, string(rec.Type), rec.Amount.String(), rec.CreatedAt, rec.PrevHash, rec.Hash, canon,
		)
		if err != nil {
			return 0, fmt.Errorf("append seq %d to account %s: %w", rec.Seq, acc.ID, err)
		}
	}
	return version, nil
}

// =========================
// Owners and friendships
// =========================

func (s *Store) CreateOwner(ctx context.Context, name string) (uuid.UUID, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return uuid.Nil, fmt.Errorf("%w: owner name is required", domain.ErrValidation)
	}
	id := uuid.New()
	if _, err := s.db.Exec(ctx, `INSERT INTO owners(owner_id, name) VALUES($1,$2)`, id, name); err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

func (s *Store) OwnerExists(ctx context.Context, ownerID uuid.UUID) (bool, error) {
	var ok bool
	err := s.db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM owners WHERE owner_id=$1)`, ownerID).Scan(&ok)
	return ok, err
}

// AddFriend records a mutual friendship between a and b.
func (s *Store) AddFriend(ctx context.Context, a, b uuid.UUID) error {
	if a == b {
		return domain.ErrSelfFriend
	}

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`INSERT INTO friendships(owner_id, friend_id) VALUES($1,$2),($2,$1)
		 ON CONFLICT (owner_id, friend_id) DO NOTHING`,
		a, b,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation {
			return domain.ErrOwnerNotFound
		}
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrAlreadyFriends
	}
	return tx.Commit(ctx)
}

func (s *Store) AreFriends(ctx context.Context, a, b uuid.UUID) (bool, error) {
	var ok bool
	err := s.db.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM friendships WHERE owner_id=$1 AND friend_id=$2)`,
		a, b,
	).Scan(&ok)
	return ok, err
}
