package ledger

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"bank-ledger/internal/domain"
	"bank-ledger/internal/journal"
	"bank-ledger/internal/social"
	"bank-ledger/internal/store"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fixture struct {
	eng *Engine
	mem *store.Memory
	dir *social.Directory
}

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem := store.NewMemory()
	dir := social.NewDirectory()
	return &fixture{
		eng: New(mem, dir, dir, Config{Logger: quietLogger()}),
		mem: mem,
		dir: dir,
	}
}

func (f *fixture) owner(t *testing.T, name string) uuid.UUID {
	t.Helper()
	id, err := f.dir.CreateOwner(context.Background(), name)
	if err != nil {
		t.Fatalf("CreateOwner(%s): %v", name, err)
	}
	return id
}

func (f *fixture) open(t *testing.T, owner uuid.UUID, balance string) uuid.UUID {
	t.Helper()
	id, err := f.eng.CreateAccount(context.Background(), owner, dec(balance))
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	return id
}

func (f *fixture) account(t *testing.T, id uuid.UUID) domain.Account {
	t.Helper()
	acc, err := f.mem.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get(%s): %v", id, err)
	}
	return acc
}

func assertBalance(t *testing.T, f *fixture, id uuid.UUID, want string) {
	t.Helper()
	if got := f.account(t, id).Balance; !got.Equal(dec(want)) {
		t.Fatalf("account %s balance: got %s want %s", id, got, want)
	}
}

func TestCreateAccountUnknownOwner(t *testing.T) {
	f := newFixture(t)
	_, err := f.eng.CreateAccount(context.Background(), uuid.New(), dec("10"))
	if !errors.Is(err, domain.ErrOwnerNotFound) {
		t.Fatalf("want ErrOwnerNotFound, got %v", err)
	}
}

func TestCreateAccountStartsWithEmptyLog(t *testing.T) {
	f := newFixture(t)
	alice := f.owner(t, "alice")
	id := f.open(t, alice, "250.50")

	acc := f.account(t, id)
	if acc.OwnerID != alice || !acc.Balance.Equal(dec("250.50")) || len(acc.Log) != 0 {
		t.Fatalf("unexpected account: %+v", acc)
	}
	bal, err := f.eng.GetBalance(context.Background(), id, alice)
	if err != nil || !bal.Equal(dec("250.50")) {
		t.Fatalf("GetBalance = %s, %v", bal, err)
	}
}

func TestWithdrawAndReplenish(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	alice := f.owner(t, "alice")
	id := f.open(t, alice, "100")

	bal, err := f.eng.Replenish(ctx, id, alice, dec("50"))
	if err != nil || !bal.Equal(dec("150")) {
		t.Fatalf("Replenish = %s, %v; want 150", bal, err)
	}
	bal, err = f.eng.Withdraw(ctx, id, alice, dec("30.25"))
	if err != nil || !bal.Equal(dec("119.75")) {
		t.Fatalf("Withdraw = %s, %v; want 119.75", bal, err)
	}
	// Draining to exactly zero is allowed.
	bal, err = f.eng.Withdraw(ctx, id, alice, dec("119.75"))
	if err != nil || !bal.IsZero() {
		t.Fatalf("Withdraw to zero = %s, %v", bal, err)
	}

	log := f.account(t, id).Log
	if len(log) != 3 {
		t.Fatalf("log len: got %d want 3", len(log))
	}
	if log[0].Type != domain.Replenishment || log[1].Type != domain.Withdrawal || !log[1].Amount.Equal(dec("30.25")) {
		t.Fatalf("unexpected log: %+v", log)
	}
}

func TestWithdrawInsufficientFundsLeavesBalance(t *testing.T) {
	f := newFixture(t)
	alice := f.owner(t, "alice")
	id := f.open(t, alice, "100")
	before := f.account(t, id)

	_, err := f.eng.Withdraw(context.Background(), id, alice, dec("150"))
	if !errors.Is(err, domain.ErrInsufficientFunds) {
		t.Fatalf("want ErrInsufficientFunds, got %v", err)
	}

	after := f.account(t, id)
	if !after.Balance.Equal(dec("100")) {
		t.Fatalf("balance changed: %s", after.Balance)
	}
	if len(after.Log) != 0 || after.Version != before.Version {
		t.Fatalf("rejected withdrawal was persisted: version %d -> %d, log %d", before.Version, after.Version, len(after.Log))
	}
}

func TestAmountValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	alice := f.owner(t, "alice")
	a := f.open(t, alice, "100")
	b := f.open(t, alice, "100")

	huge := "1" + strings.Repeat("0", 30)
	for _, amt := range []string{"0", "-5", "1e50000000", huge, "1e-19", "0.0000000000000000001"} {
		if _, err := f.eng.Withdraw(ctx, a, alice, dec(amt)); !errors.Is(err, domain.ErrValidation) {
			t.Fatalf("Withdraw(%s): want ErrValidation, got %v", amt, err)
		}
		if _, err := f.eng.Replenish(ctx, a, alice, dec(amt)); !errors.Is(err, domain.ErrValidation) {
			t.Fatalf("Replenish(%s): want ErrValidation, got %v", amt, err)
		}
		if _, err := f.eng.Transfer(ctx, a, b, alice, dec(amt)); !errors.Is(err, domain.ErrValidation) {
			t.Fatalf("Transfer(%s): want ErrValidation, got %v", amt, err)
		}
	}
}

func TestAmountBoundsAccepted(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	alice := f.owner(t, "alice")
	a := f.open(t, alice, "0")

	for _, amt := range []string{"1e29", "0.000000000000000001", "123456789012345678901234567890.5"} {
		if _, err := f.eng.Replenish(ctx, a, alice, dec(amt)); err != nil {
			t.Fatalf("Replenish(%s): %v", amt, err)
		}
	}
}

func TestCreateAccountRejectsOversizedBalance(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	alice := f.owner(t, "alice")

	for _, bal := range []string{"1e50000000", "-1e50000000", "1e-30"} {
		if _, err := f.eng.CreateAccount(ctx, alice, dec(bal)); !errors.Is(err, domain.ErrValidation) {
			t.Fatalf("CreateAccount(%s): want ErrValidation, got %v", bal, err)
		}
	}
	// The sign of an opening balance is not checked.
	if _, err := f.eng.CreateAccount(ctx, alice, dec("-10")); err != nil {
		t.Fatalf("CreateAccount(-10): %v", err)
	}
	accs, _ := f.eng.AccountsByOwner(ctx, alice)
	if len(accs) != 1 {
		t.Fatalf("rejected accounts were created: %d", len(accs))
	}
}

func TestOwnershipScopedLookups(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	alice := f.owner(t, "alice")
	mallory := f.owner(t, "mallory")
	acc := f.open(t, alice, "100")
	other := f.open(t, mallory, "100")

	checks := map[string]error{}
	_, checks["balance"] = f.eng.GetBalance(ctx, acc, mallory)
	_, checks["withdraw"] = f.eng.Withdraw(ctx, acc, mallory, dec("1"))
	_, checks["replenish"] = f.eng.Replenish(ctx, acc, mallory, dec("1"))
	_, checks["transfer"] = f.eng.Transfer(ctx, acc, other, mallory, dec("1"))
	_, checks["missing"] = f.eng.GetBalance(ctx, uuid.New(), alice)

	for name, err := range checks {
		if !errors.Is(err, domain.ErrAccountNotFound) {
			t.Fatalf("%s: want ErrAccountNotFound, got %v", name, err)
		}
	}
	assertBalance(t, f, acc, "100")
}

func TestTransferCommissionTiers(t *testing.T) {
	cases := []struct {
		name         string
		relation     string
		fromBalance  string
		toBalance    string
		amount       string
		wantTier     Tier
		wantFrom     string
		wantTo       string
		wantCredited string
	}{
		{"same owner", "self", "200", "200", "50", TierSelf, "150", "250", "50"},
		{"friend", "friend", "1000", "0", "100", TierFriend, "900", "97", "97"},
		{"stranger", "stranger", "1000", "0", "100", TierStranger, "900", "90", "90"},
		{"stranger fractional", "stranger", "10", "1", "3.33", TierStranger, "6.67", "3.997", "2.997"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t)
			alice := f.owner(t, "alice")
			recipient := alice
			switch tc.relation {
			case "friend":
				recipient = f.owner(t, "bob")
				if err := f.dir.AddFriend(ctx, alice, recipient); err != nil {
					t.Fatal(err)
				}
			case "stranger":
				recipient = f.owner(t, "carol")
			}
			from := f.open(t, alice, tc.fromBalance)
			to := f.open(t, recipient, tc.toBalance)

			res, err := f.eng.Transfer(ctx, from, to, alice, dec(tc.amount))
			if err != nil {
				t.Fatalf("Transfer: %v", err)
			}
			if res.Tier != tc.wantTier {
				t.Fatalf("tier: got %s want %s", res.Tier, tc.wantTier)
			}
			if !res.Credited.Equal(dec(tc.wantCredited)) {
				t.Fatalf("credited: got %s want %s", res.Credited, tc.wantCredited)
			}
			if !res.Commission().Equal(dec(tc.amount).Sub(dec(tc.wantCredited))) {
				t.Fatalf("commission: got %s", res.Commission())
			}
			assertBalance(t, f, from, tc.wantFrom)
			assertBalance(t, f, to, tc.wantTo)

			fromLog := f.account(t, from).Log
			toLog := f.account(t, to).Log
			if len(fromLog) != 1 || fromLog[0].Type != domain.TransferFrom || !fromLog[0].Amount.Equal(dec(tc.amount)) {
				t.Fatalf("from log: %+v", fromLog)
			}
			if len(toLog) != 1 || toLog[0].Type != domain.TransferTo || !toLog[0].Amount.Equal(dec(tc.wantCredited)) {
				t.Fatalf("to log: %+v", toLog)
			}
		})
	}
}

func TestFriendshipIsJudgedFromTheRecipientOwner(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	alice := f.owner(t, "alice")
	bob := f.owner(t, "bob")
	carol := f.owner(t, "carol")
	if err := f.dir.AddFriend(ctx, bob, carol); err != nil {
		t.Fatal(err)
	}
	from := f.open(t, alice, "100")
	to := f.open(t, carol, "0")

	res, err := f.eng.Transfer(ctx, from, to, alice, dec("10"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Tier != TierStranger {
		t.Fatalf("a friend of a friend is a stranger, got %s", res.Tier)
	}
}

func TestTransferWithinOneAccountIsNoop(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	alice := f.owner(t, "alice")
	id := f.open(t, alice, "200")

	res, err := f.eng.Transfer(ctx, id, id, alice, dec("50"))
	if err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if res.Tier != TierSelf || !res.Commission().IsZero() {
		t.Fatalf("unexpected result: %+v", res)
	}
	acc := f.account(t, id)
	if !acc.Balance.Equal(dec("200")) || len(acc.Log) != 0 {
		t.Fatalf("self transfer mutated account: balance %s, log %d", acc.Balance, len(acc.Log))
	}

	if _, err := f.eng.Transfer(ctx, id, id, alice, dec("500")); !errors.Is(err, domain.ErrInsufficientFunds) {
		t.Fatalf("want ErrInsufficientFunds, got %v", err)
	}
}

func TestTransferInsufficientFundsWritesNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	alice := f.owner(t, "alice")
	bob := f.owner(t, "bob")
	from := f.open(t, alice, "50")
	to := f.open(t, bob, "10")
	fromBefore, toBefore := f.account(t, from), f.account(t, to)

	_, err := f.eng.Transfer(ctx, from, to, alice, dec("50.01"))
	if !errors.Is(err, domain.ErrInsufficientFunds) {
		t.Fatalf("want ErrInsufficientFunds, got %v", err)
	}

	fromAfter, toAfter := f.account(t, from), f.account(t, to)
	if fromAfter.Version != fromBefore.Version || toAfter.Version != toBefore.Version {
		t.Fatalf("versions moved: from %d->%d to %d->%d", fromBefore.Version, fromAfter.Version, toBefore.Version, toAfter.Version)
	}
	assertBalance(t, f, from, "50")
	assertBalance(t, f, to, "10")
}

func TestTransferUnknownRecipient(t *testing.T) {
	f := newFixture(t)
	alice := f.owner(t, "alice")
	from := f.open(t, alice, "50")

	_, err := f.eng.Transfer(context.Background(), from, uuid.New(), alice, dec("1"))
	if !errors.Is(err, domain.ErrAccountNotFound) {
		t.Fatalf("want ErrAccountNotFound, got %v", err)
	}
	assertBalance(t, f, from, "50")
}

func TestConcurrentWithdrawalsNoDoubleSpend(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	alice := f.owner(t, "alice")

	// Repeat to give the race a fair chance to show up.
	for i := 0; i < 50; i++ {
		id := f.open(t, alice, "100")

		var wg sync.WaitGroup
		errs := make([]error, 2)
		wg.Add(2)
		for j := range errs {
			go func() {
				defer wg.Done()
				_, errs[j] = f.eng.Withdraw(ctx, id, alice, dec("60"))
			}()
		}
		wg.Wait()

		var ok, insufficient int
		for _, err := range errs {
			switch {
			case err == nil:
				ok++
			case errors.Is(err, domain.ErrInsufficientFunds):
				insufficient++
			default:
				t.Fatalf("unexpected error: %v", err)
			}
		}
		if ok != 1 || insufficient != 1 {
			t.Fatalf("run %d: ok=%d insufficient=%d, want 1/1", i, ok, insufficient)
		}
		assertBalance(t, f, id, "40")
	}
}

func TestConcurrentDepositsAreNotLost(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	alice := f.owner(t, "alice")
	id := f.open(t, alice, "0")

	const workers = 100
	var g errgroup.Group
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			_, err := f.eng.Replenish(ctx, id, alice, dec("1.5"))
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	assertBalance(t, f, id, "150")
	if n := len(f.account(t, id).Log); n != workers {
		t.Fatalf("log len: got %d want %d", n, workers)
	}
}

func TestOpposingTransfersDoNotDeadlock(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	alice := f.owner(t, "alice")
	a := f.open(t, alice, "1000")
	b := f.open(t, alice, "1000")

	const n = 200
	var g errgroup.Group
	for i := 0; i < n; i++ {
		g.Go(func() error {
			_, err := f.eng.Transfer(ctx, a, b, alice, dec("1"))
			return err
		})
		g.Go(func() error {
			_, err := f.eng.Transfer(ctx, b, a, alice, dec("1"))
			return err
		})
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("transfer failed: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("transfers did not finish, probable deadlock")
	}

	total := f.account(t, a).Balance.Add(f.account(t, b).Balance)
	if !total.Equal(dec("2000")) {
		t.Fatalf("total: got %s want 2000", total)
	}
}

func TestBusyWhileAccountLocked(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	dir := social.NewDirectory()
	eng := New(mem, dir, dir, Config{LockTimeout: 20 * time.Millisecond, Logger: quietLogger()})

	alice, _ := dir.CreateOwner(ctx, "alice")
	id, err := eng.CreateAccount(ctx, alice, dec("100"))
	if err != nil {
		t.Fatal(err)
	}

	release, err := eng.locks.acquire(ctx, time.Second, id)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := eng.Withdraw(ctx, id, alice, dec("10")); !errors.Is(err, domain.ErrBusy) {
		release()
		t.Fatalf("want ErrBusy, got %v", err)
	}
	release()

	bal, err := eng.Withdraw(ctx, id, alice, dec("10"))
	if err != nil || !bal.Equal(dec("90")) {
		t.Fatalf("after release: %s, %v", bal, err)
	}
}

func TestBalanceMatchesLogReplay(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	alice := f.owner(t, "alice")
	bob := f.owner(t, "bob")
	carol := f.owner(t, "carol")
	if err := f.dir.AddFriend(ctx, alice, bob); err != nil {
		t.Fatal(err)
	}
	a1 := f.open(t, alice, "500")
	a2 := f.open(t, alice, "0")
	b1 := f.open(t, bob, "20")
	c1 := f.open(t, carol, "0")

	steps := []func() error{
		func() error { _, err := f.eng.Replenish(ctx, a1, alice, dec("100")); return err },
		func() error { _, err := f.eng.Transfer(ctx, a1, b1, alice, dec("37.5")); return err },
		func() error { _, err := f.eng.Transfer(ctx, a1, c1, alice, dec("12.34")); return err },
		func() error { _, err := f.eng.Transfer(ctx, a1, a2, alice, dec("50")); return err },
		func() error { _, err := f.eng.Withdraw(ctx, b1, bob, dec("5")); return err },
		func() error { _, err := f.eng.Transfer(ctx, b1, a1, bob, dec("10")); return err },
		func() error { _, err := f.eng.Withdraw(ctx, a2, alice, dec("0.01")); return err },
	}
	for i, step := range steps {
		if err := step(); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
	}

	for _, id := range []uuid.UUID{a1, a2, b1, c1} {
		acc := f.account(t, id)
		if replayed := journal.Replay(acc.OpeningBalance, acc.Log); !replayed.Equal(acc.Balance) {
			t.Fatalf("account %s: replay %s, balance %s", id, replayed, acc.Balance)
		}
		if acc.Balance.IsNegative() {
			t.Fatalf("account %s negative: %s", id, acc.Balance)
		}
		report, err := f.eng.Audit(ctx, id)
		if err != nil {
			t.Fatalf("Audit(%s): %v", id, err)
		}
		if report.Records != len(acc.Log) || report.HeadHash != journal.Head(acc.Log) {
			t.Fatalf("unexpected report: %+v", report)
		}
	}
}

func TestAuditDetectsBalanceDrift(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	alice := f.owner(t, "alice")
	id := f.open(t, alice, "100")
	if _, err := f.eng.Replenish(ctx, id, alice, dec("5")); err != nil {
		t.Fatal(err)
	}

	// Write a balance that no record explains.
	acc := f.account(t, id)
	acc.Balance = dec("1000")
	if err := f.mem.Save(ctx, &acc); err != nil {
		t.Fatal(err)
	}

	if _, err := f.eng.Audit(ctx, id); !errors.Is(err, domain.ErrJournalCorrupt) {
		t.Fatalf("want ErrJournalCorrupt, got %v", err)
	}
}

func TestTransactionsFiltering(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	alice := f.owner(t, "alice")
	a := f.open(t, alice, "100")
	b := f.open(t, alice, "100")

	for _, amt := range []string{"1", "2", "3"} {
		if _, err := f.eng.Withdraw(ctx, a, alice, dec(amt)); err != nil {
			t.Fatal(err)
		}
		if _, err := f.eng.Replenish(ctx, a, alice, dec("10")); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := f.eng.Withdraw(ctx, b, alice, dec("7")); err != nil {
		t.Fatal(err)
	}

	typ, err := domain.ParseTransactionType("withdrawal")
	if err != nil {
		t.Fatal(err)
	}
	got, err := f.eng.Transactions(ctx, TransactionFilter{Type: &typ, AccountID: &a})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("len: got %d want 3", len(got))
	}
	for i, want := range []string{"1", "2", "3"} {
		if got[i].Type != domain.Withdrawal || !got[i].Amount.Equal(dec(want)) || got[i].AccountID != a {
			t.Fatalf("record %d: %+v", i, got[i])
		}
	}

	all, err := f.eng.Transactions(ctx, TransactionFilter{Type: &typ})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 4 || all[3].AccountID != b {
		t.Fatalf("all withdrawals: %+v", all)
	}

	everything, err := f.eng.Transactions(ctx, TransactionFilter{AccountID: &a})
	if err != nil || len(everything) != 6 {
		t.Fatalf("unfiltered: len %d, %v", len(everything), err)
	}

	missing := uuid.New()
	if _, err := f.eng.Transactions(ctx, TransactionFilter{AccountID: &missing}); !errors.Is(err, domain.ErrAccountNotFound) {
		t.Fatalf("want ErrAccountNotFound, got %v", err)
	}
	bogus := domain.TransactionType("BOGUS")
	if _, err := f.eng.Transactions(ctx, TransactionFilter{Type: &bogus}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("want ErrValidation, got %v", err)
	}
}

func TestAccountsByOwner(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	alice := f.owner(t, "alice")
	bob := f.owner(t, "bob")
	a1 := f.open(t, alice, "1")
	f.open(t, bob, "2")
	a2 := f.open(t, alice, "3")

	accs, err := f.eng.AccountsByOwner(ctx, alice)
	if err != nil {
		t.Fatal(err)
	}
	if len(accs) != 2 || accs[0].ID != a1 || accs[1].ID != a2 {
		t.Fatalf("unexpected accounts: %+v", accs)
	}
	if _, err := f.eng.AccountsByOwner(ctx, uuid.New()); !errors.Is(err, domain.ErrOwnerNotFound) {
		t.Fatalf("want ErrOwnerNotFound, got %v", err)
	}
	all, err := f.eng.Accounts(ctx)
	if err != nil || len(all) != 3 {
		t.Fatalf("Accounts: len %d, %v", len(all), err)
	}
}

// flakyStore exposes only AccountStore, so the engine takes the two-step transfer path.
type flakyStore struct {
	mem      *store.Memory
	mu       sync.Mutex
	failFor  uuid.UUID
	failures int // remaining failing saves for failFor; -1 fails forever
	attempts int
}

func (s *flakyStore) Get(ctx context.Context, id uuid.UUID) (domain.Account, error) {
	return s.mem.Get(ctx, id)
}

func (s *flakyStore) GetByOwner(ctx context.Context, ownerID uuid.UUID) ([]domain.Account, error) {
	return s.mem.GetByOwner(ctx, ownerID)
}

func (s *flakyStore) Create(ctx context.Context, ownerID uuid.UUID, initial decimal.Decimal) (domain.Account, error) {
	return s.mem.Create(ctx, ownerID, initial)
}

func (s *flakyStore) ListAll(ctx context.Context) ([]domain.Account, error) {
	return s.mem.ListAll(ctx)
}

func (s *flakyStore) Save(ctx context.Context, acc *domain.Account) error {
	s.mu.Lock()
	if acc.ID == s.failFor {
		s.attempts++
		if s.failures != 0 {
			if s.failures > 0 {
				s.failures--
			}
			s.mu.Unlock()
			return errors.New("connection reset")
		}
	}
	s.mu.Unlock()
	return s.mem.Save(ctx, acc)
}

func TestPartialTransferIsReportedAndLogged(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	dir := social.NewDirectory()
	flaky := &flakyStore{mem: mem, failures: -1}
	var logs bytes.Buffer
	eng := New(flaky, dir, dir, Config{
		CreditRetries: 2,
		Logger:        slog.New(slog.NewTextHandler(&logs, nil)),
	})

	alice, _ := dir.CreateOwner(ctx, "alice")
	bob, _ := dir.CreateOwner(ctx, "bob")
	from, _ := eng.CreateAccount(ctx, alice, dec("100"))
	to, _ := eng.CreateAccount(ctx, bob, dec("0"))
	flaky.failFor = to

	_, err := eng.Transfer(ctx, from, to, alice, dec("10"))
	if !errors.Is(err, domain.ErrPartialTransfer) {
		t.Fatalf("want ErrPartialTransfer, got %v", err)
	}
	var pErr *PartialTransferError
	if !errors.As(err, &pErr) || pErr.From != from || pErr.To != to || !pErr.Credited.Equal(dec("9")) {
		t.Fatalf("unexpected error detail: %#v", err)
	}
	if flaky.attempts != 3 {
		t.Fatalf("credit attempts: got %d want 3", flaky.attempts)
	}

	fromAcc, _ := mem.Get(ctx, from)
	toAcc, _ := mem.Get(ctx, to)
	if !fromAcc.Balance.Equal(dec("90")) || !toAcc.Balance.IsZero() {
		t.Fatalf("balances: from %s to %s", fromAcc.Balance, toAcc.Balance)
	}
	if !strings.Contains(logs.String(), "ledger imbalance") {
		t.Fatalf("imbalance not logged:\n%s", logs.String())
	}
}

func TestTransferCreditLegRecoversOnRetry(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	dir := social.NewDirectory()
	flaky := &flakyStore{mem: mem, failures: 1}
	eng := New(flaky, dir, dir, Config{CreditRetries: 2, Logger: quietLogger()})

	alice, _ := dir.CreateOwner(ctx, "alice")
	bob, _ := dir.CreateOwner(ctx, "bob")
	from, _ := eng.CreateAccount(ctx, alice, dec("100"))
	to, _ := eng.CreateAccount(ctx, bob, dec("0"))
	flaky.failFor = to

	if _, err := eng.Transfer(ctx, from, to, alice, dec("10")); err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	toAcc, _ := mem.Get(ctx, to)
	if !toAcc.Balance.Equal(dec("9")) || len(toAcc.Log) != 1 {
		t.Fatalf("credit leg: balance %s, log %d", toAcc.Balance, len(toAcc.Log))
	}
}
