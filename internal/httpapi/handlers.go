package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"bank-ledger/internal/domain"
	"bank-ledger/internal/ledger"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
)

// OwnerHeader carries the ID of the owner on whose behalf a request runs.
const OwnerHeader = "X-Owner-Id"

// Directory manages owners and the friend graph.
type Directory interface {
	CreateOwner(ctx context.Context, name string) (uuid.UUID, error)
	AddFriend(ctx context.Context, a, b uuid.UUID) error
}

type Handlers struct {
	eng *ledger.Engine
	dir Directory
	log *slog.Logger
}

func NewHandlers(eng *ledger.Engine, dir Directory, log *slog.Logger) *Handlers {
	if log == nil {
		log = slog.Default()
	}
	return &Handlers{eng: eng, dir: dir, log: log.With("component", "httpapi")}
}

func (h *Handlers) Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// maxBodyBytes caps request bodies; every request here is a few short fields.
const maxBodyBytes = 64 << 10

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{"error": msg})
}

func httpStatusForErr(err error) int {
	switch {
	case err == nil:
		return http.StatusOK

	// Before the others: the store error wrapped inside may itself be a conflict.
	case errors.Is(err, domain.ErrPartialTransfer):
		return http.StatusInternalServerError

	// Ledger semantic errors
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrAccountNotFound), errors.Is(err, domain.ErrOwnerNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInsufficientFunds),
		errors.Is(err, domain.ErrSelfFriend),
		errors.Is(err, domain.ErrAlreadyFriends),
		errors.Is(err, domain.ErrVersionConflict):
		return http.StatusConflict
	case errors.Is(err, domain.ErrBusy):
		return http.StatusServiceUnavailable

	// Context / timeouts
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return http.StatusRequestTimeout

	default:
		return http.StatusInternalServerError
	}
}

func publicErrMessage(code int, err error) string {
	// Don't leak internals on 5xx.
	if code >= 500 && code != http.StatusServiceUnavailable {
		return "internal error"
	}
	return err.Error()
}

func (h *Handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := httpStatusForErr(err)
	if code >= 500 {
		h.log.Error("request failed", "method", r.Method, "path", r.URL.Path, "status", code, "error", err)
	}
	writeErr(w, code, publicErrMessage(code, err))
}

func pathID(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(mux.Vars(r)[name])
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: invalid %s", domain.ErrValidation, name)
	}
	return id, nil
}

func callerID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(strings.TrimSpace(r.Header.Get(OwnerHeader)))
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: missing or invalid %s header", domain.ErrValidation, OwnerHeader)
	}
	return id, nil
}

// POST /v1/owners
func (h *Handlers) CreateOwner(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateOwnerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	id, err := h.dir.CreateOwner(ctx, req.Name)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, domain.CreateOwnerResponse{OwnerID: id})
}

// POST /v1/owners/{ownerID}/friends/{friendID}
func (h *Handlers) AddFriend(w http.ResponseWriter, r *http.Request) {
	owner, err := pathID(r, "ownerID")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	friend, err := pathID(r, "friendID")
	if err != nil {
		h.fail(w, r, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if err := h.dir.AddFriend(ctx, owner, friend); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GET /v1/owners/{ownerID}/accounts
func (h *Handlers) OwnerAccounts(w http.ResponseWriter, r *http.Request) {
	owner, err := pathID(r, "ownerID")
	if err != nil {
		h.fail(w, r, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	accs, err := h.eng.AccountsByOwner(ctx, owner)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(accs))
}

// POST /v1/accounts
func (h *Handlers) CreateAccount(w http.ResponseWriter, r *http.Request) {
	owner, err := callerID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req domain.CreateAccountRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	id, err := h.eng.CreateAccount(ctx, owner, req.InitialBalance)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, domain.CreateAccountResponse{AccountID: id})
}

// GET /v1/accounts
func (h *Handlers) ListAccounts(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	accs, err := h.eng.Accounts(ctx)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(accs))
}

// GET /v1/accounts/{id}/balance
func (h *Handlers) GetBalance(w http.ResponseWriter, r *http.Request) {
	owner, err := callerID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	accID, err := pathID(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	bal, err := h.eng.GetBalance(ctx, accID, owner)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, domain.BalanceResponse{AccountID: accID, Balance: bal})
}

type balanceOp func(ctx context.Context, accountID, ownerID uuid.UUID, amount decimal.Decimal) (decimal.Decimal, error)

// POST /v1/accounts/{id}/withdrawal
func (h *Handlers) Withdraw(w http.ResponseWriter, r *http.Request) {
	h.changeBalance(w, r, h.eng.Withdraw)
}

// POST /v1/accounts/{id}/replenishment
func (h *Handlers) Replenish(w http.ResponseWriter, r *http.Request) {
	h.changeBalance(w, r, h.eng.Replenish)
}

func (h *Handlers) changeBalance(w http.ResponseWriter, r *http.Request, op balanceOp) {
	owner, err := callerID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	accID, err := pathID(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req domain.AmountRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	bal, err := op(ctx, accID, owner, req.Amount)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, domain.BalanceResponse{AccountID: accID, Balance: bal})
}

// POST /v1/accounts/{id}/transfer/{toID}
func (h *Handlers) Transfer(w http.ResponseWriter, r *http.Request) {
	owner, err := callerID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	from, err := pathID(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	to, err := pathID(r, "toID")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req domain.AmountRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	res, err := h.eng.Transfer(ctx, from, to, owner, req.Amount)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, domain.TransferResponse{
		FromAccountID: res.From,
		ToAccountID:   res.To,
		Tier:          res.Tier.String(),
		Debited:       res.Debited,
		Credited:      res.Credited,
		Commission:    res.Commission(),
	})
}

// GET /v1/accounts/{id}/audit
func (h *Handlers) Audit(w http.ResponseWriter, r *http.Request) {
	accID, err := pathID(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	rep, err := h.eng.Audit(ctx, accID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, domain.AuditResponse{
		AccountID: rep.AccountID,
		Records:   rep.Records,
		Balance:   rep.Balance,
		HeadHash:  rep.HeadHash,
	})
}

// GET /v1/transactions?type=&accountId=
func (h *Handlers) Transactions(w http.ResponseWriter, r *http.Request) {
	var f ledger.TransactionFilter
	q := r.URL.Query()
	if v := q.Get("type"); v != "" {
		typ, err := domain.ParseTransactionType(v)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		f.Type = &typ
	}
	if v := q.Get("accountId"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			writeErr(w, http.StatusBadRequest, "invalid accountId")
			return
		}
		f.AccountID = &id
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	recs, err := h.eng.Transactions(ctx, f)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

// nonNil keeps empty listings as [] rather than null on the wire.
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
