package domain

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type CreateOwnerRequest struct {
	Name string `json:"name"`
}

type CreateOwnerResponse struct {
	OwnerID uuid.UUID `json:"owner_id"`
}

type CreateAccountRequest struct {
	InitialBalance decimal.Decimal `json:"initial_balance"`
}

type CreateAccountResponse struct {
	AccountID uuid.UUID `json:"account_id"`
}

type AmountRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

type BalanceResponse struct {
	AccountID uuid.UUID       `json:"account_id"`
	Balance   decimal.Decimal `json:"balance"`
}

type TransferResponse struct {
	FromAccountID uuid.UUID       `json:"from_account_id"`
	ToAccountID   uuid.UUID       `json:"to_account_id"`
	Tier          string          `json:"tier"`
	Debited       decimal.Decimal `json:"debited"`
	Credited      decimal.Decimal `json:"credited"`
	Commission    decimal.Decimal `json:"commission"`
}

type AuditResponse struct {
	AccountID uuid.UUID       `json:"account_id"`
	Records   int             `json:"records"`
	Balance   decimal.Decimal `json:"balance"`
	HeadHash  string          `json:"head_hash"`
}
