package ledger

import (
	"context"

	"bank-ledger/internal/domain"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Tier is the relationship between the sender and the recipient of a transfer.
type Tier int

const (
	TierStranger Tier = iota
	TierFriend
	TierSelf
)

var (
	fractionSelf     = decimal.RequireFromString("1.00")
	fractionFriend   = decimal.RequireFromString("0.97")
	fractionStranger = decimal.RequireFromString("0.90")
)

func (t Tier) String() string {
	switch t {
	case TierSelf:
		return "SELF"
	case TierFriend:
		return "FRIEND"
	default:
		return "STRANGER"
	}
}

// CommissionFree is the share of a transferred amount that reaches the recipient.
func (t Tier) CommissionFree() decimal.Decimal {
	switch t {
	case TierSelf:
		return fractionSelf
	case TierFriend:
		return fractionFriend
	default:
		return fractionStranger
	}
}

// tier checks same owner first, then friendship of the requester with the recipient's owner.
func (e *Engine) tier(ctx context.Context, requester uuid.UUID, from, to domain.Account) (Tier, error) {
	if from.OwnerID == to.OwnerID {
		return TierSelf, nil
	}
	ok, err := e.friends.AreFriends(ctx, requester, to.OwnerID)
	if err != nil {
		return TierStranger, err
	}
	if ok {
		return TierFriend, nil
	}
	return TierStranger, nil
}
