package account

import (
	"time"

	"github.com/shopspring/decimal"
)

// Balance is an account balance in whole asset units.
type Balance struct {
	Amount    decimal.Decimal
	UpdatedAt time.Time
}

// ZeroBalance is the balance reported before anything is known.
func ZeroBalance() Balance { return Balance{Amount: decimal.Zero} }

// Equal reports whether two balances hold the same amount.
func (b Balance) Equal(other Balance) bool { return b.Amount.Equal(other.Amount) }

func (b Balance) String() string { return b.Amount.String() }
