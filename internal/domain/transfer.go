package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Transfer is the append-only record of one completed money movement. The ID
// is a monotonically increasing sequence number assigned by the store at
// insert time; records are never mutated or deleted.
type Transfer struct {
	ID          int64           `json:"id"`
	FromAccount string          `json:"from_account"`
	ToAccount   string          `json:"to_account"`
	Amount      decimal.Decimal `json:"amount"`
	CreatedAt   time.Time       `json:"created_at"`
}

// NewTransfer is the DTO for incoming transfer requests.
type NewTransfer struct {
	FromAccount string          `json:"from_account"`
	ToAccount   string          `json:"to_account"`
	Amount      decimal.Decimal `json:"amount"`
}
