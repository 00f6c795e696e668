/**
 * @description
 * This file defines the core domain models for the ledger-service. These structs
 * represent the entities persisted by the store and the payloads exchanged with
 * the API layer.
 *
 * @notes
 * - Monetary values use `decimal.Decimal` (fixed-point, 2 fractional digits)
 *   rather than floats, so that debits and credits are exact and the sum of
 *   balances is preserved by every transfer.
 */

package domain

import (
	"github.com/shopspring/decimal"
)

// Account is a named holder of a non-negative balance. The account number is
// immutable once created; the balance is only ever mutated by the transfer
// engine inside a store transaction.
type Account struct {
	Number  string          `json:"number"`
	Balance decimal.Decimal `json:"balance"`
}

// NewAccount is the DTO for incoming account creation requests.
type NewAccount struct {
	Number  string          `json:"number"`
	Balance decimal.Decimal `json:"balance"`
}
