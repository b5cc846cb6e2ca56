package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// PnlSample is one persisted refresh cycle: portfolio-level unrealized P&L
// plus how many positions contributed. PortfolioPnl is nil when no position
// had a computable P&L that cycle.
type PnlSample struct {
	Bucket        time.Time
	PortfolioPnl  *decimal.Decimal
	PositionCount int
	Status        string
	Error         *string
	CreatedAt     time.Time
}

// AlertRecord captures an emitted alert for auditing.
type AlertRecord struct {
	ID        int64
	FiredAt   time.Time
	Symbol    string
	Criteria  string
	Condition string
	Threshold decimal.Decimal
	Value     decimal.Decimal
	Message   string
	CreatedAt time.Time
}
