package alerting

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of a rule.
type Status string

const (
	StatusActive    Status = "Active"
	StatusTriggered Status = "Triggered"
	StatusInactive  Status = "Inactive"
)

// Watchable criteria. Each names a derived field on a position row, except
// that against the portfolio sentinel only the aggregate P&L is meaningful.
const (
	CriteriaMarkPrice = "mark_price"
	CriteriaPnl       = "upnl"
	CriteriaPnlPct    = "upnl_pct"
)

// Comparison conditions.
const (
	ConditionGTE = ">="
	ConditionLTE = "<="
)

// Rule is a user-defined threshold alert, persisted between cycles.
type Rule struct {
	Symbol      string
	Criteria    string
	Condition   string
	Threshold   decimal.Decimal
	Status      Status
	TriggeredAt *time.Time
}

// Key is the identity used for dedup: two rules with the same symbol,
// criteria, condition, and threshold are the same alert.
func (r Rule) Key() string {
	return fmt.Sprintf("%s|%s|%s|%s", r.Symbol, r.Criteria, r.Condition, r.Threshold.String())
}

// Validate checks user-supplied rule fields.
func (r Rule) Validate() error {
	if r.Symbol == "" {
		return fmt.Errorf("alert symbol is required")
	}
	switch r.Criteria {
	case CriteriaMarkPrice, CriteriaPnl, CriteriaPnlPct:
	default:
		return fmt.Errorf("unknown criteria %q", r.Criteria)
	}
	switch r.Condition {
	case ConditionGTE, ConditionLTE:
	default:
		return fmt.Errorf("condition must be %s or %s, got %q", ConditionGTE, ConditionLTE, r.Condition)
	}
	return nil
}

// Reactivate returns the rule reset to Active with its trigger timestamp
// cleared.
func (r Rule) Reactivate() Rule {
	r.Status = StatusActive
	r.TriggeredAt = nil
	return r
}
