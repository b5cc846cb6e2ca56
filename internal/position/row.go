package position

import (
	"sort"

	"github.com/shopspring/decimal"
)

// UnderlyingUnknown is reported when no detection path matches.
const UnderlyingUnknown = "unknown"

// Row is the derived, display-ready view of one open position. Every numeric
// field is either a decoded value or nil; a missing upstream field never
// becomes a silent zero.
type Row struct {
	Symbol        string
	Underlying    string
	SizeLots      *decimal.Decimal
	SizeCoins     *decimal.Decimal
	EntryPrice    *decimal.Decimal
	MarkPrice     *decimal.Decimal
	IndexPrice    *decimal.Decimal
	UnrealizedPnl *decimal.Decimal
	PnlPct        *decimal.Decimal
}

// Value resolves a watchable field by name. Unknown names resolve to nil.
func (r Row) Value(field string) *decimal.Decimal {
	switch field {
	case "mark_price":
		return r.MarkPrice
	case "index_price":
		return r.IndexPrice
	case "entry_price":
		return r.EntryPrice
	case "upnl":
		return r.UnrealizedPnl
	case "upnl_pct":
		return r.PnlPct
	default:
		return nil
	}
}

// SortByAbsPnl orders rows by absolute unrealized P&L descending. Rows with
// no P&L sort last.
func SortByAbsPnl(rows []Row) {
	sort.SliceStable(rows, func(i, j int) bool {
		a, b := rows[i].UnrealizedPnl, rows[j].UnrealizedPnl
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		default:
			return a.Abs().GreaterThan(b.Abs())
		}
	})
}

// AggregatePnl sums the unrealized P&L across rows. Returns nil when no row
// carries a P&L, so "no data" stays distinct from "flat".
func AggregatePnl(rows []Row) *decimal.Decimal {
	var total decimal.Decimal
	found := false
	for _, row := range rows {
		if row.UnrealizedPnl == nil {
			continue
		}
		total = total.Add(*row.UnrealizedPnl)
		found = true
	}
	if !found {
		return nil
	}
	return &total
}
