package app

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/shopspring/decimal"

	"position-alerts/internal/position"
)

// Positions performs a one-shot fetch and prints the normalized row table,
// largest absolute P&L first.
func (a *App) Positions(ctx context.Context) error {
	exchange := a.newExchange()

	positionsRaw, err := exchange.FetchPositions(ctx)
	if err != nil {
		return fmt.Errorf("fetch positions: %w", err)
	}

	tickersRaw, err := exchange.FetchTickers(ctx)
	if err != nil {
		a.Logger.Warn().Err(err).Msg("ticker fetch failed; index prices may be incomplete")
		tickersRaw = nil
	}

	rows := a.newNormalizer().Rows(positionsRaw, tickersRaw)
	if len(rows) == 0 {
		fmt.Fprintln(os.Stdout, "no open positions")
		return nil
	}
	position.SortByAbsPnl(rows)

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Symbol\tUnderlying\tSize (coins)\tEntry\tMark\tIndex\tUPNL\tUPNL %")
	for _, row := range rows {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			row.Symbol,
			row.Underlying,
			formatNullable(row.SizeCoins, 4),
			formatNullable(row.EntryPrice, 2),
			formatNullable(row.MarkPrice, 2),
			formatNullable(row.IndexPrice, 2),
			formatNullable(row.UnrealizedPnl, 4),
			formatNullable(row.PnlPct, 2),
		)
	}
	writer.Flush()

	if aggregate := position.AggregatePnl(rows); aggregate != nil {
		fmt.Fprintf(os.Stdout, "\nportfolio UPNL: %s\n", aggregate.StringFixed(4))
	}
	return nil
}

func formatNullable(d *decimal.Decimal, places int32) string {
	if d == nil {
		return "-"
	}
	return d.StringFixed(places)
}
