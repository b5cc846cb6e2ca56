package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"
)

// Show prints recent P&L samples and recently fired alerts.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show history")
	}
	if closeStore != nil {
		defer closeStore()
	}

	samples, err := store.ListRecentSamples(ctx, opts.Limit)
	if err != nil {
		return err
	}
	total, err := store.CountSamples(ctx)
	if err != nil {
		return err
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)

	if len(samples) == 0 {
		fmt.Fprintln(os.Stdout, "no samples found")
	} else {
		fmt.Fprintln(writer, "Time (UTC)\tPortfolio UPNL\tPositions\tStatus\tError")
		for _, sample := range samples {
			pnl := "-"
			if sample.PortfolioPnl != nil {
				pnl = formatDecimal(*sample.PortfolioPnl, 4)
			}
			errMsg := ""
			if sample.Error != nil {
				errMsg = sanitizeInline(*sample.Error)
			}
			fmt.Fprintf(
				writer,
				"%s\t%s\t%d\t%s\t%s\n",
				sample.Bucket.UTC().Format(time.RFC3339),
				pnl,
				sample.PositionCount,
				sample.Status,
				errMsg,
			)
		}
		writer.Flush()
		fmt.Fprintf(os.Stdout, "showing %d of %d samples\n", len(samples), total)
	}

	alerts, err := store.ListRecentAlerts(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if len(alerts) == 0 {
		fmt.Fprintln(os.Stdout, "no alerts fired")
		return nil
	}

	fmt.Fprintln(os.Stdout)
	fmt.Fprintln(writer, "Fired (UTC)\tSymbol\tRule\tValue")
	for _, alert := range alerts {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s %s %s\t%s\n",
			alert.FiredAt.UTC().Format(time.RFC3339),
			alert.Symbol,
			alert.Criteria,
			alert.Condition,
			alert.Threshold.String(),
			formatDecimal(alert.Value, 4),
		)
	}
	writer.Flush()

	return nil
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}
