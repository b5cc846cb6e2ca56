package position

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
)

var (
	knownUnderlyings = []string{"BTC", "ETH"}
	underlyingWordRe = regexp.MustCompile(`\b(BTC|ETH)\b`)
	hundred          = decimal.NewFromInt(100)
)

// Normalizer converts raw exchange position and ticker payloads into Rows.
// It is a pure transformation: partial or malformed input degrades to nil
// fields, never to an error.
type Normalizer struct {
	lotSizes map[string]decimal.Decimal
	logger   zerolog.Logger
}

// NewNormalizer builds a normalizer with a per-underlying lots-per-coin table.
// Underlyings absent from the table divide by 1.
func NewNormalizer(lotSizes map[string]float64, logger zerolog.Logger) *Normalizer {
	lots := make(map[string]decimal.Decimal, len(lotSizes))
	for underlying, perCoin := range lotSizes {
		if perCoin <= 0 {
			continue
		}
		lots[strings.ToUpper(underlying)] = decimal.NewFromFloat(perCoin)
	}
	return &Normalizer{
		lotSizes: lots,
		logger:   logger.With().Str("component", "normalizer").Logger(),
	}
}

// Rows derives one Row per raw position record. The ticker payloads feed the
// last link of the index-price fallback chain and are scanned once per call.
func (n *Normalizer) Rows(positions, tickers []json.RawMessage) []Row {
	tickerIdx := n.indexMap(tickers)

	rows := make([]Row, 0, len(positions))
	for _, raw := range positions {
		rows = append(rows, n.row(gjson.ParseBytes(raw), tickerIdx))
	}
	return rows
}

func (n *Normalizer) row(rec gjson.Result, tickerIdx map[string]decimal.Decimal) Row {
	row := Row{
		Symbol:     firstString(rec, "product.symbol", "symbol"),
		EntryPrice: firstNumber(rec, "entry_price"),
		MarkPrice:  firstNumber(rec, "mark_price"),
		SizeLots:   firstNumber(rec, "size"),
	}
	row.Underlying = detectUnderlying(rec, row.Symbol)
	row.IndexPrice = n.resolveIndexPrice(rec, row.Underlying, tickerIdx)

	if row.SizeLots != nil {
		coins := row.SizeLots.Div(n.lotsPerCoin(row.Underlying))
		row.SizeCoins = &coins
	}

	if row.EntryPrice != nil && row.MarkPrice != nil && row.SizeCoins != nil {
		// (mark − entry) × size_coins: longs gain when mark > entry,
		// shorts gain when mark < entry.
		pnl := row.MarkPrice.Sub(*row.EntryPrice).Mul(*row.SizeCoins)
		row.UnrealizedPnl = &pnl

		notional := row.EntryPrice.Mul(row.SizeCoins.Abs())
		if !notional.IsZero() {
			pct := pnl.Div(notional).Mul(hundred)
			row.PnlPct = &pct
		}
	}

	return row
}

func (n *Normalizer) lotsPerCoin(underlying string) decimal.Decimal {
	if perCoin, ok := n.lotSizes[underlying]; ok {
		return perCoin
	}
	return decimal.NewFromInt(1)
}

// resolveIndexPrice walks the ordered fallback chain and stops at the first
// resolver that yields a value.
func (n *Normalizer) resolveIndexPrice(rec gjson.Result, underlying string, tickerIdx map[string]decimal.Decimal) *decimal.Decimal {
	resolvers := []func() *decimal.Decimal{
		func() *decimal.Decimal { return nestedNumber(rec.Get("index_price")) },
		func() *decimal.Decimal { return nestedNumber(rec.Get("product.index_price")) },
		func() *decimal.Decimal {
			return firstNumber(rec, "product.spot_index.index_price", "product.spot_index.spot_price")
		},
		func() *decimal.Decimal {
			if price, ok := tickerIdx[underlying]; ok {
				return &price
			}
			return nil
		},
	}

	for _, resolve := range resolvers {
		if price := resolve(); price != nil {
			return price
		}
	}
	return nil
}

// indexMap builds the per-underlying spot index from the ticker feed: the
// first ticker whose symbol contains the underlying and "USD" with a usable
// price wins.
func (n *Normalizer) indexMap(tickers []json.RawMessage) map[string]decimal.Decimal {
	idx := make(map[string]decimal.Decimal, len(knownUnderlyings))
	for _, raw := range tickers {
		rec := gjson.ParseBytes(raw)
		symbol := strings.ToUpper(rec.Get("symbol").String())
		if !strings.Contains(symbol, "USD") {
			continue
		}
		for _, underlying := range knownUnderlyings {
			if _, done := idx[underlying]; done {
				continue
			}
			if !strings.Contains(symbol, underlying) {
				continue
			}
			price := firstNumber(rec, "spot_price", "index_price", "close", "mark_price")
			if price != nil && !price.IsZero() {
				idx[underlying] = *price
			}
		}
	}
	return idx
}

// detectUnderlying infers the base asset of a contract. Each step is tried
// in turn; the first hit wins.
func detectUnderlying(rec gjson.Result, symbol string) string {
	explicit := []string{
		"product.underlying_asset.symbol",
		"product.underlying_asset_symbol",
		"underlying_asset.symbol",
	}
	for _, path := range explicit {
		if u := matchKnown(rec.Get(path).String()); u != "" {
			return u
		}
	}

	if u := matchKnown(rec.Get("product.spot_index.symbol").String()); u != "" {
		return u
	}

	if m := underlyingWordRe.FindString(strings.ToUpper(symbol)); m != "" {
		return m
	}

	if u := matchKnown(symbol); u != "" {
		return u
	}

	return UnderlyingUnknown
}

func matchKnown(s string) string {
	upper := strings.ToUpper(s)
	for _, underlying := range knownUnderlyings {
		if strings.Contains(upper, underlying) {
			return underlying
		}
	}
	return ""
}

// number coerces a gjson value to a decimal. Anything non-numeric, missing,
// or malformed yields nil.
func number(res gjson.Result) *decimal.Decimal {
	var raw string
	switch res.Type {
	case gjson.Number:
		raw = res.Raw
	case gjson.String:
		raw = strings.TrimSpace(res.Str)
	default:
		return nil
	}
	if raw == "" {
		return nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return nil
	}
	return &d
}

// nestedNumber additionally unwraps a nested price object such as
// {"index_price": {"price": "65000"}}.
func nestedNumber(res gjson.Result) *decimal.Decimal {
	if res.IsObject() {
		for _, key := range []string{"price", "index_price", "value"} {
			if d := number(res.Get(key)); d != nil {
				return d
			}
		}
		return nil
	}
	return number(res)
}

func firstNumber(rec gjson.Result, paths ...string) *decimal.Decimal {
	for _, path := range paths {
		if d := number(rec.Get(path)); d != nil {
			return d
		}
	}
	return nil
}

func firstString(rec gjson.Result, paths ...string) string {
	for _, path := range paths {
		if s := rec.Get(path).String(); s != "" {
			return s
		}
	}
	return ""
}
