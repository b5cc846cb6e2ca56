package position

import (
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

func testNormalizer() *Normalizer {
	return NewNormalizer(map[string]float64{"BTC": 1000, "ETH": 100}, zerolog.Nop())
}

func raw(s string) json.RawMessage {
	return json.RawMessage(s)
}

func requireDecimal(t *testing.T, got *decimal.Decimal, want string) {
	t.Helper()
	if got == nil {
		t.Fatalf("expected %s, got nil", want)
	}
	expected, err := decimal.NewFromString(want)
	if err != nil {
		t.Fatalf("bad expectation %q: %v", want, err)
	}
	if !got.Equal(expected) {
		t.Fatalf("expected %s, got %s", want, got.String())
	}
}

func TestRowsEmptyInput(t *testing.T) {
	rows := testNormalizer().Rows(nil, nil)
	if len(rows) != 0 {
		t.Fatalf("expected no rows, got %d", len(rows))
	}
}

func TestMissingInputsProduceNilPnl(t *testing.T) {
	cases := map[string]string{
		"no entry": `{"symbol":"BTCUSD","mark_price":"110","size":2000}`,
		"no mark":  `{"symbol":"BTCUSD","entry_price":"100","size":2000}`,
		"no size":  `{"symbol":"BTCUSD","entry_price":"100","mark_price":"110"}`,
		"garbage":  `{"symbol":"BTCUSD","entry_price":"abc","mark_price":"110","size":2000}`,
	}
	for name, payload := range cases {
		rows := testNormalizer().Rows([]json.RawMessage{raw(payload)}, nil)
		if len(rows) != 1 {
			t.Fatalf("%s: expected one row, got %d", name, len(rows))
		}
		if rows[0].UnrealizedPnl != nil {
			t.Fatalf("%s: expected nil unrealized pnl, got %s", name, rows[0].UnrealizedPnl)
		}
	}
}

func TestLongPositionPnl(t *testing.T) {
	// 2000 lots at 1000 lots/coin = 2 coins long.
	rows := testNormalizer().Rows([]json.RawMessage{
		raw(`{"symbol":"BTCUSD","entry_price":"100","mark_price":"110","size":2000}`),
	}, nil)

	requireDecimal(t, rows[0].SizeCoins, "2")
	requireDecimal(t, rows[0].UnrealizedPnl, "20")
	requireDecimal(t, rows[0].PnlPct, "10")
}

func TestShortPositionPnl(t *testing.T) {
	// -2 coins short with mark below entry is a profit.
	rows := testNormalizer().Rows([]json.RawMessage{
		raw(`{"symbol":"BTCUSD","entry_price":"100","mark_price":"90","size":-2000}`),
	}, nil)

	requireDecimal(t, rows[0].SizeCoins, "-2")
	requireDecimal(t, rows[0].UnrealizedPnl, "20")
}

func TestUnderlyingFromOptionSymbolRegex(t *testing.T) {
	rows := testNormalizer().Rows([]json.RawMessage{
		raw(`{"symbol":"C-BTC-120800-110825"}`),
	}, nil)
	if rows[0].Underlying != "BTC" {
		t.Fatalf("expected BTC from symbol pattern, got %q", rows[0].Underlying)
	}
}

func TestUnderlyingFromProductField(t *testing.T) {
	rows := testNormalizer().Rows([]json.RawMessage{
		raw(`{"symbol":"P-1234","product":{"underlying_asset":{"symbol":"eth"}}}`),
	}, nil)
	if rows[0].Underlying != "ETH" {
		t.Fatalf("expected ETH from product field, got %q", rows[0].Underlying)
	}
}

func TestUnderlyingUnknown(t *testing.T) {
	rows := testNormalizer().Rows([]json.RawMessage{
		raw(`{"symbol":"SOLUSD"}`),
	}, nil)
	if rows[0].Underlying != UnderlyingUnknown {
		t.Fatalf("expected unknown underlying, got %q", rows[0].Underlying)
	}
}

func TestIndexPriceFromPositionField(t *testing.T) {
	rows := testNormalizer().Rows([]json.RawMessage{
		raw(`{"symbol":"BTCUSD","index_price":"64000"}`),
	}, nil)
	requireDecimal(t, rows[0].IndexPrice, "64000")
}

func TestIndexPriceUnwrapsNestedObject(t *testing.T) {
	rows := testNormalizer().Rows([]json.RawMessage{
		raw(`{"symbol":"BTCUSD","index_price":{"price":"64500"}}`),
	}, nil)
	requireDecimal(t, rows[0].IndexPrice, "64500")
}

func TestIndexPriceFromSpotIndex(t *testing.T) {
	rows := testNormalizer().Rows([]json.RawMessage{
		raw(`{"symbol":"BTCUSD","product":{"spot_index":{"spot_price":"64900"}}}`),
	}, nil)
	requireDecimal(t, rows[0].IndexPrice, "64900")
}

func TestIndexPriceFallsBackToTickerMap(t *testing.T) {
	tickers := []json.RawMessage{
		raw(`{"symbol":"SOLUSD","spot_price":"150"}`),
		raw(`{"symbol":"BTCUSD","spot_price":"65000"}`),
	}
	rows := testNormalizer().Rows([]json.RawMessage{
		raw(`{"symbol":"BTCUSD"}`),
	}, tickers)
	requireDecimal(t, rows[0].IndexPrice, "65000")
}

func TestTickerMapSkipsZeroAndNonUSD(t *testing.T) {
	tickers := []json.RawMessage{
		raw(`{"symbol":"BTCEUR","spot_price":"60000"}`),
		raw(`{"symbol":"BTCUSD","spot_price":"0"}`),
		raw(`{"symbol":"BTCUSDT","spot_price":"65100"}`),
	}
	rows := testNormalizer().Rows([]json.RawMessage{
		raw(`{"symbol":"BTCUSD"}`),
	}, tickers)
	requireDecimal(t, rows[0].IndexPrice, "65100")
}

func TestUnrecognisedUnderlyingDividesByOne(t *testing.T) {
	rows := testNormalizer().Rows([]json.RawMessage{
		raw(`{"symbol":"SOLUSD","size":5}`),
	}, nil)
	requireDecimal(t, rows[0].SizeCoins, "5")
}

func TestSortByAbsPnlNilLast(t *testing.T) {
	big := decimal.NewFromInt(-50)
	small := decimal.NewFromInt(10)
	rows := []Row{
		{Symbol: "A"},
		{Symbol: "B", UnrealizedPnl: &small},
		{Symbol: "C", UnrealizedPnl: &big},
	}

	SortByAbsPnl(rows)

	if rows[0].Symbol != "C" || rows[1].Symbol != "B" || rows[2].Symbol != "A" {
		t.Fatalf("unexpected order: %s %s %s", rows[0].Symbol, rows[1].Symbol, rows[2].Symbol)
	}
}

func TestAggregatePnl(t *testing.T) {
	if got := AggregatePnl(nil); got != nil {
		t.Fatalf("expected nil aggregate for empty rows, got %s", got)
	}

	profit := decimal.NewFromInt(20)
	loss := decimal.NewFromInt(-5)
	rows := []Row{
		{UnrealizedPnl: &profit},
		{},
		{UnrealizedPnl: &loss},
	}
	requireDecimal(t, AggregatePnl(rows), "15")
}
