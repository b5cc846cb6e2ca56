package fetcher

import (
	"context"
	"encoding/json"
)

// PositionFetcher retrieves the raw open-position records.
type PositionFetcher interface {
	FetchPositions(ctx context.Context) ([]json.RawMessage, error)
}

// TickerFetcher retrieves the raw ticker records.
type TickerFetcher interface {
	FetchTickers(ctx context.Context) ([]json.RawMessage, error)
}
