package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"position-alerts/internal/fetcher"
	"position-alerts/internal/service"
)

// SimulateAlert 使用合成行情跑一次完整的评估与通知流程。
func (a *App) SimulateAlert(ctx context.Context, opts SimulateOptions) error {
	if !a.Config.Alerting.Enabled {
		return errors.New("alerting 未启用")
	}

	notifier := a.newNotifier()
	if notifier == nil {
		return errors.New("未配置任何告警通道")
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database 未配置，无法加载告警规则")
	}
	if closeStore != nil {
		defer closeStore()
	}

	record, err := json.Marshal(map[string]any{
		"symbol":      opts.Symbol,
		"entry_price": opts.Entry,
		"mark_price":  opts.Mark,
		"size":        opts.Size,
	})
	if err != nil {
		return fmt.Errorf("marshal synthetic position: %w", err)
	}

	positions := &staticRecordFetcher{records: []json.RawMessage{record}}

	svc := service.New(a.Config, nil, positions, &staticRecordFetcher{}, a.newNormalizer(), a.newEvaluator(), store, nil, nil, notifier, a.Logger)

	return svc.ProcessCycle(ctx, time.Now().UTC())
}

type staticRecordFetcher struct {
	records []json.RawMessage
}

func (s *staticRecordFetcher) FetchPositions(ctx context.Context) ([]json.RawMessage, error) {
	return s.records, nil
}

func (s *staticRecordFetcher) FetchTickers(ctx context.Context) ([]json.RawMessage, error) {
	return s.records, nil
}

var _ fetcher.PositionFetcher = (*staticRecordFetcher)(nil)
var _ fetcher.TickerFetcher = (*staticRecordFetcher)(nil)
