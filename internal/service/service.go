package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"position-alerts/internal/alerting"
	"position-alerts/internal/config"
	"position-alerts/internal/fetcher"
	"position-alerts/internal/position"
	"position-alerts/internal/scheduler"
	"position-alerts/internal/storage"
)

// Service orchestrates one refresh cycle: fetch, normalize, evaluate alerts,
// notify, persist. Any single stage failing degrades the cycle instead of
// aborting it; only context cancellation stops the loop.
type Service struct {
	scheduler   *scheduler.Scheduler
	positions   fetcher.PositionFetcher
	tickers     fetcher.TickerFetcher
	normalizer  *position.Normalizer
	evaluator   *alerting.Evaluator
	ruleStore   storage.RuleStore
	sampleStore storage.SampleStore
	alertLog    storage.AlertLog
	notifier    alerting.Notifier
	logger      zerolog.Logger

	alertsOn bool
	channels []string
	locker   storage.AdvisoryLocker
	lockKey  int64

	retention time.Duration
	lastSweep time.Time

	rules       []alerting.Rule
	rulesLoaded bool
}

// New constructs the monitoring service.
func New(cfg *config.Config, sched *scheduler.Scheduler, positions fetcher.PositionFetcher, tickers fetcher.TickerFetcher, normalizer *position.Normalizer, evaluator *alerting.Evaluator, ruleStore storage.RuleStore, sampleStore storage.SampleStore, alertLog storage.AlertLog, notifier alerting.Notifier, logger zerolog.Logger) *Service {
	var locker storage.AdvisoryLocker
	if l, ok := sampleStore.(storage.AdvisoryLocker); ok {
		locker = l
	}

	return &Service{
		scheduler:   sched,
		positions:   positions,
		tickers:     tickers,
		normalizer:  normalizer,
		evaluator:   evaluator,
		ruleStore:   ruleStore,
		sampleStore: sampleStore,
		alertLog:    alertLog,
		notifier:    notifier,
		logger:      logger.With().Str("component", "service").Logger(),
		alertsOn:    cfg.Alerting.Enabled,
		channels:    cfg.Alerting.Channels,
		retention:   cfg.Database.AlertRetention,
		locker:      locker,
		lockKey:     cfg.Scheduler.AdvisoryLockKey,
	}
}

// Run begins the refresh loop.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return s.scheduler.Run(ctx, s.ProcessCycle)
}

// Rules returns the current in-memory rule list.
func (s *Service) Rules() []alerting.Rule {
	return s.rules
}

// ProcessCycle 执行单个刷新周期。
func (s *Service) ProcessCycle(ctx context.Context, cycle time.Time) error {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		s.logger.Debug().Time("cycle", cycle).Msg("skip cycle because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	return s.executeCycle(ctx, cycle)
}

func (s *Service) executeCycle(ctx context.Context, cycle time.Time) error {
	var degraded []string

	positionsRaw, err := s.positions.FetchPositions(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Time("cycle", cycle).Msg("position fetch failed; continuing with empty set")
		positionsRaw = nil
		degraded = append(degraded, fmt.Sprintf("positions: %v", err))
	}

	tickersRaw, err := s.tickers.FetchTickers(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Time("cycle", cycle).Msg("ticker fetch failed; continuing with empty set")
		tickersRaw = nil
		degraded = append(degraded, fmt.Sprintf("tickers: %v", err))
	}

	rows := s.normalizer.Rows(positionsRaw, tickersRaw)
	position.SortByAbsPnl(rows)
	aggregate := position.AggregatePnl(rows)

	s.refreshRules(ctx)

	var fired int
	if s.alertsOn && s.evaluator != nil {
		notifications, updated := s.evaluator.Evaluate(rows, aggregate, s.rules, cycle)
		s.rules = updated
		fired = len(notifications)

		for _, note := range notifications {
			s.dispatch(ctx, cycle, note)
		}

		if fired > 0 && s.rulesLoaded && s.ruleStore != nil {
			if err := s.ruleStore.ReplaceRules(ctx, s.rules); err != nil {
				s.logger.Error().Err(err).Time("cycle", cycle).Msg("failed to persist rule state; keeping in-memory rules")
			}
		}
	}

	s.persistSample(ctx, cycle, rows, aggregate, degraded)
	s.sweepAlerts(ctx, cycle)

	event := s.logger.Info().
		Time("cycle", cycle).
		Int("positions", len(rows)).
		Int("alerts_fired", fired)
	if aggregate != nil {
		event = event.Str("portfolio_upnl", aggregate.String())
	}
	event.Msg("cycle complete")

	return nil
}

// refreshRules re-reads the whole rule table at the start of each cycle so
// that rows added or reset through the CLI while the runner is live take
// effect immediately. On a load failure the in-memory rules stay in use and
// rulesLoaded flips off, which blocks the post-fire rewrite until a clean
// load succeeds again; a rewrite from a stale snapshot would drop concurrent
// edits.
func (s *Service) refreshRules(ctx context.Context) {
	if s.ruleStore == nil {
		return
	}
	rules, err := s.ruleStore.LoadRules(ctx)
	if err != nil {
		s.rulesLoaded = false
		s.logger.Warn().Err(err).Msg("failed to load alert rules; falling back to in-memory state")
		return
	}
	s.rules = rules
	s.rulesLoaded = true
}

func (s *Service) dispatch(ctx context.Context, cycle time.Time, note alerting.Notification) {
	note.Channels = s.channels

	if s.alertLog != nil {
		record := storage.AlertRecord{
			FiredAt:   note.At,
			Symbol:    note.Rule.Symbol,
			Criteria:  note.Rule.Criteria,
			Condition: note.Rule.Condition,
			Threshold: note.Rule.Threshold,
			Value:     note.Value,
			Message:   note.Message,
		}
		if _, err := s.alertLog.InsertAlert(ctx, record); err != nil {
			s.logger.Error().Err(err).Time("cycle", cycle).Msg("failed to persist alert record")
		}
	}

	if s.notifier == nil {
		return
	}
	// Delivery is best-effort: a failed send must not stall the cycle.
	if err := s.notifier.Notify(ctx, note); err != nil {
		s.logger.Error().Err(err).Time("cycle", cycle).Str("symbol", note.Rule.Symbol).Msg("failed to dispatch alert")
	}
}

func (s *Service) persistSample(ctx context.Context, cycle time.Time, rows []position.Row, aggregate *decimal.Decimal, degraded []string) {
	if s.sampleStore == nil {
		return
	}

	sample := storage.PnlSample{
		Bucket:        cycle,
		PortfolioPnl:  aggregate,
		PositionCount: len(rows),
		Status:        "complete",
	}
	if len(degraded) > 0 {
		sample.Status = "degraded"
		msg := strings.Join(degraded, "; ")
		sample.Error = &msg
	}

	if err := s.sampleStore.UpsertSample(ctx, sample); err != nil {
		s.logger.Error().Err(err).Time("cycle", cycle).Msg("failed to upsert pnl sample")
	}
}

// sweepAlerts prunes audit records older than the configured retention. The
// delete runs at most once per hour; retention zero disables pruning.
func (s *Service) sweepAlerts(ctx context.Context, cycle time.Time) {
	if s.retention <= 0 || s.alertLog == nil {
		return
	}
	if !s.lastSweep.IsZero() && cycle.Sub(s.lastSweep) < time.Hour {
		return
	}

	cutoff := cycle.Add(-s.retention)
	if err := s.alertLog.DeleteAlertsBefore(ctx, cutoff); err != nil {
		s.logger.Error().Err(err).Time("cutoff", cutoff).Msg("failed to prune alert history")
		return
	}
	s.lastSweep = cycle
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.lockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
