package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"position-alerts/internal/alerting"
	"position-alerts/internal/config"
	"position-alerts/internal/position"
	"position-alerts/internal/storage"
)

type staticFetcher struct {
	records []json.RawMessage
	err     error
}

func (f *staticFetcher) FetchPositions(ctx context.Context) ([]json.RawMessage, error) {
	return f.records, f.err
}

func (f *staticFetcher) FetchTickers(ctx context.Context) ([]json.RawMessage, error) {
	return f.records, f.err
}

type memRuleStore struct {
	rules    []alerting.Rule
	loadErr  error
	replaced [][]alerting.Rule
}

func (m *memRuleStore) LoadRules(ctx context.Context) ([]alerting.Rule, error) {
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	return m.rules, nil
}

func (m *memRuleStore) ReplaceRules(ctx context.Context, rules []alerting.Rule) error {
	m.rules = append([]alerting.Rule(nil), rules...)
	m.replaced = append(m.replaced, m.rules)
	return nil
}

type memSampleStore struct {
	samples []storage.PnlSample
}

func (m *memSampleStore) UpsertSample(ctx context.Context, sample storage.PnlSample) error {
	m.samples = append(m.samples, sample)
	return nil
}

func (m *memSampleStore) ListSamplesBetween(ctx context.Context, from, to time.Time) ([]storage.PnlSample, error) {
	return m.samples, nil
}

func (m *memSampleStore) ListRecentSamples(ctx context.Context, limit int) ([]storage.PnlSample, error) {
	return m.samples, nil
}

func (m *memSampleStore) CountSamples(ctx context.Context) (int64, error) {
	return int64(len(m.samples)), nil
}

type memAlertLog struct {
	records []storage.AlertRecord
	pruned  []time.Time
}

func (m *memAlertLog) InsertAlert(ctx context.Context, alert storage.AlertRecord) (storage.AlertRecord, error) {
	m.records = append(m.records, alert)
	return alert, nil
}

func (m *memAlertLog) ListRecentAlerts(ctx context.Context, limit int) ([]storage.AlertRecord, error) {
	return m.records, nil
}

func (m *memAlertLog) DeleteAlertsBefore(ctx context.Context, olderThan time.Time) error {
	m.pruned = append(m.pruned, olderThan)
	return nil
}

type capturingNotifier struct {
	notes []alerting.Notification
	err   error
}

func (c *capturingNotifier) Notify(ctx context.Context, note alerting.Notification) error {
	c.notes = append(c.notes, note)
	return c.err
}

func testConfig() *config.Config {
	return &config.Config{
		Alerting: config.AlertingConfig{Enabled: true, Mode: "rearm", PortfolioSymbol: "PORTFOLIO", Channels: []string{"telegram"}},
	}
}

func newTestService(positions, tickers []json.RawMessage, ruleStore *memRuleStore, sampleStore *memSampleStore, alertLog *memAlertLog, notifier alerting.Notifier) *Service {
	cfg := testConfig()
	normalizer := position.NewNormalizer(map[string]float64{"BTC": 1000}, zerolog.Nop())
	evaluator := alerting.NewEvaluator(alerting.ModeRearm, cfg.Alerting.PortfolioSymbol, zerolog.Nop())

	var rs storage.RuleStore
	if ruleStore != nil {
		rs = ruleStore
	}
	var ss storage.SampleStore
	if sampleStore != nil {
		ss = sampleStore
	}
	var al storage.AlertLog
	if alertLog != nil {
		al = alertLog
	}

	return New(cfg, nil,
		&staticFetcher{records: positions},
		&staticFetcher{records: tickers},
		normalizer, evaluator, rs, ss, al, notifier, zerolog.Nop())
}

func TestProcessCycleFiresAndPersists(t *testing.T) {
	positions := []json.RawMessage{
		json.RawMessage(`{"symbol":"BTCUSD","entry_price":"100","mark_price":"110","size":2000}`),
	}
	ruleStore := &memRuleStore{rules: []alerting.Rule{{
		Symbol:    "BTCUSD",
		Criteria:  alerting.CriteriaMarkPrice,
		Condition: alerting.ConditionGTE,
		Threshold: decimal.NewFromInt(105),
		Status:    alerting.StatusActive,
	}}}
	sampleStore := &memSampleStore{}
	alertLog := &memAlertLog{}
	notifier := &capturingNotifier{}

	svc := newTestService(positions, nil, ruleStore, sampleStore, alertLog, notifier)
	cycle := time.Date(2025, 11, 8, 12, 0, 0, 0, time.UTC)

	if err := svc.ProcessCycle(context.Background(), cycle); err != nil {
		t.Fatalf("cycle should succeed: %v", err)
	}

	if len(notifier.notes) != 1 {
		t.Fatalf("expected one notification, got %d", len(notifier.notes))
	}
	if len(notifier.notes[0].Channels) != 1 || notifier.notes[0].Channels[0] != "telegram" {
		t.Fatalf("notification must carry the configured channels, got %v", notifier.notes[0].Channels)
	}
	if len(alertLog.records) != 1 {
		t.Fatalf("expected one audit record, got %d", len(alertLog.records))
	}
	if len(ruleStore.replaced) != 1 {
		t.Fatalf("expected rule state to be rewritten once, got %d", len(ruleStore.replaced))
	}
	if len(sampleStore.samples) != 1 {
		t.Fatalf("expected one pnl sample, got %d", len(sampleStore.samples))
	}

	sample := sampleStore.samples[0]
	if sample.Status != "complete" {
		t.Fatalf("expected complete sample, got %q", sample.Status)
	}
	if sample.PortfolioPnl == nil || !sample.PortfolioPnl.Equal(decimal.NewFromInt(20)) {
		t.Fatalf("expected portfolio upnl 20, got %v", sample.PortfolioPnl)
	}

	// Second identical cycle: condition still true, dedup keeps it silent.
	if err := svc.ProcessCycle(context.Background(), cycle.Add(5*time.Second)); err != nil {
		t.Fatalf("second cycle should succeed: %v", err)
	}
	if len(notifier.notes) != 1 {
		t.Fatalf("repeat condition must not re-fire, got %d notifications", len(notifier.notes))
	}
}

func TestProcessCycleDegradesOnFetchFailure(t *testing.T) {
	sampleStore := &memSampleStore{}

	cfg := testConfig()
	normalizer := position.NewNormalizer(nil, zerolog.Nop())
	evaluator := alerting.NewEvaluator(alerting.ModeRearm, cfg.Alerting.PortfolioSymbol, zerolog.Nop())
	svc := New(cfg, nil,
		&staticFetcher{err: errors.New("connection refused")},
		&staticFetcher{err: errors.New("timeout")},
		normalizer, evaluator, nil, sampleStore, nil, nil, zerolog.Nop())

	if err := svc.ProcessCycle(context.Background(), time.Now()); err != nil {
		t.Fatalf("fetch failures must not fail the cycle: %v", err)
	}

	if len(sampleStore.samples) != 1 {
		t.Fatalf("expected a degraded sample, got %d", len(sampleStore.samples))
	}
	sample := sampleStore.samples[0]
	if sample.Status != "degraded" {
		t.Fatalf("expected degraded status, got %q", sample.Status)
	}
	if sample.Error == nil {
		t.Fatal("degraded sample should carry the error detail")
	}
	if sample.PositionCount != 0 {
		t.Fatalf("expected zero positions, got %d", sample.PositionCount)
	}
}

func TestProcessCycleNotifierFailureSwallowed(t *testing.T) {
	positions := []json.RawMessage{
		json.RawMessage(`{"symbol":"BTCUSD","entry_price":"100","mark_price":"110","size":2000}`),
	}
	ruleStore := &memRuleStore{rules: []alerting.Rule{{
		Symbol:    "BTCUSD",
		Criteria:  alerting.CriteriaMarkPrice,
		Condition: alerting.ConditionGTE,
		Threshold: decimal.NewFromInt(105),
		Status:    alerting.StatusActive,
	}}}
	notifier := &capturingNotifier{err: errors.New("telegram down")}

	svc := newTestService(positions, nil, ruleStore, nil, nil, notifier)

	if err := svc.ProcessCycle(context.Background(), time.Now()); err != nil {
		t.Fatalf("notification failure must not fail the cycle: %v", err)
	}
}

func TestProcessCycleEmptyEverything(t *testing.T) {
	notifier := &capturingNotifier{}
	svc := newTestService(nil, nil, &memRuleStore{}, nil, nil, notifier)

	if err := svc.ProcessCycle(context.Background(), time.Now()); err != nil {
		t.Fatalf("empty cycle should succeed: %v", err)
	}
	if len(notifier.notes) != 0 {
		t.Fatalf("no rules, no notifications; got %d", len(notifier.notes))
	}
	if len(svc.Rules()) != 0 {
		t.Fatalf("rule list should stay empty, got %d", len(svc.Rules()))
	}
}

func TestProcessCycleHonorsRulesAddedBetweenCycles(t *testing.T) {
	positions := []json.RawMessage{
		json.RawMessage(`{"symbol":"BTCUSD","entry_price":"100","mark_price":"110","size":2000}`),
	}
	ruleStore := &memRuleStore{}
	notifier := &capturingNotifier{}

	svc := newTestService(positions, nil, ruleStore, nil, nil, notifier)
	cycle := time.Date(2025, 11, 8, 12, 0, 0, 0, time.UTC)

	if err := svc.ProcessCycle(context.Background(), cycle); err != nil {
		t.Fatalf("first cycle should succeed: %v", err)
	}
	if len(notifier.notes) != 0 {
		t.Fatalf("no rules yet, expected no notifications, got %d", len(notifier.notes))
	}

	// 运行期间通过 CLI 新增的规则必须在下一个周期生效。
	ruleStore.rules = append(ruleStore.rules, alerting.Rule{
		Symbol:    "BTCUSD",
		Criteria:  alerting.CriteriaMarkPrice,
		Condition: alerting.ConditionGTE,
		Threshold: decimal.NewFromInt(105),
		Status:    alerting.StatusActive,
	})

	if err := svc.ProcessCycle(context.Background(), cycle.Add(5*time.Second)); err != nil {
		t.Fatalf("second cycle should succeed: %v", err)
	}
	if len(notifier.notes) != 1 {
		t.Fatalf("rule added between cycles must fire, got %d notifications", len(notifier.notes))
	}
	if len(ruleStore.replaced) != 1 {
		t.Fatalf("expected one rewrite, got %d", len(ruleStore.replaced))
	}
	if len(ruleStore.replaced[0]) != 1 || ruleStore.replaced[0][0].Symbol != "BTCUSD" {
		t.Fatalf("rewrite must keep the newly added rule, got %+v", ruleStore.replaced[0])
	}
}

func TestProcessCycleSkipsRewriteWhenReloadFails(t *testing.T) {
	positions := &staticFetcher{records: []json.RawMessage{
		json.RawMessage(`{"symbol":"BTCUSD","entry_price":"100","mark_price":"100","size":2000}`),
	}}
	ruleStore := &memRuleStore{rules: []alerting.Rule{{
		Symbol:    "BTCUSD",
		Criteria:  alerting.CriteriaMarkPrice,
		Condition: alerting.ConditionGTE,
		Threshold: decimal.NewFromInt(105),
		Status:    alerting.StatusActive,
	}}}
	notifier := &capturingNotifier{}

	cfg := testConfig()
	normalizer := position.NewNormalizer(map[string]float64{"BTC": 1000}, zerolog.Nop())
	evaluator := alerting.NewEvaluator(alerting.ModeRearm, cfg.Alerting.PortfolioSymbol, zerolog.Nop())
	svc := New(cfg, nil, positions, &staticFetcher{}, normalizer, evaluator, ruleStore, nil, nil, notifier, zerolog.Nop())

	cycle := time.Date(2025, 11, 8, 12, 0, 0, 0, time.UTC)
	if err := svc.ProcessCycle(context.Background(), cycle); err != nil {
		t.Fatalf("first cycle should succeed: %v", err)
	}
	if len(notifier.notes) != 0 {
		t.Fatalf("condition false, expected no notifications, got %d", len(notifier.notes))
	}

	// 存储暂时不可用时，触发仍基于内存规则，但禁止用过期快照回写。
	ruleStore.loadErr = errors.New("store unreachable")
	positions.records = []json.RawMessage{
		json.RawMessage(`{"symbol":"BTCUSD","entry_price":"100","mark_price":"110","size":2000}`),
	}

	if err := svc.ProcessCycle(context.Background(), cycle.Add(5*time.Second)); err != nil {
		t.Fatalf("second cycle should succeed: %v", err)
	}
	if len(notifier.notes) != 1 {
		t.Fatalf("in-memory rules must still fire, got %d notifications", len(notifier.notes))
	}
	if len(ruleStore.replaced) != 0 {
		t.Fatal("a failed reload must never be followed by a rewrite of the stored rules")
	}
}

func TestProcessCycleSweepsAlertHistory(t *testing.T) {
	alertLog := &memAlertLog{}

	cfg := testConfig()
	cfg.Database.AlertRetention = 24 * time.Hour
	normalizer := position.NewNormalizer(nil, zerolog.Nop())
	evaluator := alerting.NewEvaluator(alerting.ModeRearm, cfg.Alerting.PortfolioSymbol, zerolog.Nop())
	svc := New(cfg, nil, &staticFetcher{}, &staticFetcher{}, normalizer, evaluator, nil, nil, alertLog, nil, zerolog.Nop())

	cycle := time.Date(2025, 11, 8, 12, 0, 0, 0, time.UTC)
	if err := svc.ProcessCycle(context.Background(), cycle); err != nil {
		t.Fatalf("cycle should succeed: %v", err)
	}
	if len(alertLog.pruned) != 1 {
		t.Fatalf("expected one prune, got %d", len(alertLog.pruned))
	}
	if want := cycle.Add(-24 * time.Hour); !alertLog.pruned[0].Equal(want) {
		t.Fatalf("expected cutoff %s, got %s", want, alertLog.pruned[0])
	}

	// 一小时内的后续周期不重复清理。
	if err := svc.ProcessCycle(context.Background(), cycle.Add(5*time.Second)); err != nil {
		t.Fatalf("cycle should succeed: %v", err)
	}
	if len(alertLog.pruned) != 1 {
		t.Fatalf("prune must run at most hourly, got %d", len(alertLog.pruned))
	}

	if err := svc.ProcessCycle(context.Background(), cycle.Add(2*time.Hour)); err != nil {
		t.Fatalf("cycle should succeed: %v", err)
	}
	if len(alertLog.pruned) != 2 {
		t.Fatalf("expected a second prune after an hour, got %d", len(alertLog.pruned))
	}
}

func TestProcessCycleRuleLoadFailureFallsBack(t *testing.T) {
	ruleStore := &memRuleStore{loadErr: errors.New("store unreachable")}
	svc := newTestService(nil, nil, ruleStore, nil, nil, nil)

	if err := svc.ProcessCycle(context.Background(), time.Now()); err != nil {
		t.Fatalf("rule load failure must not fail the cycle: %v", err)
	}
	if len(ruleStore.replaced) != 0 {
		t.Fatal("a failed load must never be followed by a rewrite of the stored rules")
	}
}
