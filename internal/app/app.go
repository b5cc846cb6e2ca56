package app

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"position-alerts/internal/alerting"
	"position-alerts/internal/config"
	"position-alerts/internal/fetcher"
	"position-alerts/internal/position"
	"position-alerts/internal/scheduler"
	"position-alerts/internal/service"
	"position-alerts/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) newExchange() *fetcher.Delta {
	return fetcher.NewDelta(fetcher.DeltaOptions{
		BaseURL:   a.Config.Exchange.BaseURL,
		APIKey:    a.Config.Exchange.APIKey,
		APISecret: a.Config.Exchange.APISecret,
		Timeout:   a.Config.Exchange.RequestTimeout,
		UserAgent: a.Config.Exchange.UserAgent,
	}, a.Logger)
}

func (a *App) newNormalizer() *position.Normalizer {
	return position.NewNormalizer(a.Config.Exchange.LotSizes, a.Logger)
}

func (a *App) newEvaluator() *alerting.Evaluator {
	return alerting.NewEvaluator(
		alerting.FiringMode(a.Config.Alerting.Mode),
		a.Config.Alerting.PortfolioSymbol,
		a.Logger,
	)
}

func (a *App) newNotifier() alerting.Notifier {
	if !channelEnabled(a.Config.Alerting.Channels, "telegram") {
		return nil
	}
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
	}
	return nil
}

func channelEnabled(channels []string, name string) bool {
	for _, c := range channels {
		if c == name {
			return true
		}
	}
	return false
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

// Run executes the long-running monitoring service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; alert rules will not survive restarts")
	}
	if closeStore != nil {
		defer closeStore()
	}

	sched := scheduler.New(scheduler.Options{
		Interval:     a.Config.Scheduler.Interval,
		AlignToStart: a.Config.Scheduler.AlignToBucket,
		StartupDelay: a.Config.Scheduler.StartupDelay,
	}, a.Logger)

	exchange := a.newExchange()
	notifier := a.newNotifier()

	var ruleStore storage.RuleStore
	var sampleStore storage.SampleStore
	var alertLog storage.AlertLog
	if store != nil {
		ruleStore = store
		sampleStore = store
		alertLog = store
	}

	svc := service.New(a.Config, sched, exchange, exchange, a.newNormalizer(), a.newEvaluator(), ruleStore, sampleStore, alertLog, notifier, a.Logger)

	a.Logger.Info().Msg("starting position watcher")
	err = svc.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("position watcher stopped")
	return nil
}

// ExportOptions hold parameters for exporting historical P&L samples.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
}

// SimulateOptions describe the synthetic position fed to the evaluator.
type SimulateOptions struct {
	Symbol string
	Entry  float64
	Mark   float64
	Size   float64
}
