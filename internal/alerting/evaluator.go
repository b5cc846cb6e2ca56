package alerting

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"position-alerts/internal/position"
)

// FiringMode selects what happens to a rule after it fires.
type FiringMode string

const (
	// ModeRearm keeps the rule Active; the transition set alone prevents
	// repeats, and the rule re-fires on the next false-to-true edge.
	ModeRearm FiringMode = "rearm"
	// ModeOnce flips the rule to Triggered on first fire; it stays silent
	// until manually reactivated.
	ModeOnce FiringMode = "once"
)

// Notification is one fired alert, ready for dispatch.
type Notification struct {
	Rule     Rule
	Value    decimal.Decimal
	Message  string
	At       time.Time
	Channels []string
}

// Evaluator walks active rules against the current row set. It owns the
// edge-trigger state: a rule key enters the set when its condition turns
// true and leaves it when the condition turns false again.
type Evaluator struct {
	mode            FiringMode
	portfolioSymbol string
	triggered       map[string]struct{}
	logger          zerolog.Logger
}

// NewEvaluator constructs an evaluator with an empty transition set.
func NewEvaluator(mode FiringMode, portfolioSymbol string, logger zerolog.Logger) *Evaluator {
	if mode != ModeOnce {
		mode = ModeRearm
	}
	return &Evaluator{
		mode:            mode,
		portfolioSymbol: portfolioSymbol,
		triggered:       make(map[string]struct{}),
		logger:          logger.With().Str("component", "evaluator").Logger(),
	}
}

// Evaluate returns the notifications newly due this cycle and the rule list
// with trigger state applied. Rules whose symbol has no matching row, or
// whose watched value is nil, are skipped without touching their state.
func (e *Evaluator) Evaluate(rows []position.Row, aggregatePnl *decimal.Decimal, rules []Rule, now time.Time) ([]Notification, []Rule) {
	var notifications []Notification

	updated := make([]Rule, len(rules))
	copy(updated, rules)

	for i, rule := range updated {
		if rule.Status != StatusActive {
			continue
		}

		value := e.currentValue(rule, rows, aggregatePnl)
		if value == nil {
			continue
		}

		key := rule.Key()
		if !satisfied(rule, *value) {
			// Condition false: clear the edge so a later true
			// transition fires again.
			delete(e.triggered, key)
			continue
		}

		if _, already := e.triggered[key]; already {
			continue
		}
		e.triggered[key] = struct{}{}

		if e.mode == ModeOnce {
			updated[i].Status = StatusTriggered
			firedAt := now
			updated[i].TriggeredAt = &firedAt
		}

		notifications = append(notifications, Notification{
			Rule:    updated[i],
			Value:   *value,
			Message: renderMessage(rule, *value, now),
			At:      now,
		})

		e.logger.Info().
			Str("symbol", rule.Symbol).
			Str("criteria", rule.Criteria).
			Str("condition", rule.Condition).
			Str("threshold", rule.Threshold.String()).
			Str("value", value.String()).
			Msg("alert condition satisfied")
	}

	return notifications, updated
}

func (e *Evaluator) currentValue(rule Rule, rows []position.Row, aggregatePnl *decimal.Decimal) *decimal.Decimal {
	if rule.Symbol == e.portfolioSymbol {
		return aggregatePnl
	}
	for _, row := range rows {
		if row.Symbol == rule.Symbol {
			return row.Value(rule.Criteria)
		}
	}
	return nil
}

func satisfied(rule Rule, value decimal.Decimal) bool {
	switch rule.Condition {
	case ConditionGTE:
		return value.GreaterThanOrEqual(rule.Threshold)
	case ConditionLTE:
		return value.LessThanOrEqual(rule.Threshold)
	default:
		return false
	}
}

func renderMessage(rule Rule, value decimal.Decimal, now time.Time) string {
	builder := strings.Builder{}
	builder.WriteString("[Position Alert]\n")
	builder.WriteString(fmt.Sprintf("Symbol: %s\n", rule.Symbol))
	builder.WriteString(fmt.Sprintf("Rule: %s %s %s\n", rule.Criteria, rule.Condition, rule.Threshold.String()))
	builder.WriteString(fmt.Sprintf("Current: %s\n", value.StringFixed(4)))
	builder.WriteString(fmt.Sprintf("Time: %s UTC", now.UTC().Format(time.RFC3339)))
	return builder.String()
}
