package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"position-alerts/internal/alerting"
	"position-alerts/internal/storage"
)

// AddAlert validates and appends a new Active rule, rewriting the stored
// rule table.
func (a *App) AddAlert(ctx context.Context, rule alerting.Rule) error {
	if err := rule.Validate(); err != nil {
		return err
	}
	rule.Status = alerting.StatusActive
	rule.TriggeredAt = nil

	return a.withRules(ctx, func(rules []alerting.Rule) ([]alerting.Rule, error) {
		for _, existing := range rules {
			if existing.Key() == rule.Key() {
				return nil, fmt.Errorf("an identical alert already exists: %s", rule.Key())
			}
		}
		return append(rules, rule), nil
	})
}

// DeleteAlert removes the rule at the given position.
func (a *App) DeleteAlert(ctx context.Context, index int) error {
	return a.withRules(ctx, func(rules []alerting.Rule) ([]alerting.Rule, error) {
		if index < 0 || index >= len(rules) {
			return nil, fmt.Errorf("alert index %d out of range (0..%d)", index, len(rules)-1)
		}
		return append(rules[:index], rules[index+1:]...), nil
	})
}

// ResetAlert reactivates a Triggered or Inactive rule.
func (a *App) ResetAlert(ctx context.Context, index int) error {
	return a.withRules(ctx, func(rules []alerting.Rule) ([]alerting.Rule, error) {
		if index < 0 || index >= len(rules) {
			return nil, fmt.Errorf("alert index %d out of range (0..%d)", index, len(rules)-1)
		}
		rules[index] = rules[index].Reactivate()
		return rules, nil
	})
}

// ListAlerts prints the stored rule table.
func (a *App) ListAlerts(ctx context.Context) error {
	store, closeStore, err := a.openRuleStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	rules, err := store.LoadRules(ctx)
	if err != nil {
		return err
	}
	if len(rules) == 0 {
		fmt.Fprintln(os.Stdout, "no alerts defined")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "#\tSymbol\tCriteria\tCondition\tThreshold\tStatus\tTriggered At")
	for i, rule := range rules {
		triggeredAt := "-"
		if rule.TriggeredAt != nil {
			triggeredAt = rule.TriggeredAt.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(
			writer,
			"%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			i,
			rule.Symbol,
			rule.Criteria,
			rule.Condition,
			rule.Threshold.String(),
			rule.Status,
			triggeredAt,
		)
	}
	writer.Flush()
	return nil
}

// withRules loads the whole rule table, applies mutate, and writes the whole
// table back. The store has no row-level updates, so every edit is a rewrite.
func (a *App) withRules(ctx context.Context, mutate func([]alerting.Rule) ([]alerting.Rule, error)) error {
	store, closeStore, err := a.openRuleStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	rules, err := store.LoadRules(ctx)
	if err != nil {
		return err
	}

	updated, err := mutate(rules)
	if err != nil {
		return err
	}

	return store.ReplaceRules(ctx, updated)
}

func (a *App) openRuleStore(ctx context.Context) (*storage.Store, func(), error) {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return nil, nil, err
	}
	if store == nil {
		return nil, nil, errors.New("database not configured; alert management requires database.dsn")
	}
	if closeStore == nil {
		closeStore = func() {}
	}
	return store, closeStore, nil
}
