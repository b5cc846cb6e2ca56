package cli

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"position-alerts/internal/alerting"
)

var (
	alertSymbol    string
	alertCriteria  string
	alertCondition string
	alertThreshold float64
	alertIndex     int
)

var alertCmd = &cobra.Command{
	Use:   "alert",
	Short: "Manage threshold alert rules",
}

var alertAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Create a new alert rule",
	RunE: func(cmd *cobra.Command, args []string) error {
		rule := alerting.Rule{
			Symbol:    alertSymbol,
			Criteria:  alertCriteria,
			Condition: alertCondition,
			Threshold: decimal.NewFromFloat(alertThreshold),
		}
		if err := getApp().AddAlert(cmd.Context(), rule); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "alert added")
		return nil
	},
}

var alertListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored alert rules",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().ListAlerts(cmd.Context())
	},
}

var alertDeleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Delete an alert rule by index",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := getApp().DeleteAlert(cmd.Context(), alertIndex); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "alert deleted")
		return nil
	},
}

var alertResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reactivate a triggered or inactive alert rule",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := getApp().ResetAlert(cmd.Context(), alertIndex); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "alert reactivated")
		return nil
	},
}

func init() {
	alertAddCmd.Flags().StringVar(&alertSymbol, "symbol", "", "Contract symbol, or the portfolio sentinel (default PORTFOLIO)")
	alertAddCmd.Flags().StringVar(&alertCriteria, "criteria", alerting.CriteriaPnl, "Watched field: mark_price, upnl, or upnl_pct")
	alertAddCmd.Flags().StringVar(&alertCondition, "condition", alerting.ConditionGTE, "Comparison: >= or <=")
	alertAddCmd.Flags().Float64Var(&alertThreshold, "threshold", 0, "Comparison bound")
	_ = alertAddCmd.MarkFlagRequired("symbol")
	_ = alertAddCmd.MarkFlagRequired("threshold")

	alertDeleteCmd.Flags().IntVar(&alertIndex, "index", -1, "Rule index as shown by 'alert list'")
	_ = alertDeleteCmd.MarkFlagRequired("index")

	alertResetCmd.Flags().IntVar(&alertIndex, "index", -1, "Rule index as shown by 'alert list'")
	_ = alertResetCmd.MarkFlagRequired("index")

	alertCmd.AddCommand(alertAddCmd)
	alertCmd.AddCommand(alertListCmd)
	alertCmd.AddCommand(alertDeleteCmd)
	alertCmd.AddCommand(alertResetCmd)
}
