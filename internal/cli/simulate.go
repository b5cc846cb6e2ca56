package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"position-alerts/internal/app"
)

var (
	simulateSymbol string
	simulateEntry  float64
	simulateMark   float64
	simulateSize   float64
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "模拟一条持仓数据并触发告警流程",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateSymbol == "" {
			return errors.New("--symbol 必须提供")
		}
		if simulateMark <= 0 {
			return errors.New("--mark 必须大于 0")
		}

		opts := app.SimulateOptions{
			Symbol: simulateSymbol,
			Entry:  simulateEntry,
			Mark:   simulateMark,
			Size:   simulateSize,
		}
		return getApp().SimulateAlert(cmd.Context(), opts)
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateSymbol, "symbol", "", "合约代码，例如 BTCUSD")
	simulateCmd.Flags().Float64Var(&simulateEntry, "entry", 0, "开仓价")
	simulateCmd.Flags().Float64Var(&simulateMark, "mark", 0, "标记价")
	simulateCmd.Flags().Float64Var(&simulateSize, "size", 0, "仓位手数")
}
