package cli

import (
	"github.com/spf13/cobra"
)

var positionsCmd = &cobra.Command{
	Use:   "positions",
	Short: "Fetch and display current open positions",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Positions(cmd.Context())
	},
}
