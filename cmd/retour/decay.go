package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var decayCmd = &cobra.Command{
	Use:   "decay",
	Short: "Run one rule health decay pass",
	Long:  `Lower the health of every active policy rule that is neither locked nor muted and disable the rules that reach zero. The server does this on policy.decay_interval.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, log, err := loadConfig()
		if err != nil {
			return err
		}
		a, err := newApp(cmd.Context(), cfg, log, "")
		if err != nil {
			return err
		}
		defer a.Close()

		report, err := a.policy.Decay(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "decayed %d rules, disabled %d\n", report.Decayed, report.Disabled)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(decayCmd)
}
