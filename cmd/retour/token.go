package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/MSA-I/RE-TOUR-sub007/internal/server"
)

var tokenReviewer string

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a reviewer API token",
	Long:  `Sign a bearer token for a reviewer with JWT_SECRET. Review actions taken with the token are recorded under the reviewer's name.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		jwtCfg, err := cfg.JWT()
		if err != nil {
			return err
		}
		token, err := server.NewJWTService(jwtCfg).GenerateToken(tokenReviewer)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenReviewer, "reviewer", "", "Reviewer name carried by the token")
	_ = tokenCmd.MarkFlagRequired("reviewer")
	rootCmd.AddCommand(tokenCmd)
}
