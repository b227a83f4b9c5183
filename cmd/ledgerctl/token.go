package main

import (
	"fmt"
	"time"

	"github.com/Nzyazin/fanledger/pkg/auth"
	"github.com/Nzyazin/fanledger/pkg/config"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.Flags().String("role", "", "Role claim, for example admin")
	tokenCmd.Flags().Duration("ttl", time.Hour, "Token lifetime")
}

var tokenCmd = &cobra.Command{
	Use:   "token USER_ID",
	Short: "Issue a bearer token for local testing",
	Long:  `Sign a token with JWT_SECRET whose subject is USER_ID. The subject is the wallet the caller acts on.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runToken,
}

func runToken(cmd *cobra.Command, args []string) error {
	role, _ := cmd.Flags().GetString("role")
	ttl, _ := cmd.Flags().GetDuration("ttl")

	cfg, err := config.Load(envFile)
	if err != nil {
		return err
	}

	token, err := auth.IssueToken(args[0], role, cfg.JWTSecret, ttl)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}
