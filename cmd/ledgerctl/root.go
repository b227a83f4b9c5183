package main

import (
	"github.com/Nzyazin/fanledger/internal/core/logger"
	"github.com/Nzyazin/fanledger/pkg/config"
	"github.com/spf13/cobra"
)

var envFile string

var rootCmd = &cobra.Command{
	Use:           "ledgerctl",
	Short:         "Operate the fanledger value-transfer ledger",
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "config.env", "Optional env file loaded before reading the environment")
}

func loadConfig() (*config.Config, logger.Logger, func(), error) {
	cfg, err := config.Load(envFile)
	if err != nil {
		return nil, nil, nil, err
	}
	log, cleanup, err := logger.NewLogger(cfg.LogDir)
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, log, cleanup, nil
}
