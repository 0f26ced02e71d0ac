package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/TemporalDynamics/ecosign-sub001/config"
)

var (
	cfgFile   string
	storeKind string
	cfg       config.Config
)

var rootCmd = &cobra.Command{
	Use:   "evidence-service",
	Short: "Evidence ledger for signed documents",
	Long: `An append-only evidence ledger for documents: signatures, timestamp
tokens and blockchain anchors, with the derived status computed from the ledger`,
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml, then ./app.env)")
	rootCmd.PersistentFlags().StringVar(&storeKind, "store", "", "ledger store: postgres or memory (overrides ledger.store)")
}

func initConfig() {
	var err error

	if cfgFile != "" {
		// Use config file from the flag
		config.SetConfigFile(cfgFile)
	}

	cfg, err = config.LoadConfig()
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}
	if storeKind != "" {
		cfg.Ledger.Store = storeKind
	}

	configureLogging(cfg.Logging, cfg.Environment)
}

func configureLogging(lc config.LoggingConfig, environment string) {
	level, err := zerolog.ParseLevel(strings.ToLower(lc.Level))
	if err != nil || lc.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs

	if lc.Format == "console" || environment == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}
