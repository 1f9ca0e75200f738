package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"listing-tracker/config"
	"listing-tracker/utils"
)

var (
	cfgFile  string
	logLevel string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "listing-tracker",
	Short: "Discovers dealer listings and tracks their lifecycle day by day.",
	Long: `listing-tracker walks a dealer's catalog in a headless browser, keeps a
persistent record of every listing it has ever seen and reports what was
added, removed or repriced on each run.`,
	CompletionOptions: cobra.CompletionOptions{
		DisableDefaultCmd: true,
	},
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml, toml or json; default: environment only)")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "loglevel", "l", "", "Set log level. Available: debug, info, warn, error")
}

// loadEnv reads the configuration and builds the process logger. The
// --loglevel flag wins over LOG_LEVEL.
func loadEnv() (*config.Config, *utils.Logger, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, err
	}
	logger := utils.NewLogger(logLevel)
	logger.Info("Config: %s", cfg)
	return cfg, logger, nil
}
