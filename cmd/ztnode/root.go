package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const envPrefix = "ztnode"

var log zerolog.Logger

var rootCmd = &cobra.Command{
	Use:   "ztnode",
	Short: "Run and administer an overlay network node",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, err := zerolog.ParseLevel(viper.GetString("log-level"))
		if err != nil {
			return fmt.Errorf("invalid log level: %w", err)
		}
		log = log.Level(level)
		return nil
	},
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "log level (trace, debug, info, warn, error)")
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))

	log = zerolog.New(zerolog.NewConsoleWriter()).With().Timestamp().Logger()

	cobra.OnInitialize(initConfig)
}

func initConfig() {
	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}
