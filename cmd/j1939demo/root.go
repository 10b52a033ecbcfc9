package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/guoh27/j1939/config"
	"github.com/guoh27/j1939/internal/logging"
)

var (
	configFile string
	log        *logrus.Logger
	cfg        config.Config
)

var rootCmd = &cobra.Command{
	Use:   "j1939demo",
	Short: "Exercise address claiming and transport over an in-memory CAN bus",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return loadConfig()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "",
		"path to a j1939demo config file (defaults built in if omitted)")
}

func loadConfig() error {
	if configFile == "" {
		cfg = config.Default()
	} else {
		loaded, err := config.Load(configFile)
		if err != nil {
			return fmt.Errorf("j1939demo: %w", err)
		}
		cfg = *loaded
	}
	log = logging.New(cfg.Log)
	return nil
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
