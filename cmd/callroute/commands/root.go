package commands

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/haivivi/callroute/pkg/config"
)

var (
	cfgFile      string
	outputFormat string
	verbose      bool

	globalConfig *config.Config
	configErr    error
)

var rootCmd = &cobra.Command{
	Use:   "callroute",
	Short: "Persona call routing and audio processing",
	Long: `callroute answers and places voice calls on behalf of a roster of
executive personas.

Each inbound call is routed by rules (keywords, caller pattern, time of day,
weekday, urgency) or, failing those, to the least loaded available persona.
Call audio runs through a per-persona processing graph with noise
suppression, compression and spatial placement.

Configuration is read from ./callroute.yaml unless --config is given. Without
a file the built-in roster (cfo, cmo, cto, clo, coo, chro, cso) is used.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./"+config.DefaultFile+")")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "yaml", "output format (yaml, json, table)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(routeCmd)
	rootCmd.AddCommand(rosterCmd)
	rootCmd.AddCommand(simulateCmd)
	rootCmd.AddCommand(dialCmd)
	rootCmd.AddCommand(configCmd)
}

func initConfig() {
	globalConfig, configErr = config.Load(cfgFile)
}

// getConfig returns the loaded configuration, reporting load errors lazily
// so that help output works with a broken file.
func getConfig() (*config.Config, error) {
	if configErr != nil {
		return nil, configErr
	}
	if globalConfig == nil {
		return nil, fmt.Errorf("config not loaded")
	}
	return globalConfig, nil
}

func newLogger(cfg *config.Config) *slog.Logger {
	if verbose {
		cfg.Log.Level = "debug"
	}
	return cfg.NewLogger(os.Stderr)
}
