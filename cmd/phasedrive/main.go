// Command phasedrive drives protocol-based development workflows: init a
// project on a protocol, run its build/verify loop, approve its gates.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/phasedrive/phasedrive/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "phasedrive",
	Short: "Protocol-driven build/verify/gate workflow engine",
	Long: `phasedrive drives a project through a declared phase protocol
(e.g. specify -> plan -> implement -> review). Each phase produces an
artifact, passes multi-reviewer verification, and - at declared gates -
waits for explicit human approval before the workflow advances.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	// .env is a development convenience; absence is not an error.
	_ = godotenv.Load()

	cobra.OnInitialize(initViper)
	addPersistentFlags()
	registerCommands()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initViper() {
	viper.SetEnvPrefix("PHASEDRIVE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().String("home", "", "state directory (default ~/.phasedrive)")
	rootCmd.PersistentFlags().String("workdir", "", "working tree the workers operate in")
	rootCmd.PersistentFlags().String("log-level", "", "log level (trace..error)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON instead of tables")
	_ = viper.BindPFlag("home", rootCmd.PersistentFlags().Lookup("home"))
	_ = viper.BindPFlag("workdir", rootCmd.PersistentFlags().Lookup("workdir"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(
		newInitCmd(),
		newStatusCmd(),
		newNextCmd(),
		newRunCmd(),
		newCheckCmd(),
		newDoneCmd(),
		newGateCmd(),
		newApproveCmd(),
		newRollbackCmd(),
		newProtocolsCmd(),
	)
}

// loadConfig merges environment config with persistent flag overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if v := viper.GetString("home"); v != "" {
		cfg.HomeDir = v
	}
	if v := viper.GetString("workdir"); v != "" {
		cfg.WorkDir = v
	}
	if v := viper.GetString("log-level"); v != "" {
		cfg.LogLevel = v
	}
	return cfg, nil
}

// newLogger builds the process logger the way the config asks.
func newLogger(cfg *config.Config) zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()
	if cfg.Environment == "development" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}
	log.Logger = logger
	return logger
}
