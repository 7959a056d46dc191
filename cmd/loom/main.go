// Command loom is the coordination substrate CLI: agent mail and file
// reservations, the hive work tracker, and the memory store, all backed by a
// per-project event log.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/loomhq/loom/internal/config"
	"github.com/loomhq/loom/internal/errs"
	"github.com/loomhq/loom/internal/substrate"
)

// Build info (set via ldflags).
var (
	Version = "dev"
	Build   = "unknown"
)

var (
	// Global flags.
	flagProject string
	flagConfig  string
	flagJSON    bool
	flagQuiet   bool

	cfg *config.Config
	sub *substrate.Substrate
	log zerolog.Logger
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "loom",
		Short: "Coordination substrate for coding agents",
		Long: `Loom coordinates concurrent coding agents working on the same project:
messaging with file reservations, an issue tracker (the hive), and a
semantic memory store, all recorded in a per-project event log.`,
		Version:       fmt.Sprintf("%s (%s)", Version, Build),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initSubstrate()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if sub != nil {
				_ = sub.Close()
			}
		},
	}

	rootCmd.PersistentFlags().StringVar(&flagProject, "project", "", "Project key (default: current directory)")
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "Config file (default: ./loom.yaml, ~/.loom/loom.yaml)")
	rootCmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "JSON output")
	rootCmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "Suppress log output")

	rootCmd.AddCommand(
		newAgentCmd(),
		newSendCmd(),
		newInboxCmd(),
		newReadCmd(),
		newAckCmd(),
		newThreadCmd(),
		newSearchCmd(),
		newReserveCmd(),
		newReleaseCmd(),
		newReservationsCmd(),
		newCellCmd(),
		newReadyCmd(),
		newBlockedCmd(),
		newMemoryCmd(),
		newEventsCmd(),
		newServeCmd(),
		newAdminCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		printError(err)
		os.Exit(1)
	}
}

func initSubstrate() error {
	var err error
	cfg, err = config.Load(flagConfig)
	if err != nil {
		return err
	}
	log = newLogger(cfg)
	sub, err = substrate.New(cfg, log)
	return err
}

// newLogger writes human-readable logs to stderr and full JSON logs to a
// rotated file under the state dir.
func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	if flagQuiet {
		level = zerolog.ErrorLevel
	}

	fileSink := &lumberjack.Logger{
		Filename:   filepath.Join(cfg.StateDir, "loom.log"),
		MaxSize:    20, // MB
		MaxBackups: 3,
		MaxAge:     14, // days
	}
	console := zerolog.ConsoleWriter{Out: os.Stderr}
	return zerolog.New(zerolog.MultiLevelWriter(console, fileSink)).
		Level(level).With().Timestamp().Logger()
}

// projectKey resolves the active project: the --project flag, or the
// current working directory.
func projectKey() (string, error) {
	if flagProject != "" {
		return flagProject, nil
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return filepath.Clean(wd), nil
}

// openProject opens the substrate for the active project.
func openProject() (*substrate.Project, error) {
	key, err := projectKey()
	if err != nil {
		return nil, err
	}
	return sub.Open(key)
}

// emit prints v as indented JSON under --json, or calls human() otherwise.
func emit(v any, human func()) error {
	if flagJSON {
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	}
	human()
	return nil
}

// printError renders an error with its hint when one is attached.
func printError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	var typed *errs.Error
	if errors.As(err, &typed) && typed.Hint != "" {
		fmt.Fprintf(os.Stderr, "Hint: %s\n", typed.Hint)
	}
}
