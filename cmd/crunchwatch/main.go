package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/rickchristie/govner/crunchwatch/internal/config"
	"github.com/rickchristie/govner/crunchwatch/internal/configure"
	"github.com/rickchristie/govner/crunchwatch/meta"
)

var configDir string

// Flags for 'up' command
var (
	upHeadless bool
	upDebug    bool
	upAutoRun  bool
)

// Flags for 'classify' command
var classifyLines int

var rootCmd = &cobra.Command{
	Use:   "crunchwatch",
	Short: "Continuous Python test runner companion",
	Long: `crunchwatch - Keep an eye on what your tests cover

Supervises a continuous Python test engine, tracks which tests cover which
lines and serves the results to your editor over a local API.

Quick Start:
  crunchwatch configure        Create configuration in .crunchwatch/
  crunchwatch up               Start the engine and open the dashboard

Queries (against a running 'up'):
  crunchwatch status
  crunchwatch run
  crunchwatch covering app/math.py 12
  crunchwatch classify app/math.py --lines 40
  crunchwatch result tests/test_math.py::test_divide`,
	Version: meta.Version,
}

var configureCmd = &cobra.Command{
	Use:   "configure",
	Short: "Run interactive configuration wizard",
	Long:  `Runs an interactive wizard to configure crunchwatch.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := resolveDir()

		cfg, err := configure.Run(dir, os.Stdin, os.Stdout)
		if err != nil {
			return err
		}

		if err := configure.Save(cfg, dir, os.Stdout); err != nil {
			return err
		}

		fmt.Println()
		fmt.Println("Configuration complete!")
		fmt.Printf("Next steps:\n")
		fmt.Printf("  crunchwatch up       # Start the engine and dashboard\n")
		return nil
	},
}

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Start the engine, watcher and local API",
	Long: `Starts the test engine, the save watcher and the local API, and opens the
dashboard. With --headless the dashboard is skipped and crunchwatch runs until
interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, dir, err := loadConfig()
		if err != nil {
			return err
		}

		if cmd.Flags().Changed("auto-run") {
			cfg.AutoRun = upAutoRun
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}

		return runUp(cfg, dir, upHeadless, upDebug)
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run all discovered tests",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		return runTests(cfg)
	},
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the engine",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		return startEngine(cfg)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the engine",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		return stopEngine(cfg)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show engine status and result counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		return showStatus(cfg)
	},
}

var coveringCmd = &cobra.Command{
	Use:   "covering FILE LINE",
	Short: "List the tests covering a line",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}

		line, err := strconv.Atoi(args[1])
		if err != nil || line < 1 {
			return fmt.Errorf("invalid line %q", args[1])
		}
		return showCovering(cfg, absPath(args[0]), line)
	},
}

var classifyCmd = &cobra.Command{
	Use:   "classify FILE",
	Short: "Show how each line of a file is classified",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		return showClassification(cfg, absPath(args[0]), classifyLines)
	},
}

var resultCmd = &cobra.Command{
	Use:   "result FQN",
	Short: "Show the latest result of a test",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		return showResult(cfg, args[0])
	},
}

var autoRunCmd = &cobra.Command{
	Use:       "auto-run [on|off]",
	Short:     "Toggle running tests after every save",
	Long:      `Turns auto-run on or off on a running crunchwatch. Without an argument the current setting is flipped.`,
	Args:      cobra.MaximumNArgs(1),
	ValidArgs: []string{"on", "off"},
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}

		if len(args) == 0 {
			return setAutoRun(cfg, nil)
		}
		switch args[0] {
		case "on":
			enabled := true
			return setAutoRun(cfg, &enabled)
		case "off":
			enabled := false
			return setAutoRun(cfg, &enabled)
		}
		return fmt.Errorf("invalid argument %q, use on or off", args[0])
	},
}

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Print the engine output kept in memory",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		return showEngineLog(cfg)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configDir, "config", "",
		"Path to .crunchwatch directory (default: ./.crunchwatch)")

	upCmd.Flags().BoolVar(&upHeadless, "headless", false,
		"Run without the dashboard")
	upCmd.Flags().BoolVar(&upDebug, "debug", false,
		"Write debug logs, including engine output")
	upCmd.Flags().BoolVar(&upAutoRun, "auto-run", false,
		"Run tests after every save (overrides config)")

	classifyCmd.Flags().IntVarP(&classifyLines, "lines", "n", 0,
		"Line count of the document; enables paint batches and previews")

	rootCmd.AddCommand(configureCmd)
	rootCmd.AddCommand(upCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(coveringCmd)
	rootCmd.AddCommand(classifyCmd)
	rootCmd.AddCommand(resultCmd)
	rootCmd.AddCommand(autoRunCmd)
	rootCmd.AddCommand(logsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func resolveDir() string {
	if configDir == "" {
		return config.DefaultDir
	}
	return configDir
}

func loadConfig() (*config.Config, string, error) {
	dir := resolveDir()

	configPath := filepath.Join(dir, "config.yaml")
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, "", fmt.Errorf("failed to load config from %s: %w\n\nRun 'crunchwatch configure' first", configPath, err)
	}

	return cfg, dir, nil
}

func absPath(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return p
}
