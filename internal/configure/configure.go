// Package configure implements the interactive configuration wizard
package configure

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rickchristie/govner/crunchwatch/internal/config"
)

// Run runs the interactive configuration wizard, reading answers from in and
// writing prompts to out. If configDir contains an existing config.yaml,
// those values are used as defaults.
func Run(configDir string, in io.Reader, out io.Writer) (*config.Config, error) {
	reader := bufio.NewReader(in)

	cfg := config.DefaultConfig()
	existingConfigPath := filepath.Join(configDir, "config.yaml")
	if existingCfg, err := config.LoadConfig(existingConfigPath); err == nil {
		cfg = existingCfg
		fmt.Fprintln(out, "crunchwatch configuration wizard (updating existing config)")
		fmt.Fprintln(out, "===========================================================")
	} else {
		fmt.Fprintln(out, "crunchwatch configuration wizard")
		fmt.Fprintln(out, "================================")
	}
	fmt.Fprintln(out, "Press Enter to accept default values shown in [brackets]")
	fmt.Fprintln(out)

	cfg.Interpreter = promptString(reader, out, "Python interpreter path", cfg.Interpreter)
	cfg.EngineModule = promptString(reader, out, "Engine module", cfg.EngineModule)
	cfg.Port = promptInt(reader, out, "Engine port", cfg.Port)
	cfg.APIPort = promptInt(reader, out, "Local API port", cfg.APIPort)
	cfg.WorkDir = promptString(reader, out, "Work directory", cfg.WorkDir)
	cfg.AutoRun = promptBool(reader, out, "Run tests automatically on save", cfg.AutoRun)

	if exts := parseList(promptString(reader, out, "Watched extensions (comma-separated, [] for all)",
		strings.Join(cfg.WatchExtensions, ","))); exts != nil {
		cfg.WatchExtensions = exts
	}
	if dirs := parseList(promptString(reader, out, "Ignored directories (comma-separated)",
		strings.Join(cfg.IgnoreDirs, ","))); dirs != nil {
		cfg.IgnoreDirs = dirs
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Save writes config.yaml into configDir
func Save(cfg *config.Config, configDir string, out io.Writer) error {
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	configPath := filepath.Join(configDir, "config.yaml")
	if err := config.SaveConfig(configPath, cfg); err != nil {
		return err
	}
	fmt.Fprintf(out, "Config saved to %s\n", configPath)
	return nil
}

// parseList splits a comma-separated answer. "[]" yields an empty, non-nil
// slice; an empty answer yields nil (keep the current value).
func parseList(input string) []string {
	input = strings.TrimSpace(input)
	if input == "" {
		return nil
	}
	if input == "[]" {
		return []string{}
	}

	parts := strings.Split(input, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func promptString(reader *bufio.Reader, out io.Writer, prompt, defaultVal string) string {
	if defaultVal != "" {
		fmt.Fprintf(out, "%s [%s]: ", prompt, defaultVal)
	} else {
		fmt.Fprintf(out, "%s: ", prompt)
	}

	input, err := reader.ReadString('\n')
	if err != nil && input == "" {
		return defaultVal
	}

	input = strings.TrimSpace(input)
	if input == "" {
		return defaultVal
	}
	return input
}

func promptInt(reader *bufio.Reader, out io.Writer, prompt string, defaultVal int) int {
	raw := promptString(reader, out, prompt, strconv.Itoa(defaultVal))
	val, err := strconv.Atoi(raw)
	if err != nil {
		fmt.Fprintf(out, "Invalid number, using default: %d\n", defaultVal)
		return defaultVal
	}
	return val
}

func promptBool(reader *bufio.Reader, out io.Writer, prompt string, defaultVal bool) bool {
	def := "n"
	if defaultVal {
		def = "y"
	}
	switch strings.ToLower(promptString(reader, out, prompt+" (y/n)", def)) {
	case "y", "yes", "true":
		return true
	case "n", "no", "false":
		return false
	}
	fmt.Fprintf(out, "Invalid answer, using default: %s\n", def)
	return defaultVal
}
