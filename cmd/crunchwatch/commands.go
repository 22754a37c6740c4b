package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rickchristie/govner/crunchwatch/client"
	"github.com/rickchristie/govner/crunchwatch/internal/config"
)

func notRunning(cfg *config.Config, err error) error {
	return fmt.Errorf("crunchwatch is not running on port %d (start it with 'crunchwatch up'): %w", cfg.APIPort, err)
}

func runTests(cfg *config.Config) error {
	if err := client.HealthCheck(cfg.APIPort); err != nil {
		return notRunning(cfg, err)
	}

	runID, err := client.Run(cfg.APIPort)
	if err != nil {
		return err
	}
	fmt.Printf("Test run started: %s\n", runID)
	return nil
}

func startEngine(cfg *config.Config) error {
	if err := client.HealthCheck(cfg.APIPort); err != nil {
		return notRunning(cfg, err)
	}

	st, err := client.Start(cfg.APIPort)
	if err != nil {
		return err
	}
	fmt.Printf("Engine %s (process %s)\n", st.Status, st.Process)
	return nil
}

func stopEngine(cfg *config.Config) error {
	if err := client.HealthCheck(cfg.APIPort); err != nil {
		return notRunning(cfg, err)
	}

	st, err := client.Stop(cfg.APIPort)
	if err != nil {
		return err
	}
	fmt.Printf("Engine %s (process %s)\n", st.Status, st.Process)
	return nil
}

func setAutoRun(cfg *config.Config, enabled *bool) error {
	if err := client.HealthCheck(cfg.APIPort); err != nil {
		return notRunning(cfg, err)
	}

	var (
		now bool
		err error
	)
	if enabled == nil {
		now, err = client.ToggleAutoRun(cfg.APIPort)
	} else {
		now, err = client.SetAutoRun(cfg.APIPort, *enabled)
	}
	if err != nil {
		return err
	}

	if now {
		fmt.Println("Auto-run enabled: tests run after every save")
	} else {
		fmt.Println("Auto-run disabled")
	}
	return nil
}

func showStatus(cfg *config.Config) error {
	fmt.Println("crunchwatch Status:")
	fmt.Println("-------------------")

	st, err := client.GetStatus(cfg.APIPort)
	if err != nil {
		fmt.Printf("  API on port %d: not running\n", cfg.APIPort)
		return nil
	}

	fmt.Printf("  API on port %d: running\n", cfg.APIPort)
	fmt.Printf("  Engine:   %s (process %s, ready: %t)\n", st.Status, st.Process, st.Ready)
	fmt.Printf("  Auto-run: %t\n", st.AutoRun)
	if st.Version != "" {
		fmt.Printf("  Version:  %s\n", st.Version)
	}
	if st.LastRunID != "" {
		fmt.Printf("  Last run: %s\n", st.LastRunID)
	}
	fmt.Printf("  Results:  %d tests, %d files in coverage\n", st.Results, st.Files)
	return nil
}

func showCovering(cfg *config.Config, file string, line int) error {
	res, err := client.Covering(cfg.APIPort, file, line)
	if err != nil {
		return notRunningOr(cfg, err)
	}

	if !res.Found {
		fmt.Printf("%s:%d is not in the combined coverage\n", file, line)
		return nil
	}
	if len(res.Items) == 0 {
		fmt.Printf("No results yet for the tests covering %s:%d\n", file, line)
		return nil
	}
	for _, item := range res.Items {
		fmt.Printf("  %s %s\n", statusIcon(item.Status), item.Fqn)
	}
	return nil
}

func showClassification(cfg *config.Config, file string, lineCount int) error {
	res, err := client.Classify(cfg.APIPort, file, lineCount)
	if err != nil {
		return notRunningOr(cfg, err)
	}

	c := res.Classification
	fmt.Printf("%s\n", file)
	fmt.Printf("  error source: %s\n", formatLines(c.ErrorSource))
	fmt.Printf("  covered:      %s\n", formatLines(c.Covered))
	fmt.Printf("  error path:   %s\n", formatLines(c.ErrorPath))

	for _, p := range res.Previews {
		fmt.Printf("  line %d: %s (%s)\n", p.Line+1, p.Text, p.Fqn)
	}
	return nil
}

type exceptionView struct {
	Filename   string `json:"filename"`
	LineNumber int    `json:"line_number"`
}

// resultView is the part of an engine test result the CLI prints
type resultView struct {
	Status            string         `json:"status"`
	TimeElapsed       float64        `json:"time_elapsed"`
	CapturedOutput    string         `json:"captured_output"`
	CapturedException *exceptionView `json:"captured_exception"`
}

func showResult(cfg *config.Config, fqn string) error {
	res, err := client.GetResult(cfg.APIPort, fqn)
	if err != nil {
		return notRunningOr(cfg, err)
	}

	var r resultView
	if err := json.Unmarshal(res.Test, &r); err != nil {
		return fmt.Errorf("failed to parse result: %w", err)
	}

	fmt.Printf("%s %s (%.3fs)\n", statusIcon(r.Status), fqn, r.TimeElapsed)
	if res.Jump != nil {
		fmt.Printf("  defined in %s as %s\n", res.Jump.Filename, res.Jump.TestName)
	}
	if ex := r.CapturedException; ex != nil {
		fmt.Printf("  failed at %s:%d\n", ex.Filename, ex.LineNumber)
	}
	if out := strings.TrimSpace(r.CapturedOutput); out != "" {
		fmt.Println()
		fmt.Println(out)
	}
	return nil
}

func showEngineLog(cfg *config.Config) error {
	lines, _, err := client.EngineLog(cfg.APIPort, 0)
	if err != nil {
		return notRunningOr(cfg, err)
	}
	for _, l := range lines {
		prefix := "  "
		if l.Stream == "stderr" {
			prefix = "! "
		}
		fmt.Printf("%s%s\n", prefix, l.Text)
	}
	return nil
}

func notRunningOr(cfg *config.Config, err error) error {
	if hcErr := client.HealthCheck(cfg.APIPort); hcErr != nil {
		return notRunning(cfg, hcErr)
	}
	return err
}

func statusIcon(status string) string {
	switch status {
	case "success":
		return "✓"
	case "failed":
		return "✗"
	default:
		return "○"
	}
}

func formatLines(lines []int) string {
	if len(lines) == 0 {
		return "-"
	}
	parts := make([]string, len(lines))
	for i, l := range lines {
		parts[i] = fmt.Sprint(l)
	}
	return strings.Join(parts, ", ")
}
