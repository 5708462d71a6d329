package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/nugget/vigil/internal/analysis"
	"github.com/nugget/vigil/internal/llm"
	"github.com/nugget/vigil/internal/logbook"
	"github.com/nugget/vigil/internal/sensor"
	"github.com/nugget/vigil/internal/surface"
)

// runAnalyze performs a single analysis run against the persisted event
// history and prints the result. The run updates the persisted surface
// and logbook exactly as a scheduled run would, but sends no
// notifications.
func runAnalyze(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string, outputFmt string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := configuredLogger(stderr, cfg)

	c, err := openCore(ctx, cfg, nil, nil, logger)
	if err != nil {
		return err
	}
	defer c.Close()

	completer, err := llm.New(cfg.LLM, logger)
	if err != nil {
		return fmt.Errorf("create llm client: %w", err)
	}

	engine := analysis.NewEngine(analysis.Options{
		Completer:       completer,
		History:         c.history,
		Logbook:         c.logbook,
		Surface:         c.surface,
		Persona:         cfg.Analysis.Persona,
		Keywords:        cfg.Analysis.Keywords,
		MaxOutputTokens: cfg.Analysis.MaxOutputTokens,
		Location:        c.loc,
		Logger:          logger,
	})

	out, err := engine.Run(ctx)
	switch {
	case errors.Is(err, analysis.ErrNotConfigured):
		return errors.New("no completion provider configured (set llm.provider)")
	case errors.Is(err, analysis.ErrHistoryEmpty):
		fmt.Fprintln(stdout, analysis.ResultHistoryEmpty)
		return nil
	case err != nil:
		return fmt.Errorf("analysis failed: %w", err)
	}

	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{
			"run_id":      out.RunID,
			"alert":       out.Alert,
			"text":        out.Text,
			"duration_ms": out.Duration.Milliseconds(),
			"records":     c.history.Len(),
		})
	}

	status := "normal"
	if out.Alert {
		status = "ALERT"
	}
	fmt.Fprintf(stdout, "[%s] %d events analyzed in %s\n\n", status, c.history.Len(), out.Duration.Round(time.Millisecond))
	fmt.Fprintln(stdout, out.Text)
	return nil
}

// historyReport is the JSON shape of the history command.
type historyReport struct {
	Events     []sensor.Record `json:"events"`
	Logbook    []logbook.Entry `json:"logbook"`
	LastResult string          `json:"last_result,omitempty"`
	IsAlert    bool            `json:"is_alert"`
}

// runHistory prints the persisted event history and analysis logbook,
// newest first.
func runHistory(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string, outputFmt string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := configuredLogger(stderr, cfg)

	c, err := openCore(ctx, cfg, nil, nil, logger)
	if err != nil {
		return err
	}
	defer c.Close()

	report := historyReport{
		Events:  c.history.Items(),
		Logbook: c.logbook.Entries(),
	}
	report.LastResult, _ = c.surface.Get(ctx, surface.NamespaceAnalysis, surface.KeyLastResult)
	report.IsAlert, _ = c.surface.Bool(ctx, surface.NamespaceAnalysis, surface.KeyIsAlert)

	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	fmt.Fprintf(stdout, "Events (%d of %d):\n", len(report.Events), cfg.History.Capacity)
	if len(report.Events) == 0 {
		fmt.Fprintln(stdout, "  (none)")
	}
	for _, r := range report.Events {
		fmt.Fprintf(stdout, "  %s\n", sensor.FormatSlot(r, c.loc))
	}

	fmt.Fprintln(stdout)
	fmt.Fprintf(stdout, "Logbook (%d of %d):\n", len(report.Logbook), c.logbook.Cap())
	if len(report.Logbook) == 0 {
		fmt.Fprintln(stdout, "  (none)")
	}
	for _, e := range report.Logbook {
		fmt.Fprintf(stdout, "  %s\n", logbook.FormatSlot(e, c.loc))
	}

	if report.LastResult != "" {
		fmt.Fprintln(stdout)
		fmt.Fprintf(stdout, "Last result (alert=%t):\n  %s\n", report.IsAlert, report.LastResult)
	}
	return nil
}
