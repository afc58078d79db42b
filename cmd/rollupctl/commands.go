package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/nicktill/tinystat/pkg/activity"
	"github.com/nicktill/tinystat/pkg/config"
	"github.com/nicktill/tinystat/pkg/export"
	"github.com/nicktill/tinystat/pkg/retention"
	"github.com/nicktill/tinystat/pkg/rollup"
	"github.com/nicktill/tinystat/pkg/server"
	"github.com/nicktill/tinystat/pkg/timedim"
)

func cmdRun(ctx context.Context, e *env, args []string) int {
	fs := e.flagSet("run")
	date := fs.String("date", "", "day to roll up as YYYY-MM-DD (default yesterday)")
	reset := fs.Bool("reset", false, "purge the day's records and recompute")
	appID := fs.String("app", "", "limit the run to one application")
	if code, done := e.parse(fs, args); done {
		return code
	}

	store, err := e.open(ctx)
	if err != nil {
		return e.fail("open storage: %v", err)
	}
	defer e.close(store)

	jobs := server.NewJobs(store, e.cfg, nil, nil, e.logger)
	day := jobs.Yesterday()
	if *date != "" {
		day, err = timedim.ParseDay(*date, jobs.Location())
		if err != nil {
			return e.fail("%v", err)
		}
	}

	result, err := jobs.Rollup(ctx, rollup.Request{Date: day, Reset: *reset, AppID: *appID}, server.TriggerCLI)
	if err != nil {
		return e.fail("rollup %s: %v", day.Format(time.DateOnly), err)
	}
	if err := writeJSON(e.stdout, result); err != nil {
		return e.fail("write result: %v", err)
	}
	return rollupExit(result)
}

func rollupExit(result *rollup.Result) int {
	if result.Outcome == rollup.OutcomeAlreadyComputed {
		return exitAlreadyComputed
	}
	return exitOK
}

func cmdClean(ctx context.Context, e *env, args []string) int {
	fs := e.flagSet("clean")
	weeks := fs.Int("weeks", e.cfg.Retention.Weeks, "week records to keep, in weeks (0 = skip)")
	months := fs.Int("months", e.cfg.Retention.Months, "month records to keep, in months (0 = skip)")
	if code, done := e.parse(fs, args); done {
		return code
	}

	store, err := e.open(ctx)
	if err != nil {
		return e.fail("open storage: %v", err)
	}
	defer e.close(store)

	jobs := server.NewJobs(store, e.cfg, nil, nil, e.logger)
	report := jobs.Clean(ctx, retention.Policy{Weeks: *weeks, Months: *months}, server.TriggerCLI)
	if err := writeJSON(e.stdout, report); err != nil {
		return e.fail("write report: %v", err)
	}
	return cleanExit(report)
}

func cleanExit(report retention.Report) int {
	if report.Failed() {
		return exitFailure
	}
	for _, d := range report.Dimensions() {
		if d.Status == retention.StatusFailed {
			return exitPartial
		}
	}
	return exitOK
}

func cmdImport(ctx context.Context, e *env, args []string) int {
	fs := e.flagSet("import")
	file := fs.String("file", "-", `JSON file of {"sessions": [...]} ("-" = stdin)`)
	if code, done := e.parse(fs, args); done {
		return code
	}

	in := e.stdin
	if *file != "-" {
		f, err := os.Open(*file)
		if err != nil {
			return e.fail("open input: %v", err)
		}
		defer f.Close()
		in = f
	}

	store, err := e.open(ctx)
	if err != nil {
		return e.fail("open storage: %v", err)
	}
	defer e.close(store)

	result, err := export.NewImporter(store).ImportFromJSON(ctx, in)
	if err != nil {
		return e.fail("import: %v", err)
	}
	if err := writeJSON(e.stdout, result); err != nil {
		return e.fail("write result: %v", err)
	}
	return exitOK
}

func cmdExport(ctx context.Context, e *env, args []string) int {
	fs := e.flagSet("export")
	format := fs.String("format", "json", "output format: json or csv")
	startArg := fs.String("start", "", "first create_time, RFC3339 or YYYY-MM-DD (default end - 7 days)")
	endArg := fs.String("end", "", "last create_time, RFC3339 or YYYY-MM-DD (default now)")
	appID := fs.String("app", "", "limit to one application")
	dim := fs.String("dimension", "", "week or month (default both)")
	limit := fs.Int("limit", 0, "maximum records (0 = no limit)")
	out := fs.String("out", "-", `output file ("-" = stdout)`)
	if code, done := e.parse(fs, args); done {
		return code
	}

	if *format != "json" && *format != "csv" {
		return e.fail("invalid format %q (want json or csv)", *format)
	}
	dimension := activity.Dimension(strings.ToLower(*dim))
	if dimension != "" && dimension != activity.DimensionWeek && dimension != activity.DimensionMonth {
		return e.fail("invalid dimension %q (want week or month)", *dim)
	}

	loc, err := server.LoadLocation(e.timezone)
	if err != nil {
		return e.fail("%v", err)
	}
	end := time.Now()
	if *endArg != "" {
		if end, err = parseBound(*endArg, loc, true); err != nil {
			return e.fail("invalid --end: %v", err)
		}
	}
	start := end.Add(-config.DefaultExportWindow)
	if *startArg != "" {
		if start, err = parseBound(*startArg, loc, false); err != nil {
			return e.fail("invalid --start: %v", err)
		}
	}
	if start.After(end) {
		return e.fail("--start must be before --end")
	}

	var w io.Writer = e.stdout
	if *out != "-" {
		f, err := os.Create(*out)
		if err != nil {
			return e.fail("create output: %v", err)
		}
		defer f.Close()
		w = f
	}

	store, err := e.open(ctx)
	if err != nil {
		return e.fail("open storage: %v", err)
	}
	defer e.close(store)

	opts := export.ExportOptions{Start: start, End: end, AppID: *appID, Dimension: dimension, Limit: *limit}
	exporter := export.NewExporter(store)
	var result *export.ExportResult
	if *format == "csv" {
		result, err = exporter.ExportToCSV(ctx, w, opts)
	} else {
		result, err = exporter.ExportToJSON(ctx, w, opts)
	}
	if err != nil {
		return e.fail("export: %v", err)
	}
	fmt.Fprintf(e.stderr, "exported %d records (%s)\n", result.RecordsExported, result.TimeRange)
	return exitOK
}

// parseBound accepts RFC3339 or a bare date. A bare date used as an upper
// bound covers the whole day.
func parseBound(s string, loc *time.Location, upper bool) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	day, err := timedim.ParseDay(s, loc)
	if err != nil {
		return time.Time{}, err
	}
	if upper {
		return timedim.MustWindowFor(activity.DimensionDay, 0, day).End, nil
	}
	return day, nil
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
