package main

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinystat/pkg/activity"
	"github.com/nicktill/tinystat/pkg/export"
	"github.com/nicktill/tinystat/pkg/retention"
	"github.com/nicktill/tinystat/pkg/rollup"
)

type invocation struct {
	code   int
	stdout string
	stderr string
}

// rollupctl runs one command against the badger store in dir.
func rollupctl(t *testing.T, dir string, args ...string) invocation {
	t.Helper()
	var stdout, stderr bytes.Buffer
	full := append(args, "--storage", "badger", "--data-dir", dir, "--timezone", "UTC", "--log-level", "error")
	code := run(context.Background(), full, strings.NewReader(""), &stdout, &stderr)
	return invocation{code: code, stdout: stdout.String(), stderr: stderr.String()}
}

func writeSessions(t *testing.T, day time.Time, devices int) string {
	t.Helper()
	var data export.ImportData
	for i := 0; i < devices; i++ {
		data.Sessions = append(data.Sessions, activity.SessionEvent{
			AppID:        "shop",
			Platform:     "ios",
			Channel:      "appstore",
			Version:      "1.0.0",
			DeviceID:     fmt.Sprintf("dev-%d", i),
			IsFirstVisit: i == 0,
			CreateTime:   day.Add(time.Duration(i+1) * time.Hour),
		})
	}

	path := filepath.Join(t.TempDir(), "sessions.json")
	body, err := json.Marshal(data)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, body, 0o644))
	return path
}

func TestUsage(t *testing.T) {
	var stdout, stderr bytes.Buffer
	assert.Equal(t, exitUsage, run(context.Background(), nil, nil, &stdout, &stderr))
	assert.Equal(t, exitUsage, run(context.Background(), []string{"purge"}, nil, &stdout, &stderr))
	assert.Contains(t, stderr.String(), `unknown command "purge"`)

	stdout.Reset()
	assert.Equal(t, exitOK, run(context.Background(), []string{"help"}, nil, &stdout, &stderr))
	assert.Contains(t, stdout.String(), "usage: rollupctl")
}

func TestBadFlags(t *testing.T) {
	dir := t.TempDir()
	assert.Equal(t, exitUsage, rollupctl(t, dir, "run", "--no-such-flag").code)
	assert.Equal(t, exitFailure, rollupctl(t, dir, "run", "--date", "14/03/2024").code)
	assert.Equal(t, exitFailure, rollupctl(t, dir, "export", "--format", "xml").code)
	assert.Equal(t, exitFailure, rollupctl(t, dir, "export", "--dimension", "day").code)
	assert.Equal(t, exitFailure, rollupctl(t, dir, "import", "--file", filepath.Join(dir, "missing.json")).code)
}

func TestRunExitCodes(t *testing.T) {
	dir := t.TempDir()
	day := time.Date(2024, 3, 13, 0, 0, 0, 0, time.UTC)
	path := writeSessions(t, day, 4)

	inv := rollupctl(t, dir, "import", "--file", path)
	require.Equal(t, exitOK, inv.code, inv.stderr)
	var imported export.ImportResult
	require.NoError(t, json.Unmarshal([]byte(inv.stdout), &imported))
	assert.Equal(t, 4, imported.SessionsImported)

	inv = rollupctl(t, dir, "run", "--date", "2024-03-13")
	require.Equal(t, exitOK, inv.code, inv.stderr)
	var result rollup.Result
	require.NoError(t, json.Unmarshal([]byte(inv.stdout), &result))
	assert.Equal(t, rollup.OutcomeCompleted, result.Outcome)
	assert.Equal(t, 8, result.Inserted)

	inv = rollupctl(t, dir, "run", "--date", "2024-03-13")
	assert.Equal(t, exitAlreadyComputed, inv.code)

	inv = rollupctl(t, dir, "run", "--date", "2024-03-13", "--reset")
	require.Equal(t, exitOK, inv.code, inv.stderr)
	require.NoError(t, json.Unmarshal([]byte(inv.stdout), &result))
	assert.Equal(t, 8, result.Purged)

	inv = rollupctl(t, dir, "run", "--date", "2024-03-20")
	require.Equal(t, exitOK, inv.code, inv.stderr)
	require.NoError(t, json.Unmarshal([]byte(inv.stdout), &result))
	assert.Equal(t, rollup.OutcomeEmpty, result.Outcome)
}

func TestExportAndClean(t *testing.T) {
	dir := t.TempDir()
	day := time.Date(2024, 3, 13, 0, 0, 0, 0, time.UTC)

	require.Equal(t, exitOK, rollupctl(t, dir, "import", "--file", writeSessions(t, day, 3)).code)
	require.Equal(t, exitOK, rollupctl(t, dir, "run", "--date", "2024-03-13").code)

	inv := rollupctl(t, dir, "export", "--format", "csv", "--dimension", "month", "--start", "2024-03-01", "--end", "2024-03-31")
	require.Equal(t, exitOK, inv.code, inv.stderr)
	rows, err := csv.NewReader(strings.NewReader(inv.stdout)).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 4)
	for _, row := range rows[1:] {
		assert.Equal(t, "month", row[7])
	}

	out := filepath.Join(t.TempDir(), "records.json")
	inv = rollupctl(t, dir, "export", "--start", "2024-03-01", "--end", "2024-03-31", "--out", out)
	require.Equal(t, exitOK, inv.code, inv.stderr)
	body, err := os.ReadFile(out)
	require.NoError(t, err)
	var doc export.Document
	require.NoError(t, json.Unmarshal(body, &doc))
	assert.Equal(t, 6, doc.Metadata.RecordCount)

	inv = rollupctl(t, dir, "clean", "--weeks", "1", "--months", "0")
	require.Equal(t, exitOK, inv.code, inv.stderr)
	var report retention.Report
	require.NoError(t, json.Unmarshal([]byte(inv.stdout), &report))
	assert.Equal(t, 3, report.Week.Deleted)
	assert.Equal(t, retention.StatusSkipped, report.Month.Status)
}

func TestCleanExit(t *testing.T) {
	deleted := retention.DimensionReport{Status: retention.StatusDeleted}
	failed := retention.DimensionReport{Status: retention.StatusFailed}
	skipped := retention.DimensionReport{Status: retention.StatusSkipped}

	tests := []struct {
		name   string
		report retention.Report
		want   int
	}{
		{"both deleted", retention.Report{Week: deleted, Month: deleted}, exitOK},
		{"both skipped", retention.Report{Week: skipped, Month: skipped}, exitOK},
		{"week failed", retention.Report{Week: failed, Month: deleted}, exitPartial},
		{"month failed", retention.Report{Week: deleted, Month: failed}, exitPartial},
		{"both failed", retention.Report{Week: failed, Month: failed}, exitFailure},
		{"only attempted failed", retention.Report{Week: failed, Month: skipped}, exitFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, cleanExit(tt.report))
		})
	}
}

func TestParseBound(t *testing.T) {
	start, err := parseBound("2024-03-13", time.UTC, false)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 13, 0, 0, 0, 0, time.UTC), start)

	end, err := parseBound("2024-03-13", time.UTC, true)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 14, 0, 0, 0, 0, time.UTC).Add(-time.Nanosecond), end)

	exact, err := parseBound("2024-03-13T10:00:00Z", time.UTC, true)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 13, 10, 0, 0, 0, time.UTC), exact)

	_, err = parseBound("yesterday", time.UTC, false)
	assert.Error(t, err)
}
