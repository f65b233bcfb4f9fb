package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"audittrail/internal/audit"
)

// writeConfig writes a local file-storage configuration under a temp dir.
func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.yaml")
	cfg := "mode: local\nlocal:\n  storage: file\n  path: " + filepath.Join(dir, "data") + "\n  max_events: 50\n"
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o600))
	return path
}

func runCLI(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestTrackThenQuery(t *testing.T) {
	cfg := writeConfig(t)

	code, out, errOut := runCLI(t, "-config", cfg, "track", "-action", "LOGIN", "-entity", "User", "-user-id", "u1", "-timestamp", "1000")
	require.Equal(t, exitOK, code, errOut)
	assert.True(t, strings.HasPrefix(out, "evt_"), out)

	code, _, errOut = runCLI(t, "-config", cfg, "track", "-id", "inv-7", "-action", "CREATE", "-entity", "Invoice",
		"-description", "Invoice created", "-metadata", `{"amount":12}`, "-timestamp", "2000")
	require.Equal(t, exitOK, code, errOut)

	code, out, errOut = runCLI(t, "-config", cfg, "query", "-json")
	require.Equal(t, exitOK, code, errOut)
	var result audit.PaginatedResult
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	require.Len(t, result.Data, 2)
	assert.Equal(t, "inv-7", result.Data[0].ID)
	assert.Equal(t, float64(12), result.Data[0].Metadata["amount"])
	assert.Equal(t, "LOGIN", result.Data[1].Action)
	assert.Equal(t, 2, result.Total)

	code, out, errOut = runCLI(t, "-config", cfg, "query", "-action", "CREATE", "-sort", "action", "-dir", "asc")
	require.Equal(t, exitOK, code, errOut)
	assert.Contains(t, out, "inv-7")
	assert.Contains(t, out, "Invoice created")
	assert.NotContains(t, out, "LOGIN")
	assert.Contains(t, out, "page 1 of 1, 1 events")
}

func TestClearRequiresConfirmation(t *testing.T) {
	cfg := writeConfig(t)
	code, _, _ := runCLI(t, "-config", cfg, "track", "-action", "A", "-entity", "E")
	require.Equal(t, exitOK, code)

	code, _, errOut := runCLI(t, "-config", cfg, "clear")
	assert.Equal(t, exitUsage, code)
	assert.Contains(t, errOut, "-yes")

	code, out, _ := runCLI(t, "-config", cfg, "clear", "-yes")
	require.Equal(t, exitOK, code)
	assert.Equal(t, "cleared\n", out)

	_, out, _ = runCLI(t, "-config", cfg, "query", "-json")
	assert.Contains(t, out, `"total": 0`)
}

func TestExitCodes(t *testing.T) {
	cfg := writeConfig(t)

	tests := []struct {
		name string
		args []string
		want int
	}{
		{"no command", []string{"-config", cfg}, exitUsage},
		{"unknown command", []string{"-config", cfg, "export"}, exitUsage},
		{"missing config", []string{"-config", filepath.Join(t.TempDir(), "nope.yaml"), "query"}, exitUsage},
		{"invalid event", []string{"-config", cfg, "track", "-action", "A"}, exitUsage},
		{"bad metadata", []string{"-config", cfg, "track", "-action", "A", "-entity", "E", "-metadata", "[1]"}, exitUsage},
		{"invalid query", []string{"-config", cfg, "query", "-page-size", "0"}, exitUsage},
		{"bad sort field", []string{"-config", cfg, "query", "-sort", "metadata"}, exitUsage},
		{"bad since", []string{"-config", cfg, "query", "-since", "yesterday"}, exitUsage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _, _ := runCLI(t, tt.args...)
			assert.Equal(t, tt.want, code)
		})
	}
}

func TestParseTimeBound(t *testing.T) {
	now := time.Now()

	for value, age := range map[string]time.Duration{
		"7d":  7 * 24 * time.Hour,
		"2w":  14 * 24 * time.Hour,
		"90m": 90 * time.Minute,
	} {
		got, err := parseTimeBound(value)
		require.NoError(t, err, value)
		assert.WithinDuration(t, now.Add(-age), got, time.Minute, value)
	}

	got, err := parseTimeBound("2026-01-02T03:04:05Z")
	require.NoError(t, err)
	assert.Equal(t, int64(1767323045000), got.UnixMilli())

	for _, bad := range []string{"0d", "-1h", "yesterday", ""} {
		_, err := parseTimeBound(bad)
		assert.Error(t, err, bad)
	}
}

func TestQuery_SinceAndUntilBoundTimestamps(t *testing.T) {
	cfg := writeConfig(t)
	old := time.Now().Add(-72 * time.Hour).UnixMilli()
	recent := time.Now().Add(-1 * time.Hour).UnixMilli()

	for id, ts := range map[string]int64{"old": old, "recent": recent} {
		code, _, errOut := runCLI(t, "-config", cfg, "track", "-id", id, "-action", "A", "-entity", "E", "-timestamp", fmt.Sprint(ts))
		require.Equal(t, exitOK, code, errOut)
	}

	var result audit.PaginatedResult
	code, out, errOut := runCLI(t, "-config", cfg, "query", "-since", "1d", "-json")
	require.Equal(t, exitOK, code, errOut)
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	require.Len(t, result.Data, 1)
	assert.Equal(t, "recent", result.Data[0].ID)

	result = audit.PaginatedResult{}
	code, out, errOut = runCLI(t, "-config", cfg, "query", "-until", "1d", "-json")
	require.Equal(t, exitOK, code, errOut)
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	require.Len(t, result.Data, 1)
	assert.Equal(t, "old", result.Data[0].ID)
}
