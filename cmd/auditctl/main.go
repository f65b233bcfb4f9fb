// Package main implements auditctl, a CLI for recording and browsing audit
// events through any configured storage adapter.
//
// Usage:
//
//	auditctl [-config audit.yaml] track -action LOGIN -entity User [-user-id u1] [-metadata '{"k":"v"}']
//	auditctl [-config audit.yaml] query [-action A] [-search TERM] [-since 24h] [-page N] [-page-size N] [-sort FIELD] [-dir asc|desc] [-json]
//	auditctl [-config audit.yaml] clear -yes
//
// Exit codes:
//
//	0  success
//	1  store failure (unreachable, timed out, unreadable response)
//	2  usage, configuration, invalid event, or invalid query
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"audittrail/internal/audit"
	"audittrail/internal/logging"
)

const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
)

func main() {
	args := logging.InitLogging(os.Args[1:])
	os.Exit(run(context.Background(), args, os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	global := flag.NewFlagSet("auditctl", flag.ContinueOnError)
	global.SetOutput(stderr)
	configPath := global.String("config", envOrDefault("AUDITCTL_CONFIG", "audit.yaml"), "Adapter configuration file (YAML)")
	global.Usage = func() { printUsage(stderr) }
	if err := global.Parse(args); err != nil {
		return exitUsage
	}

	rest := global.Args()
	if len(rest) == 0 {
		printUsage(stderr)
		return exitUsage
	}

	var cmd func(context.Context, *audit.Coordinator, []string, io.Writer, io.Writer) int
	switch rest[0] {
	case "track":
		cmd = runTrack
	case "query":
		cmd = runQuery
	case "clear":
		cmd = runClear
	default:
		fmt.Fprintf(stderr, "Error: unknown command %q\n", rest[0])
		printUsage(stderr)
		return exitUsage
	}

	cfg, err := audit.LoadConfigFile(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitUsage
	}
	logger := logging.New(stderr, slog.LevelWarn, "text")
	coordinator, err := audit.NewCoordinator(*cfg, audit.WithLogger(logger))
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitCode(err)
	}
	defer coordinator.Close()

	return cmd(ctx, coordinator, rest[1:], stdout, stderr)
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  Record an event:  auditctl [-config FILE] track -action ACTION -entity ENTITY [-entity-id ID] [-user-id ID] [-description TEXT] [-metadata JSON]")
	fmt.Fprintln(w, "  Browse events:    auditctl [-config FILE] query [-action A] [-entity E] [-search TERM] [-since 24h] [-page N] [-page-size N] [-sort FIELD] [-dir asc|desc] [-json]")
	fmt.Fprintln(w, "  Remove all:       auditctl [-config FILE] clear -yes")
}

func runTrack(ctx context.Context, c *audit.Coordinator, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("track", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var event audit.Event
	fs.StringVar(&event.ID, "id", "", "Event ID (assigned when empty)")
	fs.StringVar(&event.Action, "action", "", "Action performed (required)")
	fs.StringVar(&event.Entity, "entity", "", "Entity type acted on (required)")
	fs.StringVar(&event.EntityID, "entity-id", "", "Entity identifier")
	fs.StringVar(&event.UserID, "user-id", "", "Acting user ID")
	fs.StringVar(&event.UserName, "user-name", "", "Acting user display name")
	fs.StringVar(&event.Description, "description", "", "Human-readable description")
	fs.Int64Var(&event.Timestamp, "timestamp", 0, "Milliseconds since epoch (now when 0)")
	metadata := fs.String("metadata", "", "Metadata as a JSON object")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	if *metadata != "" {
		if err := json.Unmarshal([]byte(*metadata), &event.Metadata); err != nil {
			fmt.Fprintf(stderr, "Error: -metadata must be a JSON object: %v\n", err)
			return exitUsage
		}
	}

	if err := c.Track(ctx, &event); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitCode(err)
	}
	fmt.Fprintf(stdout, "%s\t%d\n", event.ID, event.Timestamp)
	return exitOK
}

func runQuery(ctx context.Context, c *audit.Coordinator, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("query", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var f audit.Filter
	fs.StringVar(&f.Action, "action", "", "Filter by exact action")
	fs.StringVar(&f.Entity, "entity", "", "Filter by exact entity")
	fs.StringVar(&f.EntityID, "entity-id", "", "Filter by exact entity ID")
	fs.StringVar(&f.UserID, "user-id", "", "Filter by exact user ID")
	fs.StringVar(&f.Search, "search", "", "Case-insensitive text search")
	since := fs.String("since", "", "Only events at or after this: age (1h, 7d, 2w) or RFC3339 timestamp")
	until := fs.String("until", "", "Only events at or before this: age or RFC3339 timestamp")
	page := fs.Int("page", audit.DefaultPage, "Page number (1-based)")
	pageSize := fs.Int("page-size", audit.DefaultPageSize, "Events per page")
	sortField := fs.String("sort", audit.DefaultSortField, "Sort field")
	dir := fs.String("dir", string(audit.SortDesc), "Sort direction: asc or desc")
	asJSON := fs.Bool("json", false, "Output the raw result as JSON")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	for _, bound := range []struct {
		flag, value string
		dst         *int64
	}{{"since", *since, &f.StartDate}, {"until", *until, &f.EndDate}} {
		if bound.value == "" {
			continue
		}
		t, err := parseTimeBound(bound.value)
		if err != nil {
			fmt.Fprintf(stderr, "Error: invalid -%s: %v\n", bound.flag, err)
			return exitUsage
		}
		*bound.dst = t.UnixMilli()
	}

	result, err := c.Query(ctx, audit.QueryOptions{
		Filter:     f,
		Pagination: &audit.Pagination{Page: *page, PageSize: *pageSize},
		Sort:       &audit.Sort{Field: *sortField, Direction: audit.SortDirection(*dir)},
	})
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitCode(err)
	}

	if *asJSON {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(result); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return exitFailure
		}
		return exitOK
	}
	printTable(stdout, result)
	return exitOK
}

func runClear(ctx context.Context, c *audit.Coordinator, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("clear", flag.ContinueOnError)
	fs.SetOutput(stderr)
	yes := fs.Bool("yes", false, "Confirm removal of every stored event")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if !*yes {
		fmt.Fprintln(stderr, "Error: clear removes every stored event; pass -yes to confirm")
		return exitUsage
	}

	if err := c.Clear(ctx); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitCode(err)
	}
	fmt.Fprintln(stdout, "cleared")
	return exitOK
}

func printTable(w io.Writer, result *audit.PaginatedResult) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTIME\tACTION\tENTITY\tENTITY ID\tUSER\tDESCRIPTION")
	for _, e := range result.Data {
		user := e.UserName
		if user == "" {
			user = e.UserID
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			e.ID, e.Time().Local().Format("2006-01-02 15:04:05"), e.Action, e.Entity, e.EntityID, user, e.Description)
	}
	tw.Flush()

	total := strconv.Itoa(result.Total)
	if result.Approximate {
		total = "at least " + total
	}
	fmt.Fprintf(w, "\npage %d of %d, %s events\n", result.Page, result.TotalPages, total)
}

// exitCode maps an audit error onto the documented exit codes.
func exitCode(err error) int {
	switch {
	case errors.Is(err, audit.ErrConfiguration),
		errors.Is(err, audit.ErrInvalidEvent),
		errors.Is(err, audit.ErrInvalidQuery),
		errors.Is(err, errors.ErrUnsupported):
		return exitUsage
	default:
		return exitFailure
	}
}

// parseTimeBound resolves a -since or -until value to an instant: either an
// age measured back from now, or an absolute RFC3339 timestamp. Ages use Go
// duration syntax (90m, 36h) or whole days and weeks (7d, 2w).
func parseTimeBound(s string) (time.Time, error) {
	if age, ok := parseAge(s); ok {
		return time.Now().Add(-age), nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("want an age such as 1h, 30m, 7d, 2w or an RFC3339 timestamp, got %q", s)
}

// parseAge parses a positive age. It reports false for anything else.
func parseAge(s string) (time.Duration, bool) {
	units := map[string]time.Duration{"d": 24 * time.Hour, "w": 7 * 24 * time.Hour}
	for suffix, unit := range units {
		if num, found := strings.CutSuffix(s, suffix); found {
			n, err := strconv.Atoi(num)
			return time.Duration(n) * unit, err == nil && n > 0
		}
	}
	d, err := time.ParseDuration(s)
	return d, err == nil && d > 0
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
