package db

import (
	"context"
	"database/sql"
	"slices"
	"strings"
	"testing"
)

// queryPlan returns the detail column of EXPLAIN QUERY PLAN for query.
func queryPlan(t *testing.T, ctx context.Context, db *sql.DB, query string) []string {
	t.Helper()
	rows, err := db.QueryContext(ctx, "EXPLAIN QUERY PLAN "+query)
	if err != nil {
		t.Fatalf("explain %q: %v", query, err)
	}
	defer rows.Close()
	var details []string
	for rows.Next() {
		var id, parent, unused int
		var detail string
		if err := rows.Scan(&id, &parent, &unused, &detail); err != nil {
			t.Fatalf("scan plan row: %v", err)
		}
		details = append(details, detail)
	}
	if err := rows.Err(); err != nil {
		t.Fatalf("plan rows: %v", err)
	}
	return details
}

func TestHotQueriesUseIndexes(t *testing.T) {
	db, ctx := openTempDB(t)
	if err := ApplyMigrations(ctx, db); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}

	cases := []struct {
		query string
		index string
	}{
		{`SELECT * FROM log_entries WHERE kind = 'error' ORDER BY logged_at DESC LIMIT 10`, "log_entries_kind_logged_at"},
		{`DELETE FROM log_entries WHERE logged_at < '2020-01-01'`, "log_entries_logged_at"},
		{`SELECT pattern_id FROM pattern_targets WHERE target_id = 't1'`, "pattern_targets_target_id"},
	}
	for _, tc := range cases {
		plan := queryPlan(t, ctx, db, tc.query)
		if !slices.ContainsFunc(plan, func(d string) bool { return strings.Contains(d, tc.index) }) {
			t.Fatalf("%q: expected plan to use %s, got %v", tc.query, tc.index, plan)
		}
	}
}
