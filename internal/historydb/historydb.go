// Package historydb implements the relational store of SPEC_FULL.md §6:
// known_crashes, new_crashes, triage, failures, warnings and
// blacklisted. It is grounded on the query shapes in
// original_source/mycrashanalyzer.py's is_known_crash/add_new_crash/
// check_untriaged_crash, reimplemented over database/sql + lib/pq
// instead of ad hoc psycopg2 calls, with a single shared *sql.DB
// connection pool per SPEC_FULL.md §5 (the distilled "opened per job,
// closed on completion" behaviour becomes "each job borrows its own
// pooled connection for the duration of its queries").
package historydb

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "github.com/lib/pq"
)

// Store wraps a *sql.DB with the orchestrator-specific queries.
type Store struct {
	db *sql.DB
}

// Open opens (and pings) a PostgreSQL connection pool at dsn.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(30 * time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// OpenWithDB wraps an already-opened *sql.DB, used by tests with
// go-sqlmock and by callers that pre-open a shared pool.
func OpenWithDB(db *sql.DB) *Store { return &Store{db: db} }

// Close releases the underlying connection pool.
func (s *Store) Close() error { return s.db.Close() }

// KnownCrashMatch is one row returned from the known_crashes table.
type KnownCrashMatch struct {
	Bug       string
	ExtraInfo string
}

// MatchKnownCrash implements is_known_crash: look up (trigger,
// function, backtrace-prefix, optional test-line, optional in-logs).
// Matching is monotone in DB growth per SPEC_FULL.md §8: once a row
// matches, later lookups against the same inputs return the same bug.
func (s *Store) MatchKnownCrash(ctx context.Context, lastTest, crashTrigger, crashFunction, crashBT, fullBT, lastTestLogs string) (KnownCrashMatch, bool, error) {
	extraConds := ""
	args := []any{crashTrigger, crashFunction, crashBT}
	if lastTest == "" {
		extraConds += " AND testline IS NULL"
	}
	if lastTestLogs == "" {
		extraConds += " AND inlogs IS NULL"
	}
	query := `SELECT testline, inlogs, infullbt, bug, extrainfo FROM known_crashes
		WHERE reason = $1 AND func = $2` + extraConds + ` AND strpos($3, backtrace) = 1
		ORDER BY testline DESC, inlogs DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return KnownCrashMatch{}, false, err
	}
	defer rows.Close()

	for rows.Next() {
		var testline, inlogs, infullbt, bug, extraInfo sql.NullString
		if err := rows.Scan(&testline, &inlogs, &infullbt, &bug, &extraInfo); err != nil {
			return KnownCrashMatch{}, false, err
		}
		if testline.Valid && lastTest != "" && !contains(lastTest, testline.String) {
			continue
		}
		if inlogs.Valid && lastTestLogs != "" && !containsAllLines(lastTestLogs, inlogs.String) {
			continue
		}
		if infullbt.Valid && !containsAllLines(fullBT, infullbt.String) {
			continue
		}
		return KnownCrashMatch{Bug: bug.String, ExtraInfo: extraInfo.String}, true, nil
	}
	return KnownCrashMatch{}, false, rows.Err()
}

func contains(haystack, needle string) bool {
	return len(needle) == 0 || indexOf(haystack, needle) >= 0
}

func indexOf(haystack, needle string) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return i
		}
	}
	return -1
}

func containsAllLines(haystack, needleLines string) bool {
	for _, line := range splitLines(needleLines) {
		if !contains(haystack, line) {
			return false
		}
	}
	return true
}

func splitLines(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	if start < len(s) {
		out = append(out, s[start:])
	}
	return out
}

// UntriagedMatch is the result of check_untriaged_crash: the matching
// row's id (0 if none) and its current sighting count.
type UntriagedMatch struct {
	ID         int64
	NumReports int
}

// CheckUntriaged looks up an existing untriaged crash by exact
// (trigger, function, backtrace).
func (s *Store) CheckUntriaged(ctx context.Context, crashTrigger, crashFunction, crashBT string) (UntriagedMatch, error) {
	const query = `SELECT new_crashes.id, count(triage.newcrash_id) AS hitcount
		FROM new_crashes, triage
		WHERE new_crashes.reason = $1 AND new_crashes.func = $2 AND new_crashes.backtrace = $3
		  AND new_crashes.id = triage.newcrash_id
		GROUP BY new_crashes.id`
	row := s.db.QueryRowContext(ctx, query, crashTrigger, crashFunction, crashBT)
	var m UntriagedMatch
	if err := row.Scan(&m.ID, &m.NumReports); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return UntriagedMatch{}, nil
		}
		return UntriagedMatch{}, err
	}
	return m, nil
}

// AddNewCrash implements add_new_crash: find-or-insert the untriaged
// row, then always append a new triage occurrence. Returns the row id
// (new or existing) and the sighting count prior to this occurrence.
func (s *Store) AddNewCrash(ctx context.Context, lastTest, crashTrigger, crashFunction, crashBT, fullCrash, testLogs, link string) (id int64, numReportsBefore int, err error) {
	match, err := s.CheckUntriaged(ctx, crashTrigger, crashFunction, crashBT)
	if err != nil {
		return 0, 0, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	id = match.ID
	numReportsBefore = match.NumReports
	if id == 0 {
		const insertCrash = `INSERT INTO new_crashes(reason, func, backtrace) VALUES ($1, $2, $3) RETURNING id`
		if err = tx.QueryRowContext(ctx, insertCrash, crashTrigger, crashFunction, crashBT).Scan(&id); err != nil {
			return 0, 0, err
		}
	}

	const insertTriage = `INSERT INTO triage(link, testline, fullcrash, testlogs, newcrash_id) VALUES ($1, $2, $3, $4, $5)`
	if _, err = tx.ExecContext(ctx, insertTriage, link, nullableString(lastTest), fullCrash, testLogs, id); err != nil {
		return 0, 0, err
	}

	if err = tx.Commit(); err != nil {
		return 0, 0, err
	}
	return id, numReportsBefore, nil
}

func nullableString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// RecordFailure inserts one row into the failures table, used by the
// Test Worker's new-vs-old-failure classification (SPEC_FULL.md §4.4
// step 6).
func (s *Store) RecordFailure(ctx context.Context, branch, testName, subtest string) error {
	const query = `INSERT INTO failures(branch, test_name, subtest, seen_at) VALUES ($1, $2, $3, now())`
	_, err := s.db.ExecContext(ctx, query, branch, testName, subtest)
	return err
}

// IsNewFailure reports whether (branch, testName, subtest) has not
// been seen in the last 30 days and is not blacklisted.
func (s *Store) IsNewFailure(ctx context.Context, branch, testName, subtest string) (bool, error) {
	blacklisted, err := s.IsBlacklisted(ctx, testName, subtest)
	if err != nil {
		return false, err
	}
	if blacklisted {
		return false, nil
	}
	const query = `SELECT count(*) FROM failures
		WHERE branch = $1 AND test_name = $2 AND subtest = $3 AND seen_at > now() - interval '30 days'`
	var n int
	if err := s.db.QueryRowContext(ctx, query, branch, testName, subtest).Scan(&n); err != nil {
		return false, err
	}
	return n == 0, nil
}

// IsBlacklisted checks the blacklisted table.
func (s *Store) IsBlacklisted(ctx context.Context, testName, subtest string) (bool, error) {
	const query = `SELECT count(*) FROM blacklisted WHERE test_name = $1 AND subtest = $2`
	var n int
	if err := s.db.QueryRowContext(ctx, query, testName, subtest).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

// RecordWarning inserts a warning occurrence, distinguishing
// first-occurrence from recurring via the returned bool.
func (s *Store) RecordWarning(ctx context.Context, branch, testName, warningText string) (firstOccurrence bool, err error) {
	const countQuery = `SELECT count(*) FROM warnings WHERE branch = $1 AND test_name = $2 AND warning_text = $3`
	var n int
	if err = s.db.QueryRowContext(ctx, countQuery, branch, testName, warningText).Scan(&n); err != nil {
		return false, err
	}
	const insert = `INSERT INTO warnings(branch, test_name, warning_text, seen_at) VALUES ($1, $2, $3, now())`
	if _, err = s.db.ExecContext(ctx, insert, branch, testName, warningText); err != nil {
		return false, err
	}
	return n == 0, nil
}
