package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// MaxBodyBytes caps the stored prefix of request/response bodies.
const MaxBodyBytes = 64 << 10

// SQLiteSink is the bounded request-log store. Appends evict the oldest
// rows once the count exceeds the retention ceiling.
type SQLiteSink struct {
	db *sql.DB
}

// Open creates (or opens) the log database and initializes the schema.
func Open(dbPath string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteSink{db: db}, nil
}

func (s *SQLiteSink) Close() error { return s.db.Close() }

// Append inserts one record and trims the table back to maxLogs rows,
// oldest first. Bodies are truncated to MaxBodyBytes before storage.
func (s *SQLiteSink) Append(ctx context.Context, e *Entry, maxLogs int) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO request_logs (timestamp, method, path, status, duration_ms,
			proxy_account_id, account_id, error, request_headers, response_headers,
			request_body, response_body, model, input_tokens, output_tokens)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Timestamp, e.Method, e.Path, e.Status, e.DurationMs,
		e.ProxyAccountID, nullStr(e.AccountID), nullStr(e.Error),
		nullStr(e.RequestHeaders), nullStr(e.ResponseHeaders),
		nullStr(truncateBody(e.RequestBody)), nullStr(truncateBody(e.ResponseBody)),
		nullStr(e.Model), e.InputTokens, e.OutputTokens)
	if err != nil {
		return fmt.Errorf("insert log: %w", err)
	}

	if maxLogs > 0 {
		_, err = s.db.ExecContext(ctx,
			`DELETE FROM request_logs WHERE id NOT IN
				(SELECT id FROM request_logs ORDER BY id DESC LIMIT ?)`, maxLogs)
		if err != nil {
			return fmt.Errorf("evict logs: %w", err)
		}
	}
	return nil
}

// Count returns the number of rows matching the query.
func (s *SQLiteSink) Count(ctx context.Context, q Query) (int, error) {
	where, args := buildWhere(q)
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM request_logs"+where, args...).Scan(&n)
	return n, err
}

// List returns matching summaries, newest first.
func (s *SQLiteSink) List(ctx context.Context, q Query) ([]*LogSummary, error) {
	where, args := buildWhere(q)
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, q.Offset)

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, timestamp, method, path, status, duration_ms,
			proxy_account_id, account_id, error, model
		FROM request_logs`+where+` ORDER BY id DESC LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*LogSummary
	for rows.Next() {
		l := &LogSummary{}
		var accountID, errStr, model sql.NullString
		if err := rows.Scan(&l.ID, &l.Timestamp, &l.Method, &l.Path, &l.Status,
			&l.DurationMs, &l.ProxyAccountID, &accountID, &errStr, &model); err != nil {
			return nil, err
		}
		l.AccountID, l.Error, l.Model = accountID.String, errStr.String, model.String
		// The index view drops the query string; Detail keeps it.
		if i := strings.IndexByte(l.Path, '?'); i >= 0 {
			l.Path = l.Path[:i]
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// Detail returns the full record for one row, or ErrNotFound once evicted.
func (s *SQLiteSink) Detail(ctx context.Context, id int64) (*LogDetail, error) {
	l := &LogDetail{}
	var accountID, errStr, model, reqHdr, respHdr, reqBody, respBody sql.NullString
	var inTok, outTok sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, timestamp, method, path, status, duration_ms,
			proxy_account_id, account_id, error, model,
			request_headers, response_headers, request_body, response_body,
			input_tokens, output_tokens
		FROM request_logs WHERE id = ?`, id).Scan(
		&l.ID, &l.Timestamp, &l.Method, &l.Path, &l.Status, &l.DurationMs,
		&l.ProxyAccountID, &accountID, &errStr, &model,
		&reqHdr, &respHdr, &reqBody, &respBody, &inTok, &outTok)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	l.AccountID, l.Error, l.Model = accountID.String, errStr.String, model.String
	l.RequestHeaders, l.ResponseHeaders = reqHdr.String, respHdr.String
	l.RequestBody, l.ResponseBody = reqBody.String, respBody.String
	if inTok.Valid {
		v := inTok.Int64
		l.InputTokens = &v
	}
	if outTok.Valid {
		v := outTok.Int64
		l.OutputTokens = &v
	}
	return l, nil
}

// Clear drops every row.
func (s *SQLiteSink) Clear(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM request_logs")
	return err
}

func buildWhere(q Query) (string, []any) {
	var clauses []string
	var args []any
	if q.ErrorsOnly {
		clauses = append(clauses, "(status >= 400 OR (error IS NOT NULL AND error != ''))")
	}
	if q.Filter != "" {
		clauses = append(clauses,
			`(method LIKE ? OR path LIKE ? OR CAST(status AS TEXT) LIKE ?
				OR proxy_account_id LIKE ? OR account_id LIKE ?
				OR error LIKE ? OR model LIKE ?)`)
		pattern := "%" + q.Filter + "%"
		for range 7 {
			args = append(args, pattern)
		}
	}
	if len(clauses) == 0 {
		return "", nil
	}
	where := " WHERE " + clauses[0]
	for _, c := range clauses[1:] {
		where += " AND " + c
	}
	return where, args
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func truncateBody(s string) string {
	if len(s) <= MaxBodyBytes {
		return s
	}
	return s[:MaxBodyBytes] + fmt.Sprintf("\n...truncated %d bytes", len(s)-MaxBodyBytes)
}
