package history

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"shopkeeper/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaFS embed.FS

type sqliteStore struct {
	db *sql.DB
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("history path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection: SQLite serializes writes anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	for _, pragma := range []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			log.Debug("pragma rejected", logx.String("pragma", pragma), logx.Any("err", err))
		}
	}

	if err := ensureSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &sqliteStore{db: db}, nil
}

func ensureSchema(db *sql.DB) error {
	ddl, err := schemaFS.ReadFile("schema.sql")
	if err != nil {
		return err
	}
	_, err = db.Exec(string(ddl))
	return err
}

func (s *sqliteStore) Close() error { return s.db.Close() }

func (s *sqliteStore) Append(ctx context.Context, r Record) error {
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs(id, job_id, attempt, retry_of, scheduled_for, started_at, finished_at, outcome, err, meta)
		 VALUES(?,?,?,?,?,?,?,?,?,?)`,
		r.ID, r.JobID, r.Attempt, nullStr(r.RetryOf),
		fmtTime(r.ScheduledFor), fmtTime(r.StartedAt), nullTime(r.FinishedAt),
		string(r.Outcome), nullStr(r.Error), metaJSON(r.Meta),
	)
	return err
}

func (s *sqliteStore) Finish(ctx context.Context, r Record) error {
	// The finished_at guard makes finalization idempotent.
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET finished_at=?, outcome=?, err=?, meta=?
		 WHERE id=? AND finished_at IS NULL`,
		nullTime(r.FinishedAt), string(r.Outcome), nullStr(r.Error), metaJSON(r.Meta), r.ID,
	)
	return err
}

func (s *sqliteStore) Query(ctx context.Context, q Query) ([]Record, error) {
	sb := strings.Builder{}
	sb.WriteString(`SELECT id, job_id, attempt, retry_of, scheduled_for, started_at, finished_at, outcome, err, meta FROM runs`)
	var (
		conds []string
		args  []any
	)
	if q.JobID != "" {
		conds = append(conds, "job_id = ?")
		args = append(args, q.JobID)
	}
	if !q.Since.IsZero() {
		conds = append(conds, "started_at >= ?")
		args = append(args, fmtTime(q.Since))
	}
	if q.Outcome != "" {
		conds = append(conds, "outcome = ?")
		args = append(args, string(q.Outcome))
	}
	if len(conds) > 0 {
		sb.WriteString(" WHERE " + strings.Join(conds, " AND "))
	}
	sb.WriteString(" ORDER BY started_at DESC, attempt DESC")
	if q.Limit > 0 {
		sb.WriteString(" LIMIT ?")
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) SaveState(ctx context.Context, st ScheduleState) error {
	if st.JobID == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO schedule_state(job_id, next_fire, last_fire, consecutive_failures) VALUES(?,?,?,?)
		 ON CONFLICT(job_id) DO UPDATE SET next_fire=excluded.next_fire, last_fire=excluded.last_fire, consecutive_failures=excluded.consecutive_failures`,
		st.JobID, nullTime(st.NextFire), nullTime(st.LastFire), st.ConsecutiveFailures,
	)
	return err
}

func (s *sqliteStore) LoadStates(ctx context.Context) (map[string]ScheduleState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT job_id, next_fire, last_fire, consecutive_failures FROM schedule_state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]ScheduleState{}
	for rows.Next() {
		var (
			st         ScheduleState
			next, last sql.NullString
		)
		if err := rows.Scan(&st.JobID, &next, &last, &st.ConsecutiveFailures); err != nil {
			return nil, err
		}
		st.NextFire = parseTime(next.String)
		st.LastFire = parseTime(last.String)
		out[st.JobID] = st
	}
	return out, rows.Err()
}

func (s *sqliteStore) CloseInterrupted(ctx context.Context, at time.Time, reason string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET finished_at=?, outcome=?, err=? WHERE finished_at IS NULL`,
		fmtTime(at), string(OutcomeFailed), reason,
	)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *sqliteStore) Prune(ctx context.Context, cutoff time.Time, keep int) (int, error) {
	var total int64
	if !cutoff.IsZero() {
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM runs WHERE finished_at IS NOT NULL AND started_at < ?`,
			fmtTime(cutoff),
		)
		if err != nil {
			return int(total), err
		}
		n, _ := res.RowsAffected()
		total += n
	}
	if keep > 0 {
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM runs WHERE finished_at IS NOT NULL AND id NOT IN (
			   SELECT id FROM runs ORDER BY started_at DESC LIMIT ?)`,
			keep,
		)
		if err != nil {
			return int(total), err
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return int(total), nil
}

func scanRun(rows *sql.Rows) (Record, error) {
	var (
		r                                  Record
		retryOf, finished, errDetail, meta sql.NullString
		scheduled, started, outcome        string
	)
	if err := rows.Scan(&r.ID, &r.JobID, &r.Attempt, &retryOf, &scheduled, &started, &finished, &outcome, &errDetail, &meta); err != nil {
		return Record{}, err
	}
	r.RetryOf = retryOf.String
	r.ScheduledFor = parseTime(scheduled)
	r.StartedAt = parseTime(started)
	r.FinishedAt = parseTime(finished.String)
	r.Outcome = Outcome(outcome)
	r.Error = errDetail.String
	if meta.Valid && meta.String != "" {
		_ = json.Unmarshal([]byte(meta.String), &r.Meta)
	}
	return r, nil
}

// sortableTime keeps a fixed-width fraction so lexicographic order in
// SQL matches chronological order.
const sortableTime = "2006-01-02T15:04:05.000000000Z07:00"

func fmtTime(t time.Time) string {
	return t.UTC().Format(sortableTime)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return fmtTime(t)
}

func nullStr(v string) any {
	if strings.TrimSpace(v) != "" {
		return v
	}
	return nil
}

func metaJSON(m map[string]string) any {
	if len(m) == 0 {
		return nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil
	}
	return string(b)
}
