package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"alarmd/internal/reminder"
	logx "alarmd/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

const scheduleCols = `id, title, notes, due_at, snoozed_until, recurrence_type, recurrence_interval,
	anchor_dow, recurring_group_id, snooze_count, state, reason, completed_at, deleted_at`

// liveClause matches rows without a terminal outcome.
const liveClause = `deleted_at IS NULL AND state NOT IN ('DISMISSED','COMPLETED')`

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		log.Debug("sqlite WAL unavailable", logx.Err(err))
	}
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schemaSQL)
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) SaveSchedule(ctx context.Context, sc reminder.Schedule) (reminder.ID, error) {
	sc, err := normalize(sc)
	if err != nil {
		return 0, err
	}
	args := []any{
		sc.Title, sc.Notes, sc.DueAt.UnixNano(), nullTime(sc.SnoozedUntil),
		sc.Recurrence.Type.String(), sc.Recurrence.Interval, nullWeekday(sc.Recurrence.AnchorDayOfWeek),
		nullStr(sc.RecurringGroupID), sc.SnoozeCount, sc.State.String(), nullStr(string(sc.Reason)),
		nullTime(sc.CompletedAt), nullTime(sc.DeletedAt),
	}
	if sc.ID == 0 {
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO schedules(title, notes, due_at, snoozed_until, recurrence_type, recurrence_interval,
			   anchor_dow, recurring_group_id, snooze_count, state, reason, completed_at, deleted_at)
			 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)`, args...)
		if err != nil {
			return 0, err
		}
		id, err := res.LastInsertId()
		return reminder.ID(id), err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO schedules(id, title, notes, due_at, snoozed_until, recurrence_type, recurrence_interval,
		   anchor_dow, recurring_group_id, snooze_count, state, reason, completed_at, deleted_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   title=excluded.title, notes=excluded.notes, due_at=excluded.due_at,
		   snoozed_until=excluded.snoozed_until, recurrence_type=excluded.recurrence_type,
		   recurrence_interval=excluded.recurrence_interval, anchor_dow=excluded.anchor_dow,
		   recurring_group_id=excluded.recurring_group_id, snooze_count=excluded.snooze_count,
		   state=excluded.state, reason=excluded.reason, completed_at=excluded.completed_at,
		   deleted_at=excluded.deleted_at`,
		append([]any{int64(sc.ID)}, args...)...)
	return sc.ID, err
}

func (s *sqliteStore) InsertNextOccurrence(ctx context.Context, sc reminder.Schedule) (reminder.ID, error) {
	return s.SaveSchedule(ctx, sc.NextOccurrence(sc.DueAt))
}

func (s *sqliteStore) GetSchedule(ctx context.Context, id reminder.ID) (reminder.Schedule, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+scheduleCols+` FROM schedules WHERE id = ?`, int64(id))
	sc, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return reminder.Schedule{}, false, nil
	}
	if err != nil {
		return reminder.Schedule{}, false, err
	}
	return sc, true, nil
}

func (s *sqliteStore) MarkCompleted(ctx context.Context, id reminder.ID, reason reminder.Reason, at time.Time) error {
	return s.update(ctx, id,
		`UPDATE schedules SET state='COMPLETED', reason=?, completed_at=?, snoozed_until=NULL
		 WHERE id=? AND `+liveClause,
		nullStr(string(reason)), at.UnixNano(), int64(id))
}

func (s *sqliteStore) SoftDelete(ctx context.Context, id reminder.ID, at time.Time) error {
	return s.update(ctx, id,
		`UPDATE schedules SET state='DISMISSED', reason='MANUAL', deleted_at=?, snoozed_until=NULL
		 WHERE id=? AND `+liveClause,
		at.UnixNano(), int64(id))
}

func (s *sqliteStore) UpdateSnoozeCount(ctx context.Context, id reminder.ID, n int, until time.Time) error {
	return s.update(ctx, id,
		`UPDATE schedules SET snooze_count=?, snoozed_until=? WHERE id=? AND `+liveClause,
		n, nullTime(until), int64(id))
}

// update runs a live-row UPDATE; zero affected rows is a no-op for terminal
// rows and ErrNotFound for unknown ids.
func (s *sqliteStore) update(ctx context.Context, id reminder.ID, q string, args ...any) error {
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil || n > 0 {
		return err
	}
	var one int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM schedules WHERE id = ?`, int64(id)).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func (s *sqliteStore) GetAllFutureSchedules(ctx context.Context, now time.Time) ([]reminder.Schedule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+scheduleCols+` FROM schedules
		 WHERE `+liveClause+` AND COALESCE(snoozed_until, due_at) > ?
		 ORDER BY COALESCE(snoozed_until, due_at), id`,
		now.UnixNano())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []reminder.Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSchedule(r rowScanner) (reminder.Schedule, error) {
	var (
		sc                               reminder.Schedule
		id, due                          int64
		snoozed, anchor, completed, dele sql.NullInt64
		group, reason                    sql.NullString
		recType, state                   string
	)
	if err := r.Scan(&id, &sc.Title, &sc.Notes, &due, &snoozed, &recType, &sc.Recurrence.Interval,
		&anchor, &group, &sc.SnoozeCount, &state, &reason, &completed, &dele); err != nil {
		return sc, err
	}
	var err error
	if sc.Recurrence.Type, err = reminder.ParseRecurrenceType(recType); err != nil {
		return sc, err
	}
	if sc.State, err = reminder.ParseRingState(state); err != nil {
		return sc, err
	}
	sc.ID = reminder.ID(id)
	sc.DueAt = time.Unix(0, due)
	sc.SnoozedUntil = fromNull(snoozed)
	sc.CompletedAt = fromNull(completed)
	sc.DeletedAt = fromNull(dele)
	sc.RecurringGroupID = group.String
	sc.Reason = reminder.Reason(reason.String)
	if anchor.Valid {
		wd := time.Weekday(anchor.Int64)
		sc.Recurrence.AnchorDayOfWeek = &wd
	}
	return sc, nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixNano()
}

func fromNull(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.Unix(0, v.Int64)
}

func nullWeekday(wd *time.Weekday) any {
	if wd == nil {
		return nil
	}
	return int64(*wd)
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
