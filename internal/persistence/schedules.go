package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Schedule is an internal envelope producer fired by a cron expression
// (spec.md §3's "internal producers", supplemented — see DESIGN.md).
type Schedule struct {
	ID        string
	Name      string
	CronExpr  string
	Channel   string
	Content   string
	Priority  Priority
	Enabled   bool
	LastRunAt *time.Time
	NextRunAt *time.Time
}

// InsertSchedule adds a new schedule row.
func (s *Store) InsertSchedule(ctx context.Context, sch Schedule) error {
	if sch.ID == "" {
		return fmt.Errorf("persistence: insert schedule requires a non-empty id")
	}
	if sch.Channel == "" {
		sch.Channel = "cron"
	}
	if sch.Priority == "" {
		sch.Priority = PriorityBackground
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO schedules (id, name, cron_expr, channel, content, priority, enabled, last_run_at, next_run_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, sch.ID, sch.Name, sch.CronExpr, sch.Channel, sch.Content, string(sch.Priority), sch.Enabled, sch.LastRunAt, sch.NextRunAt)
		return err
	})
}

// DueSchedules returns enabled schedules whose next_run_at is at or before now.
func (s *Store) DueSchedules(ctx context.Context, now time.Time) ([]Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, cron_expr, channel, content, priority, enabled, last_run_at, next_run_at
		FROM schedules
		WHERE enabled = 1 AND next_run_at IS NOT NULL AND next_run_at <= ?;
	`, now)
	if err != nil {
		return nil, fmt.Errorf("query due schedules: %w", err)
	}
	defer rows.Close()
	return scanSchedules(rows)
}

// ListSchedules returns every schedule row, enabled or not.
func (s *Store) ListSchedules(ctx context.Context) ([]Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, cron_expr, channel, content, priority, enabled, last_run_at, next_run_at
		FROM schedules;
	`)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()
	return scanSchedules(rows)
}

func scanSchedules(rows *sql.Rows) ([]Schedule, error) {
	var out []Schedule
	for rows.Next() {
		var sch Schedule
		var priority string
		var enabled int
		if err := rows.Scan(&sch.ID, &sch.Name, &sch.CronExpr, &sch.Channel, &sch.Content,
			&priority, &enabled, &sch.LastRunAt, &sch.NextRunAt); err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		sch.Priority = Priority(priority)
		sch.Enabled = enabled != 0
		out = append(out, sch)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateScheduleRun stamps last_run_at and the computed next_run_at after a
// schedule fires.
func (s *Store) UpdateScheduleRun(ctx context.Context, id string, lastRun, nextRun time.Time) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE schedules SET last_run_at = ?, next_run_at = ? WHERE id = ?;
		`, lastRun, nextRun, id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return errors.New("persistence: update schedule run: no such schedule")
		}
		return nil
	})
}
