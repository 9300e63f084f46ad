package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/chriswu/outreach-scheduler/internal/models"
)

// Stat field names accepted by the increment helpers. Column names are
// interpolated, so anything off this whitelist is rejected.
const (
	StatInvitesSent      = "invites_sent"
	StatMessagesSent     = "messages_sent"
	StatRunErrors        = "run_errors"
	StatSelectorFailures = "selector_failures"
	StatChallengesCount  = "challenges_count"
)

var dailyStatFields = map[string]bool{
	StatInvitesSent:      true,
	StatMessagesSent:     true,
	StatRunErrors:        true,
	StatSelectorFailures: true,
	StatChallengesCount:  true,
}

var listStatFields = map[string]bool{
	StatInvitesSent:  true,
	StatMessagesSent: true,
	StatRunErrors:    true,
}

// IncrDailyStat bumps one counter on today's row, creating it on first use.
func (s *Store) IncrDailyStat(ctx context.Context, field string, n int) error {
	if !dailyStatFields[field] {
		return fmt.Errorf("unknown daily stat field %q", field)
	}
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO daily_stats (stat_date, %s) VALUES (CURRENT_DATE, $1)
		ON CONFLICT (stat_date) DO UPDATE SET %s = daily_stats.%s + $1
	`, field, field, field), n)
	if err != nil {
		return fmt.Errorf("incr daily stat %s: %w", field, err)
	}
	return nil
}

// IncrListStat bumps one counter on today's row for a list.
func (s *Store) IncrListStat(ctx context.Context, listName, field string, n int) error {
	if !listStatFields[field] {
		return fmt.Errorf("unknown list stat field %q", field)
	}
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO list_stats (stat_date, list_name, %s) VALUES (CURRENT_DATE, $1, $2)
		ON CONFLICT (stat_date, list_name) DO UPDATE SET %s = list_stats.%s + $2
	`, field, field, field), listName, n)
	if err != nil {
		return fmt.Errorf("incr list stat %s: %w", field, err)
	}
	return nil
}

// IncrAccountDailyStat bumps invite/message consumption for an account.
func (s *Store) IncrAccountDailyStat(ctx context.Context, accountID, field string, n int) error {
	if field != StatInvitesSent && field != StatMessagesSent {
		return fmt.Errorf("unknown account stat field %q", field)
	}
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO account_daily_stats (stat_date, account_id, %s) VALUES (CURRENT_DATE, $1, $2)
		ON CONFLICT (stat_date, account_id) DO UPDATE SET %s = account_daily_stats.%s + $2
	`, field, field, field), accountID, n)
	if err != nil {
		return fmt.Errorf("incr account stat %s: %w", field, err)
	}
	return nil
}

// TodayStat returns today's counters; an absent row reads as zeros.
func (s *Store) TodayStat(ctx context.Context) (models.DailyStat, error) {
	var st models.DailyStat
	err := s.pool.QueryRow(ctx, `
		SELECT stat_date, invites_sent, messages_sent, run_errors, selector_failures, challenges_count
		FROM daily_stats WHERE stat_date = CURRENT_DATE
	`).Scan(&st.Date, &st.InvitesSent, &st.MessagesSent, &st.RunErrors, &st.SelectorFailures, &st.ChallengesCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.DailyStat{Date: time.Now().UTC().Truncate(24 * time.Hour)}, nil
	}
	if err != nil {
		return models.DailyStat{}, fmt.Errorf("today stat: %w", err)
	}
	return st, nil
}

// TodayListStat returns today's per-list counters; absent rows read as zeros.
func (s *Store) TodayListStat(ctx context.Context, listName string) (models.ListStat, error) {
	var st models.ListStat
	err := s.pool.QueryRow(ctx, `
		SELECT stat_date, list_name, invites_sent, messages_sent, run_errors
		FROM list_stats WHERE stat_date = CURRENT_DATE AND list_name = $1
	`, listName).Scan(&st.Date, &st.ListName, &st.InvitesSent, &st.MessagesSent, &st.RunErrors)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ListStat{ListName: listName}, nil
	}
	if err != nil {
		return models.ListStat{}, fmt.Errorf("today list stat: %w", err)
	}
	return st, nil
}

// AccountConsumption reads today's invite/message counts for one account.
func (s *Store) AccountConsumption(ctx context.Context, accountID string) (invites, messages int, err error) {
	err = s.pool.QueryRow(ctx, `
		SELECT invites_sent, messages_sent FROM account_daily_stats
		WHERE stat_date = CURRENT_DATE AND account_id = $1
	`, accountID).Scan(&invites, &messages)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, fmt.Errorf("account consumption: %w", err)
	}
	return invites, messages, nil
}

// WeeklyInvitesSent sums invites since the given week start (inclusive).
func (s *Store) WeeklyInvitesSent(ctx context.Context, weekStart time.Time) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(invites_sent), 0) FROM daily_stats WHERE stat_date >= $1::date
	`, weekStart).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("weekly invites: %w", err)
	}
	return n, nil
}

// TrailingDailyStats returns up to n full days of history before today,
// newest first, for the anomaly detector.
func (s *Store) TrailingDailyStats(ctx context.Context, n int) ([]models.DailyStat, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT stat_date, invites_sent, messages_sent, run_errors, selector_failures, challenges_count
		FROM daily_stats WHERE stat_date < CURRENT_DATE
		ORDER BY stat_date DESC LIMIT $1
	`, n)
	if err != nil {
		return nil, fmt.Errorf("trailing daily stats: %w", err)
	}
	defer rows.Close()

	var out []models.DailyStat
	for rows.Next() {
		var st models.DailyStat
		if err := rows.Scan(&st.Date, &st.InvitesSent, &st.MessagesSent, &st.RunErrors, &st.SelectorFailures, &st.ChallengesCount); err != nil {
			return nil, fmt.Errorf("scan daily stat: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}
