package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgtype"

	"github.com/chriswu/outreach-scheduler/internal/models"
)

// ControlState reads the singleton pause/quarantine row.
func (s *Store) ControlState(ctx context.Context) (models.ControlState, error) {
	var cs models.ControlState
	var pausedUntil pgtype.Timestamptz
	err := s.pool.QueryRow(ctx, `
		SELECT paused_until, pause_reason, quarantined, updated_at FROM control_state
	`).Scan(&pausedUntil, &cs.PauseReason, &cs.Quarantined, &cs.UpdatedAt)
	if err != nil {
		return models.ControlState{}, fmt.Errorf("control state: %w", err)
	}
	if pausedUntil.Valid {
		cs.PausedUntil = &pausedUntil.Time
	}
	return cs, nil
}

// SetPause arms a timed scheduling pause.
func (s *Store) SetPause(ctx context.Context, until time.Time, reason string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE control_state SET paused_until = $1, pause_reason = $2, updated_at = NOW()
	`, until, reason)
	if err != nil {
		return fmt.Errorf("set pause: %w", err)
	}
	return nil
}

// ClearPause lifts any active pause.
func (s *Store) ClearPause(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE control_state SET paused_until = NULL, pause_reason = '', updated_at = NOW()
	`)
	if err != nil {
		return fmt.Errorf("clear pause: %w", err)
	}
	return nil
}

// SetQuarantine toggles the full workflow halt.
func (s *Store) SetQuarantine(ctx context.Context, enabled bool) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE control_state SET quarantined = $1, updated_at = NOW()
	`, enabled)
	if err != nil {
		return fmt.Errorf("set quarantine: %w", err)
	}
	return nil
}
