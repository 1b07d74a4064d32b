package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// StartRun creates a new run for the campaign. The campaign row is locked
// for the duration of the conflict check so two concurrent starts cannot
// both create an active run. The audience is resolved synchronously here
// to reject an empty campaign before anything is persisted; population
// re-resolves it later and the message uniqueness constraint keeps that
// idempotent.
func (s *Store) StartRun(ctx context.Context, campaignID int64, forceResend bool) (Run, error) {
	now := time.Now().UTC()

	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Run{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE id=$1 FOR UPDATE`, campaignID)
	campaign, err := scanCampaign(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Run{}, ErrNotFound
	}
	if err != nil {
		return Run{}, err
	}

	switch campaign.Status {
	case CampaignScheduled, CampaignRunning, CampaignFinished:
		if !forceResend {
			return Run{}, ErrRunConflict
		}
	}

	recipients, err := s.ResolveRecipients(ctx, campaign)
	if err != nil {
		return Run{}, err
	}
	if len(recipients) == 0 {
		return Run{}, ErrEmptyAudience
	}

	runStatus := RunRunning
	if campaign.StartsAt.After(now) {
		runStatus = RunScheduled
	}

	run := Run{
		ID:          uuid.New(),
		CampaignID:  campaignID,
		Status:      runStatus,
		ForceResend: forceResend,
	}
	err = tx.QueryRow(ctx, `
		INSERT INTO runs(id, campaign_id, status, force_resend)
		VALUES($1,$2,$3,$4)
		RETURNING created_at
	`, run.ID, run.CampaignID, string(run.Status), run.ForceResend).Scan(&run.CreatedAt)
	if err != nil {
		return Run{}, err
	}

	campaignStatus := CampaignRunning
	isActive := true
	if runStatus == RunScheduled {
		campaignStatus = CampaignScheduled
		isActive = false
	}
	if campaign.Status != campaignStatus && !campaign.Status.CanTransition(campaignStatus) {
		return Run{}, fmt.Errorf("%w: campaign %d %s -> %s",
			ErrInvalidTransition, campaignID, campaign.Status, campaignStatus)
	}
	var lastStarted *time.Time
	if isActive {
		lastStarted = &now
	} else {
		lastStarted = campaign.LastStartedAt
	}
	_, err = tx.Exec(ctx, `
		UPDATE campaigns SET status=$2, is_active=$3, active_run_id=$4, last_started_at=$5 WHERE id=$1
	`, campaignID, string(campaignStatus), isActive, run.ID, lastStarted)
	if err != nil {
		return Run{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Run{}, err
	}

	s.Log.Info().Int64("campaign_id", campaignID).Str("run_id", run.ID.String()).
		Str("status", string(run.Status)).Bool("force_resend", forceResend).
		Msg("run created")
	return run, nil
}

// PopulateRun materializes one message per resolved recipient. Safe to
// call more than once for the same run: inserts go through ON CONFLICT DO
// NOTHING against the (campaign, client, run) unique constraint.
func (s *Store) PopulateRun(ctx context.Context, runID uuid.UUID) error {
	now := time.Now().UTC()

	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var (
		campaignID int64
		runStatus  string
		startedAt  *time.Time
	)
	err = tx.QueryRow(ctx, `
		SELECT campaign_id, status, started_at FROM runs WHERE id=$1 FOR UPDATE
	`, runID).Scan(&campaignID, &runStatus, &startedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		s.Log.Warn().Str("run_id", runID.String()).Msg("populate: run no longer exists")
		return nil
	}
	if err != nil {
		return err
	}
	if RunStatus(runStatus).Terminal() {
		return nil
	}

	row := tx.QueryRow(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE id=$1 FOR UPDATE`, campaignID)
	campaign, err := scanCampaign(row)
	if err != nil {
		return err
	}

	recipients, err := s.ResolveRecipients(ctx, campaign)
	if err != nil {
		return err
	}

	planned := 0
	for _, client := range recipients {
		sendAt, ok := s.Planner.PlanSendAt(campaign, client, now)
		if !ok {
			// No slot inside the campaign window for this recipient.
			continue
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO messages(campaign_id, client_id, run_id, body, status, planned_send_at)
			VALUES($1,$2,$3,$4,$5,$6)
			ON CONFLICT (campaign_id, client_id, run_id) DO NOTHING
		`, campaign.ID, client.ID, runID, campaign.MessageText, string(MessagePending), sendAt)
		if err != nil {
			return fmt.Errorf("populate run %s: %w", runID, err)
		}
		planned++
	}

	var total int
	if err := tx.QueryRow(ctx, `SELECT count(*) FROM messages WHERE run_id=$1`, runID).Scan(&total); err != nil {
		return err
	}

	if total == 0 {
		_, err = tx.Exec(ctx, `
			UPDATE runs SET status=$2, finished_at=$3 WHERE id=$1
		`, runID, string(RunFailed), now)
		if err != nil {
			return err
		}
		if campaign.ActiveRunID != nil && *campaign.ActiveRunID == runID {
			_, err = tx.Exec(ctx, `
				UPDATE campaigns SET status=$2, is_active=false WHERE id=$1
			`, campaign.ID, string(CampaignFailed))
			if err != nil {
				return err
			}
		}
		if err := tx.Commit(ctx); err != nil {
			return err
		}
		s.Log.Warn().Str("run_id", runID.String()).Msg("run populated zero messages, marked failed")
		return nil
	}

	if startedAt == nil {
		startedAt = &now
	}
	_, err = tx.Exec(ctx, `
		UPDATE runs SET status=$2, started_at=$3 WHERE id=$1
	`, runID, string(RunRunning), startedAt)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		UPDATE campaigns SET status=$2, is_active=true, last_started_at=$3, active_run_id=$4 WHERE id=$1
	`, campaign.ID, string(CampaignRunning), now, runID)
	if err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}
	s.Log.Info().Str("run_id", runID.String()).Int("messages", total).Int("planned", planned).
		Msg("run populated")
	return nil
}

// RefreshRun recomputes the run status from the message aggregate and, if
// the run is still the campaign's active run, propagates it. The aggregate
// is re-read inside the transaction because other workers mutate messages
// concurrently. A run that has been superseded by a newer active run never
// touches the campaign (stale-run guard).
func (s *Store) RefreshRun(ctx context.Context, runID uuid.UUID) error {
	now := time.Now().UTC()

	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var (
		campaignID int64
		current    string
		finishedAt *time.Time
	)
	err = tx.QueryRow(ctx, `
		SELECT campaign_id, status, finished_at FROM runs WHERE id=$1 FOR UPDATE
	`, runID).Scan(&campaignID, &current, &finishedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		s.Log.Warn().Str("run_id", runID.String()).Msg("refresh: run no longer exists")
		return nil
	}
	if err != nil {
		return err
	}

	var pending, failed int
	err = tx.QueryRow(ctx, `
		SELECT count(*) FILTER (WHERE status = ANY($2)),
		       count(*) FILTER (WHERE status = $3)
		FROM messages WHERE run_id=$1
	`, runID, []string{string(MessagePending), string(MessageQueued)}, string(MessageFailed)).
		Scan(&pending, &failed)
	if err != nil {
		return err
	}

	next := RunFinished
	switch {
	case pending > 0:
		next = RunRunning
	case failed > 0:
		next = RunFailed
	}

	cur := RunStatus(current)
	if cur != next && !cur.CanTransition(next) {
		// A SCHEDULED run with no messages yet must not jump to FINISHED.
		s.Log.Warn().Str("run_id", runID.String()).
			Str("from", string(cur)).Str("to", string(next)).
			Msg("refresh: transition not allowed, leaving run as is")
		return tx.Commit(ctx)
	}
	if cur != next || (next.Terminal() && finishedAt == nil) {
		if next.Terminal() && finishedAt == nil {
			finishedAt = &now
		}
		_, err = tx.Exec(ctx, `
			UPDATE runs SET status=$2, finished_at=$3 WHERE id=$1
		`, runID, string(next), finishedAt)
		if err != nil {
			return err
		}
	}

	var activeRunID *uuid.UUID
	var campaignStatus string
	err = tx.QueryRow(ctx, `
		SELECT active_run_id, status FROM campaigns WHERE id=$1 FOR UPDATE
	`, campaignID).Scan(&activeRunID, &campaignStatus)
	if err != nil {
		return err
	}
	if activeRunID == nil || *activeRunID != runID {
		return tx.Commit(ctx)
	}

	var nextCampaign CampaignStatus
	var isActive bool
	switch next {
	case RunRunning:
		nextCampaign, isActive = CampaignRunning, true
	case RunFinished:
		nextCampaign, isActive = CampaignFinished, false
	case RunFailed:
		nextCampaign, isActive = CampaignFailed, false
	}
	if curCampaign := CampaignStatus(campaignStatus); curCampaign != nextCampaign {
		if !curCampaign.CanTransition(nextCampaign) {
			return tx.Commit(ctx)
		}
		_, err = tx.Exec(ctx, `
			UPDATE campaigns SET status=$2, is_active=$3 WHERE id=$1
		`, campaignID, string(nextCampaign), isActive)
		if err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

// ActivateDueRuns lists runs that are ready for population: SCHEDULED
// runs whose campaign window has opened, plus RUNNING runs that have no
// messages yet (a populate that was scheduled but never completed).
// Concurrent sweeps may return the same run; PopulateRun locks the run
// row and is idempotent, so double activation is a no-op.
func (s *Store) ActivateDueRuns(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT r.id FROM runs r
		JOIN campaigns c ON c.id = r.campaign_id
		WHERE c.starts_at <= $1
		  AND (r.status = $2
		       OR (r.status = $3 AND NOT EXISTS (SELECT 1 FROM messages m WHERE m.run_id = r.id)))
		ORDER BY r.created_at
		LIMIT $4
	`, now, string(RunScheduled), string(RunRunning), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
