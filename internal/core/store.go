package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

type Store struct {
	DB      *pgxpool.Pool
	Log     zerolog.Logger
	Planner Planner
}

const campaignColumns = `id, starts_at, ends_at, message_text, window_start, window_end,
	tag, audience, status, is_active, active_run_id, last_started_at, created_at`

// ---- clients ----

func (s *Store) CreateClient(ctx context.Context, c Client) (Client, error) {
	if c.Timezone == "" {
		c.Timezone = "UTC"
	}
	err := s.DB.QueryRow(ctx, `
		INSERT INTO clients(phone_number, operator_code, tag, timezone)
		VALUES($1,$2,$3,$4)
		RETURNING id, created_at
	`, c.PhoneNumber, c.OperatorCode, c.Tag, c.Timezone).Scan(&c.ID, &c.CreatedAt)
	return c, err
}

func (s *Store) GetClient(ctx context.Context, id int64) (Client, error) {
	var c Client
	err := s.DB.QueryRow(ctx, `
		SELECT id, phone_number, operator_code, tag, timezone, created_at
		FROM clients WHERE id=$1
	`, id).Scan(&c.ID, &c.PhoneNumber, &c.OperatorCode, &c.Tag, &c.Timezone, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Client{}, ErrNotFound
	}
	return c, err
}

func (s *Store) ListClients(ctx context.Context, limit, offset int) ([]Client, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id, phone_number, operator_code, tag, timezone, created_at
		FROM clients ORDER BY id LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Client
	for rows.Next() {
		var c Client
		if err := rows.Scan(&c.ID, &c.PhoneNumber, &c.OperatorCode, &c.Tag, &c.Timezone, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) UpdateClient(ctx context.Context, c Client) error {
	tag, err := s.DB.Exec(ctx, `
		UPDATE clients SET phone_number=$2, operator_code=$3, tag=$4, timezone=$5 WHERE id=$1
	`, c.ID, c.PhoneNumber, c.OperatorCode, c.Tag, c.Timezone)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) DeleteClient(ctx context.Context, id int64) error {
	tag, err := s.DB.Exec(ctx, `DELETE FROM clients WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ---- campaigns ----

func (s *Store) CreateCampaign(ctx context.Context, c Campaign) (Campaign, error) {
	if !c.StartsAt.Before(c.EndsAt) {
		return Campaign{}, fmt.Errorf("%w: campaign must end after it starts", ErrInvalidFilter)
	}
	if c.Audience.Empty() && c.Tag == "" {
		return Campaign{}, fmt.Errorf("%w: audience filter and tag are both empty", ErrInvalidFilter)
	}
	audience, err := json.Marshal(c.Audience)
	if err != nil {
		return Campaign{}, err
	}
	c.Status = CampaignDraft
	err = s.DB.QueryRow(ctx, `
		INSERT INTO campaigns(starts_at, ends_at, message_text, window_start, window_end, tag, audience, status)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING id, created_at
	`, c.StartsAt, c.EndsAt, c.MessageText, int(c.WindowStart), int(c.WindowEnd),
		c.Tag, audience, string(c.Status)).Scan(&c.ID, &c.CreatedAt)
	return c, err
}

func (s *Store) GetCampaign(ctx context.Context, id int64) (Campaign, error) {
	row := s.DB.QueryRow(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE id=$1`, id)
	c, err := scanCampaign(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Campaign{}, ErrNotFound
	}
	return c, err
}

func (s *Store) ListCampaigns(ctx context.Context, limit, offset int) ([]Campaign, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT `+campaignColumns+` FROM campaigns ORDER BY starts_at DESC LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpdateCampaignContent changes text and window fields only. Updating a
// campaign never touches its runs or messages.
func (s *Store) UpdateCampaignContent(ctx context.Context, id int64, text string, windowStart, windowEnd TimeOfDay) error {
	tag, err := s.DB.Exec(ctx, `
		UPDATE campaigns SET message_text=$2, window_start=$3, window_end=$4 WHERE id=$1
	`, id, text, int(windowStart), int(windowEnd))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) DeleteCampaign(ctx context.Context, id int64) error {
	tag, err := s.DB.Exec(ctx, `DELETE FROM campaigns WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanCampaign(row pgx.Row) (Campaign, error) {
	var (
		c         Campaign
		winStart  int16
		winEnd    int16
		audience  []byte
		status    string
		activeRun *uuid.UUID
	)
	err := row.Scan(&c.ID, &c.StartsAt, &c.EndsAt, &c.MessageText, &winStart, &winEnd,
		&c.Tag, &audience, &status, &c.IsActive, &activeRun, &c.LastStartedAt, &c.CreatedAt)
	if err != nil {
		return Campaign{}, err
	}
	c.WindowStart = TimeOfDay(winStart)
	c.WindowEnd = TimeOfDay(winEnd)
	c.Status = CampaignStatus(status)
	c.ActiveRunID = activeRun
	if len(audience) > 0 {
		if err := json.Unmarshal(audience, &c.Audience); err != nil {
			return Campaign{}, fmt.Errorf("decode audience: %w", err)
		}
	}
	return c, nil
}

// ---- recipient resolution ----

// ResolveRecipients returns the deduplicated client set selected by the
// campaign's audience filter. Explicit phone numbers are additive: they
// widen a tag audience instead of narrowing it. Operator codes always
// narrow whatever matched.
func (s *Store) ResolveRecipients(ctx context.Context, c Campaign) ([]Client, error) {
	tags := c.Audience.EffectiveTags(c.Tag)
	phones := c.Audience.PhoneNumbers
	ops := c.Audience.OperatorCodes

	if len(phones) == 0 && len(tags) == 0 {
		return nil, nil
	}

	q := `SELECT DISTINCT id, phone_number, operator_code, tag, timezone, created_at FROM clients WHERE `
	var (
		args  []any
		conds []string
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	var include []string
	if len(phones) > 0 {
		include = append(include, "phone_number = ANY("+arg(phones)+")")
	}
	if len(tags) > 0 {
		include = append(include, "tag = ANY("+arg(tags)+")")
	}
	conds = append(conds, "("+joinOr(include)+")")
	if len(ops) > 0 {
		conds = append(conds, "operator_code = ANY("+arg(ops)+")")
	}

	q += joinAnd(conds) + " ORDER BY id"

	rows, err := s.DB.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Client
	for rows.Next() {
		var cl Client
		if err := rows.Scan(&cl.ID, &cl.PhoneNumber, &cl.OperatorCode, &cl.Tag, &cl.Timezone, &cl.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, cl)
	}
	return out, rows.Err()
}

func joinOr(xs []string) string  { return join(xs, " OR ") }
func joinAnd(xs []string) string { return join(xs, " AND ") }

func join(xs []string, sep string) string {
	out := ""
	for i, x := range xs {
		if i > 0 {
			out += sep
		}
		out += x
	}
	return out
}

// ---- messages ----

// ClaimDueMessages promotes up to limit due PENDING messages to QUEUED and
// returns their ids. SKIP LOCKED plus the status guard makes each claim
// exactly-once among concurrent sweepers.
func (s *Store) ClaimDueMessages(ctx context.Context, now time.Time, limit int) ([]int64, error) {
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `
		SELECT id FROM messages
		WHERE status=$1 AND planned_send_at <= $2
		ORDER BY planned_send_at
		LIMIT $3 FOR UPDATE SKIP LOCKED
	`, string(MessagePending), now, limit)
	if err != nil {
		return nil, err
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, tx.Commit(ctx)
	}

	_, err = tx.Exec(ctx, `
		UPDATE messages SET status=$2, attempts=attempts+1 WHERE id = ANY($1) AND status=$3
	`, ids, string(MessageQueued), string(MessagePending))
	if err != nil {
		return nil, err
	}
	return ids, tx.Commit(ctx)
}

func (s *Store) GetMessage(ctx context.Context, id int64) (Message, error) {
	var m Message
	var status string
	err := s.DB.QueryRow(ctx, `
		SELECT id, campaign_id, client_id, run_id, body, status, attempts, created_at, planned_send_at, sent_at
		FROM messages WHERE id=$1
	`, id).Scan(&m.ID, &m.CampaignID, &m.ClientID, &m.RunID, &m.Body, &status,
		&m.Attempts, &m.CreatedAt, &m.PlannedSendAt, &m.SentAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Message{}, ErrNotFound
	}
	m.Status = MessageStatus(status)
	return m, err
}

func (s *Store) ListMessages(ctx context.Context, runID *uuid.UUID, limit, offset int) ([]Message, error) {
	q := `SELECT id, campaign_id, client_id, run_id, body, status, attempts, created_at, planned_send_at, sent_at FROM messages`
	args := []any{}
	if runID != nil {
		q += ` WHERE run_id=$1`
		args = append(args, *runID)
	}
	q += fmt.Sprintf(` ORDER BY id LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := s.DB.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Message
	for rows.Next() {
		var m Message
		var status string
		if err := rows.Scan(&m.ID, &m.CampaignID, &m.ClientID, &m.RunID, &m.Body, &status,
			&m.Attempts, &m.CreatedAt, &m.PlannedSendAt, &m.SentAt); err != nil {
			return nil, err
		}
		m.Status = MessageStatus(status)
		out = append(out, m)
	}
	return out, rows.Err()
}

// SendTarget is everything the dispatcher needs to hand one message to the
// delivery adapter.
type SendTarget struct {
	MessageID int64
	RunID     uuid.UUID
	Phone     string
	Body      string
	Status    MessageStatus
}

func (s *Store) LoadSendTarget(ctx context.Context, id int64) (SendTarget, error) {
	var t SendTarget
	var status string
	err := s.DB.QueryRow(ctx, `
		SELECT m.id, m.run_id, c.phone_number, m.body, m.status
		FROM messages m JOIN clients c ON c.id = m.client_id
		WHERE m.id=$1
	`, id).Scan(&t.MessageID, &t.RunID, &t.Phone, &t.Body, &status)
	if errors.Is(err, pgx.ErrNoRows) {
		return SendTarget{}, ErrNotFound
	}
	t.Status = MessageStatus(status)
	return t, err
}

// ForceQueued puts a message back into QUEUED. Used when a redelivered
// send job finds the row in an unexpected non-terminal state.
func (s *Store) ForceQueued(ctx context.Context, id int64) error {
	return s.markMessage(ctx, id, MessageQueued, nil)
}

func (s *Store) MarkMessageSent(ctx context.Context, id int64, at time.Time) error {
	return s.markMessage(ctx, id, MessageSent, &at)
}

func (s *Store) MarkMessageFailed(ctx context.Context, id int64) error {
	return s.markMessage(ctx, id, MessageFailed, nil)
}

// markMessage is a guarded status move: the UPDATE only fires when the
// current status is a legal predecessor of next. Rewriting the status a
// row already has is a no-op; any other miss is ErrInvalidTransition.
func (s *Store) markMessage(ctx context.Context, id int64, next MessageStatus, sentAt *time.Time) error {
	var (
		tag pgconn.CommandTag
		err error
	)
	if sentAt != nil {
		tag, err = s.DB.Exec(ctx, `
			UPDATE messages SET status=$2, sent_at=$3 WHERE id=$1 AND status = ANY($4)
		`, id, string(next), *sentAt, statusesInto(next))
	} else {
		tag, err = s.DB.Exec(ctx, `
			UPDATE messages SET status=$2 WHERE id=$1 AND status = ANY($3)
		`, id, string(next), statusesInto(next))
	}
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var current string
	err = s.DB.QueryRow(ctx, `SELECT status FROM messages WHERE id=$1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if MessageStatus(current) == next {
		return nil
	}
	return fmt.Errorf("%w: message %d %s -> %s", ErrInvalidTransition, id, current, next)
}

// ---- stats ----

func (s *Store) CampaignStats(ctx context.Context, id int64) (CampaignStats, error) {
	c, err := s.GetCampaign(ctx, id)
	if err != nil {
		return CampaignStats{}, err
	}
	st := CampaignStats{CampaignID: c.ID, Status: c.Status}
	err = s.DB.QueryRow(ctx, `
		SELECT count(*),
		       count(*) FILTER (WHERE status=$2),
		       count(*) FILTER (WHERE status=$3)
		FROM messages WHERE campaign_id=$1
	`, id, string(MessageSent), string(MessageFailed)).
		Scan(&st.TotalMessages, &st.SentMessages, &st.FailedMessages)
	if err != nil {
		return CampaignStats{}, err
	}
	recipients, err := s.ResolveRecipients(ctx, c)
	if err != nil {
		return CampaignStats{}, err
	}
	st.EligibleClients = len(recipients)
	return st, nil
}

func (s *Store) AllCampaignStats(ctx context.Context) ([]CampaignStats, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT c.id, c.status,
		       count(m.id),
		       count(m.id) FILTER (WHERE m.status=$1),
		       count(m.id) FILTER (WHERE m.status=$2),
		       count(DISTINCT m.client_id)
		FROM campaigns c
		LEFT JOIN messages m ON m.campaign_id = c.id
		GROUP BY c.id, c.status
		ORDER BY c.id
	`, string(MessageSent), string(MessageFailed))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []CampaignStats
	for rows.Next() {
		var st CampaignStats
		var status string
		if err := rows.Scan(&st.CampaignID, &status, &st.TotalMessages,
			&st.SentMessages, &st.FailedMessages, &st.Recipients); err != nil {
			return nil, err
		}
		st.Status = CampaignStatus(status)
		out = append(out, st)
	}
	return out, rows.Err()
}
