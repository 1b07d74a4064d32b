package core

import (
	"time"

	"github.com/google/uuid"
)

type Client struct {
	ID           int64     `json:"id"`
	PhoneNumber  string    `json:"phone_number"`
	OperatorCode string    `json:"operator_code"`
	Tag          string    `json:"tag"`
	Timezone     string    `json:"timezone"`
	CreatedAt    time.Time `json:"created_at"`
}

type Campaign struct {
	ID            int64          `json:"id"`
	StartsAt      time.Time      `json:"starts_at"`
	EndsAt        time.Time      `json:"ends_at"`
	MessageText   string         `json:"message_text"`
	WindowStart   TimeOfDay      `json:"window_start"`
	WindowEnd     TimeOfDay      `json:"window_end"`
	Tag           string         `json:"tag"`
	Audience      AudienceFilter `json:"audience"`
	Status        CampaignStatus `json:"status"`
	IsActive      bool           `json:"is_active"`
	ActiveRunID   *uuid.UUID     `json:"active_run_id,omitempty"`
	LastStartedAt *time.Time     `json:"last_started_at,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

// Run is a single execution of a campaign. IDs are generated client-side
// so concurrent starts never collide on a sequence.
type Run struct {
	ID          uuid.UUID  `json:"id"`
	CampaignID  int64      `json:"campaign_id"`
	Status      RunStatus  `json:"status"`
	ForceResend bool       `json:"force_resend"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

type Message struct {
	ID            int64         `json:"id"`
	CampaignID    int64         `json:"campaign_id"`
	ClientID      int64         `json:"client_id"`
	RunID         uuid.UUID     `json:"run_id"`
	Body          string        `json:"body"`
	Status        MessageStatus `json:"status"`
	Attempts      int           `json:"attempts"`
	CreatedAt     time.Time     `json:"created_at"`
	PlannedSendAt time.Time     `json:"planned_send_at"`
	SentAt        *time.Time    `json:"sent_at,omitempty"`
}

// CampaignStats mirrors the per-campaign reporting payload.
// EligibleClients is the live audience size at stats time and is only
// computed by the single-campaign view; the aggregate listing reports
// Recipients, the distinct clients a message row actually exists for.
type CampaignStats struct {
	CampaignID      int64          `json:"id"`
	TotalMessages   int            `json:"total_messages"`
	SentMessages    int            `json:"sent_messages"`
	FailedMessages  int            `json:"failed_messages"`
	EligibleClients int            `json:"eligible_clients,omitempty"`
	Recipients      int            `json:"recipients,omitempty"`
	Status          CampaignStatus `json:"status"`
}
