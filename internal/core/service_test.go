package core_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/massmsg/campaigner/internal/core"
	database "github.com/massmsg/campaigner/internal/db"
)

func newStore(t *testing.T) *core.Store {
	pg := database.StartTestPostgres(t)
	return &core.Store{
		DB:      pg.Pool,
		Log:     zerolog.Nop(),
		Planner: core.Planner{Fallback: time.UTC, Log: zerolog.Nop()},
	}
}

func createClient(t *testing.T, s *core.Store, phone, tag, operator string) core.Client {
	t.Helper()
	c, err := s.CreateClient(context.Background(), core.Client{
		PhoneNumber:  phone,
		OperatorCode: operator,
		Tag:          tag,
		Timezone:     "UTC",
	})
	require.NoError(t, err)
	return c
}

func createCampaign(t *testing.T, s *core.Store, c core.Campaign) core.Campaign {
	t.Helper()
	if c.MessageText == "" {
		c.MessageText = "hello"
	}
	if c.StartsAt.IsZero() {
		c.StartsAt = time.Now().UTC().Add(-time.Minute)
	}
	if c.EndsAt.IsZero() {
		c.EndsAt = time.Now().UTC().Add(time.Hour)
	}
	if c.WindowEnd == 0 {
		c.WindowEnd = core.NewTimeOfDay(23, 59)
	}
	created, err := s.CreateCampaign(context.Background(), c)
	require.NoError(t, err)
	return created
}

func messageCount(t *testing.T, s *core.Store, campaignID int64) int {
	t.Helper()
	var n int
	err := s.DB.QueryRow(context.Background(),
		`SELECT count(*) FROM messages WHERE campaign_id=$1`, campaignID).Scan(&n)
	require.NoError(t, err)
	return n
}

func runStatus(t *testing.T, s *core.Store, run core.Run) core.RunStatus {
	t.Helper()
	var status string
	err := s.DB.QueryRow(context.Background(),
		`SELECT status FROM runs WHERE id=$1`, run.ID).Scan(&status)
	require.NoError(t, err)
	return core.RunStatus(status)
}

// claimAll promotes every due message to QUEUED, the legal predecessor
// for sent/failed marks.
func claimAll(t *testing.T, s *core.Store) []int64 {
	t.Helper()
	ids, err := s.ClaimDueMessages(context.Background(), time.Now().UTC().Add(time.Hour), 100)
	require.NoError(t, err)
	return ids
}

func clientIDs(clients []core.Client) []int64 {
	ids := make([]int64, 0, len(clients))
	for _, c := range clients {
		ids = append(ids, c.ID)
	}
	return ids
}

func TestResolveRecipients_TagAudience(t *testing.T) {
	s := newStore(t)

	vip1 := createClient(t, s, "79000000001", "vip", "900")
	vip2 := createClient(t, s, "79000000002", "vip", "901")
	createClient(t, s, "79000000003", "basic", "900")

	campaign := createCampaign(t, s, core.Campaign{Tag: "vip"})
	got, err := s.ResolveRecipients(context.Background(), campaign)
	require.NoError(t, err)
	require.ElementsMatch(t, []int64{vip1.ID, vip2.ID}, clientIDs(got))
}

func TestResolveRecipients_PhonesWidenTagAudience(t *testing.T) {
	s := newStore(t)

	vip := createClient(t, s, "79000000001", "vip", "900")
	other := createClient(t, s, "79000000002", "basic", "900")
	createClient(t, s, "79000000003", "basic", "900")

	campaign := createCampaign(t, s, core.Campaign{
		Tag:      "vip",
		Audience: core.AudienceFilter{PhoneNumbers: []string{other.PhoneNumber}},
	})
	got, err := s.ResolveRecipients(context.Background(), campaign)
	require.NoError(t, err)
	// Explicit phone numbers widen the tag selection rather than narrow it.
	require.ElementsMatch(t, []int64{vip.ID, other.ID}, clientIDs(got))
}

func TestResolveRecipients_OperatorNarrows(t *testing.T) {
	s := newStore(t)

	keep := createClient(t, s, "79000000001", "vip", "900")
	createClient(t, s, "79000000002", "vip", "901")

	campaign := createCampaign(t, s, core.Campaign{
		Tag:      "vip",
		Audience: core.AudienceFilter{OperatorCodes: []string{"900"}},
	})
	got, err := s.ResolveRecipients(context.Background(), campaign)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, keep.ID, got[0].ID)
}

func TestStartRun_EmptyAudiencePersistsNothing(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	campaign := createCampaign(t, s, core.Campaign{Tag: "nobody-has-this-tag"})
	_, err := s.StartRun(ctx, campaign.ID, false)
	require.ErrorIs(t, err, core.ErrEmptyAudience)

	var runs int
	require.NoError(t, s.DB.QueryRow(ctx, `SELECT count(*) FROM runs`).Scan(&runs))
	require.Zero(t, runs)
	require.Zero(t, messageCount(t, s, campaign.ID))
}

func TestStartRun_ConflictWithoutForce(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	createClient(t, s, "79000000001", "vip", "900")
	campaign := createCampaign(t, s, core.Campaign{Tag: "vip"})

	run, err := s.StartRun(ctx, campaign.ID, false)
	require.NoError(t, err)
	require.Equal(t, core.RunRunning, run.Status)
	require.NoError(t, s.PopulateRun(ctx, run.ID))
	require.Equal(t, 1, messageCount(t, s, campaign.ID))

	_, err = s.StartRun(ctx, campaign.ID, false)
	require.ErrorIs(t, err, core.ErrRunConflict)

	var runs int
	require.NoError(t, s.DB.QueryRow(ctx, `SELECT count(*) FROM runs`).Scan(&runs))
	require.Equal(t, 1, runs)

	// force_resend overrides the conflict check with a fresh run.
	forced, err := s.StartRun(ctx, campaign.ID, true)
	require.NoError(t, err)
	require.True(t, forced.ForceResend)
	require.NotEqual(t, run.ID, forced.ID)
}

func TestStartRun_FutureCampaignIsScheduled(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	createClient(t, s, "79000000001", "vip", "900")
	campaign := createCampaign(t, s, core.Campaign{
		Tag:      "vip",
		StartsAt: time.Now().UTC().Add(time.Hour),
		EndsAt:   time.Now().UTC().Add(2 * time.Hour),
	})

	run, err := s.StartRun(ctx, campaign.ID, false)
	require.NoError(t, err)
	require.Equal(t, core.RunScheduled, run.Status)

	got, err := s.GetCampaign(ctx, campaign.ID)
	require.NoError(t, err)
	require.Equal(t, core.CampaignScheduled, got.Status)
	require.False(t, got.IsActive)
	require.NotNil(t, got.ActiveRunID)
	require.Equal(t, run.ID, *got.ActiveRunID)
}

func TestPopulateRun_Idempotent(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	createClient(t, s, "79000000001", "vip", "900")
	createClient(t, s, "79000000002", "vip", "900")
	campaign := createCampaign(t, s, core.Campaign{Tag: "vip"})

	run, err := s.StartRun(ctx, campaign.ID, false)
	require.NoError(t, err)

	require.NoError(t, s.PopulateRun(ctx, run.ID))
	require.NoError(t, s.PopulateRun(ctx, run.ID))
	require.Equal(t, 2, messageCount(t, s, campaign.ID))

	got, err := s.GetCampaign(ctx, campaign.ID)
	require.NoError(t, err)
	require.Equal(t, core.CampaignRunning, got.Status)
	require.True(t, got.IsActive)
	require.NotNil(t, got.LastStartedAt)
}

func TestPopulateRun_NoValidSlotFailsRun(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	createClient(t, s, "79000000001", "vip", "900")
	// Today's one-minute window closed two hours ago and the campaign ends
	// long before tomorrow's window, so no recipient can get a slot.
	closed := time.Now().UTC().Add(-2 * time.Hour)
	campaign := createCampaign(t, s, core.Campaign{
		Tag:         "vip",
		StartsAt:    time.Now().UTC().Add(-time.Minute),
		EndsAt:      time.Now().UTC().Add(30 * time.Minute),
		WindowStart: core.NewTimeOfDay(closed.Hour(), closed.Minute()),
		WindowEnd:   core.NewTimeOfDay(closed.Hour(), closed.Minute()+1),
	})

	run, err := s.StartRun(ctx, campaign.ID, false)
	require.NoError(t, err)
	require.NoError(t, s.PopulateRun(ctx, run.ID))

	require.Zero(t, messageCount(t, s, campaign.ID))
	require.Equal(t, core.RunFailed, runStatus(t, s, run))

	got, err := s.GetCampaign(ctx, campaign.ID)
	require.NoError(t, err)
	require.Equal(t, core.CampaignFailed, got.Status)
	require.False(t, got.IsActive)
}

func TestClaimDueMessages_NoDuplicatesUnderConcurrency(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	const total = 40
	for i := 0; i < total; i++ {
		createClient(t, s, fmt.Sprintf("7900%07d", i), "vip", "900")
	}
	campaign := createCampaign(t, s, core.Campaign{Tag: "vip"})
	run, err := s.StartRun(ctx, campaign.ID, false)
	require.NoError(t, err)
	require.NoError(t, s.PopulateRun(ctx, run.ID))
	require.Equal(t, total, messageCount(t, s, campaign.ID))

	seen := make(map[int64]bool)
	var mu sync.Mutex
	var wg sync.WaitGroup

	deadline := time.Now().Add(10 * time.Second)
	due := time.Now().UTC().Add(time.Minute)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for time.Now().Before(deadline) {
				ids, err := s.ClaimDueMessages(ctx, due, 5)
				require.NoError(t, err)
				if len(ids) == 0 {
					mu.Lock()
					done := len(seen) == total
					mu.Unlock()
					if done {
						return
					}
					// Other workers may be mid-commit; retry briefly.
					time.Sleep(5 * time.Millisecond)
					continue
				}
				mu.Lock()
				for _, id := range ids {
					require.False(t, seen[id], "duplicate claim: %d", id)
					seen[id] = true
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(t, seen, total, "did not claim all messages before timeout")
}

func TestRefreshRun_PartialFailureFailsRun(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	createClient(t, s, "79000000001", "vip", "900")
	createClient(t, s, "79000000002", "vip", "900")
	campaign := createCampaign(t, s, core.Campaign{Tag: "vip"})
	run, err := s.StartRun(ctx, campaign.ID, false)
	require.NoError(t, err)
	require.NoError(t, s.PopulateRun(ctx, run.ID))

	claimAll(t, s)
	msgs, err := s.ListMessages(ctx, &run.ID, 50, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	// One sent, one still queued: the run keeps running.
	require.NoError(t, s.MarkMessageSent(ctx, msgs[0].ID, time.Now().UTC()))
	require.NoError(t, s.RefreshRun(ctx, run.ID))
	require.Equal(t, core.RunRunning, runStatus(t, s, run))

	// The second one fails permanently: the run is failed, not finished.
	require.NoError(t, s.MarkMessageFailed(ctx, msgs[1].ID))
	require.NoError(t, s.RefreshRun(ctx, run.ID))
	require.Equal(t, core.RunFailed, runStatus(t, s, run))

	got, err := s.GetCampaign(ctx, campaign.ID)
	require.NoError(t, err)
	require.Equal(t, core.CampaignFailed, got.Status)
	require.False(t, got.IsActive)

	var finished *time.Time
	require.NoError(t, s.DB.QueryRow(ctx, `SELECT finished_at FROM runs WHERE id=$1`, run.ID).Scan(&finished))
	require.NotNil(t, finished)
}

func TestRefreshRun_AllSentFinishes(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	createClient(t, s, "79000000001", "vip", "900")
	campaign := createCampaign(t, s, core.Campaign{Tag: "vip"})
	run, err := s.StartRun(ctx, campaign.ID, false)
	require.NoError(t, err)
	require.NoError(t, s.PopulateRun(ctx, run.ID))

	claimAll(t, s)
	msgs, err := s.ListMessages(ctx, &run.ID, 50, 0)
	require.NoError(t, err)
	for _, m := range msgs {
		require.NoError(t, s.MarkMessageSent(ctx, m.ID, time.Now().UTC()))
	}
	require.NoError(t, s.RefreshRun(ctx, run.ID))
	require.Equal(t, core.RunFinished, runStatus(t, s, run))

	got, err := s.GetCampaign(ctx, campaign.ID)
	require.NoError(t, err)
	require.Equal(t, core.CampaignFinished, got.Status)
	require.False(t, got.IsActive)
}

func TestRefreshRun_StaleRunDoesNotTouchCampaign(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	createClient(t, s, "79000000001", "vip", "900")
	campaign := createCampaign(t, s, core.Campaign{Tag: "vip"})

	old, err := s.StartRun(ctx, campaign.ID, false)
	require.NoError(t, err)
	require.NoError(t, s.PopulateRun(ctx, old.ID))

	// A forced restart supersedes the old run as the campaign's active run.
	newer, err := s.StartRun(ctx, campaign.ID, true)
	require.NoError(t, err)
	require.NoError(t, s.PopulateRun(ctx, newer.ID))

	// Finishing the old run must not disturb the newer active run.
	claimAll(t, s)
	msgs, err := s.ListMessages(ctx, &old.ID, 50, 0)
	require.NoError(t, err)
	for _, m := range msgs {
		require.NoError(t, s.MarkMessageSent(ctx, m.ID, time.Now().UTC()))
	}
	require.NoError(t, s.RefreshRun(ctx, old.ID))
	require.Equal(t, core.RunFinished, runStatus(t, s, old))

	got, err := s.GetCampaign(ctx, campaign.ID)
	require.NoError(t, err)
	require.Equal(t, core.CampaignRunning, got.Status)
	require.True(t, got.IsActive)
	require.Equal(t, newer.ID, *got.ActiveRunID)
}

func TestCampaignStats(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	createClient(t, s, "79000000001", "vip", "900")
	createClient(t, s, "79000000002", "vip", "900")
	campaign := createCampaign(t, s, core.Campaign{Tag: "vip"})
	run, err := s.StartRun(ctx, campaign.ID, false)
	require.NoError(t, err)
	require.NoError(t, s.PopulateRun(ctx, run.ID))

	claimAll(t, s)
	msgs, err := s.ListMessages(ctx, &run.ID, 50, 0)
	require.NoError(t, err)
	require.NoError(t, s.MarkMessageSent(ctx, msgs[0].ID, time.Now().UTC()))
	require.NoError(t, s.MarkMessageFailed(ctx, msgs[1].ID))

	st, err := s.CampaignStats(ctx, campaign.ID)
	require.NoError(t, err)
	require.Equal(t, 2, st.TotalMessages)
	require.Equal(t, 1, st.SentMessages)
	require.Equal(t, 1, st.FailedMessages)
	require.Equal(t, 2, st.EligibleClients)

	all, err := s.AllCampaignStats(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, campaign.ID, all[0].CampaignID)
	require.Equal(t, 2, all[0].TotalMessages)
	require.Equal(t, 1, all[0].SentMessages)
	// The aggregate reports clients actually messaged, not the live audience.
	require.Equal(t, 2, all[0].Recipients)
	require.Zero(t, all[0].EligibleClients)
}

func TestMessageStatusWrites_FollowTransitionTable(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	createClient(t, s, "79000000001", "vip", "900")
	campaign := createCampaign(t, s, core.Campaign{Tag: "vip"})
	run, err := s.StartRun(ctx, campaign.ID, false)
	require.NoError(t, err)
	require.NoError(t, s.PopulateRun(ctx, run.ID))

	msgs, err := s.ListMessages(ctx, &run.ID, 10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	id := msgs[0].ID

	// PENDING cannot jump straight to SENT or FAILED.
	require.ErrorIs(t, s.MarkMessageSent(ctx, id, time.Now().UTC()), core.ErrInvalidTransition)
	require.ErrorIs(t, s.MarkMessageFailed(ctx, id), core.ErrInvalidTransition)

	require.Len(t, claimAll(t, s), 1)
	require.NoError(t, s.MarkMessageSent(ctx, id, time.Now().UTC()))

	// Re-marking the same status is a no-op, not an error.
	require.NoError(t, s.MarkMessageSent(ctx, id, time.Now().UTC()))
	// A sent message can neither fail nor be re-queued.
	require.ErrorIs(t, s.MarkMessageFailed(ctx, id), core.ErrInvalidTransition)
	require.ErrorIs(t, s.ForceQueued(ctx, id), core.ErrInvalidTransition)

	require.ErrorIs(t, s.MarkMessageSent(ctx, 999999, time.Now().UTC()), core.ErrNotFound)
}

func TestActivateDueRuns(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	createClient(t, s, "79000000001", "vip", "900")

	future := createCampaign(t, s, core.Campaign{
		Tag:      "vip",
		StartsAt: time.Now().UTC().Add(time.Hour),
		EndsAt:   time.Now().UTC().Add(2 * time.Hour),
	})
	futureRun, err := s.StartRun(ctx, future.ID, false)
	require.NoError(t, err)
	require.Equal(t, core.RunScheduled, futureRun.Status)

	// Not due until the campaign window opens.
	due, err := s.ActivateDueRuns(ctx, time.Now().UTC(), 10)
	require.NoError(t, err)
	require.Empty(t, due)

	due, err = s.ActivateDueRuns(ctx, time.Now().UTC().Add(90*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.Equal(t, futureRun.ID, due[0])

	// A RUNNING run that was never populated is also due.
	open := createCampaign(t, s, core.Campaign{Tag: "vip"})
	openRun, err := s.StartRun(ctx, open.ID, false)
	require.NoError(t, err)
	require.Equal(t, core.RunRunning, openRun.Status)

	due, err = s.ActivateDueRuns(ctx, time.Now().UTC(), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.Equal(t, openRun.ID, due[0])
}
