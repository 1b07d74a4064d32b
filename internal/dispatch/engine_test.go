package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/massmsg/campaigner/internal/core"
	database "github.com/massmsg/campaigner/internal/db"
)

type stubSender struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (s *stubSender) Send(_ context.Context, _, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.err
}

func (s *stubSender) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func testEngine(t *testing.T, sender *stubSender) *Engine {
	pg := database.StartTestPostgres(t)
	store := &core.Store{
		DB:      pg.Pool,
		Log:     zerolog.Nop(),
		Planner: core.Planner{Fallback: time.UTC, Log: zerolog.Nop()},
	}
	opt := DefaultOptions()
	opt.BatchSize = 10
	opt.Concurrency = 2
	opt.PollInterval = 10 * time.Millisecond
	opt.IdleSleep = 10 * time.Millisecond
	opt.MaxAttempts = 2
	opt.RetryBackoff = 5 * time.Millisecond
	return New(store, sender, zerolog.Nop(), opt)
}

// seedRun creates clients, a campaign over them and a populated run whose
// messages are all due immediately.
func seedRun(t *testing.T, s *core.Store, clients int) (core.Campaign, core.Run) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < clients; i++ {
		_, err := s.CreateClient(ctx, core.Client{
			PhoneNumber:  fmt.Sprintf("7911%07d", i),
			OperatorCode: "911",
			Tag:          "blast",
			Timezone:     "UTC",
		})
		require.NoError(t, err)
	}
	campaign, err := s.CreateCampaign(ctx, core.Campaign{
		StartsAt:    time.Now().UTC().Add(-time.Minute),
		EndsAt:      time.Now().UTC().Add(time.Hour),
		MessageText: "hello",
		WindowStart: core.NewTimeOfDay(0, 0),
		WindowEnd:   core.NewTimeOfDay(23, 59),
		Tag:         "blast",
	})
	require.NoError(t, err)
	run, err := s.StartRun(ctx, campaign.ID, false)
	require.NoError(t, err)
	require.NoError(t, s.PopulateRun(ctx, run.ID))
	return campaign, run
}

func messageStatuses(t *testing.T, s *core.Store, run core.Run) map[core.MessageStatus]int {
	t.Helper()
	msgs, err := s.ListMessages(context.Background(), &run.ID, 100, 0)
	require.NoError(t, err)
	out := map[core.MessageStatus]int{}
	for _, m := range msgs {
		out[m.Status]++
	}
	return out
}

func TestSendOne_SuccessFinishesRun(t *testing.T) {
	sender := &stubSender{}
	e := testEngine(t, sender)
	ctx := context.Background()

	campaign, run := seedRun(t, e.Store, 2)

	ids, err := e.Store.ClaimDueMessages(ctx, time.Now().UTC(), 10)
	require.NoError(t, err)
	require.Len(t, ids, 2)

	for _, id := range ids {
		e.sendOne(ctx, id)
	}
	require.Equal(t, 2, sender.callCount())
	require.Equal(t, map[core.MessageStatus]int{core.MessageSent: 2}, messageStatuses(t, e.Store, run))

	got, err := e.Store.GetCampaign(ctx, campaign.ID)
	require.NoError(t, err)
	require.Equal(t, core.CampaignFinished, got.Status)
	require.False(t, got.IsActive)
}

func TestSendOne_PermanentFailureFailsRun(t *testing.T) {
	sender := &stubSender{err: errors.New("provider down")}
	e := testEngine(t, sender)
	ctx := context.Background()

	campaign, run := seedRun(t, e.Store, 1)

	ids, err := e.Store.ClaimDueMessages(ctx, time.Now().UTC(), 10)
	require.NoError(t, err)
	require.Len(t, ids, 1)

	e.sendOne(ctx, ids[0])
	// MaxAttempts send attempts, then the message stays durably failed.
	require.Equal(t, e.Opt.MaxAttempts, sender.callCount())
	require.Equal(t, map[core.MessageStatus]int{core.MessageFailed: 1}, messageStatuses(t, e.Store, run))

	got, err := e.Store.GetCampaign(ctx, campaign.ID)
	require.NoError(t, err)
	require.Equal(t, core.CampaignFailed, got.Status)
	require.False(t, got.IsActive)
}

func TestDeliver_SkipsAlreadySent(t *testing.T) {
	sender := &stubSender{}
	e := testEngine(t, sender)
	ctx := context.Background()

	seedRun(t, e.Store, 1)

	ids, err := e.Store.ClaimDueMessages(ctx, time.Now().UTC(), 10)
	require.NoError(t, err)
	require.Len(t, ids, 1)
	require.NoError(t, e.Store.MarkMessageSent(ctx, ids[0], time.Now().UTC()))

	// Redelivered job for a SENT message must not hit the provider again.
	require.NoError(t, e.deliver(ctx, ids[0]))
	require.Zero(t, sender.callCount())
}

func TestDeliver_RequeuesUnexpectedState(t *testing.T) {
	sender := &stubSender{}
	e := testEngine(t, sender)
	ctx := context.Background()

	_, run := seedRun(t, e.Store, 1)

	// Deliver a message that was never claimed: still PENDING.
	msgs, err := e.Store.ListMessages(ctx, &run.ID, 10, 0)
	require.NoError(t, err)
	require.NoError(t, e.deliver(ctx, msgs[0].ID))
	require.Equal(t, 1, sender.callCount())
	require.Equal(t, map[core.MessageStatus]int{core.MessageSent: 1}, messageStatuses(t, e.Store, run))
}

func TestRun_DrainsDueMessages(t *testing.T) {
	sender := &stubSender{}
	e := testEngine(t, sender)

	campaign, run := seedRun(t, e.Store, 5)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = e.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		return messageStatuses(t, e.Store, run)[core.MessageSent] == 5
	}, 15*time.Second, 50*time.Millisecond, "dispatcher did not drain the run")

	cancel()
	<-done

	got, err := e.Store.GetCampaign(context.Background(), campaign.ID)
	require.NoError(t, err)
	require.Equal(t, core.CampaignFinished, got.Status)
}
