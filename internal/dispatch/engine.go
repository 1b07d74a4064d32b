package dispatch

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/massmsg/campaigner/internal/core"
	"github.com/massmsg/campaigner/internal/metrics"
	"github.com/massmsg/campaigner/internal/provider"
)

type Options struct {
	BatchSize     int           // how many to claim per sweep
	Concurrency   int           // number of sender goroutines
	PollInterval  time.Duration // cadence while work is flowing
	IdleSleep     time.Duration // sleep when nothing is due
	DBBackoffMin  time.Duration
	DBBackoffMax  time.Duration
	ProviderQPS   float64 // sustained provider rate
	ProviderBurst int     // burst to allow short spikes
	SendTimeout   time.Duration
	MaxAttempts   int           // attempts per message before giving up
	RetryBackoff  time.Duration // base backoff between attempts
}

func DefaultOptions() Options {
	return Options{
		BatchSize:     100,
		Concurrency:   16,
		PollInterval:  200 * time.Millisecond,
		IdleSleep:     300 * time.Millisecond,
		DBBackoffMin:  200 * time.Millisecond,
		DBBackoffMax:  5 * time.Second,
		ProviderQPS:   500,
		ProviderBurst: 1000,
		SendTimeout:   5 * time.Second,
		MaxAttempts:   3,
		RetryBackoff:  time.Second,
	}
}

// Engine is the due-message dispatcher: a poll loop claims due PENDING
// messages (PENDING→QUEUED, exactly once per message across concurrent
// sweepers) and a fixed worker pool drives each send through its status
// transitions with bounded retries.
type Engine struct {
	Store  *core.Store
	Sender provider.Sender
	Log    zerolog.Logger
	Opt    Options

	limiter *rate.Limiter
}

func New(store *core.Store, sender provider.Sender, log zerolog.Logger, opt Options) *Engine {
	return &Engine{
		Store:   store,
		Sender:  sender,
		Log:     log.With().Str("component", "dispatch").Logger(),
		Opt:     opt,
		limiter: rate.NewLimiter(rate.Limit(opt.ProviderQPS), opt.ProviderBurst),
	}
}

func (e *Engine) Run(ctx context.Context) error {
	jobs := make(chan int64, e.Opt.BatchSize*2)
	var wg sync.WaitGroup
	wg.Add(e.Opt.Concurrency)
	for i := 0; i < e.Opt.Concurrency; i++ {
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case id := <-jobs:
					e.sendOne(ctx, id)
				}
			}
		}()
	}

	dbBackoff := e.Opt.DBBackoffMin
	for {
		select {
		case <-ctx.Done():
			close(jobs)
			wg.Wait()
			return ctx.Err()
		default:
		}

		ids, err := e.Store.ClaimDueMessages(ctx, time.Now().UTC(), e.Opt.BatchSize)
		if err != nil {
			metrics.ClaimTotal.WithLabelValues("error").Inc()
			sleep := jitter(dbBackoff, 0.20)
			e.Log.Warn().Err(err).Dur("backoff", sleep).Msg("claim failed, backing off")
			time.Sleep(sleep)
			dbBackoff = minDur(e.Opt.DBBackoffMax, time.Duration(float64(dbBackoff)*1.6))
			continue
		}
		dbBackoff = e.Opt.DBBackoffMin

		metrics.ClaimBatchSize.Observe(float64(len(ids)))
		if len(ids) == 0 {
			metrics.ClaimTotal.WithLabelValues("empty").Inc()
			time.Sleep(e.Opt.IdleSleep)
			continue
		}
		metrics.ClaimTotal.WithLabelValues("ok").Inc()

		for _, id := range ids {
			select {
			case <-ctx.Done():
				close(jobs)
				wg.Wait()
				return ctx.Err()
			case jobs <- id:
			}
		}

		time.Sleep(e.Opt.PollInterval)
	}
}

// sendOne wraps a single message's delivery in the retry policy:
// MaxAttempts attempts with exponential backoff. Each failed attempt has
// already durably marked the message FAILED before the error reaches us,
// so a crash between attempts never loses the outcome.
func (e *Engine) sendOne(ctx context.Context, id int64) {
	metrics.InFlight.Inc()
	defer metrics.InFlight.Dec()

	backoff := e.Opt.RetryBackoff
	for attempt := 1; ; attempt++ {
		err := e.deliver(ctx, id)
		if err == nil || ctx.Err() != nil {
			return
		}
		if attempt >= e.Opt.MaxAttempts {
			e.Log.Error().Err(err).Int64("message_id", id).Int("attempts", attempt).
				Msg("message failed permanently")
			return
		}
		metrics.RetryTotal.Inc()
		select {
		case <-ctx.Done():
			return
		case <-time.After(jitter(backoff, 0.20)):
		}
		backoff *= 2
	}
}

// deliver performs one send attempt. Already-SENT messages are a no-op
// (duplicate job delivery); anything else is forced to QUEUED first. The
// run status refresh runs regardless of the outcome path.
func (e *Engine) deliver(ctx context.Context, id int64) error {
	target, err := e.Store.LoadSendTarget(ctx, id)
	if errors.Is(err, core.ErrNotFound) {
		e.Log.Warn().Int64("message_id", id).Msg("message no longer exists")
		return nil
	}
	if err != nil {
		return err
	}

	defer func() {
		metrics.RunRefreshes.Inc()
		if err := e.Store.RefreshRun(ctx, target.RunID); err != nil {
			e.Log.Error().Err(err).Str("run_id", target.RunID.String()).Msg("refresh run failed")
		}
	}()

	if target.Status == core.MessageSent {
		metrics.SendTotal.WithLabelValues("skipped").Inc()
		return nil
	}
	if target.Status != core.MessageQueued {
		if err := e.Store.ForceQueued(ctx, id); err != nil {
			return err
		}
	}

	if err := e.limiter.Wait(ctx); err != nil {
		return err
	}

	cctx, cancel := context.WithTimeout(ctx, e.Opt.SendTimeout)
	defer cancel()

	start := time.Now()
	sendErr := e.Sender.Send(cctx, target.Phone, target.Body)
	metrics.SendDuration.Observe(time.Since(start).Seconds())

	if sendErr != nil {
		// FAILED must be durable before the error surfaces to the retry
		// policy, so run status always reflects the latest attempt.
		if err := e.Store.MarkMessageFailed(ctx, id); err != nil {
			e.Log.Error().Err(err).Int64("message_id", id).Msg("mark failed errored")
		}
		metrics.SendTotal.WithLabelValues("failed").Inc()
		return sendErr
	}

	if err := e.Store.MarkMessageSent(ctx, id, time.Now().UTC()); err != nil {
		return err
	}
	metrics.SendTotal.WithLabelValues("sent").Inc()
	return nil
}

// ActivateRuns populates runs whose campaign window has opened. Wired to
// a cron schedule by the binaries.
func (e *Engine) ActivateRuns(ctx context.Context) {
	ids, err := e.Store.ActivateDueRuns(ctx, time.Now().UTC(), e.Opt.BatchSize)
	if err != nil {
		e.Log.Warn().Err(err).Msg("activation sweep failed")
		return
	}
	for _, id := range ids {
		if err := e.Store.PopulateRun(ctx, id); err != nil {
			e.Log.Error().Err(err).Str("run_id", id.String()).Msg("populate run failed")
			continue
		}
		metrics.RunsActivated.Inc()
	}
}

func jitter(d time.Duration, frac float64) time.Duration {
	if frac <= 0 {
		return d
	}
	delta := int64(float64(d) * frac)
	if delta <= 0 {
		return d
	}
	// random in [-delta, +delta]
	n := rand.Int63n(2*delta+1) - delta
	return d + time.Duration(n)
}

func minDur(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
