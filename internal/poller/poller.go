package poller

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/payrecon/internal/gateway"
	"github.com/noah-isme/payrecon/internal/obs"
)

// StatusFetcher is the slice of the gateway client the poller needs.
type StatusFetcher interface {
	GetStatus(ctx context.Context, merchantTxnID string) (gateway.Outcome, error)
}

// Result is the outcome of one poll run. TimedOut means no non-pending status
// was observed before the deadline; the transaction is still pending and the
// callback path remains the authoritative fallback.
type Result struct {
	Outcome  gateway.Outcome
	TimedOut bool
	Attempts int
}

// Poller drives repeated status checks on a staggered schedule. Intervals are
// cycled; the deadline bounds total wall-clock time across all cycles. The
// schedule front-loads quick checks for customers still on the return page and
// degrades to slow checks once they have likely left.
type Poller struct {
	Fetcher   StatusFetcher
	Intervals []time.Duration
	Deadline  time.Duration
	Logger    zerolog.Logger
}

// Run polls until a non-pending status arrives or the deadline passes. Every
// probe waits out its interval first, so a run never hits the gateway
// immediately after initiation. Transport errors are skipped over, consuming
// only the elapsed wait toward the deadline. Context cancellation
// aborts the run as TimedOut with no side effects.
func (p *Poller) Run(ctx context.Context, merchantTxnID string) Result {
	intervals := p.Intervals
	if len(intervals) == 0 {
		intervals = []time.Duration{10 * time.Second}
	}
	deadline := p.Deadline
	if deadline <= 0 {
		deadline = 2 * time.Minute
	}

	started := time.Now()
	res := Result{}
	for i := 0; ; i++ {
		remaining := deadline - time.Since(started)
		if remaining <= 0 {
			return p.finish(merchantTxnID, res, true)
		}
		wait := intervals[i%len(intervals)]
		if wait > remaining {
			wait = remaining
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return p.finish(merchantTxnID, res, true)
		case <-timer.C:
		}
		if time.Since(started) >= deadline {
			return p.finish(merchantTxnID, res, true)
		}

		res.Attempts++
		if obs.PollAttemptsTotal != nil {
			obs.PollAttemptsTotal.Inc()
		}
		out, err := p.Fetcher.GetStatus(ctx, merchantTxnID)
		if err != nil {
			p.Logger.Warn().Err(err).Str("merchant_txn_id", merchantTxnID).Int("attempt", res.Attempts).Msg("status probe failed")
			continue
		}
		if out.Status == gateway.StatusPending {
			continue
		}
		res.Outcome = out
		return p.finish(merchantTxnID, res, false)
	}
}

func (p *Poller) finish(merchantTxnID string, res Result, timedOut bool) Result {
	res.TimedOut = timedOut
	label := "timed_out"
	if !timedOut {
		label = strings.ToLower(string(res.Outcome.Status))
	}
	if obs.PollRunsTotal != nil {
		obs.PollRunsTotal.WithLabelValues(label).Inc()
	}
	p.Logger.Info().
		Str("merchant_txn_id", merchantTxnID).
		Str("result", label).
		Int("attempts", res.Attempts).
		Msg("poll run finished")
	return res
}
