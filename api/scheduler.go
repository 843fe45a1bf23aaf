/*
scheduler.go - Background balance sync

PURPOSE:
  Periodically re-reads the authoritative ledger balance for every open
  session, so balances shown to idle wallets (tokens received from
  elsewhere, transfers out) converge without a manual refresh.

DESIGN:
  - Runs a background goroutine with configurable interval
  - One BalanceOf per open session per tick, bounded by SyncTimeout
  - A failed read marks that session stale and moves on
  - Sessions opened or closed mid-sweep are picked up next tick

CONFIGURATION:
  - Interval: How often to sync (default: 5 minutes, 0 disables)

USAGE:
  sync := NewBalanceSync(handler.Sessions, ledger, interval)
  sync.Start()
  // ... later
  sync.Stop()

SEE ALSO:
  - handlers.go: RefreshBalance endpoint (manual refresh)
  - generic/session.go: Session.Refresh
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/warp/commute-rewards/generic"
	"github.com/warp/commute-rewards/logging"
	"github.com/warp/commute-rewards/metrics"
)

// BalanceSync refreshes open sessions on a timer.
type BalanceSync struct {
	Sessions    *generic.Sessions
	Ledger      generic.Ledger
	Interval    time.Duration
	SyncTimeout time.Duration
	Metrics     *metrics.Metrics
	Logger      logging.Logger

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewBalanceSync creates a new scheduler.
func NewBalanceSync(sessions *generic.Sessions, ledger generic.Ledger, interval time.Duration) *BalanceSync {
	return &BalanceSync{
		Sessions:    sessions,
		Ledger:      ledger,
		Interval:    interval,
		SyncTimeout: 10 * time.Second,
		Logger:      logging.Nop(),
	}
}

// Start begins the scheduler. It is a no-op when Interval is not positive.
func (bs *BalanceSync) Start() {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	if bs.Interval <= 0 {
		bs.Logger.Info("Balance sync disabled, not starting")
		return
	}
	if bs.ticker != nil {
		return
	}

	bs.ticker = time.NewTicker(bs.Interval)
	bs.stop = make(chan struct{})
	bs.wg.Add(1)

	go bs.run(bs.ticker, bs.stop)

	bs.Logger.WithField("interval", bs.Interval).Info("Balance sync started")
}

// Stop stops the scheduler and waits for an in-progress sweep. A stopped
// BalanceSync can be started again.
func (bs *BalanceSync) Stop() {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	if bs.ticker != nil {
		bs.ticker.Stop()
		close(bs.stop)
		bs.wg.Wait()
		bs.ticker = nil
		bs.Logger.Info("Balance sync stopped")
	}
}

func (bs *BalanceSync) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer bs.wg.Done()

	for {
		select {
		case <-ticker.C:
			bs.SyncOnce(context.Background())
		case <-stop:
			return
		}
	}
}

// SyncOnce refreshes every open session and returns how many reads
// succeeded and failed.
func (bs *BalanceSync) SyncOnce(ctx context.Context) (refreshed, failed int) {
	for _, sess := range bs.Sessions.All() {
		if ctx.Err() != nil {
			break
		}

		readCtx, cancel := context.WithTimeout(ctx, bs.SyncTimeout)
		_, err := sess.Refresh(readCtx, bs.Ledger)
		cancel()

		bs.Metrics.ObserveRefresh(err)
		if err != nil {
			failed++
			bs.Logger.WithError(err).
				WithField("address", sess.Account.Address).
				Warn("Balance sync read failed")
			continue
		}
		refreshed++
	}

	if refreshed > 0 || failed > 0 {
		bs.Logger.WithFields(logging.Fields{
			"refreshed": refreshed,
			"failed":    failed,
		}).Debug("Balance sync completed")
	}
	return refreshed, failed
}
