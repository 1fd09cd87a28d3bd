// Package maintenance runs the relay bot's periodic sweeps: soft-lock
// garbage collection and old-message purging, following the ticker
// pattern the teacher uses for its own background cleanups
// (internal/ratelimit's RunCleanup, internal/server's runLogPurge).
package maintenance

import (
	"context"
	"log/slog"
	"time"

	"github.com/relaybot/telegram-relaybot/internal/locks"
	"github.com/relaybot/telegram-relaybot/internal/store"
)

const (
	lockSweepInterval    = 30 * time.Second
	messagePurgeInterval = 6 * time.Hour
	messageRetention     = 30 * 24 * time.Hour
)

// Sweeper owns the background maintenance loops.
type Sweeper struct {
	db    store.Store
	locks *locks.Manager
}

func New(db store.Store, lm *locks.Manager) *Sweeper {
	return &Sweeper{db: db, locks: lm}
}

// Run blocks until ctx is cancelled, running both sweeps on their own
// tickers.
func (s *Sweeper) Run(ctx context.Context) {
	go s.runLockSweep(ctx)
	go s.runMessagePurge(ctx)
	<-ctx.Done()
}

func (s *Sweeper) runLockSweep(ctx context.Context) {
	ticker := time.NewTicker(lockSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.locks.Cleanup()
		}
	}
}

func (s *Sweeper) runMessagePurge(ctx context.Context) {
	ticker := time.NewTicker(messagePurgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			before := time.Now().Add(-messageRetention).Unix()
			n, err := s.db.PurgeOldMessages(ctx, before)
			if err != nil {
				slog.Error("maintenance: purge old messages failed", "error", err)
				continue
			}
			if n > 0 {
				slog.Info("maintenance: purged old messages", "count", n)
			}
		}
	}
}
