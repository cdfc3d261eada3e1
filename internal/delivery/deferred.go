package delivery

// deferred.go drives the periodic re-sweep of the Deferred stage: a ticker
// wrapping Scheduler.RunDeferred, the way the teacher drove its per-item
// nextDelay timers from one place (server.go's periodicallyReload) rather
// than scattering goroutine-per-item timers.

import (
	"context"
	"time"

	"vsmtpd.io/go/vsmtpd/internal/trace"
)

// RunDeferredLoop sweeps the Deferred stage every interval until ctx is
// done. Meant to run in its own goroutine, one per Scheduler.
func (s *Scheduler) RunDeferredLoop(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := s.RunDeferred(ctx); err != nil {
				tr := trace.New("Delivery.RunDeferredLoop", "sweep")
				tr.Errorf("deferred sweep: %v", err)
				tr.Finish()
			}
		}
	}
}
