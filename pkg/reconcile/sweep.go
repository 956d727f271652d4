package reconcile

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/voicebridge/sessionrt/internal/log"
)

// staleThreshold is how long after its session's end time a job still in
// "processing" is requeued by the sweep, which assumes the worker that
// claimed it crashed or the process restarted. The age is measured from the
// session's end time, not from when the job was claimed.
const staleThreshold = 10 * time.Minute

// StartStaleJobSweep schedules a cron job that periodically requeues
// reconciliation jobs stuck in "processing", running alongside the worker
// pool. Re-enqueuing an already-processed job is safe: reconciliation is
// idempotent on the provider conversation binding.
func StartStaleJobSweep(store Store, spec string) *cron.Cron {
	if spec == "" {
		spec = "@every 5m"
	}
	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		n, err := store.SweepStaleReconciliationJobs(context.Background(), time.Now().Add(-staleThreshold))
		if err != nil {
			log.L().Error("reconcile: stale job sweep failed", "error", err)
			return
		}
		if n > 0 {
			log.L().Info("reconcile: requeued stale jobs", "count", n)
		}
	})
	if err != nil {
		log.L().Error("reconcile: failed to schedule stale job sweep", "error", err)
		return c
	}
	c.Start()
	return c
}
