package agent

import (
	"context"
	"time"
)

// RunReaper removes inactive agents every Reaper.Interval until ctx ends.
func (r *Registry) RunReaper(ctx context.Context) error {
	interval := r.cfg.Reaper.Interval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.logger.Info("🧹 Reaper started (interval %s, threshold %s)", interval, r.cfg.Reaper.InactivityThreshold)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := r.ReapInactive(ctx, r.now()); n > 0 {
				r.logger.Info("🧹 Reaped %d inactive agents", n)
			}
		}
	}
}

type reapCandidate struct {
	id           string
	status       Status
	lastActivity time.Time
}

// ReapInactive deletes agents that are not running and whose last activity is
// older than the inactivity threshold at now. Candidates are re-checked under the
// lock before removal; any agent that changed since the scan is kept. It returns
// the number of agents removed.
func (r *Registry) ReapInactive(ctx context.Context, now time.Time) int {
	threshold := r.cfg.Reaper.InactivityThreshold
	if threshold <= 0 {
		return 0
	}
	cutoff := now.Add(-threshold)

	r.mu.Lock()
	var candidates []reapCandidate
	for _, a := range r.agents {
		if a.Status != StatusRunning && a.LastActivity.Before(cutoff) {
			candidates = append(candidates, reapCandidate{id: a.ID, status: a.Status, lastActivity: a.LastActivity})
		}
	}
	r.mu.Unlock()

	reaped := 0
	for _, c := range candidates {
		if ctx.Err() != nil {
			break
		}

		r.mu.Lock()
		a, ok := r.agents[c.id]
		if !ok || a.Status != c.status || !a.LastActivity.Equal(c.lastActivity) {
			r.mu.Unlock()
			r.logger.Debug("Reaper skipping agent %s: changed since scan", c.id)
			continue
		}
		if _, busy := r.active[c.id]; busy {
			r.mu.Unlock()
			continue
		}
		// Paused tasks are terminated along with the agent.
		cancelled := r.stopLocked(a)
		r.detachLocked(a)
		r.mu.Unlock()

		for _, t := range cancelled {
			r.saveTask(ctx, t)
		}
		r.logger.Info("🧹 Reaping agent %s (inactive since %s)", c.id, c.lastActivity.Format(time.RFC3339))
		if err := r.cleanupDetached(ctx, a); err != nil {
			r.logger.Warn("⚠️ Reaper cleanup of agent %s incomplete: %v", c.id, err)
		}
		reaped++
	}
	return reaped
}
