package deployment

import (
	"context"
	"fmt"

	"pushdeploy/internal/domain"
)

// recoverBatch bounds how many stale records are read per status
const recoverBatch = 1000

// interruptedLine is appended to deployments a previous process left behind
const interruptedLine = "deployment interrupted by server restart"

// Recover marks deployments that a previous process left queued or running
// as failed. It must run before the first Start. Returns how many records
// were repaired.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	var stale []*domain.Deployment
	for _, status := range []domain.Status{domain.StatusQueued, domain.StatusRunning} {
		list, err := o.store.List(ctx, domain.Filter{Status: status, Limit: recoverBatch})
		if err != nil {
			return 0, fmt.Errorf("failed to list %s deployments: %w", status, err)
		}
		stale = append(stale, list...)
	}

	repaired := 0
	for _, d := range stale {
		if _, running := o.lookup(d.ID); running {
			continue
		}

		full, err := o.store.Get(ctx, d.ID)
		if err != nil {
			return repaired, fmt.Errorf("failed to load deployment %s: %w", d.ID, err)
		}

		now := o.opts.Now().UTC()
		var seq int64
		if n := len(full.Logs); n > 0 {
			seq = full.Logs[n-1].Seq
		}
		entry := domain.LogEntry{Seq: seq + 1, Stream: domain.StreamSystem, Text: interruptedLine, Time: now}
		if err := o.store.AppendLog(ctx, d.ID, entry); err != nil {
			return repaired, fmt.Errorf("failed to append to deployment %s: %w", d.ID, err)
		}
		if err := o.store.UpdateStatus(ctx, d.ID, domain.StatusUpdate{Status: domain.StatusFailed, FinishedAt: &now}); err != nil {
			return repaired, fmt.Errorf("failed to update deployment %s: %w", d.ID, err)
		}

		o.logger.Warn("recovered interrupted deployment",
			"deployment_id", d.ID,
			"service", d.Service,
			"previous_status", string(d.Status),
		)
		repaired++
	}

	return repaired, nil
}
