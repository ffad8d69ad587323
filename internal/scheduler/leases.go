package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/msageha/fedy/internal/events"
	"github.com/msageha/fedy/internal/model"
	"github.com/msageha/fedy/internal/plan"
)

// RecoverLeases removes file leases left behind by claims that never reached
// InProgress, or whose task has since moved on. A lease is only considered
// orphaned once it is older than the grace period, so claims that are still
// between taking their leases and saving the task are left alone.
func (s *Scheduler) RecoverLeases(ctx context.Context) ([]*model.FileLease, error) {
	leases, err := s.store.ListLeases(ctx)
	if err != nil {
		return nil, err
	}
	if len(leases) == 0 {
		return nil, nil
	}
	doc, err := s.store.LoadPlan(ctx)
	if err != nil {
		return nil, err
	}

	now := s.now()
	var recovered []*model.FileLease
	for _, lease := range leases {
		if holdsClaim(doc.Find(lease.TaskID), lease.Token) {
			continue
		}
		acquired, err := time.Parse(time.RFC3339, lease.AcquiredAt)
		if err == nil && now.Sub(acquired) < s.leaseGrace {
			continue
		}

		if err := s.store.DeleteLease(ctx, lease); err != nil {
			if errors.Is(err, plan.ErrLeaseNotHeld) {
				// Re-acquired since we listed it.
				continue
			}
			return recovered, err
		}
		s.log.Warnf("lease_recovered path=%s task=%d acquired_at=%s", lease.Path, lease.TaskID, lease.AcquiredAt)
		s.publish(events.EventLeaseRecovered, map[string]any{
			"task_id": lease.TaskID, "path": lease.Path,
		})
		recovered = append(recovered, lease)
	}
	return recovered, nil
}

func holdsClaim(t *model.Task, token string) bool {
	return t != nil &&
		t.Status == model.StatusInProgress &&
		t.ClaimToken != nil &&
		*t.ClaimToken == token
}
