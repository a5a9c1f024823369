// Package alerts derives notifications, metric snapshots and workload
// summaries from a task collection. Everything here is pure; nothing is
// persisted.
package alerts

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"flowdesk/internal/domain"
)

const alertsLink = "/app/tasks/alerts"

// Notifications derives alert entries for blocked and overdue tasks.
func Notifications(tasks []domain.Task, now time.Time) []domain.Notification {
	res := []domain.Notification{}
	ts := now.UTC().Format(time.RFC3339)
	for _, t := range tasks {
		switch {
		case t.Status == domain.StatusBlocked:
			res = append(res, domain.Notification{
				ID:        uuid.New().String(),
				Message:   fmt.Sprintf("Task %q is blocked", t.Title),
				Severity:  domain.SeverityDanger,
				CreatedAt: ts,
				Link:      alertsLink,
			})
		case t.Status != domain.StatusCompleted && overdue(t, now):
			res = append(res, domain.Notification{
				ID:        uuid.New().String(),
				Message:   fmt.Sprintf("Task %q (%s) is past its deadline", t.Title, t.Status),
				Severity:  domain.SeverityWarning,
				CreatedAt: ts,
				Link:      alertsLink,
			})
		}
	}
	return res
}

// Metrics folds the task collection into a single observation point.
// An empty collection yields an empty slice, not a zero snapshot.
func Metrics(tasks []domain.Task, now time.Time) []domain.MetricSnapshot {
	if len(tasks) == 0 {
		return []domain.MetricSnapshot{}
	}
	snap := domain.MetricSnapshot{Date: now.UTC().Format(time.RFC3339)}
	for _, t := range tasks {
		if t.Status == domain.StatusCompleted {
			snap.Completed++
		}
		if t.Status != domain.StatusCompleted && overdue(t, now) {
			snap.Delayed++
		}
		if len(t.History) > 0 {
			snap.Reassigned++
		}
	}
	return []domain.MetricSnapshot{snap}
}

// Workload summarizes per-owner task pressure. Capacity is the configured
// ceiling, clamped so a summary never reports zero capacity.
func Workload(tasks []domain.Task, capacity int, now time.Time) []domain.WorkloadSummary {
	byOwner := map[string]*domain.WorkloadSummary{}
	for _, t := range tasks {
		if t.Status == domain.StatusCompleted {
			continue
		}
		s, ok := byOwner[t.OwnerID]
		if !ok {
			s = &domain.WorkloadSummary{UserID: t.OwnerID}
			byOwner[t.OwnerID] = s
		}
		s.Assigned++
		switch t.Status {
		case domain.StatusInProgress:
			s.InProgress++
		case domain.StatusBlocked:
			s.Blocked++
		}
		if overdue(t, now) {
			s.Overdue++
		}
	}
	res := []domain.WorkloadSummary{}
	for _, s := range byOwner {
		s.Capacity = capacity
		if s.Capacity < 1 {
			s.Capacity = s.Assigned
		}
		if s.Capacity < 1 {
			s.Capacity = 1
		}
		res = append(res, *s)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].UserID < res[j].UserID })
	return res
}

func overdue(t domain.Task, now time.Time) bool {
	deadline, err := time.Parse(time.RFC3339, t.Deadline)
	if err != nil {
		return false
	}
	return now.After(deadline)
}
