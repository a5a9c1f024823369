package alerts

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowdesk/internal/domain"
)

var testNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func task(title string, status domain.TaskStatus, deadline time.Time) domain.Task {
	return domain.Task{
		ID:       title,
		Title:    title,
		Status:   status,
		OwnerID:  "u1",
		Deadline: deadline.Format(time.RFC3339),
	}
}

func TestNotificationsBlockedIsDanger(t *testing.T) {
	tasks := []domain.Task{task("migrate archive", domain.StatusBlocked, testNow.Add(24*time.Hour))}
	got := Notifications(tasks, testNow)
	require.Len(t, got, 1)
	assert.Equal(t, domain.SeverityDanger, got[0].Severity)
	assert.Contains(t, got[0].Message, "migrate archive")
	assert.Equal(t, "/app/tasks/alerts", got[0].Link)
}

func TestNotificationsOverdueIsWarning(t *testing.T) {
	tasks := []domain.Task{task("review budget", domain.StatusInProgress, testNow.Add(-time.Hour))}
	got := Notifications(tasks, testNow)
	require.Len(t, got, 1)
	assert.Equal(t, domain.SeverityWarning, got[0].Severity)
	assert.Contains(t, got[0].Message, "in_progress")
}

func TestNotificationsSeverityFollowsStatus(t *testing.T) {
	overdue := task("stuck item", domain.StatusPending, testNow.Add(-time.Hour))
	got := Notifications([]domain.Task{overdue}, testNow)
	require.Len(t, got, 1)
	assert.Equal(t, domain.SeverityWarning, got[0].Severity)

	// same task, now blocked: danger wins over the overdue warning
	overdue.Status = domain.StatusBlocked
	got = Notifications([]domain.Task{overdue}, testNow)
	require.Len(t, got, 1)
	assert.Equal(t, domain.SeverityDanger, got[0].Severity)
}

func TestNotificationsQuietForHealthyTasks(t *testing.T) {
	tasks := []domain.Task{
		task("done early", domain.StatusCompleted, testNow.Add(-time.Hour)),
		task("on schedule", domain.StatusInProgress, testNow.Add(time.Hour)),
	}
	assert.Empty(t, Notifications(tasks, testNow))
}

func TestMetricsEmptyInput(t *testing.T) {
	got := Metrics(nil, testNow)
	require.NotNil(t, got)
	assert.Empty(t, got)
}

func TestMetricsSingleSnapshot(t *testing.T) {
	reassigned := task("handed over", domain.StatusPending, testNow.Add(time.Hour))
	reassigned.History = []domain.TaskHistoryEntry{{ID: "h1", TaskID: reassigned.ID, Action: "reassigned", Timestamp: testNow.Format(time.RFC3339)}}
	tasks := []domain.Task{
		task("shipped", domain.StatusCompleted, testNow.Add(-48*time.Hour)),
		task("late", domain.StatusInProgress, testNow.Add(-time.Hour)),
		reassigned,
	}
	got := Metrics(tasks, testNow)
	require.Len(t, got, 1)
	assert.Equal(t, 1, got[0].Completed)
	assert.Equal(t, 1, got[0].Delayed)
	assert.Equal(t, 1, got[0].Reassigned)
}

func TestMetricsCompletedNeverDelayed(t *testing.T) {
	tasks := []domain.Task{task("finished late", domain.StatusCompleted, testNow.Add(-time.Hour))}
	got := Metrics(tasks, testNow)
	require.Len(t, got, 1)
	assert.Equal(t, 1, got[0].Completed)
	assert.Zero(t, got[0].Delayed)
}

func TestWorkloadPerOwner(t *testing.T) {
	a := task("a", domain.StatusInProgress, testNow.Add(time.Hour))
	b := task("b", domain.StatusBlocked, testNow.Add(-time.Hour))
	c := task("c", domain.StatusPending, testNow.Add(time.Hour))
	c.OwnerID = "u2"
	done := task("d", domain.StatusCompleted, testNow.Add(-time.Hour))

	got := Workload([]domain.Task{a, b, c, done}, 5, testNow)
	require.Len(t, got, 2)
	assert.Equal(t, "u1", got[0].UserID)
	assert.Equal(t, 2, got[0].Assigned)
	assert.Equal(t, 1, got[0].InProgress)
	assert.Equal(t, 1, got[0].Blocked)
	assert.Equal(t, 1, got[0].Overdue)
	assert.Equal(t, 5, got[0].Capacity)
	assert.Equal(t, "u2", got[1].UserID)
	assert.Equal(t, 1, got[1].Assigned)
}

func TestWorkloadCapacityFloor(t *testing.T) {
	tasks := []domain.Task{task("solo", domain.StatusPending, testNow.Add(time.Hour))}
	got := Workload(tasks, 0, testNow)
	require.Len(t, got, 1)
	assert.Equal(t, 1, got[0].Capacity)
}
