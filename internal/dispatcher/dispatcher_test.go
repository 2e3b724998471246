package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"dripflow/internal/models"
	"dripflow/internal/provider"
)

// memStore is an in-memory job store with the same guarded-update
// semantics as the real one: terminal transitions only apply while the
// job is still pending.
type memStore struct {
	mu        sync.Mutex
	jobs      map[uuid.UUID]*models.ScheduledEmailJob
	selectErr error
	sentErr   error
	failedErr error
}

func newMemStore() *memStore {
	return &memStore{jobs: make(map[uuid.UUID]*models.ScheduledEmailJob)}
}

func (m *memStore) add(job models.ScheduledEmailJob) uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if job.Status == "" {
		job.Status = models.StatusPending
	}
	m.jobs[job.ID] = &job
	return job.ID
}

func (m *memStore) get(id uuid.UUID) models.ScheduledEmailJob {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.jobs[id]
}

func (m *memStore) SelectDueJobs(ctx context.Context, now time.Time, limit int) ([]models.ScheduledEmailJob, error) {
	if m.selectErr != nil {
		return nil, m.selectErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []models.ScheduledEmailJob
	for _, j := range m.jobs {
		if j.Due(now) {
			due = append(due, *j)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].ScheduledFor.Before(due[j].ScheduledFor)
	})
	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (m *memStore) MarkSent(ctx context.Context, id uuid.UUID, sentAt time.Time) (bool, error) {
	if m.sentErr != nil {
		return false, m.sentErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.Status != models.StatusPending {
		return false, nil
	}
	j.Status = models.StatusSent
	t := sentAt
	j.SentAt = &t
	return true, nil
}

func (m *memStore) MarkFailed(ctx context.Context, id uuid.UUID, errorMessage string) (bool, error) {
	if m.failedErr != nil {
		return false, m.failedErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.Status != models.StatusPending {
		return false, nil
	}
	j.Status = models.StatusFailed
	msg := errorMessage
	j.ErrorMessage = &msg
	return true, nil
}

func (m *memStore) CancelJob(ctx context.Context, id uuid.UUID, reason string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.Status != models.StatusPending {
		return false, nil
	}
	j.Status = models.StatusCancelled
	msg := reason
	j.ErrorMessage = &msg
	return true, nil
}

// fakeSender returns scripted outcomes keyed by recipient; unknown
// recipients are delivered.
type fakeSender struct {
	mu       sync.Mutex
	outcomes map[string]models.DispatchOutcome
	sent     []provider.Email
}

func (f *fakeSender) Send(ctx context.Context, email provider.Email) models.DispatchOutcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, email)
	if out, ok := f.outcomes[email.To]; ok {
		return out
	}
	return models.Delivered("msg-" + email.To)
}

func newPipeline(store Store, sender provider.Sender) *Pipeline {
	return New(store, sender, zap.NewNop(), 50, 4, time.Second, "drip@example.com")
}

func pendingJob(scheduledFor time.Time, to string) models.ScheduledEmailJob {
	return models.ScheduledEmailJob{
		RecipientEmail: to,
		RecipientName:  "Test User",
		Subject:        "Welcome",
		HTMLContent:    "<p>Hi</p>",
		ScheduledFor:   scheduledFor,
		Status:         models.StatusPending,
	}
}

func TestRunOnce_SendsDueJob(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 10, 5, 0, 0, time.UTC)
	store := newMemStore()
	id := store.add(pendingJob(now.Add(-5*time.Minute), "a@example.com"))
	sender := &fakeSender{}

	summary, err := newPipeline(store, sender).RunOnce(context.Background(), now)
	require.NoError(t, err)

	require.Equal(t, 1, summary.Processed)
	require.Equal(t, 1, summary.Sent)
	require.Equal(t, 0, summary.Failed)
	require.Len(t, summary.Results, 1)
	require.Equal(t, "msg-a@example.com", summary.Results[0].ProviderID)
	require.True(t, summary.Results[0].Recorded)

	job := store.get(id)
	require.Equal(t, models.StatusSent, job.Status)
	require.NotNil(t, job.SentAt)
	require.Nil(t, job.ErrorMessage)
}

func TestRunOnce_ExcludesFutureJobs(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 9, 55, 0, 0, time.UTC)
	store := newMemStore()
	id := store.add(pendingJob(now.Add(5*time.Minute), "b@example.com"))
	sender := &fakeSender{}

	summary, err := newPipeline(store, sender).RunOnce(context.Background(), now)
	require.NoError(t, err)

	require.Equal(t, 0, summary.Processed)
	require.Equal(t, "No emails to process", summary.Message)
	require.Empty(t, sender.sent)
	require.Equal(t, models.StatusPending, store.get(id).Status)
}

func TestRunOnce_BatchCapOldestFirst(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store := newMemStore()

	// 75 eligible jobs, one minute apart. With a cap of 50 only the 50
	// oldest are dispatched; the 25 most recent stay pending.
	ids := make([]uuid.UUID, 75)
	for i := range ids {
		scheduled := now.Add(-time.Duration(75-i) * time.Minute)
		ids[i] = store.add(pendingJob(scheduled, fmt.Sprintf("user%02d@example.com", i)))
	}

	sender := &fakeSender{}
	summary, err := newPipeline(store, sender).RunOnce(context.Background(), now)
	require.NoError(t, err)

	require.Equal(t, 50, summary.Processed)
	require.Equal(t, 50, summary.Sent)

	for i, id := range ids {
		job := store.get(id)
		if i < 50 {
			require.Equal(t, models.StatusSent, job.Status, "job %d", i)
		} else {
			require.Equal(t, models.StatusPending, job.Status, "job %d", i)
		}
	}
}

func TestRunOnce_RejectionIsTerminal(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 10, 5, 0, 0, time.UTC)
	payload := `{"message":"insufficient credits"}`
	store := newMemStore()
	id := store.add(pendingJob(now.Add(-time.Minute), "c@example.com"))
	sender := &fakeSender{outcomes: map[string]models.DispatchOutcome{
		"c@example.com": models.Rejected(payload),
	}}
	pipeline := newPipeline(store, sender)

	summary, err := pipeline.RunOnce(context.Background(), now)
	require.NoError(t, err)
	require.Equal(t, 1, summary.Failed)
	require.Equal(t, payload, summary.Results[0].Error)

	job := store.get(id)
	require.Equal(t, models.StatusFailed, job.Status)
	require.NotNil(t, job.ErrorMessage)
	require.Contains(t, *job.ErrorMessage, "insufficient credits")
	require.Nil(t, job.SentAt)

	// The job is no longer pending, so the next run must not retry it.
	summary, err = pipeline.RunOnce(context.Background(), now.Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, 0, summary.Processed)
	require.Len(t, sender.sent, 1)
}

func TestRunOnce_TransportFailureRecordsFailed(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	store := newMemStore()
	id := store.add(pendingJob(now.Add(-time.Minute), "d@example.com"))
	sender := &fakeSender{outcomes: map[string]models.DispatchOutcome{
		"d@example.com": models.TransportFailure("connection refused"),
	}}

	summary, err := newPipeline(store, sender).RunOnce(context.Background(), now)
	require.NoError(t, err)
	require.Equal(t, 1, summary.Failed)

	job := store.get(id)
	require.Equal(t, models.StatusFailed, job.Status)
	require.Equal(t, "connection refused", *job.ErrorMessage)
}

func TestRunOnce_OneJobFailureDoesNotBlockOthers(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	store := newMemStore()
	failing := store.add(pendingJob(now.Add(-2*time.Minute), "bad@example.com"))
	passing := store.add(pendingJob(now.Add(-time.Minute), "good@example.com"))
	sender := &fakeSender{outcomes: map[string]models.DispatchOutcome{
		"bad@example.com": models.Rejected(`{"message":"blocked"}`),
	}}

	summary, err := newPipeline(store, sender).RunOnce(context.Background(), now)
	require.NoError(t, err)
	require.Equal(t, 2, summary.Processed)
	require.Equal(t, 1, summary.Sent)
	require.Equal(t, 1, summary.Failed)

	require.Equal(t, models.StatusFailed, store.get(failing).Status)
	require.Equal(t, models.StatusSent, store.get(passing).Status)
}

func TestRunOnce_StoreReadErrorAbortsRun(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	store.selectErr = errors.New("connection reset")
	sender := &fakeSender{}

	summary, err := newPipeline(store, sender).RunOnce(context.Background(), time.Now().UTC())
	require.Error(t, err)
	require.Nil(t, summary)
	require.Empty(t, sender.sent)
}

func TestRunOnce_NoProviderConfigured(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	id := store.add(pendingJob(time.Now().Add(-time.Minute), "a@example.com"))

	summary, err := newPipeline(store, nil).RunOnce(context.Background(), time.Now().UTC())
	require.ErrorIs(t, err, ErrNotConfigured)
	require.Nil(t, summary)
	require.Equal(t, models.StatusPending, store.get(id).Status)
}

// concurrentWinnerSender simulates a concurrent invocation finishing first:
// while this run's provider call is in flight, the other run records the
// job as sent.
type concurrentWinnerSender struct {
	store *memStore
	id    uuid.UUID
}

func (c *concurrentWinnerSender) Send(ctx context.Context, email provider.Email) models.DispatchOutcome {
	_, _ = c.store.MarkSent(ctx, c.id, time.Now().UTC())
	return models.Rejected(`{"message":"late rejection"}`)
}

func TestRunOnce_GuardedRecordDoesNotOverwriteConcurrentWinner(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	store := newMemStore()
	id := store.add(pendingJob(now.Add(-time.Minute), "e@example.com"))

	summary, err := newPipeline(store, &concurrentWinnerSender{store: store, id: id}).RunOnce(context.Background(), now)
	require.NoError(t, err)

	// This run lost the race: its failed outcome must not overwrite the
	// terminal state the winner recorded.
	require.False(t, summary.Results[0].Recorded)

	job := store.get(id)
	require.Equal(t, models.StatusSent, job.Status)
	require.NotNil(t, job.SentAt)
	require.Nil(t, job.ErrorMessage)
}

func TestRunOnce_RecordErrorAfterDeliveryIsSurfaced(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	store := newMemStore()
	store.add(pendingJob(now.Add(-time.Minute), "f@example.com"))
	store.sentErr = errors.New("write timeout")
	sender := &fakeSender{}

	summary, err := newPipeline(store, sender).RunOnce(context.Background(), now)
	require.NoError(t, err)

	// The email went out; the stale record is reported, not rolled back.
	require.Equal(t, 1, summary.Sent)
	require.False(t, summary.Results[0].Recorded)
	require.Contains(t, summary.Results[0].Error, "write timeout")
}

func TestCancel_PendingJob(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	id := store.add(pendingJob(time.Now().Add(time.Hour), "g@example.com"))
	pipeline := newPipeline(store, &fakeSender{})

	cancelled, err := pipeline.Cancel(context.Background(), id)
	require.NoError(t, err)
	require.True(t, cancelled)

	job := store.get(id)
	require.Equal(t, models.StatusCancelled, job.Status)
	require.Equal(t, "cancelled by operator", *job.ErrorMessage)
	require.Nil(t, job.SentAt)
}

func TestCancel_SentJobIsNoop(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	store := newMemStore()
	id := store.add(pendingJob(now.Add(-time.Minute), "h@example.com"))
	pipeline := newPipeline(store, &fakeSender{})

	_, err := pipeline.RunOnce(context.Background(), now)
	require.NoError(t, err)
	require.Equal(t, models.StatusSent, store.get(id).Status)

	cancelled, err := pipeline.Cancel(context.Background(), id)
	require.NoError(t, err)
	require.False(t, cancelled)

	job := store.get(id)
	require.Equal(t, models.StatusSent, job.Status)
	require.Nil(t, job.ErrorMessage)
}
