package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"convoops_backend/internal/audit"
	"convoops_backend/internal/events"
	"convoops_backend/internal/jobs/domain"
	"convoops_backend/internal/jobs/repository"
	"convoops_backend/platform/apperr"
	"convoops_backend/platform/logger"

	"github.com/google/uuid"
)

// memStore mimics the repository's conditional-update semantics in memory so
// service behavior can be exercised without a database.
type memStore struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*domain.Job
}

func newMemStore() *memStore {
	return &memStore{jobs: make(map[uuid.UUID]*domain.Job)}
}

func (m *memStore) Create(_ context.Context, job *domain.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.jobs {
		if existing.ConversationID == job.ConversationID && existing.Status == domain.StatusProcessing {
			return apperr.Conflict("a job for this conversation is already processing")
		}
	}
	cp := *job
	m.jobs[job.ID] = &cp
	return nil
}

func (m *memStore) GetByID(_ context.Context, id, _ uuid.UUID) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, apperr.NotFound("job not found")
	}
	cp := *job
	return &cp, nil
}

func (m *memStore) ClaimPending(_ context.Context, id, _ uuid.UUID) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, apperr.NotFound("job not found")
	}
	if job.Status != domain.StatusPending {
		if job.Status == domain.StatusProcessing {
			return nil, apperr.Conflict("job claim lost, re-read and retry")
		}
		return nil, apperr.InvalidTransition(fmt.Sprintf("cannot dispatch job in status %q", job.Status))
	}
	for _, sibling := range m.jobs {
		if sibling.ID != id && sibling.ConversationID == job.ConversationID && sibling.Status == domain.StatusProcessing {
			return nil, apperr.Conflict("another job for this conversation is processing")
		}
	}
	now := time.Now()
	job.Status = domain.StatusProcessing
	job.StartedAt = &now
	job.UpdatedAt = now
	cp := *job
	return &cp, nil
}

func (m *memStore) Transition(_ context.Context, id, _ uuid.UUID, from []domain.JobStatus, to domain.JobStatus, upd repository.TransitionUpdate) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, apperr.NotFound("job not found")
	}
	matched := false
	for _, s := range from {
		if job.Status == s {
			matched = true
			break
		}
	}
	if !matched {
		return nil, apperr.InvalidTransition(fmt.Sprintf("cannot move job from %q to %q", job.Status, to))
	}

	now := time.Now()
	job.Status = to
	job.UpdatedAt = now
	if upd.SetPayload != nil {
		job.Payload = upd.SetPayload
	}
	if upd.SetLastError != nil {
		detail := *upd.SetLastError
		job.LastError = &detail
	} else if upd.ClearLastError {
		job.LastError = nil
	}
	if upd.IncrementRetry {
		job.RetryCount++
	}
	if upd.SetFinishedAt {
		job.FinishedAt = &now
	}
	if upd.ClearTimestamps {
		job.StartedAt = nil
		job.FinishedAt = nil
	}
	cp := *job
	return &cp, nil
}

func (m *memStore) UpdateAgentType(_ context.Context, id, _ uuid.UUID, agentType string) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, apperr.NotFound("job not found")
	}
	if job.Status != domain.StatusPending && job.Status != domain.StatusProcessing {
		return nil, apperr.InvalidTransition(fmt.Sprintf("cannot reassign job in status %q", job.Status))
	}
	job.AgentType = &agentType
	cp := *job
	return &cp, nil
}

func (m *memStore) List(_ context.Context, params repository.ListParams) (*repository.ListResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var items []domain.Job
	for _, job := range m.jobs {
		if job.OrganizationID != params.OrganizationID {
			continue
		}
		if params.ConversationID != nil && job.ConversationID != *params.ConversationID {
			continue
		}
		if params.Status != nil && job.Status != *params.Status {
			continue
		}
		if params.JobType != nil && job.JobType != *params.JobType {
			continue
		}
		if params.AgentType != nil && (job.AgentType == nil || *job.AgentType != *params.AgentType) {
			continue
		}
		items = append(items, *job)
	}
	// priority DESC, created_at ASC
	for i := 0; i < len(items); i++ {
		for j := i + 1; j < len(items); j++ {
			if items[j].Priority > items[i].Priority ||
				(items[j].Priority == items[i].Priority && items[j].CreatedAt.Before(items[i].CreatedAt)) {
				items[i], items[j] = items[j], items[i]
			}
		}
	}
	return &repository.ListResult{Items: items, Total: len(items), Page: 1, PageSize: 50, TotalPages: 1}, nil
}

type fakeRecorder struct {
	mu      sync.Mutex
	entries []audit.RecordParams
}

func (f *fakeRecorder) Record(_ context.Context, p audit.RecordParams) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, p)
}

func (f *fakeRecorder) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}

type capturingBus struct {
	mu     sync.Mutex
	events []events.Event
}

func (b *capturingBus) Publish(_ context.Context, event events.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
}

func (b *capturingBus) PublishSync(ctx context.Context, event events.Event) error {
	b.Publish(ctx, event)
	return nil
}

func (b *capturingBus) Subscribe(string, events.Handler) {}

func (b *capturingBus) byName(name string) []events.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []events.Event
	for _, e := range b.events {
		if e.EventName() == name {
			out = append(out, e)
		}
	}
	return out
}

type fixedPolicy struct {
	jobTypes   []string
	agentTypes []string
	threshold  int
}

func (p fixedPolicy) GetJobTypes() []string       { return p.jobTypes }
func (p fixedPolicy) GetAgentTypes() []string     { return p.agentTypes }
func (p fixedPolicy) GetAlertRetryThreshold() int { return p.threshold }

func newTestService() (*Service, *memStore, *fakeRecorder, *capturingBus) {
	store := newMemStore()
	recorder := &fakeRecorder{}
	bus := &capturingBus{}
	policy := fixedPolicy{
		jobTypes:   []string{"qualify", "respond", "follow_up", "summarize"},
		agentTypes: []string{"qualifier", "responder", "closer"},
		threshold:  3,
	}
	svc := New(store, recorder, bus, policy, logger.New("test"))
	return svc, store, recorder, bus
}

func enqueueTestJob(t *testing.T, svc *Service, orgID uuid.UUID) *domain.Job {
	t.Helper()
	job, err := svc.Enqueue(context.Background(), orgID, EnqueueParams{
		ConversationID: uuid.New(),
		JobType:        "respond",
		Priority:       5,
	})
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	return job
}

func TestEnqueueRejectsUnknownTypes(t *testing.T) {
	svc, _, _, _ := newTestService()
	ctx := context.Background()
	orgID := uuid.New()

	_, err := svc.Enqueue(ctx, orgID, EnqueueParams{ConversationID: uuid.New(), JobType: "mine_bitcoin"})
	if apperr.GetKind(err) != apperr.KindValidation {
		t.Errorf("unknown job type: got %v, want validation error", err)
	}

	agent := "astrologer"
	_, err = svc.Enqueue(ctx, orgID, EnqueueParams{ConversationID: uuid.New(), JobType: "respond", AgentType: &agent})
	if apperr.GetKind(err) != apperr.KindValidation {
		t.Errorf("unknown agent type: got %v, want validation error", err)
	}

	_, err = svc.Enqueue(ctx, orgID, EnqueueParams{ConversationID: uuid.New(), JobType: "respond", Priority: -1})
	if apperr.GetKind(err) != apperr.KindValidation {
		t.Errorf("negative priority: got %v, want validation error", err)
	}
}

func TestEnqueueConflictsWithProcessingJob(t *testing.T) {
	svc, _, _, _ := newTestService()
	ctx := context.Background()
	orgID := uuid.New()
	conversationID := uuid.New()

	first, err := svc.Enqueue(ctx, orgID, EnqueueParams{ConversationID: conversationID, JobType: "respond"})
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if _, err := svc.Dispatch(ctx, first.ID, orgID, nil); err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}

	_, err = svc.Enqueue(ctx, orgID, EnqueueParams{ConversationID: conversationID, JobType: "follow_up"})
	if apperr.GetKind(err) != apperr.KindConflict {
		t.Errorf("enqueue while processing: got %v, want conflict", err)
	}
}

func TestDispatchSecondCallerLoses(t *testing.T) {
	svc, _, _, _ := newTestService()
	ctx := context.Background()
	orgID := uuid.New()
	job := enqueueTestJob(t, svc, orgID)

	if _, err := svc.Dispatch(ctx, job.ID, orgID, nil); err != nil {
		t.Fatalf("first dispatch failed: %v", err)
	}
	_, err := svc.Dispatch(ctx, job.ID, orgID, nil)
	if apperr.GetKind(err) != apperr.KindConflict {
		t.Errorf("second dispatch: got %v, want conflict", err)
	}
}

func TestCompleteRequiresProcessing(t *testing.T) {
	svc, _, _, _ := newTestService()
	ctx := context.Background()
	orgID := uuid.New()
	job := enqueueTestJob(t, svc, orgID)

	_, err := svc.Complete(ctx, job.ID, orgID, []byte(`{"ok":true}`), nil)
	if apperr.GetKind(err) != apperr.KindInvalidTransition {
		t.Errorf("complete pending job: got %v, want invalid transition", err)
	}

	if _, err := svc.Dispatch(ctx, job.ID, orgID, nil); err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}
	done, err := svc.Complete(ctx, job.ID, orgID, []byte(`{"ok":true}`), nil)
	if err != nil {
		t.Fatalf("complete failed: %v", err)
	}
	if done.Status != domain.StatusCompleted || done.FinishedAt == nil {
		t.Errorf("unexpected completed job: %+v", done)
	}
}

func TestCompletedJobCannotBeResurrected(t *testing.T) {
	svc, _, _, _ := newTestService()
	ctx := context.Background()
	orgID := uuid.New()
	job := enqueueTestJob(t, svc, orgID)

	if _, err := svc.Dispatch(ctx, job.ID, orgID, nil); err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}
	if _, err := svc.Complete(ctx, job.ID, orgID, nil, nil); err != nil {
		t.Fatalf("complete failed: %v", err)
	}

	if _, err := svc.Retry(ctx, job.ID, orgID, nil); apperr.GetKind(err) != apperr.KindInvalidTransition {
		t.Errorf("retry completed: got %v, want invalid transition", err)
	}
	if _, err := svc.Fail(ctx, job.ID, orgID, "late failure", nil); apperr.GetKind(err) != apperr.KindInvalidTransition {
		t.Errorf("fail completed: got %v, want invalid transition", err)
	}
	if _, err := svc.Reassign(ctx, job.ID, orgID, "closer", nil); apperr.GetKind(err) != apperr.KindInvalidTransition {
		t.Errorf("reassign completed: got %v, want invalid transition", err)
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	svc, _, recorder, _ := newTestService()
	ctx := context.Background()
	orgID := uuid.New()
	job := enqueueTestJob(t, svc, orgID)

	cancelled, err := svc.Cancel(ctx, job.ID, orgID, nil)
	if err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if cancelled.Status != domain.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", cancelled.Status)
	}
	auditAfterFirst := recorder.count()

	again, err := svc.Cancel(ctx, job.ID, orgID, nil)
	if err != nil {
		t.Fatalf("second cancel errored: %v", err)
	}
	if again.Status != domain.StatusCancelled {
		t.Errorf("second cancel status = %s, want cancelled", again.Status)
	}
	if recorder.count() != auditAfterFirst {
		t.Errorf("second cancel wrote %d extra audit entries, want 0", recorder.count()-auditAfterFirst)
	}
}

func TestCancelAfterCompleteReturnsRecord(t *testing.T) {
	svc, _, _, _ := newTestService()
	ctx := context.Background()
	orgID := uuid.New()
	job := enqueueTestJob(t, svc, orgID)

	if _, err := svc.Dispatch(ctx, job.ID, orgID, nil); err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}
	if _, err := svc.Complete(ctx, job.ID, orgID, nil, nil); err != nil {
		t.Fatalf("complete failed: %v", err)
	}

	got, err := svc.Cancel(ctx, job.ID, orgID, nil)
	if err != nil {
		t.Fatalf("cancel after complete errored: %v", err)
	}
	if got.Status != domain.StatusCompleted {
		t.Errorf("status = %s, want completed (record unchanged)", got.Status)
	}
}

func TestCancelledWorkerCannotComplete(t *testing.T) {
	svc, _, _, _ := newTestService()
	ctx := context.Background()
	orgID := uuid.New()
	job := enqueueTestJob(t, svc, orgID)

	if _, err := svc.Dispatch(ctx, job.ID, orgID, nil); err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}
	if _, err := svc.Cancel(ctx, job.ID, orgID, nil); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}

	// A stale in-flight worker reporting after cancellation must be rejected.
	if _, err := svc.Complete(ctx, job.ID, orgID, nil, nil); apperr.GetKind(err) != apperr.KindInvalidTransition {
		t.Errorf("complete cancelled: got %v, want invalid transition", err)
	}
	if _, err := svc.Fail(ctx, job.ID, orgID, "boom", nil); apperr.GetKind(err) != apperr.KindInvalidTransition {
		t.Errorf("fail cancelled: got %v, want invalid transition", err)
	}
}

func TestRetryResetsErrorAndCountsAttempts(t *testing.T) {
	svc, _, _, _ := newTestService()
	ctx := context.Background()
	orgID := uuid.New()
	job := enqueueTestJob(t, svc, orgID)

	if _, err := svc.Dispatch(ctx, job.ID, orgID, nil); err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}
	failed, err := svc.Fail(ctx, job.ID, orgID, "model timeout", nil)
	if err != nil {
		t.Fatalf("fail failed: %v", err)
	}
	if failed.RetryCount != 1 || failed.LastError == nil {
		t.Fatalf("unexpected failed job: %+v", failed)
	}

	retried, err := svc.Retry(ctx, job.ID, orgID, nil)
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if retried.Status != domain.StatusPending {
		t.Errorf("status = %s, want pending", retried.Status)
	}
	if retried.LastError != nil {
		t.Errorf("last error = %v, want cleared", *retried.LastError)
	}
	if retried.RetryCount != 2 {
		t.Errorf("retry count = %d, want 2", retried.RetryCount)
	}
	if retried.StartedAt != nil || retried.FinishedAt != nil {
		t.Errorf("timestamps not cleared: %+v", retried)
	}
}

func TestRetriesExhaustedEventFiresAtThreshold(t *testing.T) {
	svc, _, _, bus := newTestService()
	ctx := context.Background()
	orgID := uuid.New()
	job := enqueueTestJob(t, svc, orgID)

	for i := 0; i < 3; i++ {
		if _, err := svc.Dispatch(ctx, job.ID, orgID, nil); err != nil {
			t.Fatalf("dispatch %d failed: %v", i, err)
		}
		if _, err := svc.Fail(ctx, job.ID, orgID, "model timeout", nil); err != nil {
			t.Fatalf("fail %d failed: %v", i, err)
		}
		if i < 2 {
			if _, err := svc.Retry(ctx, job.ID, orgID, nil); err != nil {
				t.Fatalf("retry %d failed: %v", i, err)
			}
		}
	}

	// retry count after the loop: 1 fail + (retry+fail)*2 = 5 ≥ threshold 3,
	// crossed on the second fail already.
	exhausted := bus.byName("jobs.job.retries_exhausted")
	if len(exhausted) == 0 {
		t.Fatal("expected a retries-exhausted event")
	}
	event, ok := exhausted[len(exhausted)-1].(events.JobRetriesExhausted)
	if !ok {
		t.Fatalf("unexpected event type %T", exhausted[0])
	}
	if event.JobID != job.ID || event.RetryCount < 3 {
		t.Errorf("unexpected exhaustion event: %+v", event)
	}
}

func TestAtMostOneProcessingPerConversation(t *testing.T) {
	svc, store, _, _ := newTestService()
	ctx := context.Background()
	orgID := uuid.New()
	conversationID := uuid.New()

	j1, err := svc.Enqueue(ctx, orgID, EnqueueParams{ConversationID: conversationID, JobType: "respond", Priority: 5})
	if err != nil {
		t.Fatalf("enqueue j1 failed: %v", err)
	}
	j2, err := svc.Enqueue(ctx, orgID, EnqueueParams{ConversationID: conversationID, JobType: "follow_up", Priority: 1})
	if err != nil {
		t.Fatalf("enqueue j2 failed: %v", err)
	}

	if _, err := svc.Dispatch(ctx, j1.ID, orgID, nil); err != nil {
		t.Fatalf("dispatch j1 failed: %v", err)
	}
	if _, err := svc.Dispatch(ctx, j2.ID, orgID, nil); apperr.GetKind(err) != apperr.KindConflict {
		t.Fatalf("dispatch j2 while j1 processing: got %v, want conflict", err)
	}

	processing := 0
	for _, job := range store.jobs {
		if job.Status == domain.StatusProcessing {
			processing++
		}
	}
	if processing != 1 {
		t.Errorf("processing jobs = %d, want 1", processing)
	}
}

func TestListOrdersByPriorityThenAge(t *testing.T) {
	svc, _, _, _ := newTestService()
	ctx := context.Background()
	orgID := uuid.New()

	j1, err := svc.Enqueue(ctx, orgID, EnqueueParams{ConversationID: uuid.New(), JobType: "respond", Priority: 5})
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	j2, err := svc.Enqueue(ctx, orgID, EnqueueParams{ConversationID: uuid.New(), JobType: "respond", Priority: 10})
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	result, err := svc.List(ctx, repository.ListParams{OrganizationID: orgID})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(result.Items) != 2 {
		t.Fatalf("items = %d, want 2", len(result.Items))
	}
	if result.Items[0].ID != j2.ID || result.Items[1].ID != j1.ID {
		t.Errorf("order = [%s %s], want higher priority first", result.Items[0].ID, result.Items[1].ID)
	}
}

func TestListFiltersByAgentType(t *testing.T) {
	svc, _, _, _ := newTestService()
	ctx := context.Background()
	orgID := uuid.New()

	responder := "responder"
	closer := "closer"
	j1, err := svc.Enqueue(ctx, orgID, EnqueueParams{ConversationID: uuid.New(), JobType: "respond", AgentType: &responder})
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if _, err := svc.Enqueue(ctx, orgID, EnqueueParams{ConversationID: uuid.New(), JobType: "respond", AgentType: &closer}); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if _, err := svc.Enqueue(ctx, orgID, EnqueueParams{ConversationID: uuid.New(), JobType: "respond"}); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	result, err := svc.List(ctx, repository.ListParams{OrganizationID: orgID, AgentType: &responder})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(result.Items) != 1 {
		t.Fatalf("items = %d, want 1", len(result.Items))
	}
	if result.Items[0].ID != j1.ID {
		t.Errorf("filtered item = %s, want %s", result.Items[0].ID, j1.ID)
	}
}
