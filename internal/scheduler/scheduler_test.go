package scheduler

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	jobdomain "convoops_backend/internal/jobs/domain"
	"convoops_backend/platform/apperr"
	"convoops_backend/platform/logger"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
)

type testSchedulerConfig struct {
	redisURL string
	queue    string
}

func (c testSchedulerConfig) GetRedisURL() string                 { return c.redisURL }
func (c testSchedulerConfig) GetRedisTLSInsecure() bool           { return false }
func (c testSchedulerConfig) GetAsynqQueueName() string           { return c.queue }
func (c testSchedulerConfig) GetAsynqConcurrency() int            { return 1 }
func (c testSchedulerConfig) GetMuteSweepInterval() time.Duration { return time.Minute }

func TestNewClientRequiresRedisURL(t *testing.T) {
	if _, err := NewClient(testSchedulerConfig{}); err == nil {
		t.Fatal("expected error for missing redis url")
	}
}

func TestRedisClientOpt(t *testing.T) {
	opt, err := redisClientOpt("redis://:secret@localhost:6380/2", false)
	if err != nil {
		t.Fatalf("redisClientOpt: %v", err)
	}
	if opt.Addr != "localhost:6380" || opt.Password != "secret" || opt.DB != 2 {
		t.Errorf("unexpected opt: %+v", opt)
	}
	if opt.TLSConfig != nil {
		t.Error("TLS config should be nil without rediss scheme")
	}

	opt, err = redisClientOpt("redis://localhost:6379", true)
	if err != nil {
		t.Fatalf("redisClientOpt: %v", err)
	}
	if opt.TLSConfig == nil || !opt.TLSConfig.InsecureSkipVerify {
		t.Error("tlsInsecure should force InsecureSkipVerify")
	}

	if _, err := redisClientOpt("://not-a-url", false); err == nil {
		t.Error("expected error for malformed url")
	}
}

func TestEnqueueJobDispatch(t *testing.T) {
	mr := miniredis.RunT(t)

	client, err := NewClient(testSchedulerConfig{redisURL: "redis://" + mr.Addr(), queue: "convoops"})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	defer client.Close()

	if err := client.EnqueueJobDispatch(context.Background(), uuid.New(), uuid.New()); err != nil {
		t.Fatalf("EnqueueJobDispatch: %v", err)
	}

	found := false
	for _, key := range mr.Keys() {
		if strings.Contains(key, "convoops") {
			found = true
			break
		}
	}
	if !found {
		t.Errorf("no task landed in queue, keys: %v", mr.Keys())
	}
}

func TestEnqueueJobDispatchNilClient(t *testing.T) {
	var client *Client
	if err := client.EnqueueJobDispatch(context.Background(), uuid.New(), uuid.New()); err != nil {
		t.Fatalf("nil client should be a no-op, got %v", err)
	}
}

type fakeExecutor struct {
	dispatchErrs []error
	dispatched   int
	completed    int
	failed       int
	failDetail   string
}

func (f *fakeExecutor) Dispatch(_ context.Context, id, orgID uuid.UUID, _ *uuid.UUID) (*jobdomain.Job, error) {
	f.dispatched++
	if len(f.dispatchErrs) > 0 {
		err := f.dispatchErrs[0]
		f.dispatchErrs = f.dispatchErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &jobdomain.Job{ID: id, OrganizationID: orgID, Status: jobdomain.StatusProcessing}, nil
}

func (f *fakeExecutor) Complete(_ context.Context, id, orgID uuid.UUID, _ []byte, _ *uuid.UUID) (*jobdomain.Job, error) {
	f.completed++
	return &jobdomain.Job{ID: id, OrganizationID: orgID, Status: jobdomain.StatusCompleted}, nil
}

func (f *fakeExecutor) Fail(_ context.Context, id, orgID uuid.UUID, detail string, _ *uuid.UUID) (*jobdomain.Job, error) {
	f.failed++
	f.failDetail = detail
	return &jobdomain.Job{ID: id, OrganizationID: orgID, Status: jobdomain.StatusFailed}, nil
}

func testWorker(jobs JobExecutor) *Worker {
	return &Worker{jobs: jobs, maxAttempts: 3, log: logger.New("test")}
}

func TestClaimJobRetriesOnConflict(t *testing.T) {
	exec := &fakeExecutor{dispatchErrs: []error{
		apperr.Conflict("processing slot taken"),
		apperr.Conflict("processing slot taken"),
		nil,
	}}
	w := testWorker(exec)

	job, err := w.claimJob(context.Background(), uuid.New(), uuid.New())
	if err != nil {
		t.Fatalf("claimJob: %v", err)
	}
	if job == nil {
		t.Fatal("expected claimed job")
	}
	if exec.dispatched != 3 {
		t.Errorf("dispatch attempts = %d, want 3", exec.dispatched)
	}
}

func TestClaimJobGivesUpAfterMaxAttempts(t *testing.T) {
	exec := &fakeExecutor{dispatchErrs: []error{
		apperr.Conflict("slot taken"),
		apperr.Conflict("slot taken"),
		apperr.Conflict("slot taken"),
	}}
	w := testWorker(exec)

	_, err := w.claimJob(context.Background(), uuid.New(), uuid.New())
	if apperr.GetKind(err) != apperr.KindConflict {
		t.Fatalf("got %v, want conflict after exhausting attempts", err)
	}
	if exec.dispatched != 3 {
		t.Errorf("dispatch attempts = %d, want 3", exec.dispatched)
	}
}

func TestClaimJobDropsCancelledJob(t *testing.T) {
	exec := &fakeExecutor{dispatchErrs: []error{
		apperr.InvalidTransition("job is cancelled"),
	}}
	w := testWorker(exec)

	job, err := w.claimJob(context.Background(), uuid.New(), uuid.New())
	if err != nil {
		t.Fatalf("claimJob: %v", err)
	}
	if job != nil {
		t.Error("cancelled job must not be claimed")
	}
	if exec.dispatched != 1 {
		t.Errorf("dispatch attempts = %d, want 1", exec.dispatched)
	}
}

type fakeRunner struct {
	reply []byte
	err   error
}

func (f *fakeRunner) GenerateReply(context.Context, *jobdomain.Job) ([]byte, error) {
	return f.reply, f.err
}

func TestHandleJobDispatchCompletesWithAgent(t *testing.T) {
	exec := &fakeExecutor{}
	w := testWorker(exec)
	w.SetAgentRunner(&fakeRunner{reply: []byte(`{"reply":"hello"}`)})

	task, err := NewJobDispatchTask(JobDispatchPayload{
		JobID:          uuid.NewString(),
		OrganizationID: uuid.NewString(),
	})
	if err != nil {
		t.Fatalf("NewJobDispatchTask: %v", err)
	}

	if err := w.handleJobDispatch(context.Background(), task); err != nil {
		t.Fatalf("handleJobDispatch: %v", err)
	}
	if exec.completed != 1 || exec.failed != 0 {
		t.Errorf("completed=%d failed=%d, want 1/0", exec.completed, exec.failed)
	}
}

func TestHandleJobDispatchFailsJobOnAgentError(t *testing.T) {
	exec := &fakeExecutor{}
	w := testWorker(exec)
	w.SetAgentRunner(&fakeRunner{err: apperr.Unavailable("model unreachable", nil)})

	task, err := NewJobDispatchTask(JobDispatchPayload{
		JobID:          uuid.NewString(),
		OrganizationID: uuid.NewString(),
	})
	if err != nil {
		t.Fatalf("NewJobDispatchTask: %v", err)
	}

	if err := w.handleJobDispatch(context.Background(), task); err != nil {
		t.Fatalf("agent failure should not requeue the task, got %v", err)
	}
	if exec.failed != 1 || exec.completed != 0 {
		t.Errorf("completed=%d failed=%d, want 0/1", exec.completed, exec.failed)
	}
	if exec.failDetail == "" {
		t.Error("failure detail should carry the agent error")
	}
}

func TestHandleJobDispatchWithoutAgentLeavesJobProcessing(t *testing.T) {
	exec := &fakeExecutor{}
	w := testWorker(exec)

	task, err := NewJobDispatchTask(JobDispatchPayload{
		JobID:          uuid.NewString(),
		OrganizationID: uuid.NewString(),
	})
	if err != nil {
		t.Fatalf("NewJobDispatchTask: %v", err)
	}

	if err := w.handleJobDispatch(context.Background(), task); err != nil {
		t.Fatalf("handleJobDispatch: %v", err)
	}
	if exec.dispatched != 1 || exec.completed != 0 || exec.failed != 0 {
		t.Errorf("dispatched=%d completed=%d failed=%d, want 1/0/0", exec.dispatched, exec.completed, exec.failed)
	}
}

type fakeSweeper struct {
	calls   atomic.Int32
	cleared int64
}

func (f *fakeSweeper) SweepExpiredMutes(context.Context) (int64, error) {
	f.calls.Add(1)
	return f.cleared, nil
}

func TestMuteSweeperRunsImmediatelyAndStops(t *testing.T) {
	sweeper := &fakeSweeper{cleared: 2}
	s := NewMuteSweeper(sweeper, logger.New("test"), time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for sweeper.calls.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("sweep never ran")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not stop on cancel")
	}
}
