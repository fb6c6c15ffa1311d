package task

import (
	"context"
	"fmt"
	"testing"
	"time"

	"CogniVerve/internal/agent"
	xerrors "CogniVerve/internal/errors"
	"CogniVerve/internal/llm/scripted"
	"CogniVerve/internal/usage"
)

func newTestScheduler(t *testing.T, client *scripted.Client, plan usage.Plan, opts ...SchedulerOption) (*Scheduler, Store, agent.Store) {
	t.Helper()
	store := NewMemoryStore()
	agents := agent.NewMemoryStore()
	limiter := usage.NewLimiter(usage.NewMemoryStore(), usage.StaticTierResolver{Plan: plan})
	executor := NewExecutor(store, agents, newTestRegistry(t), client, nil,
		WithRetryBaseDelay(time.Millisecond),
		WithUsageLimiter(limiter))
	scheduler := NewScheduler(store, agents, limiter, NewMemoryQueue(128), executor, opts...)
	return scheduler, store, agents
}

func startScheduler(t *testing.T, s *Scheduler) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = s.Start(ctx) }()
	return cancel
}

func TestSubmitValidation(t *testing.T) {
	scheduler, _, agents := newTestScheduler(t, scripted.NewClient(scripted.Respond("done")), usage.PlanPro)
	newTestAgent(t, agents, "calculator")
	ctx := context.Background()

	cases := []struct {
		name string
		req  SubmitRequest
		code xerrors.Code
	}{
		{"empty description", SubmitRequest{AgentID: "agent-1", OwnerID: "owner-1"}, CodeTaskValidation},
		{"missing agent", SubmitRequest{AgentID: "nope", OwnerID: "owner-1", Description: "do it"}, agent.CodeAgentNotFound},
		{"foreign agent", SubmitRequest{AgentID: "agent-1", OwnerID: "owner-2", Description: "do it"}, agent.CodeAgentNotFound},
	}
	for _, tc := range cases {
		if _, err := scheduler.Submit(ctx, tc.req); xerrors.CodeOf(err) != tc.code {
			t.Fatalf("%s: expected %s, got %v", tc.name, tc.code, err)
		}
	}
}

func TestSubmitQuotaExceeded(t *testing.T) {
	scheduler, store, agents := newTestScheduler(t, scripted.NewClient(scripted.Respond("done")), usage.PlanFree)
	newTestAgent(t, agents)
	ctx := context.Background()

	var lastErr error
	accepted := 0
	for i := 0; i < 101; i++ {
		_, err := scheduler.Submit(ctx, SubmitRequest{
			AgentID:     "agent-1",
			OwnerID:     "owner-1",
			Description: fmt.Sprintf("task %d", i),
		})
		if err == nil {
			accepted++
		} else {
			lastErr = err
		}
	}
	if accepted != 100 {
		t.Fatalf("free plan allows 100 api calls, accepted %d", accepted)
	}
	if xerrors.CodeOf(lastErr) != usage.CodeQuotaExceeded {
		t.Fatalf("expected QUOTA_EXCEEDED, got %v", lastErr)
	}

	// 被拒绝的提交不落库。
	stats, err := store.Stats(ctx, "owner-1")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 100 {
		t.Fatalf("expected 100 stored tasks, got %d", stats.Total)
	}
}

func TestSchedulerRunsTaskToCompletion(t *testing.T) {
	client := scripted.NewClient(
		scripted.CallTool("calculator", map[string]any{"op": "percent", "value": 250.0, "pct": 15.0}),
		scripted.Respond("the answer is 37.5"),
	)
	scheduler, _, agents := newTestScheduler(t, client, usage.PlanPro)
	newTestAgent(t, agents, "calculator")
	stop := startScheduler(t, scheduler)
	defer stop()

	ctx := context.Background()
	submitted, err := scheduler.Submit(ctx, SubmitRequest{
		AgentID:     "agent-1",
		OwnerID:     "owner-1",
		Description: "What is 15% of 250?",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if submitted.Status != StatusPending {
		t.Fatalf("expected pending after submit, got %s", submitted.Status)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	final, err := scheduler.WaitUntilTerminal(waitCtx, submitted.ID, "owner-1", 10*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if final.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", final.Status, final.LastError)
	}
	if final.Result == nil || final.Result.Output != "the answer is 37.5" {
		t.Fatalf("unexpected result: %+v", final.Result)
	}
}

func TestCancelPendingTask(t *testing.T) {
	// 调度器未启动，任务停留在 pending。
	scheduler, store, agents := newTestScheduler(t, scripted.NewClient(scripted.Respond("done")), usage.PlanPro)
	newTestAgent(t, agents)
	ctx := context.Background()

	submitted, err := scheduler.Submit(ctx, SubmitRequest{
		AgentID:     "agent-1",
		OwnerID:     "owner-1",
		Description: "never runs",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := scheduler.Cancel(ctx, submitted.ID, "owner-1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	got, _ := store.Get(ctx, submitted.ID, "owner-1")
	if got.Status != StatusCancelled {
		t.Fatalf("expected cancelled, got %s", got.Status)
	}

	// 对终态任务取消是幂等的。
	if err := scheduler.Cancel(ctx, submitted.ID, "owner-1"); err != nil {
		t.Fatalf("expected idempotent cancel, got %v", err)
	}
}

func TestCancelRunningTask(t *testing.T) {
	looping := scripted.NewClient(
		scripted.CallTool("web_search", map[string]any{"query": "golang"}),
	)
	scheduler, _, agents := newTestScheduler(t, looping, usage.PlanPro)
	newTestAgent(t, agents, "web_search")
	stop := startScheduler(t, scheduler)
	defer stop()

	ctx := context.Background()
	submitted, err := scheduler.Submit(ctx, SubmitRequest{
		AgentID:     "agent-1",
		OwnerID:     "owner-1",
		Description: "search forever",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	// 等任务被准入并进入运行状态。
	deadline := time.Now().Add(5 * time.Second)
	for {
		got, err := scheduler.Get(ctx, submitted.ID, "owner-1")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.Status == StatusRunning {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("task never started, status %s", got.Status)
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := scheduler.Cancel(ctx, submitted.ID, "owner-1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	final, err := scheduler.WaitUntilTerminal(waitCtx, submitted.ID, "owner-1", 10*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if final.Status != StatusCancelled {
		t.Fatalf("expected cancelled, got %s", final.Status)
	}
}

func TestPickNextRoundRobinAcrossOwners(t *testing.T) {
	scheduler, _, _ := newTestScheduler(t, scripted.NewClient(scripted.Respond("done")), usage.PlanPro,
		WithMaxConcurrent(100), WithMaxConcurrentPerOwner(100))

	scheduler.mu.Lock()
	scheduler.owners = []string{"owner-a", "owner-b"}
	scheduler.pending["owner-a"] = []string{"a1", "a2", "a3"}
	scheduler.pending["owner-b"] = []string{"b1"}
	scheduler.mu.Unlock()

	var order []string
	for {
		taskID, _, ok := scheduler.pickNext()
		if !ok {
			break
		}
		order = append(order, taskID)
	}
	want := []string{"a1", "b1", "a2", "a3"}
	if len(order) != len(want) {
		t.Fatalf("expected %v, got %v", want, order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, order)
		}
	}
}

func TestPickNextRespectsPerOwnerCap(t *testing.T) {
	scheduler, _, _ := newTestScheduler(t, scripted.NewClient(scripted.Respond("done")), usage.PlanPro,
		WithMaxConcurrent(100), WithMaxConcurrentPerOwner(2))

	scheduler.mu.Lock()
	scheduler.owners = []string{"owner-a", "owner-b"}
	scheduler.pending["owner-a"] = []string{"a1", "a2", "a3"}
	scheduler.pending["owner-b"] = []string{"b1"}
	scheduler.mu.Unlock()

	var admitted []string
	for {
		taskID, _, ok := scheduler.pickNext()
		if !ok {
			break
		}
		admitted = append(admitted, taskID)
	}
	// owner-a 达到并发上限 2 后，a3 必须留在队列里。
	if len(admitted) != 3 {
		t.Fatalf("expected 3 admitted tasks, got %v", admitted)
	}
	scheduler.mu.Lock()
	remaining := scheduler.pending["owner-a"]
	scheduler.mu.Unlock()
	if len(remaining) != 1 || remaining[0] != "a3" {
		t.Fatalf("expected a3 to remain queued, got %v", remaining)
	}
}
