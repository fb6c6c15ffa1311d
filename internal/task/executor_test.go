package task

import (
	"context"
	"strings"
	"testing"
	"time"

	"CogniVerve/internal/agent"
	xerrors "CogniVerve/internal/errors"
	"CogniVerve/internal/llm"
	"CogniVerve/internal/llm/scripted"
	"CogniVerve/internal/tool"
	"CogniVerve/internal/usage"
)

func newTestAgent(t *testing.T, agents agent.Store, allowedTools ...string) *agent.Agent {
	t.Helper()
	ag := &agent.Agent{
		ID:           "agent-1",
		Name:         "research-helper",
		Instructions: "You are a helpful assistant.",
		OwnerID:      "owner-1",
		Active:       true,
		AllowedTools: allowedTools,
	}
	ag.Normalize()
	if err := agents.Create(context.Background(), ag); err != nil {
		t.Fatalf("create agent: %v", err)
	}
	return ag
}

func newPendingTask(t *testing.T, store Store, id string) *Task {
	t.Helper()
	created := &Task{
		ID:          id,
		AgentID:     "agent-1",
		OwnerID:     "owner-1",
		Description: "What is 15% of 250?",
		Status:      StatusPending,
	}
	if err := store.Create(context.Background(), created); err != nil {
		t.Fatalf("create task: %v", err)
	}
	return created
}

func newTestRegistry(t *testing.T) *tool.Registry {
	t.Helper()
	registry := tool.NewRegistry()
	if err := tool.RegisterBuiltins(registry); err != nil {
		t.Fatalf("register builtins: %v", err)
	}
	return registry
}

func TestExecuteToolCallThenRespond(t *testing.T) {
	store := NewMemoryStore()
	agents := agent.NewMemoryStore()
	newTestAgent(t, agents, "calculator")
	newPendingTask(t, store, "task-1")

	client := scripted.NewClient(
		scripted.CallTool("calculator", map[string]any{
			"op":    "percent",
			"value": 250.0,
			"pct":   15.0,
		}),
		scripted.Respond("15% of 250 is 37.5"),
	)
	executor := NewExecutor(store, agents, newTestRegistry(t), client, nil)

	if err := executor.Execute(context.Background(), "task-1"); err != nil {
		t.Fatalf("execute: %v", err)
	}

	got, err := store.Get(context.Background(), "task-1", "owner-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", got.Status, got.LastError)
	}
	if got.Progress != 1.0 {
		t.Fatalf("expected progress 1.0, got %f", got.Progress)
	}
	if got.Result == nil || got.Result.Output != "15% of 250 is 37.5" {
		t.Fatalf("unexpected result: %+v", got.Result)
	}
	if got.Result.Iterations != 2 {
		t.Fatalf("expected 2 iterations, got %d", got.Result.Iterations)
	}

	messages, err := store.Messages(context.Background(), "task-1")
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	// user 描述 + assistant 工具调用 + tool 观察结果
	if len(messages) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(messages))
	}
	if messages[0].Role != RoleUser || messages[1].Role != RoleAssistant || messages[2].Role != RoleTool {
		t.Fatalf("unexpected roles: %s %s %s", messages[0].Role, messages[1].Role, messages[2].Role)
	}
	for i, msg := range messages {
		if msg.Seq != i {
			t.Fatalf("expected seq %d, got %d", i, msg.Seq)
		}
	}
	if !strings.Contains(messages[2].Content, "37.5") {
		t.Fatalf("tool observation missing result: %s", messages[2].Content)
	}
}

func TestExecuteRetriesTransientModelFailure(t *testing.T) {
	store := NewMemoryStore()
	agents := agent.NewMemoryStore()
	newTestAgent(t, agents)
	newPendingTask(t, store, "task-1")

	client := scripted.NewClient(
		scripted.Fail(xerrors.New(llm.CodeModelRetryable, "rate limited")),
		scripted.Fail(xerrors.New(llm.CodeModelRetryable, "rate limited")),
		scripted.Respond("done"),
	)
	executor := NewExecutor(store, agents, newTestRegistry(t), client, nil,
		WithRetryBaseDelay(time.Millisecond))

	if err := executor.Execute(context.Background(), "task-1"); err != nil {
		t.Fatalf("execute: %v", err)
	}
	got, _ := store.Get(context.Background(), "task-1", "owner-1")
	if got.Status != StatusCompleted {
		t.Fatalf("expected completed after retries, got %s (%s)", got.Status, got.LastError)
	}
}

func TestExecuteFailsOnPersistentModelFailure(t *testing.T) {
	store := NewMemoryStore()
	agents := agent.NewMemoryStore()
	newTestAgent(t, agents)
	newPendingTask(t, store, "task-1")

	client := scripted.NewClient(
		scripted.Fail(xerrors.New(llm.CodeModelFailure, "invalid request")),
	)
	executor := NewExecutor(store, agents, newTestRegistry(t), client, nil,
		WithRetryBaseDelay(time.Millisecond))

	if err := executor.Execute(context.Background(), "task-1"); err != nil {
		t.Fatalf("execute: %v", err)
	}
	got, _ := store.Get(context.Background(), "task-1", "owner-1")
	if got.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", got.Status)
	}
	if got.ErrorCode != string(llm.CodeModelFailure) {
		t.Fatalf("expected MODEL_CLIENT_FAILURE, got %s", got.ErrorCode)
	}
}

func TestExecuteFeedsToolErrorBackToModel(t *testing.T) {
	store := NewMemoryStore()
	agents := agent.NewMemoryStore()
	// calculator 不在允许集合内。
	newTestAgent(t, agents, "web_search")
	newPendingTask(t, store, "task-1")

	client := scripted.NewClient(
		scripted.CallTool("calculator", map[string]any{"op": "percent", "value": 250.0, "pct": 15.0}),
		scripted.Respond("I cannot use the calculator."),
	)
	executor := NewExecutor(store, agents, newTestRegistry(t), client, nil)

	if err := executor.Execute(context.Background(), "task-1"); err != nil {
		t.Fatalf("execute: %v", err)
	}
	got, _ := store.Get(context.Background(), "task-1", "owner-1")
	if got.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", got.Status, got.LastError)
	}

	messages, _ := store.Messages(context.Background(), "task-1")
	var toolMsg *Message
	for i := range messages {
		if messages[i].Role == RoleTool {
			toolMsg = &messages[i]
		}
	}
	if toolMsg == nil {
		t.Fatal("expected tool observation message")
	}
	if !strings.Contains(toolMsg.Content, string(tool.CodeToolNotAllowed)) {
		t.Fatalf("expected TOOL_NOT_ALLOWED observation, got %s", toolMsg.Content)
	}
}

func TestExecuteFailsWhenQuotaExhaustedMidRun(t *testing.T) {
	store := NewMemoryStore()
	agents := agent.NewMemoryStore()
	newTestAgent(t, agents, "calculator")
	newPendingTask(t, store, "task-1")

	limiter := usage.NewLimiter(usage.NewMemoryStore(), usage.StaticTierResolver{Plan: usage.PlanFree})
	// 耗尽 free 档位的 api_calls 月度额度。
	if err := limiter.CheckAndReserve(context.Background(), "owner-1", usage.ResourceAPICalls, 100); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	client := scripted.NewClient(
		scripted.CallTool("calculator", map[string]any{"op": "percent", "value": 250.0, "pct": 15.0}),
		scripted.Respond("never reached"),
	)
	executor := NewExecutor(store, agents, newTestRegistry(t), client, nil,
		WithUsageLimiter(limiter))

	if err := executor.Execute(context.Background(), "task-1"); err != nil {
		t.Fatalf("execute: %v", err)
	}
	got, _ := store.Get(context.Background(), "task-1", "owner-1")
	if got.Status != StatusFailed {
		t.Fatalf("expected failed, got %s (%s)", got.Status, got.LastError)
	}
	if got.ErrorCode != string(usage.CodeQuotaExceeded) {
		t.Fatalf("expected QUOTA_EXCEEDED, got %s", got.ErrorCode)
	}
	messages, _ := store.Messages(context.Background(), "task-1")
	for _, msg := range messages {
		if msg.Role == RoleTool {
			t.Fatalf("tool must not run after quota exhaustion: %s", msg.Content)
		}
	}
}

func TestExecuteFailsOnToolTimeout(t *testing.T) {
	store := NewMemoryStore()
	agents := agent.NewMemoryStore()
	newTestAgent(t, agents, "sleeper")
	newPendingTask(t, store, "task-1")

	registry := tool.NewRegistry(tool.WithDispatchTimeout(20 * time.Millisecond))
	err := registry.Register(tool.Definition{
		Name:        "sleeper",
		DisplayName: "Sleeper",
		Description: "blocks until the dispatch deadline expires",
		Category:    "test",
		Schema:      tool.Schema{Type: "object"},
	}, tool.HandlerFunc(func(ctx context.Context, params map[string]any, call tool.Call) (*tool.Outcome, error) {
		<-ctx.Done()
		time.Sleep(5 * time.Millisecond)
		return &tool.Outcome{Output: "too late"}, nil
	}))
	if err != nil {
		t.Fatalf("register sleeper: %v", err)
	}

	client := scripted.NewClient(
		scripted.CallTool("sleeper", nil),
		scripted.Respond("never reached"),
	)
	executor := NewExecutor(store, agents, registry, client, nil)

	if err := executor.Execute(context.Background(), "task-1"); err != nil {
		t.Fatalf("execute: %v", err)
	}
	got, _ := store.Get(context.Background(), "task-1", "owner-1")
	if got.Status != StatusFailed {
		t.Fatalf("expected failed, got %s (%s)", got.Status, got.LastError)
	}
	if got.ErrorCode != string(tool.CodeToolTimeout) {
		t.Fatalf("expected TOOL_TIMEOUT, got %s", got.ErrorCode)
	}
}

func TestExecuteFailsWhenIterationBudgetExceeded(t *testing.T) {
	store := NewMemoryStore()
	agents := agent.NewMemoryStore()
	newTestAgent(t, agents, "text_processor")
	newPendingTask(t, store, "task-1")

	looping := scripted.NewClient(
		scripted.CallTool("text_processor", map[string]any{"text": "hello", "operation": "count_words"}),
	)
	executor := NewExecutor(store, agents, newTestRegistry(t), looping, nil,
		WithMaxIterations(3))

	if err := executor.Execute(context.Background(), "task-1"); err != nil {
		t.Fatalf("execute: %v", err)
	}
	got, _ := store.Get(context.Background(), "task-1", "owner-1")
	if got.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", got.Status)
	}
	if got.ErrorCode != string(CodeTaskLoopExceeded) {
		t.Fatalf("expected TASK_LOOP_EXCEEDED, got %s", got.ErrorCode)
	}
	if got.Progress > 0.95 {
		t.Fatalf("progress must stay below 0.95 for unfinished tasks, got %f", got.Progress)
	}
}

func TestExecuteHonorsWallClockBudget(t *testing.T) {
	store := NewMemoryStore()
	agents := agent.NewMemoryStore()
	newTestAgent(t, agents, "web_search")
	newPendingTask(t, store, "task-1")

	looping := scripted.NewClient(
		scripted.CallTool("web_search", map[string]any{"query": "golang"}),
	)
	executor := NewExecutor(store, agents, newTestRegistry(t), looping, nil,
		WithWallClockBudget(10*time.Millisecond),
		WithMaxIterations(1000))

	if err := executor.Execute(context.Background(), "task-1"); err != nil {
		t.Fatalf("execute: %v", err)
	}
	got, _ := store.Get(context.Background(), "task-1", "owner-1")
	if got.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", got.Status)
	}
	if got.ErrorCode != string(CodeTaskTimeout) {
		t.Fatalf("expected TASK_TIMEOUT, got %s", got.ErrorCode)
	}
}

func TestExecuteCancelledMidRun(t *testing.T) {
	store := NewMemoryStore()
	agents := agent.NewMemoryStore()
	newTestAgent(t, agents, "web_search")
	newPendingTask(t, store, "task-1")

	looping := scripted.NewClient(
		scripted.CallTool("web_search", map[string]any{"query": "golang"}),
	)
	executor := NewExecutor(store, agents, newTestRegistry(t), looping, nil,
		WithMaxIterations(1000))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- executor.Execute(ctx, "task-1")
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("execute: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("executor did not stop after cancellation")
	}

	got, _ := store.Get(context.Background(), "task-1", "owner-1")
	if got.Status != StatusCancelled {
		t.Fatalf("expected cancelled, got %s", got.Status)
	}
}

func TestExecuteClaimOfCancelledTaskIsNoop(t *testing.T) {
	store := NewMemoryStore()
	agents := agent.NewMemoryStore()
	newTestAgent(t, agents)
	newPendingTask(t, store, "task-1")
	if err := store.MarkCancelled(context.Background(), "task-1"); err != nil {
		t.Fatalf("mark cancelled: %v", err)
	}

	executor := NewExecutor(store, agents, newTestRegistry(t), scripted.NewClient(scripted.Respond("hi")), nil)
	if err := executor.Execute(context.Background(), "task-1"); err != nil {
		t.Fatalf("expected noop, got %v", err)
	}
	got, _ := store.Get(context.Background(), "task-1", "owner-1")
	if got.Status != StatusCancelled {
		t.Fatalf("cancelled task must stay cancelled, got %s", got.Status)
	}
}
