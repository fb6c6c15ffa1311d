package task

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"CogniVerve/internal/agent"
	xerrors "CogniVerve/internal/errors"
	"CogniVerve/internal/llm"
	"CogniVerve/internal/observability/metrics"
	"CogniVerve/internal/tool"
	"CogniVerve/internal/usage"
	"CogniVerve/pkg/logger"
)

// 执行循环的默认预算。
const (
	defaultMaxIterations   = 25
	defaultWallClockBudget = 10 * time.Minute
	defaultModelAttempts   = 3
	defaultRetryBaseDelay  = time.Second
)

// Executor 驱动单个任务的推理循环：构造上下文、调用模型、分发工具，
// 直到模型给出最终回答或预算耗尽。
//
// 终态写入只发生一次；除存储写入失败外，执行中的一切错误都被消化为
// 任务自身的终态，不会向调度器扩散。
type Executor struct {
	store     Store
	agents    agent.Store
	registry  *tool.Registry
	client    llm.Client
	builder   *ContextBuilder
	limiter   *usage.Limiter
	alertFunc func(taskID string, err error)

	maxIterations  int
	wallClock      time.Duration
	modelAttempts  int
	retryBaseDelay time.Duration
	sleep          func(ctx context.Context, d time.Duration) error
}

// ExecutorOption 定义可选配置。
type ExecutorOption func(*Executor)

// WithMaxIterations 设置单个任务的最大推理轮数。
func WithMaxIterations(limit int) ExecutorOption {
	return func(e *Executor) {
		if limit > 0 {
			e.maxIterations = limit
		}
	}
}

// WithWallClockBudget 设置单个任务的最长执行时间。
func WithWallClockBudget(budget time.Duration) ExecutorOption {
	return func(e *Executor) {
		if budget > 0 {
			e.wallClock = budget
		}
	}
}

// WithModelAttempts 设置模型调用的最大尝试次数。
func WithModelAttempts(attempts int) ExecutorOption {
	return func(e *Executor) {
		if attempts > 0 {
			e.modelAttempts = attempts
		}
	}
}

// WithRetryBaseDelay 设置重试退避的基础间隔。
func WithRetryBaseDelay(delay time.Duration) ExecutorOption {
	return func(e *Executor) {
		if delay > 0 {
			e.retryBaseDelay = delay
		}
	}
}

// WithUsageLimiter 启用执行侧的资源计量。
func WithUsageLimiter(limiter *usage.Limiter) ExecutorOption {
	return func(e *Executor) {
		e.limiter = limiter
	}
}

// WithAlertFunc 设置任务进入失败终态时的告警回调。
func WithAlertFunc(fn func(taskID string, err error)) ExecutorOption {
	return func(e *Executor) {
		e.alertFunc = fn
	}
}

// NewExecutor 创建 Executor。
func NewExecutor(store Store, agents agent.Store, registry *tool.Registry, client llm.Client, builder *ContextBuilder, opts ...ExecutorOption) *Executor {
	e := &Executor{
		store:          store,
		agents:         agents,
		registry:       registry,
		client:         client,
		builder:        builder,
		maxIterations:  defaultMaxIterations,
		wallClock:      defaultWallClockBudget,
		modelAttempts:  defaultModelAttempts,
		retryBaseDelay: defaultRetryBaseDelay,
		sleep:          sleepCtx,
	}
	if e.builder == nil {
		e.builder = NewContextBuilder()
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Execute 执行一个任务直至终态。返回非 nil 错误仅表示终态写入本身
// 失败，调度器可据此决定是否重新投递。
func (e *Executor) Execute(ctx context.Context, taskID string) error {
	t, err := e.store.Claim(ctx, taskID)
	if err != nil {
		if xerrors.CodeOf(err) == CodeTaskCancelled || xerrors.CodeOf(err) == CodeTaskTerminal {
			// 已被取消或已由其他路径收尾，无需处理。
			return nil
		}
		return err
	}

	log := logger.L().With("task_id", t.ID, "agent_id", t.AgentID, "owner_id", t.OwnerID)
	log.Info("task execution started")

	ag, err := e.agents.Get(ctx, t.AgentID, t.OwnerID)
	if err != nil {
		return e.fail(ctx, t, err)
	}
	if !ag.Active {
		return e.fail(ctx, t, xerrors.New(agent.CodeAgentNotFound, "智能体已停用"))
	}

	history, err := e.store.Messages(ctx, t.ID)
	if err != nil {
		return err
	}
	if len(history) == 0 {
		seed := Message{Role: RoleUser, Content: t.Description}
		if err := e.store.AppendStep(ctx, t.ID, []Message{seed}, 0, 0); err != nil {
			return err
		}
		history = append(history, seed)
	}

	started := time.Now()
	deadline := started.Add(e.wallClock)
	progress := t.Progress
	var reservedMinutes int64

	for iteration := t.Iterations + 1; iteration <= e.maxIterations; iteration++ {
		// 取消检查置于每轮循环顶部，保证一轮之内不中断工具执行。
		if ctx.Err() != nil {
			log.Info("task cancelled", "iteration", iteration)
			return e.cancelled(ctx, t)
		}
		if time.Now().After(deadline) {
			return e.fail(ctx, t, xerrors.New(CodeTaskTimeout,
				fmt.Sprintf("任务超出最长执行时间 %s", e.wallClock)))
		}

		prompt := e.builder.Build(ag, history, e.registry.Definitions(ag.AllowedTools))
		result, err := e.generateWithRetry(ctx, prompt)
		if err != nil {
			if ctx.Err() != nil {
				return e.cancelled(ctx, t)
			}
			return e.fail(ctx, t, err)
		}

		if result.Kind == llm.KindRespond {
			final := Result{
				Output:     result.Content,
				Iterations: iteration,
			}
			if err := e.store.MarkCompleted(ctx, t.ID, final); err != nil {
				return err
			}
			e.recordCompute(ctx, t.OwnerID, started, reservedMinutes)
			metrics.ObserveTaskTerminal(string(StatusCompleted), "", iteration, time.Since(started))
			log.Info("task completed", "iterations", iteration)
			return nil
		}

		if result.ToolCall == nil {
			return e.fail(ctx, t, xerrors.New(llm.CodeModelFailure, "模型请求工具调用但未携带调用信息"))
		}

		// 每次工具调用前预留额度；配额耗尽的任务不允许继续消耗工具。
		if err := e.reserveToolBudget(ctx, t.OwnerID, started, &reservedMinutes); err != nil {
			if ctx.Err() != nil {
				return e.cancelled(ctx, t)
			}
			return e.fail(ctx, t, err)
		}

		call := tool.Call{
			TaskID:       t.ID,
			AgentID:      ag.ID,
			OwnerID:      t.OwnerID,
			AllowedTools: ag.AllowedTools,
		}
		outcome, dispatchErr := e.registry.Dispatch(ctx, result.ToolCall.Name, result.ToolCall.Params, call)
		if dispatchErr != nil && ctx.Err() != nil {
			return e.cancelled(ctx, t)
		}
		metrics.ObserveToolDispatch(result.ToolCall.Name, dispatchErr == nil)
		if dispatchErr != nil && xerrors.CodeOf(dispatchErr) == tool.CodeToolTimeout {
			// 超时的工具可能仍在产生副作用，不再让模型续跑。
			return e.fail(ctx, t, dispatchErr)
		}

		assistantMsg := Message{
			Role:     RoleAssistant,
			Content:  encodeToolCall(result.ToolCall),
			ToolName: result.ToolCall.Name,
		}
		toolMsg := Message{
			Role:     RoleTool,
			ToolName: result.ToolCall.Name,
		}
		if dispatchErr != nil {
			// 工具失败作为观察结果反馈给模型，由模型决定如何恢复。
			toolMsg.Content = fmt.Sprintf("tool error [%s]: %s", xerrors.CodeOf(dispatchErr), dispatchErr.Error())
			toolMsg.Metadata = map[string]any{"error_code": string(xerrors.CodeOf(dispatchErr))}
			log.Warn("tool dispatch failed",
				"tool", result.ToolCall.Name,
				"error_code", string(xerrors.CodeOf(dispatchErr)),
				"error", dispatchErr,
			)
		} else {
			toolMsg.Content = encodeOutcome(outcome)
			toolMsg.Metadata = outcome.Metadata
			e.recordSideEffects(ctx, t.OwnerID, outcome.Usage)
		}

		progress = advanceProgress(progress, e.maxIterations-iteration)
		step := []Message{assistantMsg, toolMsg}
		if err := e.store.AppendStep(ctx, t.ID, step, progress, iteration); err != nil {
			if xerrors.CodeOf(err) == CodeTaskTerminal {
				// 任务在本轮执行期间被外部收尾。
				return nil
			}
			return err
		}
		history = append(history, step...)
		t.Iterations = iteration
		t.Progress = progress
	}

	return e.fail(ctx, t, xerrors.New(CodeTaskLoopExceeded,
		fmt.Sprintf("任务在 %d 轮内未完成", e.maxIterations)))
}

// generateWithRetry 调用模型，对瞬时故障按指数退避重试。
func (e *Executor) generateWithRetry(ctx context.Context, prompt llm.Prompt) (*llm.Result, error) {
	var lastErr error
	for attempt := 0; attempt < e.modelAttempts; attempt++ {
		if attempt > 0 {
			delay := e.retryBaseDelay * time.Duration(1<<attempt)
			if err := e.sleep(ctx, delay); err != nil {
				return nil, err
			}
		}
		result, err := e.client.Generate(ctx, prompt)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !xerrors.RetryableError(err) {
			return nil, err
		}
	}
	return nil, lastErr
}

// fail 将任务写入失败终态并触发告警。
func (e *Executor) fail(ctx context.Context, t *Task, cause error) error {
	code := xerrors.CodeOf(cause)
	if err := e.store.MarkFailed(ctx, t.ID, cause.Error(), string(code)); err != nil {
		if xerrors.CodeOf(err) == CodeTaskTerminal {
			return nil
		}
		return err
	}
	metrics.ObserveTaskTerminal(string(StatusFailed), string(code), t.Iterations, sinceStart(t))
	logger.L().Warn("task failed",
		"task_id", t.ID,
		"owner_id", t.OwnerID,
		"error_code", string(code),
		"error", cause,
	)
	if e.alertFunc != nil && xerrors.ShouldAlert(cause) {
		e.alertFunc(t.ID, cause)
	}
	return nil
}

// cancelled 写入取消终态。写入幂等，任务已是终态时直接返回。
func (e *Executor) cancelled(ctx context.Context, t *Task) error {
	if err := e.store.MarkCancelled(context.WithoutCancel(ctx), t.ID); err != nil {
		return err
	}
	metrics.ObserveTaskTerminal(string(StatusCancelled), "", t.Iterations, sinceStart(t))
	return nil
}

func sinceStart(t *Task) time.Duration {
	if t.StartedAt == 0 {
		return 0
	}
	return time.Since(time.Unix(t.StartedAt, 0))
}

// reserveToolBudget 在分发工具前预留额度：每次调用消耗一次 api_calls，
// 已消耗的墙钟时间按分钟增量预留 compute_minutes。
func (e *Executor) reserveToolBudget(ctx context.Context, ownerID string, started time.Time, reserved *int64) error {
	if e.limiter == nil {
		return nil
	}
	if err := e.limiter.CheckAndReserve(ctx, ownerID, usage.ResourceAPICalls, 1); err != nil {
		if xerrors.CodeOf(err) == usage.CodeQuotaExceeded {
			metrics.ObserveQuotaRejection(string(usage.ResourceAPICalls))
		}
		return err
	}
	elapsed := int64(time.Since(started).Minutes()) + 1
	if elapsed > *reserved {
		if err := e.limiter.CheckAndReserve(ctx, ownerID, usage.ResourceComputeMinutes, elapsed-*reserved); err != nil {
			if xerrors.CodeOf(err) == usage.CodeQuotaExceeded {
				metrics.ObserveQuotaRejection(string(usage.ResourceComputeMinutes))
			}
			return err
		}
		*reserved = elapsed
	}
	return nil
}

// recordCompute 补记终态时尚未预留的计算分钟数。
func (e *Executor) recordCompute(ctx context.Context, ownerID string, started time.Time, reserved int64) {
	if e.limiter == nil {
		return
	}
	minutes := int64(time.Since(started).Minutes()) + 1
	if minutes > reserved {
		e.limiter.Record(ctx, ownerID, usage.ResourceComputeMinutes, minutes-reserved)
	}
}

func (e *Executor) recordSideEffects(ctx context.Context, ownerID string, effects tool.SideEffects) {
	if e.limiter == nil {
		return
	}
	if effects.BytesProcessed > 0 {
		units := (effects.BytesProcessed + 1023) / 1024
		e.limiter.Record(ctx, ownerID, usage.ResourceBandwidthUnits, units)
	}
}

// advanceProgress 推进进度估计值：向 0.95 渐近，完成时由终态写入置 1。
func advanceProgress(current float64, remaining int) float64 {
	if remaining <= 0 {
		return 0.95
	}
	next := current + (0.95-current)/float64(remaining+1)
	if next > 0.95 {
		next = 0.95
	}
	return next
}

func encodeToolCall(call *llm.ToolCall) string {
	encoded, err := json.Marshal(map[string]any{
		"tool":   call.Name,
		"params": call.Params,
	})
	if err != nil {
		return call.Name
	}
	return string(encoded)
}

func encodeOutcome(outcome *tool.Outcome) string {
	encoded, err := json.Marshal(outcome.Output)
	if err != nil {
		return fmt.Sprintf("%v", outcome.Output)
	}
	return string(encoded)
}
