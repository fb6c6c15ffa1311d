package task

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"CogniVerve/internal/agent"
	xerrors "CogniVerve/internal/errors"
	"CogniVerve/internal/observability/metrics"
	"CogniVerve/internal/usage"
	"CogniVerve/pkg/logger"
)

// 调度的默认并发参数。
const (
	defaultMaxConcurrent = 8
	defaultMaxPerOwner   = 3
	defaultQueueWorkers  = 4
	defaultPollInterval  = 200 * time.Millisecond
	defaultShutdownGrace = 30 * time.Second
)

// SubmitRequest 描述一次任务提交。
type SubmitRequest struct {
	AgentID     string         `json:"agent_id"`
	OwnerID     string         `json:"owner_id"`
	Title       string         `json:"title,omitempty"`
	Description string         `json:"description"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Scheduler 负责任务的准入、排队与公平调度。
//
// 队列只承担跨实例的任务分发；公平性在消费侧实现：每个所有者一条
// FIFO，准入协程在所有者之间轮转，单个所有者的并发任务数受限，
// 避免高吞吐租户饿死其他租户。
type Scheduler struct {
	store    Store
	agents   agent.Store
	limiter  *usage.Limiter
	queue    Queue
	executor *Executor

	maxConcurrent int
	maxPerOwner   int
	queueWorkers  int

	mu              sync.Mutex
	pending         map[string][]string
	owners          []string
	nextOwner       int
	runningCancel   map[string]context.CancelFunc
	runningPerOwner map[string]int
	runningTotal    int

	wake chan struct{}
	wg   sync.WaitGroup
}

// SchedulerOption 定义可选配置。
type SchedulerOption func(*Scheduler)

// WithMaxConcurrent 设置全局最大并发执行数。
func WithMaxConcurrent(limit int) SchedulerOption {
	return func(s *Scheduler) {
		if limit > 0 {
			s.maxConcurrent = limit
		}
	}
}

// WithMaxConcurrentPerOwner 设置单个所有者的最大并发执行数。
func WithMaxConcurrentPerOwner(limit int) SchedulerOption {
	return func(s *Scheduler) {
		if limit > 0 {
			s.maxPerOwner = limit
		}
	}
}

// WithQueueWorkers 设置队列消费协程数。
func WithQueueWorkers(count int) SchedulerOption {
	return func(s *Scheduler) {
		if count > 0 {
			s.queueWorkers = count
		}
	}
}

// NewScheduler 创建 Scheduler。
func NewScheduler(store Store, agents agent.Store, limiter *usage.Limiter, queue Queue, executor *Executor, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		store:           store,
		agents:          agents,
		limiter:         limiter,
		queue:           queue,
		executor:        executor,
		maxConcurrent:   defaultMaxConcurrent,
		maxPerOwner:     defaultMaxPerOwner,
		queueWorkers:    defaultQueueWorkers,
		pending:         make(map[string][]string),
		runningCancel:   make(map[string]context.CancelFunc),
		runningPerOwner: make(map[string]int),
		wake:            make(chan struct{}, 1),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Submit 校验并提交新任务：解析智能体、预留配额、持久化并入队。
func (s *Scheduler) Submit(ctx context.Context, req SubmitRequest) (*Task, error) {
	t := &Task{
		ID:          uuid.NewString(),
		AgentID:     req.AgentID,
		OwnerID:     req.OwnerID,
		Title:       req.Title,
		Description: req.Description,
		Metadata:    req.Metadata,
		Status:      StatusPending,
	}
	if err := t.Validate(); err != nil {
		metrics.ObserveTaskSubmission(false)
		return nil, err
	}

	ag, err := s.agents.Get(ctx, req.AgentID, req.OwnerID)
	if err != nil {
		metrics.ObserveTaskSubmission(false)
		return nil, err
	}
	if !ag.Active {
		metrics.ObserveTaskSubmission(false)
		return nil, agent.ErrAgentNotFound
	}

	// 提交即预留一次 API 调用额度，拒绝时任务不落库。
	if s.limiter != nil {
		if err := s.limiter.CheckAndReserve(ctx, req.OwnerID, usage.ResourceAPICalls, 1); err != nil {
			metrics.ObserveTaskSubmission(false)
			if xerrors.CodeOf(err) == usage.CodeQuotaExceeded {
				metrics.ObserveQuotaRejection(string(usage.ResourceAPICalls))
			}
			return nil, err
		}
	}

	if err := s.store.Create(ctx, t); err != nil {
		return nil, err
	}
	if err := s.queue.Publish(ctx, t.ID); err != nil {
		failErr := xerrors.Wrap(CodeTaskPublish, err, "任务入队失败")
		if markErr := s.store.MarkFailed(ctx, t.ID, failErr.Error(), string(CodeTaskPublish)); markErr != nil {
			logger.L().Error("mark publish failure failed", "task_id", t.ID, "error", markErr)
		}
		return nil, failErr
	}

	metrics.ObserveTaskSubmission(true)
	logger.Audit().Info("task submitted",
		"task_id", t.ID,
		"agent_id", t.AgentID,
		"owner_id", t.OwnerID,
	)
	return s.store.Get(ctx, t.ID, req.OwnerID)
}

// Get 返回任务的当前状态。
func (s *Scheduler) Get(ctx context.Context, id, ownerID string) (*Task, error) {
	return s.store.Get(ctx, id, ownerID)
}

// Messages 返回任务的会话历史。
func (s *Scheduler) Messages(ctx context.Context, id, ownerID string) ([]Message, error) {
	if _, err := s.store.Get(ctx, id, ownerID); err != nil {
		return nil, err
	}
	return s.store.Messages(ctx, id)
}

// List 返回所有者的任务列表。
func (s *Scheduler) List(ctx context.Context, ownerID string, opts ...ListOption) ([]*Task, error) {
	return s.store.List(ctx, ownerID, opts...)
}

// Stats 返回所有者的任务统计。
func (s *Scheduler) Stats(ctx context.Context, ownerID string) (*Stats, error) {
	return s.store.Stats(ctx, ownerID)
}

// Cancel 取消任务：运行中的任务在下一轮循环顶部停止，排队中的任务
// 直接进入 cancelled 终态，已终态的任务幂等返回成功。
func (s *Scheduler) Cancel(ctx context.Context, id, ownerID string) error {
	t, err := s.store.Get(ctx, id, ownerID)
	if err != nil {
		return err
	}
	if t.Status.Terminal() {
		return nil
	}

	s.mu.Lock()
	cancel, running := s.runningCancel[id]
	s.mu.Unlock()
	if running {
		cancel()
		logger.Audit().Info("task cancel requested", "task_id", id, "owner_id", ownerID)
		return nil
	}

	if err := s.store.MarkCancelled(ctx, id); err != nil {
		return err
	}
	logger.Audit().Info("task cancelled", "task_id", id, "owner_id", ownerID)
	return nil
}

// Start 启动队列消费与准入循环，阻塞直到 ctx 取消。
func (s *Scheduler) Start(ctx context.Context) error {
	admissionCtx, stopAdmission := context.WithCancel(context.Background())
	defer stopAdmission()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.admissionLoop(admissionCtx, ctx)
	}()

	err := s.queue.Consume(ctx, s.queueWorkers, s.enqueue)

	// 等待在途任务收到取消并收尾。
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(defaultShutdownGrace):
		logger.L().Warn("scheduler shutdown grace period expired")
	}
	return err
}

// enqueue 将队列消息放入所有者 FIFO，等待准入。
func (s *Scheduler) enqueue(ctx context.Context, taskID string) error {
	t, err := s.store.Get(ctx, taskID, "")
	if err != nil {
		if xerrors.CodeOf(err) == CodeTaskNotFound {
			logger.L().Warn("queued task not found", "task_id", taskID)
			return nil
		}
		return err
	}
	if t.Status != StatusPending {
		return nil
	}

	s.mu.Lock()
	if _, ok := s.pending[t.OwnerID]; !ok {
		s.owners = append(s.owners, t.OwnerID)
	}
	s.pending[t.OwnerID] = append(s.pending[t.OwnerID], taskID)
	s.mu.Unlock()

	s.notify()
	return nil
}

func (s *Scheduler) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// admissionLoop 在所有者之间轮转准入任务。execCtx 控制在途任务的
// 取消传播，queueCtx 取消后不再准入新任务。
func (s *Scheduler) admissionLoop(execCtx, queueCtx context.Context) {
	ticker := time.NewTicker(defaultPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-queueCtx.Done():
			s.cancelRunning()
			return
		case <-s.wake:
		case <-ticker.C:
		}
		s.admitReady(execCtx)
	}
}

// admitReady 按轮转顺序尽可能多地准入任务。
func (s *Scheduler) admitReady(execCtx context.Context) {
	for {
		taskID, ownerID, ok := s.pickNext()
		if !ok {
			return
		}
		s.launch(execCtx, taskID, ownerID)
	}
}

// pickNext 从下一个未达并发上限且有排队任务的所有者处取出任务。
func (s *Scheduler) pickNext() (taskID, ownerID string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.runningTotal >= s.maxConcurrent || len(s.owners) == 0 {
		return "", "", false
	}
	for i := 0; i < len(s.owners); i++ {
		idx := (s.nextOwner + i) % len(s.owners)
		owner := s.owners[idx]
		queue := s.pending[owner]
		if len(queue) == 0 || s.runningPerOwner[owner] >= s.maxPerOwner {
			continue
		}
		taskID = queue[0]
		s.pending[owner] = queue[1:]
		s.runningPerOwner[owner]++
		s.runningTotal++
		s.nextOwner = (idx + 1) % len(s.owners)
		return taskID, owner, true
	}
	return "", "", false
}

// launch 为任务创建可取消的执行上下文并启动执行协程。
func (s *Scheduler) launch(execCtx context.Context, taskID, ownerID string) {
	taskCtx, cancel := context.WithCancel(execCtx)
	s.mu.Lock()
	s.runningCancel[taskID] = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			cancel()
			s.mu.Lock()
			delete(s.runningCancel, taskID)
			s.runningPerOwner[ownerID]--
			s.runningTotal--
			s.mu.Unlock()
			s.notify()
		}()
		if err := s.executor.Execute(taskCtx, taskID); err != nil {
			logger.L().Error("task execution write failure",
				"task_id", taskID,
				"owner_id", ownerID,
				"error", err,
			)
		}
	}()
}

func (s *Scheduler) cancelRunning() {
	s.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(s.runningCancel))
	for _, cancel := range s.runningCancel {
		cancels = append(cancels, cancel)
	}
	s.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

// WaitUntilTerminal 阻塞直到任务进入终态或 ctx 取消，主要用于测试
// 与同步式客户端。
func (s *Scheduler) WaitUntilTerminal(ctx context.Context, id, ownerID string, poll time.Duration) (*Task, error) {
	if poll <= 0 {
		poll = defaultPollInterval
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		t, err := s.store.Get(ctx, id, ownerID)
		if err != nil {
			return nil, err
		}
		if t.Status.Terminal() {
			return t, nil
		}
		select {
		case <-ctx.Done():
			return t, ctx.Err()
		case <-ticker.C:
		}
	}
}
