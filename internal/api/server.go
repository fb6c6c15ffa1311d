package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"CogniVerve/internal/agent"
	xerrors "CogniVerve/internal/errors"
	"CogniVerve/internal/observability/metrics"
	"CogniVerve/internal/task"
	"CogniVerve/internal/tool"
	"CogniVerve/internal/usage"
	"CogniVerve/pkg/logger"

	"github.com/google/uuid"
)

// ownerHeader 标识请求方身份。身份认证由部署侧的网关完成，
// 服务本身只做归属隔离。
const ownerHeader = "X-Owner-ID"

// Server 负责暴露 REST 接口，供外部提交与管理智能体任务。
type Server struct {
	addr      string
	scheduler *task.Scheduler
	agents    agent.Store
	registry  *tool.Registry
	limiter   *usage.Limiter
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, scheduler *task.Scheduler, agents agent.Store, registry *tool.Registry, limiter *usage.Limiter) *Server {
	return &Server{
		addr:      addr,
		scheduler: scheduler,
		agents:    agents,
		registry:  registry,
		limiter:   limiter,
	}
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Routes()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Routes 返回完整的路由表。
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/tasks", s.instrument("tasks", s.handleTasks))
	mux.HandleFunc("/api/v1/tasks/", s.instrument("task_detail", s.handleTaskDetail))
	mux.HandleFunc("/api/v1/agents", s.instrument("agents", s.handleAgents))
	mux.HandleFunc("/api/v1/agents/", s.instrument("agent_detail", s.handleAgentDetail))
	mux.HandleFunc("/api/v1/tools", s.instrument("tools", s.handleTools))
	mux.HandleFunc("/api/v1/usage", s.instrument("usage", s.handleUsage))
	mux.HandleFunc("/healthz", s.instrument("healthz", s.handleHealth))
	return mux
}

// statusRecorder 捕获响应状态码用于指标上报。
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) instrument(name string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		handler(recorder, r)
		metrics.ObserveHTTPRequest(name, r.Method, recorder.status, time.Since(started))
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := requireOwner(w, r)
	if !ok {
		return
	}
	switch r.Method {
	case http.MethodPost:
		s.handleSubmitTask(w, r, ownerID)
	case http.MethodGet:
		s.handleListTasks(w, r, ownerID)
	default:
		http.Error(w, "仅支持 GET/POST", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request, ownerID string) {
	var req task.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	req.OwnerID = ownerID

	created, err := s.scheduler.Submit(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, created)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request, ownerID string) {
	opts := make([]task.ListOption, 0, 4)
	query := r.URL.Query()
	if raw := query.Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			opts = append(opts, task.WithLimit(parsed))
		}
	}
	if raw := query.Get("offset"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			opts = append(opts, task.WithOffset(parsed))
		}
	}
	if raw := query.Get("agent_id"); raw != "" {
		opts = append(opts, task.WithAgent(raw))
	}
	if raw := query.Get("status"); raw != "" {
		statuses := make([]task.Status, 0, 2)
		for _, value := range strings.Split(raw, ",") {
			statuses = append(statuses, task.Status(strings.TrimSpace(value)))
		}
		opts = append(opts, task.WithStatuses(statuses...))
	}
	if raw := query.Get("q"); raw != "" {
		opts = append(opts, task.WithQuery(raw))
	}

	tasks, err := s.scheduler.List(r.Context(), ownerID, opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

// handleTaskDetail 处理 /api/v1/tasks/{id} 及其子路径。
func (s *Server) handleTaskDetail(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := requireOwner(w, r)
	if !ok {
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/tasks/")
	parts := strings.SplitN(rest, "/", 2)
	id := parts[0]
	if id == "" {
		http.Error(w, "缺少任务 ID", http.StatusBadRequest)
		return
	}
	action := ""
	if len(parts) == 2 {
		action = parts[1]
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		if id == "stats" {
			s.handleTaskStats(w, r, ownerID)
			return
		}
		t, err := s.scheduler.Get(r.Context(), id, ownerID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, t)
	case action == "messages" && r.Method == http.MethodGet:
		messages, err := s.scheduler.Messages(r.Context(), id, ownerID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, messages)
	case action == "cancel" && r.Method == http.MethodPost:
		if err := s.scheduler.Cancel(r.Context(), id, ownerID); err != nil {
			writeError(w, err)
			return
		}
		t, err := s.scheduler.Get(r.Context(), id, ownerID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, t)
	default:
		http.Error(w, "不支持的任务操作", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleTaskStats(w http.ResponseWriter, r *http.Request, ownerID string) {
	stats, err := s.scheduler.Stats(r.Context(), ownerID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := requireOwner(w, r)
	if !ok {
		return
	}
	switch r.Method {
	case http.MethodPost:
		var ag agent.Agent
		if err := json.NewDecoder(r.Body).Decode(&ag); err != nil {
			http.Error(w, "请求体解析失败", http.StatusBadRequest)
			return
		}
		if ag.ID == "" {
			ag.ID = uuid.NewString()
		}
		ag.OwnerID = ownerID
		ag.Active = true
		ag.Normalize()
		if err := s.agents.Create(r.Context(), &ag); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, &ag)
	case http.MethodGet:
		agents, err := s.agents.List(r.Context(), ownerID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, agents)
	default:
		http.Error(w, "仅支持 GET/POST", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleAgentDetail(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := requireOwner(w, r)
	if !ok {
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/v1/agents/")
	if id == "" || strings.Contains(id, "/") {
		http.Error(w, "缺少智能体 ID", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodGet:
		ag, err := s.agents.Get(r.Context(), id, ownerID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, ag)
	case http.MethodDelete:
		if err := s.agents.Deactivate(r.Context(), id, ownerID); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "仅支持 GET/DELETE", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.registry.Definitions(nil))
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := requireOwner(w, r)
	if !ok {
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	snapshot, err := s.limiter.Snapshot(r.Context(), ownerID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func requireOwner(w http.ResponseWriter, r *http.Request) (string, bool) {
	ownerID := strings.TrimSpace(r.Header.Get(ownerHeader))
	if ownerID == "" {
		http.Error(w, "缺少 "+ownerHeader+" 请求头", http.StatusUnauthorized)
		return "", false
	}
	return ownerID, true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// errorBody 是错误响应的统一结构。
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, err error) {
	code := xerrors.CodeOf(err)
	status := statusOf(code)
	if status >= http.StatusInternalServerError {
		logger.L().Error("request failed", "error_code", string(code), "error", err)
	}
	writeJSON(w, status, errorBody{Code: string(code), Message: err.Error()})
}

// statusOf 将统一错误码映射为 HTTP 状态码。
func statusOf(code xerrors.Code) int {
	switch code {
	case usage.CodeQuotaExceeded:
		return http.StatusTooManyRequests
	case task.CodeTaskNotFound, agent.CodeAgentNotFound, tool.CodeToolNotFound, xerrors.CodeNotFound:
		return http.StatusNotFound
	case task.CodeTaskValidation, tool.CodeSchemaValidation, xerrors.CodeInvalidArgument:
		return http.StatusBadRequest
	case xerrors.CodeConflict, task.CodeTaskTerminal:
		return http.StatusConflict
	case tool.CodeToolNotAllowed:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
