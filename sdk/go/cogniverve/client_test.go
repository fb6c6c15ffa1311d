package cogniverve

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestSubmitTaskSendsOwnerHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/tasks" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Fatalf("unexpected method: %s", r.Method)
		}
		if got := r.Header.Get(ownerHeader); got != "alice" {
			t.Fatalf("expected owner header alice, got %q", got)
		}
		var submission TaskSubmission
		if err := json.NewDecoder(r.Body).Decode(&submission); err != nil {
			t.Fatalf("unexpected body: %v", err)
		}
		if submission.AgentID != "agent-1" {
			t.Fatalf("unexpected agent id %q", submission.AgentID)
		}
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(Task{ID: "task-1", Status: "pending"})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, "alice", srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	created, err := client.SubmitTask(context.Background(), TaskSubmission{
		AgentID:     "agent-1",
		Description: "summarize",
	})
	if err != nil {
		t.Fatalf("submit task: %v", err)
	}
	if created.ID != "task-1" || created.Status != "pending" {
		t.Fatalf("unexpected task: %+v", created)
	}
}

func TestNewClientRequiresOwner(t *testing.T) {
	if _, err := NewClient("http://localhost:8080", "  ", nil); err == nil {
		t.Fatal("expected error for empty owner id")
	}
}

func TestListTasksEncodesFilters(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		if query.Get("status") != "pending,running" {
			t.Fatalf("unexpected status filter %q", query.Get("status"))
		}
		if query.Get("limit") != "10" || query.Get("agent_id") != "agent-1" {
			t.Fatalf("unexpected query %q", r.URL.RawQuery)
		}
		_ = json.NewEncoder(w).Encode([]Task{{ID: "task-1"}, {ID: "task-2"}})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, "alice", srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	tasks, err := client.ListTasks(context.Background(), ListTasksOptions{
		Statuses: []string{"pending", "running"},
		AgentID:  "agent-1",
		Limit:    10,
	})
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(tasks))
	}
}

func TestGetTaskError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{"code": "TASK_NOT_FOUND", "message": "missing"})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, "alice", srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	_, err = client.GetTask(context.Background(), "task-404")
	if err == nil {
		t.Fatal("expected error")
	}
	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("expected APIError, got %T", err)
	}
	if apiErr.Code != "TASK_NOT_FOUND" || apiErr.StatusCode != http.StatusNotFound {
		t.Fatalf("unexpected error: %+v", apiErr)
	}
}

func TestWaitForTaskPollsUntilTerminal(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		status := "running"
		if calls >= 3 {
			status = "completed"
		}
		_ = json.NewEncoder(w).Encode(Task{ID: "task-1", Status: status, Result: &TaskResult{Output: "done"}})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, "alice", srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	final, err := client.WaitForTask(ctx, "task-1", 10*time.Millisecond)
	if err != nil {
		t.Fatalf("wait for task: %v", err)
	}
	if final.Status != "completed" || final.Result == nil || final.Result.Output != "done" {
		t.Fatalf("unexpected final task: %+v", final)
	}
	if calls < 3 {
		t.Fatalf("expected at least 3 polls, got %d", calls)
	}
}

func TestDeactivateAgent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete || r.URL.Path != "/api/v1/agents/agent-1" {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, "alice", srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if err := client.DeactivateAgent(context.Background(), "agent-1"); err != nil {
		t.Fatalf("deactivate agent: %v", err)
	}
}
