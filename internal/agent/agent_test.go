package agent

import (
	"context"
	"testing"

	xerrors "CogniVerve/internal/errors"
)

func validAgent(owner string) *Agent {
	return &Agent{
		ID:           "agent-1",
		Name:         "helper",
		Instructions: "answer briefly",
		OwnerID:      owner,
		Active:       true,
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Agent)
		wantErr bool
	}{
		{name: "valid", mutate: func(*Agent) {}},
		{name: "missing name", mutate: func(a *Agent) { a.Name = " " }, wantErr: true},
		{name: "missing instructions", mutate: func(a *Agent) { a.Instructions = "" }, wantErr: true},
		{name: "missing owner", mutate: func(a *Agent) { a.OwnerID = "" }, wantErr: true},
		{name: "temperature too high", mutate: func(a *Agent) { a.Temperature = 2.5 }, wantErr: true},
		{name: "negative temperature", mutate: func(a *Agent) { a.Temperature = -0.1 }, wantErr: true},
		{name: "blank tool name", mutate: func(a *Agent) { a.AllowedTools = []string{"calculator", " "} }, wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ag := validAgent("alice")
			tc.mutate(ag)
			err := ag.Validate()
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected validation error")
				}
				if xerrors.CodeOf(err) != CodeAgentValidation {
					t.Fatalf("unexpected code %s", xerrors.CodeOf(err))
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestNormalizeFillsDefaults(t *testing.T) {
	ag := validAgent("alice")
	ag.Normalize()
	if ag.Model != DefaultModel {
		t.Fatalf("expected default model, got %q", ag.Model)
	}
	if ag.Temperature != DefaultTemperature || ag.MaxTokens != DefaultMaxTokens {
		t.Fatalf("defaults not applied: %+v", ag)
	}

	custom := validAgent("alice")
	custom.Model = "gpt-4o"
	custom.Temperature = 0.2
	custom.MaxTokens = 512
	custom.Normalize()
	if custom.Model != "gpt-4o" || custom.Temperature != 0.2 || custom.MaxTokens != 512 {
		t.Fatalf("explicit values overwritten: %+v", custom)
	}
}

func TestAllowsTool(t *testing.T) {
	ag := validAgent("alice")
	ag.AllowedTools = []string{"calculator", "web_search"}
	if !ag.AllowsTool("calculator") {
		t.Fatal("calculator should be allowed")
	}
	if ag.AllowsTool("file_operations") {
		t.Fatal("file_operations should not be allowed")
	}
}

func TestMemoryStoreOwnership(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	private := validAgent("alice")
	if err := store.Create(ctx, private); err != nil {
		t.Fatalf("create: %v", err)
	}

	shared := validAgent("alice")
	shared.ID = "agent-2"
	shared.Public = true
	if err := store.Create(ctx, shared); err != nil {
		t.Fatalf("create shared: %v", err)
	}

	if _, err := store.Get(ctx, "agent-1", "alice"); err != nil {
		t.Fatalf("owner lookup: %v", err)
	}
	if _, err := store.Get(ctx, "agent-1", "mallory"); err == nil {
		t.Fatal("private agent should be hidden from other owners")
	}
	if _, err := store.Get(ctx, "agent-2", "mallory"); err != nil {
		t.Fatalf("public agent should be visible: %v", err)
	}

	mine, err := store.List(ctx, "alice")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(mine) != 2 {
		t.Fatalf("expected 2 agents for alice, got %d", len(mine))
	}
	others, err := store.List(ctx, "mallory")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(others) != 1 {
		t.Fatalf("expected 1 visible agent for mallory, got %d", len(others))
	}
}

func TestMemoryStoreDeactivate(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	if err := store.Create(ctx, validAgent("alice")); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := store.Deactivate(ctx, "agent-1", "mallory"); err == nil {
		t.Fatal("foreign deactivate should fail")
	}
	if err := store.Deactivate(ctx, "agent-1", "alice"); err != nil {
		t.Fatalf("deactivate: %v", err)
	}

	ag, err := store.Get(ctx, "agent-1", "alice")
	if err != nil {
		t.Fatalf("get after deactivate: %v", err)
	}
	if ag.Active {
		t.Fatal("agent should be inactive")
	}
}

func TestMemoryStoreDuplicateID(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	if err := store.Create(ctx, validAgent("alice")); err != nil {
		t.Fatalf("create: %v", err)
	}
	err := store.Create(ctx, validAgent("alice"))
	if err == nil {
		t.Fatal("duplicate id should fail")
	}
	if xerrors.CodeOf(err) != xerrors.CodeConflict {
		t.Fatalf("unexpected code %s", xerrors.CodeOf(err))
	}
}
