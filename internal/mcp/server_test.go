package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/msageha/fedy/internal/docstore"
	"github.com/msageha/fedy/internal/model"
	"github.com/msageha/fedy/internal/plan"
	"github.com/msageha/fedy/internal/scheduler"
)

func newTestServer(t *testing.T, opts Options) (*server.MCPServer, *scheduler.Scheduler) {
	t.Helper()
	store := plan.NewTaskStore(docstore.NewMemoryStore())
	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("Failed to initialize plan: %v", err)
	}
	sched := scheduler.New(store, scheduler.WithAgentID("mcp-test"))
	return NewServer(sched, opts), sched
}

func call(t *testing.T, s *server.MCPServer, name string, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	tool := s.GetTool(name)
	if tool == nil {
		t.Fatalf("Tool %s not found", name)
	}
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	result, err := tool.Handler(context.Background(), req)
	if err != nil {
		t.Fatalf("Handler %s failed: %v", name, err)
	}
	return result
}

func text(result *mcp.CallToolResult) string {
	return result.Content[0].(mcp.TextContent).Text
}

func mustSucceed(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if result.IsError {
		t.Fatalf("Tool returned error: %s", text(result))
	}
	return text(result)
}

func decodeTask(t *testing.T, result *mcp.CallToolResult) model.Task {
	t.Helper()
	var task model.Task
	if err := json.Unmarshal([]byte(mustSucceed(t, result)), &task); err != nil {
		t.Fatalf("Failed to unmarshal task: %v", err)
	}
	return task
}

func TestServerInitialization(t *testing.T) {
	s, _ := newTestServer(t, Options{Version: "1.2.3"})
	stdio := server.NewStdioServer(s)

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	defer inW.Close()
	defer outR.Close()

	go func() { _ = stdio.Listen(ctx, inR, outW) }()

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: "test-client", Version: "1.0.0"}
	data, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "initialize",
		"params":  initReq.Params,
	})
	if err != nil {
		t.Fatalf("Failed to marshal request: %v", err)
	}
	go func() { _, _ = inW.Write(append(data, '\n')) }()

	type response struct {
		ID     int `json:"id"`
		Result struct {
			ServerInfo struct {
				Name    string `json:"name"`
				Version string `json:"version"`
			} `json:"serverInfo"`
		} `json:"result"`
	}
	done := make(chan error, 1)
	var resp response
	go func() { done <- json.NewDecoder(outR).Decode(&resp) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Failed to decode response: %v", err)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for initialize response")
	}
	if resp.ID != 1 {
		t.Errorf("response id = %d, want 1", resp.ID)
	}
	if resp.Result.ServerInfo.Name != "fedy" || resp.Result.ServerInfo.Version != "1.2.3" {
		t.Errorf("unexpected server info %+v", resp.Result.ServerInfo)
	}
}

func TestWorkflowThroughTools(t *testing.T) {
	var committed []int
	s, _ := newTestServer(t, Options{
		OnComplete: func(ctx context.Context, summary *model.ChangeSummary) error {
			committed = append(committed, summary.TaskID)
			return nil
		},
	})

	first := decodeTask(t, call(t, s, "create_task", map[string]any{"title": "schema"}))
	second := decodeTask(t, call(t, s, "create_task", map[string]any{
		"title":        "queries",
		"dependencies": []any{float64(first.ID)},
	}))
	if second.Dependencies[0] != first.ID {
		t.Fatalf("dependencies not stored: %v", second.Dependencies)
	}

	planned := decodeTask(t, call(t, s, "plan_next", nil))
	if planned.ID != first.ID || planned.Status != model.StatusPlanning {
		t.Fatalf("plan_next returned %+v", planned)
	}

	ready := decodeTask(t, call(t, s, "finish_planning", map[string]any{
		"id":    float64(first.ID),
		"files": []any{"db/schema.sql"},
		"steps": []any{"write the schema"},
	}))
	if ready.Status != model.StatusReady {
		t.Fatalf("finish_planning returned %+v", ready)
	}

	got := mustSucceed(t, call(t, s, "get_task", map[string]any{"id": float64(first.ID)}))
	if !strings.Contains(got, "write the schema") {
		t.Errorf("get_task did not include detail: %s", got)
	}

	var next struct {
		Tasks []model.Task `json:"tasks"`
	}
	if err := json.Unmarshal([]byte(mustSucceed(t, call(t, s, "next_task", nil))), &next); err != nil {
		t.Fatal(err)
	}
	if len(next.Tasks) != 1 || next.Tasks[0].ID != first.ID {
		t.Fatalf("next_task = %+v", next.Tasks)
	}

	claimed := decodeTask(t, call(t, s, "claim_task", nil))
	if claimed.ID != first.ID || claimed.Status != model.StatusInProgress {
		t.Fatalf("claim_task returned %+v", claimed)
	}

	again := call(t, s, "claim_task", map[string]any{"id": float64(first.ID)})
	if !again.IsError || !strings.Contains(text(again), scheduler.ErrAlreadyClaimed.Error()) {
		t.Errorf("second claim should fail with already claimed, got %s", text(again))
	}

	released := mustSucceed(t, call(t, s, "release_task", map[string]any{"id": float64(first.ID)}))
	if !strings.Contains(released, `"summary"`) {
		t.Errorf("release_task missing summary: %s", released)
	}
	if len(committed) != 1 || committed[0] != first.ID {
		t.Errorf("OnComplete calls = %v", committed)
	}
}

func TestReleaseTask_FailedAndHookError(t *testing.T) {
	s, sched := newTestServer(t, Options{
		OnComplete: func(ctx context.Context, summary *model.ChangeSummary) error {
			return errors.New("git unavailable")
		},
	})
	ctx := context.Background()
	task, err := sched.CreateTask(ctx, plan.NewTask{Title: "flaky"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := sched.BeginPlanning(ctx, task.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := sched.FinishPlanning(ctx, task.ID, model.TaskDetail{FilesTouched: []string{"a.go"}}); err != nil {
		t.Fatal(err)
	}
	if _, err := sched.Claim(ctx, task.ID); err != nil {
		t.Fatal(err)
	}

	out := mustSucceed(t, call(t, s, "release_task", map[string]any{"id": float64(task.ID), "failed": true}))
	if strings.Contains(out, `"summary"`) {
		t.Errorf("failed release should not carry a summary: %s", out)
	}
	if !strings.Contains(out, `"failures":1`) {
		t.Errorf("failures not incremented: %s", out)
	}

	if _, err := sched.Claim(ctx, task.ID); err != nil {
		t.Fatal(err)
	}
	out = mustSucceed(t, call(t, s, "release_task", map[string]any{"id": float64(task.ID)}))
	if !strings.Contains(out, "git unavailable") {
		t.Errorf("hook error not reported: %s", out)
	}
}

func TestToolErrors(t *testing.T) {
	s, _ := newTestServer(t, Options{})
	decodeTask(t, call(t, s, "create_task", map[string]any{"title": "a"}))

	tests := []struct {
		tool string
		args map[string]any
		want string
	}{
		{"create_task", map[string]any{"title": ""}, "title"},
		{"create_task", map[string]any{"title": "x", "dependencies": []any{float64(42)}}, "42"},
		{"create_task", map[string]any{"title": "x", "dependencies": "1"}, "must be an array"},
		{"set_dependencies", map[string]any{"id": float64(1), "dependencies": []any{float64(1)}}, "self-reference"},
		{"get_task", map[string]any{}, "positive task id"},
		{"get_task", map[string]any{"id": float64(99)}, plan.ErrTaskNotFound.Error()},
		{"list_tasks", map[string]any{"status": "bogus"}, "unknown status"},
		{"claim_task", nil, scheduler.ErrNotExecutable.Error()},
		{"abandon_planning", map[string]any{"id": float64(1)}, "invalid task transition"},
		{"finish_planning", map[string]any{"id": float64(1), "files": []any{float64(3)}}, "must contain strings"},
	}
	for _, tt := range tests {
		t.Run(tt.tool, func(t *testing.T) {
			result := call(t, s, tt.tool, tt.args)
			if !result.IsError {
				t.Fatalf("expected error, got %s", text(result))
			}
			if !strings.Contains(text(result), tt.want) {
				t.Errorf("error %q does not mention %q", text(result), tt.want)
			}
		})
	}
}

func TestListTasksAndStatus(t *testing.T) {
	s, _ := newTestServer(t, Options{})
	decodeTask(t, call(t, s, "create_task", map[string]any{"title": "a"}))
	decodeTask(t, call(t, s, "create_task", map[string]any{"title": "b"}))
	call(t, s, "plan_next", nil)

	var list struct {
		Tasks []model.Task `json:"tasks"`
	}
	if err := json.Unmarshal([]byte(mustSucceed(t, call(t, s, "list_tasks", map[string]any{"status": "pending"}))), &list); err != nil {
		t.Fatal(err)
	}
	if len(list.Tasks) != 1 || list.Tasks[0].Title != "b" {
		t.Errorf("list_tasks(pending) = %+v", list.Tasks)
	}

	var summary struct {
		Total  int            `json:"total"`
		Counts map[string]int `json:"counts"`
	}
	if err := json.Unmarshal([]byte(mustSucceed(t, call(t, s, "plan_status", nil))), &summary); err != nil {
		t.Fatal(err)
	}
	if summary.Total != 2 || summary.Counts["planning"] != 1 {
		t.Errorf("plan_status = %+v", summary)
	}
}
