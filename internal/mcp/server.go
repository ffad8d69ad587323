// Package mcp exposes the planning and scheduling workflow as MCP tools so
// agents can drive fedy without shelling out.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/msageha/fedy/internal/model"
	"github.com/msageha/fedy/internal/plan"
	"github.com/msageha/fedy/internal/scheduler"
	"github.com/msageha/fedy/internal/status"
)

type Options struct {
	Version string
	// OnComplete runs after a task is released as succeeded, for example to
	// commit its files. Its error is reported but the release stands.
	OnComplete func(ctx context.Context, summary *model.ChangeSummary) error
}

// NewServer creates a new MCP server.
func NewServer(sched *scheduler.Scheduler, opts Options) *server.MCPServer {
	if opts.Version == "" {
		opts.Version = "dev"
	}
	s := server.NewMCPServer("fedy", opts.Version)

	// Plan
	s.AddTool(mcp.NewTool("list_tasks",
		mcp.WithDescription("List every task in plan order."),
		mcp.WithString("status", mcp.Description("Only tasks with this status (pending|planning|ready|in_progress|completed)")),
	), listTasksHandler(sched))

	s.AddTool(mcp.NewTool("get_task",
		mcp.WithDescription("Get a task and, once it is planned, its detailed plan."),
		mcp.WithNumber("id", mcp.Description("Task id"), mcp.Required()),
	), getTaskHandler(sched))

	s.AddTool(mcp.NewTool("create_task",
		mcp.WithDescription("Add a pending task to the plan."),
		mcp.WithString("title", mcp.Description("Short task title"), mcp.Required()),
		mcp.WithArray("dependencies", mcp.Description("Ids of tasks that must complete first"), mcp.Items(map[string]any{"type": "number"})),
	), createTaskHandler(sched))

	s.AddTool(mcp.NewTool("set_dependencies",
		mcp.WithDescription("Replace the dependencies of a task that has not started. Rejected if it would create a cycle."),
		mcp.WithNumber("id", mcp.Description("Task id"), mcp.Required()),
		mcp.WithArray("dependencies", mcp.Description("Ids of tasks that must complete first"), mcp.Items(map[string]any{"type": "number"})),
	), setDependenciesHandler(sched))

	s.AddTool(mcp.NewTool("plan_status",
		mcp.WithDescription("Summarize the plan: executable, running, waiting, conflicting and cyclic tasks."),
	), planStatusHandler(sched))

	// Planning
	s.AddTool(mcp.NewTool("plan_next",
		mcp.WithDescription("Take the first pending task for planning."),
	), planNextHandler(sched))

	s.AddTool(mcp.NewTool("finish_planning",
		mcp.WithDescription("Store the detailed plan of a task being planned and make it ready."),
		mcp.WithNumber("id", mcp.Description("Task id"), mcp.Required()),
		mcp.WithArray("files", mcp.Description("Files the task will touch (at least one)"), mcp.Required(), mcp.Items(map[string]any{"type": "string"})),
		mcp.WithArray("steps", mcp.Description("Execution steps"), mcp.Items(map[string]any{"type": "string"})),
		mcp.WithString("notes", mcp.Description("Free-form notes for the executor")),
	), finishPlanningHandler(sched))

	s.AddTool(mcp.NewTool("abandon_planning",
		mcp.WithDescription("Give a task being planned back to the pending pool."),
		mcp.WithNumber("id", mcp.Description("Task id"), mcp.Required()),
	), abandonPlanningHandler(sched))

	// Execution
	s.AddTool(mcp.NewTool("next_task",
		mcp.WithDescription("List the tasks that could be claimed right now."),
	), nextTaskHandler(sched))

	s.AddTool(mcp.NewTool("claim_task",
		mcp.WithDescription("Claim a task for execution. Without an id the first executable task is claimed."),
		mcp.WithNumber("id", mcp.Description("Task id")),
	), claimTaskHandler(sched))

	s.AddTool(mcp.NewTool("release_task",
		mcp.WithDescription("Finish a claimed task. Failed tasks become claimable again."),
		mcp.WithNumber("id", mcp.Description("Task id"), mcp.Required()),
		mcp.WithBoolean("failed", mcp.Description("Set when the work did not succeed")),
	), releaseTaskHandler(sched, opts.OnComplete))

	return s
}

// Serve starts the MCP server on stdio.
func Serve(s *server.MCPServer) error {
	return server.ServeStdio(s)
}

func listTasksHandler(sched *scheduler.Scheduler) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		filter := model.Status(mcp.ParseString(request, "status", ""))
		if filter != "" && !model.IsValidStatus(filter) {
			return mcp.NewToolResultError(fmt.Sprintf("unknown status %q", filter)), nil
		}

		doc, err := sched.Store().LoadPlan(ctx)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		tasks := doc.Tasks
		if filter != "" {
			tasks = doc.WithStatus(filter)
		}
		if tasks == nil {
			tasks = []*model.Task{}
		}
		return jsonResult(map[string]any{"tasks": tasks})
	}
}

func getTaskHandler(sched *scheduler.Scheduler) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, errRes := requireID(request)
		if errRes != nil {
			return errRes, nil
		}

		task, err := sched.Store().GetTask(ctx, id)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		resp := map[string]any{"task": task}
		if model.AtLeast(task.Status, model.StatusReady) {
			if detail, err := sched.Store().LoadDetail(ctx, id); err == nil {
				resp["detail"] = detail
			}
		}
		return jsonResult(resp)
	}
}

func createTaskHandler(sched *scheduler.Scheduler) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		deps, err := intSlice(request, "dependencies")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		task, err := sched.CreateTask(ctx, plan.NewTask{
			Title:        mcp.ParseString(request, "title", ""),
			Dependencies: deps,
		})
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(task)
	}
}

func setDependenciesHandler(sched *scheduler.Scheduler) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, errRes := requireID(request)
		if errRes != nil {
			return errRes, nil
		}
		deps, err := intSlice(request, "dependencies")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		task, err := sched.SetDependencies(ctx, id, deps)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(task)
	}
}

func planStatusHandler(sched *scheduler.Scheduler) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		doc, err := sched.Store().LoadPlan(ctx)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(status.Summarize(doc.Tasks, sched))
	}
}

func planNextHandler(sched *scheduler.Scheduler) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		task, err := sched.PlanNext(ctx)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(task)
	}
}

func finishPlanningHandler(sched *scheduler.Scheduler) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, errRes := requireID(request)
		if errRes != nil {
			return errRes, nil
		}
		files, err := stringSlice(request, "files")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		steps, err := stringSlice(request, "steps")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		task, err := sched.FinishPlanning(ctx, id, model.TaskDetail{
			Steps:        steps,
			FilesTouched: files,
			Notes:        mcp.ParseString(request, "notes", ""),
		})
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(task)
	}
}

func abandonPlanningHandler(sched *scheduler.Scheduler) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, errRes := requireID(request)
		if errRes != nil {
			return errRes, nil
		}
		task, err := sched.AbandonPlanning(ctx, id)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(task)
	}
}

func nextTaskHandler(sched *scheduler.Scheduler) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		doc, err := sched.Store().LoadPlan(ctx)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		tasks := sched.Executable(doc.Tasks)
		if tasks == nil {
			tasks = []*model.Task{}
		}
		return jsonResult(map[string]any{"tasks": tasks})
	}
}

func claimTaskHandler(sched *scheduler.Scheduler) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id := mcp.ParseInt(request, "id", 0)

		var task *model.Task
		var err error
		if id > 0 {
			task, err = sched.Claim(ctx, id)
		} else {
			task, err = sched.ClaimNext(ctx)
		}
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(task)
	}
}

func releaseTaskHandler(sched *scheduler.Scheduler, onComplete func(context.Context, *model.ChangeSummary) error) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, errRes := requireID(request)
		if errRes != nil {
			return errRes, nil
		}
		outcome := scheduler.Succeeded
		if mcp.ParseBoolean(request, "failed", false) {
			outcome = scheduler.Failed
		}

		res, err := sched.Release(ctx, id, outcome)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		resp := map[string]any{"task": res.Task}
		if res.Summary != nil {
			resp["summary"] = res.Summary
			if onComplete != nil {
				if err := onComplete(ctx, res.Summary); err != nil {
					resp["post_release_error"] = err.Error()
				}
			}
		}
		return jsonResult(resp)
	}
}

func requireID(request mcp.CallToolRequest) (int, *mcp.CallToolResult) {
	id := mcp.ParseInt(request, "id", 0)
	if id <= 0 {
		return 0, mcp.NewToolResultError("id must be a positive task id")
	}
	return id, nil
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func arrayArg(request mcp.CallToolRequest, key string) ([]any, error) {
	args, _ := request.Params.Arguments.(map[string]any)
	raw, ok := args[key]
	if !ok || raw == nil {
		return nil, nil
	}
	items, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("%s must be an array", key)
	}
	return items, nil
}

func intSlice(request mcp.CallToolRequest, key string) ([]int, error) {
	items, err := arrayArg(request, key)
	if err != nil {
		return nil, err
	}
	out := make([]int, 0, len(items))
	for _, item := range items {
		n, ok := item.(float64)
		if !ok || n != math.Trunc(n) {
			return nil, fmt.Errorf("%s must contain whole numbers, got %v", key, item)
		}
		out = append(out, int(n))
	}
	return out, nil
}

func stringSlice(request mcp.CallToolRequest, key string) ([]string, error) {
	items, err := arrayArg(request, key)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("%s must contain strings, got %v", key, item)
		}
		out = append(out, s)
	}
	return out, nil
}
