package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/GalaxyXieyu/xhs-runner/internal/manager"
	"github.com/GalaxyXieyu/xhs-runner/pkg/models"
)

// Service is the task API exposed as MCP tools. *manager.Manager implements it.
type Service interface {
	Submit(ctx context.Context, payload models.SubmitPayload) (*models.SubmitResult, error)
	Status(ctx context.Context, taskID int64) (*models.TaskStatusView, error)
	Events(ctx context.Context, taskID int64, fromIndex int) ([]models.Event, error)
	List(ctx context.Context, filter models.TaskFilter) ([]*models.TaskStatusView, error)
	Respond(ctx context.Context, taskID int64, resp models.HitlResponse) (*manager.RespondResult, error)
	Delete(ctx context.Context, ids []int64) (int, error)
}

// NewServer creates a new MCP server.
func NewServer(svc Service, version string) *server.MCPServer {
	s := server.NewMCPServer("xhs-runner", version)

	s.AddTool(mcp.NewTool("submit_task",
		mcp.WithDescription("Submit a content generation task. Returns immediately with the task id; the workflow runs in the background."),
		mcp.WithString("message", mcp.Description("What to generate"), mcp.Required()),
		mcp.WithNumber("theme_id", mcp.Description("Theme the content belongs to"), mcp.Required()),
		mcp.WithBoolean("hitl_enabled", mcp.Description("Pause for human answers when the workflow asks for input")),
		mcp.WithArray("reference_assets", mcp.Description("Reference image asset ids"), mcp.WithStringItems()),
		mcp.WithString("provider_hint", mcp.Description("Preferred workflow or model provider")),
		mcp.WithNumber("source_task_id", mcp.Description("Task this one revises or continues")),
	), submitTaskHandler(svc))

	s.AddTool(mcp.NewTool("get_task_status",
		mcp.WithDescription("Get the current status, progress and pending question of a task."),
		mcp.WithNumber("task_id", mcp.Description("Task id"), mcp.Required()),
	), getTaskStatusHandler(svc))

	s.AddTool(mcp.NewTool("get_task_events",
		mcp.WithDescription("Get the stored events of a task in order."),
		mcp.WithNumber("task_id", mcp.Description("Task id"), mcp.Required()),
		mcp.WithNumber("from_index", mcp.Description("First event index to return (defaults to 0)")),
	), getTaskEventsHandler(svc))

	s.AddTool(mcp.NewTool("respond_to_task",
		mcp.WithDescription("Answer the question of a paused task and resume it."),
		mcp.WithNumber("task_id", mcp.Description("Task id"), mcp.Required()),
		mcp.WithString("action", mcp.Description("approve or reject"), mcp.Required(), mcp.Enum("approve", "reject")),
		mcp.WithArray("selected_ids", mcp.Description("Ids of the chosen options"), mcp.WithStringItems()),
		mcp.WithString("custom_input", mcp.Description("Free-text answer or feedback")),
		mcp.WithAny("modified_data", mcp.Description("Edited content to resume with, as an object or a JSON string")),
	), respondToTaskHandler(svc))

	s.AddTool(mcp.NewTool("list_tasks",
		mcp.WithDescription("List tasks, newest first, with optional filters."),
		mcp.WithString("status", mcp.Description("Filter by status (queued|running|paused|completed|failed)")),
		mcp.WithNumber("theme_id", mcp.Description("Filter by theme")),
		mcp.WithString("time_range", mcp.Description("Only tasks created in the last 7d or 30d"), mcp.Enum("7d", "30d", "all")),
		mcp.WithNumber("limit", mcp.Description("Page size (1-200, default 50)")),
		mcp.WithNumber("offset", mcp.Description("Page offset")),
	), listTasksHandler(svc))

	s.AddTool(mcp.NewTool("delete_tasks",
		mcp.WithDescription("Delete finished tasks and their event logs. Unfinished tasks are skipped."),
		mcp.WithArray("task_ids", mcp.Description("Task ids to delete"), mcp.Required(), mcp.WithNumberItems()),
	), deleteTasksHandler(svc))

	return s
}

// Serve starts the MCP server on stdio.
func Serve(s *server.MCPServer) error {
	return server.ServeStdio(s)
}

func submitTaskHandler(svc Service) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		payload := models.SubmitPayload{
			Message:         mcp.ParseString(request, "message", ""),
			ThemeID:         mcp.ParseInt64(request, "theme_id", 0),
			HitlEnabled:     mcp.ParseBoolean(request, "hitl_enabled", false),
			ReferenceAssets: stringList(request, "reference_assets"),
			ProviderHint:    mcp.ParseString(request, "provider_hint", ""),
		}
		if _, ok := request.GetArguments()["source_task_id"]; ok {
			source := mcp.ParseInt64(request, "source_task_id", 0)
			payload.SourceTaskID = &source
		}

		res, err := svc.Submit(ctx, payload)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(res)
	}
}

func getTaskStatusHandler(svc Service) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id := mcp.ParseInt64(request, "task_id", 0)

		view, err := svc.Status(ctx, id)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if view == nil {
			return mcp.NewToolResultError(fmt.Sprintf("Task %d not found", id)), nil
		}
		return jsonResult(view)
	}
}

func getTaskEventsHandler(svc Service) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id := mcp.ParseInt64(request, "task_id", 0)
		from := mcp.ParseInt(request, "from_index", 0)

		view, err := svc.Status(ctx, id)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if view == nil {
			return mcp.NewToolResultError(fmt.Sprintf("Task %d not found", id)), nil
		}

		events, err := svc.Events(ctx, id, from)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if events == nil {
			events = []models.Event{}
		}
		return jsonResult(map[string]any{"status": view.Status, "events": events})
	}
}

func respondToTaskHandler(svc Service) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id := mcp.ParseInt64(request, "task_id", 0)
		resp := models.HitlResponse{
			Action:      models.HitlAction(mcp.ParseString(request, "action", "")),
			SelectedIDs: stringList(request, "selected_ids"),
			CustomInput: mcp.ParseString(request, "custom_input", ""),
		}
		modified, err := jsonArg(request, "modified_data")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		resp.ModifiedData = modified

		res, err := svc.Respond(ctx, id, resp)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(res)
	}
}

func listTasksHandler(svc Service) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, _ := request.Params.Arguments.(map[string]any)

		var filter models.TaskFilter
		if s, ok := args["status"].(string); ok && s != "" {
			status := models.TaskStatus(s)
			filter.Status = &status
		}
		if _, ok := args["theme_id"]; ok {
			themeID := mcp.ParseInt64(request, "theme_id", 0)
			filter.ThemeID = &themeID
		}
		filter.TimeRange = mcp.ParseString(request, "time_range", "")
		filter.Limit = mcp.ParseInt(request, "limit", 0)
		filter.Offset = mcp.ParseInt(request, "offset", 0)

		views, err := svc.List(ctx, filter)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(map[string]any{"tasks": views})
	}
}

func deleteTasksHandler(svc Service) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, _ := request.Params.Arguments.(map[string]any)
		raw, _ := args["task_ids"].([]any)

		ids := make([]int64, 0, len(raw))
		for _, v := range raw {
			n, ok := v.(float64)
			if !ok {
				return mcp.NewToolResultError(fmt.Sprintf("invalid task id %v", v)), nil
			}
			ids = append(ids, int64(n))
		}

		deleted, err := svc.Delete(ctx, ids)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(map[string]any{"deleted": deleted})
	}
}

func stringList(request mcp.CallToolRequest, key string) []string {
	args, _ := request.Params.Arguments.(map[string]any)
	raw, _ := args[key].([]any)
	var out []string
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// jsonArg returns the argument as decoded JSON. Strings are parsed so
// clients that cannot send nested objects can still pass one.
func jsonArg(request mcp.CallToolRequest, key string) (any, error) {
	v, ok := request.GetArguments()[key]
	if !ok || v == nil {
		return nil, nil
	}
	s, isString := v.(string)
	if !isString {
		return v, nil
	}
	if s == "" {
		return nil, nil
	}
	var decoded any
	if err := json.Unmarshal([]byte(s), &decoded); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", key, err)
	}
	return decoded, nil
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
