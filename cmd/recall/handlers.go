package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/danieldreier/mcp-recall/internal/queue"
	"github.com/danieldreier/mcp-recall/internal/snapshot"
	"github.com/danieldreier/mcp-recall/internal/storage"
	"github.com/mark3labs/mcp-go/mcp"
)

type serviceKey struct{}

// withService attaches the service the tool handlers run against.
func withService(ctx context.Context, s *RecallService) context.Context {
	return context.WithValue(ctx, serviceKey{}, s)
}

func serviceFrom(ctx context.Context) (*RecallService, bool) {
	s, ok := ctx.Value(serviceKey{}).(*RecallService)
	return s, ok && s != nil
}

var errServiceUnavailable = mcp.NewToolResultText(`{"error": "Service not available"}`)

func jsonResult(v any) (*mcp.CallToolResult, error) {
	jsonBytes, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

func errorResult(format string, args ...any) (*mcp.CallToolResult, error) {
	return jsonResult(map[string]string{"error": fmt.Sprintf(format, args...)})
}

// problemIDArg reads a required positive problem id.
func problemIDArg(request mcp.CallToolRequest) (int64, bool) {
	idFloat, ok := request.Params.Arguments["problem_id"].(float64)
	if !ok || idFloat < 1 || idFloat != float64(int64(idFloat)) {
		return 0, false
	}
	return int64(idFloat), true
}

func stringArg(request mcp.CallToolRequest, name string) string {
	v, _ := request.Params.Arguments[name].(string)
	return v
}

func stringsArg(request mcp.CallToolRequest, name string) []string {
	var out []string
	if values, ok := request.Params.Arguments[name].([]interface{}); ok {
		for _, v := range values {
			if str, ok := v.(string); ok && str != "" {
				out = append(out, str)
			}
		}
	}
	return out
}

// handleListProblems handles the list_problems tool request, applying the
// optional difficulty, category, status, search, set and due filters.
func handleListProblems(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	s, ok := serviceFrom(ctx)
	if !ok {
		return errServiceUnavailable, nil
	}

	filter := storage.Filter{
		Difficulties: stringsArg(request, "difficulties"),
		Category:     stringArg(request, "category"),
		Status:       stringArg(request, "status"),
		Search:       stringArg(request, "search"),
		Set:          stringArg(request, "set"),
	}
	filter.DueOnly, _ = request.Params.Arguments["due_only"].(bool)

	problems, err := s.ListProblems(ctx, filter)
	if err != nil {
		return errorResult("Error listing problems: %v", err)
	}
	return jsonResult(map[string]any{"problems": problems, "count": len(problems)})
}

// handleGetProblem handles the get_problem tool request.
func handleGetProblem(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, ok := problemIDArg(request)
	if !ok {
		return mcp.NewToolResultText("Missing required parameter: problem_id"), nil
	}
	s, ok := serviceFrom(ctx)
	if !ok {
		return errServiceUnavailable, nil
	}

	detail, err := s.GetProblem(ctx, id)
	if err != nil {
		return errorResult("Error getting problem: %v", err)
	}
	return jsonResult(map[string]any{"problem": detail})
}

// handleGetDueQueue handles the get_due_queue tool request, returning the
// window of due problems today's session still allows.
func handleGetDueQueue(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	s, ok := serviceFrom(ctx)
	if !ok {
		return errServiceUnavailable, nil
	}
	offset := 0
	if offsetFloat, ok := request.Params.Arguments["offset"].(float64); ok && offsetFloat > 0 {
		offset = int(offsetFloat)
	}

	resp, err := s.GetDueQueue(ctx, stringArg(request, "set"), offset)
	if err != nil {
		return errorResult("Error getting due queue: %v", err)
	}
	return jsonResult(resp)
}

// handleGetDueProblem handles the get_due_problem tool request. Exactly one
// problem is handed out at a time.
func handleGetDueProblem(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	s, ok := serviceFrom(ctx)
	if !ok {
		return errServiceUnavailable, nil
	}
	resp, err := s.GetDueProblem(ctx, stringArg(request, "set"))
	if err != nil {
		return errorResult("Error getting due problem: %v", err)
	}
	return jsonResult(resp)
}

// handleGetDueCount handles the get_due_count tool request.
func handleGetDueCount(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	s, ok := serviceFrom(ctx)
	if !ok {
		return errServiceUnavailable, nil
	}
	n, err := s.GetDueCount(ctx, stringArg(request, "set"))
	if err != nil {
		return errorResult("Error counting due problems: %v", err)
	}
	return jsonResult(map[string]int{"due_count": n})
}

// handleStartProblem handles the start_problem tool request.
func handleStartProblem(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, ok := problemIDArg(request)
	if !ok {
		return mcp.NewToolResultText("Missing required parameter: problem_id"), nil
	}
	s, ok := serviceFrom(ctx)
	if !ok {
		return errServiceUnavailable, nil
	}

	if err := s.StartProblem(ctx, id); err != nil {
		if errors.Is(err, storage.ErrProblemNotFound) {
			return errorResult("Problem %d not found", id)
		}
		return errorResult("Error starting problem: %v", err)
	}
	return jsonResult(StatusResponse{Success: true, Message: fmt.Sprintf("Problem %d started", id)})
}

// handleSubmitReview handles the submit_review tool request by rating a
// problem 0-3 (Again, Hard, Good, Easy) and rescheduling it. Out-of-range
// ratings are rounded and clamped rather than rejected.
func handleSubmitReview(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, ok := problemIDArg(request)
	if !ok {
		return mcp.NewToolResultText("Missing required parameter: problem_id"), nil
	}
	quality, ok := request.Params.Arguments["quality"].(float64)
	if !ok {
		return mcp.NewToolResultText("Missing required parameter: quality"), nil
	}
	s, ok := serviceFrom(ctx)
	if !ok {
		return errServiceUnavailable, nil
	}

	resp, err := s.SubmitReview(ctx, id, quality)
	if err != nil {
		if errors.Is(err, storage.ErrProblemNotFound) {
			return errorResult("Problem %d not found", id)
		}
		return errorResult("Error submitting review: %v", err)
	}
	return jsonResult(resp)
}

// handleLoadMore handles the load_more tool request. With reset set it
// restarts today's session instead.
func handleLoadMore(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	s, ok := serviceFrom(ctx)
	if !ok {
		return errServiceUnavailable, nil
	}
	var (
		session SessionInfo
		err     error
	)
	if reset, _ := request.Params.Arguments["reset"].(bool); reset {
		session, err = s.ResetSession(ctx)
	} else {
		session, err = s.LoadMore(ctx)
	}
	if err != nil {
		return errorResult("Error updating session: %v", err)
	}
	return jsonResult(map[string]any{"session": session})
}

// handleGetStats handles the get_stats tool request.
func handleGetStats(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	s, ok := serviceFrom(ctx)
	if !ok {
		return errServiceUnavailable, nil
	}
	stats, err := s.GetStats(ctx, stringArg(request, "set"))
	if err != nil {
		return errorResult("Error computing stats: %v", err)
	}
	return jsonResult(stats)
}

// handleListCategories handles the list_categories tool request.
func handleListCategories(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	s, ok := serviceFrom(ctx)
	if !ok {
		return errServiceUnavailable, nil
	}
	categories, err := s.ListCategories(ctx)
	if err != nil {
		return errorResult("Error listing categories: %v", err)
	}
	return jsonResult(map[string]any{"categories": categories})
}

// handleGetPreference handles the get_preference tool request.
func handleGetPreference(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	key := stringArg(request, "key")
	if key == "" {
		return mcp.NewToolResultText("Missing required parameter: key"), nil
	}
	s, ok := serviceFrom(ctx)
	if !ok {
		return errServiceUnavailable, nil
	}
	v, err := s.GetPreference(ctx, key)
	if err != nil {
		return errorResult("Error reading preference: %v", err)
	}
	return jsonResult(PreferenceResponse{Key: key, Value: v})
}

// handleSetPreference handles the set_preference tool request.
func handleSetPreference(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	key := stringArg(request, "key")
	if key == "" {
		return mcp.NewToolResultText("Missing required parameter: key"), nil
	}
	value, ok := request.Params.Arguments["value"].(string)
	if !ok {
		return mcp.NewToolResultText("Missing required parameter: value"), nil
	}
	s, ok := serviceFrom(ctx)
	if !ok {
		return errServiceUnavailable, nil
	}
	if err := s.SetPreference(ctx, key, value); err != nil {
		return errorResult("Error writing preference: %v", err)
	}
	return jsonResult(StatusResponse{Success: true, Message: fmt.Sprintf("Preference %s updated", key)})
}

// handleResetAllProgress handles the reset_all_progress tool request. The
// confirm flag must be set so a stray call cannot wipe history.
func handleResetAllProgress(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if confirm, _ := request.Params.Arguments["confirm"].(bool); !confirm {
		return mcp.NewToolResultText("Set confirm to true to delete all progress"), nil
	}
	s, ok := serviceFrom(ctx)
	if !ok {
		return errServiceUnavailable, nil
	}
	if err := s.ResetAllProgress(ctx); err != nil {
		return errorResult("Error resetting progress: %v", err)
	}
	return jsonResult(StatusResponse{Success: true, Message: "All progress and review history deleted"})
}

// handleExportSnapshot handles the export_snapshot tool request.
func handleExportSnapshot(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	s, ok := serviceFrom(ctx)
	if !ok {
		return errServiceUnavailable, nil
	}
	snap, err := s.ExportSnapshot(ctx)
	if err != nil {
		return errorResult("Error exporting snapshot: %v", err)
	}
	if path := stringArg(request, "path"); path != "" {
		if err := snapshot.WriteFile(path, snap); err != nil {
			return errorResult("Error writing snapshot: %v", err)
		}
		return jsonResult(map[string]any{"success": true, "path": path, "exported_count": len(snap.Progress)})
	}
	return jsonResult(snap)
}

// handleImportSnapshot handles the import_snapshot tool request. The
// snapshot is given inline as a JSON document or as a file path.
func handleImportSnapshot(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	s, ok := serviceFrom(ctx)
	if !ok {
		return errServiceUnavailable, nil
	}

	var (
		snap *snapshot.Snapshot
		err  error
	)
	switch doc, path := stringArg(request, "snapshot"), stringArg(request, "path"); {
	case doc != "":
		snap, err = snapshot.Decode(strings.NewReader(doc))
	case path != "":
		snap, err = snapshot.ReadFile(path)
	default:
		return mcp.NewToolResultText("Missing required parameter: snapshot or path"), nil
	}
	if err != nil {
		return errorResult("Error reading snapshot: %v", err)
	}

	resp, err := s.ImportSnapshot(ctx, snap)
	if err != nil {
		return errorResult("Error importing snapshot: %v", err)
	}
	return jsonResult(resp)
}

// handleCheckAutoImport handles the check_auto_import tool request.
func handleCheckAutoImport(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	s, ok := serviceFrom(ctx)
	if !ok {
		return errServiceUnavailable, nil
	}
	decision, err := s.CheckAutoImport(ctx, stringArg(request, "folder"))
	if err != nil {
		return errorResult("Error checking sync folder: %v", err)
	}
	return jsonResult(decision)
}

// handlePerformAutoExport handles the perform_auto_export tool request.
func handlePerformAutoExport(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	s, ok := serviceFrom(ctx)
	if !ok {
		return errServiceUnavailable, nil
	}
	result, err := s.PerformAutoExport(ctx, stringArg(request, "folder"))
	if err != nil {
		return errorResult("Error exporting to sync folder: %v", err)
	}
	return jsonResult(result)
}

// handleUpdateNote handles the update_note tool request.
func handleUpdateNote(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, ok := problemIDArg(request)
	if !ok {
		return mcp.NewToolResultText("Missing required parameter: problem_id"), nil
	}
	content, ok := request.Params.Arguments["content"].(string)
	if !ok {
		return mcp.NewToolResultText("Missing required parameter: content"), nil
	}
	s, ok := serviceFrom(ctx)
	if !ok {
		return errServiceUnavailable, nil
	}
	if err := s.UpdateNote(ctx, id, content); err != nil {
		if errors.Is(err, storage.ErrProblemNotFound) {
			return errorResult("Problem %d not found", id)
		}
		return errorResult("Error updating note: %v", err)
	}
	return jsonResult(StatusResponse{Success: true, Message: fmt.Sprintf("Note saved for problem %d", id)})
}

// CategoryInfo is one entry of the categories resource.
type CategoryInfo struct {
	Category     string `json:"category"`
	ProblemCount int    `json:"problem_count"`
	DueCount     int    `json:"due_count"`
}

func jsonResource(uri string, v any) ([]mcp.ResourceContents, error) {
	jsonBytes, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("error marshaling %s: %w", uri, err)
	}
	return []mcp.ResourceContents{mcp.TextResourceContents{
		URI:      uri,
		MIMEType: "application/json",
		Text:     string(jsonBytes),
	}}, nil
}

// handleCategoriesResource lists every category with how many problems it
// holds and how many of those are due, so a client knows what to filter on.
func handleCategoriesResource(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	s, ok := serviceFrom(ctx)
	if !ok {
		return nil, fmt.Errorf("service not available")
	}

	problems, err := s.ListProblems(ctx, storage.Filter{})
	if err != nil {
		return nil, err
	}
	now := timeNow()
	counts := make(map[string]*CategoryInfo)
	var order []string
	for _, p := range problems {
		item := queue.Item{Status: p.Progress.Status, NextReviewDate: p.Progress.NextReviewDate}
		due := queue.IsDue(item, now)
		for _, c := range p.Categories {
			info, ok := counts[c]
			if !ok {
				info = &CategoryInfo{Category: c}
				counts[c] = info
				order = append(order, c)
			}
			info.ProblemCount++
			if due {
				info.DueCount++
			}
		}
	}
	sort.Strings(order)

	categories := make([]CategoryInfo, 0, len(order))
	for _, c := range order {
		categories = append(categories, *counts[c])
	}
	return jsonResource(categoriesResourceURI, categories)
}

// handleStatsResource exposes the same summary as get_stats.
func handleStatsResource(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	s, ok := serviceFrom(ctx)
	if !ok {
		return nil, fmt.Errorf("service not available")
	}
	stats, err := s.GetStats(ctx, "")
	if err != nil {
		return nil, err
	}
	return jsonResource(statsResourceURI, stats)
}
