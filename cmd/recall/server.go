package main

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

const recallServerInfo = `
This is a spaced repetition scheduler for coding interview problems.
When using this server, follow this review workflow:

1. PICK PHASE:
   - Call get_due_problem to fetch the single problem to review next
   - Show the title, difficulty and categories, then let the user solve it
   - Do not reveal solutions or hints unless asked

2. SOLVE PHASE:
   - Let the user work through the problem at their own pace
   - Answer clarifying questions about the problem statement only

3. RATING PHASE:
   - Ask how it went, or estimate from the conversation:
     * 0 (Again): could not solve it or needed the solution
     * 1 (Hard): solved it with significant struggle or hints
     * 2 (Good): solved it with some thought
     * 3 (Easy): solved it immediately
   - Call submit_review with the rating and tell the user when it comes back

4. SESSION PHASE:
   - A session holds 5 problems per day
   - When get_due_problem reports the session is complete, offer load_more
   - When nothing is due, suggest starting a new problem with start_problem
`

const (
	categoriesResourceURI = "recall://categories"
	statsResourceURI      = "recall://stats"
)

type toolHandler func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error)

// newMCPServer builds the MCP server with every tool and resource bound to svc.
func newMCPServer(svc *RecallService) *server.MCPServer {
	s := server.NewMCPServer(
		"Recall MCP",
		version,
		server.WithInstructions(recallServerInfo),
		server.WithResourceCapabilities(true, true),
		server.WithToolCapabilities(true),
		server.WithLogging(),
	)

	bind := func(h toolHandler) server.ToolHandlerFunc {
		return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return h(withService(ctx, svc), request)
		}
	}
	setArg := mcp.WithString("set",
		mcp.Description("Restrict to one problem set, e.g. neetcode150 or blind75"),
	)
	idArg := func(desc string) mcp.ToolOption {
		return mcp.WithNumber("problem_id", mcp.Required(), mcp.Description(desc))
	}

	s.AddTool(mcp.NewTool("list_problems",
		mcp.WithDescription(
			"List problems with their progress. Problems never reviewed come first, "+
				"then due problems. Use the filters to narrow the list."),
		mcp.WithArray("difficulties", mcp.Description("Keep only these difficulties: Easy, Medium, Hard")),
		mcp.WithString("category", mcp.Description("Keep only problems in this category")),
		mcp.WithString("status", mcp.Description("new, learning, reviewing or all")),
		mcp.WithString("search", mcp.Description("Substring match on the title")),
		mcp.WithBoolean("due_only", mcp.Description("Keep only problems due today")),
		setArg,
	), bind(handleListProblems))

	s.AddTool(mcp.NewTool("get_problem",
		mcp.WithDescription("Get one problem with its review history and the interval each rating would give."),
		idArg("The problem id"),
	), bind(handleGetProblem))

	s.AddTool(mcp.NewTool("get_due_queue",
		mcp.WithDescription(
			"List the problems due today, hardest first, limited to what today's "+
				"session still allows."),
		mcp.WithNumber("offset", mcp.Description("Skip this many due problems")),
		setArg,
	), bind(handleGetDueQueue))

	s.AddTool(mcp.NewTool("get_due_problem",
		mcp.WithDescription(
			"Get the next problem to review. "+
				"Returns no problem with a message when nothing is due or the session is complete."),
		setArg,
	), bind(handleGetDueProblem))

	s.AddTool(mcp.NewTool("get_due_count",
		mcp.WithDescription("Count the problems due today, ignoring the session limit."),
		setArg,
	), bind(handleGetDueCount))

	s.AddTool(mcp.NewTool("start_problem",
		mcp.WithDescription("Start learning a new problem so it enters the review rotation."),
		idArg("The problem to start"),
	), bind(handleStartProblem))

	s.AddTool(mcp.NewTool("submit_review",
		mcp.WithDescription(
			"Rate an attempt and reschedule the problem. "+
				"Rating: 0=Again, 1=Hard, 2=Good, 3=Easy."),
		idArg("The problem that was attempted"),
		mcp.WithNumber("quality",
			mcp.Required(),
			mcp.Description("Rating from 0-3: Again=0, Hard=1, Good=2, Easy=3. Other values are rounded and clamped into range"),
		),
	), bind(handleSubmitReview))

	s.AddTool(mcp.NewTool("load_more",
		mcp.WithDescription("Allow another 5 reviews today after the session is complete."),
		mcp.WithBoolean("reset", mcp.Description("Restart today's session instead")),
	), bind(handleLoadMore))

	s.AddTool(mcp.NewTool("get_stats",
		mcp.WithDescription("Summarise progress by difficulty and category with recent review history."),
		setArg,
	), bind(handleGetStats))

	s.AddTool(mcp.NewTool("list_categories",
		mcp.WithDescription("List every problem category."),
	), bind(handleListCategories))

	s.AddTool(mcp.NewTool("get_preference",
		mcp.WithDescription("Read a stored preference."),
		mcp.WithString("key", mcp.Required(), mcp.Description("Preference key")),
	), bind(handleGetPreference))

	s.AddTool(mcp.NewTool("set_preference",
		mcp.WithDescription("Store a preference, e.g. sync_enabled or sync_folder_path."),
		mcp.WithString("key", mcp.Required(), mcp.Description("Preference key")),
		mcp.WithString("value", mcp.Required(), mcp.Description("Preference value")),
	), bind(handleSetPreference))

	s.AddTool(mcp.NewTool("reset_all_progress",
		mcp.WithDescription(
			"Delete all progress and review history. "+
				"Confirm with the user before calling; this cannot be undone."),
		mcp.WithBoolean("confirm", mcp.Required(), mcp.Description("Must be true")),
	), bind(handleResetAllProgress))

	s.AddTool(mcp.NewTool("export_snapshot",
		mcp.WithDescription("Export reviewed progress and history as a sync snapshot."),
		mcp.WithString("path", mcp.Description("Write the snapshot to this file instead of returning it")),
	), bind(handleExportSnapshot))

	s.AddTool(mcp.NewTool("import_snapshot",
		mcp.WithDescription(
			"Import a sync snapshot. It replaces local progress only when it is "+
				"newer than the most recent local review."),
		mcp.WithString("snapshot", mcp.Description("The snapshot JSON document")),
		mcp.WithString("path", mcp.Description("Read the snapshot from this file")),
	), bind(handleImportSnapshot))

	s.AddTool(mcp.NewTool("check_auto_import",
		mcp.WithDescription("Check whether the snapshot in the sync folder is newer than local progress."),
		mcp.WithString("folder", mcp.Description("Sync folder; defaults to the sync_folder_path preference")),
	), bind(handleCheckAutoImport))

	s.AddTool(mcp.NewTool("perform_auto_export",
		mcp.WithDescription("Write a snapshot into the sync folder."),
		mcp.WithString("folder", mcp.Description("Sync folder; defaults to the sync_folder_path preference")),
	), bind(handlePerformAutoExport))

	s.AddTool(mcp.NewTool("update_note",
		mcp.WithDescription("Replace the personal note on a problem."),
		idArg("The problem to annotate"),
		mcp.WithString("content", mcp.Required(), mcp.Description("Note text")),
	), bind(handleUpdateNote))

	s.AddResource(mcp.NewResource(categoriesResourceURI, "Problem categories",
		mcp.WithResourceDescription("Categories with problem and due counts"),
		mcp.WithMIMEType("application/json"),
	), func(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		return handleCategoriesResource(withService(ctx, svc), request)
	})
	s.AddResource(mcp.NewResource(statsResourceURI, "Progress stats",
		mcp.WithResourceDescription("Overall progress summary"),
		mcp.WithMIMEType("application/json"),
	), func(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		return handleStatsResource(withService(ctx, svc), request)
	})

	return s
}
