package cmd

import (
	"context"
	"encoding/json"
	"fmt"

	"recall/internal/service"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the memory tools to a host CLI over stdio",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	svc, err := openService()
	if err != nil {
		return fmt.Errorf("open service: %w", err)
	}
	defer svc.Close()

	s := mcpserver.NewMCPServer("recall", "1.0.0", mcpserver.WithToolCapabilities(false))

	s.AddTool(searchTool(), makeSearchHandler(svc))
	s.AddTool(getTool(), makeGetHandler(svc))
	s.AddTool(statusTool(), makeStatusHandler(svc))
	s.AddTool(writeTool(), makeWriteHandler(svc))
	s.AddTool(updateTool(), makeUpdateHandler(svc))
	s.AddTool(forgetTool(), makeForgetHandler(svc))

	return mcpserver.ServeStdio(s)
}

// --- Tool schema builders ---

var readOnlyAnnotation = mcp.ToolAnnotation{
	ReadOnlyHint:    mcp.ToBoolPtr(true),
	DestructiveHint: mcp.ToBoolPtr(false),
	IdempotentHint:  mcp.ToBoolPtr(true),
	OpenWorldHint:   mcp.ToBoolPtr(false),
}

var mutatingAnnotation = mcp.ToolAnnotation{
	ReadOnlyHint:    mcp.ToBoolPtr(false),
	DestructiveHint: mcp.ToBoolPtr(true),
	IdempotentHint:  mcp.ToBoolPtr(false),
	OpenWorldHint:   mcp.ToBoolPtr(false),
}

func searchTool() mcp.Tool {
	return mcp.NewTool("memory_search",
		mcp.WithDescription("Search memory notes and session transcripts with hybrid keyword + semantic retrieval."),
		mcp.WithToolAnnotation(readOnlyAnnotation),
		mcp.WithString("query",
			mcp.Required(),
			mcp.Description("Natural language or keyword query"),
		),
		mcp.WithNumber("maxResults",
			mcp.Description("Maximum number of results (default derived from tokenMax)"),
		),
		mcp.WithNumber("minScore",
			mcp.Description("Minimum relevance score 0-1 (default 0.01)"),
		),
		mcp.WithNumber("tokenMax",
			mcp.Description("Token budget for the whole response (default 4096)"),
		),
		mcp.WithString("after",
			mcp.Description("Only files modified at or after this ISO-8601 time"),
		),
		mcp.WithString("before",
			mcp.Description("Only files modified at or before this ISO-8601 time"),
		),
	)
}

func getTool() mcp.Tool {
	return mcp.NewTool("memory_get",
		mcp.WithDescription("Read a memory file (or a line range of it) by workspace-relative path."),
		mcp.WithToolAnnotation(readOnlyAnnotation),
		mcp.WithString("path",
			mcp.Required(),
			mcp.Description("Workspace-relative path, e.g. MEMORY.md or memory/general.md"),
		),
		mcp.WithNumber("from",
			mcp.Description("First line to read (1-based)"),
		),
		mcp.WithNumber("lines",
			mcp.Description("Number of lines to read"),
		),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("memory_status",
		mcp.WithDescription("Report index health: file, chunk, and embedding counts plus warnings."),
		mcp.WithToolAnnotation(readOnlyAnnotation),
	)
}

func writeTool() mcp.Tool {
	return mcp.NewTool("memory_write",
		mcp.WithDescription("Store a fact in the memory ledger, with duplicate detection and optional evidence."),
		mcp.WithToolAnnotation(mutatingAnnotation),
		mcp.WithString("content",
			mcp.Required(),
			mcp.Description("The fact to remember"),
		),
		mcp.WithString("category",
			mcp.Description("Ledger category (default general)"),
		),
		mcp.WithString("source",
			mcp.Description("Where the fact came from"),
		),
		mcp.WithString("evidence",
			mcp.Description("Supporting evidence stored alongside the fact"),
		),
	)
}

func updateTool() mcp.Tool {
	return mcp.NewTool("memory_update",
		mcp.WithDescription("Replace an existing fact with new content in place."),
		mcp.WithToolAnnotation(mutatingAnnotation),
		mcp.WithString("old_content",
			mcp.Required(),
			mcp.Description("Content identifying the entry to replace"),
		),
		mcp.WithString("new_content",
			mcp.Required(),
			mcp.Description("The replacement fact"),
		),
		mcp.WithString("category",
			mcp.Description("Restrict the lookup to one category"),
		),
		mcp.WithString("source",
			mcp.Description("New source attribution"),
		),
		mcp.WithString("evidence",
			mcp.Description("New supporting evidence"),
		),
	)
}

func forgetTool() mcp.Tool {
	return mcp.NewTool("memory_forget",
		mcp.WithDescription("Remove a fact from the memory ledger."),
		mcp.WithToolAnnotation(mutatingAnnotation),
		mcp.WithString("content",
			mcp.Required(),
			mcp.Description("Content identifying the entry to remove"),
		),
		mcp.WithString("category",
			mcp.Description("Restrict the lookup to one category"),
		),
	)
}

// --- Handler factories ---

func makeSearchHandler(svc *service.Service) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query := req.GetString("query", "")
		if query == "" {
			return mcp.NewToolResultError("query is required"), nil
		}

		sreq := service.SearchRequest{
			Query:      query,
			MaxResults: req.GetInt("maxResults", 0),
			TokenMax:   req.GetInt("tokenMax", 0),
			After:      req.GetString("after", ""),
			Before:     req.GetString("before", ""),
		}
		if ms := req.GetFloat("minScore", -1); ms >= 0 {
			sreq.MinScore = &ms
		}

		resp, err := svc.Search(ctx, sreq)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("search failed: %v", err)), nil
		}
		return jsonResult(resp)
	}
}

func makeGetHandler(svc *service.Service) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		path := req.GetString("path", "")
		if path == "" {
			return mcp.NewToolResultError("path is required"), nil
		}
		res := svc.Get(path, req.GetInt("from", 0), req.GetInt("lines", 0))
		if res.Error != "" {
			return mcp.NewToolResultError(res.Error), nil
		}
		return jsonResult(res)
	}
}

func makeStatusHandler(svc *service.Service) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		resp, err := svc.Status(ctx)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("status failed: %v", err)), nil
		}
		return jsonResult(resp)
	}
}

func makeWriteHandler(svc *service.Service) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		content := req.GetString("content", "")
		if content == "" {
			return mcp.NewToolResultError("content is required"), nil
		}
		res, err := svc.Write(ctx,
			content,
			req.GetString("category", ""),
			req.GetString("source", ""),
			req.GetString("evidence", ""),
		)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("write failed: %v", err)), nil
		}
		return jsonResult(res)
	}
}

func makeUpdateHandler(svc *service.Service) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		oldContent := req.GetString("old_content", "")
		newContent := req.GetString("new_content", "")
		if oldContent == "" || newContent == "" {
			return mcp.NewToolResultError("old_content and new_content are required"), nil
		}
		res, err := svc.Update(ctx,
			oldContent,
			newContent,
			req.GetString("category", ""),
			req.GetString("source", ""),
			req.GetString("evidence", ""),
		)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("update failed: %v", err)), nil
		}
		return jsonResult(res)
	}
}

func makeForgetHandler(svc *service.Service) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		content := req.GetString("content", "")
		if content == "" {
			return mcp.NewToolResultError("content is required"), nil
		}
		res, err := svc.Forget(ctx, content, req.GetString("category", ""))
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("forget failed: %v", err)), nil
		}
		return jsonResult(res)
	}
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("encode result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
