package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/leadscout/internal/orchestrator"
	"github.com/kalambet/leadscout/internal/storage"
)

// mcpUserID scopes MCP-created jobs; the stdio transport is inherently
// single-user.
const mcpUserID int64 = defaultUserID

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Orchestrator *orchestrator.Orchestrator
	Store        *storage.Store
}

// NewMCPServer creates an MCP server exposing the job engine to agent
// clients: create/inspect/terminate search jobs, browse recent ones.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"leadscout",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("leadscout — asynchronous lead discovery and email search jobs."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("create_search_job",
			mcp.WithDescription("Queue an asynchronous search job. Returns the job id to poll with get_search_job."),
			mcp.WithString("search_type", mcp.Description("One of: organization, organization_people, email_enrichment, single_email, bulk_email, extension, individual"), mcp.Required()),
			mcp.WithString("query", mcp.Description("Discovery query, e.g. \"marketing agencies in Austin\"")),
			mcp.WithString("contact_id", mcp.Description("Contact id for single-contact search types")),
			mcp.WithNumber("priority", mcp.Description("Higher runs first (default 0)")),
		),
		mcpCreateSearchJob(deps),
	)

	s.AddTool(
		mcp.NewTool("get_search_job",
			mcp.WithDescription("Fetch a search job's status, progress, and accumulated results."),
			mcp.WithString("id", mcp.Description("Job id returned by create_search_job"), mcp.Required()),
		),
		mcpGetSearchJob(deps),
	)

	s.AddTool(
		mcp.NewTool("list_search_jobs",
			mcp.WithDescription("List recent search jobs, newest first."),
			mcp.WithNumber("limit", mcp.Description("Maximum number of jobs (default 10)")),
		),
		mcpListSearchJobs(deps),
	)

	s.AddTool(
		mcp.NewTool("terminate_search_job",
			mcp.WithDescription("Stop a pending or running search job. Partial results are kept."),
			mcp.WithString("id", mcp.Description("Job id"), mcp.Required()),
		),
		mcpTerminateSearchJob(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"jobs://recent",
			"Recent Search Jobs",
			mcp.WithResourceDescription("Last 10 search jobs with status and progress"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceRecentJobs(deps),
	)

	return s
}

func mcpCreateSearchJob(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		searchType, err := req.RequireString("search_type")
		if err != nil {
			return mcpError("search_type is required"), nil
		}

		params := orchestrator.CreateJobParams{
			UserID:     mcpUserID,
			SearchType: searchType,
			Query:      req.GetString("query", ""),
			Source:     "mcp",
			Priority:   req.GetInt("priority", 0),
		}
		if contactID := req.GetString("contact_id", ""); contactID != "" {
			params.Metadata = map[string]string{"contact_id": contactID}
		}

		id, err := deps.Orchestrator.CreateJob(params)
		if err != nil {
			return mcpError(fmt.Sprintf("could not create job: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Queued %s job %s", searchType, id)), nil
	}
}

func mcpGetSearchJob(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}

		job, err := deps.Orchestrator.GetJob(id, mcpUserID)
		if err != nil {
			return mcpError(fmt.Sprintf("job not found: %v", err)), nil
		}

		b, err := json.Marshal(viewJob(job))
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal job: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpListSearchJobs(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := req.GetInt("limit", 10)
		if limit <= 0 {
			limit = 10
		}
		if limit > 50 {
			limit = 50
		}

		jobs, err := deps.Orchestrator.ListJobs(mcpUserID, limit)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list jobs: %v", err)), nil
		}

		views := make([]JobView, len(jobs))
		for i, j := range jobs {
			views[i] = viewJob(j)
		}
		b, err := json.Marshal(views)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal jobs: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpTerminateSearchJob(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}

		ok, err := deps.Orchestrator.TerminateJob(id, mcpUserID)
		if err != nil {
			return mcpError(fmt.Sprintf("could not terminate job: %v", err)), nil
		}
		if !ok {
			return mcpError("job already finished"), nil
		}
		return mcpText(fmt.Sprintf("Terminated job %s", id)), nil
	}
}

func mcpResourceRecentJobs(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		jobs, err := deps.Orchestrator.ListJobs(mcpUserID, 10)
		if err != nil {
			return nil, fmt.Errorf("failed to list jobs: %w", err)
		}

		type jobSummary struct {
			ID         string `json:"id"`
			SearchType string `json:"search_type"`
			Status     string `json:"status"`
			Progress   string `json:"progress"`
			CreatedAt  string `json:"created_at"`
		}

		summaries := make([]jobSummary, len(jobs))
		for i, j := range jobs {
			summaries[i] = jobSummary{
				ID:         j.PublicID,
				SearchType: string(j.SearchType),
				Status:     string(j.Status),
				Progress:   fmt.Sprintf("%d/%d", j.Progress.Completed, j.Progress.Total),
				CreatedAt:  j.CreatedAt.Format(time.RFC3339),
			}
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal jobs: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
