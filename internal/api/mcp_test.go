package api

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kalambet/leadscout/internal/credits"
	"github.com/kalambet/leadscout/internal/orchestrator"
	"github.com/kalambet/leadscout/internal/storage"
)

// --- helpers ---

func newTestMCPDeps(t *testing.T) (MCPDeps, *storage.Store) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	ledger := credits.NewLedger(store)
	orch := orchestrator.New(store, ledger, nil, nil)

	return MCPDeps{Orchestrator: orch, Store: store}, store
}

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("no content in result")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return tc.Text
}

func makeCallToolRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func makeReadResourceRequest(uri string) mcp.ReadResourceRequest {
	return mcp.ReadResourceRequest{
		Params: mcp.ReadResourceParams{
			URI: uri,
		},
	}
}

func queueJobViaMCP(t *testing.T, deps MCPDeps, searchType, query string) string {
	t.Helper()
	handler := mcpCreateSearchJob(deps)
	result, err := handler(context.Background(), makeCallToolRequest("create_search_job", map[string]interface{}{
		"search_type": searchType,
		"query":       query,
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected tool error: %s", toolText(t, result))
	}
	text := toolText(t, result)
	fields := strings.Fields(text)
	return fields[len(fields)-1]
}

// --- tests ---

func TestMCPTool_CreateSearchJob(t *testing.T) {
	deps, store := newTestMCPDeps(t)

	id := queueJobViaMCP(t, deps, "organization", "marketing agencies in Austin")

	job, err := store.GetJob(id)
	if err != nil {
		t.Fatalf("getting queued job: %v", err)
	}
	if job.Status != storage.StatusPending {
		t.Fatalf("expected pending job, got %s", job.Status)
	}
	if job.Source != "mcp" {
		t.Fatalf("expected source 'mcp', got %s", job.Source)
	}
}

func TestMCPTool_CreateSearchJob_InvalidType(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	handler := mcpCreateSearchJob(deps)

	result, err := handler(context.Background(), makeCallToolRequest("create_search_job", map[string]interface{}{
		"search_type": "telepathy",
		"query":       "anything",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected error result for unknown search type")
	}
}

func TestMCPTool_CreateSearchJob_MissingType(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	handler := mcpCreateSearchJob(deps)

	result, err := handler(context.Background(), makeCallToolRequest("create_search_job", map[string]interface{}{
		"query": "agencies",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected error result when search_type is missing")
	}
}

func TestMCPTool_GetSearchJob(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	id := queueJobViaMCP(t, deps, "organization", "agencies")

	handler := mcpGetSearchJob(deps)
	result, err := handler(context.Background(), makeCallToolRequest("get_search_job", map[string]interface{}{
		"id": id,
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected tool error: %s", toolText(t, result))
	}

	var view JobView
	if err := json.Unmarshal([]byte(toolText(t, result)), &view); err != nil {
		t.Fatalf("failed to parse job JSON: %v", err)
	}
	if view.ID != id || view.Status != "pending" {
		t.Fatalf("unexpected job view: %+v", view)
	}
}

func TestMCPTool_GetSearchJob_NotFound(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	handler := mcpGetSearchJob(deps)

	result, err := handler(context.Background(), makeCallToolRequest("get_search_job", map[string]interface{}{
		"id": "no-such-job",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected error result for unknown job")
	}
}

func TestMCPTool_ListSearchJobs(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	for i := 0; i < 3; i++ {
		queueJobViaMCP(t, deps, "organization", "agencies")
	}

	handler := mcpListSearchJobs(deps)
	result, err := handler(context.Background(), makeCallToolRequest("list_search_jobs", map[string]interface{}{
		"limit": 2,
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected tool error: %s", toolText(t, result))
	}

	var views []JobView
	if err := json.Unmarshal([]byte(toolText(t, result)), &views); err != nil {
		t.Fatalf("failed to parse jobs JSON: %v", err)
	}
	if len(views) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(views))
	}
}

func TestMCPTool_TerminateSearchJob(t *testing.T) {
	deps, store := newTestMCPDeps(t)
	id := queueJobViaMCP(t, deps, "organization", "agencies")

	handler := mcpTerminateSearchJob(deps)
	result, err := handler(context.Background(), makeCallToolRequest("terminate_search_job", map[string]interface{}{
		"id": id,
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected tool error: %s", toolText(t, result))
	}

	job, err := store.GetJob(id)
	if err != nil {
		t.Fatalf("getting job: %v", err)
	}
	if job.Status != storage.StatusTerminated {
		t.Fatalf("expected terminated job, got %s", job.Status)
	}

	// A settled job cannot be terminated again.
	result, err = handler(context.Background(), makeCallToolRequest("terminate_search_job", map[string]interface{}{
		"id": id,
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected error result for already-settled job")
	}
}

func TestMCPResource_RecentJobs(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	queueJobViaMCP(t, deps, "organization", "agencies")

	handler := mcpResourceRecentJobs(deps)
	contents, err := handler(context.Background(), makeReadResourceRequest("jobs://recent"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(contents) != 1 {
		t.Fatalf("expected 1 content, got %d", len(contents))
	}

	tc, ok := contents[0].(mcp.TextResourceContents)
	if !ok {
		t.Fatalf("expected TextResourceContents, got %T", contents[0])
	}

	var summaries []json.RawMessage
	if err := json.Unmarshal([]byte(tc.Text), &summaries); err != nil {
		t.Fatalf("failed to parse: %v", err)
	}
	if len(summaries) != 1 {
		t.Fatalf("expected 1 job summary, got %d", len(summaries))
	}
}
