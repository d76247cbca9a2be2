// Package mcpserver registers MCP tools that expose the offline case
// cache. It adapts the store, search, and drafts packages to the MCP
// SDK's tool handler interface.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/casetrack/field-sync/internal/drafts"
	"github.com/casetrack/field-sync/internal/search"
	"github.com/casetrack/field-sync/internal/store"
	"github.com/casetrack/field-sync/internal/syncer"
)

const (
	// defaultListLimit bounds case_list output when the caller does not.
	defaultListLimit = 50

	// recentConflictCount is how many journal entries sync_status reports.
	recentConflictCount = 5
)

// CaseStore is the slice of the offline store the tools read.
type CaseStore interface {
	GetCase(id string) (*store.CaseRecord, error)
	AllCases() ([]store.CaseRecord, error)
	PendingForCase(caseID string) ([]store.PendingMutation, error)
	QueueLen() int
	CaseCount() int
	SyncState() (store.SyncState, error)
	RecentConflicts(limit int) ([]store.ConflictEntry, error)
}

// Deps carries what the tools read and the one spool they write.
type Deps struct {
	Store    CaseStore
	Searcher *search.Searcher

	// SpoolDir is where draft_create places files. Empty disables the
	// tool, leaving a read-only surface.
	SpoolDir string

	// Live reports engine state when the tools run inside the sync
	// daemon. The standalone binary leaves it nil and sync_status falls
	// back to the persisted snapshot.
	Live func() syncer.Status
}

// RegisterTools adds all case tools to the given MCP server.
func RegisterTools(server *mcp.Server, deps Deps) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "case_search",
		Description: "Search cached cases by case number, title, assignee, status, or summary content. Case-insensitive, returns matches with context snippets.",
	}, searchHandler(deps))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "case_get",
		Description: "Fetch one cached case by ID, including any locally queued changes the server has not accepted yet.",
	}, getHandler(deps))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "case_list",
		Description: "List cached cases, optionally filtered by status and assignee. Returns summaries ordered by case number.",
	}, listHandler(deps))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "sync_status",
		Description: "Report the synchronization snapshot: watermark, last sync time and outcome, staleness, outbound queue depth, and recent merge conflicts.",
	}, statusHandler(deps))

	if deps.SpoolDir != "" {
		mcp.AddTool(server, &mcp.Tool{
			Name:        "draft_create",
			Description: "Write a case draft into the outbound spool: a status change, a priority change, or a free-text note. Drafts are queued for the server; they never edit cached fields directly.",
		}, draftHandler(deps))
	}
}

// --- Input types ---
// The MCP SDK infers JSON schema from these struct types via jsonschema tags.

// SearchInput holds parameters for case_search.
type SearchInput struct {
	Query      string `json:"query" jsonschema:"required,search query"`
	MaxResults int    `json:"max_results,omitempty" jsonschema:"maximum number of results, defaults to 20"`
}

// GetInput holds parameters for case_get.
type GetInput struct {
	CaseID string `json:"case_id" jsonschema:"required,case ID"`
}

// ListInput holds parameters for case_list.
type ListInput struct {
	Status     string `json:"status,omitempty" jsonschema:"only cases with this exact status"`
	AssignedTo string `json:"assigned_to,omitempty" jsonschema:"only cases assigned to this agent"`
	Limit      int    `json:"limit,omitempty" jsonschema:"maximum number of cases, defaults to 50"`
}

// StatusInput has no parameters.
type StatusInput struct{}

// DraftInput holds parameters for draft_create.
type DraftInput struct {
	CaseID   string `json:"case_id" jsonschema:"required,target case ID"`
	Status   string `json:"status,omitempty" jsonschema:"new status for a status change draft"`
	Priority string `json:"priority,omitempty" jsonschema:"new priority for a priority change draft"`
	Note     string `json:"note,omitempty" jsonschema:"free-text note body"`
}

// --- Output types ---

// CaseResult is the case_get output: the cached record plus whatever
// the outbound queue still holds for it.
type CaseResult struct {
	Case   store.CaseRecord        `json:"case"`
	Queued []store.PendingMutation `json:"queued,omitempty"`
}

// CaseSummary is one case_list row.
type CaseSummary struct {
	ID              string `json:"id"`
	CaseNumber      string `json:"caseNumber"`
	Title           string `json:"title"`
	Status          string `json:"status"`
	Priority        string `json:"priority"`
	AssignedTo      string `json:"assignedTo"`
	ServerUpdatedAt int64  `json:"serverUpdatedAt"`
	PendingLocal    bool   `json:"pendingLocal,omitempty"`
}

// ListResult is the case_list output. Total counts every case matching
// the filter, before the limit.
type ListResult struct {
	Total int           `json:"total"`
	Cases []CaseSummary `json:"cases"`
}

// StatusResult is the sync_status output.
type StatusResult struct {
	Watermark           int64                 `json:"watermark"`
	LastSyncAt          int64                 `json:"lastSyncAt"`
	LastOutcome         string                `json:"lastOutcome,omitempty"`
	ConsecutiveFailures int                   `json:"consecutiveFailures"`
	Stale               bool                  `json:"stale"`
	InFlight            bool                  `json:"inFlight"`
	QueueDepth          int                   `json:"queueDepth"`
	CachedCases         int                   `json:"cachedCases"`
	RecentConflicts     []store.ConflictEntry `json:"recentConflicts,omitempty"`
}

// DraftResult is the draft_create output.
type DraftResult struct {
	Path   string `json:"path"`
	CaseID string `json:"caseId"`
	Kind   string `json:"kind"`
}

// --- Handlers ---

func searchHandler(deps Deps) mcp.ToolHandlerFor[SearchInput, *search.Result] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input SearchInput) (*mcp.CallToolResult, *search.Result, error) {
		result, err := deps.Searcher.Search(input.Query, input.MaxResults)
		if err != nil {
			return nil, nil, err
		}
		return textResult(result), result, nil
	}
}

func getHandler(deps Deps) mcp.ToolHandlerFor[GetInput, *CaseResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input GetInput) (*mcp.CallToolResult, *CaseResult, error) {
		rec, err := deps.Store.GetCase(input.CaseID)
		if err != nil {
			return nil, nil, err
		}
		if rec == nil {
			return nil, nil, fmt.Errorf("case %s is not in the offline cache", input.CaseID)
		}

		result := &CaseResult{Case: *rec}

		if rec.PendingLocalMutation {
			queued, err := deps.Store.PendingForCase(input.CaseID)
			if err != nil {
				return nil, nil, err
			}
			result.Queued = queued
		}

		return textResult(result), result, nil
	}
}

func listHandler(deps Deps) mcp.ToolHandlerFor[ListInput, *ListResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input ListInput) (*mcp.CallToolResult, *ListResult, error) {
		cases, err := deps.Store.AllCases()
		if err != nil {
			return nil, nil, err
		}

		sort.Slice(cases, func(i, j int) bool {
			return cases[i].CaseNumber < cases[j].CaseNumber
		})

		limit := input.Limit
		if limit <= 0 {
			limit = defaultListLimit
		}

		result := &ListResult{Cases: []CaseSummary{}}

		for i := range cases {
			c := &cases[i]
			if input.Status != "" && !strings.EqualFold(c.Status, input.Status) {
				continue
			}
			if input.AssignedTo != "" && !strings.EqualFold(c.AssignedTo, input.AssignedTo) {
				continue
			}

			result.Total++
			if len(result.Cases) < limit {
				result.Cases = append(result.Cases, CaseSummary{
					ID:              c.ID,
					CaseNumber:      c.CaseNumber,
					Title:           c.Title,
					Status:          c.Status,
					Priority:        c.Priority,
					AssignedTo:      c.AssignedTo,
					ServerUpdatedAt: c.ServerUpdatedAt,
					PendingLocal:    c.PendingLocalMutation,
				})
			}
		}

		return textResult(result), result, nil
	}
}

func statusHandler(deps Deps) mcp.ToolHandlerFor[StatusInput, *StatusResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ StatusInput) (*mcp.CallToolResult, *StatusResult, error) {
		result := &StatusResult{
			QueueDepth:  deps.Store.QueueLen(),
			CachedCases: deps.Store.CaseCount(),
		}

		if deps.Live != nil {
			st := deps.Live()
			result.Watermark = st.Watermark
			result.LastSyncAt = st.LastSyncAt
			result.LastOutcome = st.LastOutcome
			result.ConsecutiveFailures = st.ConsecutiveFailures
			result.Stale = st.Stale
			result.InFlight = st.InFlight
		} else {
			st, err := deps.Store.SyncState()
			if err != nil {
				return nil, nil, fmt.Errorf("reading sync state: %w", err)
			}
			result.Watermark = st.Watermark
			result.LastSyncAt = st.LastSyncAt
			result.LastOutcome = st.LastOutcome
		}

		conflicts, err := deps.Store.RecentConflicts(recentConflictCount)
		if err != nil {
			return nil, nil, fmt.Errorf("reading conflict journal: %w", err)
		}
		result.RecentConflicts = conflicts

		return textResult(result), result, nil
	}
}

func draftHandler(deps Deps) mcp.ToolHandlerFor[DraftInput, *DraftResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input DraftInput) (*mcp.CallToolResult, *DraftResult, error) {
		path, parsed, err := drafts.WriteDraft(deps.SpoolDir, drafts.Draft{
			CaseID:   input.CaseID,
			Status:   input.Status,
			Priority: input.Priority,
			Note:     input.Note,
		})
		if err != nil {
			return nil, nil, err
		}

		result := &DraftResult{Path: path, CaseID: parsed.CaseID, Kind: parsed.Kind}

		return textResult(result), result, nil
	}
}

// textResult builds a CallToolResult with JSON text content from any value.
// This provides the unstructured content alongside the structured output
// that the SDK populates automatically.
func textResult(v interface{}) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("error marshaling result: %v", err)}},
			IsError: true,
		}
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
}
