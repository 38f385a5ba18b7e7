package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/janitor-project/janitor/internal/store"
)

type listQueueInput struct {
	Bucket string `json:"bucket,omitempty" jsonschema:"optional bucket filter"`
}

type getRunInput struct {
	RunID string `json:"run_id" jsonschema:"run log_id"`
}

type listMergeProposalsInput struct {
	Campaign string `json:"campaign,omitempty" jsonschema:"optional campaign filter"`
}

type getBlockersInput struct {
	RunID string `json:"run_id" jsonschema:"run log_id"`
}

func (s *Server) registerTools() {
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "janitor_list_queue",
		Description: "List pending queue items in assignment order, with an optional bucket filter",
	}, s.handleListQueue)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "janitor_get_run",
		Description: "Get the full record for a finished run by log_id",
	}, s.handleGetRun)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "janitor_list_merge_proposals",
		Description: "List merge proposals, with an optional campaign filter",
	}, s.handleListMergeProposals)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "janitor_get_blockers",
		Description: "Get why a run's result is currently blocked from publishing",
	}, s.handleGetBlockers)
}

func (s *Server) handleListQueue(ctx context.Context, _ *mcp.CallToolRequest, input listQueueInput) (*mcp.CallToolResult, any, error) {
	positions, err := s.store.QueuePositions(ctx)
	if err != nil {
		return nil, nil, err
	}
	if input.Bucket == "" {
		return jsonToolResult(positions)
	}
	filtered := make([]store.QueuePosition, 0, len(positions))
	for _, p := range positions {
		if string(p.Bucket) == input.Bucket {
			filtered = append(filtered, p)
		}
	}
	return jsonToolResult(filtered)
}

func (s *Server) handleGetRun(ctx context.Context, _ *mcp.CallToolRequest, input getRunInput) (*mcp.CallToolResult, any, error) {
	if input.RunID == "" {
		return nil, nil, fmt.Errorf("run_id is required")
	}
	run, err := s.store.GetRun(ctx, input.RunID)
	if err != nil {
		return nil, nil, err
	}
	return jsonToolResult(run)
}

func (s *Server) handleListMergeProposals(ctx context.Context, _ *mcp.CallToolRequest, input listMergeProposalsInput) (*mcp.CallToolResult, any, error) {
	if s.publisher == nil {
		return nil, nil, fmt.Errorf("publisher unavailable")
	}
	mps, err := s.publisher.GetMergeProposals(ctx, input.Campaign)
	if err != nil {
		return nil, nil, err
	}
	return jsonToolResult(mps)
}

func (s *Server) handleGetBlockers(ctx context.Context, _ *mcp.CallToolRequest, input getBlockersInput) (*mcp.CallToolResult, any, error) {
	if s.publisher == nil {
		return nil, nil, fmt.Errorf("publisher unavailable")
	}
	if input.RunID == "" {
		return nil, nil, fmt.Errorf("run_id is required")
	}
	blockers, err := s.publisher.GetBlockers(ctx, input.RunID)
	if err != nil {
		return nil, nil, err
	}
	return jsonToolResult(blockers)
}

func jsonToolResult(v any) (*mcp.CallToolResult, any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, nil, err
	}
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: string(data)}}}, nil, nil
}
