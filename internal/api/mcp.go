package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/recoverd/internal/lifecycle"
	"github.com/kalambet/recoverd/internal/matching"
	"github.com/kalambet/recoverd/internal/storage"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store       *storage.Store
	Coordinator *matching.Coordinator
}

// NewMCPServer creates an MCP server exposing claim adjudication to an
// operator's assistant.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"recoverd",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("recoverd: review and decide ownership claims on matched lost and found items."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("list_claims",
			mcp.WithDescription("List claims in submission order, optionally filtered by status (pending, approved, rejected, resolved)."),
			mcp.WithString("status", mcp.Description("Claim status filter")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of claims (default 20)")),
		),
		mcpListClaims(deps),
	)

	s.AddTool(
		mcp.NewTool("get_match",
			mcp.WithDescription("Show a match with all of its claims."),
			mcp.WithString("match_id", mcp.Description("Match ID"), mcp.Required()),
		),
		mcpGetMatch(deps),
	)

	s.AddTool(
		mcp.NewTool("approve_claim",
			mcp.WithDescription("Approve a pending claim. Other pending claims on the same match are rejected."),
			mcp.WithString("claim_id", mcp.Description("Claim ID"), mcp.Required()),
			mcp.WithString("note", mcp.Description("Optional administrator note")),
		),
		mcpApproveClaim(deps),
	)

	s.AddTool(
		mcp.NewTool("reject_claim",
			mcp.WithDescription("Reject a pending claim with an explanation for the claimant."),
			mcp.WithString("claim_id", mcp.Description("Claim ID"), mcp.Required()),
			mcp.WithString("note", mcp.Description("Reason shown to the claimant"), mcp.Required()),
		),
		mcpRejectClaim(deps),
	)

	s.AddTool(
		mcp.NewTool("resolve_claim",
			mcp.WithDescription("Record that the item of an approved claim was handed over."),
			mcp.WithString("claim_id", mcp.Description("Claim ID"), mcp.Required()),
		),
		mcpResolveClaim(deps),
	)

	s.AddTool(
		mcp.NewTool("archive_match",
			mcp.WithDescription("Archive a match that is waiting for claims."),
			mcp.WithString("match_id", mcp.Description("Match ID"), mcp.Required()),
		),
		mcpArchiveMatch(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"recoverd://queue",
			"Review Queue",
			mcp.WithResourceDescription("Pending claims awaiting an administrator decision"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceQueue(deps),
	)

	return s
}

func mcpListClaims(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		status := lifecycle.ClaimStatus(req.GetString("status", ""))
		switch status {
		case "", lifecycle.ClaimPending, lifecycle.ClaimApproved, lifecycle.ClaimRejected, lifecycle.ClaimResolved:
		default:
			return mcpError(fmt.Sprintf("unknown status %q", status)), nil
		}

		limit := req.GetInt("limit", 20)
		if limit <= 0 {
			limit = 20
		}
		if limit > 200 {
			limit = 200
		}

		claims, err := deps.Store.ListClaims(ctx, status, limit, 0)
		if err != nil {
			return mcpError(fmt.Sprintf("listing claims failed: %v", err)), nil
		}
		if claims == nil {
			claims = []storage.Claim{}
		}
		return mcpJSON(claims)
	}
}

func mcpGetMatch(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("match_id")
		if err != nil {
			return mcpError("match_id is required"), nil
		}
		m, err := deps.Store.GetMatch(ctx, id)
		if err != nil {
			return mcpFailure(err), nil
		}
		claims, err := deps.Store.ListClaimsByMatch(ctx, id, "")
		if err != nil {
			return mcpFailure(err), nil
		}
		if claims == nil {
			claims = []storage.Claim{}
		}
		return mcpJSON(MatchDetail{Match: m, Claims: claims})
	}
}

func mcpApproveClaim(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("claim_id")
		if err != nil {
			return mcpError("claim_id is required"), nil
		}
		claim, err := deps.Coordinator.ApproveClaim(ctx, id, req.GetString("note", ""))
		if err != nil {
			return mcpFailure(err), nil
		}
		return mcpText(fmt.Sprintf("Approved claim %s on match %s", claim.ID, claim.MatchID)), nil
	}
}

func mcpRejectClaim(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("claim_id")
		if err != nil {
			return mcpError("claim_id is required"), nil
		}
		note, err := req.RequireString("note")
		if err != nil {
			return mcpError("note is required"), nil
		}
		claim, err := deps.Coordinator.RejectClaim(ctx, id, note)
		if err != nil {
			return mcpFailure(err), nil
		}
		return mcpText(fmt.Sprintf("Rejected claim %s", claim.ID)), nil
	}
}

func mcpResolveClaim(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("claim_id")
		if err != nil {
			return mcpError("claim_id is required"), nil
		}
		claim, err := deps.Coordinator.ResolveClaim(ctx, id)
		if err != nil {
			return mcpFailure(err), nil
		}
		return mcpText(fmt.Sprintf("Resolved claim %s", claim.ID)), nil
	}
}

func mcpArchiveMatch(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("match_id")
		if err != nil {
			return mcpError("match_id is required"), nil
		}
		m, err := deps.Coordinator.ArchiveMatch(ctx, id)
		if err != nil {
			return mcpFailure(err), nil
		}
		return mcpText(fmt.Sprintf("Archived match %s", m.ID)), nil
	}
}

func mcpResourceQueue(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		claims, err := deps.Store.ListClaims(ctx, lifecycle.ClaimPending, 100, 0)
		if err != nil {
			return nil, fmt.Errorf("failed to list pending claims: %w", err)
		}
		if claims == nil {
			claims = []storage.Claim{}
		}

		b, err := json.Marshal(claims)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal claims: %w", err)
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

// mcpFailure turns a domain error into a tool error the assistant can act on.
func mcpFailure(err error) *mcp.CallToolResult {
	switch {
	case errors.Is(err, lifecycle.ErrStaleState):
		return mcpError("already decided by someone else; refresh and retry: " + err.Error())
	case errors.Is(err, storage.ErrNotFound):
		return mcpError("not found: " + err.Error())
	}
	return mcpError(err.Error())
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcpText(string(b)), nil
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
