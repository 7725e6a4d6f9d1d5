package mcp

import (
	"context"
	"strings"
	"time"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/creovision/governor/pkg/models"
)

const (
	defaultHistoryLimit = 20
	messageLogLimit     = 50
)

type identityArgs struct {
	Identity string `json:"identity,omitempty" jsonschema:"caller identity (user ID or API key)"`
}

type creditHistoryArgs struct {
	Identity string `json:"identity,omitempty" jsonschema:"caller identity (user ID or API key)"`
	Limit    int    `json:"limit,omitempty" jsonschema:"maximum transactions, default 20"`
}

type sessionsArgs struct {
	Limit int `json:"limit,omitempty" jsonschema:"maximum rows, default 50"`
}

type noArgs struct{}

type messageLogArgs struct {
	Identity  string `json:"identity,omitempty" jsonschema:"filter by identity"`
	SessionID string `json:"session_id,omitempty" jsonschema:"filter by session ID"`
	Role      string `json:"role,omitempty" jsonschema:"filter by role: user or assistant"`
	Since     string `json:"since,omitempty" jsonschema:"start date in YYYY-MM-DD format"`
}

func (s *Server) registerTools() {
	sdk.AddTool(s.srv, &sdk.Tool{
		Name:        "quota_snapshot",
		Description: "Show an identity's quota: free and paid messages, next extension cost, promo analyses, trial and credit balance.",
	}, s.quotaSnapshot)
	sdk.AddTool(s.srv, &sdk.Tool{
		Name:        "quota_sessions",
		Description: "List the most recently active conversations.",
	}, s.quotaSessions)
	sdk.AddTool(s.srv, &sdk.Tool{
		Name:        "cache_stats",
		Description: "Show response cache statistics (hits, misses, joined waiters, hit rate, live entries).",
	}, s.cacheStats)
	sdk.AddTool(s.srv, &sdk.Tool{
		Name:        "credit_balance",
		Description: "Show an identity's credit balance.",
	}, s.creditBalance)
	sdk.AddTool(s.srv, &sdk.Tool{
		Name:        "credit_history",
		Description: "Show an identity's recent credit ledger transactions, newest first.",
	}, s.creditHistory)
	sdk.AddTool(s.srv, &sdk.Tool{
		Name:        "message_log",
		Description: "Search the conversation message journal.",
	}, s.messageLog)
}

func textResult(text string) *sdk.CallToolResult {
	return &sdk.CallToolResult{Content: []sdk.Content{&sdk.TextContent{Text: text}}}
}

func errorResult(text string) *sdk.CallToolResult {
	return &sdk.CallToolResult{Content: []sdk.Content{&sdk.TextContent{Text: text}}, IsError: true}
}

func blank(s string) bool { return strings.TrimSpace(s) == "" }

func (s *Server) quotaSnapshot(ctx context.Context, _ *sdk.CallToolRequest, args identityArgs) (*sdk.CallToolResult, any, error) {
	if blank(args.Identity) {
		return errorResult("identity is required"), nil, nil
	}
	snap, err := s.backend.QuotaSnapshot(ctx, args.Identity)
	if err != nil {
		s.log.Error(err, "quota snapshot", "identity", args.Identity)
		return errorResult("Error fetching quota: " + err.Error()), nil, nil
	}
	return textResult(formatQuota(snap)), nil, nil
}

func (s *Server) quotaSessions(ctx context.Context, _ *sdk.CallToolRequest, args sessionsArgs) (*sdk.CallToolResult, any, error) {
	sessions, err := s.backend.ListSessions(ctx, args.Limit)
	if err != nil {
		return errorResult("Error listing sessions: " + err.Error()), nil, nil
	}
	return textResult(formatSessions(sessions)), nil, nil
}

func (s *Server) cacheStats(ctx context.Context, _ *sdk.CallToolRequest, _ noArgs) (*sdk.CallToolResult, any, error) {
	stats, err := s.backend.CacheStats(ctx)
	if err != nil {
		return errorResult("Error fetching cache stats: " + err.Error()), nil, nil
	}
	return textResult(formatCacheStats(stats)), nil, nil
}

func (s *Server) creditBalance(ctx context.Context, _ *sdk.CallToolRequest, args identityArgs) (*sdk.CallToolResult, any, error) {
	if blank(args.Identity) {
		return errorResult("identity is required"), nil, nil
	}
	bal, _, err := s.backend.Credits(ctx, args.Identity, 1)
	if err != nil {
		return errorResult("Error fetching credit balance: " + err.Error()), nil, nil
	}
	return textResult(formatBalance(args.Identity, bal)), nil, nil
}

func (s *Server) creditHistory(ctx context.Context, _ *sdk.CallToolRequest, args creditHistoryArgs) (*sdk.CallToolResult, any, error) {
	if blank(args.Identity) {
		return errorResult("identity is required"), nil, nil
	}
	if args.Limit <= 0 {
		args.Limit = defaultHistoryLimit
	}
	bal, history, err := s.backend.Credits(ctx, args.Identity, args.Limit)
	if err != nil {
		return errorResult("Error fetching credit history: " + err.Error()), nil, nil
	}
	return textResult(formatBalance(args.Identity, bal) + formatTransactions(history)), nil, nil
}

func (s *Server) messageLog(ctx context.Context, _ *sdk.CallToolRequest, args messageLogArgs) (*sdk.CallToolResult, any, error) {
	if s.messages == nil {
		return textResult("Message journal is not configured."), nil, nil
	}
	opts := models.MessageQueryOpts{
		Identity:  args.Identity,
		SessionID: args.SessionID,
		Role:      args.Role,
		Limit:     messageLogLimit,
	}
	if args.Since != "" {
		t, err := time.Parse("2006-01-02", args.Since)
		if err != nil {
			return errorResult("Invalid since date (use YYYY-MM-DD): " + err.Error()), nil, nil
		}
		opts.Since = t
	}
	recs, err := s.messages.Query(ctx, opts)
	if err != nil {
		return errorResult("Error searching messages: " + err.Error()), nil, nil
	}
	return textResult(formatMessages(recs)), nil, nil
}
