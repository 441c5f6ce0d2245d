package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/tagtime/internal/pingfile"
	"github.com/kalambet/tagtime/internal/prompt"
	"github.com/kalambet/tagtime/internal/schedule"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Journal Journal
	Prompts Prompts // optional; if nil, outstanding_prompt returns an error
	Now     func() time.Time
}

// pingTime is a ping time as both milliseconds and a readable local time.
type pingTime struct {
	Time  int64  `json:"time"`
	Local string `json:"local"`
}

func newPingTime(ms int64) pingTime {
	return pingTime{Time: ms, Local: time.UnixMilli(ms).Format(time.RFC3339)}
}

// NewMCPServer creates an MCP server with all tagtime tools and resources registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	if deps.Now == nil {
		deps.Now = time.Now
	}

	s := server.NewMCPServer(
		"tagtime",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("tagtime samples what the user is doing at random times and keeps the answers in a tagged ping log."),
		server.WithRecovery(),
	)

	// Tools
	s.AddTool(
		mcp.NewTool("next_ping",
			mcp.WithDescription("List the next scheduled ping times."),
			mcp.WithNumber("after", mcp.Description("Milliseconds since the epoch to start from (default now)")),
			mcp.WithNumber("count", mcp.Description("How many pings to list (default 1, max 100)")),
		),
		mcpNextPing(deps),
	)

	s.AddTool(
		mcp.NewTool("previous_ping",
			mcp.WithDescription("Return the latest scheduled ping before a time."),
			mcp.WithNumber("before", mcp.Description("Milliseconds since the epoch (default now)")),
		),
		mcpPreviousPing(deps),
	)

	s.AddTool(
		mcp.NewTool("record_ping",
			mcp.WithDescription("Append a tagged ping to the log."),
			mcp.WithNumber("time", mcp.Description("Ping time in milliseconds since the epoch (default: the latest scheduled ping)")),
			mcp.WithArray("tags", mcp.Description("Tags describing what the user was doing"), mcp.Required()),
			mcp.WithString("comment", mcp.Description("Optional free-text comment")),
		),
		mcpRecordPing(deps),
	)

	s.AddTool(
		mcp.NewTool("recent_pings",
			mcp.WithDescription("Return the latest pings from the log, oldest first."),
			mcp.WithNumber("limit", mcp.Description("Maximum number of pings (default 10)")),
		),
		mcpRecentPings(deps),
	)

	s.AddTool(
		mcp.NewTool("list_tags",
			mcp.WithDescription("List every tag in the log, most used first."),
		),
		mcpListTags(deps),
	)

	s.AddTool(
		mcp.NewTool("outstanding_prompt",
			mcp.WithDescription("Show the prompt currently waiting for an answer, if any."),
		),
		mcpOutstandingPrompt(deps),
	)

	// Resources
	s.AddResource(
		mcp.NewResource(
			"tagtime://tags",
			"Tags",
			mcp.WithResourceDescription("Tags from the ping log with their counts, most used first"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceTags(deps),
	)

	return s
}

func mcpNextPing(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		after, ok := mcpTimeArg(req, "after")
		if !ok {
			return mcpError(fmt.Sprintf("after must not be past %d", schedule.MaxTime)), nil
		}
		if after <= 0 {
			after = deps.Now().UnixMilli()
		}
		count := req.GetInt("count", 1)
		if count <= 0 {
			count = 1
		}
		if count > 100 {
			count = 100
		}

		times := make([]pingTime, 0, count)
		t := after
		for range count {
			t = deps.Journal.Next(t)
			times = append(times, newPingTime(t))
		}
		return mcpJSON(times)
	}
}

func mcpPreviousPing(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		before, ok := mcpTimeArg(req, "before")
		if !ok {
			return mcpError(fmt.Sprintf("before must not be past %d", schedule.MaxTime)), nil
		}
		if before <= 0 {
			before = deps.Now().UnixMilli()
		}
		t, ok := deps.Journal.Prev(before)
		if !ok {
			return mcpError(fmt.Sprintf("no ping before %d", before)), nil
		}
		return mcpJSON(newPingTime(t))
	}
}

func mcpRecordPing(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		tags := req.GetStringSlice("tags", nil)
		if len(pingfile.NewTags(tags...)) == 0 {
			return mcpError("tags is required"), nil
		}

		t, ok := mcpTimeArg(req, "time")
		if !ok {
			return mcpError(fmt.Sprintf("time must not be past %d", schedule.MaxTime)), nil
		}
		if t <= 0 {
			prev, ok := deps.Journal.Prev(deps.Now().UnixMilli())
			if !ok {
				return mcpError("no scheduled ping yet; pass time explicitly"), nil
			}
			t = prev
		}

		p := pingfile.New(t, tags, req.GetString("comment", ""))
		if err := deps.Journal.Push(p); err != nil {
			return mcpError(fmt.Sprintf("failed to record ping: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Recorded ping at %s", time.UnixMilli(t).Format(time.RFC3339))), nil
	}
}

func mcpRecentPings(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := req.GetInt("limit", 10)
		if limit <= 0 {
			limit = 10
		}
		if limit > 500 {
			limit = 500
		}

		pings, err := deps.Journal.Recent(limit)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to read pings: %v", err)), nil
		}
		if len(pings) == 0 {
			return mcpText("[]"), nil
		}

		type pingResult struct {
			pingTime
			Tags    []string `json:"tags"`
			Comment string   `json:"comment,omitempty"`
		}
		results := make([]pingResult, len(pings))
		for i, p := range pings {
			results[i] = pingResult{pingTime: newPingTime(p.Time), Tags: p.Tags, Comment: p.Comment}
		}
		return mcpJSON(results)
	}
}

func mcpListTags(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		tags, err := deps.Journal.TagsOrdered()
		if err != nil {
			return mcpError(fmt.Sprintf("failed to read tags: %v", err)), nil
		}
		if len(tags) == 0 {
			return mcpText("[]"), nil
		}
		return mcpJSON(tags)
	}
}

func mcpOutstandingPrompt(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if deps.Prompts == nil {
			return mcpError("prompts are not available: the tagtime server is not running"), nil
		}
		p, err := deps.Prompts.Outstanding()
		if errors.Is(err, prompt.ErrNoOutstanding) {
			return mcpText("No prompt is waiting for an answer."), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to read prompt: %v", err)), nil
		}
		payload, err := deps.Prompts.Payload(p)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to build prompt: %v", err)), nil
		}
		return mcpJSON(payload)
	}
}

func mcpResourceTags(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		tags, err := deps.Journal.TagsOrdered()
		if err != nil {
			return nil, fmt.Errorf("failed to read tags: %w", err)
		}
		if tags == nil {
			tags = []pingfile.TagCount{}
		}

		b, err := json.Marshal(tags)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal tags: %w", err)
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

// mcpTimeArg reads a millisecond time argument. Zero means absent; values
// past MaxTime are refused before they reach the schedule.
func mcpTimeArg(req mcp.CallToolRequest, key string) (int64, bool) {
	f := req.GetFloat(key, 0)
	if f > float64(schedule.MaxTime) {
		return 0, false
	}
	if f < 0 {
		return 0, true
	}
	return int64(f), true
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
