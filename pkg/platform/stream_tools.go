package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/txn2/mcp-streampay/pkg/audit"
	"github.com/txn2/mcp-streampay/pkg/chain"
	"github.com/txn2/mcp-streampay/pkg/session"
	"github.com/txn2/mcp-streampay/pkg/stream"
)

var errStreamNotFound = errors.New("stream not found")

type streamInput struct {
	Creator  string `json:"creator" jsonschema:"address that opened the stream (0x-prefixed hex)"`
	StreamID uint64 `json:"stream_id" jsonschema:"the creator's stream number"`
}

type streamStatusInput struct {
	Creator  string `json:"creator" jsonschema:"address that opened the stream (0x-prefixed hex)"`
	StreamID uint64 `json:"stream_id" jsonschema:"the creator's stream number"`
	Refresh  bool   `json:"refresh,omitempty" jsonschema:"re-read the stream and its authority values from the chain first"`
}

type creatorInput struct {
	Creator    string `json:"creator" jsonschema:"address that opened the streams (0x-prefixed hex)"`
	ActiveOnly bool   `json:"active_only,omitempty" jsonschema:"only return streams with time left"`
}

type creatorStreams struct {
	Creator string           `json:"creator"`
	Streams []stream.Summary `json:"streams"`
	Total   int              `json:"total"`
}

type statusResult struct {
	session.View
	Summary *stream.Summary `json:"summary,omitempty"`
	Warning string          `json:"warning,omitempty"`
}

// registerTools registers every MCP tool.
func (p *Platform) registerTools() {
	p.registerInfoTool()

	mcp.AddTool(p.mcpServer, &mcp.Tool{
		Name:        "stream_info",
		Description: "Show a payment stream: rate, funding, time left, cancel phase and funding status.",
	}, withToolAudit(p, "stream_info", p.handleStreamInfo))

	mcp.AddTool(p.mcpServer, &mcp.Tool{
		Name:        "streams_by_creator",
		Description: "List the payment streams opened by an account, newest last.",
	}, withToolAudit(p, "streams_by_creator", p.handleStreamsByCreator))

	mcp.AddTool(p.mcpServer, &mcp.Tool{
		Name: "stream_status",
		Description: "Show the live session state of a payment stream, including whether it can be " +
			"cancelled now and how long the configured account could extend it. Set refresh to re-read the chain.",
	}, withToolAudit(p, "stream_status", p.handleStreamStatus))
}

func (p *Platform) identity(creator string, streamID uint64) (stream.Identity, error) {
	addr, err := chain.ParseAddress(creator)
	if err != nil {
		return stream.Identity{}, err
	}
	return stream.Identity{Manager: p.manager.Address(), Creator: addr, StreamID: streamID}, nil
}

func (p *Platform) summarize(rec stream.Record) stream.Summary {
	return rec.Summarize(p.ts.Now(), p.config.Session.WarningLevel, p.config.Session.CriticalLevel)
}

func (p *Platform) handleStreamInfo(_ context.Context, _ *mcp.CallToolRequest, in streamInput) (*mcp.CallToolResult, any, error) {
	id, err := p.identity(in.Creator, in.StreamID)
	if err != nil {
		return errorResult(err), nil, nil
	}
	rec, ok := p.registry.Get(id)
	if !ok {
		return errorResult(fmt.Errorf("%w: %s", errStreamNotFound, id)), nil, nil
	}
	return jsonResult(p.summarize(rec))
}

func (p *Platform) handleStreamsByCreator(_ context.Context, _ *mcp.CallToolRequest, in creatorInput) (*mcp.CallToolResult, any, error) {
	creator, err := chain.ParseAddress(in.Creator)
	if err != nil {
		return errorResult(err), nil, nil
	}
	out := creatorStreams{Creator: creator.String(), Streams: []stream.Summary{}}
	for _, rec := range p.registry.ByCreator(creator) {
		s := p.summarize(rec)
		if in.ActiveOnly && !s.Active {
			continue
		}
		out.Streams = append(out.Streams, s)
	}
	out.Total = len(out.Streams)
	return jsonResult(out)
}

func (p *Platform) handleStreamStatus(ctx context.Context, _ *mcp.CallToolRequest, in streamStatusInput) (*mcp.CallToolResult, any, error) {
	id, err := p.identity(in.Creator, in.StreamID)
	if err != nil {
		return errorResult(err), nil, nil
	}
	if _, ok := p.registry.Get(id); !ok && !in.Refresh {
		return errorResult(fmt.Errorf("%w: %s", errStreamNotFound, id)), nil, nil
	}
	s := p.pool.Get(id)

	var out statusResult
	if in.Refresh {
		if err := s.Poll(ctx); err != nil {
			out.Warning = "refresh incomplete: " + err.Error()
		}
	}
	out.View = s.View()
	if !out.Known {
		return errorResult(fmt.Errorf("%w: %s", errStreamNotFound, id)), nil, nil
	}
	if out.Record != nil {
		sum := p.summarize(*out.Record)
		out.Summary = &sum
	}
	return jsonResult(out)
}

// withToolAudit records each call of a tool when audit.log_tool_calls is set.
func withToolAudit[In any](p *Platform, name string, h mcp.ToolHandlerFor[In, any]) mcp.ToolHandlerFor[In, any] {
	if !p.config.Audit.LogToolCalls {
		return h
	}
	return func(ctx context.Context, req *mcp.CallToolRequest, in In) (*mcp.CallToolResult, any, error) {
		started := p.ts.Clock().Now()
		result, out, err := h(ctx, req, in)

		success := err == nil && (result == nil || !result.IsError)
		var errMsg string
		switch {
		case err != nil:
			errMsg = err.Error()
		case !success && len(result.Content) > 0:
			if tc, ok := result.Content[0].(*mcp.TextContent); ok {
				errMsg = tc.Text
			}
		}

		var params map[string]any
		if raw, mErr := json.Marshal(in); mErr == nil {
			_ = json.Unmarshal(raw, &params)
		}
		event := audit.NewEvent(audit.EventTypeToolCall, name).
			WithParameters(audit.SanitizeParameters(params)).
			WithResult(success, errMsg, p.ts.Clock().Now().Sub(started).Milliseconds())
		if logErr := p.auditLog.Log(context.WithoutCancel(ctx), *event); logErr != nil {
			p.logger.Warn("failed to write audit event", "tool", name, "error", logErr)
		}
		return result, out, err
	}
}

// jsonResult renders v as indented JSON text content.
func jsonResult(v any) (*mcp.CallToolResult, any, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errorResult(err), nil, nil
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}, nil, nil
}

// errorResult reports a tool failure. MCP tool errors travel in
// CallToolResult.IsError, not as Go errors.
func errorResult(err error) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: "Error: " + err.Error()}},
		IsError: true,
	}
}
