package platform

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/txn2/mcp-streampay/pkg/stream"
)

// Info describes the deployment and the manager it follows.
type Info struct {
	Name              string   `json:"name"`
	Version           string   `json:"version"`
	Description       string   `json:"description,omitempty"`
	AgentInstructions string   `json:"agent_instructions,omitempty"`
	Manager           string   `json:"manager"`
	Owner             string   `json:"owner,omitempty"`
	MinStreamLife     string   `json:"min_stream_life,omitempty"`
	Streams           int      `json:"streams"`
	ActiveStreams     int      `json:"active_streams"`
	Creators          int      `json:"creators"`
	State             string   `json:"state"`
	Account           string   `json:"account,omitempty"`
	Features          Features `json:"features"`
	Warnings          []string `json:"warnings,omitempty"`
}

// Features describes enabled platform features.
type Features struct {
	Persistence   bool `json:"persistence"`
	Notifications bool `json:"notifications"`
	Polling       bool `json:"polling"`
	AuditLogging  bool `json:"audit_logging"`
	Requests      bool `json:"requests"`
	Simulated     bool `json:"simulated"`
}

// managerInfoInput is empty since this tool has no parameters.
type managerInfoInput struct{}

// registerInfoTool registers the manager_info tool with the MCP server.
func (p *Platform) registerInfoTool() {
	mcp.AddTool(p.mcpServer, &mcp.Tool{
		Name:        "manager_info",
		Description: p.buildInfoToolDescription(),
	}, withToolAudit(p, "manager_info", func(ctx context.Context, req *mcp.CallToolRequest, _ managerInfoInput) (*mcp.CallToolResult, any, error) {
		return p.handleInfo(ctx, req)
	}))
}

// buildInfoToolDescription builds a dynamic tool description based on configuration.
func (p *Platform) buildInfoToolDescription() string {
	base := "Get information about this payment stream service"
	if p.config.Server.Name != "" && p.config.Server.Name != "mcp-streampay" {
		base = fmt.Sprintf("Get information about %s", p.config.Server.Name)
	}
	return base + ", including the stream manager it follows, how many streams it tracks, " +
		"and enabled features. Call this first to understand what is available."
}

// handleInfo handles the manager_info tool call. Chain reads that fail are
// reported as warnings rather than failing the call.
func (p *Platform) handleInfo(ctx context.Context, _ *mcp.CallToolRequest) (*mcp.CallToolResult, any, error) {
	info := Info{
		Name:              p.config.Server.Name,
		Version:           p.config.Server.Version,
		Description:       p.config.Server.Description,
		AgentInstructions: p.config.Server.AgentInstructions,
		Manager:           p.manager.Address().String(),
		Streams:           p.registry.Len(),
		ActiveStreams:     len(p.registry.Active(p.ts.Now())),
		Creators:          len(p.registry.Creators()),
		State:             p.health.State(),
		Account:           p.config.Session.Account,
		Features: Features{
			Persistence:   p.store != nil,
			Notifications: p.sink != nil || p.config.Notify.Enabled,
			Polling:       p.config.Polling.Enabled,
			AuditLogging:  p.config.Audit.Enabled,
			Requests:      p.config.Session.Account != "",
			Simulated:     p.config.Chain.Simulate,
		},
	}

	if owner, err := p.manager.Owner(ctx); err != nil {
		info.Warnings = append(info.Warnings, err.Error())
	} else {
		info.Owner = owner.String()
	}
	if life, err := p.manager.MinStreamLife(ctx); err != nil {
		info.Warnings = append(info.Warnings, err.Error())
	} else {
		info.MinStreamLife = stream.FormatDuration(int64(life.Seconds()))
	}

	return jsonResult(info)
}
