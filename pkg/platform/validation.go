package platform

import (
	"regexp"
	"strings"
)

// toolNames lists every tool registerTools adds to the MCP server.
var toolNames = []string{
	"manager_info",
	"stream_info",
	"streams_by_creator",
	"stream_status",
}

// knownToolPrefixes lists the prefixes that identify tool-name-like tokens
// in agent_instructions text.
var knownToolPrefixes = []string{
	"manager_",
	"stream_",
	"streams_",
}

// toolTokenPattern matches word-boundary tokens that look like tool names:
// lowercase words joined by underscores.
var toolTokenPattern = regexp.MustCompile(`\b([a-z][a-z0-9]*(?:_[a-z0-9]+)+)\b`)

// validateAgentInstructions logs a warning for each tool-like token in
// agent_instructions that names no registered tool. It returns the
// unrecognized tokens.
func (p *Platform) validateAgentInstructions() []string {
	instructions := p.config.Server.AgentInstructions
	if instructions == "" {
		return nil
	}

	toolSet := make(map[string]struct{}, len(toolNames))
	for _, t := range toolNames {
		toolSet[t] = struct{}{}
	}

	var unknown []string
	seen := make(map[string]struct{})
	for _, token := range toolTokenPattern.FindAllString(instructions, -1) {
		if !hasKnownPrefix(token) {
			continue
		}
		if _, ok := toolSet[token]; ok {
			continue
		}
		if _, dup := seen[token]; dup {
			continue
		}
		seen[token] = struct{}{}
		unknown = append(unknown, token)
		p.logger.Warn("agent_instructions references unrecognized tool",
			"token", token,
			"hint", "verify the tool name exists or remove the stale reference",
		)
	}
	return unknown
}

// hasKnownPrefix reports whether the token starts with a known tool prefix.
func hasKnownPrefix(token string) bool {
	for _, prefix := range knownToolPrefixes {
		if strings.HasPrefix(token, prefix) {
			return true
		}
	}
	return false
}
