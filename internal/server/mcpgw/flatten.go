package mcpgw

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// flattenContent folds MCP content blocks into the single string the tool
// loop consumes. Non-text blocks become short placeholders rather than
// dumping base64 into the transcript.
func flattenContent(blocks []mcp.Content) string {
	parts := make([]string, 0, len(blocks))
	for _, block := range blocks {
		switch c := block.(type) {
		case mcp.TextContent:
			parts = append(parts, c.Text)
		case mcp.ImageContent:
			parts = append(parts, fmt.Sprintf("[image %s, %d bytes base64]", c.MIMEType, len(c.Data)))
		case mcp.AudioContent:
			parts = append(parts, fmt.Sprintf("[audio %s, %d bytes base64]", c.MIMEType, len(c.Data)))
		case mcp.EmbeddedResource:
			parts = append(parts, flattenResource(c))
		default:
			raw, err := json.Marshal(block)
			if err != nil {
				parts = append(parts, fmt.Sprintf("[unrenderable %T block]", block))
				continue
			}
			parts = append(parts, string(raw))
		}
	}
	return clip(strings.Join(parts, "\n"), resultCap)
}

func flattenResource(res mcp.EmbeddedResource) string {
	switch rc := res.Resource.(type) {
	case mcp.TextResourceContents:
		return rc.Text
	case mcp.BlobResourceContents:
		return fmt.Sprintf("[resource %s (%s), %d bytes base64]", rc.URI, rc.MIMEType, len(rc.Blob))
	default:
		return "[resource]"
	}
}

// clip truncates at a rune boundary and marks the cut.
func clip(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + "\n[truncated]"
}
