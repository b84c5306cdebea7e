package agents

import (
	"encoding/json"
	"strings"
	"unicode/utf8"

	"github.com/dotbot-sh/dotbot/internal/server/llm"
)

const (
	// maxToolResultChars caps how much of a single tool result reaches
	// the model.
	maxToolResultChars = 8000

	truncationNotice = "\n\n[truncated: result exceeded 8000 characters]"

	// skippedResultText fills tool-result slots the loop never executed,
	// keeping the assistant/tool pairing the provider APIs require.
	skippedResultText = "(no result — tool execution was skipped)"
)

// truncateResult clips s to maxToolResultChars, backing off to a rune
// boundary, and appends a notice when clipped.
func truncateResult(s string) string {
	if len(s) <= maxToolResultChars {
		return s
	}
	cut := maxToolResultChars
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + truncationNotice
}

// extractImages pulls screenshot_ref / image_base64 fields out of a
// JSON tool result, returning the remaining text and the images as
// blocks. This runs before truncation: base64 payloads are far larger
// than the result cap and would otherwise be clipped into garbage.
// Non-JSON results pass through untouched.
func extractImages(content string) (string, []llm.ImageBlock) {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "{") {
		return content, nil
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(trimmed), &obj); err != nil {
		return content, nil
	}

	mediaType := "image/png"
	if mt, ok := obj["media_type"].(string); ok && mt != "" {
		mediaType = mt
	}

	var images []llm.ImageBlock
	for _, field := range []string{"screenshot_ref", "image_base64"} {
		data, ok := obj[field].(string)
		if !ok || data == "" {
			continue
		}
		images = append(images, llm.ImageBlock{MediaType: mediaType, Data: data})
		delete(obj, field)
	}
	if len(images) == 0 {
		return content, nil
	}
	delete(obj, "media_type")

	rest, err := json.Marshal(obj)
	if err != nil {
		return content, images
	}
	return string(rest), images
}

// sanitizeSequence enforces the provider-API precondition that every
// assistant message carrying tool calls is immediately followed by one
// tool message answering each call id, in order. Missing results are
// filled with a placeholder; orphaned tool messages are dropped.
func sanitizeSequence(messages []llm.Message) []llm.Message {
	out := make([]llm.Message, 0, len(messages))
	for i := 0; i < len(messages); i++ {
		msg := messages[i]
		if msg.Role == "tool" {
			// Reachable only when orphaned: owned results were merged
			// below when their assistant message was visited.
			continue
		}
		out = append(out, msg)
		if msg.Role != "assistant" || len(msg.ToolCalls) == 0 {
			continue
		}

		have := make(map[string]llm.ToolResult)
		if i+1 < len(messages) && messages[i+1].Role == "tool" {
			for _, r := range messages[i+1].ToolResults {
				have[r.ToolCallID] = r
			}
		}

		fixed := llm.Message{Role: "tool"}
		for _, call := range msg.ToolCalls {
			if r, ok := have[call.ID]; ok {
				fixed.ToolResults = append(fixed.ToolResults, r)
			} else {
				fixed.ToolResults = append(fixed.ToolResults, llm.ToolResult{
					ToolCallID: call.ID,
					Content:    skippedResultText,
				})
			}
		}
		out = append(out, fixed)
	}
	return out
}
