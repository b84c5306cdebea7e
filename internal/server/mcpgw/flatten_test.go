package mcpgw

import (
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
)

func TestFlattenContent(t *testing.T) {
	tests := []struct {
		name   string
		blocks []mcp.Content
		want   string
	}{
		{"empty", nil, ""},
		{
			"single text",
			[]mcp.Content{mcp.TextContent{Type: "text", Text: "hello"}},
			"hello",
		},
		{
			"texts joined by newline",
			[]mcp.Content{
				mcp.TextContent{Type: "text", Text: "first"},
				mcp.TextContent{Type: "text", Text: "second"},
			},
			"first\nsecond",
		},
		{
			"image placeholder",
			[]mcp.Content{mcp.ImageContent{Type: "image", Data: "aGVsbG8=", MIMEType: "image/png"}},
			"[image image/png, 8 bytes base64]",
		},
		{
			"audio placeholder",
			[]mcp.Content{mcp.AudioContent{Type: "audio", Data: "AAAA", MIMEType: "audio/wav"}},
			"[audio audio/wav, 4 bytes base64]",
		},
		{
			"text resource inlined",
			[]mcp.Content{mcp.EmbeddedResource{
				Type:     "resource",
				Resource: mcp.TextResourceContents{URI: "file:///tmp/notes.txt", Text: "contents"},
			}},
			"contents",
		},
		{
			"blob resource placeholder",
			[]mcp.Content{mcp.EmbeddedResource{
				Type:     "resource",
				Resource: mcp.BlobResourceContents{URI: "file:///tmp/doc.pdf", MIMEType: "application/pdf", Blob: "QUJD"},
			}},
			"[resource file:///tmp/doc.pdf (application/pdf), 4 bytes base64]",
		},
		{
			"mixed blocks",
			[]mcp.Content{
				mcp.TextContent{Type: "text", Text: "report ready"},
				mcp.ImageContent{Type: "image", Data: "AA==", MIMEType: "image/jpeg"},
			},
			"report ready\n[image image/jpeg, 4 bytes base64]",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := flattenContent(tt.blocks); got != tt.want {
				t.Errorf("flattenContent() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFlattenContentCap(t *testing.T) {
	big := strings.Repeat("x", resultCap+500)
	got := flattenContent([]mcp.Content{mcp.TextContent{Type: "text", Text: big}})
	if !strings.HasSuffix(got, "\n[truncated]") {
		t.Fatalf("capped output does not end with the truncation marker: %q", got[len(got)-20:])
	}
	if len(got) > resultCap+len("\n[truncated]") {
		t.Errorf("len = %d, want at most %d", len(got), resultCap+len("\n[truncated]"))
	}
}
