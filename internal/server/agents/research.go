package agents

import "github.com/dotbot-sh/dotbot/pkg/wire"

// ResearchSystemPrompt is the fixed persona for research sub-agents.
const ResearchSystemPrompt = "You are a research agent. Find the answer to the question you are given. " +
	"Report what you found and cite your sources. Do not offer opinions."

// ResearchPlan maps a requested depth to an iteration budget and the
// tool categories the sub-agent may use. Unknown depths get the
// moderate plan.
func ResearchPlan(depth string) (maxIterations int, categories []string) {
	switch depth {
	case "quick":
		return 5, []string{"search"}
	case "thorough":
		return 30, []string{"search", "http", "knowledge.search", "filesystem", "knowledge.ingest"}
	default:
		return 15, []string{"search", "http", "knowledge.search"}
	}
}

// FormatInstruction is appended to a research task so the final turn
// comes back in the requested shape.
func FormatInstruction(format string) string {
	switch format {
	case "structured_json":
		return "Respond with a single JSON object summarizing your findings."
	case "markdown":
		return "Respond in well-structured markdown with headings and source links."
	default:
		return "Respond in plain text."
	}
}

// FilterManifest keeps the tool definitions whose category is in the
// allowed set.
func FilterManifest(defs []wire.ToolDef, categories []string) []wire.ToolDef {
	allowed := make(map[string]bool, len(categories))
	for _, c := range categories {
		allowed[c] = true
	}
	var out []wire.ToolDef
	for _, def := range defs {
		if allowed[def.Category] {
			out = append(out, def)
		}
	}
	return out
}
