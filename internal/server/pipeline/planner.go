package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dotbot-sh/dotbot/internal/server/llm"
	"github.com/dotbot-sh/dotbot/pkg/wire"
)

// agentPlan is the planner's output for one sub-task: the exact tool
// ids the spawned agent gets and the model tier that drives it.
type agentPlan struct {
	Tools     []string `json:"tools"`
	ModelRole string   `json:"model_role"`
}

const plannerPrompt = `You assign tools to an assistant sub-agent. Given a task and the available tool ids, reply with a single JSON object and nothing else:
{"tools": ["tool.id", ...], "model_role": "workhorse" | "smart"}
Pick only the tools the task genuinely needs, and prefer fewer. Use "smart" only for hard multi-step reasoning; everything else is "workhorse".`

// plan selects tools and a model role for one sub-task. The planner is
// advisory: unknown tool ids are dropped and an empty or failed plan
// falls back to the full manifest on the workhorse tier.
func (p *Pipeline) plan(ctx context.Context, sub SubTask, manifest []wire.ToolDef) agentPlan {
	fallback := agentPlan{Tools: manifestIDs(manifest), ModelRole: llm.RoleWorkhorse}
	if len(manifest) == 0 {
		return fallback
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n\nAvailable tools:\n", sub.Task)
	for _, def := range manifest {
		fmt.Fprintf(&b, "- %s: %s", def.ID, def.Description)
		if def.Category != "" {
			fmt.Fprintf(&b, " (%s)", def.Category)
		}
		b.WriteByte('\n')
	}

	resp, err := p.llm.Complete(ctx, llm.RoleIntake, &llm.Request{
		System:      plannerPrompt,
		Messages:    []llm.Message{{Role: "user", Content: b.String()}},
		Temperature: 0.1,
		MaxTokens:   400,
	})
	if err != nil {
		p.log.Warn("planner call failed, using full manifest", "error", err)
		return fallback
	}

	var plan agentPlan
	if err := json.Unmarshal([]byte(extractJSON(resp.Content)), &plan); err != nil {
		return fallback
	}

	known := make(map[string]bool, len(manifest))
	for _, def := range manifest {
		known[def.ID] = true
	}
	var tools []string
	for _, id := range plan.Tools {
		if known[id] {
			tools = append(tools, id)
		}
	}
	if len(tools) == 0 {
		tools = fallback.Tools
	}

	role := strings.ToLower(strings.TrimSpace(plan.ModelRole))
	if role != llm.RoleSmart {
		role = llm.RoleWorkhorse
	}
	return agentPlan{Tools: tools, ModelRole: role}
}

func manifestIDs(defs []wire.ToolDef) []string {
	ids := make([]string, 0, len(defs))
	for _, def := range defs {
		ids = append(ids, def.ID)
	}
	return ids
}

// filterByIDs keeps the manifest entries whose id is in the plan.
func filterByIDs(defs []wire.ToolDef, ids []string) []wire.ToolDef {
	keep := make(map[string]bool, len(ids))
	for _, id := range ids {
		keep[id] = true
	}
	var out []wire.ToolDef
	for _, def := range defs {
		if keep[def.ID] {
			out = append(out, def)
		}
	}
	return out
}
