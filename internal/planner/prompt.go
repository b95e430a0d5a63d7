package planner

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/nidhogg/nuka-swarm/internal/agent"
)

type draft struct {
	Facts []string    `json:"facts"`
	Steps []draftStep `json:"steps"`
}

type draftStep struct {
	Description string `json:"description"`
	Agent       string `json:"agent"`
	Expect      string `json:"expect"`
	SideEffect  bool   `json:"side_effect"`
}

var numbered = regexp.MustCompile(`^\s*(?:\d+[.)]|[-*])\s+(.+)$`)

// parseDraft reads the planner's reply: a JSON object, or failing that a
// numbered or bulleted list of steps.
func parseDraft(output string) draft {
	if i, j := strings.Index(output, "{"), strings.LastIndex(output, "}"); i >= 0 && j > i {
		var d draft
		if json.Unmarshal([]byte(output[i:j+1]), &d) == nil && len(d.Steps) > 0 {
			return d
		}
	}
	var d draft
	for line := range strings.SplitSeq(output, "\n") {
		if m := numbered.FindStringSubmatch(line); m != nil {
			d.Steps = append(d.Steps, draftStep{Description: strings.TrimSpace(m[1])})
		}
	}
	return d
}

// materialize turns drafts into pending steps, assigning an agent from
// roster to any step that names none or an unknown one.
func materialize(drafts []draftStep, roster []agent.AgentRef) []PlanStep {
	steps := make([]PlanStep, 0, len(drafts))
	for _, d := range drafts {
		if strings.TrimSpace(d.Description) == "" {
			continue
		}
		steps = append(steps, PlanStep{
			ID:          uuid.New().String(),
			Description: d.Description,
			Agent:       assign(d.Agent, d.Description, roster),
			Expect:      d.Expect,
			SideEffect:  d.SideEffect,
			Status:      StepPending,
		})
	}
	return steps
}

func assign(named, description string, roster []agent.AgentRef) string {
	for _, ref := range roster {
		if ref.ID == named {
			return named
		}
	}
	if ref, ok := agent.BestMatch(roster, description); ok {
		return ref.ID
	}
	if len(roster) > 0 {
		return roster[0].ID
	}
	return named
}

func rosterLines(sb *strings.Builder, roster []agent.AgentRef) {
	sb.WriteString("Available agents:\n")
	for _, ref := range roster {
		fmt.Fprintf(sb, "- %s", ref.ID)
		if len(ref.Tags) > 0 {
			fmt.Fprintf(sb, " [%s]", strings.Join(ref.Tags, ", "))
		}
		sb.WriteString("\n")
	}
}

const replyFormat = `Reply with JSON only:
{"facts": ["..."], "steps": [{"description": "...", "agent": "<agent id>", "expect": "<text the result must contain, optional>", "side_effect": false}]}`

func planPrompt(task agent.Task, roster []agent.AgentRef) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Goal: %s\n", task.Goal)
	if task.Input != "" {
		fmt.Fprintf(&sb, "Input: %s\n", task.Input)
	}
	sb.WriteString("\n")
	rosterLines(&sb, roster)
	sb.WriteString("\nList the facts already known and an ordered plan of steps.\n")
	sb.WriteString(replyFormat)
	return sb.String()
}

func replanPrompt(st State, reason string, roster []agent.AgentRef) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Goal: %s\n", st.Task.Goal)
	fmt.Fprintf(&sb, "The current plan is not making progress (%s).\n\n", reason)
	if len(st.Ledger.Facts) > 0 {
		sb.WriteString("Known facts:\n")
		for _, f := range st.Ledger.Facts {
			fmt.Fprintf(&sb, "- %s\n", f)
		}
		sb.WriteString("\n")
	}
	if len(st.Progress.History) > 0 {
		sb.WriteString("Steps executed so far:\n")
		for _, o := range st.Progress.History {
			fmt.Fprintf(&sb, "- %s\n", o)
		}
		sb.WriteString("\n")
	}
	rosterLines(&sb, roster)
	sb.WriteString("\nPropose new remaining steps that avoid repeating what failed.\n")
	sb.WriteString(replyFormat)
	return sb.String()
}

// extractFacts collects lines of the form "FACT: ...".
func extractFacts(output string) []string {
	var facts []string
	for line := range strings.SplitSeq(output, "\n") {
		line = strings.TrimSpace(line)
		if len(line) > 5 && strings.EqualFold(line[:5], "fact:") {
			facts = append(facts, strings.TrimSpace(line[5:]))
		}
	}
	return facts
}

// satisfies reports whether output meets the step's completion signal.
func satisfies(step PlanStep, res agent.ExecutionResult) bool {
	if !res.Succeeded() {
		return false
	}
	if step.Expect == "" {
		return true
	}
	return strings.Contains(strings.ToLower(res.Output), strings.ToLower(step.Expect))
}
