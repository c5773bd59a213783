package planner

import (
	"fmt"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"github.com/xkilldash9x/autopilot-cli/api/schemas"
	"github.com/xkilldash9x/autopilot-cli/internal/browser/dom"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	maxPromptText     = 4000
	maxPromptElements = 60
)

const systemPrompt = `You are the planning component of 'autopilot', a browser automation agent.
You turn a user's objective into an ordered list of atomic browser steps that a separate executor performs one at a time against a live page.
Respond with a single JSON object and nothing else.`

const actionsPrompt = `

Available actions:
    - navigate: Load a URL. (Params: value = absolute URL)
    - click: Click an element. (Params: target)
    - fill: Set the value of a text input or textarea. (Params: target, value)
    - select: Choose an option of a dropdown by value or visible text. (Params: target, value)
    - wait: Block until the target appears, or pause for a duration. (Params: target, or value = Go duration such as "2s")
    - extract: Read data from the page, or from the target element when one is given.
    - verify-only: Perform nothing; only the post_condition is checked.

Targets:
    - {"kind": "semantic", "value": "Submit button"} describes the element in plain words. Prefer this.
    - {"kind": "css" | "xpath" | "text" | "id" | "class" | "name", "value": "..."} when a precise selector is visible in the page summary.
    - Set "require_unique": true only when acting on the wrong one of several similar elements would be harmful.

Post-conditions are optional CEL expressions evaluated after the step, over:
    - page.url, page.title, page.text (strings), page.fields (map of form control name or id to value), page.elements (int)
    - extracted (map of step id to the data an earlier extract step returned)
    Examples: page.url.contains("/dashboard"), page.fields["email"] == "a@b.c", page.text.contains("Welcome")
    Omit the post_condition when success cannot be observed on the page.

Mark a step "critical": false only when the objective can still be achieved if it is skipped (dismissing a banner, optional fields).`

const responsePrompt = `

Response format:
{
  "rationale": "one sentence",
  "steps": [
    {"description": "...", "action": "click", "target": {"kind": "semantic", "value": "..."}, "value": "", "post_condition": "", "critical": true, "timeout": "10s"}
  ]
}
Use at most %d steps. If the objective cannot be turned into concrete browser steps, respond with {"error": "why"}.`

func buildSystemPrompt(maxSteps int) string {
	return systemPrompt + actionsPrompt + fmt.Sprintf(responsePrompt, maxSteps)
}

// describePage renders the snapshot as a compact summary of what is on screen.
func describePage(page *schemas.PageState) string {
	if page == nil {
		return "No page is loaded yet."
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "URL: %s\nTitle: %s\n", page.URL, page.Title)
	if len(page.Interactive) > 0 {
		sb.WriteString("Interactive elements:\n")
		for i, el := range page.Interactive {
			if i == maxPromptElements {
				fmt.Fprintf(&sb, "    ... %d more\n", len(page.Interactive)-maxPromptElements)
				break
			}
			fmt.Fprintf(&sb, "    - %s\n", dom.Summary(el))
		}
	}
	if page.Text != "" {
		fmt.Fprintf(&sb, "Visible text:\n%s\n", dom.Truncate(page.Text, maxPromptText))
	}
	return sb.String()
}

func describeObjective(obj schemas.Objective) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Objective: %s\n", obj.Goal)
	if obj.StartURL != "" {
		fmt.Fprintf(&sb, "Start URL: %s\n", obj.StartURL)
	}
	if len(obj.Constraints) > 0 {
		sb.WriteString("Constraints:\n")
		for _, c := range obj.Constraints {
			fmt.Fprintf(&sb, "    - %s\n", c)
		}
	}
	return sb.String()
}

func planUserPrompt(obj schemas.Objective, page *schemas.PageState) string {
	return fmt.Sprintf(`%s
Current page:
%s
Produce the full plan. Respond with a single JSON object.`, describeObjective(obj), describePage(page))
}

// promptStep is the subset of a step the model needs to see.
type promptStep struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Action      string `json:"action"`
	Target      string `json:"target,omitempty"`
	Status      string `json:"status,omitempty"`
}

func toPromptSteps(steps []schemas.Step) []promptStep {
	out := make([]promptStep, 0, len(steps))
	for _, s := range steps {
		ps := promptStep{ID: s.ID, Description: s.Description, Action: string(s.Action), Status: string(s.Status)}
		if !s.Target.IsZero() {
			ps.Target = s.Target.String()
		}
		out = append(out, ps)
	}
	return out
}

func replanUserPrompt(obj schemas.Objective, page *schemas.PageState, pc schemas.PlanContext) (string, error) {
	progress, err := json.Marshal(map[string]any{
		"completed": toPromptSteps(pc.Completed),
		"failed":    toPromptSteps([]schemas.Step{pc.Failed})[0],
		"remaining": toPromptSteps(pc.Remaining),
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal plan progress: %w", err)
	}

	var failures strings.Builder
	for _, a := range pc.History {
		fmt.Fprintf(&failures, "    - attempt %d: %s", a.Attempt, a.FailureCode())
		if a.Locator.Target.Value != "" {
			fmt.Fprintf(&failures, " (target %s)", a.Locator.Target)
		}
		if detail := firstNonEmpty(a.Locator.Error, a.Execution.Error, a.Detail); detail != "" {
			fmt.Fprintf(&failures, ": %s", dom.Truncate(detail, 200))
		}
		failures.WriteString("\n")
	}

	return fmt.Sprintf(`%s
Progress so far (JSON):
%s

The failed step could not be completed: %s
Attempts:
%s
Current page:
%s
Produce ONLY the steps that replace the failed step and everything after it. Do not repeat completed steps. Take a different approach from the one that failed. Respond with a single JSON object.`,
		describeObjective(obj), string(progress), pc.Reason, failures.String(), describePage(page)), nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
