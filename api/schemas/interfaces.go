package schemas

import (
	"context"
)

// -- Store Interface --

// Store persists finished sessions. The ordered, append-only history is the
// unit of persistence; the on-disk layout is up to the implementation.
type Store interface {
	// SaveSession writes a terminal session record.
	SaveSession(ctx context.Context, rec *SessionRecord) error
	// GetSession loads a previously saved record by id.
	GetSession(ctx context.Context, sessionID string) (*SessionRecord, error)
	// Close releases the underlying connection.
	Close() error
}

// -- Planner Interface --

// PlanContext carries what the planner needs to revise the unexecuted suffix of
// a plan after a failure.
type PlanContext struct {
	Completed []Step        // Steps before the cursor, with their final status.
	Failed    Step          // The step that exhausted recovery.
	Remaining []Step        // The untouched suffix being replaced.
	Reason    string        // Failure reason from the last attempt.
	History   []StepAttempt // Attempts on the failed step.
}

// Planner decomposes an objective into steps and revises the suffix on demand.
type Planner interface {
	// Plan returns a non-empty ordered step list for the objective. page may be nil.
	Plan(ctx context.Context, obj Objective, page *PageState) ([]Step, error)
	// Replan returns the steps replacing the unexecuted suffix.
	Replan(ctx context.Context, obj Objective, page *PageState, pc PlanContext) ([]Step, error)
}

// -- LLM Client Schemas & Interface --

// ModelTier allows for selecting a large language model based on a preference
// for speed versus advanced capabilities.
type ModelTier string

const (
	TierFast     ModelTier = "fast"     // Prefers a faster, potentially less capable model.
	TierPowerful ModelTier = "powerful" // Prefers a more capable, potentially slower model.
)

// GenerationOptions controls sampling and output format.
type GenerationOptions struct {
	Temperature     float64 `json:"temperature"`
	ForceJSONFormat bool    `json:"force_json_format"`
	TopP            float64 `json:"top_p"`
	TopK            int     `json:"top_k"`
}

// GenerationRequest encapsulates a complete request to the LLM.
type GenerationRequest struct {
	SystemPrompt string            `json:"system_prompt"`
	UserPrompt   string            `json:"user_prompt"`
	Tier         ModelTier         `json:"tier"`
	Options      GenerationOptions `json:"options"`
}

// LLMClient defines a standard interface for interacting with a Large Language
// Model, abstracting the specifics of the underlying provider.
type LLMClient interface {
	// Generate produces a text completion based on the provided request.
	Generate(ctx context.Context, req GenerationRequest) (string, error)
	// Close cleans up any resources held by the client.
	Close() error
}
