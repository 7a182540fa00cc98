package oracle

import (
	"context"

	"github.com/reagent-systems/orc/internal/domain"
)

// Reflection is the outcome of a reflective check: whether to proceed and
// the reasoning behind the decision.
type Reflection struct {
	Proceed   bool   `json:"proceed"`
	Reasoning string `json:"reasoning"`
}

// ReflectiveInput bundles what the oracle considers before an agent takes
// a task: what the agent did recently, what the workspace looks like, and
// the objective the task ultimately serves.
type ReflectiveInput struct {
	Task           domain.Task
	RecentActivity []string
	Workspace      string
	OriginalGoal   string
}

// Oracle is the external judgment port an agent consults during the
// acceptance pipeline and result validation. Every call is a black box
// expected to answer in bounded time; callers decide what an error means
// (fail-open or fail-closed) via configuration.
type Oracle interface {
	// CapabilityCheck answers "can this capability set technically do
	// this work".
	CapabilityCheck(ctx context.Context, task domain.Task, capabilities []string) (bool, error)
	// ReflectiveCheck guards against redundant or goal-drifting work.
	ReflectiveCheck(ctx context.Context, in ReflectiveInput) (Reflection, error)
	// FitnessScore rates suitability on a 1..10 scale.
	FitnessScore(ctx context.Context, task domain.Task, currentWorkload int, specialization string) (int, error)
	// GoalValidate answers "did this result meaningfully advance the
	// original objective".
	GoalValidate(ctx context.Context, task domain.Task, result, originalGoal string) (bool, error)
	// SemanticDuplicate answers "would completing one task make the
	// other redundant".
	SemanticDuplicate(ctx context.Context, a, b domain.Task) (bool, error)
	// CapabilityLabel names the capability a task needs that no known
	// agent provides.
	CapabilityLabel(ctx context.Context, task domain.Task) (string, error)
}
