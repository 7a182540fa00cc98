package oracle

import (
	"context"
	"strings"

	"github.com/reagent-systems/orc/internal/domain"
)

// Static is a deterministic, rule-based Oracle. It stands in for an
// LLM-backed judgment service: decisions come from requirement overlap
// and workload arithmetic, so the engine behaves the same on every run.
type Static struct{}

var _ Oracle = Static{}

func (Static) CapabilityCheck(_ context.Context, task domain.Task, capabilities []string) (bool, error) {
	return task.RequiresAny(capabilities), nil
}

func (Static) ReflectiveCheck(_ context.Context, in ReflectiveInput) (Reflection, error) {
	for _, recent := range in.RecentActivity {
		if strings.EqualFold(strings.TrimSpace(recent), strings.TrimSpace(in.Task.Description)) {
			return Reflection{Proceed: false, Reasoning: "identical work performed recently"}, nil
		}
	}
	return Reflection{Proceed: true, Reasoning: "no recent overlap detected"}, nil
}

// FitnessScore starts from a neutral score, rewards each requirement the
// specialization already names, and penalizes a loaded agent.
func (Static) FitnessScore(_ context.Context, task domain.Task, currentWorkload int, specialization string) (int, error) {
	score := 5
	for _, req := range task.Requirements {
		if strings.Contains(specialization, req) || strings.Contains(req, specialization) {
			score += 2
		}
	}
	score -= currentWorkload
	if score < 1 {
		score = 1
	}
	if score > 10 {
		score = 10
	}
	return score, nil
}

func (Static) GoalValidate(_ context.Context, _ domain.Task, result, _ string) (bool, error) {
	trimmed := strings.TrimSpace(result)
	if trimmed == "" {
		return false, nil
	}
	return !strings.HasPrefix(strings.ToLower(trimmed), "error"), nil
}

func (Static) SemanticDuplicate(_ context.Context, a, b domain.Task) (bool, error) {
	if a.Type != b.Type {
		return false, nil
	}
	return strings.EqualFold(strings.TrimSpace(a.Description), strings.TrimSpace(b.Description)), nil
}

func (Static) CapabilityLabel(_ context.Context, task domain.Task) (string, error) {
	if len(task.Requirements) > 0 {
		return task.Requirements[0], nil
	}
	if task.Type != "" {
		return task.Type, nil
	}
	return "general", nil
}
