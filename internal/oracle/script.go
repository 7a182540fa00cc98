package oracle

import (
	"context"

	"github.com/reagent-systems/orc/internal/domain"
)

// Script is a canned Oracle for tests and dry runs. Unset hooks fall back
// to permissive answers so a test only scripts the calls it cares about.
type Script struct {
	Capability func(task domain.Task, capabilities []string) (bool, error)
	Reflective func(in ReflectiveInput) (Reflection, error)
	Fitness    func(task domain.Task, workload int, specialization string) (int, error)
	Goal       func(task domain.Task, result, originalGoal string) (bool, error)
	Duplicate  func(a, b domain.Task) (bool, error)
	Label      func(task domain.Task) (string, error)
}

var _ Oracle = &Script{}

func (s *Script) CapabilityCheck(_ context.Context, task domain.Task, capabilities []string) (bool, error) {
	if s.Capability == nil {
		return true, nil
	}
	return s.Capability(task, capabilities)
}

func (s *Script) ReflectiveCheck(_ context.Context, in ReflectiveInput) (Reflection, error) {
	if s.Reflective == nil {
		return Reflection{Proceed: true, Reasoning: "scripted default"}, nil
	}
	return s.Reflective(in)
}

func (s *Script) FitnessScore(_ context.Context, task domain.Task, workload int, specialization string) (int, error) {
	if s.Fitness == nil {
		return 10, nil
	}
	return s.Fitness(task, workload, specialization)
}

func (s *Script) GoalValidate(_ context.Context, task domain.Task, result, originalGoal string) (bool, error) {
	if s.Goal == nil {
		return true, nil
	}
	return s.Goal(task, result, originalGoal)
}

func (s *Script) SemanticDuplicate(_ context.Context, a, b domain.Task) (bool, error) {
	if s.Duplicate == nil {
		return false, nil
	}
	return s.Duplicate(a, b)
}

func (s *Script) CapabilityLabel(_ context.Context, task domain.Task) (string, error) {
	if s.Label == nil {
		return "general", nil
	}
	return s.Label(task)
}
