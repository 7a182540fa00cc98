package oracle_test

import (
	"context"
	"testing"

	"github.com/reagent-systems/orc/internal/domain"
	"github.com/reagent-systems/orc/internal/oracle"
)

func TestStaticCapabilityCheck(t *testing.T) {
	o := oracle.Static{}
	ctx := context.Background()

	ok, err := o.CapabilityCheck(ctx, domain.Task{Requirements: []string{"web_search"}}, []string{"web_search", "research"})
	if err != nil || !ok {
		t.Fatalf("matching requirement: ok=%v err=%v", ok, err)
	}
	ok, _ = o.CapabilityCheck(ctx, domain.Task{Requirements: []string{"quantum_math"}}, []string{"web_search"})
	if ok {
		t.Fatalf("mismatch should fail")
	}
	ok, _ = o.CapabilityCheck(ctx, domain.Task{}, []string{"anything"})
	if !ok {
		t.Fatalf("task without requirements is open to any agent")
	}
}

func TestStaticFitnessScore(t *testing.T) {
	o := oracle.Static{}
	ctx := context.Background()
	task := domain.Task{Requirements: []string{"file_operations"}}

	score, err := o.FitnessScore(ctx, task, 0, "file")
	if err != nil || score != 7 {
		t.Fatalf("idle specialist: score=%d err=%v", score, err)
	}
	score, _ = o.FitnessScore(ctx, task, 3, "file")
	if score != 4 {
		t.Fatalf("loaded specialist: score=%d", score)
	}
	score, _ = o.FitnessScore(ctx, domain.Task{}, 10, "search")
	if score != 1 {
		t.Fatalf("score must clamp at 1, got %d", score)
	}
	many := domain.Task{Requirements: []string{"file_operations", "file_io", "file_sync"}}
	score, _ = o.FitnessScore(ctx, many, 0, "file")
	if score != 10 {
		t.Fatalf("score must clamp at 10, got %d", score)
	}
}

func TestStaticReflectiveCheck(t *testing.T) {
	o := oracle.Static{}
	ctx := context.Background()

	r, err := o.ReflectiveCheck(ctx, oracle.ReflectiveInput{
		Task:           domain.Task{Description: "count the files"},
		RecentActivity: []string{"Count the files"},
	})
	if err != nil || r.Proceed {
		t.Fatalf("repeat work should be declined: %+v err=%v", r, err)
	}
	r, _ = o.ReflectiveCheck(ctx, oracle.ReflectiveInput{
		Task:           domain.Task{Description: "count the files"},
		RecentActivity: []string{"delete the files"},
	})
	if !r.Proceed {
		t.Fatalf("novel work should proceed: %+v", r)
	}
}

func TestStaticGoalValidate(t *testing.T) {
	o := oracle.Static{}
	ctx := context.Background()

	ok, _ := o.GoalValidate(ctx, domain.Task{}, "found 12 files", "goal")
	if !ok {
		t.Fatalf("substantive result should validate")
	}
	ok, _ = o.GoalValidate(ctx, domain.Task{}, "   ", "goal")
	if ok {
		t.Fatalf("empty result should not validate")
	}
	ok, _ = o.GoalValidate(ctx, domain.Task{}, "Error: tool crashed", "goal")
	if ok {
		t.Fatalf("error-prefixed result should not validate")
	}
}

func TestStaticSemanticDuplicate(t *testing.T) {
	o := oracle.Static{}
	ctx := context.Background()

	dup, _ := o.SemanticDuplicate(ctx,
		domain.Task{Type: "general", Description: "Count the files"},
		domain.Task{Type: "general", Description: "count the files "})
	if !dup {
		t.Fatalf("case/space variants are duplicates")
	}
	dup, _ = o.SemanticDuplicate(ctx,
		domain.Task{Type: "general", Description: "count the files"},
		domain.Task{Type: "research", Description: "count the files"})
	if dup {
		t.Fatalf("different types are never duplicates")
	}
}

func TestStaticCapabilityLabel(t *testing.T) {
	o := oracle.Static{}
	ctx := context.Background()

	label, _ := o.CapabilityLabel(ctx, domain.Task{Requirements: []string{"quantum_math", "gpu"}})
	if label != "quantum_math" {
		t.Fatalf("label = %q", label)
	}
	label, _ = o.CapabilityLabel(ctx, domain.Task{Type: "simulation"})
	if label != "simulation" {
		t.Fatalf("label = %q", label)
	}
	label, _ = o.CapabilityLabel(ctx, domain.Task{})
	if label != "general" {
		t.Fatalf("label = %q", label)
	}
}
