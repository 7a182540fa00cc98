// Package planner synthesizes task chains that close capability gaps: when
// no running agent can take a task, it queues the work needed to grow the
// fleet and re-queues the original behind it.
package planner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/reagent-systems/orc/internal/domain"
	"github.com/reagent-systems/orc/internal/oracle"
	"github.com/reagent-systems/orc/internal/workspace"
)

// ErrDepthExceeded means the task sits at the decomposition ceiling and
// may not spawn further children, whatever the oracle thinks.
var ErrDepthExceeded = errors.New("max decomposition depth reached")

// IsDepthExceeded reports whether err comes from the depth ceiling.
func IsDepthExceeded(err error) bool { return errors.Is(err, ErrDepthExceeded) }

// Capability classes the synthesized chain is addressed to.
var (
	researchRequirements = []string{"research"}
	buildRequirements    = []string{"file_operations", "agent_generation"}
	deployRequirements   = []string{"command_execution"}
)

type Planner struct {
	Store    *workspace.Store
	Oracle   oracle.Oracle
	MaxDepth int
	Now      func() time.Time
	NewID    func() string
}

func New(store *workspace.Store, o oracle.Oracle, maxDepth int) *Planner {
	return &Planner{
		Store:    store,
		Oracle:   o,
		MaxDepth: maxDepth,
		Now:      time.Now,
		NewID:    uuid.NewString,
	}
}

// Extension is the dependent chain produced for one capability gap.
type Extension struct {
	Research domain.Task
	Build    domain.Task
	Deploy   domain.Task
	Requeued domain.Task
}

// Tasks returns the chain members that were actually enqueued.
func (e Extension) Tasks() []domain.Task {
	return []domain.Task{e.Research, e.Build, e.Deploy, e.Requeued}
}

// Extend synthesizes the research -> build -> deploy chain for a task no
// known agent can handle and re-queues the original behind it under a new
// id. The original record is left alone: it is never claimed this cycle.
//
// Candidates that semantically duplicate an existing pending or active
// task are not enqueued; the existing task stands in for them in the
// dependency chain. The depth ceiling is enforced before any oracle call.
func (p *Planner) Extend(ctx context.Context, task domain.Task, createdBy string) (Extension, error) {
	if task.Context.Depth >= p.MaxDepth {
		return Extension{}, fmt.Errorf("%w: task %s at depth %d", ErrDepthExceeded, task.ID, task.Context.Depth)
	}
	label, err := p.Oracle.CapabilityLabel(ctx, task)
	if err != nil {
		return Extension{}, fmt.Errorf("label missing capability: %w", err)
	}

	existing, err := p.knownTasks()
	if err != nil {
		return Extension{}, err
	}

	childDepth := task.Context.Depth + 1
	parent := task.ID
	childCtx := domain.TaskContext{
		OriginalGoal: task.Context.OriginalGoal,
		ParentTask:   &parent,
		Depth:        childDepth,
	}

	research := domain.Task{
		ID:           p.newID(),
		Description:  fmt.Sprintf("Research how to provide the %q capability", label),
		Type:         "research",
		Requirements: researchRequirements,
		Priority:     task.Priority,
		Context:      childCtx,
		CreatedBy:    createdBy,
		MaxRetries:   task.MaxRetries,
	}
	research, err = p.publish(ctx, research, existing, nil)
	if err != nil {
		return Extension{}, err
	}

	build := domain.Task{
		ID:           p.newID(),
		Description:  fmt.Sprintf("Build an agent providing the %q capability", label),
		Type:         "agent_generation",
		Requirements: buildRequirements,
		Priority:     task.Priority,
		Context:      childCtx,
		Dependencies: []string{research.ID},
		CreatedBy:    createdBy,
		MaxRetries:   task.MaxRetries,
	}
	build, err = p.publish(ctx, build, existing, nil)
	if err != nil {
		return Extension{}, err
	}

	deploy := domain.Task{
		ID:           p.newID(),
		Description:  fmt.Sprintf("Deploy and validate the new %q agent", label),
		Type:         "deployment",
		Requirements: deployRequirements,
		Priority:     task.Priority,
		Context:      childCtx,
		Dependencies: []string{build.ID},
		CreatedBy:    createdBy,
		MaxRetries:   task.MaxRetries,
	}
	deploy, err = p.publish(ctx, deploy, existing, nil)
	if err != nil {
		return Extension{}, err
	}

	requeued := task
	requeued.ID = p.newID()
	requeued.Dependencies = append(append([]string{}, task.Dependencies...), deploy.ID)
	requeued.Context = childCtx
	requeued.CreatedBy = createdBy
	requeued.CreatedAt = ""
	requeued.ClaimedBy = nil
	requeued.ClaimedAt = nil
	requeued.LastHeartbeat = nil
	requeued.HeartbeatCount = 0
	// The original record is by definition the closest semantic match of
	// its own re-queue, so it is excluded from the duplicate gate here.
	requeued, err = p.publish(ctx, requeued, existing, map[string]bool{task.ID: true})
	if err != nil {
		return Extension{}, err
	}

	return Extension{Research: research, Build: build, Deploy: deploy, Requeued: requeued}, nil
}

// FilterDuplicates drops candidates that semantically duplicate an
// existing pending or active task. Used by any decomposition flow before
// publishing subtasks; the depth counter remains the hard backstop.
func (p *Planner) FilterDuplicates(ctx context.Context, candidates []domain.Task) ([]domain.Task, error) {
	existing, err := p.knownTasks()
	if err != nil {
		return nil, err
	}
	var kept []domain.Task
	for _, c := range candidates {
		dup, _, err := p.duplicateOf(ctx, c, existing, nil)
		if err != nil {
			return nil, err
		}
		if !dup {
			kept = append(kept, c)
		}
	}
	return kept, nil
}

// publish enqueues the candidate unless it duplicates an existing task,
// in which case the existing task is returned so the caller can chain
// dependencies onto it instead.
func (p *Planner) publish(ctx context.Context, candidate domain.Task, existing []domain.Task, skip map[string]bool) (domain.Task, error) {
	dup, match, err := p.duplicateOf(ctx, candidate, existing, skip)
	if err != nil {
		return domain.Task{}, err
	}
	if dup {
		return match, nil
	}
	if err := p.Store.Enqueue(candidate); err != nil {
		return domain.Task{}, fmt.Errorf("enqueue %s: %w", candidate.ID, err)
	}
	return candidate, nil
}

func (p *Planner) duplicateOf(ctx context.Context, candidate domain.Task, existing []domain.Task, skip map[string]bool) (bool, domain.Task, error) {
	for _, e := range existing {
		if skip[e.ID] {
			continue
		}
		dup, err := p.Oracle.SemanticDuplicate(ctx, candidate, e)
		if err != nil {
			return false, domain.Task{}, fmt.Errorf("semantic duplicate check: %w", err)
		}
		if dup {
			return true, e, nil
		}
	}
	return false, domain.Task{}, nil
}

// knownTasks is the duplicate-gate comparison set: everything pending or
// active right now.
func (p *Planner) knownTasks() ([]domain.Task, error) {
	pending, err := p.Store.ListTasks(workspace.PartitionPending)
	if err != nil {
		return nil, err
	}
	active, err := p.Store.ListTasks(workspace.PartitionActive)
	if err != nil {
		return nil, err
	}
	return append(pending, active...), nil
}

func (p *Planner) newID() string {
	if p.NewID != nil {
		return p.NewID()
	}
	return uuid.NewString()
}
