package agent_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/reagent-systems/orc/internal/agent"
	"github.com/reagent-systems/orc/internal/config"
	"github.com/reagent-systems/orc/internal/domain"
	"github.com/reagent-systems/orc/internal/executor"
	"github.com/reagent-systems/orc/internal/oracle"
	"github.com/reagent-systems/orc/internal/workspace"
)

type testEnv struct {
	Store *workspace.Store
	Cfg   *config.Config
	Ctx   context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	s := workspace.New(t.TempDir())
	if err := s.Ensure(); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	return testEnv{Store: s, Cfg: config.Default(), Ctx: context.Background()}
}

func newAgent(t *testing.T, env testEnv, role string, o oracle.Oracle, execs *executor.Registry) *agent.Agent {
	t.Helper()
	if execs == nil {
		execs = executor.NewRegistry()
		execs.SetFallback(executor.Echo())
	}
	a, err := agent.New(env.Cfg, role, env.Store, o, execs, nil, zap.NewNop())
	if err != nil {
		t.Fatalf("new agent: %v", err)
	}
	a.HostInfo = nil
	a.HeartbeatEach = 10 * time.Millisecond
	return a
}

func enqueue(t *testing.T, s *workspace.Store, task domain.Task) {
	t.Helper()
	if err := s.Enqueue(task); err != nil {
		t.Fatalf("enqueue %s: %v", task.ID, err)
	}
}

func partitionOf(t *testing.T, s *workspace.Store, id string) string {
	t.Helper()
	_, partition, err := s.Get(id)
	if err != nil {
		t.Fatalf("get %s: %v", id, err)
	}
	return partition
}

func TestCycleClaimsExecutesAndCompletes(t *testing.T) {
	env := newTestEnv(t)
	enqueue(t, env.Store, domain.Task{
		ID:           "t1",
		Description:  "read the report",
		Requirements: []string{"file_operations"},
	})

	a := newAgent(t, env, "file", oracle.Static{}, nil)
	a.Cycle(env.Ctx)
	a.Wait()

	if got := partitionOf(t, env.Store, "t1"); got != workspace.PartitionCompleted {
		t.Fatalf("partition = %q, want completed", got)
	}
	task, _, _ := env.Store.Get("t1")
	if task.Result == nil || *task.Result != "acknowledged: read the report" {
		t.Fatalf("result = %v", task.Result)
	}
	records, err := env.Store.LoadContext([]string{"t1"})
	if err != nil || len(records) != 1 {
		t.Fatalf("context records = %d err=%v", len(records), err)
	}
}

func TestCyclePublishesDescriptor(t *testing.T) {
	env := newTestEnv(t)
	a := newAgent(t, env, "search", oracle.Static{}, nil)
	a.Cycle(env.Ctx)

	agents, err := env.Store.ListAgents()
	if err != nil || len(agents) != 1 {
		t.Fatalf("agents = %d err=%v", len(agents), err)
	}
	desc := agents[0]
	if desc.AgentID != a.ID || desc.AgentType != "search" {
		t.Fatalf("descriptor = %+v", desc)
	}
	if desc.LastHeartbeat == "" || desc.Status != "idle" {
		t.Fatalf("descriptor liveness = %+v", desc)
	}
}

func TestCapabilityMismatchLeavesTaskPending(t *testing.T) {
	env := newTestEnv(t)
	enqueue(t, env.Store, domain.Task{
		ID:           "t1",
		Description:  "run the deployment script",
		Requirements: []string{"command_execution"},
	})

	// Role "search" advertises none of the required capabilities.
	a := newAgent(t, env, "search", oracle.Static{}, nil)
	a.Cycle(env.Ctx)
	a.Wait()

	if got := partitionOf(t, env.Store, "t1"); got != workspace.PartitionPending {
		t.Fatalf("partition = %q, want pending", got)
	}
}

func TestFitnessBelowThresholdSkips(t *testing.T) {
	env := newTestEnv(t)
	enqueue(t, env.Store, domain.Task{ID: "t1", Description: "marginal work"})

	o := &oracle.Script{
		Fitness: func(domain.Task, int, string) (int, error) { return 4, nil },
	}
	a := newAgent(t, env, "file", o, nil) // threshold 5
	a.Cycle(env.Ctx)
	a.Wait()

	if got := partitionOf(t, env.Store, "t1"); got != workspace.PartitionPending {
		t.Fatalf("partition = %q, want pending", got)
	}
}

func TestReflectiveDeclineSkips(t *testing.T) {
	env := newTestEnv(t)
	enqueue(t, env.Store, domain.Task{ID: "t1", Description: "redundant work"})

	o := &oracle.Script{
		Reflective: func(oracle.ReflectiveInput) (oracle.Reflection, error) {
			return oracle.Reflection{Proceed: false, Reasoning: "already covered"}, nil
		},
	}
	a := newAgent(t, env, "file", o, nil)
	a.Cycle(env.Ctx)
	a.Wait()

	if got := partitionOf(t, env.Store, "t1"); got != workspace.PartitionPending {
		t.Fatalf("partition = %q, want pending", got)
	}
}

func TestDependencyGateBlocksUntilCompleted(t *testing.T) {
	env := newTestEnv(t)
	enqueue(t, env.Store, domain.Task{ID: "dep", Description: "prerequisite"})
	enqueue(t, env.Store, domain.Task{ID: "main", Description: "gated work", Dependencies: []string{"dep"}})

	execs := executor.NewRegistry()
	execs.SetFallback(executor.Echo())
	a := newAgent(t, env, "file", oracle.Static{}, execs)

	a.Cycle(env.Ctx)
	a.Wait()
	// First cycle may only run the prerequisite.
	if got := partitionOf(t, env.Store, "dep"); got != workspace.PartitionCompleted {
		t.Fatalf("dep partition = %q, want completed", got)
	}

	a.Cycle(env.Ctx)
	a.Wait()
	if got := partitionOf(t, env.Store, "main"); got != workspace.PartitionCompleted {
		t.Fatalf("main partition = %q, want completed", got)
	}
}

func TestGoalValidationFailureConsumesRetryBudget(t *testing.T) {
	env := newTestEnv(t)
	enqueue(t, env.Store, domain.Task{ID: "t1", Description: "unverifiable work", MaxRetries: 1})

	o := &oracle.Script{
		Goal: func(domain.Task, string, string) (bool, error) { return false, nil },
	}
	a := newAgent(t, env, "file", o, nil)

	a.Cycle(env.Ctx)
	a.Wait()
	task, partition, err := env.Store.Get("t1")
	if err != nil || partition != workspace.PartitionPending {
		t.Fatalf("after first rejection: partition=%q err=%v", partition, err)
	}
	if task.RetryCount != 1 {
		t.Fatalf("retry_count = %d, want 1", task.RetryCount)
	}

	a.Cycle(env.Ctx)
	a.Wait()
	if got := partitionOf(t, env.Store, "t1"); got != workspace.PartitionFailed {
		t.Fatalf("after exhausting retries: partition = %q, want failed", got)
	}
}

func TestExecutorErrorFailsTask(t *testing.T) {
	env := newTestEnv(t)
	enqueue(t, env.Store, domain.Task{ID: "t1", Description: "doomed work"})

	execs := executor.NewRegistry()
	execs.SetFallback(executor.Func(func(context.Context, domain.Task) (string, error) {
		return "", errors.New("tool exploded")
	}))
	a := newAgent(t, env, "file", oracle.Static{}, execs)
	a.Cycle(env.Ctx)
	a.Wait()

	task, partition, err := env.Store.Get("t1")
	if err != nil || partition != workspace.PartitionFailed {
		t.Fatalf("partition=%q err=%v", partition, err)
	}
	if task.Error == nil || *task.Error != "tool exploded" {
		t.Fatalf("error = %v", task.Error)
	}
}

func TestConcurrencyCapHoldsBackExtraWork(t *testing.T) {
	env := newTestEnv(t)
	env.Cfg.Agent.MaxConcurrentTasks = 1
	enqueue(t, env.Store, domain.Task{ID: "a", Description: "first slow job"})
	enqueue(t, env.Store, domain.Task{ID: "b", Description: "second slow job"})

	release := make(chan struct{})
	execs := executor.NewRegistry()
	execs.SetFallback(executor.Func(func(ctx context.Context, task domain.Task) (string, error) {
		<-release
		return "done", nil
	}))
	a := newAgent(t, env, "file", oracle.Static{}, execs)

	a.Cycle(env.Ctx)
	counts, err := env.Store.CountTasks()
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if counts[workspace.PartitionActive] != 1 || counts[workspace.PartitionPending] != 1 {
		t.Fatalf("counts = %v, want one active and one held back", counts)
	}

	close(release)
	a.Wait()
	a.Cycle(env.Ctx)
	a.Wait()
	counts, _ = env.Store.CountTasks()
	if counts[workspace.PartitionCompleted] != 2 {
		t.Fatalf("counts = %v, want both completed", counts)
	}
}

func TestOracleErrorFailClosedSkipsTask(t *testing.T) {
	env := newTestEnv(t)
	enqueue(t, env.Store, domain.Task{ID: "t1", Description: "work"})

	o := &oracle.Script{
		Capability: func(domain.Task, []string) (bool, error) {
			return false, errors.New("judgment service down")
		},
	}
	a := newAgent(t, env, "file", o, nil)
	a.FailureMode = config.FailClosed
	a.Cycle(env.Ctx)
	a.Wait()

	if got := partitionOf(t, env.Store, "t1"); got != workspace.PartitionPending {
		t.Fatalf("partition = %q, want pending under fail-closed", got)
	}
}

func TestOracleErrorFailOpenProceeds(t *testing.T) {
	env := newTestEnv(t)
	enqueue(t, env.Store, domain.Task{ID: "t1", Description: "work"})

	o := &oracle.Script{
		Capability: func(domain.Task, []string) (bool, error) {
			return false, errors.New("judgment service down")
		},
	}
	a := newAgent(t, env, "file", o, nil)
	a.FailureMode = config.FailOpen
	a.Cycle(env.Ctx)
	a.Wait()

	if got := partitionOf(t, env.Store, "t1"); got != workspace.PartitionCompleted {
		t.Fatalf("partition = %q, want completed under fail-open", got)
	}
}

func TestDecomposerQueuesExtensionChainForCapabilityGap(t *testing.T) {
	env := newTestEnv(t)
	enqueue(t, env.Store, domain.Task{
		ID:           "orig",
		Description:  "simulate protein folding",
		Type:         "simulation",
		Requirements: []string{"molecular_dynamics"},
	})
	// A normal fleet is live, so only molecular_dynamics is a genuine gap;
	// the synthesized chain itself is work the fleet can absorb.
	for role, caps := range map[string][]string{
		"search":   {"web_search", "research"},
		"file":     {"file_operations", "agent_generation"},
		"terminal": {"command_execution"},
	} {
		err := env.Store.PublishAgent(domain.AgentDescriptor{
			AgentID:       role + "_99990000",
			AgentType:     role,
			Capabilities:  caps,
			LastHeartbeat: time.Now().UTC().Format(time.RFC3339),
			Status:        "idle",
		})
		if err != nil {
			t.Fatalf("publish peer %s: %v", role, err)
		}
	}

	a := newAgent(t, env, "breakdown", oracle.Static{}, nil)
	a.Cycle(env.Ctx)
	a.Wait()

	pending, err := env.Store.ListTasks(workspace.PartitionPending)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	// Original plus research, build, deploy, and the re-queued copy. The
	// chain tasks target capabilities the breakdown role does not carry, so
	// none of them is claimed in this cycle either.
	if len(pending) != 5 {
		t.Fatalf("pending = %d, want 5", len(pending))
	}
	orig, partition, _ := env.Store.Get("orig")
	if partition != workspace.PartitionPending || orig.ClaimedBy != nil {
		t.Fatalf("original must stay unclaimed: partition=%q task=%+v", partition, orig)
	}

	// A second cycle must not queue the chain again.
	a.Cycle(env.Ctx)
	a.Wait()
	pending, _ = env.Store.ListTasks(workspace.PartitionPending)
	if len(pending) != 5 {
		t.Fatalf("pending after second cycle = %d, want 5", len(pending))
	}
}

func TestNonDecomposerNeverExtends(t *testing.T) {
	env := newTestEnv(t)
	enqueue(t, env.Store, domain.Task{
		ID:           "orig",
		Description:  "simulate protein folding",
		Requirements: []string{"molecular_dynamics"},
	})

	a := newAgent(t, env, "file", oracle.Static{}, nil)
	a.Cycle(env.Ctx)
	a.Wait()

	pending, _ := env.Store.ListTasks(workspace.PartitionPending)
	if len(pending) != 1 {
		t.Fatalf("pending = %d, want just the original", len(pending))
	}
}

func TestGapSuppressedWhenAnotherAgentIsCapable(t *testing.T) {
	env := newTestEnv(t)
	enqueue(t, env.Store, domain.Task{
		ID:           "orig",
		Description:  "run the benchmark",
		Requirements: []string{"command_execution"},
	})
	// A live terminal agent already covers the requirement.
	err := env.Store.PublishAgent(domain.AgentDescriptor{
		AgentID:       "terminal_11112222",
		AgentType:     "terminal",
		Capabilities:  []string{"command_execution"},
		LastHeartbeat: time.Now().UTC().Format(time.RFC3339),
		Status:        "idle",
	})
	if err != nil {
		t.Fatalf("publish peer: %v", err)
	}

	a := newAgent(t, env, "breakdown", oracle.Static{}, nil)
	a.Cycle(env.Ctx)
	a.Wait()

	pending, _ := env.Store.ListTasks(workspace.PartitionPending)
	if len(pending) != 1 {
		t.Fatalf("pending = %d, want no extension chain", len(pending))
	}
}
