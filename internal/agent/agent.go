// Package agent runs the polling loop of one worker process. Agents never
// talk to each other: the shared workspace is the only coordination
// surface, and an atomic claim is the only synchronization primitive.
package agent

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/reagent-systems/orc/internal/config"
	"github.com/reagent-systems/orc/internal/domain"
	"github.com/reagent-systems/orc/internal/executor"
	"github.com/reagent-systems/orc/internal/journal"
	"github.com/reagent-systems/orc/internal/oracle"
	"github.com/reagent-systems/orc/internal/planner"
	"github.com/reagent-systems/orc/internal/sysinfo"
	"github.com/reagent-systems/orc/internal/workspace"
)

// Descriptors older than this are treated as belonging to dead agents.
const descriptorStaleAfter = 30 * time.Second

// How many recent activity entries feed the reflective check.
const recentActivityWindow = 10

type Agent struct {
	ID           string
	Role         string
	Capabilities []string
	Threshold    int

	Store     *workspace.Store
	Oracle    oracle.Oracle
	Executors *executor.Registry
	Planner   *planner.Planner
	Journal   *journal.Journal
	Log       *zap.Logger

	PollInterval  time.Duration
	PollJitter    time.Duration
	HeartbeatEach time.Duration
	MaxConcurrent int
	FailureMode   string

	Now      func() time.Time
	HostInfo func() *domain.HostStats

	tracer trace.Tracer
	rng    *rand.Rand

	mu      sync.Mutex
	running map[string]bool
	planned map[string]bool
	recent  []string
	wg      sync.WaitGroup
}

// New builds an agent for the named role. The identity is freshly minted
// each process start; descriptors are advisory and age out on their own.
func New(cfg *config.Config, roleName string, store *workspace.Store, o oracle.Oracle, execs *executor.Registry, jr *journal.Journal, log *zap.Logger) (*Agent, error) {
	role, ok := cfg.Roles[roleName]
	if !ok {
		return nil, fmt.Errorf("unknown role %q", roleName)
	}
	if log == nil {
		log = zap.NewNop()
	}
	a := &Agent{
		ID:            fmt.Sprintf("%s_%s", roleName, shortID()),
		Role:          roleName,
		Capabilities:  role.Capabilities,
		Threshold:     role.Threshold,
		Store:         store,
		Oracle:        o,
		Executors:     execs,
		Journal:       jr,
		Log:           log,
		PollInterval:  durationSeconds(cfg.Agent.PollIntervalSeconds),
		PollJitter:    durationSeconds(cfg.Agent.PollJitterSeconds),
		HeartbeatEach: durationSeconds(cfg.Agent.HeartbeatSeconds),
		MaxConcurrent: cfg.Agent.MaxConcurrentTasks,
		FailureMode:   cfg.Agent.OracleFailureMode,
		Now:           time.Now,
		HostInfo:      sysinfo.Snapshot,
		tracer:        otel.Tracer("orc/agent"),
		rng:           rand.New(rand.NewSource(time.Now().UnixNano())),
		running:       map[string]bool{},
		planned:       map[string]bool{},
	}
	if role.Decomposer {
		a.Planner = planner.New(store, o, cfg.Agent.MaxDecompositionDepth)
	}
	return a, nil
}

func shortID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

func durationSeconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// Run polls until the context is cancelled, then waits for in-flight tasks
// to finish. A missing workspace is fatal; everything that goes wrong with
// an individual task is logged and survived.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.Store.Ensure(); err != nil {
		return fmt.Errorf("workspace unavailable: %w", err)
	}
	a.Log.Info("agent online",
		zap.String("agent_id", a.ID),
		zap.String("role", a.Role),
		zap.Strings("capabilities", a.Capabilities))
	for {
		a.Cycle(ctx)
		select {
		case <-ctx.Done():
			a.wg.Wait()
			a.publishDescriptor("offline")
			a.Log.Info("agent offline", zap.String("agent_id", a.ID))
			return ctx.Err()
		case <-time.After(a.sleepFor()):
		}
	}
}

// sleepFor jitters the poll interval so co-located agents do not scan the
// pending partition in lockstep.
func (a *Agent) sleepFor() time.Duration {
	d := a.PollInterval
	if a.PollJitter > 0 {
		d += time.Duration((a.rng.Float64()*2 - 1) * float64(a.PollJitter))
	}
	if d < 50*time.Millisecond {
		d = 50 * time.Millisecond
	}
	return d
}

// Cycle performs one poll: publish liveness, scan pending work, and claim
// whatever passes the acceptance pipeline, up to the concurrency cap.
func (a *Agent) Cycle(ctx context.Context) {
	a.publishDescriptor(a.status())

	pending, err := a.Store.ListPending()
	if err != nil {
		a.Log.Error("list pending tasks", zap.Error(err))
		return
	}
	sort.SliceStable(pending, func(i, j int) bool {
		if pending[i].Priority != pending[j].Priority {
			return pending[i].Priority > pending[j].Priority
		}
		return pending[i].CreatedAt < pending[j].CreatedAt
	})

	for _, t := range pending {
		if a.activeCount() >= a.MaxConcurrent {
			return
		}
		if a.isRunning(t.ID) {
			continue
		}
		a.consider(ctx, t)
	}
}

// consider runs the full gate sequence for one pending task. Rejection at
// any stage leaves the task untouched for other agents.
func (a *Agent) consider(ctx context.Context, t domain.Task) {
	ctx, span := a.tracer.Start(ctx, "task.evaluate", trace.WithAttributes(
		attribute.String("task.id", t.ID),
		attribute.String("agent.id", a.ID),
	))
	defer span.End()

	satisfied, err := a.Store.DependenciesSatisfied(t)
	if err != nil {
		a.Log.Warn("dependency check", zap.String("task_id", t.ID), zap.Error(err))
		return
	}
	if !satisfied {
		return
	}

	capable, err := a.Oracle.CapabilityCheck(ctx, t, a.Capabilities)
	if err != nil {
		capable = a.failOpen("capability check", t.ID, err)
	}
	if !capable {
		if a.Planner != nil {
			a.maybeExtend(ctx, t)
		}
		return
	}

	refl, err := a.Oracle.ReflectiveCheck(ctx, oracle.ReflectiveInput{
		Task:           t,
		RecentActivity: a.recentActivity(),
		Workspace:      a.Store.Root,
		OriginalGoal:   t.Context.OriginalGoal,
	})
	if err != nil {
		refl.Proceed = a.failOpen("reflective check", t.ID, err)
	}
	if !refl.Proceed {
		a.Log.Debug("reflective check declined task",
			zap.String("task_id", t.ID),
			zap.String("reasoning", refl.Reasoning))
		return
	}

	score, err := a.Oracle.FitnessScore(ctx, t, a.activeCount(), a.Role)
	if err != nil {
		if !a.failOpen("fitness score", t.ID, err) {
			return
		}
		score = a.Threshold
	}
	if score < a.Threshold {
		a.Log.Debug("fitness below threshold",
			zap.String("task_id", t.ID),
			zap.Int("score", score),
			zap.Int("threshold", a.Threshold))
		return
	}

	claimed, won, err := a.Store.Claim(t.ID, a.ID)
	if err != nil {
		a.Log.Warn("claim task", zap.String("task_id", t.ID), zap.Error(err))
		return
	}
	if !won {
		// Another agent renamed the file first. Not an error.
		return
	}
	a.Log.Info("claimed task",
		zap.String("task_id", claimed.ID),
		zap.String("type", claimed.Type),
		zap.Int("score", score))
	a.journal(ctx, "task.claimed", claimed.ID, journal.Payload{"score": score})

	a.setRunning(claimed.ID, true)
	a.wg.Add(1)
	go a.execute(ctx, claimed)
}

// maybeExtend triggers the self-extension chain when no live agent in the
// workspace advertises a capability that satisfies the task. Structural
// matching is enough here: the gap question is "does anyone claim the tag",
// not "is the work feasible".
func (a *Agent) maybeExtend(ctx context.Context, t domain.Task) {
	a.mu.Lock()
	done := a.planned[t.ID]
	a.mu.Unlock()
	if done {
		return
	}

	agents, err := a.Store.ListAgents()
	if err != nil {
		a.Log.Warn("list agents", zap.String("task_id", t.ID), zap.Error(err))
		return
	}
	for _, desc := range agents {
		if a.descriptorStale(desc) {
			continue
		}
		if t.RequiresAny(desc.Capabilities) {
			return
		}
	}

	ext, err := a.Planner.Extend(ctx, t, a.ID)
	if err != nil {
		if planner.IsDepthExceeded(err) {
			a.Log.Warn("task stuck at decomposition ceiling", zap.String("task_id", t.ID))
		} else {
			a.Log.Error("self-extension failed", zap.String("task_id", t.ID), zap.Error(err))
		}
		return
	}

	a.mu.Lock()
	a.planned[t.ID] = true
	a.mu.Unlock()
	a.Log.Info("queued capability-extension chain",
		zap.String("task_id", t.ID),
		zap.String("research", ext.Research.ID),
		zap.String("build", ext.Build.ID),
		zap.String("deploy", ext.Deploy.ID),
		zap.String("requeued", ext.Requeued.ID))
	a.journal(ctx, "task.extended", t.ID, journal.Payload{
		"research": ext.Research.ID,
		"build":    ext.Build.ID,
		"deploy":   ext.Deploy.ID,
		"requeued": ext.Requeued.ID,
	})
}

// execute runs a claimed task to a terminal state. Heartbeats keep the
// active record fresh for observers while the executor works.
func (a *Agent) execute(ctx context.Context, t domain.Task) {
	defer a.wg.Done()
	defer a.setRunning(t.ID, false)

	ctx, span := a.tracer.Start(ctx, "task.execute", trace.WithAttributes(
		attribute.String("task.id", t.ID),
		attribute.String("task.type", t.Type),
		attribute.String("agent.id", a.ID),
	))
	defer span.End()

	stopHeartbeat := a.startHeartbeat(t.ID)
	result, err := a.Executors.Execute(ctx, t)
	stopHeartbeat()

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "execution failed")
		a.finishFailed(ctx, t, err.Error())
		return
	}

	valid, err := a.Oracle.GoalValidate(ctx, t, result, t.Context.OriginalGoal)
	if err != nil {
		valid = a.failOpen("goal validation", t.ID, err)
	}
	if !valid {
		span.SetStatus(codes.Error, "goal validation rejected result")
		a.finishFailed(ctx, t, "result did not advance the original goal")
		return
	}

	if err := a.Store.Complete(t.ID, result); err != nil {
		a.Log.Error("complete task", zap.String("task_id", t.ID), zap.Error(err))
		return
	}
	a.remember(t.Description)
	a.Log.Info("completed task", zap.String("task_id", t.ID))
	a.journal(ctx, "task.completed", t.ID, nil)
}

func (a *Agent) finishFailed(ctx context.Context, t domain.Task, reason string) {
	if err := a.Store.Fail(t.ID, reason); err != nil {
		a.Log.Error("fail task", zap.String("task_id", t.ID), zap.Error(err))
		return
	}
	evtType := "task.failed"
	if t.RetryCount < t.MaxRetries {
		evtType = "task.retried"
	}
	a.Log.Warn("task failed",
		zap.String("task_id", t.ID),
		zap.String("reason", reason),
		zap.Int("retry_count", t.RetryCount),
		zap.Int("max_retries", t.MaxRetries))
	a.journal(ctx, evtType, t.ID, journal.Payload{"reason": reason})
}

func (a *Agent) startHeartbeat(taskID string) func() {
	done := make(chan struct{})
	go func() {
		tick := time.NewTicker(a.HeartbeatEach)
		defer tick.Stop()
		for {
			select {
			case <-done:
				return
			case <-tick.C:
				if err := a.Store.Heartbeat(taskID); err != nil {
					a.Log.Debug("heartbeat", zap.String("task_id", taskID), zap.Error(err))
				}
			}
		}
	}()
	return func() { close(done) }
}

// failOpen applies the configured oracle-failure policy and reports the
// outcome the caller should assume.
func (a *Agent) failOpen(stage, taskID string, err error) bool {
	open := a.FailureMode == config.FailOpen
	a.Log.Warn("oracle call failed",
		zap.String("stage", stage),
		zap.String("task_id", taskID),
		zap.Bool("fail_open", open),
		zap.Error(err))
	return open
}

func (a *Agent) publishDescriptor(status string) {
	desc := domain.AgentDescriptor{
		AgentID:         a.ID,
		AgentType:       a.Role,
		Capabilities:    a.Capabilities,
		ActiveTaskCount: a.activeCount(),
		LastHeartbeat:   a.Now().UTC().Format(time.RFC3339),
		Status:          status,
	}
	if a.HostInfo != nil {
		desc.Host = a.HostInfo()
	}
	if err := a.Store.PublishAgent(desc); err != nil {
		a.Log.Warn("publish descriptor", zap.Error(err))
	}
}

func (a *Agent) descriptorStale(desc domain.AgentDescriptor) bool {
	hb, err := time.Parse(time.RFC3339, desc.LastHeartbeat)
	if err != nil {
		return true
	}
	return a.Now().Sub(hb) > descriptorStaleAfter
}

func (a *Agent) status() string {
	if a.activeCount() > 0 {
		return "busy"
	}
	return "idle"
}

func (a *Agent) activeCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.running)
}

func (a *Agent) isRunning(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running[id]
}

func (a *Agent) setRunning(id string, on bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if on {
		a.running[id] = true
	} else {
		delete(a.running, id)
	}
}

func (a *Agent) remember(entry string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.recent = append(a.recent, entry)
	if len(a.recent) > recentActivityWindow {
		a.recent = a.recent[len(a.recent)-recentActivityWindow:]
	}
}

func (a *Agent) recentActivity() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.recent...)
}

// Wait blocks until all in-flight task goroutines finish. Test helper and
// shutdown hook.
func (a *Agent) Wait() { a.wg.Wait() }

func (a *Agent) journal(ctx context.Context, evtType, taskID string, payload journal.Payload) {
	if a.Journal == nil {
		return
	}
	if err := a.Journal.Append(ctx, evtType, taskID, a.ID, payload); err != nil {
		a.Log.Debug("journal append", zap.String("event", evtType), zap.Error(err))
	}
}
