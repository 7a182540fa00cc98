package workspace

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/reagent-systems/orc/internal/domain"
)

var (
	ErrNotFound    = errors.New("not found")
	ErrDuplicateID = errors.New("duplicate task id")
)

// Task partitions under <root>/tasks.
const (
	PartitionPending   = "pending"
	PartitionActive    = "active"
	PartitionCompleted = "completed"
	PartitionFailed    = "failed"
)

// Partitions lists the task partitions in lifecycle order.
var Partitions = []string{PartitionPending, PartitionActive, PartitionCompleted, PartitionFailed}

// Store is the shared filesystem task/state repository. Every lifecycle
// transition is a single atomic rename or a single atomic file write; the
// rename from pending to active is the one synchronization primitive the
// whole system relies on.
type Store struct {
	Root string
	Now  func() time.Time
}

func New(root string) *Store {
	return &Store{Root: root, Now: time.Now}
}

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Store) taskDir(partition string) string {
	return filepath.Join(s.Root, "tasks", partition)
}

func (s *Store) agentsDir() string  { return filepath.Join(s.Root, "agents") }
func (s *Store) contextDir() string { return filepath.Join(s.Root, "context") }

// Ensure creates the workspace directory tree if missing.
func (s *Store) Ensure() error {
	dirs := []string{
		s.taskDir(PartitionPending),
		s.taskDir(PartitionActive),
		s.taskDir(PartitionCompleted),
		s.taskDir(PartitionFailed),
		s.agentsDir(),
		s.contextDir(),
		filepath.Join(s.Root, "results"),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("ensure workspace: %w", err)
		}
	}
	return nil
}

func readTask(path string) (domain.Task, error) {
	var t domain.Task
	data, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := json.Unmarshal(data, &t); err != nil {
		return t, fmt.Errorf("malformed task record %s: %w", filepath.Base(path), err)
	}
	if t.ID == "" {
		return t, fmt.Errorf("malformed task record %s: missing id", filepath.Base(path))
	}
	return t, nil
}

// writeFileAtomic writes data via a temp file and rename so a record is
// never observable half-written.
func writeFileAtomic(path string, data []byte) error {
	tmp := path + "." + uuid.NewString()[:8] + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

func writeTask(path string, t domain.Task) error {
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal task %s: %w", t.ID, err)
	}
	return writeFileAtomic(path, data)
}

func listJSON(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		paths = append(paths, filepath.Join(dir, e.Name()))
	}
	return paths, nil
}

// findTask locates the record for a task id within one partition. Records
// are matched by their decoded id, never by filename, since active
// filenames carry an agent prefix and retried tasks get fresh names.
func (s *Store) findTask(partition, id string) (domain.Task, string, error) {
	paths, err := listJSON(s.taskDir(partition))
	if err != nil {
		return domain.Task{}, "", err
	}
	for _, p := range paths {
		t, err := readTask(p)
		if err != nil {
			continue
		}
		if t.ID == id {
			return t, p, nil
		}
	}
	return domain.Task{}, "", ErrNotFound
}

// Get returns a task and the partition it currently resides in.
func (s *Store) Get(id string) (domain.Task, string, error) {
	for _, partition := range Partitions {
		t, _, err := s.findTask(partition, id)
		if err == nil {
			return t, partition, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return domain.Task{}, "", err
		}
	}
	return domain.Task{}, "", ErrNotFound
}

// Enqueue persists a new task in the pending partition. The id must be
// unique across every partition.
func (s *Store) Enqueue(t domain.Task) error {
	if t.ID == "" {
		return fmt.Errorf("task id is required")
	}
	if t.Description == "" {
		return fmt.Errorf("task description is required")
	}
	if _, _, err := s.Get(t.ID); err == nil {
		return fmt.Errorf("%w: %s", ErrDuplicateID, t.ID)
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}
	t.Status = domain.StatusPending
	if t.CreatedAt == "" {
		t.CreatedAt = s.now().UTC().Format(time.RFC3339)
	}
	if t.Context.OriginalGoal == "" {
		t.Context.OriginalGoal = t.Description
	}
	return writeTask(filepath.Join(s.taskDir(PartitionPending), t.ID+".json"), t)
}

// ListPending loads every readable pending task in directory order, which
// is arbitrary but stable for the cycle. Malformed records are quarantined
// to the failed partition instead of blocking the scan.
func (s *Store) ListPending() ([]domain.Task, error) {
	paths, err := listJSON(s.taskDir(PartitionPending))
	if err != nil {
		return nil, err
	}
	var tasks []domain.Task
	for _, p := range paths {
		t, err := readTask(p)
		if err != nil {
			s.quarantine(p, err)
			continue
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// quarantine moves a malformed record to failed with a diagnostic sidecar.
// Corruption is fatal for that record only, never for the polling loop.
func (s *Store) quarantine(path string, cause error) {
	dest := filepath.Join(s.taskDir(PartitionFailed), filepath.Base(path))
	if err := os.Rename(path, dest); err != nil {
		return
	}
	diag := fmt.Sprintf("quarantined at %s: %v\n", s.now().UTC().Format(time.RFC3339), cause)
	_ = os.WriteFile(dest+".error", []byte(diag), 0o644)
}

// Claim attempts to move a pending task to active on behalf of agentID.
// Exactly one concurrent caller wins; losing the race returns ok=false
// with no error. The active filename is prefixed with the claiming
// agent's id to keep claims human-inspectable.
func (s *Store) Claim(id, agentID string) (domain.Task, bool, error) {
	t, src, err := s.findTask(PartitionPending, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return domain.Task{}, false, nil
		}
		return domain.Task{}, false, err
	}
	dest := filepath.Join(s.taskDir(PartitionActive), agentID+"_"+filepath.Base(src))
	if err := os.Rename(src, dest); err != nil {
		if os.IsNotExist(err) {
			return domain.Task{}, false, nil
		}
		return domain.Task{}, false, fmt.Errorf("claim %s: %w", id, err)
	}
	now := s.now().UTC().Format(time.RFC3339)
	t.Status = domain.StatusActive
	t.ClaimedBy = &agentID
	t.ClaimedAt = &now
	if err := writeTask(dest, t); err != nil {
		return t, true, fmt.Errorf("record claim %s: %w", id, err)
	}
	return t, true, nil
}

// Heartbeat refreshes the liveness fields of an active task in place.
// It never changes partition.
func (s *Store) Heartbeat(id string) error {
	t, path, err := s.findTask(PartitionActive, id)
	if err != nil {
		return err
	}
	now := s.now().UTC().Format(time.RFC3339)
	t.LastHeartbeat = &now
	t.HeartbeatCount++
	return writeTask(path, t)
}

// Complete moves an active task to completed with its result and appends a
// context record. Calling it again with the same result is a no-op.
func (s *Store) Complete(id, result string) error {
	t, src, err := s.findTask(PartitionActive, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			if done, _, derr := s.findTask(PartitionCompleted, id); derr == nil {
				if done.Result != nil && *done.Result == result {
					return nil
				}
			}
		}
		return err
	}
	t.Status = domain.StatusCompleted
	t.Result = &result
	if err := writeTask(filepath.Join(s.taskDir(PartitionCompleted), filepath.Base(src)), t); err != nil {
		return err
	}
	if err := os.Remove(src); err != nil {
		return fmt.Errorf("retire active record %s: %w", id, err)
	}
	return s.AppendContext(domain.ContextRecord{
		TaskID:       t.ID,
		Description:  t.Description,
		Result:       result,
		OriginalGoal: t.Context.OriginalGoal,
		CreatedAt:    s.now().UTC().Format(time.RFC3339),
	})
}

// Fail routes an active task through the retry policy: back to pending
// with an incremented retry count while attempts remain, otherwise to
// failed with the error attached. Retried records get a fresh filename so
// they can never collide with a stale claim of the same task.
func (s *Store) Fail(id, errMsg string) error {
	t, src, err := s.findTask(PartitionActive, id)
	if err != nil {
		return err
	}
	if t.RetryCount < t.MaxRetries {
		t.RetryCount++
		t.Status = domain.StatusPending
		t.ClaimedBy = nil
		t.ClaimedAt = nil
		t.LastHeartbeat = nil
		t.HeartbeatCount = 0
		t.Error = nil
		name := fmt.Sprintf("%s.r%d.json", t.ID, t.RetryCount)
		if err := writeTask(filepath.Join(s.taskDir(PartitionPending), name), t); err != nil {
			return err
		}
		return os.Remove(src)
	}
	t.Status = domain.StatusFailed
	t.Error = &errMsg
	if err := writeTask(filepath.Join(s.taskDir(PartitionFailed), filepath.Base(src)), t); err != nil {
		return err
	}
	return os.Remove(src)
}

// CompletedIDs returns the set of task ids in the completed partition.
func (s *Store) CompletedIDs() (map[string]bool, error) {
	paths, err := listJSON(s.taskDir(PartitionCompleted))
	if err != nil {
		return nil, err
	}
	ids := make(map[string]bool, len(paths))
	for _, p := range paths {
		t, err := readTask(p)
		if err != nil {
			continue
		}
		ids[t.ID] = true
	}
	return ids, nil
}

// DependenciesSatisfied reports whether every dependency of the task has
// reached the completed partition.
func (s *Store) DependenciesSatisfied(t domain.Task) (bool, error) {
	if len(t.Dependencies) == 0 {
		return true, nil
	}
	completed, err := s.CompletedIDs()
	if err != nil {
		return false, err
	}
	for _, dep := range t.Dependencies {
		if !completed[dep] {
			return false, nil
		}
	}
	return true, nil
}

// ListTasks loads every readable task in a partition.
func (s *Store) ListTasks(partition string) ([]domain.Task, error) {
	paths, err := listJSON(s.taskDir(partition))
	if err != nil {
		return nil, err
	}
	var tasks []domain.Task
	for _, p := range paths {
		t, err := readTask(p)
		if err != nil {
			continue
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// CountTasks returns per-partition record counts.
func (s *Store) CountTasks() (map[string]int, error) {
	counts := map[string]int{}
	for _, partition := range Partitions {
		paths, err := listJSON(s.taskDir(partition))
		if err != nil {
			return nil, err
		}
		counts[partition] = len(paths)
	}
	return counts, nil
}

// AppendContext persists a context record. Records are append-only.
func (s *Store) AppendContext(rec domain.ContextRecord) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal context record %s: %w", rec.TaskID, err)
	}
	return writeFileAtomic(filepath.Join(s.contextDir(), rec.TaskID+"_context.json"), data)
}

// LoadContext returns the context records for the given task ids. Fuzzy
// relevance ranking is delegated to callers; this is an exact-id lookup.
func (s *Store) LoadContext(taskIDs []string) ([]domain.ContextRecord, error) {
	var records []domain.ContextRecord
	for _, id := range taskIDs {
		data, err := os.ReadFile(filepath.Join(s.contextDir(), id+"_context.json"))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		var rec domain.ContextRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// ListContext loads every readable context record.
func (s *Store) ListContext() ([]domain.ContextRecord, error) {
	paths, err := listJSON(s.contextDir())
	if err != nil {
		return nil, err
	}
	var records []domain.ContextRecord
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		var rec domain.ContextRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// PublishAgent writes the descriptor record for an agent, replacing any
// previous one. Descriptors are only ever written by their owning agent.
func (s *Store) PublishAgent(desc domain.AgentDescriptor) error {
	if desc.AgentID == "" {
		return fmt.Errorf("agent id is required")
	}
	data, err := json.MarshalIndent(desc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal agent descriptor %s: %w", desc.AgentID, err)
	}
	return writeFileAtomic(filepath.Join(s.agentsDir(), desc.AgentID+".json"), data)
}

// ListAgents loads every readable agent descriptor. Stale descriptors age
// out of relevance by their heartbeat; nothing removes them automatically.
func (s *Store) ListAgents() ([]domain.AgentDescriptor, error) {
	paths, err := listJSON(s.agentsDir())
	if err != nil {
		return nil, err
	}
	var agents []domain.AgentDescriptor
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		var desc domain.AgentDescriptor
		if err := json.Unmarshal(data, &desc); err != nil {
			continue
		}
		if desc.AgentID == "" {
			continue
		}
		agents = append(agents, desc)
	}
	return agents, nil
}
