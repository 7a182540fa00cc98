package domain

// Task statuses. The partition a task record lives in is the source of
// truth; the status field mirrors it for human inspection.
const (
	StatusPending   = "pending"
	StatusActive    = "active"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// TaskContext carries the root objective through decomposition chains.
// OriginalGoal must never be rewritten by a subtask.
type TaskContext struct {
	OriginalGoal string  `json:"original_goal"`
	ParentTask   *string `json:"parent_task,omitempty"`
	Depth        int     `json:"depth"`
}

type Task struct {
	ID             string      `json:"id"`
	Description    string      `json:"description"`
	Type           string      `json:"type"`
	Requirements   []string    `json:"requirements,omitempty"`
	Priority       int         `json:"priority,omitempty"`
	Context        TaskContext `json:"context"`
	Dependencies   []string    `json:"dependencies,omitempty"`
	CreatedBy      string      `json:"created_by,omitempty"`
	CreatedAt      string      `json:"created_at" format:"date-time"`
	ClaimedBy      *string     `json:"claimed_by,omitempty"`
	ClaimedAt      *string     `json:"claimed_at,omitempty" format:"date-time"`
	Status         string      `json:"status" enum:"pending,active,completed,failed"`
	LastHeartbeat  *string     `json:"last_heartbeat,omitempty" format:"date-time"`
	HeartbeatCount int         `json:"heartbeat_count"`
	RetryCount     int         `json:"retry_count"`
	MaxRetries     int         `json:"max_retries"`
	Result         *string     `json:"result,omitempty"`
	Error          *string     `json:"error,omitempty"`
}

// RequiresAny reports whether the task's requirements intersect the given
// capability set. A task with no requirements is eligible for any agent.
func (t Task) RequiresAny(capabilities []string) bool {
	if len(t.Requirements) == 0 {
		return true
	}
	for _, req := range t.Requirements {
		for _, c := range capabilities {
			if req == c {
				return true
			}
		}
	}
	return false
}

// HostStats is an advisory snapshot of the machine an agent runs on,
// published alongside its descriptor.
type HostStats struct {
	Hostname   string  `json:"hostname,omitempty"`
	CPUUsage   float64 `json:"cpu_usage"`
	RAMUsage   float64 `json:"ram_usage"`
	UptimeSecs uint64  `json:"uptime_secs"`
}

// AgentDescriptor is the liveness/identity record an agent publishes every
// polling cycle. Read-only to every other process.
type AgentDescriptor struct {
	AgentID         string     `json:"agent_id"`
	AgentType       string     `json:"agent_type"`
	Capabilities    []string   `json:"capabilities"`
	ActiveTaskCount int        `json:"active_task_count"`
	LastHeartbeat   string     `json:"last_heartbeat" format:"date-time"`
	Status          string     `json:"status"`
	Host            *HostStats `json:"host,omitempty"`
}

// ContextRecord is a durable fact derived from a completed task.
// Append-only; never updated or deleted.
type ContextRecord struct {
	TaskID       string `json:"task_id"`
	Description  string `json:"description"`
	Result       string `json:"result"`
	OriginalGoal string `json:"original_goal,omitempty"`
	CreatedAt    string `json:"created_at" format:"date-time"`
}
