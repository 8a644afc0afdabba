package mcp

// TaskStatus is the lifecycle state of a server-tracked asynchronous task.
// working and input_required are live states; completed, failed, and
// cancelled are absorbing: once reached, a task never transitions out of it.
type TaskStatus string

const (
	TaskStatusWorking       TaskStatus = "working"
	TaskStatusInputRequired TaskStatus = "input_required"
	TaskStatusCompleted     TaskStatus = "completed"
	TaskStatusFailed        TaskStatus = "failed"
	TaskStatusCancelled     TaskStatus = "cancelled"
)

// IsTerminal reports whether status is one of the absorbing end states.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// Task methods
const (
	TasksListMethod   Method = "tasks/list"
	TasksGetMethod    Method = "tasks/get"
	TasksResultMethod Method = "tasks/result"
	TasksCancelMethod Method = "tasks/cancel"
)

// TaskMetadata augments a tool call to run it as a tracked asynchronous
// task instead of blocking the caller for the result.
type TaskMetadata struct {
	TTL int64 `json:"ttl,omitzero"`
}

// Task describes the current state of a tracked asynchronous operation.
type Task struct {
	TaskID       string     `json:"taskId"`
	Status       TaskStatus `json:"status"`
	StatusMessage string    `json:"statusMessage,omitzero"`
	CreatedAt    string     `json:"createdAt"`
	LastUpdatedAt string    `json:"lastUpdatedAt,omitzero"`
	TTL          int64      `json:"ttl,omitzero"`
	PollInterval int64      `json:"pollInterval,omitzero"`
}

// ListTasksRequest requests a page of tracked tasks.
type ListTasksRequest struct {
	PaginatedRequest
}

// ListTasksResult returns a page of tasks.
type ListTasksResult struct {
	Tasks []Task `json:"tasks"`
	PaginatedResult
	BaseMetadata
}

// GetTaskRequest requests the current status of a task.
type GetTaskRequest struct {
	TaskID string `json:"taskId"`
}

// GetTaskResult returns the current status of a task.
type GetTaskResult struct {
	Task
	BaseMetadata
}

// GetTaskResultRequest requests the final result payload of a completed task.
type GetTaskResultRequest struct {
	TaskID string `json:"taskId"`
}

// GetTaskPayloadResult returns the tool-call result a completed task
// produced, in the same shape a synchronous tools/call would have.
type GetTaskPayloadResult struct {
	CallToolResult
}

// CancelTaskRequest requests cancellation of an in-flight task.
type CancelTaskRequest struct {
	TaskID string `json:"taskId"`
}

// TaskStatusNotification informs subscribers that a task's status changed.
type TaskStatusNotification struct {
	Task
}
