package relay

import "time"

// Kind identifies a command category. Each kind has exactly one handler and
// a caller-side timeout budget.
type Kind string

const (
	KindStartBatch Kind = "start_batch"
	KindStopBatch  Kind = "stop_batch"
	KindExportNow  Kind = "export_now"
	KindSnapshot   Kind = "snapshot"
	KindClearAll   Kind = "clear_all"
	KindPing       Kind = "ping"
)

// timeoutFor returns the per-kind budget. An unanswered call resolves to a
// failure when the budget runs out; it never hangs the caller.
func timeoutFor(k Kind) time.Duration {
	switch k {
	case KindPing:
		return 5 * time.Second
	case KindSnapshot:
		return 10 * time.Second
	case KindStopBatch:
		return 15 * time.Second
	case KindStartBatch, KindExportNow:
		return 30 * time.Second
	default:
		return 10 * time.Second
	}
}

// Command is the tagged union of requests that cross component boundaries.
type Command interface {
	Kind() Kind
}

// StartBatch submits a question batch for a page session.
type StartBatch struct {
	TaskID    string
	SessionID string
	Label     string
	Questions []string
}

func (StartBatch) Kind() Kind { return KindStartBatch }

// StopBatch halts a running batch and exports the rows gathered so far.
type StopBatch struct {
	TaskID string
}

func (StopBatch) Kind() Kind { return KindStopBatch }

// ExportNow exports the current row snapshot of a running batch without
// stopping it.
type ExportNow struct {
	TaskID string
}

func (ExportNow) Kind() Kind { return KindExportNow }

// Snapshot asks for the current state of one task, or of all active tasks
// when TaskID is empty.
type Snapshot struct {
	TaskID string
}

func (Snapshot) Kind() Kind { return KindSnapshot }

// ClearAll wipes stored task records. With SessionID set, only the tasks
// bound to that session are dropped.
type ClearAll struct {
	SessionID string
}

func (ClearAll) Kind() Kind { return KindClearAll }

// Ping checks liveness of the command handler side.
type Ping struct{}

func (Ping) Kind() Kind { return KindPing }

// TaskSnapshot is the wire shape of a task's state as returned by Snapshot
// handlers and carried in completion events.
type TaskSnapshot struct {
	TaskID    string    `json:"task_id"`
	SessionID string    `json:"session_id"`
	Status    string    `json:"status"`
	Label     string    `json:"label"`
	Current   int       `json:"current"`
	Total     int       `json:"total"`
	RowCount  int       `json:"row_count"`
	Error     string    `json:"error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ExportResult reports where an export landed.
type ExportResult struct {
	TaskID string `json:"task_id"`
	Path   string `json:"path"`
	Rows   int    `json:"rows"`
}

// Event is a fire-and-forget broadcast. Subscribers may come and go; zero
// subscribers is fine and there is no ordering guarantee across tasks.
type Event interface {
	EventKind() string
}

// Progress reports per-question advancement of a running batch.
type Progress struct {
	TaskID   string `json:"task_id"`
	Current  int    `json:"current"`
	Total    int    `json:"total"`
	Question string `json:"question"`
}

func (Progress) EventKind() string { return "progress" }

// Completion signals a batch reaching a terminal state.
type Completion struct {
	TaskID   string `json:"task_id"`
	Status   string `json:"status"`
	RowCount int    `json:"row_count"`
	Error    string `json:"error,omitempty"`
}

func (Completion) EventKind() string { return "completion" }
