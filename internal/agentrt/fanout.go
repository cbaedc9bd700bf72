package agentrt

import (
	"context"
	"encoding/json"

	"github.com/basket/agentcore/internal/bus"
	"github.com/basket/agentcore/internal/task"
)

// taskView is the wire shape of the task carried on a
// "cf_agent_task_update" frame.
type taskView struct {
	ID                 string          `json:"id"`
	Method             string          `json:"method"`
	Input              json.RawMessage `json:"input,omitempty"`
	Status             string          `json:"status"`
	Result             json.RawMessage `json:"result,omitempty"`
	Error              string          `json:"error,omitempty"`
	Progress           int             `json:"progress"`
	TimeoutMs          int64           `json:"timeoutMs,omitempty"`
	DeadlineAt         int64           `json:"deadlineAt,omitempty"`
	Retries            int             `json:"retries,omitempty"`
	WorkflowInstanceID string          `json:"workflowInstanceId,omitempty"`
	WorkflowBinding    string          `json:"workflowBinding,omitempty"`
	CreatedAt          int64           `json:"createdAt"`
	StartedAt          int64           `json:"startedAt,omitempty"`
	CompletedAt        int64           `json:"completedAt,omitempty"`
}

func newTaskView(tk task.Task) taskView {
	return taskView{
		ID:                 tk.ID,
		Method:             tk.Method,
		Input:              tk.Input,
		Status:             string(tk.Status),
		Result:             tk.Result,
		Error:              tk.Error,
		Progress:           tk.Progress,
		TimeoutMs:          tk.TimeoutMs,
		DeadlineAt:         tk.DeadlineAt,
		Retries:            tk.Retries,
		WorkflowInstanceID: tk.WorkflowInstanceID,
		WorkflowBinding:    tk.WorkflowBinding,
		CreatedAt:          tk.CreatedAt,
		StartedAt:          tk.StartedAt,
		CompletedAt:        tk.CompletedAt,
	}
}

func isFinalStatus(s task.Status) bool {
	return s == task.StatusCompleted || s == task.StatusFailed || s == task.StatusAborted
}

// startFanout bridges the bus to the client-sync plane: every task lifecycle
// event becomes a "cf_agent_task_update" frame (final states always sent,
// the rest rate-limited by the RPC server), and every MCP state change
// rebroadcasts the full "cf_agent_mcp_servers" view. Listeners run inline on
// the publishing callback, so a mutation's broadcast is observed after the
// mutation is persisted and before the mutating callback resumes.
func (a *Agent) startFanout() {
	a.disposables.Add(a.Bus.Subscribe("task.", a.fanoutTaskEvent))
	a.disposables.Add(a.Bus.Subscribe("mcp.", func(bus.Event) { a.fanoutMCPView() }))
}

func (a *Agent) fanoutTaskEvent(ev bus.Event) {
	change, ok := ev.Payload.(bus.TaskStateChangedEvent)
	if !ok {
		return
	}
	ctx := context.Background()
	tk, found, err := a.Tasks.Get(ctx, change.TaskID)
	if err != nil {
		a.reportError(ctx, "", err)
		return
	}
	if !found {
		// Deleted between publish and read; tell clients the task is gone.
		a.RPC.PublishTaskUpdate(ctx, change.TaskID, nil, true)
		return
	}
	a.RPC.PublishTaskUpdate(ctx, change.TaskID, newTaskView(tk), isFinalStatus(tk.Status))
}

func (a *Agent) fanoutMCPView() {
	ctx := context.Background()
	view, err := a.MCP.View(ctx)
	if err != nil {
		a.reportError(ctx, "", err)
		return
	}
	a.RPC.BroadcastMCPServers(ctx, view)
}
