package task

import (
	"context"
	"encoding/json"
	"fmt"
)

// SetWorkflowBinding records the durable-workflow instance id and binding
// name a task was dispatched under. Called once, right after the
// workflow instance is created.
func (t *Tracker) SetWorkflowBinding(ctx context.Context, id, instanceID, binding string) error {
	_, err := t.db.Exec(ctx, `UPDATE cf_agents_tasks SET workflow_instance_id=?, workflow_binding=? WHERE id=?`,
		instanceID, binding, id)
	if err != nil {
		return fmt.Errorf("task: set workflow binding %s: %w", id, err)
	}
	return nil
}

// LookupMethod returns the registered method and a TaskContext wired to id,
// for callers that invoke the original method directly outside the queue's
// own retry dispatch: the durable-task bridge's execute-durable-task
// endpoint runs the original (un-wrapped) method this way.
func (t *Tracker) LookupMethod(id, name string) (Method, *TaskContext, bool) {
	t.mu.Lock()
	m, ok := t.methods[name]
	ctl, hasCtl := t.abortCtls[id]
	t.mu.Unlock()
	if !ok {
		return nil, nil, false
	}
	if !hasCtl {
		ctl = newAbortController()
		t.mu.Lock()
		t.abortCtls[id] = ctl
		t.mu.Unlock()
	}
	tc := &TaskContext{
		TaskID: id,
		Signal: ctl.ch,
		Emit: func(eventType string, data json.RawMessage) {
			_ = t.addEvent(context.Background(), id, eventType, data)
		},
		SetProgress: func(n int) error {
			return t.setProgress(context.Background(), id, n)
		},
	}
	return m, tc, true
}

// MarkRunning transitions id to running with the given deadline, for callers
// driving execution outside the queue dispatch loop.
func (t *Tracker) MarkRunning(ctx context.Context, id string, timeoutMs int64) error {
	return t.markRunning(ctx, id, timeoutMs)
}

// Complete marks id completed with result (forces progress to 100).
func (t *Tracker) Complete(ctx context.Context, id string, result json.RawMessage) error {
	return t.complete(ctx, id, result)
}

// Fail marks id failed with errMsg, but only if it is still running or
// pending (a task already aborted or completed is left alone).
func (t *Tracker) Fail(ctx context.Context, id string, errMsg string) error {
	return t.fail(ctx, id, errMsg)
}

// SetProgress clamps n to 0..100 and persists it, but only while id is
// running.
func (t *Tracker) SetProgress(ctx context.Context, id string, n int) error {
	return t.setProgress(ctx, id, n)
}

// AddEvent appends an event row to id's task-event list.
func (t *Tracker) AddEvent(ctx context.Context, id, eventType string, data json.RawMessage) error {
	return t.addEvent(ctx, id, eventType, data)
}
