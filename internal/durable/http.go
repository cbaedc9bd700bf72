package durable

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/basket/agentcore/internal/agentctx"
)

// bearerToken extracts the token from an "Authorization: Bearer <token>"
// header, or "" if the header is absent or malformed.
func bearerToken(req *http.Request) string {
	h := req.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return ""
	}
	return strings.TrimSpace(h[len(prefix):])
}

// ExecuteDurableTask handles POST /_execute-durable-task: runs the
// original un-wrapped method under a task context and returns the result or
// an error as JSON.
func (r *Router) ExecuteDurableTask(w http.ResponseWriter, req *http.Request) {
	if err := r.authorizeToken(bearerToken(req)); err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var body struct {
		TaskID     string          `json:"taskId"`
		MethodName string          `json:"methodName"`
		Input      json.RawMessage `json:"input"`
		TimeoutMs  int64           `json:"timeoutMs"`
	}
	if err := json.NewDecoder(io.LimitReader(req.Body, 1<<20)).Decode(&body); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if body.TaskID == "" || body.MethodName == "" {
		http.Error(w, "Missing taskId or methodName", http.StatusBadRequest)
		return
	}

	method, tc, ok := r.tasks.LookupMethod(body.TaskID, body.MethodName)
	if !ok {
		http.Error(w, "Missing taskId or methodName", http.StatusBadRequest)
		return
	}

	ctx := agentctx.With(req.Context(), agentctx.Fields{})
	if err := r.tasks.MarkRunning(ctx, body.TaskID, body.TimeoutMs); err != nil {
		writeJSONError(w, err)
		return
	}

	result, err := method(ctx, body.Input, tc)
	if err != nil {
		_ = r.tasks.Fail(ctx, body.TaskID, err.Error())
		writeJSONError(w, err)
		return
	}
	if err := r.tasks.Complete(ctx, body.TaskID, result); err != nil {
		writeJSONError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(result)
}

func writeJSONError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusInternalServerError)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

// workflowUpdateBody is the payload POST /_workflow-update accepts:
// `{taskId, event?, progress?, status?, result?, error?}`.
type workflowUpdateBody struct {
	TaskID   string          `json:"taskId"`
	Event    *eventPayload   `json:"event,omitempty"`
	Progress *int            `json:"progress,omitempty"`
	Status   *string         `json:"status,omitempty"`
	Result   json.RawMessage `json:"result,omitempty"`
	Error    *string         `json:"error,omitempty"`
}

type eventPayload struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

var validWorkflowStatuses = map[string]bool{
	"pending": true, "running": true, "completed": true, "failed": true, "aborted": true,
}

// WorkflowUpdate handles POST /_workflow-update: validates
// the body (0..100 bounds for progress, enum for status) and applies it to
// the task tracker.
func (r *Router) WorkflowUpdate(w http.ResponseWriter, req *http.Request) {
	if err := r.authorizeToken(bearerToken(req)); err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var body workflowUpdateBody
	if err := json.NewDecoder(io.LimitReader(req.Body, 1<<20)).Decode(&body); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if body.TaskID == "" {
		http.Error(w, "missing taskId", http.StatusBadRequest)
		return
	}
	if body.Progress != nil && (*body.Progress < 0 || *body.Progress > 100) {
		http.Error(w, "progress must be between 0 and 100", http.StatusBadRequest)
		return
	}
	if body.Status != nil && !validWorkflowStatuses[*body.Status] {
		http.Error(w, "invalid status", http.StatusBadRequest)
		return
	}

	ctx := req.Context()
	if err := r.applyWorkflowUpdate(ctx, body); err != nil {
		http.Error(w, "error", http.StatusInternalServerError)
		return
	}
	_, _ = w.Write([]byte("ok"))
}

func (r *Router) applyWorkflowUpdate(ctx context.Context, body workflowUpdateBody) error {
	if body.Event != nil {
		if err := r.tasks.AddEvent(ctx, body.TaskID, body.Event.Type, body.Event.Data); err != nil {
			return err
		}
	}
	if body.Progress != nil {
		if err := r.tasks.SetProgress(ctx, body.TaskID, *body.Progress); err != nil {
			return err
		}
	}
	if body.Status != nil {
		switch *body.Status {
		case "completed":
			if err := r.tasks.Complete(ctx, body.TaskID, body.Result); err != nil {
				return err
			}
		case "failed":
			errMsg := ""
			if body.Error != nil {
				errMsg = *body.Error
			}
			_ = r.tasks.Fail(ctx, body.TaskID, errMsg)
		case "aborted":
			reason := ""
			if body.Error != nil {
				reason = *body.Error
			}
			if err := r.tasks.Abort(ctx, body.TaskID, reason); err != nil {
				return err
			}
		}
	}
	return nil
}
