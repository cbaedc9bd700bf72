package durable

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/basket/agentcore/internal/bus"
	"github.com/basket/agentcore/internal/queue"
	"github.com/basket/agentcore/internal/store"
	"github.com/basket/agentcore/internal/task"
)

type fakeAgent struct{}

func (fakeAgent) AgentName() string { return "demo" }

func newTracker(t *testing.T) *task.Tracker {
	t.Helper()
	db, err := store.Open(context.Background(), "")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	q := queue.New(db, bus.New(), fakeAgent{})
	tk := task.New(db, bus.New(), q, fakeAgent{})
	tk.RegisterMethod("work", func(ctx context.Context, input json.RawMessage, tc *task.TaskContext) (json.RawMessage, error) {
		return json.RawMessage(`"done"`), nil
	})
	return tk
}

func TestRunDurable_NoBridgeFailsImmediately(t *testing.T) {
	tk := newTracker(t)
	r := NewRouter(nil, tk, "MyAgent", "inst1")

	h, err := r.RunDurable(context.Background(), "work", json.RawMessage(`{}`), task.Options{})
	if err != nil {
		t.Fatalf("RunDurable: %v", err)
	}

	got, ok, err := tk.Get(context.Background(), h.ID)
	if err != nil || !ok {
		t.Fatalf("get task: ok=%v err=%v", ok, err)
	}
	if got.Status != task.StatusFailed {
		t.Fatalf("expected failed status, got %s", got.Status)
	}
	if got.Error != errWorkflowBindingMissing {
		t.Fatalf("expected fixed binding-missing message, got %q", got.Error)
	}
}

func TestRunDurable_CreatesInstanceAndBinding(t *testing.T) {
	tk := newTracker(t)
	bridge := NewMemoryBridge()
	r := NewRouter(bridge, tk, "MyAgent", "inst1")

	h, err := r.RunDurable(context.Background(), "work", json.RawMessage(`{}`), task.Options{})
	if err != nil {
		t.Fatalf("RunDurable: %v", err)
	}

	got, ok, err := tk.Get(context.Background(), h.ID)
	if err != nil || !ok {
		t.Fatalf("get task: ok=%v err=%v", ok, err)
	}
	if got.WorkflowInstanceID == "" {
		t.Fatal("expected a workflow instance id to be recorded")
	}
	if got.WorkflowBinding != "my-agent" {
		t.Fatalf("expected kebab-case binding, got %q", got.WorkflowBinding)
	}
}

func TestCancelWorkflow(t *testing.T) {
	tk := newTracker(t)
	bridge := NewMemoryBridge()
	r := NewRouter(bridge, tk, "MyAgent", "inst1")

	h, err := r.RunDurable(context.Background(), "work", json.RawMessage(`{}`), task.Options{})
	if err != nil {
		t.Fatalf("RunDurable: %v", err)
	}

	res, err := r.CancelWorkflow(context.Background(), h.ID)
	if err != nil {
		t.Fatalf("CancelWorkflow: %v", err)
	}
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}

	// A second cancel after the bridge reports completion is already_complete.
	got, _, _ := tk.Get(context.Background(), h.ID)
	bridge.Complete(got.WorkflowInstanceID)
	res2, err := r.CancelWorkflow(context.Background(), h.ID)
	if err != nil {
		t.Fatalf("CancelWorkflow second call: %v", err)
	}
	if res2.Success {
		t.Fatalf("expected failure reporting terminal state, got %+v", res2)
	}
}

func TestCancelWorkflow_NoBinding(t *testing.T) {
	tk := newTracker(t)
	r := NewRouter(NewMemoryBridge(), tk, "MyAgent", "inst1")

	tkRow, err := tk.Create(context.Background(), "work", json.RawMessage(`{}`), task.Options{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	res, err := r.CancelWorkflow(context.Background(), tkRow.ID)
	if err != nil {
		t.Fatalf("CancelWorkflow: %v", err)
	}
	if res.Success || res.Reason != ReasonBindingNotFound {
		t.Fatalf("expected binding_not_found, got %+v", res)
	}
}

func TestExecuteDurableTaskEndpoint(t *testing.T) {
	tk := newTracker(t)
	r := NewRouter(NewMemoryBridge(), tk, "MyAgent", "inst1")

	created, err := tk.Create(context.Background(), "work", json.RawMessage(`{}`), task.Options{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	body, _ := json.Marshal(map[string]any{
		"taskId":     created.ID,
		"methodName": "work",
		"input":      json.RawMessage(`{}`),
	})
	req := httptest.NewRequest(http.MethodPost, "/_execute-durable-task", bytes.NewReader(body))
	w := httptest.NewRecorder()
	r.ExecuteDurableTask(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	got, _, _ := tk.Get(context.Background(), created.ID)
	if got.Status != task.StatusCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}
}

func TestExecuteDurableTaskEndpoint_MissingFields(t *testing.T) {
	tk := newTracker(t)
	r := NewRouter(NewMemoryBridge(), tk, "MyAgent", "inst1")

	req := httptest.NewRequest(http.MethodPost, "/_execute-durable-task", bytes.NewReader([]byte(`{}`)))
	w := httptest.NewRecorder()
	r.ExecuteDurableTask(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestWorkflowUpdateEndpoint(t *testing.T) {
	tk := newTracker(t)
	r := NewRouter(NewMemoryBridge(), tk, "MyAgent", "inst1")

	created, err := tk.Create(context.Background(), "work", json.RawMessage(`{}`), task.Options{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := tk.MarkRunning(context.Background(), created.ID, 0); err != nil {
		t.Fatalf("mark running: %v", err)
	}

	body, _ := json.Marshal(map[string]any{
		"taskId":   created.ID,
		"progress": 42,
	})
	req := httptest.NewRequest(http.MethodPost, "/_workflow-update", bytes.NewReader(body))
	w := httptest.NewRecorder()
	r.WorkflowUpdate(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	got, _, _ := tk.Get(context.Background(), created.ID)
	if got.Progress != 42 {
		t.Fatalf("expected progress 42, got %d", got.Progress)
	}
}

func TestWorkflowUpdateEndpoint_InvalidProgress(t *testing.T) {
	tk := newTracker(t)
	r := NewRouter(NewMemoryBridge(), tk, "MyAgent", "inst1")

	body, _ := json.Marshal(map[string]any{"taskId": "x", "progress": 200})
	req := httptest.NewRequest(http.MethodPost, "/_workflow-update", bytes.NewReader(body))
	w := httptest.NewRecorder()
	r.WorkflowUpdate(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestExecuteDurableTaskEndpoint_RejectsUnsignedToken(t *testing.T) {
	tk := newTracker(t)
	r := NewRouter(NewMemoryBridge(), tk, "MyAgent", "inst1").WithSigningKey([]byte("secret"))

	created, err := tk.Create(context.Background(), "work", json.RawMessage(`{}`), task.Options{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	body, _ := json.Marshal(map[string]any{"taskId": created.ID, "methodName": "work", "input": json.RawMessage(`{}`)})

	req := httptest.NewRequest(http.MethodPost, "/_execute-durable-task", bytes.NewReader(body))
	w := httptest.NewRecorder()
	r.ExecuteDurableTask(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a token, got %d", w.Code)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": time.Now().Add(time.Minute).Unix(),
	})
	signed, err := token.SignedString([]byte("secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	req2 := httptest.NewRequest(http.MethodPost, "/_execute-durable-task", bytes.NewReader(body))
	req2.Header.Set("Authorization", "Bearer "+signed)
	w2 := httptest.NewRecorder()
	r.ExecuteDurableTask(w2, req2)
	if w2.Code != http.StatusOK {
		t.Fatalf("expected 200 with a valid signed token, got %d: %s", w2.Code, w2.Body.String())
	}
}

func TestKebabCase(t *testing.T) {
	cases := map[string]string{
		"MyAgent":     "my-agent",
		"HTTPHandler": "h-t-t-p-handler",
		"agent":       "agent",
	}
	for in, want := range cases {
		if got := KebabCase(in); got != want {
			t.Errorf("KebabCase(%q) = %q, want %q", in, got, want)
		}
	}
}
