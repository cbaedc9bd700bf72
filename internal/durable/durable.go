// Package durable implements the external-task bridge: an
// optional dispatch from the task tracker to a durable workflow engine, plus
// the two HTTP endpoints the workflow runtime calls back into.
//
// The concrete workflow engine (Cloudflare Workflows in the original
// deployment target) is an external collaborator — this package models the
// DURABLE_TASKS_WORKFLOW binding as the narrow Bridge/Instance contract the
// task router actually needs, and ships an in-memory reference
// implementation sufficient to exercise the contract end to end.
package durable

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/basket/agentcore/internal/task"
)

// InstanceStatus mirrors the handful of terminal/non-terminal states a
// workflow instance can report.
type InstanceStatus string

const (
	InstanceRunning    InstanceStatus = "running"
	InstanceComplete   InstanceStatus = "complete"
	InstanceErrored    InstanceStatus = "errored"
	InstanceTerminated InstanceStatus = "terminated"
)

// Instance is a single workflow run.
type Instance interface {
	Status(ctx context.Context) (InstanceStatus, error)
	Terminate(ctx context.Context) error
}

// Params is the payload a new workflow instance is created with, matching
// the fields: `{_taskId, _agentBinding, _agentName,
// _methodName, _input, _timeout, _retry}`.
type Params struct {
	TaskID       string          `json:"_taskId"`
	AgentBinding string          `json:"_agentBinding"`
	AgentName    string          `json:"_agentName"`
	MethodName   string          `json:"_methodName"`
	Input        json.RawMessage `json:"_input"`
	Timeout      int64           `json:"_timeout"`
	Retry        int             `json:"_retry"`
}

// Bridge is the DURABLE_TASKS_WORKFLOW binding contract.
type Bridge interface {
	CreateInstance(ctx context.Context, params Params) (instanceID string, err error)
	GetInstance(ctx context.Context, instanceID string) (Instance, error)
}

// KebabCase lowercases and hyphen-separates a Go identifier the way the
// `_agentBinding` field expects it ("MyAgent" -> "my-agent").
func KebabCase(name string) string {
	var b strings.Builder
	for i, r := range name {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('-')
			}
			b.WriteRune(r - 'A' + 'a')
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// errWorkflowBindingMissing is the fixed error a task is failed with when no
// Bridge is configured (not silently downgraded).
const errWorkflowBindingMissing = "DURABLE_TASKS_WORKFLOW binding is not configured"

// Router dispatches durable task runs and serves the two HTTP callback
// endpoints.
type Router struct {
	bridge       Bridge
	tasks        *task.Tracker
	agentName    string
	agentBinding string
	signingKey   []byte
}

// NewRouter creates a router. bridge may be nil, in which case RunDurable
// always fails its task with the fixed binding-missing message.
func NewRouter(bridge Bridge, tasks *task.Tracker, agentClassName, agentName string) *Router {
	return &Router{
		bridge:       bridge,
		tasks:        tasks,
		agentName:    agentName,
		agentBinding: KebabCase(agentClassName),
	}
}

// WithSigningKey arms bearer-token verification on both HTTP callback
// endpoints: once set, a request without a validly signed
// "Authorization: Bearer <token>" header is rejected before its body is
// even parsed. An empty key leaves the endpoints open, which is the
// default for the in-memory reference bridge and for tests.
func (r *Router) WithSigningKey(key []byte) *Router {
	r.signingKey = key
	return r
}

// authorizeToken validates a bearer token against the configured signing
// key. It is a no-op (always succeeds) when no key is configured, and
// fails closed on an empty token once one is.
func (r *Router) authorizeToken(token string) error {
	if len(r.signingKey) == 0 {
		return nil
	}
	if token == "" {
		return fmt.Errorf("durable: missing bearer token")
	}
	_, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("durable: unexpected signing method %v", t.Header["alg"])
		}
		return r.signingKey, nil
	}, jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}))
	if err != nil {
		return fmt.Errorf("durable: invalid bearer token: %w", err)
	}
	return nil
}

// RunDurable creates the task record and, if a bridge is configured, a
// matching workflow instance; otherwise it fails the task immediately with
// the fixed binding-missing message.
func (r *Router) RunDurable(ctx context.Context, method string, input json.RawMessage, opts task.Options) (task.TaskHandle, error) {
	tk, err := r.tasks.Create(ctx, method, input, opts)
	if err != nil {
		return task.TaskHandle{}, err
	}

	if r.bridge == nil {
		_ = r.tasks.Fail(ctx, tk.ID, errWorkflowBindingMissing)
		return task.TaskHandle{ID: tk.ID}, nil
	}

	instanceID, err := r.bridge.CreateInstance(ctx, Params{
		TaskID:       tk.ID,
		AgentBinding: r.agentBinding,
		AgentName:    r.agentName,
		MethodName:   method,
		Input:        input,
		Timeout:      tk.TimeoutMs,
		Retry:        tk.Retries,
	})
	if err != nil {
		_ = r.tasks.Fail(ctx, tk.ID, fmt.Sprintf("create workflow instance: %s", err))
		return task.TaskHandle{ID: tk.ID}, nil
	}

	if err := r.tasks.SetWorkflowBinding(ctx, tk.ID, instanceID, r.agentBinding); err != nil {
		return task.TaskHandle{}, err
	}
	return task.TaskHandle{ID: tk.ID}, nil
}

// CancelFailure is a non-throwing failure mode CancelWorkflow reports:
// failure modes are returned, not thrown.
type CancelFailure string

const (
	ReasonAlreadyComplete   CancelFailure = "already_complete"
	ReasonAlreadyErrored    CancelFailure = "already_errored"
	ReasonAlreadyTerminated CancelFailure = "already_terminated"
	ReasonBindingNotFound   CancelFailure = "binding_not_found"
)

// CancelResult is the JSON-shaped outcome of CancelWorkflow.
type CancelResult struct {
	Success bool          `json:"success"`
	Reason  CancelFailure `json:"reason,omitempty"`
}

// CancelWorkflow terminates the workflow instance backing taskID, if any.
func (r *Router) CancelWorkflow(ctx context.Context, taskID string) (CancelResult, error) {
	tk, ok, err := r.tasks.Get(ctx, taskID)
	if err != nil {
		return CancelResult{}, err
	}
	if !ok || tk.WorkflowInstanceID == "" {
		return CancelResult{Success: false, Reason: ReasonBindingNotFound}, nil
	}
	if r.bridge == nil {
		return CancelResult{Success: false, Reason: ReasonBindingNotFound}, nil
	}

	inst, err := r.bridge.GetInstance(ctx, tk.WorkflowInstanceID)
	if err != nil {
		return CancelResult{Success: false, Reason: ReasonBindingNotFound}, nil
	}

	status, err := inst.Status(ctx)
	if err != nil {
		return CancelResult{}, err
	}
	switch status {
	case InstanceComplete:
		return CancelResult{Success: false, Reason: ReasonAlreadyComplete}, nil
	case InstanceErrored:
		return CancelResult{Success: false, Reason: ReasonAlreadyErrored}, nil
	case InstanceTerminated:
		return CancelResult{Success: false, Reason: ReasonAlreadyTerminated}, nil
	}

	if err := inst.Terminate(ctx); err != nil {
		return CancelResult{}, err
	}
	return CancelResult{Success: true}, nil
}

// --- in-memory reference Bridge (the core ships an in-memory
// reference implementation sufficient for tests) ---

type memInstance struct {
	mu         sync.Mutex
	status     InstanceStatus
	terminated bool
}

func (i *memInstance) Status(ctx context.Context) (InstanceStatus, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.status, nil
}

func (i *memInstance) Terminate(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.status = InstanceTerminated
	i.terminated = true
	return nil
}

// MemoryBridge is an in-process Bridge for tests and single-process
// deployments; it does not actually execute workflow steps (that is the
// external workflow engine's job) — it only tracks instance identity and
// status transitions so Router's contract can be exercised.
type MemoryBridge struct {
	mu        sync.Mutex
	instances map[string]*memInstance
}

// NewMemoryBridge creates an empty in-memory bridge.
func NewMemoryBridge() *MemoryBridge {
	return &MemoryBridge{instances: make(map[string]*memInstance)}
}

func (b *MemoryBridge) CreateInstance(ctx context.Context, params Params) (string, error) {
	id := uuid.NewString()
	b.mu.Lock()
	b.instances[id] = &memInstance{status: InstanceRunning}
	b.mu.Unlock()
	return id, nil
}

func (b *MemoryBridge) GetInstance(ctx context.Context, instanceID string) (Instance, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	inst, ok := b.instances[instanceID]
	if !ok {
		return nil, fmt.Errorf("durable: unknown instance %q", instanceID)
	}
	return inst, nil
}

// Complete marks an instance complete; a real engine would do this when the
// workflow's steps finish. Exposed for tests driving the full lifecycle.
func (b *MemoryBridge) Complete(instanceID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if inst, ok := b.instances[instanceID]; ok {
		inst.mu.Lock()
		inst.status = InstanceComplete
		inst.mu.Unlock()
	}
}
