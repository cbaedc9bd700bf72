package bus

import "testing"

func TestObservabilityEvent_Construct(t *testing.T) {
	ev := ObservabilityEvent{
		Type:           EventTaskComplete,
		DisplayMessage: "task finished",
		Payload:        map[string]any{"task_id": "t1"},
		Timestamp:      1700000000,
		ID:             "evt-1",
	}
	if ev.Type != "task_complete" {
		t.Fatalf("Type = %q, want task_complete", ev.Type)
	}
	if ev.Payload["task_id"] != "t1" {
		t.Fatalf("payload task_id missing")
	}
}

func TestTopics_Unique(t *testing.T) {
	topics := []string{
		TopicTaskCreated, TopicTaskStarted, TopicTaskProgress, TopicTaskCompleted,
		TopicTaskFailed, TopicTaskAborted, TopicTaskRetrying,
		TopicStateUpdated,
		TopicQueueEnqueued, TopicQueueDrained, TopicQueueFailed,
		TopicScheduleCreated, TopicScheduleFired, TopicScheduleFailed,
		TopicMCPConnecting, TopicMCPConnected, TopicMCPAuthenticating, TopicMCPFailed, TopicMCPToolsChanged,
		TopicConnectionOpened, TopicConnectionClosed,
		TopicAgentDestroyed,
	}
	seen := map[string]bool{}
	for _, topic := range topics {
		if seen[topic] {
			t.Fatalf("duplicate topic: %s", topic)
		}
		seen[topic] = true
	}
}

func TestScheduleFiredEvent_Fields(t *testing.T) {
	ev := ScheduleFiredEvent{ScheduleID: "s1", Callback: "onTick"}
	if ev.ScheduleID != "s1" || ev.Callback != "onTick" {
		t.Fatalf("unexpected event: %+v", ev)
	}
}
