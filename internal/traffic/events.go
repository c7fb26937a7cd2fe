package traffic

// Topics published by the orchestrator.
const (
	TopicTestStarted       = "traffic.test.started"
	TopicTestCompleted     = "traffic.test.completed"
	TopicTestFailed        = "traffic.test.failed"
	TopicTestPollExhausted = "traffic.test.poll_exhausted"
	TopicActiveRefreshed   = "traffic.active.refreshed"
)

// TestEvent is the payload for the per-test topics.
type TestEvent struct {
	TestID   string `json:"test_id,omitempty"`
	LocalID  string `json:"local_id,omitempty"`
	SourceIP string `json:"source_ip"`
	TargetIP string `json:"target_ip"`
	Protocol string `json:"protocol"`
	Status   string `json:"status"`
	Error    string `json:"error,omitempty"`
}

// ActiveRefreshedEvent is the payload for TopicActiveRefreshed.
type ActiveRefreshedEvent struct {
	Count int    `json:"count"`
	Error string `json:"error,omitempty"`
}
