package mutation

// Topics published by the gateway.
const (
	TopicRecordUpdated  = "grid.record.updated"
	TopicNetworkCleared = "grid.network.cleared"
)

// Actions carried by RecordUpdatedEvent.
const (
	ActionReserve = "reserve"
	ActionRelease = "release"
	ActionNotes   = "notes"
	ActionReset   = "reset_status"
)

// RecordUpdatedEvent is the payload for TopicRecordUpdated. IP is empty for
// subnet-wide actions.
type RecordUpdatedEvent struct {
	IP     string `json:"ip,omitempty"`
	Subnet string `json:"subnet,omitempty"`
	Action string `json:"action"`
}

// NetworkClearedEvent is the payload for TopicNetworkCleared.
type NetworkClearedEvent struct {
	Subnet       string `json:"subnet"`
	NodesDeleted int    `json:"nodes_deleted"`
}
