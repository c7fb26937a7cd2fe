package scan

import "github.com/HerbHall/subnetgrid/pkg/models"

// Event topics published by the Scan Coordinator.
const (
	TopicScanStarted    = "grid.scan.started"
	TopicScanCompleted  = "grid.scan.completed"
	TopicScanFailed     = "grid.scan.failed"
	TopicSubnetSelected = "grid.subnet.selected"
)

// ScanEvent is the payload for the grid.scan.* topics.
type ScanEvent struct {
	ScanID string             `json:"scan_id,omitempty"`
	Subnet string             `json:"subnet"`
	Result *models.ScanResult `json:"result,omitempty"`
	Error  string             `json:"error,omitempty"`
}

// SubnetSelectedEvent is the payload for TopicSubnetSelected.
type SubnetSelectedEvent struct {
	Previous string `json:"previous,omitempty"`
	Subnet   string `json:"subnet"`
}
