package backend

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/HerbHall/subnetgrid/pkg/models"
)

// Flag decodes booleans the backend emits either as JSON booleans or as
// 0/1 integers from database rows.
type Flag bool

// UnmarshalJSON accepts true, false, 0, 1, and null.
func (f *Flag) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch string(data) {
	case "true", "1", `"1"`, `"true"`:
		*f = true
	case "false", "0", `"0"`, `"false"`, "null", `""`:
		*f = false
	default:
		n, err := strconv.ParseFloat(string(data), 64)
		if err != nil {
			return fmt.Errorf("flag: unexpected value %s", data)
		}
		*f = n != 0
	}
	return nil
}

// ScanRequest is the body of POST /api/scan.
type ScanRequest struct {
	Subnet  string `json:"subnet"`
	StartIP int    `json:"start_ip"`
	EndIP   int    `json:"end_ip"`
}

// ScanRecord is one address as reported by a scan.
type ScanRecord struct {
	IP          string               `json:"ip"`
	Status      models.AddressStatus `json:"status"`
	Hostname    string               `json:"hostname"`
	MACAddress  string               `json:"mac_address"`
	Vendor      string               `json:"vendor"`
	OpenPorts   []int                `json:"open_ports"`
	LastScanned models.Timestamp     `json:"last_scanned"`
	FirstSeen   models.Timestamp     `json:"first_seen"`
	LastSeen    models.Timestamp     `json:"last_seen"`
	TimesSeen   int                  `json:"times_seen"`
	Notes       string               `json:"notes"`
	IsReserved  Flag                 `json:"is_reserved"`
}

// Record converts r into an AddressRecord. A reserved flag forces the
// reserved status even when the scanner reported liveness.
func (r ScanRecord) Record() models.AddressRecord {
	rec := models.AddressRecord{
		IP:          r.IP,
		Status:      r.Status,
		Hostname:    r.Hostname,
		MACAddress:  r.MACAddress,
		Vendor:      r.Vendor,
		OpenPorts:   r.OpenPorts,
		FirstSeen:   r.FirstSeen,
		LastSeen:    r.LastSeen,
		LastScanned: r.LastScanned,
		TimesSeen:   r.TimesSeen,
		Notes:       r.Notes,
	}
	if rec.Status == "" {
		rec.Status = models.StatusUnknown
	}
	if r.IsReserved {
		rec.Status = models.StatusReserved
	}
	if rec.Status == models.StatusReserved {
		rec.Reservation = &models.Reservation{}
	}
	return rec
}

// ScanResponse is the body returned by POST /api/scan. The summary counts
// are optional; only Results is guaranteed.
type ScanResponse struct {
	Subnet            string       `json:"subnet"`
	TotalIPs          *int         `json:"total_ips"`
	ActiveIPs         *int         `json:"active_ips"`
	InactiveIPs       *int         `json:"inactive_ips"`
	PreviouslyUsedIPs *int         `json:"previously_used_ips"`
	ReservedIPs       *int         `json:"reserved_ips"`
	ScanTime          float64      `json:"scan_time"`
	Results           []ScanRecord `json:"results"`
}

// NodeRow is the stored node as returned by GET /api/node/{ip}.
type NodeRow struct {
	IP          string               `json:"ip_address"`
	Status      models.AddressStatus `json:"status"`
	Hostname    string               `json:"hostname"`
	MACAddress  string               `json:"mac_address"`
	Vendor      string               `json:"vendor"`
	FirstSeen   models.Timestamp     `json:"first_seen"`
	LastSeen    models.Timestamp     `json:"last_seen"`
	LastScanned models.Timestamp     `json:"last_scanned"`
	TimesSeen   int                  `json:"times_seen"`
	Notes       string               `json:"notes"`
	IsReserved  Flag                 `json:"is_reserved"`
	ReservedBy  string               `json:"reserved_by"`
	ReservedAt  models.Timestamp     `json:"reserved_at"`
}

// NodeDetail is the body returned by GET /api/node/{ip}.
type NodeDetail struct {
	Node    NodeRow                   `json:"node"`
	History []models.NodeHistoryEntry `json:"history"`
}

// UpdateNodeRequest is the body of PUT /api/node/update. Notes is always
// sent so an empty string clears them.
type UpdateNodeRequest struct {
	IP    string `json:"ip"`
	Notes string `json:"notes"`
}

// ReserveRequest is the body of POST /api/reserve.
type ReserveRequest struct {
	IP          string `json:"ip"`
	ReservedFor string `json:"reserved_for"`
	Description string `json:"description"`
	ReservedBy  string `json:"reserved_by"`
}

// ClearResult is the body returned by DELETE /api/network/clear/{subnet}.
type ClearResult struct {
	Success      bool   `json:"success"`
	Subnet       string `json:"subnet"`
	Message      string `json:"message"`
	NodesDeleted int    `json:"nodes_deleted"`
}

// ResetResult is the body returned by POST /api/network/reset-status/{subnet}.
type ResetResult struct {
	Message    string `json:"message"`
	NodesReset int    `json:"nodes_reset"`
}

// DiscoverResponse is the body of GET /api/networks/discover. The backend
// reports discovery failures in Error with a 200 status.
type DiscoverResponse struct {
	Networks []models.Network `json:"networks"`
	Count    int              `json:"count"`
	Error    string           `json:"error"`
}

// StartTestRequest is the body of POST /api/traffic/start.
type StartTestRequest struct {
	SourceIP  string          `json:"source_ip"`
	TargetIP  string          `json:"target_ip"`
	Protocol  models.Protocol `json:"protocol"`
	Duration  int             `json:"duration"`
	Bandwidth string          `json:"bandwidth"`
	Parallel  int             `json:"parallel"`
	Reverse   bool            `json:"reverse"`
}

// TestInfo is the backend's view of a traffic test, returned by the start,
// status, and active endpoints.
type TestInfo struct {
	TestID    string           `json:"test_id"`
	Status    string           `json:"status"`
	SourceIP  string           `json:"source_ip"`
	TargetIP  string           `json:"target_ip"`
	Protocol  models.Protocol  `json:"protocol"`
	StartTime models.Timestamp `json:"start_time"`
	EndTime   models.Timestamp `json:"end_time"`
	Error     string           `json:"error"`
}

// Test converts i into a TrafficTest. Unknown statuses are rejected.
func (i TestInfo) Test() (models.TrafficTest, error) {
	st, err := models.ParseTestStatus(i.Status)
	if err != nil {
		return models.TrafficTest{}, err
	}
	return models.TrafficTest{
		TestID:    i.TestID,
		SourceIP:  i.SourceIP,
		TargetIP:  i.TargetIP,
		Protocol:  i.Protocol,
		Status:    st,
		StartTime: i.StartTime,
		EndTime:   i.EndTime,
		Error:     i.Error,
	}, nil
}

// ActiveTests is the body of GET /api/traffic/active.
type ActiveTests struct {
	Active    []TestInfo `json:"active"`
	Completed []TestInfo `json:"completed"`
	Failed    []TestInfo `json:"failed"`
}

// TestResults is the body of GET /api/traffic/results/{test_id}. While the
// test runs, or once it failed, only Status and Message or Error are set.
type TestResults struct {
	Status           string          `json:"status"`
	Message          string          `json:"message"`
	Error            string          `json:"error"`
	ParseError       string          `json:"parse_error"`
	Protocol         models.Protocol `json:"protocol"`
	BandwidthBps     float64         `json:"bandwidth_bps"`
	BandwidthMbps    float64         `json:"bandwidth_mbps"`
	BytesTransferred int64           `json:"bytes_transferred"`
	Retransmits      int             `json:"retransmits"`
	JitterMs         float64         `json:"jitter_ms"`
	LostPackets      int             `json:"lost_packets"`
	Packets          int             `json:"packets"`
	LostPercent      float64         `json:"lost_percent"`
}

// Result builds the tagged result for protocol. Fields belonging to the
// other protocol are dropped.
func (r TestResults) Result(protocol models.Protocol) (*models.TrafficResult, error) {
	switch r.Status {
	case string(models.TestFailed):
		return nil, fmt.Errorf("test failed: %s", r.Error)
	case string(models.TestRunning):
		return nil, fmt.Errorf("test still running")
	}
	if r.ParseError != "" {
		return nil, fmt.Errorf("backend could not parse results: %s", r.ParseError)
	}
	if r.Protocol != "" {
		protocol = r.Protocol
	}
	res := &models.TrafficResult{
		Protocol:         protocol,
		BandwidthMbps:    r.BandwidthMbps,
		BandwidthBps:     r.BandwidthBps,
		BytesTransferred: r.BytesTransferred,
	}
	switch protocol {
	case models.ProtocolTCP:
		res.TCP = &models.TCPStats{Retransmits: r.Retransmits}
	case models.ProtocolUDP:
		res.UDP = &models.UDPStats{
			JitterMs:    r.JitterMs,
			LostPercent: r.LostPercent,
			LostPackets: r.LostPackets,
			Packets:     r.Packets,
		}
	default:
		return nil, fmt.Errorf("result has invalid protocol %q", protocol)
	}
	return res, nil
}

// TemplateList is the body of GET /api/proxmox/templates.
type TemplateList struct {
	Templates []models.VMTemplate `json:"templates"`
	Count     int                 `json:"count"`
}

type nextIDResponse struct {
	NextVMID int `json:"next_vmid"`
}

type errorBody struct {
	Detail json.RawMessage `json:"detail"`
}
