package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Protocol is the transport used by a traffic test.
type Protocol string

const (
	ProtocolTCP Protocol = "tcp"
	ProtocolUDP Protocol = "udp"
)

// ParseProtocol validates p.
func ParseProtocol(p string) (Protocol, error) {
	switch pr := Protocol(strings.ToLower(strings.TrimSpace(p))); pr {
	case ProtocolTCP, ProtocolUDP:
		return pr, nil
	default:
		return "", fmt.Errorf("invalid protocol %q (want tcp or udp)", p)
	}
}

// TestStatus is the backend-reported state of a traffic test.
type TestStatus string

const (
	// TestStarting is local only: the start call has not returned a test id.
	TestStarting  TestStatus = "starting"
	TestRunning   TestStatus = "running"
	TestCompleted TestStatus = "completed"
	TestFailed    TestStatus = "failed"
)

// ParseTestStatus validates a status reported by the backend.
func ParseTestStatus(s string) (TestStatus, error) {
	switch st := TestStatus(strings.ToLower(strings.TrimSpace(s))); st {
	case TestRunning, TestCompleted, TestFailed:
		return st, nil
	default:
		return "", fmt.Errorf("invalid test status %q", s)
	}
}

// Terminal reports whether no further transitions can happen.
func (s TestStatus) Terminal() bool {
	return s == TestCompleted || s == TestFailed
}

// TrafficConfig is the configuration snapshot taken when a test starts.
type TrafficConfig struct {
	Duration  int    `json:"duration"`
	Bandwidth string `json:"bandwidth"`
	Parallel  int    `json:"parallel"`
	Reverse   bool   `json:"reverse"`
}

// TCPStats holds TCP-only result fields.
type TCPStats struct {
	Retransmits int `json:"retransmits"`
}

// UDPStats holds UDP-only result fields.
type UDPStats struct {
	JitterMs    float64 `json:"jitter_ms"`
	LostPercent float64 `json:"lost_percent"`
	LostPackets int     `json:"lost_packets"`
	Packets     int     `json:"packets"`
}

// TrafficResult is the parsed outcome of a completed test. Exactly one of
// TCP or UDP is set, matching Protocol.
type TrafficResult struct {
	Protocol         Protocol
	BandwidthMbps    float64
	BandwidthBps     float64
	BytesTransferred int64
	TCP              *TCPStats
	UDP              *UDPStats
}

// trafficResultJSON is the flattened wire form. Protocol-specific fields
// are pointers so the other protocol's fields are omitted entirely.
type trafficResultJSON struct {
	Protocol         Protocol `json:"protocol"`
	BandwidthMbps    float64  `json:"bandwidth_mbps"`
	BandwidthBps     float64  `json:"bandwidth_bps,omitempty"`
	BytesTransferred int64    `json:"bytes_transferred"`
	Retransmits      *int     `json:"retransmits,omitempty"`
	JitterMs         *float64 `json:"jitter_ms,omitempty"`
	LostPercent      *float64 `json:"lost_percent,omitempty"`
	LostPackets      *int     `json:"lost_packets,omitempty"`
	Packets          *int     `json:"packets,omitempty"`
}

// MarshalJSON flattens the protocol-specific fields.
func (r TrafficResult) MarshalJSON() ([]byte, error) {
	out := trafficResultJSON{
		Protocol:         r.Protocol,
		BandwidthMbps:    r.BandwidthMbps,
		BandwidthBps:     r.BandwidthBps,
		BytesTransferred: r.BytesTransferred,
	}
	switch {
	case r.Protocol == ProtocolTCP && r.TCP != nil:
		out.Retransmits = &r.TCP.Retransmits
	case r.Protocol == ProtocolUDP && r.UDP != nil:
		out.JitterMs = &r.UDP.JitterMs
		out.LostPercent = &r.UDP.LostPercent
		out.LostPackets = &r.UDP.LostPackets
		out.Packets = &r.UDP.Packets
	}
	return json.Marshal(out)
}

// UnmarshalJSON reads the flattened form written by MarshalJSON.
func (r *TrafficResult) UnmarshalJSON(data []byte) error {
	var in trafficResultJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	res := TrafficResult{
		Protocol:         in.Protocol,
		BandwidthMbps:    in.BandwidthMbps,
		BandwidthBps:     in.BandwidthBps,
		BytesTransferred: in.BytesTransferred,
	}
	switch in.Protocol {
	case ProtocolTCP:
		res.TCP = &TCPStats{}
		if in.Retransmits != nil {
			res.TCP.Retransmits = *in.Retransmits
		}
	case ProtocolUDP:
		res.UDP = &UDPStats{}
		if in.JitterMs != nil {
			res.UDP.JitterMs = *in.JitterMs
		}
		if in.LostPercent != nil {
			res.UDP.LostPercent = *in.LostPercent
		}
		if in.LostPackets != nil {
			res.UDP.LostPackets = *in.LostPackets
		}
		if in.Packets != nil {
			res.UDP.Packets = *in.Packets
		}
	default:
		return fmt.Errorf("traffic result: invalid protocol %q", in.Protocol)
	}
	*r = res
	return nil
}

// TrafficTest is one throughput test job. Transitions are driven only by
// polling the backend.
type TrafficTest struct {
	TestID    string         `json:"test_id"`
	LocalID   string         `json:"local_id,omitempty"`
	SourceIP  string         `json:"source_ip"`
	TargetIP  string         `json:"target_ip"`
	Protocol  Protocol       `json:"protocol"`
	Status    TestStatus     `json:"status"`
	Config    TrafficConfig  `json:"config"`
	StartTime Timestamp      `json:"start_time"`
	EndTime   Timestamp      `json:"end_time"`
	Result    *TrafficResult `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`

	// PollAttempts counts status polls issued so far.
	PollAttempts int `json:"poll_attempts"`
	// PollExhausted is set when the poll budget ran out while still running.
	PollExhausted bool `json:"poll_exhausted,omitempty"`
}

// Readiness is the outcome of a monitoring readiness probe.
type Readiness struct {
	IP                  string `json:"ip"`
	Ready               bool   `json:"ready"`
	NodeExporterRunning bool   `json:"node_exporter_running"`
	IPerf3Running       bool   `json:"iperf3_running"`
	PortsListening      bool   `json:"ports_listening"`
	MetricsAvailable    bool   `json:"metrics_available"`
	MetricsCount        int    `json:"metrics_count"`
	Error               string `json:"error,omitempty"`
}
