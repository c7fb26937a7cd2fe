package models

import (
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// AddressStatus is the liveness state of one address in the grid.
type AddressStatus string

const (
	StatusUp             AddressStatus = "up"
	StatusDown           AddressStatus = "down"
	StatusPreviouslyUsed AddressStatus = "previously_used"
	StatusReserved       AddressStatus = "reserved"
	StatusUnknown        AddressStatus = "unknown"
)

// AddressStatuses lists every status in display order.
var AddressStatuses = []AddressStatus{
	StatusUp, StatusDown, StatusPreviouslyUsed, StatusReserved, StatusUnknown,
}

// ParseAddressStatus validates s. An empty string maps to StatusUnknown.
func ParseAddressStatus(s string) (AddressStatus, error) {
	switch st := AddressStatus(strings.ToLower(strings.TrimSpace(s))); st {
	case StatusUp, StatusDown, StatusPreviouslyUsed, StatusReserved, StatusUnknown:
		return st, nil
	case "":
		return StatusUnknown, nil
	default:
		return "", fmt.Errorf("invalid address status %q", s)
	}
}

// UnmarshalJSON rejects statuses outside the known set.
func (s *AddressStatus) UnmarshalJSON(data []byte) error {
	var raw *string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw == nil {
		*s = StatusUnknown
		return nil
	}
	st, err := ParseAddressStatus(*raw)
	if err != nil {
		return err
	}
	*s = st
	return nil
}

// Reservation is an administrative hold on an address.
type Reservation struct {
	ReservedFor string `json:"reserved_for,omitempty"`
	Description string `json:"description,omitempty"`
	ReservedBy  string `json:"reserved_by,omitempty"`
}

// AddressRecord is the latest known state of one IPv4 address.
type AddressRecord struct {
	IP          string        `json:"ip"`
	Status      AddressStatus `json:"status"`
	Hostname    string        `json:"hostname,omitempty"`
	MACAddress  string        `json:"mac_address,omitempty"`
	Vendor      string        `json:"vendor,omitempty"`
	OpenPorts   []int         `json:"open_ports,omitempty"`
	FirstSeen   Timestamp     `json:"first_seen"`
	LastSeen    Timestamp     `json:"last_seen"`
	LastScanned Timestamp     `json:"last_scanned"`
	TimesSeen   int           `json:"times_seen"`
	Notes       string        `json:"notes,omitempty"`
	Reservation *Reservation  `json:"reservation,omitempty"`
}

// Clone returns a deep copy of r.
func (r AddressRecord) Clone() AddressRecord {
	out := r
	if r.OpenPorts != nil {
		out.OpenPorts = append([]int(nil), r.OpenPorts...)
	}
	if r.Reservation != nil {
		res := *r.Reservation
		out.Reservation = &res
	}
	return out
}

// Octet returns the host octet of r.IP, or -1 if the address is malformed.
func (r AddressRecord) Octet() int {
	_, octet, err := SplitAddress(r.IP)
	if err != nil {
		return -1
	}
	return octet
}

// RecordPatch carries a partial update for one address. Nil fields are
// absent and leave the stored value untouched.
type RecordPatch struct {
	Status      *AddressStatus
	Hostname    *string
	MACAddress  *string
	Vendor      *string
	OpenPorts   []int
	FirstSeen   *time.Time
	LastSeen    *time.Time
	LastScanned *time.Time
	TimesSeen   *int
	Notes       *string
	Reservation *Reservation
}

// IsEmpty reports whether the patch carries no fields.
func (p RecordPatch) IsEmpty() bool {
	return p.Status == nil && p.Hostname == nil && p.MACAddress == nil &&
		p.Vendor == nil && p.OpenPorts == nil && p.FirstSeen == nil &&
		p.LastSeen == nil && p.LastScanned == nil && p.TimesSeen == nil &&
		p.Notes == nil && p.Reservation == nil
}

// NodeHistoryEntry is one historical observation of an address.
type NodeHistoryEntry struct {
	IP         string        `json:"ip_address"`
	Status     AddressStatus `json:"status"`
	Hostname   string        `json:"hostname,omitempty"`
	MACAddress string        `json:"mac_address,omitempty"`
	Vendor     string        `json:"vendor,omitempty"`
	RecordedAt Timestamp     `json:"recorded_at"`
}

// NormalizeSubnet validates a three-octet prefix such as "10.0.0" and
// returns it without surrounding whitespace or a trailing dot.
func NormalizeSubnet(subnet string) (string, error) {
	s := strings.TrimSuffix(strings.TrimSpace(subnet), ".")
	parts := strings.Split(s, ".")
	if len(parts) != 3 {
		return "", fmt.Errorf("subnet %q must be three octets (x.x.x)", subnet)
	}
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || n > 255 || strconv.Itoa(n) != p {
			return "", fmt.Errorf("subnet %q has invalid octet %q", subnet, p)
		}
	}
	return s, nil
}

// SplitAddress splits a dotted-quad IPv4 address into its three-octet
// prefix and host octet.
func SplitAddress(ip string) (string, int, error) {
	parsed := net.ParseIP(strings.TrimSpace(ip))
	if parsed == nil || parsed.To4() == nil {
		return "", 0, fmt.Errorf("invalid IPv4 address %q", ip)
	}
	v4 := parsed.To4()
	return fmt.Sprintf("%d.%d.%d", v4[0], v4[1], v4[2]), int(v4[3]), nil
}

// AddressIn joins a prefix and host octet.
func AddressIn(subnet string, octet int) string {
	return subnet + "." + strconv.Itoa(octet)
}
