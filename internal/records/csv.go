package records

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/HerbHall/subnetgrid/pkg/models"
)

// csvHeaders returns the CSV column headers.
func csvHeaders() []string {
	return []string{
		"ip", "status", "hostname", "mac_address", "vendor", "open_ports",
		"first_seen", "last_seen", "last_scanned", "times_seen", "notes",
		"reserved_for", "reserved_by",
	}
}

// recordToCSVRow converts a record to a CSV row (matching csvHeaders order).
func recordToCSVRow(r models.AddressRecord) []string {
	ports := make([]string, len(r.OpenPorts))
	for i, p := range r.OpenPorts {
		ports[i] = strconv.Itoa(p)
	}
	var reservedFor, reservedBy string
	if r.Reservation != nil {
		reservedFor = r.Reservation.ReservedFor
		reservedBy = r.Reservation.ReservedBy
	}
	return []string{
		r.IP,
		string(r.Status),
		r.Hostname,
		r.MACAddress,
		r.Vendor,
		strings.Join(ports, ";"),
		formatTime(r.FirstSeen),
		formatTime(r.LastSeen),
		formatTime(r.LastScanned),
		strconv.Itoa(r.TimesSeen),
		r.Notes,
		reservedFor,
		reservedBy,
	}
}

func formatTime(t models.Timestamp) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// WriteCSV writes recs as CSV with a header row.
func WriteCSV(w io.Writer, recs []models.AddressRecord) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeaders()); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, r := range recs {
		if err := cw.Write(recordToCSVRow(r)); err != nil {
			return fmt.Errorf("write csv row %s: %w", r.IP, err)
		}
	}
	cw.Flush()
	return cw.Error()
}
