package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"

	"github.com/HerbHall/subnetgrid/internal/records"
	"github.com/HerbHall/subnetgrid/pkg/models"
)

const (
	outputTable = "table"
	outputCSV   = "csv"
	outputJSON  = "json"
)

func validOutput(format string) error {
	switch format {
	case outputTable, outputCSV, outputJSON:
		return nil
	default:
		return fmt.Errorf("unknown output format %q (want table, csv or json)", format)
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTabWriter(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}

func ago(t models.Timestamp) string {
	if t.IsZero() {
		return "-"
	}
	return humanize.Time(t.Time)
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// writeRecords renders recs in format.
func writeRecords(w io.Writer, format string, recs []models.AddressRecord) error {
	switch format {
	case outputCSV:
		return records.WriteCSV(w, recs)
	case outputJSON:
		return writeJSON(w, recs)
	}

	tw := newTabWriter(w)
	defer func() {
		// Ignore flushing errors - there's nothing we can do.
		_ = tw.Flush()
	}()
	fmt.Fprintln(tw, "IP\tSTATUS\tHOSTNAME\tMAC\tLAST SEEN\tRESERVED FOR\tNOTES")
	for _, r := range recs {
		reserved := "-"
		if r.Reservation != nil {
			reserved = dash(r.Reservation.ReservedFor)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.IP,
			r.Status,
			dash(r.Hostname),
			dash(r.MACAddress),
			ago(r.LastSeen),
			reserved,
			dash(strings.ReplaceAll(r.Notes, "\n", " ")),
		)
	}
	return nil
}

func writeScanSummary(w io.Writer, res *models.ScanResult) {
	fmt.Fprintf(w, "Scanned %s.0/24 in %.1fs: %d up, %d down, %d previously used, %d reserved\n",
		res.Subnet, res.ScanTime, res.Active, res.Inactive, res.PreviouslyUsed, res.Reserved)
}

// formatRate renders a throughput in bits per second.
func formatRate(bps float64) string {
	if bps <= 0 {
		return "-"
	}
	value, prefix := humanize.ComputeSI(bps)
	return fmt.Sprintf("%s %sbit/s", humanize.FtoaWithDigits(value, 2), prefix)
}

func writeTrafficTests(w io.Writer, tests []models.TrafficTest) {
	tw := newTabWriter(w)
	defer func() {
		_ = tw.Flush()
	}()
	fmt.Fprintln(tw, "ID\tSOURCE\tTARGET\tPROTO\tSTATUS\tSTARTED\tTHROUGHPUT\tTRANSFERRED")
	for _, t := range tests {
		id := t.TestID
		if id == "" {
			id = t.LocalID
		}
		rate, transferred := "-", "-"
		if t.Result != nil {
			bps := t.Result.BandwidthBps
			if bps == 0 {
				bps = t.Result.BandwidthMbps * 1e6
			}
			rate = formatRate(bps)
			if t.Result.BytesTransferred > 0 {
				transferred = humanize.Bytes(uint64(t.Result.BytesTransferred))
			}
		}
		status := string(t.Status)
		if t.Error != "" {
			status += " (" + t.Error + ")"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			id,
			dash(t.SourceIP),
			t.TargetIP,
			t.Protocol,
			status,
			ago(t.StartTime),
			rate,
			transferred,
		)
	}
}
