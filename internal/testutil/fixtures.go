package testutil

import (
	"time"

	"github.com/HerbHall/subnetgrid/pkg/models"
)

// FixedTime is the reference instant used by fixtures.
var FixedTime = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

// NewRecord returns an AddressRecord that is up at 10.0.0.5, suitable for
// test fixtures. Options are applied in order.
func NewRecord(opts ...func(*models.AddressRecord)) models.AddressRecord {
	r := models.AddressRecord{
		IP:          "10.0.0.5",
		Status:      models.StatusUp,
		FirstSeen:   models.NewTimestamp(FixedTime),
		LastSeen:    models.NewTimestamp(FixedTime),
		LastScanned: models.NewTimestamp(FixedTime),
		TimesSeen:   1,
	}
	for _, opt := range opts {
		opt(&r)
	}
	return r
}

// WithIP sets the record address.
func WithIP(ip string) func(*models.AddressRecord) {
	return func(r *models.AddressRecord) { r.IP = ip }
}

// WithStatus sets the record status.
func WithStatus(s models.AddressStatus) func(*models.AddressRecord) {
	return func(r *models.AddressRecord) { r.Status = s }
}

// WithHostname sets the record hostname.
func WithHostname(name string) func(*models.AddressRecord) {
	return func(r *models.AddressRecord) { r.Hostname = name }
}

// WithMAC sets the record MAC address.
func WithMAC(mac string) func(*models.AddressRecord) {
	return func(r *models.AddressRecord) { r.MACAddress = mac }
}

// WithNotes sets the record notes.
func WithNotes(notes string) func(*models.AddressRecord) {
	return func(r *models.AddressRecord) { r.Notes = notes }
}

// WithTimesSeen sets the times_seen counter.
func WithTimesSeen(n int) func(*models.AddressRecord) {
	return func(r *models.AddressRecord) { r.TimesSeen = n }
}

// WithLastSeen sets the record's last_seen timestamp.
func WithLastSeen(t time.Time) func(*models.AddressRecord) {
	return func(r *models.AddressRecord) { r.LastSeen = models.NewTimestamp(t) }
}

// WithReservation marks the record reserved for the given purpose.
func WithReservation(reservedFor, by string) func(*models.AddressRecord) {
	return func(r *models.AddressRecord) {
		r.Status = models.StatusReserved
		r.Reservation = &models.Reservation{ReservedFor: reservedFor, ReservedBy: by}
	}
}
