// Package records holds the latest known AddressRecord per IP of the selected
// subnet. It is the only shared mutable state of the grid: every write goes
// through ReplaceAll or MergeOne so the merge policy lives in one place.
package records

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	memdb "github.com/hashicorp/go-memdb"
	"go.uber.org/zap"

	"github.com/HerbHall/subnetgrid/pkg/models"
)

const (
	tableRecords = "records"
	indexID      = "id"
	indexStatus  = "status"

	// GridSize is the number of host octets in a /24.
	GridSize = 256
)

var (
	// ErrNoSubnet is returned when no subnet is selected.
	ErrNoSubnet = errors.New("no subnet selected")
	// ErrOutsideSubnet is returned for addresses outside the selected subnet.
	ErrOutsideSubnet = errors.New("address outside selected subnet")
)

// entry is the memdb row. Status is duplicated as a plain string so it can
// be indexed.
type entry struct {
	IP     string
	Status string
	Record models.AddressRecord
}

var schema = &memdb.DBSchema{
	Tables: map[string]*memdb.TableSchema{
		tableRecords: {
			Name: tableRecords,
			Indexes: map[string]*memdb.IndexSchema{
				indexID: {
					Name:    indexID,
					Unique:  true,
					Indexer: &memdb.StringFieldIndex{Field: "IP"},
				},
				indexStatus: {
					Name:    indexStatus,
					Indexer: &memdb.StringFieldIndex{Field: "Status"},
				},
			},
		},
	},
}

// Store is a concurrency-safe record table scoped to one subnet. Reads are
// snapshots; callers get copies and can never write through them.
type Store struct {
	// updateLock must be held during a write transaction.
	updateLock sync.Mutex

	mu     sync.RWMutex
	db     *memdb.MemDB
	subnet string

	logger *zap.Logger
}

// NewStore returns an empty Store with no subnet selected.
func NewStore(logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: newDB(), logger: logger}
}

func newDB() *memdb.MemDB {
	db, err := memdb.NewMemDB(schema)
	if err != nil {
		// Static schema.
		panic(err)
	}
	return db
}

// Subnet returns the selected three-octet prefix, or "" if none.
func (s *Store) Subnet() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.subnet
}

// Reset discards every record and scopes the store to subnet. An empty
// subnet leaves the store unscoped and empty.
func (s *Store) Reset(subnet string) error {
	if subnet != "" {
		norm, err := models.NormalizeSubnet(subnet)
		if err != nil {
			return err
		}
		subnet = norm
	}
	s.updateLock.Lock()
	defer s.updateLock.Unlock()

	s.mu.Lock()
	s.db = newDB()
	s.subnet = subnet
	s.mu.Unlock()
	return nil
}

// Clear discards every record but keeps the selected subnet.
func (s *Store) Clear() {
	s.updateLock.Lock()
	defer s.updateLock.Unlock()

	s.mu.Lock()
	s.db = newDB()
	s.mu.Unlock()
}

func (s *Store) snapshot() (*memdb.MemDB, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db, s.subnet
}

// ReplaceAll atomically swaps the whole table for records. Addresses absent
// from records are dropped. Fields the scanner cannot observe again survive
// from the previous table: hostname, MAC and vendor when the new value is
// empty, reservation details, and the first_seen, last_seen and
// times_seen high-water marks. Notes always come from records. Records
// outside the selected subnet are skipped; for duplicate IPs the last one
// wins. It returns the number of records stored.
func (s *Store) ReplaceAll(in []models.AddressRecord) (int, error) {
	s.updateLock.Lock()
	defer s.updateLock.Unlock()

	db, subnet := s.snapshot()
	if subnet == "" {
		return 0, ErrNoSubnet
	}

	prev := make(map[string]models.AddressRecord)
	it, err := db.Txn(false).Get(tableRecords, indexID)
	if err != nil {
		return 0, fmt.Errorf("read records: %w", err)
	}
	for obj := it.Next(); obj != nil; obj = it.Next() {
		e := obj.(*entry)
		prev[e.IP] = e.Record
	}

	next := newDB()
	txn := next.Txn(true)
	defer txn.Abort()

	seen := make(map[string]struct{}, len(in))
	for _, rec := range in {
		prefix, octet, err := models.SplitAddress(rec.IP)
		if err != nil || prefix != subnet {
			s.logger.Warn("dropping record outside selected subnet",
				zap.String("ip", rec.IP), zap.String("subnet", subnet))
			continue
		}
		rec = rec.Clone()
		rec.IP = models.AddressIn(prefix, octet)
		if old, ok := prev[rec.IP]; ok {
			carryForward(&rec, old)
		}
		normalize(&rec)
		if err := txn.Insert(tableRecords, &entry{IP: rec.IP, Status: string(rec.Status), Record: rec}); err != nil {
			return 0, fmt.Errorf("insert %s: %w", rec.IP, err)
		}
		seen[rec.IP] = struct{}{}
	}
	txn.Commit()

	s.mu.Lock()
	s.db = next
	s.mu.Unlock()
	return len(seen), nil
}

// carryForward copies sticky fields from old into rec.
func carryForward(rec *models.AddressRecord, old models.AddressRecord) {
	if rec.Hostname == "" {
		rec.Hostname = old.Hostname
	}
	if rec.MACAddress == "" {
		rec.MACAddress = old.MACAddress
	}
	if rec.Vendor == "" {
		rec.Vendor = old.Vendor
	}
	if !old.FirstSeen.IsZero() && (rec.FirstSeen.IsZero() || old.FirstSeen.Before(rec.FirstSeen.Time)) {
		rec.FirstSeen = old.FirstSeen
	}
	if old.LastSeen.After(rec.LastSeen.Time) {
		rec.LastSeen = old.LastSeen
	}
	if old.TimesSeen > rec.TimesSeen {
		rec.TimesSeen = old.TimesSeen
	}
	if rec.Status == models.StatusReserved && old.Reservation != nil {
		rec.Reservation = mergeReservation(old.Reservation, rec.Reservation)
	}
}

// mergeReservation overlays the non-empty fields of next on prev.
func mergeReservation(prev, next *models.Reservation) *models.Reservation {
	out := models.Reservation{}
	if prev != nil {
		out = *prev
	}
	if next != nil {
		if next.ReservedFor != "" {
			out.ReservedFor = next.ReservedFor
		}
		if next.Description != "" {
			out.Description = next.Description
		}
		if next.ReservedBy != "" {
			out.ReservedBy = next.ReservedBy
		}
	}
	return &out
}

// normalize enforces that a reservation is present iff the status is
// reserved.
func normalize(rec *models.AddressRecord) {
	if rec.Status == "" {
		rec.Status = models.StatusUnknown
	}
	switch {
	case rec.Status != models.StatusReserved:
		rec.Reservation = nil
	case rec.Reservation == nil:
		rec.Reservation = &models.Reservation{}
	}
}

// MergeOne upserts the fields present in patch for ip and leaves every other
// field as it was. first_seen is only filled when unset; last_seen and
// times_seen never move backwards. Leaving the reserved status drops the
// reservation. It returns the merged record.
func (s *Store) MergeOne(ip string, patch models.RecordPatch) (models.AddressRecord, error) {
	s.updateLock.Lock()
	defer s.updateLock.Unlock()

	db, subnet := s.snapshot()
	if subnet == "" {
		return models.AddressRecord{}, ErrNoSubnet
	}
	prefix, octet, err := models.SplitAddress(ip)
	if err != nil {
		return models.AddressRecord{}, err
	}
	if prefix != subnet {
		return models.AddressRecord{}, fmt.Errorf("%w: %s not in %s", ErrOutsideSubnet, ip, subnet)
	}
	ip = models.AddressIn(prefix, octet)

	txn := db.Txn(true)
	defer txn.Abort()

	rec := models.AddressRecord{IP: ip, Status: models.StatusUnknown}
	obj, err := txn.First(tableRecords, indexID, ip)
	if err != nil {
		return models.AddressRecord{}, fmt.Errorf("read %s: %w", ip, err)
	}
	if obj != nil {
		rec = obj.(*entry).Record.Clone()
	}

	applyPatch(&rec, patch)
	normalize(&rec)

	if err := txn.Insert(tableRecords, &entry{IP: rec.IP, Status: string(rec.Status), Record: rec}); err != nil {
		return models.AddressRecord{}, fmt.Errorf("insert %s: %w", ip, err)
	}
	txn.Commit()
	return rec.Clone(), nil
}

func applyPatch(rec *models.AddressRecord, p models.RecordPatch) {
	if p.Status != nil {
		rec.Status = *p.Status
	}
	if p.Hostname != nil {
		rec.Hostname = *p.Hostname
	}
	if p.MACAddress != nil {
		rec.MACAddress = *p.MACAddress
	}
	if p.Vendor != nil {
		rec.Vendor = *p.Vendor
	}
	if p.OpenPorts != nil {
		rec.OpenPorts = append([]int(nil), p.OpenPorts...)
	}
	if p.FirstSeen != nil && rec.FirstSeen.IsZero() {
		rec.FirstSeen = models.NewTimestamp(*p.FirstSeen)
	}
	if p.LastSeen != nil && p.LastSeen.After(rec.LastSeen.Time) {
		rec.LastSeen = models.NewTimestamp(*p.LastSeen)
	}
	if p.LastScanned != nil {
		rec.LastScanned = models.NewTimestamp(*p.LastScanned)
	}
	if p.TimesSeen != nil && *p.TimesSeen > rec.TimesSeen {
		rec.TimesSeen = *p.TimesSeen
	}
	if p.Notes != nil {
		rec.Notes = *p.Notes
	}
	if p.Reservation != nil {
		rec.Reservation = mergeReservation(rec.Reservation, p.Reservation)
	}
}

// Get returns a copy of the record for ip.
func (s *Store) Get(ip string) (models.AddressRecord, bool) {
	db, _ := s.snapshot()
	obj, err := db.Txn(false).First(tableRecords, indexID, ip)
	if err != nil || obj == nil {
		return models.AddressRecord{}, false
	}
	return obj.(*entry).Record.Clone(), true
}

// Len returns the number of stored records.
func (s *Store) Len() int {
	return len(s.All())
}

// All returns copies of every stored record ordered by host octet.
func (s *Store) All() []models.AddressRecord {
	db, _ := s.snapshot()
	it, err := db.Txn(false).Get(tableRecords, indexID)
	if err != nil {
		return nil
	}
	return collect(it)
}

// ByStatus returns copies of the stored records with status st.
func (s *Store) ByStatus(st models.AddressStatus) []models.AddressRecord {
	db, _ := s.snapshot()
	it, err := db.Txn(false).Get(tableRecords, indexStatus, string(st))
	if err != nil {
		return nil
	}
	return collect(it)
}

func collect(it memdb.ResultIterator) []models.AddressRecord {
	out := []models.AddressRecord{}
	for obj := it.Next(); obj != nil; obj = it.Next() {
		out = append(out, obj.(*entry).Record.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Octet() < out[j].Octet() })
	return out
}

// Grid returns all 256 host addresses of the selected subnet in octet
// order. Addresses with no record are reported as unknown.
func (s *Store) Grid() []models.AddressRecord {
	subnet := s.Subnet()
	if subnet == "" {
		return nil
	}
	byOctet := make(map[int]models.AddressRecord, GridSize)
	for _, r := range s.All() {
		byOctet[r.Octet()] = r
	}
	out := make([]models.AddressRecord, GridSize)
	for i := range out {
		if r, ok := byOctet[i]; ok {
			out[i] = r
			continue
		}
		out[i] = models.AddressRecord{IP: models.AddressIn(subnet, i), Status: models.StatusUnknown}
	}
	return out
}
